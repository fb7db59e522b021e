package parallelizer

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dataferry/ferry/pkg/config"
	ferrors "github.com/dataferry/ferry/pkg/errors"
	"github.com/dataferry/ferry/pkg/position"
	"github.com/dataferry/ferry/pkg/record"
	"github.com/dataferry/ferry/pkg/sink"
	"github.com/dataferry/ferry/pkg/testutil"
)

func newStrategy(t *testing.T, s config.Strategy, workers int) Parallelizer {
	t.Helper()
	p, err := New(s, Config{
		Task:    "t",
		Workers: workers,
		Retry: config.RetryConfig{
			MaxAttempts:  3,
			InitialDelay: config.Duration(time.Millisecond),
			MaxDelay:     config.Duration(10 * time.Millisecond),
			Multiplier:   2.0,
		},
	})
	require.NoError(t, err)
	return p
}

func TestNewRejectsUnknownStrategy(t *testing.T) {
	_, err := New(config.Strategy("bogus"), Config{})
	require.Error(t, err)
	assert.True(t, ferrors.IsType(err, ferrors.ErrorTypeConfig))
}

func TestSerialAppliesInOrder(t *testing.T) {
	p := newStrategy(t, config.StrategySerial, 1)
	dest := testutil.NewMemorySink()

	batch := record.NewBatch(1, []*record.Record{
		testutil.Insert("users", 1, "a", position.LSN{Value: 1}),
		testutil.Update("users", 1, "b", position.LSN{Value: 2}),
		testutil.Insert("users", 2, "c", position.LSN{Value: 3}),
	})
	report, err := p.Apply(context.Background(), batch, dest)
	require.NoError(t, err)

	applied, _, failed := report.Counts()
	assert.Equal(t, 3, applied)
	assert.Zero(t, failed)

	key := testutil.Insert("users", 1, "", nil).PrimaryKey()
	journal := dest.Journal(key)
	require.Len(t, journal, 2)
	assert.Equal(t, record.OpInsert, journal[0].Op)
	assert.Equal(t, record.OpUpdate, journal[1].Op)
}

func TestShardedPreservesPerKeyOrder(t *testing.T) {
	p := newStrategy(t, config.StrategySharded, 4)
	dest := testutil.NewMemorySink()

	// Interleave four operations per key across 8 keys.
	ops := []record.OpType{record.OpInsert, record.OpUpdate, record.OpUpdate, record.OpDelete}
	var records []*record.Record
	pos := uint64(0)
	for round, op := range ops {
		for id := 1; id <= 8; id++ {
			pos++
			var r *record.Record
			switch op {
			case record.OpInsert:
				r = testutil.Insert("users", id, fmt.Sprintf("v%d", round), position.LSN{Value: pos})
			case record.OpUpdate:
				r = testutil.Update("users", id, fmt.Sprintf("v%d", round), position.LSN{Value: pos})
			default:
				r = testutil.Delete("users", id, position.LSN{Value: pos})
			}
			records = append(records, r)
		}
	}

	report, err := p.Apply(context.Background(), record.NewBatch(1, records), dest)
	require.NoError(t, err)
	applied, _, failed := report.Counts()
	assert.Equal(t, len(records), applied)
	assert.Zero(t, failed)

	// Each key must see insert, update, update, delete in that order,
	// regardless of how sub-queues interleaved globally.
	for id := 1; id <= 8; id++ {
		key := testutil.Insert("users", id, "", nil).PrimaryKey()
		journal := dest.Journal(key)
		require.Len(t, journal, 4, "key %d", id)
		assert.Equal(t, ops, []record.OpType{journal[0].Op, journal[1].Op, journal[2].Op, journal[3].Op}, "key %d", id)
		for i := 1; i < len(journal); i++ {
			assert.Greater(t, journal[i].Seq, journal[i-1].Seq)
		}
	}
	assert.Zero(t, dest.Len(), "every key ends deleted")
}

func TestShardedFencesUnpartitionableRecords(t *testing.T) {
	p := newStrategy(t, config.StrategySharded, 4)
	dest := testutil.NewMemorySink()

	noKeys := record.NewRow("test", "users", record.OpInsert, position.LSN{Value: 3})
	noKeys.Row.After = map[string]interface{}{"x": 1}

	batch := record.NewBatch(1, []*record.Record{
		testutil.Insert("users", 1, "a", position.LSN{Value: 1}),
		testutil.Insert("users", 2, "b", position.LSN{Value: 2}),
		noKeys,
		testutil.Insert("users", 3, "c", position.LSN{Value: 4}),
	})
	report, err := p.Apply(context.Background(), batch, dest)
	require.NoError(t, err)

	applied, _, _ := report.Counts()
	assert.Equal(t, 4, applied)

	// The keyless row must be applied after everything before it and
	// before everything after it.
	fenceSeq := dest.Journal(noKeys.PrimaryKey())[0].Seq
	for id, before := range map[int]bool{1: true, 2: true, 3: false} {
		seq := dest.Journal(testutil.Insert("users", id, "", nil).PrimaryKey())[0].Seq
		if before {
			assert.Less(t, seq, fenceSeq, "id %d applies before the fence", id)
		} else {
			assert.Greater(t, seq, fenceSeq, "id %d applies after the fence", id)
		}
	}
}

func TestMergeMatchesSerialOutcome(t *testing.T) {
	records := []*record.Record{
		testutil.Insert("users", 5, "a", position.LSN{Value: 1}),
		testutil.Update("users", 5, "b", position.LSN{Value: 2}),
		testutil.Delete("users", 5, position.LSN{Value: 3}),
		testutil.Delete("users", 6, position.LSN{Value: 4}),
		testutil.Insert("users", 6, "reborn", position.LSN{Value: 5}),
		testutil.Insert("users", 7, "x", position.LSN{Value: 6}),
		testutil.Update("users", 7, "y", position.LSN{Value: 7}),
	}

	// Seed both destinations with a pre-existing row for the
	// delete+insert case, then apply the same batch serially to one
	// and merged to the other.
	seed := testutil.Insert("users", 6, "old", position.LSN{Value: 0})
	serialDest := testutil.NewMemorySink()
	mergeDest := testutil.NewMemorySink()
	for _, dest := range []*testutil.MemorySink{serialDest, mergeDest} {
		_, err := dest.Apply(context.Background(), []*record.Record{seed})
		require.NoError(t, err)
	}

	_, err := newStrategy(t, config.StrategySerial, 1).
		Apply(context.Background(), record.NewBatch(1, records), serialDest)
	require.NoError(t, err)
	_, err = newStrategy(t, config.StrategyMerge, 4).
		Apply(context.Background(), record.NewBatch(1, records), mergeDest)
	require.NoError(t, err)

	for id := 5; id <= 7; id++ {
		key := testutil.Insert("users", id, "", nil).PrimaryKey()
		want, wantOK := serialDest.Row(key)
		got, gotOK := mergeDest.Row(key)
		assert.Equal(t, wantOK, gotOK, "key %d presence", id)
		assert.Equal(t, want, got, "key %d image", id)
	}

	_, exists := mergeDest.Row(testutil.Insert("users", 5, "", nil).PrimaryKey())
	assert.False(t, exists, "insert+update+delete nets to no row")
}

func TestMergeFallsBackToShardedOnDdl(t *testing.T) {
	p := newStrategy(t, config.StrategyMerge, 2)
	dest := testutil.NewMemorySink()

	batch := record.NewBatch(1, []*record.Record{
		testutil.Insert("users", 1, "a", position.LSN{Value: 1}),
		record.NewDdl("ALTER TABLE users ADD c INT", position.LSN{Value: 2}),
		testutil.Insert("users", 2, "b", position.LSN{Value: 3}),
	})
	report, err := p.Apply(context.Background(), batch, dest)
	require.NoError(t, err)

	applied, skipped, _ := report.Counts()
	assert.Equal(t, 2, applied)
	assert.Equal(t, 1, skipped, "memory sink skips ddl markers")
}

func TestTableAppliesManyRowsAcrossTables(t *testing.T) {
	p := newStrategy(t, config.StrategyTable, 4)
	dest := testutil.NewMemorySink()

	var records []*record.Record
	pos := uint64(0)
	for table := 0; table < 10; table++ {
		for id := 1; id <= 1000; id++ {
			pos++
			records = append(records,
				testutil.Insert(fmt.Sprintf("t%02d", table), id, "v", position.LSN{Value: pos}))
		}
	}

	report, err := p.Apply(context.Background(), record.NewBatch(1, records), dest)
	require.NoError(t, err)

	applied, _, failed := report.Counts()
	assert.Equal(t, 10000, applied)
	assert.Zero(t, failed)
	assert.Equal(t, 10000, dest.Len())
}

func TestCheckReportsDiffKinds(t *testing.T) {
	p := newStrategy(t, config.StrategyCheck, 2)
	dest := testutil.NewMemorySink()

	// Destination holds id 1 matching, id 2 with a different value.
	_, err := dest.Apply(context.Background(), []*record.Record{
		testutil.Insert("users", 1, "same", position.LSN{Value: 1}),
		testutil.Insert("users", 2, "stale", position.LSN{Value: 2}),
	})
	require.NoError(t, err)

	batch := record.NewBatch(1, []*record.Record{
		testutil.Insert("users", 1, "same", position.LSN{Value: 1}),
		testutil.Insert("users", 2, "fresh", position.LSN{Value: 2}),
		testutil.Insert("users", 3, "new", position.LSN{Value: 3}),
	})
	report, err := p.Apply(context.Background(), batch, dest)
	require.NoError(t, err)

	require.Len(t, report.Diffs, 3)
	kinds := map[DiffKind]int{}
	for _, d := range report.Diffs {
		kinds[d.Kind]++
	}
	assert.Equal(t, 1, kinds[DiffMatch])
	assert.Equal(t, 1, kinds[DiffMismatch])
	assert.Equal(t, 1, kinds[DiffMissingInDestination])

	// Nothing was written.
	assert.Equal(t, 2, dest.Len())
	_, found := dest.Row(testutil.Insert("users", 3, "", nil).PrimaryKey())
	assert.False(t, found)
}

func TestCheckRequiresReadableSink(t *testing.T) {
	p := newStrategy(t, config.StrategyCheck, 1)

	batch := record.NewBatch(1, []*record.Record{
		testutil.Insert("users", 1, "a", position.LSN{Value: 1}),
	})
	_, err := p.Apply(context.Background(), batch, writeOnlySink{})
	require.Error(t, err)
	assert.True(t, ferrors.IsType(err, ferrors.ErrorTypeConfig))
}

func TestCompareStreamsFindsExtraDestinationRows(t *testing.T) {
	source := []*record.Record{
		testutil.Insert("users", 1, "a", position.LSN{Value: 1}),
	}
	destination := []*record.Record{
		testutil.Insert("users", 1, "a", position.LSN{Value: 1}),
		testutil.Insert("users", 2, "orphan", position.LSN{Value: 2}),
	}

	diffs := CompareStreams(source, destination)
	require.Len(t, diffs, 2)
	kinds := map[DiffKind]int{}
	for _, d := range diffs {
		kinds[d.Kind]++
	}
	assert.Equal(t, 1, kinds[DiffMatch])
	assert.Equal(t, 1, kinds[DiffMissingInSource])
}

// writeOnlySink implements Sinker but not Reader.
type writeOnlySink struct{}

func (writeOnlySink) Apply(ctx context.Context, records []*record.Record) ([]sink.Result, error) {
	return sink.Applied(records), nil
}
func (writeOnlySink) Flush(ctx context.Context) error { return nil }
func (writeOnlySink) Close() error                    { return nil }
