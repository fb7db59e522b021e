package pipeline

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/dataferry/ferry/pkg/checkpoint"
	"github.com/dataferry/ferry/pkg/config"
	ferrors "github.com/dataferry/ferry/pkg/errors"
	"github.com/dataferry/ferry/pkg/parallelizer"
	"github.com/dataferry/ferry/pkg/position"
	"github.com/dataferry/ferry/pkg/record"
	"github.com/dataferry/ferry/pkg/sink"
	"github.com/dataferry/ferry/pkg/testutil"
)

// ctxSink refuses work once the apply context is cancelled, the way
// real database and broker sinks do.
type ctxSink struct{ *testutil.MemorySink }

func (c ctxSink) Apply(ctx context.Context, records []*record.Record) ([]sink.Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return c.MemorySink.Apply(ctx, records)
}

func testConfig(strategy config.Strategy) *config.TaskConfig {
	cfg := config.NewTaskConfig("t", "users")
	cfg.Pipeline.Strategy = strategy
	cfg.Pipeline.BatchSize = 4
	cfg.Pipeline.BatchTimeout = config.Duration(20 * time.Millisecond)
	cfg.Pipeline.CheckpointInterval = config.Duration(time.Millisecond)
	cfg.Pipeline.Workers = 4
	cfg.Retry = config.RetryConfig{
		MaxAttempts:  3,
		InitialDelay: config.Duration(time.Millisecond),
		MaxDelay:     config.Duration(10 * time.Millisecond),
		Multiplier:   2.0,
	}
	return cfg
}

func tenInserts() []*record.Record {
	records := make([]*record.Record, 0, 10)
	for i := 1; i <= 10; i++ {
		records = append(records, testutil.Insert("users", i, "v", position.LSN{Value: uint64(i)}))
	}
	return records
}

func newTestParallelizer(cfg *config.TaskConfig) (parallelizer.Parallelizer, error) {
	return parallelizer.New(cfg.Pipeline.Strategy, parallelizer.Config{
		Task:    cfg.Name,
		Workers: cfg.Pipeline.GetWorkers(),
		Retry:   cfg.Retry,
	})
}

func newFileStore(t *testing.T) checkpoint.Store {
	t.Helper()
	store, err := checkpoint.NewFileStore(t.TempDir())
	require.NoError(t, err)
	return store
}

func runTask(t *testing.T, cfg *config.TaskConfig, records []*record.Record, sink *testutil.MemorySink, store checkpoint.Store) error {
	t.Helper()
	task, err := NewTask(cfg, &testutil.SliceExtractor{Records: records}, sink, store, zap.NewNop())
	require.NoError(t, err)
	return task.Run(context.Background())
}

func storedPosition(t *testing.T, store checkpoint.Store, subStream string) string {
	t.Helper()
	pos, found, err := store.Load(context.Background(), subStream)
	require.NoError(t, err)
	require.True(t, found, "expected a stored checkpoint for %s", subStream)
	return pos.Encode()
}

func TestTaskAppliesAllRecords(t *testing.T) {
	sink := testutil.NewMemorySink()
	store := newFileStore(t)

	require.NoError(t, runTask(t, testConfig(config.StrategySerial), tenInserts(), sink, store))

	assert.Equal(t, 10, sink.Len())
	assert.GreaterOrEqual(t, sink.Flushes(), 1, "shutdown must flush the sink")
	assert.Equal(t, "lsn:10", storedPosition(t, store, "users"))
}

func TestTaskResumeIsIdempotent(t *testing.T) {
	sink := testutil.NewMemorySink()
	store := newFileStore(t)
	records := tenInserts()

	require.NoError(t, runTask(t, testConfig(config.StrategySerial), records, sink, store))
	require.Equal(t, 10, sink.Applied())

	// A restart with the same source and store re-applies nothing.
	require.NoError(t, runTask(t, testConfig(config.StrategySerial), records, sink, store))
	assert.Equal(t, 10, sink.Applied(), "records at or before the checkpoint must not be re-applied")
	assert.Equal(t, "lsn:10", storedPosition(t, store, "users"))
}

func TestTaskResumesAfterCrashMidStream(t *testing.T) {
	sink := testutil.NewMemorySink()
	store := newFileStore(t)

	// A crash after checkpointing position 5 restarts there.
	require.NoError(t, store.Save(context.Background(), checkpoint.Checkpoint{
		SubStream: "users",
		Position:  position.LSN{Value: 5}.Encode(),
	}))

	require.NoError(t, runTask(t, testConfig(config.StrategySerial), tenInserts(), sink, store))

	assert.Equal(t, 5, sink.Len(), "only records after the checkpoint are applied")
	for i := 1; i <= 5; i++ {
		assert.Empty(t, sink.Journal(testutil.Insert("users", i, "v", nil).PrimaryKey()))
	}
	assert.Equal(t, "lsn:10", storedPosition(t, store, "users"))
}

func TestTaskAbortsOnFailedRecordByDefault(t *testing.T) {
	sink := testutil.NewMemorySink()
	sink.FailKey = testutil.Insert("users", 5, "v", nil).PrimaryKey()
	store := newFileStore(t)

	err := runTask(t, testConfig(config.StrategySerial), tenInserts(), sink, store)
	require.Error(t, err)
	assert.True(t, ferrors.IsType(err, ferrors.ErrorTypeData))

	// The failing batch never advances the checkpoint; the preceding
	// batch does.
	assert.Equal(t, "lsn:4", storedPosition(t, store, "users"))
}

func TestTaskSkipsFailedRecordsByPolicy(t *testing.T) {
	sink := testutil.NewMemorySink()
	sink.FailKey = testutil.Insert("users", 5, "v", nil).PrimaryKey()
	store := newFileStore(t)

	cfg := testConfig(config.StrategySerial)
	cfg.Pipeline.SkipDataErrors = true

	task, err := NewTask(cfg, &testutil.SliceExtractor{Records: tenInserts()}, sink, store, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, task.Run(context.Background()))

	assert.Equal(t, 9, sink.Len())
	stats := task.Stats()
	assert.Equal(t, uint64(9), stats.Applied)
	assert.Equal(t, uint64(1), stats.Failed)
	assert.Equal(t, "lsn:10", storedPosition(t, store, "users"),
		"skip policy still advances past the failure")
}

func TestTaskRetriesTransientFailures(t *testing.T) {
	sink := testutil.NewMemorySink()
	sink.TransientFailures = 2
	store := newFileStore(t)

	require.NoError(t, runTask(t, testConfig(config.StrategySerial), tenInserts(), sink, store))
	assert.Equal(t, 10, sink.Len())
}

func TestTaskStopsOnFatalError(t *testing.T) {
	sink := testutil.NewMemorySink()
	sink.FatalKey = testutil.Insert("users", 5, "v", nil).PrimaryKey()
	store := newFileStore(t)

	err := runTask(t, testConfig(config.StrategySerial), tenInserts(), sink, store)
	require.Error(t, err)
	assert.True(t, ferrors.IsFatal(err))
}

func TestPipelineBarrierForcesCheckpoint(t *testing.T) {
	sink := testutil.NewMemorySink()
	store := newFileStore(t)

	cfg := testConfig(config.StrategySerial)
	cfg.Pipeline.CheckpointInterval = config.Duration(time.Hour)

	par, err := newTestParallelizer(cfg)
	require.NoError(t, err)
	resumer := checkpoint.NewResumer(cfg.Name, store, position.None, zap.NewNop())
	p := New(cfg, par, sink, resumer, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	for i := 1; i <= 3; i++ {
		require.NoError(t, p.Push(ctx, testutil.Insert("users", i, "v", position.LSN{Value: uint64(i)})))
	}
	require.NoError(t, p.Push(ctx, record.NewBarrier(record.BarrierCheckpoint, position.LSN{Value: 4})))

	require.Eventually(t, func() bool {
		return resumer.Committed("users").Encode() == "lsn:4"
	}, 2*time.Second, 5*time.Millisecond,
		"checkpoint barrier must commit despite the long interval")

	p.CloseInput()
	require.NoError(t, <-done)
}

func TestCancellationWithStagedRecordsStopsCleanly(t *testing.T) {
	mem := testutil.NewMemorySink()
	store := newFileStore(t)

	// A long batch timeout keeps the pushed records staged in a forming
	// batch when the cancel arrives.
	cfg := testConfig(config.StrategySerial)
	cfg.Pipeline.BatchTimeout = config.Duration(time.Hour)

	par, err := newTestParallelizer(cfg)
	require.NoError(t, err)
	resumer := checkpoint.NewResumer(cfg.Name, store, position.None, zap.NewNop())
	p := New(cfg, par, ctxSink{mem}, resumer, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	require.NoError(t, p.Push(ctx, testutil.Insert("users", 1, "v", position.LSN{Value: 1})))
	require.NoError(t, p.Push(ctx, testutil.Insert("users", 2, "v", position.LSN{Value: 2})))
	require.Eventually(t, func() bool { return p.buffer.Depth() == 0 }, 2*time.Second, time.Millisecond,
		"records must be staged into the forming batch before the cancel")

	cancel()
	require.NoError(t, <-done,
		"cancelling with staged records is a graceful stop, not a sink error")

	// The staged records were never applied or checkpointed; the next
	// run re-extracts them.
	assert.Zero(t, mem.Applied())
	_, found, err := store.Load(context.Background(), "users")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestTaskGracefulCancellation(t *testing.T) {
	sink := testutil.NewMemorySink()
	store := newFileStore(t)
	cfg := testConfig(config.StrategySerial)

	par, err := newTestParallelizer(cfg)
	require.NoError(t, err)
	resumer := checkpoint.NewResumer(cfg.Name, store, position.None, zap.NewNop())
	p := New(cfg, par, sink, resumer, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	for i := 1; i <= 4; i++ {
		require.NoError(t, p.Push(ctx, testutil.Insert("users", i, "v", position.LSN{Value: uint64(i)})))
	}
	require.Eventually(t, func() bool { return sink.Len() == 4 }, 2*time.Second, 5*time.Millisecond)

	cancel()
	require.NoError(t, <-done, "cancellation is a graceful stop, not an error")
	assert.GreaterOrEqual(t, sink.Flushes(), 1)
	assert.Equal(t, "lsn:4", storedPosition(t, store, "users"))
}
