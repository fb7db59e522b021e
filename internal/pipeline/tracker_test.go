package pipeline

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dataferry/ferry/pkg/position"
	"github.com/dataferry/ferry/pkg/record"
	"github.com/dataferry/ferry/pkg/testutil"
)

func seqBatch(seq uint64, lsn uint64) *record.Batch {
	return record.NewBatch(seq, []*record.Record{
		testutil.Insert("users", int(lsn), "v", position.LSN{Value: lsn}),
	})
}

func TestTrackerContiguousAdvance(t *testing.T) {
	tr := newTracker()
	tr.Add(seqBatch(1, 10))
	tr.Add(seqBatch(2, 20))
	tr.Add(seqBatch(3, 30))

	// Resolving out of order must not advance past the gap.
	safe, advanced := tr.Resolve(2, position.LSN{Value: 20})
	assert.False(t, advanced)
	assert.Equal(t, position.None, safe)

	safe, advanced = tr.Resolve(1, position.LSN{Value: 10})
	require.True(t, advanced)
	assert.Equal(t, "lsn:20", safe.Encode(), "resolved prefix covers batches 1 and 2")

	safe, advanced = tr.Resolve(3, position.LSN{Value: 30})
	require.True(t, advanced)
	assert.Equal(t, "lsn:30", safe.Encode())
	assert.Zero(t, tr.InFlight())
}

func TestTrackerDiscardRemovesGap(t *testing.T) {
	tr := newTracker()
	tr.Add(seqBatch(1, 10))
	tr.Add(seqBatch(2, 20))

	tr.Discard(1)
	safe, advanced := tr.Resolve(2, position.LSN{Value: 20})
	assert.True(t, advanced, "discard removes the gap entirely")
	assert.Equal(t, "lsn:20", safe.Encode())
}

func TestTrackerSafeNeverDecreases(t *testing.T) {
	tr := newTracker()
	tr.Add(seqBatch(1, 50))
	_, _ = tr.Resolve(1, position.LSN{Value: 50})

	tr.Add(seqBatch(2, 50))
	safe, _ := tr.Resolve(2, position.LSN{Value: 40})
	assert.Equal(t, "lsn:50", safe.Encode())
}
