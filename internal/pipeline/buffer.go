// Package pipeline implements the core engine between extractors and
// sinkers: the bounded staging buffer, batch formation, ordered
// dispatch through a parallelizer, and checkpoint advancement driven
// by execution reports.
package pipeline

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/dataferry/ferry/pkg/metrics"
	"github.com/dataferry/ferry/pkg/pool"
	"github.com/dataferry/ferry/pkg/record"
)

// ErrClosed is returned by Push after CloseInput.
var ErrClosed = errors.New("pipeline buffer closed")

// Buffer is the bounded, ordered staging area between extraction and
// execution. Push blocks when the buffer is full; that blocking is the
// engine's only backpressure mechanism, propagating destination
// slowness all the way back to the source reader. PullBatch forms
// scheduling units, trading latency for batch efficiency up to a
// bounded wait.
type Buffer struct {
	task  string
	ch    chan *record.Record
	clock clock.Clock

	// pending holds a barrier pulled off the channel mid-batch; it is
	// emitted alone as the next batch.
	pending *record.Record

	seq uint64

	// mu orders Push's send against CloseInput's close of the channel,
	// so a producer racing CloseInput gets ErrClosed instead of a panic.
	mu        sync.RWMutex
	closed    bool
	closeOnce sync.Once

	logger *zap.Logger
}

// NewBuffer creates a buffer with the given capacity. The clock is
// injectable for tests; pass nil for the wall clock.
func NewBuffer(task string, capacity int, clk clock.Clock, logger *zap.Logger) *Buffer {
	if clk == nil {
		clk = clock.New()
	}
	return &Buffer{
		task:   task,
		ch:     make(chan *record.Record, capacity),
		clock:  clk,
		logger: logger.With(zap.String("component", "buffer")),
	}
}

// Push stages one record, blocking while the buffer is at capacity.
// It returns the context error if the caller is cancelled while
// blocked, and ErrClosed after CloseInput.
func (b *Buffer) Push(ctx context.Context, r *record.Record) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrClosed
	}
	select {
	case b.ch <- r:
		metrics.BufferDepth.WithLabelValues(b.task).Set(float64(len(b.ch)))
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// CloseInput marks the end of extraction. Buffered records remain
// pullable; PullBatch drains them and then reports emptiness via the
// batch==nil, closed==true return.
func (b *Buffer) CloseInput() {
	b.closeOnce.Do(func() {
		b.mu.Lock()
		b.closed = true
		close(b.ch)
		b.mu.Unlock()
	})
}

// Depth returns the current number of staged records.
func (b *Buffer) Depth() int { return len(b.ch) }

// PullBatch drains up to maxSize records into one batch, waiting up to
// maxWait for stragglers. Records are returned strictly in arrival
// order, so a shard key's relative order is never split across
// consecutive batches.
//
// A barrier record always terminates batch formation: it is returned
// as a single-record batch of its own, after any records that preceded
// it have been returned in an earlier batch.
//
// The second return is true once the buffer is closed and fully
// drained. A cancelled context yields no batch; any records
// accumulated so far are dropped, to be re-extracted on the next run.
func (b *Buffer) PullBatch(ctx context.Context, maxSize int, maxWait time.Duration) (*record.Batch, bool) {
	if b.pending != nil {
		barrier := b.pending
		b.pending = nil
		return b.newBatch([]*record.Record{barrier}), false
	}

	records := pool.GetBatchSlice(maxSize)
	defer pool.PutBatchSlice(records)

	timer := b.clock.Timer(maxWait)
	defer timer.Stop()

	for len(records) < maxSize {
		select {
		case r, ok := <-b.ch:
			if !ok {
				return b.finishBatch(records), true
			}
			if r.IsBarrier() {
				if len(records) == 0 {
					return b.newBatch([]*record.Record{r}), false
				}
				b.pending = r
				return b.finishBatch(records), false
			}
			records = append(records, r)

		case <-timer.C:
			return b.finishBatch(records), false

		case <-ctx.Done():
			// Cancellation drops the partial batch rather than handing
			// it to a sink under a dead context. The records were never
			// checkpointed, so the next run re-extracts them.
			return nil, false
		}
	}
	return b.finishBatch(records), false
}

func (b *Buffer) finishBatch(records []*record.Record) *record.Batch {
	metrics.BufferDepth.WithLabelValues(b.task).Set(float64(len(b.ch)))
	if len(records) == 0 {
		return nil
	}
	owned := make([]*record.Record, len(records))
	copy(owned, records)
	return b.newBatch(owned)
}

func (b *Buffer) newBatch(records []*record.Record) *record.Batch {
	b.seq++
	return record.NewBatch(b.seq, records)
}
