package checkpoint

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	ferrors "github.com/dataferry/ferry/pkg/errors"
	"github.com/dataferry/ferry/pkg/metrics"
	"github.com/dataferry/ferry/pkg/position"
)

// Resumer sits between the pipeline and a Store. It answers where a
// sub-stream should resume, and guards the single invariant the store
// itself cannot enforce: persisted positions never decrease for the
// lifetime of a task, except through an explicit operator Reset.
type Resumer struct {
	task   string
	store  Store
	start  position.Position
	logger *zap.Logger

	mu        sync.Mutex
	committed map[string]position.Position
}

// NewResumer creates a resumer over the store. start is the position
// used when a sub-stream has no checkpoint yet.
func NewResumer(task string, store Store, start position.Position, logger *zap.Logger) *Resumer {
	if start == nil {
		start = position.None
	}
	return &Resumer{
		task:      task,
		store:     store,
		start:     start,
		logger:    logger.With(zap.String("component", "resumer")),
		committed: make(map[string]position.Position),
	}
}

// Resume returns the position the sub-stream should restart from: the
// stored checkpoint, or the configured start position if none exists.
func (r *Resumer) Resume(ctx context.Context, subStream string) (position.Position, error) {
	pos, found, err := r.store.Load(ctx, subStream)
	if err != nil {
		return nil, err
	}
	if !found {
		r.logger.Info("no checkpoint found, starting fresh",
			zap.String("sub_stream", subStream),
			zap.String("start_position", r.start.String()))
		return r.start, nil
	}

	r.mu.Lock()
	r.committed[subStream] = pos
	r.mu.Unlock()

	r.logger.Info("resuming from checkpoint",
		zap.String("sub_stream", subStream),
		zap.String("position", pos.String()))
	return pos, nil
}

// Commit persists pos as the new checkpoint for the sub-stream. A
// position earlier than the last committed one is a conflict error;
// an equal one is a no-op.
func (r *Resumer) Commit(ctx context.Context, subStream string, pos position.Position) error {
	if pos == nil || pos == position.None {
		return nil
	}

	r.mu.Lock()
	last, seen := r.committed[subStream]
	if seen {
		if cmp, ok := pos.Compare(last); ok {
			if cmp < 0 {
				r.mu.Unlock()
				return ferrors.Newf(ferrors.ErrorTypeConflict,
					"checkpoint for %s would move backwards: %s < %s",
					subStream, pos.String(), last.String())
			}
			if cmp == 0 {
				r.mu.Unlock()
				return nil
			}
		}
	}
	r.committed[subStream] = pos
	r.mu.Unlock()

	now := time.Now().UTC()
	err := r.store.Save(ctx, Checkpoint{
		SubStream:   subStream,
		Position:    pos.Encode(),
		CommittedAt: now,
	})
	if err != nil {
		// Roll back the cache so a retry is not suppressed as a no-op.
		r.mu.Lock()
		if seen {
			r.committed[subStream] = last
		} else {
			delete(r.committed, subStream)
		}
		r.mu.Unlock()
		return err
	}

	metrics.CheckpointTimestamp.WithLabelValues(r.task, subStream).Set(float64(now.Unix()))
	return nil
}

// Committed returns the last successfully committed position for the
// sub-stream, or None.
func (r *Resumer) Committed(subStream string) position.Position {
	r.mu.Lock()
	defer r.mu.Unlock()
	if pos, ok := r.committed[subStream]; ok {
		return pos
	}
	return position.None
}

// Reset discards the stored checkpoint and seeds the sub-stream at
// pos. This is the only sanctioned way to move a checkpoint backwards
// and exists for operator-triggered replays.
func (r *Resumer) Reset(ctx context.Context, subStream string, pos position.Position) error {
	if err := r.store.Delete(ctx, subStream); err != nil {
		return err
	}

	r.mu.Lock()
	delete(r.committed, subStream)
	r.mu.Unlock()

	r.logger.Warn("checkpoint reset by operator",
		zap.String("sub_stream", subStream),
		zap.String("position", pos.String()))

	if pos == nil || pos == position.None {
		return nil
	}
	return r.store.Save(ctx, Checkpoint{
		SubStream:   subStream,
		Position:    pos.Encode(),
		CommittedAt: time.Now().UTC(),
	})
}
