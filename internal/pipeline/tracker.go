package pipeline

import (
	"sync"

	"github.com/google/btree"

	"github.com/dataferry/ferry/pkg/position"
	"github.com/dataferry/ferry/pkg/record"
)

// inflight is one dispatched batch awaiting its execution report.
type inflight struct {
	seq      uint64
	safePos  position.Position
	resolved bool
}

// tracker maintains the set of dispatched-but-unresolved batches,
// ordered by sequence, and derives the highest position that is safe
// to checkpoint: the safe position of the newest batch below which
// every batch has been resolved. Batches can resolve out of order;
// the checkpoint may only ever advance contiguously.
type tracker struct {
	mu   sync.Mutex
	tree *btree.BTreeG[*inflight]
	safe position.Position
}

func newTracker() *tracker {
	return &tracker{
		tree: btree.NewG(8, func(a, b *inflight) bool { return a.seq < b.seq }),
		safe: position.None,
	}
}

// Add registers a dispatched batch.
func (t *tracker) Add(batch *record.Batch) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.tree.ReplaceOrInsert(&inflight{seq: batch.Seq, safePos: batch.MaxPos})
}

// Resolve marks a batch's report as received, optionally overriding
// its safe position, and pops the contiguous resolved prefix. It
// returns the new safe-to-checkpoint position and whether it advanced.
func (t *tracker) Resolve(seq uint64, safePos position.Position) (position.Position, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if item, ok := t.tree.Get(&inflight{seq: seq}); ok {
		item.resolved = true
		if safePos != nil && safePos != position.None {
			item.safePos = safePos
		}
	}

	advanced := false
	for {
		min, ok := t.tree.Min()
		if !ok || !min.resolved {
			break
		}
		t.tree.DeleteMin()
		if min.safePos != nil && min.safePos != position.None {
			t.safe = position.Max(t.safe, min.safePos)
			advanced = true
		}
	}
	return t.safe, advanced
}

// Discard drops a batch that will never resolve, without advancing the
// safe position past it. The pipeline uses it when a batch fails and
// the task is stopping.
func (t *tracker) Discard(seq uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.tree.Delete(&inflight{seq: seq})
}

// InFlight reports the number of unresolved batches.
func (t *tracker) InFlight() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.tree.Len()
}

// Safe returns the current safe-to-checkpoint position.
func (t *tracker) Safe() position.Position {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.safe
}
