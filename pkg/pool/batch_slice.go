package pool

import (
	"github.com/dataferry/ferry/pkg/record"
)

const defaultBatchCap = 1024

var batchSlicePool = New(
	func() []*record.Record { return make([]*record.Record, 0, defaultBatchCap) },
	nil,
)

// GetBatchSlice returns a reusable record slice with at least the
// requested capacity and zero length.
func GetBatchSlice(capacity int) []*record.Record {
	s := batchSlicePool.Get()
	if cap(s) < capacity {
		return make([]*record.Record, 0, capacity)
	}
	return s[:0]
}

// PutBatchSlice returns a slice to the pool. The caller must not use
// the slice afterwards; retained record pointers are cleared so the
// pool does not pin them.
func PutBatchSlice(s []*record.Record) {
	if s == nil {
		return
	}
	s = s[:cap(s)]
	for i := range s {
		s[i] = nil
	}
	batchSlicePool.Put(s[:0])
}
