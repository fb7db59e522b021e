package record

import (
	"github.com/google/uuid"

	"github.com/dataferry/ferry/pkg/position"
)

// Batch is an ordered group of records forming one scheduling unit. It
// carries a pipeline-assigned sequence number and the position range it
// covers; the range drives checkpoint advancement once the batch's
// execution report resolves.
type Batch struct {
	ID  string
	Seq uint64

	Records []*Record

	MinPos position.Position
	MaxPos position.Position
}

// NewBatch builds a batch over records, computing the position range.
func NewBatch(seq uint64, records []*Record) *Batch {
	b := &Batch{
		ID:      uuid.NewString(),
		Seq:     seq,
		Records: records,
		MinPos:  position.None,
		MaxPos:  position.None,
	}
	for _, r := range records {
		if r.Position == nil {
			continue
		}
		if b.MinPos == position.None || position.Less(r.Position, b.MinPos) {
			b.MinPos = r.Position
		}
		b.MaxPos = position.Max(b.MaxPos, r.Position)
	}
	return b
}

// Len returns the number of records in the batch.
func (b *Batch) Len() int { return len(b.Records) }

// IsBarrier reports whether the batch is a zero-work synchronization
// batch carrying a single barrier record.
func (b *Batch) IsBarrier() bool {
	return len(b.Records) == 1 && b.Records[0].IsBarrier()
}

// Rows returns the RowData records of the batch, in order.
func (b *Batch) Rows() []*Record {
	rows := make([]*Record, 0, len(b.Records))
	for _, r := range b.Records {
		if r.Kind == KindRowData {
			rows = append(rows, r)
		}
	}
	return rows
}
