package parallelizer

import (
	"github.com/dataferry/ferry/pkg/position"
	"github.com/dataferry/ferry/pkg/record"
	"github.com/dataferry/ferry/pkg/sink"
)

// Report is the aggregated outcome of applying one batch. The
// pipeline consumes it to decide checkpoint advancement and
// skip-or-abort policy, then drops it together with the batch.
type Report struct {
	BatchID string
	Seq     uint64

	// Results holds one entry per record of the batch, in batch order.
	Results []sink.Result

	// SafePos is the highest position the batch covers. It may be
	// checkpointed once the pipeline confirms every earlier batch is
	// also resolved and no failure blocks advancement.
	SafePos position.Position

	// Diffs is populated by the check strategy instead of mutations.
	Diffs []Diff
}

// newReport seeds a report for a batch.
func newReport(batch *record.Batch) *Report {
	return &Report{
		BatchID: batch.ID,
		Seq:     batch.Seq,
		Results: make([]sink.Result, 0, batch.Len()),
		SafePos: batch.MaxPos,
	}
}

// Counts returns applied, skipped and failed record totals.
func (r *Report) Counts() (applied, skipped, failed int) {
	for _, res := range r.Results {
		switch res.Status {
		case sink.StatusApplied:
			applied++
		case sink.StatusSkipped:
			skipped++
		case sink.StatusFailed:
			failed++
		}
	}
	return applied, skipped, failed
}

// Failed reports whether any record ended in a Failed outcome.
func (r *Report) Failed() bool {
	for _, res := range r.Results {
		if res.Status == sink.StatusFailed {
			return true
		}
	}
	return false
}

// FirstErr returns the first per-record error, or nil.
func (r *Report) FirstErr() error {
	for _, res := range r.Results {
		if res.Err != nil {
			return res.Err
		}
	}
	return nil
}

// DiffKind classifies one compared row.
type DiffKind string

const (
	DiffMatch                DiffKind = "match"
	DiffMismatch             DiffKind = "mismatch"
	DiffMissingInSource      DiffKind = "missing_in_source"
	DiffMissingInDestination DiffKind = "missing_in_destination"
)

// ColumnDiff holds both sides of one differing column.
type ColumnDiff struct {
	Source      interface{} `json:"source"`
	Destination interface{} `json:"destination"`
}

// Diff is the comparison outcome for one row key.
type Diff struct {
	Schema  string                `json:"schema"`
	Table   string                `json:"table"`
	Key     string                `json:"key"`
	Kind    DiffKind              `json:"kind"`
	Columns map[string]ColumnDiff `json:"columns,omitempty"`
	// Row carries the source image for revise mode.
	Row *record.Record `json:"-"`
}
