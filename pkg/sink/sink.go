// Package sink defines the destination-facing contract of the
// pipeline core. A Sinker applies a slice of records and reports the
// outcome per record; the parallelizer decides how slices are formed
// and scheduled. Row-level application must be idempotent by primary
// key: the engine guarantees at-least-once delivery, so an
// already-applied record may be applied again after a crash.
package sink

import (
	"context"

	"github.com/dataferry/ferry/pkg/record"
)

// Status is the per-record application outcome.
type Status string

const (
	StatusApplied Status = "applied"
	StatusSkipped Status = "skipped"
	StatusFailed  Status = "failed"
)

// Result is the outcome of applying one record.
type Result struct {
	Record *record.Record
	Status Status
	Err    error
}

// Sinker applies records to a destination.
//
// Apply returns one Result per input record, in input order. A
// non-nil error return means the whole call failed before per-record
// outcomes could be determined; errors.IsFatal distinguishes
// conditions that must abort the task from transient ones the caller
// may retry. Individual record failures are reported through Results
// with StatusFailed, not through the error return.
type Sinker interface {
	Apply(ctx context.Context, records []*record.Record) ([]Result, error)
	// Flush forces any buffered writes to durability.
	Flush(ctx context.Context) error
	Close() error
}

// Reader is implemented by sinks whose destination rows can be read
// back, enabling check mode. FetchRows looks up the destination images
// of the given source rows; the result maps each found row's canonical
// primary key (as record.PrimaryKey derives it) to its column values.
// Absent rows are simply absent from the map.
type Reader interface {
	FetchRows(ctx context.Context, schema, table string, rows []*record.Record) (map[string]map[string]interface{}, error)
}

// Applied builds a uniform success result set, a convenience for
// sinks that apply a slice all-or-nothing.
func Applied(records []*record.Record) []Result {
	results := make([]Result, len(records))
	for i, r := range records {
		results[i] = Result{Record: r, Status: StatusApplied}
	}
	return results
}
