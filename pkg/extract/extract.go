// Package extract defines the source-facing contract of the pipeline
// core and a database snapshot extractor. An extractor reads from a
// source starting at a resume position and emits records in
// non-decreasing position order; emission blocks when the pipeline
// buffer is full, which is how backpressure reaches the source.
package extract

import (
	"context"

	"github.com/dataferry/ferry/pkg/position"
	"github.com/dataferry/ferry/pkg/record"
)

// EmitFunc receives one extracted record. It blocks while the
// downstream buffer is full and returns the context error on
// cancellation; the extractor must stop when it returns an error.
type EmitFunc func(ctx context.Context, r *record.Record) error

// Extractor reads a source from the given position onward. Extract
// returns nil when the source is exhausted (snapshot complete) or the
// context is cancelled after a clean stop; records already emitted and
// checkpointed are never re-emitted on a later call with the
// checkpointed position.
type Extractor interface {
	Extract(ctx context.Context, from position.Position, emit EmitFunc) error
	Close() error
}
