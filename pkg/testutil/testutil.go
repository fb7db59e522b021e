// Package testutil provides in-memory endpoints and record builders
// for pipeline tests: a destination that emulates idempotent row
// storage with failure injection, and an extractor over a fixed slice
// of records.
package testutil

import (
	"context"
	"sync"

	"github.com/google/btree"

	ferrors "github.com/dataferry/ferry/pkg/errors"
	"github.com/dataferry/ferry/pkg/extract"
	"github.com/dataferry/ferry/pkg/position"
	"github.com/dataferry/ferry/pkg/record"
	"github.com/dataferry/ferry/pkg/sink"
)

// storedRow is one destination row, ordered by canonical key.
type storedRow struct {
	key   string
	image map[string]interface{}
}

// MemorySink emulates an idempotent keyed destination. Rows live in a
// key-ordered tree; every applied operation is journaled per key so
// tests can assert relative order under parallel execution.
type MemorySink struct {
	mu   sync.Mutex
	tree *btree.BTreeG[*storedRow]

	seq     uint64
	journal map[string][]AppliedOp

	// TransientFailures makes the next N Apply calls fail with a
	// retryable error before doing any work.
	TransientFailures int
	// FailKey marks records with this primary key as failed without
	// applying them.
	FailKey string
	// FatalKey aborts the Apply call with a fatal error when a record
	// with this primary key is encountered.
	FatalKey string

	flushes int
	closed  bool
}

// AppliedOp is one journaled application.
type AppliedOp struct {
	Seq uint64
	Op  record.OpType
}

// NewMemorySink creates an empty destination.
func NewMemorySink() *MemorySink {
	return &MemorySink{
		tree:    btree.NewG(8, func(a, b *storedRow) bool { return a.key < b.key }),
		journal: make(map[string][]AppliedOp),
	}
}

// Apply implements sink.Sinker.
func (m *MemorySink) Apply(ctx context.Context, records []*record.Record) ([]sink.Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.TransientFailures > 0 {
		m.TransientFailures--
		return nil, ferrors.New(ferrors.ErrorTypeTransient, "injected transient failure")
	}

	results := make([]sink.Result, 0, len(records))
	for _, r := range records {
		if r.Kind != record.KindRowData {
			results = append(results, sink.Result{Record: r, Status: sink.StatusSkipped})
			continue
		}
		key := r.PrimaryKey()
		if key == m.FatalKey && m.FatalKey != "" {
			return nil, ferrors.New(ferrors.ErrorTypeFatal, "injected fatal failure")
		}
		if key == m.FailKey && m.FailKey != "" {
			results = append(results, sink.Result{
				Record: r,
				Status: sink.StatusFailed,
				Err:    ferrors.New(ferrors.ErrorTypeData, "injected data failure"),
			})
			continue
		}

		m.seq++
		m.journal[key] = append(m.journal[key], AppliedOp{Seq: m.seq, Op: r.Row.Op})

		if r.Row.Op == record.OpDelete {
			m.tree.Delete(&storedRow{key: key})
		} else {
			image := make(map[string]interface{}, len(r.Row.After))
			for col, v := range r.Row.After {
				image[col] = v
			}
			m.tree.ReplaceOrInsert(&storedRow{key: key, image: image})
		}
		results = append(results, sink.Result{Record: r, Status: sink.StatusApplied})
	}
	return results, nil
}

// FetchRows implements sink.Reader.
func (m *MemorySink) FetchRows(ctx context.Context, schema, table string, rows []*record.Record) (map[string]map[string]interface{}, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	fetched := make(map[string]map[string]interface{})
	for _, r := range rows {
		key := r.PrimaryKey()
		if item, ok := m.tree.Get(&storedRow{key: key}); ok {
			fetched[key] = item.image
		}
	}
	return fetched, nil
}

// Flush implements sink.Sinker.
func (m *MemorySink) Flush(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.flushes++
	return nil
}

// Close implements sink.Sinker.
func (m *MemorySink) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// Row returns the stored image for a canonical key.
func (m *MemorySink) Row(key string) (map[string]interface{}, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if item, ok := m.tree.Get(&storedRow{key: key}); ok {
		return item.image, true
	}
	return nil, false
}

// Len returns the number of stored rows.
func (m *MemorySink) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tree.Len()
}

// Journal returns the applied operation sequence for a key.
func (m *MemorySink) Journal(key string) []AppliedOp {
	m.mu.Lock()
	defer m.mu.Unlock()
	ops := make([]AppliedOp, len(m.journal[key]))
	copy(ops, m.journal[key])
	return ops
}

// Applied returns the total number of journaled applications.
func (m *MemorySink) Applied() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	total := 0
	for _, ops := range m.journal {
		total += len(ops)
	}
	return total
}

// Flushes returns how many times Flush was called.
func (m *MemorySink) Flushes() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.flushes
}

// SliceExtractor replays a fixed record slice, honoring the resume
// position the way a real source does: records at or before it are
// not re-emitted.
type SliceExtractor struct {
	Records []*record.Record
}

var _ extract.Extractor = (*SliceExtractor)(nil)

// Extract implements extract.Extractor.
func (s *SliceExtractor) Extract(ctx context.Context, from position.Position, emit extract.EmitFunc) error {
	for _, r := range s.Records {
		if from != nil && from != position.None && r.Position != nil && !position.Less(from, r.Position) {
			continue
		}
		if err := emit(ctx, r); err != nil {
			return err
		}
	}
	return nil
}

// Close implements extract.Extractor.
func (s *SliceExtractor) Close() error { return nil }

// Insert builds a keyed insert record for the test schema.
func Insert(table string, id int, val string, pos position.Position) *record.Record {
	r := record.NewRow("test", table, record.OpInsert, pos)
	r.Row.After = map[string]interface{}{"id": id, "val": val}
	r.Row.KeyColumns = []string{"id"}
	return r
}

// Update builds a keyed update record.
func Update(table string, id int, val string, pos position.Position) *record.Record {
	r := record.NewRow("test", table, record.OpUpdate, pos)
	r.Row.Before = map[string]interface{}{"id": id}
	r.Row.After = map[string]interface{}{"id": id, "val": val}
	r.Row.KeyColumns = []string{"id"}
	return r
}

// Delete builds a keyed delete record.
func Delete(table string, id int, pos position.Position) *record.Record {
	r := record.NewRow("test", table, record.OpDelete, pos)
	r.Row.Before = map[string]interface{}{"id": id}
	r.Row.KeyColumns = []string{"id"}
	return r
}
