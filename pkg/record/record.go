// Package record defines the unit of data movement flowing through the
// pipeline: row snapshots, row changes, DDL markers and barriers. A
// record carries the source position it was extracted at; records for
// one sub-stream are handed to the pipeline in non-decreasing position
// order.
package record

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/dataferry/ferry/pkg/position"
)

// Kind tags the record variant.
type Kind string

const (
	KindRowData Kind = "row_data"
	KindDdl     Kind = "ddl"
	KindBarrier Kind = "barrier"
)

// OpType is the row-level operation of a RowData record.
type OpType string

const (
	OpInsert OpType = "insert"
	OpUpdate OpType = "update"
	OpDelete OpType = "delete"
)

// BarrierKind classifies synchronization barriers.
type BarrierKind string

const (
	// BarrierCheckpoint marks a source-defined safe point, typically a
	// transaction boundary. Everything before it must be resolved
	// before anything after it is scheduled.
	BarrierCheckpoint BarrierKind = "checkpoint"
	// BarrierEndOfSnapshot marks the end of a snapshot scan.
	BarrierEndOfSnapshot BarrierKind = "end_of_snapshot"
	// BarrierHeartbeat carries a position with no work attached, used
	// to advance checkpoints through idle periods.
	BarrierHeartbeat BarrierKind = "heartbeat"
)

// Record is the tagged variant handed from extractors to the pipeline.
// Exactly one of Row, Ddl or Barrier is set, per Kind.
type Record struct {
	Kind     Kind              `json:"kind"`
	Position position.Position `json:"-"`

	Row     *RowChange  `json:"row,omitempty"`
	Ddl     *DdlMarker  `json:"ddl,omitempty"`
	Barrier *BarrierRec `json:"barrier,omitempty"`
}

// RowChange is one row snapshot or row-level change.
type RowChange struct {
	Schema string `json:"schema"`
	Table  string `json:"table"`
	Op     OpType `json:"op"`

	// Before holds the pre-image for updates and deletes.
	Before map[string]interface{} `json:"before,omitempty"`
	// After holds the post-image for inserts and updates.
	After map[string]interface{} `json:"after,omitempty"`

	// KeyColumns names the primary key columns, in declared order.
	KeyColumns []string `json:"key_columns,omitempty"`

	CommitTS time.Time `json:"commit_ts"`
}

// DdlMarker is a DDL statement observed in the change stream. The core
// passes it through without applying it.
type DdlMarker struct {
	Statement string `json:"statement"`
}

// BarrierRec is a synchronization point with no payload.
type BarrierRec struct {
	BarrierKind BarrierKind `json:"barrier_kind"`
}

// NewRow builds a RowData record.
func NewRow(schema, table string, op OpType, pos position.Position) *Record {
	return &Record{
		Kind:     KindRowData,
		Position: pos,
		Row: &RowChange{
			Schema: schema,
			Table:  table,
			Op:     op,
		},
	}
}

// NewDdl builds a DDL pass-through record.
func NewDdl(statement string, pos position.Position) *Record {
	return &Record{
		Kind:     KindDdl,
		Position: pos,
		Ddl:      &DdlMarker{Statement: statement},
	}
}

// NewBarrier builds a barrier record.
func NewBarrier(kind BarrierKind, pos position.Position) *Record {
	return &Record{
		Kind:     KindBarrier,
		Position: pos,
		Barrier:  &BarrierRec{BarrierKind: kind},
	}
}

// IsBarrier reports whether r is a barrier record.
func (r *Record) IsBarrier() bool {
	return r.Kind == KindBarrier
}

// KeyValues returns the primary key values of a row record, taken from
// the after image for inserts/updates and the before image for deletes.
func (rc *RowChange) KeyValues() []interface{} {
	img := rc.After
	if rc.Op == OpDelete || img == nil {
		img = rc.Before
	}
	if img == nil {
		return nil
	}
	vals := make([]interface{}, 0, len(rc.KeyColumns))
	for _, col := range rc.KeyColumns {
		vals = append(vals, img[col])
	}
	return vals
}

// PrimaryKey returns a canonical string identity for the row, used by
// merge and check strategies to group operations on the same row.
// Rows without declared key columns fall back to a hash of the full
// image, so identical rows still collide as intended.
func (r *Record) PrimaryKey() string {
	if r.Kind != KindRowData {
		return ""
	}
	rc := r.Row

	var b strings.Builder
	b.WriteString(rc.Schema)
	b.WriteByte('.')
	b.WriteString(rc.Table)
	b.WriteByte('/')

	if len(rc.KeyColumns) > 0 {
		for i, v := range rc.KeyValues() {
			if i > 0 {
				b.WriteByte(',')
			}
			b.WriteString(canonical(v))
		}
		return b.String()
	}

	img := rc.After
	if img == nil {
		img = rc.Before
	}
	cols := make([]string, 0, len(img))
	for col := range img {
		cols = append(cols, col)
	}
	sort.Strings(cols)
	for i, col := range cols {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(col)
		b.WriteByte('=')
		b.WriteString(canonical(img[col]))
	}
	return b.String()
}

// ShardKey derives the grouping key that determines which records must
// preserve relative order under parallel execution. Row records with
// key columns shard by schema+table+pk; rows without key columns shard
// by table alone (whole-table granularity). Barriers have no shard key.
func (r *Record) ShardKey() uint64 {
	switch r.Kind {
	case KindRowData:
		rc := r.Row
		if len(rc.KeyColumns) == 0 {
			return xxhash.Sum64String(rc.Schema + "." + rc.Table)
		}
		return xxhash.Sum64String(r.PrimaryKey())
	case KindDdl:
		return xxhash.Sum64String(r.Ddl.Statement)
	}
	return 0
}

// Partitionable reports whether the record can be dispatched to a
// per-key sub-queue. Rows without key columns must be fenced and
// applied serially: their shard key covers the whole table, and
// interleaving them with keyed updates of the same table would lose
// relative order.
func (r *Record) Partitionable() bool {
	return r.Kind == KindRowData && len(r.Row.KeyColumns) > 0
}

func canonical(v interface{}) string {
	switch t := v.(type) {
	case nil:
		return "\x00"
	case string:
		return t
	case []byte:
		return string(t)
	case time.Time:
		return t.UTC().Format(time.RFC3339Nano)
	}
	return fmt.Sprintf("%v", v)
}
