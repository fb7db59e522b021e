package extract

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"go.uber.org/zap"

	ferrors "github.com/dataferry/ferry/pkg/errors"
	"github.com/dataferry/ferry/pkg/position"
	"github.com/dataferry/ferry/pkg/record"
)

// Snapshot scans one table in primary key order through database/sql,
// emitting each row as an insert record positioned at its key. The
// scan paginates by key range rather than OFFSET, so resuming from a
// checkpointed cursor rereads at most the rows after it and never
// scans from the top.
//
// The key column must be single-column and totally ordered by the
// database's comparison; composite keys need one scan task per leading
// key prefix.
type Snapshot struct {
	db        *sql.DB
	schema    string
	table     string
	keyColumn string
	chunkSize int
	logger    *zap.Logger
}

// NewSnapshot builds a snapshot extractor over an open database
// handle. The handle is owned by the caller; Close does not close it.
func NewSnapshot(db *sql.DB, schema, table, keyColumn string, chunkSize int, logger *zap.Logger) *Snapshot {
	if chunkSize <= 0 {
		chunkSize = 1000
	}
	return &Snapshot{
		db:        db,
		schema:    schema,
		table:     table,
		keyColumn: keyColumn,
		chunkSize: chunkSize,
		logger: logger.With(
			zap.String("component", "snapshot_extractor"),
			zap.String("table", schema+"."+table)),
	}
}

// Extract implements Extractor. It ends the scan with an
// end-of-snapshot barrier so the pipeline checkpoints the completed
// state.
func (s *Snapshot) Extract(ctx context.Context, from position.Position, emit EmitFunc) error {
	cursor := ""
	seeded := false
	if kr, ok := from.(position.KeyRange); ok && kr.Table == s.table {
		if kr.Done {
			s.logger.Info("snapshot already complete, nothing to do")
			return emit(ctx, record.NewBarrier(record.BarrierEndOfSnapshot, kr))
		}
		cursor = kr.Cursor
		seeded = cursor != ""
		s.logger.Info("resuming snapshot scan", zap.String("cursor", cursor))
	}

	total := 0
	start := time.Now()
	for {
		n, last, err := s.scanChunk(ctx, cursor, seeded, emit)
		if err != nil {
			return err
		}
		total += n
		if n < s.chunkSize {
			break
		}
		cursor, seeded = last, true
	}

	s.logger.Info("snapshot scan finished",
		zap.Int("rows", total),
		zap.Duration("elapsed", time.Since(start)))
	done := position.KeyRange{Table: s.table, Cursor: cursor, Done: true}
	return emit(ctx, record.NewBarrier(record.BarrierEndOfSnapshot, done))
}

// scanChunk reads one page of rows after cursor and emits them. It
// returns the row count and the last key seen.
func (s *Snapshot) scanChunk(ctx context.Context, cursor string, seeded bool, emit EmitFunc) (int, string, error) {
	query := fmt.Sprintf(
		"SELECT * FROM %s.%s ORDER BY %s LIMIT %d",
		s.schema, s.table, s.keyColumn, s.chunkSize)
	args := []interface{}{}
	if seeded {
		query = fmt.Sprintf(
			"SELECT * FROM %s.%s WHERE %s > ? ORDER BY %s LIMIT %d",
			s.schema, s.table, s.keyColumn, s.keyColumn, s.chunkSize)
		args = append(args, cursor)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return 0, "", ferrors.Wrap(err, ferrors.ErrorTypeExtraction, "snapshot chunk query")
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return 0, "", ferrors.Wrap(err, ferrors.ErrorTypeExtraction, "read result columns")
	}

	count := 0
	last := cursor
	for rows.Next() {
		vals := make([]interface{}, len(cols))
		ptrs := make([]interface{}, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return count, last, ferrors.Wrap(err, ferrors.ErrorTypeExtraction, "scan snapshot row")
		}

		after := make(map[string]interface{}, len(cols))
		var key string
		for i, col := range cols {
			v := vals[i]
			if b, isBytes := v.([]byte); isBytes {
				v = string(b)
			}
			after[col] = v
			if col == s.keyColumn {
				key = fmt.Sprintf("%v", v)
			}
		}

		r := record.NewRow(s.schema, s.table, record.OpInsert,
			position.KeyRange{Table: s.table, Cursor: key})
		r.Row.After = after
		r.Row.KeyColumns = []string{s.keyColumn}
		if err := emit(ctx, r); err != nil {
			return count, last, err
		}
		count++
		last = key
	}
	if err := rows.Err(); err != nil {
		return count, last, ferrors.Wrap(err, ferrors.ErrorTypeExtraction, "iterate snapshot rows")
	}
	return count, last, nil
}

// Close implements Extractor.
func (s *Snapshot) Close() error { return nil }
