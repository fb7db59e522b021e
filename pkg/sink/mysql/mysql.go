// Package mysql implements a MySQL destination. Row application is
// idempotent by primary key: inserts and updates become upserts,
// deletes target the key and succeed whether or not the row exists.
// That property is what lets the engine replay a batch after a crash
// without corrupting the destination.
package mysql

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"net"
	"sort"
	"strings"

	"github.com/go-sql-driver/mysql"
	"go.uber.org/zap"

	ferrors "github.com/dataferry/ferry/pkg/errors"
	"github.com/dataferry/ferry/pkg/record"
	"github.com/dataferry/ferry/pkg/sink"
)

// retryableErrNos are server errors worth retrying the whole call for.
var retryableErrNos = map[uint16]bool{
	1040: true, // too many connections
	1205: true, // lock wait timeout
	1213: true, // deadlock
	2006: true, // server has gone away
}

// Sink applies records to MySQL through database/sql.
type Sink struct {
	db     *sql.DB
	logger *zap.Logger
}

// New opens a MySQL sink. maxConns should match the parallelizer
// worker count so concurrent shards never queue on one connection.
func New(dsn string, maxConns int, logger *zap.Logger) (*Sink, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, ferrors.Wrap(err, ferrors.ErrorTypeConfig, "open mysql sink")
	}
	if maxConns > 0 {
		db.SetMaxOpenConns(maxConns)
		db.SetMaxIdleConns(maxConns)
	}
	return NewFromDB(db, logger), nil
}

// NewFromDB wraps an existing handle; the sink takes ownership.
func NewFromDB(db *sql.DB, logger *zap.Logger) *Sink {
	return &Sink{
		db:     db,
		logger: logger.With(zap.String("component", "mysql_sink")),
	}
}

// Apply implements sink.Sinker. Records are applied one statement at a
// time in slice order; autocommit makes each durable on return.
func (s *Sink) Apply(ctx context.Context, records []*record.Record) ([]sink.Result, error) {
	results := make([]sink.Result, 0, len(records))
	for _, r := range records {
		switch r.Kind {
		case record.KindRowData:
			err := s.applyRow(ctx, r.Row)
			if err != nil {
				if retryable(err) {
					return nil, ferrors.Wrap(err, ferrors.ErrorTypeTransient, "mysql apply")
				}
				results = append(results, sink.Result{
					Record: r,
					Status: sink.StatusFailed,
					Err:    ferrors.Wrap(err, ferrors.ErrorTypeData, "mysql apply row"),
				})
				continue
			}
			results = append(results, sink.Result{Record: r, Status: sink.StatusApplied})

		case record.KindDdl:
			// DDL markers pass through unapplied; schema management on
			// the destination stays with the operator.
			s.logger.Info("skipping ddl marker", zap.String("statement", r.Ddl.Statement))
			results = append(results, sink.Result{Record: r, Status: sink.StatusSkipped})

		default:
			results = append(results, sink.Result{Record: r, Status: sink.StatusSkipped})
		}
	}
	return results, nil
}

func (s *Sink) applyRow(ctx context.Context, rc *record.RowChange) error {
	query, args := buildStatement(rc)
	if query == "" {
		return nil
	}
	_, err := s.db.ExecContext(ctx, query, args...)
	return err
}

// buildStatement renders one row change as SQL. Columns are emitted in
// sorted order so identical shapes produce identical statements.
func buildStatement(rc *record.RowChange) (string, []interface{}) {
	table := quoteIdent(rc.Schema) + "." + quoteIdent(rc.Table)

	if rc.Op == record.OpDelete {
		img := rc.Before
		cols := rc.KeyColumns
		if len(cols) == 0 {
			cols = sortedColumns(img)
		}
		preds := make([]string, len(cols))
		args := make([]interface{}, len(cols))
		for i, col := range cols {
			preds[i] = quoteIdent(col) + " = ?"
			args[i] = img[col]
		}
		return fmt.Sprintf("DELETE FROM %s WHERE %s", table, strings.Join(preds, " AND ")), args
	}

	img := rc.After
	if len(img) == 0 {
		return "", nil
	}
	cols := sortedColumns(img)

	names := make([]string, len(cols))
	marks := make([]string, len(cols))
	updates := make([]string, len(cols))
	args := make([]interface{}, len(cols))
	for i, col := range cols {
		names[i] = quoteIdent(col)
		marks[i] = "?"
		updates[i] = names[i] + " = VALUES(" + names[i] + ")"
		args[i] = img[col]
	}
	return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) ON DUPLICATE KEY UPDATE %s",
		table, strings.Join(names, ", "), strings.Join(marks, ", "), strings.Join(updates, ", ")), args
}

// FetchRows implements sink.Reader for check mode.
func (s *Sink) FetchRows(ctx context.Context, schema, table string, rows []*record.Record) (map[string]map[string]interface{}, error) {
	if len(rows) == 0 {
		return map[string]map[string]interface{}{}, nil
	}
	keyCols := rows[0].Row.KeyColumns
	if len(keyCols) == 0 {
		return nil, ferrors.New(ferrors.ErrorTypeData, "cannot fetch rows without key columns")
	}

	preds := make([]string, 0, len(rows))
	args := make([]interface{}, 0, len(rows)*len(keyCols))
	for _, r := range rows {
		conds := make([]string, len(keyCols))
		for i, col := range keyCols {
			conds[i] = quoteIdent(col) + " = ?"
		}
		preds = append(preds, "("+strings.Join(conds, " AND ")+")")
		args = append(args, r.Row.KeyValues()...)
	}
	query := fmt.Sprintf("SELECT * FROM %s.%s WHERE %s",
		quoteIdent(schema), quoteIdent(table), strings.Join(preds, " OR "))

	result, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		if retryable(err) {
			return nil, ferrors.Wrap(err, ferrors.ErrorTypeTransient, "mysql fetch rows")
		}
		return nil, ferrors.Wrap(err, ferrors.ErrorTypeData, "mysql fetch rows")
	}
	defer result.Close()

	cols, err := result.Columns()
	if err != nil {
		return nil, ferrors.Wrap(err, ferrors.ErrorTypeData, "read fetch columns")
	}

	fetched := make(map[string]map[string]interface{})
	for result.Next() {
		vals := make([]interface{}, len(cols))
		ptrs := make([]interface{}, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := result.Scan(ptrs...); err != nil {
			return nil, ferrors.Wrap(err, ferrors.ErrorTypeData, "scan fetched row")
		}
		image := make(map[string]interface{}, len(cols))
		for i, col := range cols {
			v := vals[i]
			if b, isBytes := v.([]byte); isBytes {
				v = string(b)
			}
			image[col] = v
		}

		keyed := record.NewRow(schema, table, record.OpInsert, nil)
		keyed.Row.After = image
		keyed.Row.KeyColumns = keyCols
		fetched[keyed.PrimaryKey()] = image
	}
	if err := result.Err(); err != nil {
		return nil, ferrors.Wrap(err, ferrors.ErrorTypeData, "iterate fetched rows")
	}
	return fetched, nil
}

// Flush implements sink.Sinker; statements are durable on Exec return.
func (s *Sink) Flush(ctx context.Context) error { return nil }

// Close implements sink.Sinker.
func (s *Sink) Close() error { return s.db.Close() }

// retryable classifies driver errors worth re-issuing the call for.
func retryable(err error) bool {
	if errors.Is(err, driver.ErrBadConn) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		return retryableErrNos[myErr.Number]
	}
	return false
}

func sortedColumns(img map[string]interface{}) []string {
	cols := make([]string, 0, len(img))
	for col := range img {
		cols = append(cols, col)
	}
	sort.Strings(cols)
	return cols
}

func quoteIdent(s string) string {
	return "`" + strings.ReplaceAll(s, "`", "``") + "`"
}
