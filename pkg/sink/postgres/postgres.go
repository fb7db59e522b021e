// Package postgres implements a PostgreSQL destination over a pgx
// connection pool. Like the mysql sink it applies rows idempotently:
// inserts and updates become ON CONFLICT upserts keyed by the record's
// key columns, deletes succeed whether or not the row exists.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	ferrors "github.com/dataferry/ferry/pkg/errors"
	"github.com/dataferry/ferry/pkg/record"
	"github.com/dataferry/ferry/pkg/sink"
)

// Sink applies records to PostgreSQL.
type Sink struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// New opens a pooled PostgreSQL sink. maxConns should match the
// parallelizer worker count.
func New(ctx context.Context, dsn string, maxConns int, logger *zap.Logger) (*Sink, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, ferrors.Wrap(err, ferrors.ErrorTypeConfig, "parse postgres dsn")
	}
	if maxConns > 0 {
		cfg.MaxConns = int32(maxConns)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, ferrors.Wrap(err, ferrors.ErrorTypeConfig, "open postgres sink")
	}
	return &Sink{
		pool:   pool,
		logger: logger.With(zap.String("component", "postgres_sink")),
	}, nil
}

// Apply implements sink.Sinker.
func (s *Sink) Apply(ctx context.Context, records []*record.Record) ([]sink.Result, error) {
	results := make([]sink.Result, 0, len(records))
	for _, r := range records {
		switch r.Kind {
		case record.KindRowData:
			query, args := buildStatement(r.Row)
			if query == "" {
				results = append(results, sink.Result{Record: r, Status: sink.StatusSkipped})
				continue
			}
			if _, err := s.pool.Exec(ctx, query, args...); err != nil {
				if retryable(err) {
					return nil, ferrors.Wrap(err, ferrors.ErrorTypeTransient, "postgres apply")
				}
				results = append(results, sink.Result{
					Record: r,
					Status: sink.StatusFailed,
					Err:    ferrors.Wrap(err, ferrors.ErrorTypeData, "postgres apply row"),
				})
				continue
			}
			results = append(results, sink.Result{Record: r, Status: sink.StatusApplied})

		case record.KindDdl:
			s.logger.Info("skipping ddl marker", zap.String("statement", r.Ddl.Statement))
			results = append(results, sink.Result{Record: r, Status: sink.StatusSkipped})

		default:
			results = append(results, sink.Result{Record: r, Status: sink.StatusSkipped})
		}
	}
	return results, nil
}

// buildStatement renders one row change as parameterized SQL.
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
			preds[i] = fmt.Sprintf("%s = $%d", quoteIdent(col), i+1)
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
	args := make([]interface{}, len(cols))
	for i, col := range cols {
		names[i] = quoteIdent(col)
		marks[i] = fmt.Sprintf("$%d", i+1)
		args[i] = img[col]
	}

	insert := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		table, strings.Join(names, ", "), strings.Join(marks, ", "))
	if len(rc.KeyColumns) == 0 {
		return insert, args
	}

	keys := make([]string, len(rc.KeyColumns))
	for i, col := range rc.KeyColumns {
		keys[i] = quoteIdent(col)
	}
	updates := make([]string, 0, len(cols))
	for _, name := range names {
		updates = append(updates, name+" = EXCLUDED."+name)
	}
	return fmt.Sprintf("%s ON CONFLICT (%s) DO UPDATE SET %s",
		insert, strings.Join(keys, ", "), strings.Join(updates, ", ")), args
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
	arg := 1
	for _, r := range rows {
		conds := make([]string, len(keyCols))
		for i, col := range keyCols {
			conds[i] = fmt.Sprintf("%s = $%d", quoteIdent(col), arg)
			arg++
		}
		preds = append(preds, "("+strings.Join(conds, " AND ")+")")
		args = append(args, r.Row.KeyValues()...)
	}
	query := fmt.Sprintf("SELECT * FROM %s.%s WHERE %s",
		quoteIdent(schema), quoteIdent(table), strings.Join(preds, " OR "))

	result, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		if retryable(err) {
			return nil, ferrors.Wrap(err, ferrors.ErrorTypeTransient, "postgres fetch rows")
		}
		return nil, ferrors.Wrap(err, ferrors.ErrorTypeData, "postgres fetch rows")
	}
	defer result.Close()

	fields := result.FieldDescriptions()
	fetched := make(map[string]map[string]interface{})
	for result.Next() {
		vals, err := result.Values()
		if err != nil {
			return nil, ferrors.Wrap(err, ferrors.ErrorTypeData, "scan fetched row")
		}
		image := make(map[string]interface{}, len(fields))
		for i, f := range fields {
			image[f.Name] = vals[i]
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

// Flush implements sink.Sinker; Exec is durable on return.
func (s *Sink) Flush(ctx context.Context) error { return nil }

// Close implements sink.Sinker.
func (s *Sink) Close() error {
	s.pool.Close()
	return nil
}

// retryable classifies errors worth re-issuing the call for:
// serialization failures, deadlocks, resource exhaustion and broken
// connections.
func retryable(err error) bool {
	if pgconn.SafeToRetry(err) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case pgErr.Code == "40001" || pgErr.Code == "40P01":
			return true
		case strings.HasPrefix(pgErr.Code, "53"): // insufficient resources
			return true
		case strings.HasPrefix(pgErr.Code, "08"): // connection exception
			return true
		}
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
	return `"` + strings.ReplaceAll(s, `"`, `""`) + `"`
}
