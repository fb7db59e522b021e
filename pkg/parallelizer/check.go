package parallelizer

import (
	"context"
	"fmt"
	"time"

	ferrors "github.com/dataferry/ferry/pkg/errors"
	"github.com/dataferry/ferry/pkg/record"
	"github.com/dataferry/ferry/pkg/sink"
)

// Check walks a batch of source rows and compares them against the
// destination instead of applying them. The sinker must implement
// sink.Reader; rows are fetched by primary key per table and compared
// column by column. Nothing on either side is mutated.
type Check struct {
	base
}

// Name implements Parallelizer.
func (c *Check) Name() string { return "check" }

// Apply implements Parallelizer.
func (c *Check) Apply(ctx context.Context, batch *record.Batch, sinker sink.Sinker) (*Report, error) {
	report := newReport(batch)
	if batch.IsBarrier() {
		return report, nil
	}

	reader, ok := sinker.(sink.Reader)
	if !ok {
		return nil, ferrors.New(ferrors.ErrorTypeConfig,
			"check strategy requires a sink that supports reading rows back")
	}

	type tableGroup struct {
		schema, table string
		rows          []*record.Record
	}
	groups := make(map[string]*tableGroup)
	var order []string

	for _, r := range batch.Records {
		if r.Kind != record.KindRowData {
			continue
		}
		key := r.Row.Schema + "." + r.Row.Table
		g, seen := groups[key]
		if !seen {
			g = &tableGroup{schema: r.Row.Schema, table: r.Row.Table}
			groups[key] = g
			order = append(order, key)
		}
		g.rows = append(g.rows, r)
	}

	for _, key := range order {
		g := groups[key]

		keys := make([]string, 0, len(g.rows))
		byKey := make(map[string]*record.Record, len(g.rows))
		for _, r := range g.rows {
			pk := r.PrimaryKey()
			keys = append(keys, pk)
			byKey[pk] = r
		}

		var destRows map[string]map[string]interface{}
		err := c.retrier.Do(ctx, func() error {
			var fetchErr error
			destRows, fetchErr = reader.FetchRows(ctx, g.schema, g.table, g.rows)
			return fetchErr
		})
		if err != nil {
			return nil, ferrors.Wrap(err, ferrors.ErrorTypeTransient, "fetch destination rows")
		}

		for _, pk := range keys {
			src := byKey[pk]
			dest, found := destRows[pk]
			report.Diffs = append(report.Diffs, compareRow(g.schema, g.table, pk, src, dest, found))
			report.Results = append(report.Results, sink.Result{Record: src, Status: sink.StatusApplied})
		}
	}
	return report, nil
}

// Close implements Parallelizer.
func (c *Check) Close() error { return nil }

// compareRow compares one source row against the fetched destination
// image. A source delete expects absence.
func compareRow(schema, table, pk string, src *record.Record, dest map[string]interface{}, found bool) Diff {
	diff := Diff{Schema: schema, Table: table, Key: pk, Row: src}

	if src.Row.Op == record.OpDelete {
		if found {
			diff.Kind = DiffMissingInSource
		} else {
			diff.Kind = DiffMatch
		}
		return diff
	}

	if !found {
		diff.Kind = DiffMissingInDestination
		return diff
	}

	cols := make(map[string]ColumnDiff)
	for col, srcVal := range src.Row.After {
		destVal, has := dest[col]
		if !has || !equalValue(srcVal, destVal) {
			cols[col] = ColumnDiff{Source: srcVal, Destination: destVal}
		}
	}
	if len(cols) > 0 {
		diff.Kind = DiffMismatch
		diff.Columns = cols
		return diff
	}
	diff.Kind = DiffMatch
	return diff
}

// CompareStreams compares two identically keyed row sets, emitting a
// diff per key present on either side. The validator uses it when it
// holds both streams; Apply uses read-back fetching instead.
func CompareStreams(source, destination []*record.Record) []Diff {
	srcByKey := make(map[string]*record.Record, len(source))
	var keys []string
	for _, r := range source {
		if r.Kind != record.KindRowData {
			continue
		}
		pk := r.PrimaryKey()
		if _, seen := srcByKey[pk]; !seen {
			keys = append(keys, pk)
		}
		srcByKey[pk] = r
	}

	destByKey := make(map[string]*record.Record, len(destination))
	var destOnly []string
	for _, r := range destination {
		if r.Kind != record.KindRowData {
			continue
		}
		pk := r.PrimaryKey()
		if _, inSrc := srcByKey[pk]; !inSrc {
			if _, seen := destByKey[pk]; !seen {
				destOnly = append(destOnly, pk)
			}
		}
		destByKey[pk] = r
	}

	diffs := make([]Diff, 0, len(keys)+len(destOnly))
	for _, pk := range keys {
		src := srcByKey[pk]
		dest, found := destByKey[pk]
		var image map[string]interface{}
		if found {
			image = dest.Row.After
		}
		diffs = append(diffs, compareRow(src.Row.Schema, src.Row.Table, pk, src, image, found))
	}
	for _, pk := range destOnly {
		dest := destByKey[pk]
		diffs = append(diffs, Diff{
			Schema: dest.Row.Schema,
			Table:  dest.Row.Table,
			Key:    pk,
			Kind:   DiffMissingInSource,
			Row:    dest,
		})
	}
	return diffs
}

// equalValue compares column values across heterogeneous drivers,
// which surface the same logical value as different Go types (int64
// vs int, []byte vs string, time precision differences).
func equalValue(a, b interface{}) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if at, aok := a.(time.Time); aok {
		if bt, bok := b.(time.Time); bok {
			return at.Equal(bt)
		}
	}
	return normalize(a) == normalize(b)
}

func normalize(v interface{}) string {
	switch t := v.(type) {
	case []byte:
		return string(t)
	case time.Time:
		return t.UTC().Format(time.RFC3339Nano)
	}
	return fmt.Sprintf("%v", v)
}
