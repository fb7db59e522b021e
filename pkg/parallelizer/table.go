package parallelizer

import (
	"context"
	"sync"

	"github.com/dataferry/ferry/pkg/record"
	"github.com/dataferry/ferry/pkg/sink"
)

// Table partitions a batch by table and applies the per-table groups
// concurrently, bounded by the worker count. It serves full-snapshot
// copy, where rows carry no relative history and need no cross-record
// ordering; key ranges scanned per table never overlap, so concurrent
// tables cannot contend on the same destination rows.
type Table struct {
	base
}

// Name implements Parallelizer.
func (t *Table) Name() string { return "table" }

// Apply implements Parallelizer.
func (t *Table) Apply(ctx context.Context, batch *record.Batch, sinker sink.Sinker) (*Report, error) {
	report := newReport(batch)
	if batch.IsBarrier() {
		return report, nil
	}

	groups := make(map[string][]*record.Record)
	var order []string
	for _, r := range batch.Records {
		if r.Kind != record.KindRowData {
			continue
		}
		key := r.Row.Schema + "." + r.Row.Table
		if _, seen := groups[key]; !seen {
			order = append(order, key)
		}
		groups[key] = append(groups[key], r)
	}
	if len(order) == 0 {
		return report, nil
	}

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		firstErr error
	)
	sem := make(chan struct{}, t.workers)

	for _, key := range order {
		group := groups[key]
		wg.Add(1)
		sem <- struct{}{}
		go func(group []*record.Record) {
			defer wg.Done()
			defer func() { <-sem }()

			res, err := t.applyWithRetry(ctx, sinker, group)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				if firstErr == nil {
					firstErr = err
				}
				return
			}
			report.Results = append(report.Results, res...)
		}(group)
	}
	wg.Wait()

	if firstErr != nil {
		return nil, firstErr
	}
	return report, nil
}

// Close implements Parallelizer.
func (t *Table) Close() error { return nil }
