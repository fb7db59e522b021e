package parallelizer

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/dataferry/ferry/pkg/record"
	"github.com/dataferry/ferry/pkg/sink"
)

// Sharded partitions a batch by shard key into per-worker sub-queues
// and applies the sub-queues concurrently, each serially within
// itself. Records sharing a key always land in the same sub-queue in
// their original relative order, so batch completion implies per-key
// order was preserved; no ordering holds across different keys.
//
// Records that cannot be partitioned (DDL markers, rows without key
// columns) act as fences: the sub-queues accumulated so far are
// flushed and awaited, the fence record is applied alone, and
// partitioning resumes after it.
type Sharded struct {
	base
}

// Name implements Parallelizer.
func (s *Sharded) Name() string { return "sharded" }

// Apply implements Parallelizer.
func (s *Sharded) Apply(ctx context.Context, batch *record.Batch, sinker sink.Sinker) (*Report, error) {
	report := newReport(batch)
	if batch.IsBarrier() {
		return report, nil
	}

	queues := make([][]*record.Record, s.workers)

	flush := func() error {
		results, err := s.applyQueues(ctx, queues, sinker)
		if err != nil {
			return err
		}
		report.Results = append(report.Results, results...)
		for i := range queues {
			queues[i] = nil
		}
		return nil
	}

	for _, r := range batch.Records {
		if r.IsBarrier() {
			continue
		}
		if !r.Partitionable() {
			if err := flush(); err != nil {
				return nil, err
			}
			s.logger.Debug("applying unpartitionable record serially",
				zap.String("kind", string(r.Kind)))
			results, err := s.applyWithRetry(ctx, sinker, []*record.Record{r})
			if err != nil {
				return nil, err
			}
			report.Results = append(report.Results, results...)
			continue
		}
		idx := int(r.ShardKey() % uint64(s.workers))
		queues[idx] = append(queues[idx], r)
	}

	if err := flush(); err != nil {
		return nil, err
	}
	return report, nil
}

// applyQueues runs the non-empty sub-queues concurrently and gathers
// their per-record results. The first task-stopping error wins;
// remaining sub-queues still run to completion so the report reflects
// everything that was actually attempted.
func (s *Sharded) applyQueues(ctx context.Context, queues [][]*record.Record, sinker sink.Sinker) ([]sink.Result, error) {
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		results  []sink.Result
		firstErr error
	)

	for _, queue := range queues {
		if len(queue) == 0 {
			continue
		}
		wg.Add(1)
		go func(queue []*record.Record) {
			defer wg.Done()
			res, err := s.applyWithRetry(ctx, sinker, queue)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				if firstErr == nil {
					firstErr = err
				}
				return
			}
			results = append(results, res...)
		}(queue)
	}
	wg.Wait()

	if firstErr != nil {
		return nil, firstErr
	}
	return results, nil
}

// Close implements Parallelizer.
func (s *Sharded) Close() error { return nil }
