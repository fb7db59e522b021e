package pipeline

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/dustin/go-humanize"
	"go.uber.org/zap"

	"github.com/dataferry/ferry/pkg/checkpoint"
	"github.com/dataferry/ferry/pkg/config"
	ferrors "github.com/dataferry/ferry/pkg/errors"
	"github.com/dataferry/ferry/pkg/metrics"
	"github.com/dataferry/ferry/pkg/parallelizer"
	"github.com/dataferry/ferry/pkg/position"
	"github.com/dataferry/ferry/pkg/record"
	"github.com/dataferry/ferry/pkg/sink"
)

// Stats is a point-in-time snapshot of pipeline progress.
type Stats struct {
	Batches uint64
	Applied uint64
	Skipped uint64
	Failed  uint64
	Diffs   uint64
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithClock injects a clock, for tests.
func WithClock(clk clock.Clock) Option {
	return func(p *Pipeline) { p.clock = clk }
}

// WithReportHook registers a callback invoked with every execution
// report, after the pipeline has accounted for it. The validator uses
// it to collect diffs.
func WithReportHook(hook func(*parallelizer.Report)) Option {
	return func(p *Pipeline) { p.onReport = hook }
}

// Pipeline is the core engine of one task: it pulls batches off the
// staging buffer, dispatches them through the parallelizer, consumes
// execution reports and advances the checkpoint. One Pipeline serves
// one task for its lifetime.
//
// Batches are dispatched one at a time. Concurrency lives inside the
// parallelizer, where per-shard-key ordering is enforced; applying
// batches concurrently with each other would let a later batch race an
// earlier one on the same key.
type Pipeline struct {
	cfg      *config.TaskConfig
	buffer   *Buffer
	par      parallelizer.Parallelizer
	sinker   sink.Sinker
	resumer  *checkpoint.Resumer
	tracker  *tracker
	lag      *metrics.LagTracker
	clock    clock.Clock
	logger   *zap.Logger
	onReport func(*parallelizer.Report)

	mu         sync.Mutex
	stats      Stats
	lastCommit time.Time
}

// New wires a pipeline for the task. The caller owns the sinker and
// parallelizer lifecycles; Run does not close them.
func New(cfg *config.TaskConfig, par parallelizer.Parallelizer, sinker sink.Sinker, resumer *checkpoint.Resumer, logger *zap.Logger, opts ...Option) *Pipeline {
	p := &Pipeline{
		cfg:     cfg,
		par:     par,
		sinker:  sinker,
		resumer: resumer,
		tracker: newTracker(),
		lag:     metrics.NewLagTracker(cfg.Name),
		clock:   clock.New(),
		logger: logger.With(
			zap.String("component", "pipeline"),
			zap.String("task", cfg.Name),
			zap.String("sub_stream", cfg.SubStream)),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.buffer = NewBuffer(cfg.Name, cfg.Pipeline.BufferSize, p.clock, logger)
	return p
}

// Push hands one extracted record to the staging buffer, blocking
// while the buffer is full.
func (p *Pipeline) Push(ctx context.Context, r *record.Record) error {
	return p.buffer.Push(ctx, r)
}

// CloseInput signals the end of extraction. Run drains what is
// buffered, flushes, checkpoints and returns.
func (p *Pipeline) CloseInput() { p.buffer.CloseInput() }

// Stats returns a snapshot of progress counters.
func (p *Pipeline) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stats
}

// Run drives the pipeline until the input is closed and drained, the
// context is cancelled, or a task-stopping error occurs. Cancellation
// is graceful: no new batch is dispatched, a batch interrupted
// mid-apply is left for the next run to re-extract, and the sinker is
// flushed and resolved progress checkpointed before Run returns.
func (p *Pipeline) Run(ctx context.Context) error {
	p.logger.Info("pipeline started",
		zap.String("strategy", string(p.cfg.Pipeline.Strategy)),
		zap.Int("workers", p.cfg.Pipeline.GetWorkers()),
		zap.Int("buffer_size", p.cfg.Pipeline.BufferSize))

	for {
		select {
		case <-ctx.Done():
			return p.shutdown(nil)
		default:
		}

		batch, drained := p.buffer.PullBatch(ctx, p.cfg.Pipeline.BatchSize, p.cfg.Pipeline.BatchTimeout.Std())
		if batch != nil {
			var err error
			if batch.IsBarrier() {
				err = p.handleBarrier(ctx, batch)
			} else {
				err = p.handleBatch(ctx, batch)
			}
			if err != nil {
				return p.shutdown(err)
			}
		}
		if drained {
			return p.shutdown(nil)
		}
	}
}

// handleBatch dispatches one data batch and consumes its report.
func (p *Pipeline) handleBatch(ctx context.Context, batch *record.Batch) error {
	p.tracker.Add(batch)

	start := p.clock.Now()
	report, err := p.par.Apply(ctx, batch, p.sinker)
	metrics.BatchApplyLatency.WithLabelValues(p.cfg.Name, p.par.Name()).
		Observe(p.clock.Since(start).Seconds())

	if err != nil {
		p.tracker.Discard(batch.Seq)
		if ctx.Err() != nil {
			// The apply was interrupted by cancellation, not rejected by
			// the sink. The batch was never checkpointed; the next run
			// re-extracts it, so this is a graceful stop.
			p.logger.Info("batch interrupted by shutdown",
				zap.String("batch_id", batch.ID),
				zap.Uint64("seq", batch.Seq),
				zap.Int("records", batch.Len()))
			return nil
		}
		metrics.BatchesResolved.WithLabelValues(p.cfg.Name, "failed").Inc()
		p.logger.Error("batch failed",
			zap.String("batch_id", batch.ID),
			zap.Uint64("seq", batch.Seq),
			zap.Int("records", batch.Len()),
			zap.Error(err))
		return err
	}

	applied, skipped, failed := report.Counts()
	metrics.RecordsApplied.WithLabelValues(p.cfg.Name, p.par.Name()).Add(float64(applied))
	metrics.RecordsSkipped.WithLabelValues(p.cfg.Name, p.par.Name()).Add(float64(skipped))
	metrics.RecordsFailed.WithLabelValues(p.cfg.Name, p.par.Name()).Add(float64(failed))

	p.mu.Lock()
	p.stats.Batches++
	p.stats.Applied += uint64(applied)
	p.stats.Skipped += uint64(skipped)
	p.stats.Failed += uint64(failed)
	p.stats.Diffs += uint64(len(report.Diffs))
	p.mu.Unlock()

	for _, d := range report.Diffs {
		if d.Kind != parallelizer.DiffMatch {
			metrics.DiffsFound.WithLabelValues(p.cfg.Name, string(d.Kind)).Inc()
		}
	}
	p.observeLag(report)
	if p.onReport != nil {
		p.onReport(report)
	}

	if failed > 0 && !p.cfg.Pipeline.SkipDataErrors {
		p.tracker.Discard(batch.Seq)
		metrics.BatchesResolved.WithLabelValues(p.cfg.Name, "failed").Inc()
		return ferrors.Wrap(report.FirstErr(), ferrors.ErrorTypeData,
			"batch contained failed records and skip_data_errors is off")
	}

	status := "ok"
	if failed > 0 {
		status = "partial"
		p.logger.Warn("skipping failed records by policy",
			zap.String("batch_id", batch.ID),
			zap.Int("failed", failed),
			zap.Error(report.FirstErr()))
	}
	metrics.BatchesResolved.WithLabelValues(p.cfg.Name, status).Inc()

	safe, advanced := p.tracker.Resolve(batch.Seq, report.SafePos)
	if advanced {
		return p.maybeCommit(ctx, safe, false)
	}
	return nil
}

// handleBarrier processes a solo barrier batch. All earlier batches
// are already resolved when it arrives, so the barrier position is
// immediately safe. Checkpoint and end-of-snapshot barriers force a
// commit; heartbeats advance through the regular throttled path.
func (p *Pipeline) handleBarrier(ctx context.Context, batch *record.Batch) error {
	p.tracker.Add(batch)
	safe, _ := p.tracker.Resolve(batch.Seq, batch.MaxPos)

	barrier := batch.Records[0].Barrier
	switch barrier.BarrierKind {
	case record.BarrierEndOfSnapshot:
		p.logger.Info("snapshot complete", zap.String("position", safe.String()))
		return p.maybeCommit(ctx, safe, true)
	case record.BarrierCheckpoint:
		return p.maybeCommit(ctx, safe, true)
	default:
		return p.maybeCommit(ctx, safe, false)
	}
}

// maybeCommit persists the safe position, throttled by the checkpoint
// interval unless forced.
func (p *Pipeline) maybeCommit(ctx context.Context, safe position.Position, force bool) error {
	if safe == nil || safe == position.None {
		return nil
	}

	p.mu.Lock()
	due := force || p.lastCommit.IsZero() ||
		p.clock.Since(p.lastCommit) >= p.cfg.Pipeline.CheckpointInterval.Std()
	if due {
		p.lastCommit = p.clock.Now()
	}
	p.mu.Unlock()
	if !due {
		return nil
	}

	if err := p.resumer.Commit(ctx, p.cfg.SubStream, safe); err != nil {
		return ferrors.Wrap(err, ferrors.ErrorTypeCheckpoint, "commit checkpoint")
	}
	p.logger.Debug("checkpoint committed", zap.String("position", safe.String()))
	return nil
}

// shutdown flushes the sinker, persists the final safe position and
// returns cause, preferring it over any flush error.
func (p *Pipeline) shutdown(cause error) error {
	// Detached context: the run context may already be cancelled, and
	// losing the final checkpoint widens the redo window on restart.
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := p.sinker.Flush(ctx); err != nil {
		p.logger.Error("final sink flush failed", zap.Error(err))
		if cause == nil {
			cause = err
		}
	} else if err := p.maybeCommit(ctx, p.tracker.Safe(), true); err != nil {
		p.logger.Error("final checkpoint failed", zap.Error(err))
		if cause == nil {
			cause = err
		}
	}

	stats := p.Stats()
	p.logger.Info("pipeline stopped",
		zap.Uint64("batches", stats.Batches),
		zap.String("records_applied", humanize.Comma(int64(stats.Applied))),
		zap.Uint64("records_skipped", stats.Skipped),
		zap.Uint64("records_failed", stats.Failed),
		zap.String("position", p.tracker.Safe().String()),
		zap.Error(cause))
	return cause
}

// observeLag feeds the newest applied commit timestamp to the lag
// gauge.
func (p *Pipeline) observeLag(report *parallelizer.Report) {
	for _, res := range report.Results {
		if res.Status != sink.StatusApplied || res.Record == nil {
			continue
		}
		if res.Record.Kind == record.KindRowData {
			p.lag.Observe(res.Record.Row.CommitTS)
		}
	}
}
