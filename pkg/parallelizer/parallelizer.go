// Package parallelizer schedules the application of record batches
// onto a sinker under a selectable concurrency strategy. Strategies
// form a closed set chosen at task construction time; all honor the
// same contract: consume one batch, return one execution report, and
// never violate per-shard-key ordering.
package parallelizer

import (
	"context"

	"go.uber.org/zap"

	"github.com/dataferry/ferry/pkg/config"
	ferrors "github.com/dataferry/ferry/pkg/errors"
	"github.com/dataferry/ferry/pkg/record"
	"github.com/dataferry/ferry/pkg/retry"
	"github.com/dataferry/ferry/pkg/sink"
)

// Parallelizer applies one batch and reports the outcome. A non-nil
// error means the task must stop: transient failures were already
// retried to exhaustion, or the sinker reported a fatal condition.
// Partial failures are reported per record, not as errors.
type Parallelizer interface {
	Name() string
	Apply(ctx context.Context, batch *record.Batch, sinker sink.Sinker) (*Report, error)
	Close() error
}

// Config parameterizes strategy construction.
type Config struct {
	Task    string
	Workers int
	Retry   config.RetryConfig
	// MergePartialColumns is consulted by the merge strategy only.
	MergePartialColumns bool
	Logger              *zap.Logger
}

// New constructs the strategy named by s. Unknown names are a
// configuration error.
func New(s config.Strategy, cfg Config) (Parallelizer, error) {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	base := base{
		task:    cfg.Task,
		workers: cfg.Workers,
		retrier: retry.NewPolicy(cfg.Retry),
		logger:  cfg.Logger.With(zap.String("component", "parallelizer"), zap.String("strategy", string(s))),
	}

	switch s {
	case config.StrategySerial:
		return &Serial{base: base}, nil
	case config.StrategySharded:
		return &Sharded{base: base}, nil
	case config.StrategyMerge:
		return &Merge{base: base, mergePartial: cfg.MergePartialColumns}, nil
	case config.StrategyTable:
		return &Table{base: base}, nil
	case config.StrategyCheck:
		return &Check{base: base}, nil
	}
	return nil, ferrors.Newf(ferrors.ErrorTypeConfig, "unknown parallelizer strategy %q", s)
}

// base carries what every strategy needs.
type base struct {
	task    string
	workers int
	retrier *retry.Policy
	logger  *zap.Logger
}

// applyWithRetry pushes one ordered slice through the sinker,
// retrying transient whole-call failures. Idempotent application
// makes re-issuing the full slice safe.
func (b *base) applyWithRetry(ctx context.Context, sinker sink.Sinker, records []*record.Record) ([]sink.Result, error) {
	var results []sink.Result
	err := b.retrier.Do(ctx, func() error {
		var applyErr error
		results, applyErr = sinker.Apply(ctx, records)
		return applyErr
	})
	if err != nil {
		if ferrors.IsFatal(err) {
			return nil, err
		}
		return nil, ferrors.Wrap(err, ferrors.ErrorTypeTransient, "sink apply retries exhausted")
	}
	return results, nil
}
