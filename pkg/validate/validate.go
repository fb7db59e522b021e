// Package validate drives data consistency validation between a source
// and a destination. A validation pass rescans the source through the
// regular extraction path and compares each row against the
// destination via the check strategy; revise mode additionally writes
// the missing or mismatched rows back, and review mode re-checks after
// a revision to confirm convergence.
package validate

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/dataferry/ferry/internal/pipeline"
	"github.com/dataferry/ferry/pkg/checkpoint"
	"github.com/dataferry/ferry/pkg/config"
	ferrors "github.com/dataferry/ferry/pkg/errors"
	"github.com/dataferry/ferry/pkg/extract"
	"github.com/dataferry/ferry/pkg/parallelizer"
	"github.com/dataferry/ferry/pkg/position"
	"github.com/dataferry/ferry/pkg/record"
	"github.com/dataferry/ferry/pkg/sink"
)

// Mode selects how far a validation run goes.
type Mode string

const (
	// ModeCheck compares and reports; nothing is written.
	ModeCheck Mode = "check"
	// ModeRevise compares, then writes missing and mismatched rows to
	// the destination.
	ModeRevise Mode = "revise"
	// ModeReview revises, then re-checks to confirm the revision
	// converged.
	ModeReview Mode = "review"
)

// Summary is the outcome of one validation run.
type Summary struct {
	Mode    Mode          `json:"mode"`
	Checked int           `json:"checked"`
	Matched int           `json:"matched"`
	Revised int           `json:"revised"`
	Elapsed time.Duration `json:"elapsed"`

	// Diffs holds the non-matching comparisons. After a review run it
	// reflects the re-check, not the initial check.
	Diffs []parallelizer.Diff `json:"diffs,omitempty"`
}

// Mismatched counts diffs by kind.
func (s *Summary) Mismatched() (mismatch, missingInDest, missingInSource int) {
	for _, d := range s.Diffs {
		switch d.Kind {
		case parallelizer.DiffMismatch:
			mismatch++
		case parallelizer.DiffMissingInDestination:
			missingInDest++
		case parallelizer.DiffMissingInSource:
			missingInSource++
		}
	}
	return mismatch, missingInDest, missingInSource
}

// Clean reports whether the run found no differences.
func (s *Summary) Clean() bool { return len(s.Diffs) == 0 }

// Validator runs validation passes over one source/destination pair.
// The sinker must implement sink.Reader.
type Validator struct {
	cfg       *config.TaskConfig
	extractor extract.Extractor
	sinker    sink.Sinker
	store     checkpoint.Store
	logger    *zap.Logger
}

// New builds a validator. The endpoints and store are owned by the
// caller.
func New(cfg *config.TaskConfig, extractor extract.Extractor, sinker sink.Sinker, store checkpoint.Store, logger *zap.Logger) (*Validator, error) {
	if _, ok := sinker.(sink.Reader); !ok {
		return nil, ferrors.New(ferrors.ErrorTypeConfig,
			"validation requires a sink that supports reading rows back")
	}
	return &Validator{
		cfg:       cfg,
		extractor: extractor,
		sinker:    sinker,
		store:     store,
		logger:    logger.With(zap.String("component", "validator"), zap.String("task", cfg.Name)),
	}, nil
}

// Run executes one validation pass in the given mode.
func (v *Validator) Run(ctx context.Context, mode Mode) (*Summary, error) {
	start := time.Now()
	summary := &Summary{Mode: mode}

	diffs, checked, err := v.checkPass(ctx, "check")
	if err != nil {
		return nil, err
	}
	summary.Checked = checked
	summary.Matched = checked - len(diffs)
	summary.Diffs = diffs

	if mode == ModeCheck || len(diffs) == 0 {
		summary.Elapsed = time.Since(start)
		v.logSummary(summary)
		return summary, nil
	}

	revised, err := v.revise(ctx, diffs)
	if err != nil {
		return nil, err
	}
	summary.Revised = revised

	if mode == ModeReview {
		recheck, checked, err := v.checkPass(ctx, "review")
		if err != nil {
			return nil, err
		}
		summary.Checked = checked
		summary.Matched = checked - len(recheck)
		summary.Diffs = recheck
	}

	summary.Elapsed = time.Since(start)
	v.logSummary(summary)
	return summary, nil
}

// checkPass rescans the source through a check-strategy pipeline and
// collects the non-matching diffs. Each pass scans from the beginning;
// the pass keeps its own checkpoint sub-stream so an interrupted scan
// never disturbs the replication checkpoint.
func (v *Validator) checkPass(ctx context.Context, pass string) ([]parallelizer.Diff, int, error) {
	cfg := *v.cfg
	cfg.SubStream = v.cfg.SubStream + "#" + pass
	cfg.Pipeline.Strategy = config.StrategyCheck
	cfg.StartPosition = ""

	resumer := checkpoint.NewResumer(cfg.Name, v.store, position.None, v.logger)
	if err := resumer.Reset(ctx, cfg.SubStream, position.None); err != nil {
		return nil, 0, err
	}

	var (
		diffs   []parallelizer.Diff
		checked int
	)
	task, err := pipeline.NewTask(&cfg, nopCloser{v.extractor}, nopSinker{v.sinker}, v.store, v.logger,
		pipeline.WithReportHook(func(report *parallelizer.Report) {
			for _, d := range report.Diffs {
				checked++
				if d.Kind != parallelizer.DiffMatch {
					diffs = append(diffs, d)
				}
			}
		}))
	if err != nil {
		return nil, 0, err
	}
	defer task.Close()
	if err := task.Run(ctx); err != nil {
		return nil, 0, err
	}
	return diffs, checked, nil
}

// revise writes back the rows the destination is missing or holds
// wrong. Rows present only in the destination are reported, never
// deleted; a source-driven rescan cannot prove such rows are stale.
func (v *Validator) revise(ctx context.Context, diffs []parallelizer.Diff) (int, error) {
	fixes := make([]*record.Record, 0, len(diffs))
	for _, d := range diffs {
		switch d.Kind {
		case parallelizer.DiffMismatch, parallelizer.DiffMissingInDestination:
			if d.Row != nil {
				fixes = append(fixes, d.Row)
			}
		}
	}
	if len(fixes) == 0 {
		return 0, nil
	}

	par, err := parallelizer.New(config.StrategySharded, parallelizer.Config{
		Task:    v.cfg.Name,
		Workers: v.cfg.Pipeline.GetWorkers(),
		Retry:   v.cfg.Retry,
		Logger:  v.logger,
	})
	if err != nil {
		return 0, err
	}
	defer par.Close()

	revised := 0
	batchSize := v.cfg.Pipeline.BatchSize
	for i := 0; i < len(fixes); i += batchSize {
		end := i + batchSize
		if end > len(fixes) {
			end = len(fixes)
		}
		batch := record.NewBatch(uint64(i/batchSize)+1, fixes[i:end])
		report, err := par.Apply(ctx, batch, v.sinker)
		if err != nil {
			return revised, ferrors.Wrap(err, ferrors.ErrorTypeData, "apply revision batch")
		}
		applied, _, failed := report.Counts()
		revised += applied
		if failed > 0 {
			return revised, ferrors.Wrap(report.FirstErr(), ferrors.ErrorTypeData,
				"revision batch contained failed records")
		}
	}

	if err := v.sinker.Flush(ctx); err != nil {
		return revised, err
	}
	v.logger.Info("revision applied", zap.Int("rows", revised))
	return revised, nil
}

func (v *Validator) logSummary(s *Summary) {
	mismatch, missingDest, missingSrc := s.Mismatched()
	v.logger.Info("validation finished",
		zap.String("mode", string(s.Mode)),
		zap.Int("checked", s.Checked),
		zap.Int("matched", s.Matched),
		zap.Int("mismatch", mismatch),
		zap.Int("missing_in_destination", missingDest),
		zap.Int("missing_in_source", missingSrc),
		zap.Int("revised", s.Revised),
		zap.Duration("elapsed", s.Elapsed))
}

// nopCloser lets the validator reuse one extractor across passes
// without the task closing it in between.
type nopCloser struct{ extract.Extractor }

func (nopCloser) Close() error { return nil }

// nopSinker does the same for the sinker. It re-exposes Reader
// explicitly, since an embedded interface would hide it from the check
// strategy's type assertion.
type nopSinker struct{ sink.Sinker }

func (nopSinker) Close() error { return nil }

func (n nopSinker) FetchRows(ctx context.Context, schema, table string, rows []*record.Record) (map[string]map[string]interface{}, error) {
	return n.Sinker.(sink.Reader).FetchRows(ctx, schema, table, rows)
}
