package pipeline

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/dataferry/ferry/pkg/checkpoint"
	"github.com/dataferry/ferry/pkg/config"
	ferrors "github.com/dataferry/ferry/pkg/errors"
	"github.com/dataferry/ferry/pkg/extract"
	"github.com/dataferry/ferry/pkg/parallelizer"
	"github.com/dataferry/ferry/pkg/position"
	"github.com/dataferry/ferry/pkg/sink"
)

// Task binds one extractor and one sinker through a pipeline for the
// lifetime of a replication run. It owns resume, the extraction
// goroutine and orderly teardown; the pipeline owns everything between
// the two endpoints.
type Task struct {
	cfg       *config.TaskConfig
	extractor extract.Extractor
	sinker    sink.Sinker
	resumer   *checkpoint.Resumer
	pipeline  *Pipeline
	par       parallelizer.Parallelizer
	logger    *zap.Logger
}

// NewTask assembles a task from its endpoints and a checkpoint store.
// The store, extractor and sinker are closed by Task.Close.
func NewTask(cfg *config.TaskConfig, extractor extract.Extractor, sinker sink.Sinker, store checkpoint.Store, logger *zap.Logger, opts ...Option) (*Task, error) {
	start := position.None
	if cfg.StartPosition != "" {
		decoded, err := position.Decode(cfg.StartPosition)
		if err != nil {
			return nil, ferrors.Wrap(err, ferrors.ErrorTypeConfig, "parse start_position")
		}
		start = decoded
	}

	par, err := parallelizer.New(cfg.Pipeline.Strategy, parallelizer.Config{
		Task:                cfg.Name,
		Workers:             cfg.Pipeline.GetWorkers(),
		Retry:               cfg.Retry,
		MergePartialColumns: cfg.Pipeline.MergePartialColumns,
		Logger:              logger,
	})
	if err != nil {
		return nil, err
	}

	resumer := checkpoint.NewResumer(cfg.Name, store, start, logger)
	return &Task{
		cfg:       cfg,
		extractor: extractor,
		sinker:    sinker,
		resumer:   resumer,
		par:       par,
		pipeline:  New(cfg, par, sinker, resumer, logger, opts...),
		logger:    logger.With(zap.String("component", "task"), zap.String("task", cfg.Name)),
	}, nil
}

// Resumer exposes the task's checkpoint resumer, for operator
// commands.
func (t *Task) Resumer() *checkpoint.Resumer { return t.resumer }

// Stats returns the pipeline's progress snapshot.
func (t *Task) Stats() Stats { return t.pipeline.Stats() }

// Pipeline exposes the task's pipeline, for report hooks and tests.
func (t *Task) Pipeline() *Pipeline { return t.pipeline }

// Run resumes the sub-stream, starts extraction and drives the
// pipeline until the source is exhausted, the context is cancelled or
// a task-stopping error occurs. The extractor error is preferred when
// both sides fail, since the pipeline's failure is usually downstream
// of it.
func (t *Task) Run(ctx context.Context) error {
	from, err := t.resumer.Resume(ctx, t.cfg.SubStream)
	if err != nil {
		return ferrors.Wrap(err, ferrors.ErrorTypeCheckpoint, "resume sub-stream")
	}
	t.logger.Info("task starting", zap.String("from", from.String()))

	// Extraction gets its own cancellation so a pipeline failure stops
	// a blocked extractor instead of deadlocking on a full buffer.
	extractCtx, stopExtract := context.WithCancel(ctx)
	defer stopExtract()

	var (
		wg         sync.WaitGroup
		extractErr error
	)
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer t.pipeline.CloseInput()
		extractErr = t.extractor.Extract(extractCtx, from, t.pipeline.Push)
	}()

	runErr := t.pipeline.Run(ctx)
	stopExtract()
	wg.Wait()

	if extractErr != nil && extractCtx.Err() == nil {
		return ferrors.Wrap(extractErr, ferrors.ErrorTypeExtraction, "extraction failed")
	}
	return runErr
}

// Close releases the task's resources in dataflow order.
func (t *Task) Close() error {
	var first error
	for _, c := range []func() error{
		t.extractor.Close,
		t.par.Close,
		t.sinker.Close,
	} {
		if err := c(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
