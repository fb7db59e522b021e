package main

import (
	"context"
	"database/sql"
	"fmt"

	"go.uber.org/zap"

	// Database drivers for snapshot sources.
	_ "github.com/go-sql-driver/mysql"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/dataferry/ferry/internal/pipeline"
	"github.com/dataferry/ferry/pkg/checkpoint"
	"github.com/dataferry/ferry/pkg/config"
	"github.com/dataferry/ferry/pkg/extract"
	"github.com/dataferry/ferry/pkg/sink"
	kafkasink "github.com/dataferry/ferry/pkg/sink/kafka"
	mysqlsink "github.com/dataferry/ferry/pkg/sink/mysql"
	postgressink "github.com/dataferry/ferry/pkg/sink/postgres"
	"github.com/dataferry/ferry/pkg/validate"
)

// buildTask assembles a runnable task from config. The returned
// cleanup closes resources the task does not own.
func buildTask(ctx context.Context, cfg *config.TaskConfig, log *zap.Logger) (*pipeline.Task, func(), error) {
	extractor, closeSource, err := buildExtractor(cfg, log)
	if err != nil {
		return nil, nil, err
	}
	sinker, err := buildSinker(ctx, cfg, log)
	if err != nil {
		closeSource()
		return nil, nil, err
	}
	store, err := buildStore(cfg)
	if err != nil {
		closeSource()
		_ = sinker.Close()
		return nil, nil, err
	}

	task, err := pipeline.NewTask(cfg, extractor, sinker, store, log)
	if err != nil {
		closeSource()
		_ = sinker.Close()
		_ = store.Close()
		return nil, nil, err
	}
	cleanup := func() {
		closeSource()
		_ = store.Close()
	}
	return task, cleanup, nil
}

// buildValidator assembles a validator from the same config.
func buildValidator(ctx context.Context, cfg *config.TaskConfig, log *zap.Logger) (*validate.Validator, func(), error) {
	extractor, closeSource, err := buildExtractor(cfg, log)
	if err != nil {
		return nil, nil, err
	}
	sinker, err := buildSinker(ctx, cfg, log)
	if err != nil {
		closeSource()
		return nil, nil, err
	}
	store, err := buildStore(cfg)
	if err != nil {
		closeSource()
		_ = sinker.Close()
		return nil, nil, err
	}

	validator, err := validate.New(cfg, extractor, sinker, store, log)
	if err != nil {
		closeSource()
		_ = sinker.Close()
		_ = store.Close()
		return nil, nil, err
	}
	cleanup := func() {
		closeSource()
		_ = extractor.Close()
		_ = sinker.Close()
		_ = store.Close()
	}
	return validator, cleanup, nil
}

func buildExtractor(cfg *config.TaskConfig, log *zap.Logger) (extract.Extractor, func(), error) {
	src := cfg.Source
	var driver string
	switch src.Kind {
	case "mysql":
		driver = "mysql"
	case "postgres":
		driver = "pgx"
	default:
		return nil, nil, fmt.Errorf("unsupported source kind %q", src.Kind)
	}
	if src.Table == "" || src.KeyColumn == "" {
		return nil, nil, fmt.Errorf("source table and key_column are required")
	}

	db, err := sql.Open(driver, src.DSN)
	if err != nil {
		return nil, nil, fmt.Errorf("open source: %w", err)
	}
	extractor := extract.NewSnapshot(db, src.Schema, src.Table, src.KeyColumn, src.ChunkSize, log)
	return extractor, func() { _ = db.Close() }, nil
}

func buildSinker(ctx context.Context, cfg *config.TaskConfig, log *zap.Logger) (sink.Sinker, error) {
	dest := cfg.Destination
	workers := cfg.Pipeline.GetWorkers()

	switch dest.Kind {
	case "mysql":
		return mysqlsink.New(dest.DSN, workers, log)
	case "postgres":
		return postgressink.New(ctx, dest.DSN, workers, log)
	case "kafka":
		if len(dest.Brokers) == 0 || dest.Topic == "" {
			return nil, fmt.Errorf("kafka destination requires brokers and topic")
		}
		return kafkasink.New(dest.Brokers, dest.Topic, log)
	}
	return nil, fmt.Errorf("unsupported destination kind %q", dest.Kind)
}

func buildStore(cfg *config.TaskConfig) (checkpoint.Store, error) {
	switch cfg.Checkpoint.Backend {
	case config.BackendSQL:
		return checkpoint.NewSQLStore(cfg.Checkpoint.Driver, cfg.Checkpoint.DSN)
	default:
		return checkpoint.NewFileStore(cfg.Checkpoint.Dir)
	}
}

func checkpointResumer(cfg *config.TaskConfig, store checkpoint.Store, log *zap.Logger) *checkpoint.Resumer {
	return checkpoint.NewResumer(cfg.Name, store, nil, log)
}
