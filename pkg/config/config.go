// Package config provides the configuration system for ferry tasks.
// A task binds one extractor and one sinker through the pipeline core;
// every knob the core exposes lives here, organized into sections with
// production-ready defaults.
package config

import (
	"fmt"
	"runtime"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration decodes from human-readable forms like "250ms" or "10s" in
// YAML and JSON, which plain time.Duration does not.
type Duration time.Duration

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return time.Duration(d).String() }

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (interface{}, error) { return d.String(), nil }

// UnmarshalYAML implements yaml.Unmarshaler, accepting either a
// duration string or integer nanoseconds.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw interface{}
	if err := value.Decode(&raw); err != nil {
		return err
	}
	switch v := raw.(type) {
	case string:
		parsed, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", v, err)
		}
		*d = Duration(parsed)
		return nil
	case int:
		*d = Duration(v)
		return nil
	}
	return fmt.Errorf("invalid duration %v", raw)
}

// MarshalJSON implements json.Marshaler.
func (d Duration) MarshalJSON() ([]byte, error) {
	return []byte(`"` + d.String() + `"`), nil
}

// UnmarshalJSON implements json.Unmarshaler.
func (d *Duration) UnmarshalJSON(data []byte) error {
	s := string(data)
	if len(s) >= 2 && s[0] == '"' {
		parsed, err := time.ParseDuration(s[1 : len(s)-1])
		if err != nil {
			return fmt.Errorf("invalid duration %s: %w", s, err)
		}
		*d = Duration(parsed)
		return nil
	}
	var ns int64
	if _, err := fmt.Sscan(s, &ns); err != nil {
		return fmt.Errorf("invalid duration %s: %w", s, err)
	}
	*d = Duration(ns)
	return nil
}

// Strategy names the parallelizer variant applied to each batch. The
// set is closed; selection happens at task construction time from the
// declared source/destination kinds.
type Strategy string

const (
	// StrategySerial applies records one at a time, in order.
	StrategySerial Strategy = "serial"
	// StrategySharded partitions batches by shard key across a fixed
	// worker pool, serial within each key.
	StrategySharded Strategy = "sharded"
	// StrategyMerge coalesces per-key operation sequences to their net
	// effect before dispatching. Requires an idempotent sink.
	StrategyMerge Strategy = "merge"
	// StrategyTable partitions snapshot batches by table and applies
	// tables concurrently.
	StrategyTable Strategy = "table"
	// StrategyCheck compares instead of applying; nothing is mutated.
	StrategyCheck Strategy = "check"
)

// CheckpointBackend selects where checkpoints are persisted.
type CheckpointBackend string

const (
	// BackendFile keeps one atomically replaced JSON file per
	// sub-stream under a local directory.
	BackendFile CheckpointBackend = "file"
	// BackendSQL keeps checkpoints in a database table, reachable via
	// the embedded sqlite driver or a mysql DSN.
	BackendSQL CheckpointBackend = "sql"
)

// TaskConfig is the root configuration for one replication task.
type TaskConfig struct {
	// Name identifies the task instance
	Name string `yaml:"name" json:"name"`
	// SubStream identifies the independently checkpointed unit this
	// task replicates (a table, or a whole source change log)
	SubStream string `yaml:"sub_stream" json:"sub_stream"`
	// StartPosition is the encoded position used when no checkpoint
	// exists yet; empty means the beginning of the stream
	StartPosition string `yaml:"start_position" json:"start_position"`

	Source      EndpointConfig   `yaml:"source" json:"source"`
	Destination EndpointConfig   `yaml:"destination" json:"destination"`
	Pipeline    PipelineConfig   `yaml:"pipeline" json:"pipeline"`
	Retry       RetryConfig      `yaml:"retry" json:"retry"`
	Checkpoint  CheckpointConfig `yaml:"checkpoint" json:"checkpoint"`
	Log         LogConfig        `yaml:"log" json:"log"`
}

// EndpointConfig describes one side of a task. Kind selects the
// implementation; the remaining fields apply per kind.
type EndpointConfig struct {
	// Kind is "mysql", "postgres" or "kafka"
	Kind string `yaml:"kind" json:"kind"`
	// DSN is the connection string for database endpoints
	DSN string `yaml:"dsn" json:"dsn"`
	// Brokers and Topic configure kafka destinations
	Brokers []string `yaml:"brokers" json:"brokers"`
	Topic   string   `yaml:"topic" json:"topic"`
	// Schema, Table and KeyColumn scope a snapshot source
	Schema    string `yaml:"schema" json:"schema"`
	Table     string `yaml:"table" json:"table"`
	KeyColumn string `yaml:"key_column" json:"key_column"`
	// ChunkSize is the snapshot scan page size
	ChunkSize int `yaml:"chunk_size" json:"chunk_size"`
}

// PipelineConfig controls the buffer, batching and concurrency of the
// core engine.
type PipelineConfig struct {
	// BufferSize bounds the staging buffer; a full buffer blocks the
	// extractor, which is the engine's only backpressure mechanism
	BufferSize int `yaml:"buffer_size" json:"buffer_size"`
	// BatchSize caps records per scheduling unit
	BatchSize int `yaml:"batch_size" json:"batch_size"`
	// BatchTimeout bounds how long a partial batch may wait for more
	// records before being dispatched
	BatchTimeout Duration `yaml:"batch_timeout" json:"batch_timeout"`
	// CheckpointInterval is how often resolved progress is persisted
	CheckpointInterval Duration `yaml:"checkpoint_interval" json:"checkpoint_interval"`
	// Strategy selects the parallelizer variant
	Strategy Strategy `yaml:"strategy" json:"strategy"`
	// Workers sizes the parallelizer worker pool; sink connections are
	// pooled to match so concurrent shards never share one
	Workers int `yaml:"workers" json:"workers"`
	// SkipDataErrors continues past non-retryable data errors instead
	// of aborting the task; failures are still counted and reported
	SkipDataErrors bool `yaml:"skip_data_errors" json:"skip_data_errors"`
	// MergePartialColumns layers partial-column updates onto the
	// merged image during merge-batch squashing. Off by default; only
	// enable after round-trip validation for the source in question
	MergePartialColumns bool `yaml:"merge_partial_columns" json:"merge_partial_columns"`
}

// RetryConfig controls bounded exponential backoff for transient sink
// errors.
type RetryConfig struct {
	// MaxAttempts caps retries per batch or sub-queue
	MaxAttempts int `yaml:"max_attempts" json:"max_attempts"`
	// InitialDelay is the first backoff interval
	InitialDelay Duration `yaml:"initial_delay" json:"initial_delay"`
	// MaxDelay caps the backoff interval
	MaxDelay Duration `yaml:"max_delay" json:"max_delay"`
	// Multiplier grows the interval between attempts
	Multiplier float64 `yaml:"multiplier" json:"multiplier"`
}

// CheckpointConfig selects and parameterizes the checkpoint store.
type CheckpointConfig struct {
	Backend CheckpointBackend `yaml:"backend" json:"backend"`
	// Dir is the checkpoint directory for the file backend
	Dir string `yaml:"dir" json:"dir"`
	// Driver is the database/sql driver for the sql backend
	// ("sqlite" or "mysql")
	Driver string `yaml:"driver" json:"driver"`
	// DSN is the connection string for the sql backend
	DSN string `yaml:"dsn" json:"dsn"`
}

// LogConfig controls log output.
type LogConfig struct {
	Level       string `yaml:"level" json:"level"`
	Encoding    string `yaml:"encoding" json:"encoding"`
	Development bool   `yaml:"development" json:"development"`
}

// NewTaskConfig creates a TaskConfig with production defaults.
func NewTaskConfig(name, subStream string) *TaskConfig {
	return &TaskConfig{
		Name:      name,
		SubStream: subStream,
		Pipeline: PipelineConfig{
			BufferSize:         16384,
			BatchSize:          1000,
			BatchTimeout:       Duration(time.Second),
			CheckpointInterval: Duration(10 * time.Second),
			Strategy:           StrategySerial,
			Workers:            runtime.NumCPU(),
			SkipDataErrors:     false,
		},
		Retry: RetryConfig{
			MaxAttempts:  3,
			InitialDelay: Duration(time.Second),
			MaxDelay:     Duration(30 * time.Second),
			Multiplier:   2.0,
		},
		Checkpoint: CheckpointConfig{
			Backend: BackendFile,
			Dir:     "checkpoints",
			Driver:  "sqlite",
		},
		Log: LogConfig{
			Level:    "info",
			Encoding: "json",
		},
	}
}

// Validate checks the configuration for correctness.
func (tc *TaskConfig) Validate() error {
	if tc.Name == "" {
		return fmt.Errorf("name is required")
	}
	if tc.SubStream == "" {
		return fmt.Errorf("sub_stream is required")
	}
	if tc.Pipeline.BufferSize <= 0 {
		return fmt.Errorf("buffer_size must be positive")
	}
	if tc.Pipeline.BatchSize <= 0 {
		return fmt.Errorf("batch_size must be positive")
	}
	if tc.Pipeline.BatchSize > tc.Pipeline.BufferSize {
		return fmt.Errorf("batch_size cannot exceed buffer_size")
	}
	if tc.Pipeline.BatchTimeout <= 0 {
		return fmt.Errorf("batch_timeout must be positive")
	}
	switch tc.Pipeline.Strategy {
	case StrategySerial, StrategySharded, StrategyMerge, StrategyTable, StrategyCheck:
	default:
		return fmt.Errorf("unknown strategy %q", tc.Pipeline.Strategy)
	}
	if tc.Pipeline.Workers <= 0 {
		return fmt.Errorf("workers must be positive")
	}
	if tc.Retry.MaxAttempts <= 0 {
		return fmt.Errorf("retry max_attempts must be positive")
	}
	switch tc.Checkpoint.Backend {
	case BackendFile:
		if tc.Checkpoint.Dir == "" {
			return fmt.Errorf("checkpoint dir is required for the file backend")
		}
	case BackendSQL:
		if tc.Checkpoint.DSN == "" {
			return fmt.Errorf("checkpoint dsn is required for the sql backend")
		}
	default:
		return fmt.Errorf("unknown checkpoint backend %q", tc.Checkpoint.Backend)
	}
	return nil
}

// GetWorkers returns the worker count, ensuring it's at least 1.
func (p *PipelineConfig) GetWorkers() int {
	if p.Workers <= 0 {
		return runtime.NumCPU()
	}
	return p.Workers
}
