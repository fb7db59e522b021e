// Package ferry moves rows between heterogeneous endpoints: full-table
// snapshot copies, change-data-capture replay, and data validation with
// optional revision, all driven by one resumable pipeline core.
//
// # Architecture
//
// A task wires an extractor to a sinker through the pipeline engine in
// internal/pipeline. The extractor pushes records into a bounded
// buffer; a full buffer blocks the push, which is the only
// backpressure mechanism. The engine drains the buffer into batches
// and hands each batch to a parallelizer, which decides how the batch
// reaches the sink:
//
//   - serial: one record at a time, in order
//   - sharded: partitioned by shard key over a worker pool, serial per key
//   - merge: per-key sequences squashed to their net effect first
//   - table: partitioned by table, for snapshot loads
//   - check: compared against the destination instead of applied
//
// Progress is tracked per batch and committed as the highest position
// below which every record has been applied, so a restarted task
// re-reads at most the in-flight window. Sinks are idempotent;
// delivery is at least once.
//
// # Quick start
//
// Run a snapshot copy from one database to another:
//
//	cfg := config.NewTaskConfig("orders-copy", "orders")
//	cfg.Source = config.EndpointConfig{Kind: "mysql", DSN: srcDSN,
//		Schema: "shop", Table: "orders", KeyColumn: "id"}
//	cfg.Destination = config.EndpointConfig{Kind: "postgres", DSN: dstDSN}
//	cfg.Pipeline.Strategy = config.StrategyTable
//
// then build the endpoints and run the task (see cmd/ferry for the
// full wiring):
//
//	task, err := pipeline.NewTask(cfg, extractor, sinker, store, log)
//	if err != nil {
//		return err
//	}
//	defer task.Close()
//	return task.Run(ctx)
//
// The same engine validates instead of copying when driven through
// pkg/validate, and the ferry CLI exposes run, check and checkpoint
// management commands.
package ferry
