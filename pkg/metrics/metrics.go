// Package metrics provides Prometheus instrumentation for ferry's
// pipeline core: application counters, replication lag, checkpoint
// progress and buffer depth. Collectors are registered automatically
// via promauto; components record through the package-level vectors.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RecordsApplied counts records durably applied at the destination.
	// Labels: task, strategy
	RecordsApplied = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ferry_records_applied_total",
			Help: "Total number of records applied to the destination",
		},
		[]string{"task", "strategy"},
	)

	// RecordsFailed counts records that ended in a Failed outcome.
	// Labels: task, strategy
	RecordsFailed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ferry_records_failed_total",
			Help: "Total number of records that failed to apply",
		},
		[]string{"task", "strategy"},
	)

	// RecordsSkipped counts records skipped by policy.
	RecordsSkipped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ferry_records_skipped_total",
			Help: "Total number of records skipped by policy",
		},
		[]string{"task", "strategy"},
	)

	// BatchesResolved counts batches whose execution report resolved.
	// Labels: task, status (ok/partial/failed)
	BatchesResolved = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ferry_batches_resolved_total",
			Help: "Total number of batches with a resolved execution report",
		},
		[]string{"task", "status"},
	)

	// ReplicationLag is now minus the commit timestamp of the last
	// applied change, in seconds.
	ReplicationLag = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "ferry_replication_lag_seconds",
			Help: "Seconds between now and the last applied commit timestamp",
		},
		[]string{"task"},
	)

	// CheckpointTimestamp is the unix time of the last persisted
	// checkpoint per sub-stream.
	CheckpointTimestamp = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "ferry_checkpoint_timestamp_seconds",
			Help: "Unix timestamp of the last persisted checkpoint",
		},
		[]string{"task", "sub_stream"},
	)

	// BufferDepth is the current number of buffered-but-unapplied
	// records in the staging buffer.
	BufferDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "ferry_buffer_depth",
			Help: "Current staging buffer depth in records",
		},
		[]string{"task"},
	)

	// BatchApplyLatency tracks batch application latency.
	BatchApplyLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name: "ferry_batch_apply_latency_seconds",
			Help: "Latency of applying one batch through the parallelizer",
			Buckets: []float64{
				.001, .005, .01, .05, .1, .5, 1, 5, 30,
			},
		},
		[]string{"task", "strategy"},
	)

	// DiffsFound counts differences reported by check mode.
	// Labels: task, kind (mismatch/missing_in_source/missing_in_destination)
	DiffsFound = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ferry_diffs_found_total",
			Help: "Total number of differences found by check mode",
		},
		[]string{"task", "kind"},
	)
)

// Timer provides a simple timing mechanism for measuring operation durations.
type Timer struct {
	start time.Time
	name  string
}

// NewTimer creates a new timer and starts timing immediately.
func NewTimer(name string) *Timer {
	return &Timer{start: time.Now(), name: name}
}

// Stop returns the elapsed duration since creation.
func (t *Timer) Stop() time.Duration {
	return time.Since(t.start)
}

// LagTracker computes replication lag from applied commit timestamps
// and publishes it to the ReplicationLag gauge. Safe for concurrent use.
type LagTracker struct {
	mu       sync.Mutex
	task     string
	lastSeen time.Time
}

// NewLagTracker creates a tracker publishing under the task label.
func NewLagTracker(task string) *LagTracker {
	return &LagTracker{task: task}
}

// Observe records the commit timestamp of an applied change and
// updates the gauge. Zero timestamps (snapshot rows) are ignored.
func (lt *LagTracker) Observe(commitTS time.Time) {
	if commitTS.IsZero() {
		return
	}
	lt.mu.Lock()
	defer lt.mu.Unlock()
	if commitTS.After(lt.lastSeen) {
		lt.lastSeen = commitTS
	}
	ReplicationLag.WithLabelValues(lt.task).Set(time.Since(lt.lastSeen).Seconds())
}

// Lag returns the current lag, or zero if nothing was observed yet.
func (lt *LagTracker) Lag() time.Duration {
	lt.mu.Lock()
	defer lt.mu.Unlock()
	if lt.lastSeen.IsZero() {
		return 0
	}
	return time.Since(lt.lastSeen)
}
