// Package metrics exposes Prometheus collectors for the storage and sync
// engine.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "drift"

var (
	writesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "storage",
			Name:      "writes_total",
			Help:      "Committed writes by model, mutation type and initiator",
		},
		[]string{"model", "mutation", "initiator"},
	)

	writeErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "storage",
			Name:      "write_errors_total",
			Help:      "Failed writes by model and error kind",
		},
		[]string{"model", "kind"},
	)

	writeDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "storage",
			Name:      "write_duration_seconds",
			Help:      "Time spent executing a write on the worker pool",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 14),
		},
		[]string{"operation"},
	)

	cascadeSize = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "storage",
			Name:      "cascade_descendants",
			Help:      "Descendant records removed by one delete",
			Buckets:   []float64{0, 1, 2, 5, 10, 25, 50, 100, 250, 1000},
		},
	)

	poolInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "storage",
			Name:      "pool_in_flight",
			Help:      "Writes currently executing on the worker pool",
		},
	)

	outboxDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "outbox_depth",
			Help:      "Pending local mutations waiting to be published",
		},
	)

	publishTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "publish_total",
			Help:      "Outbox publication outcomes by model and result",
		},
		[]string{"model", "result"},
	)

	mergeTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "merge_total",
			Help:      "Remote records considered for merge by model and outcome",
		},
		[]string{"model", "outcome"},
	)

	liveSnapshots = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "livequery",
			Name:      "snapshots_total",
			Help:      "Snapshots delivered to live query subscribers",
		},
		[]string{"model", "reason"},
	)

	liveActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "livequery",
			Name:      "active",
			Help:      "Live queries currently streaming",
		},
	)
)

// Publish outcomes.
const (
	ResultSuccess  = "success"
	ResultConflict = "conflict"
	ResultRetry    = "retry"
	ResultFailed   = "failed"
)

// Merge outcomes.
const (
	MergeApplied      = "applied"
	MergeStale        = "stale"
	MergeMetadataOnly = "metadata_only"
	MergeSkipped      = "skipped"
)

// Snapshot reasons.
const (
	SnapshotInitial   = "initial"
	SnapshotThreshold = "threshold"
	SnapshotTimer     = "timer"
)

func ObserveWrite(model, mutation, initiator string) {
	writesTotal.WithLabelValues(model, mutation, initiator).Inc()
}

func ObserveWriteError(model, kind string) {
	writeErrors.WithLabelValues(model, kind).Inc()
}

func ObserveWriteDuration(operation string, d time.Duration) {
	writeDuration.WithLabelValues(operation).Observe(d.Seconds())
}

func ObserveCascade(descendants int) {
	cascadeSize.Observe(float64(descendants))
}

func PoolAcquired() { poolInFlight.Inc() }
func PoolReleased() { poolInFlight.Dec() }

func SetOutboxDepth(n int) {
	outboxDepth.Set(float64(n))
}

func ObservePublish(model, result string) {
	publishTotal.WithLabelValues(model, result).Inc()
}

func ObserveMerge(model, outcome string) {
	mergeTotal.WithLabelValues(model, outcome).Inc()
}

func ObserveSnapshot(model, reason string) {
	liveSnapshots.WithLabelValues(model, reason).Inc()
}

func LiveQueryStarted() { liveActive.Inc() }
func LiveQueryStopped() { liveActive.Dec() }

// Handler serves the default registry in the Prometheus text format.
func Handler() http.Handler {
	return promhttp.Handler()
}
