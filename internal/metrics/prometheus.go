package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the sync engine.
type Metrics struct {
	// Queue metrics
	OperationsEnqueuedTotal  *prometheus.CounterVec
	OperationsCompletedTotal prometheus.Counter
	OperationsFailedTotal    prometheus.Counter
	OperationsCancelledTotal prometheus.Counter
	OperationsMergedTotal    prometheus.Counter
	OperationRetriesTotal    prometheus.Counter
	QueueDepth               prometheus.Gauge

	// Sync cycle metrics
	SyncCyclesTotal        prometheus.Counter
	SyncCycleDuration      prometheus.Histogram
	SyncBatchesTotal       prometheus.Counter
	OperationApplyDuration prometheus.Histogram

	// Conflict metrics
	ConflictsDetectedTotal     prometheus.Counter
	ConflictsAutoResolvedTotal prometheus.Counter
	ConflictsResolvedTotal     prometheus.Counter

	// Version metrics
	VersionsCreatedTotal prometheus.Counter
	VersionCacheHits     prometheus.Counter
	VersionCacheMisses   prometheus.Counter

	// Network metrics
	NetworkReliability prometheus.Gauge
	NetworkProbesTotal *prometheus.CounterVec

	// Snapshot metrics
	SnapshotWritesTotal            prometheus.Counter
	SnapshotIntegrityFailuresTotal prometheus.Counter
}

// New creates and registers all sync engine metrics with the given
// registerer (pass prometheus.DefaultRegisterer in production).
func New(reg prometheus.Registerer, clientID string) *Metrics {
	factory := promauto.With(reg)
	labels := prometheus.Labels{"client_id": clientID}

	return &Metrics{
		OperationsEnqueuedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "cardall",
			Subsystem:   "queue",
			Name:        "operations_enqueued_total",
			Help:        "Total number of operations enqueued, by kind",
			ConstLabels: labels,
		}, []string{"kind"}),
		OperationsCompletedTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   "cardall",
			Subsystem:   "queue",
			Name:        "operations_completed_total",
			Help:        "Total number of operations completed",
			ConstLabels: labels,
		}),
		OperationsFailedTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   "cardall",
			Subsystem:   "queue",
			Name:        "operations_failed_total",
			Help:        "Total number of operations terminally failed",
			ConstLabels: labels,
		}),
		OperationsCancelledTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   "cardall",
			Subsystem:   "queue",
			Name:        "operations_cancelled_total",
			Help:        "Total number of operations cancelled",
			ConstLabels: labels,
		}),
		OperationsMergedTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   "cardall",
			Subsystem:   "queue",
			Name:        "operations_merged_total",
			Help:        "Total number of same-entity operations collapsed by the optimizer",
			ConstLabels: labels,
		}),
		OperationRetriesTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   "cardall",
			Subsystem:   "queue",
			Name:        "operation_retries_total",
			Help:        "Total number of retry transitions",
			ConstLabels: labels,
		}),
		QueueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   "cardall",
			Subsystem:   "queue",
			Name:        "depth",
			Help:        "Number of operations awaiting sync",
			ConstLabels: labels,
		}),

		SyncCyclesTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   "cardall",
			Subsystem:   "sync",
			Name:        "cycles_total",
			Help:        "Total number of sync cycles run",
			ConstLabels: labels,
		}),
		SyncCycleDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace:   "cardall",
			Subsystem:   "sync",
			Name:        "cycle_duration_seconds",
			Help:        "Histogram of sync cycle durations",
			ConstLabels: labels,
			Buckets:     prometheus.DefBuckets,
		}),
		SyncBatchesTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   "cardall",
			Subsystem:   "sync",
			Name:        "batches_total",
			Help:        "Total number of batches executed",
			ConstLabels: labels,
		}),
		OperationApplyDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace:   "cardall",
			Subsystem:   "sync",
			Name:        "operation_apply_duration_seconds",
			Help:        "Histogram of remote apply durations",
			ConstLabels: labels,
			Buckets:     prometheus.DefBuckets,
		}),

		ConflictsDetectedTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   "cardall",
			Subsystem:   "conflict",
			Name:        "detected_total",
			Help:        "Total number of conflicts detected",
			ConstLabels: labels,
		}),
		ConflictsAutoResolvedTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   "cardall",
			Subsystem:   "conflict",
			Name:        "auto_resolved_total",
			Help:        "Total number of conflicts resolved automatically",
			ConstLabels: labels,
		}),
		ConflictsResolvedTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   "cardall",
			Subsystem:   "conflict",
			Name:        "resolved_total",
			Help:        "Total number of conflicts resolved (any path)",
			ConstLabels: labels,
		}),

		VersionsCreatedTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   "cardall",
			Subsystem:   "version",
			Name:        "created_total",
			Help:        "Total number of versions created",
			ConstLabels: labels,
		}),
		VersionCacheHits: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   "cardall",
			Subsystem:   "version",
			Name:        "cache_hits_total",
			Help:        "Total number of version cache hits",
			ConstLabels: labels,
		}),
		VersionCacheMisses: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   "cardall",
			Subsystem:   "version",
			Name:        "cache_misses_total",
			Help:        "Total number of version cache misses",
			ConstLabels: labels,
		}),

		NetworkReliability: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   "cardall",
			Subsystem:   "network",
			Name:        "reliability",
			Help:        "Last assessed network reliability (0-1)",
			ConstLabels: labels,
		}),
		NetworkProbesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "cardall",
			Subsystem:   "network",
			Name:        "probes_total",
			Help:        "Total number of active stability probes, by result",
			ConstLabels: labels,
		}, []string{"result"}),

		SnapshotWritesTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   "cardall",
			Subsystem:   "snapshot",
			Name:        "writes_total",
			Help:        "Total number of state snapshots written",
			ConstLabels: labels,
		}),
		SnapshotIntegrityFailuresTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   "cardall",
			Subsystem:   "snapshot",
			Name:        "integrity_failures_total",
			Help:        "Total number of snapshot loads rejected by integrity checks",
			ConstLabels: labels,
		}),
	}
}

// NewNop returns metrics registered against a throwaway registry, for tests.
func NewNop() *Metrics {
	return New(prometheus.NewRegistry(), "test")
}
