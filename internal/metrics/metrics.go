// Package metrics provides Prometheus metrics for CostWatch.
// It tracks cache effectiveness, query orchestration, anomaly detection runs
// and the usage ingestion pipeline to measure hit ratios and latencies.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	namespace = "costwatch"
)

// Cache metrics track the aggregation cache.
var (
	// CacheHitsTotal counts cache reads served from a live entry.
	CacheHitsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_hits_total",
			Help:      "Total number of aggregation cache hits",
		},
		[]string{"kind"},
	)

	// CacheMissesTotal counts cache reads that found no live entry,
	// labeled by reason: absent, expired, io_error.
	CacheMissesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_misses_total",
			Help:      "Total number of aggregation cache misses",
		},
		[]string{"kind", "reason"},
	)

	// CacheEvictionsTotal counts entries removed by invalidation or cleanup.
	CacheEvictionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_evictions_total",
			Help:      "Total number of cache entries evicted",
		},
		[]string{"kind", "cause"}, // cause: invalidate, expired, purge
	)
)

// Query metrics track the cached query orchestrator.
var (
	// QueryFetchesTotal counts upstream fetches, labeled by trigger:
	// miss, refetch, background.
	QueryFetchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "query_fetches_total",
			Help:      "Total number of upstream fetches executed by the query runner",
		},
		[]string{"kind", "trigger"},
	)

	// QueryFetchLatency measures upstream fetch duration.
	QueryFetchLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "query_fetch_latency_seconds",
			Help:      "Duration of upstream fetches in seconds",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"kind"},
	)

	// QueryFetchErrorsTotal counts failed upstream fetches.
	QueryFetchErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "query_fetch_errors_total",
			Help:      "Total number of failed upstream fetches",
		},
		[]string{"kind"},
	)

	// BackgroundRefreshesTotal counts stale-entry refreshes started.
	BackgroundRefreshesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "background_refreshes_total",
			Help:      "Total number of background refreshes started for stale entries",
		},
		[]string{"kind"},
	)
)

// Detection metrics track the anomaly engine.
var (
	// DetectionRunsTotal counts detection runs, labeled by result:
	// success, failure, dropped.
	DetectionRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "detection_runs_total",
			Help:      "Total number of anomaly detection runs",
		},
		[]string{"result"},
	)

	// DetectionDuration measures the duration of a full detection run.
	DetectionDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "detection_duration_seconds",
			Help:      "Duration of a full anomaly detection run in seconds",
			Buckets:   []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		},
	)

	// AnomaliesDetectedTotal counts anomalies found, labeled by severity.
	AnomaliesDetectedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "anomalies_detected_total",
			Help:      "Total number of anomalies detected",
		},
		[]string{"severity"},
	)
)

// Ingest metrics track the usage ingestion pipeline.
var (
	// UsageReceivedTotal counts usage records received by the ingest API,
	// labeled by result: accepted, rejected.
	UsageReceivedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "usage_received_total",
			Help:      "Total number of usage records received",
		},
		[]string{"provider", "result"},
	)

	// UsageProcessedTotal counts usage records persisted by the processor.
	UsageProcessedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "usage_processed_total",
			Help:      "Total number of usage records processed",
		},
		[]string{"provider", "result"},
	)

	// QueuePublishLatency measures time to publish a record to the queue.
	QueuePublishLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "queue_publish_latency_seconds",
			Help:      "Time to publish a usage record to the queue in seconds",
			Buckets:   []float64{.0001, .0005, .001, .005, .01, .025, .05, .1},
		},
	)
)

// Storage metrics track disk usage and lifecycle maintenance.
var (
	// StorageUsedBytes reports the current storage footprint by category.
	StorageUsedBytes = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "storage_used_bytes",
			Help:      "Storage footprint in bytes by category",
		},
		[]string{"category"}, // billing, indexes, cache, other
	)

	// RetentionDeletesTotal counts items removed by retention cleanup.
	RetentionDeletesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retention_deletes_total",
			Help:      "Total number of items removed by retention cleanup",
		},
		[]string{"kind"}, // file, record
	)

	// PurgeRunsTotal counts full purge invocations by outcome.
	PurgeRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "purge_runs_total",
			Help:      "Total number of full purge runs",
		},
		[]string{"result"}, // success, partial
	)
)
