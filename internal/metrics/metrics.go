// Package metrics exposes Prometheus series for the ingestion pipeline.
// Shape (a struct of *CounterVec/*GaugeVec/*HistogramVec fields, a single
// registry, Record*/Update* helper methods, a package-level Default() with
// sync.Once) follows the reference corpus's pkg/trader/metrics package.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// IngestionMetrics collects ingestion-pipeline Prometheus series.
type IngestionMetrics struct {
	registry *prometheus.Registry

	// Queue metrics
	QueueDepth     *prometheus.GaugeVec
	SlicesEnqueued *prometheus.CounterVec
	ClaimLatency   prometheus.Histogram
	RunsCompleted  *prometheus.CounterVec
	StuckRunsSwept prometheus.Counter

	// Provider metrics
	ProviderFetchLatency *prometheus.HistogramVec
	ProviderFetchErrors  *prometheus.CounterVec
	ProviderRowsFetched  *prometheus.CounterVec

	// Rate limiter metrics
	RateBucketTokens *prometheus.GaugeVec
	RateLimitBlocked *prometheus.CounterVec

	// Orchestrator metrics
	TickDuration prometheus.Histogram
	DefsScanned  prometheus.Gauge
	WorkersBusy  prometheus.Gauge
}

// New creates an IngestionMetrics collector with a fresh registry.
func New() *IngestionMetrics {
	registry := prometheus.NewRegistry()

	m := &IngestionMetrics{
		registry: registry,

		QueueDepth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "ingestor_queue_depth",
				Help: "Number of job runs currently in each status",
			},
			[]string{"status"},
		),
		SlicesEnqueued: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ingestor_slices_enqueued_total",
				Help: "Total number of slices enqueued",
			},
			[]string{"timeframe", "kind"},
		),
		ClaimLatency: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "ingestor_claim_latency_seconds",
				Help:    "Time spent in claim_next",
				Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
			},
		),
		RunsCompleted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ingestor_runs_completed_total",
				Help: "Total number of job runs reaching a terminal status",
			},
			[]string{"status", "provider"},
		),
		StuckRunsSwept: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "ingestor_stuck_runs_swept_total",
				Help: "Total number of runs marked failed by the stuck-run sweep",
			},
		),

		ProviderFetchLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "ingestor_provider_fetch_latency_seconds",
				Help:    "Provider fetch latency",
				Buckets: prometheus.ExponentialBuckets(0.01, 2, 14),
			},
			[]string{"provider"},
		),
		ProviderFetchErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ingestor_provider_fetch_errors_total",
				Help: "Total number of provider fetch errors",
			},
			[]string{"provider", "kind"},
		),
		ProviderRowsFetched: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ingestor_provider_rows_fetched_total",
				Help: "Total number of bar rows fetched",
			},
			[]string{"provider"},
		),

		RateBucketTokens: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "ingestor_rate_bucket_tokens",
				Help: "Projected token count in each provider's rate bucket",
			},
			[]string{"provider"},
		),
		RateLimitBlocked: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ingestor_rate_limit_blocked_total",
				Help: "Total number of take() calls that found no tokens available",
			},
			[]string{"provider"},
		),

		TickDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "ingestor_tick_duration_seconds",
				Help:    "Orchestrator tick duration",
				Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
			},
		),
		DefsScanned: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "ingestor_defs_scanned",
				Help: "Number of job definitions scanned in the most recent tick",
			},
		),
		WorkersBusy: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "ingestor_workers_busy",
				Help: "Number of workers dispatched in the most recent tick",
			},
		),
	}

	m.registerAll()
	return m
}

func (m *IngestionMetrics) registerAll() {
	m.registry.MustRegister(
		m.QueueDepth,
		m.SlicesEnqueued,
		m.ClaimLatency,
		m.RunsCompleted,
		m.StuckRunsSwept,
		m.ProviderFetchLatency,
		m.ProviderFetchErrors,
		m.ProviderRowsFetched,
		m.RateBucketTokens,
		m.RateLimitBlocked,
		m.TickDuration,
		m.DefsScanned,
		m.WorkersBusy,
	)
}

// Registry returns the underlying Prometheus registry, for mounting at
// /metrics.
func (m *IngestionMetrics) Registry() *prometheus.Registry {
	return m.registry
}

// RecordTick records one orchestrator tick's summary shape.
func (m *IngestionMetrics) RecordTick(durationSec float64, defsScanned, workersDispatched int) {
	m.TickDuration.Observe(durationSec)
	m.DefsScanned.Set(float64(defsScanned))
	m.WorkersBusy.Set(float64(workersDispatched))
}

// RecordRunTerminal records a run reaching success or failed.
func (m *IngestionMetrics) RecordRunTerminal(status, provider string) {
	m.RunsCompleted.WithLabelValues(status, provider).Inc()
}

// RecordProviderFetch records one adapter fetch attempt.
func (m *IngestionMetrics) RecordProviderFetch(provider string, latencySec float64, rows int, err error, errKind string) {
	m.ProviderFetchLatency.WithLabelValues(provider).Observe(latencySec)
	if err != nil {
		m.ProviderFetchErrors.WithLabelValues(provider, errKind).Inc()
		return
	}
	m.ProviderRowsFetched.WithLabelValues(provider).Add(float64(rows))
}

// RecordRateLimitBlocked records a take() call that found the bucket dry.
func (m *IngestionMetrics) RecordRateLimitBlocked(provider string) {
	m.RateLimitBlocked.WithLabelValues(provider).Inc()
}

// UpdateRateBucket reflects the projected token count for provider.
func (m *IngestionMetrics) UpdateRateBucket(provider string, tokens float64) {
	m.RateBucketTokens.WithLabelValues(provider).Set(tokens)
}

// UpdateQueueDepth reflects the current count of runs in a given status.
func (m *IngestionMetrics) UpdateQueueDepth(status string, count int) {
	m.QueueDepth.WithLabelValues(status).Set(float64(count))
}

var (
	defaultMetrics *IngestionMetrics
	once           sync.Once
)

// Default returns the process-wide metrics instance.
func Default() *IngestionMetrics {
	once.Do(func() {
		defaultMetrics = New()
	})
	return defaultMetrics
}
