// Package metrics exposes Prometheus collectors for the harvester service.
package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	runsTotal             *prometheus.CounterVec
	runDurationSeconds    *prometheus.HistogramVec
	activeRuns            prometheus.Gauge
	fetchRequestsTotal    *prometheus.CounterVec
	fetchSkippedTotal     *prometheus.CounterVec
	cacheHitsTotal        *prometheus.CounterVec
	rateLimitDelaySeconds *prometheus.HistogramVec
	breakerState          *prometheus.GaugeVec
	recordsStoredTotal    *prometheus.CounterVec

	once sync.Once
)

// Init registers the collectors. Safe to call more than once.
func Init() {
	once.Do(func() {
		runsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvester_runs_total",
				Help: "Total pipeline runs, labeled by source and outcome.",
			},
			[]string{"source", "status"},
		)

		runDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "harvester_run_duration_seconds",
				Help:    "Wall time of a full pipeline run.",
				Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
			},
			[]string{"source"},
		)

		activeRuns = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "harvester_active_runs",
				Help: "Number of pipeline runs currently in flight.",
			},
		)

		fetchRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvester_fetch_requests_total",
				Help: "HTTP requests issued, labeled by source and status code.",
			},
			[]string{"source", "code"},
		)

		fetchSkippedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvester_fetch_skipped_total",
				Help: "Fetches not attempted because the circuit breaker was open.",
			},
			[]string{"source"},
		)

		cacheHitsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvester_cache_hits_total",
				Help: "Fetches served from the response cache.",
			},
			[]string{"source"},
		)

		rateLimitDelaySeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "harvester_rate_limit_delay_seconds",
				Help:    "Delay imposed by the adaptive rate limiter.",
				Buckets: prometheus.ExponentialBuckets(0.05, 2, 10),
			},
			[]string{"source"},
		)

		breakerState = promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "harvester_breaker_state",
				Help: "Circuit breaker state per source (0 closed, 1 half-open, 2 open).",
			},
			[]string{"source"},
		)

		recordsStoredTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvester_records_stored_total",
				Help: "Records written to storage, labeled by table.",
			},
			[]string{"table"},
		)
	})
}

// Handler returns the /metrics endpoint handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// IncRun counts one finished pipeline run.
func IncRun(source, status string) {
	if runsTotal != nil {
		runsTotal.WithLabelValues(source, status).Inc()
	}
}

// ObserveRunDuration records the wall time of a pipeline run.
func ObserveRunDuration(source string, d time.Duration) {
	if runDurationSeconds != nil {
		runDurationSeconds.WithLabelValues(source).Observe(d.Seconds())
	}
}

// RunStarted marks a run in flight; the returned func marks it finished.
func RunStarted() func() {
	if activeRuns == nil {
		return func() {}
	}
	activeRuns.Inc()
	return activeRuns.Dec
}

// IncFetchRequest counts one issued HTTP request.
func IncFetchRequest(source, code string) {
	if fetchRequestsTotal != nil {
		fetchRequestsTotal.WithLabelValues(source, code).Inc()
	}
}

// IncFetchSkipped counts a breaker-open fast-fail.
func IncFetchSkipped(source string) {
	if fetchSkippedTotal != nil {
		fetchSkippedTotal.WithLabelValues(source).Inc()
	}
}

// IncCacheHit counts a fetch served from cache.
func IncCacheHit(source string) {
	if cacheHitsTotal != nil {
		cacheHitsTotal.WithLabelValues(source).Inc()
	}
}

// ObserveRateLimitDelay records time spent waiting on the limiter.
func ObserveRateLimitDelay(source string, d time.Duration) {
	if rateLimitDelaySeconds != nil && d > time.Millisecond {
		rateLimitDelaySeconds.WithLabelValues(source).Observe(d.Seconds())
	}
}

// SetBreakerState publishes the breaker position for a source.
func SetBreakerState(source string, state string) {
	if breakerState == nil {
		return
	}
	var v float64
	switch state {
	case "half_open":
		v = 1
	case "open":
		v = 2
	}
	breakerState.WithLabelValues(source).Set(v)
}

// AddRecordsStored counts records written to a table.
func AddRecordsStored(table string, n int) {
	if recordsStoredTotal != nil {
		recordsStoredTotal.WithLabelValues(table).Add(float64(n))
	}
}
