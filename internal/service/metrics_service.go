package service

import (
	"net/http"
	"runtime"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/noah-isme/sma-performance-api/internal/models"
)

const metricsNamespace = "sma_performance"

// MetricsService owns the Prometheus registry and keeps a handful of plain
// counters alongside it so the admin API can return a summary without
// scraping the registry.
type MetricsService struct {
	registry *prometheus.Registry
	handler  http.Handler

	httpDuration      *prometheus.HistogramVec
	httpTotal         *prometheus.CounterVec
	cacheLookup       prometheus.Histogram
	cacheWrite        prometheus.Histogram
	cacheHitRatio     prometheus.Gauge
	cacheHits         prometheus.Counter
	cacheMisses       prometheus.Counter
	dbDuration        *prometheus.HistogramVec
	recomputeDuration *prometheus.HistogramVec
	recomputeFailures *prometheus.CounterVec

	counters struct {
		cacheHits   atomic.Uint64
		cacheMisses atomic.Uint64
		requests    atomic.Uint64
		requestNs   atomic.Uint64
		dbQueries   atomic.Uint64
		dbQueryNs   atomic.Uint64
		recomputes  atomic.Uint64
	}
}

// NewMetricsService builds an isolated registry so tests can construct
// multiple instances without duplicate-collector panics.
func NewMetricsService() *MetricsService {
	m := &MetricsService{registry: prometheus.NewRegistry()}

	m.httpDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: metricsNamespace,
		Name:      "http_request_duration_seconds",
		Help:      "HTTP request latency by method, route and status.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method", "path", "status"})
	m.httpTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Name:      "http_requests_total",
		Help:      "HTTP requests served.",
	}, []string{"method", "path", "status"})
	m.cacheLookup = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: metricsNamespace,
		Name:      "cache_lookup_seconds",
		Help:      "Latency of snapshot cache lookups.",
		Buckets:   prometheus.DefBuckets,
	})
	m.cacheWrite = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: metricsNamespace,
		Name:      "cache_write_seconds",
		Help:      "Latency of snapshot cache writes.",
		Buckets:   prometheus.DefBuckets,
	})
	m.cacheHitRatio = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: metricsNamespace,
		Name:      "cache_hit_ratio",
		Help:      "Hits over total lookups since process start.",
	})
	m.cacheHits = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Name:      "cache_hits_total",
		Help:      "Snapshot cache hits.",
	})
	m.cacheMisses = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Name:      "cache_misses_total",
		Help:      "Snapshot cache misses.",
	})
	m.dbDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: metricsNamespace,
		Name:      "db_query_duration_seconds",
		Help:      "Database query latency by label.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"query"})
	m.recomputeDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: metricsNamespace,
		Name:      "recompute_duration_seconds",
		Help:      "Wall time of one aggregate recompute job by job type.",
		Buckets:   []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30},
	}, []string{"job"})
	m.recomputeFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Name:      "recompute_failures_total",
		Help:      "Recompute jobs that returned an error.",
	}, []string{"job"})

	goroutines := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: metricsNamespace,
		Name:      "goroutines",
		Help:      "Live goroutines.",
	}, func() float64 { return float64(runtime.NumGoroutine()) })

	m.registry.MustRegister(
		m.httpDuration, m.httpTotal,
		m.cacheLookup, m.cacheWrite, m.cacheHitRatio, m.cacheHits, m.cacheMisses,
		m.dbDuration, m.recomputeDuration, m.recomputeFailures,
		goroutines,
	)
	m.handler = promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
	return m
}

// Handler exposes the scrape endpoint for this registry.
func (m *MetricsService) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
		})
	}
	return m.handler
}

// ObserveHTTPRequest records one served request.
func (m *MetricsService) ObserveHTTPRequest(method, path string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	code := strconv.Itoa(status)
	m.httpDuration.WithLabelValues(method, path, code).Observe(duration.Seconds())
	m.httpTotal.WithLabelValues(method, path, code).Inc()
	m.counters.requests.Add(1)
	m.counters.requestNs.Add(uint64(duration.Nanoseconds()))
}

// RecordCacheOperation records one cache lookup and refreshes the hit ratio.
func (m *MetricsService) RecordCacheOperation(hit bool, duration time.Duration) {
	if m == nil {
		return
	}
	m.cacheLookup.Observe(duration.Seconds())
	if hit {
		m.cacheHits.Inc()
		m.counters.cacheHits.Add(1)
	} else {
		m.cacheMisses.Inc()
		m.counters.cacheMisses.Add(1)
	}
	if total := m.counters.cacheHits.Load() + m.counters.cacheMisses.Load(); total > 0 {
		m.cacheHitRatio.Set(float64(m.counters.cacheHits.Load()) / float64(total))
	}
}

// ObserveCacheWrite records one cache write.
func (m *MetricsService) ObserveCacheWrite(duration time.Duration) {
	if m == nil {
		return
	}
	m.cacheWrite.Observe(duration.Seconds())
}

// ObserveDBQuery records one database query under the given label.
func (m *MetricsService) ObserveDBQuery(label string, duration time.Duration) {
	if m == nil {
		return
	}
	m.dbDuration.WithLabelValues(label).Observe(duration.Seconds())
	m.counters.dbQueries.Add(1)
	m.counters.dbQueryNs.Add(uint64(duration.Nanoseconds()))
}

// ObserveRecompute records the outcome of one aggregate recompute job.
func (m *MetricsService) ObserveRecompute(job string, duration time.Duration, err error) {
	if m == nil {
		return
	}
	m.recomputeDuration.WithLabelValues(job).Observe(duration.Seconds())
	m.counters.recomputes.Add(1)
	if err != nil {
		m.recomputeFailures.WithLabelValues(job).Inc()
	}
}

// Snapshot returns the plain-counter summary for the admin API.
func (m *MetricsService) Snapshot() models.SystemMetrics {
	if m == nil {
		return models.SystemMetrics{}
	}
	hits := m.counters.cacheHits.Load()
	misses := m.counters.cacheMisses.Load()
	requests := m.counters.requests.Load()
	dbQueries := m.counters.dbQueries.Load()

	snapshot := models.SystemMetrics{
		CacheHits:     hits,
		CacheMisses:   misses,
		RequestsTotal: requests,
		DBQueryCount:  dbQueries,
		Recomputes:    m.counters.recomputes.Load(),
		Goroutines:    runtime.NumGoroutine(),
		GeneratedAt:   time.Now().UTC(),
	}
	if total := hits + misses; total > 0 {
		snapshot.CacheHitRatio = float64(hits) / float64(total)
	}
	if requests > 0 {
		snapshot.AverageRequestDurationMs = float64(m.counters.requestNs.Load()) / float64(requests) / float64(time.Millisecond)
	}
	if dbQueries > 0 {
		snapshot.AverageDBQueryDurationMs = float64(m.counters.dbQueryNs.Load()) / float64(dbQueries) / float64(time.Millisecond)
	}
	return snapshot
}
