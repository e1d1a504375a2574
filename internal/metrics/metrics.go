package metrics

import (
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// API metrics
	apiRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "chapterforge_api_request_duration_seconds",
			Help:    "Model API request duration in seconds by model",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 10), // 0.1s to ~100s
		},
		[]string{"model", "status"},
	)

	rateLimiterWaitDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "chapterforge_rate_limiter_wait_duration_seconds",
			Help:    "Rate limiter wait duration in seconds by model",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 15), // 1ms to ~32s
		},
		[]string{"model"},
	)

	// Cache metrics
	cacheLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chapterforge_cache_lookups_total",
			Help: "Execution cache lookups by result",
		},
		[]string{"result"}, // "hit", "miss", "low_quality"
	)

	cacheEvictions = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chapterforge_cache_evictions_total",
			Help: "Execution cache entries removed by eviction",
		},
	)

	// Generation metrics
	sceneOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chapterforge_scenes_total",
			Help: "Scenes processed by outcome",
		},
		[]string{"outcome"}, // "generated", "cached", "failed"
	)

	activeSessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "chapterforge_active_sessions",
			Help: "Number of chapter generation sessions in flight",
		},
	)

	sessionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "chapterforge_session_duration_seconds",
			Help:    "Chapter generation session duration by terminal state",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12), // 1s to ~1h
		},
		[]string{"state"},
	)

	// Summary metrics
	summaryJobs = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chapterforge_summary_jobs_total",
			Help: "Summary jobs by scope and status",
		},
		[]string{"scope", "status"}, // status: "completed", "retried", "parked"
	)
)

// Collector provides convenience methods for recording metrics.
// A nil *Collector is valid and records nothing.
type Collector struct {
	logger *slog.Logger
}

// NewCollector creates a new metrics collector
func NewCollector(logger *slog.Logger) *Collector {
	return &Collector{
		logger: logger,
	}
}

func statusLabel(success bool) string {
	if success {
		return "success"
	}
	return "error"
}

// RecordAPIRequest records a model request duration
func (c *Collector) RecordAPIRequest(model string, duration time.Duration, success bool) {
	if c == nil {
		return
	}
	apiRequestDuration.WithLabelValues(model, statusLabel(success)).Observe(duration.Seconds())
}

// RecordRateLimiterWait records rate limiter wait time
func (c *Collector) RecordRateLimiterWait(model string, duration time.Duration) {
	if c == nil {
		return
	}
	rateLimiterWaitDuration.WithLabelValues(model).Observe(duration.Seconds())
}

// RecordCacheLookup counts one execution cache lookup
func (c *Collector) RecordCacheLookup(result string) {
	if c == nil {
		return
	}
	cacheLookups.WithLabelValues(result).Inc()
}

// RecordEvictions counts evicted cache entries
func (c *Collector) RecordEvictions(n int) {
	if c == nil || n <= 0 {
		return
	}
	cacheEvictions.Add(float64(n))
	c.logger.Debug("Cache entries evicted", "count", n)
}

// RecordScene counts a processed scene
func (c *Collector) RecordScene(outcome string) {
	if c == nil {
		return
	}
	sceneOutcomes.WithLabelValues(outcome).Inc()
}

// SessionStarted marks a session as in flight and returns a func that ends it
func (c *Collector) SessionStarted() func(state string) {
	if c == nil {
		return func(string) {}
	}
	start := time.Now()
	activeSessions.Inc()
	return func(state string) {
		activeSessions.Dec()
		sessionDuration.WithLabelValues(state).Observe(time.Since(start).Seconds())
	}
}

// RecordSummaryJob counts a summary job transition
func (c *Collector) RecordSummaryJob(scope, status string) {
	if c == nil {
		return
	}
	summaryJobs.WithLabelValues(scope, status).Inc()
}
