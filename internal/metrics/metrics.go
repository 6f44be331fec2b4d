// Package metrics provides Prometheus instrumentation for accessd.
package metrics

import (
	"context"
	"database/sql"
	"runtime"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "accessd",
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, path pattern, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency by method and path.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "accessd",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// DecisionsTotal counts pipeline decisions by terminal outcome.
	DecisionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "accessd",
			Name:      "decisions_total",
			Help:      "Total access decisions by terminal outcome.",
		},
		[]string{"outcome"},
	)

	// DecisionDuration observes full-pipeline decision latency.
	DecisionDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "accessd",
		Name:      "decision_duration_seconds",
		Help:      "End-to-end decision pipeline latency in seconds.",
		Buckets:   []float64{.001, .0025, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
	})

	// MatchesTotal counts biometric match attempts by result.
	MatchesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "accessd",
			Name:      "matches_total",
			Help:      "Total biometric match attempts by result (hit, miss, error).",
		},
		[]string{"result"},
	)

	// MatchSimilarity observes the best similarity of each match attempt.
	MatchSimilarity = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "accessd",
		Name:      "match_best_similarity",
		Help:      "Best cosine similarity achieved per match attempt.",
		Buckets:   []float64{-1, 0, 0.25, 0.5, 0.7, 0.8, 0.85, 0.9, 0.95, 0.99, 1},
	})

	// EnrolledTemplates tracks the number of enrolled biometric templates.
	EnrolledTemplates = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "accessd",
		Name:      "enrolled_templates",
		Help:      "Number of currently enrolled biometric templates.",
	})

	// RiskScoresTotal counts risk assessments by action.
	RiskScoresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "accessd",
			Name:      "risk_scores_total",
			Help:      "Total risk assessments by resulting action.",
		},
		[]string{"action"},
	)

	// RiskModelLoaded reports whether a risk model is currently loaded (1/0).
	RiskModelLoaded = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "accessd",
		Name:      "risk_model_loaded",
		Help:      "Whether a risk model artifact is currently loaded (1) or the scorer is degraded (0).",
	})

	// RateLimitedTotal counts requests denied by the rate limiter.
	RateLimitedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "accessd",
		Name:      "rate_limited_total",
		Help:      "Total requests denied by the rate limiter.",
	})

	// RateLimitBackendErrors counts counter-store failures seen by the limiter.
	RateLimitBackendErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "accessd",
		Name:      "rate_limit_backend_errors_total",
		Help:      "Total counter store failures observed by the rate limiter.",
	})

	// UpstreamRequestsTotal counts proxied gateway requests by upstream and status bucket.
	UpstreamRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "accessd",
			Name:      "upstream_requests_total",
			Help:      "Total proxied requests by upstream service and status bucket.",
		},
		[]string{"upstream", "status"},
	)

	// DBOpenConnections tracks open database connections.
	DBOpenConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "accessd", Name: "db_open_connections",
		Help: "Number of open database connections.",
	})
	// DBIdleConnections tracks idle database connections.
	DBIdleConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "accessd", Name: "db_idle_connections",
		Help: "Number of idle database connections.",
	})
	// DBInUseConnections tracks in-use database connections.
	DBInUseConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "accessd", Name: "db_in_use_connections",
		Help: "Number of in-use database connections.",
	})
	// GoroutineCount tracks the current number of goroutines.
	GoroutineCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "accessd", Name: "goroutines",
		Help: "Current number of goroutines.",
	})
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		DecisionsTotal,
		DecisionDuration,
		MatchesTotal,
		MatchSimilarity,
		EnrolledTemplates,
		RiskScoresTotal,
		RiskModelLoaded,
		RateLimitedTotal,
		RateLimitBackendErrors,
		UpstreamRequestsTotal,
		DBOpenConnections,
		DBIdleConnections,
		DBInUseConnections,
		GoroutineCount,
	)
}

// StartDBStatsCollector periodically samples sql.DBStats and runtime goroutine
// count into Prometheus gauges. Call in a goroutine; exits when ctx is done.
func StartDBStatsCollector(ctx context.Context, db *sql.DB, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats := db.Stats()
			DBOpenConnections.Set(float64(stats.OpenConnections))
			DBIdleConnections.Set(float64(stats.Idle))
			DBInUseConnections.Set(float64(stats.InUse))
			GoroutineCount.Set(float64(runtime.NumGoroutine()))
		}
	}
}

// Middleware returns a gin middleware that records request metrics.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		timer := prometheus.NewTimer(HTTPRequestDuration.WithLabelValues(
			c.Request.Method,
			c.FullPath(), // Uses route pattern, not actual path (avoids cardinality explosion)
		))

		c.Next()

		timer.ObserveDuration()
		HTTPRequestsTotal.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			statusBucket(c.Writer.Status()),
		).Inc()
	}
}

// Handler returns the Prometheus metrics HTTP handler for /metrics endpoint.
func Handler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

// statusBucket groups HTTP status codes into buckets (2xx, 3xx, 4xx, 5xx).
func statusBucket(code int) string {
	switch {
	case code < 200:
		return "1xx"
	case code < 300:
		return "2xx"
	case code < 400:
		return "3xx"
	case code < 500:
		return "4xx"
	default:
		return "5xx"
	}
}
