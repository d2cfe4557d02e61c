// Package metrics provides Prometheus instrumentation for the Sentinel risk engine.
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
			Namespace: "sentinel",
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, path pattern, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency by method and path.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "sentinel",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// EvaluationsTotal counts risk evaluations by final decision.
	EvaluationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sentinel",
			Name:      "evaluations_total",
			Help:      "Total risk evaluations by decision.",
		},
		[]string{"decision"},
	)

	// EvaluationDuration observes end-to-end evaluation latency.
	// Buckets are tuned around the 100ms P95 SLA.
	EvaluationDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "sentinel",
		Name:      "evaluation_duration_seconds",
		Help:      "End-to-end risk evaluation duration in seconds.",
		Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.075, 0.095, 0.1, 0.25, 0.5},
	})

	// EngineDuration observes per-engine latency within an evaluation.
	EngineDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "sentinel",
		Name:      "engine_duration_seconds",
		Help:      "Per-engine evaluation duration in seconds.",
		Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.04, 0.05, 0.075, 0.1},
	}, []string{"engine"})

	// EngineDegradedTotal counts engines that timed out or errored and were
	// replaced by a neutral contribution.
	EngineDegradedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sentinel",
		Name:      "engine_degraded_total",
		Help:      "Total engine degradations (timeout or error) by engine.",
	}, []string{"engine"})

	// FailOpenTotal counts evaluations that hit the fail-open terminal state.
	FailOpenTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "sentinel",
		Name:      "fail_open_total",
		Help:      "Total evaluations resolved by the fail-open default.",
	})

	// BlockOverridesTotal counts decisions forced to block by a block-action rule.
	BlockOverridesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "sentinel",
		Name:      "block_overrides_total",
		Help:      "Total decisions forced to block by a block-action rule.",
	})

	// CacheHitsTotal counts signal cache hits by key kind.
	CacheHitsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sentinel",
		Name:      "signal_cache_hits_total",
		Help:      "Signal cache hits by key kind.",
	}, []string{"kind"})

	// CacheMissesTotal counts signal cache misses by key kind.
	CacheMissesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sentinel",
		Name:      "signal_cache_misses_total",
		Help:      "Signal cache misses by key kind.",
	}, []string{"kind"})

	// SnapshotReloadsTotal counts rule snapshot / model registry reloads by result.
	SnapshotReloadsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sentinel",
		Name:      "snapshot_reloads_total",
		Help:      "Rule snapshot and model registry reload attempts by kind and result.",
	}, []string{"kind", "result"})

	// ActiveWebSocketClients tracks connected review-feed WebSocket clients.
	ActiveWebSocketClients = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "sentinel",
			Name:      "active_websocket_clients",
			Help:      "Number of currently connected WebSocket clients.",
		},
	)

	// DBOpenConnections tracks open database connections.
	DBOpenConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "sentinel", Name: "db_open_connections",
		Help: "Number of open database connections.",
	})
	// DBInUseConnections tracks in-use database connections.
	DBInUseConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "sentinel", Name: "db_in_use_connections",
		Help: "Number of in-use database connections.",
	})
	// GoroutineCount tracks the current number of goroutines.
	GoroutineCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "sentinel", Name: "goroutines",
		Help: "Current number of goroutines.",
	})
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		EvaluationsTotal,
		EvaluationDuration,
		EngineDuration,
		EngineDegradedTotal,
		FailOpenTotal,
		BlockOverridesTotal,
		CacheHitsTotal,
		CacheMissesTotal,
		SnapshotReloadsTotal,
		ActiveWebSocketClients,
		DBOpenConnections,
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
