// Package metrics provides Prometheus instrumentation for the platform.
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
			Namespace: "ustaplace",
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, path pattern, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency by method and path.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "ustaplace",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// EscrowTransitionsTotal counts escrow lifecycle transitions by operation.
	EscrowTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ustaplace",
			Name:      "escrow_transitions_total",
			Help:      "Total escrow lifecycle transitions by operation.",
		},
		[]string{"operation"},
	)

	// EscrowConflictsTotal counts optimistic-concurrency conflicts on escrow writes.
	EscrowConflictsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "ustaplace",
		Name:      "escrow_conflicts_total",
		Help:      "Total escrow updates that hit a version conflict and were retried.",
	})

	// DepositChargesTotal counts deposit charge attempts by result.
	DepositChargesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ustaplace",
			Name:      "deposit_charges_total",
			Help:      "Total deposit charge attempts by result.",
		},
		[]string{"result"},
	)

	// NotificationsTotal counts emitted notifications by kind.
	NotificationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ustaplace",
			Name:      "notifications_total",
			Help:      "Total notifications emitted by kind.",
		},
		[]string{"kind"},
	)

	// SignalingPeersConnected tracks peers connected to the signaling hub.
	SignalingPeersConnected = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "ustaplace",
			Name:      "signaling_peers_connected",
			Help:      "Number of peers currently connected to the signaling hub.",
		},
	)

	// SignalingMessagesTotal counts relayed signaling messages by type.
	SignalingMessagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ustaplace",
			Name:      "signaling_messages_total",
			Help:      "Total signaling messages relayed by type.",
		},
		[]string{"type"},
	)

	// CallSessionsTotal counts call sessions by how they ended.
	CallSessionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ustaplace",
			Name:      "call_sessions_total",
			Help:      "Total call sessions by outcome.",
		},
		[]string{"outcome"},
	)

	// DBOpenConnections tracks open database connections.
	DBOpenConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "ustaplace", Name: "db_open_connections",
		Help: "Number of open database connections.",
	})
	// DBIdleConnections tracks idle database connections.
	DBIdleConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "ustaplace", Name: "db_idle_connections",
		Help: "Number of idle database connections.",
	})
	// DBInUseConnections tracks in-use database connections.
	DBInUseConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "ustaplace", Name: "db_in_use_connections",
		Help: "Number of in-use database connections.",
	})
	// GoroutineCount tracks the current number of goroutines.
	GoroutineCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "ustaplace", Name: "goroutines",
		Help: "Current number of goroutines.",
	})
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		EscrowTransitionsTotal,
		EscrowConflictsTotal,
		DepositChargesTotal,
		NotificationsTotal,
		SignalingPeersConnected,
		SignalingMessagesTotal,
		CallSessionsTotal,
		DBOpenConnections,
		DBIdleConnections,
		DBInUseConnections,
		GoroutineCount,
	)
}

// StartDBStatsCollector periodically samples sql.DBStats and runtime
// goroutine count into Prometheus gauges. Call in a goroutine; exits when
// ctx is done.
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
			c.FullPath(), // Route pattern, not actual path (avoids cardinality explosion)
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

// Handler returns the Prometheus metrics HTTP handler for /metrics.
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
