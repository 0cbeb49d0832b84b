// Package metrics provides Prometheus instrumentation for the Perimeter engine.
package metrics

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "perimeter",
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, path pattern, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency by method and path.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "perimeter",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// SecurityEventsTotal counts recorded security events by type.
	SecurityEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "perimeter",
			Name:      "security_events_total",
			Help:      "Total security events recorded by event type.",
		},
		[]string{"type"},
	)

	// SuspiciousActivitiesTotal counts flagged activities by type and severity.
	SuspiciousActivitiesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "perimeter",
			Name:      "suspicious_activities_total",
			Help:      "Total suspicious activities flagged by type and severity.",
		},
		[]string{"type", "severity"},
	)

	// BlockedRequestsTotal counts requests short-circuited by the guard.
	BlockedRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "perimeter",
			Name:      "blocked_requests_total",
			Help:      "Total requests rejected by the guard, by dimension.",
		},
		[]string{"dimension"},
	)

	// AlertDispatchesTotal counts handler invocations by handler and result.
	AlertDispatchesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "perimeter",
			Name:      "alert_dispatches_total",
			Help:      "Total alert handler invocations by handler and result.",
		},
		[]string{"handler", "result"},
	)

	// AlertQueueDrops counts activities dropped because the queue was full.
	AlertQueueDrops = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "perimeter",
			Name:      "alert_queue_drops_total",
			Help:      "Total alerts dropped due to a full dispatch queue.",
		},
	)

	// SweepEvictionsTotal counts records evicted by the retention sweeper.
	SweepEvictionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "perimeter",
			Name:      "sweep_evictions_total",
			Help:      "Total records evicted by the retention sweeper, by collection.",
		},
		[]string{"collection"},
	)

	// AttemptRecords tracks physically retained attempt records per dimension.
	AttemptRecords = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "perimeter",
			Name:      "attempt_records",
			Help:      "Currently retained attempt records by dimension.",
		},
		[]string{"dimension"},
	)

	// ActiveWebSocketClients tracks connected WebSocket clients.
	ActiveWebSocketClients = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "perimeter",
			Name:      "active_websocket_clients",
			Help:      "Number of currently connected WebSocket clients.",
		},
	)
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		SecurityEventsTotal,
		SuspiciousActivitiesTotal,
		BlockedRequestsTotal,
		AlertDispatchesTotal,
		AlertQueueDrops,
		SweepEvictionsTotal,
		AttemptRecords,
		ActiveWebSocketClients,
	)
}

// Middleware returns a gin middleware that records request metrics.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		timer := prometheus.NewTimer(HTTPRequestDuration.WithLabelValues(
			c.Request.Method,
			c.FullPath(), // route pattern, not the raw path (avoids cardinality explosion)
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
