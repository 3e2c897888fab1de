// Package metrics provides Prometheus instrumentation for the payment
// risk pipeline.
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
			Namespace: "riskpipeline",
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, path pattern, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency by method and path.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "riskpipeline",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// EventsIngestedTotal counts payment events consumed from the source,
	// by event type.
	EventsIngestedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "riskpipeline",
			Name:      "events_ingested_total",
			Help:      "Total payment events ingested, by event type.",
		},
		[]string{"event_type"},
	)

	// EventsPoisonedTotal counts poison events that the consumer logged
	// and dropped instead of passing them into the pipeline.
	EventsPoisonedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "riskpipeline",
		Name:      "events_poisoned_total",
		Help:      "Total malformed events rejected before aggregation.",
	})

	// AlertsGeneratedTotal counts risk alerts emitted, by level.
	AlertsGeneratedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "riskpipeline",
			Name:      "alerts_generated_total",
			Help:      "Total risk alerts generated, by severity level.",
		},
		[]string{"level"},
	)

	// SignalTriggeredTotal counts how often each individual signal fires.
	SignalTriggeredTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "riskpipeline",
			Name:      "signal_triggered_total",
			Help:      "Total times each risk signal was triggered.",
		},
		[]string{"signal"},
	)

	// AlertsDroppedTotal counts alerts dropped because the publisher's
	// intake queue (label "intake") or a subscriber's channel (label: the
	// subscriber name) was full.
	AlertsDroppedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "riskpipeline",
			Name:      "alerts_dropped_total",
			Help:      "Total alerts dropped by a full subscriber channel, by subscriber kind.",
		},
		[]string{"subscriber"},
	)

	// WebhookDeliveriesTotal counts webhook delivery attempts by result.
	WebhookDeliveriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "riskpipeline",
			Name:      "webhook_deliveries_total",
			Help:      "Total webhook deliveries by result.",
		},
		[]string{"result"},
	)

	// WebhookDeliveryDuration observes webhook delivery latency.
	WebhookDeliveryDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "riskpipeline",
		Name:      "webhook_delivery_duration_seconds",
		Help:      "Webhook delivery attempt duration in seconds.",
		Buckets:   prometheus.DefBuckets,
	})

	// WebhookCircuitOpenTotal counts the number of times a subscriber's
	// circuit breaker trips open.
	WebhookCircuitOpenTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "riskpipeline",
		Name:      "webhook_circuit_open_total",
		Help:      "Total times a webhook subscriber circuit breaker opened.",
	})

	// ActiveWebSocketClients tracks connected live-alert-feed clients.
	ActiveWebSocketClients = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "riskpipeline",
			Name:      "active_websocket_clients",
			Help:      "Number of currently connected live alert feed clients.",
		},
	)

	// WindowEntitiesTracked is registered for the number of distinct
	// entities with a live rolling window. Nothing in this repository sets
	// it, so it always reports 0.
	WindowEntitiesTracked = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "riskpipeline",
		Name:      "window_entities_tracked",
		Help:      "Number of distinct entities with an active rolling window.",
	})

	// DBOpenConnections tracks open database connections.
	DBOpenConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "riskpipeline", Name: "db_open_connections",
		Help: "Number of open database connections.",
	})
	// DBIdleConnections tracks idle database connections.
	DBIdleConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "riskpipeline", Name: "db_idle_connections",
		Help: "Number of idle database connections.",
	})
	// DBInUseConnections tracks in-use database connections.
	DBInUseConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "riskpipeline", Name: "db_in_use_connections",
		Help: "Number of in-use database connections.",
	})
	// DBWaitCount tracks the total number of connections waited for.
	DBWaitCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "riskpipeline", Name: "db_wait_count_total",
		Help: "Total number of connections waited for.",
	})
	// DBWaitDuration tracks total time waited for connections.
	DBWaitDuration = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "riskpipeline", Name: "db_wait_duration_seconds_total",
		Help: "Total time waited for connections in seconds.",
	})
	// GoroutineCount tracks the current number of goroutines.
	GoroutineCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "riskpipeline", Name: "goroutines",
		Help: "Current number of goroutines.",
	})
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		EventsIngestedTotal,
		EventsPoisonedTotal,
		AlertsGeneratedTotal,
		SignalTriggeredTotal,
		AlertsDroppedTotal,
		WebhookDeliveriesTotal,
		WebhookDeliveryDuration,
		WebhookCircuitOpenTotal,
		ActiveWebSocketClients,
		WindowEntitiesTracked,
		DBOpenConnections,
		DBIdleConnections,
		DBInUseConnections,
		DBWaitCount,
		DBWaitDuration,
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
			DBWaitCount.Set(float64(stats.WaitCount))
			DBWaitDuration.Set(stats.WaitDuration.Seconds())
			GoroutineCount.Set(float64(runtime.NumGoroutine()))
		}
	}
}

// Middleware returns a gin middleware that records request metrics.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		timer := prometheus.NewTimer(HTTPRequestDuration.WithLabelValues(
			c.Request.Method,
			c.FullPath(), // route pattern, not actual path — avoids cardinality explosion
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
