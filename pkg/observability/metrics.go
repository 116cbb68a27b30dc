// Package observability exposes Prometheus metrics and health checks for the
// relay, served from the main API and the admin listener.
package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTP metrics
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentrelay_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "agentrelay_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// Message metrics
	messagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentrelay_messages_total",
			Help: "Total number of inbound user messages by transport",
		},
		[]string{"transport"},
	)

	// Orchestrator metrics
	runsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentrelay_orchestrator_runs_total",
			Help: "Total number of multi-step runs by final state",
		},
		[]string{"agent", "state"},
	)

	runDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "agentrelay_orchestrator_run_duration_seconds",
			Help:    "Multi-step run duration in seconds",
			Buckets: []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		},
		[]string{"agent"},
	)

	runIterations = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "agentrelay_orchestrator_iterations",
			Help:    "Decision steps taken per run",
			Buckets: prometheus.LinearBuckets(1, 1, 10),
		},
		[]string{"agent"},
	)

	parseFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentrelay_parse_failures_total",
			Help: "Model outputs that could not be parsed",
		},
		[]string{"phase"},
	)

	// Capability metrics
	capabilityCallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentrelay_capability_calls_total",
			Help: "Total number of provider and action executions",
		},
		[]string{"kind", "name", "status"},
	)

	capabilityCallDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "agentrelay_capability_call_duration_seconds",
			Help:    "Provider and action execution duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"kind", "name"},
	)

	// Hub metrics
	activeConnections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "agentrelay_active_connections",
			Help: "Number of active websocket connections",
		},
	)

	streamTimeoutsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "agentrelay_stream_timeouts_total",
			Help: "Streams completed by the inactivity timer",
		},
	)

	// Session metrics
	activeSessions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "agentrelay_active_sessions",
			Help: "Number of live sessions",
		},
	)

	sessionsExpiredTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "agentrelay_sessions_expired_total",
			Help: "Sessions removed by the expiry sweeper",
		},
	)

	initOnce sync.Once
)

// InitMetrics initializes Prometheus metrics
func InitMetrics() {
	initOnce.Do(func() {
		prometheus.MustRegister(
			httpRequestsTotal,
			httpRequestDuration,
			messagesTotal,
			runsTotal,
			runDuration,
			runIterations,
			parseFailuresTotal,
			capabilityCallsTotal,
			capabilityCallDuration,
			activeConnections,
			streamTimeoutsTotal,
			activeSessions,
			sessionsExpiredTotal,
		)
	})
}

// MetricsHandler returns an HTTP handler for Prometheus metrics
func MetricsHandler() http.Handler {
	InitMetrics()
	return promhttp.Handler()
}

// RecordHTTPRequest records HTTP request metrics
func RecordHTTPRequest(method, path, status string, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, path, status).Inc()
	httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// RecordMessage counts an inbound user message.
func RecordMessage(transport string) {
	messagesTotal.WithLabelValues(transport).Inc()
}

// RecordRun records a completed multi-step run.
func RecordRun(agent, state string, iterations int, duration time.Duration) {
	runsTotal.WithLabelValues(agent, state).Inc()
	runDuration.WithLabelValues(agent).Observe(duration.Seconds())
	runIterations.WithLabelValues(agent).Observe(float64(iterations))
}

// RecordParseFailure counts an unparseable model output. phase is "step" or "summary".
func RecordParseFailure(phase string) {
	parseFailuresTotal.WithLabelValues(phase).Inc()
}

// RecordCapabilityCall records a provider or action execution.
func RecordCapabilityCall(kind, name string, success bool, duration time.Duration) {
	status := "success"
	if !success {
		status = "failure"
	}
	capabilityCallsTotal.WithLabelValues(kind, name, status).Inc()
	capabilityCallDuration.WithLabelValues(kind, name).Observe(duration.Seconds())
}

// SetActiveConnections sets the active connections gauge
func SetActiveConnections(count int) {
	activeConnections.Set(float64(count))
}

// RecordStreamTimeout counts a stream finalized by inactivity.
func RecordStreamTimeout() {
	streamTimeoutsTotal.Inc()
}

// SetActiveSessions sets the live sessions gauge.
func SetActiveSessions(count int) {
	activeSessions.Set(float64(count))
}

// RecordSessionsExpired counts sessions removed by the sweeper.
func RecordSessionsExpired(n int) {
	sessionsExpiredTotal.Add(float64(n))
}
