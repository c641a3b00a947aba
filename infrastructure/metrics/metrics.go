// Package metrics provides Prometheus metrics collection
package metrics

import (
	"os"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	// HTTP metrics
	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	RequestsInFlight prometheus.Gauge

	// Error metrics
	ErrorsTotal *prometheus.CounterVec

	// Real-time metrics
	ConnectionsOpen   *prometheus.GaugeVec
	MessagesTotal     *prometheus.CounterVec
	DeliveriesTotal   *prometheus.CounterVec
	OfflineQueueDepth *prometheus.GaugeVec
	PubSubTotal       *prometheus.CounterVec

	// Call metrics
	CallsActive  prometheus.Gauge
	CallsTotal   *prometheus.CounterVec
	CallDuration *prometheus.HistogramVec

	// Gateway metrics
	ProxyAttemptsTotal *prometheus.CounterVec
	CircuitState       *prometheus.GaugeVec
	CacheTotal         *prometheus.CounterVec

	// Saga metrics
	SagasTotal    *prometheus.CounterVec
	SagaStepsTotal *prometheus.CounterVec

	// Service health
	ServiceUptime prometheus.Gauge
	ServiceInfo   *prometheus.GaugeVec
}

// New creates a new Metrics instance with all collectors registered
func New(serviceName string) *Metrics {
	return NewWithRegistry(serviceName, prometheus.DefaultRegisterer)
}

// NewWithRegistry creates a new Metrics instance with a custom registry
func NewWithRegistry(serviceName string, registerer prometheus.Registerer) *Metrics {
	m := &Metrics{
		RequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"service", "method", "path", "status"},
		),
		RequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"service", "method", "path"},
		),
		RequestsInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "http_requests_in_flight",
				Help: "Current number of HTTP requests being processed",
			},
		),

		ErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "errors_total",
				Help: "Total number of errors",
			},
			[]string{"service", "type", "operation"},
		),

		ConnectionsOpen: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "websocket_connections_open",
				Help: "Current number of open WebSocket connections",
			},
			[]string{"service"},
		),
		MessagesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chat_messages_total",
				Help: "Total number of chat messages processed",
			},
			[]string{"service", "destination", "moderation"},
		),
		DeliveriesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "message_deliveries_total",
				Help: "Total number of message delivery attempts",
			},
			[]string{"service", "transport", "status"},
		),
		OfflineQueueDepth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "offline_queue_depth",
				Help: "Number of messages queued for offline users",
			},
			[]string{"service"},
		),
		PubSubTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pubsub_messages_total",
				Help: "Total number of pub-sub messages",
			},
			[]string{"service", "topic", "direction"},
		),

		CallsActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "calls_active",
				Help: "Current number of active calls",
			},
		),
		CallsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "calls_total",
				Help: "Total number of calls by terminal state",
			},
			[]string{"service", "kind", "state"},
		),
		CallDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "call_duration_seconds",
				Help:    "Call duration in seconds",
				Buckets: []float64{10, 30, 60, 300, 600, 1800, 3600, 7200},
			},
			[]string{"service", "kind"},
		),

		ProxyAttemptsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_proxy_attempts_total",
				Help: "Total number of proxy attempts to backend services",
			},
			[]string{"service", "target", "status"},
		),
		CircuitState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "gateway_circuit_state",
				Help: "Circuit breaker state per target service (0=closed, 1=open, 2=half-open)",
			},
			[]string{"service", "target"},
		),
		CacheTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_cache_total",
				Help: "Gateway response cache lookups",
			},
			[]string{"service", "result"},
		),

		SagasTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sagas_total",
				Help: "Total number of sagas by terminal status",
			},
			[]string{"service", "type", "status"},
		),
		SagaStepsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "saga_steps_total",
				Help: "Total number of saga step executions",
			},
			[]string{"service", "step", "status"},
		),

		ServiceUptime: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "service_uptime_seconds",
				Help: "Service uptime in seconds",
			},
		),
		ServiceInfo: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "service_info",
				Help: "Service information",
			},
			[]string{"service", "version", "environment"},
		),
	}

	if registerer != nil {
		registerer.MustRegister(
			m.RequestsTotal,
			m.RequestDuration,
			m.RequestsInFlight,
			m.ErrorsTotal,
			m.ConnectionsOpen,
			m.MessagesTotal,
			m.DeliveriesTotal,
			m.OfflineQueueDepth,
			m.PubSubTotal,
			m.CallsActive,
			m.CallsTotal,
			m.CallDuration,
			m.ProxyAttemptsTotal,
			m.CircuitState,
			m.CacheTotal,
			m.SagasTotal,
			m.SagaStepsTotal,
			m.ServiceUptime,
			m.ServiceInfo,
		)
	}

	m.ServiceInfo.WithLabelValues(serviceName, "1.0.0", getEnvironment()).Set(1)

	return m
}

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(service, method, path, status string, duration time.Duration) {
	m.RequestsTotal.WithLabelValues(service, method, path, status).Inc()
	m.RequestDuration.WithLabelValues(service, method, path).Observe(duration.Seconds())
}

// RecordError records an error
func (m *Metrics) RecordError(service, errorType, operation string) {
	m.ErrorsTotal.WithLabelValues(service, errorType, operation).Inc()
}

// RecordPubSub records a pub-sub message
func (m *Metrics) RecordPubSub(service, topic, direction string) {
	m.PubSubTotal.WithLabelValues(service, topic, direction).Inc()
}

// RecordDelivery records a message delivery attempt
func (m *Metrics) RecordDelivery(service, transport, status string) {
	m.DeliveriesTotal.WithLabelValues(service, transport, status).Inc()
}

// RecordCallEnded records a call that reached a terminal state
func (m *Metrics) RecordCallEnded(service, kind, state string, duration time.Duration) {
	m.CallsTotal.WithLabelValues(service, kind, state).Inc()
	m.CallDuration.WithLabelValues(service, kind).Observe(duration.Seconds())
}

// UpdateUptime updates the service uptime
func (m *Metrics) UpdateUptime(startTime time.Time) {
	m.ServiceUptime.Set(time.Since(startTime).Seconds())
}

// IncrementInFlight increments the in-flight requests counter
func (m *Metrics) IncrementInFlight() {
	m.RequestsInFlight.Inc()
}

// DecrementInFlight decrements the in-flight requests counter
func (m *Metrics) DecrementInFlight() {
	m.RequestsInFlight.Dec()
}

// Helper functions

func getEnvironment() string {
	env := strings.TrimSpace(os.Getenv("ENVIRONMENT"))
	if env == "" {
		return "development"
	}
	return env
}

// Enabled returns whether Prometheus metrics should be exposed.
func Enabled() bool {
	raw := strings.ToLower(strings.TrimSpace(os.Getenv("METRICS_ENABLED")))
	if raw == "" {
		return true
	}
	switch raw {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}

// Global metrics instance
var (
	globalMetrics *Metrics
	globalMu      sync.Mutex
)

// Init initializes the global metrics instance
func Init(serviceName string) *Metrics {
	globalMu.Lock()
	defer globalMu.Unlock()

	if globalMetrics == nil {
		globalMetrics = New(serviceName)
	}
	return globalMetrics
}

// Global returns the global metrics instance
func Global() *Metrics {
	globalMu.Lock()
	defer globalMu.Unlock()

	if globalMetrics == nil {
		globalMetrics = New("unknown")
	}
	return globalMetrics
}
