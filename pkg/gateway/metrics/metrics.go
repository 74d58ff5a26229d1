// Package metrics holds the Prometheus instrumentation for the gateway.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the gateway.
type Metrics struct {
	registry *prometheus.Registry

	// Resilient call wrapper metrics
	CallRetriesTotal  *prometheus.CounterVec
	CallFailuresTotal *prometheus.CounterVec
	CallDuration      *prometheus.HistogramVec

	// Admission metrics
	AdmissionRejectsTotal *prometheus.CounterVec
	RateLimitHitsTotal    *prometheus.CounterVec

	// Session metrics
	SessionsActive  prometheus.Gauge
	SessionsTotal   *prometheus.CounterVec
	SessionDuration *prometheus.HistogramVec
	TurnsTotal      *prometheus.CounterVec

	// Error metrics
	ErrorsTotal *prometheus.CounterVec
}

// New creates a Metrics instance with all gauges, counters and histograms
// registered on a private registry.
func New(namespace string) *Metrics {
	if namespace == "" {
		namespace = "voxhall"
	}

	registry := prometheus.NewRegistry()

	callRetriesTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "call_retries_total",
			Help:      "Total retry attempts made by the call wrapper",
		},
		[]string{"call"},
	)

	callFailuresTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "call_failures_total",
			Help:      "Total terminal call failures after retries were exhausted",
		},
		[]string{"call", "error_type"},
	)

	callDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "call_duration_seconds",
			Help:      "Wrapped call duration in seconds, including retries",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"call", "status"},
	)

	admissionRejectsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "admission_rejects_total",
			Help:      "Total connections rejected at admission",
		},
		[]string{"tenant_id"},
	)

	rateLimitHitsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limit_hits_total",
			Help:      "Total per-window rate limit rejections",
		},
		[]string{"scope"},
	)

	sessionsActive := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Number of live sessions currently open",
		},
	)

	sessionsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_total",
			Help:      "Total sessions by transport and final status",
		},
		[]string{"transport", "status"},
	)

	sessionDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "session_duration_seconds",
			Help:      "Session duration in seconds",
			Buckets:   []float64{1, 5, 10, 30, 60, 120, 300, 600, 1800},
		},
		[]string{"transport"},
	)

	turnsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "turns_total",
			Help:      "Total conversation turns by outcome",
		},
		[]string{"transport", "outcome"},
	)

	errorsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "errors_total",
			Help:      "Total errors by type",
		},
		[]string{"error_type"},
	)

	registry.MustRegister(
		callRetriesTotal,
		callFailuresTotal,
		callDuration,
		admissionRejectsTotal,
		rateLimitHitsTotal,
		sessionsActive,
		sessionsTotal,
		sessionDuration,
		turnsTotal,
		errorsTotal,
	)

	return &Metrics{
		registry:              registry,
		CallRetriesTotal:      callRetriesTotal,
		CallFailuresTotal:     callFailuresTotal,
		CallDuration:          callDuration,
		AdmissionRejectsTotal: admissionRejectsTotal,
		RateLimitHitsTotal:    rateLimitHitsTotal,
		SessionsActive:        sessionsActive,
		SessionsTotal:         sessionsTotal,
		SessionDuration:       sessionDuration,
		TurnsTotal:            turnsTotal,
		ErrorsTotal:           errorsTotal,
	}
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordCallRetry records one retry attempt of a wrapped call.
func (m *Metrics) RecordCallRetry(call string) {
	m.CallRetriesTotal.WithLabelValues(call).Inc()
}

// RecordCallFailure records a terminal failure of a wrapped call.
func (m *Metrics) RecordCallFailure(call, errorType string) {
	m.CallFailuresTotal.WithLabelValues(call, errorType).Inc()
	m.ErrorsTotal.WithLabelValues(errorType).Inc()
}

// RecordCall records a completed wrapped call.
func (m *Metrics) RecordCall(call, status string, duration time.Duration) {
	m.CallDuration.WithLabelValues(call, status).Observe(duration.Seconds())
}

// RecordAdmissionReject records a connection refused at admission.
func (m *Metrics) RecordAdmissionReject(tenantID string) {
	m.AdmissionRejectsTotal.WithLabelValues(tenantID).Inc()
}

// RecordRateLimitHit records a per-window rejection for a scope
// ("turns", "handshakes", ...). Scope is a small fixed set, never a
// per-user value, to keep cardinality bounded.
func (m *Metrics) RecordRateLimitHit(scope string) {
	m.RateLimitHitsTotal.WithLabelValues(scope).Inc()
}

// RecordSessionStart records a session opening.
func (m *Metrics) RecordSessionStart() {
	m.SessionsActive.Inc()
}

// RecordSessionEnd records a session closing.
func (m *Metrics) RecordSessionEnd(transport, status string, duration time.Duration) {
	m.SessionsActive.Dec()
	m.SessionsTotal.WithLabelValues(transport, status).Inc()
	m.SessionDuration.WithLabelValues(transport).Observe(duration.Seconds())
}

// RecordTurn records a completed conversation turn.
func (m *Metrics) RecordTurn(transport, outcome string) {
	m.TurnsTotal.WithLabelValues(transport, outcome).Inc()
}

// RecordError records an error by taxonomy type.
func (m *Metrics) RecordError(errorType string) {
	m.ErrorsTotal.WithLabelValues(errorType).Inc()
}
