// Package metrics defines every Prometheus instrument the worker publishes.
//
// Instruments live on a private registry rather than the global default so
// each worker instance (and each test) observes exactly what it recorded.
// The registry is exposed through Gatherer for the scrape endpoint.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Circuit breaker gauge values.
const (
	BreakerClosed   = 0
	BreakerOpen     = 1
	BreakerHalfOpen = 2
)

// Metrics holds the worker's instrument set.
type Metrics struct {
	registry *prometheus.Registry

	tasksProcessed *prometheus.CounterVec
	taskDuration   *prometheus.HistogramVec
	tasksInFlight  prometheus.Gauge

	apiRequests *prometheus.CounterVec
	apiDuration *prometheus.HistogramVec

	modelRequests *prometheus.CounterVec
	modelTokens   *prometheus.CounterVec

	rateLimitExceeded *prometheus.CounterVec
	rateLimitCheck    prometheus.Histogram
	rateLimitCurrent  *prometheus.GaugeVec
	rateLimitMax      *prometheus.GaugeVec
	rateLimitLeft     *prometheus.GaugeVec

	breakerState *prometheus.GaugeVec
}

// New creates a metrics set on a fresh private registry.
func New() *Metrics {
	return NewWithRegistry(prometheus.NewRegistry())
}

// NewWithRegistry creates a metrics set on the given registry.
func NewWithRegistry(reg *prometheus.Registry) *Metrics {
	m := &Metrics{
		registry: reg,

		tasksProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ai_tasks_processed_total",
			Help: "Total number of AI tasks processed, by kind and final status.",
		}, []string{"kind", "status"}),

		taskDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "ai_task_processing_duration_seconds",
			Help:    "End-to-end processing duration for one task.",
			Buckets: []float64{.1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		}, []string{"kind"}),

		tasksInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ai_tasks_in_flight",
			Help: "Number of tasks currently being processed.",
		}),

		apiRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "api_requests_total",
			Help: "Outbound HTTP requests, by endpoint, method and status code.",
		}, []string{"endpoint", "method", "status_code"}),

		apiDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "api_request_duration_seconds",
			Help:    "Outbound HTTP request latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"endpoint", "method"}),

		modelRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "model_requests_total",
			Help: "Language-model calls, by provider, model and outcome.",
		}, []string{"provider", "model", "status"}),

		modelTokens: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "model_tokens_used_total",
			Help: "Tokens consumed by language-model calls, by token type.",
		}, []string{"provider", "model", "type"}),

		rateLimitExceeded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rate_limit_exceeded_total",
			Help: "Admission denials, by the period that tripped.",
		}, []string{"period"}),

		rateLimitCheck: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "rate_limit_check_duration_seconds",
			Help:    "Latency of one rate-limit admission check.",
			Buckets: []float64{.0005, .001, .005, .01, .05, .1, .5, 1},
		}),

		rateLimitCurrent: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "rate_limit_current",
			Help: "Current usage within the active window, per period.",
		}, []string{"period"}),

		rateLimitMax: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "rate_limit_max",
			Help: "Configured limit, per period.",
		}, []string{"period"}),

		rateLimitLeft: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "rate_limit_remaining",
			Help: "Remaining budget within the active window, per period.",
		}, []string{"period"}),

		breakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Circuit breaker state per upstream: 0=closed, 1=open, 2=half-open.",
		}, []string{"service"}),
	}

	reg.MustRegister(
		m.tasksProcessed,
		m.taskDuration,
		m.tasksInFlight,
		m.apiRequests,
		m.apiDuration,
		m.modelRequests,
		m.modelTokens,
		m.rateLimitExceeded,
		m.rateLimitCheck,
		m.rateLimitCurrent,
		m.rateLimitMax,
		m.rateLimitLeft,
		m.breakerState,
	)
	return m
}

// Gatherer exposes the private registry for the scrape handler.
func (m *Metrics) Gatherer() prometheus.Gatherer {
	return m.registry
}

func (m *Metrics) RecordTaskProcessed(kind, status string) {
	m.tasksProcessed.WithLabelValues(kind, status).Inc()
}

func (m *Metrics) ObserveTaskDuration(kind string, seconds float64) {
	m.taskDuration.WithLabelValues(kind).Observe(seconds)
}

func (m *Metrics) TaskStarted() {
	m.tasksInFlight.Inc()
}

func (m *Metrics) TaskFinished() {
	m.tasksInFlight.Dec()
}

func (m *Metrics) RecordAPIRequest(endpoint, method, statusCode string) {
	m.apiRequests.WithLabelValues(endpoint, method, statusCode).Inc()
}

func (m *Metrics) ObserveAPIRequestDuration(endpoint, method string, seconds float64) {
	m.apiDuration.WithLabelValues(endpoint, method).Observe(seconds)
}

func (m *Metrics) RecordModelRequest(provider, model, status string) {
	m.modelRequests.WithLabelValues(provider, model, status).Inc()
}

func (m *Metrics) AddModelTokens(provider, model, tokenType string, n int) {
	if n <= 0 {
		return
	}
	m.modelTokens.WithLabelValues(provider, model, tokenType).Add(float64(n))
}

func (m *Metrics) RecordRateLimitExceeded(period string) {
	m.rateLimitExceeded.WithLabelValues(period).Inc()
}

func (m *Metrics) ObserveRateLimitCheck(seconds float64) {
	m.rateLimitCheck.Observe(seconds)
}

// SetRateLimitUsage publishes the usage snapshot gauges for one period.
func (m *Metrics) SetRateLimitUsage(period string, current, max, remaining float64) {
	m.rateLimitCurrent.WithLabelValues(period).Set(current)
	m.rateLimitMax.WithLabelValues(period).Set(max)
	m.rateLimitLeft.WithLabelValues(period).Set(remaining)
}

// SetCircuitBreakerState publishes the breaker gauge for one upstream.
func (m *Metrics) SetCircuitBreakerState(service string, state float64) {
	m.breakerState.WithLabelValues(service).Set(state)
}
