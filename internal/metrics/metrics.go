package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the service collectors on their own registry.
type Metrics struct {
	registry *prometheus.Registry

	TurnsTotal         *prometheus.CounterVec
	TurnDuration       prometheus.Histogram
	TurnIterations     prometheus.Histogram
	ToolCallsTotal     *prometheus.CounterVec
	ConnCacheTotal     *prometheus.CounterVec
	ModelInitTotal     *prometheus.CounterVec
	SessionsActive     prometheus.Gauge
	HTTPRequestsTotal  *prometheus.CounterVec
	HTTPRequestSeconds *prometheus.HistogramVec
}

// New creates and registers all collectors, including the Go and process
// collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		TurnsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "querydesk",
				Subsystem: "agent",
				Name:      "turns_total",
				Help:      "Total turns by outcome (answer or failure kind)",
			},
			[]string{"outcome"},
		),
		TurnDuration: f.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "querydesk",
				Subsystem: "agent",
				Name:      "turn_duration_seconds",
				Help:      "Turn duration in seconds",
				Buckets:   []float64{0.5, 1, 2, 5, 10, 30, 60, 120},
			},
		),
		TurnIterations: f.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "querydesk",
				Subsystem: "agent",
				Name:      "turn_iterations",
				Help:      "Thinking cycles used per turn",
				Buckets:   prometheus.LinearBuckets(1, 1, 20),
			},
		),
		ToolCallsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "querydesk",
				Subsystem: "agent",
				Name:      "tool_calls_total",
				Help:      "Tool invocations by tool and status",
			},
			[]string{"tool", "status"},
		),
		ConnCacheTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "querydesk",
				Subsystem: "gateway",
				Name:      "cache_requests_total",
				Help:      "Connection cache lookups by engine and result",
			},
			[]string{"kind", "result"},
		),
		ModelInitTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "querydesk",
				Subsystem: "model",
				Name:      "init_total",
				Help:      "Model initializations by result (ok, fallback, error)",
			},
			[]string{"result"},
		),
		SessionsActive: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "querydesk",
				Subsystem: "session",
				Name:      "active",
				Help:      "Number of live sessions",
			},
		),
		HTTPRequestsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "querydesk",
				Subsystem: "http",
				Name:      "requests_total",
				Help:      "Total number of HTTP requests",
			},
			[]string{"method", "route", "status"},
		),
		HTTPRequestSeconds: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "querydesk",
				Subsystem: "http",
				Name:      "request_duration_seconds",
				Help:      "HTTP request duration in seconds",
				Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 30, 120},
			},
			[]string{"method", "route"},
		),
	}
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// RecordTurn records a finished turn. outcome is "answer" or a failure kind.
func (m *Metrics) RecordTurn(outcome string, iterations int, d time.Duration) {
	m.TurnsTotal.WithLabelValues(outcome).Inc()
	m.TurnDuration.Observe(d.Seconds())
	if iterations > 0 {
		m.TurnIterations.Observe(float64(iterations))
	}
}

// RecordToolCall records a tool invocation.
func (m *Metrics) RecordToolCall(tool, status string) {
	if status == "" {
		status = "unknown"
	}
	m.ToolCallsTotal.WithLabelValues(tool, status).Inc()
}

// RecordCache records a gateway cache lookup.
func (m *Metrics) RecordCache(kind string, hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	m.ConnCacheTotal.WithLabelValues(kind, result).Inc()
}

// RecordModelInit records a model initialization result.
func (m *Metrics) RecordModelInit(result string) {
	m.ModelInitTotal.WithLabelValues(result).Inc()
}

// RecordHTTP records an HTTP request.
func (m *Metrics) RecordHTTP(method, route string, status int, d time.Duration) {
	m.HTTPRequestsTotal.WithLabelValues(method, route, httpStatus(status)).Inc()
	m.HTTPRequestSeconds.WithLabelValues(method, route).Observe(d.Seconds())
}

func httpStatus(code int) string {
	switch {
	case code >= 500:
		return "5xx"
	case code >= 400:
		return "4xx"
	case code >= 300:
		return "3xx"
	}
	return "2xx"
}
