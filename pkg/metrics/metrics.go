// Package metrics exposes Prometheus collectors for the generation pipeline.
//
// All methods are safe on a nil *Metrics so components can run without
// instrumentation in tests and CLI one-shots.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the pipeline collectors on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	generations   *prometheus.CounterVec
	tokens        *prometheus.CounterVec
	providerCalls *prometheus.CounterVec
	duration      *prometheus.HistogramVec
	auditSinkErrs *prometheus.CounterVec
}

// New registers the collectors on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		generations: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "pixelgate_generations_total",
			Help: "Generation requests by mode and terminal outcome.",
		}, []string{"mode", "outcome"}),
		tokens: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "pixelgate_tokens_total",
			Help: "Tokens moved through the ledger by direction.",
		}, []string{"direction"}),
		providerCalls: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "pixelgate_provider_calls_total",
			Help: "Provider calls by adapter, operation and outcome.",
		}, []string{"adapter", "operation", "outcome"}),
		duration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "pixelgate_generation_duration_seconds",
			Help:    "Wall time of generation requests from debit to terminal state.",
			Buckets: []float64{0.5, 1, 2.5, 5, 10, 20, 40, 80, 160},
		}, []string{"mode"}),
		auditSinkErrs: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "pixelgate_audit_sink_errors_total",
			Help: "Failed writes to secondary audit sinks.",
		}, []string{"sink"}),
	}
}

// Generation counts a request reaching a terminal outcome.
func (m *Metrics) Generation(mode, outcome string) {
	if m == nil {
		return
	}
	m.generations.WithLabelValues(mode, outcome).Inc()
}

// Tokens counts tokens debited or credited.
func (m *Metrics) Tokens(direction string, amount int64) {
	if m == nil || amount <= 0 {
		return
	}
	m.tokens.WithLabelValues(direction).Add(float64(amount))
}

// ProviderCall counts a single provider call.
func (m *Metrics) ProviderCall(adapterName, operation, outcome string) {
	if m == nil {
		return
	}
	m.providerCalls.WithLabelValues(adapterName, operation, outcome).Inc()
}

// ObserveDuration records the time since start for mode.
func (m *Metrics) ObserveDuration(mode string, start time.Time) {
	if m == nil {
		return
	}
	m.duration.WithLabelValues(mode).Observe(time.Since(start).Seconds())
}

// AuditSinkError counts a failed secondary audit write.
func (m *Metrics) AuditSinkError(sink string) {
	if m == nil {
		return
	}
	m.auditSinkErrs.WithLabelValues(sink).Inc()
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
