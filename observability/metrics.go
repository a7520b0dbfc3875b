// Package observability exposes Prometheus metrics for the workflow
// engine and the AI router.
package observability

import (
	"net/http"
	"time"

	"github.com/GoCodeAlone/caseflow/ai"
	"github.com/GoCodeAlone/modular"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics wraps the service's Prometheus metric vectors on a dedicated
// registry. It registers as service "metrics.collector".
type Metrics struct {
	registry *prometheus.Registry

	TransitionsTotal   *prometheus.CounterVec
	TransitionDuration *prometheus.HistogramVec
	ActiveInstances    *prometheus.GaugeVec
	AIRequestsTotal    *prometheus.CounterVec
	AIRequestDuration  *prometheus.HistogramVec
	ProviderHealth     *prometheus.GaugeVec
}

// NewMetrics creates the collector with its own registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{registry: reg}

	m.TransitionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "caseflow",
		Name:      "transitions_total",
		Help:      "Total number of workflow transition attempts",
	}, []string{"definition_key", "trigger", "outcome"})

	m.TransitionDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "caseflow",
		Name:      "transition_duration_seconds",
		Help:      "Duration of workflow transitions in seconds",
		Buckets:   prometheus.DefBuckets,
	}, []string{"definition_key", "trigger"})

	m.ActiveInstances = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "caseflow",
		Name:      "active_instances",
		Help:      "Number of currently active workflow instances",
	}, []string{"definition_key"})

	m.AIRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "caseflow",
		Name:      "ai_requests_total",
		Help:      "Total number of AI provider calls",
	}, []string{"provider", "outcome"})

	m.AIRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "caseflow",
		Name:      "ai_request_duration_seconds",
		Help:      "Duration of AI provider calls in seconds",
		Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	}, []string{"provider"})

	m.ProviderHealth = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "caseflow",
		Name:      "ai_provider_health",
		Help:      "Provider health: 1 healthy, 0.5 degraded, 0 down",
	}, []string{"provider"})

	reg.MustRegister(m.TransitionsTotal, m.TransitionDuration,
		m.ActiveInstances, m.AIRequestsTotal, m.AIRequestDuration, m.ProviderHealth)
	return m
}

// Name returns the module name.
func (m *Metrics) Name() string { return "metrics.collector" }

// Init registers the collector as a service.
func (m *Metrics) Init(app modular.Application) error {
	return app.RegisterService(m.Name(), m)
}

// Handler serves the /metrics scrape endpoint from the own registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordTransition implements the engine's metrics hook.
func (m *Metrics) RecordTransition(definitionKey, trigger, outcome string, seconds float64) {
	m.TransitionsTotal.WithLabelValues(definitionKey, trigger, outcome).Inc()
	if outcome == "success" {
		m.TransitionDuration.WithLabelValues(definitionKey, trigger).Observe(seconds)
	}
}

// InstanceActiveDelta adjusts the active instance gauge for a definition.
func (m *Metrics) InstanceActiveDelta(definitionKey string, delta float64) {
	m.ActiveInstances.WithLabelValues(definitionKey).Add(delta)
}

// RecordAIRequest tracks one provider call.
func (m *Metrics) RecordAIRequest(provider, outcome string, d time.Duration) {
	m.AIRequestsTotal.WithLabelValues(provider, outcome).Inc()
	if outcome == "success" {
		m.AIRequestDuration.WithLabelValues(provider).Observe(d.Seconds())
	}
}

// SetProviderHealth mirrors the router's health snapshots into gauges.
func (m *Metrics) SetProviderHealth(snapshots map[string]ai.HealthReport) {
	for provider, report := range snapshots {
		var v float64
		switch report.Status {
		case ai.HealthHealthy:
			v = 1
		case ai.HealthDegraded:
			v = 0.5
		}
		m.ProviderHealth.WithLabelValues(provider).Set(v)
	}
}
