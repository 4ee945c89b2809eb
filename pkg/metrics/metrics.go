// Package metrics wires the bugbot Prometheus instruments. Each process
// creates its own Registry so test binaries and multi-service setups never
// fight over collector registration.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the instruments shared across bugbot services. Counters a
// given service never touches simply stay at zero and cost nothing.
type Metrics struct {
	registry *prometheus.Registry

	ServiceHealth   *prometheus.GaugeVec
	RequestDuration *prometheus.HistogramVec

	FindingsTotal *prometheus.CounterVec
	ScanDuration  prometheus.Histogram

	RPCFailovers   *prometheus.CounterVec
	ProviderHealth *prometheus.GaugeVec

	LLMRetries  *prometheus.CounterVec
	LLMRequests *prometheus.CounterVec

	ValidatorJobs *prometheus.CounterVec
}

// New creates a Metrics set backed by a fresh private registry.
func New() *Metrics {
	registry := prometheus.NewRegistry()
	factory := promauto{registry}

	return &Metrics{
		registry: registry,

		ServiceHealth: factory.gaugeVec(prometheus.GaugeOpts{
			Name: "bugbot_service_health",
			Help: "Service health: 1 healthy, 0.5 degraded, 0 down.",
		}, []string{"service"}),

		RequestDuration: factory.histogramVec(prometheus.HistogramOpts{
			Name:    "bugbot_http_request_duration_seconds",
			Help:    "HTTP request latency by route.",
			Buckets: prometheus.DefBuckets,
		}, []string{"service", "route"}),

		FindingsTotal: factory.counterVec(prometheus.CounterOpts{
			Name: "bugbot_findings_total",
			Help: "Findings produced by triage, by severity.",
		}, []string{"severity"}),

		ScanDuration: factory.histogram(prometheus.HistogramOpts{
			Name:    "bugbot_scan_duration_seconds",
			Help:    "End-to-end scan duration.",
			Buckets: []float64{30, 60, 120, 300, 600, 1200, 1800, 3600},
		}),

		RPCFailovers: factory.counterVec(prometheus.CounterOpts{
			Name: "bugbot_rpc_failovers_total",
			Help: "RPC calls that rotated to another provider.",
		}, []string{"chain"}),

		ProviderHealth: factory.gaugeVec(prometheus.GaugeOpts{
			Name: "bugbot_rpc_provider_health",
			Help: "Provider health: 1 healthy, 0.5 degraded, 0 failed or circuit-open.",
		}, []string{"chain", "provider"}),

		LLMRetries: factory.counterVec(prometheus.CounterOpts{
			Name: "bugbot_llm_retries_total",
			Help: "LLM attempts beyond the first, by backend.",
		}, []string{"backend"}),

		LLMRequests: factory.counterVec(prometheus.CounterOpts{
			Name: "bugbot_llm_requests_total",
			Help: "LLM requests by backend and outcome.",
		}, []string{"backend", "outcome"}),

		ValidatorJobs: factory.counterVec(prometheus.CounterOpts{
			Name: "bugbot_validator_jobs_total",
			Help: "Validation jobs by terminal outcome.",
		}, []string{"outcome"}),
	}
}

// Handler returns the /metrics scrape handler for this registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// promauto is a tiny registration helper over the private registry.
type promauto struct {
	r *prometheus.Registry
}

func (p promauto) counterVec(opts prometheus.CounterOpts, labels []string) *prometheus.CounterVec {
	v := prometheus.NewCounterVec(opts, labels)
	p.r.MustRegister(v)
	return v
}

func (p promauto) gaugeVec(opts prometheus.GaugeOpts, labels []string) *prometheus.GaugeVec {
	v := prometheus.NewGaugeVec(opts, labels)
	p.r.MustRegister(v)
	return v
}

func (p promauto) histogram(opts prometheus.HistogramOpts) prometheus.Histogram {
	h := prometheus.NewHistogram(opts)
	p.r.MustRegister(h)
	return h
}

func (p promauto) histogramVec(opts prometheus.HistogramOpts, labels []string) *prometheus.HistogramVec {
	h := prometheus.NewHistogramVec(opts, labels)
	p.r.MustRegister(h)
	return h
}
