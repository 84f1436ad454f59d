// Package metrics provides operational metrics collection.
//
// Counters cover the claim state machine's externally-observable outcomes and
// the settlement pipeline, exposed in Prometheus format for scraping by
// standard monitoring infrastructure.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics aggregates the service's Prometheus collectors.
type Metrics struct {
	registry *prometheus.Registry

	ClaimOutcomes         *prometheus.CounterVec
	SettlementSubmissions *prometheus.CounterVec
	MonitorOutcomes       *prometheus.CounterVec
	DeliveriesCreated     prometheus.Counter
}

// New constructs a metrics registry with the service collectors registered.
func New() *Metrics {
	registry := prometheus.NewRegistry()
	m := &Metrics{
		registry: registry,
		ClaimOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sealpost",
			Name:      "claim_outcomes_total",
			Help:      "Claim call outcomes by result code.",
		}, []string{"outcome"}),
		SettlementSubmissions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sealpost",
			Name:      "settlement_submissions_total",
			Help:      "Attestation transaction submissions by result.",
		}, []string{"result"}),
		MonitorOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sealpost",
			Name:      "monitor_outcomes_total",
			Help:      "Confirmation monitor terminations by result.",
		}, []string{"result"}),
		DeliveriesCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sealpost",
			Name:      "deliveries_created_total",
			Help:      "Delivery records created at send time.",
		}),
	}

	registry.MustRegister(
		m.ClaimOutcomes,
		m.SettlementSubmissions,
		m.MonitorOutcomes,
		m.DeliveriesCreated,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Handler returns the scrape endpoint handler for this registry.
func (m *Metrics) Handler() http.Handler {
	if m == nil || m.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
