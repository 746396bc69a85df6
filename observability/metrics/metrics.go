// Package metrics defines the Prometheus instruments for the payment
// service. Instruments register against an injected registry so tests and
// embedded uses never collide on the global default.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the service's instruments.
type Metrics struct {
	registry *prometheus.Registry

	SendsTotal           *prometheus.CounterVec
	EscrowTransitions    *prometheus.CounterVec
	SponsorshipDecisions *prometheus.CounterVec
	NotificationsTotal   *prometheus.CounterVec
	SweeperReclaimed     prometheus.Counter
	RequestDuration      *prometheus.HistogramVec
}

// New constructs the metrics set on the given registry. A nil registry gets
// its own private one.
func New(registry *prometheus.Registry) *Metrics {
	if registry == nil {
		registry = prometheus.NewRegistry()
	}
	m := &Metrics{
		registry: registry,
		SendsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "paylink",
			Name:      "sends_total",
			Help:      "Outgoing payments segmented by routing method and outcome.",
		}, []string{"method", "outcome"}),
		EscrowTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "paylink",
			Name:      "escrow_transitions_total",
			Help:      "Escrow lifecycle transitions by destination status.",
		}, []string{"to"}),
		SponsorshipDecisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "paylink",
			Name:      "sponsorship_decisions_total",
			Help:      "Gas sponsorship decisions by outcome.",
		}, []string{"outcome"}),
		NotificationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "paylink",
			Name:      "notifications_total",
			Help:      "Claim link notification attempts by outcome.",
		}, []string{"outcome"}),
		SweeperReclaimed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "paylink",
			Name:      "sweeper_reclaimed_total",
			Help:      "Escrows returned to their senders by the expiry sweeper.",
		}),
		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "paylink",
			Name:      "http_request_duration_seconds",
			Help:      "Latency distribution for HTTP handlers.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route", "status"}),
	}
	registry.MustRegister(
		m.SendsTotal,
		m.EscrowTransitions,
		m.SponsorshipDecisions,
		m.NotificationsTotal,
		m.SweeperReclaimed,
		m.RequestDuration,
	)
	return m
}

// Registry exposes the underlying registry for the /metrics handler.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
