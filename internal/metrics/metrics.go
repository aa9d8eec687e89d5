// Package metrics exposes the Prometheus instrumentation shared by the
// ingress and engine.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics bundles the collectors so components receive one handle instead of
// package-level globals.
type Metrics struct {
	MessagesReceived     *prometheus.CounterVec
	DuplicatesSuppressed prometheus.Counter
	StepsExecuted        *prometheus.CounterVec
	SendFailures         *prometheus.CounterVec
	ProcessingDuration   prometheus.Histogram
}

// New registers the collectors on reg and returns the bundle. Passing a
// fresh registry in tests keeps them isolated.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		MessagesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sevak_messages_received_total",
			Help: "Inbound webhook message units by tenant and kind.",
		}, []string{"tenant", "kind"}),
		DuplicatesSuppressed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sevak_duplicates_suppressed_total",
			Help: "Webhook deliveries dropped by the idempotency guard.",
		}),
		StepsExecuted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sevak_steps_executed_total",
			Help: "Flow steps executed by step type.",
		}, []string{"type"}),
		SendFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sevak_send_failures_total",
			Help: "Outbound channel send failures by tenant.",
		}, []string{"tenant"}),
		ProcessingDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "sevak_message_processing_seconds",
			Help:    "Wall time spent handling one inbound message unit.",
			Buckets: prometheus.DefBuckets,
		}),
	}
	if reg != nil {
		reg.MustRegister(
			m.MessagesReceived,
			m.DuplicatesSuppressed,
			m.StepsExecuted,
			m.SendFailures,
			m.ProcessingDuration,
		)
	}
	return m
}

// Nop returns an unregistered bundle for tests and optional wiring.
func Nop() *Metrics {
	return New(nil)
}
