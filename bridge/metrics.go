// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package bridge

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Call outcome label values.
const (
	OutcomeOK      = "ok"
	OutcomeError   = "error"
	OutcomeTimeout = "timeout"
)

// Metrics holds the bridge's Prometheus instrumentation. A nil
// *Metrics is valid and records nothing, so tests can leave it out.
type Metrics struct {
	registry *prometheus.Registry

	transactions  prometheus.Counter
	events        *prometheus.CounterVec
	agentCalls    *prometheus.CounterVec
	callDurations prometheus.Histogram
	liveAgents    prometheus.Gauge
}

// NewMetrics creates and registers the bridge metrics on a private
// registry.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		transactions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "agentbridge_transactions_total",
			Help: "Appservice transactions received from the homeserver.",
		}),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "agentbridge_events_total",
			Help: "Events dispatched, by Matrix event type.",
		}, []string{"type"}),
		agentCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "agentbridge_agent_calls_total",
			Help: "Agent invocations, by outcome (ok, error, timeout).",
		}, []string{"outcome"}),
		callDurations: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "agentbridge_agent_call_duration_seconds",
			Help:    "Agent invocation latency.",
			Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120, 300},
		}),
		liveAgents: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "agentbridge_live_agents",
			Help: "Agents currently provisioned and routable.",
		}),
	}

	m.registry.MustRegister(
		m.transactions,
		m.events,
		m.agentCalls,
		m.callDurations,
		m.liveAgents,
	)
	return m
}

// Registry returns the underlying registry for the /metrics handler.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// RecordTransaction counts one homeserver transaction.
func (m *Metrics) RecordTransaction() {
	if m == nil {
		return
	}
	m.transactions.Inc()
}

// RecordEvent counts one dispatched event by type.
func (m *Metrics) RecordEvent(eventType string) {
	if m == nil {
		return
	}
	m.events.WithLabelValues(eventType).Inc()
}

// RecordAgentCall counts one agent invocation and its latency.
func (m *Metrics) RecordAgentCall(outcome string, seconds float64) {
	if m == nil {
		return
	}
	m.agentCalls.WithLabelValues(outcome).Inc()
	m.callDurations.Observe(seconds)
}

// SetLiveAgents records the current fleet size.
func (m *Metrics) SetLiveAgents(n int) {
	if m == nil {
		return
	}
	m.liveAgents.Set(float64(n))
}
