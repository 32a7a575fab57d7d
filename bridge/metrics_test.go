// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package bridge

import (
	"testing"
)

func TestMetricsRecord(t *testing.T) {
	metrics := NewMetrics()

	metrics.RecordTransaction()
	metrics.RecordEvent("m.room.message")
	metrics.RecordEvent("m.room.message")
	metrics.RecordAgentCall(OutcomeOK, 1.5)
	metrics.RecordAgentCall(OutcomeTimeout, 180)
	metrics.SetLiveAgents(4)

	families, err := metrics.Registry().Gather()
	if err != nil {
		t.Fatal(err)
	}

	byName := map[string]float64{}
	for _, family := range families {
		for _, metric := range family.GetMetric() {
			name := family.GetName()
			for _, label := range metric.GetLabel() {
				name += "/" + label.GetValue()
			}
			switch {
			case metric.GetCounter() != nil:
				byName[name] = metric.GetCounter().GetValue()
			case metric.GetGauge() != nil:
				byName[name] = metric.GetGauge().GetValue()
			}
		}
	}

	checks := map[string]float64{
		"agentbridge_transactions_total":          1,
		"agentbridge_events_total/m.room.message": 2,
		"agentbridge_agent_calls_total/ok":        1,
		"agentbridge_agent_calls_total/timeout":   1,
		"agentbridge_live_agents":                 4,
	}
	for name, want := range checks {
		if got := byName[name]; got != want {
			t.Errorf("%s = %v, want %v", name, got, want)
		}
	}
}

func TestNilMetricsSafe(t *testing.T) {
	var metrics *Metrics

	// A nil Metrics must be a silent no-op so tests and minimal
	// deployments can skip instrumentation.
	metrics.RecordTransaction()
	metrics.RecordEvent("m.room.message")
	metrics.RecordAgentCall(OutcomeError, 0.1)
	metrics.SetLiveAgents(0)
	if metrics.Registry() != nil {
		t.Error("nil metrics returned a registry")
	}
}
