// Copyright 2025 Opula
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package orchestrator

import "github.com/prometheus/client_golang/prometheus"

// Prometheus metrics
var (
	promEventsRouted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "opula_orchestrator_events_routed_total",
			Help: "Total number of events routed to agents",
		},
		[]string{"agent_type"},
	)
	promEventsDropped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "opula_orchestrator_events_dropped_total",
			Help: "Total number of inbound events with no relevant agent",
		},
	)
	promPolicyEvaluations = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "opula_orchestrator_policy_evaluations_total",
			Help: "Total number of policy evaluations over proposed actions",
		},
	)
	promPolicyDecisions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "opula_orchestrator_policy_decisions_total",
			Help: "Policy decisions by effect",
		},
		[]string{"effect"},
	)
	promApprovalOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "opula_orchestrator_approval_outcomes_total",
			Help: "Pending approval outcomes",
		},
		[]string{"outcome"},
	)
	promRegisteredAgents = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "opula_orchestrator_registered_agents",
			Help: "Number of currently registered agents",
		},
	)
	promHeartbeats = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "opula_orchestrator_heartbeats_total",
			Help: "Total number of agent heartbeats processed",
		},
	)
)

func init() {
	prometheus.MustRegister(promEventsRouted)
	prometheus.MustRegister(promEventsDropped)
	prometheus.MustRegister(promPolicyEvaluations)
	prometheus.MustRegister(promPolicyDecisions)
	prometheus.MustRegister(promApprovalOutcomes)
	prometheus.MustRegister(promRegisteredAgents)
	prometheus.MustRegister(promHeartbeats)
}
