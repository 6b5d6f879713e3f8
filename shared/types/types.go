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

package types

import "time"

// EventType classifies system events flowing through the bus.
type EventType string

const (
	EventInfrastructureChange EventType = "infrastructure-change"
	EventAlert                EventType = "alert"
	EventMetricThreshold      EventType = "metric-threshold"
	EventCostAnomaly          EventType = "cost-anomaly"
	EventDriftDetected        EventType = "drift-detected"

	// EventOrchestration carries coordination outcomes emitted by the
	// orchestrator itself (approvals, registrations) back onto the bus.
	EventOrchestration EventType = "orchestration"
)

// Severity is the urgency of a system event.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// SystemEvent is the unit of traffic on the event bus. Events are immutable
// once published; a routed copy gets a fresh ID and augmented Data.
type SystemEvent struct {
	ID            string                 `json:"id"`
	Type          EventType              `json:"type"`
	Source        string                 `json:"source"`
	Severity      Severity               `json:"severity"`
	Data          map[string]interface{} `json:"data"`
	Timestamp     time.Time              `json:"timestamp"`
	CorrelationID string                 `json:"correlation_id,omitempty"`
}

// AgentType identifies which automation domain an agent covers.
type AgentType string

const (
	AgentTerraform        AgentType = "terraform"
	AgentKubernetes       AgentType = "kubernetes"
	AgentIncidentResponse AgentType = "incident-response"
	AgentCostOptimization AgentType = "cost-optimization"
)

// AutomationLevel controls how much an agent may do without a human.
type AutomationLevel string

const (
	AutomationManual   AutomationLevel = "manual"
	AutomationSemiAuto AutomationLevel = "semi-auto"
	AutomationFullAuto AutomationLevel = "full-auto"
)

// Integration describes an external system an agent talks to.
type Integration struct {
	Name    string                 `json:"name" yaml:"name"`
	Type    string                 `json:"type" yaml:"type"`
	Config  map[string]interface{} `json:"config,omitempty" yaml:"config,omitempty"`
	Enabled bool                   `json:"enabled" yaml:"enabled"`
}

// AgentConfig is the externally supplied descriptor for an agent. The
// orchestrator treats it as opaque, immutable input.
type AgentConfig struct {
	ID               string             `json:"id" yaml:"id"`
	Name             string             `json:"name" yaml:"name"`
	Type             AgentType          `json:"type" yaml:"type"`
	Enabled          bool               `json:"enabled" yaml:"enabled"`
	AutomationLevel  AutomationLevel    `json:"automation_level" yaml:"automation_level"`
	Thresholds       map[string]float64 `json:"thresholds,omitempty" yaml:"thresholds,omitempty"`
	ApprovalRequired bool               `json:"approval_required" yaml:"approval_required"`
	Integrations     []Integration      `json:"integrations,omitempty" yaml:"integrations,omitempty"`
}

// AgentStatus is the orchestrator's view of an agent's liveness.
type AgentStatus string

const (
	AgentRunning AgentStatus = "running"
	AgentError   AgentStatus = "error"
)

// Agent is a registered agent as tracked by the orchestrator registry.
type Agent struct {
	ID            string                 `json:"id"`
	Config        AgentConfig            `json:"config"`
	Status        AgentStatus            `json:"status"`
	LastHeartbeat time.Time              `json:"last_heartbeat"`
	Metrics       map[string]interface{} `json:"metrics,omitempty"`
}

// RiskLevel grades the blast radius of a proposed action.
type RiskLevel string

const (
	RiskLow    RiskLevel = "low"
	RiskMedium RiskLevel = "medium"
	RiskHigh   RiskLevel = "high"
)

// ActionStatus is the lifecycle state of an agent action.
type ActionStatus string

const (
	ActionPending   ActionStatus = "pending"
	ActionApproved  ActionStatus = "approved"
	ActionExecuting ActionStatus = "executing"
	ActionCompleted ActionStatus = "completed"
	ActionFailed    ActionStatus = "failed"
)

// ActionResult captures the outcome of an executed action.
type ActionResult struct {
	Success       bool                   `json:"success"`
	Message       string                 `json:"message"`
	Data          map[string]interface{} `json:"data,omitempty"`
	Error         string                 `json:"error,omitempty"`
	ExecutionTime float64                `json:"execution_time,omitempty"`
}

// AgentAction is an action proposed by an agent. Actions are created
// externally as pending; the orchestrator's policy decision either lets the
// caller proceed or parks the action in the approval registry.
type AgentAction struct {
	ID              string        `json:"id"`
	AgentID         string        `json:"agent_id"`
	Type            string        `json:"type"`
	Description     string        `json:"description"`
	TargetResources []string      `json:"target_resources"`
	RiskLevel       RiskLevel     `json:"risk_level"`
	EstimatedImpact string        `json:"estimated_impact"`
	Status          ActionStatus  `json:"status"`
	ExecutedAt      *time.Time    `json:"executed_at,omitempty"`
	Result          *ActionResult `json:"result,omitempty"`
}
