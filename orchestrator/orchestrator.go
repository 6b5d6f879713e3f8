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

// Package orchestrator coordinates automation agents over the event bus: it
// routes system events to interested agents, enforces a prioritized policy
// engine over proposed actions, resolves conflicts between competing actions,
// and runs a human-approval workflow with timeouts.
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pc099/opula-sub000/eventbus"
	"github.com/pc099/opula-sub000/shared/logger"
	"github.com/pc099/opula-sub000/shared/types"
)

const (
	healthSweepInterval = 30 * time.Second
	heartbeatStaleAfter = 2 * time.Minute
)

// Inbound bus topics consumed by the orchestrator.
var inboundTopics = []string{
	"events:agent-registration",
	"events:agent-action",
	"events:agent-heartbeat",
	"events:infrastructure-change",
	"events:alert",
	"events:metric-threshold",
	"events:cost-anomaly",
}

// Orchestrator owns the agent registry and the active-action map, consumes
// bus subscriptions, and emits coordination events back onto the bus. One
// orchestrator instance owns all agents it manages.
type Orchestrator struct {
	bus       *eventbus.Bus
	policy    *PolicyEngine
	approvals *ApprovalRegistry
	conflicts *ConflictResolver
	notifier  *Notifier
	log       *logger.Logger

	mu            sync.RWMutex
	agents        map[string]*types.Agent
	activeActions map[string]*types.AgentAction
	subscriptions map[string]string

	stopOnce sync.Once
	stopCh   chan struct{}
}

// New wires an orchestrator over the given bus. The bus must not be
// connected yet; Start connects it.
func New(bus *eventbus.Bus, policy *PolicyEngine, approvals *ApprovalRegistry, conflicts *ConflictResolver) *Orchestrator {
	return &Orchestrator{
		bus:           bus,
		policy:        policy,
		approvals:     approvals,
		conflicts:     conflicts,
		notifier:      NewNotifier(),
		log:           logger.New("orchestrator"),
		agents:        make(map[string]*types.Agent),
		activeActions: make(map[string]*types.AgentAction),
		subscriptions: make(map[string]string),
		stopCh:        make(chan struct{}),
	}
}

// Bus exposes the underlying event bus.
func (o *Orchestrator) Bus() *eventbus.Bus { return o.bus }

// Policy exposes the policy engine for rule administration.
func (o *Orchestrator) Policy() *PolicyEngine { return o.policy }

// Approvals exposes the approval registry.
func (o *Orchestrator) Approvals() *ApprovalRegistry { return o.approvals }

// Conflicts exposes the conflict resolver.
func (o *Orchestrator) Conflicts() *ConflictResolver { return o.conflicts }

// Notifier exposes the coordination notification fan-out for the
// presentation layer.
func (o *Orchestrator) Notifier() *Notifier { return o.notifier }

// Start connects the bus, subscribes to the inbound topics, and begins the
// periodic agent health sweep. A bus connection failure is fatal and
// propagates to the caller.
func (o *Orchestrator) Start(ctx context.Context) error {
	if err := o.bus.Connect(ctx); err != nil {
		return fmt.Errorf("orchestrator start: %w", err)
	}

	handlers := map[string]eventbus.HandlerFunc{
		"events:agent-registration":    o.handleAgentRegistration,
		"events:agent-action":          o.handleAgentAction,
		"events:agent-heartbeat":       o.handleHeartbeat,
		"events:infrastructure-change": o.RouteEvent,
		"events:alert":                 o.RouteEvent,
		"events:metric-threshold":      o.RouteEvent,
		"events:cost-anomaly":          o.RouteEvent,
	}
	for _, topic := range inboundTopics {
		token, err := o.bus.Subscribe(ctx, topic, handlers[topic], nil)
		if err != nil {
			return fmt.Errorf("orchestrator start: subscribe %s: %w", topic, err)
		}
		o.mu.Lock()
		o.subscriptions[topic] = token
		o.mu.Unlock()
	}

	go o.healthSweepLoop()

	o.log.Info("orchestrator started", map[string]interface{}{
		"topics": len(inboundTopics),
	})
	return nil
}

// Stop halts the health sweep, drops all subscriptions, and disconnects the
// bus. Safe to call more than once.
func (o *Orchestrator) Stop(ctx context.Context) error {
	o.stopOnce.Do(func() { close(o.stopCh) })

	o.mu.Lock()
	for topic, token := range o.subscriptions {
		_ = o.bus.Unsubscribe(ctx, topic, token)
		delete(o.subscriptions, topic)
	}
	o.mu.Unlock()

	err := o.bus.Disconnect(ctx)
	o.log.Info("orchestrator stopped", nil)
	return err
}

// IsHealthy reports whether the bus connection is up.
func (o *Orchestrator) IsHealthy(ctx context.Context) bool {
	return o.bus.IsHealthy(ctx)
}

// RegisterAgent adds an agent to the registry as running. Agent ids must be
// unique. Publishes an agent_registered coordination event.
func (o *Orchestrator) RegisterAgent(ctx context.Context, config types.AgentConfig) (*types.Agent, error) {
	agent := &types.Agent{
		ID:            config.ID,
		Config:        config,
		Status:        types.AgentRunning,
		LastHeartbeat: time.Now().UTC(),
	}

	o.mu.Lock()
	if _, exists := o.agents[config.ID]; exists {
		o.mu.Unlock()
		return nil, fmt.Errorf("agent %s already registered", config.ID)
	}
	o.agents[config.ID] = agent
	o.mu.Unlock()

	promRegisteredAgents.Inc()
	o.log.Info("agent registered", map[string]interface{}{
		"agent_id":   config.ID,
		"agent_type": string(config.Type),
	})
	o.publishCoordination(ctx, "agent_registered", map[string]interface{}{
		"agentId":   config.ID,
		"agentType": string(config.Type),
	})
	o.notifier.Emit(NotifyAgentRegistered, config.ID, map[string]interface{}{
		"type": string(config.Type),
	})
	return agent, nil
}

// UnregisterAgent removes an agent, cancelling every active action it owns.
// Fails with NotFoundError for an unknown id, including a second call for an
// already-removed agent.
func (o *Orchestrator) UnregisterAgent(ctx context.Context, id string) error {
	o.mu.Lock()
	if _, ok := o.agents[id]; !ok {
		o.mu.Unlock()
		return &types.NotFoundError{Resource: "agent", ID: id}
	}
	delete(o.agents, id)

	var cancelled []string
	for actionID, action := range o.activeActions {
		if action.AgentID != id {
			continue
		}
		action.Status = types.ActionFailed
		action.Result = &types.ActionResult{
			Success: false,
			Message: "cancelled: owning agent unregistered",
			Error:   "cancelled",
		}
		delete(o.activeActions, actionID)
		cancelled = append(cancelled, actionID)
	}
	o.mu.Unlock()

	promRegisteredAgents.Dec()
	o.log.Info("agent unregistered", map[string]interface{}{
		"agent_id":          id,
		"cancelled_actions": len(cancelled),
	})
	o.publishCoordination(ctx, "agent_unregistered", map[string]interface{}{
		"agentId":          id,
		"cancelledActions": cancelled,
	})
	o.notifier.Emit(NotifyAgentUnregistered, id, nil)
	return nil
}

// GetAgent returns the registered agent or a NotFoundError.
func (o *Orchestrator) GetAgent(id string) (*types.Agent, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	agent, ok := o.agents[id]
	if !ok {
		return nil, &types.NotFoundError{Resource: "agent", ID: id}
	}
	return agent, nil
}

// ListAgents returns a snapshot of all registered agents.
func (o *Orchestrator) ListAgents() []*types.Agent {
	o.mu.RLock()
	defer o.mu.RUnlock()
	agents := make([]*types.Agent, 0, len(o.agents))
	for _, agent := range o.agents {
		agents = append(agents, agent)
	}
	return agents
}

// AgentTopic is the dedicated bus topic an agent consumes its routed events
// from.
func AgentTopic(agentID string) string {
	return fmt.Sprintf("agents:%s:events", agentID)
}

// RouteEvent fans an inbound event out to every registered, running agent
// whose type is relevant to it. Each relevant agent receives a re-addressed
// copy on its dedicated topic. Per-agent publish failures are logged and do
// not block routing to other agents; zero relevant agents is a warning, not
// an error.
func (o *Orchestrator) RouteEvent(ctx context.Context, event *types.SystemEvent) error {
	o.mu.RLock()
	var targets []*types.Agent
	for _, agent := range o.agents {
		if agent.Status != types.AgentRunning {
			continue
		}
		if agentInterestedIn(agent.Config.Type, event) {
			targets = append(targets, agent)
		}
	}
	o.mu.RUnlock()

	if len(targets) == 0 {
		promEventsDropped.Inc()
		o.log.Warn("no relevant agent for event, dropping", map[string]interface{}{
			"event_id":   event.ID,
			"event_type": string(event.Type),
		})
		return nil
	}

	routedAt := time.Now().UTC().Format(time.RFC3339Nano)
	for _, agent := range targets {
		routed := *event
		routed.ID = uuid.New().String()
		routed.Source = "orchestrator-to-" + agent.ID
		routed.Data = make(map[string]interface{}, len(event.Data)+3)
		for k, v := range event.Data {
			routed.Data[k] = v
		}
		routed.Data["originalEventId"] = event.ID
		routed.Data["routedTo"] = agent.ID
		routed.Data["routedAt"] = routedAt

		if err := o.bus.PublishTo(ctx, AgentTopic(agent.ID), &routed); err != nil {
			o.log.ErrorWith("failed to route event to agent, continuing", err,
				map[string]interface{}{"event_id": event.ID, "agent_id": agent.ID})
			continue
		}
		promEventsRouted.WithLabelValues(string(agent.Config.Type)).Inc()
	}
	return nil
}

// agentInterestedIn is the fixed relevance mapping from agent type to event.
func agentInterestedIn(agentType types.AgentType, event *types.SystemEvent) bool {
	switch agentType {
	case types.AgentTerraform:
		return event.Type == types.EventInfrastructureChange ||
			(event.Type == types.EventAlert && eventScoped(event, "terraform"))
	case types.AgentKubernetes:
		return event.Type == types.EventMetricThreshold ||
			(event.Type == types.EventAlert && eventScoped(event, "kubernetes"))
	case types.AgentIncidentResponse:
		return event.Type == types.EventAlert ||
			event.Severity == types.SeverityHigh ||
			event.Severity == types.SeverityCritical
	case types.AgentCostOptimization:
		return event.Type == types.EventCostAnomaly ||
			(event.Type == types.EventMetricThreshold && eventScoped(event, "cost"))
	default:
		return false
	}
}

// eventScoped checks whether the event's source or data scope mentions the
// given domain keyword.
func eventScoped(event *types.SystemEvent, keyword string) bool {
	if strings.Contains(strings.ToLower(event.Source), keyword) {
		return true
	}
	if scope, ok := event.Data["scope"].(string); ok {
		return strings.Contains(strings.ToLower(scope), keyword)
	}
	return false
}

// EnforcePolicy evaluates the action against the policy engine and returns
// whether the caller may proceed. A require_approval effect parks the action
// in the approval registry (unless auto-approval short-circuits it) and
// returns false: the action is pending, not denied. Never fails for a
// well-formed action.
func (o *Orchestrator) EnforcePolicy(ctx context.Context, action *types.AgentAction) bool {
	promPolicyEvaluations.Inc()
	effect, rule := o.policy.Evaluate(action)
	promPolicyDecisions.WithLabelValues(string(effect)).Inc()

	fields := map[string]interface{}{
		"action_id":  action.ID,
		"agent_id":   action.AgentID,
		"risk_level": string(action.RiskLevel),
		"effect":     string(effect),
	}
	if rule != nil {
		fields["rule_id"] = rule.ID
	}

	switch effect {
	case EffectDeny:
		action.Status = types.ActionFailed
		o.log.Warn("action denied by policy", fields)
		return false
	case EffectRequireApproval:
		if o.approvals.ShouldAutoApprove(action) {
			o.log.Info("action auto-approved", fields)
			o.trackAction(action)
			return true
		}
		action.Status = types.ActionPending
		o.log.Info("action requires approval", fields)
		outcome := o.approvals.RequestApproval(ctx, action)
		go o.awaitApproval(action, outcome)
		return false
	default:
		o.log.Info("action allowed", fields)
		o.trackAction(action)
		return true
	}
}

// awaitApproval moves a human-approved action into the active-action map so
// the caller can report completion on it later. Rejected and expired actions
// are not tracked.
func (o *Orchestrator) awaitApproval(action *types.AgentAction, outcome <-chan ApprovalOutcome) {
	got := <-outcome
	if got.Err != nil || !got.Approved {
		return
	}
	o.trackAction(action)
}

// trackAction records an allowed action in the active-action map.
func (o *Orchestrator) trackAction(action *types.AgentAction) {
	action.Status = types.ActionApproved
	o.mu.Lock()
	o.activeActions[action.ID] = action
	o.mu.Unlock()
}

// CompleteAction records the outcome of an active action and removes it from
// the active map. Fails with NotFoundError for an unknown id.
func (o *Orchestrator) CompleteAction(ctx context.Context, id string, result *types.ActionResult) error {
	o.mu.Lock()
	action, ok := o.activeActions[id]
	if !ok {
		o.mu.Unlock()
		return &types.NotFoundError{Resource: "active action", ID: id}
	}
	delete(o.activeActions, id)
	o.mu.Unlock()

	now := time.Now().UTC()
	action.ExecutedAt = &now
	action.Result = result
	if result != nil && result.Success {
		action.Status = types.ActionCompleted
	} else {
		action.Status = types.ActionFailed
	}

	o.log.Info("action completed", map[string]interface{}{
		"action_id": id,
		"status":    string(action.Status),
	})
	o.publishCoordination(ctx, "action_completed", map[string]interface{}{
		"actionId": id,
		"agentId":  action.AgentID,
		"status":   string(action.Status),
	})
	return nil
}

// GetActiveActions returns a snapshot of allowed, not yet completed actions.
func (o *Orchestrator) GetActiveActions() []*types.AgentAction {
	o.mu.RLock()
	defer o.mu.RUnlock()
	actions := make([]*types.AgentAction, 0, len(o.activeActions))
	for _, action := range o.activeActions {
		actions = append(actions, action)
	}
	return actions
}

// handleAgentRegistration processes an inbound registration event whose data
// carries an agent config.
func (o *Orchestrator) handleAgentRegistration(ctx context.Context, event *types.SystemEvent) error {
	var config types.AgentConfig
	if err := decodeData(event.Data["config"], &config); err != nil {
		return fmt.Errorf("invalid agent config in event %s: %w", event.ID, err)
	}
	_, err := o.RegisterAgent(ctx, config)
	return err
}

// handleAgentAction processes an inbound proposed action and runs it through
// policy enforcement. Policy decisions are definitive, never handler errors.
func (o *Orchestrator) handleAgentAction(ctx context.Context, event *types.SystemEvent) error {
	var action types.AgentAction
	if err := decodeData(event.Data["action"], &action); err != nil {
		return fmt.Errorf("invalid agent action in event %s: %w", event.ID, err)
	}
	o.EnforcePolicy(ctx, &action)
	return nil
}

// handleHeartbeat refreshes an agent's liveness and metrics. A heartbeat from
// an agent in error state flips it back to running.
func (o *Orchestrator) handleHeartbeat(ctx context.Context, event *types.SystemEvent) error {
	agentID, _ := event.Data["agentId"].(string)
	if agentID == "" {
		return fmt.Errorf("heartbeat event %s missing agentId", event.ID)
	}

	o.mu.Lock()
	agent, ok := o.agents[agentID]
	if !ok {
		o.mu.Unlock()
		return &types.NotFoundError{Resource: "agent", ID: agentID}
	}
	agent.LastHeartbeat = time.Now().UTC()
	recovered := agent.Status != types.AgentRunning
	agent.Status = types.AgentRunning
	metrics, hasMetrics := event.Data["metrics"].(map[string]interface{})
	if hasMetrics {
		agent.Metrics = metrics
	}
	o.mu.Unlock()

	promHeartbeats.Inc()
	if recovered {
		o.notifier.Emit(NotifyAgentStatusChanged, agentID, map[string]interface{}{
			"status": string(types.AgentRunning),
		})
	}
	if hasMetrics {
		o.notifier.Emit(NotifyAgentMetricsUpdated, agentID, metrics)
	}
	return nil
}

// healthSweepLoop marks agents with stale heartbeats as unhealthy every 30s.
func (o *Orchestrator) healthSweepLoop() {
	ticker := time.NewTicker(healthSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			o.sweepAgentHealth()
		case <-o.stopCh:
			return
		}
	}
}

func (o *Orchestrator) sweepAgentHealth() {
	cutoff := time.Now().Add(-heartbeatStaleAfter)

	o.mu.Lock()
	var unhealthy []string
	for id, agent := range o.agents {
		if agent.Status == types.AgentRunning && agent.LastHeartbeat.Before(cutoff) {
			agent.Status = types.AgentError
			unhealthy = append(unhealthy, id)
		}
	}
	o.mu.Unlock()

	for _, id := range unhealthy {
		o.log.Warn("agent heartbeat stale, marking unhealthy", map[string]interface{}{
			"agent_id": id,
		})
		o.notifier.Emit(NotifyAgentUnhealthy, id, nil)
		o.notifier.Emit(NotifyAgentStatusChanged, id, map[string]interface{}{
			"status": string(types.AgentError),
		})
	}
}

// publishCoordination emits an orchestration event onto the bus. Failures
// are logged and swallowed.
func (o *Orchestrator) publishCoordination(ctx context.Context, kind string, data map[string]interface{}) {
	if data == nil {
		data = make(map[string]interface{})
	}
	data["kind"] = kind
	event := &types.SystemEvent{
		ID:        uuid.New().String(),
		Type:      types.EventOrchestration,
		Source:    "orchestrator",
		Severity:  types.SeverityLow,
		Data:      data,
		Timestamp: time.Now().UTC(),
	}
	if err := o.bus.Publish(ctx, event); err != nil {
		o.log.ErrorWith("failed to publish coordination event", err,
			map[string]interface{}{"kind": kind})
	}
}

// decodeData converts a loosely typed event data value into a concrete
// struct via a JSON round-trip.
func decodeData(value interface{}, out interface{}) error {
	if value == nil {
		return fmt.Errorf("missing payload")
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, out)
}
