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

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pc099/opula-sub000/eventbus"
	"github.com/pc099/opula-sub000/shared/logger"
	"github.com/pc099/opula-sub000/shared/types"
)

// DefaultApprovalTimeout bounds how long an action may wait for a human
// decision before it expires.
const DefaultApprovalTimeout = 5 * time.Minute

// HighRiskAction is an action parked in the approval registry awaiting a
// human decision.
type HighRiskAction struct {
	types.AgentAction

	ApprovalRequired    bool       `json:"approval_required"`
	ApprovalRequestedAt time.Time  `json:"approval_requested_at"`
	ApprovedBy          string     `json:"approved_by,omitempty"`
	ApprovedAt          *time.Time `json:"approved_at,omitempty"`
}

// ApprovalOutcome resolves a pending approval: a decision by a human, or an
// expiry error when the window elapses.
type ApprovalOutcome struct {
	Approved  bool
	DecidedBy string
	Reason    string
	Err       error
}

type pendingApproval struct {
	action  *HighRiskAction
	outcome chan ApprovalOutcome
	timer   *time.Timer
}

// ApprovalRegistry tracks actions blocked pending a human decision, with
// timeout-based expiry. Decisions and expiries are terminal; the entry is
// removed either way.
type ApprovalRegistry struct {
	bus     *eventbus.Bus
	log     *logger.Logger
	timeout time.Duration

	// AutoApprove short-circuits low-risk and non-production medium-risk
	// actions past the registry entirely.
	AutoApprove bool

	mu      sync.RWMutex
	pending map[string]*pendingApproval
}

// NewApprovalRegistry creates a registry publishing coordination events to
// the given bus. timeout <= 0 falls back to DefaultApprovalTimeout.
func NewApprovalRegistry(bus *eventbus.Bus, timeout time.Duration) *ApprovalRegistry {
	if timeout <= 0 {
		timeout = DefaultApprovalTimeout
	}
	return &ApprovalRegistry{
		bus:     bus,
		log:     logger.New("approval-registry"),
		timeout: timeout,
		pending: make(map[string]*pendingApproval),
	}
}

// ShouldAutoApprove reports whether the action can skip the registry: auto
// approval is enabled and the action is low risk, or medium risk without
// touching production-named resources.
func (r *ApprovalRegistry) ShouldAutoApprove(action *types.AgentAction) bool {
	if !r.AutoApprove {
		return false
	}
	switch action.RiskLevel {
	case types.RiskLow:
		return true
	case types.RiskMedium:
		return !touchesProduction(action.TargetResources)
	default:
		return false
	}
}

func touchesProduction(resources []string) bool {
	return valueContains(resources, "prod")
}

// RequestApproval parks the action as pending and returns a channel that
// receives exactly one outcome: the human decision, or a TimeoutError after
// the approval window elapses. Publishes an approval_requested coordination
// event.
func (r *ApprovalRegistry) RequestApproval(ctx context.Context, action *types.AgentAction) <-chan ApprovalOutcome {
	highRisk := &HighRiskAction{
		AgentAction:         *action,
		ApprovalRequired:    true,
		ApprovalRequestedAt: time.Now().UTC(),
	}
	highRisk.RiskLevel = types.RiskHigh

	entry := &pendingApproval{
		action:  highRisk,
		outcome: make(chan ApprovalOutcome, 1),
	}
	entry.timer = time.AfterFunc(r.timeout, func() {
		r.expire(action.ID)
	})

	r.mu.Lock()
	r.pending[action.ID] = entry
	r.mu.Unlock()

	r.log.Info("action pending approval", map[string]interface{}{
		"action_id": action.ID,
		"agent_id":  action.AgentID,
		"timeout":   r.timeout.String(),
	})
	r.publishDecision(ctx, "approval_requested", highRisk, "", "")

	return entry.outcome
}

// ApproveAction resolves the pending approval positively. Fails with
// NotFoundError when the id is not pending.
func (r *ApprovalRegistry) ApproveAction(ctx context.Context, id, approvedBy, reason string) error {
	entry, err := r.take(id)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	entry.action.Status = types.ActionApproved
	entry.action.ApprovedBy = approvedBy
	entry.action.ApprovedAt = &now

	promApprovalOutcomes.WithLabelValues("approved").Inc()
	r.log.Info("action approved", map[string]interface{}{
		"action_id":   id,
		"approved_by": approvedBy,
	})
	r.publishDecision(ctx, "action_approved", entry.action, approvedBy, reason)
	entry.outcome <- ApprovalOutcome{Approved: true, DecidedBy: approvedBy, Reason: reason}
	return nil
}

// RejectAction resolves the pending approval negatively. Fails with
// NotFoundError when the id is not pending.
func (r *ApprovalRegistry) RejectAction(ctx context.Context, id, rejectedBy, reason string) error {
	entry, err := r.take(id)
	if err != nil {
		return err
	}

	entry.action.Status = types.ActionFailed

	promApprovalOutcomes.WithLabelValues("rejected").Inc()
	r.log.Info("action rejected", map[string]interface{}{
		"action_id":   id,
		"rejected_by": rejectedBy,
		"reason":      reason,
	})
	r.publishDecision(ctx, "action_rejected", entry.action, rejectedBy, reason)
	entry.outcome <- ApprovalOutcome{Approved: false, DecidedBy: rejectedBy, Reason: reason}
	return nil
}

// GetPendingApprovals returns a snapshot of all actions awaiting a decision.
func (r *ApprovalRegistry) GetPendingApprovals() []*HighRiskAction {
	r.mu.RLock()
	defer r.mu.RUnlock()
	actions := make([]*HighRiskAction, 0, len(r.pending))
	for _, entry := range r.pending {
		actions = append(actions, entry.action)
	}
	return actions
}

// take removes and returns the pending entry, stopping its expiry timer.
func (r *ApprovalRegistry) take(id string) (*pendingApproval, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.pending[id]
	if !ok {
		return nil, &types.NotFoundError{Resource: "pending approval", ID: id}
	}
	delete(r.pending, id)
	entry.timer.Stop()
	return entry, nil
}

// expire removes a pending entry whose window elapsed and rejects its
// waiting channel with a TimeoutError.
func (r *ApprovalRegistry) expire(id string) {
	r.mu.Lock()
	entry, ok := r.pending[id]
	if ok {
		delete(r.pending, id)
	}
	r.mu.Unlock()
	if !ok {
		// Decided just before the timer fired.
		return
	}

	promApprovalOutcomes.WithLabelValues("expired").Inc()
	r.log.Warn("approval timed out", map[string]interface{}{
		"action_id": id,
		"timeout":   r.timeout.String(),
	})
	r.publishDecision(context.Background(), "action_expired", entry.action, "", "approval window elapsed")
	entry.outcome <- ApprovalOutcome{
		Err: &types.TimeoutError{ActionID: id, Window: r.timeout},
	}
}

// publishDecision emits an orchestration coordination event. Publish
// failures are logged and swallowed so approvals never block on the bus.
func (r *ApprovalRegistry) publishDecision(ctx context.Context, kind string, action *HighRiskAction, decidedBy, reason string) {
	data := map[string]interface{}{
		"kind":      kind,
		"actionId":  action.ID,
		"agentId":   action.AgentID,
		"riskLevel": string(action.RiskLevel),
	}
	if decidedBy != "" {
		data["decidedBy"] = decidedBy
	}
	if reason != "" {
		data["reason"] = reason
	}

	event := &types.SystemEvent{
		ID:        uuid.New().String(),
		Type:      types.EventOrchestration,
		Source:    "orchestrator",
		Severity:  types.SeverityMedium,
		Data:      data,
		Timestamp: time.Now().UTC(),
	}
	if err := r.bus.Publish(ctx, event); err != nil {
		r.log.ErrorWith("failed to publish coordination event", err,
			map[string]interface{}{"kind": kind, "action_id": action.ID})
	}
}
