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
	"sort"

	"github.com/pc099/opula-sub000/shared/logger"
	"github.com/pc099/opula-sub000/shared/types"
)

// ConflictStrategy selects how competing actions over the same resources are
// reduced to the ones that may proceed.
type ConflictStrategy string

const (
	StrategyPriority  ConflictStrategy = "priority"
	StrategyFirstWins ConflictStrategy = "first_wins"
	StrategyMerge     ConflictStrategy = "merge"
	StrategyEscalate  ConflictStrategy = "escalate"
)

// ConflictResolver reduces a set of actions believed to target the same
// resources to the subset that should actually execute.
type ConflictResolver struct {
	Strategy ConflictStrategy

	approvals *ApprovalRegistry
	log       *logger.Logger
}

// NewConflictResolver creates a resolver. The approval registry is used by
// the escalate strategy to park every conflicting action.
func NewConflictResolver(strategy ConflictStrategy, approvals *ApprovalRegistry) *ConflictResolver {
	if strategy == "" {
		strategy = StrategyPriority
	}
	return &ConflictResolver{
		Strategy:  strategy,
		approvals: approvals,
		log:       logger.New("conflict-resolver"),
	}
}

// Resolve returns the actions that should proceed. Zero or one input is
// returned unchanged.
func (r *ConflictResolver) Resolve(ctx context.Context, actions []*types.AgentAction) []*types.AgentAction {
	if len(actions) <= 1 {
		return actions
	}

	switch r.Strategy {
	case StrategyFirstWins:
		return actions[:1]
	case StrategyMerge:
		// Merge semantics are not yet defined; behaves like first_wins
		// until they are.
		r.log.Warn("merge strategy is not implemented, keeping first action",
			map[string]interface{}{"conflicting": len(actions)})
		return actions[:1]
	case StrategyEscalate:
		return r.escalate(ctx, actions)
	default:
		return r.byPriority(actions)
	}
}

// byPriority keeps the single action with the highest risk rank, breaking
// ties by earliest execution time.
func (r *ConflictResolver) byPriority(actions []*types.AgentAction) []*types.AgentAction {
	ranked := append([]*types.AgentAction(nil), actions...)
	sort.SliceStable(ranked, func(i, j int) bool {
		ri, rj := riskRank(ranked[i].RiskLevel), riskRank(ranked[j].RiskLevel)
		if ri != rj {
			return ri > rj
		}
		return executedBefore(ranked[i], ranked[j])
	})
	return ranked[:1]
}

// escalate marks every conflicting action high risk and parks each one in
// the approval registry, so nothing proceeds automatically. Without a
// registry to park into, resolution falls back to priority.
func (r *ConflictResolver) escalate(ctx context.Context, actions []*types.AgentAction) []*types.AgentAction {
	if r.approvals == nil {
		r.log.Error("escalate strategy has no approval registry, falling back to priority",
			map[string]interface{}{"conflicting": len(actions)})
		return r.byPriority(actions)
	}
	for _, action := range actions {
		action.RiskLevel = types.RiskHigh
		r.approvals.RequestApproval(ctx, action)
	}
	r.log.Warn("conflict escalated, all actions pending approval",
		map[string]interface{}{"conflicting": len(actions)})
	return []*types.AgentAction{}
}

func riskRank(level types.RiskLevel) int {
	switch level {
	case types.RiskHigh:
		return 3
	case types.RiskMedium:
		return 2
	default:
		return 1
	}
}

// executedBefore orders actions by ExecutedAt, treating unset timestamps as
// latest.
func executedBefore(a, b *types.AgentAction) bool {
	switch {
	case a.ExecutedAt == nil:
		return false
	case b.ExecutedAt == nil:
		return true
	default:
		return a.ExecutedAt.Before(*b.ExecutedAt)
	}
}
