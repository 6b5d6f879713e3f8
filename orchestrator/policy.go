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
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/pc099/opula-sub000/shared/logger"
	"github.com/pc099/opula-sub000/shared/types"
)

// PolicyEffect is the outcome a matched rule imposes on an action.
type PolicyEffect string

const (
	EffectAllow           PolicyEffect = "allow"
	EffectDeny            PolicyEffect = "deny"
	EffectRequireApproval PolicyEffect = "require_approval"
)

// RuleCondition is a single field/operator/value predicate over an action.
// All conditions on a rule must hold for the rule to match (AND logic).
type RuleCondition struct {
	Field    string      `json:"field"`    // "risk_level", "type", "description", "target_resources", "agent_id", "estimated_impact"
	Operator string      `json:"operator"` // "equals", "not_equals", "contains", "regex", "in"
	Value    interface{} `json:"value"`
}

// PolicyRule maps a conjunction of conditions to an effect. Rules are
// evaluated priority-descending; for equal priorities, insertion order wins.
type PolicyRule struct {
	ID         string          `json:"id"`
	Name       string          `json:"name"`
	Conditions []RuleCondition `json:"conditions"`
	Effect     PolicyEffect    `json:"effect"`
	Priority   int             `json:"priority"`
	Enabled    bool            `json:"enabled"`
}

// PolicyEngine evaluates proposed agent actions against an ordered rule set.
type PolicyEngine struct {
	mu    sync.RWMutex
	rules []PolicyRule
	log   *logger.Logger
}

// NewPolicyEngine creates an engine seeded with the given rules. Pass
// DefaultPolicyRules() for the built-in safety baseline.
func NewPolicyEngine(rules []PolicyRule) *PolicyEngine {
	return &PolicyEngine{
		rules: append([]PolicyRule(nil), rules...),
		log:   logger.New("policy-engine"),
	}
}

// DefaultPolicyRules returns the built-in safety baseline: high-risk and
// production-touching actions need approval, destructive operations need
// approval, low-risk actions are allowed outright.
func DefaultPolicyRules() []PolicyRule {
	return []PolicyRule{
		{
			ID:   "high-risk-approval",
			Name: "High risk actions require approval",
			Conditions: []RuleCondition{
				{Field: "risk_level", Operator: "equals", Value: "high"},
			},
			Effect:   EffectRequireApproval,
			Priority: 100,
			Enabled:  true,
		},
		{
			ID:   "production-resources-approval",
			Name: "Actions touching production resources require approval",
			Conditions: []RuleCondition{
				{Field: "target_resources", Operator: "contains", Value: "prod"},
			},
			Effect:   EffectRequireApproval,
			Priority: 90,
			Enabled:  true,
		},
		{
			ID:   "service-restart-approval",
			Name: "Service restarts require approval",
			Conditions: []RuleCondition{
				{Field: "type", Operator: "equals", Value: "restart-service"},
			},
			Effect:   EffectRequireApproval,
			Priority: 80,
			Enabled:  true,
		},
		{
			ID:   "destructive-description-approval",
			Name: "Destructive operations require approval",
			Conditions: []RuleCondition{
				{Field: "description", Operator: "regex", Value: "(?i)(delete|destroy)"},
			},
			Effect:   EffectRequireApproval,
			Priority: 80,
			Enabled:  true,
		},
		{
			ID:   "low-risk-allow",
			Name: "Low risk actions are allowed",
			Conditions: []RuleCondition{
				{Field: "risk_level", Operator: "equals", Value: "low"},
			},
			Effect:   EffectAllow,
			Priority: 10,
			Enabled:  true,
		},
	}
}

// AddRule registers a new rule. Rule ids must be unique.
func (e *PolicyEngine) AddRule(rule PolicyRule) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, existing := range e.rules {
		if existing.ID == rule.ID {
			return fmt.Errorf("policy rule %s already exists", rule.ID)
		}
	}
	e.rules = append(e.rules, rule)
	e.log.Info("policy rule added", map[string]interface{}{
		"rule_id":  rule.ID,
		"effect":   string(rule.Effect),
		"priority": rule.Priority,
	})
	return nil
}

// RemoveRule deletes the rule with the given id.
func (e *PolicyEngine) RemoveRule(id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i, rule := range e.rules {
		if rule.ID == id {
			e.rules = append(e.rules[:i], e.rules[i+1:]...)
			e.log.Info("policy rule removed", map[string]interface{}{"rule_id": id})
			return nil
		}
	}
	return &types.NotFoundError{Resource: "policy rule", ID: id}
}

// ListRules returns a snapshot of all registered rules in insertion order.
func (e *PolicyEngine) ListRules() []PolicyRule {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return append([]PolicyRule(nil), e.rules...)
}

// Evaluate returns the effect of the single highest-priority enabled rule
// whose conditions all match the action, along with that rule. Ties on
// priority go to the earliest-registered rule. With no match the action is
// allowed by default and the returned rule is nil.
func (e *PolicyEngine) Evaluate(action *types.AgentAction) (PolicyEffect, *PolicyRule) {
	e.mu.RLock()
	matched := make([]PolicyRule, 0, len(e.rules))
	for _, rule := range e.rules {
		if !rule.Enabled {
			continue
		}
		if e.ruleMatches(rule, action) {
			matched = append(matched, rule)
		}
	}
	e.mu.RUnlock()

	if len(matched) == 0 {
		return EffectAllow, nil
	}

	sort.SliceStable(matched, func(i, j int) bool {
		return matched[i].Priority > matched[j].Priority
	})
	winner := matched[0]
	return winner.Effect, &winner
}

// ruleMatches checks if all of a rule's conditions hold (AND logic).
func (e *PolicyEngine) ruleMatches(rule PolicyRule, action *types.AgentAction) bool {
	for _, condition := range rule.Conditions {
		if !e.conditionMatches(condition, action) {
			return false
		}
	}
	return true
}

// conditionMatches evaluates a single condition against the action.
func (e *PolicyEngine) conditionMatches(condition RuleCondition, action *types.AgentAction) bool {
	fieldValue := actionFieldValue(condition.Field, action)

	switch condition.Operator {
	case "equals":
		return fmt.Sprint(fieldValue) == fmt.Sprint(condition.Value)
	case "not_equals":
		return fmt.Sprint(fieldValue) != fmt.Sprint(condition.Value)
	case "contains":
		return valueContains(fieldValue, fmt.Sprint(condition.Value))
	case "regex":
		return matchRegex(fmt.Sprint(fieldValue), fmt.Sprint(condition.Value))
	case "in":
		return valueIn(condition.Value, fieldValue)
	default:
		e.log.Warn("unknown policy operator", map[string]interface{}{
			"operator": condition.Operator,
		})
		return false
	}
}

// actionFieldValue extracts the addressed field from the action.
func actionFieldValue(field string, action *types.AgentAction) interface{} {
	switch field {
	case "risk_level":
		return string(action.RiskLevel)
	case "type":
		return action.Type
	case "description":
		return action.Description
	case "target_resources":
		return action.TargetResources
	case "agent_id":
		return action.AgentID
	case "estimated_impact":
		return action.EstimatedImpact
	default:
		return nil
	}
}

// valueContains does a case-insensitive substring check. For a string slice
// the condition holds if any element contains the needle.
func valueContains(fieldValue interface{}, needle string) bool {
	needle = strings.ToLower(needle)
	if items, ok := fieldValue.([]string); ok {
		for _, item := range items {
			if strings.Contains(strings.ToLower(item), needle) {
				return true
			}
		}
		return false
	}
	return strings.Contains(strings.ToLower(fmt.Sprint(fieldValue)), needle)
}

// valueIn checks membership of fieldValue in a condition value list.
func valueIn(conditionValue, fieldValue interface{}) bool {
	field := fmt.Sprint(fieldValue)
	switch list := conditionValue.(type) {
	case []string:
		for _, item := range list {
			if item == field {
				return true
			}
		}
	case []interface{}:
		for _, item := range list {
			if fmt.Sprint(item) == field {
				return true
			}
		}
	}
	return false
}

func matchRegex(value, pattern string) bool {
	matched, err := regexp.MatchString(pattern, value)
	if err != nil {
		return false
	}
	return matched
}
