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
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/pc099/opula-sub000/shared/logger"
)

// PolicyStore loads policy rules from Postgres. The store is optional: when
// no database is configured, or a load fails, callers fall back to
// DefaultPolicyRules.
type PolicyStore struct {
	db  *sql.DB
	log *logger.Logger
}

// NewPolicyStore wraps an open database handle.
func NewPolicyStore(db *sql.DB) *PolicyStore {
	return &PolicyStore{
		db:  db,
		log: logger.New("policy-store"),
	}
}

// LoadRules reads all enabled policy rules, highest priority first.
// Conditions are stored as a JSON array. Rows that fail to scan or parse are
// skipped with a log line rather than failing the whole load.
func (s *PolicyStore) LoadRules() ([]PolicyRule, error) {
	if s.db == nil {
		return nil, fmt.Errorf("database not available")
	}

	query := `
		SELECT id, name, conditions, effect, priority, enabled
		FROM policy_rules
		WHERE enabled = true
		ORDER BY priority DESC, created_at ASC
	`

	rows, err := s.db.Query(query)
	if err != nil {
		return nil, fmt.Errorf("failed to query policy rules: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var rules []PolicyRule
	for rows.Next() {
		var rule PolicyRule
		var conditionsJSON json.RawMessage
		var effect string

		if err := rows.Scan(
			&rule.ID,
			&rule.Name,
			&conditionsJSON,
			&effect,
			&rule.Priority,
			&rule.Enabled,
		); err != nil {
			s.log.ErrorWith("skipping unreadable policy rule row", err, nil)
			continue
		}

		if err := json.Unmarshal(conditionsJSON, &rule.Conditions); err != nil {
			s.log.ErrorWith("skipping policy rule with invalid conditions", err,
				map[string]interface{}{"rule_id": rule.ID})
			continue
		}
		rule.Effect = PolicyEffect(effect)
		rules = append(rules, rule)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating policy rules: %w", err)
	}

	s.log.Info("policy rules loaded from database", map[string]interface{}{
		"count": len(rules),
	})
	return rules, nil
}

// LoadRulesOrDefaults returns database rules when a store is available and
// the load succeeds, and the built-in defaults otherwise. A nil store is a
// valid receiver.
func (s *PolicyStore) LoadRulesOrDefaults() []PolicyRule {
	if s == nil || s.db == nil {
		return DefaultPolicyRules()
	}
	rules, err := s.LoadRules()
	if err != nil {
		s.log.ErrorWith("falling back to default policy rules", err, nil)
		return DefaultPolicyRules()
	}
	if len(rules) == 0 {
		return DefaultPolicyRules()
	}
	return rules
}
