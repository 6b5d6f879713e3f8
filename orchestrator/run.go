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
	"database/sql"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"

	"github.com/pc099/opula-sub000/eventbus"
	"github.com/pc099/opula-sub000/shared/logger"
)

// Run wires one orchestrator instance graph from the environment and serves
// the admin API until the process exits.
//
// Environment:
//
//	PORT                    HTTP listen port (default 8081)
//	REDIS_URL               broker URL (default redis://localhost:6379)
//	DATABASE_URL            optional Postgres DSN for the policy rule store
//	OPULA_AGENT_CONFIG_DIR  optional directory of YAML agent configs
//	EVENT_RETENTION_DAYS    history window in days (default 30)
//	APPROVAL_TIMEOUT        approval window, Go duration (default 5m)
//	AUTO_APPROVE            "true" enables the auto-approval short-circuit
//	CONFLICT_STRATEGY       priority|first_wins|merge|escalate (default priority)
func Run() error {
	log := logger.New("orchestrator-service")
	ctx := context.Background()

	busCfg := eventbus.DefaultConfig(getEnv("REDIS_URL", "redis://localhost:6379"))
	if days, err := strconv.Atoi(getEnv("EVENT_RETENTION_DAYS", "")); err == nil && days > 0 {
		busCfg.Retention = time.Duration(days) * 24 * time.Hour
	}
	bus := eventbus.New(busCfg)

	var store *PolicyStore
	if dsn := getEnv("DATABASE_URL", ""); dsn != "" {
		db, err := sql.Open("postgres", dsn)
		if err == nil {
			err = db.Ping()
		}
		if err != nil {
			log.ErrorWith("policy rule database unavailable, using defaults", err, nil)
		} else {
			store = NewPolicyStore(db)
			log.Info("policy rule database connected", nil)
		}
	}
	policy := NewPolicyEngine(store.LoadRulesOrDefaults())

	approvalTimeout := DefaultApprovalTimeout
	if d, err := time.ParseDuration(getEnv("APPROVAL_TIMEOUT", "")); err == nil && d > 0 {
		approvalTimeout = d
	}
	approvals := NewApprovalRegistry(bus, approvalTimeout)
	approvals.AutoApprove = getEnv("AUTO_APPROVE", "false") == "true"

	conflicts := NewConflictResolver(
		ConflictStrategy(getEnv("CONFLICT_STRATEGY", string(StrategyPriority))),
		approvals,
	)

	orch := New(bus, policy, approvals, conflicts)
	if err := orch.Start(ctx); err != nil {
		return err
	}

	if dir := getEnv("OPULA_AGENT_CONFIG_DIR", ""); dir != "" {
		if err := orch.BootstrapAgents(ctx, dir); err != nil {
			log.ErrorWith("agent bootstrap failed, continuing without preloaded agents", err,
				map[string]interface{}{"dir": dir})
		}
	}

	r := mux.NewRouter()
	c := cors.New(cors.Options{
		AllowedOrigins:   []string{"*"}, // Configure for production
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: true,
	})

	api := newAPIServer(orch)
	api.registerRoutes(r)
	r.Handle("/prometheus", promhttp.Handler()).Methods("GET")

	port := getEnv("PORT", "8081")
	log.Info("opula orchestrator listening", map[string]interface{}{"port": port})
	return http.ListenAndServe(":"+port, c.Handler(r))
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
