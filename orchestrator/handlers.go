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
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/pc099/opula-sub000/shared/logger"
	"github.com/pc099/opula-sub000/shared/types"
)

// apiServer exposes the orchestrator's administrative surface over REST.
type apiServer struct {
	orch *Orchestrator
	log  *logger.Logger
}

func newAPIServer(orch *Orchestrator) *apiServer {
	return &apiServer{
		orch: orch,
		log:  logger.New("admin-api"),
	}
}

func (s *apiServer) registerRoutes(r *mux.Router) {
	r.HandleFunc("/health", s.healthHandler).Methods("GET")

	api := r.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/agents", s.listAgentsHandler).Methods("GET")
	api.HandleFunc("/agents", s.registerAgentHandler).Methods("POST")
	api.HandleFunc("/agents/{id}", s.getAgentHandler).Methods("GET")
	api.HandleFunc("/agents/{id}", s.unregisterAgentHandler).Methods("DELETE")

	api.HandleFunc("/actions", s.listActionsHandler).Methods("GET")
	api.HandleFunc("/actions/enforce", s.enforcePolicyHandler).Methods("POST")
	api.HandleFunc("/actions/{id}/complete", s.completeActionHandler).Methods("POST")

	api.HandleFunc("/approvals", s.listApprovalsHandler).Methods("GET")
	api.HandleFunc("/approvals/{id}/approve", s.approveActionHandler).Methods("POST")
	api.HandleFunc("/approvals/{id}/reject", s.rejectActionHandler).Methods("POST")

	api.HandleFunc("/policies", s.listPoliciesHandler).Methods("GET")
	api.HandleFunc("/policies", s.addPolicyHandler).Methods("POST")
	api.HandleFunc("/policies/{id}", s.removePolicyHandler).Methods("DELETE")

	api.HandleFunc("/conflicts/resolve", s.resolveConflictsHandler).Methods("POST")

	api.HandleFunc("/events", s.publishEventHandler).Methods("POST")
	api.HandleFunc("/events/history", s.eventHistoryHandler).Methods("GET")
	api.HandleFunc("/events/replay", s.replayEventsHandler).Methods("POST")
}

func (s *apiServer) healthHandler(w http.ResponseWriter, r *http.Request) {
	healthy := s.orch.IsHealthy(r.Context())
	status := http.StatusOK
	if !healthy {
		status = http.StatusServiceUnavailable
	}
	s.writeJSON(w, status, map[string]interface{}{
		"status":  map[bool]string{true: "healthy", false: "unhealthy"}[healthy],
		"service": "opula-orchestrator",
	})
}

func (s *apiServer) listAgentsHandler(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.orch.ListAgents())
}

func (s *apiServer) registerAgentHandler(w http.ResponseWriter, r *http.Request) {
	var config types.AgentConfig
	if !s.decode(w, r, &config) {
		return
	}
	if err := validateAgentConfig(&config); err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	agent, err := s.orch.RegisterAgent(r.Context(), config)
	if err != nil {
		s.writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
		return
	}
	s.writeJSON(w, http.StatusCreated, agent)
}

func (s *apiServer) getAgentHandler(w http.ResponseWriter, r *http.Request) {
	agent, err := s.orch.GetAgent(mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, agent)
}

func (s *apiServer) unregisterAgentHandler(w http.ResponseWriter, r *http.Request) {
	if err := s.orch.UnregisterAgent(r.Context(), mux.Vars(r)["id"]); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "unregistered"})
}

func (s *apiServer) listActionsHandler(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.orch.GetActiveActions())
}

func (s *apiServer) enforcePolicyHandler(w http.ResponseWriter, r *http.Request) {
	var action types.AgentAction
	if !s.decode(w, r, &action) {
		return
	}
	if action.ID == "" {
		action.ID = uuid.New().String()
	}
	allowed := s.orch.EnforcePolicy(r.Context(), &action)
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"allowed": allowed,
		"action":  action,
	})
}

func (s *apiServer) completeActionHandler(w http.ResponseWriter, r *http.Request) {
	var result types.ActionResult
	if !s.decode(w, r, &result) {
		return
	}
	if err := s.orch.CompleteAction(r.Context(), mux.Vars(r)["id"], &result); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "completed"})
}

func (s *apiServer) listApprovalsHandler(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.orch.Approvals().GetPendingApprovals())
}

type decisionRequest struct {
	DecidedBy string `json:"decided_by"`
	Reason    string `json:"reason,omitempty"`
}

func (s *apiServer) approveActionHandler(w http.ResponseWriter, r *http.Request) {
	var req decisionRequest
	if !s.decode(w, r, &req) {
		return
	}
	err := s.orch.Approvals().ApproveAction(r.Context(), mux.Vars(r)["id"], req.DecidedBy, req.Reason)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "approved"})
}

func (s *apiServer) rejectActionHandler(w http.ResponseWriter, r *http.Request) {
	var req decisionRequest
	if !s.decode(w, r, &req) {
		return
	}
	err := s.orch.Approvals().RejectAction(r.Context(), mux.Vars(r)["id"], req.DecidedBy, req.Reason)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "rejected"})
}

func (s *apiServer) listPoliciesHandler(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.orch.Policy().ListRules())
}

func (s *apiServer) addPolicyHandler(w http.ResponseWriter, r *http.Request) {
	var rule PolicyRule
	if !s.decode(w, r, &rule) {
		return
	}
	if rule.ID == "" {
		rule.ID = uuid.New().String()
	}
	if err := s.orch.Policy().AddRule(rule); err != nil {
		s.writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
		return
	}
	s.writeJSON(w, http.StatusCreated, rule)
}

func (s *apiServer) removePolicyHandler(w http.ResponseWriter, r *http.Request) {
	if err := s.orch.Policy().RemoveRule(mux.Vars(r)["id"]); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "removed"})
}

func (s *apiServer) resolveConflictsHandler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Actions []*types.AgentAction `json:"actions"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	resolved := s.orch.Conflicts().Resolve(r.Context(), req.Actions)
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"strategy": string(s.orch.Conflicts().Strategy),
		"actions":  resolved,
	})
}

func (s *apiServer) publishEventHandler(w http.ResponseWriter, r *http.Request) {
	var event types.SystemEvent
	if !s.decode(w, r, &event) {
		return
	}
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	if err := s.orch.Bus().Publish(r.Context(), &event); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, event)
}

func (s *apiServer) eventHistoryHandler(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	var start, end *time.Time
	if t, err := time.Parse(time.RFC3339, query.Get("start")); err == nil {
		start = &t
	}
	if t, err := time.Parse(time.RFC3339, query.Get("end")); err == nil {
		end = &t
	}
	limit := 100
	if n, err := strconv.Atoi(query.Get("limit")); err == nil && n > 0 {
		limit = n
	}

	events, err := s.orch.Bus().GetEventHistory(r.Context(), start, end, limit)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, events)
}

func (s *apiServer) replayEventsHandler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Start       time.Time `json:"start"`
		End         time.Time `json:"end"`
		TargetTopic string    `json:"target_topic,omitempty"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	count, err := s.orch.Bus().ReplayEvents(r.Context(), req.Start, req.End, req.TargetTopic)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]int{"replayed": count})
}

func (s *apiServer) decode(w http.ResponseWriter, r *http.Request, out interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(out); err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return false
	}
	return true
}

func (s *apiServer) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	if types.IsNotFound(err) {
		status = http.StatusNotFound
	}
	s.writeJSON(w, status, map[string]string{"error": err.Error()})
}

func (s *apiServer) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.ErrorWith("failed to encode response", err, nil)
	}
}
