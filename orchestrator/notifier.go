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
	"sync"
	"time"
)

// Coordination notification kinds consumed by the presentation layer
// (dashboard websocket relay). These are local, in-process signals and are
// not part of the durable event stream.
const (
	NotifyAgentRegistered     = "agent-registered"
	NotifyAgentUnregistered   = "agent-unregistered"
	NotifyAgentStatusChanged  = "agent-status-changed"
	NotifyAgentMetricsUpdated = "agent-metrics-updated"
	NotifyAgentUnhealthy      = "agent-unhealthy"
)

// CoordinationNotification is one signal pushed to registered listeners.
type CoordinationNotification struct {
	Kind      string                 `json:"kind"`
	AgentID   string                 `json:"agent_id,omitempty"`
	Payload   map[string]interface{} `json:"payload,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

// Notifier fans coordination notifications out to in-process listeners.
type Notifier struct {
	mu        sync.RWMutex
	listeners []func(CoordinationNotification)
}

// NewNotifier creates an empty Notifier.
func NewNotifier() *Notifier {
	return &Notifier{}
}

// AddListener registers a listener. Listeners are invoked synchronously on
// the notifying goroutine and must not block.
func (n *Notifier) AddListener(fn func(CoordinationNotification)) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.listeners = append(n.listeners, fn)
}

// Emit delivers the notification to every listener.
func (n *Notifier) Emit(kind, agentID string, payload map[string]interface{}) {
	notification := CoordinationNotification{
		Kind:      kind,
		AgentID:   agentID,
		Payload:   payload,
		Timestamp: time.Now().UTC(),
	}
	n.mu.RLock()
	listeners := make([]func(CoordinationNotification), len(n.listeners))
	copy(listeners, n.listeners)
	n.mu.RUnlock()
	for _, fn := range listeners {
		fn(notification)
	}
}
