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

import (
	"errors"
	"fmt"
	"time"
)

// ErrNotConnected is returned when a bus operation is attempted before
// Connect. This is a programmer error and is never retried.
var ErrNotConnected = errors.New("event bus not connected")

// ConnectionError wraps a transport-level failure reaching the broker.
// Fatal to startup; the caller decides whether to retry.
type ConnectionError struct {
	Op  string
	Err error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("event bus connection failed during %s: %v", e.Op, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// NotFoundError reports a reference to an unknown agent, action, approval,
// or policy rule. Surfaced immediately to the caller (404-equivalent).
type NotFoundError struct {
	Resource string
	ID       string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Resource, e.ID)
}

// IsNotFound reports whether err is a NotFoundError.
func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}

// TimeoutError reports that a pending approval was not decided within the
// configured window. The pending entry is removed when this is raised.
type TimeoutError struct {
	ActionID string
	Window   time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("approval for action %s timed out after %s", e.ActionID, e.Window)
}

// IsTimeout reports whether err is a TimeoutError.
func IsTimeout(err error) bool {
	var te *TimeoutError
	return errors.As(err, &te)
}

// SubscriptionCallbackError reports a subscriber handler that failed after
// exhausting its retries. It is surfaced through the bus notification
// channel and never propagated to the publisher.
type SubscriptionCallbackError struct {
	Topic   string
	EventID string
	Err     error
}

func (e *SubscriptionCallbackError) Error() string {
	return fmt.Sprintf("subscription callback on %s failed for event %s: %v", e.Topic, e.EventID, e.Err)
}

func (e *SubscriptionCallbackError) Unwrap() error { return e.Err }
