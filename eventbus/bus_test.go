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

package eventbus

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pc099/opula-sub000/shared/types"
)

func newTestBus(t *testing.T) *Bus {
	t.Helper()
	mr := miniredis.RunT(t)

	cfg := DefaultConfig("redis://" + mr.Addr())
	cfg.RetryAttempts = 3
	cfg.RetryDelay = 5 * time.Millisecond

	bus := New(cfg)
	require.NoError(t, bus.Connect(context.Background()))
	t.Cleanup(func() { _ = bus.Disconnect(context.Background()) })
	return bus
}

func testEvent(eventType types.EventType, source string) *types.SystemEvent {
	return &types.SystemEvent{
		ID:        "evt-" + string(eventType) + "-" + source,
		Type:      eventType,
		Source:    source,
		Severity:  types.SeverityMedium,
		Data:      map[string]interface{}{"key": "value"},
		Timestamp: time.Now().UTC(),
	}
}

// subscribe and give the broker-level subscription a moment to settle before
// the test publishes.
func subscribeSettled(t *testing.T, bus *Bus, topic string, handler EventHandler, filter EventFilter) string {
	t.Helper()
	token, err := bus.Subscribe(context.Background(), topic, handler, filter)
	require.NoError(t, err)
	time.Sleep(100 * time.Millisecond)
	return token
}

func TestTopicFor(t *testing.T) {
	tests := []struct {
		name   string
		event  *types.SystemEvent
		expect string
	}{
		{
			name:   "type only",
			event:  &types.SystemEvent{Type: types.EventAlert},
			expect: "events:alert",
		},
		{
			name:   "type and source",
			event:  &types.SystemEvent{Type: types.EventInfrastructureChange, Source: "terraform"},
			expect: "events:infrastructure-change:terraform",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expect, TopicFor(tt.event))
		})
	}
}

func TestBus_OperationsBeforeConnect(t *testing.T) {
	bus := New(DefaultConfig("redis://localhost:6379"))

	err := bus.Publish(context.Background(), testEvent(types.EventAlert, ""))
	assert.ErrorIs(t, err, types.ErrNotConnected)

	_, err = bus.Subscribe(context.Background(), "events:alert", HandlerFunc(func(ctx context.Context, e *types.SystemEvent) error {
		return nil
	}), nil)
	assert.ErrorIs(t, err, types.ErrNotConnected)
}

func TestBus_ConnectUnreachable(t *testing.T) {
	bus := New(DefaultConfig("redis://127.0.0.1:1"))
	err := bus.Connect(context.Background())
	require.Error(t, err)

	var connErr *types.ConnectionError
	assert.True(t, errors.As(err, &connErr))
}

func TestBus_PublishSubscribeRoundtrip(t *testing.T) {
	bus := newTestBus(t)

	var received atomic.Value
	subscribeSettled(t, bus, "events:alert", HandlerFunc(func(ctx context.Context, e *types.SystemEvent) error {
		received.Store(e)
		return nil
	}), nil)

	event := testEvent(types.EventAlert, "")
	require.NoError(t, bus.Publish(context.Background(), event))

	require.Eventually(t, func() bool {
		return received.Load() != nil
	}, 2*time.Second, 10*time.Millisecond)

	got := received.Load().(*types.SystemEvent)
	assert.Equal(t, event.ID, got.ID)
	assert.Equal(t, event.Type, got.Type)
	assert.Equal(t, "value", got.Data["key"])
}

func TestBus_CatchAllFanout(t *testing.T) {
	bus := newTestBus(t)

	var count atomic.Int32
	subscribeSettled(t, bus, TopicAll, HandlerFunc(func(ctx context.Context, e *types.SystemEvent) error {
		count.Add(1)
		return nil
	}), nil)

	require.NoError(t, bus.Publish(context.Background(), testEvent(types.EventInfrastructureChange, "terraform")))
	require.NoError(t, bus.Publish(context.Background(), testEvent(types.EventCostAnomaly, "")))

	require.Eventually(t, func() bool {
		return count.Load() == 2
	}, 2*time.Second, 10*time.Millisecond)
}

func TestBus_FilterDropsEvents(t *testing.T) {
	bus := newTestBus(t)

	var received atomic.Int32
	subscribeSettled(t, bus, "events:alert", HandlerFunc(func(ctx context.Context, e *types.SystemEvent) error {
		received.Add(1)
		return nil
	}), func(e *types.SystemEvent) bool {
		return e.Severity == types.SeverityCritical
	})

	low := testEvent(types.EventAlert, "")
	low.ID = "evt-low"
	low.Severity = types.SeverityLow
	require.NoError(t, bus.Publish(context.Background(), low))

	critical := testEvent(types.EventAlert, "")
	critical.ID = "evt-critical"
	critical.Severity = types.SeverityCritical
	require.NoError(t, bus.Publish(context.Background(), critical))

	// Only the critical event passes the filter.
	require.Eventually(t, func() bool {
		return received.Load() == 1
	}, 2*time.Second, 10*time.Millisecond)
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int32(1), received.Load())
}

func TestBus_RetryThenSuccess(t *testing.T) {
	bus := newTestBus(t)

	var attempts atomic.Int32
	subscribeSettled(t, bus, "events:alert", HandlerFunc(func(ctx context.Context, e *types.SystemEvent) error {
		if attempts.Add(1) < 3 {
			return errors.New("transient failure")
		}
		return nil
	}), nil)

	require.NoError(t, bus.Publish(context.Background(), testEvent(types.EventAlert, "")))

	require.Eventually(t, func() bool {
		return attempts.Load() == 3
	}, 2*time.Second, 10*time.Millisecond)
}

func TestBus_ZeroRetryAttemptsStillDelivers(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := DefaultConfig("redis://" + mr.Addr())
	cfg.RetryAttempts = 0

	bus := New(cfg)
	require.NoError(t, bus.Connect(context.Background()))
	t.Cleanup(func() { _ = bus.Disconnect(context.Background()) })

	var errored atomic.Int32
	bus.OnNotification(func(n Notification) {
		if n.Kind == NotifySubscriptionError {
			errored.Add(1)
		}
	})

	var received atomic.Int32
	subscribeSettled(t, bus, "events:alert", HandlerFunc(func(ctx context.Context, e *types.SystemEvent) error {
		received.Add(1)
		return nil
	}), nil)

	require.NoError(t, bus.Publish(context.Background(), testEvent(types.EventAlert, "")))

	require.Eventually(t, func() bool {
		return received.Load() == 1
	}, 2*time.Second, 10*time.Millisecond, "handler gets at least one attempt")
	assert.Equal(t, int32(0), errored.Load())
}

func TestBus_SubscriptionErrorAfterExhaustedRetries(t *testing.T) {
	bus := newTestBus(t)

	var mu sync.Mutex
	var notifications []Notification
	bus.OnNotification(func(n Notification) {
		mu.Lock()
		defer mu.Unlock()
		notifications = append(notifications, n)
	})

	subscribeSettled(t, bus, "events:alert", HandlerFunc(func(ctx context.Context, e *types.SystemEvent) error {
		return errors.New("handler always fails")
	}), nil)

	event := testEvent(types.EventAlert, "")
	require.NoError(t, bus.Publish(context.Background(), event))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		for _, n := range notifications {
			if n.Kind == NotifySubscriptionError {
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	var found *Notification
	for i := range notifications {
		if notifications[i].Kind == NotifySubscriptionError {
			found = &notifications[i]
		}
	}
	require.NotNil(t, found)
	assert.Equal(t, "events:alert", found.Topic)
	assert.Equal(t, event.ID, found.EventID)

	var cbErr *types.SubscriptionCallbackError
	assert.True(t, errors.As(found.Err, &cbErr))
}

func TestBus_FailingHandlerDoesNotBlockOthers(t *testing.T) {
	bus := newTestBus(t)

	var healthyReceived atomic.Int32
	subscribeSettled(t, bus, "events:alert", HandlerFunc(func(ctx context.Context, e *types.SystemEvent) error {
		return errors.New("bad handler")
	}), nil)
	subscribeSettled(t, bus, "events:alert", HandlerFunc(func(ctx context.Context, e *types.SystemEvent) error {
		healthyReceived.Add(1)
		return nil
	}), nil)

	require.NoError(t, bus.Publish(context.Background(), testEvent(types.EventAlert, "")))

	require.Eventually(t, func() bool {
		return healthyReceived.Load() == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestBus_Unsubscribe(t *testing.T) {
	bus := newTestBus(t)
	ctx := context.Background()

	var received atomic.Int32
	token := subscribeSettled(t, bus, "events:alert", HandlerFunc(func(c context.Context, e *types.SystemEvent) error {
		received.Add(1)
		return nil
	}), nil)

	require.NoError(t, bus.Unsubscribe(ctx, "events:alert", token))
	require.NoError(t, bus.Publish(ctx, testEvent(types.EventAlert, "")))

	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, int32(0), received.Load())
}

func TestBus_UnsubscribeUnknownTopic(t *testing.T) {
	bus := newTestBus(t)
	err := bus.Unsubscribe(context.Background(), "events:never-subscribed")
	assert.True(t, types.IsNotFound(err))
}

func TestBus_IsHealthy(t *testing.T) {
	mr := miniredis.RunT(t)
	bus := New(DefaultConfig("redis://" + mr.Addr()))
	ctx := context.Background()

	assert.False(t, bus.IsHealthy(ctx))

	require.NoError(t, bus.Connect(ctx))
	assert.True(t, bus.IsHealthy(ctx))

	require.NoError(t, bus.Disconnect(ctx))
	assert.False(t, bus.IsHealthy(ctx))
}

func TestBus_ConnectionNotifications(t *testing.T) {
	mr := miniredis.RunT(t)
	bus := New(DefaultConfig("redis://" + mr.Addr()))

	var mu sync.Mutex
	var kinds []string
	bus.OnNotification(func(n Notification) {
		mu.Lock()
		defer mu.Unlock()
		kinds = append(kinds, n.Kind)
	})

	ctx := context.Background()
	require.NoError(t, bus.Connect(ctx))
	require.NoError(t, bus.Disconnect(ctx))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{NotifyConnected, NotifyDisconnected}, kinds)
}
