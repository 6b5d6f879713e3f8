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
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pc099/opula-sub000/shared/types"
)

// publishAt persists an event with an explicit timestamp.
func publishAt(t *testing.T, bus *Bus, id string, ts time.Time) *types.SystemEvent {
	t.Helper()
	event := &types.SystemEvent{
		ID:        id,
		Type:      types.EventAlert,
		Source:    "monitor",
		Severity:  types.SeverityHigh,
		Data:      map[string]interface{}{"seq": id},
		Timestamp: ts,
	}
	require.NoError(t, bus.Publish(context.Background(), event))
	return event
}

func TestGetEventHistory_NotConnected(t *testing.T) {
	bus := New(DefaultConfig("redis://localhost:6379"))
	_, err := bus.GetEventHistory(context.Background(), nil, nil, 10)
	assert.ErrorIs(t, err, types.ErrNotConnected)
}

func TestGetEventHistory_Roundtrip(t *testing.T) {
	bus := newTestBus(t)
	base := time.Now().UTC().Truncate(time.Second)

	original := publishAt(t, bus, "evt-1", base)

	events, err := bus.GetEventHistory(context.Background(), nil, nil, 0)
	require.NoError(t, err)
	require.Len(t, events, 1)

	got := events[0]
	assert.Equal(t, original.ID, got.ID)
	assert.Equal(t, original.Type, got.Type)
	assert.Equal(t, original.Source, got.Source)
	assert.Equal(t, original.Severity, got.Severity)
	assert.Equal(t, "evt-1", got.Data["seq"])
	assert.True(t, original.Timestamp.Equal(got.Timestamp))
}

func TestGetEventHistory_OrderRangeAndLimit(t *testing.T) {
	bus := newTestBus(t)
	base := time.Now().UTC().Add(-time.Hour)

	for i, id := range []string{"evt-1", "evt-2", "evt-3", "evt-4", "evt-5"} {
		publishAt(t, bus, id, base.Add(time.Duration(i)*time.Minute))
	}

	t.Run("ascending order", func(t *testing.T) {
		events, err := bus.GetEventHistory(context.Background(), nil, nil, 0)
		require.NoError(t, err)
		require.Len(t, events, 5)
		assert.Equal(t, "evt-1", events[0].ID)
		assert.Equal(t, "evt-5", events[4].ID)
	})

	t.Run("limit keeps most recent", func(t *testing.T) {
		events, err := bus.GetEventHistory(context.Background(), nil, nil, 2)
		require.NoError(t, err)
		require.Len(t, events, 2)
		assert.Equal(t, "evt-4", events[0].ID)
		assert.Equal(t, "evt-5", events[1].ID)
	})

	t.Run("bounded range", func(t *testing.T) {
		start := base.Add(1 * time.Minute)
		end := base.Add(3 * time.Minute)
		events, err := bus.GetEventHistory(context.Background(), &start, &end, 0)
		require.NoError(t, err)
		require.Len(t, events, 3)
		assert.Equal(t, "evt-2", events[0].ID)
		assert.Equal(t, "evt-4", events[2].ID)
	})

	t.Run("empty range", func(t *testing.T) {
		start := base.Add(-2 * time.Hour)
		end := base.Add(-time.Hour - time.Minute)
		events, err := bus.GetEventHistory(context.Background(), &start, &end, 0)
		require.NoError(t, err)
		assert.Empty(t, events)
	})
}

func TestGetEventHistory_PersistenceDisabled(t *testing.T) {
	bus := newTestBus(t)
	bus.cfg.PersistEvents = false

	publishAt(t, bus, "evt-unpersisted", time.Now().UTC())

	events, err := bus.GetEventHistory(context.Background(), nil, nil, 0)
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestReplayEvents_ToTargetTopic(t *testing.T) {
	bus := newTestBus(t)
	base := time.Now().UTC().Add(-time.Minute)

	publishAt(t, bus, "evt-1", base)
	publishAt(t, bus, "evt-2", base.Add(time.Second))

	var replayCount atomic.Int32
	var lastID atomic.Value
	var lastOriginal atomic.Value
	subscribeSettled(t, bus, "replay:target", HandlerFunc(func(ctx context.Context, e *types.SystemEvent) error {
		replayCount.Add(1)
		lastID.Store(e.ID)
		lastOriginal.Store(e.Data["originalEventId"])
		return nil
	}), nil)

	count, err := bus.ReplayEvents(context.Background(), base, time.Now().UTC(), "replay:target")
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	require.Eventually(t, func() bool {
		return replayCount.Load() == 2
	}, 2*time.Second, 10*time.Millisecond)

	id := lastID.Load().(string)
	assert.True(t, strings.HasPrefix(id, "replay-"))
	assert.Equal(t, strings.TrimPrefix(id, "replay-"), lastOriginal.Load())
}

func TestReplayEvents_NormalRouting(t *testing.T) {
	bus := newTestBus(t)
	base := time.Now().UTC().Add(-time.Minute)

	publishAt(t, bus, "evt-1", base)

	var received atomic.Value
	subscribeSettled(t, bus, "events:alert:monitor", HandlerFunc(func(ctx context.Context, e *types.SystemEvent) error {
		if strings.HasPrefix(e.ID, "replay-") {
			received.Store(e)
		}
		return nil
	}), nil)

	count, err := bus.ReplayEvents(context.Background(), base, time.Now().UTC(), "")
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	require.Eventually(t, func() bool {
		return received.Load() != nil
	}, 2*time.Second, 10*time.Millisecond)

	got := received.Load().(*types.SystemEvent)
	assert.Equal(t, "replay-evt-1", got.ID)
	assert.Equal(t, "evt-1", got.Data["originalEventId"])
	assert.NotEmpty(t, got.Data["replayedAt"])
}

func TestReplayEvents_EmptyWindow(t *testing.T) {
	bus := newTestBus(t)
	start := time.Now().UTC().Add(-2 * time.Hour)
	end := start.Add(time.Minute)

	count, err := bus.ReplayEvents(context.Background(), start, end, "")
	require.NoError(t, err)
	assert.Zero(t, count)
}
