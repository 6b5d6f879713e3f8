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
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/pc099/opula-sub000/shared/types"
)

const (
	recordKeyPrefix = "events:record:"
	timelineKey     = "events:timeline"
)

// persistEvent stores the serialized event under a per-id key with the
// retention TTL and indexes its id by timestamp in the timeline sorted set.
// Timeline entries older than the retention window are pruned on each write;
// the per-id keys expire on their own.
func (b *Bus) persistEvent(ctx context.Context, event *types.SystemEvent, payload []byte) error {
	b.mu.RLock()
	pub := b.pub
	b.mu.RUnlock()
	if pub == nil {
		return types.ErrNotConnected
	}

	pipe := pub.Pipeline()
	pipe.Set(ctx, recordKeyPrefix+event.ID, payload, b.cfg.Retention)
	pipe.ZAdd(ctx, timelineKey, &redis.Z{
		Score:  float64(event.Timestamp.UnixMilli()),
		Member: event.ID,
	})
	cutoff := time.Now().Add(-b.cfg.Retention).UnixMilli()
	pipe.ZRemRangeByScore(ctx, timelineKey, "0", fmt.Sprintf("%d", cutoff))
	_, err := pipe.Exec(ctx)
	return err
}

// GetEventHistory returns persisted events with timestamps in [start, end]
// in ascending timestamp order. A nil bound is open-ended. When more than
// limit events match, the most recent ones are kept; limit <= 0 means no
// bound. Fails with ErrNotConnected before Connect.
func (b *Bus) GetEventHistory(ctx context.Context, start, end *time.Time, limit int) ([]*types.SystemEvent, error) {
	b.mu.RLock()
	connected, pub := b.connected, b.pub
	b.mu.RUnlock()
	if !connected {
		return nil, types.ErrNotConnected
	}

	min, max := "-inf", "+inf"
	if start != nil {
		min = fmt.Sprintf("%d", start.UnixMilli())
	}
	if end != nil {
		max = fmt.Sprintf("%d", end.UnixMilli())
	}

	rangeBy := &redis.ZRangeBy{Min: min, Max: max}
	if limit > 0 {
		rangeBy.Count = int64(limit)
	}

	// Reverse range so the limit trims the oldest events, then restore
	// ascending order below.
	ids, err := pub.ZRevRangeByScore(ctx, timelineKey, rangeBy).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to query event timeline: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = recordKeyPrefix + id
	}
	records, err := pub.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load event records: %w", err)
	}

	events := make([]*types.SystemEvent, 0, len(records))
	for i := len(records) - 1; i >= 0; i-- {
		raw, ok := records[i].(string)
		if !ok {
			// Record expired between the index read and the fetch.
			continue
		}
		var event types.SystemEvent
		if err := json.Unmarshal([]byte(raw), &event); err != nil {
			b.log.ErrorWith("skipping corrupt event record", err,
				map[string]interface{}{"event_id": ids[i]})
			continue
		}
		events = append(events, &event)
	}
	return events, nil
}

// ReplayEvents re-publishes persisted events from [start, end]. Each replayed
// copy gets a replay-{originalId} id and originalEventId/replayedAt metadata,
// and goes either to targetTopic or back through normal publish routing.
// Replay re-triggers live subscriber side effects exactly like the original
// delivery; running it repeatedly is the caller's risk. Returns the number
// of events replayed.
func (b *Bus) ReplayEvents(ctx context.Context, start, end time.Time, targetTopic string) (int, error) {
	events, err := b.GetEventHistory(ctx, &start, &end, 0)
	if err != nil {
		return 0, err
	}

	replayed := 0
	replayedAt := time.Now().UTC()
	for _, original := range events {
		copyEvent := *original
		copyEvent.ID = "replay-" + original.ID
		copyEvent.Data = make(map[string]interface{}, len(original.Data)+2)
		for k, v := range original.Data {
			copyEvent.Data[k] = v
		}
		copyEvent.Data["originalEventId"] = original.ID
		copyEvent.Data["replayedAt"] = replayedAt.Format(time.RFC3339Nano)

		if targetTopic != "" {
			err = b.PublishTo(ctx, targetTopic, &copyEvent)
		} else {
			err = b.Publish(ctx, &copyEvent)
		}
		if err != nil {
			b.log.ErrorWith("failed to replay event, continuing", err,
				map[string]interface{}{"event_id": original.ID})
			continue
		}
		replayed++
	}
	return replayed, nil
}
