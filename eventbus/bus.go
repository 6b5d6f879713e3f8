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

// Package eventbus provides topic-addressed publish/subscribe over Redis with
// a sliding-window persisted timeline for history and replay.
//
// The bus holds two connections: one dedicated to publishing and one to
// subscribing, because a connection in subscriber mode cannot issue regular
// commands. Local subscribers to the same topic share one broker-level
// subscription; each inbound message is delivered to every matching handler
// concurrently and independently, with per-handler retry.
package eventbus

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"

	"github.com/pc099/opula-sub000/shared/logger"
	"github.com/pc099/opula-sub000/shared/types"
)

// Topic on which every published event is mirrored for observability.
const TopicAll = "events:all"

// Notification kinds raised by the bus.
const (
	NotifyConnected         = "connected"
	NotifyDisconnected      = "disconnected"
	NotifySubscriptionError = "subscription_error"
)

// Notification is an out-of-band signal from the bus: connection lifecycle
// changes and subscriber handlers that failed after exhausting retries.
type Notification struct {
	Kind      string
	Topic     string
	EventID   string
	Err       error
	Timestamp time.Time
}

// EventHandler processes one inbound event. A non-nil error triggers the
// bus retry policy for this handler only; other handlers are unaffected.
type EventHandler interface {
	HandleEvent(ctx context.Context, event *types.SystemEvent) error
}

// HandlerFunc adapts a function to the EventHandler interface.
type HandlerFunc func(ctx context.Context, event *types.SystemEvent) error

// HandleEvent calls fn(ctx, event).
func (fn HandlerFunc) HandleEvent(ctx context.Context, event *types.SystemEvent) error {
	return fn(ctx, event)
}

// EventFilter drops events before they reach a handler. Returning false
// silently discards the event for that subscription.
type EventFilter func(event *types.SystemEvent) bool

// Config controls bus behavior.
type Config struct {
	// RedisURL in redis://host:port[/db] form.
	RedisURL string

	// RetryAttempts is the number of times a failing handler is invoked
	// before the event is dropped for that subscriber.
	RetryAttempts int

	// RetryDelay is the base back-off; attempt N waits N*RetryDelay.
	RetryDelay time.Duration

	// PersistEvents enables the history timeline.
	PersistEvents bool

	// Retention is the sliding window kept in the timeline.
	Retention time.Duration
}

// DefaultConfig returns the production defaults: 3 attempts, 500ms base
// delay, 30-day retention with persistence on.
func DefaultConfig(redisURL string) Config {
	return Config{
		RedisURL:      redisURL,
		RetryAttempts: 3,
		RetryDelay:    500 * time.Millisecond,
		PersistEvents: true,
		Retention:     30 * 24 * time.Hour,
	}
}

type subscription struct {
	token   string
	handler EventHandler
	filter  EventFilter
}

type topicState struct {
	pubsub *redis.PubSub
	subs   map[string]*subscription
}

// Bus is a Redis-backed event bus. Construct with New, then Connect before
// publishing or subscribing.
type Bus struct {
	cfg Config
	log *logger.Logger

	mu        sync.RWMutex
	connected bool
	pub       *redis.Client
	sub       *redis.Client
	topics    map[string]*topicState

	listenerMu sync.RWMutex
	listeners  []func(Notification)
}

// New creates an unconnected Bus. RetryAttempts below 1 is clamped to 1 so
// every handler gets at least one invocation.
func New(cfg Config) *Bus {
	if cfg.RetryAttempts < 1 {
		cfg.RetryAttempts = 1
	}
	return &Bus{
		cfg:    cfg,
		log:    logger.New("eventbus"),
		topics: make(map[string]*topicState),
	}
}

// OnNotification registers a listener for bus notifications. Listeners are
// invoked synchronously and must not block.
func (b *Bus) OnNotification(fn func(Notification)) {
	b.listenerMu.Lock()
	defer b.listenerMu.Unlock()
	b.listeners = append(b.listeners, fn)
}

func (b *Bus) notify(n Notification) {
	n.Timestamp = time.Now().UTC()
	b.listenerMu.RLock()
	listeners := make([]func(Notification), len(b.listeners))
	copy(listeners, b.listeners)
	b.listenerMu.RUnlock()
	for _, fn := range listeners {
		fn(n)
	}
}

// Connect establishes the publish and subscribe connections and verifies
// both with a ping. Returns a ConnectionError if the broker is unreachable.
func (b *Bus) Connect(ctx context.Context) error {
	opts, err := redis.ParseURL(b.cfg.RedisURL)
	if err != nil {
		return &types.ConnectionError{Op: "connect", Err: err}
	}

	pub := redis.NewClient(opts)
	if err := pub.Ping(ctx).Err(); err != nil {
		_ = pub.Close()
		return &types.ConnectionError{Op: "connect", Err: err}
	}

	// Dedicated subscriber connection: brokers serialize reads on a
	// connection in subscribe mode, so publishing gets its own.
	sub := redis.NewClient(opts)
	if err := sub.Ping(ctx).Err(); err != nil {
		_ = pub.Close()
		_ = sub.Close()
		return &types.ConnectionError{Op: "connect", Err: err}
	}

	b.mu.Lock()
	b.pub = pub
	b.sub = sub
	b.connected = true
	b.mu.Unlock()

	b.log.Info("event bus connected", map[string]interface{}{"url": b.cfg.RedisURL})
	b.notify(Notification{Kind: NotifyConnected})
	return nil
}

// Disconnect tears down all broker subscriptions and closes both
// connections. Safe to call when already disconnected.
func (b *Bus) Disconnect(ctx context.Context) error {
	b.mu.Lock()
	if !b.connected {
		b.mu.Unlock()
		return nil
	}
	b.connected = false
	for topic, ts := range b.topics {
		_ = ts.pubsub.Close()
		delete(b.topics, topic)
	}
	pub, sub := b.pub, b.sub
	b.pub, b.sub = nil, nil
	b.mu.Unlock()

	var firstErr error
	if err := pub.Close(); err != nil {
		firstErr = err
	}
	if err := sub.Close(); err != nil && firstErr == nil {
		firstErr = err
	}

	b.log.Info("event bus disconnected", nil)
	b.notify(Notification{Kind: NotifyDisconnected})
	return firstErr
}

// TopicFor derives the bus topic for an event: events:{type} or
// events:{type}:{source} when the source is non-empty.
func TopicFor(event *types.SystemEvent) string {
	if event.Source != "" {
		return fmt.Sprintf("events:%s:%s", event.Type, event.Source)
	}
	return fmt.Sprintf("events:%s", event.Type)
}

// Publish serializes the event and sends it to its derived topic plus the
// events:all catch-all. When persistence is enabled the event is also stored
// in the history timeline; a persistence failure is logged and swallowed so
// that live delivery is never blocked by history writes.
func (b *Bus) Publish(ctx context.Context, event *types.SystemEvent) error {
	b.mu.RLock()
	connected, pub := b.connected, b.pub
	b.mu.RUnlock()
	if !connected {
		return types.ErrNotConnected
	}

	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to serialize event %s: %w", event.ID, err)
	}

	topic := TopicFor(event)
	if err := pub.Publish(ctx, topic, payload).Err(); err != nil {
		return fmt.Errorf("failed to publish event %s to %s: %w", event.ID, topic, err)
	}
	if err := pub.Publish(ctx, TopicAll, payload).Err(); err != nil {
		return fmt.Errorf("failed to publish event %s to %s: %w", event.ID, TopicAll, err)
	}

	if b.cfg.PersistEvents {
		if err := b.persistEvent(ctx, event, payload); err != nil {
			b.log.ErrorWith("failed to persist event, continuing", err,
				map[string]interface{}{"event_id": event.ID})
		}
	}

	return nil
}

// PublishTo sends the event to an explicit topic, bypassing topic derivation
// and the catch-all fan-out. Used for agent-addressed routed copies and for
// replay to a target topic.
func (b *Bus) PublishTo(ctx context.Context, topic string, event *types.SystemEvent) error {
	b.mu.RLock()
	connected, pub := b.connected, b.pub
	b.mu.RUnlock()
	if !connected {
		return types.ErrNotConnected
	}

	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to serialize event %s: %w", event.ID, err)
	}
	if err := pub.Publish(ctx, topic, payload).Err(); err != nil {
		return fmt.Errorf("failed to publish event %s to %s: %w", event.ID, topic, err)
	}
	return nil
}

// Subscribe registers a handler for a topic and returns a token for
// Unsubscribe. The first local subscriber for a topic issues the broker
// subscription; later subscribers share it.
func (b *Bus) Subscribe(ctx context.Context, topic string, handler EventHandler, filter EventFilter) (string, error) {
	if handler == nil {
		return "", fmt.Errorf("subscribe to %s: handler must not be nil", topic)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.connected {
		return "", types.ErrNotConnected
	}

	ts, ok := b.topics[topic]
	if !ok {
		pubsub := b.sub.Subscribe(ctx, topic)
		ts = &topicState{
			pubsub: pubsub,
			subs:   make(map[string]*subscription),
		}
		b.topics[topic] = ts
		go b.dispatchLoop(topic, pubsub)
	}

	token := uuid.NewString()
	ts.subs[token] = &subscription{token: token, handler: handler, filter: filter}
	return token, nil
}

// Unsubscribe removes the given subscription tokens from a topic, or every
// subscription when no tokens are given. Removing the last local subscriber
// closes the broker-level subscription.
func (b *Bus) Unsubscribe(ctx context.Context, topic string, tokens ...string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	ts, ok := b.topics[topic]
	if !ok {
		return &types.NotFoundError{Resource: "subscription topic", ID: topic}
	}

	if len(tokens) == 0 {
		ts.subs = make(map[string]*subscription)
	} else {
		for _, token := range tokens {
			delete(ts.subs, token)
		}
	}

	if len(ts.subs) == 0 {
		_ = ts.pubsub.Unsubscribe(ctx, topic)
		_ = ts.pubsub.Close()
		delete(b.topics, topic)
	}
	return nil
}

// dispatchLoop reads broker messages for one topic and fans each out to the
// current local subscribers. It exits when the pubsub is closed.
func (b *Bus) dispatchLoop(topic string, pubsub *redis.PubSub) {
	for msg := range pubsub.Channel() {
		var event types.SystemEvent
		if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
			b.log.ErrorWith("dropping unparseable message", err,
				map[string]interface{}{"topic": topic})
			continue
		}

		b.mu.RLock()
		ts, ok := b.topics[topic]
		var subs []*subscription
		if ok {
			subs = make([]*subscription, 0, len(ts.subs))
			for _, s := range ts.subs {
				subs = append(subs, s)
			}
		}
		b.mu.RUnlock()

		// All-settled: each handler runs in its own goroutine so one
		// failing or slow callback cannot starve the others.
		for _, s := range subs {
			go b.deliver(topic, s, &event)
		}
	}
}

// deliver invokes one subscription's handler with retry. After the final
// attempt fails the event is dropped for this subscriber and a
// subscription_error notification is raised.
func (b *Bus) deliver(topic string, s *subscription, event *types.SystemEvent) {
	if s.filter != nil && !s.filter(event) {
		return
	}

	ctx := context.Background()
	var lastErr error
	for attempt := 1; attempt <= b.cfg.RetryAttempts; attempt++ {
		lastErr = s.handler.HandleEvent(ctx, event)
		if lastErr == nil {
			return
		}
		if attempt < b.cfg.RetryAttempts {
			time.Sleep(time.Duration(attempt) * b.cfg.RetryDelay)
		}
	}

	cbErr := &types.SubscriptionCallbackError{Topic: topic, EventID: event.ID, Err: lastErr}
	b.log.ErrorWith("subscriber exhausted retries, dropping event", cbErr,
		map[string]interface{}{"topic": topic, "event_id": event.ID, "attempts": b.cfg.RetryAttempts})
	b.notify(Notification{
		Kind:    NotifySubscriptionError,
		Topic:   topic,
		EventID: event.ID,
		Err:     cbErr,
	})
}

// IsHealthy reports whether the bus is connected and both broker
// connections answer a ping.
func (b *Bus) IsHealthy(ctx context.Context) bool {
	b.mu.RLock()
	connected, pub, sub := b.connected, b.pub, b.sub
	b.mu.RUnlock()
	if !connected {
		return false
	}
	return pub.Ping(ctx).Err() == nil && sub.Ping(ctx).Err() == nil
}
