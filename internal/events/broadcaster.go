// ABOUTME: In-memory fan-out broadcaster for server-originated events.
// ABOUTME: Routes events to connection sinks by session key or the global channel.

package events

import (
	"log/slog"
	"sync"

	"github.com/2389/warren-gateway/internal/protocol"
)

// Global is the subscription key for connections that want every event
// regardless of session scoping.
const Global = "*"

// Sink receives events destined for one connection. Implementations must not
// block: enqueue-and-return, applying their own bounded-queue policy.
type Sink interface {
	SendEvent(ev *protocol.Event)
}

// Broadcaster maintains subscription sets and fans events out to matching
// sinks. Producers call Broadcast without knowing which connections exist;
// delivery is asynchronous and best-effort (the sink's queue policy decides
// what is dropped under pressure).
type Broadcaster struct {
	mu     sync.RWMutex
	subs   map[string]map[Sink]struct{} // session key (or Global) -> sinks
	logger *slog.Logger
	closed bool
}

// NewBroadcaster creates a broadcaster. Pass nil logger for default.
func NewBroadcaster(logger *slog.Logger) *Broadcaster {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broadcaster{
		subs:   make(map[string]map[Sink]struct{}),
		logger: logger.With("component", "broadcaster"),
	}
}

// Subscribe registers sink for events on key (a session key or Global).
// Subscribing twice for the same pair is a no-op.
func (b *Broadcaster) Subscribe(sink Sink, key string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	if _, ok := b.subs[key]; !ok {
		b.subs[key] = make(map[Sink]struct{})
	}
	b.subs[key][sink] = struct{}{}

	b.logger.Debug("subscription added", "key", key, "subscribers", len(b.subs[key]))
}

// Unsubscribe removes one (sink, key) pair.
func (b *Broadcaster) Unsubscribe(sink Sink, key string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.removeLocked(sink, key)
}

// RemoveSink removes sink from every subscription set. Called once during
// connection teardown.
func (b *Broadcaster) RemoveSink(sink Sink) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for key := range b.subs {
		b.removeLocked(sink, key)
	}
}

func (b *Broadcaster) removeLocked(sink Sink, key string) {
	sinks, ok := b.subs[key]
	if !ok {
		return
	}
	if _, ok := sinks[sink]; !ok {
		return
	}
	delete(sinks, sink)
	if len(sinks) == 0 {
		delete(b.subs, key)
	}

	b.logger.Debug("subscription removed", "key", key)
}

// Broadcast enqueues ev on every sink subscribed to ev.SessionKey and every
// global subscriber, then returns; it never waits on a slow connection. An
// event without a session key reaches only global subscribers.
func (b *Broadcaster) Broadcast(ev *protocol.Event) {
	b.mu.RLock()
	targets := make([]Sink, 0, 8)
	if ev.SessionKey != "" {
		for sink := range b.subs[ev.SessionKey] {
			targets = append(targets, sink)
		}
	}
	for sink := range b.subs[Global] {
		if ev.SessionKey != "" {
			// A sink subscribed both ways still gets the event once.
			if _, dup := b.subs[ev.SessionKey][sink]; dup {
				continue
			}
		}
		targets = append(targets, sink)
	}
	b.mu.RUnlock()

	for _, sink := range targets {
		sink.SendEvent(ev)
	}
}

// SubscriberCount returns how many sinks are subscribed to key. Used by
// status reporting and teardown verification.
func (b *Broadcaster) SubscriberCount(key string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[key])
}

// SinkCount returns the number of distinct sinks across all subscriptions.
func (b *Broadcaster) SinkCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	seen := make(map[Sink]struct{})
	for _, sinks := range b.subs {
		for sink := range sinks {
			seen[sink] = struct{}{}
		}
	}
	return len(seen)
}

// Close drops all subscriptions. Calls to Broadcast afterward reach nobody.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.subs = make(map[string]map[Sink]struct{})
	b.closed = true

	b.logger.Debug("broadcaster closed")
}
