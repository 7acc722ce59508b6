// Package bus provides the topic-based publish/subscribe channel that
// decouples pipeline stages from their observers. Delivery to each
// subscriber is at-least-once with per-item ordering: all events are
// fanned out under one lock in publish order, so two events published
// for the same item are always enqueued in that order for every
// subscriber. Slow subscribers lose their oldest events instead of
// blocking publishers.
package bus

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/contentforge/orchestrator/internal/item"
)

// Well-known topics.
const (
	TopicItemTransitioned = "item.transitioned"
	TopicItemRetried      = "item.retried"
	TopicDependencyStatus = "dependency.statusChanged"
	TopicDependencyDown   = "dependency.down"
	TopicDependencyUp     = "dependency.recovered"

	// TopicAll subscribes to every event regardless of topic.
	TopicAll = "*"
)

// Event is immutable once published.
type Event struct {
	Topic     string         `json:"topic"`
	ItemID    uuid.UUID      `json:"item_id,omitempty"`
	OldStage  item.Stage     `json:"old_stage,omitempty"`
	NewStage  item.Stage     `json:"new_stage,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Payload   map[string]any `json:"payload,omitempty"`
}

// DefaultQueueSize bounds a subscription's buffer unless overridden.
const DefaultQueueSize = 64

// Subscription receives events for one topic on a bounded channel.
type Subscription struct {
	topic string
	ch    chan Event

	mu      sync.Mutex
	dropped int64
	closed  bool
}

// C returns the event stream.
func (s *Subscription) C() <-chan Event { return s.ch }

// Topic returns the subscribed topic.
func (s *Subscription) Topic() string { return s.topic }

// Dropped returns how many events were discarded because the
// subscriber's queue overflowed.
func (s *Subscription) Dropped() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

// deliver enqueues ev, dropping the oldest buffered event on overflow
// so publishers never block on a slow subscriber.
func (s *Subscription) deliver(ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	for {
		select {
		case s.ch <- ev:
			return
		default:
		}
		select {
		case <-s.ch:
			s.dropped++
		default:
		}
	}
}

func (s *Subscription) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}

// Bus fans events out to topic subscribers.
type Bus struct {
	mu   sync.Mutex
	subs map[string][]*Subscription
}

// New creates an empty bus.
func New() *Bus {
	return &Bus{subs: make(map[string][]*Subscription)}
}

// Subscribe registers for events on topic with the default queue size.
// Use TopicAll to observe everything.
func (b *Bus) Subscribe(topic string) *Subscription {
	return b.SubscribeBuffered(topic, DefaultQueueSize)
}

// SubscribeBuffered registers for events on topic with an explicit
// queue size.
func (b *Bus) SubscribeBuffered(topic string, size int) *Subscription {
	if size < 1 {
		size = 1
	}
	sub := &Subscription{topic: topic, ch: make(chan Event, size)}
	b.mu.Lock()
	b.subs[topic] = append(b.subs[topic], sub)
	b.mu.Unlock()
	return sub
}

// Unsubscribe removes sub and closes its channel.
func (b *Bus) Unsubscribe(sub *Subscription) {
	b.mu.Lock()
	list := b.subs[sub.topic]
	for i, s := range list {
		if s == sub {
			b.subs[sub.topic] = append(list[:i], list[i+1:]...)
			break
		}
	}
	b.mu.Unlock()
	sub.close()
}

// Publish delivers ev to every subscriber of ev.Topic and of TopicAll.
// Fire-and-forget from the publisher's perspective; the bus lock keeps
// cross-subscriber enqueue order equal to publish order.
func (b *Bus) Publish(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, sub := range b.subs[ev.Topic] {
		sub.deliver(ev)
	}
	if ev.Topic != TopicAll {
		for _, sub := range b.subs[TopicAll] {
			sub.deliver(ev)
		}
	}
}

// Close closes every subscription.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, list := range b.subs {
		for _, sub := range list {
			sub.close()
		}
	}
	b.subs = make(map[string][]*Subscription)
}
