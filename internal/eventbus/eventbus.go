// Package eventbus is the engine's in-process pub/sub fanout (spec.md
// §4.G): topic-based broadcast of issue, worker, and session events to
// dashboard subscribers. Delivery is best-effort — a subscriber that falls
// behind its bounded backlog is dropped rather than allowed to stall the
// publisher, the same "slow consumer gets disconnected" shape the teacher's
// websocket hub uses for browser clients.
package eventbus

import (
	"log/slog"
	"sync"
)

// Backlog is the bounded per-subscriber channel depth before it is dropped.
const Backlog = 256

// Message is one item delivered on a topic.
type Message struct {
	Topic string `json:"topic"`
	Type  string `json:"type"`
	Data  any    `json:"data"`
}

// Bus fans out messages published on a topic to every current subscriber
// of that topic.
type Bus struct {
	mu   sync.RWMutex
	subs map[string]map[*subscriber]struct{}
}

type subscriber struct {
	ch     chan Message
	closed bool
}

// New constructs an empty Bus.
func New() *Bus {
	return &Bus{subs: make(map[string]map[*subscriber]struct{})}
}

// Subscription is a live handle onto a topic's message stream. Call Close
// when the consumer goes away.
type Subscription struct {
	bus   *Bus
	topic string
	sub   *subscriber
}

// Subscribe registers for messages on topic. The returned channel is closed
// when the subscription is dropped, either explicitly via Close or because
// the subscriber fell behind its backlog.
func (b *Bus) Subscribe(topic string) *Subscription {
	sub := &subscriber{ch: make(chan Message, Backlog)}

	b.mu.Lock()
	if b.subs[topic] == nil {
		b.subs[topic] = make(map[*subscriber]struct{})
	}
	b.subs[topic][sub] = struct{}{}
	b.mu.Unlock()

	return &Subscription{bus: b, topic: topic, sub: sub}
}

// C returns the channel of messages for this subscription.
func (s *Subscription) C() <-chan Message {
	return s.sub.ch
}

// Close drops the subscription. Safe to call more than once.
func (s *Subscription) Close() {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	if subs := s.bus.subs[s.topic]; subs != nil {
		delete(subs, s.sub)
	}
	if !s.sub.closed {
		s.sub.closed = true
		close(s.sub.ch)
	}
}

// Publish broadcasts a message to every current subscriber of topic.
// Subscribers whose backlog is full are dropped rather than blocked on.
func (b *Bus) Publish(topic, msgType string, data any) {
	msg := Message{Topic: topic, Type: msgType, Data: data}

	b.mu.RLock()
	subs := b.subs[topic]
	targets := make([]*subscriber, 0, len(subs))
	for s := range subs {
		targets = append(targets, s)
	}
	b.mu.RUnlock()

	for _, s := range targets {
		select {
		case s.ch <- msg:
		default:
			slog.Warn("eventbus: subscriber backlog full, dropping", "topic", topic)
			b.dropSubscriber(topic, s)
		}
	}
}

func (b *Bus) dropSubscriber(topic string, s *subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if subs := b.subs[topic]; subs != nil {
		delete(subs, s)
	}
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}

// SubscriberCount reports the current number of subscribers on topic, for
// status/metrics reporting.
func (b *Bus) SubscriberCount(topic string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[topic])
}

// Topics used throughout the engine, per spec.md §4.G.
const (
	TopicIssues   = "issues"
	TopicState    = "state"
	TopicWorkers  = "workers"
	SessionTopic  = "sessions/"
)

// SessionTopicFor returns the per-issue session topic name.
func SessionTopicFor(issueID string) string {
	return SessionTopic + issueID
}
