// Package broadcast relays session output and control replies to connected
// subscribers. It owns no domain state: events published with no subscriber
// are dropped, and nothing is buffered across restarts.
package broadcast

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/kafdeck/kafdeck/pkg/metrics"
	"go.uber.org/zap"
)

// EventType tags what a broadcast event carries.
type EventType string

const (
	EventMessage EventType = "message"
	EventStatus  EventType = "status"
	EventError   EventType = "error"
)

// Event is one unit delivered to subscribers of a topic key.
type Event struct {
	Payload   any       `json:"payload,omitempty"`
	Type      EventType `json:"type"`
	SessionID string    `json:"sessionId,omitempty"`
}

// Topic keys are scoped per session id.
func MessageTopic(sessionID string) string { return fmt.Sprintf("session.%s.messages", sessionID) }
func StatusTopic(sessionID string) string  { return fmt.Sprintf("session.%s.status", sessionID) }
func ErrorTopic(sessionID string) string   { return fmt.Sprintf("session.%s.error", sessionID) }

const subscriberBuffer = 100

// Subscription is one subscriber's binding to a topic key.
type Subscription struct {
	ID    string
	Topic string
	C     <-chan Event
	ch    chan Event
}

// Broker fans events out from topic keys to zero or more subscriptions.
// Delivery per subscription is FIFO in publish order; there is no ordering
// guarantee across distinct topic keys.
type Broker struct {
	subs   map[string]map[string]*Subscription
	logger *zap.Logger
	mu     sync.RWMutex
}

// NewBroker returns an empty broker.
func NewBroker(logger *zap.Logger) *Broker {
	return &Broker{
		subs:   make(map[string]map[string]*Subscription),
		logger: logger,
	}
}

// Subscribe binds a new subscription to a topic key. The subscription receives
// every subsequent publish until Unsubscribe.
func (b *Broker) Subscribe(topic string) *Subscription {
	sub := &Subscription{
		ID:    uuid.NewString(),
		Topic: topic,
		ch:    make(chan Event, subscriberBuffer),
	}
	sub.C = sub.ch

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.subs[topic] == nil {
		b.subs[topic] = make(map[string]*Subscription)
	}
	b.subs[topic][sub.ID] = sub
	return sub
}

// Unsubscribe removes a subscription and closes its channel.
// Unsubscribing twice is a no-op.
func (b *Broker) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	topicSubs, ok := b.subs[sub.Topic]
	if !ok {
		return
	}
	if _, ok := topicSubs[sub.ID]; !ok {
		return
	}
	delete(topicSubs, sub.ID)
	if len(topicSubs) == 0 {
		delete(b.subs, sub.Topic)
	}
	close(sub.ch)
}

// Publish delivers an event to every current subscriber of the topic key.
// With zero subscribers the event is silently dropped. A subscriber whose
// buffer is full misses the event rather than blocking the publisher.
func (b *Broker) Publish(topic string, ev Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, sub := range b.subs[topic] {
		select {
		case sub.ch <- ev:
		default:
			metrics.BroadcastDrops.WithLabelValues(string(ev.Type)).Inc()
			b.logger.Warn("subscriber channel full, dropping event",
				zap.String("topic", topic),
				zap.String("subscription", sub.ID))
		}
	}
}

// SubscriberCount returns the number of live subscriptions for a topic key.
func (b *Broker) SubscriberCount(topic string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[topic])
}

// Close drops every subscription and closes their channels.
func (b *Broker) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for topic, topicSubs := range b.subs {
		for _, sub := range topicSubs {
			close(sub.ch)
		}
		delete(b.subs, topic)
	}
}
