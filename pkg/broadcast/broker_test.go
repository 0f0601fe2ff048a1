package broadcast

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestPublishFanOutFIFO(t *testing.T) {
	b := NewBroker(zap.NewNop())
	topic := MessageTopic("s1")

	first := b.Subscribe(topic)
	second := b.Subscribe(topic)

	for i := 0; i < 5; i++ {
		b.Publish(topic, Event{Type: EventMessage, SessionID: "s1", Payload: i})
	}

	for _, sub := range []*Subscription{first, second} {
		for want := 0; want < 5; want++ {
			ev := <-sub.C
			assert.Equal(t, want, ev.Payload)
		}
	}
}

func TestPublishWithoutSubscribersIsDropped(t *testing.T) {
	b := NewBroker(zap.NewNop())
	// must not block or panic
	b.Publish(MessageTopic("nobody"), Event{Type: EventMessage})
	assert.Equal(t, 0, b.SubscriberCount(MessageTopic("nobody")))
}

func TestSlowSubscriberMissesInsteadOfBlocking(t *testing.T) {
	b := NewBroker(zap.NewNop())
	topic := StatusTopic("s1")
	sub := b.Subscribe(topic)

	for i := 0; i < subscriberBuffer+10; i++ {
		b.Publish(topic, Event{Type: EventStatus, Payload: i})
	}

	// the buffer holds the first events in order; the overflow is gone
	received := 0
	for {
		select {
		case ev := <-sub.C:
			assert.Equal(t, received, ev.Payload)
			received++
		default:
			assert.Equal(t, subscriberBuffer, received)
			return
		}
	}
}

func TestUnsubscribeIsIdempotent(t *testing.T) {
	b := NewBroker(zap.NewNop())
	topic := ErrorTopic("s1")
	sub := b.Subscribe(topic)
	require.Equal(t, 1, b.SubscriberCount(topic))

	b.Unsubscribe(sub)
	assert.Equal(t, 0, b.SubscriberCount(topic))
	b.Unsubscribe(sub)
	b.Unsubscribe(nil)

	_, open := <-sub.C
	assert.False(t, open)
}

func TestTopicIsolation(t *testing.T) {
	b := NewBroker(zap.NewNop())
	s1 := b.Subscribe(MessageTopic("s1"))
	s2 := b.Subscribe(MessageTopic("s2"))

	b.Publish(MessageTopic("s1"), Event{Type: EventMessage, SessionID: "s1"})

	ev := <-s1.C
	assert.Equal(t, "s1", ev.SessionID)
	select {
	case <-s2.C:
		t.Fatal("event leaked across session topics")
	default:
	}
}

func TestTopicKeys(t *testing.T) {
	assert.Equal(t, "session.abc.messages", MessageTopic("abc"))
	assert.Equal(t, "session.abc.status", StatusTopic("abc"))
	assert.Equal(t, "session.abc.error", ErrorTopic("abc"))
}

func TestCloseDropsEverySubscriber(t *testing.T) {
	b := NewBroker(zap.NewNop())
	var subs []*Subscription
	for i := 0; i < 3; i++ {
		subs = append(subs, b.Subscribe(MessageTopic(fmt.Sprintf("s%d", i))))
	}

	b.Close()

	for _, sub := range subs {
		_, open := <-sub.C
		assert.False(t, open)
	}
}
