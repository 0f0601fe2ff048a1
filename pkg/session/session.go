// Package session tracks live Kafka consume sessions end-to-end: the durable
// session record, the in-memory registry of running workers, and the
// controller that drives the session state machine.
package session

import (
	"errors"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/kafdeck/kafdeck/pkg/kafka"
)

// Status is the lifecycle state of a consumer session.
type Status string

const (
	StatusCreated Status = "CREATED"
	StatusRunning Status = "RUNNING"
	StatusPaused  Status = "PAUSED"
	StatusStopped Status = "STOPPED"
	StatusError   Status = "ERROR"
)

// legalTransitions is the session state machine. STOPPED and ERROR are
// terminal: an errored session cannot be restarted in place, it must be
// deleted and recreated.
var legalTransitions = map[Status]map[Status]bool{
	StatusCreated: {StatusRunning: true, StatusStopped: true},
	StatusRunning: {StatusPaused: true, StatusStopped: true, StatusError: true},
	StatusPaused:  {StatusRunning: true, StatusStopped: true, StatusError: true},
}

// CanTransition reports whether moving from s to the given status is legal.
func (s Status) CanTransition(to Status) bool {
	return legalTransitions[s][to]
}

// Terminal reports whether s admits no further transitions.
func (s Status) Terminal() bool {
	return len(legalTransitions[s]) == 0
}

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrSessionExists   = errors.New("session already exists")
	ErrSessionActive   = errors.New("session is still active")
)

// InvalidStateTransitionError reports a control action that is illegal for the
// session's current state. It is returned synchronously and mutates nothing.
type InvalidStateTransitionError struct {
	SessionID string
	From      Status
	To        Status
}

func (e *InvalidStateTransitionError) Error() string {
	return fmt.Sprintf("session %s: illegal transition from %s to %s", e.SessionID, e.From, e.To)
}

// ConsumerSession is one logical consumer instance, persisted in the store and
// mirrored in memory while a worker runs it.
type ConsumerSession struct {
	CreatedAt        time.Time       `json:"createdAt"`
	StartedAt        *time.Time      `json:"startedAt,omitempty"`
	StoppedAt        *time.Time      `json:"stoppedAt,omitempty"`
	CurrentOffsets   map[int32]int64 `json:"currentOffset,omitempty"`
	PartitionID      *int32          `json:"partitionId,omitempty"`
	StartOffset      *int64          `json:"startOffset,omitempty"`
	ID               string          `json:"sessionId"`
	ConnectionID     string          `json:"connectionId"`
	Topic            string          `json:"topic"`
	ConsumerGroup    string          `json:"consumerGroup"`
	SubscriberChan   string          `json:"subscriberChannelId,omitempty"`
	ErrorMessage     string          `json:"errorMessage,omitempty"`
	Status           Status          `json:"status"`
	MessagesConsumed int64           `json:"messagesConsumed"`
	MessagesSkipped  int64           `json:"messagesSkipped"`
	PollTimeoutMs    int64           `json:"pollTimeoutMs"`
	MaxMessages      int64           `json:"maxMessages,omitempty"`
	AutoCommit       bool            `json:"autoCommit"`
}

// PollTimeout returns the per-poll bound as a duration.
func (s *ConsumerSession) PollTimeout() time.Duration {
	return time.Duration(s.PollTimeoutMs) * time.Millisecond
}

// Clone returns a deep copy, so store snapshots never alias live maps.
func (s *ConsumerSession) Clone() *ConsumerSession {
	out := *s
	if s.CurrentOffsets != nil {
		out.CurrentOffsets = make(map[int32]int64, len(s.CurrentOffsets))
		for k, v := range s.CurrentOffsets {
			out.CurrentOffsets[k] = v
		}
	}
	if s.PartitionID != nil {
		p := *s.PartitionID
		out.PartitionID = &p
	}
	if s.StartOffset != nil {
		o := *s.StartOffset
		out.StartOffset = &o
	}
	if s.StartedAt != nil {
		t := *s.StartedAt
		out.StartedAt = &t
	}
	if s.StoppedAt != nil {
		t := *s.StoppedAt
		out.StoppedAt = &t
	}
	return &out
}

// Message is the decoded record model pushed to subscribers. A nil Value is a
// tombstone.
type Message struct {
	Timestamp time.Time         `json:"timestamp"`
	Value     *string           `json:"value"`
	Headers   map[string]string `json:"headers,omitempty"`
	Topic     string            `json:"topic"`
	Key       string            `json:"key,omitempty"`
	Partition int32             `json:"partition"`
	Offset    int64             `json:"offset"`
}

// DecodeError marks a single record that could not be decoded. The record is
// skipped and counted; it never fails the session.
type DecodeError struct {
	Partition int32
	Offset    int64
	Reason    string
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("failed to decode record at %d/%d: %s", e.Partition, e.Offset, e.Reason)
}

// DecodeRecord converts a raw record into the message model. Key and value
// must be valid UTF-8 to be presentable in the dashboard.
func DecodeRecord(rec kafka.Record) (*Message, error) {
	if !utf8.Valid(rec.Key) {
		return nil, &DecodeError{Partition: rec.Partition, Offset: rec.Offset, Reason: "key is not valid UTF-8"}
	}
	if rec.Value != nil && !utf8.Valid(rec.Value) {
		return nil, &DecodeError{Partition: rec.Partition, Offset: rec.Offset, Reason: "value is not valid UTF-8"}
	}

	msg := &Message{
		Topic:     rec.Topic,
		Partition: rec.Partition,
		Offset:    rec.Offset,
		Key:       string(rec.Key),
		Headers:   rec.Headers,
		Timestamp: rec.Timestamp,
	}
	if rec.Value != nil {
		v := string(rec.Value)
		msg.Value = &v
	}
	return msg, nil
}
