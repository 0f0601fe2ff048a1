package session

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/kafdeck/kafdeck/pkg/kafka"
)

// Filter narrows List results. Zero values match everything.
type Filter struct {
	ConnectionID string
	Topic        string
	Status       Status
}

// Store is the durable record of consumer sessions. The registry owns live
// state; the store owns everything that must survive a restart.
type Store interface {
	Create(ctx context.Context, sess *ConsumerSession) error
	Get(ctx context.Context, id string) (*ConsumerSession, error)
	List(ctx context.Context, filter Filter) ([]*ConsumerSession, error)
	// UpdateStatus also stamps startedAt on the first RUNNING and stoppedAt on
	// the first terminal status; each timestamp is set at most once. A write
	// against a session already in a terminal status is ignored: terminal is
	// final no matter which caller's write lands last.
	UpdateStatus(ctx context.Context, id string, status Status, errorMessage string) error
	UpdateOffset(ctx context.Context, id string, partition int32, offset int64) error
	IncrementMessageCount(ctx context.Context, id string) error
	IncrementSkipCount(ctx context.Context, id string) error
	BindSubscriber(ctx context.Context, id, channelID string) error
	Delete(ctx context.Context, id string) error

	// RecordMessage appends to the per-session consumed-message log. Writes are
	// keyed (session, topic, partition, offset) and duplicate-safe.
	RecordMessage(ctx context.Context, id string, rec kafka.Record) error
	ListMessages(ctx context.Context, id string, limit int) ([]kafka.Record, error)
}

type logKey struct {
	partition int32
	offset    int64
}

// MemoryStore is a Store kept entirely in process memory. It backs tests and
// PG-less runs; durability across restarts requires the pgx store.
type MemoryStore struct {
	sessions map[string]*ConsumerSession
	log      map[string]map[logKey]kafka.Record
	logOrder map[string][]logKey
	mu       sync.RWMutex
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string]*ConsumerSession),
		log:      make(map[string]map[logKey]kafka.Record),
		logOrder: make(map[string][]logKey),
	}
}

func (m *MemoryStore) Create(_ context.Context, sess *ConsumerSession) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.sessions[sess.ID]; ok {
		return ErrSessionExists
	}
	m.sessions[sess.ID] = sess.Clone()
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*ConsumerSession, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	sess, ok := m.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return sess.Clone(), nil
}

func (m *MemoryStore) List(_ context.Context, filter Filter) ([]*ConsumerSession, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*ConsumerSession
	for _, sess := range m.sessions {
		if filter.ConnectionID != "" && sess.ConnectionID != filter.ConnectionID {
			continue
		}
		if filter.Topic != "" && sess.Topic != filter.Topic {
			continue
		}
		if filter.Status != "" && sess.Status != filter.Status {
			continue
		}
		out = append(out, sess.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryStore) UpdateStatus(_ context.Context, id string, status Status, errorMessage string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	sess, ok := m.sessions[id]
	if !ok {
		return ErrSessionNotFound
	}
	if sess.Status.Terminal() {
		return nil
	}
	sess.Status = status
	sess.ErrorMessage = errorMessage

	now := time.Now()
	if status == StatusRunning && sess.StartedAt == nil {
		sess.StartedAt = &now
	}
	if status.Terminal() && sess.StoppedAt == nil {
		sess.StoppedAt = &now
	}
	return nil
}

func (m *MemoryStore) UpdateOffset(_ context.Context, id string, partition int32, offset int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	sess, ok := m.sessions[id]
	if !ok {
		return ErrSessionNotFound
	}
	if sess.CurrentOffsets == nil {
		sess.CurrentOffsets = make(map[int32]int64)
	}
	// offsets only ever move forward
	if cur, ok := sess.CurrentOffsets[partition]; !ok || offset > cur {
		sess.CurrentOffsets[partition] = offset
	}
	return nil
}

func (m *MemoryStore) IncrementMessageCount(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	sess, ok := m.sessions[id]
	if !ok {
		return ErrSessionNotFound
	}
	sess.MessagesConsumed++
	return nil
}

func (m *MemoryStore) IncrementSkipCount(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	sess, ok := m.sessions[id]
	if !ok {
		return ErrSessionNotFound
	}
	sess.MessagesSkipped++
	return nil
}

func (m *MemoryStore) BindSubscriber(_ context.Context, id, channelID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	sess, ok := m.sessions[id]
	if !ok {
		return ErrSessionNotFound
	}
	sess.SubscriberChan = channelID
	return nil
}

func (m *MemoryStore) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.sessions[id]; !ok {
		return ErrSessionNotFound
	}
	delete(m.sessions, id)
	delete(m.log, id)
	delete(m.logOrder, id)
	return nil
}

func (m *MemoryStore) RecordMessage(_ context.Context, id string, rec kafka.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.sessions[id]; !ok {
		return ErrSessionNotFound
	}
	key := logKey{partition: rec.Partition, offset: rec.Offset}
	if m.log[id] == nil {
		m.log[id] = make(map[logKey]kafka.Record)
	}
	if _, dup := m.log[id][key]; dup {
		return nil
	}
	m.log[id][key] = rec
	m.logOrder[id] = append(m.logOrder[id], key)
	return nil
}

func (m *MemoryStore) ListMessages(_ context.Context, id string, limit int) ([]kafka.Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if _, ok := m.sessions[id]; !ok {
		return nil, ErrSessionNotFound
	}
	keys := m.logOrder[id]
	if limit > 0 && len(keys) > limit {
		keys = keys[len(keys)-limit:]
	}
	out := make([]kafka.Record, 0, len(keys))
	for _, k := range keys {
		out = append(out, m.log[id][k])
	}
	return out, nil
}
