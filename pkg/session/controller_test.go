package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/kafdeck/kafdeck/pkg/broadcast"
	"github.com/kafdeck/kafdeck/pkg/kafka"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// fakeConsumer feeds scripted batches to a worker. Poll pops one queued batch
// per call and sleeps out the timeout when the queue is empty, like a quiet
// topic.
type fakeConsumer struct {
	mu      sync.Mutex
	batches [][]kafka.Record
	pollErr error
	commits []map[int32]int64
	pauses  int
	resumes int
	closed  bool
}

func (f *fakeConsumer) enqueue(batch ...kafka.Record) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.batches = append(f.batches, batch)
}

func (f *fakeConsumer) failNextPoll(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pollErr = err
}

func (f *fakeConsumer) Poll(_ context.Context, timeout time.Duration) ([]kafka.Record, error) {
	f.mu.Lock()
	if f.pollErr != nil {
		err := f.pollErr
		f.mu.Unlock()
		return nil, err
	}
	if len(f.batches) > 0 {
		batch := f.batches[0]
		f.batches = f.batches[1:]
		f.mu.Unlock()
		return batch, nil
	}
	f.mu.Unlock()
	time.Sleep(timeout)
	return nil, nil
}

func (f *fakeConsumer) Commit(_ context.Context, offsets map[int32]int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	batch := make(map[int32]int64, len(offsets))
	for p, o := range offsets {
		batch[p] = o
	}
	f.commits = append(f.commits, batch)
	return nil
}

func (f *fakeConsumer) Pause() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pauses++
}

func (f *fakeConsumer) Resume() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resumes++
}

func (f *fakeConsumer) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeConsumer) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

type fakeFactory struct {
	mu       sync.Mutex
	consumer *fakeConsumer
	err      error
}

func (f *fakeFactory) NewSessionConsumer(context.Context, string, kafka.ConsumerOptions) (kafka.Consumer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return f.consumer, nil
}

func newTestController(factory ConsumerFactory) (*Controller, *MemoryStore, *broadcast.Broker) {
	store := NewMemoryStore()
	broker := broadcast.NewBroker(zap.NewNop())
	return NewController(store, factory, broker, zap.NewNop()), store, broker
}

func createSession(t *testing.T, c *Controller, req CreateRequest) *ConsumerSession {
	t.Helper()
	if req.ConnectionID == "" {
		req.ConnectionID = "conn-1"
	}
	if req.Topic == "" {
		req.Topic = "orders"
	}
	if req.PollTimeoutMs == 0 {
		req.PollTimeoutMs = 10
	}
	sess, err := c.Create(context.Background(), req)
	require.NoError(t, err)
	return sess
}

func waitStatus(t *testing.T, store Store, id string, want Status) {
	t.Helper()
	require.Eventually(t, func() bool {
		sess, err := store.Get(context.Background(), id)
		return err == nil && sess.Status == want
	}, 2*time.Second, 5*time.Millisecond, "session %s never reached %s", id, want)
}

func record(partition int32, offset int64) kafka.Record {
	return kafka.Record{
		Topic:     "orders",
		Partition: partition,
		Offset:    offset,
		Key:       []byte(fmt.Sprintf("k%d", offset)),
		Value:     []byte(fmt.Sprintf("v%d", offset)),
		Timestamp: time.Now(),
	}
}

func TestCreateDefaults(t *testing.T) {
	c, _, _ := newTestController(&fakeFactory{consumer: &fakeConsumer{}})

	sess, err := c.Create(context.Background(), CreateRequest{ConnectionID: "conn-1", Topic: "orders"})
	require.NoError(t, err)

	assert.Equal(t, StatusCreated, sess.Status)
	assert.Equal(t, "kafdeck-"+sess.ID, sess.ConsumerGroup)
	assert.Equal(t, int64(1000), sess.PollTimeoutMs)
	assert.True(t, sess.AutoCommit)
	assert.NotEmpty(t, sess.ID)
}

func TestCreateValidation(t *testing.T) {
	c, _, _ := newTestController(&fakeFactory{consumer: &fakeConsumer{}})
	ctx := context.Background()

	_, err := c.Create(ctx, CreateRequest{Topic: "orders"})
	assert.Error(t, err)
	_, err = c.Create(ctx, CreateRequest{ConnectionID: "conn-1"})
	assert.Error(t, err)
}

func TestSessionLifecycle(t *testing.T) {
	consumer := &fakeConsumer{}
	c, store, broker := newTestController(&fakeFactory{consumer: consumer})
	ctx := context.Background()

	sess := createSession(t, c, CreateRequest{})
	msgs := broker.Subscribe(broadcast.MessageTopic(sess.ID))
	defer broker.Unsubscribe(msgs)

	consumer.enqueue(record(0, 0), record(0, 1))

	status, err := c.Start(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, status)

	for want := int64(0); want < 2; want++ {
		select {
		case ev := <-msgs.C:
			msg, ok := ev.Payload.(*Message)
			require.True(t, ok)
			assert.Equal(t, want, msg.Offset)
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for message %d", want)
		}
	}

	status, err = c.Pause(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPaused, status)
	waitStatus(t, store, sess.ID, StatusPaused)

	status, err = c.Resume(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, status)

	status, err = c.Stop(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusStopped, status)
	waitStatus(t, store, sess.ID, StatusStopped)

	assert.True(t, consumer.isClosed())
	final, err := store.Get(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), final.MessagesConsumed)
	assert.Equal(t, int64(1), final.CurrentOffsets[0])
	assert.NotNil(t, final.StoppedAt)
}

func TestPauseResumeDeliversEachRecordOnce(t *testing.T) {
	consumer := &fakeConsumer{}
	c, store, broker := newTestController(&fakeFactory{consumer: consumer})
	ctx := context.Background()

	sess := createSession(t, c, CreateRequest{})
	msgs := broker.Subscribe(broadcast.MessageTopic(sess.ID))
	defer broker.Unsubscribe(msgs)

	consumer.enqueue(record(0, 0), record(0, 1))

	_, err := c.Start(ctx, sess.ID)
	require.NoError(t, err)

	_, err = c.Pause(ctx, sess.ID)
	require.NoError(t, err)

	// queued while paused, must only arrive after resume
	consumer.enqueue(record(0, 2), record(0, 3))

	_, err = c.Resume(ctx, sess.ID)
	require.NoError(t, err)

	seen := make(map[int64]int)
	for i := 0; i < 4; i++ {
		select {
		case ev := <-msgs.C:
			msg := ev.Payload.(*Message)
			seen[msg.Offset]++
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out after %d messages, seen %v", i, seen)
		}
	}
	for offset := int64(0); offset < 4; offset++ {
		assert.Equal(t, 1, seen[offset], "offset %d", offset)
	}

	_, err = c.Stop(ctx, sess.ID)
	require.NoError(t, err)
	waitStatus(t, store, sess.ID, StatusStopped)
	assert.True(t, consumer.pauses >= 1)
	assert.True(t, consumer.resumes >= 1)
}

func TestPauseOnlyFromRunning(t *testing.T) {
	c, _, _ := newTestController(&fakeFactory{consumer: &fakeConsumer{}})
	ctx := context.Background()

	sess := createSession(t, c, CreateRequest{})

	var transition *InvalidStateTransitionError
	_, err := c.Pause(ctx, sess.ID)
	require.ErrorAs(t, err, &transition)
	assert.Equal(t, StatusCreated, transition.From)
	assert.Equal(t, StatusPaused, transition.To)
}

func TestStopFromCreated(t *testing.T) {
	c, store, _ := newTestController(&fakeFactory{consumer: &fakeConsumer{}})
	ctx := context.Background()

	sess := createSession(t, c, CreateRequest{})
	status, err := c.Stop(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusStopped, status)

	got, err := store.Get(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusStopped, got.Status)
}

func TestStopIsIdempotent(t *testing.T) {
	consumer := &fakeConsumer{}
	c, store, _ := newTestController(&fakeFactory{consumer: consumer})
	ctx := context.Background()

	sess := createSession(t, c, CreateRequest{})
	_, err := c.Start(ctx, sess.ID)
	require.NoError(t, err)
	_, err = c.Stop(ctx, sess.ID)
	require.NoError(t, err)
	waitStatus(t, store, sess.ID, StatusStopped)

	status, err := c.Stop(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusStopped, status)
}

// interceptStore wraps a Store to stall or observe status writes.
type interceptStore struct {
	Store
	beforeUpdateStatus func(id string, status Status)
}

func (s *interceptStore) UpdateStatus(ctx context.Context, id string, status Status, errorMessage string) error {
	if s.beforeUpdateStatus != nil {
		s.beforeUpdateStatus(id, status)
	}
	return s.Store.UpdateStatus(ctx, id, status, errorMessage)
}

func TestLatePauseWriteCannotResurrectStoppedSession(t *testing.T) {
	consumer := &fakeConsumer{}
	inner := NewMemoryStore()
	gate := make(chan struct{})
	store := &interceptStore{
		Store: inner,
		beforeUpdateStatus: func(_ string, status Status) {
			if status == StatusPaused {
				<-gate
			}
		},
	}
	broker := broadcast.NewBroker(zap.NewNop())
	c := NewController(store, &fakeFactory{consumer: consumer}, broker, zap.NewNop())
	ctx := context.Background()

	sess := createSession(t, c, CreateRequest{})
	_, err := c.Start(ctx, sess.ID)
	require.NoError(t, err)

	pauseDone := make(chan error, 1)
	go func() {
		_, perr := c.Pause(ctx, sess.ID)
		pauseDone <- perr
	}()

	// wait until the worker acked the pause; the pause goroutine's PAUSED
	// store write is now parked on the gate
	require.Eventually(t, func() bool {
		h, ok := c.registry.get(sess.ID)
		return ok && h.Status() == StatusPaused
	}, 2*time.Second, 5*time.Millisecond)

	status, err := c.Stop(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusStopped, status)

	close(gate)
	require.NoError(t, <-pauseDone)

	got, err := inner.Get(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusStopped, got.Status, "stop outcome holds even when the pause write lands last")

	status, err = c.Stop(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusStopped, status)
}

func TestStopWithoutWorkerStopsLeftoverRecord(t *testing.T) {
	for _, leftover := range []Status{StatusRunning, StatusPaused} {
		t.Run(string(leftover), func(t *testing.T) {
			c, store, _ := newTestController(&fakeFactory{consumer: &fakeConsumer{}})
			ctx := context.Background()

			// a durable live status with no worker, as left behind by a
			// crashed process
			sess := createSession(t, c, CreateRequest{})
			require.NoError(t, store.UpdateStatus(ctx, sess.ID, leftover, ""))

			status, err := c.Stop(ctx, sess.ID)
			require.NoError(t, err)
			assert.Equal(t, StatusStopped, status)

			got, err := store.Get(ctx, sess.ID)
			require.NoError(t, err)
			assert.Equal(t, StatusStopped, got.Status)
		})
	}
}

func TestPollErrorMovesSessionToError(t *testing.T) {
	consumer := &fakeConsumer{}
	c, store, broker := newTestController(&fakeFactory{consumer: consumer})
	ctx := context.Background()

	sess := createSession(t, c, CreateRequest{})
	errs := broker.Subscribe(broadcast.ErrorTopic(sess.ID))
	defer broker.Unsubscribe(errs)

	_, err := c.Start(ctx, sess.ID)
	require.NoError(t, err)

	consumer.failNextPoll(errors.New("broker unreachable"))
	waitStatus(t, store, sess.ID, StatusError)

	select {
	case ev := <-errs.C:
		assert.Equal(t, broadcast.EventError, ev.Type)
	case <-time.After(2 * time.Second):
		t.Fatal("no error event published")
	}

	got, err := store.Get(ctx, sess.ID)
	require.NoError(t, err)
	assert.Contains(t, got.ErrorMessage, "broker unreachable")
	assert.True(t, consumer.isClosed())
}

func TestErroredSessionCannotRestart(t *testing.T) {
	consumer := &fakeConsumer{}
	c, store, _ := newTestController(&fakeFactory{consumer: consumer})
	ctx := context.Background()

	sess := createSession(t, c, CreateRequest{})
	_, err := c.Start(ctx, sess.ID)
	require.NoError(t, err)

	consumer.failNextPoll(errors.New("boom"))
	waitStatus(t, store, sess.ID, StatusError)

	var transition *InvalidStateTransitionError
	_, err = c.Start(ctx, sess.ID)
	require.ErrorAs(t, err, &transition)
	assert.Equal(t, StatusError, transition.From)

	// stop is not valid on an errored session either
	_, err = c.Stop(ctx, sess.ID)
	require.ErrorAs(t, err, &transition)

	// recovery path: delete and recreate
	require.NoError(t, c.Delete(ctx, sess.ID))
	_, err = store.Get(ctx, sess.ID)
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestConsumerOpenFailure(t *testing.T) {
	factory := &fakeFactory{err: errors.New("dial failed")}
	c, store, _ := newTestController(factory)
	ctx := context.Background()

	sess := createSession(t, c, CreateRequest{})
	status, err := c.Start(ctx, sess.ID)
	require.Error(t, err)
	assert.Equal(t, StatusError, status)

	got, err := store.Get(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusError, got.Status)
	assert.Contains(t, got.ErrorMessage, "dial failed")
}

func TestMaxMessagesStopsExactly(t *testing.T) {
	consumer := &fakeConsumer{}
	c, store, broker := newTestController(&fakeFactory{consumer: consumer})
	ctx := context.Background()

	sess := createSession(t, c, CreateRequest{MaxMessages: 3})
	msgs := broker.Subscribe(broadcast.MessageTopic(sess.ID))
	defer broker.Unsubscribe(msgs)

	consumer.enqueue(record(0, 0), record(0, 1), record(0, 2), record(0, 3), record(0, 4))

	_, err := c.Start(ctx, sess.ID)
	require.NoError(t, err)

	waitStatus(t, store, sess.ID, StatusStopped)

	got, err := store.Get(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(3), got.MessagesConsumed)
	assert.Equal(t, int64(2), got.CurrentOffsets[0])

	delivered := 0
	for {
		select {
		case <-msgs.C:
			delivered++
		default:
			assert.Equal(t, 3, delivered)
			return
		}
	}
}

func TestUndecodableRecordsAreSkipped(t *testing.T) {
	consumer := &fakeConsumer{}
	c, store, broker := newTestController(&fakeFactory{consumer: consumer})
	ctx := context.Background()

	sess := createSession(t, c, CreateRequest{})
	msgs := broker.Subscribe(broadcast.MessageTopic(sess.ID))
	defer broker.Unsubscribe(msgs)

	bad := record(0, 0)
	bad.Value = []byte{0xff, 0xfe}
	consumer.enqueue(bad, record(0, 1))

	_, err := c.Start(ctx, sess.ID)
	require.NoError(t, err)

	select {
	case ev := <-msgs.C:
		msg := ev.Payload.(*Message)
		assert.Equal(t, int64(1), msg.Offset)
	case <-time.After(2 * time.Second):
		t.Fatal("decodable record never delivered")
	}

	_, err = c.Stop(ctx, sess.ID)
	require.NoError(t, err)
	waitStatus(t, store, sess.ID, StatusStopped)

	got, err := store.Get(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), got.MessagesConsumed)
	assert.Equal(t, int64(1), got.MessagesSkipped)
}

func TestDeleteRefusedWhileActive(t *testing.T) {
	consumer := &fakeConsumer{}
	c, store, _ := newTestController(&fakeFactory{consumer: consumer})
	ctx := context.Background()

	sess := createSession(t, c, CreateRequest{})
	_, err := c.Start(ctx, sess.ID)
	require.NoError(t, err)

	err = c.Delete(ctx, sess.ID)
	assert.ErrorIs(t, err, ErrSessionActive)

	_, err = c.Stop(ctx, sess.ID)
	require.NoError(t, err)
	waitStatus(t, store, sess.ID, StatusStopped)
	require.NoError(t, c.Delete(ctx, sess.ID))
}

func TestActiveSessionCount(t *testing.T) {
	consumer := &fakeConsumer{}
	c, store, _ := newTestController(&fakeFactory{consumer: consumer})
	ctx := context.Background()

	a := createSession(t, c, CreateRequest{ConnectionID: "conn-a"})
	b := createSession(t, c, CreateRequest{ConnectionID: "conn-a"})

	count, err := c.ActiveSessionCount(ctx, "conn-a")
	require.NoError(t, err)
	assert.Equal(t, 2, count, "CREATED sessions still reference the profile")

	_, err = c.Start(ctx, a.ID)
	require.NoError(t, err)

	count, err = c.ActiveSessionCount(ctx, "conn-a")
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	count, err = c.ActiveSessionCount(ctx, "conn-b")
	require.NoError(t, err)
	assert.Equal(t, 0, count)

	_, err = c.Stop(ctx, a.ID)
	require.NoError(t, err)
	waitStatus(t, store, a.ID, StatusStopped)

	count, err = c.ActiveSessionCount(ctx, "conn-a")
	require.NoError(t, err)
	assert.Equal(t, 1, count, "terminal sessions no longer hold the profile")

	_, err = c.Stop(ctx, b.ID)
	require.NoError(t, err)

	count, err = c.ActiveSessionCount(ctx, "conn-a")
	require.NoError(t, err)
	assert.Equal(t, 0, count)
}

func TestShutdownStopsAllWorkers(t *testing.T) {
	consumer := &fakeConsumer{}
	c, store, _ := newTestController(&fakeFactory{consumer: consumer})
	ctx := context.Background()

	a := createSession(t, c, CreateRequest{})
	b := createSession(t, c, CreateRequest{})
	_, err := c.Start(ctx, a.ID)
	require.NoError(t, err)
	_, err = c.Start(ctx, b.ID)
	require.NoError(t, err)

	c.Shutdown(ctx)

	waitStatus(t, store, a.ID, StatusStopped)
	waitStatus(t, store, b.ID, StatusStopped)
	assert.Equal(t, 0, c.Registry().Len())
}

func TestCommitFollowsPublish(t *testing.T) {
	consumer := &fakeConsumer{}
	c, store, broker := newTestController(&fakeFactory{consumer: consumer})
	ctx := context.Background()

	autoCommit := false
	sess := createSession(t, c, CreateRequest{AutoCommit: &autoCommit})
	msgs := broker.Subscribe(broadcast.MessageTopic(sess.ID))
	defer broker.Unsubscribe(msgs)

	consumer.enqueue(record(1, 10), record(1, 11))

	_, err := c.Start(ctx, sess.ID)
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		select {
		case <-msgs.C:
		case <-time.After(2 * time.Second):
			t.Fatal("messages never delivered")
		}
	}

	_, err = c.Stop(ctx, sess.ID)
	require.NoError(t, err)
	waitStatus(t, store, sess.ID, StatusStopped)

	consumer.mu.Lock()
	defer consumer.mu.Unlock()
	require.NotEmpty(t, consumer.commits)
	last := consumer.commits[len(consumer.commits)-1]
	assert.Equal(t, int64(11), last[1])
}
