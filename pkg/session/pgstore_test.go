package session

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/kafdeck/kafdeck/internal/testutil/pgtest"
	"github.com/kafdeck/kafdeck/pkg/kafka"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newPGStore(t *testing.T) (*PGStore, context.Context) {
	t.Helper()
	ctx := context.Background()
	pool := pgtest.Pool(ctx, t)
	store := NewPGStore(pool)
	require.NoError(t, store.Migrate(ctx))
	return store, ctx
}

func pgSession(t *testing.T, store *PGStore, ctx context.Context) *ConsumerSession {
	t.Helper()
	sess := &ConsumerSession{
		ID:            uuid.NewString(),
		ConnectionID:  "conn-pg",
		Topic:         "orders",
		ConsumerGroup: "grp",
		Status:        StatusCreated,
		PollTimeoutMs: 1000,
		AutoCommit:    true,
		CreatedAt:     time.Now(),
	}
	require.NoError(t, store.Create(ctx, sess))
	t.Cleanup(func() {
		_ = store.Delete(ctx, sess.ID)
	})
	return sess
}

func TestPGStoreRoundTrip(t *testing.T) {
	store, ctx := newPGStore(t)
	sess := pgSession(t, store, ctx)

	got, err := store.Get(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, sess.ID, got.ID)
	assert.Equal(t, sess.Topic, got.Topic)
	assert.Equal(t, StatusCreated, got.Status)
	assert.True(t, got.AutoCommit)

	_, err = store.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestPGStoreStatusAndCounters(t *testing.T) {
	store, ctx := newPGStore(t)
	sess := pgSession(t, store, ctx)

	require.NoError(t, store.UpdateStatus(ctx, sess.ID, StatusRunning, ""))
	require.NoError(t, store.IncrementMessageCount(ctx, sess.ID))
	require.NoError(t, store.IncrementMessageCount(ctx, sess.ID))
	require.NoError(t, store.IncrementSkipCount(ctx, sess.ID))
	require.NoError(t, store.UpdateStatus(ctx, sess.ID, StatusStopped, ""))

	got, err := store.Get(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusStopped, got.Status)
	assert.Equal(t, int64(2), got.MessagesConsumed)
	assert.Equal(t, int64(1), got.MessagesSkipped)
	assert.NotNil(t, got.StartedAt)
	assert.NotNil(t, got.StoppedAt)

	assert.ErrorIs(t, store.UpdateStatus(ctx, "missing", StatusRunning, ""), ErrSessionNotFound)
}

func TestPGStoreTerminalStatusIsFinal(t *testing.T) {
	store, ctx := newPGStore(t)
	sess := pgSession(t, store, ctx)

	require.NoError(t, store.UpdateStatus(ctx, sess.ID, StatusRunning, ""))
	require.NoError(t, store.UpdateStatus(ctx, sess.ID, StatusStopped, ""))

	// a late write from a racing caller is swallowed, not applied
	require.NoError(t, store.UpdateStatus(ctx, sess.ID, StatusPaused, ""))
	got, err := store.Get(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusStopped, got.Status)

	require.NoError(t, store.UpdateStatus(ctx, sess.ID, StatusError, "too late"))
	got, err = store.Get(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusStopped, got.Status)
	assert.Empty(t, got.ErrorMessage)
}

func TestPGStoreOffsetsAreMonotonic(t *testing.T) {
	store, ctx := newPGStore(t)
	sess := pgSession(t, store, ctx)

	require.NoError(t, store.UpdateOffset(ctx, sess.ID, 0, 10))
	require.NoError(t, store.UpdateOffset(ctx, sess.ID, 0, 5))
	require.NoError(t, store.UpdateOffset(ctx, sess.ID, 1, 3))

	got, err := store.Get(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(10), got.CurrentOffsets[0])
	assert.Equal(t, int64(3), got.CurrentOffsets[1])

	assert.ErrorIs(t, store.UpdateOffset(ctx, "missing", 0, 1), ErrSessionNotFound)
}

func TestPGStoreMessageLog(t *testing.T) {
	store, ctx := newPGStore(t)
	sess := pgSession(t, store, ctx)

	for i := int64(0); i < 5; i++ {
		require.NoError(t, store.RecordMessage(ctx, sess.ID, kafka.Record{
			Topic:     "orders",
			Partition: 0,
			Offset:    i,
			Key:       []byte("k"),
			Value:     []byte("v"),
			Headers:   map[string]string{"h": "1"},
			Timestamp: time.Now(),
		}))
	}
	// duplicate (partition, offset) is ignored
	require.NoError(t, store.RecordMessage(ctx, sess.ID, kafka.Record{
		Topic: "orders", Partition: 0, Offset: 2, Timestamp: time.Now(),
	}))

	all, err := store.ListMessages(ctx, sess.ID, 10)
	require.NoError(t, err)
	require.Len(t, all, 5)
	assert.Equal(t, map[string]string{"h": "1"}, all[2].Headers)

	tail, err := store.ListMessages(ctx, sess.ID, 2)
	require.NoError(t, err)
	require.Len(t, tail, 2)
	assert.Equal(t, int64(3), tail[0].Offset)
	assert.Equal(t, int64(4), tail[1].Offset)

	_, err = store.ListMessages(ctx, "missing", 10)
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestPGStoreListFilters(t *testing.T) {
	store, ctx := newPGStore(t)
	a := pgSession(t, store, ctx)
	b := pgSession(t, store, ctx)
	require.NoError(t, store.UpdateStatus(ctx, b.ID, StatusRunning, ""))

	running, err := store.List(ctx, Filter{ConnectionID: "conn-pg", Status: StatusRunning})
	require.NoError(t, err)
	ids := make([]string, 0, len(running))
	for _, s := range running {
		ids = append(ids, s.ID)
	}
	assert.Contains(t, ids, b.ID)
	assert.NotContains(t, ids, a.ID)
}
