package connection

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

func testProfile(id, name string) *Profile {
	return &Profile{
		ID:        id,
		Name:      name,
		Brokers:   []string{"localhost:9092"},
		Version:   "3.6.0",
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}
}

func TestMemoryStoreCRUD(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	p := testProfile("p1", "local-cluster")
	require.NoError(t, store.Create(ctx, p))
	assert.ErrorIs(t, store.Create(ctx, p), ErrProfileExists)

	got, err := store.Get(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, "local-cluster", got.Name)

	// the stored copy must not alias the caller's struct
	p.Name = "mutated"
	got, err = store.Get(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, "local-cluster", got.Name)

	got.Name = "renamed"
	require.NoError(t, store.Update(ctx, got))
	got, err = store.Get(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, "renamed", got.Name)

	profiles, err := store.List(ctx)
	require.NoError(t, err)
	assert.Len(t, profiles, 1)

	require.NoError(t, store.Delete(ctx, "p1"))
	_, err = store.Get(ctx, "p1")
	assert.ErrorIs(t, err, ErrProfileNotFound)
	assert.ErrorIs(t, store.Delete(ctx, "p1"), ErrProfileNotFound)
	assert.ErrorIs(t, store.Update(ctx, got), ErrProfileNotFound)
}

func TestClientConfig(t *testing.T) {
	p := testProfile("p1", "staging")
	p.SASL = &kafka.SASL{Enable: true, Algorithm: "sha512", Username: "u", Password: "s"}

	cfg := p.ClientConfig()
	assert.Equal(t, p.Brokers, cfg.Brokers)
	assert.Equal(t, "kafdeck-staging", cfg.ClientID)
	assert.Equal(t, "3.6.0", cfg.Version)
	require.NotNil(t, cfg.SASL)
	assert.Equal(t, "sha512", cfg.SASL.Algorithm)
}

func TestResolver(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, store.Create(ctx, testProfile("p1", "local")))

	resolve := Resolver(store)

	cfg, err := resolve(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, []string{"localhost:9092"}, cfg.Brokers)

	_, err = resolve(ctx, "missing")
	assert.ErrorIs(t, err, ErrProfileNotFound)
}

func TestPGStoreCRUD(t *testing.T) {
	ctx := context.Background()
	pool := pgtest.Pool(ctx, t)
	store := NewPGStore(pool)
	require.NoError(t, store.Migrate(ctx))

	p := testProfile(uuid.NewString(), "pg-"+uuid.NewString())
	p.SASL = &kafka.SASL{Enable: true, Algorithm: "plain", Username: "u", Password: "s"}
	p.TLS = kafka.TLS{Enable: true}

	require.NoError(t, store.Create(ctx, p))
	t.Cleanup(func() { _ = store.Delete(ctx, p.ID) })
	assert.ErrorIs(t, store.Create(ctx, p), ErrProfileExists)

	got, err := store.Get(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, p.Name, got.Name)
	assert.Equal(t, p.Brokers, got.Brokers)
	require.NotNil(t, got.SASL)
	assert.Equal(t, "plain", got.SASL.Algorithm)
	assert.True(t, got.TLS.Enable)

	got.Brokers = []string{"broker-1:9092", "broker-2:9092"}
	require.NoError(t, store.Update(ctx, got))
	got, err = store.Get(ctx, p.ID)
	require.NoError(t, err)
	assert.Len(t, got.Brokers, 2)

	require.NoError(t, store.Delete(ctx, p.ID))
	_, err = store.Get(ctx, p.ID)
	assert.ErrorIs(t, err, ErrProfileNotFound)
}
