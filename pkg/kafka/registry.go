package kafka

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

var ErrConnectionNotFound = errors.New("kafka connection not found")

// Resolver maps a connection profile id to a cluster Config.
type Resolver func(ctx context.Context, connectionID string) (*Config, error)

// Registry manages one lazily-created *Client per connection profile.
// Clients are shared across sessions targeting the same cluster.
type Registry struct {
	clients map[string]*Client
	resolve Resolver
	logger  *zap.Logger
	mu      sync.RWMutex
}

// NewRegistry returns a new client registry backed by the given resolver.
func NewRegistry(resolve Resolver, logger *zap.Logger) *Registry {
	return &Registry{
		clients: make(map[string]*Client),
		resolve: resolve,
		logger:  logger,
	}
}

// Get returns the client for a connection profile, creating and dialing it on
// first use. The initial dial is retried with exponential backoff.
func (r *Registry) Get(ctx context.Context, connectionID string) (*Client, error) {
	r.mu.RLock()
	client, ok := r.clients[connectionID]
	r.mu.RUnlock()
	if ok {
		return client, nil
	}

	cfg, err := r.resolve(ctx, connectionID)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve connection %s: %w", connectionID, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	// another caller may have raced us here
	if client, ok := r.clients[connectionID]; ok {
		return client, nil
	}

	client = NewClient(cfg, r.logger.With(zap.String("connection", connectionID)))

	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = 15 * time.Second
	operation := func() error {
		_, err := client.saramaClient()
		return err
	}
	if err := backoff.Retry(operation, backoff.WithContext(b, ctx)); err != nil {
		return nil, fmt.Errorf("failed to connect to cluster for %s: %w", connectionID, err)
	}

	r.clients[connectionID] = client
	r.logger.Info("Connected kafka client", zap.String("connection", connectionID))
	return client, nil
}

// Remove closes and forgets the client for a connection profile.
// Removing an unknown connection is a no-op.
func (r *Registry) Remove(connectionID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	client, ok := r.clients[connectionID]
	if !ok {
		return nil
	}
	delete(r.clients, connectionID)
	return client.Close()
}

// List returns the connection ids with live clients.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.clients))
	for id := range r.clients {
		ids = append(ids, id)
	}
	return ids
}

// Close closes all clients.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for id, client := range r.clients {
		if err := client.Close(); err != nil {
			r.logger.Warn("Failed to close kafka client",
				zap.String("connection", id),
				zap.Error(err))
		}
	}
	r.clients = make(map[string]*Client)
}
