// Package connection manages Kafka connection profiles: the broker addresses
// and credentials a dashboard user saves once and reuses across sessions.
package connection

import (
	"context"
	"errors"
	"time"

	"github.com/kafdeck/kafdeck/pkg/kafka"
)

var (
	ErrProfileNotFound = errors.New("connection profile not found")
	ErrProfileExists   = errors.New("connection profile already exists")
)

// Profile is one saved cluster connection.
type Profile struct {
	CreatedAt time.Time    `json:"createdAt"`
	UpdatedAt time.Time    `json:"updatedAt"`
	SASL      *kafka.SASL  `json:"sasl,omitempty"`
	ID        string       `json:"id"`
	Name      string       `json:"name"`
	Brokers   []string     `json:"brokers"`
	Version   string       `json:"version,omitempty"`
	TLS       kafka.TLS    `json:"tls"`
}

// ClientConfig converts the profile into a cluster config.
func (p *Profile) ClientConfig() *kafka.Config {
	return &kafka.Config{
		Brokers:  p.Brokers,
		ClientID: "kafdeck-" + p.Name,
		Version:  p.Version,
		SASL:     p.SASL,
		TLS:      p.TLS,
	}
}

// Store persists connection profiles.
type Store interface {
	Create(ctx context.Context, p *Profile) error
	Get(ctx context.Context, id string) (*Profile, error)
	List(ctx context.Context) ([]*Profile, error)
	Update(ctx context.Context, p *Profile) error
	Delete(ctx context.Context, id string) error
}

// Resolver returns a kafka.Resolver backed by a profile store, for the client
// registry's lazy dials.
func Resolver(store Store) kafka.Resolver {
	return func(ctx context.Context, connectionID string) (*kafka.Config, error) {
		p, err := store.Get(ctx, connectionID)
		if err != nil {
			return nil, err
		}
		return p.ClientConfig(), nil
	}
}
