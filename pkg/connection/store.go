package connection

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// MemoryStore keeps profiles in process memory, for tests and PG-less runs.
type MemoryStore struct {
	profiles map[string]*Profile
	mu       sync.RWMutex
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{profiles: make(map[string]*Profile)}
}

func (m *MemoryStore) Create(_ context.Context, p *Profile) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.profiles[p.ID]; ok {
		return ErrProfileExists
	}
	cp := *p
	m.profiles[p.ID] = &cp
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Profile, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p, ok := m.profiles[id]
	if !ok {
		return nil, ErrProfileNotFound
	}
	cp := *p
	return &cp, nil
}

func (m *MemoryStore) List(_ context.Context) ([]*Profile, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*Profile, 0, len(m.profiles))
	for _, p := range m.profiles {
		cp := *p
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryStore) Update(_ context.Context, p *Profile) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.profiles[p.ID]; !ok {
		return ErrProfileNotFound
	}
	cp := *p
	cp.UpdatedAt = time.Now()
	m.profiles[p.ID] = &cp
	return nil
}

func (m *MemoryStore) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.profiles[id]; !ok {
		return ErrProfileNotFound
	}
	delete(m.profiles, id)
	return nil
}

// PGStore persists profiles in PostgreSQL. Credentials are stored alongside
// the profile; locking them down is the database's concern.
type PGStore struct {
	pool *pgxpool.Pool
}

var _ Store = (*PGStore)(nil)

func NewPGStore(pool *pgxpool.Pool) *PGStore {
	return &PGStore{pool: pool}
}

// Migrate creates the profile table if it does not exist.
func (s *PGStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
CREATE TABLE IF NOT EXISTS connection_profiles (
	id         TEXT PRIMARY KEY,
	name       TEXT NOT NULL UNIQUE,
	brokers    JSONB NOT NULL,
	version    TEXT NOT NULL DEFAULT '',
	sasl       JSONB,
	tls        JSONB NOT NULL DEFAULT '{}',
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);`)
	if err != nil {
		return fmt.Errorf("failed to migrate connection schema: %w", err)
	}
	return nil
}

func (s *PGStore) Create(ctx context.Context, p *Profile) error {
	brokers, sasl, tlsCfg, err := marshalProfile(p)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
INSERT INTO connection_profiles (id, name, brokers, version, sasl, tls, created_at, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$7)`,
		p.ID, p.Name, brokers, p.Version, sasl, tlsCfg, p.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrProfileExists
		}
		return fmt.Errorf("failed to insert profile: %w", err)
	}
	return nil
}

func (s *PGStore) Get(ctx context.Context, id string) (*Profile, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+profileColumns+` FROM connection_profiles WHERE id = $1`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to query profile: %w", err)
	}
	p, err := pgx.CollectExactlyOneRow(rows, scanProfile)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrProfileNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan profile: %w", err)
	}
	return p, nil
}

func (s *PGStore) List(ctx context.Context) ([]*Profile, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+profileColumns+` FROM connection_profiles ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("failed to list profiles: %w", err)
	}
	profiles, err := pgx.CollectRows(rows, scanProfile)
	if err != nil {
		return nil, fmt.Errorf("failed to scan profiles: %w", err)
	}
	return profiles, nil
}

func (s *PGStore) Update(ctx context.Context, p *Profile) error {
	brokers, sasl, tlsCfg, err := marshalProfile(p)
	if err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx, `
UPDATE connection_profiles SET name = $2, brokers = $3, version = $4, sasl = $5, tls = $6, updated_at = now()
WHERE id = $1`, p.ID, p.Name, brokers, p.Version, sasl, tlsCfg)
	if err != nil {
		return fmt.Errorf("failed to update profile: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrProfileNotFound
	}
	return nil
}

func (s *PGStore) Delete(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM connection_profiles WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete profile: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrProfileNotFound
	}
	return nil
}

const profileColumns = `id, name, brokers, version, sasl, tls, created_at, updated_at`

func marshalProfile(p *Profile) (brokers, sasl, tlsCfg []byte, err error) {
	if brokers, err = json.Marshal(p.Brokers); err != nil {
		return nil, nil, nil, fmt.Errorf("failed to marshal brokers: %w", err)
	}
	if p.SASL != nil {
		if sasl, err = json.Marshal(p.SASL); err != nil {
			return nil, nil, nil, fmt.Errorf("failed to marshal sasl config: %w", err)
		}
	}
	if tlsCfg, err = json.Marshal(p.TLS); err != nil {
		return nil, nil, nil, fmt.Errorf("failed to marshal tls config: %w", err)
	}
	return brokers, sasl, tlsCfg, nil
}

func scanProfile(row pgx.CollectableRow) (*Profile, error) {
	var p Profile
	var brokers, sasl, tlsCfg []byte
	if err := row.Scan(&p.ID, &p.Name, &brokers, &p.Version, &sasl, &tlsCfg, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(brokers, &p.Brokers); err != nil {
		return nil, fmt.Errorf("failed to unmarshal brokers: %w", err)
	}
	if len(sasl) > 0 {
		if err := json.Unmarshal(sasl, &p.SASL); err != nil {
			return nil, fmt.Errorf("failed to unmarshal sasl config: %w", err)
		}
	}
	if len(tlsCfg) > 0 {
		if err := json.Unmarshal(tlsCfg, &p.TLS); err != nil {
			return nil, fmt.Errorf("failed to unmarshal tls config: %w", err)
		}
	}
	return &p, nil
}
