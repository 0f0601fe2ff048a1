package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/kafdeck/kafdeck/pkg/kafka"
)

// PGStore persists sessions and the consumed-message log in PostgreSQL.
type PGStore struct {
	pool *pgxpool.Pool
}

var _ Store = (*PGStore)(nil)

// NewPGStore wraps an existing pool. Call Migrate before first use.
func NewPGStore(pool *pgxpool.Pool) *PGStore {
	return &PGStore{pool: pool}
}

// Migrate creates the session tables if they do not exist.
func (s *PGStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
CREATE TABLE IF NOT EXISTS consumer_sessions (
	session_id        TEXT PRIMARY KEY,
	connection_id     TEXT NOT NULL,
	topic             TEXT NOT NULL,
	consumer_group    TEXT NOT NULL,
	partition_id      INT,
	start_offset      BIGINT,
	status            TEXT NOT NULL,
	current_offsets   JSONB NOT NULL DEFAULT '{}',
	messages_consumed BIGINT NOT NULL DEFAULT 0,
	messages_skipped  BIGINT NOT NULL DEFAULT 0,
	auto_commit       BOOLEAN NOT NULL DEFAULT true,
	poll_timeout_ms   BIGINT NOT NULL,
	max_messages      BIGINT NOT NULL DEFAULT 0,
	subscriber_chan   TEXT NOT NULL DEFAULT '',
	error_message     TEXT NOT NULL DEFAULT '',
	created_at        TIMESTAMPTZ NOT NULL DEFAULT now(),
	started_at        TIMESTAMPTZ,
	stopped_at        TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS session_messages (
	seq        BIGSERIAL,
	session_id TEXT NOT NULL REFERENCES consumer_sessions(session_id) ON DELETE CASCADE,
	topic      TEXT NOT NULL,
	partition  INT NOT NULL,
	"offset"   BIGINT NOT NULL,
	key        BYTEA,
	value      BYTEA,
	headers    JSONB,
	ts         TIMESTAMPTZ,
	PRIMARY KEY (session_id, topic, partition, "offset")
);
`)
	if err != nil {
		return fmt.Errorf("failed to migrate session schema: %w", err)
	}
	return nil
}

func (s *PGStore) Create(ctx context.Context, sess *ConsumerSession) error {
	offsets, err := json.Marshal(sess.CurrentOffsets)
	if err != nil {
		return fmt.Errorf("failed to marshal offsets: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
INSERT INTO consumer_sessions (
	session_id, connection_id, topic, consumer_group, partition_id, start_offset,
	status, current_offsets, messages_consumed, messages_skipped, auto_commit,
	poll_timeout_ms, max_messages, subscriber_chan, error_message, created_at
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)`,
		sess.ID, sess.ConnectionID, sess.Topic, sess.ConsumerGroup, sess.PartitionID,
		sess.StartOffset, sess.Status, offsets, sess.MessagesConsumed, sess.MessagesSkipped,
		sess.AutoCommit, sess.PollTimeoutMs, sess.MaxMessages, sess.SubscriberChan,
		sess.ErrorMessage, sess.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert session: %w", err)
	}
	return nil
}

func (s *PGStore) Get(ctx context.Context, id string) (*ConsumerSession, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+sessionColumns+` FROM consumer_sessions WHERE session_id = $1`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to query session: %w", err)
	}
	sess, err := pgx.CollectExactlyOneRow(rows, scanSession)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan session: %w", err)
	}
	return sess, nil
}

func (s *PGStore) List(ctx context.Context, filter Filter) ([]*ConsumerSession, error) {
	query := `SELECT ` + sessionColumns + ` FROM consumer_sessions WHERE ($1 = '' OR connection_id = $1) AND ($2 = '' OR topic = $2) AND ($3 = '' OR status = $3) ORDER BY created_at`
	rows, err := s.pool.Query(ctx, query, filter.ConnectionID, filter.Topic, string(filter.Status))
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	sessions, err := pgx.CollectRows(rows, scanSession)
	if err != nil {
		return nil, fmt.Errorf("failed to scan sessions: %w", err)
	}
	return sessions, nil
}

func (s *PGStore) UpdateStatus(ctx context.Context, id string, status Status, errorMessage string) error {
	tag, err := s.pool.Exec(ctx, `
UPDATE consumer_sessions SET
	status = $2,
	error_message = $3,
	started_at = CASE WHEN $2 = 'RUNNING' AND started_at IS NULL THEN now() ELSE started_at END,
	stopped_at = CASE WHEN $2 IN ('STOPPED','ERROR') AND stopped_at IS NULL THEN now() ELSE stopped_at END
WHERE session_id = $1
  AND status NOT IN ('STOPPED','ERROR')`, id, status, errorMessage)
	if err != nil {
		return fmt.Errorf("failed to update status: %w", err)
	}
	// zero rows affected may just mean the session is already terminal, and
	// terminal status never changes again
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM consumer_sessions WHERE session_id = $1)`, id).Scan(&exists); err != nil {
			return fmt.Errorf("failed to check session: %w", err)
		}
		if !exists {
			return ErrSessionNotFound
		}
	}
	return nil
}

func (s *PGStore) UpdateOffset(ctx context.Context, id string, partition int32, offset int64) error {
	key := fmt.Sprintf("%d", partition)
	tag, err := s.pool.Exec(ctx, `
UPDATE consumer_sessions
SET current_offsets = jsonb_set(current_offsets, ARRAY[$2], to_jsonb($3::bigint))
WHERE session_id = $1
  AND (NOT current_offsets ? $2 OR (current_offsets->>$2)::bigint < $3)`,
		id, key, offset)
	if err != nil {
		return fmt.Errorf("failed to update offset: %w", err)
	}
	// zero rows affected may just mean the stored offset is already newer
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM consumer_sessions WHERE session_id = $1)`, id).Scan(&exists); err != nil {
			return fmt.Errorf("failed to check session: %w", err)
		}
		if !exists {
			return ErrSessionNotFound
		}
	}
	return nil
}

func (s *PGStore) IncrementMessageCount(ctx context.Context, id string) error {
	return s.increment(ctx, id, "messages_consumed")
}

func (s *PGStore) IncrementSkipCount(ctx context.Context, id string) error {
	return s.increment(ctx, id, "messages_skipped")
}

func (s *PGStore) increment(ctx context.Context, id, column string) error {
	tag, err := s.pool.Exec(ctx,
		fmt.Sprintf(`UPDATE consumer_sessions SET %s = %s + 1 WHERE session_id = $1`, column, column), id)
	if err != nil {
		return fmt.Errorf("failed to increment %s: %w", column, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrSessionNotFound
	}
	return nil
}

func (s *PGStore) BindSubscriber(ctx context.Context, id, channelID string) error {
	tag, err := s.pool.Exec(ctx, `UPDATE consumer_sessions SET subscriber_chan = $2 WHERE session_id = $1`, id, channelID)
	if err != nil {
		return fmt.Errorf("failed to bind subscriber: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrSessionNotFound
	}
	return nil
}

func (s *PGStore) Delete(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM consumer_sessions WHERE session_id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrSessionNotFound
	}
	return nil
}

func (s *PGStore) RecordMessage(ctx context.Context, id string, rec kafka.Record) error {
	var headers []byte
	if rec.Headers != nil {
		var err error
		headers, err = json.Marshal(rec.Headers)
		if err != nil {
			return fmt.Errorf("failed to marshal headers: %w", err)
		}
	}

	_, err := s.pool.Exec(ctx, `
INSERT INTO session_messages (session_id, topic, partition, "offset", key, value, headers, ts)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
ON CONFLICT (session_id, topic, partition, "offset") DO NOTHING`,
		id, rec.Topic, rec.Partition, rec.Offset, rec.Key, rec.Value, headers, rec.Timestamp)
	if err != nil {
		return fmt.Errorf("failed to record message: %w", err)
	}
	return nil
}

func (s *PGStore) ListMessages(ctx context.Context, id string, limit int) ([]kafka.Record, error) {
	if limit <= 0 {
		limit = 100
	}
	// most recent N appends, returned in append order
	rows, err := s.pool.Query(ctx, `
SELECT topic, partition, "offset", key, value, headers, ts FROM (
	SELECT seq, topic, partition, "offset", key, value, headers, ts
	FROM session_messages WHERE session_id = $1
	ORDER BY seq DESC LIMIT $2
) tail ORDER BY seq`, id, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}
	defer rows.Close()

	var out []kafka.Record
	for rows.Next() {
		var rec kafka.Record
		var headers []byte
		if err := rows.Scan(&rec.Topic, &rec.Partition, &rec.Offset, &rec.Key, &rec.Value, &headers, &rec.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		if len(headers) > 0 {
			if err := json.Unmarshal(headers, &rec.Headers); err != nil {
				return nil, fmt.Errorf("failed to unmarshal headers: %w", err)
			}
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if out == nil {
		var exists bool
		if err := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM consumer_sessions WHERE session_id = $1)`, id).Scan(&exists); err != nil {
			return nil, fmt.Errorf("failed to check session: %w", err)
		}
		if !exists {
			return nil, ErrSessionNotFound
		}
	}
	return out, nil
}

const sessionColumns = `session_id, connection_id, topic, consumer_group, partition_id, start_offset,
	status, current_offsets, messages_consumed, messages_skipped, auto_commit,
	poll_timeout_ms, max_messages, subscriber_chan, error_message, created_at, started_at, stopped_at`

func scanSession(row pgx.CollectableRow) (*ConsumerSession, error) {
	var sess ConsumerSession
	var offsets []byte
	err := row.Scan(&sess.ID, &sess.ConnectionID, &sess.Topic, &sess.ConsumerGroup,
		&sess.PartitionID, &sess.StartOffset, &sess.Status, &offsets,
		&sess.MessagesConsumed, &sess.MessagesSkipped, &sess.AutoCommit,
		&sess.PollTimeoutMs, &sess.MaxMessages, &sess.SubscriberChan,
		&sess.ErrorMessage, &sess.CreatedAt, &sess.StartedAt, &sess.StoppedAt)
	if err != nil {
		return nil, err
	}
	if len(offsets) > 0 {
		if err := json.Unmarshal(offsets, &sess.CurrentOffsets); err != nil {
			return nil, fmt.Errorf("failed to unmarshal offsets: %w", err)
		}
	}
	return &sess, nil
}
