// SPDX-License-Identifier: MIT

package audit

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS sync_sessions (
	session_id   TEXT PRIMARY KEY,
	sync_mode    TEXT NOT NULL,
	status       TEXT NOT NULL,
	version      BIGINT NOT NULL,
	participants INTEGER NOT NULL,
	created_at   TIMESTAMPTZ,
	updated_at   TIMESTAMPTZ NOT NULL,
	completed_at TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS sync_events (
	id          BIGSERIAL PRIMARY KEY,
	session_id  TEXT NOT NULL,
	event_type  TEXT NOT NULL,
	version     BIGINT,
	snapshot    JSONB,
	recorded_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_sync_events_session ON sync_events(session_id);

CREATE TABLE IF NOT EXISTS sync_dead_letters (
	id          BIGSERIAL PRIMARY KEY,
	session_id  TEXT NOT NULL,
	event_type  TEXT NOT NULL,
	reason      TEXT NOT NULL,
	snapshot    JSONB,
	recorded_at TIMESTAMPTZ NOT NULL
);
`

// PostgresStore is the clustered audit backend behind a pgx pool.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects, verifies connectivity and applies the schema.
func NewPostgresStore(ctx context.Context, databaseURL string, maxConns int) (*PostgresStore, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("audit postgres: config: %w", err)
	}
	if maxConns > 0 {
		cfg.MaxConns = int32(maxConns)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("audit postgres: connect: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("audit postgres: ping: %w", err)
	}

	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("audit postgres: schema: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

func (s *PostgresStore) RecordEvent(ctx context.Context, job Job) error {
	snapshot, version, err := marshalSnapshot(job.Snapshot)
	if err != nil {
		return err
	}

	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if job.Snapshot != nil {
			sess := job.Snapshot
			var completedAt *time.Time
			if sess.SessionCompletedAt != nil {
				t := sess.SessionCompletedAt.UTC()
				completedAt = &t
			}
			_, err := tx.Exec(ctx, `
				INSERT INTO sync_sessions (session_id, sync_mode, status, version, participants, created_at, updated_at, completed_at)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
				ON CONFLICT (session_id) DO UPDATE SET
					status = EXCLUDED.status,
					version = EXCLUDED.version,
					participants = EXCLUDED.participants,
					updated_at = EXCLUDED.updated_at,
					completed_at = EXCLUDED.completed_at`,
				sess.SessionID, string(sess.SyncMode), string(sess.Status), sess.Version,
				len(sess.Participants), sess.CreatedAt.UTC(), sess.UpdatedAt.UTC(), completedAt,
			)
			if err != nil {
				return fmt.Errorf("upsert session summary: %w", err)
			}
		}

		_, err := tx.Exec(ctx, `
			INSERT INTO sync_events (session_id, event_type, version, snapshot, recorded_at)
			VALUES ($1, $2, $3, $4, $5)`,
			job.SessionID, job.EventType, version, snapshot, job.Timestamp.UTC(),
		)
		if err != nil {
			return fmt.Errorf("insert event: %w", err)
		}
		return nil
	})
}

func (s *PostgresStore) RecordDeadLetter(ctx context.Context, job Job, reason string) error {
	snapshot, _, err := marshalSnapshot(job.Snapshot)
	if err != nil {
		snapshot = nil
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO sync_dead_letters (session_id, event_type, reason, snapshot, recorded_at)
		VALUES ($1, $2, $3, $4, $5)`,
		job.SessionID, job.EventType, reason, snapshot, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("audit postgres: insert dead letter: %w", err)
	}
	return nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
