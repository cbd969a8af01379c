// SPDX-License-Identifier: MIT

package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // Pure Go driver

	"github.com/turnsync/turnsync/internal/domain/session/model"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS sync_sessions (
	session_id   TEXT PRIMARY KEY,
	sync_mode    TEXT NOT NULL,
	status       TEXT NOT NULL,
	version      INTEGER NOT NULL,
	participants INTEGER NOT NULL,
	created_at   TEXT,
	updated_at   TEXT NOT NULL,
	completed_at TEXT
);

CREATE TABLE IF NOT EXISTS sync_events (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	session_id  TEXT NOT NULL,
	event_type  TEXT NOT NULL,
	version     INTEGER,
	snapshot    TEXT,
	recorded_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_sync_events_session ON sync_events(session_id);

CREATE TABLE IF NOT EXISTS sync_dead_letters (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	session_id  TEXT NOT NULL,
	event_type  TEXT NOT NULL,
	reason      TEXT NOT NULL,
	snapshot    TEXT,
	recorded_at TEXT NOT NULL
);
`

// SQLiteStore is the single-node audit backend, used when DATABASE_URL is
// not a postgres URL.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) the audit database with WAL mode and a
// busy timeout, then applies the schema.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("audit sqlite: open failed: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("audit sqlite: schema failed: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) RecordEvent(ctx context.Context, job Job) error {
	snapshot, version, err := marshalSnapshot(job.Snapshot)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("audit sqlite: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if job.Snapshot != nil {
		sess := job.Snapshot
		var completedAt any
		if sess.SessionCompletedAt != nil {
			completedAt = sess.SessionCompletedAt.UTC().Format(time.RFC3339Nano)
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO sync_sessions (session_id, sync_mode, status, version, participants, created_at, updated_at, completed_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(session_id) DO UPDATE SET
				status = excluded.status,
				version = excluded.version,
				participants = excluded.participants,
				updated_at = excluded.updated_at,
				completed_at = excluded.completed_at`,
			sess.SessionID, string(sess.SyncMode), string(sess.Status), sess.Version,
			len(sess.Participants),
			sess.CreatedAt.UTC().Format(time.RFC3339Nano),
			sess.UpdatedAt.UTC().Format(time.RFC3339Nano),
			completedAt,
		)
		if err != nil {
			return fmt.Errorf("audit sqlite: upsert session: %w", err)
		}
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO sync_events (session_id, event_type, version, snapshot, recorded_at)
		VALUES (?, ?, ?, ?, ?)`,
		job.SessionID, job.EventType, version, snapshot,
		job.Timestamp.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("audit sqlite: insert event: %w", err)
	}

	return tx.Commit()
}

func (s *SQLiteStore) RecordDeadLetter(ctx context.Context, job Job, reason string) error {
	snapshot, _, err := marshalSnapshot(job.Snapshot)
	if err != nil {
		snapshot = nil
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO sync_dead_letters (session_id, event_type, reason, snapshot, recorded_at)
		VALUES (?, ?, ?, ?, ?)`,
		job.SessionID, job.EventType, reason, snapshot,
		time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("audit sqlite: insert dead letter: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func marshalSnapshot(sess *model.Session) (snapshot []byte, version any, err error) {
	if sess == nil {
		return nil, nil, nil
	}
	data, err := json.Marshal(sess)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal audit snapshot: %w", err)
	}
	return data, sess.Version, nil
}
