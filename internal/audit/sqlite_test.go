// SPDX-License-Identifier: MIT

package audit

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/turnsync/turnsync/internal/domain/session/model"
)

func newTestSQLite(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "audit.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func sampleSession(version int64, status model.Status) *model.Session {
	now := time.Now().UTC()
	return &model.Session{
		SessionID: "3f1b9a0e-7c2d-4e5f-9a1b-2c3d4e5f6a7b",
		SyncMode:  model.ModePerParticipant,
		Status:    status,
		Version:   version,
		Participants: []model.Participant{
			{ParticipantID: "p1", ParticipantIndex: 0, TotalTimeMS: 600_000},
			{ParticipantID: "p2", ParticipantIndex: 1, TotalTimeMS: 600_000},
		},
		TotalTimeMS: 1_200_000,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

func TestSQLiteRecordEventPersistsSummaryAndEvent(t *testing.T) {
	store := newTestSQLite(t)
	ctx := context.Background()

	sess := sampleSession(1, model.StatusPending)
	require.NoError(t, store.RecordEvent(ctx, Job{
		SessionID: sess.SessionID,
		EventType: "create",
		Timestamp: time.Now().UTC(),
		Snapshot:  sess,
	}))

	var status string
	var version int64
	row := store.db.QueryRow(`SELECT status, version FROM sync_sessions WHERE session_id = ?`, sess.SessionID)
	require.NoError(t, row.Scan(&status, &version))
	assert.Equal(t, "pending", status)
	assert.Equal(t, int64(1), version)

	var eventCount int
	row = store.db.QueryRow(`SELECT COUNT(*) FROM sync_events WHERE session_id = ?`, sess.SessionID)
	require.NoError(t, row.Scan(&eventCount))
	assert.Equal(t, 1, eventCount)
}

func TestSQLiteRecordEventUpsertsSummary(t *testing.T) {
	store := newTestSQLite(t)
	ctx := context.Background()

	first := sampleSession(1, model.StatusPending)
	require.NoError(t, store.RecordEvent(ctx, Job{
		SessionID: first.SessionID, EventType: "create",
		Timestamp: time.Now().UTC(), Snapshot: first,
	}))

	second := sampleSession(2, model.StatusRunning)
	require.NoError(t, store.RecordEvent(ctx, Job{
		SessionID: second.SessionID, EventType: "start",
		Timestamp: time.Now().UTC(), Snapshot: second,
	}))

	var rows int
	require.NoError(t, store.db.QueryRow(`SELECT COUNT(*) FROM sync_sessions`).Scan(&rows))
	assert.Equal(t, 1, rows, "summary row is upserted, not duplicated")

	var status string
	var version int64
	row := store.db.QueryRow(`SELECT status, version FROM sync_sessions WHERE session_id = ?`, second.SessionID)
	require.NoError(t, row.Scan(&status, &version))
	assert.Equal(t, "running", status)
	assert.Equal(t, int64(2), version)

	var events int
	require.NoError(t, store.db.QueryRow(`SELECT COUNT(*) FROM sync_events`).Scan(&events))
	assert.Equal(t, 2, events)
}

func TestSQLiteRecordEventTombstone(t *testing.T) {
	store := newTestSQLite(t)
	ctx := context.Background()

	require.NoError(t, store.RecordEvent(ctx, Job{
		SessionID: "gone", EventType: "delete", Timestamp: time.Now().UTC(),
	}))

	var snapshot any
	row := store.db.QueryRow(`SELECT snapshot FROM sync_events WHERE session_id = ?`, "gone")
	require.NoError(t, row.Scan(&snapshot))
	assert.Nil(t, snapshot)
}

func TestSQLiteRecordDeadLetter(t *testing.T) {
	store := newTestSQLite(t)
	ctx := context.Background()

	sess := sampleSession(3, model.StatusRunning)
	require.NoError(t, store.RecordDeadLetter(ctx, Job{
		SessionID: sess.SessionID, EventType: "switch",
		Timestamp: time.Now().UTC(), Snapshot: sess,
	}, "retries exhausted: connection refused"))

	var reason string
	row := store.db.QueryRow(`SELECT reason FROM sync_dead_letters WHERE session_id = ?`, sess.SessionID)
	require.NoError(t, row.Scan(&reason))
	assert.Contains(t, reason, "retries exhausted")
}

func TestStoreFactorySelectsSQLiteForFilePaths(t *testing.T) {
	store, err := NewStore(context.Background(), filepath.Join(t.TempDir(), "audit.db"), 0)
	require.NoError(t, err)
	defer func() { _ = store.Close() }()

	_, ok := store.(*SQLiteStore)
	assert.True(t, ok)
	assert.NoError(t, store.Ping(context.Background()))
}

func TestConstraintViolationClassification(t *testing.T) {
	assert.False(t, isConstraintViolation(assert.AnError))
	assert.True(t, isConstraintViolation(errSQLiteConstraint{}))
}

type errSQLiteConstraint struct{}

func (errSQLiteConstraint) Error() string { return "NOT NULL constraint failed: sync_events.session_id" }
