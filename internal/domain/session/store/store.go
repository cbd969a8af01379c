// SPDX-License-Identifier: MIT

// Package store is the sole gatekeeper of the authoritative session record.
package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/turnsync/turnsync/internal/domain/session/model"
)

var (
	// ErrNotFound is returned when a session is absent or its TTL lapsed.
	ErrNotFound = errors.New("session not found")
	// ErrAlreadyExists is returned by Create when the key is present.
	ErrAlreadyExists = errors.New("session already exists")
	// ErrStoreUnavailable wraps transport failures talking to the store.
	ErrStoreUnavailable = errors.New("state store unavailable")
)

// ConflictError reports a compare-and-swap version mismatch.
type ConflictError struct {
	Expected int64
	Actual   int64
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("version conflict: expected %d, actual %d", e.Expected, e.Actual)
}

// IsConflict reports whether err is a CAS version conflict.
func IsConflict(err error) bool {
	var ce *ConflictError
	return errors.As(err, &ce)
}

// StateChange is one cluster-wide mutation event. State is nil for a
// tombstone (session deleted).
type StateChange struct {
	SessionID string         `json:"session_id"`
	Version   int64          `json:"version"`
	State     *model.Session `json:"state"`
}

// FanoutMessage is an out-of-band per-session message (e.g. time warnings).
type FanoutMessage struct {
	SessionID string
	Payload   []byte
}

// AuditSink receives a snapshot for every committed mutation. Implementations
// must not block; the hot path depends on it.
type AuditSink func(sessionID, eventType string, snapshot *model.Session)

// Store is the primary state store adapter.
type Store interface {
	// Get returns the session or ErrNotFound. Transport failures are
	// reported as ErrStoreUnavailable.
	Get(ctx context.Context, sessionID string) (*model.Session, error)

	// Create writes a fresh record (version 1) with the default TTL.
	Create(ctx context.Context, sess *model.Session) error

	// Update atomically replaces the record iff the stored version equals
	// expectedVersion. On success the version is bumped, the TTL refreshed,
	// a state-change event published and an audit job enqueued. Returns the
	// new version.
	Update(ctx context.Context, sessionID string, sess *model.Session, expectedVersion int64, eventType string) (int64, error)

	// Delete removes the record, publishes a tombstone and enqueues a
	// terminal audit job.
	Delete(ctx context.Context, sessionID string) error

	// PublishFanout sends a one-shot, non-durable message on the session's
	// fan-out channel.
	PublishFanout(ctx context.Context, sessionID string, payload []byte) error

	// SubscribeStateChange opens the long-lived cluster-wide subscription.
	// The returned cancel func tears the subscription down and closes the
	// channel. Must be called once at startup.
	SubscribeStateChange(ctx context.Context) (<-chan StateChange, func())

	// SubscribeFanout opens the per-session fan-out pattern subscription.
	SubscribeFanout(ctx context.Context) (<-chan FanoutMessage, func())

	// Ping verifies connectivity for readiness checks.
	Ping(ctx context.Context) error

	Close() error
}
