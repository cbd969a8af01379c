// SPDX-License-Identifier: MIT

// Package engine owns the session state machine and its time accounting.
// Every operation is a pure application of (current record, input, now)
// followed by a single compare-and-swap against the primary store.
package engine

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog"

	"github.com/turnsync/turnsync/internal/domain/session/model"
	"github.com/turnsync/turnsync/internal/domain/session/store"
	"github.com/turnsync/turnsync/internal/log"
	"github.com/turnsync/turnsync/internal/metrics"
)

// casRetries bounds the engine-driven read-apply-CAS loop when the caller
// did not pin an explicit version.
const casRetries = 3

// warnThresholdMS is the remaining-time level below which an out-of-band
// time warning is fanned out to the session's clients.
const warnThresholdMS = 60_000

// Engine coordinates the pure state machine with the primary store.
type Engine struct {
	store  store.Store
	clock  Clock
	logger zerolog.Logger
}

// Option configures the engine.
type Option func(*Engine)

// WithClock substitutes the wall clock; tests use a fake.
func WithClock(c Clock) Option {
	return func(e *Engine) { e.clock = c }
}

// New builds an engine on top of the given store.
func New(st store.Store, opts ...Option) *Engine {
	e := &Engine{
		store:  st,
		clock:  SystemClock(),
		logger: log.WithComponent("engine"),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// SwitchResult is the hot-path response payload.
type SwitchResult struct {
	SessionID              string         `json:"session_id"`
	PreviousParticipantID  string         `json:"previous_participant_id"`
	NewActiveParticipantID string         `json:"new_active_participant_id,omitempty"`
	ExpiredParticipantID   string         `json:"expired_participant_id,omitempty"`
	SwitchTimestamp        time.Time      `json:"switch_timestamp"`
	LatencyMS              int64          `json:"latency_ms"`
	Session                *model.Session `json:"state"`
}

// Create builds a fresh record and stores it with version 1.
func (e *Engine) Create(ctx context.Context, p CreateParams) (*model.Session, error) {
	if err := p.validate(); err != nil {
		metrics.IncOperation("create", "failure")
		return nil, err
	}

	sess := buildSession(p, e.clock.Now())
	if err := e.store.Create(ctx, sess); err != nil {
		metrics.IncOperation("create", "failure")
		return nil, err
	}
	metrics.IncOperation("create", "success")
	return sess, nil
}

// Get loads the record and attaches derived remaining times. Never writes.
func (e *Engine) Get(ctx context.Context, sessionID string) (*model.Session, time.Time, error) {
	sess, err := e.store.Get(ctx, sessionID)
	if err != nil {
		return nil, time.Time{}, err
	}
	now := e.clock.Now()
	return DeriveView(sess, now), now, nil
}

// Start moves a pending session to running.
func (e *Engine) Start(ctx context.Context, sessionID string, expectedVersion int64) (*model.Session, error) {
	return e.mutate(ctx, sessionID, expectedVersion, "start", applyStart)
}

// Pause freezes a running session, debiting the active clock.
func (e *Engine) Pause(ctx context.Context, sessionID string, expectedVersion int64) (*model.Session, error) {
	return e.mutate(ctx, sessionID, expectedVersion, "pause", applyPause)
}

// Resume continues a paused session.
func (e *Engine) Resume(ctx context.Context, sessionID string, expectedVersion int64) (*model.Session, error) {
	return e.mutate(ctx, sessionID, expectedVersion, "resume", applyResume)
}

// Complete ends a running or paused session.
func (e *Engine) Complete(ctx context.Context, sessionID string, expectedVersion int64) (*model.Session, error) {
	return e.mutate(ctx, sessionID, expectedVersion, "complete", applyComplete)
}

// Cancel aborts any non-terminal session.
func (e *Engine) Cancel(ctx context.Context, sessionID string, expectedVersion int64) (*model.Session, error) {
	return e.mutate(ctx, sessionID, expectedVersion, "cancel", applyCancel)
}

// Delete removes the record and fans out the tombstone.
func (e *Engine) Delete(ctx context.Context, sessionID string) error {
	if err := e.store.Delete(ctx, sessionID); err != nil {
		metrics.IncOperation("delete", "failure")
		return err
	}
	metrics.IncOperation("delete", "success")
	return nil
}

// AddParticipant appends a participant to a pending session.
func (e *Engine) AddParticipant(ctx context.Context, sessionID string, expectedVersion int64, p ParticipantParams) (*model.Session, error) {
	return e.mutate(ctx, sessionID, expectedVersion, "add_participant",
		func(s *model.Session, _ time.Time) error { return applyAddParticipant(s, p) })
}

// AdjustTime sets a participant's stored budget. The mandatory reason lands
// in the audit trail via the store's event hook.
func (e *Engine) AdjustTime(ctx context.Context, sessionID string, p AdjustTimeParams) (*model.Session, error) {
	return e.mutate(ctx, sessionID, p.ExpectedVersion, "adjust_time",
		func(s *model.Session, _ time.Time) error { return applyAdjustTime(s, p) })
}

// Switch advances activity to the next participant. Target latency for the
// whole round trip is under 50 ms: one load, one pure application, one CAS.
func (e *Engine) Switch(ctx context.Context, sessionID string, p SwitchParams) (*SwitchResult, error) {
	started := time.Now()

	var outcome *switchOutcome
	sess, err := e.mutate(ctx, sessionID, p.ExpectedVersion, "switch",
		func(s *model.Session, now time.Time) error {
			out, err := applySwitch(s, p, now)
			if err != nil {
				return err
			}
			outcome = out
			return nil
		})
	if err != nil {
		return nil, err
	}

	now := e.clock.Now()
	res := &SwitchResult{
		SessionID:              sessionID,
		PreviousParticipantID:  outcome.Previous,
		NewActiveParticipantID: outcome.NewActive,
		SwitchTimestamp:        now,
		LatencyMS:              time.Since(started).Milliseconds(),
		Session:                DeriveView(sess, now),
	}
	metrics.ObserveSwitchLatency(time.Since(started).Seconds())

	if outcome.Expired {
		res.ExpiredParticipantID = outcome.Previous
		metrics.IncSessionExpired()
	} else if !outcome.Completed {
		e.maybeWarnLowTime(ctx, res.Session)
	}
	return res, nil
}

// maybeWarnLowTime publishes an out-of-band warning on the session's
// fan-out channel when the incoming participant is nearly out of time.
// Best-effort: the state update itself carries the authoritative numbers.
func (e *Engine) maybeWarnLowTime(ctx context.Context, view *model.Session) {
	active := view.ActiveParticipant()
	if active == nil || active.TimeRemainingMS <= 0 || active.TimeRemainingMS >= warnThresholdMS {
		return
	}
	payload, err := json.Marshal(map[string]any{
		"type":              "TIME_WARNING",
		"session_id":        view.SessionID,
		"participant_id":    active.ParticipantID,
		"time_remaining_ms": active.TimeRemainingMS,
	})
	if err != nil {
		return
	}
	if err := e.store.PublishFanout(ctx, view.SessionID, payload); err != nil {
		e.logger.Warn().Err(err).Str("session_id", view.SessionID).Msg("time warning fanout failed")
	}
}

// mutate runs the optimistic-concurrency protocol: load, apply the pure
// operation to a private copy, CAS. With an explicit expected version a
// conflict fails fast; otherwise the loop retries up to casRetries times.
func (e *Engine) mutate(ctx context.Context, sessionID string, expectedVersion int64, op string,
	apply func(*model.Session, time.Time) error) (*model.Session, error) {

	attempts := 1
	if expectedVersion == 0 {
		attempts = casRetries
	}

	var lastErr error
	for i := 0; i < attempts; i++ {
		current, err := e.store.Get(ctx, sessionID)
		if err != nil {
			metrics.IncOperation(op, "failure")
			return nil, err
		}

		expected := expectedVersion
		if expected == 0 {
			expected = current.Version
		}

		now := e.clock.Now()
		next := current.Clone()
		if err := apply(next, now); err != nil {
			metrics.IncOperation(op, "failure")
			return nil, err
		}
		next.UpdatedAt = now

		if _, err := e.store.Update(ctx, sessionID, next, expected, op); err != nil {
			if store.IsConflict(err) {
				metrics.IncCASConflict()
				lastErr = err
				e.logger.Debug().
					Str("session_id", sessionID).
					Str("operation", op).
					Int("attempt", i+1).
					Msg("cas conflict")
				continue
			}
			metrics.IncOperation(op, "failure")
			return nil, err
		}

		metrics.IncOperation(op, "success")
		return next, nil
	}

	metrics.IncOperation(op, "failure")
	return nil, lastErr
}
