// SPDX-License-Identifier: MIT

package engine

import (
	"time"

	"github.com/turnsync/turnsync/internal/domain/session/model"
)

// switchOutcome captures what a single switch application decided.
type switchOutcome struct {
	Previous  string
	NewActive string
	Expired   bool
	Completed bool
}

// applySwitch advances activity from the current participant to the next.
// This is the hot path: one pure application followed by one CAS.
func applySwitch(s *model.Session, p SwitchParams, now time.Time) (*switchOutcome, error) {
	if s.Status != model.StatusRunning {
		return nil, &InvalidTransitionError{Op: "switch", Status: s.Status}
	}
	if p.ExpectedCurrentParticipantID != "" && p.ExpectedCurrentParticipantID != s.ActiveParticipantID {
		return nil, ErrStaleActor
	}

	out := &switchOutcome{Previous: s.ActiveParticipantID}
	elapsed := now.Sub(*s.CycleStartedAt).Milliseconds()

	if expired := debitElapsed(s, elapsed); expired {
		// The outgoing clock hit zero: terminate, do not rotate and do not
		// grant the increment on the zero crossing.
		markExpired(s)
		out.Expired = true
		return out, nil
	}

	next, ok, err := nextParticipant(s, p.ExpectedNextParticipantID)
	if err != nil {
		return nil, err
	}

	outgoing := s.ActiveParticipant()
	outgoing.CycleCount++

	if !ok {
		// Everyone else has expired; the remaining participant wins.
		clearActiveFlags(s)
		s.Status = model.StatusCompleted
		s.CycleStartedAt = nil
		t := now
		s.SessionCompletedAt = &t
		out.Completed = true
		return out, nil
	}

	// Fischer bonus for the outgoing participant, where a per-participant
	// budget exists to credit.
	if s.IncrementMS > 0 {
		switch s.SyncMode {
		case model.ModePerParticipant:
			outgoing.TotalTimeMS += s.IncrementMS
		case model.ModePerGroup:
			for _, m := range s.GroupMembers(outgoing.GroupID) {
				m.TotalTimeMS += s.IncrementMS
			}
		}
	}

	if s.SyncMode == model.ModePerCycle && s.TimePerCycleMS != nil {
		// Each turn starts fresh.
		outgoing.TotalTimeMS = *s.TimePerCycleMS
		s.Participant(next).TotalTimeMS = *s.TimePerCycleMS
	}

	s.ActiveParticipantID = next
	setActiveFlag(s, next)
	t := now
	s.CycleStartedAt = &t
	out.NewActive = next
	return out, nil
}
