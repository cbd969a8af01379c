// SPDX-License-Identifier: MIT

package engine

import "github.com/turnsync/turnsync/internal/domain/session/model"

// debitElapsed applies the mode-specific time accounting for elapsedMS of
// active clock time to the session. It mutates the record in place and
// returns true when the crossing exhausts the governing budget, i.e. the
// remaining time would have gone negative or hit zero. Budgets are clamped
// at 0 in the same pass so the caller can persist the crossing atomically.
func debitElapsed(s *model.Session, elapsedMS int64) bool {
	if elapsedMS < 0 {
		elapsedMS = 0
	}
	active := s.ActiveParticipant()

	switch s.SyncMode {
	case model.ModePerParticipant, model.ModePerCycle:
		if active == nil {
			return false
		}
		budget := active.TotalTimeMS
		debit := min(elapsedMS, budget)
		active.TimeUsedMS += debit
		active.TotalTimeMS -= debit
		return elapsedMS >= budget

	case model.ModePerGroup:
		if active == nil {
			return false
		}
		pool := active.TotalTimeMS
		debit := min(elapsedMS, pool)
		active.TimeUsedMS += debit
		// Every member mirrors the group pool.
		for _, m := range s.GroupMembers(active.GroupID) {
			m.TotalTimeMS -= min(debit, m.TotalTimeMS)
		}
		return elapsedMS >= pool

	case model.ModeGlobal:
		budget := s.TotalTimeMS
		debit := min(elapsedMS, budget)
		s.TotalTimeMS -= debit
		if active != nil {
			active.TimeUsedMS += debit
		}
		return elapsedMS >= budget

	case model.ModeCountUp:
		if active == nil {
			return false
		}
		active.TimeUsedMS += elapsedMS
		if s.MaxTimeMS != nil && active.TimeUsedMS >= *s.MaxTimeMS {
			active.TimeUsedMS = *s.MaxTimeMS
			return true
		}
		return false
	}
	return false
}

// markExpired records a budget crossing: the crossing participant (or their
// whole group) is flagged, flags are cleared and the session terminates.
func markExpired(s *model.Session) {
	if active := s.ActiveParticipant(); active != nil {
		active.HasExpired = true
		if s.SyncMode == model.ModePerGroup {
			for _, m := range s.GroupMembers(active.GroupID) {
				m.HasExpired = true
			}
		}
	}
	clearActiveFlags(s)
	s.Status = model.StatusExpired
	s.CycleStartedAt = nil
}

func clearActiveFlags(s *model.Session) {
	for i := range s.Participants {
		s.Participants[i].IsActive = false
	}
}

func setActiveFlag(s *model.Session, id string) {
	for i := range s.Participants {
		s.Participants[i].IsActive = s.Participants[i].ParticipantID == id
	}
}
