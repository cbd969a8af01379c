// SPDX-License-Identifier: MIT

package engine

import (
	"sort"
	"time"

	"github.com/turnsync/turnsync/internal/domain/session/model"
)

// The apply* functions are the pure core of the engine: given a private
// copy of the record and the current time they produce the next state or a
// typed error. No I/O, no hidden state.

func buildSession(p CreateParams, now time.Time) *model.Session {
	participants := make([]model.Participant, 0, len(p.Participants))
	var sum int64
	for _, pp := range p.Participants {
		total := pp.TotalTimeMS
		if p.SyncMode == model.ModePerCycle {
			total = *p.TimePerCycleMS
		}
		participants = append(participants, model.Participant{
			ParticipantID:    pp.ParticipantID,
			ParticipantIndex: pp.ParticipantIndex,
			TotalTimeMS:      total,
			TimeRemainingMS:  total,
			GroupID:          pp.GroupID,
		})
		sum += total
	}
	sort.Slice(participants, func(i, j int) bool {
		return participants[i].ParticipantIndex < participants[j].ParticipantIndex
	})

	totalTime := p.TotalTimeMS
	if p.SyncMode != model.ModeGlobal {
		totalTime = sum
	}

	return &model.Session{
		SessionID:      p.SessionID,
		SyncMode:       p.SyncMode,
		Status:         model.StatusPending,
		Version:        1,
		Participants:   participants,
		TotalTimeMS:    totalTime,
		TimePerCycleMS: p.TimePerCycleMS,
		IncrementMS:    p.IncrementMS,
		MaxTimeMS:      p.MaxTimeMS,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

func applyStart(s *model.Session, now time.Time) error {
	if s.Status != model.StatusPending {
		return &InvalidTransitionError{Op: "start", Status: s.Status}
	}
	if len(s.Participants) == 0 {
		return validationf("cannot start a session without participants")
	}

	active := s.ActiveParticipantID
	if active == "" {
		first := &s.Participants[0]
		for i := range s.Participants {
			if s.Participants[i].ParticipantIndex < first.ParticipantIndex {
				first = &s.Participants[i]
			}
		}
		active = first.ParticipantID
	} else if s.Participant(active) == nil {
		return validationf("active participant %q is not a member", active)
	}

	s.Status = model.StatusRunning
	s.ActiveParticipantID = active
	t := now
	s.SessionStartedAt = &t
	s.CycleStartedAt = &t
	setActiveFlag(s, active)
	return nil
}

func applyPause(s *model.Session, now time.Time) error {
	if s.Status != model.StatusRunning {
		return &InvalidTransitionError{Op: "pause", Status: s.Status}
	}

	elapsed := now.Sub(*s.CycleStartedAt).Milliseconds()
	expired := debitElapsed(s, elapsed)
	if expired {
		markExpired(s)
		return nil
	}

	clearActiveFlags(s)
	s.Status = model.StatusPaused
	s.CycleStartedAt = nil
	return nil
}

func applyResume(s *model.Session, now time.Time) error {
	if s.Status != model.StatusPaused {
		return &InvalidTransitionError{Op: "resume", Status: s.Status}
	}

	s.Status = model.StatusRunning
	t := now
	s.CycleStartedAt = &t
	if s.ActiveParticipantID != "" {
		setActiveFlag(s, s.ActiveParticipantID)
	}
	return nil
}

func applyComplete(s *model.Session, now time.Time) error {
	if s.Status != model.StatusRunning && s.Status != model.StatusPaused {
		return &InvalidTransitionError{Op: "complete", Status: s.Status}
	}

	if s.Status == model.StatusRunning {
		elapsed := now.Sub(*s.CycleStartedAt).Milliseconds()
		debitElapsed(s, elapsed)
	}
	clearActiveFlags(s)
	s.Status = model.StatusCompleted
	s.CycleStartedAt = nil
	t := now
	s.SessionCompletedAt = &t
	return nil
}

func applyCancel(s *model.Session, _ time.Time) error {
	if s.Status.IsTerminal() {
		return &InvalidTransitionError{Op: "cancel", Status: s.Status}
	}
	clearActiveFlags(s)
	s.Status = model.StatusCancelled
	s.CycleStartedAt = nil
	return nil
}

func applyAddParticipant(s *model.Session, p ParticipantParams) error {
	if s.Status != model.StatusPending {
		return &InvalidTransitionError{Op: "add_participant", Status: s.Status}
	}
	if err := p.validate(); err != nil {
		return err
	}
	if s.Participant(p.ParticipantID) != nil {
		return validationf("duplicate participant_id %q", p.ParticipantID)
	}
	for i := range s.Participants {
		if s.Participants[i].ParticipantIndex == p.ParticipantIndex {
			return validationf("duplicate participant_index %d", p.ParticipantIndex)
		}
	}
	if s.SyncMode == model.ModePerGroup && p.GroupID == "" {
		return validationf("per_group mode requires group_id on participant %q", p.ParticipantID)
	}

	total := p.TotalTimeMS
	if s.SyncMode == model.ModePerCycle && s.TimePerCycleMS != nil {
		total = *s.TimePerCycleMS
	}
	s.Participants = append(s.Participants, model.Participant{
		ParticipantID:    p.ParticipantID,
		ParticipantIndex: p.ParticipantIndex,
		TotalTimeMS:      total,
		TimeRemainingMS:  total,
		GroupID:          p.GroupID,
	})
	sort.Slice(s.Participants, func(i, j int) bool {
		return s.Participants[i].ParticipantIndex < s.Participants[j].ParticipantIndex
	})
	if s.SyncMode != model.ModeGlobal {
		s.TotalTimeMS += total
	}
	return nil
}

func applyAdjustTime(s *model.Session, p AdjustTimeParams) error {
	if s.Status.IsTerminal() {
		return &InvalidTransitionError{Op: "adjust_time", Status: s.Status}
	}
	if p.Reason == "" {
		return validationf("adjust_time requires a reason")
	}
	if p.TotalTimeMS < 0 {
		return validationf("total_time_ms must be >= 0")
	}
	target := s.Participant(p.ParticipantID)
	if target == nil {
		return validationf("participant %q is not a member", p.ParticipantID)
	}

	if s.SyncMode == model.ModePerGroup && target.GroupID != "" {
		// The pool is mirrored on every member.
		for _, m := range s.GroupMembers(target.GroupID) {
			m.TotalTimeMS = p.TotalTimeMS
		}
	} else {
		target.TotalTimeMS = p.TotalTimeMS
	}
	return nil
}
