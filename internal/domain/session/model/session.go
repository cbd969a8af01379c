// SPDX-License-Identifier: MIT

// Package model defines the authoritative session record and its invariants.
package model

import (
	"fmt"
	"time"
)

// Participant is one of the ordered actors in a session.
type Participant struct {
	ParticipantID    string `json:"participant_id"`
	ParticipantIndex int    `json:"participant_index"`
	TotalTimeMS      int64  `json:"total_time_ms"`
	TimeUsedMS       int64  `json:"time_used_ms"`
	// TimeRemainingMS is derived on the read path and never persisted as a
	// ticking value. For an inactive participant it equals TotalTimeMS.
	TimeRemainingMS int64  `json:"time_remaining_ms"`
	CycleCount      int    `json:"cycle_count"`
	IsActive        bool   `json:"is_active"`
	HasExpired      bool   `json:"has_expired"`
	GroupID         string `json:"group_id,omitempty"`
}

// Session is the unit of state: one record per live timing session.
// The primary store owns the authoritative copy; instances only hold
// transient snapshots.
type Session struct {
	SessionID           string        `json:"session_id"`
	SyncMode            SyncMode      `json:"sync_mode"`
	Status              Status        `json:"status"`
	Version             int64         `json:"version"`
	Participants        []Participant `json:"participants"`
	ActiveParticipantID string        `json:"active_participant_id,omitempty"`
	TotalTimeMS         int64         `json:"total_time_ms"`
	TimePerCycleMS      *int64        `json:"time_per_cycle_ms,omitempty"`
	IncrementMS         int64         `json:"increment_ms"`
	MaxTimeMS           *int64        `json:"max_time_ms,omitempty"`
	CycleStartedAt      *time.Time    `json:"cycle_started_at,omitempty"`
	SessionStartedAt    *time.Time    `json:"session_started_at,omitempty"`
	SessionCompletedAt  *time.Time    `json:"session_completed_at,omitempty"`
	CreatedAt           time.Time     `json:"created_at"`
	UpdatedAt           time.Time     `json:"updated_at"`
}

// Participant returns a pointer to the participant with the given id.
func (s *Session) Participant(id string) *Participant {
	for i := range s.Participants {
		if s.Participants[i].ParticipantID == id {
			return &s.Participants[i]
		}
	}
	return nil
}

// ActiveParticipant returns the participant currently on the clock, or nil.
func (s *Session) ActiveParticipant() *Participant {
	if s.ActiveParticipantID == "" {
		return nil
	}
	return s.Participant(s.ActiveParticipantID)
}

// GroupMembers returns pointers to every participant sharing the group id.
func (s *Session) GroupMembers(groupID string) []*Participant {
	if groupID == "" {
		return nil
	}
	var members []*Participant
	for i := range s.Participants {
		if s.Participants[i].GroupID == groupID {
			members = append(members, &s.Participants[i])
		}
	}
	return members
}

// Clone returns a deep copy of the session. The engine mutates copies only.
func (s *Session) Clone() *Session {
	cp := *s
	cp.Participants = make([]Participant, len(s.Participants))
	copy(cp.Participants, s.Participants)
	if s.TimePerCycleMS != nil {
		v := *s.TimePerCycleMS
		cp.TimePerCycleMS = &v
	}
	if s.MaxTimeMS != nil {
		v := *s.MaxTimeMS
		cp.MaxTimeMS = &v
	}
	if s.CycleStartedAt != nil {
		t := *s.CycleStartedAt
		cp.CycleStartedAt = &t
	}
	if s.SessionStartedAt != nil {
		t := *s.SessionStartedAt
		cp.SessionStartedAt = &t
	}
	if s.SessionCompletedAt != nil {
		t := *s.SessionCompletedAt
		cp.SessionCompletedAt = &t
	}
	return &cp
}

// CheckInvariants verifies the structural invariants of the record:
// at most one active participant, active flag consistent with
// active_participant_id and status, cycle_started_at set iff running,
// version positive, unique participant ids and indices.
func (s *Session) CheckInvariants() error {
	if s.Version < 1 {
		return fmt.Errorf("version must be >= 1, got %d", s.Version)
	}

	activeCount := 0
	seenIDs := make(map[string]struct{}, len(s.Participants))
	seenIdx := make(map[int]struct{}, len(s.Participants))
	for i := range s.Participants {
		p := &s.Participants[i]
		if _, dup := seenIDs[p.ParticipantID]; dup {
			return fmt.Errorf("duplicate participant_id %q", p.ParticipantID)
		}
		seenIDs[p.ParticipantID] = struct{}{}
		if _, dup := seenIdx[p.ParticipantIndex]; dup {
			return fmt.Errorf("duplicate participant_index %d", p.ParticipantIndex)
		}
		seenIdx[p.ParticipantIndex] = struct{}{}
		if p.ParticipantIndex < 0 {
			return fmt.Errorf("participant_index must be >= 0, got %d", p.ParticipantIndex)
		}
		if p.IsActive {
			activeCount++
			if p.ParticipantID != s.ActiveParticipantID {
				return fmt.Errorf("is_active set on %q but active_participant_id is %q",
					p.ParticipantID, s.ActiveParticipantID)
			}
			if s.Status != StatusRunning {
				return fmt.Errorf("is_active set while status is %s", s.Status)
			}
		}
	}
	if activeCount > 1 {
		return fmt.Errorf("%d participants marked active, want at most 1", activeCount)
	}
	if s.Status == StatusRunning && s.ActiveParticipantID != "" && activeCount != 1 {
		return fmt.Errorf("running session with active_participant_id %q has no active participant",
			s.ActiveParticipantID)
	}

	if s.Status == StatusRunning && s.CycleStartedAt == nil {
		return fmt.Errorf("running session without cycle_started_at")
	}
	if s.Status != StatusRunning && s.CycleStartedAt != nil {
		return fmt.Errorf("cycle_started_at set while status is %s", s.Status)
	}

	return nil
}
