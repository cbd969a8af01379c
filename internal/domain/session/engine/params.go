// SPDX-License-Identifier: MIT

package engine

import (
	"github.com/turnsync/turnsync/internal/domain/session/model"
)

// ParticipantParams describes one participant at creation or when appended
// to a pending session.
type ParticipantParams struct {
	ParticipantID    string
	ParticipantIndex int
	TotalTimeMS      int64
	GroupID          string
}

// CreateParams is the validated input for building a new session record.
type CreateParams struct {
	SessionID      string
	SyncMode       model.SyncMode
	Participants   []ParticipantParams
	TotalTimeMS    int64  // shared budget for global mode; summed from participants otherwise
	TimePerCycleMS *int64 // required for per_cycle
	IncrementMS    int64
	MaxTimeMS      *int64 // optional ceiling for count_up
}

func (p CreateParams) validate() error {
	if p.SessionID == "" {
		return validationf("session_id must not be empty")
	}
	if _, err := model.ParseSyncMode(string(p.SyncMode)); err != nil {
		return validationf("%v", err)
	}

	switch p.SyncMode {
	case model.ModePerCycle:
		if p.TimePerCycleMS == nil || *p.TimePerCycleMS <= 0 {
			return validationf("per_cycle mode requires time_per_cycle_ms > 0")
		}
	case model.ModeGlobal:
		if p.TotalTimeMS <= 0 && len(p.Participants) == 0 {
			return validationf("global mode requires total_time_ms > 0")
		}
	case model.ModeCountUp:
		if p.MaxTimeMS != nil && *p.MaxTimeMS <= 0 {
			return validationf("max_time_ms must be > 0 when set")
		}
	}
	if p.IncrementMS < 0 {
		return validationf("increment_ms must be >= 0")
	}

	seenIDs := make(map[string]struct{}, len(p.Participants))
	seenIdx := make(map[int]struct{}, len(p.Participants))
	for _, pp := range p.Participants {
		if err := pp.validate(); err != nil {
			return err
		}
		if _, dup := seenIDs[pp.ParticipantID]; dup {
			return validationf("duplicate participant_id %q", pp.ParticipantID)
		}
		seenIDs[pp.ParticipantID] = struct{}{}
		if _, dup := seenIdx[pp.ParticipantIndex]; dup {
			return validationf("duplicate participant_index %d", pp.ParticipantIndex)
		}
		seenIdx[pp.ParticipantIndex] = struct{}{}
		if p.SyncMode == model.ModePerGroup && pp.GroupID == "" {
			return validationf("per_group mode requires group_id on participant %q", pp.ParticipantID)
		}
	}
	return nil
}

func (p ParticipantParams) validate() error {
	if p.ParticipantID == "" {
		return validationf("participant_id must not be empty")
	}
	if p.ParticipantIndex < 0 {
		return validationf("participant_index must be >= 0")
	}
	if p.TotalTimeMS < 0 {
		return validationf("total_time_ms must be >= 0")
	}
	return nil
}

// SwitchParams carries the optional caller expectations for a switch.
type SwitchParams struct {
	ExpectedVersion              int64 // 0 = engine-driven retry loop
	ExpectedCurrentParticipantID string
	ExpectedNextParticipantID    string
}

// AdjustTimeParams sets a participant's stored budget. The reason string is
// mandatory and lands in the audit trail.
type AdjustTimeParams struct {
	ExpectedVersion int64
	ParticipantID   string
	TotalTimeMS     int64
	Reason          string
}
