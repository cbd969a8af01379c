// SPDX-License-Identifier: MIT

package engine

import (
	"time"

	"github.com/turnsync/turnsync/internal/domain/session/model"
)

// DeriveView returns a copy of the record with time_remaining_ms computed
// for every participant as of now. The read path never mutates the store;
// clients derive display time from these values plus the attached server
// timestamp ("calculate, don't count").
func DeriveView(s *model.Session, now time.Time) *model.Session {
	view := s.Clone()

	running := view.Status == model.StatusRunning && view.CycleStartedAt != nil
	var elapsed int64
	if running {
		elapsed = now.Sub(*view.CycleStartedAt).Milliseconds()
		if elapsed < 0 {
			elapsed = 0
		}
	}

	for i := range view.Participants {
		p := &view.Participants[i]
		active := running && p.ParticipantID == view.ActiveParticipantID

		switch view.SyncMode {
		case model.ModeCountUp:
			if view.MaxTimeMS == nil {
				p.TimeRemainingMS = 0
				continue
			}
			rem := *view.MaxTimeMS - p.TimeUsedMS
			if active {
				rem -= elapsed
			}
			p.TimeRemainingMS = max(rem, 0)

		case model.ModeGlobal:
			rem := view.TotalTimeMS
			if active {
				rem -= elapsed
			}
			p.TimeRemainingMS = max(rem, 0)

		default:
			rem := p.TotalTimeMS
			if active {
				rem -= elapsed
			}
			p.TimeRemainingMS = max(rem, 0)
		}
	}

	return view
}
