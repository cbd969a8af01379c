// SPDX-License-Identifier: MIT

package engine

import (
	"sort"

	"github.com/turnsync/turnsync/internal/domain/session/model"
)

// nextParticipant determines who takes the clock after the current active
// participant. Default rotation is ascending participant_index, wrapping
// modulo the participant count, skipping expired participants. A non-empty
// override must name a member that has not expired.
//
// ok is false when no other participant is eligible: the remaining one has
// won and the session completes instead of rotating.
func nextParticipant(s *model.Session, overrideID string) (id string, ok bool, err error) {
	if overrideID != "" {
		p := s.Participant(overrideID)
		if p == nil {
			return "", false, validationf("next participant %q is not a member", overrideID)
		}
		if p.HasExpired {
			return "", false, validationf("next participant %q has expired", overrideID)
		}
		return overrideID, true, nil
	}

	order := make([]*model.Participant, 0, len(s.Participants))
	for i := range s.Participants {
		order = append(order, &s.Participants[i])
	}
	sort.Slice(order, func(i, j int) bool {
		return order[i].ParticipantIndex < order[j].ParticipantIndex
	})

	cur := -1
	for i, p := range order {
		if p.ParticipantID == s.ActiveParticipantID {
			cur = i
			break
		}
	}
	if cur == -1 {
		return "", false, validationf("active participant %q is not a member", s.ActiveParticipantID)
	}

	n := len(order)
	for step := 1; step < n; step++ {
		cand := order[(cur+step)%n]
		if cand.HasExpired {
			continue
		}
		return cand.ParticipantID, true, nil
	}
	return "", false, nil
}
