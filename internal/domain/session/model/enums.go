// SPDX-License-Identifier: MIT

package model

import "fmt"

// SyncMode selects the time-accounting semantics of a session.
type SyncMode string

const (
	// ModePerParticipant gives every participant an independent budget that
	// ticks only while they are active. Classic chess clock.
	ModePerParticipant SyncMode = "per_participant"
	// ModePerCycle gives every turn a fixed budget; the next turn starts fresh.
	ModePerCycle SyncMode = "per_cycle"
	// ModePerGroup pools budgets across participants sharing a group id.
	ModePerGroup SyncMode = "per_group"
	// ModeGlobal runs a single shared clock whenever the session is running.
	ModeGlobal SyncMode = "global"
	// ModeCountUp counts elapsed time upward, optionally capped by max_time_ms.
	ModeCountUp SyncMode = "count_up"
)

// ParseSyncMode validates and converts a wire string into a SyncMode.
func ParseSyncMode(raw string) (SyncMode, error) {
	m := SyncMode(raw)
	switch m {
	case ModePerParticipant, ModePerCycle, ModePerGroup, ModeGlobal, ModeCountUp:
		return m, nil
	}
	return "", fmt.Errorf("unknown sync_mode: %q", raw)
}

// Status is the lifecycle state of a session.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusPaused    Status = "paused"
	StatusExpired   Status = "expired"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
)

// IsTerminal returns true if the status is final. Terminal sessions reject
// every mutation except delete.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusExpired, StatusCompleted, StatusCancelled:
		return true
	}
	return false
}
