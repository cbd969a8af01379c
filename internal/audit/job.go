// SPDX-License-Identifier: MIT

// Package audit durably captures every state transition for forensics and
// recovery, decoupled from the mutation hot path.
package audit

import (
	"time"

	"github.com/turnsync/turnsync/internal/domain/session/model"
)

// Job is one state transition awaiting durable capture. Snapshot is nil for
// terminal delete events.
type Job struct {
	SessionID string
	EventType string
	Timestamp time.Time
	Snapshot  *model.Session
}
