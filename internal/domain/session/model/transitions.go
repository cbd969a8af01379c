// SPDX-License-Identifier: MIT

package model

// transitionsTable lists every allowed edge in the session lifecycle.
// Cancellation is legal from any non-terminal status and is handled in
// CanTransition rather than enumerated here.
var transitionsTable = map[Status][]Status{
	StatusPending: {StatusRunning},
	StatusRunning: {StatusPaused, StatusExpired, StatusCompleted},
	StatusPaused:  {StatusRunning, StatusCompleted},
}

// CanTransition reports whether moving from one status to another is legal.
func CanTransition(from, to Status) bool {
	if to == StatusCancelled {
		return !from.IsTerminal()
	}
	for _, next := range transitionsTable[from] {
		if next == to {
			return true
		}
	}
	return false
}
