// SPDX-License-Identifier: MIT

package engine

import "time"

// Clock is the single source of wall-clock time for the engine. Tests
// substitute a fake to make time arithmetic deterministic.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }

// SystemClock returns the real wall clock.
func SystemClock() Clock { return systemClock{} }
