// SPDX-License-Identifier: MIT

package engine

import (
	"errors"
	"fmt"

	"github.com/turnsync/turnsync/internal/domain/session/model"
)

var (
	// ErrStaleActor means the caller-supplied current participant disagrees
	// with the authoritative active participant.
	ErrStaleActor = errors.New("stale actor: current participant does not match")

	// ErrValidation marks malformed or inconsistent input. Never retried.
	ErrValidation = errors.New("validation failed")
)

// InvalidTransitionError reports an operation that is not permitted in the
// session's current status.
type InvalidTransitionError struct {
	Op     string
	Status model.Status
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("operation %q not permitted while session is %s", e.Op, e.Status)
}

// IsInvalidTransition reports whether err is an illegal-transition error.
func IsInvalidTransition(err error) bool {
	var ite *InvalidTransitionError
	return errors.As(err, &ite)
}

func validationf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}
