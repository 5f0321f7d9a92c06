// Package state persists versioned, checksummed phase state with bounded
// history. It is the orchestrator's data bridge across process lifetimes.
package state

import (
	"errors"
	"fmt"
)

// =============================================================================
// State Errors
// =============================================================================

var (
	// ErrNoState is returned when a phase has no current state. This is the
	// documented "no state" result, never a panic.
	ErrNoState = errors.New("no state saved for phase")

	// ErrCorruptedState is returned on a checksum mismatch. Recoverable via
	// the phase history.
	ErrCorruptedState = errors.New("state checksum mismatch")

	// ErrLockHeld is returned when the cross-process advisory lock for a
	// phase cannot be acquired.
	ErrLockHeld = errors.New("phase lock held by another process")
)

// StateError wraps state I/O failures with operation and phase context.
type StateError struct {
	Op    string // operation that failed (e.g. "SaveState")
	Phase string
	Err   error
}

func (e *StateError) Error() string {
	if e.Phase != "" {
		return fmt.Sprintf("%s phase %s: %v", e.Op, e.Phase, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *StateError) Unwrap() error {
	return e.Err
}

func newStateError(op, phase string, err error) *StateError {
	return &StateError{Op: op, Phase: phase, Err: err}
}
