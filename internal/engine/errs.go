package engine

import (
	"errors"
	"fmt"
)

// Sentinel causes for failed host actions. A host request that cannot be
// satisfied always surfaces one of these synchronously, wrapped in an
// ActionError; it is never silently swallowed.
var (
	// ErrNoSuchCall means the referenced id matched neither a pending
	// invite nor a live session (stale or already-canceled call).
	ErrNoSuchCall = errors.New("no such call")

	// ErrNoForegroundCall means a hold or mute request arrived while
	// no session was foregrounded.
	ErrNoForegroundCall = errors.New("no foreground call")

	// ErrInvalidCallState means the session exists but its current
	// status does not allow the requested transition.
	ErrInvalidCallState = errors.New("call state does not allow this action")

	// ErrEngineStopped means the engine loop is no longer running.
	ErrEngineStopped = errors.New("engine stopped")
)

// ActionError is the typed failure returned to the host for an action
// request. Signaling-originated failures are not ActionErrors; those
// reach the host as call-ended reports instead.
type ActionError struct {
	Action string
	Err    error
}

func (e *ActionError) Error() string {
	return fmt.Sprintf("%s failed: %v", e.Action, e.Err)
}

func (e *ActionError) Unwrap() error { return e.Err }

// actionErr wraps a cause into an ActionError for the named action.
func actionErr(action string, err error) error {
	return &ActionError{Action: action, Err: err}
}
