package settings

import (
	"errors"
	"fmt"
)

var (
	// ErrUnknownFeature rejects feature names outside the fixed set.
	ErrUnknownFeature = errors.New("unknown feature")

	// ErrNotFound is returned by stores that have no record for a session.
	ErrNotFound = errors.New("settings not found")

	// ErrInvalidInput rejects empty session ids or identities.
	ErrInvalidInput = errors.New("invalid input")
)

// PersistError reports a failed write to the backing store. The in-memory
// snapshot is unchanged when it is returned.
type PersistError struct {
	Op        string
	SessionID string
	Err       error
}

func (e *PersistError) Error() string {
	return fmt.Sprintf("settings: %s %s: persist failed: %v", e.Op, e.SessionID, e.Err)
}

func (e *PersistError) Unwrap() error { return e.Err }
