package link

import "errors"

var (
	ErrInvalidInput = errors.New("invalid input")
	ErrNotFound     = errors.New("link token not found")
	ErrNotActive    = errors.New("link token not active")
	ErrConflict     = errors.New("link code collision")

	// ErrInvalidCode is what callers see for an unknown, expired, revoked or
	// used-up code. The cause is deliberately not distinguished.
	ErrInvalidCode = errors.New("invalid link code")
)
