package registry

import "errors"

var (
	ErrNotFound         = errors.New("session not found")
	ErrInvalidSessionID = errors.New("invalid session id")
	ErrClosed           = errors.New("registry closed")
	ErrInvalidConfig    = errors.New("invalid registry config")
)
