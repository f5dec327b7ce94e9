package transport

import "errors"

var (
	// ErrPairingUnsupported is returned when the engine can not issue pairing codes.
	ErrPairingUnsupported = errors.New("pairing code not supported")

	// ErrRateLimited is returned when the engine refuses a request for being too frequent.
	ErrRateLimited = errors.New("rate limited")

	// ErrClosed is returned by operations on a closed Handle.
	ErrClosed = errors.New("transport closed")

	// ErrNotConnected is returned when an operation needs a live Handle and
	// the session has none.
	ErrNotConnected = errors.New("not connected")

	// ErrCredentialsCorrupt is returned by Connect when saved credentials can not be used.
	ErrCredentialsCorrupt = errors.New("credentials corrupt")

	// ErrInvalidJID is returned for identities that can not be normalized.
	ErrInvalidJID = errors.New("invalid jid")
)
