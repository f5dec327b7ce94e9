package supervisor

import (
	"errors"

	"linkd/cmd/internal/transport"
)

var (
	// ErrTerminated is returned by Start on a terminated supervisor.
	ErrTerminated = errors.New("session terminated")

	// ErrLoggedOut is the terminal cause after a logged-out close or Logout.
	ErrLoggedOut = errors.New("session logged out")

	// ErrRetriesExhausted is the terminal cause once the reconnect ceiling
	// is reached. Credentials are kept.
	ErrRetriesExhausted = errors.New("reconnect attempts exhausted")

	// ErrNotConnected is returned by operations that need a live handle.
	ErrNotConnected = transport.ErrNotConnected

	ErrInvalidInput = errors.New("invalid input")
)
