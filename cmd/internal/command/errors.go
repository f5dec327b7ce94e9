package command

import "errors"

var (
	// ErrInvalidConfig is returned by NewRouter for a missing session id,
	// a missing dependency or an unparsable admin identity.
	ErrInvalidConfig = errors.New("invalid router config")

	// ErrLinkStore wraps link registry failures other than a bad code.
	ErrLinkStore = errors.New("link store")

	ErrOutboxFull   = errors.New("outbox full")
	ErrOutboxClosed = errors.New("outbox closed")
)
