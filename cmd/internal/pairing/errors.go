package pairing

import (
	"errors"
	"fmt"

	"linkd/cmd/internal/transport"
)

// Reason classifies an issuance failure.
type Reason string

const (
	ReasonUnsupported  Reason = "unsupported"
	ReasonRateLimited  Reason = "rate_limited"
	ReasonNotConnected Reason = "not_connected"
	ReasonNoPhone      Reason = "no_phone"
	ReasonTransport    Reason = "transport"
)

var (
	// ErrNoPhone is the cause behind ReasonNoPhone.
	ErrNoPhone = errors.New("no phone number registered")
	// ErrCleared reports a code that arrived after the issuer was cleared.
	ErrCleared = errors.New("issuer cleared while the request was in flight")
)

// IssueError reports why a pairing code could not be issued. Issuance is
// never retried by the issuer itself.
type IssueError struct {
	SessionID string
	Reason    Reason
	Err       error
}

func (e *IssueError) Error() string {
	return fmt.Sprintf("pairing: issue %s: %s: %v", e.SessionID, e.Reason, e.Err)
}

func (e *IssueError) Unwrap() error { return e.Err }

func classify(err error) Reason {
	switch {
	case errors.Is(err, transport.ErrPairingUnsupported):
		return ReasonUnsupported
	case errors.Is(err, transport.ErrRateLimited):
		return ReasonRateLimited
	case errors.Is(err, transport.ErrNotConnected), errors.Is(err, transport.ErrClosed):
		return ReasonNotConnected
	case errors.Is(err, ErrNoPhone):
		return ReasonNoPhone
	default:
		return ReasonTransport
	}
}
