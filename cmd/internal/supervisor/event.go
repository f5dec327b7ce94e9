package supervisor

import (
	"time"

	"linkd/cmd/internal/transport"
)

// State is the connection state of one session.
type State string

const (
	StateIdle         State = "idle"
	StateConnecting   State = "connecting"
	StateAwaitingLink State = "awaiting_link"
	StateOpen         State = "open"
	StateClosed       State = "closed"
	StateTerminated   State = "terminated"
)

// Active reports whether the state holds or is acquiring a handle.
func (s State) Active() bool {
	return s == StateConnecting || s == StateAwaitingLink || s == StateOpen
}

// EventKind discriminates Event.
type EventKind string

const (
	EventState              EventKind = "state"
	EventLinkChallenge      EventKind = "link_challenge"
	EventMessage            EventKind = "message"
	EventReconnectScheduled EventKind = "reconnect_scheduled"
	EventCredentialsSaved   EventKind = "credentials_saved"
	EventError              EventKind = "error"
	EventTerminated         EventKind = "terminated"
)

// Event is published on the session bus.
type Event struct {
	Kind      EventKind
	SessionID string
	At        time.Time

	// EventState, EventTerminated
	From   State
	State  State
	Reason transport.CloseReason

	// EventLinkChallenge
	QR string

	// EventMessage
	Message *transport.Message

	// EventReconnectScheduled
	Attempt int
	Delay   time.Duration

	// EventError, EventTerminated
	Err error
}

// Snapshot is a point-in-time view of a supervisor.
type Snapshot struct {
	SessionID  string                `json:"session_id"`
	State      State                 `json:"state"`
	Attempt    int                   `json:"attempt"`
	Reconnects int                   `json:"reconnects"`
	LastReason transport.CloseReason `json:"last_reason,omitempty"`
	LastError  string                `json:"last_error,omitempty"`
	OpenedAt   *time.Time            `json:"opened_at,omitempty"`
}
