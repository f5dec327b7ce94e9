package transport

import (
	"context"
	"time"
)

// Credentials is the engine's opaque credential blob for one session.
type Credentials []byte

// Provider opens transport handles.
type Provider interface {
	// Connect opens a handle for sessionID. creds is nil for a fresh link.
	Connect(ctx context.Context, sessionID string, creds Credentials) (Handle, error)
}

// Handle is one live connection. Events is closed by the provider after the
// handle is closed or the connection is gone for good.
type Handle interface {
	Events() <-chan Event

	SendText(ctx context.Context, to JID, text string) error
	SendReaction(ctx context.Context, to JID, key MessageKey, emoji string) error
	SetPresence(ctx context.Context, presence Presence, to JID) error
	MarkRead(ctx context.Context, keys ...MessageKey) error
	ListParticipatingGroups(ctx context.Context) ([]JID, error)
	RequestPairingCode(ctx context.Context, phone string) (string, error)

	// Logout unlinks the device on the server side.
	Logout(ctx context.Context) error
	Close() error
}

// Presence values accepted by SetPresence.
type Presence string

const (
	PresenceAvailable Presence = "available"
	PresenceComposing Presence = "composing"
	PresencePaused    Presence = "paused"
)

// ConnState is the engine-reported connection state.
type ConnState string

const (
	ConnConnecting ConnState = "connecting"
	ConnOpen       ConnState = "open"
	ConnClose      ConnState = "close"
)

// CloseReason is the engine's integer disconnect code.
type CloseReason int

// Known close reasons. Only ReasonLoggedOut is treated specially.
const (
	ReasonUnknown            CloseReason = 0
	ReasonLoggedOut          CloseReason = 401
	ReasonTimedOut           CloseReason = 408
	ReasonConnectionClosed   CloseReason = 428
	ReasonConnectionReplaced CloseReason = 440
	ReasonBadSession         CloseReason = 500
	ReasonRestartRequired    CloseReason = 515
)

// Terminal reports whether the reason ends the session permanently.
func (r CloseReason) Terminal() bool { return r == ReasonLoggedOut }

// EventKind discriminates Event.
type EventKind uint8

const (
	EventLinkChallenge EventKind = iota + 1
	EventStateChange
	EventMessage
	EventCredentialsChanged
)

func (k EventKind) String() string {
	switch k {
	case EventLinkChallenge:
		return "link_challenge"
	case EventStateChange:
		return "state_change"
	case EventMessage:
		return "message"
	case EventCredentialsChanged:
		return "credentials_changed"
	default:
		return "unknown"
	}
}

// Event is raised by a Handle. Exactly the fields matching Kind are set.
type Event struct {
	Kind EventKind

	// EventLinkChallenge
	QR string

	// EventStateChange
	State  ConnState
	Reason CloseReason
	Err    error

	// EventMessage
	Message *Message

	// EventCredentialsChanged
	Credentials Credentials
}

// MessageKey identifies a message for read receipts and reactions.
type MessageKey struct {
	RemoteJID JID
	ID        string
	FromMe    bool
	// Participant is the author inside a group chat.
	Participant JID
}

// Message is an inbound chat message reduced to what linkd routes on.
type Message struct {
	Key       MessageKey
	Sender    JID
	Text      string
	Timestamp time.Time
}

// ReplyTo is the chat a reply should go to.
func (m Message) ReplyTo() JID {
	if m.Key.RemoteJID != "" {
		return m.Key.RemoteJID
	}
	return m.Sender
}
