// Package v1 defines the linkd bridge protocol v1.
//
// linkd dials a protocol bridge (the process that actually speaks the chat
// protocol) over WebSocket and exchanges these envelopes. The same envelope
// carries the admin event stream.
package v1

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Version is the protocol version identifier embedded into every envelope.
const Version = "v1"

// Subprotocol is negotiated on the WebSocket upgrade.
const Subprotocol = "linkd.bridge.v1"

// Type constants (wire-stable).
const (
	// TypeHello opens a session on the bridge (linkd -> bridge).
	TypeHello = "hello"
	// TypeHelloAck accepts the session (bridge -> linkd).
	TypeHelloAck = "hello_ack"

	// TypeLinkChallenge carries a QR payload (bridge -> linkd).
	TypeLinkChallenge = "link_challenge"
	// TypeState reports a connection state change (bridge -> linkd).
	TypeState = "state"
	// TypeMessage delivers an inbound chat message (bridge -> linkd).
	TypeMessage = "message"
	// TypeCredentials carries rotated credentials (bridge -> linkd).
	TypeCredentials = "credentials"

	// Requests (linkd -> bridge). Each is answered by TypeResult.
	TypeSendText           = "send_text"
	TypeSendReaction       = "send_reaction"
	TypeSetPresence        = "set_presence"
	TypeMarkRead           = "mark_read"
	TypeListGroups         = "list_groups"
	TypeRequestPairingCode = "request_pairing_code"
	TypeLogout             = "logout"

	// TypeResult answers a request; ReplyTo carries the request id.
	TypeResult = "result"

	// TypeSessionEvent is one admin stream item (linkd -> admin client).
	TypeSessionEvent = "session_event"

	// TypeError is a generic error envelope.
	TypeError = "error"
)

// Error codes shared by TypeError and failed results.
const (
	CodeCredentialsCorrupt = "credentials_corrupt"
	CodePairingUnsupported = "pairing_unsupported"
	CodeRateLimited        = "rate_limited"
	CodeNotConnected       = "not_connected"
	CodeBadRequest         = "bad_request"
	CodeInternal           = "internal"
)

// Envelope is the canonical wire wrapper.
type Envelope struct {
	V       string          `json:"v"`
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	ReplyTo string          `json:"reply_to,omitempty"`
	TS      time.Time       `json:"ts,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Validate performs strict structural validation for an Envelope.
func (e Envelope) Validate() error {
	if strings.TrimSpace(e.V) == "" {
		return errors.New("missing field: v")
	}
	if e.V != Version {
		return fmt.Errorf("unsupported protocol version: %q", e.V)
	}
	if strings.TrimSpace(e.Type) == "" {
		return errors.New("missing field: type")
	}

	switch e.Type {
	case TypeResult:
		if strings.TrimSpace(e.ReplyTo) == "" {
			return errors.New("missing field: reply_to")
		}
		return nil
	case TypeHello,
		TypeHelloAck,
		TypeLinkChallenge,
		TypeState,
		TypeMessage,
		TypeCredentials,
		TypeSendText,
		TypeSendReaction,
		TypeSetPresence,
		TypeMarkRead,
		TypeListGroups,
		TypeRequestPairingCode,
		TypeLogout,
		TypeSessionEvent,
		TypeError:
		return nil
	default:
		return fmt.Errorf("unknown type: %q", e.Type)
	}
}

// ---- Payloads ----

// HelloPayload opens a session. Credentials is empty for a fresh link.
type HelloPayload struct {
	SessionID   string `json:"session_id"`
	Credentials []byte `json:"credentials,omitempty"`
}

type HelloAckPayload struct {
	SessionID string `json:"session_id"`
}

type LinkChallengePayload struct {
	QR string `json:"qr"`
}

// StatePayload mirrors the engine's connection update.
type StatePayload struct {
	State  string `json:"state"`
	Reason int    `json:"reason,omitempty"`
	Error  string `json:"error,omitempty"`
}

// MessageKey identifies a chat message.
type MessageKey struct {
	RemoteJID   string `json:"remote_jid"`
	ID          string `json:"id"`
	FromMe      bool   `json:"from_me,omitempty"`
	Participant string `json:"participant,omitempty"`
}

type MessagePayload struct {
	Key       MessageKey `json:"key"`
	Sender    string     `json:"sender"`
	Text      string     `json:"text"`
	Timestamp time.Time  `json:"timestamp"`
}

type CredentialsPayload struct {
	Credentials []byte `json:"credentials"`
}

type SendTextPayload struct {
	To   string `json:"to"`
	Text string `json:"text"`
}

type SendReactionPayload struct {
	To    string     `json:"to"`
	Key   MessageKey `json:"key"`
	Emoji string     `json:"emoji"`
}

type SetPresencePayload struct {
	Presence string `json:"presence"`
	To       string `json:"to,omitempty"`
}

type MarkReadPayload struct {
	Keys []MessageKey `json:"keys"`
}

type RequestPairingCodePayload struct {
	Phone string `json:"phone"`
}

// ResultPayload answers a request. Data depends on the request type:
// ListGroupsResult for list_groups, PairingCodeResult for
// request_pairing_code, empty otherwise.
type ResultPayload struct {
	OK    bool            `json:"ok"`
	Error *ErrorPayload   `json:"error,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type ListGroupsResult struct {
	Groups []string `json:"groups"`
}

type PairingCodeResult struct {
	Code string `json:"code"`
}

// SessionEventPayload is one item of the admin event stream.
type SessionEventPayload struct {
	SessionID string        `json:"session_id"`
	Kind      string        `json:"kind"`
	At        time.Time     `json:"at"`
	From      string        `json:"from,omitempty"`
	State     string        `json:"state,omitempty"`
	Reason    int           `json:"reason,omitempty"`
	QR        string        `json:"qr,omitempty"`
	Attempt   int           `json:"attempt,omitempty"`
	DelayMS   int64         `json:"delay_ms,omitempty"`
	Error     string        `json:"error,omitempty"`
	Message   *MessageBrief `json:"message,omitempty"`
}

// MessageBrief is what the admin stream exposes about a message.
type MessageBrief struct {
	Sender string `json:"sender"`
	Chat   string `json:"chat"`
	Text   string `json:"text"`
}

// ErrorPayload is a generic error response payload.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
