// Package transporttest provides an in-memory Transport Provider for tests.
package transporttest

import (
	"context"
	"errors"
	"sync"

	"linkd/cmd/internal/transport"
)

// Provider is a scripted transport.Provider. Each Connect pops the next
// queued error (nil means success) and returns a new *Handle.
type Provider struct {
	mu        sync.Mutex
	failures  []error
	handles   []*Handle
	connects  int
	lastCreds transport.Credentials

	// Configure is applied to every new handle before it is returned.
	Configure func(*Handle)
}

// NewProvider returns a Provider whose connects succeed.
func NewProvider() *Provider { return &Provider{} }

// FailNext queues connect errors consumed in order by subsequent Connects.
func (p *Provider) FailNext(errs ...error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failures = append(p.failures, errs...)
}

// Connect implements transport.Provider.
func (p *Provider) Connect(ctx context.Context, _ string, creds transport.Credentials) (transport.Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.mu.Lock()
	p.connects++
	p.lastCreds = append(transport.Credentials(nil), creds...)
	if len(p.failures) > 0 {
		err := p.failures[0]
		p.failures = p.failures[1:]
		if err != nil {
			p.mu.Unlock()
			return nil, err
		}
	}
	h := NewHandle()
	p.handles = append(p.handles, h)
	configure := p.Configure
	p.mu.Unlock()

	if configure != nil {
		configure(h)
	}
	return h, nil
}

// Connects returns how many times Connect was called.
func (p *Provider) Connects() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.connects
}

// LastCredentials returns the credentials passed to the most recent Connect.
func (p *Provider) LastCredentials() transport.Credentials {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastCreds
}

// Handles returns every handle opened so far.
func (p *Provider) Handles() []*Handle {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*Handle(nil), p.handles...)
}

// Last returns the most recently opened handle or nil.
func (p *Provider) Last() *Handle {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.handles) == 0 {
		return nil
	}
	return p.handles[len(p.handles)-1]
}

// Sent is one recorded SendText call.
type Sent struct {
	To   transport.JID
	Text string
}

// Reaction is one recorded SendReaction call.
type Reaction struct {
	To    transport.JID
	Key   transport.MessageKey
	Emoji string
}

// PresenceUpdate is one recorded SetPresence call.
type PresenceUpdate struct {
	Presence transport.Presence
	To       transport.JID
}

// Handle is a scripted transport.Handle that records outbound calls.
type Handle struct {
	mu     sync.Mutex
	events chan transport.Event
	closed bool

	sent      []Sent
	reactions []Reaction
	presence  []PresenceUpdate
	reads     []transport.MessageKey
	loggedOut bool

	// Scripted behaviour; zero values succeed.
	Groups      []transport.JID
	GroupsErr   error
	SendErr     func(to transport.JID, text string) error
	ReactErr    error
	PresenceErr error
	ReadErr     error
	PairingCode func(phone string) (string, error)
}

// NewHandle returns an open Handle.
func NewHandle() *Handle {
	return &Handle{events: make(chan transport.Event, 128)}
}

// Emit raises ev to the consumer. It is a no-op after Close.
func (h *Handle) Emit(ev transport.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.events <- ev
}

// Open emits the authenticated state.
func (h *Handle) Open() { h.Emit(transport.Event{Kind: transport.EventStateChange, State: transport.ConnOpen}) }

// Disconnect emits a close with reason.
func (h *Handle) Disconnect(reason transport.CloseReason) {
	h.Emit(transport.Event{Kind: transport.EventStateChange, State: transport.ConnClose, Reason: reason})
}

// Challenge emits a QR link challenge.
func (h *Handle) Challenge(qr string) {
	h.Emit(transport.Event{Kind: transport.EventLinkChallenge, QR: qr})
}

// Deliver emits an inbound message.
func (h *Handle) Deliver(msg transport.Message) {
	h.Emit(transport.Event{Kind: transport.EventMessage, Message: &msg})
}

// RotateCredentials emits a credentials update.
func (h *Handle) RotateCredentials(creds transport.Credentials) {
	h.Emit(transport.Event{Kind: transport.EventCredentialsChanged, Credentials: creds})
}

func (h *Handle) Events() <-chan transport.Event { return h.events }

func (h *Handle) SendText(_ context.Context, to transport.JID, text string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return transport.ErrClosed
	}
	if h.SendErr != nil {
		if err := h.SendErr(to, text); err != nil {
			return err
		}
	}
	h.sent = append(h.sent, Sent{To: to, Text: text})
	return nil
}

func (h *Handle) SendReaction(_ context.Context, to transport.JID, key transport.MessageKey, emoji string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.ReactErr != nil {
		return h.ReactErr
	}
	h.reactions = append(h.reactions, Reaction{To: to, Key: key, Emoji: emoji})
	return nil
}

func (h *Handle) SetPresence(_ context.Context, p transport.Presence, to transport.JID) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.PresenceErr != nil {
		return h.PresenceErr
	}
	h.presence = append(h.presence, PresenceUpdate{Presence: p, To: to})
	return nil
}

func (h *Handle) MarkRead(_ context.Context, keys ...transport.MessageKey) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.ReadErr != nil {
		return h.ReadErr
	}
	h.reads = append(h.reads, keys...)
	return nil
}

func (h *Handle) ListParticipatingGroups(_ context.Context) ([]transport.JID, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.GroupsErr != nil {
		return nil, h.GroupsErr
	}
	return append([]transport.JID(nil), h.Groups...), nil
}

func (h *Handle) RequestPairingCode(_ context.Context, phone string) (string, error) {
	h.mu.Lock()
	fn := h.PairingCode
	h.mu.Unlock()
	if fn == nil {
		return "", transport.ErrPairingUnsupported
	}
	return fn(phone)
}

func (h *Handle) Logout(_ context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return transport.ErrClosed
	}
	h.loggedOut = true
	return nil
}

func (h *Handle) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return errors.New("transporttest: handle already closed")
	}
	h.closed = true
	close(h.events)
	return nil
}

// Closed reports whether Close was called.
func (h *Handle) Closed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closed
}

// LoggedOut reports whether Logout was called.
func (h *Handle) LoggedOut() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.loggedOut
}

// Sent returns the recorded text sends.
func (h *Handle) Sent() []Sent {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]Sent(nil), h.sent...)
}

// Reactions returns the recorded reactions.
func (h *Handle) Reactions() []Reaction {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]Reaction(nil), h.reactions...)
}

// Presence returns the recorded presence updates.
func (h *Handle) Presence() []PresenceUpdate {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]PresenceUpdate(nil), h.presence...)
}

// Reads returns the recorded read receipts.
func (h *Handle) Reads() []transport.MessageKey {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]transport.MessageKey(nil), h.reads...)
}
