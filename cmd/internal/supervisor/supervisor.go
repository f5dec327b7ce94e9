// Package supervisor runs the connection state machine of one session.
//
// States move Idle → Connecting → (AwaitingLink | Open) → Closed →
// {Connecting | Terminated}. A generation counter guards every handle: a
// connect that completes after Stop, or an event from a handle that has
// since been replaced, is discarded. At most one handle is live.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"linkd/cmd/internal/bus"
	"linkd/cmd/internal/clock"
	"linkd/cmd/internal/credstore"
	"linkd/cmd/internal/transport"
)

const defaultConnectTimeout = 30 * time.Second

// Supervisor owns the transport handle of one session.
type Supervisor struct {
	id       string
	provider transport.Provider
	creds    credstore.Store
	events   *bus.Bus[Event]

	clock          clock.Clock
	log            *slog.Logger
	backoff        BackoffConfig
	connectTimeout time.Duration
	onTerminal     func(error)

	mu         sync.Mutex
	rng        *rand.Rand
	state      State
	gen        uint64
	handle     transport.Handle
	retry      clock.Timer
	runCtx     context.Context
	runCancel  context.CancelFunc
	attempt    int
	reconnects int
	lastReason transport.CloseReason
	lastErr    error
	openedAt   *time.Time
	termErr    error
}

// Option configures a Supervisor.
type Option func(*Supervisor) error

// WithClock sets the time source for backoff timers.
func WithClock(c clock.Clock) Option {
	return func(s *Supervisor) error {
		if c == nil {
			return ErrInvalidInput
		}
		s.clock = c
		return nil
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Supervisor) error {
		if l != nil {
			s.log = l
		}
		return nil
	}
}

// WithBackoff sets the reconnect policy.
func WithBackoff(cfg BackoffConfig) Option {
	return func(s *Supervisor) error {
		if cfg.InitialDelay < 0 || cfg.MaxDelay < 0 {
			return ErrInvalidInput
		}
		s.backoff = cfg
		return nil
	}
}

// WithRand sets the jitter source.
func WithRand(r *rand.Rand) Option {
	return func(s *Supervisor) error {
		if r == nil {
			return ErrInvalidInput
		}
		s.rng = r
		return nil
	}
}

// WithConnectTimeout bounds each Provider.Connect call.
func WithConnectTimeout(d time.Duration) Option {
	return func(s *Supervisor) error {
		if d <= 0 {
			return ErrInvalidInput
		}
		s.connectTimeout = d
		return nil
	}
}

// WithTerminalCallback registers fn to run once when the session
// terminates, with the terminal cause. It runs before the terminal events
// are published and must not block.
func WithTerminalCallback(fn func(error)) Option {
	return func(s *Supervisor) error {
		s.onTerminal = fn
		return nil
	}
}

// New constructs an Idle supervisor publishing onto events.
func New(sessionID string, provider transport.Provider, creds credstore.Store, events *bus.Bus[Event], opts ...Option) (*Supervisor, error) {
	if sessionID == "" || provider == nil || creds == nil || events == nil {
		return nil, ErrInvalidInput
	}
	s := &Supervisor{
		id:             sessionID,
		provider:       provider,
		creds:          creds,
		events:         events,
		clock:          clock.Real(),
		log:            slog.Default(),
		backoff:        DefaultBackoff(),
		connectTimeout: defaultConnectTimeout,
		rng:            rand.New(rand.NewSource(time.Now().UnixNano())),
		state:          StateIdle,
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(s); err != nil {
			return nil, err
		}
	}
	s.log = s.log.With("session", sessionID, "component", "supervisor")
	return s, nil
}

// SessionID returns the supervised session id.
func (s *Supervisor) SessionID() string { return s.id }

// Start moves an Idle or Closed session to Connecting and performs the
// first connect. It is a no-op while a handle is live or being acquired.
// Transient connect failures schedule a retry and return nil; corrupt
// credentials terminate the session and are returned.
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	switch {
	case s.state == StateTerminated:
		s.mu.Unlock()
		return ErrTerminated
	case s.state.Active():
		s.mu.Unlock()
		return nil
	}
	if s.retry != nil {
		s.retry.Stop()
		s.retry = nil
	}
	if s.runCtx == nil {
		s.runCtx, s.runCancel = context.WithCancel(context.WithoutCancel(ctx))
	}
	s.gen++
	gen := s.gen
	evs := s.setStateLocked(StateConnecting, transport.ReasonUnknown)
	s.mu.Unlock()

	s.publish(evs...)
	return s.connect(gen)
}

// connect loads credentials and opens a handle for generation gen.
func (s *Supervisor) connect(gen uint64) error {
	s.mu.Lock()
	if s.gen != gen || s.runCtx == nil {
		s.mu.Unlock()
		return nil
	}
	runCtx := s.runCtx
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(runCtx, s.connectTimeout)
	defer cancel()

	creds, err := s.creds.Load(ctx, s.id)
	switch {
	case errors.Is(err, credstore.ErrNotFound):
		creds = nil
	case errors.Is(err, credstore.ErrCorrupt):
		return s.fatal(gen, err)
	case err != nil:
		s.connectFailed(gen, fmt.Errorf("load credentials: %w", err))
		return nil
	}

	h, err := s.provider.Connect(ctx, s.id, creds)
	if err != nil {
		if errors.Is(err, transport.ErrCredentialsCorrupt) {
			return s.fatal(gen, err)
		}
		s.connectFailed(gen, err)
		return nil
	}

	s.mu.Lock()
	if s.gen != gen || s.state == StateTerminated {
		s.mu.Unlock()
		_ = h.Close()
		return nil
	}
	s.handle = h
	s.mu.Unlock()

	s.log.Debug("session.connect.ok")
	go s.pump(gen, h)
	return nil
}

func (s *Supervisor) fatal(gen uint64, err error) error {
	s.mu.Lock()
	stale := s.gen != gen
	s.mu.Unlock()
	if stale {
		return nil
	}
	werr := fmt.Errorf("supervisor %s: %w", s.id, err)
	s.log.Error("session.credentials.corrupt", "err", err)
	s.terminate(werr, false)
	return werr
}

func (s *Supervisor) connectFailed(gen uint64, err error) {
	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		return
	}
	s.lastErr = err
	evs := s.setStateLocked(StateClosed, transport.ReasonUnknown)
	s.mu.Unlock()

	s.log.Warn("session.connect.fail", "err", err)
	s.publish(evs...)
	s.publish(Event{Kind: EventError, Err: err})
	s.scheduleReconnect(gen)
}

// scheduleReconnect arms the backoff timer, or terminates the session once
// the attempt ceiling is reached.
func (s *Supervisor) scheduleReconnect(gen uint64) {
	s.mu.Lock()
	if s.gen != gen || s.state == StateTerminated {
		s.mu.Unlock()
		return
	}
	if s.attempt >= s.backoff.maxAttempts() {
		attempts := s.attempt
		s.mu.Unlock()
		s.log.Error("session.reconnect.exhausted", "attempts", attempts)
		s.terminate(fmt.Errorf("supervisor %s: %w after %d attempts", s.id, ErrRetriesExhausted, attempts), false)
		return
	}
	s.attempt++
	s.reconnects++
	attempt := s.attempt
	delay := NextBackoffDelay(s.backoff, attempt, s.rng)
	s.gen++
	next := s.gen
	s.mu.Unlock()

	// Armed before the event goes out so observers can rely on it.
	t := s.clock.AfterFunc(delay, func() { s.reconnect(next) })
	s.mu.Lock()
	if s.gen == next && s.state == StateClosed {
		s.retry = t
	} else {
		t.Stop()
	}
	s.mu.Unlock()

	s.log.Info("session.reconnect.scheduled", "attempt", attempt, "delay", delay)
	s.publish(Event{Kind: EventReconnectScheduled, Attempt: attempt, Delay: delay})
}

func (s *Supervisor) reconnect(gen uint64) {
	s.mu.Lock()
	if s.gen != gen || s.state != StateClosed {
		s.mu.Unlock()
		return
	}
	s.retry = nil
	evs := s.setStateLocked(StateConnecting, transport.ReasonUnknown)
	s.mu.Unlock()

	s.publish(evs...)
	_ = s.connect(gen)
}

// pump drains one handle until it closes or is superseded.
func (s *Supervisor) pump(gen uint64, h transport.Handle) {
	for ev := range h.Events() {
		if !s.handleEvent(gen, h, ev) {
			return
		}
	}
	// Channel closed without a close event: the engine dropped us.
	s.disconnected(gen, h, transport.ReasonUnknown, nil)
}

func (s *Supervisor) handleEvent(gen uint64, h transport.Handle, ev transport.Event) bool {
	s.mu.Lock()
	current := s.gen == gen && s.handle == h
	s.mu.Unlock()
	if !current {
		return false
	}

	switch ev.Kind {
	case transport.EventLinkChallenge:
		s.mu.Lock()
		evs := s.setStateLocked(StateAwaitingLink, transport.ReasonUnknown)
		s.mu.Unlock()
		s.publish(evs...)
		s.publish(Event{Kind: EventLinkChallenge, QR: ev.QR})

	case transport.EventStateChange:
		switch ev.State {
		case transport.ConnOpen:
			s.mu.Lock()
			s.attempt = 0
			s.lastErr = nil
			now := s.clock.Now()
			s.openedAt = &now
			evs := s.setStateLocked(StateOpen, transport.ReasonUnknown)
			s.mu.Unlock()
			s.log.Info("session.open")
			s.publish(evs...)
		case transport.ConnClose:
			s.disconnected(gen, h, ev.Reason, ev.Err)
			return false
		}

	case transport.EventMessage:
		if ev.Message != nil {
			s.publish(Event{Kind: EventMessage, Message: ev.Message})
		}

	case transport.EventCredentialsChanged:
		s.saveCredentials(ev.Credentials)
	}
	return true
}

func (s *Supervisor) saveCredentials(creds transport.Credentials) {
	s.mu.Lock()
	ctx := s.runCtx
	s.mu.Unlock()
	if ctx == nil {
		return
	}
	if err := s.creds.Save(ctx, s.id, creds); err != nil {
		s.log.Error("session.credentials.save.fail", "err", err)
		s.publish(Event{Kind: EventError, Err: fmt.Errorf("save credentials: %w", err)})
		return
	}
	s.publish(Event{Kind: EventCredentialsSaved})
}

// disconnected closes h and either schedules a reconnect or, for a
// logged-out close, terminates and erases credentials.
func (s *Supervisor) disconnected(gen uint64, h transport.Handle, reason transport.CloseReason, cause error) {
	s.mu.Lock()
	if s.gen != gen || s.handle != h {
		s.mu.Unlock()
		return
	}
	s.handle = nil
	s.lastReason = reason
	if cause != nil {
		s.lastErr = cause
	}
	var evs []Event
	if !reason.Terminal() {
		evs = s.setStateLocked(StateClosed, reason)
	}
	s.mu.Unlock()

	_ = h.Close()
	s.log.Info("session.closed", "reason", int(reason), "err", cause)

	if reason.Terminal() {
		s.terminate(fmt.Errorf("supervisor %s: %w", s.id, ErrLoggedOut), true)
		return
	}
	s.publish(evs...)
	s.scheduleReconnect(gen)
}

// terminate moves to Terminated exactly once. erase deletes credentials.
func (s *Supervisor) terminate(cause error, erase bool) {
	s.mu.Lock()
	if s.state == StateTerminated {
		s.mu.Unlock()
		return
	}
	s.termErr = cause
	s.lastErr = cause
	h, t, ctx, cancel := s.detachLocked()
	evs := s.setStateLocked(StateTerminated, s.lastReason)
	s.mu.Unlock()

	if t != nil {
		t.Stop()
	}
	if h != nil {
		_ = h.Close()
	}
	if erase {
		dctx := ctx
		if dctx == nil {
			dctx = context.Background()
		}
		if err := s.creds.Delete(context.WithoutCancel(dctx), s.id); err != nil {
			s.log.Error("session.credentials.erase.fail", "err", err)
		}
	}
	if cancel != nil {
		cancel()
	}

	s.log.Warn("session.terminated", "err", cause, "erased", erase)
	if s.onTerminal != nil {
		s.onTerminal(cause)
	}
	s.publish(evs...)
	s.publish(Event{Kind: EventTerminated, State: StateTerminated, Err: cause})
}

// detachLocked invalidates the current generation and hands back what the
// caller must release outside the lock.
func (s *Supervisor) detachLocked() (transport.Handle, clock.Timer, context.Context, context.CancelFunc) {
	s.gen++
	h, t, ctx, cancel := s.handle, s.retry, s.runCtx, s.runCancel
	s.handle, s.retry, s.runCtx, s.runCancel = nil, nil, nil, nil
	return h, t, ctx, cancel
}

// Stop cancels timers, closes the handle and returns the supervisor to
// Idle. Credentials are kept. Stopping a terminated supervisor is a no-op.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	if s.state == StateTerminated || s.state == StateIdle {
		s.mu.Unlock()
		return
	}
	h, t, _, cancel := s.detachLocked()
	s.attempt = 0
	evs := s.setStateLocked(StateIdle, transport.ReasonUnknown)
	s.mu.Unlock()

	if t != nil {
		t.Stop()
	}
	if h != nil {
		_ = h.Close()
	}
	if cancel != nil {
		cancel()
	}
	s.log.Info("session.stopped")
	s.publish(evs...)
}

// Logout unlinks the device when connected, then terminates and erases
// credentials. Logging out a terminated session is a no-op.
func (s *Supervisor) Logout(ctx context.Context) error {
	s.mu.Lock()
	if s.state == StateTerminated {
		s.mu.Unlock()
		return nil
	}
	h := s.handle
	s.mu.Unlock()

	if h != nil {
		if err := h.Logout(ctx); err != nil {
			s.log.Warn("session.logout.remote.fail", "err", err)
		}
	}
	s.terminate(fmt.Errorf("supervisor %s: %w", s.id, ErrLoggedOut), true)
	return nil
}

// RequestPairingCode asks the live handle for a pairing code.
func (s *Supervisor) RequestPairingCode(ctx context.Context, phone string) (string, error) {
	h := s.Handle()
	if h == nil {
		return "", ErrNotConnected
	}
	return h.RequestPairingCode(ctx, phone)
}

// Handle returns the live handle or nil.
func (s *Supervisor) Handle() transport.Handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handle
}

// State returns the current state.
func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Err returns the terminal cause, or nil while not terminated.
func (s *Supervisor) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.termErr
}

// Snapshot returns a point-in-time view.
func (s *Supervisor) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := Snapshot{
		SessionID:  s.id,
		State:      s.state,
		Attempt:    s.attempt,
		Reconnects: s.reconnects,
		LastReason: s.lastReason,
	}
	if s.lastErr != nil {
		out.LastError = s.lastErr.Error()
	}
	if s.openedAt != nil {
		t := *s.openedAt
		out.OpenedAt = &t
	}
	return out
}

func (s *Supervisor) setStateLocked(to State, reason transport.CloseReason) []Event {
	from := s.state
	if from == to {
		return nil
	}
	s.state = to
	if to != StateOpen {
		s.openedAt = nil
	}
	return []Event{{Kind: EventState, From: from, State: to, Reason: reason}}
}

func (s *Supervisor) publish(evs ...Event) {
	for _, ev := range evs {
		ev.SessionID = s.id
		if ev.At.IsZero() {
			ev.At = s.clock.Now()
		}
		s.events.Publish(ev)
	}
}
