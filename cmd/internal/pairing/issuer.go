// Package pairing issues and expires device-linking codes for one session.
//
// A code is visible strictly before its ExpiresAt and never at or after it.
// Expiry is enforced twice: a clock timer removes the entry, and every read
// re-checks the deadline so a late timer never leaks a stale code.
package pairing

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"linkd/cmd/internal/clock"
	"linkd/cmd/internal/transport"
)

const (
	// DefaultTTL is the fixed lifetime of every code.
	DefaultTTL = 60 * time.Second
	// DefaultRefreshEvery keeps a fresh code available while unlinked.
	DefaultRefreshEvery = 55 * time.Second

	requestTimeout = 15 * time.Second
)

// Kind tells pairing codes from captured QR payloads.
type Kind string

const (
	KindPairing Kind = "pairing"
	KindQR      Kind = "qr"
)

// Code is one issued linking code.
type Code struct {
	Code      string    `json:"code"`
	SessionID string    `json:"session_id"`
	Kind      Kind      `json:"kind"`
	IssuedAt  time.Time `json:"issued_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Requester asks the transport for a pairing code. The supervisor
// implements it and returns transport.ErrNotConnected without a live handle.
type Requester interface {
	RequestPairingCode(ctx context.Context, phone string) (string, error)
}

// Issuer owns the active codes and the refresh loop of one session.
type Issuer struct {
	sessionID    string
	phone        string
	req          Requester
	clock        clock.Clock
	log          *slog.Logger
	ttl          time.Duration
	refreshEvery time.Duration
	notify       func(Code)

	mu          sync.Mutex
	codes       map[string]*entry
	epoch       uint64
	refreshing  bool
	refreshGen  uint64
	refreshT    clock.Timer
	refreshCtx  context.Context
	refreshStop context.CancelFunc
}

type entry struct {
	code  Code
	timer clock.Timer
}

// Option configures an Issuer.
type Option func(*Issuer)

// WithPhone sets the registered phone number used when Issue gets none.
func WithPhone(phone string) Option {
	return func(i *Issuer) { i.phone = normalizePhone(phone) }
}

// WithClock sets the time source for deadlines and timers.
func WithClock(c clock.Clock) Option {
	return func(i *Issuer) {
		if c != nil {
			i.clock = c
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(i *Issuer) {
		if l != nil {
			i.log = l
		}
	}
}

// WithRefreshEvery overrides the refresh period.
func WithRefreshEvery(d time.Duration) Option {
	return func(i *Issuer) {
		if d > 0 {
			i.refreshEvery = d
		}
	}
}

// WithNotify registers a callback run after every stored code.
func WithNotify(fn func(Code)) Option {
	return func(i *Issuer) { i.notify = fn }
}

// NewIssuer constructs an Issuer for sessionID.
func NewIssuer(sessionID string, req Requester, opts ...Option) *Issuer {
	i := &Issuer{
		sessionID:    sessionID,
		req:          req,
		clock:        clock.Real(),
		log:          slog.Default(),
		ttl:          DefaultTTL,
		refreshEvery: DefaultRefreshEvery,
		codes:        make(map[string]*entry),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(i)
		}
	}
	i.log = i.log.With("session", sessionID, "component", "pairing")
	return i
}

// Phone returns the registered phone number.
func (i *Issuer) Phone() string {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.phone
}

// SetPhone replaces the registered phone number.
func (i *Issuer) SetPhone(phone string) {
	i.mu.Lock()
	i.phone = normalizePhone(phone)
	i.mu.Unlock()
}

// Issue requests a pairing code for phone (the registered number when
// empty), stores it with a fixed TTL and arms its expiry timer. A code that
// arrives after Clear is discarded and Issue fails with ErrCleared.
func (i *Issuer) Issue(ctx context.Context, phone string) (Code, error) {
	i.mu.Lock()
	epoch := i.epoch
	i.mu.Unlock()
	return i.issue(ctx, phone, func() bool { return i.epoch == epoch })
}

// issue runs one request. keep is evaluated under i.mu right before the
// code is stored.
func (i *Issuer) issue(ctx context.Context, phone string, keep func() bool) (Code, error) {
	phone = normalizePhone(phone)
	if phone == "" {
		phone = i.Phone()
	}
	if phone == "" {
		return Code{}, &IssueError{SessionID: i.sessionID, Reason: ReasonNoPhone, Err: ErrNoPhone}
	}
	if i.req == nil {
		return Code{}, &IssueError{SessionID: i.sessionID, Reason: ReasonNotConnected, Err: transport.ErrNotConnected}
	}

	rctx, cancel := context.WithTimeout(ctx, requestTimeout)
	raw, err := i.req.RequestPairingCode(rctx, phone)
	cancel()
	if err != nil {
		return Code{}, &IssueError{SessionID: i.sessionID, Reason: classify(err), Err: err}
	}
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Code{}, &IssueError{SessionID: i.sessionID, Reason: ReasonTransport, Err: transport.ErrPairingUnsupported}
	}
	c, ok := i.store(raw, KindPairing, keep)
	if !ok {
		i.log.Debug("pairing.code.discarded")
		return Code{}, &IssueError{SessionID: i.sessionID, Reason: ReasonNotConnected, Err: ErrCleared}
	}
	return c, nil
}

// RecordQR stores the latest QR payload as a code with the same TTL.
func (i *Issuer) RecordQR(payload string) Code {
	c, _ := i.store(payload, KindQR, nil)
	return c
}

func (i *Issuer) store(value string, kind Kind, keep func() bool) (Code, bool) {
	now := i.clock.Now()
	c := Code{Code: value, SessionID: i.sessionID, Kind: kind, IssuedAt: now, ExpiresAt: now.Add(i.ttl)}

	e := &entry{code: c}
	i.mu.Lock()
	if keep != nil && !keep() {
		i.mu.Unlock()
		return Code{}, false
	}
	if old, ok := i.codes[value]; ok && old.timer != nil {
		old.timer.Stop()
	}
	i.codes[value] = e
	i.mu.Unlock()

	t := i.clock.AfterFunc(i.ttl, func() { i.expire(value, e) })
	i.mu.Lock()
	if cur, ok := i.codes[value]; ok && cur == e {
		e.timer = t
	} else {
		t.Stop()
	}
	i.mu.Unlock()

	i.log.Info("pairing.code.issued", "kind", string(kind), "expires_at", c.ExpiresAt)
	if i.notify != nil {
		i.notify(c)
	}
	return c, true
}

func (i *Issuer) expire(value string, e *entry) {
	i.mu.Lock()
	if cur, ok := i.codes[value]; ok && cur == e {
		delete(i.codes, value)
	}
	i.mu.Unlock()
}

// Lookup returns the code if it is still unexpired.
func (i *Issuer) Lookup(code string) (Code, bool) {
	now := i.clock.Now()
	i.mu.Lock()
	defer i.mu.Unlock()
	e, ok := i.codes[code]
	if !ok || !now.Before(e.code.ExpiresAt) {
		return Code{}, false
	}
	return e.code, true
}

// Active returns the newest unexpired code, preferring pairing codes over
// QR payloads.
func (i *Issuer) Active() (Code, bool) {
	codes := i.Codes()
	for k := len(codes) - 1; k >= 0; k-- {
		if codes[k].Kind == KindPairing {
			return codes[k], true
		}
	}
	if len(codes) == 0 {
		return Code{}, false
	}
	return codes[len(codes)-1], true
}

// Codes returns every unexpired code, oldest first.
func (i *Issuer) Codes() []Code {
	now := i.clock.Now()
	i.mu.Lock()
	out := make([]Code, 0, len(i.codes))
	for _, e := range i.codes {
		if now.Before(e.code.ExpiresAt) {
			out = append(out, e.code)
		}
	}
	i.mu.Unlock()
	sort.Slice(out, func(a, b int) bool { return out[a].IssuedAt.Before(out[b].IssuedAt) })
	return out
}

// StartRefresh issues a code now and every refresh period until
// StopRefresh or Clear. Calling it while a loop runs is a no-op.
func (i *Issuer) StartRefresh(ctx context.Context) {
	i.mu.Lock()
	if i.refreshing {
		i.mu.Unlock()
		return
	}
	i.refreshing = true
	i.refreshGen++
	gen := i.refreshGen
	i.refreshCtx, i.refreshStop = context.WithCancel(ctx)
	i.mu.Unlock()

	i.log.Debug("pairing.refresh.start")
	i.armRefresh(gen, 0)
}

func (i *Issuer) armRefresh(gen uint64, d time.Duration) {
	i.mu.Lock()
	if !i.refreshing || i.refreshGen != gen {
		i.mu.Unlock()
		return
	}
	i.mu.Unlock()

	var fired atomic.Bool
	t := i.clock.AfterFunc(d, func() {
		fired.Store(true)
		i.refreshTick(gen)
	})

	// A timer that already fired has re-armed its successor.
	i.mu.Lock()
	if fired.Load() {
		i.mu.Unlock()
		return
	}
	if i.refreshing && i.refreshGen == gen {
		i.refreshT = t
	} else {
		t.Stop()
	}
	i.mu.Unlock()
}

func (i *Issuer) refreshTick(gen uint64) {
	i.mu.Lock()
	if !i.refreshing || i.refreshGen != gen {
		i.mu.Unlock()
		return
	}
	ctx := i.refreshCtx
	i.mu.Unlock()

	stillRunning := func() bool { return i.refreshing && i.refreshGen == gen }
	if _, err := i.issue(ctx, "", stillRunning); err != nil {
		i.log.Warn("pairing.refresh.fail", "err", err)
	}
	i.armRefresh(gen, i.refreshEvery)
}

// Refreshing reports whether the refresh loop is running.
func (i *Issuer) Refreshing() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.refreshing
}

// StopRefresh cancels the refresh loop and its pending timer. Issued codes
// keep their expiry.
func (i *Issuer) StopRefresh() {
	i.mu.Lock()
	if !i.refreshing {
		i.mu.Unlock()
		return
	}
	i.refreshing = false
	i.refreshGen++
	t := i.refreshT
	i.refreshT = nil
	stop := i.refreshStop
	i.refreshStop = nil
	i.refreshCtx = nil
	i.mu.Unlock()

	if t != nil {
		t.Stop()
	}
	if stop != nil {
		stop()
	}
	i.log.Debug("pairing.refresh.stop")
}

// Clear stops the refresh loop and drops every code with its timer.
func (i *Issuer) Clear() {
	i.StopRefresh()
	i.mu.Lock()
	i.epoch++
	codes := i.codes
	i.codes = make(map[string]*entry)
	i.mu.Unlock()
	for _, e := range codes {
		if e.timer != nil {
			e.timer.Stop()
		}
	}
}

func normalizePhone(raw string) string {
	var b strings.Builder
	for _, r := range raw {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}
