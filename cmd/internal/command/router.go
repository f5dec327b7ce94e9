package command

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"linkd/cmd/internal/clock"
	"linkd/cmd/internal/content"
	"linkd/cmd/internal/link"
	"linkd/cmd/internal/pairing"
	"linkd/cmd/internal/settings"
	"linkd/cmd/internal/transport"
)

const (
	defaultTypingPulse = 1200 * time.Millisecond
	defaultReactEmoji  = "❤️"
)

// Outcome is what Dispatch did with a message.
type Outcome string

const (
	OutcomeIgnored     Outcome = "ignored"
	OutcomeBlocked     Outcome = "blocked"
	OutcomeRateLimited Outcome = "rate_limited"
	OutcomeUnlinked    Outcome = "unlinked"
	OutcomeDenied      Outcome = "denied"
	OutcomeUnknown     Outcome = "unknown"
	OutcomeHandled     Outcome = "handled"
	OutcomeDefault     Outcome = "default"
	OutcomePersistFail Outcome = "persist_failed"
	OutcomeFailed      Outcome = "failed"
)

// Settings is the slice of settings.Service the router uses.
type Settings interface {
	Features(sessionID string) settings.Features
	Toggle(ctx context.Context, sessionID, name string) (bool, error)
	Blocklist(sessionID string) []transport.JID
	IsBlocked(sessionID string, jid transport.JID) bool
	AddBlocked(ctx context.Context, sessionID string, jid transport.JID) (bool, error)
	RemoveBlocked(ctx context.Context, sessionID string, jid transport.JID) (bool, error)
}

// Links is the slice of link.Registry the router uses.
type Links interface {
	Issue(ctx context.Context, sessionID string, adminID transport.JID, opts link.IssueOptions) (string, link.Token, error)
	Redeem(ctx context.Context, sessionID, code string, requester transport.JID) error
	Revoke(ctx context.Context, sessionID string, requester transport.JID) (int, error)
	IsLinked(ctx context.Context, sessionID string, jid transport.JID) (bool, error)
}

// Codes issues pairing codes for the session.
type Codes interface {
	Issue(ctx context.Context, phone string) (pairing.Code, error)
}

// HandleSource yields the session's live transport handle, or nil.
type HandleSource interface {
	Handle() transport.Handle
}

type Quotes interface {
	Random(ctx context.Context) (content.Quote, error)
}

type Weather interface {
	Current(ctx context.Context, city string) (content.Weather, error)
}

// Observer receives dispatch outcomes. Implementations must not block.
type Observer interface {
	CommandDispatched(sessionID, command string, outcome Outcome)
	OutboxDropped(sessionID string)
}

type nopObserver struct{}

func (nopObserver) CommandDispatched(string, string, Outcome) {}
func (nopObserver) OutboxDropped(string)                      {}

// Config is the per-session routing configuration.
type Config struct {
	SessionID string
	// Admin is the identity allowed to run admin commands.
	Admin transport.JID
	// LinkedMode restricts non-admin senders to linked identities.
	LinkedMode bool
	// Server is appended to bare numbers given as command arguments.
	Server string

	RateLimit       int
	RateLimitWindow time.Duration
	TypingPulse     time.Duration
	ReactEmoji      string
	LinkTTL         time.Duration
}

// Deps are the collaborators of a Router. Settings, Links and Handles are
// required.
type Deps struct {
	Settings Settings
	Links    Links
	Handles  HandleSource
	Codes    Codes
	Quotes   Quotes
	Weather  Weather
	// Shutdown stops the session. It runs on its own goroutine.
	Shutdown func(ctx context.Context) error
}

// Option configures a Router.
type Option func(*Router) error

func WithClock(c clock.Clock) Option {
	return func(r *Router) error {
		if c == nil {
			return errors.New("nil clock")
		}
		r.clock = c
		return nil
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(r *Router) error {
		if l != nil {
			r.log = l
		}
		return nil
	}
}

func WithObserver(o Observer) Option {
	return func(r *Router) error {
		if o != nil {
			r.obs = o
		}
		return nil
	}
}

// WithOutboxOptions configures the router's Outbox.
func WithOutboxOptions(opts ...OutboxOption) Option {
	return func(r *Router) error {
		r.outboxOpts = append(r.outboxOpts, opts...)
		return nil
	}
}

// Router is the CommandRouter of one session.
type Router struct {
	cfg  Config
	deps Deps

	clock      clock.Clock
	log        *slog.Logger
	obs        Observer
	outboxOpts []OutboxOption

	outbox *Outbox
	limits *senderLimits

	mu      sync.Mutex
	closed  bool
	nextT   uint64
	pending map[uint64]clock.Timer
}

// NewRouter constructs a Router and starts its Outbox.
func NewRouter(cfg Config, deps Deps, opts ...Option) (*Router, error) {
	cfg.SessionID = strings.TrimSpace(cfg.SessionID)
	if cfg.SessionID == "" || deps.Settings == nil || deps.Links == nil || deps.Handles == nil {
		return nil, ErrInvalidConfig
	}
	if cfg.Admin != "" {
		admin, err := transport.NormalizeJID(string(cfg.Admin), cfg.Server)
		if err != nil {
			return nil, fmt.Errorf("%w: admin: %v", ErrInvalidConfig, err)
		}
		cfg.Admin = admin
	}
	if cfg.TypingPulse <= 0 {
		cfg.TypingPulse = defaultTypingPulse
	}
	if cfg.ReactEmoji == "" {
		cfg.ReactEmoji = defaultReactEmoji
	}

	r := &Router{
		cfg:     cfg,
		deps:    deps,
		clock:   clock.Real(),
		log:     slog.Default(),
		obs:     nopObserver{},
		pending: make(map[uint64]clock.Timer),
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(r); err != nil {
			return nil, err
		}
	}
	r.log = r.log.With("session", cfg.SessionID)
	r.limits = newSenderLimits(cfg.RateLimit, cfg.RateLimitWindow)

	obOpts := []OutboxOption{
		OutboxLogger(r.log),
		OutboxHooks(func(Job) { r.obs.OutboxDropped(cfg.SessionID) }, nil),
	}
	r.outbox = NewOutbox(append(obOpts, r.outboxOpts...)...)
	return r, nil
}

// Close cancels pending typing timers and stops the Outbox.
func (r *Router) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	timers := r.pending
	r.pending = nil
	r.mu.Unlock()

	for _, t := range timers {
		t.Stop()
	}
	r.outbox.Close()
}

// PendingTimers returns the number of armed typing timers.
func (r *Router) PendingTimers() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

// call is one parsed inbound command.
type call struct {
	msg    *transport.Message
	sender transport.JID
	chat   transport.JID
	name   string
	args   string
	admin  bool
}

// Dispatch routes one inbound message. It never panics and never blocks on
// the transport.
func (r *Router) Dispatch(ctx context.Context, msg *transport.Message) (out Outcome) {
	if msg == nil || msg.Key.FromMe {
		return OutcomeIgnored
	}

	c := r.parse(msg)
	label := c.name
	if label == "" {
		label = "default"
	}
	defer func() {
		if p := recover(); p != nil {
			r.log.Error("command.dispatch.panic", "command", label, "sender", c.sender, "panic", p)
			r.reply(c.chat, replyFailed)
			out = OutcomeFailed
		}
		r.obs.CommandDispatched(r.cfg.SessionID, label, out)
	}()

	if r.deps.Settings.IsBlocked(r.cfg.SessionID, c.sender) {
		return OutcomeBlocked
	}
	if !r.limits.Allow(c.sender, r.clock.Now()) {
		r.log.Debug("command.dispatch.rate_limited", "sender", c.sender)
		return OutcomeRateLimited
	}
	if r.cfg.LinkedMode && !c.admin && !openCommand(c.name) {
		linked, err := r.deps.Links.IsLinked(ctx, r.cfg.SessionID, c.sender)
		if err != nil {
			r.log.Warn("command.dispatch.link_check.fail", "sender", c.sender, "err", err)
			return OutcomeUnlinked
		}
		if !linked {
			return OutcomeUnlinked
		}
	}

	if c.name == "" {
		r.fallback(c)
		return OutcomeDefault
	}

	cmd, ok := commands[c.name]
	if !ok {
		r.reply(c.chat, replyUnknown)
		return OutcomeUnknown
	}
	if cmd.admin && !c.admin {
		r.reply(c.chat, replyDenied)
		return OutcomeDenied
	}
	if r.deps.Settings.Features(r.cfg.SessionID)[settings.FeatureAutoRead] {
		r.markRead(c.msg.Key)
	}

	if err := cmd.run(ctx, r, c); err != nil {
		return r.failed(c, err)
	}
	return OutcomeHandled
}

func (r *Router) failed(c call, err error) Outcome {
	var pe *settings.PersistError
	switch {
	case errors.As(err, &pe), errors.Is(err, ErrLinkStore):
		r.log.Error("command.persist.fail", "command", c.name, "sender", c.sender, "err", err)
		r.reply(c.chat, replyNotSaved)
		return OutcomePersistFail
	default:
		r.log.Warn("command.dispatch.fail", "command", c.name, "sender", c.sender, "err", err)
		r.reply(c.chat, replyFailed)
		return OutcomeFailed
	}
}

func (r *Router) parse(msg *transport.Message) call {
	c := call{msg: msg, sender: msg.Sender, chat: msg.ReplyTo()}
	if n, err := transport.NormalizeJID(string(msg.Sender), r.cfg.Server); err == nil {
		c.sender = n
	}
	c.admin = r.cfg.Admin != "" && c.sender == r.cfg.Admin

	text := strings.TrimSpace(msg.Text)
	if !strings.HasPrefix(text, ".") {
		return c
	}
	head, rest, _ := strings.Cut(text[1:], " ")
	c.name = strings.ToLower(strings.TrimSpace(head))
	c.args = strings.TrimSpace(rest)
	if c.name == "" {
		// a lone "." is treated as an unknown command
		c.name = "."
	}
	return c
}

// openCommand reports whether unlinked senders may run name in linked mode.
func openCommand(name string) bool {
	switch name {
	case "link", "menu", "help":
		return true
	}
	return false
}

// fallback is the default behaviour for non-command text. Plain text is
// always marked read; autoread extends that to commands the sender may run.
func (r *Router) fallback(c call) {
	f := r.deps.Settings.Features(r.cfg.SessionID)
	key := c.msg.Key

	r.markRead(key)
	if f[settings.FeatureFakeTyping] {
		chat := c.chat
		r.submit("typing", func(ctx context.Context, h transport.Handle) error {
			return h.SetPresence(ctx, transport.PresenceComposing, chat)
		})
		r.after(r.cfg.TypingPulse, func() {
			r.submit("typing_paused", func(ctx context.Context, h transport.Handle) error {
				return h.SetPresence(ctx, transport.PresencePaused, chat)
			})
		})
	}
	if f[settings.FeatureAutoReact] {
		chat, emoji := c.chat, r.cfg.ReactEmoji
		r.submit("react", func(ctx context.Context, h transport.Handle) error {
			return h.SendReaction(ctx, chat, key, emoji)
		})
	}
}

// after runs fn on the clock unless the router is closed first.
func (r *Router) after(d time.Duration, fn func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	r.nextT++
	id := r.nextT
	r.pending[id] = r.clock.AfterFunc(d, func() {
		r.mu.Lock()
		if r.closed {
			r.mu.Unlock()
			return
		}
		delete(r.pending, id)
		r.mu.Unlock()
		fn()
	})
}

// submit queues fn against the live handle.
func (r *Router) submit(name string, fn func(ctx context.Context, h transport.Handle) error) {
	err := r.outbox.Submit(Job{Name: name, Run: func(ctx context.Context) error {
		h := r.deps.Handles.Handle()
		if h == nil {
			return transport.ErrNotConnected
		}
		return fn(ctx, h)
	}})
	if err != nil && !errors.Is(err, ErrOutboxFull) {
		r.log.Debug("command.outbox.reject", "job", name, "err", err)
	}
}

func (r *Router) markRead(key transport.MessageKey) {
	r.submit("mark_read", func(ctx context.Context, h transport.Handle) error {
		return h.MarkRead(ctx, key)
	})
}

// reply queues a text message to chat.
func (r *Router) reply(chat transport.JID, text string) {
	r.submit("reply", func(ctx context.Context, h transport.Handle) error {
		return h.SendText(ctx, chat, text)
	})
}

// async queues work whose result is a reply. A failed fetch replies
// replyFailed.
func (r *Router) async(c call, name string, fn func(ctx context.Context) (string, error)) {
	chat := c.chat
	r.submit(name, func(ctx context.Context, h transport.Handle) error {
		text, err := fn(ctx)
		if err != nil {
			r.log.Warn("command.async.fail", "command", name, "err", err)
			if text == "" {
				text = replyFailed
			}
		}
		if text == "" {
			return err
		}
		if sendErr := h.SendText(ctx, chat, text); sendErr != nil {
			return errors.Join(err, sendErr)
		}
		return err
	})
}
