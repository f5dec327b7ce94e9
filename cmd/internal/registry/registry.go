// Package registry owns every session of the daemon.
//
// Each session is a supervisor, a pairing-code issuer and, once the
// session first opens, a command router. One loop goroutine per session
// drains the session bus and serializes link challenges, state changes and
// message dispatch. Sessions share nothing but the registry map.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"linkd/cmd/internal/bus"
	"linkd/cmd/internal/clock"
	"linkd/cmd/internal/command"
	"linkd/cmd/internal/credstore"
	"linkd/cmd/internal/link"
	"linkd/cmd/internal/metrics"
	"linkd/cmd/internal/pairing"
	"linkd/cmd/internal/settings"
	"linkd/cmd/internal/supervisor"
	"linkd/cmd/internal/transport"
)

const (
	defaultPresenceEvery   = 30 * time.Second
	defaultStatusPollEvery = 60 * time.Second

	loopBuffer   = 256
	streamBuffer = 64
)

// Config is shared by every session.
type Config struct {
	Admin      transport.JID
	LinkedMode bool
	Server     string

	RateLimit       int
	RateLimitWindow time.Duration
	LinkTTL         time.Duration
	OutboxSize      int

	Backoff         supervisor.BackoffConfig
	PresenceEvery   time.Duration
	StatusPollEvery time.Duration
}

// Deps are the shared collaborators. Provider, Credentials, Settings and
// Links are required.
type Deps struct {
	Provider    transport.Provider
	Credentials credstore.Store
	Settings    *settings.Service
	Links       *link.Registry
	Quotes      command.Quotes
	Weather     command.Weather
	Metrics     *metrics.Metrics
}

// StartOptions tune one StartSession call.
type StartOptions struct {
	// Phone enables pairing-code linking and refresh for the session.
	Phone string
}

// Info is the admin view of one session.
type Info struct {
	supervisor.Snapshot
	Phone      string            `json:"phone,omitempty"`
	Routing    bool              `json:"routing"`
	Refreshing bool              `json:"refreshing"`
	Features   settings.Features `json:"features"`
	Blocked    int               `json:"blocked"`
}

// Option configures a Registry.
type Option func(*Registry) error

func WithClock(c clock.Clock) Option {
	return func(r *Registry) error {
		if c == nil {
			return fmt.Errorf("%w: nil clock", ErrInvalidConfig)
		}
		r.clock = c
		return nil
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) error {
		if l != nil {
			r.log = l
		}
		return nil
	}
}

// WithRouterOptions appends options to every session's router.
func WithRouterOptions(opts ...command.Option) Option {
	return func(r *Registry) error {
		r.routerOpts = append(r.routerOpts, opts...)
		return nil
	}
}

// Registry is the SessionRegistry.
type Registry struct {
	cfg  Config
	deps Deps

	clock      clock.Clock
	log        *slog.Logger
	routerOpts []command.Option

	mu       sync.Mutex
	sessions map[string]*session
	closed   bool
}

// New constructs an empty Registry.
func New(cfg Config, deps Deps, opts ...Option) (*Registry, error) {
	if deps.Provider == nil || deps.Credentials == nil || deps.Settings == nil || deps.Links == nil {
		return nil, ErrInvalidConfig
	}
	if cfg.Admin != "" {
		admin, err := transport.NormalizeJID(string(cfg.Admin), cfg.Server)
		if err != nil {
			return nil, fmt.Errorf("%w: admin: %v", ErrInvalidConfig, err)
		}
		cfg.Admin = admin
	}
	if cfg.LinkedMode && cfg.Admin == "" {
		return nil, fmt.Errorf("%w: linked mode needs an admin", ErrInvalidConfig)
	}
	if cfg.PresenceEvery <= 0 {
		cfg.PresenceEvery = defaultPresenceEvery
	}
	if cfg.StatusPollEvery <= 0 {
		cfg.StatusPollEvery = defaultStatusPollEvery
	}
	if cfg.Backoff == (supervisor.BackoffConfig{}) {
		cfg.Backoff = supervisor.DefaultBackoff()
	}

	r := &Registry{
		cfg:      cfg,
		deps:     deps,
		clock:    clock.Real(),
		log:      slog.Default(),
		sessions: make(map[string]*session),
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(r); err != nil {
			return nil, err
		}
	}
	r.log = r.log.With("component", "registry")
	return r, nil
}

// StartSession creates the session if needed and starts its supervisor.
// Starting a live session only updates its phone number. A session that is
// being stopped is waited out and replaced.
func (r *Registry) StartSession(ctx context.Context, id string, opts StartOptions) (Info, error) {
	id = strings.TrimSpace(id)
	if !credstore.ValidSessionID(id) {
		return Info{}, ErrInvalidSessionID
	}

	for {
		s, fresh, err := r.acquire(ctx, id)
		if err != nil {
			return Info{}, err
		}

		s.opMu.Lock()
		if r.isStopping(s) {
			s.opMu.Unlock()
			continue
		}
		if err := r.deps.Settings.Load(ctx, id); err != nil {
			s.opMu.Unlock()
			if fresh {
				r.retire(s)
				s.teardown(false)
			}
			return Info{}, fmt.Errorf("load settings %s: %w", id, err)
		}
		if opts.Phone != "" {
			s.issuer.SetPhone(opts.Phone)
		}
		err = s.sup.Start(ctx)
		s.opMu.Unlock()
		if err != nil {
			return Info{}, err
		}
		r.log.Info("session.start", "session", id)
		return s.info(), nil
	}
}

// acquire returns the live session for id, creating it when absent.
func (r *Registry) acquire(ctx context.Context, id string) (s *session, fresh bool, err error) {
	for {
		r.mu.Lock()
		if r.closed {
			r.mu.Unlock()
			return nil, false, ErrClosed
		}
		var ok bool
		s, ok = r.sessions[id]
		if ok && s.stopping {
			gone := s.gone
			r.mu.Unlock()
			select {
			case <-gone:
				continue
			case <-ctx.Done():
				return nil, false, ctx.Err()
			}
		}
		if !ok {
			s, err = r.newSession(id)
			if err != nil {
				r.mu.Unlock()
				return nil, false, err
			}
			r.sessions[id] = s
			go s.loop()
		}
		r.mu.Unlock()
		return s, !ok, nil
	}
}

// StopSession stops the session and forgets it. Credentials, settings and
// links are kept.
func (r *Registry) StopSession(ctx context.Context, id string) error {
	s, err := r.get(id)
	if err != nil {
		return err
	}
	s.opMu.Lock()
	r.retire(s)
	s.sup.Stop()
	s.opMu.Unlock()
	s.teardown(false)
	return s.wait(ctx)
}

// LogoutSession unlinks the device and erases the session's credentials,
// settings and links. Logging out an unknown session still erases whatever
// is persisted for it.
func (r *Registry) LogoutSession(ctx context.Context, id string) error {
	id = strings.TrimSpace(id)
	if !credstore.ValidSessionID(id) {
		return ErrInvalidSessionID
	}
	s, err := r.get(id)
	if errors.Is(err, ErrNotFound) {
		return r.erase(ctx, id)
	}
	s.opMu.Lock()
	r.retire(s)
	err = s.sup.Logout(ctx)
	s.opMu.Unlock()
	if err != nil {
		return err
	}
	if err := s.wait(ctx); err != nil {
		return err
	}
	return s.erased()
}

// ActiveCode returns the newest unexpired linking code of the session.
func (r *Registry) ActiveCode(id string) (pairing.Code, bool, error) {
	s, err := r.get(id)
	if err != nil {
		return pairing.Code{}, false, err
	}
	c, ok := s.issuer.Active()
	return c, ok, nil
}

// IssuePairingCode requests a pairing code through the session's live
// connection. phone defaults to the session's registered number.
func (r *Registry) IssuePairingCode(ctx context.Context, id, phone string) (pairing.Code, error) {
	s, err := r.get(id)
	if err != nil {
		return pairing.Code{}, err
	}
	return s.codes().Issue(ctx, phone)
}

// ListSessions returns every session, sorted by id.
func (r *Registry) ListSessions() []Info {
	r.mu.Lock()
	list := make([]*session, 0, len(r.sessions))
	for _, s := range r.sessions {
		list = append(list, s)
	}
	r.mu.Unlock()

	out := make([]Info, 0, len(list))
	for _, s := range list {
		out = append(out, s.info())
	}
	sort.Slice(out, func(i, k int) bool { return out[i].SessionID < out[k].SessionID })
	return out
}

// Info returns the admin view of one session.
func (r *Registry) Info(id string) (Info, error) {
	s, err := r.get(id)
	if err != nil {
		return Info{}, err
	}
	return s.info(), nil
}

// Subscribe returns a lossy stream of the session's events. The caller
// must Close it.
func (r *Registry) Subscribe(id string) (*bus.Subscription[supervisor.Event], error) {
	s, err := r.get(id)
	if err != nil {
		return nil, err
	}
	return s.events.Subscribe(bus.WithBuffer(streamBuffer), bus.Lossy()), nil
}

// Close stops every session. Credentials are kept.
func (r *Registry) Close(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	list := make([]*session, 0, len(r.sessions))
	for _, s := range r.sessions {
		s.stopping = true
		list = append(list, s)
	}
	r.mu.Unlock()

	var errs []error
	for _, s := range list {
		s.opMu.Lock()
		s.sup.Stop()
		s.opMu.Unlock()
		s.teardown(false)
		if err := s.wait(ctx); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", s.id, err))
		}
	}
	return errors.Join(errs...)
}

func (r *Registry) get(id string) (*session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[strings.TrimSpace(id)]
	if !ok {
		return nil, ErrNotFound
	}
	return s, nil
}

// retire stops handing s out to StartSession.
func (r *Registry) retire(s *session) {
	r.mu.Lock()
	s.stopping = true
	r.mu.Unlock()
}

func (r *Registry) isStopping(s *session) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return s.stopping
}

func (r *Registry) remove(s *session) {
	r.mu.Lock()
	if r.sessions[s.id] == s {
		delete(r.sessions, s.id)
	}
	r.mu.Unlock()
}

// erase deletes everything persisted for id. Every step is idempotent.
func (r *Registry) erase(ctx context.Context, id string) error {
	var errs []error
	if err := r.deps.Credentials.Delete(ctx, id); err != nil {
		errs = append(errs, fmt.Errorf("credentials: %w", err))
	}
	if err := r.deps.Settings.Erase(ctx, id); err != nil {
		errs = append(errs, err)
	}
	if err := r.deps.Links.Purge(ctx, id); err != nil {
		errs = append(errs, fmt.Errorf("links: %w", err))
	}
	if err := errors.Join(errs...); err != nil {
		r.log.Error("session.erase.fail", "session", id, "err", err)
		return err
	}
	r.log.Info("session.erased", "session", id)
	return nil
}
