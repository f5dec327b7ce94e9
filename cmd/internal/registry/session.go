package registry

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"linkd/cmd/internal/bus"
	"linkd/cmd/internal/command"
	"linkd/cmd/internal/pairing"
	"linkd/cmd/internal/supervisor"
	"linkd/cmd/internal/transport"
)

const maxPendingStatus = 256

type session struct {
	r   *Registry
	id  string
	log *slog.Logger

	events *bus.Bus[supervisor.Event]
	sub    *bus.Subscription[supervisor.Event]
	sup    *supervisor.Supervisor
	issuer *pairing.Issuer

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	gone   chan struct{}

	// opMu orders supervisor Start against Stop and Logout.
	opMu sync.Mutex
	// stopping is guarded by r.mu. A stopping session is never handed out
	// again; StartSession waits for gone and builds a fresh one.
	stopping bool

	mu         sync.Mutex
	torn       bool
	gaugeState supervisor.State
	router     *command.Router
	hb         *heartbeat
	statusKeys []transport.MessageKey
	eraseErr   error
}

func (r *Registry) newSession(id string) (*session, error) {
	s := &session{
		r:          r,
		id:         id,
		log:        r.log.With("session", id),
		events:     bus.New[supervisor.Event](),
		done:       make(chan struct{}),
		gone:       make(chan struct{}),
		gaugeState: supervisor.StateIdle,
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())

	sup, err := supervisor.New(id, r.deps.Provider, r.deps.Credentials, s.events,
		supervisor.WithClock(r.clock),
		supervisor.WithLogger(r.log),
		supervisor.WithBackoff(r.cfg.Backoff),
	)
	if err != nil {
		s.cancel()
		return nil, err
	}
	s.sup = sup
	s.issuer = pairing.NewIssuer(id, sup,
		pairing.WithClock(r.clock),
		pairing.WithLogger(r.log),
		pairing.WithNotify(func(c pairing.Code) { r.deps.Metrics.CodeRecorded(string(c.Kind)) }),
	)
	s.hb = newHeartbeat(s)
	// The loop subscription is reliable: the supervisor waits for it.
	s.sub = s.events.Subscribe(bus.WithBuffer(loopBuffer))
	r.deps.Metrics.SessionTransition("", string(supervisor.StateIdle))
	return s, nil
}

// loop serializes the session's events until teardown.
func (s *session) loop() {
	defer close(s.done)
	for {
		select {
		case <-s.sub.Done():
			return
		case ev := <-s.sub.C:
			if s.handle(ev) {
				return
			}
		}
	}
}

// handle processes one event and reports whether the session ended.
func (s *session) handle(ev supervisor.Event) (ended bool) {
	defer func() {
		if p := recover(); p != nil {
			s.log.Error("session.loop.panic", "event", string(ev.Kind), "panic", p)
		}
	}()

	switch ev.Kind {
	case supervisor.EventState:
		s.transition(ev.From, ev.State)
	case supervisor.EventLinkChallenge:
		s.issuer.RecordQR(ev.QR)
		if s.issuer.Phone() != "" && !s.issuer.Refreshing() {
			s.issuer.StartRefresh(s.ctx)
		}
	case supervisor.EventMessage:
		s.message(ev.Message)
	case supervisor.EventReconnectScheduled:
		s.r.deps.Metrics.ReconnectScheduled()
	case supervisor.EventTerminated:
		s.terminated(ev.Err)
		return true
	}
	return false
}

func (s *session) transition(from, to supervisor.State) {
	s.mu.Lock()
	if s.torn {
		s.mu.Unlock()
		return
	}
	prev := s.gaugeState
	s.gaugeState = to
	s.mu.Unlock()
	s.r.deps.Metrics.SessionTransition(string(prev), string(to))

	switch {
	case to == supervisor.StateOpen:
		s.issuer.Clear()
		s.hb.start()
		if err := s.attachRouter(); err != nil {
			s.log.Error("session.router.attach.fail", "err", err)
		}
	case from == supervisor.StateOpen:
		s.hb.stop()
	}
	if to == supervisor.StateIdle {
		s.issuer.StopRefresh()
	}
}

// attachRouter creates the router on the first Open only.
func (s *session) attachRouter() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.router != nil || s.torn {
		return nil
	}
	r := s.r
	opts := append([]command.Option{
		command.WithClock(r.clock),
		command.WithLogger(r.log),
		command.WithObserver(r.deps.Metrics),
	}, r.routerOpts...)
	if r.cfg.OutboxSize > 0 {
		opts = append(opts, command.WithOutboxOptions(command.OutboxSize(r.cfg.OutboxSize)))
	}
	router, err := command.NewRouter(command.Config{
		SessionID:       s.id,
		Admin:           r.cfg.Admin,
		LinkedMode:      r.cfg.LinkedMode,
		Server:          r.cfg.Server,
		RateLimit:       r.cfg.RateLimit,
		RateLimitWindow: r.cfg.RateLimitWindow,
		LinkTTL:         r.cfg.LinkTTL,
	}, command.Deps{
		Settings: r.deps.Settings,
		Links:    r.deps.Links,
		Handles:  s.sup,
		Codes:    s.codes(),
		Quotes:   r.deps.Quotes,
		Weather:  r.deps.Weather,
		Shutdown: func(ctx context.Context) error { return r.StopSession(ctx, s.id) },
	}, opts...)
	if err != nil {
		return err
	}
	s.router = router
	s.log.Info("session.router.attached")
	return nil
}

func (s *session) message(m *transport.Message) {
	if m == nil {
		return
	}
	if m.Key.RemoteJID.IsStatus() {
		if !m.Key.FromMe {
			s.queueStatus(m.Key)
		}
		return
	}
	s.mu.Lock()
	router := s.router
	s.mu.Unlock()
	if router == nil {
		s.log.Debug("session.message.unrouted", "sender", m.Sender)
		return
	}
	router.Dispatch(s.ctx, m)
}

func (s *session) queueStatus(key transport.MessageKey) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.statusKeys) >= maxPendingStatus {
		s.statusKeys = s.statusKeys[1:]
	}
	s.statusKeys = append(s.statusKeys, key)
}

func (s *session) takeStatus() []transport.MessageKey {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := s.statusKeys
	s.statusKeys = nil
	return keys
}

// terminated runs on the loop after the supervisor reached Terminated.
func (s *session) terminated(cause error) {
	label := "error"
	if errors.Is(cause, supervisor.ErrLoggedOut) {
		label = "logged_out"
	}
	s.r.retire(s)
	s.r.deps.Metrics.SessionTerminated(label)
	if label == "logged_out" {
		if err := s.r.erase(context.WithoutCancel(s.ctx), s.id); err != nil {
			s.mu.Lock()
			s.eraseErr = err
			s.mu.Unlock()
		}
	}
	s.teardown(true)
}

// teardown releases every timer, the router and the loop subscription.
// It is idempotent.
func (s *session) teardown(fromLoop bool) {
	s.mu.Lock()
	if s.torn {
		s.mu.Unlock()
		return
	}
	s.torn = true
	router := s.router
	gauge := s.gaugeState
	s.statusKeys = nil
	s.mu.Unlock()

	s.hb.stop()
	s.issuer.Clear()
	if router != nil {
		router.Close()
	}
	s.sub.Close()
	if !fromLoop {
		// let the loop exit before the bus goes away
		<-s.done
	}
	s.events.Close()
	s.cancel()
	s.r.deps.Settings.Forget(s.id)
	s.r.remove(s)
	s.r.deps.Metrics.SessionTransition(string(gauge), "")
	s.log.Info("session.removed")
	close(s.gone)
}

// wait returns once the session left the registry and its loop exited.
func (s *session) wait(ctx context.Context) error {
	for _, ch := range []<-chan struct{}{s.gone, s.done} {
		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (s *session) erased() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.eraseErr
}

func (s *session) info() Info {
	snap := s.sup.Snapshot()
	s.mu.Lock()
	routing := s.router != nil && !s.torn
	s.mu.Unlock()
	return Info{
		Snapshot:   snap,
		Phone:      s.issuer.Phone(),
		Routing:    routing,
		Refreshing: s.issuer.Refreshing(),
		Features:   s.r.deps.Settings.Features(s.id),
		Blocked:    len(s.r.deps.Settings.Blocklist(s.id)),
	}
}

func (s *session) codes() codeIssuer { return codeIssuer{s: s} }

// codeIssuer counts issuance failures on top of the session's issuer.
type codeIssuer struct{ s *session }

func (c codeIssuer) Issue(ctx context.Context, phone string) (pairing.Code, error) {
	code, err := c.s.issuer.Issue(ctx, phone)
	if err != nil {
		reason := string(pairing.ReasonTransport)
		var ie *pairing.IssueError
		if errors.As(err, &ie) {
			reason = string(ie.Reason)
		}
		c.s.r.deps.Metrics.CodeFailed(reason)
		c.s.log.Warn("pairing.issue.fail", "reason", reason, "err", err)
	}
	return code, err
}
