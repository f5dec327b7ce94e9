package supervisor

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"linkd/cmd/internal/bus"
	"linkd/cmd/internal/clock"
	"linkd/cmd/internal/credstore"
	"linkd/cmd/internal/transport"
	"linkd/cmd/internal/transport/transporttest"
)

type countingCreds struct {
	*credstore.MemoryStore
	deletes atomic.Int32
	loadErr error
}

func (c *countingCreds) Load(ctx context.Context, id string) (transport.Credentials, error) {
	if c.loadErr != nil {
		return nil, c.loadErr
	}
	return c.MemoryStore.Load(ctx, id)
}

func (c *countingCreds) Delete(ctx context.Context, id string) error {
	c.deletes.Add(1)
	return c.MemoryStore.Delete(ctx, id)
}

type harness struct {
	t        *testing.T
	clk      *clock.FakeClock
	provider *transporttest.Provider
	creds    *countingCreds
	sub      *bus.Subscription[Event]
	sup      *Supervisor

	mu        sync.Mutex
	terminals []error
}

func newHarness(t *testing.T, cfg BackoffConfig) *harness {
	t.Helper()
	h := &harness{
		t:        t,
		clk:      clock.Fake(time.Unix(1700000000, 0).UTC()),
		provider: transporttest.NewProvider(),
		creds:    &countingCreds{MemoryStore: credstore.NewMemoryStore()},
	}
	events := bus.New[Event]()
	h.sub = events.Subscribe(bus.WithBuffer(1024))
	sup, err := New("alice", h.provider, h.creds, events,
		WithClock(h.clk),
		WithBackoff(cfg),
		WithTerminalCallback(func(err error) {
			h.mu.Lock()
			h.terminals = append(h.terminals, err)
			h.mu.Unlock()
		}),
	)
	if err != nil {
		t.Fatalf("new supervisor: %v", err)
	}
	h.sup = sup
	t.Cleanup(func() {
		sup.Stop()
		h.sub.Close()
	})
	return h
}

func noJitter(max int) BackoffConfig {
	cfg := DefaultBackoff()
	cfg.Jitter = false
	cfg.MaxAttempts = max
	return cfg
}

func (h *harness) waitFor(match func(Event) bool, what string) Event {
	h.t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-h.sub.C:
			if match(ev) {
				return ev
			}
		case <-deadline:
			h.t.Fatalf("timed out waiting for %s (state=%s)", what, h.sup.State())
			return Event{}
		}
	}
}

func (h *harness) waitKind(k EventKind) Event {
	h.t.Helper()
	return h.waitFor(func(ev Event) bool { return ev.Kind == k }, string(k))
}

func (h *harness) waitState(s State) {
	h.t.Helper()
	h.waitFor(func(ev Event) bool { return ev.Kind == EventState && ev.State == s }, "state "+string(s))
}

func (h *harness) handle(i int) *transporttest.Handle {
	h.t.Helper()
	hs := h.provider.Handles()
	if len(hs) <= i {
		h.t.Fatalf("handles=%d want>%d", len(hs), i)
	}
	return hs[i]
}

func TestNextBackoffDelayDeterministicNoJitter(t *testing.T) {
	t.Parallel()

	cfg := noJitter(10)
	want := []time.Duration{2 * time.Second, 4 * time.Second, 8 * time.Second, 16 * time.Second, 32 * time.Second, 60 * time.Second, 60 * time.Second}
	for i, w := range want {
		if got := NextBackoffDelay(cfg, i+1, nil); got != w {
			t.Fatalf("NextBackoffDelay(attempt=%d)=%v want=%v", i+1, got, w)
		}
	}
}

func TestNextBackoffDelayJitterStaysWithinCap(t *testing.T) {
	t.Parallel()

	cfg := DefaultBackoff()
	rng := rand.New(rand.NewSource(7))
	for attempt := 1; attempt <= 12; attempt++ {
		base := NextBackoffDelay(noJitter(10), attempt, nil)
		for i := 0; i < 200; i++ {
			got := NextBackoffDelay(cfg, attempt, rng)
			if got > cfg.MaxDelay {
				t.Fatalf("NextBackoffDelay(attempt=%d)=%v above cap %v", attempt, got, cfg.MaxDelay)
			}
			if got < base/2 {
				t.Fatalf("NextBackoffDelay(attempt=%d)=%v below half of %v", attempt, got, base)
			}
		}
	}
}

func TestReconnectsAfterTransientCloses(t *testing.T) {
	t.Parallel()

	h := newHarness(t, noJitter(10))
	if err := h.sup.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	wantDelays := []time.Duration{2 * time.Second, 4 * time.Second, 8 * time.Second}
	for i := 0; i < 3; i++ {
		h.handle(i).Disconnect(transport.ReasonTimedOut)
		ev := h.waitKind(EventReconnectScheduled)
		if ev.Attempt != i+1 || ev.Delay != wantDelays[i] {
			t.Fatalf("reconnect %d: attempt=%d delay=%v want=%d,%v", i, ev.Attempt, ev.Delay, i+1, wantDelays[i])
		}
		if !h.handle(i).Closed() {
			t.Fatalf("handle %d not closed after disconnect", i)
		}
		h.clk.Advance(ev.Delay)
	}

	h.handle(3).Open()
	h.waitState(StateOpen)

	snap := h.sup.Snapshot()
	if snap.State != StateOpen || snap.Reconnects != 3 || snap.Attempt != 0 {
		t.Fatalf("Snapshot()=%+v want open, 3 reconnects, attempt reset", snap)
	}
	if n := h.creds.deletes.Load(); n != 0 {
		t.Fatalf("credential deletions=%d want=0", n)
	}
	if n := h.provider.Connects(); n != 4 {
		t.Fatalf("connects=%d want=4", n)
	}
}

func TestConnectFailuresRetriedThenOpen(t *testing.T) {
	t.Parallel()

	const n = 4
	h := newHarness(t, noJitter(10))
	boom := errors.New("dial tcp: connection refused")
	h.provider.FailNext(boom, boom, boom, boom)

	if err := h.sup.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	for i := 1; i <= n; i++ {
		ev := h.waitKind(EventReconnectScheduled)
		if ev.Attempt != i || ev.Delay != NextBackoffDelay(noJitter(10), i, nil) {
			t.Fatalf("reconnect %d: %+v", i, ev)
		}
		h.clk.Advance(ev.Delay)
	}

	h.handle(0).Open()
	h.waitState(StateOpen)
	if snap := h.sup.Snapshot(); snap.Reconnects != n {
		t.Fatalf("reconnects=%d want=%d", snap.Reconnects, n)
	}
}

func TestRetriesExhaustedTerminatesAndKeepsCredentials(t *testing.T) {
	t.Parallel()

	h := newHarness(t, noJitter(3))
	boom := errors.New("network down")
	h.provider.FailNext(boom, boom, boom, boom, boom)

	if err := h.sup.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	for i := 0; i < 3; i++ {
		ev := h.waitKind(EventReconnectScheduled)
		h.clk.Advance(ev.Delay)
	}
	ev := h.waitKind(EventTerminated)
	if !errors.Is(ev.Err, ErrRetriesExhausted) {
		t.Fatalf("terminal err=%v want=%v", ev.Err, ErrRetriesExhausted)
	}
	if h.creds.deletes.Load() != 0 {
		t.Fatalf("credentials deleted after exhausted retries")
	}
	if err := h.sup.Start(context.Background()); !errors.Is(err, ErrTerminated) {
		t.Fatalf("Start after terminate err=%v want=%v", err, ErrTerminated)
	}
	if h.clk.Pending() != 0 {
		t.Fatalf("Pending()=%d want=0", h.clk.Pending())
	}
}

func TestLoggedOutCloseTerminatesAndErases(t *testing.T) {
	t.Parallel()

	h := newHarness(t, noJitter(10))
	ctx := context.Background()
	if err := h.creds.Save(ctx, "alice", transport.Credentials("v1")); err != nil {
		t.Fatalf("seed creds: %v", err)
	}
	if err := h.sup.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	if string(h.provider.LastCredentials()) != "v1" {
		t.Fatalf("connect creds=%q want=v1", h.provider.LastCredentials())
	}

	h.handle(0).Open()
	h.waitState(StateOpen)
	h.handle(0).Disconnect(transport.ReasonLoggedOut)

	ev := h.waitKind(EventTerminated)
	if !errors.Is(ev.Err, ErrLoggedOut) {
		t.Fatalf("terminal err=%v want=%v", ev.Err, ErrLoggedOut)
	}
	if _, err := h.creds.Load(ctx, "alice"); !errors.Is(err, credstore.ErrNotFound) {
		t.Fatalf("credentials after logout err=%v want ErrNotFound", err)
	}

	// Idempotent: a second logout neither errors nor erases again.
	if err := h.sup.Logout(ctx); err != nil {
		t.Fatalf("second logout: %v", err)
	}
	if n := h.creds.deletes.Load(); n != 1 {
		t.Fatalf("deletions=%d want=1", n)
	}
	h.mu.Lock()
	calls := len(h.terminals)
	h.mu.Unlock()
	if calls != 1 {
		t.Fatalf("terminal callback calls=%d want=1", calls)
	}
	if h.provider.Connects() != 1 {
		t.Fatalf("reconnected after logout")
	}
}

func TestLogoutRequestsRemoteUnlink(t *testing.T) {
	t.Parallel()

	h := newHarness(t, noJitter(10))
	ctx := context.Background()
	if err := h.sup.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	hd := h.handle(0)
	hd.Open()
	h.waitState(StateOpen)

	if err := h.sup.Logout(ctx); err != nil {
		t.Fatalf("logout: %v", err)
	}
	if !hd.LoggedOut() || !hd.Closed() {
		t.Fatalf("LoggedOut=%v Closed=%v want both", hd.LoggedOut(), hd.Closed())
	}
	if h.sup.State() != StateTerminated {
		t.Fatalf("State()=%s want=%s", h.sup.State(), StateTerminated)
	}
}

func TestCorruptCredentialsAreFatal(t *testing.T) {
	t.Parallel()

	h := newHarness(t, noJitter(10))
	h.creds.loadErr = credstore.ErrCorrupt

	err := h.sup.Start(context.Background())
	if !errors.Is(err, credstore.ErrCorrupt) {
		t.Fatalf("Start err=%v want=%v", err, credstore.ErrCorrupt)
	}
	if h.sup.State() != StateTerminated {
		t.Fatalf("State()=%s want=%s", h.sup.State(), StateTerminated)
	}
	if h.provider.Connects() != 0 || h.creds.deletes.Load() != 0 {
		t.Fatalf("connects=%d deletes=%d want 0,0", h.provider.Connects(), h.creds.deletes.Load())
	}
}

func TestProviderCredentialsCorruptIsFatal(t *testing.T) {
	t.Parallel()

	h := newHarness(t, noJitter(10))
	h.provider.FailNext(transport.ErrCredentialsCorrupt)

	if err := h.sup.Start(context.Background()); !errors.Is(err, transport.ErrCredentialsCorrupt) {
		t.Fatalf("Start err=%v want=%v", err, transport.ErrCredentialsCorrupt)
	}
	if !errors.Is(h.sup.Err(), transport.ErrCredentialsCorrupt) {
		t.Fatalf("Err()=%v", h.sup.Err())
	}
}

func TestStartIsNoOpWhileActive(t *testing.T) {
	t.Parallel()

	h := newHarness(t, noJitter(10))
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if err := h.sup.Start(ctx); err != nil {
			t.Fatalf("start %d: %v", i, err)
		}
	}
	h.handle(0).Open()
	h.waitState(StateOpen)
	if err := h.sup.Start(ctx); err != nil {
		t.Fatalf("start while open: %v", err)
	}
	if n := h.provider.Connects(); n != 1 {
		t.Fatalf("connects=%d want=1", n)
	}
}

func TestLinkChallengeAndCredentialRotation(t *testing.T) {
	t.Parallel()

	h := newHarness(t, noJitter(10))
	ctx := context.Background()
	if err := h.sup.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	hd := h.handle(0)

	hd.Challenge("2@qr-payload")
	ev := h.waitKind(EventLinkChallenge)
	if ev.QR != "2@qr-payload" || h.sup.State() != StateAwaitingLink {
		t.Fatalf("challenge=%+v state=%s", ev, h.sup.State())
	}

	hd.RotateCredentials(transport.Credentials("v2"))
	h.waitKind(EventCredentialsSaved)
	got, err := h.creds.Load(ctx, "alice")
	if err != nil || string(got) != "v2" {
		t.Fatalf("saved creds=%q,%v want=v2", got, err)
	}

	hd.Deliver(transport.Message{Sender: "1@s.whatsapp.net", Text: "hi"})
	msg := h.waitKind(EventMessage)
	if msg.Message == nil || msg.Message.Text != "hi" {
		t.Fatalf("message event=%+v", msg)
	}
}

func TestStopClosesHandleAndCancelsRetry(t *testing.T) {
	t.Parallel()

	h := newHarness(t, noJitter(10))
	ctx := context.Background()
	if err := h.sup.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	h.handle(0).Disconnect(transport.ReasonConnectionClosed)
	h.waitKind(EventReconnectScheduled)
	if h.clk.Pending() != 1 {
		t.Fatalf("Pending()=%d want=1", h.clk.Pending())
	}

	h.sup.Stop()
	if h.clk.Pending() != 0 || h.sup.State() != StateIdle {
		t.Fatalf("after stop: pending=%d state=%s", h.clk.Pending(), h.sup.State())
	}
	h.clk.Advance(time.Hour)
	if h.provider.Connects() != 1 {
		t.Fatalf("reconnected after stop")
	}

	if err := h.sup.Start(ctx); err != nil {
		t.Fatalf("restart: %v", err)
	}
	if h.provider.Connects() != 2 || h.creds.deletes.Load() != 0 {
		t.Fatalf("connects=%d deletes=%d", h.provider.Connects(), h.creds.deletes.Load())
	}
}

func TestRequestPairingCodeNeedsHandle(t *testing.T) {
	t.Parallel()

	h := newHarness(t, noJitter(10))
	if _, err := h.sup.RequestPairingCode(context.Background(), "1555"); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("RequestPairingCode before start err=%v want=%v", err, ErrNotConnected)
	}

	h.provider.Configure = func(hd *transporttest.Handle) {
		hd.PairingCode = func(phone string) (string, error) { return "ABCD1234", nil }
	}
	if err := h.sup.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	code, err := h.sup.RequestPairingCode(context.Background(), "1555")
	if err != nil || code != "ABCD1234" {
		t.Fatalf("RequestPairingCode()=%q,%v", code, err)
	}
}
