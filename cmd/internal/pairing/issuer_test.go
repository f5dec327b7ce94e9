package pairing

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"linkd/cmd/internal/clock"
	"linkd/cmd/internal/transport"
)

type fakeRequester struct {
	mu     sync.Mutex
	calls  int
	phones []string
	err    error
	codes  []string
}

func (f *fakeRequester) RequestPairingCode(_ context.Context, phone string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.phones = append(f.phones, phone)
	if f.err != nil {
		return "", f.err
	}
	if len(f.codes) > 0 {
		c := f.codes[0]
		f.codes = f.codes[1:]
		return c, nil
	}
	return fmt.Sprintf("%06d", f.calls), nil
}

func (f *fakeRequester) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func newTestIssuer(req Requester, opts ...Option) (*Issuer, *clock.FakeClock) {
	clk := clock.Fake(time.UnixMilli(0).UTC())
	opts = append([]Option{WithClock(clk), WithPhone("+1 555 123 0001")}, opts...)
	return NewIssuer("alice", req, opts...), clk
}

func TestIssueExpiresStrictlyAtDeadline(t *testing.T) {
	t.Parallel()

	req := &fakeRequester{codes: []string{"123456"}}
	iss, clk := newTestIssuer(req)

	c, err := iss.Issue(context.Background(), "")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if c.Code != "123456" || c.ExpiresAt.UnixMilli() != 60000 || c.Kind != KindPairing {
		t.Fatalf("Issue()=%+v want code=123456 expiresAt=60000", c)
	}
	if req.phones[0] != "15551230001" {
		t.Fatalf("requested phone=%q want=15551230001", req.phones[0])
	}

	clk.Advance(59999 * time.Millisecond)
	if _, ok := iss.Lookup("123456"); !ok {
		t.Fatalf("Lookup at 59999ms=not found want=present")
	}
	clk.Advance(time.Millisecond)
	if _, ok := iss.Lookup("123456"); ok {
		t.Fatalf("Lookup at 60000ms=present want=not found")
	}
	clk.Advance(time.Millisecond)
	if _, ok := iss.Lookup("123456"); ok {
		t.Fatalf("Lookup at 60001ms=present want=not found")
	}
	if clk.Pending() != 0 {
		t.Fatalf("Pending()=%d want=0", clk.Pending())
	}
}

func TestIssueErrorReasons(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name  string
		err   error
		phone string
		want  Reason
	}{
		{name: "unsupported", err: transport.ErrPairingUnsupported, phone: "1", want: ReasonUnsupported},
		{name: "rate limited", err: fmt.Errorf("engine: %w", transport.ErrRateLimited), phone: "1", want: ReasonRateLimited},
		{name: "not connected", err: transport.ErrNotConnected, phone: "1", want: ReasonNotConnected},
		{name: "network", err: errors.New("connection reset"), phone: "1", want: ReasonTransport},
		{name: "no phone", phone: "", want: ReasonNoPhone},
	}

	for _, tc := range cases {
		req := &fakeRequester{err: tc.err}
		clk := clock.Fake(time.UnixMilli(0))
		iss := NewIssuer("alice", req, WithClock(clk))

		_, err := iss.Issue(context.Background(), tc.phone)
		var ie *IssueError
		if !errors.As(err, &ie) || ie.Reason != tc.want {
			t.Fatalf("%s: Issue() err=%v want reason=%s", tc.name, err, tc.want)
		}
		if tc.err != nil && !errors.Is(err, tc.err) {
			t.Fatalf("%s: Issue() err=%v does not wrap %v", tc.name, err, tc.err)
		}
		if len(iss.Codes()) != 0 {
			t.Fatalf("%s: failed issue stored a code", tc.name)
		}
		if tc.phone != "" && req.Calls() != 1 {
			t.Fatalf("%s: calls=%d want=1 (no retry)", tc.name, req.Calls())
		}
	}
}

func TestRefreshLoopIsSingleAndStops(t *testing.T) {
	t.Parallel()

	req := &fakeRequester{}
	iss, clk := newTestIssuer(req)
	ctx := context.Background()

	iss.StartRefresh(ctx)
	iss.StartRefresh(ctx)
	if req.Calls() != 1 {
		t.Fatalf("calls after start=%d want=1", req.Calls())
	}

	clk.Advance(DefaultRefreshEvery)
	if req.Calls() != 2 {
		t.Fatalf("calls after one period=%d want=2", req.Calls())
	}
	// A caller polling at any time finds an unexpired code.
	clk.Advance(DefaultRefreshEvery - time.Second)
	if _, ok := iss.Active(); !ok {
		t.Fatalf("Active()=none while refreshing")
	}

	iss.StopRefresh()
	if iss.Refreshing() {
		t.Fatalf("Refreshing()=true after stop")
	}
	calls := req.Calls()
	clk.Advance(10 * time.Minute)
	if req.Calls() != calls {
		t.Fatalf("calls after stop=%d want=%d", req.Calls(), calls)
	}
	if clk.Pending() != 0 {
		t.Fatalf("Pending()=%d want=0 after stop and expiry", clk.Pending())
	}
}

func TestRefreshSurvivesIssueFailure(t *testing.T) {
	t.Parallel()

	req := &fakeRequester{err: transport.ErrRateLimited}
	iss, clk := newTestIssuer(req)

	iss.StartRefresh(context.Background())
	clk.Advance(2 * DefaultRefreshEvery)
	if req.Calls() != 3 {
		t.Fatalf("calls=%d want=3", req.Calls())
	}
	iss.Clear()
}

func TestClearCancelsEveryTimer(t *testing.T) {
	t.Parallel()

	req := &fakeRequester{}
	iss, clk := newTestIssuer(req)

	iss.RecordQR("2@abc,def")
	if _, err := iss.Issue(context.Background(), ""); err != nil {
		t.Fatalf("issue: %v", err)
	}
	iss.StartRefresh(context.Background())
	if clk.Pending() == 0 {
		t.Fatalf("no timers armed")
	}

	iss.Clear()
	if clk.Pending() != 0 {
		t.Fatalf("Pending()=%d want=0 after Clear", clk.Pending())
	}
	if len(iss.Codes()) != 0 {
		t.Fatalf("Codes() not empty after Clear")
	}
}

func TestActivePrefersPairingCode(t *testing.T) {
	t.Parallel()

	req := &fakeRequester{codes: []string{"654321"}}
	var notified []Code
	iss, clk := newTestIssuer(req, WithNotify(func(c Code) { notified = append(notified, c) }))

	iss.RecordQR("qr-1")
	got, ok := iss.Active()
	if !ok || got.Kind != KindQR || got.Code != "qr-1" {
		t.Fatalf("Active()=%+v,%v want qr-1", got, ok)
	}

	clk.Advance(time.Second)
	if _, err := iss.Issue(context.Background(), ""); err != nil {
		t.Fatalf("issue: %v", err)
	}
	clk.Advance(time.Second)
	iss.RecordQR("qr-2")

	got, ok = iss.Active()
	if !ok || got.Code != "654321" {
		t.Fatalf("Active()=%+v,%v want 654321", got, ok)
	}
	if len(notified) != 3 {
		t.Fatalf("notified=%d want=3", len(notified))
	}
	if codes := iss.Codes(); len(codes) != 3 || codes[0].Code != "qr-1" {
		t.Fatalf("Codes()=%+v", codes)
	}
}

// heldRequester blocks every request until release is closed, ignoring ctx.
type heldRequester struct {
	entered chan struct{}
	release chan struct{}
	code    string
}

func newHeldRequester(code string) *heldRequester {
	return &heldRequester{entered: make(chan struct{}, 1), release: make(chan struct{}), code: code}
}

func (h *heldRequester) RequestPairingCode(context.Context, string) (string, error) {
	select {
	case h.entered <- struct{}{}:
	default:
	}
	<-h.release
	return h.code, nil
}

func TestRefreshResultAfterClearIsDropped(t *testing.T) {
	t.Parallel()

	req := newHeldRequester("777777")
	iss, clk := newTestIssuer(req)

	done := make(chan struct{})
	go func() {
		defer close(done)
		iss.StartRefresh(context.Background())
	}()
	<-req.entered

	iss.Clear()
	close(req.release)
	<-done

	if c, ok := iss.Active(); ok {
		t.Fatalf("Active()=%+v after Clear want=none", c)
	}
	if iss.Refreshing() {
		t.Fatalf("Refreshing()=true after Clear")
	}
	if clk.Pending() != 0 {
		t.Fatalf("Pending()=%d want=0 after Clear", clk.Pending())
	}
}

func TestIssueInFlightDuringClearFails(t *testing.T) {
	t.Parallel()

	req := newHeldRequester("888888")
	iss, clk := newTestIssuer(req)

	errc := make(chan error, 1)
	go func() {
		_, err := iss.Issue(context.Background(), "")
		errc <- err
	}()
	<-req.entered

	iss.Clear()
	close(req.release)

	err := <-errc
	if !errors.Is(err, ErrCleared) {
		t.Fatalf("Issue()=%v want=%v", err, ErrCleared)
	}
	if _, ok := iss.Lookup("888888"); ok {
		t.Fatalf("Lookup(888888)=present after Clear")
	}
	if clk.Pending() != 0 {
		t.Fatalf("Pending()=%d want=0", clk.Pending())
	}

	// The issuer keeps working once cleared.
	req2 := &fakeRequester{codes: []string{"999999"}}
	iss.req = req2
	if _, err := iss.Issue(context.Background(), ""); err != nil {
		t.Fatalf("Issue after Clear: %v", err)
	}
}
