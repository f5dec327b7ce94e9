package link

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"linkd/cmd/internal/clock"
	"linkd/cmd/internal/transport"
)

const (
	admin = transport.JID("15550000000@s.whatsapp.net")
	bob   = transport.JID("15551230002@s.whatsapp.net")
	carol = transport.JID("15551230003@s.whatsapp.net")
)

func newTestRegistry(t *testing.T, store Store) (*Registry, *clock.FakeClock) {
	t.Helper()
	clk := clock.Fake(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	r, err := NewRegistry(store, WithClock(clk))
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}
	return r, clk
}

func TestRedeemSingleUse(t *testing.T) {
	t.Parallel()
	runRedeemSingleUse(t, NewMemoryStore())
}

func runRedeemSingleUse(t *testing.T, store Store) {
	r, _ := newTestRegistry(t, store)
	ctx := context.Background()

	code, tok, err := r.Issue(ctx, "alice", admin, IssueOptions{})
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if len(code) != 6 || tok.MaxUses != 1 || tok.ID == "" {
		t.Fatalf("Issue()=%q,%+v", code, tok)
	}

	if err := r.Redeem(ctx, "alice", code, bob); err != nil {
		t.Fatalf("redeem: %v", err)
	}
	// Second redemption by the same identity is idempotent.
	if err := r.Redeem(ctx, "alice", code, bob); err != nil {
		t.Fatalf("repeat redeem: %v", err)
	}
	if err := r.Redeem(ctx, "alice", code, carol); !errors.Is(err, ErrInvalidCode) {
		t.Fatalf("Redeem(used up) err=%v want=%v", err, ErrInvalidCode)
	}

	linked, err := r.Linked(ctx, "alice")
	if err != nil {
		t.Fatalf("linked: %v", err)
	}
	if len(linked) != 1 || linked[0] != bob {
		t.Fatalf("Linked()=%v want=[%s]", linked, bob)
	}
	if ok, _ := r.IsLinked(ctx, "alice", bob); !ok {
		t.Fatalf("IsLinked(bob)=false")
	}
	if ok, _ := r.IsLinked(ctx, "alice", carol); ok {
		t.Fatalf("IsLinked(carol)=true")
	}
}

func TestRedeemInvalidCodes(t *testing.T) {
	t.Parallel()

	r, clk := newTestRegistry(t, NewMemoryStore())
	ctx := context.Background()

	code, _, err := r.Issue(ctx, "alice", admin, IssueOptions{TTL: time.Minute})
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	cases := []struct {
		name    string
		session string
		code    string
	}{
		{name: "empty", session: "alice", code: "  "},
		{name: "unknown", session: "alice", code: "000000x"},
		{name: "other session", session: "bob", code: code},
	}
	for _, tc := range cases {
		if err := r.Redeem(ctx, tc.session, tc.code, bob); !errors.Is(err, ErrInvalidCode) {
			t.Fatalf("%s: Redeem(%q) err=%v want=%v", tc.name, tc.code, err, ErrInvalidCode)
		}
	}

	clk.Advance(time.Minute)
	if err := r.Redeem(ctx, "alice", code, bob); !errors.Is(err, ErrInvalidCode) {
		t.Fatalf("Redeem(expired) err=%v want=%v", err, ErrInvalidCode)
	}
}

func TestLinksOutliveExpiry(t *testing.T) {
	t.Parallel()
	runLinksOutliveExpiry(t, NewMemoryStore())
}

func runLinksOutliveExpiry(t *testing.T, store Store) {
	r, clk := newTestRegistry(t, store)
	ctx := context.Background()

	code, _, err := r.Issue(ctx, "alice", admin, IssueOptions{TTL: time.Minute})
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if err := r.Redeem(ctx, "alice", code, bob); err != nil {
		t.Fatalf("redeem: %v", err)
	}
	clk.Advance(time.Hour)
	if ok, _ := r.IsLinked(ctx, "alice", bob); !ok {
		t.Fatalf("link lost after token expiry")
	}
	// An expired code is invalid even for an identity it already linked.
	if err := r.Redeem(ctx, "alice", code, bob); !errors.Is(err, ErrInvalidCode) {
		t.Fatalf("Redeem(expired code, linked)=%v want=%v", err, ErrInvalidCode)
	}
	if ok, _ := r.IsLinked(ctx, "alice", bob); !ok {
		t.Fatalf("failed redeem dropped the existing link")
	}
}

func TestMultiUseConcurrentRedeem(t *testing.T) {
	t.Parallel()

	r, _ := newTestRegistry(t, NewMemoryStore())
	ctx := context.Background()

	code, _, err := r.Issue(ctx, "alice", admin, IssueOptions{MaxUses: 2})
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	users := []transport.JID{"1@s.whatsapp.net", "2@s.whatsapp.net", "3@s.whatsapp.net", "4@s.whatsapp.net", "5@s.whatsapp.net"}
	var wg sync.WaitGroup
	errs := make(chan error, len(users))
	for _, u := range users {
		wg.Add(1)
		go func(u transport.JID) {
			defer wg.Done()
			errs <- r.Redeem(ctx, "alice", code, u)
		}(u)
	}
	wg.Wait()
	close(errs)

	success := 0
	for err := range errs {
		switch {
		case err == nil:
			success++
		case errors.Is(err, ErrInvalidCode):
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if success != 2 {
		t.Fatalf("successes=%d want=2", success)
	}
}

func TestRevokeAndPurge(t *testing.T) {
	t.Parallel()

	r, _ := newTestRegistry(t, NewMemoryStore())
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		code, _, err := r.Issue(ctx, "alice", admin, IssueOptions{})
		if err != nil {
			t.Fatalf("issue: %v", err)
		}
		if err := r.Redeem(ctx, "alice", code, bob); err != nil {
			t.Fatalf("redeem: %v", err)
		}
	}

	n, err := r.Revoke(ctx, "alice", bob)
	if err != nil || n != 2 {
		t.Fatalf("Revoke()=%d,%v want=2,nil", n, err)
	}
	if ok, _ := r.IsLinked(ctx, "alice", bob); ok {
		t.Fatalf("IsLinked after revoke=true")
	}
	if n, _ := r.Revoke(ctx, "alice", bob); n != 0 {
		t.Fatalf("second Revoke()=%d want=0", n)
	}

	code, _, err := r.Issue(ctx, "alice", admin, IssueOptions{})
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if err := r.Purge(ctx, "alice"); err != nil {
		t.Fatalf("purge: %v", err)
	}
	if err := r.Redeem(ctx, "alice", code, carol); !errors.Is(err, ErrInvalidCode) {
		t.Fatalf("Redeem after purge err=%v want=%v", err, ErrInvalidCode)
	}
}

func TestIssueRejectsBadInput(t *testing.T) {
	t.Parallel()

	r, _ := newTestRegistry(t, NewMemoryStore())
	ctx := context.Background()

	if _, _, err := r.Issue(ctx, "", admin, IssueOptions{}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("Issue(empty session) err=%v want=%v", err, ErrInvalidInput)
	}
	if _, _, err := r.Issue(ctx, "alice", "", IssueOptions{}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("Issue(empty admin) err=%v want=%v", err, ErrInvalidInput)
	}
}
