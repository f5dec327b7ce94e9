package command

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestOutboxRunsInOrder(t *testing.T) {
	t.Parallel()
	o := NewOutbox(OutboxSize(8))
	defer o.Close()

	var (
		mu  sync.Mutex
		got []int
		wg  sync.WaitGroup
	)
	for i := 0; i < 5; i++ {
		i := i
		wg.Add(1)
		if err := o.Submit(Job{Name: "n", Run: func(context.Context) error {
			defer wg.Done()
			mu.Lock()
			got = append(got, i)
			mu.Unlock()
			return nil
		}}); err != nil {
			t.Fatalf("submit %d: %v", i, err)
		}
	}
	wg.Wait()
	for i, v := range got {
		if v != i {
			t.Fatalf("order=%v", got)
		}
	}
}

func TestOutboxDropsWhenFull(t *testing.T) {
	t.Parallel()

	var drops int
	var dmu sync.Mutex
	o := NewOutbox(OutboxSize(1), OutboxHooks(func(Job) {
		dmu.Lock()
		drops++
		dmu.Unlock()
	}, nil))
	defer o.Close()

	started := make(chan struct{})
	release := make(chan struct{})
	if err := o.Submit(Job{Name: "block", Run: func(context.Context) error {
		close(started)
		<-release
		return nil
	}}); err != nil {
		t.Fatalf("submit: %v", err)
	}
	<-started

	noop := Job{Name: "noop", Run: func(context.Context) error { return nil }}
	if err := o.Submit(noop); err != nil {
		t.Fatalf("submit queued: %v", err)
	}
	if err := o.Submit(noop); !errors.Is(err, ErrOutboxFull) {
		t.Fatalf("Submit(full) err=%v want=%v", err, ErrOutboxFull)
	}
	close(release)

	dmu.Lock()
	defer dmu.Unlock()
	if drops != 1 {
		t.Fatalf("drops=%d want=1", drops)
	}
}

func TestOutboxRecoversPanics(t *testing.T) {
	t.Parallel()

	failed := make(chan error, 1)
	o := NewOutbox(OutboxHooks(nil, func(_ Job, err error) { failed <- err }))
	defer o.Close()

	_ = o.Submit(Job{Name: "panic", Run: func(context.Context) error { panic("boom") }})
	select {
	case err := <-failed:
		if err == nil {
			t.Fatalf("nil error for panicking job")
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("panic not reported")
	}

	done := make(chan struct{})
	_ = o.Submit(Job{Name: "after", Run: func(context.Context) error { close(done); return nil }})
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("worker died after panic")
	}
}

func TestOutboxClose(t *testing.T) {
	t.Parallel()
	o := NewOutbox()

	running := make(chan struct{})
	cancelled := make(chan struct{})
	_ = o.Submit(Job{Name: "long", Run: func(ctx context.Context) error {
		close(running)
		<-ctx.Done()
		close(cancelled)
		return ctx.Err()
	}})
	<-running

	o.Close()
	o.Close()
	select {
	case <-cancelled:
	default:
		t.Fatalf("running job not cancelled by Close")
	}
	if err := o.Submit(Job{Name: "late", Run: func(context.Context) error { return nil }}); !errors.Is(err, ErrOutboxClosed) {
		t.Fatalf("Submit(closed) err=%v want=%v", err, ErrOutboxClosed)
	}
}

func TestRateLimiterWindow(t *testing.T) {
	t.Parallel()
	rl := NewRateLimiter(2, time.Second)
	t0 := time.Unix(1000, 0)

	if !rl.Allow(t0) || !rl.Allow(t0.Add(100*time.Millisecond)) {
		t.Fatalf("first two events denied")
	}
	if rl.Allow(t0.Add(500 * time.Millisecond)) {
		t.Fatalf("third event inside window allowed")
	}
	if !rl.Allow(t0.Add(time.Second + time.Millisecond)) {
		t.Fatalf("event after first expired denied")
	}
}
