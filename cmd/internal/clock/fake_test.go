package clock

import (
	"testing"
	"time"
)

func TestFakeClockFiresInDeadlineOrder(t *testing.T) {
	t.Parallel()

	start := time.Unix(0, 0).UTC()
	c := Fake(start)

	var order []string
	c.AfterFunc(3*time.Second, func() { order = append(order, "c") })
	c.AfterFunc(1*time.Second, func() { order = append(order, "a") })
	c.AfterFunc(2*time.Second, func() { order = append(order, "b") })

	c.Advance(2 * time.Second)
	if len(order) != 2 || order[0] != "a" || order[1] != "b" {
		t.Fatalf("after 2s order=%v want=[a b]", order)
	}
	if got := c.Now(); !got.Equal(start.Add(2 * time.Second)) {
		t.Fatalf("Now()=%v want=%v", got, start.Add(2*time.Second))
	}

	c.Advance(time.Second)
	if len(order) != 3 || order[2] != "c" {
		t.Fatalf("after 3s order=%v want=[a b c]", order)
	}
}

func TestFakeClockStop(t *testing.T) {
	t.Parallel()

	c := Fake(time.Unix(0, 0).UTC())
	fired := false
	tm := c.AfterFunc(time.Second, func() { fired = true })

	if !tm.Stop() {
		t.Fatalf("first Stop()=false want=true")
	}
	if tm.Stop() {
		t.Fatalf("second Stop()=true want=false")
	}
	c.Advance(5 * time.Second)
	if fired {
		t.Fatalf("stopped timer fired")
	}
	if n := c.Pending(); n != 0 {
		t.Fatalf("Pending()=%d want=0", n)
	}
}

func TestFakeClockRearmInsideCallback(t *testing.T) {
	t.Parallel()

	c := Fake(time.Unix(0, 0).UTC())
	ticks := 0
	var arm func()
	arm = func() {
		c.AfterFunc(10*time.Second, func() {
			ticks++
			arm()
		})
	}
	arm()

	c.Advance(35 * time.Second)
	if ticks != 3 {
		t.Fatalf("ticks=%d want=3", ticks)
	}
	if n := c.Pending(); n != 1 {
		t.Fatalf("Pending()=%d want=1", n)
	}
}

func TestFakeClockObservesTimeInsideCallback(t *testing.T) {
	t.Parallel()

	start := time.Unix(0, 0).UTC()
	c := Fake(start)
	var seen time.Time
	c.AfterFunc(4*time.Second, func() { seen = c.Now() })
	c.Advance(10 * time.Second)

	if !seen.Equal(start.Add(4 * time.Second)) {
		t.Fatalf("Now() inside callback=%v want=%v", seen, start.Add(4*time.Second))
	}
}
