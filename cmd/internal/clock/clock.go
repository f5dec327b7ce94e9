// Package clock abstracts time so session timers (code expiry, reconnect
// backoff, heartbeats) can be driven deterministically in tests.
package clock

import "time"

// Clock is the time source used by every timer-owning component.
type Clock interface {
	Now() time.Time

	// AfterFunc calls f in its own goroutine (Real) or synchronously during
	// Advance (Fake) once d has elapsed.
	AfterFunc(d time.Duration, f func()) Timer
}

// Timer is a cancellable AfterFunc registration.
type Timer interface {
	// Stop reports whether the call prevented the timer from firing.
	Stop() bool
}

// Real returns the wall clock.
func Real() Clock { return realClock{} }

type realClock struct{}

func (realClock) Now() time.Time { return time.Now().UTC() }

func (realClock) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}
