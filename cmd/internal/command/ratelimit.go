package command

import (
	"sync"
	"time"

	"linkd/cmd/internal/transport"
)

const (
	rateLimitEvents = 20
	rateLimitWindow = 30 * time.Second

	maxTrackedSenders = 4096
)

// RateLimiter is a per-sender sliding-window limiter.
type RateLimiter struct {
	mu     sync.Mutex
	events []time.Time
	limit  int
	window time.Duration
}

// NewRateLimiter constructs a RateLimiter with safe defaults when inputs are invalid.
func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	if limit <= 0 {
		limit = rateLimitEvents
	}
	if window <= 0 {
		window = rateLimitWindow
	}
	return &RateLimiter{
		events: make([]time.Time, 0, limit+8),
		limit:  limit,
		window: window,
	}
}

// Allow reports whether an event at time "now" should be permitted.
func (r *RateLimiter) Allow(now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.pruneLocked(now)
	if len(r.events) >= r.limit {
		return false
	}
	r.events = append(r.events, now)
	return true
}

func (r *RateLimiter) idle(now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pruneLocked(now)
	return len(r.events) == 0
}

func (r *RateLimiter) pruneLocked(now time.Time) {
	cut := now.Add(-r.window)
	dst := r.events[:0]
	for _, t := range r.events {
		if t.After(cut) {
			dst = append(dst, t)
		}
	}
	r.events = dst
}

// senderLimits keeps one RateLimiter per sender.
type senderLimits struct {
	mu     sync.Mutex
	limit  int
	window time.Duration
	by     map[transport.JID]*RateLimiter
}

func newSenderLimits(limit int, window time.Duration) *senderLimits {
	return &senderLimits{limit: limit, window: window, by: make(map[transport.JID]*RateLimiter)}
}

func (s *senderLimits) Allow(sender transport.JID, now time.Time) bool {
	s.mu.Lock()
	rl, ok := s.by[sender]
	if !ok {
		if len(s.by) >= maxTrackedSenders {
			for j, l := range s.by {
				if l.idle(now) {
					delete(s.by, j)
				}
			}
		}
		rl = NewRateLimiter(s.limit, s.window)
		s.by[sender] = rl
	}
	s.mu.Unlock()
	return rl.Allow(now)
}
