// Package bus is the in-process event fanout used inside one session.
//
// The supervisor publishes typed events; the session loop, the admin event
// stream and tests subscribe. Subscriptions are removed with Close, which
// is idempotent and never closes the delivery channel, so a concurrent
// Publish can not panic.
package bus

import (
	"sync"
	"sync/atomic"
)

const defaultBuffer = 64

// Bus fans out events of type T to its subscribers.
type Bus[T any] struct {
	mu     sync.RWMutex
	subs   map[uint64]*Subscription[T]
	nextID uint64
	closed bool
}

// Subscription receives events on C until Close is called.
type Subscription[T any] struct {
	C <-chan T

	id      uint64
	ch      chan T
	done    chan struct{}
	once    sync.Once
	bus     *Bus[T]
	lossy   bool
	dropped atomic.Uint64
}

// SubscribeOption configures a Subscription.
type SubscribeOption func(*subscribeOptions)

type subscribeOptions struct {
	buffer int
	lossy  bool
}

// WithBuffer sets the delivery queue size.
func WithBuffer(n int) SubscribeOption {
	return func(o *subscribeOptions) {
		if n > 0 {
			o.buffer = n
		}
	}
}

// Lossy makes Publish drop events for this subscriber when its queue is
// full instead of waiting for it.
func Lossy() SubscribeOption {
	return func(o *subscribeOptions) { o.lossy = true }
}

// New constructs an empty Bus.
func New[T any]() *Bus[T] {
	return &Bus[T]{subs: make(map[uint64]*Subscription[T])}
}

// Subscribe registers a new subscriber. Subscribing to a closed bus returns
// a subscription that is already done.
func (b *Bus[T]) Subscribe(opts ...SubscribeOption) *Subscription[T] {
	o := subscribeOptions{buffer: defaultBuffer}
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}

	ch := make(chan T, o.buffer)
	s := &Subscription[T]{C: ch, ch: ch, done: make(chan struct{}), bus: b, lossy: o.lossy}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(s.done)
		return s
	}
	b.nextID++
	s.id = b.nextID
	b.subs[s.id] = s
	return s
}

// Publish delivers ev to every subscriber. Reliable subscribers are waited
// on until they accept the event or close; lossy ones drop under
// backpressure.
func (b *Bus[T]) Publish(ev T) {
	if b == nil {
		return
	}

	b.mu.RLock()
	subs := make([]*Subscription[T], 0, len(b.subs))
	for _, s := range b.subs {
		subs = append(subs, s)
	}
	b.mu.RUnlock()

	for _, s := range subs {
		s.deliver(ev)
	}
}

// Len returns the number of live subscribers.
func (b *Bus[T]) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Close unsubscribes everyone; later subscriptions are born closed.
func (b *Bus[T]) Close() {
	b.mu.Lock()
	b.closed = true
	subs := b.subs
	b.subs = make(map[uint64]*Subscription[T])
	b.mu.Unlock()

	for _, s := range subs {
		s.markDone()
	}
}

func (s *Subscription[T]) deliver(ev T) {
	select {
	case <-s.done:
		return
	default:
	}

	if s.lossy {
		select {
		case s.ch <- ev:
		default:
			s.dropped.Add(1)
		}
		return
	}

	select {
	case s.ch <- ev:
	case <-s.done:
	}
}

// Done is closed once the subscription has been closed.
func (s *Subscription[T]) Done() <-chan struct{} { return s.done }

// Dropped reports how many events a lossy subscriber missed.
func (s *Subscription[T]) Dropped() uint64 { return s.dropped.Load() }

// Close unsubscribes. It is safe to call more than once.
func (s *Subscription[T]) Close() {
	s.markDone()
	s.bus.mu.Lock()
	delete(s.bus.subs, s.id)
	s.bus.mu.Unlock()
}

func (s *Subscription[T]) markDone() {
	s.once.Do(func() { close(s.done) })
}
