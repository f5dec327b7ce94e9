package command

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

const (
	defaultOutboxSize = 256
	defaultJobTimeout = 30 * time.Second
)

// Job is one side effect executed off the dispatch path.
type Job struct {
	Name string
	Run  func(ctx context.Context) error
}

// Outbox runs jobs on a single worker in submission order. Submit never
// blocks: a full queue drops the job.
type Outbox struct {
	log     *slog.Logger
	timeout time.Duration
	inline  bool
	onDrop  func(Job)
	onFail  func(Job, error)

	jobs   chan Job
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.RWMutex
	closed bool
	// inlineMu serializes inline jobs so ordering matches the worker mode.
	inlineMu sync.Mutex
}

// OutboxOption configures an Outbox.
type OutboxOption func(*Outbox)

// OutboxSize sets the queue capacity.
func OutboxSize(n int) OutboxOption {
	return func(o *Outbox) {
		if n > 0 {
			o.jobs = make(chan Job, n)
		}
	}
}

// OutboxLogger sets the logger.
func OutboxLogger(l *slog.Logger) OutboxOption {
	return func(o *Outbox) {
		if l != nil {
			o.log = l
		}
	}
}

// OutboxTimeout bounds each job.
func OutboxTimeout(d time.Duration) OutboxOption {
	return func(o *Outbox) {
		if d > 0 {
			o.timeout = d
		}
	}
}

// OutboxHooks registers callbacks for dropped and failed jobs.
func OutboxHooks(onDrop func(Job), onFail func(Job, error)) OutboxOption {
	return func(o *Outbox) {
		o.onDrop = onDrop
		o.onFail = onFail
	}
}

// Inline runs every job inside Submit. Tests use it for determinism.
func Inline() OutboxOption {
	return func(o *Outbox) { o.inline = true }
}

// NewOutbox starts an Outbox. Close releases its worker.
func NewOutbox(opts ...OutboxOption) *Outbox {
	o := &Outbox{
		log:     slog.Default(),
		timeout: defaultJobTimeout,
		jobs:    make(chan Job, defaultOutboxSize),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(o)
		}
	}
	o.ctx, o.cancel = context.WithCancel(context.Background())
	if !o.inline {
		o.wg.Add(1)
		go o.run()
	}
	return o
}

// Submit queues j. It returns ErrOutboxFull or ErrOutboxClosed when the
// job is dropped.
func (o *Outbox) Submit(j Job) error {
	o.mu.RLock()
	if o.closed {
		o.mu.RUnlock()
		return ErrOutboxClosed
	}
	if o.inline {
		o.mu.RUnlock()
		o.inlineMu.Lock()
		defer o.inlineMu.Unlock()
		o.exec(j)
		return nil
	}
	select {
	case o.jobs <- j:
		o.mu.RUnlock()
		return nil
	default:
		o.mu.RUnlock()
		o.log.Warn("outbox.drop", "job", j.Name)
		if o.onDrop != nil {
			o.onDrop(j)
		}
		return ErrOutboxFull
	}
}

// Len returns the number of queued jobs.
func (o *Outbox) Len() int { return len(o.jobs) }

// Close stops the worker. Queued jobs are discarded; a running job sees
// its context cancelled. Close is idempotent.
func (o *Outbox) Close() {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return
	}
	o.closed = true
	o.mu.Unlock()

	o.cancel()
	o.wg.Wait()
}

func (o *Outbox) run() {
	defer o.wg.Done()
	for {
		select {
		case <-o.ctx.Done():
			return
		case j := <-o.jobs:
			o.exec(j)
		}
	}
}

func (o *Outbox) exec(j Job) {
	ctx, cancel := context.WithTimeout(o.ctx, o.timeout)
	defer cancel()

	err := func() (err error) {
		defer func() {
			if p := recover(); p != nil {
				err = fmt.Errorf("panic: %v", p)
			}
		}()
		return j.Run(ctx)
	}()
	if err != nil {
		o.log.Warn("outbox.job.fail", "job", j.Name, "err", err)
		if o.onFail != nil {
			o.onFail(j, err)
		}
	}
}
