package registry

import (
	"context"
	"sync"
	"time"

	"linkd/cmd/internal/clock"
	"linkd/cmd/internal/settings"
	"linkd/cmd/internal/transport"
)

const heartbeatIOTimeout = 10 * time.Second

// heartbeat keeps an open session visible and, with autoview on, marks
// queued status updates as read.
type heartbeat struct {
	s *session

	mu       sync.Mutex
	gen      uint64
	running  bool
	presence clock.Timer
	poll     clock.Timer
}

func newHeartbeat(s *session) *heartbeat { return &heartbeat{s: s} }

func (h *heartbeat) start() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.running {
		return
	}
	h.running = true
	h.gen++
	h.armLocked(h.gen)
}

func (h *heartbeat) stop() {
	h.mu.Lock()
	h.running = false
	h.gen++
	p, q := h.presence, h.poll
	h.presence, h.poll = nil, nil
	h.mu.Unlock()

	if p != nil {
		p.Stop()
	}
	if q != nil {
		q.Stop()
	}
}

func (h *heartbeat) armLocked(gen uint64) {
	cfg := h.s.r.cfg
	clk := h.s.r.clock
	h.presence = clk.AfterFunc(cfg.PresenceEvery, func() { h.tick(gen, h.sendPresence, true) })
	h.poll = clk.AfterFunc(cfg.StatusPollEvery, func() { h.tick(gen, h.pollStatus, false) })
}

// tick runs fn for generation gen and re-arms the matching timer.
func (h *heartbeat) tick(gen uint64, fn func(ctx context.Context, th transport.Handle) error, presence bool) {
	h.mu.Lock()
	if !h.running || h.gen != gen {
		h.mu.Unlock()
		return
	}
	h.mu.Unlock()

	if th := h.s.sup.Handle(); th != nil {
		ctx, cancel := context.WithTimeout(h.s.ctx, heartbeatIOTimeout)
		if err := fn(ctx, th); err != nil {
			h.s.log.Warn("session.heartbeat.fail", "presence", presence, "err", err)
		}
		cancel()
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.running || h.gen != gen {
		return
	}
	cfg := h.s.r.cfg
	if presence {
		h.presence = h.s.r.clock.AfterFunc(cfg.PresenceEvery, func() { h.tick(gen, h.sendPresence, true) })
	} else {
		h.poll = h.s.r.clock.AfterFunc(cfg.StatusPollEvery, func() { h.tick(gen, h.pollStatus, false) })
	}
}

func (h *heartbeat) sendPresence(ctx context.Context, th transport.Handle) error {
	return th.SetPresence(ctx, transport.PresenceAvailable, "")
}

func (h *heartbeat) pollStatus(ctx context.Context, th transport.Handle) error {
	if !h.s.r.deps.Settings.Enabled(h.s.id, settings.FeatureAutoView) {
		return nil
	}
	keys := h.s.takeStatus()
	if len(keys) == 0 {
		return nil
	}
	return th.MarkRead(ctx, keys...)
}
