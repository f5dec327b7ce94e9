package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"

	"linkd/cmd/internal/transport"
	v1 "linkd/shared/contracts/bridge/v1"
)

const closeGrace = 2 * time.Second

// handle is one bridged session. The reader goroutine owns events; the
// writer goroutine owns conn writes.
type handle struct {
	p         *Provider
	sessionID string
	conn      *websocket.Conn
	log       *slog.Logger

	events chan transport.Event
	send   chan v1.Envelope

	ctx    context.Context
	cancel context.CancelFunc

	stopping   atomic.Bool
	closeOnce  sync.Once
	readerDone chan struct{}
	writerDone chan struct{}

	mu      sync.Mutex
	pending map[string]chan v1.ResultPayload
}

var _ transport.Handle = (*handle)(nil)

func newHandle(p *Provider, sessionID string, conn *websocket.Conn) *handle {
	ctx, cancel := context.WithCancel(context.Background())
	return &handle{
		p:          p,
		sessionID:  sessionID,
		conn:       conn,
		log:        p.log.With("session", sessionID),
		events:     make(chan transport.Event, defaultEventQueue),
		send:       make(chan v1.Envelope, p.sendQueue),
		ctx:        ctx,
		cancel:     cancel,
		readerDone: make(chan struct{}),
		writerDone: make(chan struct{}),
		pending:    make(map[string]chan v1.ResultPayload),
	}
}

func (h *handle) start() {
	go h.writeLoop()
	if h.p.heartbeat > 0 {
		go h.heartbeatLoop()
	}
	go h.readLoop()
}

func (h *handle) Events() <-chan transport.Event { return h.events }

// Close stops the handle. Events is closed once the reader exits.
func (h *handle) Close() error {
	h.shutdown(websocket.StatusNormalClosure, "bye")
	select {
	case <-h.readerDone:
	case <-time.After(closeGrace):
	}
	return nil
}

func (h *handle) shutdown(code websocket.StatusCode, reason string) {
	h.closeOnce.Do(func() {
		h.stopping.Store(true)
		_ = h.conn.Close(code, reason)
		h.cancel()

		h.mu.Lock()
		for id, ch := range h.pending {
			close(ch)
			delete(h.pending, id)
		}
		h.mu.Unlock()
	})
}

func (h *handle) closing() bool { return h.stopping.Load() }

// ---- requests ----

func (h *handle) SendText(ctx context.Context, to transport.JID, text string) error {
	_, err := h.request(ctx, v1.TypeSendText, v1.SendTextPayload{To: string(to), Text: text})
	return err
}

func (h *handle) SendReaction(ctx context.Context, to transport.JID, key transport.MessageKey, emoji string) error {
	_, err := h.request(ctx, v1.TypeSendReaction, v1.SendReactionPayload{To: string(to), Key: wireKey(key), Emoji: emoji})
	return err
}

func (h *handle) SetPresence(ctx context.Context, presence transport.Presence, to transport.JID) error {
	_, err := h.request(ctx, v1.TypeSetPresence, v1.SetPresencePayload{Presence: string(presence), To: string(to)})
	return err
}

func (h *handle) MarkRead(ctx context.Context, keys ...transport.MessageKey) error {
	if len(keys) == 0 {
		return nil
	}
	wire := make([]v1.MessageKey, 0, len(keys))
	for _, k := range keys {
		wire = append(wire, wireKey(k))
	}
	_, err := h.request(ctx, v1.TypeMarkRead, v1.MarkReadPayload{Keys: wire})
	return err
}

func (h *handle) ListParticipatingGroups(ctx context.Context) ([]transport.JID, error) {
	data, err := h.request(ctx, v1.TypeListGroups, struct{}{})
	if err != nil {
		return nil, err
	}
	var res v1.ListGroupsResult
	if len(data) > 0 {
		if err := json.Unmarshal(data, &res); err != nil {
			return nil, fmt.Errorf("bridge: decode groups: %w", err)
		}
	}
	out := make([]transport.JID, 0, len(res.Groups))
	for _, g := range res.Groups {
		out = append(out, transport.JID(g))
	}
	return out, nil
}

func (h *handle) RequestPairingCode(ctx context.Context, phone string) (string, error) {
	data, err := h.request(ctx, v1.TypeRequestPairingCode, v1.RequestPairingCodePayload{Phone: phone})
	if err != nil {
		return "", err
	}
	var res v1.PairingCodeResult
	if err := json.Unmarshal(data, &res); err != nil {
		return "", fmt.Errorf("bridge: decode pairing code: %w", err)
	}
	if strings.TrimSpace(res.Code) == "" {
		return "", errors.New("bridge: empty pairing code")
	}
	return res.Code, nil
}

func (h *handle) Logout(ctx context.Context) error {
	_, err := h.request(ctx, v1.TypeLogout, struct{}{})
	return err
}

// request enqueues one envelope and waits for the matching result.
func (h *handle) request(ctx context.Context, typ string, payload any) (json.RawMessage, error) {
	if h.closing() {
		return nil, transport.ErrClosed
	}
	env, err := newEnvelope(typ, payload)
	if err != nil {
		return nil, err
	}

	ch := make(chan v1.ResultPayload, 1)
	h.mu.Lock()
	if h.closing() {
		h.mu.Unlock()
		return nil, transport.ErrClosed
	}
	h.pending[env.ID] = ch
	h.mu.Unlock()
	defer h.forget(env.ID)

	select {
	case h.send <- env:
	default:
		return nil, fmt.Errorf("bridge: %s: send queue full", typ)
	}

	ctx, cancel := context.WithTimeout(ctx, h.p.requestTimeout)
	defer cancel()
	select {
	case res, ok := <-ch:
		if !ok {
			return nil, transport.ErrClosed
		}
		if !res.OK {
			return nil, remoteError(res.Error)
		}
		return res.Data, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("bridge: %s: %w", typ, ctx.Err())
	}
}

func (h *handle) forget(id string) {
	h.mu.Lock()
	delete(h.pending, id)
	h.mu.Unlock()
}

func (h *handle) resolve(env v1.Envelope) {
	var res v1.ResultPayload
	if err := json.Unmarshal(env.Payload, &res); err != nil {
		res = v1.ResultPayload{Error: &v1.ErrorPayload{Code: v1.CodeInternal, Message: "bad result payload"}}
	}
	h.mu.Lock()
	ch, ok := h.pending[env.ReplyTo]
	delete(h.pending, env.ReplyTo)
	h.mu.Unlock()
	if !ok {
		h.log.Debug("bridge.result.orphan", "reply_to", env.ReplyTo)
		return
	}
	ch <- res
}

// ---- loops ----

func (h *handle) writeLoop() {
	defer close(h.writerDone)
	for {
		select {
		case <-h.ctx.Done():
			return
		case env := <-h.send:
			if err := writeEnvelope(h.ctx, h.conn, env, h.p.writeTimeout); err != nil {
				if !h.closing() {
					h.log.Info("bridge.write.fail", "close_status", websocket.CloseStatus(err), "err", err)
				}
				h.shutdown(websocket.StatusAbnormalClosure, "write failed")
				return
			}
		}
	}
}

func (h *handle) heartbeatLoop() {
	t := time.NewTicker(h.p.heartbeat)
	defer t.Stop()

	failures := 0
	for {
		select {
		case <-h.ctx.Done():
			return
		case <-t.C:
			ctx, cancel := context.WithTimeout(h.ctx, defaultPingTimeout)
			err := h.conn.Ping(ctx)
			cancel()
			if err != nil {
				failures++
				h.log.Info("bridge.ping.fail", "failures", failures, "err", err)
				if failures >= maxPingFailures {
					h.shutdown(websocket.StatusGoingAway, "heartbeat failed")
					return
				}
				continue
			}
			failures = 0
		}
	}
}

func (h *handle) readLoop() {
	defer close(h.readerDone)
	defer close(h.events)

	for {
		env, err := readEnvelope(h.ctx, h.conn)
		if err != nil {
			kind := classifyReadErr(err)
			if kind == readErrBadJSON {
				h.log.Info("bridge.read.bad_json", "err", err)
				continue
			}
			if !h.closing() {
				h.log.Info("bridge.read.closed", "kind", kind.String(), "close_status", websocket.CloseStatus(err), "err", err)
				h.emit(transport.Event{
					Kind:   transport.EventStateChange,
					State:  transport.ConnClose,
					Reason: transport.ReasonConnectionClosed,
					Err:    err,
				})
			}
			h.shutdown(websocket.StatusNormalClosure, "read ended")
			return
		}
		if err := env.Validate(); err != nil {
			h.log.Info("bridge.read.bad_envelope", "err", err)
			continue
		}
		if ev, ok := h.toEvent(env); ok {
			if !h.emit(ev) {
				return
			}
		}
	}
}

// emit blocks until the consumer takes ev or the handle is closed.
func (h *handle) emit(ev transport.Event) bool {
	select {
	case h.events <- ev:
		return true
	case <-h.ctx.Done():
		return false
	}
}

func (h *handle) toEvent(env v1.Envelope) (transport.Event, bool) {
	switch env.Type {
	case v1.TypeResult:
		h.resolve(env)
		return transport.Event{}, false

	case v1.TypeLinkChallenge:
		var p v1.LinkChallengePayload
		if err := json.Unmarshal(env.Payload, &p); err != nil || p.QR == "" {
			h.log.Info("bridge.read.bad_payload", "type", env.Type)
			return transport.Event{}, false
		}
		return transport.Event{Kind: transport.EventLinkChallenge, QR: p.QR}, true

	case v1.TypeState:
		var p v1.StatePayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			h.log.Info("bridge.read.bad_payload", "type", env.Type)
			return transport.Event{}, false
		}
		ev := transport.Event{
			Kind:   transport.EventStateChange,
			State:  transport.ConnState(p.State),
			Reason: transport.CloseReason(p.Reason),
		}
		if p.Error != "" {
			ev.Err = errors.New(p.Error)
		}
		return ev, true

	case v1.TypeMessage:
		var p v1.MessagePayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			h.log.Info("bridge.read.bad_payload", "type", env.Type)
			return transport.Event{}, false
		}
		return transport.Event{Kind: transport.EventMessage, Message: &transport.Message{
			Key:       localKey(p.Key),
			Sender:    transport.JID(p.Sender),
			Text:      p.Text,
			Timestamp: p.Timestamp,
		}}, true

	case v1.TypeCredentials:
		var p v1.CredentialsPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil || len(p.Credentials) == 0 {
			h.log.Info("bridge.read.bad_payload", "type", env.Type)
			return transport.Event{}, false
		}
		return transport.Event{Kind: transport.EventCredentialsChanged, Credentials: transport.Credentials(p.Credentials)}, true

	case v1.TypeError:
		var p v1.ErrorPayload
		_ = json.Unmarshal(env.Payload, &p)
		h.log.Info("bridge.remote.error", "code", p.Code, "message", p.Message)
		return transport.Event{}, false

	default:
		h.log.Debug("bridge.read.unsupported", "type", env.Type)
		return transport.Event{}, false
	}
}

func wireKey(k transport.MessageKey) v1.MessageKey {
	return v1.MessageKey{RemoteJID: string(k.RemoteJID), ID: k.ID, FromMe: k.FromMe, Participant: string(k.Participant)}
}

func localKey(k v1.MessageKey) transport.MessageKey {
	return transport.MessageKey{RemoteJID: transport.JID(k.RemoteJID), ID: k.ID, FromMe: k.FromMe, Participant: transport.JID(k.Participant)}
}

// ---- read error classification ----

type readErrKind uint8

const (
	readErrUnknown readErrKind = iota
	readErrClose
	readErrCtxDone
	readErrConnClosed
	readErrBadJSON
)

func (k readErrKind) String() string {
	switch k {
	case readErrClose:
		return "close"
	case readErrCtxDone:
		return "ctx_done"
	case readErrConnClosed:
		return "conn_closed"
	case readErrBadJSON:
		return "bad_json"
	default:
		return "unknown"
	}
}

func classifyReadErr(err error) readErrKind {
	var bj errBadJSON
	if errors.As(err, &bj) {
		return readErrBadJSON
	}
	if websocket.CloseStatus(err) != -1 {
		return readErrClose
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return readErrCtxDone
	}
	if errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) {
		return readErrConnClosed
	}
	return readErrUnknown
}
