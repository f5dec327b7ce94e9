package app

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/coder/websocket"

	"linkd/cmd/internal/ids"
	"linkd/cmd/internal/supervisor"
	v1 "linkd/shared/contracts/bridge/v1"
)

const (
	eventsWriteTimeout   = 5 * time.Second
	eventsHeartbeatEvery = 25 * time.Second
	eventsPingTimeout    = 5 * time.Second
	eventsMaxPingFails   = 3
)

// handleEvents streams one session's events as session_event envelopes
// until the client leaves or the session is torn down.
func (a *adminAPI) handleEvents(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	sub, err := a.reg.Subscribe(id)
	if err != nil {
		a.writeErr(w, r, err)
		return
	}
	defer sub.Close()

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols:   []string{v1.Subprotocol},
		OriginPatterns: a.cfg.EventOrigins,
	})
	if err != nil {
		a.log.Info("events.accept.fail", "session", id, "err", err)
		return
	}
	defer func() { _ = conn.CloseNow() }()

	// The stream is one-way; CloseRead answers pings and notices the close.
	ctx := conn.CloseRead(r.Context())
	a.log.Info("events.open", "session", id, "remote", r.RemoteAddr)

	hbDone := make(chan struct{})
	hbCtx, hbCancel := context.WithCancel(ctx)
	defer func() {
		hbCancel()
		<-hbDone
	}()
	go func() {
		defer close(hbDone)
		a.eventsHeartbeat(hbCtx, conn, id)
	}()

	for {
		select {
		case <-ctx.Done():
			a.log.Info("events.close", "session", id, "reason", "client_gone")
			return
		case ev := <-sub.C:
			if err := writeSessionEvent(ctx, conn, ev); err != nil {
				a.log.Info("events.write.fail", "session", id, "err", err)
				_ = conn.Close(websocket.StatusAbnormalClosure, "write failed")
				return
			}
		case <-sub.Done():
		drain:
			for {
				select {
				case ev := <-sub.C:
					if err := writeSessionEvent(ctx, conn, ev); err != nil {
						return
					}
				default:
					break drain
				}
			}
			a.log.Info("events.close", "session", id, "reason", "session_ended", "dropped", sub.Dropped())
			_ = conn.Close(websocket.StatusNormalClosure, "session ended")
			return
		}
	}
}

func (a *adminAPI) eventsHeartbeat(ctx context.Context, conn *websocket.Conn, id string) {
	t := time.NewTicker(eventsHeartbeatEvery)
	defer t.Stop()

	failures := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			pctx, cancel := context.WithTimeout(ctx, eventsPingTimeout)
			err := conn.Ping(pctx)
			cancel()
			if err != nil {
				failures++
				a.log.Info("events.ping.fail", "session", id, "failures", failures, "err", err)
				if failures >= eventsMaxPingFails {
					_ = conn.Close(websocket.StatusGoingAway, "heartbeat failed")
					return
				}
				continue
			}
			failures = 0
		}
	}
}

func writeSessionEvent(parent context.Context, conn *websocket.Conn, ev supervisor.Event) error {
	env, err := sessionEnvelope(ev)
	if err != nil {
		return err
	}
	b, err := json.Marshal(env)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(parent, eventsWriteTimeout)
	defer cancel()
	return conn.Write(ctx, websocket.MessageText, b)
}

// sessionEnvelope renders a supervisor event for the admin stream.
func sessionEnvelope(ev supervisor.Event) (v1.Envelope, error) {
	p := v1.SessionEventPayload{
		SessionID: ev.SessionID,
		Kind:      string(ev.Kind),
		At:        ev.At.UTC(),
		From:      string(ev.From),
		State:     string(ev.State),
		Reason:    int(ev.Reason),
		QR:        ev.QR,
		Attempt:   ev.Attempt,
		DelayMS:   ev.Delay.Milliseconds(),
	}
	if ev.Err != nil {
		p.Error = ev.Err.Error()
	}
	if m := ev.Message; m != nil {
		p.Message = &v1.MessageBrief{Sender: string(m.Sender), Chat: string(m.ReplyTo()), Text: m.Text}
	}
	raw, err := json.Marshal(p)
	if err != nil {
		return v1.Envelope{}, err
	}
	id, err := ids.NewULID(ev.At)
	if err != nil {
		return v1.Envelope{}, err
	}
	return v1.Envelope{V: v1.Version, Type: v1.TypeSessionEvent, ID: id, TS: ev.At.UTC(), Payload: raw}, nil
}
