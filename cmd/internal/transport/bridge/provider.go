// Package bridge is a transport.Provider that talks to a protocol bridge
// over WebSocket using the bridge v1 envelope.
//
// One WebSocket connection carries one session. Requests are correlated
// with their results by envelope id; everything else the bridge sends is
// turned into transport events.
package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/coder/websocket"

	"linkd/cmd/internal/ids"
	"linkd/cmd/internal/transport"
	v1 "linkd/shared/contracts/bridge/v1"
)

const (
	maxFrameBytes = 1 << 20

	defaultDialTimeout    = 15 * time.Second
	defaultWriteTimeout   = 5 * time.Second
	defaultRequestTimeout = 20 * time.Second
	defaultHeartbeat      = 25 * time.Second
	defaultPingTimeout    = 5 * time.Second
	defaultSendQueue      = 256
	defaultEventQueue     = 256

	maxPingFailures = 3
)

// Provider dials the bridge for every Connect.
type Provider struct {
	url   string
	token string
	log   *slog.Logger
	http  *http.Client

	dialTimeout    time.Duration
	writeTimeout   time.Duration
	requestTimeout time.Duration
	heartbeat      time.Duration
	sendQueue      int
}

// Option configures a Provider.
type Option func(*Provider) error

// WithToken sends "Authorization: Bearer <token>" on the upgrade.
func WithToken(token string) Option {
	return func(p *Provider) error {
		p.token = strings.TrimSpace(token)
		return nil
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(p *Provider) error {
		if l != nil {
			p.log = l
		}
		return nil
	}
}

// WithHTTPClient sets the client used for the upgrade request.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) error {
		p.http = c
		return nil
	}
}

// WithTimeouts overrides the dial, write and per-request timeouts. Zero
// values keep the defaults.
func WithTimeouts(dial, write, request time.Duration) Option {
	return func(p *Provider) error {
		if dial > 0 {
			p.dialTimeout = dial
		}
		if write > 0 {
			p.writeTimeout = write
		}
		if request > 0 {
			p.requestTimeout = request
		}
		return nil
	}
}

// WithHeartbeat sets the ping interval. Zero disables pings.
func WithHeartbeat(d time.Duration) Option {
	return func(p *Provider) error {
		if d < 0 {
			return errors.New("negative heartbeat")
		}
		p.heartbeat = d
		return nil
	}
}

// NewProvider constructs a Provider for a ws:// or wss:// url.
func NewProvider(url string, opts ...Option) (*Provider, error) {
	url = strings.TrimSpace(url)
	if !strings.HasPrefix(url, "ws://") && !strings.HasPrefix(url, "wss://") {
		return nil, fmt.Errorf("bridge: url must be ws:// or wss://, got %q", url)
	}
	p := &Provider{
		url:            url,
		log:            slog.Default(),
		dialTimeout:    defaultDialTimeout,
		writeTimeout:   defaultWriteTimeout,
		requestTimeout: defaultRequestTimeout,
		heartbeat:      defaultHeartbeat,
		sendQueue:      defaultSendQueue,
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(p); err != nil {
			return nil, err
		}
	}
	p.log = p.log.With("component", "bridge")
	return p, nil
}

// Connect dials the bridge, performs the hello handshake and returns a live
// handle. A bridge that rejects the credentials yields
// transport.ErrCredentialsCorrupt.
func (p *Provider) Connect(ctx context.Context, sessionID string, creds transport.Credentials) (transport.Handle, error) {
	dctx, cancel := context.WithTimeout(ctx, p.dialTimeout)
	defer cancel()

	hdr := http.Header{}
	if p.token != "" {
		hdr.Set("Authorization", "Bearer "+p.token)
	}
	conn, _, err := websocket.Dial(dctx, p.url, &websocket.DialOptions{
		HTTPClient:   p.http,
		HTTPHeader:   hdr,
		Subprotocols: []string{v1.Subprotocol},
	})
	if err != nil {
		return nil, fmt.Errorf("bridge: dial: %w", err)
	}
	if sp := conn.Subprotocol(); sp != v1.Subprotocol {
		_ = conn.Close(websocket.StatusProtocolError, "subprotocol required")
		return nil, fmt.Errorf("bridge: subprotocol %q not negotiated", v1.Subprotocol)
	}
	conn.SetReadLimit(maxFrameBytes)

	hello, err := newEnvelope(v1.TypeHello, v1.HelloPayload{SessionID: sessionID, Credentials: creds})
	if err != nil {
		_ = conn.Close(websocket.StatusInternalError, "encode")
		return nil, err
	}
	if err := writeEnvelope(dctx, conn, hello, p.writeTimeout); err != nil {
		_ = conn.Close(websocket.StatusAbnormalClosure, "hello failed")
		return nil, fmt.Errorf("bridge: hello: %w", err)
	}

	env, err := readEnvelope(dctx, conn)
	if err != nil {
		_ = conn.Close(websocket.StatusAbnormalClosure, "hello failed")
		return nil, fmt.Errorf("bridge: hello ack: %w", err)
	}
	switch env.Type {
	case v1.TypeHelloAck:
	case v1.TypeError:
		var ep v1.ErrorPayload
		_ = json.Unmarshal(env.Payload, &ep)
		_ = conn.Close(websocket.StatusNormalClosure, "rejected")
		return nil, remoteError(&ep)
	default:
		_ = conn.Close(websocket.StatusProtocolError, "expected hello_ack")
		return nil, fmt.Errorf("bridge: expected %s, got %s", v1.TypeHelloAck, env.Type)
	}

	h := newHandle(p, sessionID, conn)
	h.start()
	p.log.Debug("bridge.connect.ok", "session", sessionID)
	return h, nil
}

// remoteError maps bridge error codes onto transport errors.
func remoteError(ep *v1.ErrorPayload) error {
	if ep == nil {
		return errors.New("bridge: request failed")
	}
	var base error
	switch ep.Code {
	case v1.CodeCredentialsCorrupt:
		base = transport.ErrCredentialsCorrupt
	case v1.CodePairingUnsupported:
		base = transport.ErrPairingUnsupported
	case v1.CodeRateLimited:
		base = transport.ErrRateLimited
	case v1.CodeNotConnected:
		base = transport.ErrNotConnected
	default:
		return fmt.Errorf("bridge: %s: %s", ep.Code, ep.Message)
	}
	if ep.Message == "" {
		return fmt.Errorf("bridge: %w", base)
	}
	return fmt.Errorf("bridge: %w: %s", base, ep.Message)
}

// ---- envelope IO ----

func newEnvelope(typ string, payload any) (v1.Envelope, error) {
	now := time.Now().UTC()
	id, err := ids.NewULID(now)
	if err != nil {
		return v1.Envelope{}, err
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return v1.Envelope{}, fmt.Errorf("bridge: encode %s: %w", typ, err)
	}
	return v1.Envelope{V: v1.Version, Type: typ, ID: id, TS: now, Payload: raw}, nil
}

func readEnvelope(ctx context.Context, conn *websocket.Conn) (v1.Envelope, error) {
	mt, data, err := conn.Read(ctx)
	if err != nil {
		return v1.Envelope{}, err
	}
	if mt != websocket.MessageText && mt != websocket.MessageBinary {
		return v1.Envelope{}, fmt.Errorf("unsupported message type: %v", mt)
	}
	var env v1.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return v1.Envelope{}, errBadJSON{err}
	}
	return env, nil
}

func writeEnvelope(parent context.Context, conn *websocket.Conn, env v1.Envelope, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	b, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, b)
}

type errBadJSON struct{ err error }

func (e errBadJSON) Error() string { return "bad json: " + e.err.Error() }
func (e errBadJSON) Unwrap() error { return e.err }
