// Package main provides a CI-friendly smoke test for a running linkd.
//
// It validates:
//   - /healthz and /readyz
//   - session start over the admin API
//   - event stream handshake + subprotocol selection
//   - session_event delivery and clean close when the session stops
//
// The bridge does not need to be reachable: a failed connect still
// produces reconnect events.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/coder/websocket"

	v1 "linkd/shared/contracts/bridge/v1"
)

const maxReadBytes = 1 << 20 // 1MiB

type streamClient struct {
	conn  *websocket.Conn
	inbox chan v1.Envelope
	errCh chan error
}

func main() {
	var (
		baseURL = flag.String("url", "http://127.0.0.1:8080", "linkd admin base URL")
		token   = flag.String("token", os.Getenv("LINKD_ADMIN_TOKEN"), "Admin bearer token")
		session = flag.String("session", fmt.Sprintf("smoke-%d", time.Now().Unix()), "Session id to start")
		timeout = flag.Duration("timeout", 7*time.Second, "Per-step timeout")
		verbose = flag.Bool("v", false, "Verbose output")
	)
	flag.Parse()

	base, err := validateBaseURL(*baseURL)
	if err != nil {
		fatalf("invalid -url: %v", err)
	}
	api := &adminClient{base: base, token: *token, http: &http.Client{Timeout: *timeout}}
	root := context.Background()

	status, body, err := api.get(root, "/healthz")
	mustStatus(status, body, err, http.StatusOK, "healthz")
	status, body, err = api.get(root, "/readyz")
	mustStatus(status, body, err, http.StatusOK, "readyz")

	status, body, err = api.post(root, "/v1/sessions/"+url.PathEscape(*session)+"/start")
	mustStatus(status, body, err, http.StatusOK, "start")
	if *verbose {
		fmt.Printf("started: %s\n", strings.TrimSpace(string(body)))
	}

	c := mustConnect(root, wsURL(base, "/v1/sessions/"+url.PathEscape(*session)+"/events"), *token, *timeout)
	defer closeWS(c.conn)

	status, body, err = api.post(root, "/v1/sessions/"+url.PathEscape(*session)+"/stop")
	mustStatus(status, body, err, http.StatusNoContent, "stop")

	states := 0
	for {
		env, ok := c.next(root, *timeout)
		if !ok {
			break
		}
		var p v1.SessionEventPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			fatalf("bad session_event payload: %v", err)
		}
		if p.SessionID != *session {
			fatalf("event for wrong session: got=%q want=%q", p.SessionID, *session)
		}
		if p.Kind == "state" {
			states++
		}
		if *verbose {
			fmt.Printf("event: kind=%s from=%s state=%s reason=%d err=%q\n", p.Kind, p.From, p.State, p.Reason, p.Error)
		}
	}
	if states == 0 {
		fatalf("stream closed without any state event")
	}

	fmt.Printf("OK: session=%s state_events=%d\n", *session, states)
}

type adminClient struct {
	base  *url.URL
	token string
	http  *http.Client
}

func (a *adminClient) get(ctx context.Context, path string) (int, []byte, error) {
	return a.do(ctx, http.MethodGet, path)
}

func (a *adminClient) post(ctx context.Context, path string) (int, []byte, error) {
	return a.do(ctx, http.MethodPost, path)
}

func (a *adminClient) do(ctx context.Context, method, path string) (int, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, method, a.base.String()+path, nil)
	if err != nil {
		return 0, nil, err
	}
	if a.token != "" {
		req.Header.Set("Authorization", "Bearer "+a.token)
	}
	resp, err := a.http.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()
	b, err := io.ReadAll(io.LimitReader(resp.Body, maxReadBytes))
	return resp.StatusCode, b, err
}

func mustStatus(status int, body []byte, err error, want int, step string) {
	if err != nil {
		fatalf("%s: %v", step, err)
	}
	if status != want {
		fatalf("%s: status=%d want=%d body=%s", step, status, want, strings.TrimSpace(string(body)))
	}
}

func validateBaseURL(raw string) (*url.URL, error) {
	u, err := url.Parse(strings.TrimRight(raw, "/"))
	if err != nil {
		return nil, err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return nil, errors.New("missing host")
	}
	return u, nil
}

func wsURL(base *url.URL, path string) string {
	u := *base
	if u.Scheme == "https" {
		u.Scheme = "wss"
	} else {
		u.Scheme = "ws"
	}
	return u.String() + path
}

func mustConnect(parent context.Context, wsURL, token string, stepTimeout time.Duration) *streamClient {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	h := http.Header{}
	if token != "" {
		h.Set("Authorization", "Bearer "+token)
	}

	conn, resp, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		Subprotocols: []string{v1.Subprotocol},
		HTTPHeader:   h,
	})
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		fatalf("connect events: %v", err)
	}
	if got := conn.Subprotocol(); got != v1.Subprotocol {
		fatalf("subprotocol mismatch: got=%q want=%q", got, v1.Subprotocol)
	}
	conn.SetReadLimit(maxReadBytes)

	c := &streamClient{
		conn:  conn,
		inbox: make(chan v1.Envelope, 512),
		errCh: make(chan error, 1),
	}
	c.startReadLoop()
	return c
}

func (c *streamClient) startReadLoop() {
	go func() {
		defer close(c.inbox)

		for {
			_, data, err := c.conn.Read(context.Background())
			if err != nil {
				if websocket.CloseStatus(err) != websocket.StatusNormalClosure {
					c.errCh <- err
				}
				return
			}

			var env v1.Envelope
			if err := json.Unmarshal(data, &env); err != nil {
				c.errCh <- fmt.Errorf("bad json: %w", err)
				return
			}
			if err := env.Validate(); err != nil {
				c.errCh <- fmt.Errorf("bad envelope: %w", err)
				return
			}
			if env.Type != v1.TypeSessionEvent {
				c.errCh <- fmt.Errorf("unexpected envelope type %q", env.Type)
				return
			}

			select {
			case c.inbox <- env:
			default:
				c.errCh <- errors.New("inbox overflow: consumer too slow")
				return
			}
		}
	}()
}

// next returns the next event, or false once the server closed normally.
func (c *streamClient) next(parent context.Context, stepTimeout time.Duration) (v1.Envelope, bool) {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	select {
	case <-ctx.Done():
		fatalf("timeout waiting for session_event: %v", ctx.Err())
	case err := <-c.errCh:
		fatalf("stream error: %v", err)
	case env, ok := <-c.inbox:
		if !ok {
			select {
			case err := <-c.errCh:
				fatalf("stream error: %v", err)
			default:
			}
			return v1.Envelope{}, false
		}
		return env, true
	}
	return v1.Envelope{}, false
}

func closeWS(conn *websocket.Conn) {
	_ = conn.Close(websocket.StatusNormalClosure, "bye")
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "FAIL: "+format+"\n", args...)
	os.Exit(1)
}
