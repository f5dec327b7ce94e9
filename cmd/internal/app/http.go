package app

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"linkd/cmd/internal/link"
	"linkd/cmd/internal/metrics"
	"linkd/cmd/internal/pairing"
	"linkd/cmd/internal/registry"
	"linkd/cmd/internal/transport"
)

const maxBodyBytes = 16 << 10

// adminAPI serves the operator surface: health checks, metrics and session control.
type adminAPI struct {
	log     Logger
	cfg     Config
	reg     *registry.Registry
	links   *link.Registry
	metrics *metrics.Metrics

	dbPool    *pgxpool.Pool
	dbEnabled bool
}

func registerHTTP(mux *http.ServeMux, a *adminAPI) {
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})

	mux.HandleFunc("GET /readyz", func(w http.ResponseWriter, r *http.Request) {
		if a.cfg.ReadinessRequireDB && !a.dbEnabled {
			http.Error(w, "db not configured", http.StatusServiceUnavailable)
			return
		}

		if a.dbEnabled && a.dbPool != nil {
			if err := PingDB(r.Context(), a.dbPool, 2*time.Second); err != nil {
				http.Error(w, "db not ready", http.StatusServiceUnavailable)
				a.log.Info("readyz.db.not_ready", "err", err)
				return
			}
		}

		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready\n"))
	})

	if a.metrics != nil {
		mux.Handle("GET /metrics", a.metrics.Handler())
	}

	mux.Handle("GET /v1/sessions", a.guard(a.handleList))
	mux.Handle("GET /v1/sessions/{id}", a.guard(a.handleInfo))
	mux.Handle("POST /v1/sessions/{id}/start", a.guard(a.handleStart))
	mux.Handle("POST /v1/sessions/{id}/stop", a.guard(a.handleStop))
	mux.Handle("POST /v1/sessions/{id}/logout", a.guard(a.handleLogout))
	mux.Handle("GET /v1/sessions/{id}/code", a.guard(a.handleCode))
	mux.Handle("POST /v1/sessions/{id}/pairing-code", a.guard(a.handlePairingCode))
	mux.Handle("GET /v1/sessions/{id}/links", a.guard(a.handleLinked))
	mux.Handle("POST /v1/sessions/{id}/links", a.guard(a.handleIssueLink))
	mux.Handle("GET /v1/sessions/{id}/events", a.guard(a.handleEvents))
}

// guard enforces the admin bearer token when one is configured.
func (a *adminAPI) guard(next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if a.cfg.AdminToken != "" {
			got := bearerToken(r)
			if got == "" || subtle.ConstantTimeCompare([]byte(got), []byte(a.cfg.AdminToken)) != 1 {
				writeError(w, http.StatusUnauthorized, "unauthorized", "missing or invalid admin token")
				return
			}
		}
		next(w, r)
	})
}

// ---- handlers ----

type startRequest struct {
	Phone string `json:"phone"`
}

type sessionsResponse struct {
	Sessions []registry.Info `json:"sessions"`
}

type codeResponse struct {
	Code pairing.Code `json:"code"`
}

type linkRequest struct {
	MaxUses    int    `json:"max_uses"`
	TTLSeconds int    `json:"ttl_seconds"`
	Note       string `json:"note"`
}

type linkResponse struct {
	Code      string    `json:"code"`
	TokenID   string    `json:"token_id"`
	MaxUses   int       `json:"max_uses"`
	ExpiresAt time.Time `json:"expires_at"`
}

type linkedResponse struct {
	Linked []transport.JID `json:"linked"`
}

func (a *adminAPI) handleList(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, sessionsResponse{Sessions: a.reg.ListSessions()})
}

func (a *adminAPI) handleInfo(w http.ResponseWriter, r *http.Request) {
	info, err := a.reg.Info(r.PathValue("id"))
	if err != nil {
		a.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (a *adminAPI) handleStart(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if err := decodeJSON(w, r, maxBodyBytes, &req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	info, err := a.reg.StartSession(r.Context(), r.PathValue("id"), registry.StartOptions{Phone: req.Phone})
	if err != nil {
		a.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (a *adminAPI) handleStop(w http.ResponseWriter, r *http.Request) {
	if err := a.reg.StopSession(r.Context(), r.PathValue("id")); err != nil {
		a.writeErr(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *adminAPI) handleLogout(w http.ResponseWriter, r *http.Request) {
	if err := a.reg.LogoutSession(r.Context(), r.PathValue("id")); err != nil {
		a.writeErr(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *adminAPI) handleCode(w http.ResponseWriter, r *http.Request) {
	c, ok, err := a.reg.ActiveCode(r.PathValue("id"))
	if err != nil {
		a.writeErr(w, r, err)
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "no_code", "no active code")
		return
	}
	writeJSON(w, http.StatusOK, codeResponse{Code: c})
}

func (a *adminAPI) handlePairingCode(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if err := decodeJSON(w, r, maxBodyBytes, &req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	c, err := a.reg.IssuePairingCode(r.Context(), r.PathValue("id"), req.Phone)
	if err != nil {
		a.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, codeResponse{Code: c})
}

func (a *adminAPI) handleLinked(w http.ResponseWriter, r *http.Request) {
	jids, err := a.links.Linked(r.Context(), r.PathValue("id"))
	if err != nil {
		a.writeErr(w, r, err)
		return
	}
	if jids == nil {
		jids = []transport.JID{}
	}
	writeJSON(w, http.StatusOK, linkedResponse{Linked: jids})
}

func (a *adminAPI) handleIssueLink(w http.ResponseWriter, r *http.Request) {
	var req linkRequest
	if err := decodeJSON(w, r, maxBodyBytes, &req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	if req.MaxUses < 0 || req.TTLSeconds < 0 {
		writeError(w, http.StatusBadRequest, "bad_request", "max_uses and ttl_seconds must not be negative")
		return
	}
	id := strings.TrimSpace(r.PathValue("id"))
	if _, err := a.reg.Info(id); err != nil {
		a.writeErr(w, r, err)
		return
	}
	code, tok, err := a.links.Issue(r.Context(), id, a.issuer(), link.IssueOptions{
		TTL:     time.Duration(req.TTLSeconds) * time.Second,
		MaxUses: req.MaxUses,
		Note:    req.Note,
	})
	if err != nil {
		a.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, linkResponse{Code: code, TokenID: tok.ID, MaxUses: tok.MaxUses, ExpiresAt: tok.ExpiresAt})
}

// issuer is the identity recorded as creator of API-issued link tokens.
func (a *adminAPI) issuer() transport.JID {
	if j, err := transport.NormalizeJID(a.cfg.AdminJID, a.cfg.Server); err == nil {
		return j
	}
	return "admin-api"
}

// writeErr maps domain errors onto HTTP status codes.
func (a *adminAPI) writeErr(w http.ResponseWriter, r *http.Request, err error) {
	var ie *pairing.IssueError
	switch {
	case errors.Is(err, registry.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", "session not found")
	case errors.Is(err, registry.ErrInvalidSessionID), errors.Is(err, link.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
	case errors.Is(err, registry.ErrClosed):
		writeError(w, http.StatusServiceUnavailable, "shutting_down", "registry closed")
	case errors.As(err, &ie):
		switch ie.Reason {
		case pairing.ReasonNoPhone:
			writeError(w, http.StatusBadRequest, string(ie.Reason), err.Error())
		case pairing.ReasonRateLimited:
			writeError(w, http.StatusTooManyRequests, string(ie.Reason), err.Error())
		case pairing.ReasonUnsupported, pairing.ReasonNotConnected:
			writeError(w, http.StatusConflict, string(ie.Reason), err.Error())
		default:
			writeError(w, http.StatusBadGateway, string(ie.Reason), err.Error())
		}
	case errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusGatewayTimeout, "timeout", err.Error())
	default:
		a.log.Error("admin.request.fail", "path", r.URL.Path, "err", err)
		writeError(w, http.StatusInternalServerError, "internal", "internal error")
	}
}

// ---- JSON helpers ----

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type errorResponse struct {
	Error apiError `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, errorResponse{Error: apiError{Code: code, Message: msg}})
}

// decodeJSON decodes an optional JSON body; an empty body leaves dst as is.
func decodeJSON(w http.ResponseWriter, r *http.Request, maxBytes int64, dst any) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	defer func() { _ = r.Body.Close() }()

	body := http.MaxBytesReader(w, r.Body, maxBytes)
	dec := json.NewDecoder(body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return err
	}
	// Ensure there is no extra data after the first JSON value.
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return errors.New("extra data after JSON object")
	}
	return nil
}

func bearerToken(r *http.Request) string {
	raw := strings.TrimSpace(r.Header.Get("Authorization"))
	if raw == "" {
		return ""
	}
	parts := strings.SplitN(raw, " ", 2)
	if len(parts) != 2 {
		return ""
	}
	if !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
