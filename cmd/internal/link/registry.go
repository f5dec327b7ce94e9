package link

import (
	"context"
	"errors"
	"strings"
	"time"

	"linkd/cmd/internal/clock"
	"linkd/cmd/internal/ids"
	"linkd/cmd/internal/transport"
	"linkd/cmd/security/token"
)

const (
	defaultTTL        = 24 * time.Hour
	defaultCodeDigits = 6
	maxNoteLen        = 512
	issueAttempts     = 5
)

// Token is a link token as stored. The plain code is never kept.
type Token struct {
	ID        string
	SessionID string
	CreatedBy transport.JID
	CreatedAt time.Time
	ExpiresAt time.Time
	MaxUses   int
	UsedCount int
	Note      string
	Linked    []transport.JID
}

// Active reports whether the token can accept a new identity at now.
func (t Token) Active(now time.Time) bool {
	return t.ExpiresAt.After(now) && t.UsedCount < t.MaxUses
}

// IssueOptions tunes one token. Zero values take the registry defaults
// (single use, 24h).
type IssueOptions struct {
	TTL     time.Duration
	MaxUses int
	Note    string
}

// Registry issues and redeems link codes for every session.
type Registry struct {
	store  Store
	clock  clock.Clock
	hasher token.Hasher
	ttl    time.Duration
	digits int
}

// Option configures the Registry.
type Option func(*Registry) error

// WithClock sets the time source.
func WithClock(c clock.Clock) Option {
	return func(r *Registry) error {
		if c == nil {
			return ErrInvalidInput
		}
		r.clock = c
		return nil
	}
}

// WithHasher sets the code hasher (unkeyed by default).
func WithHasher(h token.Hasher) Option {
	return func(r *Registry) error {
		r.hasher = h
		return nil
	}
}

// WithDefaultTTL sets the lifetime of tokens issued without an explicit TTL.
func WithDefaultTTL(d time.Duration) Option {
	return func(r *Registry) error {
		if d <= 0 {
			return ErrInvalidInput
		}
		r.ttl = d
		return nil
	}
}

// WithCodeDigits sets the length of generated codes.
func WithCodeDigits(n int) Option {
	return func(r *Registry) error {
		if n < 4 || n > 12 {
			return ErrInvalidInput
		}
		r.digits = n
		return nil
	}
}

// NewRegistry constructs a Registry with safe defaults.
func NewRegistry(store Store, opts ...Option) (*Registry, error) {
	if store == nil {
		return nil, ErrInvalidInput
	}
	r := &Registry{store: store, clock: clock.Real(), ttl: defaultTTL, digits: defaultCodeDigits}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(r); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Issue creates a token for sessionID on behalf of adminID and returns the
// plain code. The code is shown once; only its hash is stored.
func (r *Registry) Issue(ctx context.Context, sessionID string, adminID transport.JID, opts IssueOptions) (string, Token, error) {
	if err := ctx.Err(); err != nil {
		return "", Token{}, err
	}
	if strings.TrimSpace(sessionID) == "" || adminID == "" {
		return "", Token{}, ErrInvalidInput
	}
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = r.ttl
	}
	maxUses := opts.MaxUses
	if maxUses <= 0 {
		maxUses = 1
	}
	note := strings.TrimSpace(opts.Note)
	if len(note) > maxNoteLen {
		return "", Token{}, ErrInvalidInput
	}

	now := r.clock.Now()
	for attempt := 0; attempt < issueAttempts; attempt++ {
		code, err := token.NewNumericCode(r.digits)
		if err != nil {
			return "", Token{}, err
		}
		id, err := ids.NewULID(now)
		if err != nil {
			return "", Token{}, err
		}
		tok, err := r.store.Create(ctx, CreateRecord{
			ID:        id,
			SessionID: sessionID,
			CodeHash:  r.hasher.HashHex(code),
			CreatedBy: adminID,
			CreatedAt: now,
			ExpiresAt: now.Add(ttl),
			MaxUses:   maxUses,
			Note:      note,
		})
		if errors.Is(err, ErrConflict) {
			continue
		}
		if err != nil {
			return "", Token{}, err
		}
		return code, tok, nil
	}
	return "", Token{}, ErrConflict
}

// Redeem links requester to the token behind code. Unknown, expired and
// exhausted codes all fail with ErrInvalidCode. Redeeming an unexpired code
// again as an already-linked identity succeeds without consuming a use.
func (r *Registry) Redeem(ctx context.Context, sessionID, code string, requester transport.JID) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	code = strings.TrimSpace(code)
	if strings.TrimSpace(sessionID) == "" || requester == "" {
		return ErrInvalidInput
	}
	if code == "" {
		return ErrInvalidCode
	}

	_, _, err := r.store.Redeem(ctx, RedeemRecord{
		SessionID: sessionID,
		CodeHash:  r.hasher.HashHex(code),
		JID:       requester,
		Now:       r.clock.Now(),
	})
	switch {
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrNotActive):
		return ErrInvalidCode
	case err != nil:
		return err
	}
	return nil
}

// Revoke removes requester from every token of the session and returns how
// many memberships were dropped.
func (r *Registry) Revoke(ctx context.Context, sessionID string, requester transport.JID) (int, error) {
	if strings.TrimSpace(sessionID) == "" || requester == "" {
		return 0, ErrInvalidInput
	}
	return r.store.Unlink(ctx, sessionID, requester)
}

// IsLinked reports whether jid redeemed any token of the session. Links
// outlive token expiry.
func (r *Registry) IsLinked(ctx context.Context, sessionID string, jid transport.JID) (bool, error) {
	if jid == "" {
		return false, nil
	}
	return r.store.IsLinked(ctx, sessionID, jid)
}

// Linked returns the session's linked identities, sorted.
func (r *Registry) Linked(ctx context.Context, sessionID string) ([]transport.JID, error) {
	return r.store.Linked(ctx, sessionID)
}

// Purge drops every token and link of the session.
func (r *Registry) Purge(ctx context.Context, sessionID string) error {
	if strings.TrimSpace(sessionID) == "" {
		return ErrInvalidInput
	}
	return r.store.DeleteSession(ctx, sessionID)
}
