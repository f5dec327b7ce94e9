package link

import (
	"context"
	"time"

	"linkd/cmd/internal/transport"
)

// CreateRecord is a normalized token insert payload.
type CreateRecord struct {
	ID        string
	SessionID string
	CodeHash  string
	CreatedBy transport.JID
	CreatedAt time.Time
	ExpiresAt time.Time
	MaxUses   int
	Note      string
}

// RedeemRecord describes one redemption attempt.
type RedeemRecord struct {
	SessionID string
	CodeHash  string
	JID       transport.JID
	Now       time.Time
}

// Store is the persistence boundary for link tokens. Implementations must
// make Redeem atomic: the linked-set insert and the use count move together.
type Store interface {
	// Create returns ErrConflict when the session already has a token with
	// the same code hash.
	Create(ctx context.Context, in CreateRecord) (Token, error)
	GetByCodeHash(ctx context.Context, sessionID, codeHash string) (Token, error)
	// Redeem links in.JID. already is true when the identity was linked to
	// the token before and no use was consumed. Returns ErrNotFound, or
	// ErrNotActive when the token expired or, for a new identity, is used up.
	Redeem(ctx context.Context, in RedeemRecord) (tok Token, already bool, err error)
	// Unlink removes jid from every token of the session.
	Unlink(ctx context.Context, sessionID string, jid transport.JID) (int, error)
	IsLinked(ctx context.Context, sessionID string, jid transport.JID) (bool, error)
	Linked(ctx context.Context, sessionID string) ([]transport.JID, error)
	DeleteSession(ctx context.Context, sessionID string) error
}
