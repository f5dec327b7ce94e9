package link

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"linkd/cmd/internal/transport"
)

// PostgresStore persists tokens in link_tokens and their linked identities
// in link_members.
type PostgresStore struct {
	pool   *pgxpool.Pool
	schema string
}

// StoreOption configures PostgresStore.
type StoreOption func(*PostgresStore) error

// WithSchema sets the DB schema used by the store (default: "linkd").
func WithSchema(schema string) StoreOption {
	return func(s *PostgresStore) error {
		schema = strings.TrimSpace(schema)
		if schema == "" {
			return ErrInvalidInput
		}
		s.schema = schema
		return nil
	}
}

// NewPostgresStore constructs a PostgresStore.
func NewPostgresStore(pool *pgxpool.Pool, opts ...StoreOption) (*PostgresStore, error) {
	st := &PostgresStore{pool: pool, schema: "linkd"}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(st); err != nil {
			return nil, err
		}
	}
	if st.pool == nil {
		return nil, ErrInvalidInput
	}
	return st, nil
}

// Create inserts a new token row.
func (s *PostgresStore) Create(ctx context.Context, in CreateRecord) (Token, error) {
	if err := ctx.Err(); err != nil {
		return Token{}, err
	}
	if strings.TrimSpace(in.ID) == "" || strings.TrimSpace(in.SessionID) == "" || strings.TrimSpace(in.CodeHash) == "" {
		return Token{}, ErrInvalidInput
	}
	if in.MaxUses <= 0 {
		return Token{}, ErrInvalidInput
	}

	var note *string
	if in.Note != "" {
		note = &in.Note
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO `+pgIdent(s.schema, "link_tokens")+` (
		     id, session_id, code_hash, created_by, created_at, expires_at, max_uses, used_count, note
		   ) VALUES ($1, $2, $3, $4, $5, $6, $7, 0, $8)`,
		in.ID,
		in.SessionID,
		in.CodeHash,
		string(in.CreatedBy),
		in.CreatedAt,
		in.ExpiresAt,
		in.MaxUses,
		note,
	)
	if err != nil {
		if pgIsUniqueViolation(err) {
			return Token{}, ErrConflict
		}
		return Token{}, err
	}

	return Token{
		ID:        in.ID,
		SessionID: in.SessionID,
		CreatedBy: in.CreatedBy,
		CreatedAt: in.CreatedAt,
		ExpiresAt: in.ExpiresAt,
		MaxUses:   in.MaxUses,
		Note:      in.Note,
	}, nil
}

// GetByCodeHash fetches a token and its linked identities.
func (s *PostgresStore) GetByCodeHash(ctx context.Context, sessionID, codeHash string) (Token, error) {
	if err := ctx.Err(); err != nil {
		return Token{}, err
	}
	if strings.TrimSpace(codeHash) == "" {
		return Token{}, ErrInvalidInput
	}
	tok, err := scanToken(s.pool.QueryRow(ctx,
		`SELECT id, session_id, created_by, created_at, expires_at, max_uses, used_count, note
		   FROM `+pgIdent(s.schema, "link_tokens")+`
		  WHERE session_id = $1 AND code_hash = $2`,
		sessionID, codeHash,
	))
	if err != nil {
		return Token{}, err
	}
	tok.Linked, err = s.members(ctx, s.pool, tok.ID)
	if err != nil {
		return Token{}, err
	}
	return tok, nil
}

// Redeem serializes on the token row (SELECT ... FOR UPDATE) so the use
// count and membership insert cannot race.
func (s *PostgresStore) Redeem(ctx context.Context, in RedeemRecord) (Token, bool, error) {
	if err := ctx.Err(); err != nil {
		return Token{}, false, err
	}
	if strings.TrimSpace(in.CodeHash) == "" || in.JID == "" {
		return Token{}, false, ErrInvalidInput
	}
	if in.Now.IsZero() {
		in.Now = time.Now().UTC()
	}

	tokens := pgIdent(s.schema, "link_tokens")
	members := pgIdent(s.schema, "link_members")

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{
		IsoLevel:   pgx.ReadCommitted,
		AccessMode: pgx.ReadWrite,
	})
	if err != nil {
		return Token{}, false, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tok, err := scanToken(tx.QueryRow(ctx,
		`SELECT id, session_id, created_by, created_at, expires_at, max_uses, used_count, note
		   FROM `+tokens+`
		  WHERE session_id = $1 AND code_hash = $2
		  FOR UPDATE`,
		in.SessionID, in.CodeHash,
	))
	if err != nil {
		return Token{}, false, err
	}
	if !tok.ExpiresAt.After(in.Now) {
		return Token{}, false, ErrNotActive
	}

	var already bool
	if err := tx.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM `+members+` WHERE token_id = $1 AND jid = $2)`,
		tok.ID, string(in.JID),
	).Scan(&already); err != nil {
		return Token{}, false, err
	}

	if !already {
		if tok.UsedCount >= tok.MaxUses {
			return Token{}, false, ErrNotActive
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO `+members+` (token_id, jid, linked_at) VALUES ($1, $2, $3)`,
			tok.ID, string(in.JID), in.Now,
		); err != nil {
			return Token{}, false, err
		}
		if _, err := tx.Exec(ctx,
			`UPDATE `+tokens+` SET used_count = used_count + 1 WHERE id = $1`,
			tok.ID,
		); err != nil {
			return Token{}, false, err
		}
		tok.UsedCount++
	}

	tok.Linked, err = s.members(ctx, tx, tok.ID)
	if err != nil {
		return Token{}, false, err
	}
	if err := tx.Commit(ctx); err != nil {
		return Token{}, false, err
	}
	return tok, already, nil
}

func (s *PostgresStore) Unlink(ctx context.Context, sessionID string, jid transport.JID) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	ct, err := s.pool.Exec(ctx,
		`DELETE FROM `+pgIdent(s.schema, "link_members")+` m
		  USING `+pgIdent(s.schema, "link_tokens")+` t
		  WHERE m.token_id = t.id AND t.session_id = $1 AND m.jid = $2`,
		sessionID, string(jid),
	)
	if err != nil {
		return 0, err
	}
	return int(ct.RowsAffected()), nil
}

func (s *PostgresStore) IsLinked(ctx context.Context, sessionID string, jid transport.JID) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	var ok bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (
		     SELECT 1 FROM `+pgIdent(s.schema, "link_members")+` m
		       JOIN `+pgIdent(s.schema, "link_tokens")+` t ON t.id = m.token_id
		      WHERE t.session_id = $1 AND m.jid = $2)`,
		sessionID, string(jid),
	).Scan(&ok)
	return ok, err
}

func (s *PostgresStore) Linked(ctx context.Context, sessionID string) ([]transport.JID, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	rows, err := s.pool.Query(ctx,
		`SELECT DISTINCT m.jid
		   FROM `+pgIdent(s.schema, "link_members")+` m
		   JOIN `+pgIdent(s.schema, "link_tokens")+` t ON t.id = m.token_id
		  WHERE t.session_id = $1
		  ORDER BY m.jid ASC`,
		sessionID,
	)
	if err != nil {
		return nil, err
	}
	return collectJIDs(rows)
}

// DeleteSession removes the session's tokens; memberships cascade.
func (s *PostgresStore) DeleteSession(ctx context.Context, sessionID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := s.pool.Exec(ctx, `DELETE FROM `+pgIdent(s.schema, "link_tokens")+` WHERE session_id = $1`, sessionID)
	return err
}

type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

func (s *PostgresStore) members(ctx context.Context, q querier, tokenID string) ([]transport.JID, error) {
	rows, err := q.Query(ctx,
		`SELECT jid FROM `+pgIdent(s.schema, "link_members")+` WHERE token_id = $1 ORDER BY jid ASC`,
		tokenID,
	)
	if err != nil {
		return nil, err
	}
	return collectJIDs(rows)
}

func collectJIDs(rows pgx.Rows) ([]transport.JID, error) {
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (transport.JID, error) {
		var j string
		err := row.Scan(&j)
		return transport.JID(j), err
	})
}

func scanToken(row pgx.Row) (Token, error) {
	var (
		out       Token
		createdBy string
		note      *string
	)
	err := row.Scan(
		&out.ID,
		&out.SessionID,
		&createdBy,
		&out.CreatedAt,
		&out.ExpiresAt,
		&out.MaxUses,
		&out.UsedCount,
		&note,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Token{}, ErrNotFound
		}
		return Token{}, err
	}
	out.CreatedBy = transport.JID(createdBy)
	if note != nil {
		out.Note = *note
	}
	return out, nil
}

func pgIsUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	return pgErr.Code == "23505" // unique_violation
}

func pgIdent(schema, table string) string {
	return pgx.Identifier{schema, table}.Sanitize()
}
