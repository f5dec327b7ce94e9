package settings

import (
	"context"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"linkd/cmd/internal/transport"
)

// PostgresStore persists settings in session_features and session_blocklist.
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

// NewPostgresStore constructs a PostgresStore. The pool is owned by the caller.
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

func (s *PostgresStore) Load(ctx context.Context, sessionID string) (Record, error) {
	if err := ctx.Err(); err != nil {
		return Record{}, err
	}
	if strings.TrimSpace(sessionID) == "" {
		return Record{}, ErrInvalidInput
	}

	rows, err := s.pool.Query(ctx,
		`SELECT feature, enabled FROM `+pgIdent(s.schema, "session_features")+` WHERE session_id = $1`,
		sessionID,
	)
	if err != nil {
		return Record{}, err
	}
	saved := make(Features)
	for rows.Next() {
		var (
			name    string
			enabled bool
		)
		if err := rows.Scan(&name, &enabled); err != nil {
			rows.Close()
			return Record{}, err
		}
		saved[Feature(name)] = enabled
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return Record{}, err
	}

	rows, err = s.pool.Query(ctx,
		`SELECT jid FROM `+pgIdent(s.schema, "session_blocklist")+` WHERE session_id = $1 ORDER BY jid ASC`,
		sessionID,
	)
	if err != nil {
		return Record{}, err
	}
	jids, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (transport.JID, error) {
		var j string
		err := row.Scan(&j)
		return transport.JID(j), err
	})
	if err != nil {
		return Record{}, err
	}

	if len(saved) == 0 && len(jids) == 0 {
		return Record{}, ErrNotFound
	}
	return Record{Features: saved.Clone(), Blocklist: jids}, nil
}

// SaveFeatures upserts every recognized feature in one transaction.
func (s *PostgresStore) SaveFeatures(ctx context.Context, sessionID string, f Features) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if strings.TrimSpace(sessionID) == "" {
		return ErrInvalidInput
	}

	table := pgIdent(s.schema, "session_features")
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		for k, v := range f.Clone() {
			if _, err := tx.Exec(ctx,
				`INSERT INTO `+table+` (session_id, feature, enabled, updated_at)
				 VALUES ($1, $2, $3, now())
				 ON CONFLICT (session_id, feature) DO UPDATE SET enabled = EXCLUDED.enabled, updated_at = now()`,
				sessionID, string(k), v,
			); err != nil {
				return err
			}
		}
		return nil
	})
}

// SaveBlocklist replaces the session's blocklist in one transaction.
func (s *PostgresStore) SaveBlocklist(ctx context.Context, sessionID string, jids []transport.JID) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if strings.TrimSpace(sessionID) == "" {
		return ErrInvalidInput
	}

	table := pgIdent(s.schema, "session_blocklist")
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `DELETE FROM `+table+` WHERE session_id = $1`, sessionID); err != nil {
			return err
		}
		for _, j := range jids {
			if _, err := tx.Exec(ctx,
				`INSERT INTO `+table+` (session_id, jid, created_at) VALUES ($1, $2, now())`,
				sessionID, string(j),
			); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *PostgresStore) Delete(ctx context.Context, sessionID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `DELETE FROM `+pgIdent(s.schema, "session_features")+` WHERE session_id = $1`, sessionID); err != nil {
			return err
		}
		_, err := tx.Exec(ctx, `DELETE FROM `+pgIdent(s.schema, "session_blocklist")+` WHERE session_id = $1`, sessionID)
		return err
	})
}

func pgIdent(schema, table string) string {
	return pgx.Identifier{schema, table}.Sanitize()
}
