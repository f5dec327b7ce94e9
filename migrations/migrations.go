// Package migrations embeds the linkd Postgres schema.
package migrations

import (
	"context"
	"embed"
	"io/fs"
	"sort"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed *.sql
var files embed.FS

// Apply runs every embedded migration, in file name order, against schema.
// The statements are idempotent.
func Apply(ctx context.Context, pool *pgxpool.Pool, schema string) error {
	names, err := fs.Glob(files, "*.sql")
	if err != nil {
		return err
	}
	sort.Strings(names)

	quoted := pgx.Identifier{schema}.Sanitize()
	for _, name := range names {
		raw, err := files.ReadFile(name)
		if err != nil {
			return err
		}
		sql := strings.ReplaceAll(string(raw), "{{schema}}", quoted)
		if _, err := pool.Exec(ctx, sql); err != nil {
			return &Error{File: name, Err: err}
		}
	}
	return nil
}

// Error names the migration file that failed.
type Error struct {
	File string
	Err  error
}

func (e *Error) Error() string { return "migrations: " + e.File + ": " + e.Err.Error() }

func (e *Error) Unwrap() error { return e.Err }
