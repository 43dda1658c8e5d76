// Package migrations embeds the Postgres schema shared by the SQL drivers.
package migrations

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"sort"
)

//go:embed *.sql
var files embed.FS

// ExecFunc runs one SQL script.
type ExecFunc func(ctx context.Context, script string) error

// SQL returns an ExecFunc over a database/sql handle.
func SQL(db interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}) ExecFunc {
	return func(ctx context.Context, script string) error {
		_, err := db.ExecContext(ctx, script)
		return err
	}
}

// Apply runs every migration in name order. Each file is idempotent, so
// Apply is safe on every start and from every replica.
func Apply(ctx context.Context, exec ExecFunc) error {
	names, err := fs.Glob(files, "*.sql")
	if err != nil {
		return fmt.Errorf("listing migrations: %w", err)
	}
	sort.Strings(names)
	for _, name := range names {
		body, err := files.ReadFile(name)
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", name, err)
		}
		if err := exec(ctx, string(body)); err != nil {
			return fmt.Errorf("applying migration %s: %w", name, err)
		}
	}
	return nil
}
