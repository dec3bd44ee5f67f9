package db

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"sort"
)

//go:embed migration/*.sql
var migrationFiles embed.FS

// InitSchema applies every migration file in lexical order. The statements
// are idempotent so running it on an existing database is a no-op.
func InitSchema(ctx context.Context, db *sql.DB) error {
	names, err := fs.Glob(migrationFiles, "migration/*.sql")
	if err != nil {
		return fmt.Errorf("failed to list migration files: %w", err)
	}
	sort.Strings(names)

	for _, name := range names {
		schema, err := migrationFiles.ReadFile(name)
		if err != nil {
			return fmt.Errorf("failed to read migration file %s: %w", name, err)
		}

		if _, err := db.ExecContext(ctx, string(schema)); err != nil {
			return fmt.Errorf("failed to execute %s: %w", name, err)
		}
	}

	return nil
}
