package store

import (
	"context"
	"embed"
	"fmt"
	"io/fs"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/tern/v2/migrate"
)

//go:embed migrations/*.sql
var migrations embed.FS

// MigrateDatabase applies the embedded migrations with Tern, tracking
// progress in ops.schema_version.
func MigrateDatabase(ctx context.Context, conn *pgx.Conn) error {
	if _, err := conn.Exec(ctx, `CREATE SCHEMA IF NOT EXISTS ops`); err != nil {
		return fmt.Errorf("ensure ops schema: %w", err)
	}

	migrator, err := migrate.NewMigrator(ctx, conn, "ops.schema_version")
	if err != nil {
		return fmt.Errorf("create migrator: %w", err)
	}

	filesystem, err := fs.Sub(migrations, "migrations")
	if err != nil {
		return fmt.Errorf("open migrations fs: %w", err)
	}
	if err := migrator.LoadMigrations(filesystem); err != nil {
		return fmt.Errorf("load migrations: %w", err)
	}
	if err := migrator.Migrate(ctx); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	return nil
}
