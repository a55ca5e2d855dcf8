package sqlutil

import (
	"context"
	"database/sql"
	"fmt"
)

// Migration is a single idempotent schema change applied after a substore's
// CREATE TABLE IF NOT EXISTS statement has run, for changes that IF NOT
// EXISTS can't express (new columns, backfills, renames).
type Migration struct {
	// Version names the migration uniquely and is recorded in the
	// matrixcache_migrations table so it runs at most once.
	Version string
	Up      func(ctx context.Context, tx *sql.Tx) error
}

// Migrator runs a substore's migrations in the order they were added,
// recording each applied Version so restarts don't reapply it.
type Migrator struct {
	db         *sql.DB
	migrations []Migration
}

func NewMigrator(db *sql.DB) *Migrator {
	return &Migrator{db: db}
}

func (m *Migrator) AddMigrations(migrations ...Migration) {
	m.migrations = append(m.migrations, migrations...)
}

func (m *Migrator) Up(ctx context.Context) error {
	if _, err := m.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS matrixcache_migrations (
			version TEXT PRIMARY KEY,
			applied_at INTEGER NOT NULL DEFAULT (strftime('%s', 'now'))
		);
	`); err != nil {
		return fmt.Errorf("sqlutil: creating migrations table: %w", err)
	}

	for _, migration := range m.migrations {
		applied, err := m.isApplied(ctx, migration.Version)
		if err != nil {
			return err
		}
		if applied {
			continue
		}
		if err := m.apply(ctx, migration); err != nil {
			return fmt.Errorf("sqlutil: migration %q: %w", migration.Version, err)
		}
	}
	return nil
}

func (m *Migrator) isApplied(ctx context.Context, version string) (bool, error) {
	var count int
	err := m.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM matrixcache_migrations WHERE version = $1`, version).Scan(&count)
	return count > 0, err
}

func (m *Migrator) apply(ctx context.Context, migration Migration) error {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := migration.Up(ctx, tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO matrixcache_migrations (version) VALUES ($1)`, migration.Version); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}
