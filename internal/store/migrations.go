package store

import (
	"context"
	"embed"
	"io/fs"
	"sort"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

const migrationLockKey = 4_242_001

// RunMigrations executes the embedded SQL migrations in lexical order,
// skipping files already recorded in schema_migrations. Everything runs in one
// transaction holding a transaction-scoped advisory lock, so the api and worker
// processes never migrate concurrently and a failed file leaves no partial
// schema behind.
func (s *Store) RunMigrations(ctx context.Context) error {
	log := zap.L().With(zap.String("component", "store.migrate"))

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "store: begin migration tx")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, migrationLockKey); err != nil {
		return eris.Wrap(err, "store: acquire migration lock")
	}

	if _, err := tx.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			filename   TEXT PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`); err != nil {
		return eris.Wrap(err, "store: ensure schema_migrations")
	}

	applied, err := appliedMigrations(ctx, tx)
	if err != nil {
		return err
	}

	var ran []string
	for _, name := range MigrationNames() {
		if applied[name] {
			continue
		}
		content, err := migrationFiles.ReadFile("migrations/" + name)
		if err != nil {
			return eris.Wrapf(err, "store: read migration %s", name)
		}
		sql := strings.TrimSpace(string(content))
		if sql == "" {
			continue
		}
		if _, err := tx.Exec(ctx, sql); err != nil {
			return eris.Wrapf(err, "store: exec migration %s", name)
		}
		if _, err := tx.Exec(ctx, `INSERT INTO schema_migrations (filename) VALUES ($1)`, name); err != nil {
			return eris.Wrapf(err, "store: record migration %s", name)
		}
		ran = append(ran, name)
	}

	if err := tx.Commit(ctx); err != nil {
		return eris.Wrap(err, "store: commit migrations")
	}
	for _, name := range ran {
		log.Info("migration applied", zap.String("file", name))
	}
	return nil
}

// MigrationNames lists the embedded migration files in apply order.
func MigrationNames() []string {
	entries, err := fs.ReadDir(migrationFiles, "migrations")
	if err != nil {
		return nil
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".sql") {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names
}

func appliedMigrations(ctx context.Context, tx pgx.Tx) (map[string]bool, error) {
	rows, err := tx.Query(ctx, `SELECT filename FROM schema_migrations`)
	if err != nil {
		return nil, eris.Wrap(err, "store: query applied migrations")
	}
	defer rows.Close()

	applied := make(map[string]bool)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, eris.Wrap(err, "store: scan migration row")
		}
		applied[name] = true
	}
	return applied, eris.Wrap(rows.Err(), "store: iterate migrations")
}
