// Package migrate applies versioned schema changes and records them in a
// schema_migrations table. It only uses SQL understood by both postgres and
// sqlite.
package migrate

import (
	"context"
	"database/sql"
	"fmt"
	"sort"

	"github.com/go-logr/logr"
)

// Migration is one schema step. Versions must be unique and positive.
type Migration struct {
	Version int
	Name    string
	SQL     string
}

// Run applies every migration whose version is not yet recorded, in version
// order. Each migration runs in its own transaction together with its
// schema_migrations row. It returns the number of migrations applied.
func Run(ctx context.Context, db *sql.DB, migrations []Migration) (int, error) {
	if _, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
    version INTEGER PRIMARY KEY,
    applied_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
)`); err != nil {
		return 0, fmt.Errorf("create schema_migrations: %w", err)
	}

	applied, err := appliedVersions(ctx, db)
	if err != nil {
		return 0, err
	}

	pending := make([]Migration, 0, len(migrations))
	seen := map[int]struct{}{}
	for _, m := range migrations {
		if m.Version <= 0 {
			return 0, fmt.Errorf("migration %q: version must be > 0", m.Name)
		}
		if _, dup := seen[m.Version]; dup {
			return 0, fmt.Errorf("migration %q: duplicate version %d", m.Name, m.Version)
		}
		seen[m.Version] = struct{}{}
		if _, ok := applied[m.Version]; !ok {
			pending = append(pending, m)
		}
	}
	sort.Slice(pending, func(i, j int) bool { return pending[i].Version < pending[j].Version })

	logger := logr.FromContextOrDiscard(ctx)
	for _, m := range pending {
		if err := apply(ctx, db, m); err != nil {
			return 0, err
		}
		logger.Info("Applied schema migration", "version", m.Version, "name", m.Name)
	}
	return len(pending), nil
}

func appliedVersions(ctx context.Context, db *sql.DB) (map[int]struct{}, error) {
	rows, err := db.QueryContext(ctx, `SELECT version FROM schema_migrations`)
	if err != nil {
		return nil, fmt.Errorf("list schema_migrations: %w", err)
	}
	defer rows.Close()
	applied := map[int]struct{}{}
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		applied[v] = struct{}{}
	}
	return applied, rows.Err()
}

func apply(ctx context.Context, db *sql.DB, m Migration) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("migration %d: %w", m.Version, err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, m.SQL); err != nil {
		return fmt.Errorf("migration %d (%s): %w", m.Version, m.Name, err)
	}
	if _, err := tx.ExecContext(ctx, fmt.Sprintf(`INSERT INTO schema_migrations (version) VALUES (%d)`, m.Version)); err != nil {
		return fmt.Errorf("record migration %d: %w", m.Version, err)
	}
	return tx.Commit()
}
