// Package migrate applies the archive's embedded schema migrations.
package migrate

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"log"
	"sort"
	"strconv"
	"strings"
)

//go:embed migrations/*.sql
var migrations embed.FS

// Runner applies numbered migrations (NNN_name.sql) in order.
type Runner struct{ db *sql.DB }

// NewRunner returns a runner for db.
func NewRunner(db *sql.DB) *Runner {
	return &Runner{db: db}
}

type migration struct {
	version int
	name    string
	sql     string
}

func loadMigrations() ([]migration, error) {
	entries, err := fs.ReadDir(migrations, "migrations")
	if err != nil {
		return nil, fmt.Errorf("migrate: read embedded migrations: %w", err)
	}

	var migs []migration
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".sql") {
			continue
		}
		prefix, _, ok := strings.Cut(e.Name(), "_")
		if !ok {
			continue
		}
		ver, err := strconv.Atoi(prefix)
		if err != nil {
			return nil, fmt.Errorf("migrate: version of %s: %w", e.Name(), err)
		}
		data, err := migrations.ReadFile("migrations/" + e.Name())
		if err != nil {
			return nil, fmt.Errorf("migrate: read %s: %w", e.Name(), err)
		}
		migs = append(migs, migration{version: ver, name: e.Name(), sql: string(data)})
	}

	sort.Slice(migs, func(i, j int) bool { return migs[i].version < migs[j].version })
	return migs, nil
}

func (r *Runner) ensureTable(ctx context.Context) error {
	_, err := r.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		version    INTEGER PRIMARY KEY,
		name       VARCHAR NOT NULL,
		applied_at TIMESTAMP DEFAULT current_timestamp
	)`)
	if err != nil {
		return fmt.Errorf("migrate: create schema_migrations: %w", err)
	}
	return nil
}

func (r *Runner) applied(ctx context.Context) (int, error) {
	var v sql.NullInt64
	if err := r.db.QueryRowContext(ctx, "SELECT MAX(version) FROM schema_migrations").Scan(&v); err != nil {
		return 0, fmt.Errorf("migrate: read applied version: %w", err)
	}
	return int(v.Int64), nil
}

// Run applies every pending migration, each in its own transaction.
func (r *Runner) Run(ctx context.Context) error {
	if err := r.ensureTable(ctx); err != nil {
		return err
	}
	migs, err := loadMigrations()
	if err != nil {
		return err
	}
	current, err := r.applied(ctx)
	if err != nil {
		return err
	}

	for _, m := range migs {
		if m.version <= current {
			continue
		}
		if err := r.apply(ctx, m); err != nil {
			return err
		}
		log.Printf("migrate: applied %s", m.name)
	}
	return nil
}

func (r *Runner) apply(ctx context.Context, m migration) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("migrate: begin %s: %w", m.name, err)
	}
	if _, err := tx.ExecContext(ctx, m.sql); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("migrate: exec %s: %w", m.name, err)
	}
	if _, err := tx.ExecContext(ctx, "INSERT INTO schema_migrations (version, name) VALUES (?, ?)", m.version, m.name); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("migrate: record %s: %w", m.name, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("migrate: commit %s: %w", m.name, err)
	}
	return nil
}

// Status returns the applied version and the number of pending migrations.
func (r *Runner) Status(ctx context.Context) (current, pending int, err error) {
	if err = r.ensureTable(ctx); err != nil {
		return 0, 0, err
	}
	if current, err = r.applied(ctx); err != nil {
		return 0, 0, err
	}
	migs, err := loadMigrations()
	if err != nil {
		return 0, 0, err
	}
	for _, m := range migs {
		if m.version > current {
			pending++
		}
	}
	return current, pending, nil
}
