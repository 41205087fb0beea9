// Package duckdb is the local detection archive.
package duckdb

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/duckdb/duckdb-go/v2"

	"github.com/tinytelemetry/sfdwatch/internal/duckdb/migrate"
)

const defaultQueryTimeout = 30 * time.Second

// Store wraps the DuckDB connection. Writes take the exclusive lock, reads
// the shared one.
type Store struct {
	db           *sql.DB
	mu           sync.RWMutex
	dbPath       string
	QueryTimeout time.Duration
}

// NewStore opens or creates the archive at dbPath and applies migrations.
// An empty dbPath opens an in-memory database.
func NewStore(dbPath string, queryTimeout ...time.Duration) (*Store, error) {
	if dbPath != "" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
			return nil, fmt.Errorf("duckdb: mkdir: %w", err)
		}
	}

	db, err := sql.Open("duckdb", dbPath)
	if err != nil {
		return nil, fmt.Errorf("duckdb: open %q: %w", dbPath, err)
	}

	qt := defaultQueryTimeout
	if len(queryTimeout) > 0 && queryTimeout[0] > 0 {
		qt = queryTimeout[0]
	}

	ctx, cancel := context.WithTimeout(context.Background(), qt)
	defer cancel()
	if err := migrate.NewRunner(db).Run(ctx); err != nil {
		db.Close()
		return nil, err
	}

	return &Store{
		db:           db,
		dbPath:       dbPath,
		QueryTimeout: qt,
	}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) queryCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), s.QueryTimeout)
}
