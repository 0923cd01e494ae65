// Package registry is the Registry Store: the single SQLite database that
// backs instances, routing rules, messages, flows, and key-value state. It
// owns the only *sql.DB in the process; every other package receives a
// *registry.Store by reference and never opens its own connection.
package registry

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// Store wraps the SQLite connection and exposes typed operations for every
// entity in the data model (spec §3).
//
// Go's database/sql connection pool plays the role the source's explicit
// "blocking worker pool" design note (spec §9) calls for: SQLite only
// tolerates one writer at a time, so the pool is capped at a single open
// connection, and every query — read or write — is funneled through it.
// This gets the same serialization guarantee as a hand-rolled worker queue
// without reimplementing goroutine scheduling Go already provides.
type Store struct {
	db *sql.DB
}

// Open creates the CP root directory if needed, opens the SQLite file at
// <root>/registry.db, applies PRAGMAs and migrations, and returns a ready
// Store.
func Open(ctx context.Context, root string) (*Store, error) {
	if err := os.MkdirAll(root, 0o700); err != nil {
		return nil, fmt.Errorf("creating cp root %q: %w", root, err)
	}

	dbPath := filepath.Join(root, "registry.db")
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening registry db: %w", err)
	}

	// SQLite allows only one writer; a single-connection pool serializes
	// every statement (reads included) through the driver, which is simpler
	// and safer than racing WAL readers against a writer holding the lock.
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	}
	for _, p := range pragmas {
		if _, err := db.ExecContext(ctx, p); err != nil {
			db.Close()
			return nil, fmt.Errorf("applying pragma %q: %w", p, err)
		}
	}

	s := &Store{db: db}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrating registry db: %w", err)
	}

	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the raw *sql.DB for callers that need direct access (tests,
// ad-hoc diagnostics). Domain code should prefer the typed methods.
func (s *Store) DB() *sql.DB { return s.db }

// Ping verifies the registry database connection is alive, for readiness
// checks.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}
