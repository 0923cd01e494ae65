package registry

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// GetKV reads a value from the generic kv_state table (e.g. the Telegram
// update offset cursor). Returns sql.ErrNoRows if the key is unset.
func (s *Store) GetKV(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM kv_state WHERE key = ?`, key).Scan(&value)
	return value, err
}

// SetKV upserts a value into kv_state.
func (s *Store) SetKV(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO kv_state (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
	if err != nil {
		return fmt.Errorf("setting kv_state[%s]: %w", key, err)
	}
	return nil
}

// DeleteKV removes a key from kv_state. A no-op if the key was unset.
func (s *Store) DeleteKV(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM kv_state WHERE key = ?`, key); err != nil {
		return fmt.Errorf("deleting kv_state[%s]: %w", key, err)
	}
	return nil
}

// GetKVOrEmpty reads a value, returning "" instead of an error when unset —
// convenient for callers that treat an absent cursor as the zero value.
func (s *Store) GetKVOrEmpty(ctx context.Context, key string) (string, error) {
	v, err := s.GetKV(ctx, key)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return v, err
}
