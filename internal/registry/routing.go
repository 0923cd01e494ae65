package registry

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

const routingRuleColumns = `id, from_instance, to_instance, type_pattern, max_retries, ttl_secs, auto_start, created_at`

func scanRoutingRule(row rowScanner) (RoutingRule, error) {
	var r RoutingRule
	var autoStart int
	var createdAt string
	if err := row.Scan(&r.ID, &r.FromInstance, &r.ToInstance, &r.TypePattern, &r.MaxRetries, &r.TTLSecs, &autoStart, &createdAt); err != nil {
		return RoutingRule{}, err
	}
	r.AutoStart = autoStart != 0
	t, err := parseTime(createdAt)
	if err != nil {
		return RoutingRule{}, fmt.Errorf("parsing created_at: %w", err)
	}
	r.CreatedAt = t
	return r, nil
}

// CreateRoutingRuleParams holds the inputs for CreateRoutingRule.
type CreateRoutingRuleParams struct {
	ID           string
	FromInstance string
	ToInstance   string
	TypePattern  string
	MaxRetries   int
	TTLSecs      int
	AutoStart    bool
}

// CreateRoutingRule inserts a new routing rule. Both instances must already
// exist as a precondition the caller (Messaging Engine / lifecycle handler)
// checks before calling this (spec §3: "Both instances must exist at rule
// creation"). Returns Conflict on a duplicate (from, to, type_pattern)
// triple.
func (s *Store) CreateRoutingRule(ctx context.Context, p CreateRoutingRuleParams) (RoutingRule, error) {
	now := time.Now().UTC()
	autoStart := 0
	if p.AutoStart {
		autoStart = 1
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO routing_rules (id, from_instance, to_instance, type_pattern, max_retries, ttl_secs, auto_start, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.FromInstance, p.ToInstance, p.TypePattern, p.MaxRetries, p.TTLSecs, autoStart, formatTime(now),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return RoutingRule{}, NewError(KindConflict, "a routing rule for this (from, to, type) already exists")
		}
		return RoutingRule{}, fmt.Errorf("inserting routing rule: %w", err)
	}
	return RoutingRule{
		ID: p.ID, FromInstance: p.FromInstance, ToInstance: p.ToInstance, TypePattern: p.TypePattern,
		MaxRetries: p.MaxRetries, TTLSecs: p.TTLSecs, AutoStart: p.AutoStart, CreatedAt: now,
	}, nil
}

// ListRoutingRules returns all routing rules, oldest first.
func (s *Store) ListRoutingRules(ctx context.Context) ([]RoutingRule, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+routingRuleColumns+` FROM routing_rules ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("listing routing rules: %w", err)
	}
	defer rows.Close()

	var out []RoutingRule
	for rows.Next() {
		r, err := scanRoutingRule(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning routing rule: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// DeleteRoutingRule removes a routing rule by id.
func (s *Store) DeleteRoutingRule(ctx context.Context, id string) error {
	tag, err := s.db.ExecContext(ctx, `DELETE FROM routing_rules WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting routing rule: %w", err)
	}
	n, err := tag.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// CheckRouteAllowed returns the first matching routing rule (by insertion
// order — i.e. lowest created_at, then id) for (from, to, type), or
// sql.ErrNoRows if none matches. Pattern semantics (spec §3): exact match,
// prefix wildcard "prefix.*" (matches "prefix" and anything beginning with
// "prefix."), or the universal "*".
func (s *Store) CheckRouteAllowed(ctx context.Context, from, to, msgType string) (RoutingRule, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+routingRuleColumns+` FROM routing_rules
		WHERE from_instance = ? AND to_instance = ?
		ORDER BY created_at, id`, from, to)
	if err != nil {
		return RoutingRule{}, fmt.Errorf("querying routing rules: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		r, err := scanRoutingRule(rows)
		if err != nil {
			return RoutingRule{}, fmt.Errorf("scanning routing rule: %w", err)
		}
		if matchTypePattern(r.TypePattern, msgType) {
			return r, nil
		}
	}
	if err := rows.Err(); err != nil {
		return RoutingRule{}, err
	}
	return RoutingRule{}, sql.ErrNoRows
}

// matchTypePattern implements the type_pattern grammar from spec §3:
// literal exact match, prefix wildcard "prefix.*", or universal "*".
func matchTypePattern(pattern, msgType string) bool {
	if pattern == "*" {
		return true
	}
	if strings.HasSuffix(pattern, ".*") {
		prefix := strings.TrimSuffix(pattern, ".*")
		return msgType == prefix || strings.HasPrefix(msgType, prefix+".")
	}
	return pattern == msgType
}
