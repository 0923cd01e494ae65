package registry

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

const messageColumns = `id, from_instance, to_instance, message_type, payload, correlation_id,
	idempotency_key, hop_count, status, retry_count, max_retries,
	next_attempt_at, lease_expires_at, expires_at, created_at, updated_at`

func scanMessage(row rowScanner) (Message, error) {
	var m Message
	var correlationID, idempotencyKey, nextAttemptAt, leaseExpiresAt sql.NullString
	var expiresAt, createdAt, updatedAt string
	var status string

	err := row.Scan(
		&m.ID, &m.FromInstance, &m.ToInstance, &m.MessageType, &m.Payload, &correlationID,
		&idempotencyKey, &m.HopCount, &status, &m.RetryCount, &m.MaxRetries,
		&nextAttemptAt, &leaseExpiresAt, &expiresAt, &createdAt, &updatedAt,
	)
	if err != nil {
		return Message{}, err
	}
	m.Status = MessageStatus(status)
	if correlationID.Valid {
		m.CorrelationID = &correlationID.String
	}
	if idempotencyKey.Valid {
		m.IdempotencyKey = &idempotencyKey.String
	}

	var perr error
	m.NextAttemptAt, perr = parseNullTime(nullableStr(nextAttemptAt))
	if perr != nil {
		return Message{}, fmt.Errorf("parsing next_attempt_at: %w", perr)
	}
	m.LeaseExpiresAt, perr = parseNullTime(nullableStr(leaseExpiresAt))
	if perr != nil {
		return Message{}, fmt.Errorf("parsing lease_expires_at: %w", perr)
	}
	if m.ExpiresAt, perr = parseTime(expiresAt); perr != nil {
		return Message{}, fmt.Errorf("parsing expires_at: %w", perr)
	}
	if m.CreatedAt, perr = parseTime(createdAt); perr != nil {
		return Message{}, fmt.Errorf("parsing created_at: %w", perr)
	}
	if m.UpdatedAt, perr = parseTime(updatedAt); perr != nil {
		return Message{}, fmt.Errorf("parsing updated_at: %w", perr)
	}
	return m, nil
}

func nullableStr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	return &ns.String
}

// CheckIdempotencyKey returns the existing message id for a previously-seen
// idempotency key, or sql.ErrNoRows if unseen.
func (s *Store) CheckIdempotencyKey(ctx context.Context, key string) (string, error) {
	var id string
	err := s.db.QueryRowContext(ctx, `SELECT id FROM messages WHERE idempotency_key = ?`, key).Scan(&id)
	return id, err
}

// EnqueueParams holds the inputs for Enqueue.
type EnqueueParams struct {
	ID             string
	FromInstance   string
	ToInstance     string
	MessageType    string
	Payload        string // already redacted JSON
	CorrelationID  *string
	IdempotencyKey *string
	HopCount       int
	MaxRetries     int
	TTLSecs        int
}

// Enqueue inserts a new queued message and appends a "created" audit event,
// in a single transaction (spec §4.B step 7).
func (s *Store) Enqueue(ctx context.Context, p EnqueueParams) (Message, error) {
	now := time.Now().UTC()
	expiresAt := now.Add(time.Duration(p.TTLSecs) * time.Second)

	m := Message{
		ID: p.ID, FromInstance: p.FromInstance, ToInstance: p.ToInstance, MessageType: p.MessageType,
		Payload: p.Payload, CorrelationID: p.CorrelationID, IdempotencyKey: p.IdempotencyKey,
		HopCount: p.HopCount, Status: MessageQueued, RetryCount: 0, MaxRetries: p.MaxRetries,
		ExpiresAt: expiresAt, CreatedAt: now, UpdatedAt: now,
	}

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO messages (id, from_instance, to_instance, message_type, payload, correlation_id,
				idempotency_key, hop_count, status, retry_count, max_retries, expires_at, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			m.ID, m.FromInstance, m.ToInstance, m.MessageType, m.Payload, m.CorrelationID,
			m.IdempotencyKey, m.HopCount, string(m.Status), m.RetryCount, m.MaxRetries,
			formatTime(m.ExpiresAt), formatTime(m.CreatedAt), formatTime(m.UpdatedAt),
		)
		if err != nil {
			if isUniqueViolation(err) {
				return NewError(KindConflict, "duplicate idempotency key")
			}
			return fmt.Errorf("inserting message: %w", err)
		}
		return logMessageEventTx(ctx, tx, m.ID, "created", nil)
	})
	if err != nil {
		return Message{}, err
	}
	return m, nil
}

// LeasePending selects the oldest eligible queued row for to_instance
// (next_attempt_at null or <= now), transitions it to leased with a 90s
// lease, and appends a "leased" event. Returns sql.ErrNoRows if none are
// eligible (spec §4.B "Lease pipeline", §5 "Lease FIFO").
func (s *Store) LeasePending(ctx context.Context, toInstance string) (*Message, error) {
	var out *Message
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		now := time.Now().UTC()
		row := tx.QueryRowContext(ctx, `
			SELECT `+messageColumns+` FROM messages
			WHERE to_instance = ? AND status = 'queued'
			  AND (next_attempt_at IS NULL OR next_attempt_at <= ?)
			ORDER BY created_at, id
			LIMIT 1`, toInstance, formatTime(now))

		m, err := scanMessage(row)
		if errors.Is(err, sql.ErrNoRows) {
			return err
		}
		if err != nil {
			return fmt.Errorf("scanning lease candidate: %w", err)
		}

		leaseExpires := now.Add(90 * time.Second)
		_, err = tx.ExecContext(ctx, `
			UPDATE messages SET status = 'leased', lease_expires_at = ?, updated_at = ? WHERE id = ?`,
			formatTime(leaseExpires), formatTime(now), m.ID)
		if err != nil {
			return fmt.Errorf("marking message leased: %w", err)
		}
		if err := logMessageEventTx(ctx, tx, m.ID, "leased", nil); err != nil {
			return err
		}

		m.Status = MessageLeased
		m.LeaseExpiresAt = &leaseExpires
		m.UpdatedAt = now
		out = &m
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Acknowledge transitions a leased message to acknowledged (terminal).
// Fails NotFound if the message doesn't exist, Conflict if it isn't
// currently leased (spec §4.B "Acknowledge").
func (s *Store) Acknowledge(ctx context.Context, id string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		var status string
		err := tx.QueryRowContext(ctx, `SELECT status FROM messages WHERE id = ?`, id).Scan(&status)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("checking message status: %w", err)
		}
		if MessageStatus(status) != MessageLeased {
			return NewError(KindConflict, fmt.Sprintf("message is %q, not leased", status))
		}

		now := time.Now().UTC()
		_, err = tx.ExecContext(ctx, `UPDATE messages SET status = 'acknowledged', updated_at = ? WHERE id = ?`, formatTime(now), id)
		if err != nil {
			return fmt.Errorf("acknowledging message: %w", err)
		}
		return logMessageEventTx(ctx, tx, id, "acknowledged", nil)
	})
}

// GetExpiredLeases returns leased rows whose lease_expires_at < now.
func (s *Store) GetExpiredLeases(ctx context.Context, now time.Time) ([]Message, error) {
	return s.queryMessages(ctx, `
		SELECT `+messageColumns+` FROM messages
		WHERE status = 'leased' AND lease_expires_at < ?`, formatTime(now))
}

// GetTTLExpired returns queued or leased rows whose expires_at < now.
func (s *Store) GetTTLExpired(ctx context.Context, now time.Time) ([]Message, error) {
	return s.queryMessages(ctx, `
		SELECT `+messageColumns+` FROM messages
		WHERE status IN ('queued', 'leased') AND expires_at < ?`, formatTime(now))
}

func (s *Store) queryMessages(ctx context.Context, query string, args ...any) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying messages: %w", err)
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning message: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// Retry reschedules a message for redelivery: status=queued,
// lease_expires_at=NULL, retry_count += 1, next_attempt_at = now + delay.
// Appends a "retry_scheduled" event (spec §4.B "Retry backoff").
func (s *Store) Retry(ctx context.Context, id string, delay time.Duration) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		now := time.Now().UTC()
		next := now.Add(delay)
		_, err := tx.ExecContext(ctx, `
			UPDATE messages
			SET status = 'queued', lease_expires_at = NULL, next_attempt_at = ?, retry_count = retry_count + 1, updated_at = ?
			WHERE id = ?`, formatTime(next), formatTime(now), id)
		if err != nil {
			return fmt.Errorf("scheduling retry: %w", err)
		}
		detail := fmt.Sprintf("delay=%s", delay)
		return logMessageEventTx(ctx, tx, id, "retry_scheduled", &detail)
	})
}

// DeadLetter transitions a message to dead_letter and appends a
// "dead_lettered" event with the given reason as detail.
func (s *Store) DeadLetter(ctx context.Context, id, reason string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		now := time.Now().UTC()
		_, err := tx.ExecContext(ctx, `UPDATE messages SET status = 'dead_letter', updated_at = ? WHERE id = ?`, formatTime(now), id)
		if err != nil {
			return fmt.Errorf("dead-lettering message: %w", err)
		}
		return logMessageEventTx(ctx, tx, id, "dead_lettered", &reason)
	})
}

// replayTTLMin and replayTTLMax clamp the recomputed TTL on replay
// (spec §4.B, §5 "Replay-TTL clamp").
const (
	replayTTLMin = 300 * time.Second
	replayTTLMax = 86400 * time.Second
	replayTTLFallback = time.Hour
)

// Replay resets a dead_letter message back to queued with a fresh TTL,
// computed from the original created_at→expires_at span and clamped to
// [5 min, 24 h] (fallback 1 h on parse failure — this is a soft default per
// spec §9 open question resolution, not a hard refusal). Appends both a
// "replayed" and a "queued" event. Only valid on dead_letter rows
// (spec §4.B "Replay").
func (s *Store) Replay(ctx context.Context, id string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		var status, createdAtRaw, expiresAtRaw string
		err := tx.QueryRowContext(ctx, `SELECT status, created_at, expires_at FROM messages WHERE id = ?`, id).Scan(&status, &createdAtRaw, &expiresAtRaw)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("loading message for replay: %w", err)
		}
		if MessageStatus(status) != MessageDeadLetter {
			return NewError(KindConflict, fmt.Sprintf("message is %q, not dead_letter", status))
		}

		originalSpan := replayTTLFallback
		createdAt, cerr := parseTime(createdAtRaw)
		expiresAt, eerr := parseTime(expiresAtRaw)
		if cerr == nil && eerr == nil && expiresAt.After(createdAt) {
			originalSpan = expiresAt.Sub(createdAt)
		}
		newTTL := clampDuration(originalSpan, replayTTLMin, replayTTLMax)

		now := time.Now().UTC()
		newExpires := now.Add(newTTL)
		_, err = tx.ExecContext(ctx, `
			UPDATE messages
			SET status = 'queued', retry_count = 0, next_attempt_at = NULL, lease_expires_at = NULL,
			    expires_at = ?, updated_at = ?
			WHERE id = ?`, formatTime(newExpires), formatTime(now), id)
		if err != nil {
			return fmt.Errorf("replaying message: %w", err)
		}

		if err := logMessageEventTx(ctx, tx, id, "replayed", nil); err != nil {
			return err
		}
		detail := "replay"
		return logMessageEventTx(ctx, tx, id, "queued", &detail)
	})
}

func clampDuration(d, lo, hi time.Duration) time.Duration {
	if d < lo {
		return lo
	}
	if d > hi {
		return hi
	}
	return d
}

// MessageFilters narrows ListMessages / ListDeadLetter results.
type MessageFilters struct {
	FromInstance string
	ToInstance   string
	Status       string
}

// ListMessages returns messages matching filters with offset pagination,
// newest first, plus the total matching count.
func (s *Store) ListMessages(ctx context.Context, f MessageFilters, limit, offset int) ([]Message, int, error) {
	return s.listMessagesFiltered(ctx, f, limit, offset)
}

// ListDeadLetter returns dead_letter messages matching filters (status
// filter is forced to dead_letter regardless of f.Status).
func (s *Store) ListDeadLetter(ctx context.Context, f MessageFilters, limit, offset int) ([]Message, int, error) {
	f.Status = string(MessageDeadLetter)
	return s.listMessagesFiltered(ctx, f, limit, offset)
}

func (s *Store) listMessagesFiltered(ctx context.Context, f MessageFilters, limit, offset int) ([]Message, int, error) {
	where := []string{"1=1"}
	var args []any
	if f.FromInstance != "" {
		where = append(where, "from_instance = ?")
		args = append(args, f.FromInstance)
	}
	if f.ToInstance != "" {
		where = append(where, "to_instance = ?")
		args = append(args, f.ToInstance)
	}
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, f.Status)
	}
	whereClause := strings.Join(where, " AND ")

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM messages WHERE `+whereClause, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("counting messages: %w", err)
	}

	query := `SELECT ` + messageColumns + ` FROM messages WHERE ` + whereClause + ` ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`
	rows, err := s.db.QueryContext(ctx, query, append(args, limit, offset)...)
	if err != nil {
		return nil, 0, fmt.Errorf("listing messages: %w", err)
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scanning message: %w", err)
		}
		out = append(out, m)
	}
	return out, total, rows.Err()
}

// GetMessage returns a single message by id.
func (s *Store) GetMessage(ctx context.Context, id string) (Message, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+messageColumns+` FROM messages WHERE id = ?`, id)
	return scanMessage(row)
}

// GetEvents returns the chronological event history for a message
// (spec §3 "strictly chronological by (created_at, id)").
func (s *Store) GetEvents(ctx context.Context, messageID string) ([]MessageEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, message_id, event_type, detail, created_at FROM message_events
		WHERE message_id = ? ORDER BY created_at, id`, messageID)
	if err != nil {
		return nil, fmt.Errorf("listing message events: %w", err)
	}
	defer rows.Close()

	var out []MessageEvent
	for rows.Next() {
		var e MessageEvent
		var detail sql.NullString
		var createdAt string
		if err := rows.Scan(&e.ID, &e.MessageID, &e.EventType, &detail, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning message event: %w", err)
		}
		if detail.Valid {
			e.Detail = &detail.String
		}
		t, err := parseTime(createdAt)
		if err != nil {
			return nil, fmt.Errorf("parsing event created_at: %w", err)
		}
		e.CreatedAt = t
		out = append(out, e)
	}
	return out, rows.Err()
}

func logMessageEventTx(ctx context.Context, tx *sql.Tx, messageID, eventType string, detail *string) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO message_events (message_id, event_type, detail, created_at)
		VALUES (?, ?, ?, ?)`, messageID, eventType, detail, formatTime(time.Now().UTC()))
	if err != nil {
		return fmt.Errorf("logging message event %q: %w", eventType, err)
	}
	return nil
}

// LogMessageEvent appends a standalone message event outside of any larger
// transaction (used by the delivery worker's lease-expiry reap, spec §4.B
// delivery-worker step (a)).
func (s *Store) LogMessageEvent(ctx context.Context, messageID, eventType string, detail *string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO message_events (message_id, event_type, detail, created_at)
		VALUES (?, ?, ?, ?)`, messageID, eventType, detail, formatTime(time.Now().UTC()))
	if err != nil {
		return fmt.Errorf("logging message event %q: %w", eventType, err)
	}
	return nil
}

// RecordAgentEvent appends an opaque per-instance observability row
// (spec §4.B supplement, for the tasks endpoint).
func (s *Store) RecordAgentEvent(ctx context.Context, instanceName, eventType string, detail *string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO agent_events (instance_name, event_type, detail, created_at)
		VALUES (?, ?, ?, ?)`, instanceName, eventType, detail, formatTime(time.Now().UTC()))
	if err != nil {
		return fmt.Errorf("recording agent event: %w", err)
	}
	return nil
}

// ListAgentEvents returns an instance's recorded events, most recent first.
func (s *Store) ListAgentEvents(ctx context.Context, instanceName string, limit int) ([]AgentEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, instance_name, event_type, detail, created_at FROM agent_events
		WHERE instance_name = ? ORDER BY id DESC LIMIT ?`, instanceName, limit)
	if err != nil {
		return nil, fmt.Errorf("listing agent events: %w", err)
	}
	defer rows.Close()

	var out []AgentEvent
	for rows.Next() {
		var e AgentEvent
		var detail sql.NullString
		var createdAt string
		if err := rows.Scan(&e.ID, &e.InstanceName, &e.EventType, &detail, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning agent event: %w", err)
		}
		if detail.Valid {
			e.Detail = &detail.String
		}
		t, err := parseTime(createdAt)
		if err != nil {
			return nil, err
		}
		e.CreatedAt = t
		out = append(out, e)
	}
	return out, rows.Err()
}

// RecordAgentUsage appends a token/cost accounting row.
func (s *Store) RecordAgentUsage(ctx context.Context, instanceName string, tokensIn, tokensOut int64, costUSD float64) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO agent_usage (instance_name, tokens_in, tokens_out, cost_usd, created_at)
		VALUES (?, ?, ?, ?, ?)`, instanceName, tokensIn, tokensOut, costUSD, formatTime(time.Now().UTC()))
	if err != nil {
		return fmt.Errorf("recording agent usage: %w", err)
	}
	return nil
}

// SummarizeAgentUsage totals token/cost usage for an instance.
func (s *Store) SummarizeAgentUsage(ctx context.Context, instanceName string) (tokensIn, tokensOut int64, costUSD float64, err error) {
	err = s.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(tokens_in),0), COALESCE(SUM(tokens_out),0), COALESCE(SUM(cost_usd),0)
		FROM agent_usage WHERE instance_name = ?`, instanceName).Scan(&tokensIn, &tokensOut, &costUSD)
	if err != nil {
		err = fmt.Errorf("summarizing agent usage: %w", err)
	}
	return
}
