package registry

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const flowVersionColumns = `id, flow_name, version, definition_json, author, origin, status, created_at`

func scanFlowVersion(row rowScanner) (FlowVersion, error) {
	var v FlowVersion
	var origin sql.NullString
	var author, status, createdAt string

	if err := row.Scan(&v.ID, &v.FlowName, &v.Version, &v.DefinitionJSON, &author, &origin, &status, &createdAt); err != nil {
		return FlowVersion{}, err
	}
	v.Author = FlowVersionAuthor(author)
	v.Status = FlowVersionStatus(status)
	if origin.Valid {
		v.Origin = origin.String
	}
	t, err := parseTime(createdAt)
	if err != nil {
		return FlowVersion{}, fmt.Errorf("parsing created_at: %w", err)
	}
	v.CreatedAt = t
	return v, nil
}

// CreateFlowVersionParams holds the inputs for CreateFlowVersion.
type CreateFlowVersionParams struct {
	FlowName       string
	DefinitionJSON string
	Author         FlowVersionAuthor
	Origin         string
	Status         FlowVersionStatus
}

// CreateFlowVersion inserts a new version row whose version number is one
// greater than the highest existing version for flow_name (monotone
// per-name versioning, spec §4.E/§4.F — "versions never reused, even across
// rejected drafts").
func (s *Store) CreateFlowVersion(ctx context.Context, p CreateFlowVersionParams) (FlowVersion, error) {
	var out FlowVersion
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var maxVersion sql.NullInt64
		err := tx.QueryRowContext(ctx, `SELECT MAX(version) FROM flow_versions WHERE flow_name = ?`, p.FlowName).Scan(&maxVersion)
		if err != nil {
			return fmt.Errorf("finding max version: %w", err)
		}
		next := 1
		if maxVersion.Valid {
			next = int(maxVersion.Int64) + 1
		}

		now := time.Now().UTC()
		res, err := tx.ExecContext(ctx, `
			INSERT INTO flow_versions (flow_name, version, definition_json, author, origin, status, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			p.FlowName, next, p.DefinitionJSON, string(p.Author), nullIfEmpty(p.Origin), string(p.Status), formatTime(now),
		)
		if err != nil {
			return fmt.Errorf("inserting flow version: %w", err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return fmt.Errorf("reading inserted flow version id: %w", err)
		}

		out = FlowVersion{
			ID: id, FlowName: p.FlowName, Version: next, DefinitionJSON: p.DefinitionJSON,
			Author: p.Author, Origin: p.Origin, Status: p.Status, CreatedAt: now,
		}
		return logFlowAuditTx(ctx, tx, p.FlowName, &next, "version_created", string(p.Author), nil)
	})
	if err != nil {
		return FlowVersion{}, err
	}
	return out, nil
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// ActivateVersion deactivates any currently-active version for flow_name and
// activates the given version id, atomically, with an audit event
// (spec §4.F "Operator activation").
func (s *Store) ActivateVersion(ctx context.Context, flowName string, versionID int64, actor string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		var version int
		err := tx.QueryRowContext(ctx, `SELECT version FROM flow_versions WHERE id = ? AND flow_name = ?`, versionID, flowName).Scan(&version)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("loading version to activate: %w", err)
		}

		if _, err := tx.ExecContext(ctx, `
			UPDATE flow_versions SET status = 'deactivated' WHERE flow_name = ? AND status = 'active'`, flowName); err != nil {
			return fmt.Errorf("deactivating current version: %w", err)
		}

		if _, err := tx.ExecContext(ctx, `UPDATE flow_versions SET status = 'active' WHERE id = ?`, versionID); err != nil {
			return fmt.Errorf("activating version: %w", err)
		}

		return logFlowAuditTx(ctx, tx, flowName, &version, "version_activated", actor, nil)
	})
}

// RejectVersion marks a pending_review version as rejected, with an audit
// event carrying the reason.
func (s *Store) RejectVersion(ctx context.Context, versionID int64, actor, reason string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		var flowName string
		var version int
		err := tx.QueryRowContext(ctx, `SELECT flow_name, version FROM flow_versions WHERE id = ?`, versionID).Scan(&flowName, &version)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("loading version to reject: %w", err)
		}

		if _, err := tx.ExecContext(ctx, `UPDATE flow_versions SET status = 'rejected' WHERE id = ?`, versionID); err != nil {
			return fmt.Errorf("rejecting version: %w", err)
		}
		return logFlowAuditTx(ctx, tx, flowName, &version, "version_rejected", actor, &reason)
	})
}

// GetActiveVersion returns the currently active version for flow_name, or
// sql.ErrNoRows if none is active.
func (s *Store) GetActiveVersion(ctx context.Context, flowName string) (FlowVersion, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+flowVersionColumns+` FROM flow_versions WHERE flow_name = ? AND status = 'active'`, flowName)
	return scanFlowVersion(row)
}

// ListPendingReview returns all agent-authored versions awaiting operator
// review, oldest first.
func (s *Store) ListPendingReview(ctx context.Context) ([]FlowVersion, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+flowVersionColumns+` FROM flow_versions WHERE status = 'pending_review' ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("listing pending review versions: %w", err)
	}
	defer rows.Close()

	var out []FlowVersion
	for rows.Next() {
		v, err := scanFlowVersion(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning flow version: %w", err)
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// CountAgentFlows counts distinct agent-authored flow names that currently
// have at least one non-rejected version (spec §4.F: "FlowMaxAgentFlows
// caps distinct agent-authored flow names, not version count").
func (s *Store) CountAgentFlows(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(DISTINCT flow_name) FROM flow_versions
		WHERE author = 'agent' AND status != 'rejected'`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting agent flows: %w", err)
	}
	return n, nil
}

// GetFlowVersionByID returns a flow version by its primary key.
func (s *Store) GetFlowVersionByID(ctx context.Context, id int64) (FlowVersion, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+flowVersionColumns+` FROM flow_versions WHERE id = ?`, id)
	return scanFlowVersion(row)
}

// ListFlowVersions returns every version recorded for flow_name, newest
// first.
func (s *Store) ListFlowVersions(ctx context.Context, flowName string) ([]FlowVersion, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+flowVersionColumns+` FROM flow_versions WHERE flow_name = ? ORDER BY version DESC`, flowName)
	if err != nil {
		return nil, fmt.Errorf("listing flow versions: %w", err)
	}
	defer rows.Close()

	var out []FlowVersion
	for rows.Next() {
		v, err := scanFlowVersion(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning flow version: %w", err)
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func logFlowAuditTx(ctx context.Context, tx *sql.Tx, flowName string, version *int, event, actor string, detail *string) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO flow_audit_log (flow_name, version, event, actor, detail, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`, flowName, version, event, actor, detail, formatTime(time.Now().UTC()))
	if err != nil {
		return fmt.Errorf("logging flow audit event %q: %w", event, err)
	}
	return nil
}

// LogFlowAudit appends a standalone flow audit event outside of any larger
// transaction (e.g. from the timeout ticker).
func (s *Store) LogFlowAudit(ctx context.Context, flowName string, version *int, event, actor string, detail *string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO flow_audit_log (flow_name, version, event, actor, detail, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`, flowName, version, event, actor, detail, formatTime(time.Now().UTC()))
	if err != nil {
		return fmt.Errorf("logging flow audit event %q: %w", event, err)
	}
	return nil
}

// ListFlowAuditLog returns up to limit audit entries for flow_name, newest
// first.
func (s *Store) ListFlowAuditLog(ctx context.Context, flowName string, limit int) ([]FlowAuditLog, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, flow_name, version, event, actor, detail, created_at FROM flow_audit_log
		WHERE flow_name = ? ORDER BY id DESC LIMIT ?`, flowName, limit)
	if err != nil {
		return nil, fmt.Errorf("listing flow audit log: %w", err)
	}
	defer rows.Close()

	var out []FlowAuditLog
	for rows.Next() {
		var a FlowAuditLog
		var version sql.NullInt64
		var actor, detail sql.NullString
		var createdAt string
		if err := rows.Scan(&a.ID, &a.FlowName, &version, &a.Event, &actor, &detail, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning flow audit row: %w", err)
		}
		if version.Valid {
			v := int(version.Int64)
			a.Version = &v
		}
		if actor.Valid {
			a.Actor = actor.String
		}
		if detail.Valid {
			a.Detail = &detail.String
		}
		t, err := parseTime(createdAt)
		if err != nil {
			return nil, fmt.Errorf("parsing flow audit created_at: %w", err)
		}
		a.CreatedAt = t
		out = append(out, a)
	}
	return out, rows.Err()
}

// --- FlowInstance: durable per-chat state ---

func scanFlowInstance(row rowScanner) (FlowInstance, error) {
	var fi FlowInstance
	var anchor sql.NullString
	var startedAt, stepEnteredAt, status string

	if err := row.Scan(&fi.ChatID, &fi.FlowName, &fi.CurrentStep, &startedAt, &stepEnteredAt, &anchor, &status); err != nil {
		return FlowInstance{}, err
	}
	fi.Status = FlowInstanceStatus(status)
	if anchor.Valid {
		fi.AnchorMessageID = &anchor.String
	}
	var err error
	if fi.StartedAt, err = parseTime(startedAt); err != nil {
		return FlowInstance{}, fmt.Errorf("parsing started_at: %w", err)
	}
	if fi.StepEnteredAt, err = parseTime(stepEnteredAt); err != nil {
		return FlowInstance{}, fmt.Errorf("parsing step_entered_at: %w", err)
	}
	return fi, nil
}

const flowInstanceColumns = `chat_id, flow_name, current_step, started_at, step_entered_at, anchor_message_id, status`

// StartFlowInstance creates a new active FlowInstance for chat_id, replacing
// any existing row for that chat (spec §4.E: "starting a flow for a chat
// already mid-flow force-replaces it").
func (s *Store) StartFlowInstance(ctx context.Context, chatID, flowName, startStep string) (FlowInstance, error) {
	now := time.Now().UTC()
	fi := FlowInstance{
		ChatID: chatID, FlowName: flowName, CurrentStep: startStep,
		StartedAt: now, StepEnteredAt: now, Status: FlowInstanceActive,
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO flow_instances (chat_id, flow_name, current_step, started_at, step_entered_at, anchor_message_id, status)
		VALUES (?, ?, ?, ?, ?, NULL, ?)
		ON CONFLICT(chat_id) DO UPDATE SET
			flow_name = excluded.flow_name, current_step = excluded.current_step,
			started_at = excluded.started_at, step_entered_at = excluded.step_entered_at,
			anchor_message_id = NULL, status = excluded.status`,
		chatID, flowName, startStep, formatTime(now), formatTime(now), string(FlowInstanceActive),
	)
	if err != nil {
		return FlowInstance{}, fmt.Errorf("starting flow instance: %w", err)
	}
	return fi, nil
}

// GetFlowInstance returns the live FlowInstance for chat_id, or
// sql.ErrNoRows if the chat has no active flow.
func (s *Store) GetFlowInstance(ctx context.Context, chatID string) (FlowInstance, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+flowInstanceColumns+` FROM flow_instances WHERE chat_id = ?`, chatID)
	return scanFlowInstance(row)
}

// ListFlowInstances returns every live FlowInstance, ordered by chat_id.
func (s *Store) ListFlowInstances(ctx context.Context) ([]FlowInstance, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+flowInstanceColumns+` FROM flow_instances ORDER BY chat_id`)
	if err != nil {
		return nil, fmt.Errorf("listing flow instances: %w", err)
	}
	defer rows.Close()

	var out []FlowInstance
	for rows.Next() {
		fi, err := scanFlowInstance(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning flow instance: %w", err)
		}
		out = append(out, fi)
	}
	return out, rows.Err()
}

// ListFlowInstancesByTimeout returns active flow instances whose
// step_entered_at is older than cutoff, for the timeout ticker
// (spec §4.E "Timeout detection").
func (s *Store) ListFlowInstancesByTimeout(ctx context.Context, cutoff time.Time) ([]FlowInstance, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+flowInstanceColumns+` FROM flow_instances
		WHERE status = 'active' AND step_entered_at < ?`, formatTime(cutoff))
	if err != nil {
		return nil, fmt.Errorf("listing timed-out flow instances: %w", err)
	}
	defer rows.Close()

	var out []FlowInstance
	for rows.Next() {
		fi, err := scanFlowInstance(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning flow instance: %w", err)
		}
		out = append(out, fi)
	}
	return out, rows.Err()
}

// AdvanceFlowInstance moves a live flow to a new step, resetting
// step_entered_at and the anchor message id.
func (s *Store) AdvanceFlowInstance(ctx context.Context, chatID, nextStep string, anchorMessageID *string) error {
	now := time.Now().UTC()
	tag, err := s.db.ExecContext(ctx, `
		UPDATE flow_instances SET current_step = ?, step_entered_at = ?, anchor_message_id = ?
		WHERE chat_id = ? AND status = 'active'`,
		nextStep, formatTime(now), anchorMessageID, chatID,
	)
	if err != nil {
		return fmt.Errorf("advancing flow instance: %w", err)
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

// CompleteFlowInstance atomically removes the live FlowInstance for chat_id
// and appends a terminal FlowHistory row (spec §4.E: "completion is an
// atomic move, never a soft status flip").
func (s *Store) CompleteFlowInstance(ctx context.Context, chatID string, status FlowHistoryStatus) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, `SELECT `+flowInstanceColumns+` FROM flow_instances WHERE chat_id = ?`, chatID)
		fi, err := scanFlowInstance(row)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("loading flow instance to complete: %w", err)
		}

		now := time.Now().UTC()
		_, err = tx.ExecContext(ctx, `
			INSERT INTO flow_history (chat_id, flow_name, final_step, started_at, completed_at, status)
			VALUES (?, ?, ?, ?, ?, ?)`,
			fi.ChatID, fi.FlowName, fi.CurrentStep, formatTime(fi.StartedAt), formatTime(now), string(status),
		)
		if err != nil {
			return fmt.Errorf("inserting flow history: %w", err)
		}

		if _, err := tx.ExecContext(ctx, `DELETE FROM flow_instances WHERE chat_id = ?`, chatID); err != nil {
			return fmt.Errorf("removing live flow instance: %w", err)
		}

		detail := fmt.Sprintf("final_step=%s", fi.CurrentStep)
		return logFlowAuditTx(ctx, tx, fi.FlowName, nil, string(status), "system", &detail)
	})
}

// ListFlowHistory returns completed flow runs, most recent first. An empty
// chatID returns history across all chats; a non-empty chatID scopes it to
// one chat (spec §6 "GET .../flows/history").
func (s *Store) ListFlowHistory(ctx context.Context, chatID string, limit int) ([]FlowHistory, error) {
	var rows *sql.Rows
	var err error
	if chatID == "" {
		rows, err = s.db.QueryContext(ctx, `
			SELECT id, chat_id, flow_name, final_step, started_at, completed_at, status
			FROM flow_history ORDER BY completed_at DESC LIMIT ?`, limit)
	} else {
		rows, err = s.db.QueryContext(ctx, `
			SELECT id, chat_id, flow_name, final_step, started_at, completed_at, status
			FROM flow_history WHERE chat_id = ? ORDER BY completed_at DESC LIMIT ?`, chatID, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("listing flow history: %w", err)
	}
	defer rows.Close()

	var out []FlowHistory
	for rows.Next() {
		var h FlowHistory
		var startedAt, completedAt, status string
		if err := rows.Scan(&h.ID, &h.ChatID, &h.FlowName, &h.FinalStep, &startedAt, &completedAt, &status); err != nil {
			return nil, fmt.Errorf("scanning flow history: %w", err)
		}
		h.Status = FlowHistoryStatus(status)
		var err error
		if h.StartedAt, err = parseTime(startedAt); err != nil {
			return nil, err
		}
		if h.CompletedAt, err = parseTime(completedAt); err != nil {
			return nil, err
		}
		out = append(out, h)
	}
	return out, rows.Err()
}
