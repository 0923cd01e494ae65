package registry

import (
	"context"
	"fmt"
	"strings"
)

// schema is applied with CREATE TABLE IF NOT EXISTS / CREATE INDEX IF NOT
// EXISTS so migrate() is idempotent across restarts (spec §4.A). It
// deliberately excludes the two partial unique indexes that protect
// "exactly one active row per identity" invariants (active instance names,
// active flow versions) — those are created only after a duplicate scan
// passes, by activeIdentityIndexes below.
const schema = `
CREATE TABLE IF NOT EXISTS instances (
	id               TEXT PRIMARY KEY,
	name             TEXT NOT NULL,
	port             INTEGER NOT NULL,
	config_path      TEXT NOT NULL,
	workspace_dir    TEXT,
	archived_at      TEXT,
	migration_run_id TEXT,
	pid              INTEGER,
	created_at       TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS routing_rules (
	id            TEXT PRIMARY KEY,
	from_instance TEXT NOT NULL,
	to_instance   TEXT NOT NULL,
	type_pattern  TEXT NOT NULL,
	max_retries   INTEGER NOT NULL DEFAULT 5,
	ttl_secs      INTEGER NOT NULL DEFAULT 3600,
	auto_start    INTEGER NOT NULL DEFAULT 0,
	created_at    TEXT NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_routing_rules_unique ON routing_rules(from_instance, to_instance, type_pattern);

CREATE TABLE IF NOT EXISTS messages (
	id               TEXT PRIMARY KEY,
	from_instance    TEXT NOT NULL,
	to_instance      TEXT NOT NULL,
	message_type     TEXT NOT NULL,
	payload          TEXT NOT NULL,
	correlation_id   TEXT,
	idempotency_key  TEXT,
	hop_count        INTEGER NOT NULL DEFAULT 0,
	status           TEXT NOT NULL,
	retry_count      INTEGER NOT NULL DEFAULT 0,
	max_retries      INTEGER NOT NULL,
	next_attempt_at  TEXT,
	lease_expires_at TEXT,
	expires_at       TEXT NOT NULL,
	created_at       TEXT NOT NULL,
	updated_at       TEXT NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_messages_idempotency_key ON messages(idempotency_key) WHERE idempotency_key IS NOT NULL;
CREATE INDEX IF NOT EXISTS idx_messages_to_status ON messages(to_instance, status, next_attempt_at, created_at);
CREATE INDEX IF NOT EXISTS idx_messages_status_expires ON messages(status, expires_at);

CREATE TABLE IF NOT EXISTS message_events (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	message_id TEXT NOT NULL,
	event_type TEXT NOT NULL,
	detail     TEXT,
	created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_message_events_message_id ON message_events(message_id, id);

CREATE TABLE IF NOT EXISTS agent_events (
	id            INTEGER PRIMARY KEY AUTOINCREMENT,
	instance_name TEXT NOT NULL,
	event_type    TEXT NOT NULL,
	detail        TEXT,
	created_at    TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_agent_events_instance ON agent_events(instance_name, id);

CREATE TABLE IF NOT EXISTS agent_usage (
	id            INTEGER PRIMARY KEY AUTOINCREMENT,
	instance_name TEXT NOT NULL,
	tokens_in     INTEGER NOT NULL DEFAULT 0,
	tokens_out    INTEGER NOT NULL DEFAULT 0,
	cost_usd      REAL NOT NULL DEFAULT 0,
	created_at    TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_agent_usage_instance ON agent_usage(instance_name, id);

CREATE TABLE IF NOT EXISTS flow_instances (
	chat_id           TEXT PRIMARY KEY,
	flow_name         TEXT NOT NULL,
	current_step      TEXT NOT NULL,
	started_at        TEXT NOT NULL,
	step_entered_at   TEXT NOT NULL,
	anchor_message_id TEXT,
	status            TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS flow_history (
	id           INTEGER PRIMARY KEY AUTOINCREMENT,
	chat_id      TEXT NOT NULL,
	flow_name    TEXT NOT NULL,
	final_step   TEXT NOT NULL,
	started_at   TEXT NOT NULL,
	completed_at TEXT NOT NULL,
	status       TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_flow_history_chat ON flow_history(chat_id, completed_at);

CREATE TABLE IF NOT EXISTS flow_versions (
	id              INTEGER PRIMARY KEY AUTOINCREMENT,
	flow_name       TEXT NOT NULL,
	version         INTEGER NOT NULL,
	definition_json TEXT NOT NULL,
	author          TEXT NOT NULL,
	origin          TEXT,
	status          TEXT NOT NULL,
	created_at      TEXT NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_flow_versions_name_version ON flow_versions(flow_name, version);

CREATE TABLE IF NOT EXISTS flow_audit_log (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	flow_name  TEXT NOT NULL,
	version    INTEGER,
	event      TEXT NOT NULL,
	actor      TEXT,
	detail     TEXT,
	created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_flow_audit_log_name ON flow_audit_log(flow_name, id);

CREATE TABLE IF NOT EXISTS kv_state (
	key   TEXT PRIMARY KEY,
	value TEXT NOT NULL
);
`

// activeIdentityIndexes creates the partial unique indexes that enforce
// "exactly one active row per identity" invariants. Created only after the
// corresponding duplicate scans pass (spec §4.A: "never silently rename").
const activeIdentityIndexes = `
CREATE UNIQUE INDEX IF NOT EXISTS idx_instances_active_name ON instances(name) WHERE archived_at IS NULL;
CREATE UNIQUE INDEX IF NOT EXISTS idx_instances_active_port ON instances(port) WHERE archived_at IS NULL;
CREATE UNIQUE INDEX IF NOT EXISTS idx_flow_versions_active ON flow_versions(flow_name) WHERE status = 'active';
`

// appendOnlyTriggers enforces the append-only contract (spec §4.A, §8) at
// the schema layer so no application code path — including future
// refactors — can bypass it.
const appendOnlyTriggers = `
CREATE TRIGGER IF NOT EXISTS trg_message_events_no_update
BEFORE UPDATE ON message_events
BEGIN
	SELECT RAISE(ABORT, 'message_events is append-only');
END;

CREATE TRIGGER IF NOT EXISTS trg_message_events_no_delete
BEFORE DELETE ON message_events
BEGIN
	SELECT RAISE(ABORT, 'message_events is append-only');
END;

CREATE TRIGGER IF NOT EXISTS trg_flow_audit_log_no_update
BEFORE UPDATE ON flow_audit_log
BEGIN
	SELECT RAISE(ABORT, 'flow_audit_log is append-only');
END;

CREATE TRIGGER IF NOT EXISTS trg_flow_audit_log_no_delete
BEFORE DELETE ON flow_audit_log
BEGIN
	SELECT RAISE(ABORT, 'flow_audit_log is append-only');
END;
`

// legacyColumns lists columns that may be missing on a table created by an
// older version of the schema, so upgrades apply ALTER TABLE ADD COLUMN
// rather than requiring a destructive rebuild.
var legacyColumns = []struct {
	table, column, ddl string
}{
	{"instances", "pid", "ALTER TABLE instances ADD COLUMN pid INTEGER"},
	{"instances", "migration_run_id", "ALTER TABLE instances ADD COLUMN migration_run_id TEXT"},
}

// migrate runs the idempotent schema, applies additive column migrations,
// checks identity invariants before creating the indexes that enforce them,
// then installs the append-only triggers.
func (s *Store) migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("applying base schema: %w", err)
	}

	if err := s.applyLegacyColumns(ctx); err != nil {
		return err
	}

	if err := s.failOnDuplicateActiveNames(ctx); err != nil {
		return err
	}
	if err := s.failOnDuplicateActiveFlowVersions(ctx); err != nil {
		return err
	}

	if _, err := s.db.ExecContext(ctx, activeIdentityIndexes); err != nil {
		return fmt.Errorf("creating partial unique indexes: %w", err)
	}

	if _, err := s.db.ExecContext(ctx, appendOnlyTriggers); err != nil {
		return fmt.Errorf("installing append-only triggers: %w", err)
	}

	return nil
}

func (s *Store) applyLegacyColumns(ctx context.Context) error {
	for _, lc := range legacyColumns {
		has, err := s.hasColumn(ctx, lc.table, lc.column)
		if err != nil {
			return err
		}
		if !has {
			if _, err := s.db.ExecContext(ctx, lc.ddl); err != nil {
				return fmt.Errorf("adding column %s.%s: %w", lc.table, lc.column, err)
			}
		}
	}
	return nil
}

func (s *Store) hasColumn(ctx context.Context, table, column string) (bool, error) {
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return false, fmt.Errorf("introspecting %s: %w", table, err)
	}
	defer rows.Close()

	for rows.Next() {
		var cid int
		var name, ctype string
		var notnull int
		var dflt any
		var pk int
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dflt, &pk); err != nil {
			return false, fmt.Errorf("scanning table_info row: %w", err)
		}
		if name == column {
			return true, nil
		}
	}
	return false, rows.Err()
}

// failOnDuplicateActiveNames scans for duplicate active (non-archived)
// instance names and fails fast with a diagnostic listing, per spec §4.A:
// "never silently rename."
func (s *Store) failOnDuplicateActiveNames(ctx context.Context) error {
	rows, err := s.db.QueryContext(ctx, `
		SELECT name, COUNT(*) FROM instances
		WHERE archived_at IS NULL
		GROUP BY name HAVING COUNT(*) > 1`)
	if err != nil {
		return fmt.Errorf("scanning for duplicate active instance names: %w", err)
	}
	defer rows.Close()

	var dupes []string
	for rows.Next() {
		var name string
		var count int
		if err := rows.Scan(&name, &count); err != nil {
			return fmt.Errorf("scanning duplicate name row: %w", err)
		}
		dupes = append(dupes, fmt.Sprintf("%s (%d rows)", name, count))
	}
	if err := rows.Err(); err != nil {
		return err
	}
	if len(dupes) > 0 {
		return fmt.Errorf("duplicate active instance names detected, refusing to start: %s", strings.Join(dupes, ", "))
	}
	return nil
}

// failOnDuplicateActiveFlowVersions is the flow_versions analog of
// failOnDuplicateActiveNames.
func (s *Store) failOnDuplicateActiveFlowVersions(ctx context.Context) error {
	rows, err := s.db.QueryContext(ctx, `
		SELECT flow_name, COUNT(*) FROM flow_versions
		WHERE status = 'active'
		GROUP BY flow_name HAVING COUNT(*) > 1`)
	if err != nil {
		return fmt.Errorf("scanning for duplicate active flow versions: %w", err)
	}
	defer rows.Close()

	var dupes []string
	for rows.Next() {
		var name string
		var count int
		if err := rows.Scan(&name, &count); err != nil {
			return fmt.Errorf("scanning duplicate flow version row: %w", err)
		}
		dupes = append(dupes, fmt.Sprintf("%s (%d rows)", name, count))
	}
	if err := rows.Err(); err != nil {
		return err
	}
	if len(dupes) > 0 {
		return fmt.Errorf("duplicate active flow versions detected, refusing to start: %s", strings.Join(dupes, ", "))
	}
	return nil
}
