package registry

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

const instanceColumns = `id, name, port, config_path, workspace_dir, archived_at, migration_run_id, pid, created_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanInstance(row rowScanner) (Instance, error) {
	var i Instance
	var workspace, archivedAt, migrationRunID sql.NullString
	var pid sql.NullInt64
	var createdAt string

	err := row.Scan(&i.ID, &i.Name, &i.Port, &i.ConfigPath, &workspace, &archivedAt, &migrationRunID, &pid, &createdAt)
	if err != nil {
		return Instance{}, err
	}
	return fillInstance(i, workspace, archivedAt, migrationRunID, pid, createdAt)
}

func scanInstanceRows(rows *sql.Rows) (Instance, error) {
	var i Instance
	var workspace, archivedAt, migrationRunID sql.NullString
	var pid sql.NullInt64
	var createdAt string

	err := rows.Scan(&i.ID, &i.Name, &i.Port, &i.ConfigPath, &workspace, &archivedAt, &migrationRunID, &pid, &createdAt)
	if err != nil {
		return Instance{}, err
	}
	return fillInstance(i, workspace, archivedAt, migrationRunID, pid, createdAt)
}

func fillInstance(i Instance, workspace, archivedAt, migrationRunID sql.NullString, pid sql.NullInt64, createdAt string) (Instance, error) {
	if workspace.Valid {
		i.WorkspaceDir = &workspace.String
	}
	if migrationRunID.Valid {
		i.MigrationRunID = &migrationRunID.String
	}
	if pid.Valid {
		p := int(pid.Int64)
		i.PID = &p
	}
	if archivedAt.Valid {
		t, err := parseTime(archivedAt.String)
		if err != nil {
			return Instance{}, fmt.Errorf("parsing archived_at: %w", err)
		}
		i.ArchivedAt = &t
	}
	t, err := parseTime(createdAt)
	if err != nil {
		return Instance{}, fmt.Errorf("parsing created_at: %w", err)
	}
	i.CreatedAt = t
	return i, nil
}

// CreateInstanceParams holds the inputs for CreateInstance.
type CreateInstanceParams struct {
	ID             string
	Name           string
	Port           int
	ConfigPath     string
	WorkspaceDir   *string
	MigrationRunID *string
}

// CreateInstance inserts a new active instance row. It returns ErrNameTaken
// or ErrPortTaken (both Conflict/409) if either the name or port collides
// with an existing active instance (spec §4.A).
func (s *Store) CreateInstance(ctx context.Context, p CreateInstanceParams) (Instance, error) {
	existing, err := s.GetActiveByName(ctx, p.Name)
	if err == nil {
		_ = existing
		return Instance{}, ErrNameTaken
	} else if !errors.Is(err, sql.ErrNoRows) {
		return Instance{}, fmt.Errorf("checking name collision: %w", err)
	}

	portTaken, err := s.isPortActive(ctx, p.Port)
	if err != nil {
		return Instance{}, err
	}
	if portTaken {
		return Instance{}, ErrPortTaken
	}

	now := time.Now().UTC()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO instances (id, name, port, config_path, workspace_dir, migration_run_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.Name, p.Port, p.ConfigPath, p.WorkspaceDir, p.MigrationRunID, formatTime(now),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return Instance{}, ErrNameTaken
		}
		return Instance{}, fmt.Errorf("inserting instance: %w", err)
	}

	return Instance{
		ID: p.ID, Name: p.Name, Port: p.Port, ConfigPath: p.ConfigPath,
		WorkspaceDir: p.WorkspaceDir, MigrationRunID: p.MigrationRunID, CreatedAt: now,
	}, nil
}

func (s *Store) isPortActive(ctx context.Context, port int) (bool, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM instances WHERE port = ? AND archived_at IS NULL`, port,
	).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("checking port collision: %w", err)
	}
	return count > 0, nil
}

// GetActiveByName returns the active instance with the given name, or
// sql.ErrNoRows if none exists.
func (s *Store) GetActiveByName(ctx context.Context, name string) (Instance, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+instanceColumns+` FROM instances WHERE name = ? AND archived_at IS NULL`, name)
	return scanInstance(row)
}

// FindArchivedByName returns the most recently archived instance with the
// given name, or sql.ErrNoRows if none exists.
func (s *Store) FindArchivedByName(ctx context.Context, name string) (Instance, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+instanceColumns+` FROM instances
		WHERE name = ? AND archived_at IS NOT NULL
		ORDER BY archived_at DESC LIMIT 1`, name)
	return scanInstance(row)
}

// GetByID returns an instance by its UUID primary key.
func (s *Store) GetByID(ctx context.Context, id string) (Instance, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+instanceColumns+` FROM instances WHERE id = ?`, id)
	return scanInstance(row)
}

// ListActive returns all active (non-archived) instances, ordered by name.
func (s *Store) ListActive(ctx context.Context) ([]Instance, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+instanceColumns+` FROM instances WHERE archived_at IS NULL ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("listing active instances: %w", err)
	}
	defer rows.Close()
	return collectInstances(rows)
}

// ListArchived returns archived instances, newest-archived first.
func (s *Store) ListArchived(ctx context.Context) ([]Instance, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+instanceColumns+` FROM instances WHERE archived_at IS NOT NULL ORDER BY archived_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("listing archived instances: %w", err)
	}
	defer rows.Close()
	return collectInstances(rows)
}

func collectInstances(rows *sql.Rows) ([]Instance, error) {
	var out []Instance
	for rows.Next() {
		i, err := scanInstanceRows(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning instance row: %w", err)
		}
		out = append(out, i)
	}
	return out, rows.Err()
}

// FleetCounts summarizes the instance population (spec §4.A supplement, for
// GET /health and basic fleet counts).
type FleetCounts struct {
	Total    int
	Active   int
	Archived int
}

// CountByStatus returns total/active/archived instance counts.
func (s *Store) CountByStatus(ctx context.Context) (FleetCounts, error) {
	var c FleetCounts
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*),
		       SUM(CASE WHEN archived_at IS NULL THEN 1 ELSE 0 END),
		       SUM(CASE WHEN archived_at IS NOT NULL THEN 1 ELSE 0 END)
		FROM instances`).Scan(&c.Total, &c.Active, &c.Archived)
	if err != nil {
		return FleetCounts{}, fmt.Errorf("counting instances: %w", err)
	}
	return c, nil
}

// Archive sets archived_at = now on the active instance with the given
// name. The caller is responsible for stopping the process first
// (spec §4.C — lifecycle concern, not a registry concern).
func (s *Store) Archive(ctx context.Context, name string) (Instance, error) {
	inst, err := s.GetActiveByName(ctx, name)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Instance{}, ErrNotFound
		}
		return Instance{}, err
	}

	now := time.Now().UTC()
	_, err = s.db.ExecContext(ctx, `UPDATE instances SET archived_at = ? WHERE id = ?`, formatTime(now), inst.ID)
	if err != nil {
		return Instance{}, fmt.Errorf("archiving instance: %w", err)
	}
	inst.ArchivedAt = &now
	return inst, nil
}

// Unarchive clears archived_at on the most recently archived row with the
// given name. Fails NotFound if no archived row exists, Conflict if an
// active row with that name already exists (spec §4.C).
func (s *Store) Unarchive(ctx context.Context, name string) (Instance, error) {
	if _, err := s.GetActiveByName(ctx, name); err == nil {
		return Instance{}, NewError(KindConflict, fmt.Sprintf("instance %q is already active", name))
	} else if !errors.Is(err, sql.ErrNoRows) {
		return Instance{}, err
	}

	inst, err := s.FindArchivedByName(ctx, name)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Instance{}, NewError(KindNotFound, fmt.Sprintf("no archived instance named %q", name))
		}
		return Instance{}, err
	}

	_, err = s.db.ExecContext(ctx, `UPDATE instances SET archived_at = NULL WHERE id = ?`, inst.ID)
	if err != nil {
		return Instance{}, fmt.Errorf("unarchiving instance: %w", err)
	}
	inst.ArchivedAt = nil
	return inst, nil
}

// DeleteArchivedOnly removes the instance row. Fails Conflict if the
// instance is still active (spec §4.C: "Only permitted on archived rows").
func (s *Store) DeleteArchivedOnly(ctx context.Context, id string) error {
	inst, err := s.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		return err
	}
	if inst.Active() {
		return ErrNotArchived
	}

	if _, err := s.db.ExecContext(ctx, `DELETE FROM instances WHERE id = ?`, id); err != nil {
		return fmt.Errorf("deleting archived instance: %w", err)
	}
	return nil
}

// AllocatePort performs a deterministic linear scan over [lo, hi], skipping
// ports already used by an active instance and any caller-supplied
// excludes. Returns nil if none is available (spec §4.A).
func (s *Store) AllocatePort(ctx context.Context, lo, hi int, exclude []int) (*int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT port FROM instances WHERE archived_at IS NULL`)
	if err != nil {
		return nil, fmt.Errorf("listing active ports: %w", err)
	}
	used := make(map[int]bool)
	for rows.Next() {
		var p int
		if err := rows.Scan(&p); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scanning port row: %w", err)
		}
		used[p] = true
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	for _, e := range exclude {
		used[e] = true
	}

	for port := lo; port <= hi; port++ {
		if !used[port] {
			p := port
			return &p, nil
		}
	}
	return nil, nil
}

// SetPID caches the best-effort PID on the instance row. Never authoritative
// — live status always re-probes the pidfile (spec §4.C).
func (s *Store) SetPID(ctx context.Context, id string, pid *int) error {
	_, err := s.db.ExecContext(ctx, `UPDATE instances SET pid = ? WHERE id = ?`, pid, id)
	if err != nil {
		return fmt.Errorf("updating cached pid: %w", err)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
