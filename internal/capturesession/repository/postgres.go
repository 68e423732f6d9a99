package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"experiment-tracking/backend/internal/capturesession/domain"
	"experiment-tracking/backend/internal/db"
	"experiment-tracking/backend/internal/statemachine"
)

const (
	ordinalConstraint     = "capture_sessions_run_ordinal_key"
	oneActiveConstraint   = "capture_sessions_one_active_per_run"
	captureSessionColumns = `id, run_id, project_id, ordinal_number, status, archived, initiated_by, notes,
	started_at, stopped_at, archived_at, created_at, updated_at`
)

// PostgresRepository persists capture sessions in the capture_sessions table.
type PostgresRepository struct {
	db *sql.DB
}

// NewPostgresRepository returns a capture session repository that uses the given db for persistence.
func NewPostgresRepository(conn *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: conn}
}

type rowScanner interface {
	Scan(dest ...any) error
}

// ScanCaptureSession scans a row selected with the standard column list.
func ScanCaptureSession(row rowScanner) (*domain.CaptureSession, error) {
	var (
		s                          domain.CaptureSession
		status                     string
		started, stopped, archived sql.NullTime
	)
	if err := row.Scan(&s.ID, &s.RunID, &s.ProjectID, &s.OrdinalNumber, &status, &s.Archived, &s.InitiatedBy, &s.Notes,
		&started, &stopped, &archived, &s.CreatedAt, &s.UpdatedAt); err != nil {
		return nil, err
	}
	s.Status = statemachine.Status(status)
	s.StartedAt, s.StoppedAt, s.ArchivedAt = db.TimePtr(started), db.TimePtr(stopped), db.TimePtr(archived)
	s.CreatedAt, s.UpdatedAt = s.CreatedAt.UTC(), s.UpdatedAt.UTC()
	return &s, nil
}

// Columns is the column list ScanCaptureSession expects.
func Columns() string { return captureSessionColumns }

// GetByID returns the session for id in projectID, or nil if not found.
// It returns an error only for database failures, not for missing rows.
func (r *PostgresRepository) GetByID(ctx context.Context, projectID, id string) (*domain.CaptureSession, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+captureSessionColumns+` FROM capture_sessions WHERE project_id = $1 AND id = $2`, projectID, id)
	s, err := ScanCaptureSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return s, err
}

// ListByRun returns the run's sessions in ordinal order.
func (r *PostgresRepository) ListByRun(ctx context.Context, projectID, runID string) ([]*domain.CaptureSession, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+captureSessionColumns+` FROM capture_sessions
WHERE project_id = $1 AND run_id = $2 ORDER BY ordinal_number`, projectID, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanAll(rows)
}

func scanAll(rows *sql.Rows) ([]*domain.CaptureSession, error) {
	var out []*domain.CaptureSession
	for rows.Next() {
		s, err := ScanCaptureSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// Create inserts s with ordinal max+1 for its run in a single statement; the unique
// (run_id, ordinal_number) constraint rejects a concurrent duplicate.
func (r *PostgresRepository) Create(ctx context.Context, s *domain.CaptureSession) error {
	err := r.db.QueryRowContext(ctx, `INSERT INTO capture_sessions (`+captureSessionColumns+`)
SELECT $1, $2, $3, COALESCE(MAX(ordinal_number), 0) + 1, $4, $5, $6, $7, $8, $9, $10, $11, $12
FROM capture_sessions WHERE run_id = $2
RETURNING ordinal_number`,
		s.ID, s.RunID, s.ProjectID, string(s.Status), s.Archived, s.InitiatedBy, s.Notes,
		db.NullTime(s.StartedAt), db.NullTime(s.StoppedAt), db.NullTime(s.ArchivedAt), s.CreatedAt, s.UpdatedAt,
	).Scan(&s.OrdinalNumber)
	if db.IsUniqueViolation(err, ordinalConstraint) {
		return ErrOrdinalTaken
	}
	return err
}

// SetArchived sets the soft-delete flag unless the session is active.
func (r *PostgresRepository) SetArchived(ctx context.Context, projectID, id string, archived bool, at time.Time) (bool, error) {
	res, err := r.db.ExecContext(ctx, `UPDATE capture_sessions SET archived = $3, updated_at = $4
WHERE project_id = $1 AND id = $2 AND status NOT IN ('running', 'backfilling')`, projectID, id, archived, at)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// ListStale returns active sessions started before cutoff, oldest first.
func (r *PostgresRepository) ListStale(ctx context.Context, cutoff time.Time, limit int) ([]*domain.CaptureSession, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.db.QueryContext(ctx, `SELECT `+captureSessionColumns+` FROM capture_sessions
WHERE status IN ('running', 'backfilling') AND COALESCE(started_at, created_at) < $1
ORDER BY COALESCE(started_at, created_at) LIMIT $2`, cutoff, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanAll(rows)
}

// GetSubject returns the status view, or nil if not found.
func (r *PostgresRepository) GetSubject(ctx context.Context, projectID, id string) (*statemachine.Subject, error) {
	s, err := r.GetByID(ctx, projectID, id)
	if err != nil || s == nil {
		return nil, err
	}
	sub := s.Subject()
	return &sub, nil
}

// ApplyTransition is a conditional update on the expected current status. Entering an active status
// while the run already has an active session violates the partial unique index.
func (r *PostgresRepository) ApplyTransition(ctx context.Context, projectID, id string, c statemachine.Change) (bool, error) {
	res, err := r.db.ExecContext(ctx, `UPDATE capture_sessions
SET status = $4, started_at = $5, stopped_at = $6, archived_at = $7, updated_at = $8
WHERE project_id = $1 AND id = $2 AND status = $3`,
		projectID, id, string(c.From), string(c.To),
		db.NullTime(c.StartedAt), db.NullTime(c.EndedAt), db.NullTime(c.ArchivedAt), c.At)
	if db.IsUniqueViolation(err, oneActiveConstraint) {
		return false, statemachine.ErrExclusiveActive
	}
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}
