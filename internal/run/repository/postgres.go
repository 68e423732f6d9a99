package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"experiment-tracking/backend/internal/db"
	"experiment-tracking/backend/internal/run/domain"
	"experiment-tracking/backend/internal/statemachine"
)

// PostgresRepository persists runs in the runs table.
type PostgresRepository struct {
	db *sql.DB
}

// NewPostgresRepository returns a run repository that uses the given db for persistence.
func NewPostgresRepository(conn *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: conn}
}

const runColumns = `id, experiment_id, project_id, created_by, name, params, status,
	started_at, completed_at, duration_micros, archived_at, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*domain.Run, error) {
	var (
		r                            domain.Run
		params                       []byte
		status                       string
		started, completed, archived sql.NullTime
		micros                       sql.NullInt64
	)
	if err := row.Scan(&r.ID, &r.ExperimentID, &r.ProjectID, &r.CreatedBy, &r.Name, &params, &status,
		&started, &completed, &micros, &archived, &r.CreatedAt, &r.UpdatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(params, &r.Params); err != nil {
		return nil, err
	}
	r.Status = statemachine.Status(status)
	r.StartedAt, r.CompletedAt, r.ArchivedAt = db.TimePtr(started), db.TimePtr(completed), db.TimePtr(archived)
	if micros.Valid {
		d := time.Duration(micros.Int64) * time.Microsecond
		r.Duration = &d
	}
	r.CreatedAt, r.UpdatedAt = r.CreatedAt.UTC(), r.UpdatedAt.UTC()
	return &r, nil
}

// GetByID returns the run for id in projectID, or nil if not found.
// It returns an error only for database failures, not for missing rows.
func (p *PostgresRepository) GetByID(ctx context.Context, projectID, id string) (*domain.Run, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE project_id = $1 AND id = $2`, projectID, id)
	r, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return r, err
}

// ListByExperiment returns the experiment's runs newest first.
func (p *PostgresRepository) ListByExperiment(ctx context.Context, projectID, experimentID string, limit, offset int) ([]*domain.Run, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := p.db.QueryContext(ctx, `SELECT `+runColumns+` FROM runs
WHERE project_id = $1 AND experiment_id = $2
ORDER BY created_at DESC, id LIMIT $3 OFFSET $4`, projectID, experimentID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*domain.Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Create inserts r. r must have ID set.
func (p *PostgresRepository) Create(ctx context.Context, r *domain.Run) error {
	params, err := db.JSON(r.Params)
	if err != nil {
		return err
	}
	_, err = p.db.ExecContext(ctx, `INSERT INTO runs (`+runColumns+`)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		r.ID, r.ExperimentID, r.ProjectID, r.CreatedBy, r.Name, params, string(r.Status),
		db.NullTime(r.StartedAt), db.NullTime(r.CompletedAt), durationMicros(r.Duration), db.NullTime(r.ArchivedAt),
		r.CreatedAt, r.UpdatedAt)
	return err
}

// Update persists name and params.
func (p *PostgresRepository) Update(ctx context.Context, r *domain.Run) error {
	params, err := db.JSON(r.Params)
	if err != nil {
		return err
	}
	_, err = p.db.ExecContext(ctx, `UPDATE runs SET name = $3, params = $4, updated_at = $5
WHERE project_id = $1 AND id = $2`, r.ProjectID, r.ID, r.Name, params, r.UpdatedAt)
	return err
}

// GetSubject returns the status view, or nil if not found.
func (p *PostgresRepository) GetSubject(ctx context.Context, projectID, id string) (*statemachine.Subject, error) {
	r, err := p.GetByID(ctx, projectID, id)
	if err != nil || r == nil {
		return nil, err
	}
	s := r.Subject()
	return &s, nil
}

// ApplyTransition is a conditional update on the expected current status. duration_micros is
// only overwritten when the change computes one, so archiving a finished run keeps its duration.
func (p *PostgresRepository) ApplyTransition(ctx context.Context, projectID, id string, c statemachine.Change) (bool, error) {
	res, err := p.db.ExecContext(ctx, `UPDATE runs
SET status = $4, started_at = $5, completed_at = $6, duration_micros = COALESCE($7, duration_micros),
	archived_at = $8, updated_at = $9
WHERE project_id = $1 AND id = $2 AND status = $3`,
		projectID, id, string(c.From), string(c.To),
		db.NullTime(c.StartedAt), db.NullTime(c.EndedAt), durationMicros(c.Duration), db.NullTime(c.ArchivedAt), c.At)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}
