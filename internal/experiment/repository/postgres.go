package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"

	"experiment-tracking/backend/internal/db"
	"experiment-tracking/backend/internal/experiment/domain"
	"experiment-tracking/backend/internal/statemachine"
)

// PostgresRepository persists experiments in the experiments table.
type PostgresRepository struct {
	db *sql.DB
}

// NewPostgresRepository returns an experiment repository that uses the given db for persistence.
func NewPostgresRepository(conn *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: conn}
}

const experimentColumns = `id, project_id, owner_id, name, description, tags, metadata, status,
	started_at, ended_at, archived_at, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanExperiment(row rowScanner) (*domain.Experiment, error) {
	var (
		e                          domain.Experiment
		tags, meta                 []byte
		status                     string
		started, ended, archivedAt sql.NullTime
	)
	if err := row.Scan(&e.ID, &e.ProjectID, &e.OwnerID, &e.Name, &e.Description, &tags, &meta, &status,
		&started, &ended, &archivedAt, &e.CreatedAt, &e.UpdatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(tags, &e.Tags); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(meta, &e.Metadata); err != nil {
		return nil, err
	}
	e.Status = statemachine.Status(status)
	e.StartedAt, e.EndedAt, e.ArchivedAt = db.TimePtr(started), db.TimePtr(ended), db.TimePtr(archivedAt)
	e.CreatedAt, e.UpdatedAt = e.CreatedAt.UTC(), e.UpdatedAt.UTC()
	return &e, nil
}

// GetByID returns the experiment for id in projectID, or nil if not found.
// It returns an error only for database failures, not for missing rows.
func (r *PostgresRepository) GetByID(ctx context.Context, projectID, id string) (*domain.Experiment, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+experimentColumns+` FROM experiments WHERE project_id = $1 AND id = $2`, projectID, id)
	e, err := scanExperiment(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return e, err
}

// ListByProject returns experiments newest first.
func (r *PostgresRepository) ListByProject(ctx context.Context, projectID string, f ListFilter) ([]*domain.Experiment, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.db.QueryContext(ctx, `SELECT `+experimentColumns+` FROM experiments
WHERE project_id = $1 AND ($2 = '' OR status = $2)
ORDER BY created_at DESC, id LIMIT $3 OFFSET $4`, projectID, string(f.Status), limit, f.Offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*domain.Experiment
	for rows.Next() {
		e, err := scanExperiment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Create inserts e. e must have ID set.
func (r *PostgresRepository) Create(ctx context.Context, e *domain.Experiment) error {
	tags, err := db.JSON(e.Tags)
	if err != nil {
		return err
	}
	meta, err := db.JSON(e.Metadata)
	if err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx, `INSERT INTO experiments (`+experimentColumns+`)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		e.ID, e.ProjectID, e.OwnerID, e.Name, e.Description, tags, meta, string(e.Status),
		db.NullTime(e.StartedAt), db.NullTime(e.EndedAt), db.NullTime(e.ArchivedAt), e.CreatedAt, e.UpdatedAt)
	return err
}

// Update persists the mutable descriptive fields.
func (r *PostgresRepository) Update(ctx context.Context, e *domain.Experiment) error {
	tags, err := db.JSON(e.Tags)
	if err != nil {
		return err
	}
	meta, err := db.JSON(e.Metadata)
	if err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx, `UPDATE experiments
SET name = $3, description = $4, tags = $5, metadata = $6, updated_at = $7
WHERE project_id = $1 AND id = $2`,
		e.ProjectID, e.ID, e.Name, e.Description, tags, meta, e.UpdatedAt)
	return err
}

// GetSubject returns the status view, or nil if not found.
func (r *PostgresRepository) GetSubject(ctx context.Context, projectID, id string) (*statemachine.Subject, error) {
	e, err := r.GetByID(ctx, projectID, id)
	if err != nil || e == nil {
		return nil, err
	}
	s := e.Subject()
	return &s, nil
}

// ApplyTransition is a conditional update on the expected current status.
func (r *PostgresRepository) ApplyTransition(ctx context.Context, projectID, id string, c statemachine.Change) (bool, error) {
	res, err := r.db.ExecContext(ctx, `UPDATE experiments
SET status = $4, started_at = $5, ended_at = $6, archived_at = $7, updated_at = $8
WHERE project_id = $1 AND id = $2 AND status = $3`,
		projectID, id, string(c.From), string(c.To),
		db.NullTime(c.StartedAt), db.NullTime(c.EndedAt), db.NullTime(c.ArchivedAt), c.At)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}
