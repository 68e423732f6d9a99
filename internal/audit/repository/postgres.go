package repository

import (
	"context"
	"database/sql"
	"encoding/json"

	"experiment-tracking/backend/internal/audit/domain"
	"experiment-tracking/backend/internal/db"
)

const auditColumns = `id, project_id, entity_kind, entity_id, action, actor_id, actor_role, metadata, created_at`

// PostgresRepository persists audit events in the audit_events table.
type PostgresRepository struct {
	db *sql.DB
}

// NewPostgresRepository returns an audit repository that uses the given db for persistence.
func NewPostgresRepository(conn *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: conn}
}

// Create inserts e.
func (r *PostgresRepository) Create(ctx context.Context, e *domain.Event) error {
	meta, err := db.JSON(e.Metadata)
	if err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx, `INSERT INTO audit_events (`+auditColumns+`)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		e.ID, e.ProjectID, e.EntityKind, e.EntityID, e.Action, e.ActorID, e.ActorRole, meta, e.CreatedAt)
	return err
}

// List returns the project's events newest first.
func (r *PostgresRepository) List(ctx context.Context, projectID string, f Filter) ([]*domain.Event, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.db.QueryContext(ctx, `SELECT `+auditColumns+` FROM audit_events
WHERE project_id = $1 AND ($2 = '' OR entity_kind = $2) AND ($3 = '' OR entity_id = $3)
ORDER BY created_at DESC, id LIMIT $4 OFFSET $5`, projectID, f.EntityKind, f.EntityID, limit, f.Offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*domain.Event
	for rows.Next() {
		var (
			e    domain.Event
			meta []byte
		)
		if err := rows.Scan(&e.ID, &e.ProjectID, &e.EntityKind, &e.EntityID, &e.Action, &e.ActorID, &e.ActorRole,
			&meta, &e.CreatedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(meta, &e.Metadata); err != nil {
			return nil, err
		}
		e.CreatedAt = e.CreatedAt.UTC()
		out = append(out, &e)
	}
	return out, rows.Err()
}
