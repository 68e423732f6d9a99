package repository

import (
	"context"
	"database/sql"

	"experiment-tracking/backend/internal/policy/domain"
)

// PostgresRepository reads policies from the project_policies table.
type PostgresRepository struct {
	db *sql.DB
}

// NewPostgresRepository returns a policy repository that uses the given db for persistence.
func NewPostgresRepository(conn *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: conn}
}

// ListEnabledByProject returns enabled policies for projectID. Returns (nil, error) only on database errors.
func (r *PostgresRepository) ListEnabledByProject(ctx context.Context, projectID string) ([]*domain.Policy, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT id, project_id, rules, enabled, created_at
FROM project_policies WHERE project_id = $1 AND enabled ORDER BY created_at, id`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*domain.Policy
	for rows.Next() {
		var p domain.Policy
		if err := rows.Scan(&p.ID, &p.ProjectID, &p.Rules, &p.Enabled, &p.CreatedAt); err != nil {
			return nil, err
		}
		p.CreatedAt = p.CreatedAt.UTC()
		out = append(out, &p)
	}
	return out, rows.Err()
}
