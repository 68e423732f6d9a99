package repository

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"experiment-tracking/backend/internal/db"
	"experiment-tracking/backend/internal/runmetric/domain"
)

// PostgresRepository persists points in the run_metrics table.
type PostgresRepository struct {
	db *sql.DB
}

// NewPostgresRepository returns a run metric repository that uses the given db for persistence.
func NewPostgresRepository(conn *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: conn}
}

const (
	insertColumns = `project_id, run_id, name, step, value, recorded_at`
	insertArity   = 6
	// insertChunk keeps one statement under the Postgres bind parameter limit.
	insertChunk = 5000
)

// BulkInsert writes points in multi-row statements inside one transaction.
func (p *PostgresRepository) BulkInsert(ctx context.Context, projectID, runID string, points []domain.Point) error {
	if len(points) == 0 {
		return nil
	}
	return db.WithTx(ctx, p.db, nil, func(tx *sql.Tx) error {
		for start := 0; start < len(points); start += insertChunk {
			end := min(start+insertChunk, len(points))
			if err := insertPoints(ctx, tx, projectID, runID, points[start:end]); err != nil {
				return err
			}
		}
		return nil
	})
}

func insertPoints(ctx context.Context, tx *sql.Tx, projectID, runID string, points []domain.Point) error {
	var (
		sb   strings.Builder
		args = make([]any, 0, len(points)*insertArity)
	)
	sb.WriteString(`INSERT INTO run_metrics (` + insertColumns + `) VALUES `)
	for i, pt := range points {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteByte('(')
		for j := 0; j < insertArity; j++ {
			if j > 0 {
				sb.WriteString(", ")
			}
			fmt.Fprintf(&sb, "$%d", i*insertArity+j+1)
		}
		sb.WriteByte(')')
		args = append(args, projectID, runID, pt.Name, pt.Step, pt.Value, pt.Timestamp)
	}
	_, err := tx.ExecContext(ctx, sb.String(), args...)
	return err
}

// FetchSeries returns matching points ordered by name, step and id.
func (p *PostgresRepository) FetchSeries(ctx context.Context, projectID, runID string, f Filter) ([]domain.Point, error) {
	conds := []string{"project_id = $1", "run_id = $2"}
	args := []any{projectID, runID}
	add := func(cond string, v any) {
		args = append(args, v)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}
	if f.Name != "" {
		add("name = $%d", f.Name)
	}
	if f.FromStep != nil {
		add("step >= $%d", *f.FromStep)
	}
	if f.ToStep != nil {
		add("step <= $%d", *f.ToStep)
	}
	rows, err := p.db.QueryContext(ctx, `SELECT name, step, value, recorded_at FROM run_metrics
WHERE `+strings.Join(conds, " AND ")+`
ORDER BY name, step, id`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Point
	for rows.Next() {
		var pt domain.Point
		if err := rows.Scan(&pt.Name, &pt.Step, &pt.Value, &pt.Timestamp); err != nil {
			return nil, err
		}
		pt.Timestamp = pt.Timestamp.UTC()
		out = append(out, pt)
	}
	return out, rows.Err()
}
