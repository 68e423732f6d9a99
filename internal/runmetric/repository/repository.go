package repository

import (
	"context"

	"experiment-tracking/backend/internal/runmetric/domain"
)

// Filter narrows FetchSeries. Zero values match everything.
type Filter struct {
	Name     string
	FromStep *int64
	ToStep   *int64
}

func (f Filter) match(p domain.Point) bool {
	if f.Name != "" && p.Name != f.Name {
		return false
	}
	if f.FromStep != nil && p.Step < *f.FromStep {
		return false
	}
	return f.ToStep == nil || p.Step <= *f.ToStep
}

// Repository defines persistence for run metrics. Every query is scoped by project and run.
type Repository interface {
	// BulkInsert stores all points or none.
	BulkInsert(ctx context.Context, projectID, runID string, points []domain.Point) error
	// FetchSeries returns matching points ordered by name, then step, then insertion.
	FetchSeries(ctx context.Context, projectID, runID string, f Filter) ([]domain.Point, error)
}
