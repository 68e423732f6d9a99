package repository

import (
	"context"
	"time"

	"experiment-tracking/backend/internal/run/domain"
	"experiment-tracking/backend/internal/statemachine"
)

// Repository defines persistence for runs. Every query is scoped by project.
type Repository interface {
	// GetByID returns the run, or nil if it does not exist in the project.
	GetByID(ctx context.Context, projectID, id string) (*domain.Run, error)
	ListByExperiment(ctx context.Context, projectID, experimentID string, limit, offset int) ([]*domain.Run, error)
	Create(ctx context.Context, r *domain.Run) error
	// Update persists name, params and updated_at.
	Update(ctx context.Context, r *domain.Run) error
	// GetSubject returns the status view, or nil if not found.
	GetSubject(ctx context.Context, projectID, id string) (*statemachine.Subject, error)
	// ApplyTransition writes c only if the stored status still equals c.From. Returns false otherwise.
	ApplyTransition(ctx context.Context, projectID, id string, c statemachine.Change) (bool, error)
}

// durationMicros converts an optional duration to its stored form.
func durationMicros(d *time.Duration) *int64 {
	if d == nil {
		return nil
	}
	us := d.Microseconds()
	return &us
}
