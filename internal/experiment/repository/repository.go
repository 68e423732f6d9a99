package repository

import (
	"context"

	"experiment-tracking/backend/internal/experiment/domain"
	"experiment-tracking/backend/internal/statemachine"
)

// ListFilter narrows ListByProject. Zero values mean no filter.
type ListFilter struct {
	Status statemachine.Status
	Limit  int
	Offset int
}

// Repository defines persistence for experiments. Every query is scoped by project.
type Repository interface {
	// GetByID returns the experiment, or nil if it does not exist in the project.
	GetByID(ctx context.Context, projectID, id string) (*domain.Experiment, error)
	ListByProject(ctx context.Context, projectID string, f ListFilter) ([]*domain.Experiment, error)
	Create(ctx context.Context, e *domain.Experiment) error
	// Update persists name, description, tags, metadata and updated_at.
	Update(ctx context.Context, e *domain.Experiment) error
	// GetSubject returns the status view, or nil if not found.
	GetSubject(ctx context.Context, projectID, id string) (*statemachine.Subject, error)
	// ApplyTransition writes c only if the stored status still equals c.From. Returns false otherwise.
	ApplyTransition(ctx context.Context, projectID, id string, c statemachine.Change) (bool, error)
}
