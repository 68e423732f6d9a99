package repository

import (
	"context"

	"experiment-tracking/backend/internal/audit/domain"
)

// Filter narrows List. Empty fields match everything.
type Filter struct {
	EntityKind string
	EntityID   string
	Limit      int
	Offset     int
}

// Repository defines persistence for audit events.
type Repository interface {
	Create(ctx context.Context, e *domain.Event) error
	// List returns the project's events newest first.
	List(ctx context.Context, projectID string, f Filter) ([]*domain.Event, error)
}
