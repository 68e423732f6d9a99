package repository

import (
	"context"

	"experiment-tracking/backend/internal/policy/domain"
)

// Repository defines persistence for project policies.
type Repository interface {
	// ListEnabledByProject returns the project's enabled policies oldest first.
	ListEnabledByProject(ctx context.Context, projectID string) ([]*domain.Policy, error)
}
