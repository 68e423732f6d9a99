package repository

import (
	"context"
	"time"

	"experiment-tracking/backend/internal/webhook/domain"
)

// Subscriptions persists webhook subscriptions, scoped by project.
type Subscriptions interface {
	Create(ctx context.Context, s *domain.Subscription) error
	// ListByProject returns one page newest first and the project's total.
	ListByProject(ctx context.Context, projectID string, limit, offset int) ([]*domain.Subscription, int, error)
	// Delete removes the subscription. Returns false if it did not exist.
	Delete(ctx context.Context, projectID, id string) (bool, error)
	// ListActiveMatching returns active subscriptions of projectID that want eventType, oldest first.
	ListActiveMatching(ctx context.Context, projectID, eventType string) ([]*domain.Subscription, error)
}

// Deliveries is the delivery outbox.
type Deliveries interface {
	Enqueue(ctx context.Context, d *domain.Delivery) error
	// ClaimDue moves up to limit pending deliveries due at now to in_progress and returns them.
	// Concurrent claimers never receive the same delivery.
	ClaimDue(ctx context.Context, now time.Time, limit int) ([]*domain.Delivery, error)
	// MarkAttempt records the outcome of an attempt on an in_progress delivery.
	MarkAttempt(ctx context.Context, id string, a domain.Attempt) error
	// ReclaimStuck returns in_progress deliveries untouched since cutoff to pending.
	ReclaimStuck(ctx context.Context, cutoff, now time.Time) (int64, error)
	// DeleteOldSucceeded removes succeeded deliveries last updated before cutoff.
	DeleteOldSucceeded(ctx context.Context, cutoff time.Time) (int64, error)
}

// Repository is both halves of webhook persistence.
type Repository interface {
	Subscriptions
	Deliveries
}

const defaultLimit = 50
