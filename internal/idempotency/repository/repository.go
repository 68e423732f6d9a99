package repository

import (
	"context"
	"time"

	"experiment-tracking/backend/internal/idempotency/domain"
)

// Repository is the durable store behind the idempotency coordinator.
// Every method must be atomic with respect to concurrent callers on the same (scope, key).
type Repository interface {
	// Reserve stores rec if no record exists for (rec.Scope, rec.Key) or the existing one is
	// supersedable at rec.CreatedAt. It returns (true, nil) when rec was stored and (false, existing)
	// otherwise. existing may be nil if the conflicting row disappeared before it could be read.
	Reserve(ctx context.Context, rec *domain.Record) (bool, *domain.Record, error)
	// Get returns the record for (scope, key), or nil if not found.
	Get(ctx context.Context, scope, key string) (*domain.Record, error)
	// Complete records resp and marks the reservation completed if ownerToken still holds it.
	Complete(ctx context.Context, scope, key, ownerToken string, resp domain.Response, expiresAt time.Time) (bool, error)
	// Release deletes the reservation if ownerToken still holds it and it is in flight.
	Release(ctx context.Context, scope, key, ownerToken string) (bool, error)
	// DeleteExpired removes records whose retention ended before now.
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
}
