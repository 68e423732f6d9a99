package repository

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"experiment-tracking/backend/internal/webhook/domain"
)

// MemoryRepository keeps subscriptions and deliveries in process.
type MemoryRepository struct {
	mu         sync.Mutex
	subs       []*domain.Subscription
	deliveries []*domain.Delivery
}

// NewMemoryRepository returns an empty in-memory webhook store.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{}
}

func copySubscription(s *domain.Subscription) *domain.Subscription {
	cp := *s
	cp.EventTypes = slices.Clone(s.EventTypes)
	return &cp
}

func copyDelivery(d *domain.Delivery) *domain.Delivery {
	cp := *d
	cp.Body = slices.Clone(d.Body)
	if d.LastError != nil {
		msg := *d.LastError
		cp.LastError = &msg
	}
	return &cp
}

// Create stores a copy of s.
func (r *MemoryRepository) Create(_ context.Context, s *domain.Subscription) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.subs = append(r.subs, copySubscription(s))
	return nil
}

// ListByProject returns one page newest first and the project's total.
func (r *MemoryRepository) ListByProject(_ context.Context, projectID string, limit, offset int) ([]*domain.Subscription, int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*domain.Subscription
	for _, s := range r.subs {
		if s.ProjectID == projectID {
			out = append(out, copySubscription(s))
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	total := len(out)
	if limit <= 0 {
		limit = defaultLimit
	}
	if offset >= len(out) {
		return nil, total, nil
	}
	out = out[offset:]
	if len(out) > limit {
		out = out[:limit]
	}
	return out, total, nil
}

// Delete removes the subscription.
func (r *MemoryRepository) Delete(_ context.Context, projectID, id string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, s := range r.subs {
		if s.ProjectID == projectID && s.ID == id {
			r.subs = slices.Delete(r.subs, i, i+1)
			return true, nil
		}
	}
	return false, nil
}

// ListActiveMatching returns active subscriptions that list eventType, oldest first.
func (r *MemoryRepository) ListActiveMatching(_ context.Context, projectID, eventType string) ([]*domain.Subscription, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*domain.Subscription
	for _, s := range r.subs {
		if s.ProjectID == projectID && s.Matches(eventType) {
			out = append(out, copySubscription(s))
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// Enqueue stores a copy of d.
func (r *MemoryRepository) Enqueue(_ context.Context, d *domain.Delivery) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deliveries = append(r.deliveries, copyDelivery(d))
	return nil
}

// ClaimDue moves due pending deliveries to in_progress under the lock.
func (r *MemoryRepository) ClaimDue(_ context.Context, now time.Time, limit int) ([]*domain.Delivery, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if limit <= 0 {
		limit = defaultLimit
	}
	var due []*domain.Delivery
	for _, d := range r.deliveries {
		if d.Status == domain.DeliveryPending && !d.NextAttemptAt.After(now) {
			due = append(due, d)
		}
	}
	sort.SliceStable(due, func(i, j int) bool { return due[i].NextAttemptAt.Before(due[j].NextAttemptAt) })
	if len(due) > limit {
		due = due[:limit]
	}
	out := make([]*domain.Delivery, 0, len(due))
	for _, d := range due {
		d.Status, d.UpdatedAt = domain.DeliveryInProgress, now
		out = append(out, copyDelivery(d))
	}
	return out, nil
}

// MarkAttempt records the outcome on a delivery that is still in_progress.
func (r *MemoryRepository) MarkAttempt(_ context.Context, id string, a domain.Attempt) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, d := range r.deliveries {
		if d.ID != id || d.Status != domain.DeliveryInProgress {
			continue
		}
		d.Status, d.AttemptCount, d.LastError, d.UpdatedAt = a.Status, a.AttemptCount, a.LastError, a.At
		if a.NextAttemptAt != nil {
			d.NextAttemptAt = *a.NextAttemptAt
		}
	}
	return nil
}

// ReclaimStuck returns in_progress deliveries untouched since cutoff to pending.
func (r *MemoryRepository) ReclaimStuck(_ context.Context, cutoff, now time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for _, d := range r.deliveries {
		if d.Status == domain.DeliveryInProgress && d.UpdatedAt.Before(cutoff) {
			d.Status, d.UpdatedAt = domain.DeliveryPending, now
			n++
		}
	}
	return n, nil
}

// DeleteOldSucceeded removes succeeded deliveries last updated before cutoff.
func (r *MemoryRepository) DeleteOldSucceeded(_ context.Context, cutoff time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	kept := r.deliveries[:0]
	var n int64
	for _, d := range r.deliveries {
		if d.Status == domain.DeliverySucceeded && d.UpdatedAt.Before(cutoff) {
			n++
			continue
		}
		kept = append(kept, d)
	}
	r.deliveries = kept
	return n, nil
}

// Deliveries returns copies of every queued delivery in enqueue order.
func (r *MemoryRepository) Deliveries() []*domain.Delivery {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*domain.Delivery, 0, len(r.deliveries))
	for _, d := range r.deliveries {
		out = append(out, copyDelivery(d))
	}
	return out
}
