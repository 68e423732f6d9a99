package repository

import (
	"context"
	"sort"
	"sync"

	"experiment-tracking/backend/internal/audit/domain"
)

// MemoryRepository keeps audit events in process.
type MemoryRepository struct {
	mu     sync.Mutex
	events []*domain.Event
}

// NewMemoryRepository returns an empty in-memory audit store.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{}
}

// Create appends a copy of e.
func (r *MemoryRepository) Create(_ context.Context, e *domain.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *e
	r.events = append(r.events, &cp)
	return nil
}

// List returns matching events newest first.
func (r *MemoryRepository) List(_ context.Context, projectID string, f Filter) ([]*domain.Event, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*domain.Event
	for _, e := range r.events {
		if e.ProjectID != projectID || (f.EntityKind != "" && e.EntityKind != f.EntityKind) ||
			(f.EntityID != "" && e.EntityID != f.EntityID) {
			continue
		}
		cp := *e
		out = append(out, &cp)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	if f.Offset >= len(out) {
		return nil, nil
	}
	out = out[f.Offset:]
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
