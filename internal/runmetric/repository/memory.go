package repository

import (
	"context"
	"sort"
	"sync"

	"experiment-tracking/backend/internal/runmetric/domain"
)

type memPoint struct {
	projectID, runID string
	domain.Point
}

// MemoryRepository keeps run metrics in process.
type MemoryRepository struct {
	mu     sync.Mutex
	points []memPoint
}

// NewMemoryRepository returns an empty in-memory metric store.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{}
}

// BulkInsert appends points.
func (r *MemoryRepository) BulkInsert(_ context.Context, projectID, runID string, points []domain.Point) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range points {
		r.points = append(r.points, memPoint{projectID: projectID, runID: runID, Point: p})
	}
	return nil
}

// FetchSeries returns matching points ordered by name, then step, then insertion.
func (r *MemoryRepository) FetchSeries(_ context.Context, projectID, runID string, f Filter) ([]domain.Point, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.Point
	for _, p := range r.points {
		if p.projectID == projectID && p.runID == runID && f.match(p.Point) {
			out = append(out, p.Point)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].Step < out[j].Step
	})
	return out, nil
}
