package memory

import (
	"context"
	"sort"
	"time"

	"experiment-tracking/backend/internal/capturesession/domain"
	"experiment-tracking/backend/internal/capturesession/repository"
	"experiment-tracking/backend/internal/statemachine"
)

// CaptureSessionRepository implements the capture session repository over a Store.
type CaptureSessionRepository struct{ s *Store }

var _ repository.Repository = (*CaptureSessionRepository)(nil)

func copySession(cs *domain.CaptureSession) *domain.CaptureSession {
	cp := *cs
	cp.StartedAt, cp.StoppedAt, cp.ArchivedAt = copyTime(cs.StartedAt), copyTime(cs.StoppedAt), copyTime(cs.ArchivedAt)
	return &cp
}

func (r *CaptureSessionRepository) GetByID(_ context.Context, projectID, id string) (*domain.CaptureSession, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	cs, ok := r.s.sessions[id]
	if !ok || cs.ProjectID != projectID {
		return nil, nil
	}
	return copySession(cs), nil
}

func (r *CaptureSessionRepository) ListByRun(_ context.Context, projectID, runID string) ([]*domain.CaptureSession, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []*domain.CaptureSession
	for _, cs := range r.s.sessions {
		if cs.ProjectID == projectID && cs.RunID == runID {
			out = append(out, copySession(cs))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OrdinalNumber < out[j].OrdinalNumber })
	return out, nil
}

// Create assigns the next ordinal under the store lock, so ordinals never collide here.
func (r *CaptureSessionRepository) Create(_ context.Context, cs *domain.CaptureSession) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	highest := 0
	for _, o := range r.s.sessions {
		if o.RunID == cs.RunID && o.OrdinalNumber > highest {
			highest = o.OrdinalNumber
		}
	}
	cs.OrdinalNumber = highest + 1
	r.s.sessions[cs.ID] = copySession(cs)
	return nil
}

func (r *CaptureSessionRepository) SetArchived(_ context.Context, projectID, id string, archived bool, at time.Time) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	cs, ok := r.s.sessions[id]
	if !ok || cs.ProjectID != projectID || cs.Active() {
		return false, nil
	}
	cs.Archived = archived
	cs.UpdatedAt = at
	return true, nil
}

func (r *CaptureSessionRepository) ListStale(_ context.Context, cutoff time.Time, limit int) ([]*domain.CaptureSession, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	since := func(cs *domain.CaptureSession) time.Time {
		if cs.StartedAt != nil {
			return *cs.StartedAt
		}
		return cs.CreatedAt
	}
	var out []*domain.CaptureSession
	for _, cs := range r.s.sessions {
		if cs.Active() && since(cs).Before(cutoff) {
			out = append(out, copySession(cs))
		}
	}
	sort.Slice(out, func(i, j int) bool { return since(out[i]).Before(since(out[j])) })
	return page(out, limit, 0, 100), nil
}

func (r *CaptureSessionRepository) GetSubject(_ context.Context, projectID, id string) (*statemachine.Subject, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	cs, ok := r.s.sessions[id]
	if !ok || cs.ProjectID != projectID {
		return nil, nil
	}
	sub := copySession(cs).Subject()
	return &sub, nil
}

// ApplyTransition mirrors the partial unique index: a second active session on a run is rejected.
func (r *CaptureSessionRepository) ApplyTransition(_ context.Context, projectID, id string, c statemachine.Change) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	cs, ok := r.s.sessions[id]
	if !ok || cs.ProjectID != projectID || cs.Status != c.From {
		return false, nil
	}
	if statemachine.IsActive(c.To) {
		for _, o := range r.s.sessions {
			if o.ID != cs.ID && o.RunID == cs.RunID && o.Active() {
				return false, statemachine.ErrExclusiveActive
			}
		}
	}
	cs.Apply(c)
	return true, nil
}
