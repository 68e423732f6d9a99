package memory

import (
	"context"
	"time"

	"experiment-tracking/backend/internal/run/domain"
	"experiment-tracking/backend/internal/run/repository"
	"experiment-tracking/backend/internal/statemachine"
)

// RunRepository implements the run repository over a Store.
type RunRepository struct{ s *Store }

var _ repository.Repository = (*RunRepository)(nil)

func copyRun(r *domain.Run) *domain.Run {
	cp := *r
	cp.Params = copyMap(r.Params)
	cp.StartedAt, cp.CompletedAt, cp.ArchivedAt = copyTime(r.StartedAt), copyTime(r.CompletedAt), copyTime(r.ArchivedAt)
	if r.Duration != nil {
		d := *r.Duration
		cp.Duration = &d
	}
	return &cp
}

func (r *RunRepository) GetByID(_ context.Context, projectID, id string) (*domain.Run, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	run, ok := r.s.runs[id]
	if !ok || run.ProjectID != projectID {
		return nil, nil
	}
	return copyRun(run), nil
}

func (r *RunRepository) ListByExperiment(_ context.Context, projectID, experimentID string, limit, offset int) ([]*domain.Run, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []*domain.Run
	for _, run := range r.s.runs {
		if run.ProjectID == projectID && run.ExperimentID == experimentID {
			out = append(out, copyRun(run))
		}
	}
	newestFirst(out, func(r *domain.Run) time.Time { return r.CreatedAt }, func(r *domain.Run) string { return r.ID })
	return page(out, limit, offset, 50), nil
}

func (r *RunRepository) Create(_ context.Context, run *domain.Run) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	r.s.runs[run.ID] = copyRun(run)
	return nil
}

func (r *RunRepository) Update(_ context.Context, run *domain.Run) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	cur, ok := r.s.runs[run.ID]
	if !ok || cur.ProjectID != run.ProjectID {
		return nil
	}
	cur.Name = run.Name
	cur.Params = copyMap(run.Params)
	cur.UpdatedAt = run.UpdatedAt
	return nil
}

func (r *RunRepository) GetSubject(_ context.Context, projectID, id string) (*statemachine.Subject, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	run, ok := r.s.runs[id]
	if !ok || run.ProjectID != projectID {
		return nil, nil
	}
	sub := copyRun(run).Subject()
	return &sub, nil
}

func (r *RunRepository) ApplyTransition(_ context.Context, projectID, id string, c statemachine.Change) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	run, ok := r.s.runs[id]
	if !ok || run.ProjectID != projectID || run.Status != c.From {
		return false, nil
	}
	run.Apply(c)
	return true, nil
}
