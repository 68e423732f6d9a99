package memory

import (
	"context"
	"time"

	"experiment-tracking/backend/internal/experiment/domain"
	"experiment-tracking/backend/internal/experiment/repository"
	"experiment-tracking/backend/internal/statemachine"
)

// ExperimentRepository implements the experiment repository over a Store.
type ExperimentRepository struct{ s *Store }

var _ repository.Repository = (*ExperimentRepository)(nil)

func copyExperiment(e *domain.Experiment) *domain.Experiment {
	cp := *e
	cp.Tags = append([]string(nil), e.Tags...)
	cp.Metadata = copyMap(e.Metadata)
	cp.StartedAt, cp.EndedAt, cp.ArchivedAt = copyTime(e.StartedAt), copyTime(e.EndedAt), copyTime(e.ArchivedAt)
	return &cp
}

func (r *ExperimentRepository) GetByID(_ context.Context, projectID, id string) (*domain.Experiment, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	e, ok := r.s.experiments[id]
	if !ok || e.ProjectID != projectID {
		return nil, nil
	}
	return copyExperiment(e), nil
}

func (r *ExperimentRepository) ListByProject(_ context.Context, projectID string, f repository.ListFilter) ([]*domain.Experiment, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []*domain.Experiment
	for _, e := range r.s.experiments {
		if e.ProjectID != projectID || (f.Status != "" && e.Status != f.Status) {
			continue
		}
		out = append(out, copyExperiment(e))
	}
	newestFirst(out, func(e *domain.Experiment) time.Time { return e.CreatedAt }, func(e *domain.Experiment) string { return e.ID })
	return page(out, f.Limit, f.Offset, 50), nil
}

func (r *ExperimentRepository) Create(_ context.Context, e *domain.Experiment) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	r.s.experiments[e.ID] = copyExperiment(e)
	return nil
}

func (r *ExperimentRepository) Update(_ context.Context, e *domain.Experiment) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	cur, ok := r.s.experiments[e.ID]
	if !ok || cur.ProjectID != e.ProjectID {
		return nil
	}
	cur.Name, cur.Description = e.Name, e.Description
	cur.Tags = append([]string(nil), e.Tags...)
	cur.Metadata = copyMap(e.Metadata)
	cur.UpdatedAt = e.UpdatedAt
	return nil
}

func (r *ExperimentRepository) GetSubject(_ context.Context, projectID, id string) (*statemachine.Subject, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	e, ok := r.s.experiments[id]
	if !ok || e.ProjectID != projectID {
		return nil, nil
	}
	sub := copyExperiment(e).Subject()
	return &sub, nil
}

func (r *ExperimentRepository) ApplyTransition(_ context.Context, projectID, id string, c statemachine.Change) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	e, ok := r.s.experiments[id]
	if !ok || e.ProjectID != projectID || e.Status != c.From {
		return false, nil
	}
	e.Apply(c)
	return true, nil
}
