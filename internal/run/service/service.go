package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"experiment-tracking/backend/internal/events"
	experimentdomain "experiment-tracking/backend/internal/experiment/domain"
	"experiment-tracking/backend/internal/platform/apperr"
	"experiment-tracking/backend/internal/run/domain"
	"experiment-tracking/backend/internal/run/repository"
	"experiment-tracking/backend/internal/statemachine"
)

// ExperimentReader is the minimal experiment repository needed by the run service.
type ExperimentReader interface {
	GetByID(ctx context.Context, projectID, id string) (*experimentdomain.Experiment, error)
}

// CreateInput is the payload for Create.
type CreateInput struct {
	Name   string         `json:"name"`
	Params map[string]any `json:"params"`
}

// UpdateInput carries optional field updates; nil fields are left unchanged.
type UpdateInput struct {
	Name   *string         `json:"name"`
	Params *map[string]any `json:"params"`
}

// RunService implements run CRUD. Status changes go through the lifecycle service.
type RunService struct {
	repo        repository.Repository
	experiments ExperimentReader
	events      events.Publisher
	nowF        func() time.Time
}

// NewRunService returns a service backed by repo. pub receives run.created and may be nil.
func NewRunService(repo repository.Repository, experiments ExperimentReader, pub events.Publisher) *RunService {
	return &RunService{
		repo:        repo,
		experiments: experiments,
		events:      pub,
		nowF:        func() time.Time { return time.Now().UTC().Truncate(time.Microsecond) },
	}
}

// Create stores a new run under experimentID. Archived experiments accept no new runs.
func (s *RunService) Create(ctx context.Context, projectID, experimentID, createdBy string, in CreateInput) (*domain.Run, error) {
	name := strings.TrimSpace(in.Name)
	if name == "" {
		return nil, apperr.Validation("name is required")
	}
	exp, err := s.experiments.GetByID(ctx, projectID, experimentID)
	if err != nil {
		return nil, fmt.Errorf("create run: %w", err)
	}
	if exp == nil {
		return nil, apperr.NotFound("experiment", experimentID)
	}
	if exp.Status == statemachine.StatusArchived {
		return nil, apperr.Conflict("experiment %s is archived", experimentID)
	}
	now := s.nowF()
	r := &domain.Run{
		ID:           uuid.New().String(),
		ExperimentID: experimentID,
		ProjectID:    projectID,
		CreatedBy:    createdBy,
		Name:         name,
		Params:       in.Params,
		Status:       statemachine.StatusCreated,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if r.Params == nil {
		r.Params = map[string]any{}
	}
	if err := s.repo.Create(ctx, r); err != nil {
		return nil, fmt.Errorf("create run: %w", err)
	}
	ev := events.New("run.created", projectID, string(statemachine.KindRun), r.ID, now)
	ev.ActorID = createdBy
	ev.Payload = map[string]any{"experiment_id": experimentID}
	events.PublishAsync(ctx, s.events, ev)
	return r, nil
}

// Get returns the run or a not found error.
func (s *RunService) Get(ctx context.Context, projectID, id string) (*domain.Run, error) {
	r, err := s.repo.GetByID(ctx, projectID, id)
	if err != nil {
		return nil, fmt.Errorf("get run: %w", err)
	}
	if r == nil {
		return nil, apperr.NotFound("run", id)
	}
	return r, nil
}

// ListByExperiment returns the experiment's runs.
func (s *RunService) ListByExperiment(ctx context.Context, projectID, experimentID string, limit, offset int) ([]*domain.Run, error) {
	exp, err := s.experiments.GetByID(ctx, projectID, experimentID)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	if exp == nil {
		return nil, apperr.NotFound("experiment", experimentID)
	}
	runs, err := s.repo.ListByExperiment(ctx, projectID, experimentID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	return runs, nil
}

// Update changes name or params. Finished runs keep their params; archived runs are read-only.
func (s *RunService) Update(ctx context.Context, projectID, id string, in UpdateInput) (*domain.Run, error) {
	r, err := s.Get(ctx, projectID, id)
	if err != nil {
		return nil, err
	}
	if r.Status == statemachine.StatusArchived {
		return nil, apperr.Conflict("run %s is archived", id)
	}
	if in.Name != nil {
		name := strings.TrimSpace(*in.Name)
		if name == "" {
			return nil, apperr.Validation("name must not be empty")
		}
		r.Name = name
	}
	if in.Params != nil {
		if statemachine.IsTerminal(statemachine.KindRun, r.Status) {
			return nil, apperr.Conflict("params of %s run %s are frozen", r.Status, id)
		}
		r.Params = *in.Params
		if r.Params == nil {
			r.Params = map[string]any{}
		}
	}
	r.UpdatedAt = s.nowF()
	if err := s.repo.Update(ctx, r); err != nil {
		return nil, fmt.Errorf("update run: %w", err)
	}
	return r, nil
}
