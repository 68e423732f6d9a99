package service

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"experiment-tracking/backend/internal/events"
	"experiment-tracking/backend/internal/experiment/domain"
	"experiment-tracking/backend/internal/experiment/repository"
	"experiment-tracking/backend/internal/platform/apperr"
	"experiment-tracking/backend/internal/statemachine"
)

const maxNameLength = 255

// CreateInput is the payload for Create.
type CreateInput struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Tags        []string       `json:"tags"`
	Metadata    map[string]any `json:"metadata"`
}

// UpdateInput carries optional field updates; nil fields are left unchanged.
type UpdateInput struct {
	Name        *string         `json:"name"`
	Description *string         `json:"description"`
	Tags        *[]string       `json:"tags"`
	Metadata    *map[string]any `json:"metadata"`
}

// ExperimentService implements experiment CRUD. Status changes go through the lifecycle service.
type ExperimentService struct {
	repo   repository.Repository
	events events.Publisher
	nowF   func() time.Time
}

// NewExperimentService returns a service backed by repo. pub receives experiment.created and may be nil.
func NewExperimentService(repo repository.Repository, pub events.Publisher) *ExperimentService {
	return &ExperimentService{
		repo:   repo,
		events: pub,
		nowF:   func() time.Time { return time.Now().UTC().Truncate(time.Microsecond) },
	}
}

// Create stores a new experiment in status created.
func (s *ExperimentService) Create(ctx context.Context, projectID, ownerID string, in CreateInput) (*domain.Experiment, error) {
	name, err := validName(in.Name)
	if err != nil {
		return nil, err
	}
	now := s.nowF()
	e := &domain.Experiment{
		ID:          uuid.New().String(),
		ProjectID:   projectID,
		OwnerID:     ownerID,
		Name:        name,
		Description: in.Description,
		Tags:        NormalizeTags(in.Tags),
		Metadata:    in.Metadata,
		Status:      statemachine.StatusCreated,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if e.Metadata == nil {
		e.Metadata = map[string]any{}
	}
	if err := s.repo.Create(ctx, e); err != nil {
		return nil, fmt.Errorf("create experiment: %w", err)
	}
	ev := events.New("experiment.created", projectID, string(statemachine.KindExperiment), e.ID, now)
	ev.ActorID = ownerID
	events.PublishAsync(ctx, s.events, ev)
	return e, nil
}

// Get returns the experiment or a not found error.
func (s *ExperimentService) Get(ctx context.Context, projectID, id string) (*domain.Experiment, error) {
	e, err := s.repo.GetByID(ctx, projectID, id)
	if err != nil {
		return nil, fmt.Errorf("get experiment: %w", err)
	}
	if e == nil {
		return nil, apperr.NotFound("experiment", id)
	}
	return e, nil
}

// List returns experiments in the project, optionally filtered by status.
func (s *ExperimentService) List(ctx context.Context, projectID string, f repository.ListFilter) ([]*domain.Experiment, error) {
	if f.Status != "" && !statemachine.Valid(statemachine.KindExperiment, f.Status) {
		return nil, apperr.Validation("unknown experiment status %q", f.Status)
	}
	if f.Limit < 0 || f.Limit > 500 || f.Offset < 0 {
		return nil, apperr.Validation("limit must be 0-500 and offset non-negative")
	}
	list, err := s.repo.ListByProject(ctx, projectID, f)
	if err != nil {
		return nil, fmt.Errorf("list experiments: %w", err)
	}
	return list, nil
}

// Update applies descriptive field changes. Archived experiments are read-only.
func (s *ExperimentService) Update(ctx context.Context, projectID, id string, in UpdateInput) (*domain.Experiment, error) {
	e, err := s.Get(ctx, projectID, id)
	if err != nil {
		return nil, err
	}
	if e.Status == statemachine.StatusArchived {
		return nil, apperr.Conflict("experiment %s is archived", id)
	}
	if in.Name != nil {
		name, err := validName(*in.Name)
		if err != nil {
			return nil, err
		}
		e.Name = name
	}
	if in.Description != nil {
		e.Description = *in.Description
	}
	if in.Tags != nil {
		e.Tags = NormalizeTags(*in.Tags)
	}
	if in.Metadata != nil {
		e.Metadata = *in.Metadata
		if e.Metadata == nil {
			e.Metadata = map[string]any{}
		}
	}
	e.UpdatedAt = s.nowF()
	if err := s.repo.Update(ctx, e); err != nil {
		return nil, fmt.Errorf("update experiment: %w", err)
	}
	return e, nil
}

func validName(name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", apperr.Validation("name is required")
	}
	if len(name) > maxNameLength {
		return "", apperr.Validation("name must be at most %d characters", maxNameLength)
	}
	return name, nil
}

// NormalizeTags trims, drops empties and de-duplicates tags, returning them sorted.
func NormalizeTags(tags []string) []string {
	seen := make(map[string]struct{}, len(tags))
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		t = strings.TrimSpace(t)
		if t == "" {
			continue
		}
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}
