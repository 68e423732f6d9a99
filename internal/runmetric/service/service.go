package service

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"experiment-tracking/backend/internal/platform/apperr"
	rundomain "experiment-tracking/backend/internal/run/domain"
	"experiment-tracking/backend/internal/runmetric/domain"
	"experiment-tracking/backend/internal/runmetric/repository"
	"experiment-tracking/backend/internal/statemachine"
)

// DefaultMaxPoints bounds one ingest call when Limits.MaxPoints is unset.
const DefaultMaxPoints = 10000

const maxNameLen = 255

// RunReader is the minimal run repository needed to scope metrics.
type RunReader interface {
	GetByID(ctx context.Context, projectID, id string) (*rundomain.Run, error)
}

// QueryInput filters Query. Nil steps are open bounds.
type QueryInput struct {
	Name     string
	FromStep *int64
	ToStep   *int64
}

// MetricService ingests and queries the scalar metrics of runs.
type MetricService struct {
	repo      repository.Repository
	runs      RunReader
	maxPoints int
	nowF      func() time.Time
}

// NewMetricService returns a service backed by repo. maxPoints <= 0 means DefaultMaxPoints.
func NewMetricService(repo repository.Repository, runs RunReader, maxPoints int) *MetricService {
	if maxPoints <= 0 {
		maxPoints = DefaultMaxPoints
	}
	return &MetricService{
		repo:      repo,
		runs:      runs,
		maxPoints: maxPoints,
		nowF:      func() time.Time { return time.Now().UTC().Truncate(time.Microsecond) },
	}
}

// Ingest validates and stores points for the run and returns how many were accepted.
// A point without a timestamp is stamped with the ingest time. Archived runs accept nothing.
func (s *MetricService) Ingest(ctx context.Context, projectID, runID string, points []domain.Point) (int, error) {
	if len(points) == 0 {
		return 0, apperr.Validation("metrics must not be empty")
	}
	if len(points) > s.maxPoints {
		return 0, apperr.Validation("at most %d metrics per request, got %d", s.maxPoints, len(points))
	}
	r, err := s.run(ctx, projectID, runID)
	if err != nil {
		return 0, err
	}
	if r.Status == statemachine.StatusArchived {
		return 0, apperr.Conflict("run %s is archived", runID)
	}
	now := s.nowF()
	clean := make([]domain.Point, len(points))
	for i, p := range points {
		p.Name = strings.TrimSpace(p.Name)
		switch {
		case p.Name == "":
			return 0, apperr.Validation("metrics[%d]: name is required", i)
		case len(p.Name) > maxNameLen:
			return 0, apperr.Validation("metrics[%d]: name longer than %d bytes", i, maxNameLen)
		case p.Step < 0:
			return 0, apperr.Validation("metrics[%d]: step must be non-negative", i)
		case math.IsNaN(p.Value) || math.IsInf(p.Value, 0):
			return 0, apperr.Validation("metrics[%d]: value must be finite", i)
		}
		if p.Timestamp.IsZero() {
			p.Timestamp = now
		}
		p.Timestamp = p.Timestamp.UTC()
		clean[i] = p
	}
	if err := s.repo.BulkInsert(ctx, projectID, runID, clean); err != nil {
		return 0, fmt.Errorf("ingest metrics: %w", err)
	}
	return len(clean), nil
}

// Query returns the run's metrics grouped into one series per name.
func (s *MetricService) Query(ctx context.Context, projectID, runID string, in QueryInput) (*domain.Result, error) {
	if in.FromStep != nil && in.ToStep != nil && *in.FromStep > *in.ToStep {
		return nil, apperr.Validation("from_step must not exceed to_step")
	}
	if _, err := s.run(ctx, projectID, runID); err != nil {
		return nil, err
	}
	points, err := s.repo.FetchSeries(ctx, projectID, runID, repository.Filter{
		Name:     strings.TrimSpace(in.Name),
		FromStep: in.FromStep,
		ToStep:   in.ToStep,
	})
	if err != nil {
		return nil, fmt.Errorf("query metrics: %w", err)
	}
	return domain.Group(runID, points), nil
}

func (s *MetricService) run(ctx context.Context, projectID, runID string) (*rundomain.Run, error) {
	r, err := s.runs.GetByID(ctx, projectID, runID)
	if err != nil {
		return nil, fmt.Errorf("get run: %w", err)
	}
	if r == nil {
		return nil, apperr.NotFound("run", runID)
	}
	return r, nil
}
