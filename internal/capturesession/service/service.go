package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"experiment-tracking/backend/internal/capturesession/domain"
	"experiment-tracking/backend/internal/capturesession/repository"
	"experiment-tracking/backend/internal/events"
	"experiment-tracking/backend/internal/platform/apperr"
	rundomain "experiment-tracking/backend/internal/run/domain"
	"experiment-tracking/backend/internal/statemachine"
)

// RunReader is the minimal run repository needed by the capture session service.
type RunReader interface {
	GetByID(ctx context.Context, projectID, id string) (*rundomain.Run, error)
}

// CreateInput is the payload for Create.
type CreateInput struct {
	Notes string `json:"notes"`
}

// CaptureSessionService creates and archives capture sessions. Status changes go through the lifecycle service.
type CaptureSessionService struct {
	repo   repository.Repository
	runs   RunReader
	events events.Publisher
	nowF   func() time.Time
}

// NewCaptureSessionService returns a service backed by repo. pub receives capture_session.created and may be nil.
func NewCaptureSessionService(repo repository.Repository, runs RunReader, pub events.Publisher) *CaptureSessionService {
	return &CaptureSessionService{
		repo:   repo,
		runs:   runs,
		events: pub,
		nowF:   func() time.Time { return time.Now().UTC().Truncate(time.Microsecond) },
	}
}

// Create adds a draft session with the run's next ordinal. Archived runs accept no new sessions.
// A concurrent create that claims the same ordinal yields a conflict error; the caller may retry.
func (s *CaptureSessionService) Create(ctx context.Context, projectID, runID, initiatedBy string, in CreateInput) (*domain.CaptureSession, error) {
	run, err := s.runs.GetByID(ctx, projectID, runID)
	if err != nil {
		return nil, fmt.Errorf("create capture session: %w", err)
	}
	if run == nil {
		return nil, apperr.NotFound("run", runID)
	}
	if run.Status == statemachine.StatusArchived {
		return nil, apperr.Conflict("run %s is archived", runID)
	}
	now := s.nowF()
	cs := &domain.CaptureSession{
		ID:          uuid.New().String(),
		RunID:       runID,
		ProjectID:   projectID,
		Status:      statemachine.StatusDraft,
		InitiatedBy: initiatedBy,
		Notes:       in.Notes,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.repo.Create(ctx, cs); err != nil {
		if errors.Is(err, repository.ErrOrdinalTaken) {
			return nil, apperr.Conflict("a concurrent request claimed the next ordinal for run %s; retry", runID)
		}
		return nil, fmt.Errorf("create capture session: %w", err)
	}
	ev := events.New("capture_session.created", projectID, string(statemachine.KindCaptureSession), cs.ID, now)
	ev.ActorID = initiatedBy
	ev.Payload = map[string]any{"run_id": runID, "ordinal_number": cs.OrdinalNumber}
	events.PublishAsync(ctx, s.events, ev)
	return cs, nil
}

// Get returns the session or a not found error.
func (s *CaptureSessionService) Get(ctx context.Context, projectID, id string) (*domain.CaptureSession, error) {
	cs, err := s.repo.GetByID(ctx, projectID, id)
	if err != nil {
		return nil, fmt.Errorf("get capture session: %w", err)
	}
	if cs == nil {
		return nil, apperr.NotFound("capture session", id)
	}
	return cs, nil
}

// ListByRun returns the run's sessions in ordinal order.
func (s *CaptureSessionService) ListByRun(ctx context.Context, projectID, runID string) ([]*domain.CaptureSession, error) {
	run, err := s.runs.GetByID(ctx, projectID, runID)
	if err != nil {
		return nil, fmt.Errorf("list capture sessions: %w", err)
	}
	if run == nil {
		return nil, apperr.NotFound("run", runID)
	}
	list, err := s.repo.ListByRun(ctx, projectID, runID)
	if err != nil {
		return nil, fmt.Errorf("list capture sessions: %w", err)
	}
	return list, nil
}

// SetArchived sets or clears the soft-delete flag. Active sessions cannot be archived.
func (s *CaptureSessionService) SetArchived(ctx context.Context, projectID, id string, archived bool) (*domain.CaptureSession, error) {
	ok, err := s.repo.SetArchived(ctx, projectID, id, archived, s.nowF())
	if err != nil {
		return nil, fmt.Errorf("archive capture session: %w", err)
	}
	cs, err := s.Get(ctx, projectID, id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, apperr.Conflict("capture session %s is %s; stop it before archiving", id, cs.Status)
	}
	return cs, nil
}

// Exists returns a not found error unless the session is in projectID.
func (s *CaptureSessionService) Exists(ctx context.Context, projectID, id string) error {
	_, err := s.Get(ctx, projectID, id)
	return err
}
