package repository

import (
	"context"
	"errors"
	"time"

	"experiment-tracking/backend/internal/capturesession/domain"
	"experiment-tracking/backend/internal/statemachine"
)

// ErrOrdinalTaken is returned by Create when a concurrent create claimed the same ordinal.
var ErrOrdinalTaken = errors.New("capture session ordinal already taken")

// Repository defines persistence for capture sessions. Every query except ListStale is scoped by project.
type Repository interface {
	// GetByID returns the session, or nil if it does not exist in the project.
	GetByID(ctx context.Context, projectID, id string) (*domain.CaptureSession, error)
	ListByRun(ctx context.Context, projectID, runID string) ([]*domain.CaptureSession, error)
	// Create inserts s with the next ordinal for its run and sets s.OrdinalNumber.
	// Returns ErrOrdinalTaken if another insert won the ordinal.
	Create(ctx context.Context, s *domain.CaptureSession) error
	// SetArchived sets the soft-delete flag unless the session is active. Returns false if it is active or missing.
	SetArchived(ctx context.Context, projectID, id string, archived bool, at time.Time) (bool, error)
	// ListStale returns active sessions across all projects started before cutoff.
	ListStale(ctx context.Context, cutoff time.Time, limit int) ([]*domain.CaptureSession, error)
	// GetSubject returns the status view, or nil if not found.
	GetSubject(ctx context.Context, projectID, id string) (*statemachine.Subject, error)
	// ApplyTransition writes c only if the stored status still equals c.From. Returns false otherwise,
	// and statemachine.ErrExclusiveActive if the run already has another active session.
	ApplyTransition(ctx context.Context, projectID, id string, c statemachine.Change) (bool, error)
}
