package domain

import (
	"time"

	"experiment-tracking/backend/internal/statemachine"
)

// CaptureSession is a numbered recording window within a run. Telemetry attaches to it only while
// it is active (running or backfilling). Archived is a soft-delete flag independent of Status.
type CaptureSession struct {
	ID            string              `json:"id"`
	RunID         string              `json:"run_id"`
	ProjectID     string              `json:"project_id"`
	OrdinalNumber int                 `json:"ordinal_number"`
	Status        statemachine.Status `json:"status"`
	Archived      bool                `json:"archived"`
	InitiatedBy   string              `json:"initiated_by"`
	Notes         string              `json:"notes"`
	StartedAt     *time.Time          `json:"started_at,omitempty"`
	StoppedAt     *time.Time          `json:"stopped_at,omitempty"`
	ArchivedAt    *time.Time          `json:"archived_at,omitempty"`
	CreatedAt     time.Time           `json:"created_at"`
	UpdatedAt     time.Time           `json:"updated_at"`
}

// Active reports whether the session accepts telemetry.
func (s *CaptureSession) Active() bool {
	return statemachine.IsActive(s.Status)
}

// Subject returns the status view used by the state machine.
func (s *CaptureSession) Subject() statemachine.Subject {
	return statemachine.Subject{
		Kind:       statemachine.KindCaptureSession,
		ID:         s.ID,
		ProjectID:  s.ProjectID,
		ScopeID:    s.RunID,
		Status:     s.Status,
		StartedAt:  s.StartedAt,
		EndedAt:    s.StoppedAt,
		ArchivedAt: s.ArchivedAt,
	}
}

// Apply copies a computed change onto s.
func (s *CaptureSession) Apply(c statemachine.Change) {
	s.Status = c.To
	s.StartedAt = c.StartedAt
	s.StoppedAt = c.EndedAt
	s.ArchivedAt = c.ArchivedAt
	s.UpdatedAt = c.At
}
