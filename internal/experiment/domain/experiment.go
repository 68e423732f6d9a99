package domain

import (
	"time"

	"experiment-tracking/backend/internal/statemachine"
)

// Experiment groups runs under a project. It is never physically removed; archival is a status.
type Experiment struct {
	ID          string              `json:"id"`
	ProjectID   string              `json:"project_id"`
	OwnerID     string              `json:"owner_id"`
	Name        string              `json:"name"`
	Description string              `json:"description"`
	Tags        []string            `json:"tags"`
	Metadata    map[string]any      `json:"metadata"`
	Status      statemachine.Status `json:"status"`
	StartedAt   *time.Time          `json:"started_at,omitempty"`
	EndedAt     *time.Time          `json:"ended_at,omitempty"`
	ArchivedAt  *time.Time          `json:"archived_at,omitempty"`
	CreatedAt   time.Time           `json:"created_at"`
	UpdatedAt   time.Time           `json:"updated_at"`
}

// Subject returns the status view used by the state machine.
func (e *Experiment) Subject() statemachine.Subject {
	return statemachine.Subject{
		Kind:       statemachine.KindExperiment,
		ID:         e.ID,
		ProjectID:  e.ProjectID,
		Status:     e.Status,
		StartedAt:  e.StartedAt,
		EndedAt:    e.EndedAt,
		ArchivedAt: e.ArchivedAt,
	}
}

// Apply copies a computed change onto e.
func (e *Experiment) Apply(c statemachine.Change) {
	e.Status = c.To
	e.StartedAt = c.StartedAt
	e.EndedAt = c.EndedAt
	e.ArchivedAt = c.ArchivedAt
	e.UpdatedAt = c.At
}
