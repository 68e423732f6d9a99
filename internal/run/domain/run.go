package domain

import (
	"encoding/json"
	"time"

	"experiment-tracking/backend/internal/statemachine"
)

// Run is one execution of an experiment. Duration is derived and set only when the run finishes.
type Run struct {
	ID           string
	ExperimentID string
	ProjectID    string
	CreatedBy    string
	Name         string
	Params       map[string]any
	Status       statemachine.Status
	StartedAt    *time.Time
	CompletedAt  *time.Time
	Duration     *time.Duration
	ArchivedAt   *time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

type runJSON struct {
	ID              string              `json:"id"`
	ExperimentID    string              `json:"experiment_id"`
	ProjectID       string              `json:"project_id"`
	CreatedBy       string              `json:"created_by"`
	Name            string              `json:"name"`
	Params          map[string]any      `json:"params"`
	Status          statemachine.Status `json:"status"`
	StartedAt       *time.Time          `json:"started_at,omitempty"`
	CompletedAt     *time.Time          `json:"completed_at,omitempty"`
	DurationSeconds *float64            `json:"duration_seconds,omitempty"`
	ArchivedAt      *time.Time          `json:"archived_at,omitempty"`
	CreatedAt       time.Time           `json:"created_at"`
	UpdatedAt       time.Time           `json:"updated_at"`
}

// MarshalJSON renders Duration as fractional seconds.
func (r *Run) MarshalJSON() ([]byte, error) {
	out := runJSON{
		ID: r.ID, ExperimentID: r.ExperimentID, ProjectID: r.ProjectID, CreatedBy: r.CreatedBy,
		Name: r.Name, Params: r.Params, Status: r.Status, StartedAt: r.StartedAt,
		CompletedAt: r.CompletedAt, ArchivedAt: r.ArchivedAt, CreatedAt: r.CreatedAt, UpdatedAt: r.UpdatedAt,
	}
	if r.Duration != nil {
		secs := r.Duration.Seconds()
		out.DurationSeconds = &secs
	}
	return json.Marshal(out)
}

// Subject returns the status view used by the state machine.
func (r *Run) Subject() statemachine.Subject {
	return statemachine.Subject{
		Kind:       statemachine.KindRun,
		ID:         r.ID,
		ProjectID:  r.ProjectID,
		ScopeID:    r.ExperimentID,
		Status:     r.Status,
		StartedAt:  r.StartedAt,
		EndedAt:    r.CompletedAt,
		ArchivedAt: r.ArchivedAt,
	}
}

// Apply copies a computed change onto r.
func (r *Run) Apply(c statemachine.Change) {
	r.Status = c.To
	r.StartedAt = c.StartedAt
	r.CompletedAt = c.EndedAt
	if c.Duration != nil {
		r.Duration = c.Duration
	}
	r.ArchivedAt = c.ArchivedAt
	r.UpdatedAt = c.At
}
