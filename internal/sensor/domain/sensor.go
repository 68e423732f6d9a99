package domain

import (
	"time"

	"experiment-tracking/backend/internal/statemachine"
)

// Sensor is a telemetry source registered in a project. Only the SHA-256 hash of its token is stored.
type Sensor struct {
	ID              string              `json:"id"`
	ProjectID       string              `json:"project_id"`
	Name            string              `json:"name"`
	Type            string              `json:"type"`
	InputUnit       string              `json:"input_unit"`
	DisplayUnit     string              `json:"display_unit"`
	Status          statemachine.Status `json:"status"`
	TokenHash       string              `json:"-"`
	TokenPreview    string              `json:"token_preview"`
	ActiveProfileID *string             `json:"active_profile_id,omitempty"`
	LastHeartbeat   *time.Time          `json:"last_heartbeat,omitempty"`
	CreatedAt       time.Time           `json:"created_at"`
	UpdatedAt       time.Time           `json:"updated_at"`
}

// Subject returns the status view used by the state machine.
func (s *Sensor) Subject() statemachine.Subject {
	return statemachine.Subject{
		Kind:      statemachine.KindSensor,
		ID:        s.ID,
		ProjectID: s.ProjectID,
		Status:    s.Status,
	}
}

// AcceptsTelemetry reports whether the sensor may still ingest.
func (s *Sensor) AcceptsTelemetry() bool {
	return s.Status != statemachine.StatusDecommissioned
}
