package domain

import (
	"time"

	"experiment-tracking/backend/internal/statemachine"
)

// ConversionProfile describes how a sensor's raw values map to physical units. The server stores
// profiles but never applies them; readings carry a client-computed physical value if any.
type ConversionProfile struct {
	ID          string              `json:"id"`
	SensorID    string              `json:"sensor_id"`
	ProjectID   string              `json:"project_id"`
	Version     string              `json:"version"`
	Kind        string              `json:"kind"`
	Payload     map[string]any      `json:"payload"`
	Status      statemachine.Status `json:"status"`
	ValidFrom   *time.Time          `json:"valid_from,omitempty"`
	ValidTo     *time.Time          `json:"valid_to,omitempty"`
	CreatedBy   string              `json:"created_by"`
	PublishedBy *string             `json:"published_by,omitempty"`
	PublishedAt *time.Time          `json:"published_at,omitempty"`
	CreatedAt   time.Time           `json:"created_at"`
	UpdatedAt   time.Time           `json:"updated_at"`
}

// Subject returns the status view used by the state machine. The validity window maps onto
// the start and end timestamps.
func (p *ConversionProfile) Subject() statemachine.Subject {
	return statemachine.Subject{
		Kind:      statemachine.KindConversionProfile,
		ID:        p.ID,
		ProjectID: p.ProjectID,
		ScopeID:   p.SensorID,
		Status:    p.Status,
		StartedAt: p.ValidFrom,
		EndedAt:   p.ValidTo,
	}
}

// Apply copies a computed change onto p.
func (p *ConversionProfile) Apply(c statemachine.Change) {
	p.Status = c.To
	p.ValidFrom = c.StartedAt
	p.ValidTo = c.EndedAt
	p.UpdatedAt = c.At
}

// Window returns the profile's validity window.
func (p *ConversionProfile) Window() Window {
	return Window{From: p.ValidFrom, To: p.ValidTo}
}

// Window is a half-open validity interval [From, To). A nil bound is unbounded.
type Window struct {
	From *time.Time
	To   *time.Time
}

// Overlaps reports whether w and o share any instant.
func (w Window) Overlaps(o Window) bool {
	// w starts before o ends and o starts before w ends.
	return before(w.From, o.To) && before(o.From, w.To)
}

// before reports start < end, treating a nil start as -inf and a nil end as +inf.
func before(start, end *time.Time) bool {
	if start == nil || end == nil {
		return true
	}
	return start.Before(*end)
}
