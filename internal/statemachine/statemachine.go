// Package statemachine holds the status vocabularies and allowed transitions for every
// status-bearing entity, and computes the timestamp side effects of a transition.
// It is pure: no I/O, no clock reads (callers pass now).
package statemachine

import (
	"errors"
	"time"

	"experiment-tracking/backend/internal/platform/apperr"
)

// Kind names an entity type that has a status.
type Kind string

const (
	KindExperiment        Kind = "experiment"
	KindRun               Kind = "run"
	KindCaptureSession    Kind = "capture_session"
	KindSensor            Kind = "sensor"
	KindConversionProfile Kind = "conversion_profile"
)

// Status is a status value. The valid set depends on the Kind.
type Status string

const (
	// Experiment and run statuses.
	StatusCreated   Status = "created"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusArchived  Status = "archived"

	// Capture session statuses (running, failed and archived are shared).
	StatusDraft       Status = "draft"
	StatusBackfilling Status = "backfilling"
	StatusSucceeded   Status = "succeeded"

	// Sensor statuses.
	StatusRegistering    Status = "registering"
	StatusActive         Status = "active"
	StatusInactive       Status = "inactive"
	StatusDecommissioned Status = "decommissioned"

	// Conversion profile statuses (draft and active are shared).
	StatusScheduled  Status = "scheduled"
	StatusDeprecated Status = "deprecated"
)

// ErrExclusiveActive is returned by stores when applying a transition would make a second
// subject active in a scope that allows only one (e.g. two running capture sessions on a run).
var ErrExclusiveActive = errors.New("statemachine: another subject in the same scope is already active")

// Effects are the timestamp side effects attached to entering a status.
type Effects struct {
	SetStartedAt    bool
	SetEndedAt      bool
	ComputeDuration bool
	SetArchivedAt   bool
}

// Decision is the result of CanTransition.
type Decision struct {
	Allowed bool
	Reason  string
	Effects Effects
}

// Subject is the status-relevant view of a stored entity.
type Subject struct {
	Kind      Kind
	ID        string
	ProjectID string
	// ScopeID is the parent that bounds exclusivity (run id for capture sessions, sensor id for profiles).
	ScopeID    string
	Status     Status
	StartedAt  *time.Time
	EndedAt    *time.Time
	ArchivedAt *time.Time
}

// Change is a fully computed transition ready to be applied with a conditional write.
// Stores must apply it only if the stored status still equals From.
type Change struct {
	From       Status
	To         Status
	At         time.Time
	StartedAt  *time.Time
	EndedAt    *time.Time
	Duration   *time.Duration
	ArchivedAt *time.Time
}

// CanTransition reports whether kind may move from current to target and with which effects.
// Same-status requests are never allowed.
func CanTransition(kind Kind, current, target Status) Decision {
	t, ok := tables[kind]
	if !ok {
		return Decision{Reason: "unknown kind"}
	}
	if !t.known(current) {
		return Decision{Reason: "unknown current status"}
	}
	if !t.known(target) {
		return Decision{Reason: "unknown target status"}
	}
	if current == target {
		return Decision{Reason: "already in requested status"}
	}
	for _, to := range t.edges[current] {
		if to == target {
			return Decision{Allowed: true, Effects: t.effects[target]}
		}
	}
	if t.terminal[current] {
		return Decision{Reason: "status is terminal"}
	}
	return Decision{Reason: "transition not in table"}
}

// Apply validates the transition of s to target and computes the concrete change at now.
// It returns a conflict error naming both statuses when the transition is not allowed, and an
// invalid state error when a run finishes without a recorded start.
func Apply(s Subject, target Status, now time.Time) (Change, error) {
	d := CanTransition(s.Kind, s.Status, target)
	if !d.Allowed {
		return Change{}, apperr.TransitionConflict(string(s.Kind), string(s.Status), string(target))
	}
	c := Change{From: s.Status, To: target, At: now, StartedAt: s.StartedAt, EndedAt: s.EndedAt, ArchivedAt: s.ArchivedAt}
	if d.Effects.SetStartedAt && c.StartedAt == nil {
		c.StartedAt = timePtr(now)
	}
	if d.Effects.SetEndedAt {
		c.EndedAt = timePtr(now)
	}
	if d.Effects.ComputeDuration {
		if c.StartedAt == nil {
			return Change{}, apperr.InvalidState("%s %s reached %s without a start timestamp", s.Kind, s.ID, target)
		}
		dur := c.EndedAt.Sub(*c.StartedAt)
		c.Duration = &dur
	}
	if d.Effects.SetArchivedAt {
		c.ArchivedAt = timePtr(now)
	}
	return c, nil
}

// IsTerminal reports whether status accepts no outgoing transition other than archival.
func IsTerminal(kind Kind, status Status) bool {
	t, ok := tables[kind]
	return ok && t.terminal[status]
}

// IsActive reports whether a capture session in status accepts telemetry writes.
func IsActive(status Status) bool {
	return status == StatusRunning || status == StatusBackfilling
}

// Valid reports whether status belongs to kind's vocabulary.
func Valid(kind Kind, status Status) bool {
	t, ok := tables[kind]
	return ok && t.known(status)
}

// Statuses returns kind's vocabulary in declaration order.
func Statuses(kind Kind) []Status {
	t, ok := tables[kind]
	if !ok {
		return nil
	}
	out := make([]Status, len(t.order))
	copy(out, t.order)
	return out
}

func timePtr(t time.Time) *time.Time { return &t }
