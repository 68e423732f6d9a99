// Package events publishes domain events (status transitions, sensor changes) to the event bus.
// Publication is best-effort: a failure is logged and counted, never returned to the API caller.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"time"

	"github.com/google/uuid"

	"experiment-tracking/backend/internal/observability/metrics"
)

// publishTimeout bounds a single async publish. ShutdownDrainDuration derives from it.
const publishTimeout = 5 * time.Second

// ShutdownDrainDuration is how long to wait after the HTTP server stops before closing publishers,
// so in-flight async publishes can finish.
const ShutdownDrainDuration = publishTimeout

// Event is a domain event. Type is "<entity kind>.<verb>", e.g. run.started or capture_session.succeeded.
type Event struct {
	ID         string         `json:"id"`
	Type       string         `json:"type"`
	ProjectID  string         `json:"project_id"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id"`
	From       string         `json:"from,omitempty"`
	To         string         `json:"to,omitempty"`
	ActorID    string         `json:"actor_id,omitempty"`
	Payload    map[string]any `json:"payload,omitempty"`
	OccurredAt time.Time      `json:"occurred_at"`
}

// New returns an event with a fresh id for entity kind/id in projectID.
func New(typ, projectID, kind, entityID string, at time.Time) Event {
	return Event{
		ID:         uuid.New().String(),
		Type:       typ,
		ProjectID:  projectID,
		EntityKind: kind,
		EntityID:   entityID,
		OccurredAt: at,
	}
}

// Marshal encodes e as the JSON message value written to the bus.
func (e Event) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

// Unmarshal decodes a message value written by Marshal.
func Unmarshal(b []byte) (Event, error) {
	var e Event
	err := json.Unmarshal(b, &e)
	return e, err
}

// Publisher sends events to a sink. Implementations may block briefly; use PublishAsync from request paths.
type Publisher interface {
	Publish(ctx context.Context, e Event) error
	// Close releases resources. Safe to call more than once.
	Close() error
}

// PublishAsync runs Publish in a goroutine with a short timeout so the caller is not blocked.
// The goroutine detaches from ctx cancellation but keeps its values. p may be nil.
func PublishAsync(ctx context.Context, p Publisher, e Event) {
	if p == nil {
		return
	}
	base := context.WithoutCancel(ctx)
	go func() {
		pubCtx, cancel := context.WithTimeout(base, publishTimeout)
		defer cancel()
		if err := p.Publish(pubCtx, e); err != nil {
			metrics.PublishFailed(pubCtx, e.Type)
			log.Printf("events: publish %s for %s %s failed: %v", e.Type, e.EntityKind, e.EntityID, err)
		}
	}()
}

// Noop discards events.
type Noop struct{}

func (Noop) Publish(context.Context, Event) error { return nil }
func (Noop) Close() error                         { return nil }

// Multi fans an event out to every publisher. All are attempted; errors are joined.
type Multi []Publisher

func (m Multi) Publish(ctx context.Context, e Event) error {
	var errs []error
	for _, p := range m {
		if p == nil {
			continue
		}
		if err := p.Publish(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m Multi) Close() error {
	var errs []error
	for _, p := range m {
		if p == nil {
			continue
		}
		if err := p.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// verbs overrides the event verb for entering a status. Other statuses use the status name.
var verbs = map[string]map[string]string{
	"run": {"running": "started"},
}

// TypeFor returns the event type for an entity of kind entering status.
func TypeFor(kind, status string) string {
	if v, ok := verbs[kind][status]; ok {
		return kind + "." + v
	}
	return kind + "." + status
}
