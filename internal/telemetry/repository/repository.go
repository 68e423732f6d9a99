package repository

import (
	"context"
	"time"

	"experiment-tracking/backend/internal/telemetry/attachment"
	"experiment-tracking/backend/internal/telemetry/domain"
)

// IngestScope is a consistency scope for one batch: attachment reads and record writes made
// through it are atomic with respect to capture session transitions.
type IngestScope interface {
	attachment.Lookup
	// InsertRecords stores records in order and sets their IDs.
	InsertRecords(ctx context.Context, records []*domain.Record) error
	// TouchSensor sets the heartbeat and moves a registering or inactive sensor to active.
	TouchSensor(ctx context.Context, sensorID string, at time.Time) error
}

// StreamFilter selects records for the read side.
type StreamFilter struct {
	ProjectID string
	// SensorID optionally narrows to one sensor.
	SensorID string
	// AfterID is an exclusive cursor.
	AfterID int64
	// IngestedBefore hides records newer than the cutoff so a cursor never skips a record whose
	// transaction committed after a higher id became visible. Zero disables the cutoff.
	IngestedBefore time.Time
	Limit          int
}

// Repository defines persistence for telemetry records.
type Repository interface {
	// WithinIngestScope runs fn in a scope for projectID. An error from fn discards all writes.
	WithinIngestScope(ctx context.Context, projectID string, fn func(scope IngestScope) error) error
	// ListAfter returns records with id > f.AfterID in id order.
	ListAfter(ctx context.Context, f StreamFilter) ([]*domain.Record, error)
	// ListBySession returns a capture session's records after afterID in id order.
	ListBySession(ctx context.Context, projectID, sessionID string, afterID int64, limit int) ([]*domain.Record, error)
}
