package domain

import "time"

// AttachmentOutcome records how a reading was linked when it was stored.
type AttachmentOutcome string

const (
	// OutcomeAttached means the record is linked to an active capture session.
	OutcomeAttached AttachmentOutcome = "attached"
	// OutcomeUnattached means the record has no session; it may still belong to a run.
	OutcomeUnattached AttachmentOutcome = "unattached"
	// OutcomeLate means the named session had already finished. The record carries no linkage.
	OutcomeLate AttachmentOutcome = "late"
)

// ConversionStatus describes where the physical value came from.
type ConversionStatus string

const (
	ConversionRawOnly        ConversionStatus = "raw_only"
	ConversionConverted      ConversionStatus = "converted"
	ConversionClientProvided ConversionStatus = "client_provided"
	ConversionFailed         ConversionStatus = "conversion_failed"
)

// SystemMetaKey is reserved in reading meta for server-written attributes.
const SystemMetaKey = "__system"

// Reading is one sample submitted by a sensor.
type Reading struct {
	Timestamp     *time.Time     `json:"timestamp"`
	RawValue      *float64       `json:"raw_value"`
	PhysicalValue *float64       `json:"physical_value,omitempty"`
	Meta          map[string]any `json:"meta,omitempty"`
}

// Batch is the ingest request body.
type Batch struct {
	SensorID         string    `json:"sensor_id"`
	RunID            string    `json:"run_id,omitempty"`
	CaptureSessionID string    `json:"capture_session_id,omitempty"`
	Readings         []Reading `json:"readings"`
}

// Record is a stored telemetry sample. ID is assigned by storage and increases with arrival order.
type Record struct {
	ID                        int64             `json:"id"`
	ProjectID                 string            `json:"project_id"`
	SensorID                  string            `json:"sensor_id"`
	RunID                     *string           `json:"run_id,omitempty"`
	CaptureSessionID          *string           `json:"capture_session_id,omitempty"`
	RequestedCaptureSessionID *string           `json:"requested_capture_session_id,omitempty"`
	Timestamp                 time.Time         `json:"timestamp"`
	RawValue                  float64           `json:"raw_value"`
	PhysicalValue             *float64          `json:"physical_value,omitempty"`
	ConversionStatus          ConversionStatus  `json:"conversion_status"`
	AttachmentOutcome         AttachmentOutcome `json:"attachment_outcome"`
	Meta                      map[string]any    `json:"meta"`
	IngestedAt                time.Time         `json:"ingested_at"`
}

// Late reports whether the record was flagged late.
func (r *Record) Late() bool { return r.AttachmentOutcome == OutcomeLate }
