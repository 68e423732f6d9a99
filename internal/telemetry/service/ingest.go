// Package service implements the telemetry ingest pipeline and its read side.
package service

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"experiment-tracking/backend/internal/observability/metrics"
	"experiment-tracking/backend/internal/platform/apperr"
	"experiment-tracking/backend/internal/security"
	sensordomain "experiment-tracking/backend/internal/sensor/domain"
	"experiment-tracking/backend/internal/telemetry/attachment"
	"experiment-tracking/backend/internal/telemetry/domain"
	"experiment-tracking/backend/internal/telemetry/repository"
)

// Default limits, overridable through config.
const (
	DefaultMaxBatchReadings    = 1000
	DefaultMaxBatchMetaBytes   = 256 << 10
	DefaultMaxReadingMetaBytes = 4 << 10
	// DefaultSettleDelay hides records this fresh from stream reads.
	DefaultSettleDelay = time.Second
)

// Limits bounds the size of an ingest batch.
type Limits struct {
	MaxBatchReadings    int
	MaxBatchMetaBytes   int
	MaxReadingMetaBytes int
}

func (l Limits) withDefaults() Limits {
	if l.MaxBatchReadings <= 0 {
		l.MaxBatchReadings = DefaultMaxBatchReadings
	}
	if l.MaxBatchMetaBytes <= 0 {
		l.MaxBatchMetaBytes = DefaultMaxBatchMetaBytes
	}
	if l.MaxReadingMetaBytes <= 0 {
		l.MaxReadingMetaBytes = DefaultMaxReadingMetaBytes
	}
	return l
}

// SensorAuthenticator looks sensors up by token hash.
type SensorAuthenticator interface {
	GetByTokenHash(ctx context.Context, tokenHash string) (*sensordomain.Sensor, error)
}

// IngestResult summarizes a stored batch.
type IngestResult struct {
	Accepted          int                      `json:"accepted"`
	AttachmentOutcome domain.AttachmentOutcome `json:"attachment_outcome"`
	RunID             string                   `json:"run_id,omitempty"`
	CaptureSessionID  string                   `json:"capture_session_id,omitempty"`
	FirstID           int64                    `json:"first_id"`
	LastID            int64                    `json:"last_id"`
}

// IngestService validates, attaches and stores telemetry batches.
type IngestService struct {
	repo        repository.Repository
	sensors     SensorAuthenticator
	limits      Limits
	settleDelay time.Duration
	nowF        func() time.Time
}

// NewIngestService returns a pipeline over repo. Zero limits take the defaults.
func NewIngestService(repo repository.Repository, sensors SensorAuthenticator, limits Limits) *IngestService {
	return &IngestService{
		repo:        repo,
		sensors:     sensors,
		limits:      limits.withDefaults(),
		settleDelay: DefaultSettleDelay,
		nowF:        func() time.Time { return time.Now().UTC().Truncate(time.Microsecond) },
	}
}

// Ingest stores every reading of a structurally valid batch. Attachment never fails the request:
// readings for a finished session are stored as late. Duplicate submissions are stored again.
func (s *IngestService) Ingest(ctx context.Context, token string, batch domain.Batch) (*IngestResult, error) {
	if err := s.validate(token, batch); err != nil {
		return nil, err
	}
	sensor, err := s.sensors.GetByTokenHash(ctx, security.HashSensorToken(token))
	if err != nil {
		return nil, fmt.Errorf("authenticate sensor: %w", err)
	}
	if sensor == nil || sensor.ID != batch.SensorID {
		return nil, apperr.Unauthenticated("invalid sensor token")
	}
	if !sensor.AcceptsTelemetry() {
		return nil, apperr.Forbidden("sensor %s is decommissioned", sensor.ID)
	}

	now := s.nowF()
	var (
		res     attachment.Resolution
		records []*domain.Record
	)
	err = s.repo.WithinIngestScope(ctx, sensor.ProjectID, func(scope repository.IngestScope) error {
		var err error
		res, err = attachment.Resolve(ctx, scope, sensor.ProjectID, sensor.ID, batch.RunID, batch.CaptureSessionID)
		if err != nil {
			return err
		}
		records = buildRecords(sensor, batch, res, now)
		if err := scope.InsertRecords(ctx, records); err != nil {
			return fmt.Errorf("insert records: %w", err)
		}
		if err := scope.TouchSensor(ctx, sensor.ID, now); err != nil {
			return fmt.Errorf("touch sensor: %w", err)
		}
		return nil
	})
	if err != nil {
		if apperr.KindOf(err) != "" {
			return nil, err
		}
		return nil, fmt.Errorf("ingest telemetry: %w", err)
	}
	metrics.Ingested(ctx, string(res.Outcome), len(records))
	return &IngestResult{
		Accepted:          len(records),
		AttachmentOutcome: res.Outcome,
		RunID:             res.RunID,
		CaptureSessionID:  res.CaptureSessionID,
		FirstID:           records[0].ID,
		LastID:            records[len(records)-1].ID,
	}, nil
}

func (s *IngestService) validate(token string, b domain.Batch) error {
	if strings.TrimSpace(token) == "" {
		return apperr.Validation("sensor token is required")
	}
	if strings.TrimSpace(b.SensorID) == "" {
		return apperr.Validation("sensor_id is required")
	}
	if len(b.Readings) == 0 {
		return apperr.Validation("readings must not be empty")
	}
	if len(b.Readings) > s.limits.MaxBatchReadings {
		return apperr.Validation("batch has %d readings, limit is %d", len(b.Readings), s.limits.MaxBatchReadings)
	}
	total := 0
	for i, r := range b.Readings {
		if r.Timestamp == nil || r.Timestamp.IsZero() {
			return apperr.Validation("readings[%d].timestamp is required", i)
		}
		if r.RawValue == nil {
			return apperr.Validation("readings[%d].raw_value is required", i)
		}
		if len(r.Meta) == 0 {
			continue
		}
		if _, ok := r.Meta[domain.SystemMetaKey]; ok {
			return apperr.Validation("readings[%d].meta must not contain the reserved key %q", i, domain.SystemMetaKey)
		}
		raw, err := json.Marshal(r.Meta)
		if err != nil {
			return apperr.Validation("readings[%d].meta is not valid JSON: %v", i, err)
		}
		if len(raw) > s.limits.MaxReadingMetaBytes {
			return apperr.Validation("readings[%d].meta is %d bytes, limit is %d", i, len(raw), s.limits.MaxReadingMetaBytes)
		}
		total += len(raw)
	}
	if total > s.limits.MaxBatchMetaBytes {
		return apperr.Validation("batch meta is %d bytes, limit is %d", total, s.limits.MaxBatchMetaBytes)
	}
	return nil
}

func buildRecords(sensor *sensordomain.Sensor, b domain.Batch, res attachment.Resolution, now time.Time) []*domain.Record {
	out := make([]*domain.Record, len(b.Readings))
	for i, r := range b.Readings {
		rec := &domain.Record{
			ProjectID:         sensor.ProjectID,
			SensorID:          sensor.ID,
			RunID:             optional(res.RunID),
			CaptureSessionID:  optional(res.CaptureSessionID),
			Timestamp:         r.Timestamp.UTC(),
			RawValue:          *r.RawValue,
			PhysicalValue:     r.PhysicalValue,
			ConversionStatus:  domain.ConversionRawOnly,
			AttachmentOutcome: res.Outcome,
			Meta:              r.Meta,
			IngestedAt:        now,
		}
		if res.Late() {
			rec.RequestedCaptureSessionID = optional(res.RequestedSessionID)
		}
		if r.PhysicalValue != nil {
			rec.ConversionStatus = domain.ConversionClientProvided
		}
		if rec.Meta == nil {
			rec.Meta = map[string]any{}
		}
		out[i] = rec
	}
	return out
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// Tail returns records after the cursor that are old enough to be final in id order.
func (s *IngestService) Tail(ctx context.Context, f repository.StreamFilter) ([]*domain.Record, error) {
	if f.AfterID < 0 {
		return nil, apperr.Validation("cursor must be non-negative")
	}
	if f.Limit <= 0 || f.Limit > 1000 {
		f.Limit = 500
	}
	if s.settleDelay > 0 {
		f.IngestedBefore = s.nowF().Add(-s.settleDelay)
	}
	recs, err := s.repo.ListAfter(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("tail telemetry: %w", err)
	}
	return recs, nil
}

// ListBySession pages through a capture session's records in id order.
func (s *IngestService) ListBySession(ctx context.Context, projectID, sessionID string, afterID int64, limit int) ([]*domain.Record, error) {
	if afterID < 0 {
		return nil, apperr.Validation("cursor must be non-negative")
	}
	if limit <= 0 || limit > 1000 {
		limit = 500
	}
	recs, err := s.repo.ListBySession(ctx, projectID, sessionID, afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("list session telemetry: %w", err)
	}
	return recs, nil
}
