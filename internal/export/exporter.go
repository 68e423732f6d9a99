package export

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	capturedomain "experiment-tracking/backend/internal/capturesession/domain"
	"experiment-tracking/backend/internal/events"
	"experiment-tracking/backend/internal/platform/apperr"
	"experiment-tracking/backend/internal/statemachine"
	telemetrydomain "experiment-tracking/backend/internal/telemetry/domain"
)

const pageSize = 1000

// Header is the CSV column order.
var Header = []string{
	"id", "timestamp", "sensor_id", "raw_value", "physical_value",
	"conversion_status", "attachment_outcome", "ingested_at", "meta",
}

// SessionReader loads capture sessions.
type SessionReader interface {
	GetByID(ctx context.Context, projectID, id string) (*capturedomain.CaptureSession, error)
}

// RecordLister pages a session's telemetry in id order.
type RecordLister interface {
	ListBySession(ctx context.Context, projectID, sessionID string, afterID int64, limit int) ([]*telemetrydomain.Record, error)
}

// Result describes a written export.
type Result struct {
	CaptureSessionID string    `json:"capture_session_id"`
	Key              string    `json:"key"`
	Location         string    `json:"location"`
	Records          int       `json:"records"`
	Bytes            int64     `json:"bytes"`
	CreatedAt        time.Time `json:"created_at"`
}

// Exporter renders session telemetry as CSV and stores it.
type Exporter struct {
	sessions SessionReader
	records  RecordLister
	blobs    BlobStore
	events   events.Publisher
	nowF     func() time.Time
}

// NewExporter returns an exporter. pub receives capture_session.exported and may be nil.
func NewExporter(sessions SessionReader, records RecordLister, blobs BlobStore, pub events.Publisher) *Exporter {
	return &Exporter{
		sessions: sessions,
		records:  records,
		blobs:    blobs,
		events:   pub,
		nowF:     func() time.Time { return time.Now().UTC().Truncate(time.Microsecond) },
	}
}

// Key returns the object key for an export of session taken at at.
func Key(projectID string, cs *capturedomain.CaptureSession, at time.Time) string {
	return fmt.Sprintf("exports/%s/runs/%s/capture-sessions/%03d-%s/%s.csv",
		projectID, cs.RunID, cs.OrdinalNumber, cs.ID, at.Format("20060102T150405Z"))
}

// Export writes every record attached to the session. Active sessions may be exported; the file
// then holds the records stored so far.
func (e *Exporter) Export(ctx context.Context, projectID, sessionID, actorID string) (*Result, error) {
	cs, err := e.sessions.GetByID(ctx, projectID, sessionID)
	if err != nil {
		return nil, fmt.Errorf("export capture session: %w", err)
	}
	if cs == nil {
		return nil, apperr.NotFound("capture session", sessionID)
	}

	var buf bytes.Buffer
	n, err := e.render(ctx, &buf, projectID, sessionID)
	if err != nil {
		return nil, err
	}
	now := e.nowF()
	key := Key(projectID, cs, now)
	size := int64(buf.Len())
	if err := e.blobs.Put(ctx, key, &buf, size, "text/csv"); err != nil {
		return nil, fmt.Errorf("store export: %w", err)
	}

	ev := events.New("capture_session.exported", projectID, string(statemachine.KindCaptureSession), sessionID, now)
	ev.ActorID = actorID
	ev.Payload = map[string]any{"key": key, "records": n}
	events.PublishAsync(ctx, e.events, ev)

	return &Result{
		CaptureSessionID: sessionID,
		Key:              key,
		Location:         e.blobs.Location(key),
		Records:          n,
		Bytes:            size,
		CreatedAt:        now,
	}, nil
}

func (e *Exporter) render(ctx context.Context, buf *bytes.Buffer, projectID, sessionID string) (int, error) {
	w := csv.NewWriter(buf)
	if err := w.Write(Header); err != nil {
		return 0, err
	}
	var (
		after int64
		n     int
	)
	for {
		page, err := e.records.ListBySession(ctx, projectID, sessionID, after, pageSize)
		if err != nil {
			return 0, fmt.Errorf("list session telemetry: %w", err)
		}
		for _, r := range page {
			row, err := csvRow(r)
			if err != nil {
				return 0, err
			}
			if err := w.Write(row); err != nil {
				return 0, err
			}
			after = r.ID
			n++
		}
		if len(page) < pageSize {
			break
		}
	}
	w.Flush()
	return n, w.Error()
}

func csvRow(r *telemetrydomain.Record) ([]string, error) {
	physical := ""
	if r.PhysicalValue != nil {
		physical = strconv.FormatFloat(*r.PhysicalValue, 'g', -1, 64)
	}
	meta := "{}"
	if len(r.Meta) > 0 {
		b, err := json.Marshal(r.Meta)
		if err != nil {
			return nil, fmt.Errorf("encode meta of record %d: %w", r.ID, err)
		}
		meta = string(b)
	}
	return []string{
		strconv.FormatInt(r.ID, 10),
		r.Timestamp.UTC().Format(time.RFC3339Nano),
		r.SensorID,
		strconv.FormatFloat(r.RawValue, 'g', -1, 64),
		physical,
		string(r.ConversionStatus),
		string(r.AttachmentOutcome),
		r.IngestedAt.UTC().Format(time.RFC3339Nano),
		meta,
	}, nil
}
