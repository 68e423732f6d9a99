package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"experiment-tracking/backend/internal/db"
	"experiment-tracking/backend/internal/statemachine"
	"experiment-tracking/backend/internal/telemetry/attachment"
	"experiment-tracking/backend/internal/telemetry/domain"
)

const (
	recordColumns = `id, project_id, sensor_id, run_id, capture_session_id, requested_capture_session_id,
	ts, raw_value, physical_value, conversion_status, attachment_outcome, meta, ingested_at`
	insertColumns = `project_id, sensor_id, run_id, capture_session_id, requested_capture_session_id,
	ts, raw_value, physical_value, conversion_status, attachment_outcome, meta, ingested_at`
	insertArity = 12
)

// PostgresRepository persists telemetry records in the telemetry_records table.
type PostgresRepository struct {
	db *sql.DB
}

// NewPostgresRepository returns a telemetry repository that uses the given db for persistence.
func NewPostgresRepository(conn *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: conn}
}

// WithinIngestScope runs fn in a READ COMMITTED transaction. Session rows read by the scope are
// locked FOR SHARE, so a concurrent finalization waits for the batch to commit, and a batch that
// starts after finalization sees the terminal status.
func (r *PostgresRepository) WithinIngestScope(ctx context.Context, projectID string, fn func(scope IngestScope) error) error {
	return db.WithTx(ctx, r.db, &sql.TxOptions{Isolation: sql.LevelReadCommitted}, func(tx *sql.Tx) error {
		return fn(&pgScope{tx: tx, projectID: projectID})
	})
}

type pgScope struct {
	tx        *sql.Tx
	projectID string
}

var _ IngestScope = (*pgScope)(nil)

func (s *pgScope) session(ctx context.Context, where string, args ...any) (*attachment.SessionRef, error) {
	var (
		ref    attachment.SessionRef
		status string
	)
	err := s.tx.QueryRowContext(ctx, `SELECT id, run_id, status, archived FROM capture_sessions WHERE `+where+` FOR SHARE`, args...).
		Scan(&ref.ID, &ref.RunID, &status, &ref.Archived)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	ref.Status = statemachine.Status(status)
	return &ref, nil
}

func (s *pgScope) CaptureSession(ctx context.Context, projectID, id string) (*attachment.SessionRef, error) {
	return s.session(ctx, `project_id = $1 AND id = $2`, projectID, id)
}

func (s *pgScope) Run(ctx context.Context, projectID, id string) (*attachment.RunRef, error) {
	var ref attachment.RunRef
	err := s.tx.QueryRowContext(ctx, `SELECT id FROM runs WHERE project_id = $1 AND id = $2`, projectID, id).Scan(&ref.ID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &ref, nil
}

func (s *pgScope) ActiveSessionForRun(ctx context.Context, projectID, runID string) (*attachment.SessionRef, error) {
	return s.session(ctx, `project_id = $1 AND run_id = $2 AND status IN ('running', 'backfilling')`, projectID, runID)
}

func (s *pgScope) LatestActiveSession(ctx context.Context, projectID string) (*attachment.SessionRef, error) {
	return s.session(ctx, `project_id = $1 AND status IN ('running', 'backfilling') AND archived = FALSE
ORDER BY started_at DESC NULLS LAST, created_at DESC LIMIT 1`, projectID)
}

// InsertRecords writes all records in one statement. BIGSERIAL assigns ids in VALUES order.
func (s *pgScope) InsertRecords(ctx context.Context, records []*domain.Record) error {
	if len(records) == 0 {
		return nil
	}
	var (
		sb   strings.Builder
		args = make([]any, 0, len(records)*insertArity)
	)
	sb.WriteString(`INSERT INTO telemetry_records (` + insertColumns + `) VALUES `)
	for i, rec := range records {
		meta, err := db.JSON(rec.Meta)
		if err != nil {
			return fmt.Errorf("encode meta: %w", err)
		}
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteByte('(')
		for j := 0; j < insertArity; j++ {
			if j > 0 {
				sb.WriteString(", ")
			}
			fmt.Fprintf(&sb, "$%d", i*insertArity+j+1)
		}
		sb.WriteByte(')')
		args = append(args, rec.ProjectID, rec.SensorID, db.NullString(rec.RunID), db.NullString(rec.CaptureSessionID),
			db.NullString(rec.RequestedCaptureSessionID), rec.Timestamp, rec.RawValue, nullFloat(rec.PhysicalValue),
			string(rec.ConversionStatus), string(rec.AttachmentOutcome), meta, rec.IngestedAt)
	}
	sb.WriteString(` RETURNING id`)
	rows, err := s.tx.QueryContext(ctx, sb.String(), args...)
	if err != nil {
		return err
	}
	defer rows.Close()
	i := 0
	for rows.Next() {
		if i >= len(records) {
			return fmt.Errorf("insert telemetry: more ids than records")
		}
		if err := rows.Scan(&records[i].ID); err != nil {
			return err
		}
		i++
	}
	if err := rows.Err(); err != nil {
		return err
	}
	if i != len(records) {
		return fmt.Errorf("insert telemetry: got %d ids for %d records", i, len(records))
	}
	return nil
}

func (s *pgScope) TouchSensor(ctx context.Context, sensorID string, at time.Time) error {
	_, err := s.tx.ExecContext(ctx, `UPDATE sensors
SET last_heartbeat = $3,
	status = CASE WHEN status IN ('registering', 'inactive') THEN 'active' ELSE status END,
	updated_at = $3
WHERE project_id = $1 AND id = $2`, s.projectID, sensorID, at)
	return err
}

// ListAfter returns records after the cursor in id order.
func (r *PostgresRepository) ListAfter(ctx context.Context, f StreamFilter) ([]*domain.Record, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = 500
	}
	var cutoff sql.NullTime
	if !f.IngestedBefore.IsZero() {
		cutoff = sql.NullTime{Time: f.IngestedBefore, Valid: true}
	}
	rows, err := r.db.QueryContext(ctx, `SELECT `+recordColumns+` FROM telemetry_records
WHERE project_id = $1 AND ($2 = '' OR sensor_id = $2) AND id > $3 AND ($4::timestamptz IS NULL OR ingested_at < $4)
ORDER BY id LIMIT $5`, f.ProjectID, f.SensorID, f.AfterID, cutoff, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanRecords(rows)
}

// ListBySession returns a capture session's records in id order.
func (r *PostgresRepository) ListBySession(ctx context.Context, projectID, sessionID string, afterID int64, limit int) ([]*domain.Record, error) {
	if limit <= 0 {
		limit = 1000
	}
	rows, err := r.db.QueryContext(ctx, `SELECT `+recordColumns+` FROM telemetry_records
WHERE project_id = $1 AND capture_session_id = $2 AND id > $3 ORDER BY id LIMIT $4`, projectID, sessionID, afterID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanRecords(rows)
}

func scanRecords(rows *sql.Rows) ([]*domain.Record, error) {
	var out []*domain.Record
	for rows.Next() {
		var (
			rec                  domain.Record
			runID, sessID, reqID sql.NullString
			physical             sql.NullFloat64
			conv, outcome        string
			meta                 []byte
		)
		if err := rows.Scan(&rec.ID, &rec.ProjectID, &rec.SensorID, &runID, &sessID, &reqID,
			&rec.Timestamp, &rec.RawValue, &physical, &conv, &outcome, &meta, &rec.IngestedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(meta, &rec.Meta); err != nil {
			return nil, err
		}
		rec.RunID, rec.CaptureSessionID, rec.RequestedCaptureSessionID = db.StringPtr(runID), db.StringPtr(sessID), db.StringPtr(reqID)
		if physical.Valid {
			v := physical.Float64
			rec.PhysicalValue = &v
		}
		rec.ConversionStatus = domain.ConversionStatus(conv)
		rec.AttachmentOutcome = domain.AttachmentOutcome(outcome)
		rec.Timestamp, rec.IngestedAt = rec.Timestamp.UTC(), rec.IngestedAt.UTC()
		out = append(out, &rec)
	}
	return out, rows.Err()
}

func nullFloat(v *float64) sql.NullFloat64 {
	if v == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *v, Valid: true}
}
