package memory

import (
	"context"
	"sort"
	"time"

	capturedomain "experiment-tracking/backend/internal/capturesession/domain"
	"experiment-tracking/backend/internal/statemachine"
	"experiment-tracking/backend/internal/telemetry/attachment"
	"experiment-tracking/backend/internal/telemetry/domain"
	"experiment-tracking/backend/internal/telemetry/repository"
)

// TelemetryRepository implements the telemetry repository over a Store.
type TelemetryRepository struct{ s *Store }

var _ repository.Repository = (*TelemetryRepository)(nil)

// WithinIngestScope holds the store lock for the whole of fn, so no transition can interleave
// with the batch. Writes are staged and only applied when fn succeeds.
func (r *TelemetryRepository) WithinIngestScope(ctx context.Context, projectID string, fn func(scope repository.IngestScope) error) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	sc := &memScope{s: r.s, projectID: projectID, nextID: r.s.nextRecord}
	if err := fn(sc); err != nil {
		return err
	}
	r.s.records = append(r.s.records, sc.staged...)
	r.s.nextRecord = sc.nextID
	for id, at := range sc.touched {
		if sensor, ok := r.s.sensors[id]; ok && sensor.ProjectID == projectID {
			sensor.LastHeartbeat = copyTime(&at)
			if sensor.Status == statemachine.StatusRegistering || sensor.Status == statemachine.StatusInactive {
				sensor.Status = statemachine.StatusActive
			}
			sensor.UpdatedAt = at
		}
	}
	return nil
}

type memScope struct {
	s         *Store
	projectID string
	staged    []*domain.Record
	nextID    int64
	touched   map[string]time.Time
}

func sessionRef(cs *capturedomain.CaptureSession) *attachment.SessionRef {
	return &attachment.SessionRef{ID: cs.ID, RunID: cs.RunID, Status: cs.Status, Archived: cs.Archived}
}

func (m *memScope) CaptureSession(_ context.Context, projectID, id string) (*attachment.SessionRef, error) {
	cs, ok := m.s.sessions[id]
	if !ok || cs.ProjectID != projectID {
		return nil, nil
	}
	return sessionRef(cs), nil
}

func (m *memScope) Run(_ context.Context, projectID, id string) (*attachment.RunRef, error) {
	run, ok := m.s.runs[id]
	if !ok || run.ProjectID != projectID {
		return nil, nil
	}
	return &attachment.RunRef{ID: run.ID}, nil
}

func (m *memScope) ActiveSessionForRun(_ context.Context, projectID, runID string) (*attachment.SessionRef, error) {
	for _, cs := range m.s.sessions {
		if cs.ProjectID == projectID && cs.RunID == runID && cs.Active() {
			return sessionRef(cs), nil
		}
	}
	return nil, nil
}

// LatestActiveSession orders by started_at desc with unset last, then created_at desc, then id.
func (m *memScope) LatestActiveSession(_ context.Context, projectID string) (*attachment.SessionRef, error) {
	var candidates []*capturedomain.CaptureSession
	for _, cs := range m.s.sessions {
		if cs.ProjectID == projectID && cs.Active() && !cs.Archived {
			candidates = append(candidates, cs)
		}
	}
	if len(candidates) == 0 {
		return nil, nil
	}
	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		switch {
		case (a.StartedAt == nil) != (b.StartedAt == nil):
			return a.StartedAt != nil
		case a.StartedAt != nil && !a.StartedAt.Equal(*b.StartedAt):
			return a.StartedAt.After(*b.StartedAt)
		case !a.CreatedAt.Equal(b.CreatedAt):
			return a.CreatedAt.After(b.CreatedAt)
		}
		return a.ID < b.ID
	})
	return sessionRef(candidates[0]), nil
}

func (m *memScope) InsertRecords(_ context.Context, records []*domain.Record) error {
	for _, rec := range records {
		m.nextID++
		rec.ID = m.nextID
		cp := *rec
		cp.Meta = copyMap(rec.Meta)
		m.staged = append(m.staged, &cp)
	}
	return nil
}

func (m *memScope) TouchSensor(_ context.Context, sensorID string, at time.Time) error {
	if m.touched == nil {
		m.touched = make(map[string]time.Time)
	}
	m.touched[sensorID] = at
	return nil
}

func (r *TelemetryRepository) ListAfter(_ context.Context, f repository.StreamFilter) ([]*domain.Record, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	limit := f.Limit
	if limit <= 0 {
		limit = 500
	}
	var out []*domain.Record
	for _, rec := range r.s.records {
		if len(out) == limit {
			break
		}
		if rec.ID <= f.AfterID || rec.ProjectID != f.ProjectID || (f.SensorID != "" && rec.SensorID != f.SensorID) {
			continue
		}
		if !f.IngestedBefore.IsZero() && !rec.IngestedAt.Before(f.IngestedBefore) {
			continue
		}
		cp := *rec
		out = append(out, &cp)
	}
	return out, nil
}

func (r *TelemetryRepository) ListBySession(_ context.Context, projectID, sessionID string, afterID int64, limit int) ([]*domain.Record, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if limit <= 0 {
		limit = 1000
	}
	var out []*domain.Record
	for _, rec := range r.s.records {
		if len(out) == limit {
			break
		}
		if rec.ID > afterID && rec.ProjectID == projectID && rec.CaptureSessionID != nil && *rec.CaptureSessionID == sessionID {
			cp := *rec
			out = append(out, &cp)
		}
	}
	return out, nil
}
