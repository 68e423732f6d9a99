// Package memory is an in-process implementation of every entity repository, sharing one lock so
// conditional writes and ingest scopes are atomic with respect to each other. It backs tests and
// STORAGE_DRIVER=memory.
package memory

import (
	"sort"
	"sync"
	"time"

	capturedomain "experiment-tracking/backend/internal/capturesession/domain"
	experimentdomain "experiment-tracking/backend/internal/experiment/domain"
	rundomain "experiment-tracking/backend/internal/run/domain"
	sensordomain "experiment-tracking/backend/internal/sensor/domain"
	telemetrydomain "experiment-tracking/backend/internal/telemetry/domain"
)

// Store holds all entities.
type Store struct {
	mu sync.Mutex

	experiments map[string]*experimentdomain.Experiment
	runs        map[string]*rundomain.Run
	sessions    map[string]*capturedomain.CaptureSession
	sensors     map[string]*sensordomain.Sensor
	profiles    map[string]*sensordomain.ConversionProfile
	records     []*telemetrydomain.Record
	nextRecord  int64
}

// New returns an empty store.
func New() *Store {
	return &Store{
		experiments: make(map[string]*experimentdomain.Experiment),
		runs:        make(map[string]*rundomain.Run),
		sessions:    make(map[string]*capturedomain.CaptureSession),
		sensors:     make(map[string]*sensordomain.Sensor),
		profiles:    make(map[string]*sensordomain.ConversionProfile),
	}
}

// Experiments returns the experiment repository.
func (s *Store) Experiments() *ExperimentRepository { return &ExperimentRepository{s: s} }

// Runs returns the run repository.
func (s *Store) Runs() *RunRepository { return &RunRepository{s: s} }

// CaptureSessions returns the capture session repository.
func (s *Store) CaptureSessions() *CaptureSessionRepository { return &CaptureSessionRepository{s: s} }

// Sensors returns the sensor repository.
func (s *Store) Sensors() *SensorRepository { return &SensorRepository{s: s} }

// Profiles returns the conversion profile repository.
func (s *Store) Profiles() *ProfileRepository { return &ProfileRepository{s: s} }

// Telemetry returns the telemetry repository.
func (s *Store) Telemetry() *TelemetryRepository { return &TelemetryRepository{s: s} }

func page[T any](items []T, limit, offset, defaultLimit int) []T {
	if limit <= 0 {
		limit = defaultLimit
	}
	if offset >= len(items) {
		return nil
	}
	items = items[offset:]
	if len(items) > limit {
		items = items[:limit]
	}
	return items
}

// newestFirst sorts by created desc, then id for a stable order.
func newestFirst[T any](items []T, created func(T) time.Time, id func(T) string) {
	sort.Slice(items, func(i, j int) bool {
		ci, cj := created(items[i]), created(items[j])
		if !ci.Equal(cj) {
			return ci.After(cj)
		}
		return id(items[i]) < id(items[j])
	})
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func copyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
