package memory

import (
	"context"
	"time"

	"experiment-tracking/backend/internal/sensor/domain"
	"experiment-tracking/backend/internal/sensor/repository"
	"experiment-tracking/backend/internal/statemachine"
)

// SensorRepository implements the sensor repository over a Store.
type SensorRepository struct{ s *Store }

var _ repository.Repository = (*SensorRepository)(nil)

func copySensor(s *domain.Sensor) *domain.Sensor {
	cp := *s
	if s.ActiveProfileID != nil {
		id := *s.ActiveProfileID
		cp.ActiveProfileID = &id
	}
	cp.LastHeartbeat = copyTime(s.LastHeartbeat)
	return &cp
}

func (r *SensorRepository) GetByID(_ context.Context, projectID, id string) (*domain.Sensor, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	s, ok := r.s.sensors[id]
	if !ok || s.ProjectID != projectID {
		return nil, nil
	}
	return copySensor(s), nil
}

func (r *SensorRepository) GetByTokenHash(_ context.Context, tokenHash string) (*domain.Sensor, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, s := range r.s.sensors {
		if s.TokenHash == tokenHash {
			return copySensor(s), nil
		}
	}
	return nil, nil
}

func (r *SensorRepository) ListByProject(_ context.Context, projectID string, limit, offset int) ([]*domain.Sensor, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []*domain.Sensor
	for _, s := range r.s.sensors {
		if s.ProjectID == projectID {
			out = append(out, copySensor(s))
		}
	}
	newestFirst(out, func(s *domain.Sensor) time.Time { return s.CreatedAt }, func(s *domain.Sensor) string { return s.ID })
	return page(out, limit, offset, 50), nil
}

func (r *SensorRepository) Create(_ context.Context, s *domain.Sensor) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	r.s.sensors[s.ID] = copySensor(s)
	return nil
}

func (r *SensorRepository) RotateToken(_ context.Context, projectID, id, tokenHash, preview string, at time.Time) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	s, ok := r.s.sensors[id]
	if !ok || s.ProjectID != projectID {
		return false, nil
	}
	s.TokenHash, s.TokenPreview, s.UpdatedAt = tokenHash, preview, at
	return true, nil
}

func (r *SensorRepository) GetSubject(_ context.Context, projectID, id string) (*statemachine.Subject, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	s, ok := r.s.sensors[id]
	if !ok || s.ProjectID != projectID {
		return nil, nil
	}
	sub := s.Subject()
	return &sub, nil
}

func (r *SensorRepository) ApplyTransition(_ context.Context, projectID, id string, c statemachine.Change) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	s, ok := r.s.sensors[id]
	if !ok || s.ProjectID != projectID || s.Status != c.From {
		return false, nil
	}
	s.Status, s.UpdatedAt = c.To, c.At
	return true, nil
}

// ProfileRepository implements the conversion profile repository over a Store.
type ProfileRepository struct{ s *Store }

var _ repository.ProfileRepository = (*ProfileRepository)(nil)

func copyProfile(p *domain.ConversionProfile) *domain.ConversionProfile {
	cp := *p
	cp.Payload = copyMap(p.Payload)
	cp.ValidFrom, cp.ValidTo, cp.PublishedAt = copyTime(p.ValidFrom), copyTime(p.ValidTo), copyTime(p.PublishedAt)
	if p.PublishedBy != nil {
		by := *p.PublishedBy
		cp.PublishedBy = &by
	}
	return &cp
}

func (r *ProfileRepository) GetProfile(_ context.Context, projectID, sensorID, id string) (*domain.ConversionProfile, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	p, ok := r.s.profiles[id]
	if !ok || p.ProjectID != projectID || p.SensorID != sensorID {
		return nil, nil
	}
	return copyProfile(p), nil
}

func (r *ProfileRepository) ListProfiles(_ context.Context, projectID, sensorID string) ([]*domain.ConversionProfile, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []*domain.ConversionProfile
	for _, p := range r.s.profiles {
		if p.ProjectID == projectID && p.SensorID == sensorID {
			out = append(out, copyProfile(p))
		}
	}
	newestFirst(out, func(p *domain.ConversionProfile) time.Time { return p.CreatedAt },
		func(p *domain.ConversionProfile) string { return p.ID })
	return out, nil
}

func (r *ProfileRepository) CreateProfile(_ context.Context, p *domain.ConversionProfile) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, o := range r.s.profiles {
		if o.SensorID == p.SensorID && o.Version == p.Version {
			return repository.ErrVersionTaken
		}
	}
	r.s.profiles[p.ID] = copyProfile(p)
	return nil
}

func (r *ProfileRepository) Publish(_ context.Context, in repository.PublishInput) (*domain.ConversionProfile, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	sensor, ok := r.s.sensors[in.SensorID]
	if !ok || sensor.ProjectID != in.ProjectID {
		return nil, nil
	}
	p, ok := r.s.profiles[in.ProfileID]
	if !ok || p.ProjectID != in.ProjectID || p.SensorID != in.SensorID {
		return nil, nil
	}
	if p.Status != statemachine.StatusDraft && p.Status != statemachine.StatusScheduled {
		return nil, repository.ErrNotPublishable
	}
	for _, o := range r.s.profiles {
		if o.SensorID == in.SensorID && o.ID != p.ID && o.Status == statemachine.StatusActive {
			o.Status = statemachine.StatusDeprecated
			o.ValidTo = copyTime(&in.At)
			o.UpdatedAt = in.At
		}
	}
	from := in.At
	if in.EffectiveFrom != nil {
		from = *in.EffectiveFrom
	}
	by := in.PublishedBy
	p.Status = statemachine.StatusActive
	p.ValidFrom = &from
	p.PublishedBy = &by
	p.PublishedAt = copyTime(&in.At)
	p.UpdatedAt = in.At
	id := p.ID
	sensor.ActiveProfileID = &id
	sensor.UpdatedAt = in.At
	return copyProfile(p), nil
}

func (r *ProfileRepository) GetSubject(_ context.Context, projectID, id string) (*statemachine.Subject, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	p, ok := r.s.profiles[id]
	if !ok || p.ProjectID != projectID {
		return nil, nil
	}
	sub := copyProfile(p).Subject()
	return &sub, nil
}

func (r *ProfileRepository) ApplyTransition(_ context.Context, projectID, id string, c statemachine.Change) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	p, ok := r.s.profiles[id]
	if !ok || p.ProjectID != projectID || p.Status != c.From {
		return false, nil
	}
	if c.To == statemachine.StatusActive {
		for _, o := range r.s.profiles {
			if o.ID != p.ID && o.SensorID == p.SensorID && o.Status == statemachine.StatusActive {
				return false, statemachine.ErrExclusiveActive
			}
		}
	}
	p.Apply(c)
	if sensor, ok := r.s.sensors[p.SensorID]; ok {
		switch {
		case c.To == statemachine.StatusActive:
			pid := p.ID
			sensor.ActiveProfileID = &pid
			sensor.UpdatedAt = c.At
		case c.To == statemachine.StatusDeprecated && sensor.ActiveProfileID != nil && *sensor.ActiveProfileID == p.ID:
			sensor.ActiveProfileID = nil
			sensor.UpdatedAt = c.At
		}
	}
	return true, nil
}
