package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"experiment-tracking/backend/internal/events"
	"experiment-tracking/backend/internal/platform/apperr"
	"experiment-tracking/backend/internal/security"
	"experiment-tracking/backend/internal/sensor/domain"
	"experiment-tracking/backend/internal/sensor/repository"
	"experiment-tracking/backend/internal/statemachine"
)

// RegisterInput is the payload for Register.
type RegisterInput struct {
	Name           string        `json:"name"`
	Type           string        `json:"type"`
	InputUnit      string        `json:"input_unit"`
	DisplayUnit    string        `json:"display_unit"`
	InitialProfile *ProfileInput `json:"initial_profile,omitempty"`
}

// ProfileInput is the payload for CreateProfile. Status may be draft, scheduled or active;
// active is created as a draft and published in the same call.
type ProfileInput struct {
	Version   string              `json:"version"`
	Kind      string              `json:"kind"`
	Payload   map[string]any      `json:"payload"`
	Status    statemachine.Status `json:"status"`
	ValidFrom *time.Time          `json:"valid_from"`
	ValidTo   *time.Time          `json:"valid_to"`
}

// Registration is returned once when a sensor is registered or its token rotated. Token is never
// retrievable again.
type Registration struct {
	Sensor  *domain.Sensor            `json:"sensor"`
	Token   string                    `json:"token"`
	Profile *domain.ConversionProfile `json:"profile,omitempty"`
}

// SensorService registers sensors and manages their tokens and conversion profiles.
type SensorService struct {
	repo     repository.Repository
	profiles repository.ProfileRepository
	events   events.Publisher
	nowF     func() time.Time
	tokenF   func() (string, error)
}

// NewSensorService returns a service backed by the given repositories. pub may be nil.
func NewSensorService(repo repository.Repository, profiles repository.ProfileRepository, pub events.Publisher) *SensorService {
	return &SensorService{
		repo:     repo,
		profiles: profiles,
		events:   pub,
		nowF:     func() time.Time { return time.Now().UTC().Truncate(time.Microsecond) },
		tokenF:   security.GenerateSensorToken,
	}
}

func (s *SensorService) announce(ctx context.Context, typ, projectID, kind, id, actor string, at time.Time) {
	e := events.New(typ, projectID, kind, id, at)
	e.ActorID = actor
	events.PublishAsync(ctx, s.events, e)
}

// Register creates a sensor in status registering and returns its token.
func (s *SensorService) Register(ctx context.Context, projectID, createdBy string, in RegisterInput) (*Registration, error) {
	name := strings.TrimSpace(in.Name)
	typ := strings.TrimSpace(in.Type)
	unit := strings.TrimSpace(in.InputUnit)
	if name == "" || typ == "" || unit == "" {
		return nil, apperr.Validation("name, type and input_unit are required")
	}
	display := strings.TrimSpace(in.DisplayUnit)
	if display == "" {
		display = unit
	}
	if in.InitialProfile != nil {
		if err := validateProfileInput(*in.InitialProfile); err != nil {
			return nil, err
		}
	}
	token, err := s.tokenF()
	if err != nil {
		return nil, fmt.Errorf("register sensor: %w", err)
	}
	now := s.nowF()
	sensor := &domain.Sensor{
		ID:           uuid.New().String(),
		ProjectID:    projectID,
		Name:         name,
		Type:         typ,
		InputUnit:    unit,
		DisplayUnit:  display,
		Status:       statemachine.StatusRegistering,
		TokenHash:    security.HashSensorToken(token),
		TokenPreview: security.TokenPreview(token),
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.repo.Create(ctx, sensor); err != nil {
		return nil, fmt.Errorf("register sensor: %w", err)
	}
	s.announce(ctx, "sensor.registered", projectID, string(statemachine.KindSensor), sensor.ID, createdBy, now)
	reg := &Registration{Sensor: sensor, Token: token}
	if in.InitialProfile != nil {
		p, err := s.CreateProfile(ctx, projectID, sensor.ID, createdBy, *in.InitialProfile)
		if err != nil {
			return nil, err
		}
		reg.Profile = p
		if p.Status == statemachine.StatusActive {
			if reg.Sensor, err = s.Get(ctx, projectID, sensor.ID); err != nil {
				return nil, err
			}
		}
	}
	return reg, nil
}

// Get returns the sensor or a not found error.
func (s *SensorService) Get(ctx context.Context, projectID, id string) (*domain.Sensor, error) {
	sensor, err := s.repo.GetByID(ctx, projectID, id)
	if err != nil {
		return nil, fmt.Errorf("get sensor: %w", err)
	}
	if sensor == nil {
		return nil, apperr.NotFound("sensor", id)
	}
	return sensor, nil
}

// List returns the project's sensors.
func (s *SensorService) List(ctx context.Context, projectID string, limit, offset int) ([]*domain.Sensor, error) {
	if limit < 0 || limit > 500 || offset < 0 {
		return nil, apperr.Validation("limit must be 0-500 and offset non-negative")
	}
	list, err := s.repo.ListByProject(ctx, projectID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list sensors: %w", err)
	}
	return list, nil
}

// RotateToken issues a new token; the previous one stops authenticating immediately.
func (s *SensorService) RotateToken(ctx context.Context, projectID, id string) (*Registration, error) {
	sensor, err := s.Get(ctx, projectID, id)
	if err != nil {
		return nil, err
	}
	if sensor.Status == statemachine.StatusDecommissioned {
		return nil, apperr.Conflict("sensor %s is decommissioned", id)
	}
	token, err := s.tokenF()
	if err != nil {
		return nil, fmt.Errorf("rotate sensor token: %w", err)
	}
	now := s.nowF()
	ok, err := s.repo.RotateToken(ctx, projectID, id, security.HashSensorToken(token), security.TokenPreview(token), now)
	if err != nil {
		return nil, fmt.Errorf("rotate sensor token: %w", err)
	}
	if !ok {
		return nil, apperr.NotFound("sensor", id)
	}
	sensor.TokenHash = security.HashSensorToken(token)
	sensor.TokenPreview = security.TokenPreview(token)
	sensor.UpdatedAt = now
	s.announce(ctx, "sensor.token_rotated", projectID, string(statemachine.KindSensor), id, "", now)
	return &Registration{Sensor: sensor, Token: token}, nil
}

// CreateProfile adds a conversion profile to the sensor. Scheduled and active profiles must not
// overlap another scheduled profile or a bounded active one.
func (s *SensorService) CreateProfile(ctx context.Context, projectID, sensorID, createdBy string, in ProfileInput) (*domain.ConversionProfile, error) {
	if err := validateProfileInput(in); err != nil {
		return nil, err
	}
	sensor, err := s.Get(ctx, projectID, sensorID)
	if err != nil {
		return nil, err
	}
	if sensor.Status == statemachine.StatusDecommissioned {
		return nil, apperr.Conflict("sensor %s is decommissioned", sensorID)
	}
	target := in.Status
	if target == "" {
		target = statemachine.StatusDraft
	}
	now := s.nowF()
	p := &domain.ConversionProfile{
		ID:        uuid.New().String(),
		SensorID:  sensorID,
		ProjectID: projectID,
		Version:   strings.TrimSpace(in.Version),
		Kind:      strings.TrimSpace(in.Kind),
		Payload:   in.Payload,
		Status:    statemachine.StatusDraft,
		ValidFrom: in.ValidFrom,
		ValidTo:   in.ValidTo,
		CreatedBy: createdBy,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if target == statemachine.StatusScheduled {
		p.Status = statemachine.StatusScheduled
	}
	if p.Payload == nil {
		p.Payload = map[string]any{}
	}
	if p.Status == statemachine.StatusScheduled {
		if err := s.checkOverlap(ctx, projectID, sensorID, p.ID, p.Window()); err != nil {
			return nil, err
		}
	}
	if err := s.profiles.CreateProfile(ctx, p); err != nil {
		if errors.Is(err, repository.ErrVersionTaken) {
			return nil, apperr.Conflict("sensor %s already has profile version %q", sensorID, p.Version)
		}
		return nil, fmt.Errorf("create conversion profile: %w", err)
	}
	if target == statemachine.StatusActive {
		return s.Publish(ctx, projectID, sensorID, p.ID, createdBy, in.ValidFrom)
	}
	return p, nil
}

// ListProfiles returns the sensor's profiles.
func (s *SensorService) ListProfiles(ctx context.Context, projectID, sensorID string) ([]*domain.ConversionProfile, error) {
	if _, err := s.Get(ctx, projectID, sensorID); err != nil {
		return nil, err
	}
	list, err := s.profiles.ListProfiles(ctx, projectID, sensorID)
	if err != nil {
		return nil, fmt.Errorf("list conversion profiles: %w", err)
	}
	return list, nil
}

// Publish makes a draft or scheduled profile the sensor's active one and deprecates the previous.
func (s *SensorService) Publish(ctx context.Context, projectID, sensorID, profileID, publishedBy string, effectiveFrom *time.Time) (*domain.ConversionProfile, error) {
	p, err := s.profiles.GetProfile(ctx, projectID, sensorID, profileID)
	if err != nil {
		return nil, fmt.Errorf("publish conversion profile: %w", err)
	}
	if p == nil {
		return nil, apperr.NotFound("conversion profile", profileID)
	}
	if d := statemachine.CanTransition(statemachine.KindConversionProfile, p.Status, statemachine.StatusActive); !d.Allowed {
		return nil, apperr.TransitionConflict(string(statemachine.KindConversionProfile), string(p.Status), string(statemachine.StatusActive))
	}
	now := s.nowF()
	from := now
	if effectiveFrom != nil {
		from = effectiveFrom.UTC()
	}
	if p.ValidTo != nil && !from.Before(*p.ValidTo) {
		return nil, apperr.Validation("effective_from must be before valid_to")
	}
	if err := s.checkOverlap(ctx, projectID, sensorID, p.ID, domain.Window{From: &from, To: p.ValidTo}); err != nil {
		return nil, err
	}
	out, err := s.profiles.Publish(ctx, repository.PublishInput{
		ProjectID:     projectID,
		SensorID:      sensorID,
		ProfileID:     profileID,
		PublishedBy:   publishedBy,
		EffectiveFrom: &from,
		At:            now,
	})
	switch {
	case errors.Is(err, repository.ErrNotPublishable):
		return nil, apperr.Conflict("conversion profile %s changed status concurrently", profileID)
	case errors.Is(err, statemachine.ErrExclusiveActive):
		return nil, apperr.Conflict("another profile of sensor %s was published concurrently", sensorID)
	case err != nil:
		return nil, fmt.Errorf("publish conversion profile: %w", err)
	case out == nil:
		return nil, apperr.NotFound("conversion profile", profileID)
	}
	s.announce(ctx, events.TypeFor(string(statemachine.KindConversionProfile), string(statemachine.StatusActive)),
		projectID, string(statemachine.KindConversionProfile), profileID, publishedBy, now)
	return out, nil
}

// checkOverlap rejects w if it overlaps a scheduled profile or an active profile with a fixed end.
// An open-ended active profile is superseded on publish and does not count.
// GuardProfileTransition applies the publishing rules to a conversion profile status change made
// through the lifecycle service: scheduling needs a start, and scheduled or active windows must not overlap.
func (s *SensorService) GuardProfileTransition(ctx context.Context, sub statemachine.Subject, target statemachine.Status) error {
	if target != statemachine.StatusScheduled && target != statemachine.StatusActive {
		return nil
	}
	w := domain.Window{From: sub.StartedAt, To: sub.EndedAt}
	if w.From == nil {
		if target == statemachine.StatusScheduled {
			return apperr.Validation("a scheduled profile requires valid_from")
		}
		now := s.nowF()
		w.From = &now
	}
	return s.checkOverlap(ctx, sub.ProjectID, sub.ScopeID, sub.ID, w)
}

func (s *SensorService) checkOverlap(ctx context.Context, projectID, sensorID, selfID string, w domain.Window) error {
	existing, err := s.profiles.ListProfiles(ctx, projectID, sensorID)
	if err != nil {
		return fmt.Errorf("check profile overlap: %w", err)
	}
	for _, o := range existing {
		if o.ID == selfID {
			continue
		}
		relevant := o.Status == statemachine.StatusScheduled ||
			(o.Status == statemachine.StatusActive && o.ValidTo != nil)
		if relevant && o.Window().Overlaps(w) {
			return apperr.Conflict("validity window overlaps %s profile %s (version %s)", o.Status, o.ID, o.Version)
		}
	}
	return nil
}

func validateProfileInput(in ProfileInput) error {
	if strings.TrimSpace(in.Version) == "" || strings.TrimSpace(in.Kind) == "" {
		return apperr.Validation("version and kind are required")
	}
	switch in.Status {
	case "", statemachine.StatusDraft, statemachine.StatusActive:
	case statemachine.StatusScheduled:
		if in.ValidFrom == nil {
			return apperr.Validation("scheduled profiles require valid_from")
		}
	default:
		return apperr.Validation("profile status must be draft, scheduled or active")
	}
	if in.ValidFrom != nil && in.ValidTo != nil && !in.ValidFrom.Before(*in.ValidTo) {
		return apperr.Validation("valid_from must be before valid_to")
	}
	return nil
}
