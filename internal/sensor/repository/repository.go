package repository

import (
	"context"
	"errors"
	"time"

	"experiment-tracking/backend/internal/sensor/domain"
	"experiment-tracking/backend/internal/statemachine"
)

var (
	// ErrVersionTaken is returned by CreateProfile when the sensor already has a profile with that version.
	ErrVersionTaken = errors.New("conversion profile version already exists")
	// ErrNotPublishable is returned by Publish when the profile is neither draft nor scheduled.
	ErrNotPublishable = errors.New("conversion profile is not publishable")
)

// Repository defines persistence for sensors.
type Repository interface {
	// GetByID returns the sensor, or nil if it does not exist in the project.
	GetByID(ctx context.Context, projectID, id string) (*domain.Sensor, error)
	// GetByTokenHash returns the sensor owning the token hash in any project, or nil.
	GetByTokenHash(ctx context.Context, tokenHash string) (*domain.Sensor, error)
	ListByProject(ctx context.Context, projectID string, limit, offset int) ([]*domain.Sensor, error)
	Create(ctx context.Context, s *domain.Sensor) error
	// RotateToken replaces the token hash. Returns false if the sensor does not exist.
	RotateToken(ctx context.Context, projectID, id, tokenHash, preview string, at time.Time) (bool, error)
	GetSubject(ctx context.Context, projectID, id string) (*statemachine.Subject, error)
	ApplyTransition(ctx context.Context, projectID, id string, c statemachine.Change) (bool, error)
}

// ProfileRepository defines persistence for conversion profiles.
type ProfileRepository interface {
	// GetProfile returns the profile, or nil if it does not exist for the sensor.
	GetProfile(ctx context.Context, projectID, sensorID, id string) (*domain.ConversionProfile, error)
	ListProfiles(ctx context.Context, projectID, sensorID string) ([]*domain.ConversionProfile, error)
	// CreateProfile inserts p. Returns ErrVersionTaken on a duplicate (sensor, version).
	CreateProfile(ctx context.Context, p *domain.ConversionProfile) error
	// Publish activates the profile, deprecates the sensor's previous active profile and points
	// the sensor at the new one, atomically. Returns nil if the profile does not exist,
	// ErrNotPublishable if it is not draft or scheduled.
	Publish(ctx context.Context, in PublishInput) (*domain.ConversionProfile, error)
	// GetSubject and ApplyTransition address a profile by id within the project.
	GetSubject(ctx context.Context, projectID, id string) (*statemachine.Subject, error)
	ApplyTransition(ctx context.Context, projectID, id string, c statemachine.Change) (bool, error)
}

// PublishInput is the payload for ProfileRepository.Publish.
type PublishInput struct {
	ProjectID   string
	SensorID    string
	ProfileID   string
	PublishedBy string
	// EffectiveFrom becomes valid_from; nil means At.
	EffectiveFrom *time.Time
	At            time.Time
}
