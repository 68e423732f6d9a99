package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"experiment-tracking/backend/internal/db"
	"experiment-tracking/backend/internal/sensor/domain"
	"experiment-tracking/backend/internal/statemachine"
)

const (
	sensorColumns = `id, project_id, name, type, input_unit, display_unit, status, token_hash, token_preview,
	active_profile_id, last_heartbeat, created_at, updated_at`
	profileColumns = `id, sensor_id, project_id, version, kind, payload, status, valid_from, valid_to,
	created_by, published_by, published_at, created_at, updated_at`
	versionConstraint     = "conversion_profiles_sensor_version_key"
	oneActiveProfileIndex = "conversion_profiles_one_active_per_sensor"
)

// PostgresRepository persists sensors and their conversion profiles.
type PostgresRepository struct {
	db *sql.DB
}

// NewPostgresRepository returns a sensor repository that uses the given db for persistence.
func NewPostgresRepository(conn *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: conn}
}

// Profiles returns the conversion profile repository sharing r's connection.
func (r *PostgresRepository) Profiles() *PostgresProfileRepository {
	return &PostgresProfileRepository{db: r.db}
}

type rowScanner interface {
	Scan(dest ...any) error
}

// ScanSensor scans a row selected with SensorColumns.
func ScanSensor(row rowScanner) (*domain.Sensor, error) {
	var (
		s         domain.Sensor
		status    string
		profileID sql.NullString
		heartbeat sql.NullTime
	)
	if err := row.Scan(&s.ID, &s.ProjectID, &s.Name, &s.Type, &s.InputUnit, &s.DisplayUnit, &status,
		&s.TokenHash, &s.TokenPreview, &profileID, &heartbeat, &s.CreatedAt, &s.UpdatedAt); err != nil {
		return nil, err
	}
	s.Status = statemachine.Status(status)
	s.ActiveProfileID = db.StringPtr(profileID)
	s.LastHeartbeat = db.TimePtr(heartbeat)
	s.CreatedAt, s.UpdatedAt = s.CreatedAt.UTC(), s.UpdatedAt.UTC()
	return &s, nil
}

// SensorColumns is the column list ScanSensor expects.
func SensorColumns() string { return sensorColumns }

func (r *PostgresRepository) getOne(ctx context.Context, q db.Queryer, where string, args ...any) (*domain.Sensor, error) {
	s, err := ScanSensor(q.QueryRowContext(ctx, `SELECT `+sensorColumns+` FROM sensors WHERE `+where, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return s, err
}

// GetByID returns the sensor for id in projectID, or nil if not found.
func (r *PostgresRepository) GetByID(ctx context.Context, projectID, id string) (*domain.Sensor, error) {
	return r.getOne(ctx, r.db, `project_id = $1 AND id = $2`, projectID, id)
}

// GetByTokenHash returns the sensor holding tokenHash, or nil.
func (r *PostgresRepository) GetByTokenHash(ctx context.Context, tokenHash string) (*domain.Sensor, error) {
	return r.getOne(ctx, r.db, `token_hash = $1`, tokenHash)
}

// ListByProject returns sensors newest first.
func (r *PostgresRepository) ListByProject(ctx context.Context, projectID string, limit, offset int) ([]*domain.Sensor, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.db.QueryContext(ctx, `SELECT `+sensorColumns+` FROM sensors WHERE project_id = $1
ORDER BY created_at DESC, id LIMIT $2 OFFSET $3`, projectID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*domain.Sensor
	for rows.Next() {
		s, err := ScanSensor(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// Create inserts s. s must have ID and TokenHash set.
func (r *PostgresRepository) Create(ctx context.Context, s *domain.Sensor) error {
	_, err := r.db.ExecContext(ctx, `INSERT INTO sensors (`+sensorColumns+`)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		s.ID, s.ProjectID, s.Name, s.Type, s.InputUnit, s.DisplayUnit, string(s.Status), s.TokenHash, s.TokenPreview,
		db.NullString(s.ActiveProfileID), db.NullTime(s.LastHeartbeat), s.CreatedAt, s.UpdatedAt)
	return err
}

// RotateToken replaces the sensor's token hash and preview.
func (r *PostgresRepository) RotateToken(ctx context.Context, projectID, id, tokenHash, preview string, at time.Time) (bool, error) {
	res, err := r.db.ExecContext(ctx, `UPDATE sensors SET token_hash = $3, token_preview = $4, updated_at = $5
WHERE project_id = $1 AND id = $2`, projectID, id, tokenHash, preview, at)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// GetSubject returns the status view, or nil if not found.
func (r *PostgresRepository) GetSubject(ctx context.Context, projectID, id string) (*statemachine.Subject, error) {
	s, err := r.GetByID(ctx, projectID, id)
	if err != nil || s == nil {
		return nil, err
	}
	sub := s.Subject()
	return &sub, nil
}

// ApplyTransition is a conditional update on the expected current status.
func (r *PostgresRepository) ApplyTransition(ctx context.Context, projectID, id string, c statemachine.Change) (bool, error) {
	res, err := r.db.ExecContext(ctx, `UPDATE sensors SET status = $4, updated_at = $5
WHERE project_id = $1 AND id = $2 AND status = $3`, projectID, id, string(c.From), string(c.To), c.At)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// PostgresProfileRepository persists conversion profiles in the conversion_profiles table.
type PostgresProfileRepository struct {
	db *sql.DB
}

func scanProfile(row rowScanner) (*domain.ConversionProfile, error) {
	var (
		p                     domain.ConversionProfile
		payload               []byte
		status                string
		from, to, publishedAt sql.NullTime
		publishedBy           sql.NullString
	)
	if err := row.Scan(&p.ID, &p.SensorID, &p.ProjectID, &p.Version, &p.Kind, &payload, &status, &from, &to,
		&p.CreatedBy, &publishedBy, &publishedAt, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(payload, &p.Payload); err != nil {
		return nil, err
	}
	p.Status = statemachine.Status(status)
	p.ValidFrom, p.ValidTo, p.PublishedAt = db.TimePtr(from), db.TimePtr(to), db.TimePtr(publishedAt)
	p.PublishedBy = db.StringPtr(publishedBy)
	p.CreatedAt, p.UpdatedAt = p.CreatedAt.UTC(), p.UpdatedAt.UTC()
	return &p, nil
}

func getProfile(ctx context.Context, q db.Queryer, suffix string, args ...any) (*domain.ConversionProfile, error) {
	p, err := scanProfile(q.QueryRowContext(ctx, `SELECT `+profileColumns+` FROM conversion_profiles WHERE `+suffix, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return p, err
}

// GetProfile returns the profile, or nil if not found.
func (r *PostgresProfileRepository) GetProfile(ctx context.Context, projectID, sensorID, id string) (*domain.ConversionProfile, error) {
	return getProfile(ctx, r.db, `project_id = $1 AND sensor_id = $2 AND id = $3`, projectID, sensorID, id)
}

// ListProfiles returns the sensor's profiles newest first.
func (r *PostgresProfileRepository) ListProfiles(ctx context.Context, projectID, sensorID string) ([]*domain.ConversionProfile, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+profileColumns+` FROM conversion_profiles
WHERE project_id = $1 AND sensor_id = $2 ORDER BY created_at DESC, id`, projectID, sensorID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*domain.ConversionProfile
	for rows.Next() {
		p, err := scanProfile(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// CreateProfile inserts p.
func (r *PostgresProfileRepository) CreateProfile(ctx context.Context, p *domain.ConversionProfile) error {
	payload, err := db.JSON(p.Payload)
	if err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx, `INSERT INTO conversion_profiles (`+profileColumns+`)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		p.ID, p.SensorID, p.ProjectID, p.Version, p.Kind, payload, string(p.Status),
		db.NullTime(p.ValidFrom), db.NullTime(p.ValidTo), p.CreatedBy, db.NullString(p.PublishedBy),
		db.NullTime(p.PublishedAt), p.CreatedAt, p.UpdatedAt)
	if db.IsUniqueViolation(err, versionConstraint) {
		return ErrVersionTaken
	}
	return err
}

// Publish runs in one transaction. The sensor row is locked first so concurrent publishes for
// the same sensor serialize.
func (r *PostgresProfileRepository) Publish(ctx context.Context, in PublishInput) (*domain.ConversionProfile, error) {
	var out *domain.ConversionProfile
	err := db.WithTx(ctx, r.db, nil, func(tx *sql.Tx) error {
		var locked string
		err := tx.QueryRowContext(ctx, `SELECT id FROM sensors WHERE project_id = $1 AND id = $2 FOR UPDATE`,
			in.ProjectID, in.SensorID).Scan(&locked)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return err
		}
		p, err := getProfile(ctx, tx, `project_id = $1 AND sensor_id = $2 AND id = $3 FOR UPDATE`,
			in.ProjectID, in.SensorID, in.ProfileID)
		if err != nil || p == nil {
			return err
		}
		if p.Status != statemachine.StatusDraft && p.Status != statemachine.StatusScheduled {
			return ErrNotPublishable
		}
		if _, err := tx.ExecContext(ctx, `UPDATE conversion_profiles SET status = 'deprecated', valid_to = $3, updated_at = $3
WHERE sensor_id = $1 AND status = 'active' AND id <> $2`, in.SensorID, in.ProfileID, in.At); err != nil {
			return err
		}
		from := in.At
		if in.EffectiveFrom != nil {
			from = *in.EffectiveFrom
		}
		if _, err := tx.ExecContext(ctx, `UPDATE conversion_profiles
SET status = 'active', valid_from = $2, published_by = $3, published_at = $4, updated_at = $4
WHERE id = $1`, in.ProfileID, from, in.PublishedBy, in.At); err != nil {
			if db.IsUniqueViolation(err, oneActiveProfileIndex) {
				return statemachine.ErrExclusiveActive
			}
			return err
		}
		if _, err := tx.ExecContext(ctx, `UPDATE sensors SET active_profile_id = $2, updated_at = $3 WHERE id = $1`,
			in.SensorID, in.ProfileID, in.At); err != nil {
			return err
		}
		out, err = getProfile(ctx, tx, `id = $1`, in.ProfileID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// GetSubject returns the profile's status view, or nil if not found.
func (r *PostgresProfileRepository) GetSubject(ctx context.Context, projectID, id string) (*statemachine.Subject, error) {
	p, err := getProfile(ctx, r.db, `project_id = $1 AND id = $2`, projectID, id)
	if err != nil || p == nil {
		return nil, err
	}
	sub := p.Subject()
	return &sub, nil
}

// ApplyTransition is a conditional update on the expected current status. Deprecating the
// sensor's active profile also clears the sensor's pointer to it.
func (r *PostgresProfileRepository) ApplyTransition(ctx context.Context, projectID, id string, c statemachine.Change) (bool, error) {
	var applied bool
	err := db.WithTx(ctx, r.db, nil, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `UPDATE conversion_profiles SET status = $4, valid_from = $5, valid_to = $6, updated_at = $7
WHERE project_id = $1 AND id = $2 AND status = $3`,
			projectID, id, string(c.From), string(c.To), db.NullTime(c.StartedAt), db.NullTime(c.EndedAt), c.At)
		if db.IsUniqueViolation(err, oneActiveProfileIndex) {
			return statemachine.ErrExclusiveActive
		}
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil || n != 1 {
			return err
		}
		applied = true
		switch c.To {
		case statemachine.StatusActive:
			_, err = tx.ExecContext(ctx, `UPDATE sensors SET active_profile_id = $2, updated_at = $3
WHERE id = (SELECT sensor_id FROM conversion_profiles WHERE id = $1)`, id, id, c.At)
		case statemachine.StatusDeprecated:
			_, err = tx.ExecContext(ctx, `UPDATE sensors SET active_profile_id = NULL, updated_at = $2
WHERE active_profile_id = $1`, id, c.At)
		}
		return err
	})
	return applied, err
}
