package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"experiment-tracking/backend/internal/db"
	"experiment-tracking/backend/internal/idempotency/domain"
)

// PostgresRepository stores idempotency records in the idempotency_keys table.
type PostgresRepository struct {
	db *sql.DB
}

// NewPostgresRepository returns an idempotency repository that uses the given db for persistence.
func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

const reserveSQL = `
INSERT INTO idempotency_keys (scope, key, fingerprint, state, owner_token, lease_expires_at, created_at, expires_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
ON CONFLICT (scope, key) DO UPDATE SET
	fingerprint = EXCLUDED.fingerprint,
	state = EXCLUDED.state,
	owner_token = EXCLUDED.owner_token,
	lease_expires_at = EXCLUDED.lease_expires_at,
	response_status = NULL,
	response_content_type = NULL,
	response_headers = NULL,
	response_body = NULL,
	created_at = EXCLUDED.created_at,
	expires_at = EXCLUDED.expires_at
WHERE idempotency_keys.expires_at <= EXCLUDED.created_at
	OR (idempotency_keys.state = 'in_flight' AND idempotency_keys.lease_expires_at <= EXCLUDED.created_at)
RETURNING owner_token`

// Reserve inserts rec, or replaces an expired/abandoned row, in one statement.
func (r *PostgresRepository) Reserve(ctx context.Context, rec *domain.Record) (bool, *domain.Record, error) {
	var token string
	err := r.db.QueryRowContext(ctx, reserveSQL,
		rec.Scope, rec.Key, rec.Fingerprint, string(rec.State), rec.OwnerToken,
		rec.LeaseExpiresAt, rec.CreatedAt, rec.ExpiresAt,
	).Scan(&token)
	if err == nil {
		return true, nil, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return false, nil, err
	}
	existing, err := r.Get(ctx, rec.Scope, rec.Key)
	if err != nil {
		return false, nil, err
	}
	return false, existing, nil
}

// Get returns the record for (scope, key), or nil if not found.
// It returns an error only for database failures, not for missing rows.
func (r *PostgresRepository) Get(ctx context.Context, scope, key string) (*domain.Record, error) {
	row := r.db.QueryRowContext(ctx, `
SELECT scope, key, fingerprint, state, owner_token, lease_expires_at,
	response_status, response_content_type, response_headers, response_body, created_at, expires_at
FROM idempotency_keys WHERE scope = $1 AND key = $2`, scope, key)
	var (
		rec         domain.Record
		state       string
		status      sql.NullInt32
		contentType sql.NullString
		headers     []byte
		body        []byte
	)
	err := row.Scan(&rec.Scope, &rec.Key, &rec.Fingerprint, &state, &rec.OwnerToken, &rec.LeaseExpiresAt,
		&status, &contentType, &headers, &body, &rec.CreatedAt, &rec.ExpiresAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	rec.State = domain.State(state)
	if status.Valid {
		rec.Response = &domain.Response{StatusCode: int(status.Int32), ContentType: contentType.String, Body: body}
		if len(headers) > 0 {
			if err := json.Unmarshal(headers, &rec.Response.Header); err != nil {
				return nil, fmt.Errorf("decode response headers: %w", err)
			}
		}
	}
	return &rec, nil
}

// Complete records resp if ownerToken still holds the in-flight reservation.
func (r *PostgresRepository) Complete(ctx context.Context, scope, key, ownerToken string, resp domain.Response, expiresAt time.Time) (bool, error) {
	var headers *string
	if len(resp.Header) > 0 {
		s, err := db.JSON(resp.Header)
		if err != nil {
			return false, err
		}
		headers = &s
	}
	res, err := r.db.ExecContext(ctx, `
UPDATE idempotency_keys
SET state = 'completed', response_status = $4, response_content_type = $5, response_headers = $6,
	response_body = $7, expires_at = $8
WHERE scope = $1 AND key = $2 AND owner_token = $3 AND state = 'in_flight'`,
		scope, key, ownerToken, resp.StatusCode, resp.ContentType, headers, resp.Body, expiresAt)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// Release deletes the in-flight reservation held by ownerToken.
func (r *PostgresRepository) Release(ctx context.Context, scope, key, ownerToken string) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
DELETE FROM idempotency_keys WHERE scope = $1 AND key = $2 AND owner_token = $3 AND state = 'in_flight'`,
		scope, key, ownerToken)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// DeleteExpired removes records whose retention ended before now.
func (r *PostgresRepository) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM idempotency_keys WHERE expires_at <= $1`, now)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
