package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"sort"
	"time"

	"experiment-tracking/backend/internal/db"
	"experiment-tracking/backend/internal/webhook/domain"
)

// PostgresRepository persists subscriptions and deliveries in webhook_subscriptions and webhook_deliveries.
type PostgresRepository struct {
	db *sql.DB
}

// NewPostgresRepository returns a webhook repository that uses the given db for persistence.
func NewPostgresRepository(conn *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: conn}
}

const subscriptionColumns = `id, project_id, target_url, secret, event_types, is_active, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSubscription(row rowScanner) (*domain.Subscription, error) {
	var (
		s      domain.Subscription
		secret sql.NullString
		types  []byte
	)
	if err := row.Scan(&s.ID, &s.ProjectID, &s.TargetURL, &secret, &types, &s.IsActive, &s.CreatedAt, &s.UpdatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(types, &s.EventTypes); err != nil {
		return nil, err
	}
	s.Secret = secret.String
	s.CreatedAt, s.UpdatedAt = s.CreatedAt.UTC(), s.UpdatedAt.UTC()
	return &s, nil
}

func nullSecret(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// Create inserts s. s must have ID set.
func (p *PostgresRepository) Create(ctx context.Context, s *domain.Subscription) error {
	types, err := db.JSON(s.EventTypes)
	if err != nil {
		return err
	}
	_, err = p.db.ExecContext(ctx, `INSERT INTO webhook_subscriptions (`+subscriptionColumns+`)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		s.ID, s.ProjectID, s.TargetURL, nullSecret(s.Secret), types, s.IsActive, s.CreatedAt, s.UpdatedAt)
	return err
}

// ListByProject returns one page newest first and the project's total.
func (p *PostgresRepository) ListByProject(ctx context.Context, projectID string, limit, offset int) ([]*domain.Subscription, int, error) {
	if limit <= 0 {
		limit = defaultLimit
	}
	var total int
	if err := p.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM webhook_subscriptions WHERE project_id = $1`,
		projectID).Scan(&total); err != nil {
		return nil, 0, err
	}
	out, err := p.listSubscriptions(ctx, `SELECT `+subscriptionColumns+` FROM webhook_subscriptions
WHERE project_id = $1 ORDER BY created_at DESC, id LIMIT $2 OFFSET $3`, projectID, limit, offset)
	return out, total, err
}

// Delete removes the subscription. Queued deliveries keep their copied target.
func (p *PostgresRepository) Delete(ctx context.Context, projectID, id string) (bool, error) {
	res, err := p.db.ExecContext(ctx, `DELETE FROM webhook_subscriptions WHERE project_id = $1 AND id = $2`, projectID, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// ListActiveMatching returns active subscriptions that list eventType, oldest first.
func (p *PostgresRepository) ListActiveMatching(ctx context.Context, projectID, eventType string) ([]*domain.Subscription, error) {
	return p.listSubscriptions(ctx, `SELECT `+subscriptionColumns+` FROM webhook_subscriptions
WHERE project_id = $1 AND is_active AND event_types @> jsonb_build_array($2::text)
ORDER BY created_at, id`, projectID, eventType)
}

func (p *PostgresRepository) listSubscriptions(ctx context.Context, query string, args ...any) ([]*domain.Subscription, error) {
	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*domain.Subscription
	for rows.Next() {
		s, err := scanSubscription(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

const deliveryColumns = `id, subscription_id, project_id, event_type, target_url, secret, request_body, status,
	attempt_count, last_error, next_attempt_at, created_at, updated_at`

func scanDelivery(row rowScanner) (*domain.Delivery, error) {
	var (
		d              domain.Delivery
		secret, errMsg sql.NullString
		status         string
	)
	if err := row.Scan(&d.ID, &d.SubscriptionID, &d.ProjectID, &d.EventType, &d.TargetURL, &secret, &d.Body,
		&status, &d.AttemptCount, &errMsg, &d.NextAttemptAt, &d.CreatedAt, &d.UpdatedAt); err != nil {
		return nil, err
	}
	d.Secret = secret.String
	d.Status = domain.DeliveryStatus(status)
	d.LastError = db.StringPtr(errMsg)
	d.NextAttemptAt, d.CreatedAt, d.UpdatedAt = d.NextAttemptAt.UTC(), d.CreatedAt.UTC(), d.UpdatedAt.UTC()
	return &d, nil
}

// Enqueue inserts d. d must have ID set.
func (p *PostgresRepository) Enqueue(ctx context.Context, d *domain.Delivery) error {
	_, err := p.db.ExecContext(ctx, `INSERT INTO webhook_deliveries (`+deliveryColumns+`)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		d.ID, d.SubscriptionID, d.ProjectID, d.EventType, d.TargetURL, nullSecret(d.Secret), string(d.Body),
		string(d.Status), d.AttemptCount, db.NullString(d.LastError), d.NextAttemptAt, d.CreatedAt, d.UpdatedAt)
	return err
}

// ClaimDue locks due rows with SKIP LOCKED so concurrent dispatchers split the work.
func (p *PostgresRepository) ClaimDue(ctx context.Context, now time.Time, limit int) ([]*domain.Delivery, error) {
	if limit <= 0 {
		limit = defaultLimit
	}
	rows, err := p.db.QueryContext(ctx, `UPDATE webhook_deliveries SET status = 'in_progress', updated_at = $1
WHERE id IN (
	SELECT id FROM webhook_deliveries
	WHERE status = 'pending' AND next_attempt_at <= $1
	ORDER BY next_attempt_at, created_at
	LIMIT $2
	FOR UPDATE SKIP LOCKED)
RETURNING `+deliveryColumns, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*domain.Delivery
	for rows.Next() {
		d, err := scanDelivery(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].NextAttemptAt.Before(out[j].NextAttemptAt) })
	return out, nil
}

// MarkAttempt records the outcome on a delivery that is still in_progress.
func (p *PostgresRepository) MarkAttempt(ctx context.Context, id string, a domain.Attempt) error {
	_, err := p.db.ExecContext(ctx, `UPDATE webhook_deliveries
SET status = $2, attempt_count = $3, last_error = $4, next_attempt_at = COALESCE($5, next_attempt_at), updated_at = $6
WHERE id = $1 AND status = 'in_progress'`,
		id, string(a.Status), a.AttemptCount, db.NullString(a.LastError), db.NullTime(a.NextAttemptAt), a.At)
	return err
}

// ReclaimStuck releases deliveries whose dispatcher died mid-attempt.
func (p *PostgresRepository) ReclaimStuck(ctx context.Context, cutoff, now time.Time) (int64, error) {
	res, err := p.db.ExecContext(ctx, `UPDATE webhook_deliveries SET status = 'pending', updated_at = $2
WHERE status = 'in_progress' AND updated_at < $1`, cutoff, now)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// DeleteOldSucceeded removes delivered rows past retention.
func (p *PostgresRepository) DeleteOldSucceeded(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := p.db.ExecContext(ctx, `DELETE FROM webhook_deliveries WHERE status = 'succeeded' AND updated_at < $1`, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
