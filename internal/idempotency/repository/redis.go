package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"experiment-tracking/backend/internal/idempotency/domain"
)

// reserveScript sets the record unless a live one exists; returns the existing JSON or nil.
// KEYS[1] record key; ARGV[1] new record JSON; ARGV[2] now (unix ms); ARGV[3] ttl (ms).
const reserveScript = `
local cur = redis.call('GET', KEYS[1])
if cur then
	local rec = cjson.decode(cur)
	local now = tonumber(ARGV[2])
	local expired = rec.expires_at_ms <= now
	local abandoned = rec.state == 'in_flight' and rec.lease_expires_at_ms <= now
	if not expired and not abandoned then
		return cur
	end
end
redis.call('SET', KEYS[1], ARGV[1], 'PX', ARGV[3])
return false`

// ownerScript replaces (ARGV[2] non-empty) or deletes the record if ARGV[1] still owns the in-flight reservation.
// KEYS[1] record key; ARGV[1] owner token; ARGV[2] replacement JSON or ""; ARGV[3] ttl (ms).
const ownerScript = `
local cur = redis.call('GET', KEYS[1])
if not cur then
	return 0
end
local rec = cjson.decode(cur)
if rec.owner_token ~= ARGV[1] or rec.state ~= 'in_flight' then
	return 0
end
if ARGV[2] == '' then
	redis.call('DEL', KEYS[1])
else
	redis.call('SET', KEYS[1], ARGV[2], 'PX', ARGV[3])
end
return 1`

// RedisRepository stores idempotency records as JSON values with native key expiry.
type RedisRepository struct {
	client  goredis.UniversalClient
	prefix  string
	reserve *goredis.Script
	owner   *goredis.Script
	nowF    func() time.Time
}

// NewRedisRepository returns a Redis-backed repository. prefix namespaces keys (default "expt:").
func NewRedisRepository(client goredis.UniversalClient, prefix string) *RedisRepository {
	if prefix == "" {
		prefix = "expt:"
	}
	return &RedisRepository{
		client:  client,
		prefix:  prefix,
		reserve: goredis.NewScript(reserveScript),
		owner:   goredis.NewScript(ownerScript),
		nowF:    time.Now,
	}
}

type redisRecord struct {
	Scope            string           `json:"scope"`
	Key              string           `json:"key"`
	Fingerprint      string           `json:"fingerprint"`
	State            string           `json:"state"`
	OwnerToken       string           `json:"owner_token"`
	LeaseExpiresAtMS int64            `json:"lease_expires_at_ms"`
	CreatedAtMS      int64            `json:"created_at_ms"`
	ExpiresAtMS      int64            `json:"expires_at_ms"`
	Response         *domain.Response `json:"response,omitempty"`
}

func toRedis(rec *domain.Record) redisRecord {
	return redisRecord{
		Scope:            rec.Scope,
		Key:              rec.Key,
		Fingerprint:      rec.Fingerprint,
		State:            string(rec.State),
		OwnerToken:       rec.OwnerToken,
		LeaseExpiresAtMS: rec.LeaseExpiresAt.UnixMilli(),
		CreatedAtMS:      rec.CreatedAt.UnixMilli(),
		ExpiresAtMS:      rec.ExpiresAt.UnixMilli(),
		Response:         rec.Response,
	}
}

func (rr redisRecord) toDomain() *domain.Record {
	return &domain.Record{
		Scope:          rr.Scope,
		Key:            rr.Key,
		Fingerprint:    rr.Fingerprint,
		State:          domain.State(rr.State),
		OwnerToken:     rr.OwnerToken,
		LeaseExpiresAt: time.UnixMilli(rr.LeaseExpiresAtMS).UTC(),
		CreatedAt:      time.UnixMilli(rr.CreatedAtMS).UTC(),
		ExpiresAt:      time.UnixMilli(rr.ExpiresAtMS).UTC(),
		Response:       rr.Response,
	}
}

func (r *RedisRepository) recordKey(scope, key string) string {
	return r.prefix + "idem:" + scope + ":" + key
}

func ttlMillis(expiresAt, now time.Time) int64 {
	ms := expiresAt.Sub(now).Milliseconds()
	if ms < 1 {
		ms = 1
	}
	return ms
}

// Reserve stores rec unless a live record already holds the key.
func (r *RedisRepository) Reserve(ctx context.Context, rec *domain.Record) (bool, *domain.Record, error) {
	data, err := json.Marshal(toRedis(rec))
	if err != nil {
		return false, nil, err
	}
	cur, err := r.reserve.Run(ctx, r.client, []string{r.recordKey(rec.Scope, rec.Key)},
		string(data), rec.CreatedAt.UnixMilli(), ttlMillis(rec.ExpiresAt, rec.CreatedAt)).Text()
	if errors.Is(err, goredis.Nil) {
		return true, nil, nil
	}
	if err != nil {
		return false, nil, fmt.Errorf("idempotency reserve: %w", err)
	}
	var existing redisRecord
	if err := json.Unmarshal([]byte(cur), &existing); err != nil {
		return false, nil, err
	}
	return false, existing.toDomain(), nil
}

// Get returns the record for (scope, key), or nil if not found.
func (r *RedisRepository) Get(ctx context.Context, scope, key string) (*domain.Record, error) {
	data, err := r.client.Get(ctx, r.recordKey(scope, key)).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var rr redisRecord
	if err := json.Unmarshal(data, &rr); err != nil {
		return nil, err
	}
	return rr.toDomain(), nil
}

// Complete records resp if ownerToken still holds the in-flight reservation.
func (r *RedisRepository) Complete(ctx context.Context, scope, key, ownerToken string, resp domain.Response, expiresAt time.Time) (bool, error) {
	cur, err := r.Get(ctx, scope, key)
	if err != nil || cur == nil {
		return false, err
	}
	cur.State = domain.StateCompleted
	cur.Response = &resp
	cur.ExpiresAt = expiresAt
	data, err := json.Marshal(toRedis(cur))
	if err != nil {
		return false, err
	}
	n, err := r.owner.Run(ctx, r.client, []string{r.recordKey(scope, key)},
		ownerToken, string(data), ttlMillis(expiresAt, r.nowF())).Int()
	if err != nil {
		return false, fmt.Errorf("idempotency complete: %w", err)
	}
	return n == 1, nil
}

// Release deletes the in-flight reservation held by ownerToken.
func (r *RedisRepository) Release(ctx context.Context, scope, key, ownerToken string) (bool, error) {
	n, err := r.owner.Run(ctx, r.client, []string{r.recordKey(scope, key)}, ownerToken, "", 0).Int()
	if err != nil {
		return false, fmt.Errorf("idempotency release: %w", err)
	}
	return n == 1, nil
}

// DeleteExpired is a no-op: Redis evicts records through key expiry.
func (r *RedisRepository) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	return 0, nil
}
