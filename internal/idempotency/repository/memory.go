package repository

import (
	"context"
	"sync"
	"time"

	"experiment-tracking/backend/internal/idempotency/domain"
)

// MemoryRepository is an in-process Repository for tests and single-instance deployments.
type MemoryRepository struct {
	mu sync.Mutex
	m  map[string]domain.Record
}

// NewMemoryRepository returns an empty in-memory idempotency store.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{m: make(map[string]domain.Record)}
}

func memKey(scope, key string) string { return scope + "\x00" + key }

// Reserve stores rec unless a live record already holds the key.
func (r *MemoryRepository) Reserve(ctx context.Context, rec *domain.Record) (bool, *domain.Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	k := memKey(rec.Scope, rec.Key)
	if e, ok := r.m[k]; ok && !e.Supersedable(rec.CreatedAt) {
		cp := copyRecord(e)
		return false, &cp, nil
	}
	r.m[k] = copyRecord(*rec)
	return true, nil, nil
}

// Get returns the record for (scope, key), or nil if not found.
func (r *MemoryRepository) Get(ctx context.Context, scope, key string) (*domain.Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.m[memKey(scope, key)]
	if !ok {
		return nil, nil
	}
	cp := copyRecord(e)
	return &cp, nil
}

// Complete records resp if ownerToken still holds the in-flight reservation.
func (r *MemoryRepository) Complete(ctx context.Context, scope, key, ownerToken string, resp domain.Response, expiresAt time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	k := memKey(scope, key)
	e, ok := r.m[k]
	if !ok || e.OwnerToken != ownerToken || e.State != domain.StateInFlight {
		return false, nil
	}
	body := append([]byte(nil), resp.Body...)
	e.State = domain.StateCompleted
	e.Response = &domain.Response{StatusCode: resp.StatusCode, ContentType: resp.ContentType, Header: domain.CloneHeader(resp.Header), Body: body}
	e.ExpiresAt = expiresAt
	r.m[k] = e
	return true, nil
}

// Release deletes the in-flight reservation held by ownerToken.
func (r *MemoryRepository) Release(ctx context.Context, scope, key, ownerToken string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	k := memKey(scope, key)
	e, ok := r.m[k]
	if !ok || e.OwnerToken != ownerToken || e.State != domain.StateInFlight {
		return false, nil
	}
	delete(r.m, k)
	return true, nil
}

// DeleteExpired removes records whose retention ended before now.
func (r *MemoryRepository) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for k, e := range r.m {
		if e.Expired(now) {
			delete(r.m, k)
			n++
		}
	}
	return n, nil
}

func copyRecord(e domain.Record) domain.Record {
	if e.Response != nil {
		resp := *e.Response
		resp.Body = append([]byte(nil), e.Response.Body...)
		resp.Header = domain.CloneHeader(e.Response.Header)
		e.Response = &resp
	}
	return e
}
