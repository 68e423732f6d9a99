// Package idempotency makes POST-style mutations safe under client retries and concurrent
// duplicate submission. A key is reserved before the mutation runs; duplicates either replay the
// recorded outcome, wait for the in-flight one, or are rejected when the request differs.
package idempotency

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"experiment-tracking/backend/internal/idempotency/domain"
	"experiment-tracking/backend/internal/idempotency/repository"
	"experiment-tracking/backend/internal/observability/metrics"
	"experiment-tracking/backend/internal/platform/apperr"
)

// MaxKeyLength bounds client-supplied keys.
const MaxKeyLength = 255

// Outcome is the coordinator's decision for a request.
type Outcome int

const (
	// OutcomeProceed means the caller holds the reservation and must run the mutation, then Complete or Release.
	OutcomeProceed Outcome = iota
	// OutcomeReplay means an identical request already completed; Decision.Response holds its outcome.
	OutcomeReplay
	// OutcomeConflict means the key was used with a different request.
	OutcomeConflict
)

func (o Outcome) String() string {
	switch o {
	case OutcomeProceed:
		return "proceed"
	case OutcomeReplay:
		return "replay"
	case OutcomeConflict:
		return "conflict"
	}
	return "unknown"
}

// Reservation identifies a held key. Only its holder can complete or release it.
type Reservation struct {
	Scope string
	Key   string
	Token string
}

// Decision is returned by Begin.
type Decision struct {
	Outcome     Outcome
	Reservation *Reservation
	Response    *domain.Response
}

// Config controls retention and waiting.
type Config struct {
	// TTL is how long a completed outcome is replayed.
	TTL time.Duration
	// Lease bounds how long an in-flight reservation blocks duplicates if its holder disappears.
	Lease time.Duration
	// WaitTimeout bounds how long a duplicate waits for the in-flight outcome.
	WaitTimeout time.Duration
	// PollInterval is how often a waiting duplicate re-reads the store for outcomes recorded elsewhere.
	PollInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.TTL <= 0 {
		c.TTL = 24 * time.Hour
	}
	if c.Lease <= 0 {
		c.Lease = 30 * time.Second
	}
	if c.WaitTimeout <= 0 {
		c.WaitTimeout = 10 * time.Second
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 50 * time.Millisecond
	}
	return c
}

type waiter struct {
	ch chan struct{}
	n  int
}

// Coordinator implements the reserve / replay / conflict protocol over a Repository.
type Coordinator struct {
	repo repository.Repository
	cfg  Config
	nowF func() time.Time

	mu      sync.Mutex
	waiters map[string]*waiter
}

// NewCoordinator returns a Coordinator backed by repo.
func NewCoordinator(repo repository.Repository, cfg Config) *Coordinator {
	return &Coordinator{
		repo:    repo,
		cfg:     cfg.withDefaults(),
		nowF:    func() time.Time { return time.Now().UTC() },
		waiters: make(map[string]*waiter),
	}
}

// Begin reserves key for the request identified by fingerprint, or reports how a duplicate must be handled.
// A duplicate of an in-flight request blocks until the outcome is recorded, the reservation is released
// (then Begin retries the reservation itself), WaitTimeout elapses (timeout error) or ctx is done.
func (c *Coordinator) Begin(ctx context.Context, scope domain.Scope, key, fingerprint string) (Decision, error) {
	if key == "" || len(key) > MaxKeyLength {
		return Decision{}, apperr.Validation("idempotency key must be 1-%d characters", MaxKeyLength)
	}
	sk := scope.String()
	wk := sk + "\x00" + key
	start := time.Now()
	deadline := time.NewTimer(c.cfg.WaitTimeout)
	defer deadline.Stop()
	waited := false

	for {
		wake, unsubscribe := c.subscribe(wk)
		now := c.nowF()
		rec := &domain.Record{
			Scope:          sk,
			Key:            key,
			Fingerprint:    fingerprint,
			State:          domain.StateInFlight,
			OwnerToken:     uuid.New().String(),
			LeaseExpiresAt: now.Add(c.cfg.Lease),
			CreatedAt:      now,
			ExpiresAt:      now.Add(c.cfg.TTL),
		}
		ok, existing, err := c.repo.Reserve(ctx, rec)
		if err != nil {
			unsubscribe()
			return Decision{}, err
		}
		if ok {
			unsubscribe()
			c.observe(ctx, OutcomeProceed.String(), waited, start)
			return Decision{Outcome: OutcomeProceed, Reservation: &Reservation{Scope: sk, Key: key, Token: rec.OwnerToken}}, nil
		}
		if existing == nil {
			// Row vanished between the conflicting insert and the read; reserve again.
			unsubscribe()
			continue
		}
		if existing.Fingerprint != fingerprint {
			unsubscribe()
			c.observe(ctx, OutcomeConflict.String(), waited, start)
			return Decision{Outcome: OutcomeConflict}, nil
		}
		if existing.State == domain.StateCompleted && existing.Response != nil {
			unsubscribe()
			c.observe(ctx, OutcomeReplay.String(), waited, start)
			return Decision{Outcome: OutcomeReplay, Response: existing.Response}, nil
		}

		waited = true
		poll := time.NewTimer(c.cfg.PollInterval)
		select {
		case <-wake:
		case <-poll.C:
		case <-deadline.C:
			poll.Stop()
			unsubscribe()
			c.observe(ctx, "timeout", waited, start)
			return Decision{}, apperr.Timeout("timed out waiting for in-flight request with idempotency key %q", key)
		case <-ctx.Done():
			poll.Stop()
			unsubscribe()
			return Decision{}, ctx.Err()
		}
		poll.Stop()
		unsubscribe()
	}
}

// Complete records resp for the reservation and wakes local waiters.
// A lost reservation (lease expired and taken over) is logged; resp is still the caller's answer.
func (c *Coordinator) Complete(ctx context.Context, res *Reservation, resp domain.Response) error {
	defer c.notify(res.Scope + "\x00" + res.Key)
	ok, err := c.repo.Complete(ctx, res.Scope, res.Key, res.Token, resp, c.nowF().Add(c.cfg.TTL))
	if err != nil {
		return err
	}
	if !ok {
		log.Printf("idempotency: reservation for key %q lost before completion", res.Key)
	}
	return nil
}

// Release drops the reservation so a retry can execute the mutation, and wakes local waiters.
func (c *Coordinator) Release(ctx context.Context, res *Reservation) error {
	defer c.notify(res.Scope + "\x00" + res.Key)
	_, err := c.repo.Release(ctx, res.Scope, res.Key, res.Token)
	return err
}

// Do runs fn at most once per (scope, key, fingerprint) and returns the recorded outcome to duplicates.
// The replayed flag is true when resp came from a previous execution. fn's error, a 5xx response or
// cancellation of ctx releases the reservation instead of recording an outcome.
func (c *Coordinator) Do(ctx context.Context, scope domain.Scope, key, fingerprint string, fn func(context.Context) (domain.Response, error)) (domain.Response, bool, error) {
	d, err := c.Begin(ctx, scope, key, fingerprint)
	if err != nil {
		return domain.Response{}, false, err
	}
	switch d.Outcome {
	case OutcomeConflict:
		return domain.Response{}, false, apperr.Conflict("idempotency key %q was already used with a different request", key)
	case OutcomeReplay:
		return *d.Response, true, nil
	}

	// Outcome bookkeeping must survive the caller going away.
	bg := context.WithoutCancel(ctx)
	resp, err := fn(ctx)
	if err != nil || resp.StatusCode >= 500 || ctx.Err() != nil {
		if rerr := c.Release(bg, d.Reservation); rerr != nil {
			log.Printf("idempotency: release key %q: %v", key, rerr)
		}
		if err == nil && ctx.Err() != nil {
			err = ctx.Err()
		}
		return resp, false, err
	}
	if cerr := c.Complete(bg, d.Reservation, resp); cerr != nil {
		log.Printf("idempotency: record outcome for key %q: %v", key, cerr)
		if rerr := c.Release(bg, d.Reservation); rerr != nil {
			log.Printf("idempotency: release key %q: %v", key, rerr)
		}
	}
	return resp, false, nil
}

// Sweep deletes records whose retention has ended. Used by the worker.
func (c *Coordinator) Sweep(ctx context.Context) (int64, error) {
	return c.repo.DeleteExpired(ctx, c.nowF())
}

func (c *Coordinator) subscribe(k string) (<-chan struct{}, func()) {
	c.mu.Lock()
	w := c.waiters[k]
	if w == nil {
		w = &waiter{ch: make(chan struct{})}
		c.waiters[k] = w
	}
	w.n++
	c.mu.Unlock()
	return w.ch, func() {
		c.mu.Lock()
		w.n--
		if w.n == 0 && c.waiters[k] == w {
			delete(c.waiters, k)
		}
		c.mu.Unlock()
	}
}

func (c *Coordinator) notify(k string) {
	c.mu.Lock()
	if w := c.waiters[k]; w != nil {
		close(w.ch)
		delete(c.waiters, k)
	}
	c.mu.Unlock()
}

func (c *Coordinator) observe(ctx context.Context, outcome string, waited bool, start time.Time) {
	metrics.IdempotencyOutcome(ctx, outcome)
	if waited {
		metrics.IdempotencyWait(ctx, time.Since(start))
	}
}
