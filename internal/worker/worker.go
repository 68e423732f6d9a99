// Package worker runs the periodic maintenance jobs and the event archiver.
package worker

import (
	"context"
	"fmt"
	"log"
	"time"

	"experiment-tracking/backend/internal/audit"
	capturedomain "experiment-tracking/backend/internal/capturesession/domain"
	"experiment-tracking/backend/internal/lifecycle"
	"experiment-tracking/backend/internal/statemachine"
)

// Job is one periodic task. It returns how many items it handled.
type Job interface {
	Name() string
	Run(ctx context.Context) (int, error)
}

// RunPeriodic runs every job immediately and then every interval until ctx is done.
// A failing job is logged and retried on the next tick.
func RunPeriodic(ctx context.Context, interval time.Duration, jobs ...Job) {
	tick := func() {
		for _, j := range jobs {
			n, err := j.Run(ctx)
			if err != nil {
				if ctx.Err() == nil {
					log.Printf("worker: %s: %v", j.Name(), err)
				}
				continue
			}
			if n > 0 {
				log.Printf("worker: %s: handled %d", j.Name(), n)
			}
		}
	}
	tick()
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			tick()
		}
	}
}

// Sweeper deletes expired idempotency records (e.g. *idempotency.Coordinator).
type Sweeper interface {
	Sweep(ctx context.Context) (int64, error)
}

// IdempotencySweep removes idempotency records past their retention.
type IdempotencySweep struct {
	sweeper Sweeper
}

// NewIdempotencySweep returns the sweep job.
func NewIdempotencySweep(s Sweeper) *IdempotencySweep {
	return &IdempotencySweep{sweeper: s}
}

func (j *IdempotencySweep) Name() string { return "idempotency sweep" }

func (j *IdempotencySweep) Run(ctx context.Context) (int, error) {
	n, err := j.sweeper.Sweep(ctx)
	return int(n), err
}

// StaleLister returns capture sessions active since before cutoff.
type StaleLister interface {
	ListStale(ctx context.Context, cutoff time.Time, limit int) ([]*capturedomain.CaptureSession, error)
}

// Transitioner applies status transitions (e.g. *lifecycle.Service).
type Transitioner interface {
	Transition(ctx context.Context, req lifecycle.TransitionRequest) (*lifecycle.Result, error)
}

const staleBatch = 100

// StaleSessions fails capture sessions left running or backfilling longer than MaxAge. It goes through
// the lifecycle service so the change is audited and announced like any other.
type StaleSessions struct {
	sessions    StaleLister
	transitions Transitioner
	maxAge      time.Duration
	nowF        func() time.Time
}

// NewStaleSessions returns the stale session job.
func NewStaleSessions(sessions StaleLister, transitions Transitioner, maxAge time.Duration) *StaleSessions {
	return &StaleSessions{
		sessions:    sessions,
		transitions: transitions,
		maxAge:      maxAge,
		nowF:        func() time.Time { return time.Now().UTC() },
	}
}

func (j *StaleSessions) Name() string { return "stale capture sessions" }

// Run fails one batch of stale sessions. A session that finished concurrently is skipped.
func (j *StaleSessions) Run(ctx context.Context) (int, error) {
	stale, err := j.sessions.ListStale(ctx, j.nowF().Add(-j.maxAge), staleBatch)
	if err != nil {
		return 0, fmt.Errorf("list stale sessions: %w", err)
	}
	failed := 0
	for _, cs := range stale {
		_, err := j.transitions.Transition(ctx, lifecycle.TransitionRequest{
			Kind:      statemachine.KindCaptureSession,
			ProjectID: cs.ProjectID,
			ID:        cs.ID,
			Target:    statemachine.StatusFailed,
			Reason:    fmt.Sprintf("no stop within %s", j.maxAge),
			Actor:     lifecycle.Actor{UserID: audit.SystemActor},
		})
		if err != nil {
			log.Printf("worker: fail stale session %s: %v", cs.ID, err)
			continue
		}
		failed++
	}
	return failed, nil
}
