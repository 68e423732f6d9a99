package worker

import (
	"context"
	"time"
)

// DeliveryReclaimer releases deliveries a dead dispatcher left in progress.
type DeliveryReclaimer interface {
	ReclaimStuck(ctx context.Context, cutoff, now time.Time) (int64, error)
}

// WebhookReclaim returns deliveries stuck in_progress longer than stuckAfter to the queue.
type WebhookReclaim struct {
	repo       DeliveryReclaimer
	stuckAfter time.Duration
	nowF       func() time.Time
}

// NewWebhookReclaim returns the reclaim job.
func NewWebhookReclaim(repo DeliveryReclaimer, stuckAfter time.Duration) *WebhookReclaim {
	return &WebhookReclaim{repo: repo, stuckAfter: stuckAfter, nowF: func() time.Time { return time.Now().UTC() }}
}

func (j *WebhookReclaim) Name() string { return "webhook reclaim" }

func (j *WebhookReclaim) Run(ctx context.Context) (int, error) {
	now := j.nowF()
	n, err := j.repo.ReclaimStuck(ctx, now.Add(-j.stuckAfter), now)
	return int(n), err
}

// DeliveryPurger deletes delivered webhooks.
type DeliveryPurger interface {
	DeleteOldSucceeded(ctx context.Context, cutoff time.Time) (int64, error)
}

// WebhookPurge deletes succeeded deliveries older than retention. Failed ones are kept for inspection.
type WebhookPurge struct {
	repo      DeliveryPurger
	retention time.Duration
	nowF      func() time.Time
}

// NewWebhookPurge returns the purge job.
func NewWebhookPurge(repo DeliveryPurger, retention time.Duration) *WebhookPurge {
	return &WebhookPurge{repo: repo, retention: retention, nowF: func() time.Time { return time.Now().UTC() }}
}

func (j *WebhookPurge) Name() string { return "webhook purge" }

func (j *WebhookPurge) Run(ctx context.Context) (int, error) {
	n, err := j.repo.DeleteOldSucceeded(ctx, j.nowF().Add(-j.retention))
	return int(n), err
}
