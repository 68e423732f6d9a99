package service

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"experiment-tracking/backend/internal/events"
	"experiment-tracking/backend/internal/webhook/domain"
	"experiment-tracking/backend/internal/webhook/repository"
)

// Body is the JSON document POSTed to a subscriber.
type Body struct {
	EventType  string       `json:"event_type"`
	ProjectID  string       `json:"project_id"`
	OccurredAt time.Time    `json:"occurred_at"`
	Payload    events.Event `json:"payload"`
}

// Subscriber is an events.Publisher that queues one delivery per matching subscription.
type Subscriber struct {
	subs       repository.Subscriptions
	deliveries repository.Deliveries
	nowF       func() time.Time
}

var _ events.Publisher = (*Subscriber)(nil)

// NewSubscriber returns a publisher that fans events into the delivery outbox.
func NewSubscriber(subs repository.Subscriptions, deliveries repository.Deliveries) *Subscriber {
	return &Subscriber{
		subs:       subs,
		deliveries: deliveries,
		nowF:       func() time.Time { return time.Now().UTC().Truncate(time.Microsecond) },
	}
}

// Publish enqueues e for every active subscription of its project that lists e.Type.
func (s *Subscriber) Publish(ctx context.Context, e events.Event) error {
	subs, err := s.subs.ListActiveMatching(ctx, e.ProjectID, e.Type)
	if err != nil {
		return fmt.Errorf("match webhooks: %w", err)
	}
	if len(subs) == 0 {
		return nil
	}
	body, err := json.Marshal(Body{EventType: e.Type, ProjectID: e.ProjectID, OccurredAt: e.OccurredAt, Payload: e})
	if err != nil {
		return fmt.Errorf("encode webhook body: %w", err)
	}
	now := s.nowF()
	for _, sub := range subs {
		d := &domain.Delivery{
			ID:             uuid.New().String(),
			SubscriptionID: sub.ID,
			ProjectID:      e.ProjectID,
			EventType:      e.Type,
			TargetURL:      sub.TargetURL,
			Secret:         sub.Secret,
			Body:           body,
			Status:         domain.DeliveryPending,
			NextAttemptAt:  now,
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		if err := s.deliveries.Enqueue(ctx, d); err != nil {
			return fmt.Errorf("enqueue webhook %s: %w", sub.ID, err)
		}
	}
	return nil
}

// Close is a no-op; the repositories are owned by the caller.
func (s *Subscriber) Close() error { return nil }
