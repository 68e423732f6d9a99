// Package domain holds webhook subscriptions and their outbox of pending deliveries.
package domain

import (
	"slices"
	"time"
)

// Subscription asks for every event of the listed types in a project to be POSTed to TargetURL.
// Secret signs deliveries and is never rendered.
type Subscription struct {
	ID         string    `json:"id"`
	ProjectID  string    `json:"project_id"`
	TargetURL  string    `json:"target_url"`
	Secret     string    `json:"-"`
	EventTypes []string  `json:"event_types"`
	IsActive   bool      `json:"is_active"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Matches reports whether the subscription wants events of type typ.
func (s *Subscription) Matches(typ string) bool {
	return s.IsActive && slices.Contains(s.EventTypes, typ)
}

// DeliveryStatus is the outbox state of one delivery.
type DeliveryStatus string

const (
	DeliveryPending    DeliveryStatus = "pending"
	DeliveryInProgress DeliveryStatus = "in_progress"
	DeliverySucceeded  DeliveryStatus = "succeeded"
	DeliveryFailed     DeliveryStatus = "failed"
)

// Delivery is one event queued for one subscription. TargetURL and Secret are copied at enqueue time
// so later subscription changes do not affect queued work.
type Delivery struct {
	ID             string
	SubscriptionID string
	ProjectID      string
	EventType      string
	TargetURL      string
	Secret         string
	Body           []byte
	Status         DeliveryStatus
	AttemptCount   int
	LastError      *string
	NextAttemptAt  time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Attempt is the outcome of one delivery attempt. A nil NextAttemptAt keeps the stored schedule.
type Attempt struct {
	Status        DeliveryStatus
	AttemptCount  int
	LastError     *string
	NextAttemptAt *time.Time
	At            time.Time
}
