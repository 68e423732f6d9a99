package service

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"experiment-tracking/backend/internal/platform/apperr"
	"experiment-tracking/backend/internal/webhook/domain"
	"experiment-tracking/backend/internal/webhook/repository"
)

// CreateInput is the payload for Create.
type CreateInput struct {
	TargetURL  string   `json:"target_url"`
	EventTypes []string `json:"event_types"`
	Secret     string   `json:"secret"`
}

// WebhookService manages subscriptions. Deliveries are queued by Subscriber and sent by Dispatcher.
type WebhookService struct {
	repo repository.Subscriptions
	nowF func() time.Time
}

// NewWebhookService returns a service backed by repo.
func NewWebhookService(repo repository.Subscriptions) *WebhookService {
	return &WebhookService{
		repo: repo,
		nowF: func() time.Time { return time.Now().UTC().Truncate(time.Microsecond) },
	}
}

// Create stores an active subscription. Event types are trimmed and deduplicated in order.
func (s *WebhookService) Create(ctx context.Context, projectID string, in CreateInput) (*domain.Subscription, error) {
	target, err := validTarget(in.TargetURL)
	if err != nil {
		return nil, err
	}
	var types []string
	seen := make(map[string]bool)
	for _, t := range in.EventTypes {
		t = strings.TrimSpace(t)
		if t == "" || seen[t] {
			continue
		}
		seen[t] = true
		types = append(types, t)
	}
	if len(types) == 0 {
		return nil, apperr.Validation("event_types must be a non-empty list")
	}
	now := s.nowF()
	sub := &domain.Subscription{
		ID:         uuid.New().String(),
		ProjectID:  projectID,
		TargetURL:  target,
		Secret:     in.Secret,
		EventTypes: types,
		IsActive:   true,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := s.repo.Create(ctx, sub); err != nil {
		return nil, fmt.Errorf("create webhook: %w", err)
	}
	return sub, nil
}

func validTarget(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", apperr.Validation("target_url is required")
	}
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return "", apperr.Validation("target_url must be an absolute http or https URL")
	}
	return u.String(), nil
}

// List returns one page of the project's subscriptions and the total.
func (s *WebhookService) List(ctx context.Context, projectID string, limit, offset int) ([]*domain.Subscription, int, error) {
	subs, total, err := s.repo.ListByProject(ctx, projectID, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list webhooks: %w", err)
	}
	return subs, total, nil
}

// Delete removes the subscription or returns a not found error.
func (s *WebhookService) Delete(ctx context.Context, projectID, id string) error {
	ok, err := s.repo.Delete(ctx, projectID, id)
	if err != nil {
		return fmt.Errorf("delete webhook: %w", err)
	}
	if !ok {
		return apperr.NotFound("webhook", id)
	}
	return nil
}
