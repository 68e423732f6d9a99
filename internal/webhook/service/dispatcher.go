package service

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v5"

	"experiment-tracking/backend/internal/webhook/domain"
	"experiment-tracking/backend/internal/webhook/repository"
)

// Headers set on every delivery request.
const (
	HeaderEvent      = "X-Webhook-Event"
	HeaderDeliveryID = "X-Webhook-Delivery-Id"
	HeaderSignature  = "X-Webhook-Signature"
)

const maxErrorBody = 2000

// DispatcherConfig tunes delivery. Zero values take the defaults.
type DispatcherConfig struct {
	// Timeout bounds one HTTP attempt. Default 3s.
	Timeout time.Duration
	// MaxAttempts is how many attempts a delivery gets before it is failed. Default 5.
	MaxAttempts int
	// BatchSize is how many deliveries one Run claims. Default 100.
	BatchSize int
}

// Dispatcher sends due deliveries. It satisfies worker.Job so it can run on a ticker.
type Dispatcher struct {
	repo   repository.Deliveries
	client *http.Client
	cfg    DispatcherConfig
	nowF   func() time.Time
}

// NewDispatcher returns a dispatcher over repo. client may be nil.
func NewDispatcher(repo repository.Deliveries, client *http.Client, cfg DispatcherConfig) *Dispatcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 3 * time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	return &Dispatcher{
		repo:   repo,
		client: client,
		cfg:    cfg,
		nowF:   func() time.Time { return time.Now().UTC().Truncate(time.Microsecond) },
	}
}

func (d *Dispatcher) Name() string { return "webhook dispatch" }

// Run claims one batch of due deliveries and attempts each once. It returns how many were attempted.
func (d *Dispatcher) Run(ctx context.Context) (int, error) {
	claimed, err := d.repo.ClaimDue(ctx, d.nowF(), d.cfg.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("claim deliveries: %w", err)
	}
	for i, dl := range claimed {
		if err := d.attempt(ctx, dl); err != nil {
			return i, err
		}
	}
	return len(claimed), nil
}

func (d *Dispatcher) attempt(ctx context.Context, dl *domain.Delivery) error {
	sendErr := d.send(ctx, dl)
	now := d.nowF()
	a := domain.Attempt{Status: domain.DeliverySucceeded, AttemptCount: dl.AttemptCount + 1, At: now}
	if sendErr != nil {
		msg := sendErr.Error()
		a.LastError = &msg
		if a.AttemptCount >= d.cfg.MaxAttempts {
			a.Status = domain.DeliveryFailed
			log.Printf("webhook: delivery %s to %s failed after %d attempts: %s", dl.ID, dl.TargetURL, a.AttemptCount, msg)
		} else {
			next := now.Add(Backoff(a.AttemptCount))
			a.Status, a.NextAttemptAt = domain.DeliveryPending, &next
		}
	}
	if err := d.repo.MarkAttempt(ctx, dl.ID, a); err != nil {
		return fmt.Errorf("mark delivery %s: %w", dl.ID, err)
	}
	return nil
}

func (d *Dispatcher) send(ctx context.Context, dl *domain.Delivery) error {
	ctx, cancel := context.WithTimeout(ctx, d.cfg.Timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, dl.TargetURL, bytes.NewReader(dl.Body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderEvent, dl.EventType)
	req.Header.Set(HeaderDeliveryID, dl.ID)
	if dl.Secret != "" {
		req.Header.Set(HeaderSignature, Sign(dl.Secret, dl.Body))
	}
	resp, err := d.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxErrorBody))
		return nil
	}
	text, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	return fmt.Errorf("HTTP %d: %s", resp.StatusCode, text)
}

// Sign returns the X-Webhook-Signature value for body: sha256=<hex HMAC-SHA256 keyed by secret>.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// Backoff returns the wait after the given number of failed attempts: 2s doubling up to one minute.
func Backoff(attempts int) time.Duration {
	b := &backoff.ExponentialBackOff{
		InitialInterval: 2 * time.Second,
		Multiplier:      2,
		MaxInterval:     time.Minute,
	}
	b.Reset()
	next := b.NextBackOff()
	for i := 1; i < attempts; i++ {
		next = b.NextBackOff()
	}
	return next
}
