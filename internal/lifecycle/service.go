// Package lifecycle applies status transitions to experiments, runs, capture sessions, sensors and
// conversion profiles. Every change is validated by the state machine, written with a conditional
// update on the expected status, then audited and announced on the event bus.
package lifecycle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"experiment-tracking/backend/internal/audit"
	"experiment-tracking/backend/internal/events"
	"experiment-tracking/backend/internal/idempotency"
	idemdomain "experiment-tracking/backend/internal/idempotency/domain"
	"experiment-tracking/backend/internal/observability/metrics"
	"experiment-tracking/backend/internal/platform/apperr"
	"experiment-tracking/backend/internal/platform/httpx"
	"experiment-tracking/backend/internal/statemachine"
)

// MaxBatchSize bounds BatchTransition.
const MaxBatchSize = 100

// keyNamespace separates transition keys from HTTP-level keys in the same scope.
const keyNamespace = "transition:"

// StatusStore reads and conditionally writes the status of one entity kind.
type StatusStore interface {
	// GetSubject returns the status view, or nil if the entity does not exist in the project.
	GetSubject(ctx context.Context, projectID, id string) (*statemachine.Subject, error)
	// ApplyTransition writes c only if the stored status still equals c.From. It returns false when it
	// does not, and statemachine.ErrExclusiveActive when another subject in the scope is already active.
	ApplyTransition(ctx context.Context, projectID, id string, c statemachine.Change) (bool, error)
}

// Guard runs kind-specific checks after the state machine allowed a transition and before it is written.
type Guard func(ctx context.Context, sub statemachine.Subject, target statemachine.Status) error

// Coordinator is the idempotency surface the service needs.
type Coordinator interface {
	Do(ctx context.Context, scope idemdomain.Scope, key, fingerprint string, fn func(context.Context) (idemdomain.Response, error)) (idemdomain.Response, bool, error)
}

// Actor is the caller on whose behalf a transition runs.
type Actor struct {
	UserID string
	Role   string
}

// TransitionRequest asks to move one entity to Target.
type TransitionRequest struct {
	Kind      statemachine.Kind   `json:"kind"`
	ProjectID string              `json:"-"`
	ID        string              `json:"id"`
	Target    statemachine.Status `json:"target"`
	// IdempotencyKey is optional; with it, retries replay the first outcome instead of conflicting.
	IdempotencyKey string `json:"idempotency_key,omitempty"`
	Reason         string `json:"reason,omitempty"`
	Actor          Actor  `json:"-"`
}

// Result describes an applied transition.
type Result struct {
	Kind       statemachine.Kind   `json:"kind"`
	ID         string              `json:"id"`
	From       statemachine.Status `json:"from"`
	To         statemachine.Status `json:"to"`
	At         time.Time           `json:"at"`
	StartedAt  *time.Time          `json:"started_at,omitempty"`
	EndedAt    *time.Time          `json:"ended_at,omitempty"`
	DurationMS *int64              `json:"duration_ms,omitempty"`
	ArchivedAt *time.Time          `json:"archived_at,omitempty"`
	// Replayed is true when the result came from an earlier request with the same idempotency key.
	Replayed bool `json:"replayed"`
}

// ItemError is the per-item error of a batch.
type ItemError struct {
	Kind      apperr.Kind `json:"kind"`
	Message   string      `json:"message"`
	Current   string      `json:"current_status,omitempty"`
	Requested string      `json:"requested_status,omitempty"`
}

// ItemResult is one entry of a batch response, in request order.
type ItemResult struct {
	Index  int        `json:"index"`
	ID     string     `json:"id"`
	Result *Result    `json:"result,omitempty"`
	Error  *ItemError `json:"error,omitempty"`
}

// Service implements Transition and BatchTransition.
type Service struct {
	stores map[statemachine.Kind]StatusStore
	guards map[statemachine.Kind]Guard
	coord  Coordinator
	audit  audit.AuditLogger
	events events.Publisher
	nowF   func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithGuard installs a guard for kind.
func WithGuard(kind statemachine.Kind, g Guard) Option {
	return func(s *Service) { s.guards[kind] = g }
}

// NewService returns a lifecycle service over stores. coord, auditor and pub may be nil: without a
// coordinator idempotency keys are rejected, and audit or events are skipped.
func NewService(stores map[statemachine.Kind]StatusStore, coord Coordinator, auditor audit.AuditLogger, pub events.Publisher, opts ...Option) *Service {
	s := &Service{
		stores: stores,
		guards: make(map[statemachine.Kind]Guard),
		coord:  coord,
		audit:  auditor,
		events: pub,
		nowF:   func() time.Time { return time.Now().UTC().Truncate(time.Microsecond) },
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Transition moves one entity to req.Target. With an idempotency key the first outcome, success or
// client error, is recorded and replayed to retries; a different request under the same key conflicts.
func (s *Service) Transition(ctx context.Context, req TransitionRequest) (*Result, error) {
	if req.IdempotencyKey == "" {
		return s.apply(ctx, req)
	}
	if s.coord == nil {
		return nil, apperr.Validation("idempotency keys are not supported")
	}
	body, err := json.Marshal(struct {
		Target statemachine.Status `json:"target"`
		Reason string              `json:"reason,omitempty"`
	}{req.Target, req.Reason})
	if err != nil {
		return nil, err
	}
	fp := idempotency.Fingerprint("TRANSITION", string(req.Kind)+"/"+req.ID, body)
	scope := idemdomain.Scope{UserID: req.Actor.UserID, ProjectID: req.ProjectID}

	resp, replayed, err := s.coord.Do(ctx, scope, keyNamespace+req.IdempotencyKey, fp, func(ctx context.Context) (idemdomain.Response, error) {
		res, err := s.apply(ctx, req)
		if err != nil {
			status := httpx.StatusFor(err)
			if status >= http.StatusInternalServerError {
				return idemdomain.Response{}, err
			}
			b, merr := json.Marshal(recorded{Error: itemError(err)})
			if merr != nil {
				return idemdomain.Response{}, merr
			}
			return idemdomain.Response{StatusCode: status, ContentType: "application/json", Body: b}, nil
		}
		b, err := json.Marshal(recorded{Result: res})
		if err != nil {
			return idemdomain.Response{}, err
		}
		return idemdomain.Response{StatusCode: http.StatusOK, ContentType: "application/json", Body: b}, nil
	})
	if err != nil {
		return nil, err
	}
	var rec recorded
	if err := json.Unmarshal(resp.Body, &rec); err != nil {
		return nil, fmt.Errorf("decode recorded transition outcome: %w", err)
	}
	if rec.Error != nil {
		return nil, rec.Error.err()
	}
	if rec.Result == nil {
		return nil, apperr.InvalidState("recorded transition outcome for key %q is empty", req.IdempotencyKey)
	}
	rec.Result.Replayed = replayed
	return rec.Result, nil
}

// BatchTransition applies each request independently and reports per-item outcomes in order.
// One item failing does not stop or undo the others.
func (s *Service) BatchTransition(ctx context.Context, reqs []TransitionRequest) ([]ItemResult, error) {
	if len(reqs) == 0 {
		return nil, apperr.Validation("batch must contain at least one transition")
	}
	if len(reqs) > MaxBatchSize {
		return nil, apperr.Validation("batch must contain at most %d transitions", MaxBatchSize)
	}
	out := make([]ItemResult, len(reqs))
	for i, req := range reqs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		out[i] = ItemResult{Index: i, ID: req.ID}
		res, err := s.Transition(ctx, req)
		if err != nil {
			if apperr.KindOf(err) == "" {
				log.Printf("lifecycle: batch item %d (%s %s): %v", i, req.Kind, req.ID, err)
			}
			out[i].Error = itemError(err)
			continue
		}
		out[i].Result = res
	}
	return out, nil
}

func (s *Service) apply(ctx context.Context, req TransitionRequest) (*Result, error) {
	store, ok := s.stores[req.Kind]
	if !ok || store == nil {
		return nil, apperr.Validation("unknown entity kind %q", req.Kind)
	}
	if req.ID == "" {
		return nil, apperr.Validation("id is required")
	}
	if !statemachine.Valid(req.Kind, req.Target) {
		return nil, apperr.Validation("unknown %s status %q", req.Kind, req.Target)
	}
	sub, err := store.GetSubject(ctx, req.ProjectID, req.ID)
	if err != nil {
		return nil, fmt.Errorf("transition %s: %w", req.Kind, err)
	}
	if sub == nil {
		return nil, apperr.NotFound(string(req.Kind), req.ID)
	}
	change, err := statemachine.Apply(*sub, req.Target, s.nowF())
	if err != nil {
		metrics.Transition(ctx, string(req.Kind), string(req.Target), false)
		return nil, err
	}
	if g := s.guards[req.Kind]; g != nil {
		if err := g(ctx, *sub, req.Target); err != nil {
			metrics.Transition(ctx, string(req.Kind), string(req.Target), false)
			return nil, err
		}
	}
	applied, err := store.ApplyTransition(ctx, req.ProjectID, req.ID, change)
	if errors.Is(err, statemachine.ErrExclusiveActive) {
		metrics.Transition(ctx, string(req.Kind), string(req.Target), false)
		return nil, apperr.Conflict("%s %s cannot become %s: %s", req.Kind, req.ID, req.Target, exclusiveReason(req.Kind))
	}
	if err != nil {
		return nil, fmt.Errorf("transition %s: %w", req.Kind, err)
	}
	if !applied {
		metrics.Transition(ctx, string(req.Kind), string(req.Target), false)
		return nil, s.lostRace(ctx, store, req, sub.Status)
	}
	metrics.Transition(ctx, string(req.Kind), string(req.Target), true)

	res := &Result{
		Kind:       req.Kind,
		ID:         req.ID,
		From:       change.From,
		To:         change.To,
		At:         change.At,
		StartedAt:  change.StartedAt,
		EndedAt:    change.EndedAt,
		ArchivedAt: change.ArchivedAt,
	}
	if change.Duration != nil {
		ms := change.Duration.Milliseconds()
		res.DurationMS = &ms
	}
	s.record(ctx, req, sub, res)
	return res, nil
}

// lostRace reports the status that won when the conditional write matched no row.
func (s *Service) lostRace(ctx context.Context, store StatusStore, req TransitionRequest, expected statemachine.Status) error {
	cur, err := store.GetSubject(ctx, req.ProjectID, req.ID)
	if err != nil {
		return fmt.Errorf("transition %s: %w", req.Kind, err)
	}
	if cur == nil {
		return apperr.NotFound(string(req.Kind), req.ID)
	}
	current := cur.Status
	if current == expected {
		// Same status but the write missed: treat as a concurrent modification.
		return apperr.Conflict("%s %s was modified concurrently; retry", req.Kind, req.ID)
	}
	return apperr.TransitionConflict(string(req.Kind), string(current), string(req.Target))
}

func (s *Service) record(ctx context.Context, req TransitionRequest, sub *statemachine.Subject, res *Result) {
	meta := map[string]any{"from": string(res.From), "to": string(res.To)}
	if req.Reason != "" {
		meta["reason"] = req.Reason
	}
	if sub.ScopeID != "" {
		meta["scope_id"] = sub.ScopeID
	}
	if s.audit != nil {
		s.audit.LogEvent(ctx, audit.Entry{
			ProjectID:  req.ProjectID,
			EntityKind: string(req.Kind),
			EntityID:   req.ID,
			Action:     "transition",
			Metadata:   meta,
		})
	}
	e := events.New(events.TypeFor(string(req.Kind), string(res.To)), req.ProjectID, string(req.Kind), req.ID, res.At)
	e.From, e.To = string(res.From), string(res.To)
	e.ActorID = req.Actor.UserID
	if res.DurationMS != nil || sub.ScopeID != "" || req.Reason != "" {
		e.Payload = map[string]any{}
		if res.DurationMS != nil {
			e.Payload["duration_ms"] = *res.DurationMS
		}
		if sub.ScopeID != "" {
			e.Payload["scope_id"] = sub.ScopeID
		}
		if req.Reason != "" {
			e.Payload["reason"] = req.Reason
		}
	}
	events.PublishAsync(ctx, s.events, e)
}

func exclusiveReason(kind statemachine.Kind) string {
	switch kind {
	case statemachine.KindCaptureSession:
		return "the run already has an active capture session"
	case statemachine.KindConversionProfile:
		return "the sensor already has an active conversion profile"
	}
	return "another entity in the same scope is already active"
}

// recorded is the body stored under an idempotency key.
type recorded struct {
	Result *Result    `json:"result,omitempty"`
	Error  *ItemError `json:"error,omitempty"`
}

func itemError(err error) *ItemError {
	var e *apperr.Error
	if errors.As(err, &e) {
		return &ItemError{Kind: e.Kind, Message: e.Message, Current: e.Current, Requested: e.Requested}
	}
	return &ItemError{Kind: "internal", Message: "internal error"}
}

func (e *ItemError) err() error {
	return &apperr.Error{Kind: e.Kind, Message: e.Message, Current: e.Current, Requested: e.Requested}
}
