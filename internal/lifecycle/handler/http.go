// Package handler exposes status transitions over HTTP, one entity at a time or in batches.
package handler

import (
	"context"
	"log"
	"net/http"

	"github.com/go-chi/chi/v5"

	idemhandler "experiment-tracking/backend/internal/idempotency/handler"
	"experiment-tracking/backend/internal/lifecycle"
	"experiment-tracking/backend/internal/platform/apperr"
	"experiment-tracking/backend/internal/platform/httpx"
	"experiment-tracking/backend/internal/policy/engine"
	"experiment-tracking/backend/internal/server/middleware"
	"experiment-tracking/backend/internal/statemachine"
)

// Service is the lifecycle surface the handler needs.
type Service interface {
	Transition(ctx context.Context, req lifecycle.TransitionRequest) (*lifecycle.Result, error)
	BatchTransition(ctx context.Context, reqs []lifecycle.TransitionRequest) ([]lifecycle.ItemResult, error)
}

// Handler serves the transitions endpoints.
type Handler struct {
	svc    Service
	policy engine.Evaluator
}

// NewHandler returns a lifecycle handler. policy authorizes each batch item by its kind; nil skips that check.
func NewHandler(svc Service, policy engine.Evaluator) *Handler {
	return &Handler{svc: svc, policy: policy}
}

// TransitionBody is the body of a single transition.
type TransitionBody struct {
	Target statemachine.Status `json:"target"`
	Reason string              `json:"reason,omitempty"`
}

// BatchBody is the body of a batch transition.
type BatchBody struct {
	Transitions []lifecycle.TransitionRequest `json:"transitions"`
}

// BatchResponse is the body returned by Batch.
type BatchResponse struct {
	Results []lifecycle.ItemResult `json:"results"`
}

// Transition returns a handler for POST .../{param}/transitions on kind. The Idempotency-Key header
// is passed to the service, which replays the first outcome for a retried key.
func (h *Handler) Transition(kind statemachine.Kind, param string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := middleware.Caller(r)
		if err != nil {
			httpx.WriteError(w, err)
			return
		}
		var body TransitionBody
		if err := httpx.DecodeJSON(r, &body); err != nil {
			httpx.WriteError(w, err)
			return
		}
		res, err := h.svc.Transition(r.Context(), lifecycle.TransitionRequest{
			Kind:           kind,
			ProjectID:      id.ProjectID,
			ID:             chi.URLParam(r, param),
			Target:         body.Target,
			IdempotencyKey: r.Header.Get(idemhandler.HeaderKey),
			Reason:         body.Reason,
			Actor:          lifecycle.Actor{UserID: id.UserID, Role: id.Role},
		})
		if err != nil {
			httpx.WriteError(w, err)
			return
		}
		if res.Replayed {
			w.Header().Set(idemhandler.HeaderReplayed, "true")
		}
		httpx.WriteJSON(w, http.StatusOK, res)
	}
}

// Batch handles POST /transitions/batch. Items the caller's role may not transition fail individually
// with a forbidden error; the rest are applied.
func (h *Handler) Batch(w http.ResponseWriter, r *http.Request) {
	id, err := middleware.Caller(r)
	if err != nil {
		httpx.WriteError(w, err)
		return
	}
	var body BatchBody
	if err := httpx.DecodeJSON(r, &body); err != nil {
		httpx.WriteError(w, err)
		return
	}
	if len(body.Transitions) == 0 || len(body.Transitions) > lifecycle.MaxBatchSize {
		httpx.WriteError(w, apperr.Validation("batch must contain 1-%d transitions", lifecycle.MaxBatchSize))
		return
	}

	results := make([]lifecycle.ItemResult, len(body.Transitions))
	var (
		allowed []lifecycle.TransitionRequest
		slots   []int
	)
	for i, req := range body.Transitions {
		req.ProjectID = id.ProjectID
		req.Actor = lifecycle.Actor{UserID: id.UserID, Role: id.Role}
		if err := h.authorize(r.Context(), id, req.Kind); err != nil {
			results[i] = lifecycle.ItemResult{Index: i, ID: req.ID, Error: &lifecycle.ItemError{
				Kind:    apperr.KindOf(err),
				Message: err.Error(),
			}}
			continue
		}
		allowed = append(allowed, req)
		slots = append(slots, i)
	}
	if len(allowed) > 0 {
		out, err := h.svc.BatchTransition(r.Context(), allowed)
		if err != nil {
			httpx.WriteError(w, err)
			return
		}
		for j, item := range out {
			item.Index = slots[j]
			results[slots[j]] = item
		}
	}
	httpx.WriteJSON(w, http.StatusOK, BatchResponse{Results: results})
}

func (h *Handler) authorize(ctx context.Context, id middleware.Identity, kind statemachine.Kind) error {
	if h.policy == nil {
		return nil
	}
	ok, err := h.policy.Allow(ctx, id.ProjectID, engine.Input{Role: id.Role, Action: "transition", Resource: string(kind)})
	if err != nil {
		log.Printf("lifecycle: authorize batch item: %v", err)
		return apperr.Forbidden("access decision unavailable")
	}
	if !ok {
		return apperr.Forbidden("role %s may not transition %s", id.Role, kind)
	}
	return nil
}
