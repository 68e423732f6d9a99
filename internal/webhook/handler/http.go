// Package handler exposes webhook subscriptions over HTTP.
package handler

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"experiment-tracking/backend/internal/platform/httpx"
	"experiment-tracking/backend/internal/server/middleware"
	"experiment-tracking/backend/internal/webhook/domain"
	"experiment-tracking/backend/internal/webhook/service"
)

// Service is the webhook service surface the handler needs.
type Service interface {
	Create(ctx context.Context, projectID string, in service.CreateInput) (*domain.Subscription, error)
	List(ctx context.Context, projectID string, limit, offset int) ([]*domain.Subscription, int, error)
	Delete(ctx context.Context, projectID, id string) error
}

// Handler serves /webhooks.
type Handler struct {
	svc Service
}

// NewHandler returns a webhook handler over svc.
func NewHandler(svc Service) *Handler {
	return &Handler{svc: svc}
}

// ListResponse is the body of List.
type ListResponse struct {
	Webhooks []*domain.Subscription `json:"webhooks"`
	Total    int                    `json:"total"`
	Limit    int                    `json:"limit"`
	Offset   int                    `json:"offset"`
}

// Create handles POST /webhooks.
func (h *Handler) Create(w http.ResponseWriter, r *http.Request) {
	id, err := middleware.Caller(r)
	if err != nil {
		httpx.WriteError(w, err)
		return
	}
	var in service.CreateInput
	if err := httpx.DecodeJSON(r, &in); err != nil {
		httpx.WriteError(w, err)
		return
	}
	sub, err := h.svc.Create(r.Context(), id.ProjectID, in)
	if err != nil {
		httpx.WriteError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusCreated, sub)
}

// List handles GET /webhooks.
func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	id, err := middleware.Caller(r)
	if err != nil {
		httpx.WriteError(w, err)
		return
	}
	limit, offset, err := httpx.Page(r)
	if err != nil {
		httpx.WriteError(w, err)
		return
	}
	subs, total, err := h.svc.List(r.Context(), id.ProjectID, limit, offset)
	if err != nil {
		httpx.WriteError(w, err)
		return
	}
	if subs == nil {
		subs = []*domain.Subscription{}
	}
	httpx.WriteJSON(w, http.StatusOK, ListResponse{Webhooks: subs, Total: total, Limit: limit, Offset: offset})
}

// Delete handles DELETE /webhooks/{webhookID}.
func (h *Handler) Delete(w http.ResponseWriter, r *http.Request) {
	id, err := middleware.Caller(r)
	if err != nil {
		httpx.WriteError(w, err)
		return
	}
	if err := h.svc.Delete(r.Context(), id.ProjectID, chi.URLParam(r, "webhookID")); err != nil {
		httpx.WriteError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
