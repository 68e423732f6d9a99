// Package handler exposes experiment CRUD over HTTP. Status changes are routed to the lifecycle handler.
package handler

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"experiment-tracking/backend/internal/experiment/domain"
	"experiment-tracking/backend/internal/experiment/repository"
	"experiment-tracking/backend/internal/experiment/service"
	"experiment-tracking/backend/internal/platform/httpx"
	"experiment-tracking/backend/internal/server/middleware"
	"experiment-tracking/backend/internal/statemachine"
)

// Service is the experiment service surface the handler needs.
type Service interface {
	Create(ctx context.Context, projectID, ownerID string, in service.CreateInput) (*domain.Experiment, error)
	Get(ctx context.Context, projectID, id string) (*domain.Experiment, error)
	List(ctx context.Context, projectID string, f repository.ListFilter) ([]*domain.Experiment, error)
	Update(ctx context.Context, projectID, id string, in service.UpdateInput) (*domain.Experiment, error)
}

// Handler serves /experiments.
type Handler struct {
	svc Service
}

// NewHandler returns an experiment handler over svc.
func NewHandler(svc Service) *Handler {
	return &Handler{svc: svc}
}

// ListResponse is the body of List.
type ListResponse struct {
	Experiments []*domain.Experiment `json:"experiments"`
}

// Create handles POST /experiments.
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
	e, err := h.svc.Create(r.Context(), id.ProjectID, id.UserID, in)
	if err != nil {
		httpx.WriteError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusCreated, e)
}

// List handles GET /experiments?status=&limit=&offset=.
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
	f := repository.ListFilter{
		Status: statemachine.Status(r.URL.Query().Get("status")),
		Limit:  limit,
		Offset: offset,
	}
	list, err := h.svc.List(r.Context(), id.ProjectID, f)
	if err != nil {
		httpx.WriteError(w, err)
		return
	}
	if list == nil {
		list = []*domain.Experiment{}
	}
	httpx.WriteJSON(w, http.StatusOK, ListResponse{Experiments: list})
}

// Get handles GET /experiments/{experimentID}.
func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	id, err := middleware.Caller(r)
	if err != nil {
		httpx.WriteError(w, err)
		return
	}
	e, err := h.svc.Get(r.Context(), id.ProjectID, chi.URLParam(r, "experimentID"))
	if err != nil {
		httpx.WriteError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, e)
}

// Update handles PATCH /experiments/{experimentID}.
func (h *Handler) Update(w http.ResponseWriter, r *http.Request) {
	id, err := middleware.Caller(r)
	if err != nil {
		httpx.WriteError(w, err)
		return
	}
	var in service.UpdateInput
	if err := httpx.DecodeJSON(r, &in); err != nil {
		httpx.WriteError(w, err)
		return
	}
	e, err := h.svc.Update(r.Context(), id.ProjectID, chi.URLParam(r, "experimentID"), in)
	if err != nil {
		httpx.WriteError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, e)
}
