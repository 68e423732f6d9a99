// Package handler exposes runs over HTTP.
package handler

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"experiment-tracking/backend/internal/platform/httpx"
	"experiment-tracking/backend/internal/run/domain"
	"experiment-tracking/backend/internal/run/service"
	"experiment-tracking/backend/internal/server/middleware"
)

// Service is the run service surface the handler needs.
type Service interface {
	Create(ctx context.Context, projectID, experimentID, createdBy string, in service.CreateInput) (*domain.Run, error)
	Get(ctx context.Context, projectID, id string) (*domain.Run, error)
	ListByExperiment(ctx context.Context, projectID, experimentID string, limit, offset int) ([]*domain.Run, error)
	Update(ctx context.Context, projectID, id string, in service.UpdateInput) (*domain.Run, error)
}

// Handler serves runs nested under experiments and addressed directly.
type Handler struct {
	svc Service
}

// NewHandler returns a run handler over svc.
func NewHandler(svc Service) *Handler {
	return &Handler{svc: svc}
}

// ListResponse is the body of List.
type ListResponse struct {
	Runs []*domain.Run `json:"runs"`
}

// Create handles POST /experiments/{experimentID}/runs.
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
	run, err := h.svc.Create(r.Context(), id.ProjectID, chi.URLParam(r, "experimentID"), id.UserID, in)
	if err != nil {
		httpx.WriteError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusCreated, run)
}

// List handles GET /experiments/{experimentID}/runs.
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
	runs, err := h.svc.ListByExperiment(r.Context(), id.ProjectID, chi.URLParam(r, "experimentID"), limit, offset)
	if err != nil {
		httpx.WriteError(w, err)
		return
	}
	if runs == nil {
		runs = []*domain.Run{}
	}
	httpx.WriteJSON(w, http.StatusOK, ListResponse{Runs: runs})
}

// Get handles GET /runs/{runID}.
func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	id, err := middleware.Caller(r)
	if err != nil {
		httpx.WriteError(w, err)
		return
	}
	run, err := h.svc.Get(r.Context(), id.ProjectID, chi.URLParam(r, "runID"))
	if err != nil {
		httpx.WriteError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, run)
}

// Update handles PATCH /runs/{runID}.
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
	run, err := h.svc.Update(r.Context(), id.ProjectID, chi.URLParam(r, "runID"), in)
	if err != nil {
		httpx.WriteError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, run)
}
