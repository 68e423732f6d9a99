// Package handler exposes run metrics over HTTP.
package handler

import (
	"context"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"experiment-tracking/backend/internal/platform/apperr"
	"experiment-tracking/backend/internal/platform/httpx"
	"experiment-tracking/backend/internal/runmetric/domain"
	"experiment-tracking/backend/internal/runmetric/service"
	"experiment-tracking/backend/internal/server/middleware"
)

// Service is the metric service surface the handler needs.
type Service interface {
	Ingest(ctx context.Context, projectID, runID string, points []domain.Point) (int, error)
	Query(ctx context.Context, projectID, runID string, in service.QueryInput) (*domain.Result, error)
}

// Handler serves /runs/{runID}/metrics.
type Handler struct {
	svc Service
}

// NewHandler returns a metric handler over svc.
func NewHandler(svc Service) *Handler {
	return &Handler{svc: svc}
}

// IngestRequest is the body of Ingest.
type IngestRequest struct {
	Metrics []domain.Point `json:"metrics"`
}

// IngestResponse is the body returned by Ingest.
type IngestResponse struct {
	Status   string `json:"status"`
	Accepted int    `json:"accepted"`
}

// Ingest handles POST /runs/{runID}/metrics.
func (h *Handler) Ingest(w http.ResponseWriter, r *http.Request) {
	id, err := middleware.Caller(r)
	if err != nil {
		httpx.WriteError(w, err)
		return
	}
	var in IngestRequest
	if err := httpx.DecodeJSON(r, &in); err != nil {
		httpx.WriteError(w, err)
		return
	}
	if in.Metrics == nil {
		httpx.WriteError(w, apperr.Validation("metrics array is required"))
		return
	}
	n, err := h.svc.Ingest(r.Context(), id.ProjectID, chi.URLParam(r, "runID"), in.Metrics)
	if err != nil {
		httpx.WriteError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusAccepted, IngestResponse{Status: "accepted", Accepted: n})
}

// Query handles GET /runs/{runID}/metrics?name=&from_step=&to_step=.
func (h *Handler) Query(w http.ResponseWriter, r *http.Request) {
	id, err := middleware.Caller(r)
	if err != nil {
		httpx.WriteError(w, err)
		return
	}
	in := service.QueryInput{Name: r.URL.Query().Get("name")}
	if in.FromStep, err = optionalStep(r, "from_step"); err != nil {
		httpx.WriteError(w, err)
		return
	}
	if in.ToStep, err = optionalStep(r, "to_step"); err != nil {
		httpx.WriteError(w, err)
		return
	}
	res, err := h.svc.Query(r.Context(), id.ProjectID, chi.URLParam(r, "runID"), in)
	if err != nil {
		httpx.WriteError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, res)
}

func optionalStep(r *http.Request, name string) (*int64, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return nil, nil
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return nil, apperr.Validation("%s must be an integer", name)
	}
	return &n, nil
}
