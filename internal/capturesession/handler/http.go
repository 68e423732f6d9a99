// Package handler exposes capture sessions over HTTP.
package handler

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"experiment-tracking/backend/internal/capturesession/domain"
	"experiment-tracking/backend/internal/capturesession/service"
	"experiment-tracking/backend/internal/export"
	"experiment-tracking/backend/internal/platform/httpx"
	"experiment-tracking/backend/internal/server/middleware"
)

// Service is the capture session service surface the handler needs.
type Service interface {
	Create(ctx context.Context, projectID, runID, initiatedBy string, in service.CreateInput) (*domain.CaptureSession, error)
	Get(ctx context.Context, projectID, id string) (*domain.CaptureSession, error)
	ListByRun(ctx context.Context, projectID, runID string) ([]*domain.CaptureSession, error)
	SetArchived(ctx context.Context, projectID, id string, archived bool) (*domain.CaptureSession, error)
}

// Exporter writes a session's telemetry to the blob store.
type Exporter interface {
	Export(ctx context.Context, projectID, sessionID, actorID string) (*export.Result, error)
}

// Handler serves capture sessions.
type Handler struct {
	svc      Service
	exporter Exporter
}

// NewHandler returns a capture session handler. exporter may be nil, which disables exports.
func NewHandler(svc Service, exporter Exporter) *Handler {
	return &Handler{svc: svc, exporter: exporter}
}

// ListResponse is the body of List.
type ListResponse struct {
	CaptureSessions []*domain.CaptureSession `json:"capture_sessions"`
}

// ArchiveRequest is the body of Archive. Archived defaults to true.
type ArchiveRequest struct {
	Archived *bool `json:"archived"`
}

// Create handles POST /runs/{runID}/capture-sessions.
func (h *Handler) Create(w http.ResponseWriter, r *http.Request) {
	id, err := middleware.Caller(r)
	if err != nil {
		httpx.WriteError(w, err)
		return
	}
	var in service.CreateInput
	if r.ContentLength != 0 {
		if err := httpx.DecodeJSON(r, &in); err != nil {
			httpx.WriteError(w, err)
			return
		}
	}
	cs, err := h.svc.Create(r.Context(), id.ProjectID, chi.URLParam(r, "runID"), id.UserID, in)
	if err != nil {
		httpx.WriteError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusCreated, cs)
}

// List handles GET /runs/{runID}/capture-sessions.
func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	id, err := middleware.Caller(r)
	if err != nil {
		httpx.WriteError(w, err)
		return
	}
	list, err := h.svc.ListByRun(r.Context(), id.ProjectID, chi.URLParam(r, "runID"))
	if err != nil {
		httpx.WriteError(w, err)
		return
	}
	if list == nil {
		list = []*domain.CaptureSession{}
	}
	httpx.WriteJSON(w, http.StatusOK, ListResponse{CaptureSessions: list})
}

// Get handles GET /capture-sessions/{sessionID}.
func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	id, err := middleware.Caller(r)
	if err != nil {
		httpx.WriteError(w, err)
		return
	}
	cs, err := h.svc.Get(r.Context(), id.ProjectID, chi.URLParam(r, "sessionID"))
	if err != nil {
		httpx.WriteError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, cs)
}

// Archive handles POST /capture-sessions/{sessionID}/archive. The flag is independent of status.
func (h *Handler) Archive(w http.ResponseWriter, r *http.Request) {
	id, err := middleware.Caller(r)
	if err != nil {
		httpx.WriteError(w, err)
		return
	}
	var req ArchiveRequest
	if r.ContentLength != 0 {
		if err := httpx.DecodeJSON(r, &req); err != nil {
			httpx.WriteError(w, err)
			return
		}
	}
	archived := req.Archived == nil || *req.Archived
	cs, err := h.svc.SetArchived(r.Context(), id.ProjectID, chi.URLParam(r, "sessionID"), archived)
	if err != nil {
		httpx.WriteError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, cs)
}

// Export handles POST /capture-sessions/{sessionID}/export.
func (h *Handler) Export(w http.ResponseWriter, r *http.Request) {
	id, err := middleware.Caller(r)
	if err != nil {
		httpx.WriteError(w, err)
		return
	}
	if h.exporter == nil {
		httpx.WriteJSON(w, http.StatusNotImplemented, httpx.ErrorBody{Error: "exports are not configured", Kind: "unavailable"})
		return
	}
	res, err := h.exporter.Export(r.Context(), id.ProjectID, chi.URLParam(r, "sessionID"), id.UserID)
	if err != nil {
		httpx.WriteError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusCreated, res)
}
