// Package handler exposes sensors and their conversion profiles over HTTP.
package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"experiment-tracking/backend/internal/platform/httpx"
	"experiment-tracking/backend/internal/sensor/domain"
	"experiment-tracking/backend/internal/sensor/service"
	"experiment-tracking/backend/internal/server/middleware"
)

// Service is the sensor service surface the handler needs.
type Service interface {
	Register(ctx context.Context, projectID, createdBy string, in service.RegisterInput) (*service.Registration, error)
	Get(ctx context.Context, projectID, id string) (*domain.Sensor, error)
	List(ctx context.Context, projectID string, limit, offset int) ([]*domain.Sensor, error)
	RotateToken(ctx context.Context, projectID, id string) (*service.Registration, error)
	CreateProfile(ctx context.Context, projectID, sensorID, createdBy string, in service.ProfileInput) (*domain.ConversionProfile, error)
	ListProfiles(ctx context.Context, projectID, sensorID string) ([]*domain.ConversionProfile, error)
	Publish(ctx context.Context, projectID, sensorID, profileID, publishedBy string, effectiveFrom *time.Time) (*domain.ConversionProfile, error)
}

// Handler serves /sensors.
type Handler struct {
	svc Service
}

// NewHandler returns a sensor handler over svc.
func NewHandler(svc Service) *Handler {
	return &Handler{svc: svc}
}

// ListResponse is the body of List.
type ListResponse struct {
	Sensors []*domain.Sensor `json:"sensors"`
}

// ProfilesResponse is the body of ListProfiles.
type ProfilesResponse struct {
	Profiles []*domain.ConversionProfile `json:"profiles"`
}

// PublishRequest is the optional body of Publish.
type PublishRequest struct {
	EffectiveFrom *time.Time `json:"effective_from"`
}

// Register handles POST /sensors. The plaintext token appears only in this response.
func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	id, err := middleware.Caller(r)
	if err != nil {
		httpx.WriteError(w, err)
		return
	}
	var in service.RegisterInput
	if err := httpx.DecodeJSON(r, &in); err != nil {
		httpx.WriteError(w, err)
		return
	}
	reg, err := h.svc.Register(r.Context(), id.ProjectID, id.UserID, in)
	if err != nil {
		httpx.WriteError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusCreated, reg)
}

// List handles GET /sensors.
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
	list, err := h.svc.List(r.Context(), id.ProjectID, limit, offset)
	if err != nil {
		httpx.WriteError(w, err)
		return
	}
	if list == nil {
		list = []*domain.Sensor{}
	}
	httpx.WriteJSON(w, http.StatusOK, ListResponse{Sensors: list})
}

// Get handles GET /sensors/{sensorID}.
func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	id, err := middleware.Caller(r)
	if err != nil {
		httpx.WriteError(w, err)
		return
	}
	s, err := h.svc.Get(r.Context(), id.ProjectID, chi.URLParam(r, "sensorID"))
	if err != nil {
		httpx.WriteError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, s)
}

// RotateToken handles POST /sensors/{sensorID}/rotate-token.
func (h *Handler) RotateToken(w http.ResponseWriter, r *http.Request) {
	id, err := middleware.Caller(r)
	if err != nil {
		httpx.WriteError(w, err)
		return
	}
	reg, err := h.svc.RotateToken(r.Context(), id.ProjectID, chi.URLParam(r, "sensorID"))
	if err != nil {
		httpx.WriteError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, reg)
}

// CreateProfile handles POST /sensors/{sensorID}/profiles.
func (h *Handler) CreateProfile(w http.ResponseWriter, r *http.Request) {
	id, err := middleware.Caller(r)
	if err != nil {
		httpx.WriteError(w, err)
		return
	}
	var in service.ProfileInput
	if err := httpx.DecodeJSON(r, &in); err != nil {
		httpx.WriteError(w, err)
		return
	}
	p, err := h.svc.CreateProfile(r.Context(), id.ProjectID, chi.URLParam(r, "sensorID"), id.UserID, in)
	if err != nil {
		httpx.WriteError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusCreated, p)
}

// ListProfiles handles GET /sensors/{sensorID}/profiles.
func (h *Handler) ListProfiles(w http.ResponseWriter, r *http.Request) {
	id, err := middleware.Caller(r)
	if err != nil {
		httpx.WriteError(w, err)
		return
	}
	list, err := h.svc.ListProfiles(r.Context(), id.ProjectID, chi.URLParam(r, "sensorID"))
	if err != nil {
		httpx.WriteError(w, err)
		return
	}
	if list == nil {
		list = []*domain.ConversionProfile{}
	}
	httpx.WriteJSON(w, http.StatusOK, ProfilesResponse{Profiles: list})
}

// Publish handles POST /sensors/{sensorID}/profiles/{profileID}/publish.
func (h *Handler) Publish(w http.ResponseWriter, r *http.Request) {
	id, err := middleware.Caller(r)
	if err != nil {
		httpx.WriteError(w, err)
		return
	}
	var req PublishRequest
	if r.ContentLength != 0 {
		if err := httpx.DecodeJSON(r, &req); err != nil {
			httpx.WriteError(w, err)
			return
		}
	}
	p, err := h.svc.Publish(r.Context(), id.ProjectID, chi.URLParam(r, "sensorID"), chi.URLParam(r, "profileID"), id.UserID, req.EffectiveFrom)
	if err != nil {
		httpx.WriteError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, p)
}
