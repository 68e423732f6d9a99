// Package handler exposes sensor ingest and the telemetry read side over HTTP.
package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"experiment-tracking/backend/internal/platform/apperr"
	"experiment-tracking/backend/internal/platform/httpx"
	"experiment-tracking/backend/internal/server/middleware"
	"experiment-tracking/backend/internal/telemetry/domain"
	"experiment-tracking/backend/internal/telemetry/repository"
	"experiment-tracking/backend/internal/telemetry/service"
)

// HeaderSensorToken carries the sensor's ingest credential.
const HeaderSensorToken = "X-Sensor-Token"

const defaultPollInterval = 500 * time.Millisecond

// Service is the telemetry service surface the handler needs.
type Service interface {
	Ingest(ctx context.Context, token string, batch domain.Batch) (*service.IngestResult, error)
	Tail(ctx context.Context, f repository.StreamFilter) ([]*domain.Record, error)
	ListBySession(ctx context.Context, projectID, sessionID string, afterID int64, limit int) ([]*domain.Record, error)
}

// SessionChecker confirms a capture session exists in the caller's project.
type SessionChecker interface {
	Exists(ctx context.Context, projectID, id string) error
}

// Handler serves ingest, the SSE stream and per-session listing.
type Handler struct {
	svc          Service
	sessions     SessionChecker
	pollInterval time.Duration
}

// NewHandler returns a telemetry handler. sessions may be nil, which skips the existence check.
func NewHandler(svc Service, sessions SessionChecker) *Handler {
	return &Handler{svc: svc, sessions: sessions, pollInterval: defaultPollInterval}
}

// RecordsResponse is the body of a record page.
type RecordsResponse struct {
	Records    []*domain.Record `json:"records"`
	NextCursor int64            `json:"next_cursor"`
}

// Ingest handles POST /telemetry. The sensor token authenticates the request; no user identity is needed.
func (h *Handler) Ingest(w http.ResponseWriter, r *http.Request) {
	var batch domain.Batch
	if err := httpx.DecodeJSON(r, &batch); err != nil {
		httpx.WriteError(w, err)
		return
	}
	res, err := h.svc.Ingest(r.Context(), r.Header.Get(HeaderSensorToken), batch)
	if err != nil {
		httpx.WriteError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusAccepted, res)
}

// ListBySession handles GET /capture-sessions/{sessionID}/telemetry?cursor=&limit=.
func (h *Handler) ListBySession(w http.ResponseWriter, r *http.Request) {
	id, err := middleware.Caller(r)
	if err != nil {
		httpx.WriteError(w, err)
		return
	}
	sessionID := chi.URLParam(r, "sessionID")
	cursor, err := cursorParam(r)
	if err != nil {
		httpx.WriteError(w, err)
		return
	}
	limit, err := httpx.QueryInt(r, "limit", 0)
	if err != nil {
		httpx.WriteError(w, err)
		return
	}
	if h.sessions != nil {
		if err := h.sessions.Exists(r.Context(), id.ProjectID, sessionID); err != nil {
			httpx.WriteError(w, err)
			return
		}
	}
	recs, err := h.svc.ListBySession(r.Context(), id.ProjectID, sessionID, cursor, limit)
	if err != nil {
		httpx.WriteError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, page(recs, cursor))
}

// Stream handles GET /telemetry/stream as Server-Sent Events in record id order. The cursor comes
// from Last-Event-ID or the cursor query parameter. With follow=false the stream ends once caught up.
func (h *Handler) Stream(w http.ResponseWriter, r *http.Request) {
	id, err := middleware.Caller(r)
	if err != nil {
		httpx.WriteError(w, err)
		return
	}
	cursor, err := cursorParam(r)
	if err != nil {
		httpx.WriteError(w, err)
		return
	}
	follow := r.URL.Query().Get("follow") != "false"
	flusher, ok := w.(http.Flusher)
	if !ok {
		httpx.WriteError(w, fmt.Errorf("telemetry stream: response writer cannot flush"))
		return
	}
	f := repository.StreamFilter{
		ProjectID: id.ProjectID,
		SensorID:  r.URL.Query().Get("sensor_id"),
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ctx := r.Context()
	ticker := time.NewTicker(h.pollInterval)
	defer ticker.Stop()
	for {
		f.AfterID = cursor
		recs, err := h.svc.Tail(ctx, f)
		if err != nil {
			if ctx.Err() == nil {
				log.Printf("telemetry: stream: %v", err)
				fmt.Fprintf(w, "event: error\ndata: %q\n\n", "stream interrupted")
				flusher.Flush()
			}
			return
		}
		for _, rec := range recs {
			if err := writeEvent(w, rec); err != nil {
				return
			}
			cursor = rec.ID
		}
		if len(recs) > 0 {
			flusher.Flush()
			continue
		}
		if !follow {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func writeEvent(w http.ResponseWriter, rec *domain.Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "id: %d\nevent: telemetry\ndata: %s\n\n", rec.ID, data)
	return err
}

func cursorParam(r *http.Request) (int64, error) {
	raw := r.Header.Get("Last-Event-ID")
	if raw == "" {
		raw = r.URL.Query().Get("cursor")
	}
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || n < 0 {
		return 0, apperr.Validation("cursor must be a non-negative integer")
	}
	return n, nil
}

func page(recs []*domain.Record, cursor int64) RecordsResponse {
	if recs == nil {
		recs = []*domain.Record{}
	}
	if len(recs) > 0 {
		cursor = recs[len(recs)-1].ID
	}
	return RecordsResponse{Records: recs, NextCursor: cursor}
}
