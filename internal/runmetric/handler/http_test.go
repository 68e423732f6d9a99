package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"

	"experiment-tracking/backend/internal/platform/apperr"
	"experiment-tracking/backend/internal/runmetric/domain"
	"experiment-tracking/backend/internal/runmetric/service"
	"experiment-tracking/backend/internal/server/middleware"
)

type fakeService struct {
	ingested []domain.Point
	query    service.QueryInput
	runID    string
}

func (f *fakeService) Ingest(_ context.Context, _, runID string, points []domain.Point) (int, error) {
	if len(points) == 0 {
		return 0, apperr.Validation("metrics must not be empty")
	}
	f.runID, f.ingested = runID, points
	return len(points), nil
}

func (f *fakeService) Query(_ context.Context, _, runID string, in service.QueryInput) (*domain.Result, error) {
	f.runID, f.query = runID, in
	return &domain.Result{RunID: runID, Series: []domain.Series{}}, nil
}

func newRouter(svc Service) http.Handler {
	h := NewHandler(svc)
	r := chi.NewRouter()
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := middleware.Identity{UserID: "u1", ProjectID: "p1", Role: "editor"}
			next.ServeHTTP(w, r.WithContext(middleware.WithIdentity(r.Context(), id)))
		})
	})
	r.Post("/runs/{runID}/metrics", h.Ingest)
	r.Get("/runs/{runID}/metrics", h.Query)
	return r
}

func TestHandler_Ingest(t *testing.T) {
	tests := []struct {
		name string
		body string
		want int
	}{
		{"accepted", `{"metrics":[{"name":"loss","step":1,"value":0.5},{"name":"acc","step":1,"value":0.9}]}`, http.StatusAccepted},
		{"missing array", `{}`, http.StatusBadRequest},
		{"empty array", `{"metrics":[]}`, http.StatusBadRequest},
		{"unknown field", `{"metrics":[{"name":"loss","step":1,"value":1,"unit":"x"}]}`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := &fakeService{}
			rec := httptest.NewRecorder()
			newRouter(svc).ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/runs/r1/metrics", strings.NewReader(tt.body)))
			if rec.Code != tt.want {
				t.Fatalf("status = %d, want %d (%s)", rec.Code, tt.want, rec.Body.String())
			}
			if tt.want != http.StatusAccepted {
				return
			}
			var got IngestResponse
			if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if got.Status != "accepted" || got.Accepted != 2 || svc.runID != "r1" {
				t.Errorf("response = %+v for run %q, want 2 accepted for r1", got, svc.runID)
			}
		})
	}
}

func TestHandler_QueryFilters(t *testing.T) {
	svc := &fakeService{}
	rec := httptest.NewRecorder()
	newRouter(svc).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/runs/r1/metrics?name=loss&from_step=5&to_step=9", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 (%s)", rec.Code, rec.Body.String())
	}
	q := svc.query
	if q.Name != "loss" || q.FromStep == nil || *q.FromStep != 5 || q.ToStep == nil || *q.ToStep != 9 {
		t.Errorf("query = %+v, want loss 5..9", q)
	}

	rec = httptest.NewRecorder()
	newRouter(svc).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/runs/r1/metrics?from_step=x", nil))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("bad from_step status = %d, want 400", rec.Code)
	}
}
