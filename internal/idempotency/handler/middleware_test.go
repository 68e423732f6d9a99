package handler

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"experiment-tracking/backend/internal/idempotency"
	"experiment-tracking/backend/internal/idempotency/repository"
	"experiment-tracking/backend/internal/server/middleware"
)

func newTestHandler(calls *int32) http.Handler {
	coord := idempotency.NewCoordinator(repository.NewMemoryRepository(), idempotency.Config{})
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(calls, 1)
		body, _ := io.ReadAll(r.Body)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"call":` + string(rune('0'+n)) + `,"echo":` + string(body) + `}`))
	})
	return Middleware(coord)(next)
}

func doRequest(h http.Handler, key, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/api/v1/experiments", strings.NewReader(body))
	if key != "" {
		req.Header.Set(HeaderKey, key)
	}
	req = req.WithContext(middleware.WithIdentity(req.Context(), middleware.Identity{UserID: "u1", ProjectID: "p1", Role: "editor"}))
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func TestMiddleware_ReplaysSameRequest(t *testing.T) {
	var calls int32
	h := newTestHandler(&calls)

	first := doRequest(h, "k1", `{"name":"a"}`)
	second := doRequest(h, "k1", `{"name":"a"}`)

	if first.Code != http.StatusCreated || second.Code != http.StatusCreated {
		t.Fatalf("codes = %d, %d; want 201, 201", first.Code, second.Code)
	}
	if first.Body.String() != second.Body.String() {
		t.Errorf("bodies differ: %q vs %q", first.Body.String(), second.Body.String())
	}
	if second.Header().Get(HeaderReplayed) != "true" {
		t.Error("replayed response should carry the replay header")
	}
	if first.Header().Get(HeaderReplayed) != "" {
		t.Error("first response should not carry the replay header")
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestMiddleware_DifferentBodyConflicts(t *testing.T) {
	var calls int32
	h := newTestHandler(&calls)

	_ = doRequest(h, "k1", `{"name":"a"}`)
	rr := doRequest(h, "k1", `{"name":"b"}`)
	if rr.Code != http.StatusConflict {
		t.Errorf("code = %d, want 409", rr.Code)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestMiddleware_NoKeyPassesThrough(t *testing.T) {
	var calls int32
	h := newTestHandler(&calls)

	_ = doRequest(h, "", `{"name":"a"}`)
	_ = doRequest(h, "", `{"name":"a"}`)
	if calls != 2 {
		t.Errorf("calls = %d, want 2", calls)
	}
}

func TestMiddleware_MissingIdentity(t *testing.T) {
	var calls int32
	h := newTestHandler(&calls)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/experiments", strings.NewReader(`{}`))
	req.Header.Set(HeaderKey, "k1")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	if rr.Code != http.StatusUnauthorized {
		t.Errorf("code = %d, want 401", rr.Code)
	}
}

func TestMiddleware_KeepsResponseHeaders(t *testing.T) {
	coord := idempotency.NewCoordinator(repository.NewMemoryRepository(), idempotency.Config{})
	h := Middleware(coord)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Location", "/api/v1/experiments/e1")
		w.Header().Add("Link", "</api/v1/experiments/e1/runs>; rel=runs")
		w.Header().Add("Link", "</api/v1/audit-events>; rel=audit")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"id":"e1"}`))
	}))

	for i, rr := range []*httptest.ResponseRecorder{doRequest(h, "k1", `{}`), doRequest(h, "k1", `{}`)} {
		if got := rr.Header().Get("Location"); got != "/api/v1/experiments/e1" {
			t.Errorf("response %d Location = %q, want /api/v1/experiments/e1", i, got)
		}
		if got := rr.Header().Values("Link"); len(got) != 2 {
			t.Errorf("response %d Link = %q, want 2 values", i, got)
		}
		if got := rr.Header().Get("Content-Type"); got != "application/json" {
			t.Errorf("response %d Content-Type = %q", i, got)
		}
	}
}
