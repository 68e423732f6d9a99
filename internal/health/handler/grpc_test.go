package handler

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// mockPinger implements Pinger for tests.
type mockPinger struct {
	pingErr error
}

func (m *mockPinger) PingContext(context.Context) error {
	return m.pingErr
}

// mockPolicyChecker implements PolicyChecker for tests.
type mockPolicyChecker struct {
	healthErr error
}

func (m *mockPolicyChecker) HealthCheck(context.Context) error {
	return m.healthErr
}

func checkStatus(t *testing.T, srv *Server, service string) healthpb.HealthCheckResponse_ServingStatus {
	t.Helper()
	resp, err := srv.HealthCheck(context.Background(), &healthpb.HealthCheckRequest{Service: service})
	if err != nil {
		t.Fatalf("HealthCheck(%q): %v", service, err)
	}
	return resp.GetStatus()
}

func TestRefresh(t *testing.T) {
	tests := []struct {
		name   string
		pinger Pinger
		policy PolicyChecker
		want   healthpb.HealthCheckResponse_ServingStatus
	}{
		{"no checkers", nil, nil, healthpb.HealthCheckResponse_SERVING},
		{"pinger ok", &mockPinger{}, nil, healthpb.HealthCheckResponse_SERVING},
		{"pinger fails", &mockPinger{pingErr: errors.New("connection refused")}, nil, healthpb.HealthCheckResponse_NOT_SERVING},
		{"policy ok", nil, &mockPolicyChecker{}, healthpb.HealthCheckResponse_SERVING},
		{"policy fails", nil, &mockPolicyChecker{healthErr: errors.New("rego compile failed")}, healthpb.HealthCheckResponse_NOT_SERVING},
		{"both, policy fails", &mockPinger{}, &mockPolicyChecker{healthErr: errors.New("policy error")}, healthpb.HealthCheckResponse_NOT_SERVING},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			srv := NewServer(tc.pinger, tc.policy)
			if got := srv.Refresh(context.Background()); got != tc.want {
				t.Errorf("Refresh = %v, want %v", got, tc.want)
			}
			if got := checkStatus(t, srv, ""); got != tc.want {
				t.Errorf("overall status = %v, want %v", got, tc.want)
			}
			if got := checkStatus(t, srv, ServiceName); got != tc.want {
				t.Errorf("%s status = %v, want %v", ServiceName, got, tc.want)
			}
		})
	}
}

func TestReady_HTTP(t *testing.T) {
	pinger := &mockPinger{}
	srv := NewServer(pinger, nil)

	rec := httptest.NewRecorder()
	srv.Ready(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("ready status = %d, want 200", rec.Code)
	}

	pinger.pingErr = errors.New("down")
	rec = httptest.NewRecorder()
	srv.Ready(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("ready status = %d, want 503", rec.Code)
	}

	rec = httptest.NewRecorder()
	srv.Live(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("live status = %d, want 200", rec.Code)
	}
}

func TestRun_ShutsDownOnCancel(t *testing.T) {
	srv := NewServer(nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		srv.Run(ctx, 50*time.Millisecond)
		close(done)
	}()
	cancel()
	<-done
	if got := checkStatus(t, srv, ""); got != healthpb.HealthCheckResponse_NOT_SERVING {
		t.Errorf("status after shutdown = %v, want NOT_SERVING", got)
	}
}
