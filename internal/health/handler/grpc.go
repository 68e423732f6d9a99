// Package handler reports readiness over grpc.health.v1 and plain HTTP endpoints.
package handler

import (
	"context"
	"errors"
	"log"
	"net/http"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"experiment-tracking/backend/internal/platform/httpx"
)

// ServiceName is the grpc.health.v1 service name reported next to the overall ("") status.
const ServiceName = "experiment_tracking.v1.API"

const checkTimeout = 3 * time.Second

// Pinger checks storage connectivity (e.g. *sql.DB).
type Pinger interface {
	PingContext(ctx context.Context) error
}

// PolicyChecker checks that the policy engine evaluates (e.g. the OPA evaluator).
type PolicyChecker interface {
	HealthCheck(ctx context.Context) error
}

// Server runs readiness checks and publishes the result to a grpc health server.
type Server struct {
	pinger Pinger
	policy PolicyChecker
	health *health.Server
}

// NewServer returns a health server. Nil checkers are skipped.
func NewServer(pinger Pinger, policy PolicyChecker) *Server {
	return &Server{pinger: pinger, policy: policy, health: health.NewServer()}
}

// Register adds the grpc.health.v1 service to s.
func (s *Server) Register(gs grpc.ServiceRegistrar) {
	healthpb.RegisterHealthServer(gs, s.health)
}

// Check runs all configured checks.
func (s *Server) Check(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, checkTimeout)
	defer cancel()
	var errs []error
	if s.pinger != nil {
		if err := s.pinger.PingContext(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if s.policy != nil {
		if err := s.policy.HealthCheck(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Refresh runs the checks and updates the serving status.
func (s *Server) Refresh(ctx context.Context) healthpb.HealthCheckResponse_ServingStatus {
	st := healthpb.HealthCheckResponse_SERVING
	if err := s.Check(ctx); err != nil {
		log.Printf("health: not serving: %v", err)
		st = healthpb.HealthCheckResponse_NOT_SERVING
	}
	s.health.SetServingStatus("", st)
	s.health.SetServingStatus(ServiceName, st)
	return st
}

// Run refreshes the status every interval until ctx is done, then marks the server as shutting down.
func (s *Server) Run(ctx context.Context, interval time.Duration) {
	s.Refresh(ctx)
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			s.health.Shutdown()
			return
		case <-t.C:
			s.Refresh(ctx)
		}
	}
}

// HealthCheck answers a grpc.health.v1 check from the last published status.
func (s *Server) HealthCheck(ctx context.Context, req *healthpb.HealthCheckRequest) (*healthpb.HealthCheckResponse, error) {
	return s.health.Check(ctx, req)
}

// Live always reports ok while the process serves HTTP.
func (s *Server) Live(w http.ResponseWriter, _ *http.Request) {
	httpx.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Ready runs the checks synchronously and answers 503 when any fails.
func (s *Server) Ready(w http.ResponseWriter, r *http.Request) {
	if s.Refresh(r.Context()) != healthpb.HealthCheckResponse_SERVING {
		httpx.WriteJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not_serving"})
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]string{"status": "serving"})
}
