package server

import (
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"

	healthhandler "experiment-tracking/backend/internal/health/handler"
)

// GRPCDeps holds the services exposed over gRPC.
type GRPCDeps struct {
	// Health publishes readiness over grpc.health.v1. If nil, no service is registered.
	Health *healthhandler.Server
}

// NewGRPCServer returns a gRPC server instrumented with OpenTelemetry and with deps registered.
func NewGRPCServer(deps GRPCDeps, opts ...grpc.ServerOption) *grpc.Server {
	opts = append([]grpc.ServerOption{grpc.StatsHandler(otelgrpc.NewServerHandler())}, opts...)
	s := grpc.NewServer(opts...)
	RegisterServices(s, deps)
	return s
}

// RegisterServices registers the gRPC services with s.
//
//   - grpc.health.v1.Health → internal/health/handler
func RegisterServices(s grpc.ServiceRegistrar, deps GRPCDeps) {
	if deps.Health != nil {
		deps.Health.Register(s)
	}
}
