// Package server assembles the HTTP router and the gRPC server.
package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"experiment-tracking/backend/internal/audit"
	audithandler "experiment-tracking/backend/internal/audit/handler"
	capturehandler "experiment-tracking/backend/internal/capturesession/handler"
	experimenthandler "experiment-tracking/backend/internal/experiment/handler"
	healthhandler "experiment-tracking/backend/internal/health/handler"
	idemhandler "experiment-tracking/backend/internal/idempotency/handler"
	lifecyclehandler "experiment-tracking/backend/internal/lifecycle/handler"
	"experiment-tracking/backend/internal/policy/engine"
	runhandler "experiment-tracking/backend/internal/run/handler"
	runmetrichandler "experiment-tracking/backend/internal/runmetric/handler"
	sensorhandler "experiment-tracking/backend/internal/sensor/handler"
	"experiment-tracking/backend/internal/server/middleware"
	"experiment-tracking/backend/internal/statemachine"
	telemetryhandler "experiment-tracking/backend/internal/telemetry/handler"
	webhookhandler "experiment-tracking/backend/internal/webhook/handler"
)

// RouterDeps holds the handlers and cross-cutting collaborators of the HTTP API.
type RouterDeps struct {
	Experiments     *experimenthandler.Handler
	Runs            *runhandler.Handler
	CaptureSessions *capturehandler.Handler
	Sensors         *sensorhandler.Handler
	Telemetry       *telemetryhandler.Handler
	Lifecycle       *lifecyclehandler.Handler
	Audit           *audithandler.Handler
	RunMetrics      *runmetrichandler.Handler
	Webhooks        *webhookhandler.Handler
	// Health serves /healthz and /readyz. If nil, neither is mounted.
	Health *healthhandler.Server

	// Verifier validates bearer tokens. If nil, the gateway's X-User-Id header is trusted.
	Verifier middleware.TokenVerifier
	// Policy authorizes each request by role. If nil, every authenticated caller is allowed.
	Policy engine.Evaluator
	// Idempotency makes POST mutations replay-safe. If nil, Idempotency-Key is ignored outside transitions.
	Idempotency idemhandler.Doer
	// AuditLogger records successful mutations. If nil, only the lifecycle service audits.
	AuditLogger audit.AuditLogger
	// Metrics records request counters. Gatherer serves them at /metrics. Either may be nil.
	Metrics  *middleware.HTTPMetrics
	Gatherer prometheus.Gatherer
}

// NewRouter returns the HTTP handler for the API under /api/v1.
func NewRouter(d RouterDeps) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestIDMiddleware)
	r.Use(chimw.Recoverer)
	if d.Metrics != nil {
		r.Use(d.Metrics.Middleware)
	}

	if d.Health != nil {
		r.Get("/healthz", d.Health.Live)
		r.Get("/readyz", d.Health.Ready)
	}
	if d.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(d.Gatherer, promhttp.HandlerOpts{}))
	}

	idem := func(next http.Handler) http.Handler { return next }
	if d.Idempotency != nil {
		idem = idemhandler.Middleware(d.Idempotency)
	}

	r.Route(audit.APIPrefix, func(r chi.Router) {
		// Sensors authenticate with their own token.
		r.Post("/telemetry", d.Telemetry.Ingest)

		r.Group(func(r chi.Router) {
			r.Use(middleware.Authenticate(d.Verifier))
			r.Use(Authorize(d.Policy))
			r.Use(audithandler.Middleware(d.AuditLogger))

			r.With(idem).Post("/experiments", d.Experiments.Create)
			r.Get("/experiments", d.Experiments.List)
			r.Get("/experiments/{experimentID}", d.Experiments.Get)
			r.Patch("/experiments/{experimentID}", d.Experiments.Update)
			r.Post("/experiments/{experimentID}/transitions", d.Lifecycle.Transition(statemachine.KindExperiment, "experimentID"))

			r.With(idem).Post("/experiments/{experimentID}/runs", d.Runs.Create)
			r.Get("/experiments/{experimentID}/runs", d.Runs.List)
			r.Get("/runs/{runID}", d.Runs.Get)
			r.Patch("/runs/{runID}", d.Runs.Update)
			r.Post("/runs/{runID}/transitions", d.Lifecycle.Transition(statemachine.KindRun, "runID"))
			r.With(idem).Post("/runs/{runID}/metrics", d.RunMetrics.Ingest)
			r.Get("/runs/{runID}/metrics", d.RunMetrics.Query)

			r.With(idem).Post("/runs/{runID}/capture-sessions", d.CaptureSessions.Create)
			r.Get("/runs/{runID}/capture-sessions", d.CaptureSessions.List)
			r.Get("/capture-sessions/{sessionID}", d.CaptureSessions.Get)
			r.With(idem).Post("/capture-sessions/{sessionID}/archive", d.CaptureSessions.Archive)
			r.With(idem).Post("/capture-sessions/{sessionID}/export", d.CaptureSessions.Export)
			r.Post("/capture-sessions/{sessionID}/transitions", d.Lifecycle.Transition(statemachine.KindCaptureSession, "sessionID"))
			r.Get("/capture-sessions/{sessionID}/telemetry", d.Telemetry.ListBySession)

			r.With(idem).Post("/sensors", d.Sensors.Register)
			r.Get("/sensors", d.Sensors.List)
			r.Get("/sensors/{sensorID}", d.Sensors.Get)
			r.With(idem).Post("/sensors/{sensorID}/rotate-token", d.Sensors.RotateToken)
			r.Post("/sensors/{sensorID}/transitions", d.Lifecycle.Transition(statemachine.KindSensor, "sensorID"))
			r.With(idem).Post("/sensors/{sensorID}/profiles", d.Sensors.CreateProfile)
			r.Get("/sensors/{sensorID}/profiles", d.Sensors.ListProfiles)
			r.With(idem).Post("/sensors/{sensorID}/profiles/{profileID}/publish", d.Sensors.Publish)
			r.Post("/sensors/{sensorID}/profiles/{profileID}/transitions", d.Lifecycle.Transition(statemachine.KindConversionProfile, "profileID"))

			r.With(idem).Post("/webhooks", d.Webhooks.Create)
			r.Get("/webhooks", d.Webhooks.List)
			r.Delete("/webhooks/{webhookID}", d.Webhooks.Delete)

			r.Post("/transitions/batch", d.Lifecycle.Batch)
			r.Get("/telemetry/stream", d.Telemetry.Stream)
			r.Get("/audit-events", d.Audit.List)
		})
	})
	return r
}
