package server

import (
	"database/sql"

	"experiment-tracking/backend/internal/audit"
	audithandler "experiment-tracking/backend/internal/audit/handler"
	auditrepo "experiment-tracking/backend/internal/audit/repository"
	capturehandler "experiment-tracking/backend/internal/capturesession/handler"
	capturerepo "experiment-tracking/backend/internal/capturesession/repository"
	captureservice "experiment-tracking/backend/internal/capturesession/service"
	"experiment-tracking/backend/internal/events"
	experimenthandler "experiment-tracking/backend/internal/experiment/handler"
	experimentrepo "experiment-tracking/backend/internal/experiment/repository"
	experimentservice "experiment-tracking/backend/internal/experiment/service"
	"experiment-tracking/backend/internal/export"
	"experiment-tracking/backend/internal/lifecycle"
	lifecyclehandler "experiment-tracking/backend/internal/lifecycle/handler"
	"experiment-tracking/backend/internal/policy/engine"
	runhandler "experiment-tracking/backend/internal/run/handler"
	runrepo "experiment-tracking/backend/internal/run/repository"
	runservice "experiment-tracking/backend/internal/run/service"
	runmetrichandler "experiment-tracking/backend/internal/runmetric/handler"
	runmetricrepo "experiment-tracking/backend/internal/runmetric/repository"
	runmetricservice "experiment-tracking/backend/internal/runmetric/service"
	sensorhandler "experiment-tracking/backend/internal/sensor/handler"
	sensorrepo "experiment-tracking/backend/internal/sensor/repository"
	sensorservice "experiment-tracking/backend/internal/sensor/service"
	"experiment-tracking/backend/internal/statemachine"
	"experiment-tracking/backend/internal/store/memory"
	telemetryhandler "experiment-tracking/backend/internal/telemetry/handler"
	telemetryrepo "experiment-tracking/backend/internal/telemetry/repository"
	telemetryservice "experiment-tracking/backend/internal/telemetry/service"
	webhookhandler "experiment-tracking/backend/internal/webhook/handler"
	webhookrepo "experiment-tracking/backend/internal/webhook/repository"
	webhookservice "experiment-tracking/backend/internal/webhook/service"
)

// Repositories bundles the repositories of one storage driver.
type Repositories struct {
	Experiments     experimentrepo.Repository
	Runs            runrepo.Repository
	CaptureSessions capturerepo.Repository
	Sensors         sensorrepo.Repository
	Profiles        sensorrepo.ProfileRepository
	Telemetry       telemetryrepo.Repository
	Audit           auditrepo.Repository
	RunMetrics      runmetricrepo.Repository
	Webhooks        webhookrepo.Repository
}

// PostgresRepositories returns repositories backed by conn.
func PostgresRepositories(conn *sql.DB) Repositories {
	sensors := sensorrepo.NewPostgresRepository(conn)
	return Repositories{
		Experiments:     experimentrepo.NewPostgresRepository(conn),
		Runs:            runrepo.NewPostgresRepository(conn),
		CaptureSessions: capturerepo.NewPostgresRepository(conn),
		Sensors:         sensors,
		Profiles:        sensors.Profiles(),
		Telemetry:       telemetryrepo.NewPostgresRepository(conn),
		Audit:           auditrepo.NewPostgresRepository(conn),
		RunMetrics:      runmetricrepo.NewPostgresRepository(conn),
		Webhooks:        webhookrepo.NewPostgresRepository(conn),
	}
}

// MemoryRepositories returns repositories backed by st.
func MemoryRepositories(st *memory.Store) Repositories {
	return Repositories{
		Experiments:     st.Experiments(),
		Runs:            st.Runs(),
		CaptureSessions: st.CaptureSessions(),
		Sensors:         st.Sensors(),
		Profiles:        st.Profiles(),
		Telemetry:       st.Telemetry(),
		Audit:           auditrepo.NewMemoryRepository(),
		RunMetrics:      runmetricrepo.NewMemoryRepository(),
		Webhooks:        webhookrepo.NewMemoryRepository(),
	}
}

// Services are the domain services over one set of repositories.
type Services struct {
	Experiments     *experimentservice.ExperimentService
	Runs            *runservice.RunService
	CaptureSessions *captureservice.CaptureSessionService
	Sensors         *sensorservice.SensorService
	Ingest          *telemetryservice.IngestService
	Lifecycle       *lifecycle.Service
	Auditor         *audit.Logger
	RunMetrics      *runmetricservice.MetricService
	Webhooks        *webhookservice.WebhookService
	// Publisher is what the services publish to, webhook fan-out included.
	Publisher events.Publisher
}

// Limits bounds request sizes. Zero values take each service's default.
type Limits struct {
	Telemetry        telemetryservice.Limits
	MetricsMaxPoints int
}

// NewServices builds the domain services. coord and pub may be nil. Every event the services publish
// is also queued for matching webhook subscriptions.
func NewServices(repos Repositories, coord lifecycle.Coordinator, pub events.Publisher, limits Limits) *Services {
	pub = events.Multi{pub, webhookservice.NewSubscriber(repos.Webhooks, repos.Webhooks)}
	sensors := sensorservice.NewSensorService(repos.Sensors, repos.Profiles, pub)
	auditor := audit.NewLogger(repos.Audit)
	stores := map[statemachine.Kind]lifecycle.StatusStore{
		statemachine.KindExperiment:        repos.Experiments,
		statemachine.KindRun:               repos.Runs,
		statemachine.KindCaptureSession:    repos.CaptureSessions,
		statemachine.KindSensor:            repos.Sensors,
		statemachine.KindConversionProfile: repos.Profiles,
	}
	return &Services{
		Experiments:     experimentservice.NewExperimentService(repos.Experiments, pub),
		Runs:            runservice.NewRunService(repos.Runs, repos.Experiments, pub),
		CaptureSessions: captureservice.NewCaptureSessionService(repos.CaptureSessions, repos.Runs, pub),
		Sensors:         sensors,
		Ingest:          telemetryservice.NewIngestService(repos.Telemetry, repos.Sensors, limits.Telemetry),
		Lifecycle: lifecycle.NewService(stores, coord, auditor, pub,
			lifecycle.WithGuard(statemachine.KindConversionProfile, sensors.GuardProfileTransition)),
		Auditor:    auditor,
		RunMetrics: runmetricservice.NewMetricService(repos.RunMetrics, repos.Runs, limits.MetricsMaxPoints),
		Webhooks:   webhookservice.NewWebhookService(repos.Webhooks),
		Publisher:  pub,
	}
}

// Dispatcher returns the job that sends queued webhook deliveries.
func Dispatcher(repos Repositories, cfg webhookservice.DispatcherConfig) *webhookservice.Dispatcher {
	return webhookservice.NewDispatcher(repos.Webhooks, nil, cfg)
}

// Handlers fills the handler fields of a RouterDeps. exporter may be nil, which disables exports.
func (s *Services) Handlers(repos Repositories, policy engine.Evaluator, exporter *export.Exporter) RouterDeps {
	var exp capturehandler.Exporter
	if exporter != nil {
		exp = exporter
	}
	return RouterDeps{
		Experiments:     experimenthandler.NewHandler(s.Experiments),
		Runs:            runhandler.NewHandler(s.Runs),
		CaptureSessions: capturehandler.NewHandler(s.CaptureSessions, exp),
		Sensors:         sensorhandler.NewHandler(s.Sensors),
		Telemetry:       telemetryhandler.NewHandler(s.Ingest, s.CaptureSessions),
		Lifecycle:       lifecyclehandler.NewHandler(s.Lifecycle, policy),
		Audit:           audithandler.NewHandler(repos.Audit),
		RunMetrics:      runmetrichandler.NewHandler(s.RunMetrics),
		Webhooks:        webhookhandler.NewHandler(s.Webhooks),
		Policy:          policy,
		AuditLogger:     s.Auditor,
	}
}
