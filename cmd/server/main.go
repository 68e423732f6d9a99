// server runs the HTTP API, the gRPC health endpoint and the webhook dispatcher. See .env.example for configuration.
package main

import (
	"context"
	"database/sql"
	"errors"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"experiment-tracking/backend/internal/config"
	"experiment-tracking/backend/internal/db"
	"experiment-tracking/backend/internal/events"
	"experiment-tracking/backend/internal/export"
	healthhandler "experiment-tracking/backend/internal/health/handler"
	otelsetup "experiment-tracking/backend/internal/observability/otel"
	"experiment-tracking/backend/internal/policy/engine"
	policyrepo "experiment-tracking/backend/internal/policy/repository"
	"experiment-tracking/backend/internal/security"
	"experiment-tracking/backend/internal/server"
	"experiment-tracking/backend/internal/server/middleware"
	"experiment-tracking/backend/internal/store/memory"
	telemetryservice "experiment-tracking/backend/internal/telemetry/service"
	webhookservice "experiment-tracking/backend/internal/webhook/service"
	"experiment-tracking/backend/internal/worker"
)

const (
	serviceName     = "experiment-tracking-api"
	shutdownTimeout = 15 * time.Second
	healthInterval  = 15 * time.Second
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	providers, err := otelsetup.NewProviders(ctx, cfg.OTLPEndpoint, serviceName, cfg.OTLPInsecure)
	if err != nil {
		log.Fatalf("otel: %v", err)
	}
	providers.SetGlobal()
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := providers.Shutdown(sctx); err != nil {
			log.Printf("otel: shutdown: %v", err)
		}
	}()

	var (
		conn   *sql.DB
		repos  server.Repositories
		pinger healthhandler.Pinger
		polSrc policyrepo.Repository
	)
	switch cfg.StorageDriver {
	case config.DriverMemory:
		log.Println("server: using in-memory storage; data is lost on restart")
		repos = server.MemoryRepositories(memory.New())
	default:
		conn, err = db.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("db: %v", err)
		}
		defer conn.Close()
		repos = server.PostgresRepositories(conn)
		pinger = conn
		polSrc = policyrepo.NewPostgresRepository(conn)
	}

	idemRepo, closeIdem, err := server.IdempotencyRepository(ctx, cfg, conn)
	if err != nil {
		log.Fatalf("idempotency: %v", err)
	}
	defer closeIdem()
	coord := server.Coordinator(cfg, idemRepo)

	pub := server.Publisher(cfg, providers.LoggerProvider)
	defer func() {
		if err := pub.Close(); err != nil {
			log.Printf("events: close: %v", err)
		}
	}()

	svcs := server.NewServices(repos, coord, pub, server.Limits{
		Telemetry: telemetryservice.Limits{
			MaxBatchReadings:    cfg.MaxBatchReadings,
			MaxBatchMetaBytes:   cfg.MaxBatchMetaBytes,
			MaxReadingMetaBytes: cfg.MaxReadingMetaBytes,
		},
		MetricsMaxPoints: cfg.MetricsMaxPoints,
	})

	evaluator, err := engine.NewOPAEvaluator(ctx, polSrc)
	if err != nil {
		log.Fatalf("policy: %v", err)
	}

	var exporter *export.Exporter
	blobs, err := server.BlobStore(ctx, cfg)
	if err != nil {
		log.Printf("server: exports disabled: %v", err)
	} else {
		exporter = export.NewExporter(repos.CaptureSessions, repos.Telemetry, blobs, svcs.Publisher)
	}

	health := healthhandler.NewServer(pinger, evaluator)

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	deps := svcs.Handlers(repos, evaluator, exporter)
	deps.Health = health
	deps.Idempotency = coord
	deps.Metrics = middleware.NewHTTPMetrics(reg)
	deps.Gatherer = reg
	if cfg.AuthEnabled() {
		pubKey, err := security.ParsePublicKey(cfg.JWTPublicKey)
		if err != nil {
			log.Fatalf("jwt public key: %v", err)
		}
		deps.Verifier = security.NewTokenVerifier(pubKey, cfg.JWTIssuer, cfg.JWTAudience)
	} else {
		log.Println("server: JWT_PUBLIC_KEY not set; trusting gateway identity headers")
	}

	httpSrv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           server.NewRouter(deps),
		ReadHeaderTimeout: 10 * time.Second,
	}
	grpcSrv := server.NewGRPCServer(server.GRPCDeps{Health: health})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Printf("HTTP server listening on %s", cfg.HTTPAddr)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	if cfg.GRPCAddr != "" {
		lis, err := net.Listen("tcp", cfg.GRPCAddr)
		if err != nil {
			log.Fatalf("listen: %v", err)
		}
		g.Go(func() error {
			log.Printf("gRPC server listening on %s", cfg.GRPCAddr)
			return grpcSrv.Serve(lis)
		})
	}
	g.Go(func() error {
		health.Run(gctx, healthInterval)
		return nil
	})
	dispatcher := server.Dispatcher(repos, webhookservice.DispatcherConfig{
		Timeout:     cfg.WebhookRequestTimeout(),
		MaxAttempts: cfg.WebhookMaxAttempts,
	})
	g.Go(func() error {
		worker.RunPeriodic(gctx, cfg.WebhookDispatchInterval(), dispatcher)
		return nil
	})
	if cfg.StorageDriver == config.DriverMemory {
		// No separate worker can see in-memory deliveries.
		g.Go(func() error {
			worker.RunPeriodic(gctx, cfg.WorkerInterval(),
				worker.NewWebhookReclaim(repos.Webhooks, cfg.WebhookStuckAfter()),
				worker.NewWebhookPurge(repos.Webhooks, cfg.WebhookRetention()),
			)
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		log.Println("shutting down...")
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		err := httpSrv.Shutdown(sctx)
		grpcSrv.GracefulStop()
		// Let in-flight async publishes finish before the deferred Close.
		time.Sleep(events.ShutdownDrainDuration)
		return err
	})
	if err := g.Wait(); err != nil {
		log.Printf("server: %v", err)
	}
	log.Println("server stopped")
}
