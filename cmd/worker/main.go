// Worker runs the background sweeps: expired idempotency records, capture sessions that never stopped,
// stuck webhook deliveries and delivered webhooks past retention.
// When KAFKA_BROKERS, EVENTS_KAFKA_TOPIC and LOKI_URL are set it also archives domain events into Loki.
// Requires STORAGE_DRIVER=postgres; HTTP_ADDR and GRPC_ADDR are unused.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"experiment-tracking/backend/internal/config"
	"experiment-tracking/backend/internal/db"
	"experiment-tracking/backend/internal/events/loki"
	otelsetup "experiment-tracking/backend/internal/observability/otel"
	"experiment-tracking/backend/internal/server"
	"experiment-tracking/backend/internal/worker"
)

const defaultGroupID = "experiment-tracking-archiver"

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if cfg.StorageDriver != config.DriverPostgres {
		log.Fatal("worker: STORAGE_DRIVER must be postgres; in-memory state is private to the server process")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	providers, err := otelsetup.NewProviders(ctx, cfg.OTLPEndpoint, "experiment-tracking-worker", cfg.OTLPInsecure)
	if err != nil {
		log.Fatalf("otel: %v", err)
	}
	providers.SetGlobal()
	defer func() {
		if err := providers.Shutdown(context.Background()); err != nil {
			log.Printf("otel: shutdown: %v", err)
		}
	}()

	conn, err := db.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("db: %v", err)
	}
	defer conn.Close()

	idemRepo, closeIdem, err := server.IdempotencyRepository(ctx, cfg, conn)
	if err != nil {
		log.Fatalf("idempotency: %v", err)
	}
	defer closeIdem()
	coord := server.Coordinator(cfg, idemRepo)

	pub := server.Publisher(cfg, providers.LoggerProvider)
	defer pub.Close()

	repos := server.PostgresRepositories(conn)
	svcs := server.NewServices(repos, coord, pub, server.Limits{})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Printf("worker: sweeping every %s (stale after %s)", cfg.WorkerInterval(), cfg.StaleSessionMaxAge())
		worker.RunPeriodic(gctx, cfg.WorkerInterval(),
			worker.NewIdempotencySweep(coord),
			worker.NewStaleSessions(repos.CaptureSessions, svcs.Lifecycle, cfg.StaleSessionMaxAge()),
			worker.NewWebhookReclaim(repos.Webhooks, cfg.WebhookStuckAfter()),
			worker.NewWebhookPurge(repos.Webhooks, cfg.WebhookRetention()),
		)
		return nil
	})

	brokers := cfg.KafkaBrokersList()
	if len(brokers) > 0 && cfg.EventsKafkaTopic != "" && cfg.LokiURL != "" {
		groupID := cfg.KafkaGroupID
		if groupID == "" {
			groupID = defaultGroupID
		}
		reader := worker.NewKafkaReader(brokers, cfg.EventsKafkaTopic, groupID)
		defer reader.Close()
		archiver := worker.NewArchiver(reader, loki.NewClient(cfg.LokiURL))
		g.Go(func() error {
			log.Printf("worker: archiving %s (group %s) to %s", cfg.EventsKafkaTopic, groupID, cfg.LokiURL)
			return archiver.Run(gctx)
		})
	}

	if err := g.Wait(); err != nil {
		log.Printf("worker: %v", err)
	}
	log.Println("worker: stopped")
}
