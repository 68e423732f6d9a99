package server

import (
	"context"
	"database/sql"
	"fmt"

	goredis "github.com/redis/go-redis/v9"
	sdklog "go.opentelemetry.io/otel/sdk/log"

	"experiment-tracking/backend/internal/config"
	"experiment-tracking/backend/internal/events"
	"experiment-tracking/backend/internal/export"
	"experiment-tracking/backend/internal/idempotency"
	idemrepo "experiment-tracking/backend/internal/idempotency/repository"
)

const redisKeyPrefix = "experiment-tracking:idem:"

// IdempotencyRepository opens the record store selected by cfg.IdempotencyStore. conn is required for postgres.
// The returned close function releases the Redis client and is a no-op otherwise.
func IdempotencyRepository(ctx context.Context, cfg *config.Config, conn *sql.DB) (idemrepo.Repository, func() error, error) {
	noop := func() error { return nil }
	switch cfg.IdempotencyStore {
	case config.DriverMemory:
		return idemrepo.NewMemoryRepository(), noop, nil
	case config.DriverRedis:
		client := goredis.NewClient(&goredis.Options{Addr: cfg.RedisAddr})
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, noop, fmt.Errorf("redis ping %s: %w", cfg.RedisAddr, err)
		}
		return idemrepo.NewRedisRepository(client, redisKeyPrefix), client.Close, nil
	case config.DriverPostgres:
		if conn == nil {
			return nil, noop, fmt.Errorf("idempotency store postgres needs a database connection")
		}
		return idemrepo.NewPostgresRepository(conn), noop, nil
	default:
		return nil, noop, fmt.Errorf("unknown idempotency store %q", cfg.IdempotencyStore)
	}
}

// Coordinator returns an idempotency coordinator over repo using the configured timings.
func Coordinator(cfg *config.Config, repo idemrepo.Repository) *idempotency.Coordinator {
	return idempotency.NewCoordinator(repo, idempotency.Config{
		TTL:         cfg.IdempotencyTTL(),
		Lease:       cfg.IdempotencyLease(),
		WaitTimeout: cfg.IdempotencyWaitTimeout(),
	})
}

// Publisher fans domain events out to Kafka (when brokers and topic are set) and to the OTel log pipeline
// (when a collector endpoint is set). lp may be nil.
func Publisher(cfg *config.Config, lp *sdklog.LoggerProvider) events.Publisher {
	var pubs events.Multi
	if kp := events.NewKafkaPublisher(cfg.KafkaBrokersList(), cfg.EventsKafkaTopic); kp != nil {
		pubs = append(pubs, kp)
	}
	if cfg.OTLPEndpoint != "" {
		pubs = append(pubs, events.NewLogPublisher(lp))
	}
	if len(pubs) == 0 {
		return events.Noop{}
	}
	return pubs
}

// BlobStore opens the export destination selected by cfg.ExportBlobDriver.
func BlobStore(ctx context.Context, cfg *config.Config) (export.BlobStore, error) {
	switch cfg.ExportBlobDriver {
	case config.BlobS3:
		return export.NewS3Store(ctx, cfg.ExportBucket, cfg.AWSRegion)
	case config.BlobFS:
		return export.NewFSStore(cfg.ExportDir)
	default:
		return nil, fmt.Errorf("unknown export blob driver %q", cfg.ExportBlobDriver)
	}
}
