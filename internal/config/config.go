// Package config loads and validates app config from env and an optional .env file using Viper.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Storage and idempotency drivers.
const (
	DriverPostgres = "postgres"
	DriverMemory   = "memory"
	DriverRedis    = "redis"
	BlobS3         = "s3"
	BlobFS         = "fs"
)

// Config holds application configuration loaded from the environment.
type Config struct {
	// HTTPAddr is the address the HTTP API listens on (e.g. :8080).
	HTTPAddr string `mapstructure:"HTTP_ADDR"`
	// GRPCAddr is the address of the gRPC health server (e.g. :9090). Empty disables it.
	GRPCAddr string `mapstructure:"GRPC_ADDR"`
	// DatabaseURL is the Postgres DSN; required when STORAGE_DRIVER or IDEMPOTENCY_STORE is postgres.
	DatabaseURL string `mapstructure:"DATABASE_URL"`
	// StorageDriver selects entity storage: postgres or memory.
	StorageDriver string `mapstructure:"STORAGE_DRIVER"`

	// IdempotencyStore selects the idempotency record store: postgres, redis or memory.
	IdempotencyStore string `mapstructure:"IDEMPOTENCY_STORE"`
	// RedisAddr is host:port of Redis; required when IDEMPOTENCY_STORE=redis.
	RedisAddr string `mapstructure:"REDIS_ADDR"`
	// IdempotencyTTLRaw is how long completed outcomes are replayed (e.g. "24h").
	IdempotencyTTLRaw string `mapstructure:"IDEMPOTENCY_TTL"`
	// IdempotencyLeaseRaw bounds how long an abandoned in-flight reservation blocks its key.
	IdempotencyLeaseRaw string `mapstructure:"IDEMPOTENCY_LEASE"`
	// IdempotencyWaitTimeoutRaw bounds how long a duplicate waits for the in-flight outcome.
	IdempotencyWaitTimeoutRaw string `mapstructure:"IDEMPOTENCY_WAIT_TIMEOUT"`

	// JWTPublicKey is the PEM-encoded public key or path to file. Empty disables bearer token checks
	// and the gateway headers alone identify the caller.
	JWTPublicKey string `mapstructure:"JWT_PUBLIC_KEY"`
	// JWTPrivateKey is only read by cmd/seed to mint development tokens.
	JWTPrivateKey string `mapstructure:"JWT_PRIVATE_KEY"`
	// JWTIssuer is the expected iss claim.
	JWTIssuer string `mapstructure:"JWT_ISSUER"`
	// JWTAudience is the expected aud claim.
	JWTAudience string `mapstructure:"JWT_AUDIENCE"`
	// JWTAccessTTL is the lifetime of tokens minted by cmd/seed (e.g. "15m").
	JWTAccessTTL string `mapstructure:"JWT_ACCESS_TTL"`

	// KafkaBrokers is a comma-separated list of Kafka broker addresses. Empty disables Kafka publication.
	KafkaBrokers string `mapstructure:"KAFKA_BROKERS"`
	// EventsKafkaTopic is the topic domain events are written to.
	EventsKafkaTopic string `mapstructure:"EVENTS_KAFKA_TOPIC"`
	// KafkaGroupID is the consumer group of the worker's event archiver.
	KafkaGroupID string `mapstructure:"KAFKA_GROUP_ID"`
	// LokiURL is where the worker archives domain events (e.g. http://localhost:3100).
	LokiURL string `mapstructure:"LOKI_URL"`

	// OTLPEndpoint is the OTLP gRPC collector endpoint. Empty disables OpenTelemetry export.
	OTLPEndpoint string `mapstructure:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	// OTLPInsecure forces a plaintext connection to the collector.
	OTLPInsecure bool `mapstructure:"OTEL_EXPORTER_OTLP_INSECURE"`

	// MaxBatchReadings is the largest telemetry batch accepted.
	MaxBatchReadings int `mapstructure:"TELEMETRY_MAX_BATCH_READINGS"`
	// MaxBatchMetaBytes bounds the encoded size of batch-level meta.
	MaxBatchMetaBytes int `mapstructure:"TELEMETRY_MAX_BATCH_META_BYTES"`
	// MaxReadingMetaBytes bounds the encoded size of one reading's meta.
	MaxReadingMetaBytes int `mapstructure:"TELEMETRY_MAX_READING_META_BYTES"`

	// WorkerIntervalRaw is the period of the worker's sweeps.
	WorkerIntervalRaw string `mapstructure:"WORKER_INTERVAL"`
	// StaleSessionMaxAgeRaw is how long a capture session may stay active before the worker fails it.
	StaleSessionMaxAgeRaw string `mapstructure:"STALE_SESSION_MAX_AGE"`

	// MetricsMaxPoints is the largest run metrics batch accepted.
	MetricsMaxPoints int `mapstructure:"METRICS_MAX_POINTS"`

	// WebhookDispatchIntervalRaw is how often due webhook deliveries are polled (e.g. "1s").
	WebhookDispatchIntervalRaw string `mapstructure:"WEBHOOK_DISPATCH_INTERVAL"`
	// WebhookRequestTimeoutRaw bounds one delivery attempt.
	WebhookRequestTimeoutRaw string `mapstructure:"WEBHOOK_REQUEST_TIMEOUT"`
	// WebhookMaxAttempts is how many attempts a delivery gets before it is marked failed.
	WebhookMaxAttempts int `mapstructure:"WEBHOOK_MAX_ATTEMPTS"`
	// WebhookStuckAfterRaw is how long a delivery may stay in progress before it is requeued.
	WebhookStuckAfterRaw string `mapstructure:"WEBHOOK_STUCK_AFTER"`
	// WebhookRetentionRaw is how long succeeded deliveries are kept.
	WebhookRetentionRaw string `mapstructure:"WEBHOOK_RETENTION"`

	// ExportBlobDriver selects where session exports are written: s3 or fs.
	ExportBlobDriver string `mapstructure:"EXPORT_BLOB_DRIVER"`
	// ExportBucket is the S3 bucket for exports.
	ExportBucket string `mapstructure:"EXPORT_BUCKET"`
	// ExportDir is the directory for exports when EXPORT_BLOB_DRIVER=fs.
	ExportDir string `mapstructure:"EXPORT_DIR"`
	// AWSRegion overrides the region from the AWS shared config.
	AWSRegion string `mapstructure:"AWS_REGION"`

	// Env is the application environment (e.g. "development", "production").
	Env string `mapstructure:"APP_ENV"`
}

// Load reads .env (if present), then builds and validates Config from the environment via Viper.
// Missing .env is ignored (e.g. in CI). Env vars override .env. Returns an error if required fields are invalid.
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigFile(".env")
	v.SetConfigType("env")
	_ = v.ReadInConfig() // ignore ErrConfigFileNotFound

	v.AutomaticEnv()

	v.SetDefault("HTTP_ADDR", ":8080")
	v.SetDefault("GRPC_ADDR", ":9090")
	v.SetDefault("DATABASE_URL", "")
	v.SetDefault("STORAGE_DRIVER", DriverPostgres)
	v.SetDefault("IDEMPOTENCY_STORE", "")
	v.SetDefault("REDIS_ADDR", "")
	v.SetDefault("IDEMPOTENCY_TTL", "24h")
	v.SetDefault("IDEMPOTENCY_LEASE", "30s")
	v.SetDefault("IDEMPOTENCY_WAIT_TIMEOUT", "10s")
	v.SetDefault("JWT_PUBLIC_KEY", "")
	v.SetDefault("JWT_PRIVATE_KEY", "")
	v.SetDefault("JWT_ISSUER", "experiment-tracking-auth")
	v.SetDefault("JWT_AUDIENCE", "experiment-tracking-api")
	v.SetDefault("JWT_ACCESS_TTL", "15m")
	v.SetDefault("KAFKA_BROKERS", "")
	v.SetDefault("EVENTS_KAFKA_TOPIC", "experiment-tracking-events")
	v.SetDefault("KAFKA_GROUP_ID", "experiment-tracking-event-archiver")
	v.SetDefault("LOKI_URL", "")
	v.SetDefault("OTEL_EXPORTER_OTLP_ENDPOINT", "")
	v.SetDefault("OTEL_EXPORTER_OTLP_INSECURE", false)
	v.SetDefault("TELEMETRY_MAX_BATCH_READINGS", 1000)
	v.SetDefault("TELEMETRY_MAX_BATCH_META_BYTES", 64<<10)
	v.SetDefault("TELEMETRY_MAX_READING_META_BYTES", 8<<10)
	v.SetDefault("WORKER_INTERVAL", "1m")
	v.SetDefault("STALE_SESSION_MAX_AGE", "24h")
	v.SetDefault("METRICS_MAX_POINTS", 10000)
	v.SetDefault("WEBHOOK_DISPATCH_INTERVAL", "1s")
	v.SetDefault("WEBHOOK_REQUEST_TIMEOUT", "3s")
	v.SetDefault("WEBHOOK_MAX_ATTEMPTS", 5)
	v.SetDefault("WEBHOOK_STUCK_AFTER", "5m")
	v.SetDefault("WEBHOOK_RETENTION", "168h")
	v.SetDefault("EXPORT_BLOB_DRIVER", BlobFS)
	v.SetDefault("EXPORT_BUCKET", "")
	v.SetDefault("EXPORT_DIR", "exports")
	v.SetDefault("AWS_REGION", "")
	v.SetDefault("APP_ENV", "")

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	if cfg.HTTPAddr == "" {
		return nil, errors.New("config: HTTP_ADDR must be set")
	}
	switch cfg.StorageDriver {
	case DriverPostgres, DriverMemory:
	default:
		return nil, fmt.Errorf("config: STORAGE_DRIVER must be postgres or memory, got %q", cfg.StorageDriver)
	}
	if cfg.IdempotencyStore == "" {
		cfg.IdempotencyStore = cfg.StorageDriver
	}
	switch cfg.IdempotencyStore {
	case DriverPostgres, DriverMemory:
	case DriverRedis:
		if cfg.RedisAddr == "" {
			return nil, errors.New("config: REDIS_ADDR must be set when IDEMPOTENCY_STORE=redis")
		}
	default:
		return nil, fmt.Errorf("config: IDEMPOTENCY_STORE must be postgres, redis or memory, got %q", cfg.IdempotencyStore)
	}
	if (cfg.StorageDriver == DriverPostgres || cfg.IdempotencyStore == DriverPostgres) && cfg.DatabaseURL == "" {
		return nil, errors.New("config: DATABASE_URL must be set when using postgres storage")
	}
	if cfg.StorageDriver == DriverMemory && cfg.Env == "production" {
		return nil, errors.New("config: STORAGE_DRIVER=memory must not be used when APP_ENV=production")
	}
	if cfg.MaxBatchReadings <= 0 || cfg.MaxBatchMetaBytes <= 0 || cfg.MaxReadingMetaBytes <= 0 {
		return nil, errors.New("config: TELEMETRY_MAX_* limits must be positive")
	}
	if cfg.MetricsMaxPoints <= 0 {
		return nil, errors.New("config: METRICS_MAX_POINTS must be positive")
	}
	if cfg.WebhookMaxAttempts <= 0 {
		return nil, errors.New("config: WEBHOOK_MAX_ATTEMPTS must be positive")
	}
	switch cfg.ExportBlobDriver {
	case BlobFS:
	case BlobS3:
		if cfg.ExportBucket == "" {
			return nil, errors.New("config: EXPORT_BUCKET must be set when EXPORT_BLOB_DRIVER=s3")
		}
	default:
		return nil, fmt.Errorf("config: EXPORT_BLOB_DRIVER must be s3 or fs, got %q", cfg.ExportBlobDriver)
	}

	return &cfg, nil
}

func durationOr(raw string, def time.Duration) time.Duration {
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		return def
	}
	return d
}

// IdempotencyTTL returns the replay window. Returns 24h if unset or invalid.
func (c *Config) IdempotencyTTL() time.Duration { return durationOr(c.IdempotencyTTLRaw, 24*time.Hour) }

// IdempotencyLease returns the in-flight lease. Returns 30s if unset or invalid.
func (c *Config) IdempotencyLease() time.Duration {
	return durationOr(c.IdempotencyLeaseRaw, 30*time.Second)
}

// IdempotencyWaitTimeout returns the duplicate wait bound. Returns 10s if unset or invalid.
func (c *Config) IdempotencyWaitTimeout() time.Duration {
	return durationOr(c.IdempotencyWaitTimeoutRaw, 10*time.Second)
}

// AccessTTL parses JWTAccessTTL as a time.Duration. Returns 15m if unset or invalid.
func (c *Config) AccessTTL() time.Duration { return durationOr(c.JWTAccessTTL, 15*time.Minute) }

// WorkerInterval returns the sweep period. Returns 1m if unset or invalid.
func (c *Config) WorkerInterval() time.Duration { return durationOr(c.WorkerIntervalRaw, time.Minute) }

// StaleSessionMaxAge returns how long a session may stay active. Returns 24h if unset or invalid.
func (c *Config) StaleSessionMaxAge() time.Duration {
	return durationOr(c.StaleSessionMaxAgeRaw, 24*time.Hour)
}

// WebhookDispatchInterval returns the delivery poll period. Returns 1s if unset or invalid.
func (c *Config) WebhookDispatchInterval() time.Duration {
	return durationOr(c.WebhookDispatchIntervalRaw, time.Second)
}

// WebhookRequestTimeout returns the per-attempt timeout. Returns 3s if unset or invalid.
func (c *Config) WebhookRequestTimeout() time.Duration {
	return durationOr(c.WebhookRequestTimeoutRaw, 3*time.Second)
}

// WebhookStuckAfter returns when an in-progress delivery is requeued. Returns 5m if unset or invalid.
func (c *Config) WebhookStuckAfter() time.Duration {
	return durationOr(c.WebhookStuckAfterRaw, 5*time.Minute)
}

// WebhookRetention returns how long succeeded deliveries are kept. Returns 7 days if unset or invalid.
func (c *Config) WebhookRetention() time.Duration {
	return durationOr(c.WebhookRetentionRaw, 7*24*time.Hour)
}

// AuthEnabled reports whether bearer tokens are verified.
func (c *Config) AuthEnabled() bool { return c != nil && c.JWTPublicKey != "" }

// KafkaBrokersList returns Kafka broker addresses from the comma-separated config.
// Used to decide if event publication is enabled (non-empty list) and to create the producer.
func (c *Config) KafkaBrokersList() []string {
	if c == nil || c.KafkaBrokers == "" {
		return nil
	}
	parts := strings.Split(c.KafkaBrokers, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}
