// Package metrics holds the domain counters exported through the global OpenTelemetry meter provider.
// Instruments are created lazily on first use so packages can record without setup; until the
// provider is installed by cmd/server the global no-op provider absorbs the calls.
package metrics

import (
	"context"
	"log"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelmetric "go.opentelemetry.io/otel/metric"
)

const meterName = "experiment-tracking/backend"

var (
	once sync.Once

	idempotencyOutcomes otelmetric.Int64Counter
	idempotencyWait     otelmetric.Float64Histogram
	transitions         otelmetric.Int64Counter
	ingestedRecords     otelmetric.Int64Counter
	publishFailures     otelmetric.Int64Counter
)

func initInstruments() {
	meter := otel.Meter(meterName)
	var err error
	if idempotencyOutcomes, err = meter.Int64Counter("idempotency_outcomes_total",
		otelmetric.WithDescription("Idempotency decisions by outcome")); err != nil {
		log.Printf("metrics: idempotency_outcomes_total: %v", err)
	}
	if idempotencyWait, err = meter.Float64Histogram("idempotency_wait_seconds",
		otelmetric.WithDescription("Time duplicates spent waiting for an in-flight outcome"),
		otelmetric.WithUnit("s")); err != nil {
		log.Printf("metrics: idempotency_wait_seconds: %v", err)
	}
	if transitions, err = meter.Int64Counter("status_transitions_total",
		otelmetric.WithDescription("Status transitions by kind, target and result")); err != nil {
		log.Printf("metrics: status_transitions_total: %v", err)
	}
	if ingestedRecords, err = meter.Int64Counter("telemetry_records_ingested_total",
		otelmetric.WithDescription("Telemetry records stored by attachment outcome")); err != nil {
		log.Printf("metrics: telemetry_records_ingested_total: %v", err)
	}
	if publishFailures, err = meter.Int64Counter("event_publish_failures_total",
		otelmetric.WithDescription("Domain events that could not be published")); err != nil {
		log.Printf("metrics: event_publish_failures_total: %v", err)
	}
}

// IdempotencyOutcome counts one coordinator decision (proceed, replay, conflict, timeout).
func IdempotencyOutcome(ctx context.Context, outcome string) {
	once.Do(initInstruments)
	if idempotencyOutcomes != nil {
		idempotencyOutcomes.Add(ctx, 1, otelmetric.WithAttributes(attribute.String("outcome", outcome)))
	}
}

// IdempotencyWait records how long a duplicate waited.
func IdempotencyWait(ctx context.Context, d time.Duration) {
	once.Do(initInstruments)
	if idempotencyWait != nil {
		idempotencyWait.Record(ctx, d.Seconds())
	}
}

// Transition counts one transition attempt.
func Transition(ctx context.Context, kind, target string, ok bool) {
	once.Do(initInstruments)
	if transitions != nil {
		transitions.Add(ctx, 1, otelmetric.WithAttributes(
			attribute.String("kind", kind),
			attribute.String("target", target),
			attribute.Bool("ok", ok),
		))
	}
}

// Ingested counts n stored telemetry records with the given attachment outcome.
func Ingested(ctx context.Context, outcome string, n int) {
	once.Do(initInstruments)
	if ingestedRecords != nil && n > 0 {
		ingestedRecords.Add(ctx, int64(n), otelmetric.WithAttributes(attribute.String("attachment", outcome)))
	}
}

// PublishFailed counts one failed event publication.
func PublishFailed(ctx context.Context, eventType string) {
	once.Do(initInstruments)
	if publishFailures != nil {
		publishFailures.Add(ctx, 1, otelmetric.WithAttributes(attribute.String("event_type", eventType)))
	}
}
