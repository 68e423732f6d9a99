package events

import (
	"context"
	"time"

	otellog "go.opentelemetry.io/otel/log"
	sdklog "go.opentelemetry.io/otel/sdk/log"
)

// recordEmitter is the part of otellog.Logger the publisher uses.
type recordEmitter interface {
	Emit(ctx context.Context, rec otellog.Record)
}

// LogPublisher exports events as OpenTelemetry log records.
type LogPublisher struct {
	logger recordEmitter
}

// NewLogPublisher returns a publisher that emits through provider, or a Noop when provider is nil.
func NewLogPublisher(provider *sdklog.LoggerProvider) Publisher {
	if provider == nil {
		return Noop{}
	}
	return &LogPublisher{logger: provider.Logger("experiment-tracking.events")}
}

// Publish converts e to a log record: the JSON event is the body and the identifying fields are attributes.
func (p *LogPublisher) Publish(ctx context.Context, e Event) error {
	rec := otellog.Record{}
	ts := e.OccurredAt
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	rec.SetTimestamp(ts)
	rec.SetObservedTimestamp(time.Now().UTC())
	rec.SetSeverity(otellog.SeverityInfo)
	body, err := e.Marshal()
	if err != nil {
		return err
	}
	rec.SetBody(otellog.BytesValue(body))
	attrs := []otellog.KeyValue{otellog.String("event_type", e.Type)}
	for _, kv := range [][2]string{
		{"project_id", e.ProjectID},
		{"entity_kind", e.EntityKind},
		{"entity_id", e.EntityID},
		{"actor_id", e.ActorID},
	} {
		if kv[1] != "" {
			attrs = append(attrs, otellog.String(kv[0], kv[1]))
		}
	}
	rec.AddAttributes(attrs...)
	p.logger.Emit(ctx, rec)
	return nil
}

// Close is a no-op; the logger provider is shut down with the other providers.
func (p *LogPublisher) Close() error { return nil }
