package worker

import (
	"context"
	"log"
	"time"

	"github.com/segmentio/kafka-go"
)

const pushTimeout = 10 * time.Second

// MessageReader is the consumer surface the archiver needs (e.g. *kafka.Reader).
type MessageReader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
}

// Pusher stores one raw domain event (e.g. *loki.Client).
type Pusher interface {
	PushEventJSON(ctx context.Context, raw []byte) error
}

// Archiver copies domain events from Kafka into Loki.
type Archiver struct {
	reader MessageReader
	pusher Pusher
}

// NewArchiver returns an archiver reading from reader and pushing to pusher.
func NewArchiver(reader MessageReader, pusher Pusher) *Archiver {
	return &Archiver{reader: reader, pusher: pusher}
}

// NewKafkaReader returns a consumer-group reader for the events topic.
func NewKafkaReader(brokers []string, topic, groupID string) *kafka.Reader {
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers:        brokers,
		Topic:          topic,
		GroupID:        groupID,
		MinBytes:       1,
		MaxBytes:       10e6,
		MaxWait:        time.Second,
		CommitInterval: time.Second,
	})
}

// Run consumes until ctx is done. Push failures are logged and the message is skipped.
func (a *Archiver) Run(ctx context.Context) error {
	for {
		msg, err := a.reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			log.Printf("worker: kafka read error: %v", err)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(time.Second):
			}
			continue
		}
		pushCtx, cancel := context.WithTimeout(ctx, pushTimeout)
		if err := a.pusher.PushEventJSON(pushCtx, msg.Value); err != nil {
			log.Printf("worker: loki push failed (offset %d): %v", msg.Offset, err)
		}
		cancel()
	}
}
