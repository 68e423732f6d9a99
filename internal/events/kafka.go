package events

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/sony/gobreaker"
)

// kafkaWriteTimeout bounds one write so a slow broker does not hold publishers indefinitely.
const kafkaWriteTimeout = 5 * time.Second

// ErrBreakerOpen is returned while the Kafka circuit breaker rejects publishes.
var ErrBreakerOpen = errors.New("events: kafka circuit breaker open")

// messageWriter is the part of *kafka.Writer the publisher uses.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher writes events as JSON to a Kafka topic, keyed by entity id so one entity's events
// stay ordered within a partition. Writes go through a circuit breaker: after repeated failures
// publishes fail fast until the broker recovers.
type KafkaPublisher struct {
	writer  messageWriter
	breaker *gobreaker.CircuitBreaker
}

// NewKafkaPublisher returns a publisher for topic on brokers, or nil when either is unset.
// Call Close when shutting down.
func NewKafkaPublisher(brokers []string, topic string) *KafkaPublisher {
	if len(brokers) == 0 || topic == "" {
		return nil
	}
	writer := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 50 * time.Millisecond,
		RequiredAcks: kafka.RequireOne,
	}
	return newKafkaPublisher(writer, "kafka-"+topic)
}

func newKafkaPublisher(w messageWriter, name string) *KafkaPublisher {
	settings := gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Printf("events: breaker %s: %s -> %s", name, from, to)
		},
	}
	return &KafkaPublisher{writer: w, breaker: gobreaker.NewCircuitBreaker(settings)}
}

// Publish writes e to the topic.
func (p *KafkaPublisher) Publish(ctx context.Context, e Event) error {
	if p == nil || p.writer == nil {
		return nil
	}
	payload, err := e.Marshal()
	if err != nil {
		return err
	}
	_, err = p.breaker.Execute(func() (interface{}, error) {
		writeCtx, cancel := context.WithTimeout(ctx, kafkaWriteTimeout)
		defer cancel()
		return nil, p.writer.WriteMessages(writeCtx, kafka.Message{
			Key:   []byte(e.EntityID),
			Value: payload,
			Headers: []kafka.Header{
				{Key: "event_type", Value: []byte(e.Type)},
				{Key: "project_id", Value: []byte(e.ProjectID)},
			},
		})
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return ErrBreakerOpen
	}
	return err
}

// State reports the breaker state, for health output.
func (p *KafkaPublisher) State() string {
	if p == nil {
		return "disabled"
	}
	return p.breaker.State().String()
}

// Close closes the Kafka writer. Safe to call multiple times.
func (p *KafkaPublisher) Close() error {
	if p == nil || p.writer == nil {
		return nil
	}
	err := p.writer.Close()
	p.writer = nil
	return err
}
