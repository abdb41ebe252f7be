package outbox

import (
	"context"
	"fmt"

	"github.com/segmentio/kafka-go"
)

// KafkaPublisher publishes events to a Kafka topic, keyed by match id so
// all events for one match land in the same partition, in order.
type KafkaPublisher struct {
	writer *kafka.Writer
}

// NewKafkaPublisher creates a Kafka publisher.
func NewKafkaPublisher(brokers []string, topic string) *KafkaPublisher {
	return &KafkaPublisher{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireOne,
			Async:        false,
		},
	}
}

// Publish writes one event.
func (p *KafkaPublisher) Publish(ctx context.Context, event OutboxEvent) error {
	messageBytes, err := event.envelope()
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	err = p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(event.MatchID.String()),
		Value: messageBytes,
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(event.EventType)},
		},
	})
	if err != nil {
		return fmt.Errorf("write to kafka: %w", err)
	}
	return nil
}

// Close flushes and closes the writer.
func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}
