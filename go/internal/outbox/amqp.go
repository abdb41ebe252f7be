package outbox

import (
	"context"
	"fmt"

	"github.com/streadway/amqp"
)

// AMQPPublisher publishes events to a RabbitMQ topic exchange with the
// event type as routing key.
type AMQPPublisher struct {
	conn     *amqp.Connection
	channel  *amqp.Channel
	exchange string
}

// NewAMQPPublisher dials RabbitMQ and declares the exchange.
func NewAMQPPublisher(url, exchange string) (*AMQPPublisher, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to AMQP: %w", err)
	}
	channel, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open AMQP channel: %w", err)
	}
	if err := channel.ExchangeDeclare(
		exchange,
		"topic",
		true,  // durable
		false, // auto-delete
		false, // internal
		false, // no-wait
		nil,
	); err != nil {
		channel.Close()
		conn.Close()
		return nil, fmt.Errorf("failed to declare exchange %s: %w", exchange, err)
	}
	return &AMQPPublisher{conn: conn, channel: channel, exchange: exchange}, nil
}

// Publish delivers the event with routing key <event_type>.
func (p *AMQPPublisher) Publish(ctx context.Context, event OutboxEvent) error {
	messageBytes, err := event.envelope()
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	err = p.channel.Publish(
		p.exchange,
		event.EventType,
		false, // mandatory
		false, // immediate
		amqp.Publishing{
			ContentType: "application/json",
			MessageId:   event.ID.String(),
			Timestamp:   event.CreatedAt,
			Body:        messageBytes,
		},
	)
	if err != nil {
		return fmt.Errorf("publish to exchange %s: %w", p.exchange, err)
	}
	return nil
}

// Close tears down the channel and connection.
func (p *AMQPPublisher) Close() error {
	if err := p.channel.Close(); err != nil {
		p.conn.Close()
		return err
	}
	return p.conn.Close()
}
