package outbox

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog/log"
)

// EventPublisher delivers one outbox event to the external broker.
type EventPublisher interface {
	Publish(ctx context.Context, event OutboxEvent) error
}

// LogPublisher just logs events; used in development and tests.
type LogPublisher struct{}

// NewLogPublisher creates a no-op publisher.
func NewLogPublisher() *LogPublisher {
	return &LogPublisher{}
}

// Publish logs the event and succeeds.
func (p *LogPublisher) Publish(ctx context.Context, event OutboxEvent) error {
	log.Info().
		Str("event_id", event.ID.String()).
		Str("event_type", event.EventType).
		Str("match_id", event.MatchID.String()).
		Msg("publishing event")
	return nil
}

// NATSPublisher publishes events to a NATS JetStream stream.
type NATSPublisher struct {
	nc            *nats.Conn
	js            jetstream.JetStream
	subjectPrefix string
}

// NewNATSPublisher connects to NATS and ensures the events stream
// exists.
func NewNATSPublisher(url, streamName, subjectPrefix string) (*NATSPublisher, error) {
	opts := []nats.Option{
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			log.Error().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
		nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
			log.Error().Err(err).Msg("NATS error")
		}),
	}

	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("create JetStream context: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_, err = js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:        streamName,
		Description: "Scoreboard match events",
		Subjects:    []string{subjectPrefix + ".>"},
	})
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("ensure stream %s: %w", streamName, err)
	}

	return &NATSPublisher{nc: nc, js: js, subjectPrefix: subjectPrefix}, nil
}

// Publish delivers the event to subject <prefix>.<event_type>.
func (p *NATSPublisher) Publish(ctx context.Context, event OutboxEvent) error {
	subject := fmt.Sprintf("%s.%s", p.subjectPrefix, event.EventType)
	messageBytes, err := event.envelope()
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	if _, err := p.js.Publish(ctx, subject, messageBytes); err != nil {
		return fmt.Errorf("publish to %s: %w", subject, err)
	}
	return nil
}

// Close drops the NATS connection.
func (p *NATSPublisher) Close() error {
	p.nc.Close()
	return nil
}
