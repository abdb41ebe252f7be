package outbox

import (
	"context"
	"time"

	"github.com/lib/pq"
	"github.com/rs/zerolog/log"
)

// ListenerConfig tunes the LISTEN/NOTIFY wake-up path.
type ListenerConfig struct {
	// DatabaseURL is a separate DSN: pq.Listener holds its own
	// dedicated connection outside the pgx pool.
	DatabaseURL   string
	NotifyChannel string
	PingInterval  time.Duration
}

// DefaultListenerConfig returns production defaults.
func DefaultListenerConfig(databaseURL, channel string) ListenerConfig {
	return ListenerConfig{
		DatabaseURL:   databaseURL,
		NotifyChannel: channel,
		PingInterval:  90 * time.Second,
	}
}

// Listener turns Postgres NOTIFY pings into worker wake-ups so outbox
// rows are published with low latency. The worker's poll tick remains
// the safety net for missed notifications.
type Listener struct {
	listener *pq.Listener
	worker   *Worker
	cfg      ListenerConfig
}

// NewListener opens the LISTEN connection.
func NewListener(worker *Worker, cfg ListenerConfig) (*Listener, error) {
	l := pq.NewListener(
		cfg.DatabaseURL,
		10*time.Second,
		time.Minute,
		func(ev pq.ListenerEventType, err error) {
			if err != nil {
				log.Error().Err(err).Msg("outbox listener event")
			}
		},
	)
	if err := l.Listen(cfg.NotifyChannel); err != nil {
		l.Close()
		return nil, err
	}
	return &Listener{listener: l, worker: worker, cfg: cfg}, nil
}

// Run forwards notifications until ctx is done.
func (l *Listener) Run(ctx context.Context) error {
	defer l.listener.Close()

	log.Info().Str("channel", l.cfg.NotifyChannel).Msg("outbox listener started")

	pingTicker := time.NewTicker(l.cfg.PingInterval)
	defer pingTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("outbox listener stopped")
			return nil
		case n := <-l.listener.Notify:
			// n is nil when the connection was re-established; drain
			// anyway in case notifications were lost in between.
			if n != nil {
				log.Debug().Str("payload", n.Extra).Msg("outbox notification")
			}
			l.worker.Wake()
		case <-pingTicker.C:
			if err := l.listener.Ping(); err != nil {
				log.Error().Err(err).Msg("outbox listener ping failed")
			}
		}
	}
}
