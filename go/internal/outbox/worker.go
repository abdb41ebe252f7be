package outbox

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Config tunes the outbox worker.
type Config struct {
	PollInterval time.Duration
	BatchSize    int
	MaxRetries   int
	RetryDelay   time.Duration
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		PollInterval: 5 * time.Second,
		BatchSize:    100,
		MaxRetries:   3,
		RetryDelay:   time.Second,
	}
}

// Drainer is the slice of Repository the worker needs; worker tests fake
// it without a database.
type Drainer interface {
	Drain(ctx context.Context, limit int, publish func(context.Context, OutboxEvent) error) (total, published int, err error)
}

// Worker drains unsent outbox rows and publishes them to the configured
// broker. It is woken by the Postgres listener and falls back to a poll
// tick so events survive missed notifications.
type Worker struct {
	drainer   Drainer
	publisher EventPublisher
	config    Config

	// wakeCh coalesces LISTEN/NOTIFY wake-ups.
	wakeCh chan struct{}

	mu       sync.Mutex
	running  bool
	stopChan chan struct{}
	wg       sync.WaitGroup
}

// NewWorker creates an outbox worker.
func NewWorker(drainer Drainer, publisher EventPublisher, cfg Config) *Worker {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultConfig().PollInterval
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultConfig().BatchSize
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = DefaultConfig().MaxRetries
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = DefaultConfig().RetryDelay
	}
	return &Worker{
		drainer:   drainer,
		publisher: publisher,
		config:    cfg,
		wakeCh:    make(chan struct{}, 1),
		stopChan:  make(chan struct{}),
	}
}

// Wake asks the worker to drain now instead of at the next poll tick.
func (w *Worker) Wake() {
	select {
	case w.wakeCh <- struct{}{}:
	default:
	}
}

// Start launches the drain loop.
func (w *Worker) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return fmt.Errorf("outbox worker already running")
	}
	w.running = true
	w.mu.Unlock()

	w.wg.Add(1)
	go w.run(ctx)

	log.Info().
		Dur("poll_interval", w.config.PollInterval).
		Int("batch_size", w.config.BatchSize).
		Msg("outbox worker started")
	return nil
}

// Stop halts the drain loop and waits for it to exit.
func (w *Worker) Stop() error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return fmt.Errorf("outbox worker not running")
	}
	w.running = false
	w.mu.Unlock()

	close(w.stopChan)
	w.wg.Wait()

	log.Info().Msg("outbox worker stopped")
	return nil
}

func (w *Worker) run(ctx context.Context) {
	defer w.wg.Done()

	ticker := time.NewTicker(w.config.PollInterval)
	defer ticker.Stop()

	// Drain immediately on start to pick up rows left over from a crash.
	w.drain(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopChan:
			return
		case <-w.wakeCh:
			w.drain(ctx)
		case <-ticker.C:
			w.drain(ctx)
		}
	}
}

func (w *Worker) drain(ctx context.Context) {
	for {
		total, published, err := w.drainer.Drain(ctx, w.config.BatchSize, w.publishWithRetry)
		if err != nil {
			log.Error().Err(err).Msg("outbox drain failed")
			return
		}
		if total == 0 {
			return
		}
		log.Info().
			Int("total", total).
			Int("published", published).
			Msg("processed outbox events")
		if total < w.config.BatchSize {
			return
		}
	}
}

func (w *Worker) publishWithRetry(ctx context.Context, event OutboxEvent) error {
	var lastErr error
	for attempt := 0; attempt <= w.config.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(w.config.RetryDelay * time.Duration(attempt)):
			}
		}
		if err := w.publisher.Publish(ctx, event); err != nil {
			lastErr = err
			log.Warn().
				Str("event_id", event.ID.String()).
				Int("attempt", attempt+1).
				Err(err).
				Msg("failed to publish event, retrying")
			continue
		}
		return nil
	}
	return fmt.Errorf("failed after %d attempts: %w", w.config.MaxRetries+1, lastErr)
}

// RepositoryDrainer adapts Repository into the worker's Drainer: one
// transaction per batch, successfully published rows marked sent even
// when some publishes fail.
type RepositoryDrainer struct {
	repo *Repository
}

// NewRepositoryDrainer wraps a repository.
func NewRepositoryDrainer(repo *Repository) *RepositoryDrainer {
	return &RepositoryDrainer{repo: repo}
}

// Drain fetches one locked batch, publishes each event and marks the
// successes.
func (d *RepositoryDrainer) Drain(ctx context.Context, limit int, publish func(context.Context, OutboxEvent) error) (int, int, error) {
	tx, err := d.repo.Begin(ctx)
	if err != nil {
		return 0, 0, fmt.Errorf("begin outbox tx: %w", err)
	}
	defer tx.Rollback(ctx)

	events, err := d.repo.FetchUnsent(ctx, tx, limit)
	if err != nil {
		return 0, 0, err
	}
	if len(events) == 0 {
		return 0, 0, nil
	}

	var successfulIDs []uuid.UUID
	for _, event := range events {
		if err := publish(ctx, event); err != nil {
			log.Error().
				Str("event_id", event.ID.String()).
				Str("event_type", event.EventType).
				Err(err).
				Msg("failed to publish outbox event")
			continue
		}
		successfulIDs = append(successfulIDs, event.ID)
	}

	if err := d.repo.MarkSent(ctx, tx, successfulIDs); err != nil {
		return len(events), len(successfulIDs), err
	}
	if err := tx.Commit(ctx); err != nil {
		return len(events), len(successfulIDs), fmt.Errorf("commit outbox tx: %w", err)
	}
	return len(events), len(successfulIDs), nil
}
