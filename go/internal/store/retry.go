package store

import (
	"context"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/courtside/scoreboard/go/internal/events"
	"github.com/courtside/scoreboard/go/internal/match"
)

// RetryConfig tunes the async re-save worker.
type RetryConfig struct {
	MaxRetries int
	RetryDelay time.Duration
	QueueSize  int
}

// DefaultRetryConfig returns production defaults.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries: 5,
		RetryDelay: time.Second,
		QueueSize:  1024,
	}
}

type pendingSave struct {
	state    *match.Match
	entries  []match.LedgerEntry
	evt      events.Envelope
	attempts int
}

// retryQueue re-attempts failed saves with linear backoff. A save that
// exhausts its retries is dropped with an error log; the version guard
// means a later successful save of a newer version supersedes it anyway.
type retryQueue struct {
	clock clockwork.Clock
	cfg   RetryConfig
	ch    chan pendingSave

	// save is the re-attempt target, normally Store.save.
	save func(ctx context.Context, m *match.Match, entries []match.LedgerEntry, evt events.Envelope) error
}

func newRetryQueue(s *Store, clock clockwork.Clock, cfg RetryConfig) *retryQueue {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = DefaultRetryConfig().MaxRetries
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = DefaultRetryConfig().RetryDelay
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultRetryConfig().QueueSize
	}
	return &retryQueue{
		clock: clock,
		cfg:   cfg,
		ch:    make(chan pendingSave, cfg.QueueSize),
		save:  s.save,
	}
}

func (q *retryQueue) enqueue(p pendingSave) {
	select {
	case q.ch <- p:
	default:
		log.Error().
			Str("match_id", p.state.ID.String()).
			Uint64("version", p.state.Version).
			Msg("retry queue full, dropping pending save")
	}
}

func (q *retryQueue) run(ctx context.Context) {
	log.Info().
		Int("max_retries", q.cfg.MaxRetries).
		Dur("retry_delay", q.cfg.RetryDelay).
		Msg("store retry worker started")

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("store retry worker stopped")
			return
		case p := <-q.ch:
			q.process(ctx, p)
		}
	}
}

func (q *retryQueue) process(ctx context.Context, p pendingSave) {
	for p.attempts < q.cfg.MaxRetries {
		p.attempts++
		select {
		case <-ctx.Done():
			return
		case <-q.clock.After(q.cfg.RetryDelay * time.Duration(p.attempts)):
		}

		err := q.save(ctx, p.state, p.entries, p.evt)
		if err == nil {
			log.Info().
				Str("match_id", p.state.ID.String()).
				Uint64("version", p.state.Version).
				Int("attempts", p.attempts).
				Msg("deferred save succeeded")
			return
		}
		if isPermanent(err) {
			log.Error().
				Err(err).
				Str("match_id", p.state.ID.String()).
				Uint64("version", p.state.Version).
				Msg("deferred save rejected permanently")
			return
		}
		log.Warn().
			Err(err).
			Str("match_id", p.state.ID.String()).
			Int("attempt", p.attempts).
			Msg("deferred save failed, will retry")
	}
	log.Error().
		Str("match_id", p.state.ID.String()).
		Uint64("version", p.state.Version).
		Int("attempts", p.attempts).
		Msg("deferred save dropped after exhausting retries")
}
