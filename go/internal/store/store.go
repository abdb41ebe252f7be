package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/courtside/scoreboard/go/internal/events"
	"github.com/courtside/scoreboard/go/internal/match"
)

// NotifyChannel is the Postgres channel pinged after each outbox insert
// so the outbox worker drains without waiting for its poll tick.
const NotifyChannel = "match_outbox_events"

// TransientIOError wraps a persistence failure that was absorbed: the
// in-memory snapshot and its broadcast already happened, and the write
// has been queued for asynchronous retry.
type TransientIOError struct {
	Err error
}

func (e *TransientIOError) Error() string {
	return fmt.Sprintf("transient persistence failure (queued for retry): %v", e.Err)
}

func (e *TransientIOError) Unwrap() error { return e.Err }

// QueuedForRetry marks the failure as absorbed: the write will be
// retried in the background, so callers can treat the operation as
// accepted.
func (e *TransientIOError) QueuedForRetry() bool { return true }

// Store persists match snapshots, ledger entries and outbox events in
// Postgres. One Save call covers everything an applied command produced,
// in a single transaction.
type Store struct {
	pool  *pgxpool.Pool
	retry *retryQueue
}

// New creates a store. Call Start to run the retry worker.
func New(pool *pgxpool.Pool, clock clockwork.Clock, cfg RetryConfig) *Store {
	s := &Store{pool: pool}
	s.retry = newRetryQueue(s, clock, cfg)
	return s
}

// Start runs the async retry worker until ctx is done.
func (s *Store) Start(ctx context.Context) {
	s.retry.run(ctx)
}

// Save writes the match row, any new ledger entries and the outbox event
// atomically. A transient failure is queued for retry and reported as a
// TransientIOError; the caller must not roll back the applied command.
func (s *Store) Save(ctx context.Context, state *match.Match, entries []match.LedgerEntry, evt events.Envelope) error {
	err := s.save(ctx, state, entries, evt)
	if err == nil {
		return nil
	}
	if isPermanent(err) {
		return err
	}
	s.retry.enqueue(pendingSave{state: state, entries: entries, evt: evt})
	return &TransientIOError{Err: err}
}

// isPermanent reports whether the error came from Postgres rejecting the
// statement itself (constraint violation, bad data). Those never succeed
// on retry; everything else is assumed transient.
func isPermanent(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr)
}

func (s *Store) save(ctx context.Context, m *match.Match, entries []match.LedgerEntry, evt events.Envelope) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin save tx: %w", err)
	}
	defer tx.Rollback(ctx)

	// The version guard makes retries idempotent: a stale re-save of an
	// already-persisted version becomes a no-op instead of clobbering a
	// newer row.
	_, err = tx.Exec(ctx, `
		INSERT INTO matches (
			id, home_team_id, home_team_name, away_team_id, away_team_name,
			status, quarter, quarter_duration_sec, timeout_duration_sec,
			home_score, away_score, home_fouls, away_fouls,
			home_score_adj, away_score_adj, home_foul_adj, away_foul_adj,
			active_mode,
			period_running, period_anchor_utc, period_accumulated_sec, period_duration_sec,
			timeout_running, timeout_anchor_utc, timeout_accumulated_sec, timeout_clock_duration_sec,
			winner_team_id, version, created_at, updated_at
		) VALUES (
			$1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,
			$19,$20,$21,$22,$23,$24,$25,$26,$27,$28,$29,$30
		)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			quarter = EXCLUDED.quarter,
			home_score = EXCLUDED.home_score,
			away_score = EXCLUDED.away_score,
			home_fouls = EXCLUDED.home_fouls,
			away_fouls = EXCLUDED.away_fouls,
			home_score_adj = EXCLUDED.home_score_adj,
			away_score_adj = EXCLUDED.away_score_adj,
			home_foul_adj = EXCLUDED.home_foul_adj,
			away_foul_adj = EXCLUDED.away_foul_adj,
			active_mode = EXCLUDED.active_mode,
			period_running = EXCLUDED.period_running,
			period_anchor_utc = EXCLUDED.period_anchor_utc,
			period_accumulated_sec = EXCLUDED.period_accumulated_sec,
			period_duration_sec = EXCLUDED.period_duration_sec,
			timeout_running = EXCLUDED.timeout_running,
			timeout_anchor_utc = EXCLUDED.timeout_anchor_utc,
			timeout_accumulated_sec = EXCLUDED.timeout_accumulated_sec,
			timeout_clock_duration_sec = EXCLUDED.timeout_clock_duration_sec,
			winner_team_id = EXCLUDED.winner_team_id,
			version = EXCLUDED.version,
			updated_at = EXCLUDED.updated_at
		WHERE matches.version < EXCLUDED.version`,
		m.ID, m.HomeTeamID, m.HomeTeamName, m.AwayTeamID, m.AwayTeamName,
		string(m.Status), m.Quarter, m.QuarterDurationSec, m.TimeoutDurationSec,
		m.HomeScore, m.AwayScore, m.HomeFouls, m.AwayFouls,
		m.HomeScoreAdj, m.AwayScoreAdj, m.HomeFoulAdj, m.AwayFoulAdj,
		string(m.ActiveMode),
		m.PeriodClock.Running, m.PeriodClock.AnchorUTC, m.PeriodClock.AccumulatedSec, m.PeriodClock.DurationSec,
		m.TimeoutClock.Running, m.TimeoutClock.AnchorUTC, m.TimeoutClock.AccumulatedSec, m.TimeoutClock.DurationSec,
		m.WinnerTeamID, m.Version, m.CreatedAt, m.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert match %s: %w", m.ID, err)
	}

	for _, e := range entries {
		_, err = tx.Exec(ctx, `
			INSERT INTO match_ledger (id, match_id, kind, team_id, player_id, points, foul_type, registered_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
			ON CONFLICT (id) DO NOTHING`,
			e.ID, e.MatchID, string(e.Kind), e.TeamID, e.PlayerID, e.Points, e.FoulType, e.RegisteredAt,
		)
		if err != nil {
			return fmt.Errorf("insert ledger entry %s: %w", e.ID, err)
		}
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO match_outbox (id, match_id, event_type, version, payload, created_at)
		VALUES ($1,$2,$3,$4,$5,$6)
		ON CONFLICT (id) DO NOTHING`,
		evt.EventID, evt.MatchID, evt.EventType, evt.Version, evt.Payload, evt.OccurredAt,
	)
	if err != nil {
		return fmt.Errorf("insert outbox event %s: %w", evt.EventID, err)
	}

	if _, err = tx.Exec(ctx, `SELECT pg_notify($1, $2)`, NotifyChannel, evt.MatchID.String()); err != nil {
		return fmt.Errorf("notify outbox: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit save tx: %w", err)
	}
	return nil
}

// LoadLatest rebuilds the aggregate from its persisted row and verifies
// the counter invariant against the full ledger.
func (s *Store) LoadLatest(ctx context.Context, matchID uuid.UUID) (*match.Match, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, home_team_id, home_team_name, away_team_id, away_team_name,
			status, quarter, quarter_duration_sec, timeout_duration_sec,
			home_score, away_score, home_fouls, away_fouls,
			home_score_adj, away_score_adj, home_foul_adj, away_foul_adj,
			active_mode,
			period_running, period_anchor_utc, period_accumulated_sec, period_duration_sec,
			timeout_running, timeout_anchor_utc, timeout_accumulated_sec, timeout_clock_duration_sec,
			winner_team_id, version, created_at, updated_at
		FROM matches WHERE id = $1`, matchID)

	var (
		m             match.Match
		status        string
		activeMode    string
		periodAnchor  *time.Time
		timeoutAnchor *time.Time
	)
	err := row.Scan(
		&m.ID, &m.HomeTeamID, &m.HomeTeamName, &m.AwayTeamID, &m.AwayTeamName,
		&status, &m.Quarter, &m.QuarterDurationSec, &m.TimeoutDurationSec,
		&m.HomeScore, &m.AwayScore, &m.HomeFouls, &m.AwayFouls,
		&m.HomeScoreAdj, &m.AwayScoreAdj, &m.HomeFoulAdj, &m.AwayFoulAdj,
		&activeMode,
		&m.PeriodClock.Running, &periodAnchor, &m.PeriodClock.AccumulatedSec, &m.PeriodClock.DurationSec,
		&m.TimeoutClock.Running, &timeoutAnchor, &m.TimeoutClock.AccumulatedSec, &m.TimeoutClock.DurationSec,
		&m.WinnerTeamID, &m.Version, &m.CreatedAt, &m.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, match.ErrMatchNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load match %s: %w", matchID, err)
	}

	m.Status = match.Status(status)
	m.ActiveMode = match.ClockMode(activeMode)
	m.PeriodClock.Mode = match.ClockModePeriod
	m.PeriodClock.AnchorUTC = periodAnchor
	m.TimeoutClock.Mode = match.ClockModeTimeout
	m.TimeoutClock.AnchorUTC = timeoutAnchor

	entries, err := s.allLedgerEntries(ctx, matchID)
	if err != nil {
		return nil, err
	}
	if err := m.Recount(entries); err != nil {
		// The aggregate row is the truth for the live scoreboard; a
		// ledger mismatch is an audit problem, not a reason to refuse
		// to serve the match.
		log.Error().
			Err(err).
			Str("match_id", matchID.String()).
			Msg("ledger recount mismatch on hydration")
	}
	return &m, nil
}

func (s *Store) allLedgerEntries(ctx context.Context, matchID uuid.UUID) ([]match.LedgerEntry, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, match_id, kind, team_id, player_id, points, foul_type, registered_at
		FROM match_ledger WHERE match_id = $1
		ORDER BY registered_at, id`, matchID)
	if err != nil {
		return nil, fmt.Errorf("load ledger for %s: %w", matchID, err)
	}
	defer rows.Close()
	return scanLedger(rows)
}

// LedgerPage returns one page of the match's ledger, oldest first.
func (s *Store) LedgerPage(ctx context.Context, matchID uuid.UUID, limit, offset int) ([]match.LedgerEntry, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, match_id, kind, team_id, player_id, points, foul_type, registered_at
		FROM match_ledger WHERE match_id = $1
		ORDER BY registered_at, id
		LIMIT $2 OFFSET $3`, matchID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("page ledger for %s: %w", matchID, err)
	}
	defer rows.Close()
	return scanLedger(rows)
}

func scanLedger(rows pgx.Rows) ([]match.LedgerEntry, error) {
	var entries []match.LedgerEntry
	for rows.Next() {
		var (
			e    match.LedgerEntry
			kind string
		)
		if err := rows.Scan(&e.ID, &e.MatchID, &kind, &e.TeamID, &e.PlayerID, &e.Points, &e.FoulType, &e.RegisteredAt); err != nil {
			return nil, fmt.Errorf("scan ledger entry: %w", err)
		}
		e.Kind = match.EntryKind(kind)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
