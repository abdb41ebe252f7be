package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/courtside/scoreboard/go/internal/events"
	"github.com/courtside/scoreboard/go/internal/match"
)

// Store persists snapshots, ledger entries and outbox events. Save is
// expected to absorb transient failures with its own retry policy; the
// engine never rolls back an applied command on a failed write.
type Store interface {
	Save(ctx context.Context, state *match.Match, entries []match.LedgerEntry, evt events.Envelope) error
	LoadLatest(ctx context.Context, matchID uuid.UUID) (*match.Match, error)
}

// Broadcaster fans a snapshot out to every live connection subscribed to
// the match. Delivery is fire-and-forget.
type Broadcaster interface {
	Broadcast(matchID uuid.UUID, snap match.Snapshot)
}

// Presence reports how many live connections are subscribed to a match,
// used to decide when a finished match's actor can be evicted.
type Presence interface {
	Subscribers(matchID uuid.UUID) int
}

// Config tunes the engine.
type Config struct {
	// CommandBuffer is the per-actor queue depth for pending commands.
	CommandBuffer int
	// EffectBuffer is the per-actor queue depth for pending side effects
	// (persist + broadcast) that run off the command path.
	EffectBuffer int
	// IdleEviction is how long a finished match with no subscribers is
	// kept in memory. Zero disables eviction.
	IdleEviction time.Duration
	// DefaultQuarterSec applies when a create request omits the quarter
	// length.
	DefaultQuarterSec int
	// TimeoutSec is the fixed timeout-clock length.
	TimeoutSec int
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		CommandBuffer:     64,
		EffectBuffer:      256,
		IdleEviction:      5 * time.Minute,
		DefaultQuarterSec: 600,
		TimeoutSec:        60,
	}
}

// Engine owns one actor goroutine per active match id. All commands for
// a match are serialized through its actor in arrival order; commands
// for different matches proceed fully in parallel. This is the sole
// concurrency boundary of the subsystem.
type Engine struct {
	store       Store
	broadcaster Broadcaster
	presence    Presence
	clock       clockwork.Clock
	cfg         Config

	mu     sync.Mutex
	actors map[uuid.UUID]*actor

	evictMu     sync.Mutex
	evictTimers map[uuid.UUID]*evictTimer

	closed bool
}

// New creates an engine. presence may be nil, in which case finished
// matches are evicted purely on the idle timer.
func New(store Store, broadcaster Broadcaster, presence Presence, clock clockwork.Clock, cfg Config) *Engine {
	if cfg.CommandBuffer <= 0 {
		cfg.CommandBuffer = DefaultConfig().CommandBuffer
	}
	if cfg.EffectBuffer <= 0 {
		cfg.EffectBuffer = DefaultConfig().EffectBuffer
	}
	if cfg.DefaultQuarterSec <= 0 {
		cfg.DefaultQuarterSec = DefaultConfig().DefaultQuarterSec
	}
	if cfg.TimeoutSec <= 0 {
		cfg.TimeoutSec = DefaultConfig().TimeoutSec
	}
	return &Engine{
		store:       store,
		broadcaster: broadcaster,
		presence:    presence,
		clock:       clock,
		cfg:         cfg,
		actors:      make(map[uuid.UUID]*actor),
		evictTimers: make(map[uuid.UUID]*evictTimer),
	}
}

// CreateMatchParams describes a new scheduled match. Match ids are
// externally assignable; a nil id gets generated.
type CreateMatchParams struct {
	MatchID            uuid.UUID
	HomeTeamID         uuid.UUID
	HomeTeamName       string
	AwayTeamID         uuid.UUID
	AwayTeamName       string
	QuarterDurationSec int
	TimeoutDurationSec int
}

// CreateMatch registers a Scheduled match and persists it synchronously.
// The actor spawns lazily on the first command against the new id.
func (e *Engine) CreateMatch(ctx context.Context, p CreateMatchParams) (match.Snapshot, error) {
	if p.MatchID == uuid.Nil {
		p.MatchID = uuid.New()
	}
	if p.QuarterDurationSec <= 0 {
		p.QuarterDurationSec = e.cfg.DefaultQuarterSec
	}
	if p.TimeoutDurationSec <= 0 {
		p.TimeoutDurationSec = e.cfg.TimeoutSec
	}
	now := e.clock.Now()
	m, err := match.New(p.MatchID, p.HomeTeamID, p.AwayTeamID, p.HomeTeamName, p.AwayTeamName,
		p.QuarterDurationSec, p.TimeoutDurationSec, now)
	if err != nil {
		return match.Snapshot{}, err
	}
	snap := m.Snapshot(now)
	evt, err := events.ForCreated(snap, now)
	if err != nil {
		return match.Snapshot{}, err
	}
	if err := e.store.Save(ctx, m, nil, evt); err != nil {
		// A failure the store absorbed into its retry queue counts as
		// accepted; failing here would push clients into re-creating a
		// match that will land once the retry drains.
		var queued interface{ QueuedForRetry() bool }
		if !errors.As(err, &queued) || !queued.QueuedForRetry() {
			return match.Snapshot{}, err
		}
		log.Warn().
			Err(err).
			Str("match_id", m.ID.String()).
			Msg("match created, persistence deferred to retry queue")
	}
	log.Info().
		Str("match_id", m.ID.String()).
		Str("home", m.HomeTeamName).
		Str("away", m.AwayTeamName).
		Msg("match created")
	return snap, nil
}

// Submit routes a command to the match's actor and waits for the result.
// The caller's context cancels the wait; a command whose context is done
// before the actor picks it up is dropped without side effects.
func (e *Engine) Submit(ctx context.Context, cmd match.Command) (match.Snapshot, error) {
	if err := cmd.Validate(); err != nil {
		return match.Snapshot{}, err
	}
	return e.dispatch(ctx, cmd.MatchID, &cmd)
}

// Snapshot returns the current state of a match, hydrating its actor
// from the store if needed. Used for resync-on-join and the read API.
func (e *Engine) Snapshot(ctx context.Context, matchID uuid.UUID) (match.Snapshot, error) {
	return e.dispatch(ctx, matchID, nil)
}

func (e *Engine) dispatch(ctx context.Context, matchID uuid.UUID, cmd *match.Command) (match.Snapshot, error) {
	// An actor can stop between lookup and send (idle eviction); retry
	// once against a freshly spawned one.
	for attempt := 0; attempt < 2; attempt++ {
		a, err := e.actorFor(matchID)
		if err != nil {
			return match.Snapshot{}, err
		}
		snap, err, delivered := a.request(ctx, cmd)
		if delivered {
			return snap, err
		}
	}
	return match.Snapshot{}, fmt.Errorf("match %s: actor unavailable", matchID)
}

func (e *Engine) actorFor(matchID uuid.UUID) (*actor, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, fmt.Errorf("engine is shut down")
	}
	if a, ok := e.actors[matchID]; ok {
		return a, nil
	}
	a := newActor(e, matchID)
	e.actors[matchID] = a
	go a.run()
	log.Debug().Str("match_id", matchID.String()).Msg("actor spawned")
	return a, nil
}

// dropActor removes an actor from the table if it is still the
// registered one. Called by the actor itself on hydration failure.
func (e *Engine) dropActor(a *actor) {
	e.mu.Lock()
	if cur, ok := e.actors[a.id]; ok && cur == a {
		delete(e.actors, a.id)
	}
	e.mu.Unlock()
}

// evictTimer pairs a clockwork timer with a cancel channel so the
// goroutine waiting on it can be released when the timer is replaced.
type evictTimer struct {
	timer  clockwork.Timer
	cancel chan struct{}
}

// scheduleEviction arms (or re-arms) the idle timer for a finished match.
func (e *Engine) scheduleEviction(matchID uuid.UUID) {
	if e.cfg.IdleEviction <= 0 {
		return
	}
	et := &evictTimer{
		timer:  e.clock.NewTimer(e.cfg.IdleEviction),
		cancel: make(chan struct{}),
	}
	e.evictMu.Lock()
	if prev, ok := e.evictTimers[matchID]; ok {
		stopAndDrainTimer(prev.timer)
		close(prev.cancel)
	}
	e.evictTimers[matchID] = et
	e.evictMu.Unlock()

	go func() {
		select {
		case <-et.timer.Chan():
			e.maybeEvict(matchID)
		case <-et.cancel:
		}
	}()
}

func (e *Engine) maybeEvict(matchID uuid.UUID) {
	e.mu.Lock()
	a, ok := e.actors[matchID]
	if !ok {
		e.mu.Unlock()
		e.clearEvictTimer(matchID)
		return
	}
	if !a.finished.Load() || len(a.reqCh) > 0 ||
		(e.presence != nil && e.presence.Subscribers(matchID) > 0) {
		e.mu.Unlock()
		e.scheduleEviction(matchID)
		return
	}
	delete(e.actors, matchID)
	e.mu.Unlock()

	a.stop()
	e.clearEvictTimer(matchID)
	log.Info().Str("match_id", matchID.String()).Msg("idle actor evicted")
}

func (e *Engine) clearEvictTimer(matchID uuid.UUID) {
	e.evictMu.Lock()
	delete(e.evictTimers, matchID)
	e.evictMu.Unlock()
}

// Close stops every actor and waits for their pending side effects to
// flush.
func (e *Engine) Close() {
	e.mu.Lock()
	e.closed = true
	actors := make([]*actor, 0, len(e.actors))
	for _, a := range e.actors {
		actors = append(actors, a)
	}
	e.actors = make(map[uuid.UUID]*actor)
	e.mu.Unlock()

	e.evictMu.Lock()
	for id, et := range e.evictTimers {
		stopAndDrainTimer(et.timer)
		close(et.cancel)
		delete(e.evictTimers, id)
	}
	e.evictMu.Unlock()

	for _, a := range actors {
		a.stop()
	}
	log.Info().Int("actors", len(actors)).Msg("engine shut down")
}

// stopAndDrainTimer safely stops a clockwork timer and drains its channel
// so the goroutine waiting on it does not leak a stale fire.
func stopAndDrainTimer(timer clockwork.Timer) {
	if !timer.Stop() {
		select {
		case <-timer.Chan():
		default:
		}
	}
}
