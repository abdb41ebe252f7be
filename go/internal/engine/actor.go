package engine

import (
	"context"
	"errors"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/courtside/scoreboard/go/internal/events"
	"github.com/courtside/scoreboard/go/internal/match"
)

// request is one unit of work for an actor: a command to apply, or a
// snapshot read when cmd is nil. Reads go through the same queue so they
// observe every command submitted before them.
type request struct {
	ctx   context.Context
	cmd   *match.Command
	reply chan result
}

type result struct {
	snap match.Snapshot
	err  error
}

// effect carries the side effects of one applied command out of the
// command-processing path: broadcast to live connections, then persist
// state + ledger + outbox row. Both carry the same snapshot version.
type effect struct {
	state   *match.Match
	entries []match.LedgerEntry
	snap    match.Snapshot
	evt     events.Envelope
}

// actor is the single writer for one match id. It owns the aggregate
// exclusively; everything it hands to other goroutines is a copy.
type actor struct {
	id  uuid.UUID
	eng *Engine

	reqCh    chan request
	effectCh chan effect

	stopCh      chan struct{}
	done        chan struct{}
	effectsDone chan struct{}

	finished atomic.Bool

	// state is touched only by the run goroutine.
	state *match.Match
}

func newActor(e *Engine, id uuid.UUID) *actor {
	return &actor{
		id:          id,
		eng:         e,
		reqCh:       make(chan request, e.cfg.CommandBuffer),
		effectCh:    make(chan effect, e.cfg.EffectBuffer),
		stopCh:      make(chan struct{}),
		done:        make(chan struct{}),
		effectsDone: make(chan struct{}),
	}
}

// request submits work and waits for the reply. The third return value
// is false when the actor stopped before accepting the request; the
// caller may retry against a fresh actor.
func (a *actor) request(ctx context.Context, cmd *match.Command) (match.Snapshot, error, bool) {
	req := request{ctx: ctx, cmd: cmd, reply: make(chan result, 1)}

	select {
	case a.reqCh <- req:
	case <-a.done:
		return match.Snapshot{}, nil, false
	case <-ctx.Done():
		// Never enqueued: guaranteed no side effects.
		return match.Snapshot{}, ctx.Err(), true
	}

	select {
	case res := <-req.reply:
		return res.snap, res.err, true
	case <-a.done:
		// The actor may have replied just before stopping; prefer the
		// reply over a retry so an applied command is never reported lost.
		select {
		case res := <-req.reply:
			return res.snap, res.err, true
		default:
			return match.Snapshot{}, nil, false
		}
	case <-ctx.Done():
		return match.Snapshot{}, ctx.Err(), true
	}
}

func (a *actor) stop() {
	close(a.stopCh)
	<-a.done
	<-a.effectsDone
}

func (a *actor) run() {
	go a.effectLoop()
	defer func() {
		// Requests still queued are left unanswered: closing done wakes
		// their callers with delivered=false, and dispatch retries them
		// against a fresh actor instead of reporting a missing match.
		close(a.done)
		close(a.effectCh)
	}()

	for {
		select {
		case <-a.stopCh:
			return
		case req := <-a.reqCh:
			if exit := a.handle(req); exit {
				return
			}
		}
	}
}

func (a *actor) effectLoop() {
	defer close(a.effectsDone)
	for eff := range a.effectCh {
		// Broadcast first: the live scoreboard must not wait on the
		// database. The store absorbs write failures with async retry.
		a.eng.broadcaster.Broadcast(a.id, eff.snap)
		if err := a.eng.store.Save(context.Background(), eff.state, eff.entries, eff.evt); err != nil {
			log.Error().
				Err(err).
				Str("match_id", a.id.String()).
				Uint64("version", eff.snap.Version).
				Msg("snapshot save failed")
		}
	}
}

// handle processes one request. Returning true tells run to exit (the
// actor discovered its match does not exist).
func (a *actor) handle(req request) bool {
	// A caller that gave up before processing began gets no side effects.
	if err := req.ctx.Err(); err != nil {
		req.reply <- result{err: err}
		return false
	}

	if a.state == nil {
		state, err := a.eng.store.LoadLatest(req.ctx, a.id)
		if err != nil {
			req.reply <- result{err: err}
			if errors.Is(err, match.ErrMatchNotFound) {
				// No such match: deregister so the table does not pin
				// actors for garbage ids.
				a.eng.dropActor(a)
				return true
			}
			return false
		}
		a.state = state
		a.finished.Store(state.Status == match.StatusFinished)
		log.Debug().
			Str("match_id", a.id.String()).
			Uint64("version", state.Version).
			Msg("actor hydrated from store")
	}

	now := a.eng.clock.Now()

	if req.cmd == nil {
		req.reply <- result{snap: a.state.Snapshot(now)}
		return false
	}

	entry, err := a.state.Apply(*req.cmd, now)
	if err != nil {
		req.reply <- result{err: err}
		return false
	}

	snap := a.state.Snapshot(now)
	evt, evtErr := events.ForCommand(*req.cmd, snap, entry, now)
	if evtErr != nil {
		log.Error().Err(evtErr).Str("match_id", a.id.String()).Msg("event envelope build failed")
	}

	var entries []match.LedgerEntry
	if entry != nil {
		entries = []match.LedgerEntry{*entry}
	}
	a.effectCh <- effect{
		state:   a.state.Clone(),
		entries: entries,
		snap:    snap,
		evt:     evt,
	}

	req.reply <- result{snap: snap}

	if req.cmd.Type == match.CommandFinishMatch {
		a.finished.Store(true)
		a.eng.scheduleEviction(a.id)
	}
	return false
}
