package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/courtside/scoreboard/go/internal/events"
	"github.com/courtside/scoreboard/go/internal/match"
)

// memStore is an in-memory Store double. Save failures can be injected
// to exercise the broadcast-before-persist contract.
type memStore struct {
	mu      sync.Mutex
	states  map[uuid.UUID]*match.Match
	ledgers map[uuid.UUID][]match.LedgerEntry
	saveErr error
	saves   int
}

func newMemStore() *memStore {
	return &memStore{
		states:  make(map[uuid.UUID]*match.Match),
		ledgers: make(map[uuid.UUID][]match.LedgerEntry),
	}
}

func (s *memStore) Save(ctx context.Context, state *match.Match, entries []match.LedgerEntry, evt events.Envelope) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saves++
	if s.saveErr != nil {
		return s.saveErr
	}
	if cur, ok := s.states[state.ID]; !ok || state.Version > cur.Version {
		s.states[state.ID] = state.Clone()
	}
	s.ledgers[state.ID] = append(s.ledgers[state.ID], entries...)
	return nil
}

func (s *memStore) LoadLatest(ctx context.Context, matchID uuid.UUID) (*match.Match, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	state, ok := s.states[matchID]
	if !ok {
		return nil, match.ErrMatchNotFound
	}
	return state.Clone(), nil
}

func (s *memStore) ledgerLen(matchID uuid.UUID) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.ledgers[matchID])
}

func (s *memStore) setSaveErr(err error) {
	s.mu.Lock()
	s.saveErr = err
	s.mu.Unlock()
}

// memBroadcaster records every broadcast snapshot and signals arrivals.
type memBroadcaster struct {
	mu    sync.Mutex
	snaps []match.Snapshot
	seen  chan match.Snapshot
}

func newMemBroadcaster() *memBroadcaster {
	return &memBroadcaster{seen: make(chan match.Snapshot, 1024)}
}

func (b *memBroadcaster) Broadcast(matchID uuid.UUID, snap match.Snapshot) {
	b.mu.Lock()
	b.snaps = append(b.snaps, snap)
	b.mu.Unlock()
	b.seen <- snap
}

func (b *memBroadcaster) waitFor(t *testing.T, version uint64) match.Snapshot {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case snap := <-b.seen:
			if snap.Version >= version {
				return snap
			}
		case <-deadline:
			t.Fatalf("no broadcast with version >= %d", version)
		}
	}
}

type staticPresence int

func (p staticPresence) Subscribers(uuid.UUID) int { return int(p) }

func newTestEngine(t *testing.T, store *memStore, b Broadcaster, clock clockwork.Clock) *Engine {
	t.Helper()
	if b == nil {
		b = newMemBroadcaster()
	}
	e := New(store, b, staticPresence(0), clock, Config{
		CommandBuffer: 16,
		EffectBuffer:  64,
		IdleEviction:  time.Minute,
	})
	t.Cleanup(e.Close)
	return e
}

func createLiveMatch(t *testing.T, e *Engine) uuid.UUID {
	t.Helper()
	snap, err := e.CreateMatch(context.Background(), CreateMatchParams{
		HomeTeamID:         uuid.New(),
		HomeTeamName:       "Hawks",
		AwayTeamID:         uuid.New(),
		AwayTeamName:       "Bulls",
		QuarterDurationSec: 600,
		TimeoutDurationSec: 60,
	})
	if err != nil {
		t.Fatalf("CreateMatch: %v", err)
	}
	if _, err := e.Submit(context.Background(), match.Command{
		MatchID: snap.MatchID, Type: match.CommandStartMatch,
	}); err != nil {
		t.Fatalf("StartMatch: %v", err)
	}
	return snap.MatchID
}

func TestCreateMatchPersistsScheduledSnapshot(t *testing.T) {
	store := newMemStore()
	e := newTestEngine(t, store, nil, clockwork.NewFakeClock())

	snap, err := e.CreateMatch(context.Background(), CreateMatchParams{
		HomeTeamID: uuid.New(), AwayTeamID: uuid.New(),
		HomeTeamName: "Hawks", AwayTeamName: "Bulls",
	})
	if err != nil {
		t.Fatalf("CreateMatch: %v", err)
	}
	if snap.Status != match.StatusScheduled || snap.Version != 1 {
		t.Errorf("create snapshot status=%s version=%d", snap.Status, snap.Version)
	}
	// Defaults applied for omitted durations.
	if snap.Clock.RemainingSeconds != DefaultConfig().DefaultQuarterSec {
		t.Errorf("default quarter = %d", snap.Clock.RemainingSeconds)
	}
	if _, err := store.LoadLatest(context.Background(), snap.MatchID); err != nil {
		t.Errorf("match not persisted: %v", err)
	}
}

func TestSubmitUnknownMatch(t *testing.T) {
	e := newTestEngine(t, newMemStore(), nil, clockwork.NewFakeClock())
	_, err := e.Submit(context.Background(), match.Command{
		MatchID: uuid.New(), Type: match.CommandStartMatch,
	})
	if !errors.Is(err, match.ErrMatchNotFound) {
		t.Errorf("Submit on unknown id = %v, want ErrMatchNotFound", err)
	}
}

func TestConcurrentFoulsAreExact(t *testing.T) {
	store := newMemStore()
	e := newTestEngine(t, store, nil, clockwork.NewFakeClock())
	id := createLiveMatch(t, e)

	const n = 50
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := e.Submit(context.Background(), match.Command{
				MatchID: id, Type: match.CommandAddFoul, Team: match.TeamHome,
			}); err != nil {
				t.Errorf("AddFoul: %v", err)
			}
		}()
	}
	wg.Wait()

	snap, err := e.Snapshot(context.Background(), id)
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if snap.HomeFouls != n {
		t.Errorf("home fouls = %d, want exactly %d", snap.HomeFouls, n)
	}
	// Start + 50 fouls on top of the created aggregate.
	if snap.Version != uint64(2+n) {
		t.Errorf("version = %d, want %d", snap.Version, 2+n)
	}
}

func TestSnapshotReadsAreSerializedBehindCommands(t *testing.T) {
	store := newMemStore()
	e := newTestEngine(t, store, nil, clockwork.NewFakeClock())
	id := createLiveMatch(t, e)

	for i := 0; i < 10; i++ {
		points := i%3 + 1
		if _, err := e.Submit(context.Background(), match.Command{
			MatchID: id, Type: match.CommandAddScore, Team: match.TeamHome, Points: points,
		}); err != nil {
			t.Fatalf("AddScore %d: %v", i, err)
		}
	}

	snap, err := e.Snapshot(context.Background(), id)
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	// 1+2+3 repeated: 10 commands worth of points.
	want := 0
	for i := 0; i < 10; i++ {
		want += i%3 + 1
	}
	if snap.HomeScore != want {
		t.Errorf("late snapshot score = %d, want %d", snap.HomeScore, want)
	}
}

func TestCancelledContextHasNoSideEffects(t *testing.T) {
	store := newMemStore()
	e := newTestEngine(t, store, nil, clockwork.NewFakeClock())
	id := createLiveMatch(t, e)

	before, err := e.Snapshot(context.Background(), id)
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := e.Submit(ctx, match.Command{
		MatchID: id, Type: match.CommandAddFoul, Team: match.TeamHome,
	}); !errors.Is(err, context.Canceled) {
		t.Fatalf("Submit with cancelled ctx = %v, want context.Canceled", err)
	}

	after, err := e.Snapshot(context.Background(), id)
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if after.Version != before.Version || after.HomeFouls != before.HomeFouls {
		t.Errorf("cancelled command mutated state: before=%+v after=%+v", before, after)
	}
}

func TestBroadcastDoesNotWaitForFailingStore(t *testing.T) {
	store := newMemStore()
	b := newMemBroadcaster()
	e := newTestEngine(t, store, b, clockwork.NewFakeClock())
	id := createLiveMatch(t, e)

	store.setSaveErr(errors.New("database down"))

	snap, err := e.Submit(context.Background(), match.Command{
		MatchID: id, Type: match.CommandAddScore, Team: match.TeamAway, Points: 3,
	})
	if err != nil {
		t.Fatalf("Submit during store outage: %v", err)
	}
	got := b.waitFor(t, snap.Version)
	if got.AwayScore != 3 {
		t.Errorf("broadcast snapshot score = %d, want 3", got.AwayScore)
	}
}

func TestBroadcastVersionsAreMonotonic(t *testing.T) {
	store := newMemStore()
	b := newMemBroadcaster()
	e := newTestEngine(t, store, b, clockwork.NewFakeClock())
	id := createLiveMatch(t, e)

	var last match.Snapshot
	for i := 0; i < 5; i++ {
		var err error
		last, err = e.Submit(context.Background(), match.Command{
			MatchID: id, Type: match.CommandAddScore, Team: match.TeamHome, Points: 2,
		})
		if err != nil {
			t.Fatalf("AddScore: %v", err)
		}
	}
	b.waitFor(t, last.Version)

	b.mu.Lock()
	defer b.mu.Unlock()
	var prev uint64
	for _, snap := range b.snaps {
		if snap.Version <= prev {
			t.Fatalf("broadcast versions not strictly increasing: %d after %d", snap.Version, prev)
		}
		prev = snap.Version
	}
}

func TestActorHydratesFromStore(t *testing.T) {
	store := newMemStore()
	first := newTestEngine(t, store, nil, clockwork.NewFakeClock())
	id := createLiveMatch(t, first)
	want, err := first.Submit(context.Background(), match.Command{
		MatchID: id, Type: match.CommandAddScore, Team: match.TeamHome, Points: 2,
	})
	if err != nil {
		t.Fatalf("AddScore: %v", err)
	}
	first.Close()

	// A fresh engine over the same store picks the match up where the
	// old one left it.
	second := newTestEngine(t, store, nil, clockwork.NewFakeClock())
	snap, err := second.Snapshot(context.Background(), id)
	if err != nil {
		t.Fatalf("Snapshot after restart: %v", err)
	}
	if snap.Version != want.Version || snap.HomeScore != want.HomeScore {
		t.Errorf("hydrated snapshot = %+v, want version=%d score=%d", snap, want.Version, want.HomeScore)
	}
}

func TestFinishedMatchActorIsEvicted(t *testing.T) {
	store := newMemStore()
	clock := clockwork.NewFakeClock()
	e := newTestEngine(t, store, nil, clock)
	id := createLiveMatch(t, e)

	if _, err := e.Submit(context.Background(), match.Command{
		MatchID: id, Type: match.CommandFinishMatch,
	}); err != nil {
		t.Fatalf("FinishMatch: %v", err)
	}

	// The idle timer is armed after the reply is sent; wait for it to
	// exist before advancing past it.
	clock.BlockUntil(1)
	clock.Advance(2 * time.Minute)

	deadline := time.Now().Add(2 * time.Second)
	for {
		e.mu.Lock()
		_, alive := e.actors[id]
		e.mu.Unlock()
		if !alive {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("finished actor was not evicted")
		}
		time.Sleep(5 * time.Millisecond)
	}

	// The match is still reachable: a fresh actor hydrates from the store.
	snap, err := e.Snapshot(context.Background(), id)
	if err != nil {
		t.Fatalf("Snapshot after eviction: %v", err)
	}
	if snap.Status != match.StatusFinished {
		t.Errorf("status after rehydration = %s, want FINISHED", snap.Status)
	}
}

func TestLedgerEntriesReachStore(t *testing.T) {
	store := newMemStore()
	b := newMemBroadcaster()
	e := newTestEngine(t, store, b, clockwork.NewFakeClock())
	id := createLiveMatch(t, e)

	var last match.Snapshot
	for i := 0; i < 3; i++ {
		var err error
		last, err = e.Submit(context.Background(), match.Command{
			MatchID: id, Type: match.CommandAddScore, Team: match.TeamHome, Points: 2,
		})
		if err != nil {
			t.Fatalf("AddScore: %v", err)
		}
	}
	b.waitFor(t, last.Version)

	// Saves run asynchronously behind the broadcast.
	deadline := time.Now().Add(2 * time.Second)
	for store.ledgerLen(id) < 3 {
		if time.Now().After(deadline) {
			t.Fatalf("ledger entries persisted = %d, want 3", store.ledgerLen(id))
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// gatedStore blocks LoadLatest until its gate opens, holding an actor
// inside hydration at a known point.
type gatedStore struct {
	*memStore
	gate chan struct{}
}

func (s *gatedStore) LoadLatest(ctx context.Context, matchID uuid.UUID) (*match.Match, error) {
	<-s.gate
	return s.memStore.LoadLatest(ctx, matchID)
}

func TestQueuedReadSurvivesActorShutdown(t *testing.T) {
	// The shutdown/queued-request interleaving depends on select order,
	// so run the race repeatedly; no iteration may lose a read.
	for i := 0; i < 12; i++ {
		mem := newMemStore()
		gs := &gatedStore{memStore: mem, gate: make(chan struct{})}
		e := New(gs, newMemBroadcaster(), staticPresence(0), clockwork.NewRealClock(), Config{
			CommandBuffer: 16,
			EffectBuffer:  64,
			IdleEviction:  time.Minute,
		})

		now := time.Now()
		m, err := match.New(uuid.New(), uuid.New(), uuid.New(), "Hawks", "Bulls", 600, 60, now)
		if err != nil {
			t.Fatalf("match.New: %v", err)
		}
		mem.mu.Lock()
		mem.states[m.ID] = m
		mem.mu.Unlock()

		errA := make(chan error, 1)
		errB := make(chan error, 1)
		go func() {
			_, err := e.Snapshot(context.Background(), m.ID)
			errA <- err
		}()

		deadline := time.Now().Add(2 * time.Second)
		var a *actor
		for a == nil {
			e.mu.Lock()
			a = e.actors[m.ID]
			e.mu.Unlock()
			if time.Now().After(deadline) {
				t.Fatal("actor never spawned")
			}
			time.Sleep(time.Millisecond)
		}

		go func() {
			_, err := e.Snapshot(context.Background(), m.ID)
			errB <- err
		}()
		for len(a.reqCh) == 0 {
			if time.Now().After(deadline) {
				t.Fatal("second read never queued")
			}
			time.Sleep(time.Millisecond)
		}

		// Mimic idle eviction: deregister the actor, then stop it while a
		// read is still sitting in its queue.
		e.mu.Lock()
		delete(e.actors, m.ID)
		e.mu.Unlock()
		stopped := make(chan struct{})
		go func() {
			a.stop()
			close(stopped)
		}()
		close(gs.gate)

		for _, ch := range []chan error{errA, errB} {
			select {
			case err := <-ch:
				if err != nil {
					t.Fatalf("iteration %d: read failed: %v", i, err)
				}
			case <-time.After(2 * time.Second):
				t.Fatalf("iteration %d: read never completed", i)
			}
		}
		<-stopped
		e.Close()
	}
}

// queuedSaveErr mimics a store failure that was absorbed into an async
// retry queue.
type queuedSaveErr struct{ err error }

func (e queuedSaveErr) Error() string        { return e.err.Error() }
func (e queuedSaveErr) QueuedForRetry() bool { return true }

func TestCreateMatchSucceedsWhenSaveIsQueued(t *testing.T) {
	store := newMemStore()
	store.setSaveErr(queuedSaveErr{errors.New("connection refused")})
	e := newTestEngine(t, store, nil, clockwork.NewRealClock())

	snap, err := e.CreateMatch(context.Background(), CreateMatchParams{
		HomeTeamID:   uuid.New(),
		HomeTeamName: "Hawks",
		AwayTeamID:   uuid.New(),
		AwayTeamName: "Bulls",
	})
	if err != nil {
		t.Fatalf("CreateMatch with queued save: %v", err)
	}
	if snap.MatchID == uuid.Nil {
		t.Error("snapshot missing match id")
	}

	// A failure the store did not absorb still surfaces.
	store.setSaveErr(errors.New("unique_violation"))
	if _, err := e.CreateMatch(context.Background(), CreateMatchParams{
		HomeTeamID:   uuid.New(),
		HomeTeamName: "Hawks",
		AwayTeamID:   uuid.New(),
		AwayTeamName: "Bulls",
	}); err == nil {
		t.Error("CreateMatch should surface a non-queued save error")
	}
}
