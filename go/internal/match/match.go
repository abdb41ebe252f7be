package match

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of a match. Transitions only move
// forward: Scheduled -> Live -> Finished.
type Status string

const (
	StatusScheduled Status = "SCHEDULED"
	StatusLive      Status = "LIVE"
	StatusFinished  Status = "FINISHED"
)

// Match is the authoritative aggregate for one game. It is mutated only
// through Apply, and only ever by the single actor goroutine that owns
// the match id — nothing here needs a lock.
type Match struct {
	ID           uuid.UUID `json:"id"`
	HomeTeamID   uuid.UUID `json:"home_team_id"`
	HomeTeamName string    `json:"home_team_name"`
	AwayTeamID   uuid.UUID `json:"away_team_id"`
	AwayTeamName string    `json:"away_team_name"`

	Status             Status `json:"status"`
	Quarter            int    `json:"quarter"`
	QuarterDurationSec int    `json:"quarter_duration_sec"`
	TimeoutDurationSec int    `json:"timeout_duration_sec"`

	HomeScore int `json:"home_score"`
	AwayScore int `json:"away_score"`
	HomeFouls int `json:"home_fouls"`
	AwayFouls int `json:"away_fouls"`

	// Adjustment deltas applied outside the ledger. Counters always equal
	// the ledger sums plus these, which is what Recount verifies.
	HomeScoreAdj int `json:"home_score_adj"`
	AwayScoreAdj int `json:"away_score_adj"`
	HomeFoulAdj  int `json:"home_foul_adj"`
	AwayFoulAdj  int `json:"away_foul_adj"`

	// ActiveMode selects which clock the timer commands address. Period
	// and Timeout clocks never run at the same time.
	ActiveMode   ClockMode `json:"active_mode"`
	PeriodClock  Clock     `json:"period_clock"`
	TimeoutClock Clock     `json:"timeout_clock"`

	WinnerTeamID *uuid.UUID `json:"winner_team_id,omitempty"`

	Version   uint64    `json:"version"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// New creates a Scheduled match with a fresh period clock.
func New(id, homeID, awayID uuid.UUID, homeName, awayName string, quarterSec, timeoutSec int, now time.Time) (*Match, error) {
	if id == uuid.Nil {
		return nil, newValidation("match_id", "must be set")
	}
	if homeID == uuid.Nil || awayID == uuid.Nil {
		return nil, newValidation("team_id", "home and away team ids must be set")
	}
	if quarterSec <= 0 {
		return nil, newValidation("quarter_duration_seconds", "must be positive")
	}
	if timeoutSec <= 0 {
		return nil, newValidation("timeout_duration_seconds", "must be positive")
	}
	now = now.UTC()
	return &Match{
		ID:                 id,
		HomeTeamID:         homeID,
		HomeTeamName:       homeName,
		AwayTeamID:         awayID,
		AwayTeamName:       awayName,
		Status:             StatusScheduled,
		Quarter:            1,
		QuarterDurationSec: quarterSec,
		TimeoutDurationSec: timeoutSec,
		ActiveMode:         ClockModePeriod,
		PeriodClock:        NewClock(ClockModePeriod, quarterSec),
		TimeoutClock:       NewClock(ClockModeTimeout, timeoutSec),
		Version:            1,
		CreatedAt:          now,
		UpdatedAt:          now,
	}, nil
}

// Apply validates and applies one command. On success the version is
// bumped and the optional new ledger entry is returned; on failure the
// aggregate is guaranteed unchanged.
func (m *Match) Apply(cmd Command, now time.Time) (*LedgerEntry, error) {
	if err := cmd.Validate(); err != nil {
		return nil, err
	}
	if cmd.MatchID != m.ID {
		return nil, ErrMatchNotFound
	}

	var (
		entry *LedgerEntry
		err   error
	)
	switch cmd.Type {
	case CommandStartMatch:
		err = m.start()
	case CommandAddScore:
		entry, err = m.addScore(cmd, now)
	case CommandAdjustScore:
		err = m.adjustScore(cmd)
	case CommandAddFoul:
		entry, err = m.addFoul(cmd, now)
	case CommandAdjustFoul:
		err = m.adjustFoul(cmd)
	case CommandStartTimer:
		err = m.startTimer(now)
	case CommandPauseTimer:
		err = m.pauseTimer(now)
	case CommandResumeTimer:
		err = m.resumeTimer(now)
	case CommandResetTimer:
		err = m.resetTimer()
	case CommandStartTimeout:
		err = m.startTimeout(now)
	case CommandAdvanceQuarter:
		err = m.advanceQuarter(false, now)
	case CommandAutoAdvanceQuarter:
		err = m.advanceQuarter(true, now)
	case CommandFinishMatch:
		err = m.finish(now)
	default:
		err = newValidation("type", "unknown command type")
	}
	if err != nil {
		return nil, err
	}

	m.Version++
	m.UpdatedAt = now.UTC()
	return entry, nil
}

func (m *Match) requireLive() error {
	if m.Status != StatusLive {
		return newStateConflict(ReasonNotLive, fmt.Sprintf("match is %s, command requires LIVE", m.Status))
	}
	return nil
}

func (m *Match) start() error {
	if m.Status != StatusScheduled {
		return newStateConflict(ReasonInvalidTransition, fmt.Sprintf("cannot start a %s match", m.Status))
	}
	m.Status = StatusLive
	m.ActiveMode = ClockModePeriod
	m.PeriodClock = m.PeriodClock.Reset(m.QuarterDurationSec)
	return nil
}

func (m *Match) teamID(side TeamSide) uuid.UUID {
	if side == TeamHome {
		return m.HomeTeamID
	}
	return m.AwayTeamID
}

func (m *Match) addScore(cmd Command, now time.Time) (*LedgerEntry, error) {
	if err := m.requireLive(); err != nil {
		return nil, err
	}
	entry := &LedgerEntry{
		ID:           uuid.New(),
		MatchID:      m.ID,
		Kind:         EntryScore,
		TeamID:       m.teamID(cmd.Team),
		PlayerID:     cmd.PlayerID,
		Points:       cmd.Points,
		RegisteredAt: now.UTC(),
	}
	if cmd.Team == TeamHome {
		m.HomeScore += cmd.Points
	} else {
		m.AwayScore += cmd.Points
	}
	return entry, nil
}

func (m *Match) adjustScore(cmd Command) error {
	if err := m.requireLive(); err != nil {
		return err
	}
	if cmd.Team == TeamHome {
		applied := clampDelta(m.HomeScore, cmd.Delta)
		m.HomeScore += applied
		m.HomeScoreAdj += applied
	} else {
		applied := clampDelta(m.AwayScore, cmd.Delta)
		m.AwayScore += applied
		m.AwayScoreAdj += applied
	}
	return nil
}

func (m *Match) addFoul(cmd Command, now time.Time) (*LedgerEntry, error) {
	if err := m.requireLive(); err != nil {
		return nil, err
	}
	entry := &LedgerEntry{
		ID:           uuid.New(),
		MatchID:      m.ID,
		Kind:         EntryFoul,
		TeamID:       m.teamID(cmd.Team),
		PlayerID:     cmd.PlayerID,
		FoulType:     cmd.FoulType,
		RegisteredAt: now.UTC(),
	}
	if cmd.Team == TeamHome {
		m.HomeFouls++
	} else {
		m.AwayFouls++
	}
	return entry, nil
}

func (m *Match) adjustFoul(cmd Command) error {
	if err := m.requireLive(); err != nil {
		return err
	}
	if cmd.Team == TeamHome {
		applied := clampDelta(m.HomeFouls, cmd.Delta)
		m.HomeFouls += applied
		m.HomeFoulAdj += applied
	} else {
		applied := clampDelta(m.AwayFouls, cmd.Delta)
		m.AwayFouls += applied
		m.AwayFoulAdj += applied
	}
	return nil
}

// clampDelta trims a negative delta so the counter never drops below
// zero. The trimmed value is what gets recorded as the adjustment, which
// keeps the ledger-plus-adjustments invariant intact.
func clampDelta(current, delta int) int {
	if current+delta < 0 {
		return -current
	}
	return delta
}

func (m *Match) activeClock() Clock {
	if m.ActiveMode == ClockModeTimeout {
		return m.TimeoutClock
	}
	return m.PeriodClock
}

func (m *Match) setActiveClock(c Clock) {
	if m.ActiveMode == ClockModeTimeout {
		m.TimeoutClock = c
	} else {
		m.PeriodClock = c
	}
}

func (m *Match) activeDuration() int {
	if m.ActiveMode == ClockModeTimeout {
		return m.TimeoutDurationSec
	}
	return m.QuarterDurationSec
}

func (m *Match) startTimer(now time.Time) error {
	if err := m.requireLive(); err != nil {
		return err
	}
	c, err := m.activeClock().Start(m.activeDuration(), now)
	if err != nil {
		return err
	}
	m.setActiveClock(c)
	return nil
}

func (m *Match) pauseTimer(now time.Time) error {
	if err := m.requireLive(); err != nil {
		return err
	}
	c, err := m.activeClock().Pause(now)
	if err != nil {
		return err
	}
	m.setActiveClock(c)
	return nil
}

func (m *Match) resumeTimer(now time.Time) error {
	if err := m.requireLive(); err != nil {
		return err
	}
	c, err := m.activeClock().Resume(now)
	if err != nil {
		return err
	}
	m.setActiveClock(c)
	return nil
}

// resetTimer rearms the active clock. Resetting during a timeout ends
// the timeout and hands the floor back to the period clock, which keeps
// whatever time it had accumulated before the timeout began.
func (m *Match) resetTimer() error {
	if err := m.requireLive(); err != nil {
		return err
	}
	if m.ActiveMode == ClockModeTimeout {
		m.TimeoutClock = m.TimeoutClock.Reset(m.TimeoutDurationSec)
		m.ActiveMode = ClockModePeriod
		return nil
	}
	m.PeriodClock = m.PeriodClock.Reset(m.QuarterDurationSec)
	return nil
}

func (m *Match) startTimeout(now time.Time) error {
	if err := m.requireLive(); err != nil {
		return err
	}
	if m.PeriodClock.Running {
		return newStateConflict(ReasonPeriodMustBePaused, "pause the period clock before starting a timeout")
	}
	if m.ActiveMode == ClockModeTimeout && m.TimeoutClock.Running {
		return newStateConflict(ReasonAlreadyRunning, "a timeout is already running")
	}
	c, err := NewClock(ClockModeTimeout, m.TimeoutDurationSec).Start(m.TimeoutDurationSec, now)
	if err != nil {
		return err
	}
	m.TimeoutClock = c
	m.ActiveMode = ClockModeTimeout
	return nil
}

func (m *Match) advanceQuarter(auto bool, now time.Time) error {
	if err := m.requireLive(); err != nil {
		return err
	}
	if auto && !m.PeriodClock.Expired(now) {
		return newStateConflict(ReasonQuarterNotExpired,
			fmt.Sprintf("%d seconds remain in quarter %d", m.PeriodClock.Remaining(now), m.Quarter))
	}
	m.Quarter++
	m.ActiveMode = ClockModePeriod
	m.PeriodClock = m.PeriodClock.Reset(m.QuarterDurationSec)
	m.TimeoutClock = m.TimeoutClock.Reset(m.TimeoutDurationSec)
	return nil
}

func (m *Match) finish(now time.Time) error {
	if err := m.requireLive(); err != nil {
		return err
	}
	// Stop whichever clock is still running; a finished match never ticks.
	if c, err := m.activeClock().Pause(now); err == nil {
		m.setActiveClock(c)
	}
	m.Status = StatusFinished
	switch {
	case m.HomeScore > m.AwayScore:
		id := m.HomeTeamID
		m.WinnerTeamID = &id
	case m.AwayScore > m.HomeScore:
		id := m.AwayTeamID
		m.WinnerTeamID = &id
	default:
		// Tie: no winner recorded.
		m.WinnerTeamID = nil
	}
	return nil
}

// Recount verifies the counter invariant against the full ledger:
// every counter must equal the sum of its ledger entries plus the
// applied adjustment delta. Used after hydrating from the store.
func (m *Match) Recount(entries []LedgerEntry) error {
	var homeScore, awayScore, homeFouls, awayFouls int
	for _, e := range entries {
		switch e.Kind {
		case EntryScore:
			if e.TeamID == m.HomeTeamID {
				homeScore += e.Points
			} else {
				awayScore += e.Points
			}
		case EntryFoul:
			if e.TeamID == m.HomeTeamID {
				homeFouls++
			} else {
				awayFouls++
			}
		}
	}
	if got := homeScore + m.HomeScoreAdj; got != m.HomeScore {
		return fmt.Errorf("home score mismatch: ledger+adj=%d aggregate=%d", got, m.HomeScore)
	}
	if got := awayScore + m.AwayScoreAdj; got != m.AwayScore {
		return fmt.Errorf("away score mismatch: ledger+adj=%d aggregate=%d", got, m.AwayScore)
	}
	if got := homeFouls + m.HomeFoulAdj; got != m.HomeFouls {
		return fmt.Errorf("home fouls mismatch: ledger+adj=%d aggregate=%d", got, m.HomeFouls)
	}
	if got := awayFouls + m.AwayFoulAdj; got != m.AwayFouls {
		return fmt.Errorf("away fouls mismatch: ledger+adj=%d aggregate=%d", got, m.AwayFouls)
	}
	return nil
}

// Clone returns a deep copy safe to hand to other goroutines.
func (m *Match) Clone() *Match {
	cp := *m
	if m.WinnerTeamID != nil {
		id := *m.WinnerTeamID
		cp.WinnerTeamID = &id
	}
	if m.PeriodClock.AnchorUTC != nil {
		t := *m.PeriodClock.AnchorUTC
		cp.PeriodClock.AnchorUTC = &t
	}
	if m.TimeoutClock.AnchorUTC != nil {
		t := *m.TimeoutClock.AnchorUTC
		cp.TimeoutClock.AnchorUTC = &t
	}
	return &cp
}
