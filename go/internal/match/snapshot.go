package match

import (
	"time"

	"github.com/google/uuid"
)

// ClockView is the wire projection of the active clock. Remaining time
// is computed at snapshot time; consumers needing a live countdown must
// re-derive against their own wall clock.
type ClockView struct {
	Mode             ClockMode `json:"mode"`
	RemainingSeconds int       `json:"remainingSeconds"`
	Running          bool      `json:"running"`
}

// Snapshot is a versioned read-only projection of the aggregate. It is
// what gets persisted and broadcast; the version counter lets consumers
// discard stale or out-of-order deliveries after a reconnect.
type Snapshot struct {
	MatchID      uuid.UUID  `json:"matchId"`
	Version      uint64     `json:"version"`
	Status       Status     `json:"status"`
	HomeTeam     string     `json:"homeTeam"`
	AwayTeam     string     `json:"awayTeam"`
	Quarter      int        `json:"quarter"`
	HomeScore    int        `json:"homeScore"`
	AwayScore    int        `json:"awayScore"`
	HomeFouls    int        `json:"homeFouls"`
	AwayFouls    int        `json:"awayFouls"`
	WinnerTeamID *uuid.UUID `json:"winnerTeamId,omitempty"`
	Clock        ClockView  `json:"clock"`
}

// Snapshot projects the aggregate at the given instant.
func (m *Match) Snapshot(now time.Time) Snapshot {
	active := m.activeClock()
	var winner *uuid.UUID
	if m.WinnerTeamID != nil {
		id := *m.WinnerTeamID
		winner = &id
	}
	return Snapshot{
		MatchID:      m.ID,
		Version:      m.Version,
		Status:       m.Status,
		HomeTeam:     m.HomeTeamName,
		AwayTeam:     m.AwayTeamName,
		Quarter:      m.Quarter,
		HomeScore:    m.HomeScore,
		AwayScore:    m.AwayScore,
		HomeFouls:    m.HomeFouls,
		AwayFouls:    m.AwayFouls,
		WinnerTeamID: winner,
		Clock: ClockView{
			Mode:             active.Mode,
			RemainingSeconds: active.Remaining(now),
			Running:          active.Running,
		},
	}
}
