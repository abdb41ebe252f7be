package match

import (
	"time"

	"github.com/google/uuid"
)

// EntryKind classifies a ledger entry.
type EntryKind string

const (
	EntryScore EntryKind = "SCORE"
	EntryFoul  EntryKind = "FOUL"
)

// LedgerEntry is one recorded play. Entries are append-only and never
// edited or deleted; corrections happen through Adjust commands on the
// aggregate so the ledger stays a trustworthy audit trail.
type LedgerEntry struct {
	ID           uuid.UUID  `json:"id"`
	MatchID      uuid.UUID  `json:"match_id"`
	Kind         EntryKind  `json:"kind"`
	TeamID       uuid.UUID  `json:"team_id"`
	PlayerID     *uuid.UUID `json:"player_id,omitempty"`
	Points       int        `json:"points,omitempty"`
	FoulType     string     `json:"foul_type,omitempty"`
	RegisteredAt time.Time  `json:"registered_at"`
}
