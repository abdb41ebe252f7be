package events

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/courtside/scoreboard/go/internal/match"
)

// Event types emitted on the external fan-out stream. One event is
// produced per applied command, written to the outbox in the same
// transaction as the snapshot save.
const (
	TypeMatchCreated    = "match.created"
	TypeMatchStarted    = "match.started"
	TypeScoreAdded      = "score.added"
	TypeScoreAdjusted   = "score.adjusted"
	TypeFoulAdded       = "foul.added"
	TypeFoulAdjusted    = "foul.adjusted"
	TypeTimerStarted    = "timer.started"
	TypeTimerPaused     = "timer.paused"
	TypeTimerResumed    = "timer.resumed"
	TypeTimerReset      = "timer.reset"
	TypeTimeoutStarted  = "timeout.started"
	TypeQuarterAdvanced = "quarter.advanced"
	TypeMatchFinished   = "match.finished"
)

// Envelope is the broker-agnostic message shape shared by the NATS,
// Kafka and AMQP publishers.
type Envelope struct {
	EventID    uuid.UUID       `json:"event_id"`
	MatchID    uuid.UUID       `json:"match_id"`
	EventType  string          `json:"event_type"`
	Version    uint64          `json:"version"`
	OccurredAt time.Time       `json:"occurred_at"`
	Payload    json.RawMessage `json:"payload"`
}

// CommandAppliedPayload carries the post-command snapshot plus the ledger
// entry the command produced, if any.
type CommandAppliedPayload struct {
	Command  match.CommandType  `json:"command"`
	Snapshot match.Snapshot     `json:"snapshot"`
	Entry    *match.LedgerEntry `json:"entry,omitempty"`
	IssuedBy string             `json:"issued_by,omitempty"`
}

var commandEventTypes = map[match.CommandType]string{
	match.CommandStartMatch:         TypeMatchStarted,
	match.CommandAddScore:           TypeScoreAdded,
	match.CommandAdjustScore:        TypeScoreAdjusted,
	match.CommandAddFoul:            TypeFoulAdded,
	match.CommandAdjustFoul:         TypeFoulAdjusted,
	match.CommandStartTimer:         TypeTimerStarted,
	match.CommandPauseTimer:         TypeTimerPaused,
	match.CommandResumeTimer:        TypeTimerResumed,
	match.CommandResetTimer:         TypeTimerReset,
	match.CommandStartTimeout:       TypeTimeoutStarted,
	match.CommandAdvanceQuarter:     TypeQuarterAdvanced,
	match.CommandAutoAdvanceQuarter: TypeQuarterAdvanced,
	match.CommandFinishMatch:        TypeMatchFinished,
}

// ForCommand builds the envelope for an applied command.
func ForCommand(cmd match.Command, snap match.Snapshot, entry *match.LedgerEntry, occurredAt time.Time) (Envelope, error) {
	payload, err := json.Marshal(CommandAppliedPayload{
		Command:  cmd.Type,
		Snapshot: snap,
		Entry:    entry,
		IssuedBy: cmd.IssuedBy,
	})
	if err != nil {
		return Envelope{}, err
	}
	eventType, ok := commandEventTypes[cmd.Type]
	if !ok {
		eventType = string(cmd.Type)
	}
	return Envelope{
		EventID:    uuid.New(),
		MatchID:    snap.MatchID,
		EventType:  eventType,
		Version:    snap.Version,
		OccurredAt: occurredAt.UTC(),
		Payload:    payload,
	}, nil
}

// ForCreated builds the envelope for a newly scheduled match.
func ForCreated(snap match.Snapshot, occurredAt time.Time) (Envelope, error) {
	payload, err := json.Marshal(CommandAppliedPayload{Snapshot: snap})
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{
		EventID:    uuid.New(),
		MatchID:    snap.MatchID,
		EventType:  TypeMatchCreated,
		Version:    snap.Version,
		OccurredAt: occurredAt.UTC(),
		Payload:    payload,
	}, nil
}
