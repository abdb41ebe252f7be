package outbox

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// OutboxEvent is one unsent fan-out event row.
type OutboxEvent struct {
	ID        uuid.UUID       `json:"id"`
	MatchID   uuid.UUID       `json:"match_id"`
	EventType string          `json:"event_type"`
	Version   uint64          `json:"version"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
	SentAt    *time.Time      `json:"sent_at,omitempty"`
}

// envelope is the on-wire shape shared by every publisher backend.
func (e OutboxEvent) envelope() ([]byte, error) {
	return json.Marshal(map[string]interface{}{
		"eventId":   e.ID.String(),
		"eventType": e.EventType,
		"matchId":   e.MatchID.String(),
		"version":   e.Version,
		"timestamp": e.CreatedAt,
		"payload":   e.Payload,
	})
}
