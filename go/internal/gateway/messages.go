package gateway

import (
	"encoding/json"

	"github.com/courtside/scoreboard/go/internal/match"
)

// Client-to-server message types.
const (
	ClientMsgJoin  = "join"
	ClientMsgLeave = "leave"
)

// Server-to-client message types.
const (
	ServerMsgSnapshot = "snapshot"
	ServerMsgError    = "error"
)

// ClientMessage is what a connection sends to manage its subscriptions.
type ClientMessage struct {
	Type    string `json:"type"`
	MatchID string `json:"match_id"`
}

// ServerMessage wraps everything pushed to a connection.
type ServerMessage struct {
	Type     string          `json:"type"`
	MatchID  string          `json:"match_id,omitempty"`
	Snapshot *match.Snapshot `json:"snapshot,omitempty"`
	Error    string          `json:"error,omitempty"`
}

func snapshotMessage(snap match.Snapshot) ([]byte, error) {
	return json.Marshal(ServerMessage{
		Type:     ServerMsgSnapshot,
		MatchID:  snap.MatchID.String(),
		Snapshot: &snap,
	})
}

func unmarshalClientMessage(data []byte, msg *ClientMessage) error {
	return json.Unmarshal(data, msg)
}

func errorMessage(matchID, msg string) []byte {
	b, _ := json.Marshal(ServerMessage{
		Type:    ServerMsgError,
		MatchID: matchID,
		Error:   msg,
	})
	return b
}
