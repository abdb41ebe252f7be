package gateway

import (
	"encoding/json"
	"net/http"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// WebSocketHandler handles websocket upgrade requests for scoreboard
// subscriptions.
type WebSocketHandler struct {
	connectionManager *ConnectionManager
	auth              *AuthMiddleware
}

// NewWebSocketHandler creates a websocket handler.
func NewWebSocketHandler(cm *ConnectionManager, auth *AuthMiddleware) *WebSocketHandler {
	return &WebSocketHandler{connectionManager: cm, auth: auth}
}

// HandleConnection upgrades the request and optionally joins the match
// given by the match_id query parameter. Clients can also join and leave
// matches later with websocket messages.
func (h *WebSocketHandler) HandleConnection(w http.ResponseWriter, r *http.Request) {
	identity, err := h.auth.Resolve(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusUnauthorized)
		return
	}

	var initialMatch *uuid.UUID
	if raw := r.URL.Query().Get("match_id"); raw != "" {
		matchID, err := uuid.Parse(raw)
		if err != nil {
			http.Error(w, "invalid match_id format", http.StatusBadRequest)
			return
		}
		initialMatch = &matchID
	}

	if err := h.connectionManager.UpgradeConnection(w, r, identity.UserID, string(identity.Role), initialMatch); err != nil {
		log.Error().
			Err(err).
			Str("user_id", identity.UserID).
			Msg("failed to upgrade websocket connection")
		return
	}
}

// HandleConnectionStats returns statistics about active connections.
func (h *WebSocketHandler) HandleConnectionStats(w http.ResponseWriter, r *http.Request) {
	total, activeMatches := h.connectionManager.GetConnectionStats()
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]int{
		"total_connections": total,
		"active_matches":    activeMatches,
	})
}
