package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog/log"

	"github.com/courtside/scoreboard/go/internal/engine"
	"github.com/courtside/scoreboard/go/internal/match"
)

// LedgerReader pages through a match's play-by-play ledger.
type LedgerReader interface {
	LedgerPage(ctx context.Context, matchID uuid.UUID, limit, offset int) ([]match.LedgerEntry, error)
}

// CommandHandler exposes the REST surface: match lifecycle, snapshot
// reads, ledger reads and command submission.
type CommandHandler struct {
	engine *engine.Engine
	ledger LedgerReader
}

// NewCommandHandler creates the REST handler.
func NewCommandHandler(eng *engine.Engine, ledger LedgerReader) *CommandHandler {
	return &CommandHandler{engine: eng, ledger: ledger}
}

type createMatchRequest struct {
	MatchID                string `json:"match_id,omitempty"`
	HomeTeamID             string `json:"home_team_id"`
	HomeTeamName           string `json:"home_team_name"`
	AwayTeamID             string `json:"away_team_id"`
	AwayTeamName           string `json:"away_team_name"`
	QuarterDurationSeconds int    `json:"quarter_duration_seconds,omitempty"`
	TimeoutDurationSeconds int    `json:"timeout_duration_seconds,omitempty"`
}

// HandleCreateMatch registers a new Scheduled match. Admin only.
func (h *CommandHandler) HandleCreateMatch(w http.ResponseWriter, r *http.Request) {
	var req createMatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "malformed request body")
		return
	}

	params := engine.CreateMatchParams{
		HomeTeamName:       req.HomeTeamName,
		AwayTeamName:       req.AwayTeamName,
		QuarterDurationSec: req.QuarterDurationSeconds,
		TimeoutDurationSec: req.TimeoutDurationSeconds,
	}
	var err error
	if req.MatchID != "" {
		if params.MatchID, err = uuid.Parse(req.MatchID); err != nil {
			writeJSONError(w, http.StatusBadRequest, "invalid match_id format")
			return
		}
	}
	if params.HomeTeamID, err = uuid.Parse(req.HomeTeamID); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid home_team_id format")
		return
	}
	if params.AwayTeamID, err = uuid.Parse(req.AwayTeamID); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid away_team_id format")
		return
	}

	snap, err := h.engine.CreateMatch(r.Context(), params)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, snap)
}

// HandleGetMatch serves the current snapshot.
func (h *CommandHandler) HandleGetMatch(w http.ResponseWriter, r *http.Request) {
	matchID, ok := matchIDFromRequest(w, r)
	if !ok {
		return
	}
	snap, err := h.engine.Snapshot(r.Context(), matchID)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// HandleGetLedger serves a page of the match's play ledger.
func (h *CommandHandler) HandleGetLedger(w http.ResponseWriter, r *http.Request) {
	matchID, ok := matchIDFromRequest(w, r)
	if !ok {
		return
	}
	limit := intQuery(r, "limit", 100)
	offset := intQuery(r, "offset", 0)
	entries, err := h.ledger.LedgerPage(r.Context(), matchID, limit, offset)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"match_id": matchID,
		"entries":  entries,
	})
}

type commandRequest struct {
	Type     match.CommandType `json:"type"`
	Team     match.TeamSide    `json:"team,omitempty"`
	Points   int               `json:"points,omitempty"`
	Delta    int               `json:"delta,omitempty"`
	PlayerID string            `json:"player_id,omitempty"`
	FoulType string            `json:"foul_type,omitempty"`
}

// HandleSubmitCommand applies one command to a match and returns the
// resulting snapshot. Control or Admin only; rejection reasons go to the
// caller alone, never onto the broadcast stream.
func (h *CommandHandler) HandleSubmitCommand(w http.ResponseWriter, r *http.Request) {
	matchID, ok := matchIDFromRequest(w, r)
	if !ok {
		return
	}

	var req commandRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "malformed request body")
		return
	}

	cmd := match.Command{
		MatchID:  matchID,
		Type:     req.Type,
		Team:     req.Team,
		Points:   req.Points,
		Delta:    req.Delta,
		FoulType: req.FoulType,
	}
	if identity, ok := IdentityFromContext(r.Context()); ok {
		cmd.IssuedBy = identity.UserID
	}
	if req.PlayerID != "" {
		playerID, err := uuid.Parse(req.PlayerID)
		if err != nil {
			writeJSONError(w, http.StatusBadRequest, "invalid player_id format")
			return
		}
		cmd.PlayerID = &playerID
	}

	snap, err := h.engine.Submit(r.Context(), cmd)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// HandleHealth is the liveness probe.
func (h *CommandHandler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write([]byte("OK")); err != nil {
		log.Error().Err(err).Msg("failed to write health check response")
	}
}

func matchIDFromRequest(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	matchID, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid match id format")
		return uuid.Nil, false
	}
	return matchID, true
}

func intQuery(r *http.Request, key string, fallback int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return fallback
	}
	return v
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Error().Err(err).Msg("failed to encode response")
	}
}

// writeEngineError maps the engine's error taxonomy onto HTTP statuses.
// Structured reasons go back to the caller only.
func writeEngineError(w http.ResponseWriter, err error) {
	switch {
	case match.IsValidation(err):
		writeJSONError(w, http.StatusBadRequest, err.Error())
	case match.IsStateConflict(err):
		writeJSONError(w, http.StatusConflict, err.Error())
	case errors.Is(err, match.ErrMatchNotFound):
		writeJSONError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		writeJSONError(w, http.StatusGatewayTimeout, "command cancelled before processing")
	default:
		log.Error().Err(err).Msg("command failed")
		writeJSONError(w, http.StatusInternalServerError, "internal error")
	}
}
