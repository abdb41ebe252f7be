package match

import "github.com/google/uuid"

// CommandType enumerates every mutation the engine accepts.
type CommandType string

const (
	CommandStartMatch         CommandType = "START_MATCH"
	CommandAddScore           CommandType = "ADD_SCORE"
	CommandAdjustScore        CommandType = "ADJUST_SCORE"
	CommandAddFoul            CommandType = "ADD_FOUL"
	CommandAdjustFoul         CommandType = "ADJUST_FOUL"
	CommandStartTimer         CommandType = "START_TIMER"
	CommandPauseTimer         CommandType = "PAUSE_TIMER"
	CommandResumeTimer        CommandType = "RESUME_TIMER"
	CommandResetTimer         CommandType = "RESET_TIMER"
	CommandStartTimeout       CommandType = "START_TIMEOUT"
	CommandAdvanceQuarter     CommandType = "ADVANCE_QUARTER"
	CommandAutoAdvanceQuarter CommandType = "AUTO_ADVANCE_QUARTER"
	CommandFinishMatch        CommandType = "FINISH_MATCH"
)

// TeamSide names one of the two teams in a match.
type TeamSide string

const (
	TeamHome TeamSide = "HOME"
	TeamAway TeamSide = "AWAY"
)

// Command is a single requested mutation against one match.
type Command struct {
	MatchID  uuid.UUID   `json:"match_id"`
	Type     CommandType `json:"type"`
	Team     TeamSide    `json:"team,omitempty"`
	Points   int         `json:"points,omitempty"`
	Delta    int         `json:"delta,omitempty"`
	PlayerID *uuid.UUID  `json:"player_id,omitempty"`
	FoulType string      `json:"foul_type,omitempty"`
	IssuedBy string      `json:"issued_by,omitempty"`
}

var knownCommands = map[CommandType]bool{
	CommandStartMatch:         true,
	CommandAddScore:           true,
	CommandAdjustScore:        true,
	CommandAddFoul:            true,
	CommandAdjustFoul:         true,
	CommandStartTimer:         true,
	CommandPauseTimer:         true,
	CommandResumeTimer:        true,
	CommandResetTimer:         true,
	CommandStartTimeout:       true,
	CommandAdvanceQuarter:     true,
	CommandAutoAdvanceQuarter: true,
	CommandFinishMatch:        true,
}

// Validate rejects malformed commands before they reach the aggregate.
// Rejection here guarantees no side effects of any kind.
func (c Command) Validate() error {
	if c.MatchID == uuid.Nil {
		return newValidation("match_id", "must be set")
	}
	if !knownCommands[c.Type] {
		return newValidation("type", "unknown command type")
	}

	switch c.Type {
	case CommandAddScore:
		if err := c.validateTeam(); err != nil {
			return err
		}
		if c.Points < 1 || c.Points > 3 {
			return newValidation("points", "must be 1, 2 or 3")
		}
	case CommandAddFoul:
		if err := c.validateTeam(); err != nil {
			return err
		}
	case CommandAdjustScore, CommandAdjustFoul:
		if err := c.validateTeam(); err != nil {
			return err
		}
		if c.Delta == 0 {
			return newValidation("delta", "must be non-zero")
		}
	}
	return nil
}

func (c Command) validateTeam() error {
	if c.Team != TeamHome && c.Team != TeamAway {
		return newValidation("team", "unknown team, must be HOME or AWAY")
	}
	return nil
}
