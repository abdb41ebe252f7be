package match

import (
	"errors"
	"fmt"
)

// ErrMatchNotFound is returned when no match exists for the requested id.
var ErrMatchNotFound = errors.New("match not found")

// ConflictReason identifies why a command was legal in form but illegal
// in the match's current state.
type ConflictReason string

const (
	ReasonNotLive            ConflictReason = "NOT_LIVE"
	ReasonInvalidTransition  ConflictReason = "INVALID_TRANSITION"
	ReasonAlreadyRunning     ConflictReason = "ALREADY_RUNNING"
	ReasonNotRunning         ConflictReason = "NOT_RUNNING"
	ReasonNothingToResume    ConflictReason = "NOTHING_TO_RESUME"
	ReasonPeriodMustBePaused ConflictReason = "PERIOD_MUST_BE_PAUSED"
	ReasonQuarterNotExpired  ConflictReason = "QUARTER_NOT_EXPIRED"
)

// StateConflictError rejects a command that cannot apply in the current
// status or clock state. The aggregate is left untouched.
type StateConflictError struct {
	Reason  ConflictReason
	Message string
}

func (e *StateConflictError) Error() string {
	return fmt.Sprintf("state conflict (%s): %s", e.Reason, e.Message)
}

func newStateConflict(reason ConflictReason, msg string) *StateConflictError {
	return &StateConflictError{Reason: reason, Message: msg}
}

// ValidationError rejects a malformed command before any mutation.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}

func newValidation(field, msg string) *ValidationError {
	return &ValidationError{Field: field, Message: msg}
}

// IsStateConflict reports whether err is a StateConflictError, optionally
// matching a specific reason.
func IsStateConflict(err error, reasons ...ConflictReason) bool {
	var sc *StateConflictError
	if !errors.As(err, &sc) {
		return false
	}
	if len(reasons) == 0 {
		return true
	}
	for _, r := range reasons {
		if sc.Reason == r {
			return true
		}
	}
	return false
}

// IsValidation reports whether err is a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
