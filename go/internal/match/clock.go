package match

import "time"

// ClockMode selects which duration ceiling the clock counts against.
type ClockMode string

const (
	ClockModePeriod  ClockMode = "PERIOD"
	ClockModeTimeout ClockMode = "TIMEOUT"
)

// Clock is a pure value type: remaining time is derived from the stored
// anchor on every read, so nothing ticks in the background and repeated
// reads at the same instant always agree. Expiry is discovered lazily —
// a Running clock whose remaining time hit zero still reports Running
// until an explicit Pause or Reset.
type Clock struct {
	Mode           ClockMode  `json:"mode"`
	Running        bool       `json:"running"`
	AnchorUTC      *time.Time `json:"anchor_utc,omitempty"`
	AccumulatedSec int        `json:"accumulated_sec"`
	DurationSec    int        `json:"duration_sec"`
}

// NewClock returns a stopped clock with a full duration ahead of it.
func NewClock(mode ClockMode, durationSec int) Clock {
	return Clock{
		Mode:        mode,
		DurationSec: durationSec,
	}
}

// Start begins a fresh interval: accumulated time is cleared and the
// anchor is set to now.
func (c Clock) Start(durationSec int, now time.Time) (Clock, error) {
	if c.Running {
		return c, newStateConflict(ReasonAlreadyRunning, "clock is already running")
	}
	anchor := now.UTC()
	c.Running = true
	c.AnchorUTC = &anchor
	c.AccumulatedSec = 0
	c.DurationSec = durationSec
	return c, nil
}

// Pause banks the elapsed time of the current interval into the
// accumulated counter and clears the anchor.
func (c Clock) Pause(now time.Time) (Clock, error) {
	if !c.Running {
		return c, newStateConflict(ReasonNotRunning, "clock is not running")
	}
	c.AccumulatedSec += int(now.UTC().Sub(*c.AnchorUTC).Seconds())
	if c.AccumulatedSec > c.DurationSec {
		c.AccumulatedSec = c.DurationSec
	}
	c.Running = false
	c.AnchorUTC = nil
	return c, nil
}

// Resume continues a paused interval from where Pause left it.
func (c Clock) Resume(now time.Time) (Clock, error) {
	if c.Running {
		return c, newStateConflict(ReasonAlreadyRunning, "clock is already running")
	}
	if c.AccumulatedSec >= c.DurationSec {
		return c, newStateConflict(ReasonNothingToResume, "clock has no time left to resume")
	}
	anchor := now.UTC()
	c.Running = true
	c.AnchorUTC = &anchor
	return c, nil
}

// Reset unconditionally stops the clock and rearms it with a new
// duration. Used when advancing quarters.
func (c Clock) Reset(durationSec int) Clock {
	c.Running = false
	c.AnchorUTC = nil
	c.AccumulatedSec = 0
	c.DurationSec = durationSec
	return c
}

// Remaining derives the seconds left on the clock at the given instant.
// Never negative.
func (c Clock) Remaining(now time.Time) int {
	elapsed := c.AccumulatedSec
	if c.Running && c.AnchorUTC != nil {
		elapsed += int(now.UTC().Sub(*c.AnchorUTC).Seconds())
	}
	remaining := c.DurationSec - elapsed
	if remaining < 0 {
		return 0
	}
	return remaining
}

// Expired reports whether the clock has consumed its full duration.
func (c Clock) Expired(now time.Time) bool {
	return c.Remaining(now) == 0
}
