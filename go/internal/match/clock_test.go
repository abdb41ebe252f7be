package match

import (
	"testing"
	"time"
)

var clockBase = time.Date(2025, 3, 1, 19, 0, 0, 0, time.UTC)

func TestClockStartAndRemaining(t *testing.T) {
	c, err := NewClock(ClockModePeriod, 600).Start(600, clockBase)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if !c.Running {
		t.Fatal("clock should be running after Start")
	}
	if got := c.Remaining(clockBase); got != 600 {
		t.Errorf("remaining at start = %d, want 600", got)
	}
	if got := c.Remaining(clockBase.Add(90 * time.Second)); got != 510 {
		t.Errorf("remaining after 90s = %d, want 510", got)
	}
}

func TestClockRemainingNonIncreasing(t *testing.T) {
	c, _ := NewClock(ClockModePeriod, 600).Start(600, clockBase)

	prev := c.Remaining(clockBase)
	for i := 1; i <= 20; i++ {
		now := clockBase.Add(time.Duration(i*37) * time.Second)
		got := c.Remaining(now)
		if got > prev {
			t.Fatalf("remaining increased from %d to %d at +%ds", prev, got, i*37)
		}
		prev = got
	}
}

func TestClockRemainingNeverNegative(t *testing.T) {
	c, _ := NewClock(ClockModePeriod, 60).Start(60, clockBase)
	if got := c.Remaining(clockBase.Add(2 * time.Hour)); got != 0 {
		t.Errorf("remaining long after expiry = %d, want 0", got)
	}
}

func TestClockRepeatedReadsAgree(t *testing.T) {
	c, _ := NewClock(ClockModePeriod, 600).Start(600, clockBase)
	now := clockBase.Add(123 * time.Second)
	first := c.Remaining(now)
	for i := 0; i < 5; i++ {
		if got := c.Remaining(now); got != first {
			t.Fatalf("read %d at same instant = %d, want %d", i, got, first)
		}
	}
}

func TestClockPauseResumeInvariance(t *testing.T) {
	// 100s running, pause 1h, resume, 50s running: remaining must be
	// duration minus game time only.
	c, _ := NewClock(ClockModePeriod, 600).Start(600, clockBase)

	pauseAt := clockBase.Add(100 * time.Second)
	c, err := c.Pause(pauseAt)
	if err != nil {
		t.Fatalf("Pause: %v", err)
	}
	if c.Running {
		t.Fatal("clock should not run while paused")
	}
	resumeAt := pauseAt.Add(time.Hour)
	if got := c.Remaining(resumeAt); got != 500 {
		t.Errorf("remaining while paused = %d, want 500", got)
	}

	c, err = c.Resume(resumeAt)
	if err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if got := c.Remaining(resumeAt.Add(50 * time.Second)); got != 450 {
		t.Errorf("remaining after resume+50s = %d, want 450", got)
	}
}

func TestClockLazyExpiry(t *testing.T) {
	c, _ := NewClock(ClockModePeriod, 600).Start(600, clockBase)
	late := clockBase.Add(700 * time.Second)

	if !c.Expired(late) {
		t.Fatal("clock should report expired once duration is consumed")
	}
	// Expiry is observed, not pushed: the clock still reports Running
	// until something explicitly stops it.
	if !c.Running {
		t.Fatal("expired clock should still report Running until stopped")
	}

	c, err := c.Pause(late)
	if err != nil {
		t.Fatalf("Pause after expiry: %v", err)
	}
	if c.AccumulatedSec != 600 {
		t.Errorf("accumulated after late pause = %d, want clamp at 600", c.AccumulatedSec)
	}
	if _, err := c.Resume(late); !IsStateConflict(err, ReasonNothingToResume) {
		t.Errorf("Resume on exhausted clock = %v, want %s conflict", err, ReasonNothingToResume)
	}
}

func TestClockStateConflicts(t *testing.T) {
	stopped := NewClock(ClockModePeriod, 600)
	if _, err := stopped.Pause(clockBase); !IsStateConflict(err, ReasonNotRunning) {
		t.Errorf("Pause on stopped clock = %v, want %s conflict", err, ReasonNotRunning)
	}

	running, _ := stopped.Start(600, clockBase)
	if _, err := running.Start(600, clockBase); !IsStateConflict(err, ReasonAlreadyRunning) {
		t.Errorf("Start on running clock = %v, want %s conflict", err, ReasonAlreadyRunning)
	}
	if _, err := running.Resume(clockBase); !IsStateConflict(err, ReasonAlreadyRunning) {
		t.Errorf("Resume on running clock = %v, want %s conflict", err, ReasonAlreadyRunning)
	}
}

func TestClockReset(t *testing.T) {
	c, _ := NewClock(ClockModePeriod, 600).Start(600, clockBase)
	c = c.Reset(720)
	if c.Running || c.AnchorUTC != nil || c.AccumulatedSec != 0 {
		t.Fatalf("reset clock not fully cleared: %+v", c)
	}
	if got := c.Remaining(clockBase.Add(time.Hour)); got != 720 {
		t.Errorf("remaining after reset = %d, want 720", got)
	}
}
