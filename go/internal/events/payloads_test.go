package events

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/courtside/scoreboard/go/internal/match"
)

func TestForCommandMapsEventTypes(t *testing.T) {
	snap := match.Snapshot{MatchID: uuid.New(), Version: 9}
	occurred := time.Date(2025, 3, 1, 19, 30, 0, 0, time.UTC)

	tests := []struct {
		cmd  match.CommandType
		want string
	}{
		{match.CommandStartMatch, TypeMatchStarted},
		{match.CommandAddScore, TypeScoreAdded},
		{match.CommandAdjustFoul, TypeFoulAdjusted},
		{match.CommandAutoAdvanceQuarter, TypeQuarterAdvanced},
		{match.CommandFinishMatch, TypeMatchFinished},
	}
	for _, tt := range tests {
		evt, err := ForCommand(match.Command{MatchID: snap.MatchID, Type: tt.cmd}, snap, nil, occurred)
		if err != nil {
			t.Fatalf("ForCommand(%s): %v", tt.cmd, err)
		}
		if evt.EventType != tt.want {
			t.Errorf("event type for %s = %s, want %s", tt.cmd, evt.EventType, tt.want)
		}
		if evt.MatchID != snap.MatchID || evt.Version != snap.Version {
			t.Errorf("envelope identity = %s v%d", evt.MatchID, evt.Version)
		}
	}
}

func TestForCommandPayloadCarriesEntry(t *testing.T) {
	snap := match.Snapshot{MatchID: uuid.New(), Version: 3, HomeScore: 2}
	entry := &match.LedgerEntry{
		ID:      uuid.New(),
		MatchID: snap.MatchID,
		Kind:    match.EntryScore,
		Points:  2,
	}
	cmd := match.Command{MatchID: snap.MatchID, Type: match.CommandAddScore, IssuedBy: "ref-1"}

	evt, err := ForCommand(cmd, snap, entry, time.Now())
	if err != nil {
		t.Fatalf("ForCommand: %v", err)
	}

	var payload CommandAppliedPayload
	if err := json.Unmarshal(evt.Payload, &payload); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if payload.Entry == nil || payload.Entry.ID != entry.ID {
		t.Errorf("payload entry = %+v", payload.Entry)
	}
	if payload.IssuedBy != "ref-1" {
		t.Errorf("payload issued_by = %q", payload.IssuedBy)
	}
	if payload.Snapshot.HomeScore != 2 {
		t.Errorf("payload snapshot = %+v", payload.Snapshot)
	}
}

func TestForCreated(t *testing.T) {
	snap := match.Snapshot{MatchID: uuid.New(), Version: 1, Status: match.StatusScheduled}
	evt, err := ForCreated(snap, time.Now())
	if err != nil {
		t.Fatalf("ForCreated: %v", err)
	}
	if evt.EventType != TypeMatchCreated || evt.Version != 1 {
		t.Errorf("created envelope = %+v", evt)
	}
}
