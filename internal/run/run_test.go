package run

import (
	"encoding/json"
	"testing"
	"time"
)

func TestEffectiveRuntimeDefaults(t *testing.T) {
	tests := []struct {
		name          string
		state         State
		wantRetries   int
		wantTimeoutMs int
	}{
		{
			name:          "nil runtime gets defaults",
			state:         State{},
			wantRetries:   DefaultMaxRetries,
			wantTimeoutMs: DefaultTurnTimeoutMs,
		},
		{
			name: "explicit values kept",
			state: State{Runtime: &SchedulerRuntime{
				MaxRetries:    5,
				TurnTimeoutMs: 1500,
			}},
			wantRetries:   5,
			wantTimeoutMs: 1500,
		},
		{
			name: "unset retries defaults, zero timeout defaults",
			state: State{Runtime: &SchedulerRuntime{
				TimeoutFailureSequences: []int{3},
			}},
			wantRetries:   DefaultMaxRetries,
			wantTimeoutMs: DefaultTurnTimeoutMs,
		},
		{
			name: "explicit zero retries respected",
			state: State{Runtime: &SchedulerRuntime{
				MaxRetries:    0,
				MaxRetriesSet: true,
				TurnTimeoutMs: 1000,
			}},
			wantRetries:   0,
			wantTimeoutMs: 1000,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rt := tt.state.EffectiveRuntime()
			if rt.MaxRetries != tt.wantRetries {
				t.Errorf("MaxRetries = %d, want %d", rt.MaxRetries, tt.wantRetries)
			}
			if rt.TurnTimeoutMs != tt.wantTimeoutMs {
				t.Errorf("TurnTimeoutMs = %d, want %d", rt.TurnTimeoutMs, tt.wantTimeoutMs)
			}
		})
	}
}

func TestFaultInjectionSets(t *testing.T) {
	rt := SchedulerRuntime{
		TransientFailureSequences: []int{2, 4},
		TimeoutFailureSequences:   []int{3},
	}

	if !rt.InjectsTransient(2) || rt.InjectsTransient(3) {
		t.Error("transient injection set mismatch")
	}
	if !rt.InjectsTimeout(3) || rt.InjectsTimeout(2) {
		t.Error("timeout injection set mismatch")
	}
}

func TestTurnTimeoutDuration(t *testing.T) {
	rt := SchedulerRuntime{TurnTimeoutMs: 250}
	if rt.TurnTimeout() != 250*time.Millisecond {
		t.Errorf("TurnTimeout = %s", rt.TurnTimeout())
	}

	var zero SchedulerRuntime
	if zero.TurnTimeout() != time.Duration(DefaultTurnTimeoutMs)*time.Millisecond {
		t.Errorf("zero TurnTimeout = %s", zero.TurnTimeout())
	}
}

func TestRunnable(t *testing.T) {
	tests := []struct {
		status Status
		want   bool
	}{
		{StatusDraft, true},
		{StatusQueued, true},
		{StatusRunning, true},
		{StatusBlocked, false},
		{StatusCompleted, false},
	}
	for _, tt := range tests {
		r := Run{Status: tt.status}
		if r.Runnable() != tt.want {
			t.Errorf("Runnable(%s) = %v, want %v", tt.status, r.Runnable(), tt.want)
		}
	}
}

func TestStateRoundTripsThroughJSON(t *testing.T) {
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	state := State{
		Runtime: &SchedulerRuntime{
			MaxRetries:                2,
			TurnTimeoutMs:             60000,
			TransientFailureSequences: []int{2},
		},
		Checkpoint: &Checkpoint{
			LastTurnID:   "turn-3",
			LastSequence: 3,
			QueueDepth:   1,
			RetriesUsed:  1,
			Note:         "in flight",
			UpdatedAt:    now,
		},
		Fork: &Fork{SourceRunID: "run-0", SourceCheckpointSequence: 2, ForkedAt: now},
	}

	raw, err := json.Marshal(state)
	if err != nil {
		t.Fatal(err)
	}
	var decoded State
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatal(err)
	}
	if decoded.Checkpoint.Note != "in flight" || decoded.Checkpoint.RetriesUsed != 1 {
		t.Errorf("checkpoint = %+v", decoded.Checkpoint)
	}
	if decoded.Fork.SourceRunID != "run-0" {
		t.Errorf("fork = %+v", decoded.Fork)
	}
	if !decoded.Runtime.InjectsTransient(2) {
		t.Error("injection set lost in round trip")
	}
}
