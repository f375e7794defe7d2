// Package internal contains integration tests that verify the packages work
// together: the scheduler driving a real SQLite store, and event bus routing
// of scheduler progress to subscribers.
package internal

import (
	"context"
	"encoding/json"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/parley-dev/parley/internal/event"
	"github.com/parley-dev/parley/internal/logging"
	"github.com/parley-dev/parley/internal/message"
	"github.com/parley-dev/parley/internal/plan"
	"github.com/parley-dev/parley/internal/provider"
	"github.com/parley-dev/parley/internal/run"
	"github.com/parley-dev/parley/internal/scheduler"
	"github.com/parley-dev/parley/internal/store"
)

func debatePlan() *plan.Plan {
	return &plan.Plan{
		Agents: []plan.AgentSpec{
			{ID: "lead", Role: plan.RoleDirector},
			{ID: "reviewer", Role: plan.RoleAnalyst},
		},
		Channels: []plan.ChannelPolicy{
			{ChannelID: "main", SourceAgentID: "lead", TargetAgentID: "reviewer", Visibility: plan.VisibilityPublic},
		},
		Candidates: []plan.Candidate{
			{ID: "t1", SourceAgentID: "lead", TargetAgentID: "reviewer", ChannelID: "main",
				Objective: "propose", AllowedTypes: []message.Type{message.TypeProposal}},
			{ID: "t2", SourceAgentID: "reviewer", TargetAgentID: "lead", ChannelID: "main",
				Objective: "decide", AllowedTypes: []message.Type{message.TypeDecision}},
		},
	}
}

func scripted(t *testing.T, msgType, summary string, payload map[string]any) provider.Step {
	t.Helper()
	raw, err := json.Marshal(map[string]any{
		"type": msgType, "summary": summary, "confidence": 0.9, "payload": payload,
	})
	if err != nil {
		t.Fatal(err)
	}
	return provider.Step{Text: string(raw)}
}

// TestEventBusIntegration verifies the bus routes scheduler progress to both
// specific and wildcard subscribers during a full run.
func TestEventBusIntegration(t *testing.T) {
	bus := event.NewBus()

	var mu sync.Mutex
	var turnEvents []string
	var allEvents []string

	bus.Subscribe("turn.completed", func(e event.Event) {
		mu.Lock()
		defer mu.Unlock()
		turnEvents = append(turnEvents, e.EventType())
	})
	bus.SubscribeAll(func(e event.Event) {
		mu.Lock()
		defer mu.Unlock()
		allEvents = append(allEvents, e.EventType())
	})

	st := store.NewMemoryStore()
	r := seedRun(t, st)
	s := scheduler.New(st, provider.NewScriptedProvider([]provider.Step{
		scripted(t, "proposal", "try it", map[string]any{"title": "try it", "plan": []string{"do"}}),
		scripted(t, "decision", "ship it", map[string]any{"decision": "ship it", "nextSteps": []string{"done"}}),
	}), nil, nil, bus, logging.NopLogger(), scheduler.Options{})

	if err := s.ExecuteRun(context.Background(), r.ID); err != nil {
		t.Fatalf("ExecuteRun: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(turnEvents) != 2 {
		t.Errorf("turn.completed events = %d, want 2", len(turnEvents))
	}
	counts := map[string]int{}
	for _, et := range allEvents {
		counts[et]++
	}
	for _, want := range []string{"turn.started", "turn.completed", "checkpoint.saved", "run.finished"} {
		if counts[want] == 0 {
			t.Errorf("wildcard subscriber missed %s (got %v)", want, counts)
		}
	}
}

// TestSchedulerOverSQLite runs the full pipeline against the SQLite store,
// exercising the same persistence path the CLI uses.
func TestSchedulerOverSQLite(t *testing.T) {
	st, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "parley.db"))
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	defer st.Close()

	r := seedRun(t, st)
	s := scheduler.New(st, provider.NewScriptedProvider([]provider.Step{
		scripted(t, "proposal", "try it", map[string]any{"title": "try it", "plan": []string{"do"}}),
		scripted(t, "decision", "ship it", map[string]any{"decision": "ship it", "nextSteps": []string{"done"}}),
	}), nil, nil, nil, logging.NopLogger(), scheduler.Options{})

	if err := s.ExecuteRun(context.Background(), r.ID); err != nil {
		t.Fatalf("ExecuteRun: %v", err)
	}

	got, err := st.GetRun(context.Background(), r.ID)
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if got.Status != run.StatusCompleted {
		t.Fatalf("status = %s, want COMPLETED", got.Status)
	}
	if got.State.FinalDraft == nil || got.State.FinalDraft.Recommendation != "ship it" {
		t.Errorf("final draft = %+v", got.State.FinalDraft)
	}

	turns, err := st.ListTurns(context.Background(), r.ID)
	if err != nil {
		t.Fatalf("ListTurns: %v", err)
	}
	if len(turns) != 2 || turns[1].Output == nil || turns[1].Output.Message.Type != message.TypeDecision {
		t.Errorf("persisted turns = %+v", turns)
	}
}

func seedRun(t *testing.T, st store.Store) *run.Run {
	t.Helper()
	ctx := context.Background()
	now := time.Now()
	r := &run.Run{
		ID:          uuid.NewString(),
		WorkspaceID: "ws",
		Status:      run.StatusQueued,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := st.CreateRun(ctx, r); err != nil {
		t.Fatalf("CreateRun: %v", err)
	}
	if err := st.SavePlan(ctx, r.ID, debatePlan()); err != nil {
		t.Fatalf("SavePlan: %v", err)
	}
	if err := st.SavePolicies(ctx, r.ID, nil); err != nil {
		t.Fatalf("SavePolicies: %v", err)
	}
	return r
}
