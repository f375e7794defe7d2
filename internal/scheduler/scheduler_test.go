package scheduler

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/parley-dev/parley/internal/logging"
	"github.com/parley-dev/parley/internal/message"
	"github.com/parley-dev/parley/internal/plan"
	"github.com/parley-dev/parley/internal/provider"
	"github.com/parley-dev/parley/internal/run"
	"github.com/parley-dev/parley/internal/schema"
	"github.com/parley-dev/parley/internal/store"
	"github.com/parley-dev/parley/internal/vote"
)

func scriptedMsg(t *testing.T, msgType, summary string, payload map[string]any, toolCalls []map[string]any) string {
	t.Helper()
	body := map[string]any{
		"type":       msgType,
		"summary":    summary,
		"rationale":  "because " + summary,
		"confidence": 0.8,
		"payload":    payload,
	}
	if len(toolCalls) > 0 {
		body["toolCalls"] = toolCalls
	}
	raw, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal scripted message: %v", err)
	}
	return string(raw)
}

// linearPlan is a three-turn debate: agent-a proposes, agent-b critiques,
// agent-b decides.
func linearPlan() *plan.Plan {
	return &plan.Plan{
		Agents: []plan.AgentSpec{
			{ID: "agent-a", Role: plan.RoleDirector, Weight: 1},
			{ID: "agent-b", Role: plan.RoleAnalyst, Weight: 1},
		},
		Channels: []plan.ChannelPolicy{
			{
				ChannelID:     "ch-1",
				SourceAgentID: "agent-a",
				TargetAgentID: "agent-b",
				Visibility:    plan.VisibilityPublic,
			},
		},
		Candidates: []plan.Candidate{
			{ID: "c1", SourceAgentID: "agent-a", TargetAgentID: "agent-b", ChannelID: "ch-1",
				Objective: "draft an approach", AllowedTypes: []message.Type{message.TypeProposal}},
			{ID: "c2", SourceAgentID: "agent-b", TargetAgentID: "agent-a", ChannelID: "ch-1",
				Objective: "critique the approach", AllowedTypes: []message.Type{message.TypeCritique}},
			{ID: "c3", SourceAgentID: "agent-b", TargetAgentID: "agent-a", ChannelID: "ch-1",
				Objective: "settle the approach", AllowedTypes: []message.Type{message.TypeDecision}},
		},
	}
}

func linearScript(t *testing.T) []provider.Step {
	return []provider.Step{
		{Text: scriptedMsg(t, "proposal", "use the cache", map[string]any{
			"title": "use the cache", "plan": []string{"add cache", "measure"},
		}, nil)},
		{Text: scriptedMsg(t, "critique", "cache invalidation is risky", map[string]any{
			"issues": []string{"stale reads"}, "severity": "medium",
		}, nil)},
		{Text: scriptedMsg(t, "decision", "adopt the cache with TTLs", map[string]any{
			"decision": "adopt the cache with TTLs", "nextSteps": []string{"set TTL to 60s"},
		}, nil)},
	}
}

func newRun(t *testing.T, st store.Store, p *plan.Plan, rt *run.SchedulerRuntime) *run.Run {
	t.Helper()
	now := time.Now()
	r := &run.Run{
		ID:          uuid.NewString(),
		WorkspaceID: "ws-1",
		Status:      run.StatusQueued,
		State:       run.State{Runtime: rt},
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	ctx := context.Background()
	if err := st.CreateRun(ctx, r); err != nil {
		t.Fatalf("CreateRun: %v", err)
	}
	if err := st.SavePlan(ctx, r.ID, p); err != nil {
		t.Fatalf("SavePlan: %v", err)
	}
	if err := st.SavePolicies(ctx, r.ID, nil); err != nil {
		t.Fatalf("SavePolicies: %v", err)
	}
	return r
}

func newTestScheduler(st store.Store, prov provider.ModelProvider) *Scheduler {
	return New(st, prov, nil, nil, nil, logging.NopLogger(), Options{})
}

func TestLinearPlanCompletes(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	r := newRun(t, st, linearPlan(), nil)
	s := newTestScheduler(st, provider.NewScriptedProvider(linearScript(t)))

	if err := s.ExecuteRun(ctx, r.ID); err != nil {
		t.Fatalf("ExecuteRun: %v", err)
	}

	got, err := st.GetRun(ctx, r.ID)
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if got.Status != run.StatusCompleted {
		t.Fatalf("run status = %s, want COMPLETED", got.Status)
	}
	if got.EndedAt == nil {
		t.Error("EndedAt not set")
	}

	turns, _ := st.ListTurns(ctx, r.ID)
	if len(turns) != 3 {
		t.Fatalf("turn count = %d, want 3", len(turns))
	}
	for _, turn := range turns {
		if turn.Status != run.TurnCompleted {
			t.Errorf("turn %d status = %s, want COMPLETED", turn.Sequence, turn.Status)
		}
		if turn.Attempts != 1 {
			t.Errorf("turn %d attempts = %d, want 1", turn.Sequence, turn.Attempts)
		}
		if turn.Output.ValidationStatus != schema.StatusValid {
			t.Errorf("turn %d validation = %s, want valid", turn.Sequence, turn.Output.ValidationStatus)
		}
	}

	cp := got.State.Checkpoint
	if cp == nil {
		t.Fatal("no checkpoint")
	}
	if cp.CompletedTurns != 3 || cp.QueueDepth != 0 || cp.RetriesUsed != 0 {
		t.Errorf("checkpoint = %+v, want 3 completed, 0 queued, 0 retries", cp)
	}

	draft := got.State.FinalDraft
	if draft == nil {
		t.Fatal("no final draft")
	}
	if draft.Recommendation != "adopt the cache with TTLs" {
		t.Errorf("recommendation = %q", draft.Recommendation)
	}
	if !strings.Contains(draft.Markdown, "## Turn 3") {
		t.Errorf("markdown missing turn sections:\n%s", draft.Markdown)
	}
}

func TestTransientInjectionRetriesExactlyOnce(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	r := newRun(t, st, linearPlan(), &run.SchedulerRuntime{
		MaxRetries:                2,
		TransientFailureSequences: []int{2},
	})
	prov := provider.NewScriptedProvider(linearScript(t))
	s := newTestScheduler(st, prov)

	if err := s.ExecuteRun(ctx, r.ID); err != nil {
		t.Fatalf("ExecuteRun: %v", err)
	}

	got, _ := st.GetRun(ctx, r.ID)
	if got.Status != run.StatusCompleted {
		t.Fatalf("run status = %s, want COMPLETED", got.Status)
	}

	turns, _ := st.ListTurns(ctx, r.ID)
	second := turns[1]
	if second.Attempts != 2 {
		t.Errorf("sequence 2 attempts = %d, want 2", second.Attempts)
	}
	if second.Input.Retries != 1 {
		t.Errorf("sequence 2 retries = %d, want 1", second.Input.Retries)
	}
	if second.Status != run.TurnCompleted {
		t.Errorf("sequence 2 status = %s, want COMPLETED", second.Status)
	}
	if got.State.Checkpoint.RetriesUsed != 1 {
		t.Errorf("retriesUsed = %d, want 1", got.State.Checkpoint.RetriesUsed)
	}
	// The injected failure fires before the model call, so the script is
	// consumed exactly once per settled turn.
	if prov.Calls() != 3 {
		t.Errorf("provider calls = %d, want 3", prov.Calls())
	}
}

func TestInjectedTimeoutWithoutRetryBudgetBlocksRun(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	r := newRun(t, st, linearPlan(), &run.SchedulerRuntime{
		MaxRetries:              0,
		MaxRetriesSet:           true,
		TimeoutFailureSequences: []int{1},
	})
	s := newTestScheduler(st, provider.NewScriptedProvider(nil))

	if err := s.ExecuteRun(ctx, r.ID); err != nil {
		t.Fatalf("ExecuteRun: %v", err)
	}

	got, _ := st.GetRun(ctx, r.ID)
	if got.Status != run.StatusBlocked {
		t.Fatalf("run status = %s, want BLOCKED", got.Status)
	}

	turns, _ := st.ListTurns(ctx, r.ID)
	first := turns[0]
	if first.Status != run.TurnBlocked {
		t.Fatalf("sequence 1 status = %s, want BLOCKED", first.Status)
	}
	if !strings.Contains(first.Error, "[TURN_TIMEOUT]") {
		t.Errorf("error = %q, want TURN_TIMEOUT code", first.Error)
	}
	if first.Output == nil || first.Output.Deadlock == nil {
		t.Fatal("blocked turn missing deadlock evaluation")
	}
	if first.Output.Deadlock.Status != "terminated" {
		t.Errorf("deadlock status = %s, want terminated", first.Output.Deadlock.Status)
	}
	for _, rest := range turns[1:] {
		if rest.Status != run.TurnSkipped {
			t.Errorf("sequence %d status = %s, want SKIPPED", rest.Sequence, rest.Status)
		}
	}
}

func TestNaturalTimeoutFallsBackWithoutRetry(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	r := newRun(t, st, linearPlan(), &run.SchedulerRuntime{TurnTimeoutMs: 20})
	script := linearScript(t)
	script[0].Latency = 500 * time.Millisecond // exceeds the 20ms budget
	s := newTestScheduler(st, provider.NewScriptedProvider(script))

	if err := s.ExecuteRun(ctx, r.ID); err != nil {
		t.Fatalf("ExecuteRun: %v", err)
	}

	turns, _ := st.ListTurns(ctx, r.ID)
	first := turns[0]
	if first.Status != run.TurnCompleted {
		t.Fatalf("sequence 1 status = %s, want COMPLETED", first.Status)
	}
	if first.Attempts != 1 || first.Input.Retries != 0 {
		t.Errorf("attempts=%d retries=%d, want 1/0: a natural timeout never retries",
			first.Attempts, first.Input.Retries)
	}
	if first.Output.ValidationStatus != schema.StatusFallback {
		t.Errorf("validation = %s, want fallback", first.Output.ValidationStatus)
	}
}

func TestChannelPolicyMissingBlocksRun(t *testing.T) {
	ctx := context.Background()
	p := linearPlan()
	p.Candidates[0].ChannelID = "ch-missing"
	st := store.NewMemoryStore()
	r := newRun(t, st, p, nil)
	s := newTestScheduler(st, provider.NewScriptedProvider(nil))

	if err := s.ExecuteRun(ctx, r.ID); err != nil {
		t.Fatalf("ExecuteRun: %v", err)
	}

	got, _ := st.GetRun(ctx, r.ID)
	if got.Status != run.StatusBlocked {
		t.Fatalf("run status = %s, want BLOCKED", got.Status)
	}
	turns, _ := st.ListTurns(ctx, r.ID)
	if !strings.Contains(turns[0].Error, "[CHANNEL_POLICY_MISSING]") {
		t.Errorf("error = %q, want CHANNEL_POLICY_MISSING", turns[0].Error)
	}
}

// votePlan opens a ballot on turn 1 and splits the remaining two ballots so
// quorum is reached without consensus as the queue empties.
func votePlan() *plan.Plan {
	p := linearPlan()
	p.Candidates = []plan.Candidate{
		{ID: "c1", SourceAgentID: "agent-a", TargetAgentID: "agent-b", ChannelID: "ch-1",
			Objective: "open the ballot", AllowedTypes: []message.Type{message.TypeVoteCall}},
		{ID: "c2", SourceAgentID: "agent-a", TargetAgentID: "agent-b", ChannelID: "ch-1",
			Objective: "argue for adoption", AllowedTypes: []message.Type{message.TypeProposal}},
		{ID: "c3", SourceAgentID: "agent-b", TargetAgentID: "agent-a", ChannelID: "ch-1",
			Objective: "push back", AllowedTypes: []message.Type{message.TypeCritique}},
	}
	return p
}

func TestQuorumWithoutConsensusForcesVoteClosed(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	r := newRun(t, st, votePlan(), nil)

	script := []provider.Step{
		{Text: scriptedMsg(t, "vote_call", "settle adoption by ballot", map[string]any{
			"question": "adopt the cache?", "options": []string{"adopt", "defer"}, "quorum": 2,
		}, []map[string]any{{
			"name": "request_vote",
			"args": map[string]any{"question": "adopt the cache?", "options": []string{"adopt", "defer"}, "quorum": 2},
		}})},
		{Text: scriptedMsg(t, "proposal", "adopt it", map[string]any{
			"title": "adopt it", "plan": []string{"ship"},
		}, nil)},
		{Text: scriptedMsg(t, "critique", "defer it", map[string]any{
			"issues": []string{"too risky"}, "severity": "high",
		}, nil)},
	}
	s := newTestScheduler(st, provider.NewScriptedProvider(script))

	if err := s.ExecuteRun(ctx, r.ID); err != nil {
		t.Fatalf("ExecuteRun: %v", err)
	}

	got, _ := st.GetRun(ctx, r.ID)
	if got.Status != run.StatusCompleted {
		t.Fatalf("run status = %s, want COMPLETED", got.Status)
	}

	votes, _ := st.ListVotes(ctx, r.ID)
	if len(votes) != 1 {
		t.Fatalf("vote count = %d, want 1", len(votes))
	}
	v := votes[0]
	if v.Status != vote.StatusClosed {
		t.Fatalf("vote status = %s, want CLOSED", v.Status)
	}
	if v.Result == nil || !v.Result.Forced {
		t.Fatal("vote should have been force-closed by the mediator")
	}
	if v.Result.Outcome != vote.OutcomePassed || v.Result.Winner == "" {
		t.Errorf("forced result = %+v, want passed with a winner", v.Result)
	}

	// The last turn's mediation should record the no_majority signal.
	turns, _ := st.ListTurns(ctx, r.ID)
	last := turns[2]
	if last.Output.Deadlock == nil || last.Output.Deadlock.Action != "force_vote" {
		t.Errorf("last turn deadlock = %+v, want force_vote action", last.Output.Deadlock)
	}

	draft := got.State.FinalDraft
	if draft == nil || !strings.Contains(draft.Recommendation, "settled by vote") {
		t.Errorf("recommendation = %+v, want vote-settled", draft)
	}
}

func TestEnsureQueuedTurnsIsIdempotent(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	p := linearPlan()
	r := newRun(t, st, p, nil)
	s := newTestScheduler(st, provider.NewScriptedProvider(nil))

	created, err := s.EnsureQueuedTurns(ctx, r, p)
	if err != nil {
		t.Fatalf("EnsureQueuedTurns: %v", err)
	}
	if created != 3 {
		t.Fatalf("created = %d, want 3", created)
	}

	created, err = s.EnsureQueuedTurns(ctx, r, p)
	if err != nil {
		t.Fatalf("EnsureQueuedTurns replay: %v", err)
	}
	if created != 0 {
		t.Errorf("replay created = %d, want 0", created)
	}
	turns, _ := st.ListTurns(ctx, r.ID)
	if len(turns) != 3 {
		t.Errorf("turn count after replay = %d, want 3", len(turns))
	}
}

func TestCompletedRunIsNotRunnable(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	r := newRun(t, st, linearPlan(), nil)
	s := newTestScheduler(st, provider.NewScriptedProvider(linearScript(t)))

	if err := s.ExecuteRun(ctx, r.ID); err != nil {
		t.Fatalf("first ExecuteRun: %v", err)
	}
	if err := s.ExecuteRun(ctx, r.ID); err == nil {
		t.Fatal("second ExecuteRun should refuse a completed run")
	}
}

func TestForkRunResetsTurnsPastCheckpoint(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	r := newRun(t, st, linearPlan(), &run.SchedulerRuntime{
		MaxRetries:              0,
		MaxRetriesSet:           true,
		TimeoutFailureSequences: []int{2},
	})
	s := newTestScheduler(st, provider.NewScriptedProvider(linearScript(t)))

	// Sequence 1 completes, sequence 2 blocks, sequence 3 is skipped.
	if err := s.ExecuteRun(ctx, r.ID); err != nil {
		t.Fatalf("ExecuteRun: %v", err)
	}
	src, _ := st.GetRun(ctx, r.ID)
	if src.Status != run.StatusBlocked {
		t.Fatalf("source status = %s, want BLOCKED", src.Status)
	}
	cp := src.State.Checkpoint
	if cp.LastSequence != 2 {
		t.Fatalf("checkpoint sequence = %d, want 2", cp.LastSequence)
	}

	fork, err := s.ForkRun(ctx, r.ID)
	if err != nil {
		t.Fatalf("ForkRun: %v", err)
	}
	if fork.Status != run.StatusQueued {
		t.Errorf("fork status = %s, want QUEUED", fork.Status)
	}
	if fork.State.Fork == nil || fork.State.Fork.SourceRunID != r.ID || fork.State.Fork.SourceCheckpointSequence != 2 {
		t.Errorf("fork provenance = %+v", fork.State.Fork)
	}

	forkTurns, _ := st.ListTurns(ctx, fork.ID)
	if len(forkTurns) != 3 {
		t.Fatalf("fork turn count = %d, want 3", len(forkTurns))
	}
	if forkTurns[0].Status != run.TurnCompleted {
		t.Errorf("fork sequence 1 status = %s, want COMPLETED (copied history)", forkTurns[0].Status)
	}
	third := forkTurns[2]
	if third.Status != run.TurnQueued || third.Attempts != 0 || third.Output != nil {
		t.Errorf("fork sequence 3 = %+v, want fresh QUEUED turn", third)
	}

	// The source run is untouched.
	srcTurns, _ := st.ListTurns(ctx, r.ID)
	if srcTurns[2].Status != run.TurnSkipped {
		t.Errorf("source sequence 3 status = %s, want SKIPPED", srcTurns[2].Status)
	}
}
