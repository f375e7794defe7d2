package governance

import (
	"encoding/json"
	"testing"

	"github.com/parley-dev/parley/internal/message"
)

func actor(id, role string, weight int) Actor {
	return Actor{AgentID: id, Role: role, Weight: weight}
}

func TestApprovalDecisionOnly(t *testing.T) {
	policy := Policy{
		ID:    "pol-1",
		Kind:  KindApproval,
		Scope: ScopeRun,
		Approval: &ApprovalRule{
			RequiredRoles:     []string{"executive"},
			MinApprovalWeight: 5,
			DecisionOnly:      true,
		},
	}

	// No EXECUTIVE-authored message in history.
	history := []HistoryEntry{
		{Actor: actor("mgr", "manager", 3), Type: message.TypeProposal},
	}

	tests := []struct {
		name        string
		currentType message.Type
		wantAllowed bool
	}{
		{"blocks decision", message.TypeDecision, false},
		{"allows proposal", message.TypeProposal, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := Evaluate(Input{
				Policies:  []Policy{policy},
				History:   history,
				Current:   HistoryEntry{Actor: actor("mgr", "manager", 3), Type: tt.currentType},
				ChannelID: "ch-1",
			})
			if d.Allowed != tt.wantAllowed {
				t.Errorf("Allowed = %v, want %v (reasons: %v)", d.Allowed, tt.wantAllowed, d.Reasons)
			}
			if !tt.wantAllowed && (len(d.BlockingPolicyIDs) != 1 || d.BlockingPolicyIDs[0] != "pol-1") {
				t.Errorf("BlockingPolicyIDs = %v, want [pol-1]", d.BlockingPolicyIDs)
			}
		})
	}
}

func TestApprovalSatisfied(t *testing.T) {
	policy := Policy{
		ID:    "pol-1",
		Kind:  KindApproval,
		Scope: ScopeRun,
		Approval: &ApprovalRule{
			RequiredRoles:     []string{"executive"},
			RequiredAgentIDs:  []string{"exec-1"},
			MinApprovalWeight: 5,
		},
	}

	history := []HistoryEntry{
		{Actor: actor("exec-1", "executive", 6), Type: message.TypeProposal},
	}

	d := Evaluate(Input{
		Policies: []Policy{policy},
		History:  history,
		Current:  HistoryEntry{Actor: actor("mgr", "manager", 1), Type: message.TypeDecision},
	})
	if !d.Allowed {
		t.Errorf("expected allowed, reasons: %v", d.Reasons)
	}
}

func TestApprovalWeightGate(t *testing.T) {
	policy := Policy{
		ID:    "pol-w",
		Kind:  KindApproval,
		Scope: ScopeRun,
		Approval: &ApprovalRule{
			MinApprovalWeight: 5,
			ApprovalTypes:     []message.Type{message.TypeProposal},
		},
	}

	// Two distinct approvers with weight 2 each = 4 < 5.
	history := []HistoryEntry{
		{Actor: actor("a", "manager", 2), Type: message.TypeProposal},
		{Actor: actor("a", "manager", 2), Type: message.TypeProposal}, // same agent counts once
		{Actor: actor("b", "manager", 2), Type: message.TypeProposal},
		{Actor: actor("c", "manager", 9), Type: message.TypeCritique}, // wrong type, ignored
	}

	d := Evaluate(Input{
		Policies: []Policy{policy},
		History:  history,
		Current:  HistoryEntry{Actor: actor("d", "manager", 1), Type: message.TypeDecision},
	})
	if d.Allowed {
		t.Error("expected weight gate to block")
	}
}

func TestVetoTriggering(t *testing.T) {
	policy := Policy{
		ID:    "veto-1",
		Kind:  KindVeto,
		Scope: ScopeRun,
		Veto: &VetoRule{
			VetoRoles:     []string{"director"},
			VetoTypes:     []message.Type{message.TypeCritique},
			BlockTypes:    []message.Type{message.TypeDecision},
			MinVetoWeight: 4,
		},
	}

	history := []HistoryEntry{
		{Actor: actor("dir-1", "director", 3), Type: message.TypeCritique},
		{Actor: actor("dir-2", "director", 2), Type: message.TypeCritique},
		{Actor: actor("mgr-1", "manager", 10), Type: message.TypeCritique}, // wrong role
	}

	tests := []struct {
		name        string
		currentType message.Type
		wantAllowed bool
	}{
		{"decision blocked by accumulated veto weight", message.TypeDecision, false},
		{"proposal untouched by veto gate", message.TypeProposal, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := Evaluate(Input{
				Policies: []Policy{policy},
				History:  history,
				Current:  HistoryEntry{Actor: actor("exec", "executive", 1), Type: tt.currentType},
			})
			if d.Allowed != tt.wantAllowed {
				t.Errorf("Allowed = %v, want %v (reasons: %v)", d.Allowed, tt.wantAllowed, d.Reasons)
			}
		})
	}
}

func TestVetoBelowWeightDoesNotTrigger(t *testing.T) {
	policy := Policy{
		ID:    "veto-2",
		Kind:  KindVeto,
		Scope: ScopeRun,
		Veto: &VetoRule{
			VetoTypes:     []message.Type{message.TypeCritique},
			BlockTypes:    []message.Type{message.TypeDecision},
			MinVetoWeight: 5,
		},
	}

	d := Evaluate(Input{
		Policies: []Policy{policy},
		History: []HistoryEntry{
			{Actor: actor("a", "manager", 2), Type: message.TypeCritique},
		},
		Current: HistoryEntry{Actor: actor("b", "manager", 1), Type: message.TypeDecision},
	})
	if !d.Allowed {
		t.Errorf("expected allowed, reasons: %v", d.Reasons)
	}
}

func TestEscalationIsNonBlocking(t *testing.T) {
	policy := Policy{
		ID:         "esc-1",
		Kind:       KindEscalation,
		Scope:      ScopeWorkspace,
		Escalation: &EscalationRule{BlockedTurnThreshold: 2, Note: "call a human"},
	}

	d := Evaluate(Input{
		Policies:     []Policy{policy},
		Current:      HistoryEntry{Actor: actor("a", "manager", 1), Type: message.TypeProposal},
		BlockedTurns: 3,
	})
	if !d.Allowed {
		t.Error("escalation must never block")
	}
	if len(d.Escalations) != 1 {
		t.Fatalf("Escalations = %v, want one entry", d.Escalations)
	}

	// Below threshold: silent.
	d = Evaluate(Input{
		Policies:     []Policy{policy},
		Current:      HistoryEntry{Actor: actor("a", "manager", 1), Type: message.TypeProposal},
		BlockedTurns: 1,
	})
	if len(d.Escalations) != 0 {
		t.Errorf("Escalations = %v, want none", d.Escalations)
	}
}

func TestChannelScopeFiltering(t *testing.T) {
	policy := Policy{
		ID:        "ch-pol",
		Kind:      KindApproval,
		Scope:     ScopeChannel,
		ChannelID: "ch-1",
		Approval:  &ApprovalRule{RequiredRoles: []string{"executive"}},
	}

	// On another channel the policy is filtered out entirely.
	d := Evaluate(Input{
		Policies:  []Policy{policy},
		Current:   HistoryEntry{Actor: actor("a", "manager", 1), Type: message.TypeDecision},
		ChannelID: "ch-2",
	})
	if !d.Allowed {
		t.Errorf("channel-scoped policy leaked to another channel: %v", d.Reasons)
	}

	d = Evaluate(Input{
		Policies:  []Policy{policy},
		Current:   HistoryEntry{Actor: actor("a", "manager", 1), Type: message.TypeDecision},
		ChannelID: "ch-1",
	})
	if d.Allowed {
		t.Error("expected block on the policy's own channel")
	}
}

func TestMultipleFailingPoliciesAllReported(t *testing.T) {
	policies := []Policy{
		{
			ID: "p1", Kind: KindApproval, Scope: ScopeRun,
			Approval: &ApprovalRule{RequiredRoles: []string{"executive"}},
		},
		{
			ID: "p2", Kind: KindVeto, Scope: ScopeRun,
			Veto: &VetoRule{
				VetoTypes:  []message.Type{message.TypeCritique},
				BlockTypes: []message.Type{message.TypeDecision},
			},
		},
	}

	d := Evaluate(Input{
		Policies: policies,
		History: []HistoryEntry{
			{Actor: actor("critic", "manager", 1), Type: message.TypeCritique},
		},
		Current: HistoryEntry{Actor: actor("a", "manager", 1), Type: message.TypeDecision},
	})
	if d.Allowed {
		t.Fatal("expected block")
	}
	if len(d.BlockingPolicyIDs) != 2 {
		t.Errorf("BlockingPolicyIDs = %v, want both p1 and p2", d.BlockingPolicyIDs)
	}
}

func TestParsePolicy(t *testing.T) {
	cfg := json.RawMessage(`{"requiredRoles":["executive"],"minApprovalWeight":5,"decisionOnly":true}`)
	p, err := ParsePolicy("pol-1", KindApproval, ScopeRun, "", cfg)
	if err != nil {
		t.Fatalf("ParsePolicy: %v", err)
	}
	if p.Approval == nil || !p.Approval.DecisionOnly || p.Approval.MinApprovalWeight != 5 {
		t.Errorf("Approval = %+v", p.Approval)
	}

	// Veto weight floor applied at parse time.
	p, err = ParsePolicy("pol-2", KindVeto, ScopeRun, "", json.RawMessage(`{}`))
	if err != nil {
		t.Fatalf("ParsePolicy veto: %v", err)
	}
	if p.Veto.MinVetoWeight != 1 {
		t.Errorf("MinVetoWeight = %d, want 1", p.Veto.MinVetoWeight)
	}

	if _, err := ParsePolicy("pol-3", Kind("WEIRD"), ScopeRun, "", nil); err == nil {
		t.Error("unknown kind should fail")
	}
	if _, err := ParsePolicy("pol-4", KindApproval, ScopeChannel, "", nil); err == nil {
		t.Error("CHANNEL scope without channel id should fail")
	}
}
