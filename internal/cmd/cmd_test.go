package cmd

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/parley-dev/parley/internal/governance"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func TestLoadPlan(t *testing.T) {
	path := writeFile(t, "plan.json", `{
		"agents": [{"id": "a", "role": "director"}],
		"channels": [{"channelId": "ch", "sourceAgentId": "a", "targetAgentId": "b"}],
		"candidates": [{"id": "c1", "sourceAgentId": "a", "channelId": "ch", "objective": "propose"}]
	}`)

	p, err := loadPlan(path)
	if err != nil {
		t.Fatalf("loadPlan: %v", err)
	}
	if len(p.Candidates) != 1 || p.Candidates[0].ID != "c1" {
		t.Errorf("candidates = %+v", p.Candidates)
	}
	if p.Channel("ch") == nil {
		t.Error("channel ch not parsed")
	}
}

func TestLoadPlanRejectsEmptyCandidates(t *testing.T) {
	path := writeFile(t, "plan.json", `{"agents": [], "channels": [], "candidates": []}`)
	if _, err := loadPlan(path); err == nil {
		t.Fatal("expected error for plan without candidates")
	}
}

func TestLoadPlanMissingFile(t *testing.T) {
	if _, err := loadPlan(filepath.Join(t.TempDir(), "nope.json")); err == nil {
		t.Fatal("expected error for missing plan file")
	}
}

func TestLoadPolicies(t *testing.T) {
	if policies, err := loadPolicies(""); err != nil || policies != nil {
		t.Fatalf("empty path should be a no-op, got %v / %v", policies, err)
	}

	path := writeFile(t, "policies.json", `[
		{"id": "p1", "kind": "VETO", "scope": "RUN", "config": {"vetoRoles": ["executive"]}},
		{"id": "p2", "kind": "APPROVAL", "scope": "CHANNEL", "channelId": "ch-1",
		 "config": {"requiredRoles": ["director"], "decisionOnly": true}}
	]`)
	policies, err := loadPolicies(path)
	if err != nil {
		t.Fatalf("loadPolicies: %v", err)
	}
	if len(policies) != 2 {
		t.Fatalf("policies = %+v", policies)
	}
	if policies[0].Kind != governance.KindVeto || policies[0].Veto == nil {
		t.Errorf("policies[0] = %+v", policies[0])
	}
	// Config blobs are resolved once at load, including the weight floor.
	if policies[0].Veto.MinVetoWeight != 1 {
		t.Errorf("MinVetoWeight = %d, want 1", policies[0].Veto.MinVetoWeight)
	}
	if policies[1].Approval == nil || !policies[1].Approval.DecisionOnly {
		t.Errorf("policies[1] = %+v", policies[1])
	}
}

func TestLoadPoliciesRejectsInvalidRecords(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"unknown kind", `[{"id": "p1", "kind": "QUORUM", "scope": "RUN"}]`},
		{"channel scope without channel id", `[{"id": "p1", "kind": "VETO", "scope": "CHANNEL"}]`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeFile(t, "policies.json", tt.body)
			if _, err := loadPolicies(path); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}
