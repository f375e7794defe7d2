package governance

import (
	"fmt"

	"github.com/parley-dev/parley/internal/message"
)

// Actor identifies one agent with its resolved role and weight.
type Actor struct {
	AgentID string
	Role    string
	Weight  int
}

// HistoryEntry is one settled message in the run's turn history.
type HistoryEntry struct {
	Actor
	Type message.Type
}

// Input is everything the evaluator sees for one candidate turn.
type Input struct {
	Policies []Policy
	History  []HistoryEntry
	Current  HistoryEntry
	// ChannelID is the current turn's channel, used to filter
	// channel-scoped policies.
	ChannelID string
	// BlockedTurns is the cumulative blocked-turn count for the run.
	BlockedTurns int
}

// Decision is the evaluator's verdict. One BlockingPolicyIDs entry is
// produced per failing policy; Escalations are non-blocking signals.
type Decision struct {
	Allowed           bool
	BlockingPolicyIDs []string
	Reasons           []string
	Escalations       []string
}

// Evaluate runs every applicable policy against the turn history plus the
// current candidate turn. Pure: it never mutates its input.
func Evaluate(in Input) Decision {
	d := Decision{Allowed: true}

	for i := range in.Policies {
		p := &in.Policies[i]
		if !p.AppliesTo(in.ChannelID) {
			continue
		}

		switch p.Kind {
		case KindApproval:
			if reason, blocked := evaluateApproval(p.Approval, in); blocked {
				d.Allowed = false
				d.BlockingPolicyIDs = append(d.BlockingPolicyIDs, p.ID)
				d.Reasons = append(d.Reasons, fmt.Sprintf("policy %s: %s", p.ID, reason))
			}
		case KindVeto:
			if reason, blocked := evaluateVeto(p.Veto, in); blocked {
				d.Allowed = false
				d.BlockingPolicyIDs = append(d.BlockingPolicyIDs, p.ID)
				d.Reasons = append(d.Reasons, fmt.Sprintf("policy %s: %s", p.ID, reason))
			}
		case KindEscalation:
			if p.Escalation != nil && p.Escalation.BlockedTurnThreshold > 0 &&
				in.BlockedTurns >= p.Escalation.BlockedTurnThreshold {
				note := p.Escalation.Note
				if note == "" {
					note = fmt.Sprintf("blocked turns reached %d", in.BlockedTurns)
				}
				d.Escalations = append(d.Escalations, fmt.Sprintf("policy %s: %s", p.ID, note))
			}
		}
	}

	return d
}

// evaluateApproval returns (reason, blocked).
func evaluateApproval(rule *ApprovalRule, in Input) (string, bool) {
	if rule == nil {
		return "", false
	}
	if rule.DecisionOnly && in.Current.Type != message.TypeDecision {
		return "", false
	}

	// Distinct actors whose past messages count as approval.
	approvers := make(map[string]Actor)
	for _, entry := range in.History {
		if !typeMatches(entry.Type, rule.ApprovalTypes) {
			continue
		}
		approvers[entry.AgentID] = entry.Actor
	}

	roles := make(map[string]bool, len(approvers))
	weight := 0
	for _, actor := range approvers {
		roles[actor.Role] = true
		weight += clampWeight(actor.Weight)
	}

	for _, required := range rule.RequiredRoles {
		if !roles[required] {
			return fmt.Sprintf("no approval from required role %q", required), true
		}
	}
	for _, required := range rule.RequiredAgentIDs {
		if _, ok := approvers[required]; !ok {
			return fmt.Sprintf("no approval from required agent %q", required), true
		}
	}
	if rule.MinApprovalWeight > 0 && weight < rule.MinApprovalWeight {
		return fmt.Sprintf("approval weight %d below minimum %d", weight, rule.MinApprovalWeight), true
	}

	return "", false
}

// evaluateVeto returns (reason, blocked).
func evaluateVeto(rule *VetoRule, in Input) (string, bool) {
	if rule == nil {
		return "", false
	}
	// The gate only fires for the configured current-turn types.
	if !typeIn(in.Current.Type, rule.BlockTypes) {
		return "", false
	}

	// Distinct actors whose matching messages express a veto.
	vetoers := make(map[string]Actor)
	for _, entry := range in.History {
		if !typeMatches(entry.Type, rule.VetoTypes) {
			continue
		}
		if len(rule.VetoRoles) > 0 && !stringIn(entry.Role, rule.VetoRoles) {
			continue
		}
		if len(rule.VetoAgentIDs) > 0 && !stringIn(entry.AgentID, rule.VetoAgentIDs) {
			continue
		}
		vetoers[entry.AgentID] = entry.Actor
	}

	weight := 0
	for _, actor := range vetoers {
		weight += clampWeight(actor.Weight)
	}

	min := rule.MinVetoWeight
	if min < 1 {
		min = 1
	}
	if weight >= min {
		return fmt.Sprintf("veto weight %d reached minimum %d", weight, min), true
	}
	return "", false
}

// typeMatches treats an empty filter as matching any type.
func typeMatches(t message.Type, filter []message.Type) bool {
	if len(filter) == 0 {
		return true
	}
	return typeIn(t, filter)
}

// typeIn is strict: an empty set matches nothing.
func typeIn(t message.Type, set []message.Type) bool {
	for _, candidate := range set {
		if candidate == t {
			return true
		}
	}
	return false
}

func stringIn(s string, set []string) bool {
	for _, candidate := range set {
		if candidate == s {
			return true
		}
	}
	return false
}

func clampWeight(w int) int {
	if w < 1 {
		return 1
	}
	if w > 20 {
		return 20
	}
	return w
}
