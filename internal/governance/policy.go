// Package governance evaluates approval, veto, and escalation policies
// against a run's turn history plus the current candidate turn. Policies are
// persisted as (kind, scope, config) records and resolved into a tagged
// union once at load time; the evaluator never re-interprets raw config.
package governance

import (
	"encoding/json"
	"fmt"

	"github.com/parley-dev/parley/internal/message"
)

// Kind discriminates the policy union.
type Kind string

const (
	// KindApproval requires prior sign-off from specific roles/agents.
	KindApproval Kind = "APPROVAL"

	// KindVeto blocks a turn when enough veto weight has accumulated.
	KindVeto Kind = "VETO"

	// KindEscalation surfaces a non-blocking signal once enough turns
	// have been blocked.
	KindEscalation Kind = "ESCALATION"
)

// Scope controls which turns a policy applies to.
type Scope string

const (
	// ScopeWorkspace policies apply to every run in the workspace.
	ScopeWorkspace Scope = "WORKSPACE"

	// ScopeRun policies apply to every turn of the run.
	ScopeRun Scope = "RUN"

	// ScopeChannel policies apply only to turns on their channel.
	ScopeChannel Scope = "CHANNEL"
)

// ApprovalRule configures an APPROVAL policy.
type ApprovalRule struct {
	// RequiredRoles must each appear among the approving actors' roles.
	RequiredRoles []string `json:"requiredRoles,omitempty"`

	// RequiredAgentIDs must each have personally approved.
	RequiredAgentIDs []string `json:"requiredAgentIds,omitempty"`

	// ApprovalTypes are the history message types that count as approval.
	// Empty means any message counts.
	ApprovalTypes []message.Type `json:"approvalMessageTypes,omitempty"`

	// MinApprovalWeight is the aggregate weight gate. Zero means no
	// weight gate.
	MinApprovalWeight int `json:"minApprovalWeight,omitempty"`

	// DecisionOnly restricts enforcement to decision turns.
	DecisionOnly bool `json:"decisionOnly,omitempty"`
}

// VetoRule configures a VETO policy.
type VetoRule struct {
	// VetoRoles/VetoAgentIDs filter which actors' messages count as veto
	// expressions. Empty filters match any actor.
	VetoRoles    []string `json:"vetoRoles,omitempty"`
	VetoAgentIDs []string `json:"vetoAgentIds,omitempty"`

	// VetoTypes are the history message types that express a veto.
	// Empty matches any type.
	VetoTypes []message.Type `json:"vetoMessageTypes,omitempty"`

	// BlockTypes are the current-turn message types the gate applies to.
	// The policy is a no-op for other message types.
	BlockTypes []message.Type `json:"blockMessageTypes,omitempty"`

	// MinVetoWeight is the weight at which the veto triggers.
	// Values below 1 default to 1.
	MinVetoWeight int `json:"minVetoWeight,omitempty"`
}

// EscalationRule configures an ESCALATION policy.
type EscalationRule struct {
	BlockedTurnThreshold int    `json:"blockedTurnThreshold"`
	Note                 string `json:"note,omitempty"`
}

// Policy is the resolved tagged union. Exactly one rule pointer is non-nil,
// matching Kind.
type Policy struct {
	ID        string `json:"id"`
	Kind      Kind   `json:"kind"`
	Scope     Scope  `json:"scope"`
	ChannelID string `json:"channelId,omitempty"` // only for ScopeChannel

	Approval   *ApprovalRule   `json:"approval,omitempty"`
	Veto       *VetoRule       `json:"veto,omitempty"`
	Escalation *EscalationRule `json:"escalation,omitempty"`
}

// ParsePolicy resolves a persisted policy record into the tagged union.
// The config blob is interpreted exactly once, here.
func ParsePolicy(id string, kind Kind, scope Scope, channelID string, config json.RawMessage) (Policy, error) {
	p := Policy{ID: id, Kind: kind, Scope: scope, ChannelID: channelID}

	if scope == ScopeChannel && channelID == "" {
		return Policy{}, fmt.Errorf("policy %s: CHANNEL scope requires a channel id", id)
	}

	switch kind {
	case KindApproval:
		rule := &ApprovalRule{}
		if len(config) > 0 {
			if err := json.Unmarshal(config, rule); err != nil {
				return Policy{}, fmt.Errorf("policy %s: invalid approval config: %w", id, err)
			}
		}
		p.Approval = rule
	case KindVeto:
		rule := &VetoRule{}
		if len(config) > 0 {
			if err := json.Unmarshal(config, rule); err != nil {
				return Policy{}, fmt.Errorf("policy %s: invalid veto config: %w", id, err)
			}
		}
		if rule.MinVetoWeight < 1 {
			rule.MinVetoWeight = 1
		}
		p.Veto = rule
	case KindEscalation:
		rule := &EscalationRule{}
		if len(config) > 0 {
			if err := json.Unmarshal(config, rule); err != nil {
				return Policy{}, fmt.Errorf("policy %s: invalid escalation config: %w", id, err)
			}
		}
		p.Escalation = rule
	default:
		return Policy{}, fmt.Errorf("policy %s: unknown kind %q", id, kind)
	}

	return p, nil
}

// AppliesTo reports whether the policy applies to a turn on the given
// channel. Workspace- and run-scoped policies apply always.
func (p *Policy) AppliesTo(channelID string) bool {
	if p.Scope == ScopeChannel {
		return p.ChannelID == channelID
	}
	return true
}
