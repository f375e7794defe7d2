// Package message defines the typed messages agents exchange over channels:
// the message-type enum, per-type payload shapes, declared tool calls, and
// the length clamps applied to free-text fields.
package message

import "unicode/utf8"

// Type identifies the kind of message an agent produced on a turn.
type Type string

const (
	// TypeProposal is a constructive suggestion with a plan and risks.
	TypeProposal Type = "proposal"

	// TypeCritique raises issues against an earlier message.
	TypeCritique Type = "critique"

	// TypeVoteCall asks the participants to settle a question by ballot.
	TypeVoteCall Type = "vote_call"

	// TypeDecision is a terminating decision; a completed decision turn
	// ends the run.
	TypeDecision Type = "decision"
)

// String returns the string representation of the message type.
func (t Type) String() string {
	return string(t)
}

// Valid reports whether t is one of the four known message types.
func (t Type) Valid() bool {
	switch t {
	case TypeProposal, TypeCritique, TypeVoteCall, TypeDecision:
		return true
	}
	return false
}

// PreferenceOrder is the fixed fallback ordering used when a message type
// must be chosen on the model's behalf: proposal > critique > vote_call >
// decision.
func PreferenceOrder() []Type {
	return []Type{TypeProposal, TypeCritique, TypeVoteCall, TypeDecision}
}

// Length clamps applied to free-text fields. Values beyond these limits are
// truncated, never rejected.
const (
	MaxSummaryLen   = 600
	MaxRationaleLen = 1200
	MaxQuestionLen  = 400
	MaxOptionLen    = 120
)

// ClampSummary truncates s to MaxSummaryLen.
func ClampSummary(s string) string { return clamp(s, MaxSummaryLen) }

// ClampRationale truncates s to MaxRationaleLen.
func ClampRationale(s string) string { return clamp(s, MaxRationaleLen) }

// ClampQuestion truncates s to MaxQuestionLen.
func ClampQuestion(s string) string { return clamp(s, MaxQuestionLen) }

// ClampOption truncates s to MaxOptionLen.
func ClampOption(s string) string { return clamp(s, MaxOptionLen) }

func clamp(s string, max int) string {
	if len(s) <= max {
		return s
	}
	// Back off to a rune boundary so truncation never leaves invalid UTF-8.
	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}

// AgentMessage is a validated structured message produced by one agent on
// one turn. Exactly one payload pointer is non-nil, matching Type.
type AgentMessage struct {
	Type       Type    `json:"type"`
	Summary    string  `json:"summary"`
	Rationale  string  `json:"rationale,omitempty"`
	Confidence float64 `json:"confidence"`

	Proposal *ProposalPayload `json:"proposal,omitempty"`
	Critique *CritiquePayload `json:"critique,omitempty"`
	VoteCall *VoteCallPayload `json:"voteCall,omitempty"`
	Decision *DecisionPayload `json:"decision,omitempty"`

	// Issues carries validation/repair annotations (e.g. "FALLBACK").
	Issues []string `json:"issues,omitempty"`

	// ToolCalls are the side-effecting actions the agent declared.
	// They are executed by the tool gateway, never by the validator.
	ToolCalls []ToolCall `json:"toolCalls,omitempty"`
}

// Payload returns the non-nil payload for the message's type, or nil if the
// message is inconsistent.
func (m *AgentMessage) Payload() any {
	switch m.Type {
	case TypeProposal:
		if m.Proposal != nil {
			return m.Proposal
		}
	case TypeCritique:
		if m.Critique != nil {
			return m.Critique
		}
	case TypeVoteCall:
		if m.VoteCall != nil {
			return m.VoteCall
		}
	case TypeDecision:
		if m.Decision != nil {
			return m.Decision
		}
	}
	return nil
}

// ProposalPayload is the payload for proposal messages.
type ProposalPayload struct {
	Title string   `json:"title"`
	Plan  []string `json:"plan"`
	Risks []string `json:"risks,omitempty"`
}

// CritiquePayload is the payload for critique messages.
type CritiquePayload struct {
	Issues   []string `json:"issues"`
	Severity string   `json:"severity"`
	Requests []string `json:"requests,omitempty"`
}

// VoteCallPayload is the payload for vote_call messages.
type VoteCallPayload struct {
	Question string   `json:"question"`
	Options  []string `json:"options"`
	Quorum   int      `json:"quorum,omitempty"`
}

// DecisionPayload is the payload for decision messages.
type DecisionPayload struct {
	Decision  string   `json:"decision"`
	NextSteps []string `json:"nextSteps"`
}

// ToolCall is a declared side-effecting action. Args is kept as a loose map
// until the tool gateway validates it against the tool's closed schema.
type ToolCall struct {
	Name string         `json:"name"`
	Args map[string]any `json:"args"`
}
