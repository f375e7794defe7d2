// Package schema validates a model provider's raw response against the
// agent-act schema and repairs what it can. It is a pure function over
// (raw text, channel constraints) with three outcomes:
//
//   - valid: the response parses and satisfies the schema as-is
//   - repaired: the response parses but violates constraints; deterministic
//     coercion fills required fields and clamps lengths
//   - fallback: the response is unparseable or irreparable; a schema-valid
//     stub is emitted with confidence 0.3 and an explicit FALLBACK issue
//
// Nothing here has side effects; the scheduler decides what to do with the
// result.
package schema

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/parley-dev/parley/internal/message"
)

// Status classifies a validation outcome.
type Status string

const (
	// StatusValid means the raw output satisfied the schema unchanged.
	StatusValid Status = "valid"

	// StatusRepaired means constraint violations were coerced away.
	StatusRepaired Status = "repaired"

	// StatusFallback means the output was unsalvageable and a stub was
	// synthesized.
	StatusFallback Status = "fallback"
)

// FallbackConfidence is the fixed confidence assigned to fallback stubs.
const FallbackConfidence = 0.3

// IssueFallback is the issue tag attached to fallback stubs.
const IssueFallback = "FALLBACK"

// DefaultConfidence is assigned when a parseable response omits confidence.
const DefaultConfidence = 0.5

// Result is the outcome of validating one raw provider response.
type Result struct {
	Message message.AgentMessage
	Status  Status
	Issues  []string
}

// rawMessage is the loose shape we accept from the provider before
// validation. Pointers distinguish "absent" from zero values.
type rawMessage struct {
	Type       string         `json:"type"`
	Summary    *string        `json:"summary"`
	Rationale  *string        `json:"rationale"`
	Confidence *float64       `json:"confidence"`
	Payload    map[string]any `json:"payload"`
	ToolCalls  []rawToolCall  `json:"toolCalls"`
}

type rawToolCall struct {
	Name string         `json:"name"`
	Args map[string]any `json:"args"`
}

// Validate checks raw provider text against the agent-act schema.
// allowed is the set of message types the channel permits; lastTurn marks
// the final queued turn (which unlocks preferring decision); fallbackSummary
// seeds stub/placeholder text when the response is missing or unusable.
func Validate(raw string, allowed []message.Type, lastTurn bool, fallbackSummary string) Result {
	content := extractJSONObject(raw)
	if content == "" {
		return fallbackResult(allowed, lastTurn, fallbackSummary, "no JSON object found")
	}

	var rm rawMessage
	if err := json.Unmarshal([]byte(content), &rm); err != nil {
		return fallbackResult(allowed, lastTurn, fallbackSummary, fmt.Sprintf("unmarshal failed: %v", err))
	}

	var issues []string
	note := func(format string, args ...any) {
		issues = append(issues, fmt.Sprintf(format, args...))
	}

	// Message type: coerce to the deterministic default when invalid or
	// not allowed on this channel.
	msgType := message.Type(rm.Type)
	if !msgType.Valid() {
		note("invalid type %q", rm.Type)
		msgType = DefaultType(allowed, lastTurn)
	} else if !typeAllowed(msgType, allowed) {
		note("type %q not allowed on channel", rm.Type)
		msgType = DefaultType(allowed, lastTurn)
	}

	summary := ""
	if rm.Summary != nil {
		summary = strings.TrimSpace(*rm.Summary)
	}
	if summary == "" {
		note("missing summary")
		summary = fallbackSummary
	}
	if len(summary) > message.MaxSummaryLen {
		note("summary exceeds %d chars", message.MaxSummaryLen)
		summary = message.ClampSummary(summary)
	}

	rationale := ""
	if rm.Rationale != nil {
		rationale = *rm.Rationale
	}
	if len(rationale) > message.MaxRationaleLen {
		note("rationale exceeds %d chars", message.MaxRationaleLen)
		rationale = message.ClampRationale(rationale)
	}

	confidence := DefaultConfidence
	switch {
	case rm.Confidence == nil:
		note("missing confidence")
	case *rm.Confidence < 0:
		note("confidence below 0")
		confidence = 0
	case *rm.Confidence > 1:
		note("confidence above 1")
		confidence = 1
	default:
		confidence = *rm.Confidence
	}

	msg := message.AgentMessage{
		Type:       msgType,
		Summary:    summary,
		Rationale:  rationale,
		Confidence: confidence,
	}

	buildPayload(&msg, rm.Payload, summary, note)

	for _, tc := range rm.ToolCalls {
		if strings.TrimSpace(tc.Name) == "" {
			note("dropped tool call with empty name")
			continue
		}
		args := tc.Args
		if args == nil {
			args = map[string]any{}
		}
		msg.ToolCalls = append(msg.ToolCalls, message.ToolCall{Name: tc.Name, Args: args})
	}

	status := StatusValid
	if len(issues) > 0 {
		status = StatusRepaired
		msg.Issues = issues
	}

	return Result{Message: msg, Status: status, Issues: issues}
}

// Fallback synthesizes a schema-valid stub for unusable provider output.
func Fallback(allowed []message.Type, lastTurn bool, fallbackSummary string) message.AgentMessage {
	msgType := DefaultType(allowed, lastTurn)
	msg := message.AgentMessage{
		Type:       msgType,
		Summary:    message.ClampSummary(fallbackSummary),
		Confidence: FallbackConfidence,
		Issues:     []string{IssueFallback},
	}
	fillDefaultPayload(&msg, msg.Summary)
	return msg
}

// DefaultType selects a message type on the model's behalf: decision is
// preferred only on the last queued turn when the channel allows it;
// otherwise the fixed preference order proposal > critique > vote_call >
// decision is applied over the allowed set; otherwise the first allowed
// type wins. An empty allowed set yields proposal.
func DefaultType(allowed []message.Type, lastTurn bool) message.Type {
	if len(allowed) == 0 {
		return message.TypeProposal
	}
	if lastTurn && typeAllowed(message.TypeDecision, allowed) {
		return message.TypeDecision
	}
	for _, preferred := range message.PreferenceOrder() {
		if typeAllowed(preferred, allowed) {
			return preferred
		}
	}
	return allowed[0]
}

func typeAllowed(t message.Type, allowed []message.Type) bool {
	if len(allowed) == 0 {
		return true
	}
	for _, a := range allowed {
		if a == t {
			return true
		}
	}
	return false
}

func fallbackResult(allowed []message.Type, lastTurn bool, fallbackSummary, reason string) Result {
	msg := Fallback(allowed, lastTurn, fallbackSummary)
	return Result{
		Message: msg,
		Status:  StatusFallback,
		Issues:  []string{IssueFallback, reason},
	}
}

// buildPayload constructs the type-specific payload from the loose payload
// map, applying the documented repair defaults for missing fields.
func buildPayload(msg *message.AgentMessage, payload map[string]any, summary string, note func(string, ...any)) {
	if payload == nil {
		note("missing payload")
		fillDefaultPayload(msg, summary)
		return
	}

	switch msg.Type {
	case message.TypeProposal:
		p := &message.ProposalPayload{
			Title: stringField(payload, "title"),
			Plan:  stringSliceField(payload, "plan"),
			Risks: stringSliceField(payload, "risks"),
		}
		if p.Title == "" {
			note("proposal missing title")
			p.Title = message.ClampSummary(summary)
		}
		if len(p.Plan) == 0 {
			note("proposal missing plan")
			p.Plan = []string{summary}
		}
		msg.Proposal = p

	case message.TypeCritique:
		c := &message.CritiquePayload{
			Issues:   stringSliceField(payload, "issues"),
			Severity: stringField(payload, "severity"),
			Requests: stringSliceField(payload, "requests"),
		}
		if len(c.Issues) == 0 {
			note("critique missing issues")
			c.Issues = []string{summary}
		}
		if !validSeverity(c.Severity) {
			note("critique severity %q invalid", c.Severity)
			c.Severity = "medium"
		}
		msg.Critique = c

	case message.TypeVoteCall:
		v := &message.VoteCallPayload{
			Question: stringField(payload, "question"),
			Options:  stringSliceField(payload, "options"),
			Quorum:   intField(payload, "quorum"),
		}
		if strings.TrimSpace(v.Question) == "" {
			note("vote_call missing question")
			v.Question = message.ClampQuestion(summary)
		} else if len(v.Question) > message.MaxQuestionLen {
			note("vote_call question exceeds %d chars", message.MaxQuestionLen)
			v.Question = message.ClampQuestion(v.Question)
		}
		if len(v.Options) < 2 {
			note("vote_call needs at least 2 options")
			v.Options = defaultVoteOptions()
		}
		for i, opt := range v.Options {
			if len(opt) > message.MaxOptionLen {
				note("vote_call option %d exceeds %d chars", i, message.MaxOptionLen)
				v.Options[i] = message.ClampOption(opt)
			}
		}
		if v.Quorum < 0 {
			note("vote_call quorum negative")
			v.Quorum = 0
		}
		msg.VoteCall = v

	case message.TypeDecision:
		d := &message.DecisionPayload{
			Decision:  stringField(payload, "decision"),
			NextSteps: stringSliceField(payload, "nextSteps"),
		}
		if strings.TrimSpace(d.Decision) == "" {
			note("decision missing decision text")
			d.Decision = message.ClampSummary(summary)
		}
		if len(d.NextSteps) == 0 {
			note("decision missing nextSteps")
			d.NextSteps = []string{summary}
		}
		msg.Decision = d
	}
}

// fillDefaultPayload gives msg a minimal schema-valid payload for its type.
func fillDefaultPayload(msg *message.AgentMessage, summary string) {
	switch msg.Type {
	case message.TypeProposal:
		msg.Proposal = &message.ProposalPayload{
			Title: message.ClampSummary(summary),
			Plan:  []string{summary},
		}
	case message.TypeCritique:
		msg.Critique = &message.CritiquePayload{
			Issues:   []string{summary},
			Severity: "medium",
		}
	case message.TypeVoteCall:
		msg.VoteCall = &message.VoteCallPayload{
			Question: message.ClampQuestion(summary),
			Options:  defaultVoteOptions(),
		}
	case message.TypeDecision:
		msg.Decision = &message.DecisionPayload{
			Decision:  message.ClampSummary(summary),
			NextSteps: []string{summary},
		}
	}
}

func defaultVoteOptions() []string {
	return []string{"approve", "revise"}
}

func validSeverity(s string) bool {
	switch s {
	case "low", "medium", "high", "critical":
		return true
	}
	return false
}

// extractJSONObject returns the outermost brace-balanced JSON object in s,
// tolerating surrounding prose and code fences. Returns empty when no
// balanced object exists.
func extractJSONObject(s string) string {
	depth := 0
	start := -1
	inString := false
	escaped := false
	for i, ch := range s {
		if inString {
			switch {
			case escaped:
				escaped = false
			case ch == '\\':
				escaped = true
			case ch == '"':
				inString = false
			}
			continue
		}
		switch ch {
		case '"':
			if depth > 0 {
				inString = true
			}
		case '{':
			if depth == 0 {
				start = i
			}
			depth++
		case '}':
			if depth > 0 {
				depth--
				if depth == 0 && start >= 0 {
					return s[start : i+1]
				}
			}
		}
	}
	return ""
}

func stringField(m map[string]any, key string) string {
	if v, ok := m[key].(string); ok {
		return v
	}
	return ""
}

func stringSliceField(m map[string]any, key string) []string {
	raw, ok := m[key].([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		if s, ok := item.(string); ok && strings.TrimSpace(s) != "" {
			out = append(out, s)
		}
	}
	return out
}

func intField(m map[string]any, key string) int {
	switch v := m[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	}
	return 0
}
