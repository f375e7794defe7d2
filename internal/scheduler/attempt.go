package scheduler

import (
	"context"
	stderrors "errors"
	"fmt"
	"strings"

	"github.com/parley-dev/parley/internal/errors"
	"github.com/parley-dev/parley/internal/mount"
	"github.com/parley-dev/parley/internal/plan"
	"github.com/parley-dev/parley/internal/provider"
	"github.com/parley-dev/parley/internal/run"
	"github.com/parley-dev/parley/internal/schema"
	"github.com/parley-dev/parley/internal/toolgate"
)

// attemptResult is the successful outcome of one model invocation plus
// validation.
type attemptResult struct {
	output   *run.TurnOutput
	mountIDs []string
}

// executeAttempt runs one attempt: fault injection, mount resolution,
// prompt assembly, the timeout-raced model call, and schema validation.
// A natural timeout produces a fallback output without error; injected
// faults and provider failures return a coded error for the retry path.
func (s *Scheduler) executeAttempt(ctx context.Context, ls *loopState, turn *run.Turn, cand *plan.Candidate, turns []*run.Turn) (*attemptResult, error) {
	seq := turn.Sequence
	firstAttempt := turn.Attempts == 1

	// Fault injection hits only the first attempt of a listed sequence, so
	// the retry path is exercised deterministically.
	if firstAttempt && ls.runtime.InjectsTransient(seq) {
		return nil, errors.NewTurnErrorf(errors.CodeTransientRuntime, "injected transient failure on sequence %d", seq)
	}
	if firstAttempt && ls.runtime.InjectsTimeout(seq) {
		return nil, errors.NewTurnErrorf(errors.CodeTurnTimeout, "injected timeout on sequence %d", seq)
	}

	items := s.resolveMounts(ctx, ls, turn)
	mountIDs := cand.MountItemIDs
	if len(mountIDs) == 0 {
		mountIDs = mount.IDs(items)
	}

	prompt := buildPrompt(ls.plan, cand, turn, turns, items, s.opts.ContextWindowSize)

	invokeCtx, cancel := context.WithTimeout(ctx, ls.runtime.TurnTimeout())
	defer cancel()

	resp, err := s.provider.Invoke(invokeCtx, provider.Request{
		Prompt:        prompt,
		ThinkingLevel: thinkingFor(ls.plan.AgentRole(turn.AgentID)),
		Tools:         toolNames(),
	})

	raw := resp.Text
	timedOut := false
	if err != nil {
		switch {
		case ctx.Err() != nil:
			// Caller cancelled; abort rather than charging the turn.
			return nil, ctx.Err()
		case stderrors.Is(err, context.DeadlineExceeded):
			// The turn's own budget ran out. No retry; the validator
			// synthesizes a fallback stub from empty text.
			timedOut = true
			raw = ""
		default:
			return nil, err
		}
	}

	lastTurn := countByStatus(turns, run.TurnQueued) == 0
	fallbackSummary := fmt.Sprintf("%s produced no usable output for %q", turn.AgentID, cand.Objective)
	if timedOut {
		fallbackSummary = fmt.Sprintf("%s timed out on %q", turn.AgentID, cand.Objective)
	}

	vres := schema.Validate(raw, cand.AllowedTypes, lastTurn, fallbackSummary)
	issues := vres.Issues
	if timedOut {
		issues = append(issues, fmt.Sprintf("turn exceeded its %s budget", ls.runtime.TurnTimeout()))
	}

	return &attemptResult{
		output: &run.TurnOutput{
			Message:          vres.Message,
			ValidationStatus: vres.Status,
			ValidationIssues: issues,
			TokensIn:         resp.TokensIn,
			TokensOut:        resp.TokensOut,
			LatencyMs:        resp.Latency.Milliseconds(),
		},
		mountIDs: mountIDs,
	}, nil
}

// resolveMounts returns the vault items visible to this turn. Resolution
// failures degrade to an empty mount context.
func (s *Scheduler) resolveMounts(ctx context.Context, ls *loopState, turn *run.Turn) []mount.Item {
	if s.mounts == nil {
		return nil
	}
	items, err := s.mounts.Resolve(ctx, ls.run.ID, turn.AgentID, turn.ChannelID)
	if err != nil {
		ls.log.Warn("mount resolution failed", "sequence", turn.Sequence, "error", err.Error())
		return nil
	}
	return items
}

// thinkingFor maps an agent role to a thinking level: executives get the
// deep budget, directors medium, everyone else low.
func thinkingFor(role string) string {
	switch role {
	case plan.RoleExecutive:
		return provider.ThinkingHigh
	case plan.RoleDirector:
		return provider.ThinkingMedium
	default:
		return provider.ThinkingLow
	}
}

func toolNames() []string {
	return []string{
		toolgate.ToolPostMessage,
		toolgate.ToolRequestVote,
		toolgate.ToolFetchMount,
		toolgate.ToolCheckpointState,
		toolgate.ToolSetStatus,
	}
}

// buildPrompt assembles the turn's conversation context: the objective, the
// participant roster, three recency slices over strictly earlier settled
// turns (global, same channel, same actor), and the mounted items.
func buildPrompt(p *plan.Plan, cand *plan.Candidate, turn *run.Turn, turns []*run.Turn, items []mount.Item, windowSize int) string {
	var b strings.Builder

	fmt.Fprintf(&b, "You are agent %s", turn.AgentID)
	if role := p.AgentRole(turn.AgentID); role != "" {
		fmt.Fprintf(&b, " (%s)", role)
	}
	fmt.Fprintf(&b, " on channel %s.\n", turn.ChannelID)
	fmt.Fprintf(&b, "Objective: %s\n", cand.Objective)
	if cand.TargetAgentID != "" {
		fmt.Fprintf(&b, "Addressing: %s\n", cand.TargetAgentID)
	}
	if len(cand.AllowedTypes) > 0 {
		types := make([]string, len(cand.AllowedTypes))
		for i, t := range cand.AllowedTypes {
			types[i] = string(t)
		}
		fmt.Fprintf(&b, "Allowed message types: %s\n", strings.Join(types, ", "))
	}

	if len(p.Agents) > 0 {
		b.WriteString("\nParticipants:\n")
		for _, a := range p.Agents {
			fmt.Fprintf(&b, "- %s (%s)\n", a.ID, a.Role)
		}
	}

	window := contextWindow(turns, turn, windowSize)
	if len(window) > 0 {
		b.WriteString("\nConversation so far:\n")
		for _, t := range window {
			fmt.Fprintf(&b, "[%d] %s on %s (%s): %s\n",
				t.Sequence, t.AgentID, t.ChannelID, t.Output.Message.Type, t.Output.Message.Summary)
		}
	}

	if len(items) > 0 {
		b.WriteString("\nMounted context:\n")
		for _, item := range items {
			fmt.Fprintf(&b, "- %s: %s (%s, %d bytes)\n", item.ID, item.Name, item.MimeType, item.ByteSize)
		}
	}

	b.WriteString("\nRespond with a single JSON object: " +
		`{"type","summary","rationale","confidence","payload",` +
		`"toolCalls":[{"name","args"}]}` + "\n")
	return b.String()
}

// contextWindow merges three recency slices over completed turns with a
// strictly earlier sequence: the last windowSize turns globally, on this
// turn's channel, and by this turn's actor. Deduplicated, sequence order.
func contextWindow(turns []*run.Turn, current *run.Turn, windowSize int) []*run.Turn {
	var settled []*run.Turn
	for _, t := range turns {
		if t.Sequence >= current.Sequence {
			continue
		}
		if t.Status != run.TurnCompleted || t.Output == nil {
			continue
		}
		settled = append(settled, t)
	}

	keep := make(map[string]bool)
	lastN := func(match func(*run.Turn) bool) {
		n := 0
		for i := len(settled) - 1; i >= 0 && n < windowSize; i-- {
			if match(settled[i]) {
				keep[settled[i].ID] = true
				n++
			}
		}
	}
	lastN(func(*run.Turn) bool { return true })
	lastN(func(t *run.Turn) bool { return t.ChannelID == current.ChannelID })
	lastN(func(t *run.Turn) bool { return t.AgentID == current.AgentID })

	var window []*run.Turn
	for _, t := range settled {
		if keep[t.ID] {
			window = append(window, t)
		}
	}
	return window
}
