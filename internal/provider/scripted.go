package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// Step is one scripted invocation outcome.
type Step struct {
	Text    string
	Err     error
	Latency time.Duration
}

// ScriptedProvider replays a fixed sequence of responses, then falls back to
// synthesizing a minimal valid proposal from the prompt. Deterministic, used
// for local runs and tests.
type ScriptedProvider struct {
	mu    sync.Mutex
	steps []Step
	calls int
}

// NewScriptedProvider returns a provider replaying the given steps in order.
func NewScriptedProvider(steps []Step) *ScriptedProvider {
	return &ScriptedProvider{steps: steps}
}

// Invoke pops the next scripted step, or synthesizes a proposal once the
// script is exhausted.
func (p *ScriptedProvider) Invoke(ctx context.Context, req Request) (Response, error) {
	if err := ctx.Err(); err != nil {
		return Response{}, err
	}

	p.mu.Lock()
	idx := p.calls
	p.calls++
	var step Step
	if idx < len(p.steps) {
		step = p.steps[idx]
	} else {
		step = Step{Text: synthesize(req, idx)}
	}
	p.mu.Unlock()

	if step.Latency > 0 {
		timer := time.NewTimer(step.Latency)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return Response{}, ctx.Err()
		case <-timer.C:
		}
	}

	if step.Err != nil {
		return Response{}, step.Err
	}

	return Response{
		Text:       step.Text,
		TokensIn:   len(req.Prompt) / 4,
		TokensOut:  len(step.Text) / 4,
		StatusCode: 200,
		Latency:    step.Latency,
	}, nil
}

// Calls returns how many invocations have been served.
func (p *ScriptedProvider) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

func synthesize(req Request, idx int) string {
	summary := fmt.Sprintf("scripted response %d", idx+1)
	out, _ := json.Marshal(map[string]any{
		"type":       "proposal",
		"summary":    summary,
		"rationale":  "deterministic scripted output",
		"confidence": 0.5,
		"payload": map[string]any{
			"title": summary,
			"plan":  []string{summary},
		},
	})
	return string(out)
}
