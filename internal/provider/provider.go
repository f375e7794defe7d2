// Package provider adapts model backends to the scheduler's invocation
// contract: prompt in, raw text plus telemetry out, with a retryable /
// non-retryable error distinction.
package provider

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/parley-dev/parley/internal/config"
	"github.com/parley-dev/parley/internal/errors"
	"github.com/parley-dev/parley/internal/logging"
)

// Thinking levels passed through to the backend.
const (
	ThinkingLow    = "low"
	ThinkingMedium = "medium"
	ThinkingHigh   = "high"
)

// Request is one model invocation.
type Request struct {
	Prompt        string
	ThinkingLevel string
	// Tools lists the tool names declared available to the model.
	Tools []string
}

// Response carries the raw model output plus telemetry.
type Response struct {
	Text       string
	TokensIn   int
	TokensOut  int
	StatusCode int
	Latency    time.Duration
}

// ModelProvider is the contract the scheduler invokes the model through.
type ModelProvider interface {
	Invoke(ctx context.Context, req Request) (Response, error)
}

// ErrUnknownBackend is returned when the configured backend is unsupported.
var ErrUnknownBackend = fmt.Errorf("unknown provider backend")

// NewFromConfig builds a ModelProvider from configuration. The returned
// provider already wraps backend-level retry and rate limiting.
func NewFromConfig(cfg *config.Config, log *logging.Logger) (ModelProvider, error) {
	if cfg == nil {
		return nil, fmt.Errorf("missing config")
	}

	var base ModelProvider
	switch strings.ToLower(cfg.Provider.Backend) {
	case "scripted", "":
		base = NewScriptedProvider(nil)
	case "http":
		p, err := NewHTTPProvider(cfg.Provider)
		if err != nil {
			return nil, err
		}
		base = p
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownBackend, cfg.Provider.Backend)
	}

	return NewRetryingProvider(base, RetryOptions{
		MaxAttempts:       cfg.Provider.MaxAttempts,
		Backoff:           cfg.Provider.Backoff(),
		RequestsPerMinute: cfg.Provider.RequestsPerMinute,
	}, log), nil
}

// classifyStatus maps an HTTP-style status code to a turn error. 429 and
// 5xx-class failures are retryable; other 4xx failures are not.
func classifyStatus(status int, detail string) error {
	switch {
	case status == 429 || status >= 500:
		return errors.NewTurnErrorf(errors.CodeTransientRuntime, "provider returned %d: %s", status, detail)
	default:
		return errors.NewTurnErrorf(errors.CodeRuntimeError, "provider returned %d: %s", status, detail)
	}
}
