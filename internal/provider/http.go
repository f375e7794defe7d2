package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/parley-dev/parley/internal/config"
	"github.com/parley-dev/parley/internal/errors"
)

// HTTPProvider invokes a JSON-over-HTTP completion endpoint.
type HTTPProvider struct {
	client  *http.Client
	baseURL string
	model   string
	apiKey  string
}

// NewHTTPProvider builds the http backend from provider config. The API key
// is read once from the configured environment variable.
func NewHTTPProvider(cfg config.ProviderConfig) (*HTTPProvider, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("http provider requires a base url")
	}
	return &HTTPProvider{
		client:  &http.Client{Timeout: 5 * time.Minute},
		baseURL: cfg.BaseURL,
		model:   cfg.Model,
		apiKey:  os.Getenv(cfg.APIKeyEnv),
	}, nil
}

type httpRequest struct {
	Model         string   `json:"model"`
	Prompt        string   `json:"prompt"`
	ThinkingLevel string   `json:"thinkingLevel,omitempty"`
	Tools         []string `json:"tools,omitempty"`
}

type httpResponse struct {
	Text      string `json:"text"`
	TokensIn  int    `json:"tokensIn"`
	TokensOut int    `json:"tokensOut"`
	Error     string `json:"error,omitempty"`
}

// Invoke posts the request and maps the status code onto the retryable /
// non-retryable error split.
func (p *HTTPProvider) Invoke(ctx context.Context, req Request) (Response, error) {
	body, err := json.Marshal(httpRequest{
		Model:         p.model,
		Prompt:        req.Prompt,
		ThinkingLevel: req.ThinkingLevel,
		Tools:         req.Tools,
	})
	if err != nil {
		return Response{}, errors.Wrap(err, "encoding provider request")
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL, bytes.NewReader(body))
	if err != nil {
		return Response{}, errors.Wrap(err, "building provider request")
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if p.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	start := time.Now()
	httpResp, err := p.client.Do(httpReq)
	if err != nil {
		// Network failures are transient.
		return Response{}, errors.NewTurnErrorf(errors.CodeTransientRuntime, "provider request failed").WithCause(err)
	}
	defer func() { _ = httpResp.Body.Close() }()
	latency := time.Since(start)

	raw, err := io.ReadAll(io.LimitReader(httpResp.Body, 4<<20))
	if err != nil {
		return Response{}, errors.NewTurnErrorf(errors.CodeTransientRuntime, "reading provider response").WithCause(err)
	}

	if httpResp.StatusCode != http.StatusOK {
		return Response{}, classifyStatus(httpResp.StatusCode, truncate(string(raw), 200))
	}

	var parsed httpResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return Response{}, errors.NewTurnErrorf(errors.CodeRuntimeError, "malformed provider response").WithCause(err)
	}
	if parsed.Error != "" {
		return Response{}, errors.NewTurnErrorf(errors.CodeRuntimeError, "provider error: %s", parsed.Error)
	}

	return Response{
		Text:       parsed.Text,
		TokensIn:   parsed.TokensIn,
		TokensOut:  parsed.TokensOut,
		StatusCode: httpResp.StatusCode,
		Latency:    latency,
	}, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
