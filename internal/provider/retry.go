package provider

import (
	"context"
	"sync"
	"time"

	"github.com/parley-dev/parley/internal/errors"
	"github.com/parley-dev/parley/internal/logging"
)

// RetryOptions configures the retrying wrapper.
type RetryOptions struct {
	// MaxAttempts bounds invocations per request; values below 1 mean 1.
	MaxAttempts int
	// Backoff is the initial sleep between attempts; doubles per attempt.
	Backoff time.Duration
	// RequestsPerMinute rate-limits invocations (0 = unlimited).
	RequestsPerMinute int
}

// RetryingProvider wraps a backend with bounded retry on retryable errors
// plus an instance-owned rate limiter.
type RetryingProvider struct {
	backend ModelProvider
	opts    RetryOptions
	limiter *rateLimiter
	log     *logging.Logger
	sleep   func(context.Context, time.Duration) error
}

// NewRetryingProvider wraps backend. A nil logger is replaced with a no-op.
func NewRetryingProvider(backend ModelProvider, opts RetryOptions, log *logging.Logger) *RetryingProvider {
	if opts.MaxAttempts < 1 {
		opts.MaxAttempts = 1
	}
	if log == nil {
		log = logging.NopLogger()
	}
	return &RetryingProvider{
		backend: backend,
		opts:    opts,
		limiter: newRateLimiter(opts.RequestsPerMinute),
		log:     log.WithComponent("provider"),
		sleep:   sleepContext,
	}
}

// Invoke calls the backend, retrying retryable failures up to MaxAttempts
// with doubling backoff. Non-retryable errors return immediately.
func (p *RetryingProvider) Invoke(ctx context.Context, req Request) (Response, error) {
	var lastErr error
	backoff := p.opts.Backoff

	for attempt := 1; attempt <= p.opts.MaxAttempts; attempt++ {
		if err := p.limiter.wait(ctx); err != nil {
			return Response{}, errors.Wrap(err, "rate limiter interrupted")
		}

		resp, err := p.backend.Invoke(ctx, req)
		if err == nil {
			return resp, nil
		}
		lastErr = err

		if !errors.IsRetryable(err) || attempt == p.opts.MaxAttempts {
			break
		}

		p.log.Debug("provider attempt failed, retrying",
			"attempt", attempt,
			"backoff", backoff.String(),
			"error", err.Error(),
		)
		if backoff > 0 {
			if err := p.sleep(ctx, backoff); err != nil {
				return Response{}, errors.Wrap(err, "retry backoff interrupted")
			}
			backoff *= 2
		}
	}

	return Response{}, lastErr
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// rateLimiter spaces invocations to the configured per-minute rate. A zero
// rate disables limiting.
type rateLimiter struct {
	mu       sync.Mutex
	interval time.Duration
	next     time.Time
	now      func() time.Time
	sleep    func(context.Context, time.Duration) error
}

func newRateLimiter(requestsPerMinute int) *rateLimiter {
	l := &rateLimiter{now: time.Now, sleep: sleepContext}
	if requestsPerMinute > 0 {
		l.interval = time.Minute / time.Duration(requestsPerMinute)
	}
	return l
}

func (l *rateLimiter) wait(ctx context.Context) error {
	if l.interval <= 0 {
		return nil
	}

	l.mu.Lock()
	now := l.now()
	wait := l.next.Sub(now)
	if wait < 0 {
		wait = 0
	}
	start := now.Add(wait)
	l.next = start.Add(l.interval)
	l.mu.Unlock()

	if wait > 0 {
		return l.sleep(ctx, wait)
	}
	return nil
}
