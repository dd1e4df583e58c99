package llm

import (
	"context"
	"log/slog"
	"time"

	"github.com/sethvargo/go-retry"
)

// RetryPolicy bounds retries of transient engine failures.
type RetryPolicy struct {
	Attempts int           // total attempts, including the first
	Base     time.Duration // first backoff interval
	Max      time.Duration // cap on any single interval

	// AttemptTimeout bounds each individual attempt. Zero leaves only
	// the caller's deadline in force.
	AttemptTimeout time.Duration
}

// Backoff builds the go-retry backoff for the policy. Attempts below
// one are treated as one (no retry).
func (p RetryPolicy) Backoff() retry.Backoff {
	base := p.Base
	if base <= 0 {
		base = 500 * time.Millisecond
	}
	retries := p.Attempts - 1
	if retries < 0 {
		retries = 0
	}
	b := retry.NewExponential(base)
	if p.Max > 0 {
		b = retry.WithCappedDuration(p.Max, b)
	}
	b = retry.WithJitterPercent(10, b)
	return retry.WithMaxRetries(uint64(retries), b)
}

// RetryingClient wraps a Client so transient failures (rate limits,
// 5xx, timeouts, refused connections) are retried with capped
// exponential backoff. Fatal failures return immediately.
type RetryingClient struct {
	next   Client
	policy RetryPolicy
	logger *slog.Logger
}

// NewRetryingClient wraps next with the given policy.
func NewRetryingClient(next Client, policy RetryPolicy, logger *slog.Logger) *RetryingClient {
	if logger == nil {
		logger = slog.Default()
	}
	return &RetryingClient{next: next, policy: policy, logger: logger}
}

// Chat implements Client.
func (c *RetryingClient) Chat(ctx context.Context, model string, messages []Message, tools []Tool, opts ...ChatOption) (*ChatResponse, error) {
	var resp *ChatResponse
	attempt := 0
	err := retry.Do(ctx, c.policy.Backoff(), func(ctx context.Context) error {
		attempt++
		callCtx, cancel := ctx, context.CancelFunc(func() {})
		if c.policy.AttemptTimeout > 0 {
			callCtx, cancel = context.WithTimeout(ctx, c.policy.AttemptTimeout)
		}
		r, err := c.next.Chat(callCtx, model, messages, tools, opts...)
		cancel()
		if err != nil {
			if IsTransient(err) && ctx.Err() == nil {
				c.logger.Warn("transient engine failure",
					"model", model,
					"attempt", attempt,
					"error", err,
				)
				return retry.RetryableError(err)
			}
			return err
		}
		resp = r
		return nil
	})
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// Ping implements Client.
func (c *RetryingClient) Ping(ctx context.Context) error {
	return c.next.Ping(ctx)
}
