package llm

import (
	"context"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/simloom/simloom/pkg/models"
)

// RetryOptions bounds outbound LLM calls: per-call timeout, retry budget
// with exponential backoff, and a concurrency cap shared by all callers of
// the wrapped client.
type RetryOptions struct {
	Timeout       time.Duration
	MaxRetries    uint64
	MaxConcurrent int
}

// DefaultRetryOptions mirror the environment knob defaults.
func DefaultRetryOptions() RetryOptions {
	return RetryOptions{
		Timeout:       120 * time.Second,
		MaxRetries:    3,
		MaxConcurrent: 8,
	}
}

type retryingClient struct {
	inner ChatClient
	opts  RetryOptions
	sem   chan struct{}
}

// WithRetry wraps a ChatClient with timeout, exponential-backoff retries and
// a concurrency semaphore. Context cancellation aborts waiting for a slot.
func WithRetry(inner ChatClient, opts RetryOptions) ChatClient {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultRetryOptions().Timeout
	}
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = DefaultRetryOptions().MaxConcurrent
	}
	return &retryingClient{
		inner: inner,
		opts:  opts,
		sem:   make(chan struct{}, opts.MaxConcurrent),
	}
}

func (c *retryingClient) Chat(ctx context.Context, messages []models.Message) (string, error) {
	select {
	case c.sem <- struct{}{}:
		defer func() { <-c.sem }()
	case <-ctx.Done():
		return "", ctx.Err()
	}

	var out string
	attempt := 0
	op := func() error {
		attempt++
		callCtx, cancel := context.WithTimeout(ctx, c.opts.Timeout)
		defer cancel()

		text, err := c.inner.Chat(callCtx, messages)
		if err != nil {
			slog.Debug("LLM call failed", "attempt", attempt, "error", err)
			// Caller cancellation is terminal; everything else is retryable.
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			return err
		}
		out = text
		return nil
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(), c.opts.MaxRetries), ctx)
	if err := backoff.Retry(op, policy); err != nil {
		return "", err
	}
	return out, nil
}
