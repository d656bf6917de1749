package provider

import (
	"context"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// RetryingProvider wraps an LLMProvider with bounded exponential backoff on
// transient failures. Permanent errors and context cancellation pass through
// immediately.
type RetryingProvider struct {
	inner       LLMProvider
	maxRetries  uint64
	maxInterval time.Duration
}

// NewRetryingProvider wraps inner with up to maxRetries retries.
func NewRetryingProvider(inner LLMProvider, maxRetries int) *RetryingProvider {
	if maxRetries <= 0 {
		maxRetries = 3
	}
	return &RetryingProvider{
		inner:       inner,
		maxRetries:  uint64(maxRetries),
		maxInterval: 30 * time.Second,
	}
}

// DefaultModel returns the wrapped provider's default model.
func (p *RetryingProvider) DefaultModel() string {
	return p.inner.DefaultModel()
}

// Chat calls the wrapped provider, retrying transient model errors.
func (p *RetryingProvider) Chat(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
	var resp *ChatResponse

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 500 * time.Millisecond
	bo.MaxInterval = p.maxInterval

	attempt := 0
	op := func() error {
		attempt++
		r, err := p.inner.Chat(ctx, req)
		if err != nil {
			if !IsRetryable(err) {
				return backoff.Permanent(err)
			}
			slog.Warn("Model call failed, retrying", "attempt", attempt, "error", err)
			return err
		}
		resp = r
		return nil
	}

	err := backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(bo, p.maxRetries), ctx))
	if err != nil {
		return nil, err
	}
	return resp, nil
}
