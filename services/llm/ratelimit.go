package llm

import (
	"context"
	"fmt"
	"log/slog"

	"golang.org/x/time/rate"
)

// RateLimitedClient wraps an LLMClient with a client-side token-bucket
// limiter. A single pipeline turn can issue up to six synthesis calls
// in quick succession when it is retrying; the limiter keeps a burst of
// concurrent turns from tripping provider rate limits.
type RateLimitedClient struct {
	inner   LLMClient
	limiter *rate.Limiter
}

// NewRateLimited wraps inner so that calls are limited to rps requests
// per second with the given burst. rps <= 0 returns inner unchanged.
func NewRateLimited(inner LLMClient, rps float64, burst int) LLMClient {
	if rps <= 0 {
		return inner
	}
	if burst < 1 {
		burst = 1
	}
	slog.Info("LLM rate limiting enabled", "rps", rps, "burst", burst)
	return &RateLimitedClient{
		inner:   inner,
		limiter: rate.NewLimiter(rate.Limit(rps), burst),
	}
}

// Generate waits for limiter capacity, then delegates. A context
// cancelled while waiting returns before the backend is ever called.
func (r *RateLimitedClient) Generate(ctx context.Context, prompt string, params GenerationParams) (string, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return "", fmt.Errorf("rate limiter wait: %w", err)
	}
	return r.inner.Generate(ctx, prompt, params)
}

var _ LLMClient = (*RateLimitedClient)(nil)
