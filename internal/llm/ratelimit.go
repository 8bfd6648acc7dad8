package llm

import (
	"context"

	"golang.org/x/time/rate"
)

// RateLimited wraps a Provider with a token-bucket rate limiter so burst
// ingestion (bulk uploads) cannot saturate the model backend.
type RateLimited struct {
	inner   Provider
	limiter *rate.Limiter
}

var _ Provider = (*RateLimited)(nil)

// NewRateLimited wraps inner, allowing rps requests per second with the
// given burst. A non-positive rps disables limiting.
func NewRateLimited(inner Provider, rps float64, burst int) *RateLimited {
	var limiter *rate.Limiter
	if rps > 0 {
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
	return &RateLimited{inner: inner, limiter: limiter}
}

func (r *RateLimited) wait(ctx context.Context) error {
	if r.limiter == nil {
		return nil
	}
	return r.limiter.Wait(ctx)
}

// Complete waits for a token, then delegates.
func (r *RateLimited) Complete(ctx context.Context, prompt string) (string, error) {
	if err := r.wait(ctx); err != nil {
		return "", err
	}
	return r.inner.Complete(ctx, prompt)
}

// EmbedBatch waits for a token, then delegates. One token covers the whole
// batch; batching is the mechanism that keeps call counts down.
func (r *RateLimited) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if err := r.wait(ctx); err != nil {
		return nil, err
	}
	return r.inner.EmbedBatch(ctx, texts)
}

// Model delegates to the wrapped provider.
func (r *RateLimited) Model() string { return r.inner.Model() }

// Dimension delegates to the wrapped provider.
func (r *RateLimited) Dimension() int { return r.inner.Dimension() }
