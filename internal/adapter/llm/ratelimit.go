package llm

import (
	"context"

	"golang.org/x/time/rate"

	"openassistant/internal/domain"
)

// RateLimitConfig configures the per-provider request rate limit.
type RateLimitConfig struct {
	// RequestsPerSecond is the sustained request rate. Zero disables limiting.
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	// Burst is the bucket size. Defaults to 1 when limiting is enabled.
	Burst int `yaml:"burst"`
}

// RateLimitedProvider wraps an LLMProvider with a token-bucket rate limit.
// Orchestrated runs fan one user action out into many completions; the
// limiter smooths those bursts before they reach the provider's 429s.
type RateLimitedProvider struct {
	inner   domain.LLMProvider
	limiter *rate.Limiter
}

// NewRateLimitedProvider wraps inner. A zero RequestsPerSecond returns a
// pass-through wrapper.
func NewRateLimitedProvider(inner domain.LLMProvider, cfg RateLimitConfig) *RateLimitedProvider {
	var limiter *rate.Limiter
	if cfg.RequestsPerSecond > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst)
	}
	return &RateLimitedProvider{inner: inner, limiter: limiter}
}

// Chat implements domain.LLMProvider, waiting for a token first.
func (p *RateLimitedProvider) Chat(ctx context.Context, req domain.ChatRequest) (*domain.ChatResponse, error) {
	if err := p.wait(ctx); err != nil {
		return nil, err
	}
	return p.inner.Chat(ctx, req)
}

// ChatStream implements domain.StreamingLLMProvider when the inner provider
// does. Only stream initiation consumes a token.
func (p *RateLimitedProvider) ChatStream(ctx context.Context, req domain.ChatRequest) (<-chan domain.StreamDelta, error) {
	sp, ok := p.inner.(domain.StreamingLLMProvider)
	if !ok {
		return nil, domain.NewDomainError("RateLimitedProvider.ChatStream", domain.ErrProviderError, "provider does not support streaming")
	}
	if err := p.wait(ctx); err != nil {
		return nil, err
	}
	return sp.ChatStream(ctx, req)
}

// Name implements domain.LLMProvider.
func (p *RateLimitedProvider) Name() string { return p.inner.Name() }

func (p *RateLimitedProvider) wait(ctx context.Context) error {
	if p.limiter == nil {
		return nil
	}
	return p.limiter.Wait(ctx)
}

var _ domain.LLMProvider = (*RateLimitedProvider)(nil)
