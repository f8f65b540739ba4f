// Package llm provides the language-model infrastructure: an
// OpenAI-compatible provider, retry and fallback policy, per-user
// sliding-window rate limiting, response caching, prompt-size
// pre-flight, and prompt-injection sanitization.
//
// The process carries one Infra instance with explicit lifecycle
// (NewInfra / Shutdown); callers receive it by injection, never via
// package globals.
package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/engramhq/engram/internal/kv"
	"github.com/engramhq/engram/internal/ratelimit"
)

// Usage is the provider's token accounting for one call.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// Request is one generation request.
type Request struct {
	System      string
	Prompt      string
	Temperature float32
	MaxTokens   int
	Model       string // Override; empty uses the configured default.
	UserID      string // Rate-limit principal; empty means anonymous.
}

// Response is a completed generation.
type Response struct {
	Text  string
	Model string
	Usage Usage
}

// Provider is the raw model client. Implementations must be safe for
// concurrent use.
type Provider interface {
	// Generate runs a synchronous completion.
	Generate(ctx context.Context, req Request) (Response, error)

	// GenerateStream starts a streaming completion. The returned channel
	// is closed when the stream ends; a terminal error (if any) is
	// delivered on the error channel.
	GenerateStream(ctx context.Context, req Request) (<-chan string, <-chan error, error)

	// DefaultModel returns the model used when Request.Model is empty.
	DefaultModel() string
}

// ErrPromptTooLarge is returned before any provider call when the
// estimated prompt size exceeds the configured cap.
var ErrPromptTooLarge = errors.New("llm: prompt exceeds maximum size")

// ErrInjectionRejected is returned when sanitization is configured to
// reject and the prompt scores HIGH or CRITICAL injection risk.
var ErrInjectionRejected = errors.New("llm: prompt rejected by injection filter")

// InfraConfig tunes the Infra wrapper.
type InfraConfig struct {
	MaxRetries      int
	MaxPromptTokens int
	FallbackModel   string // Empty disables overload fallback.
	RequestsPerMin  int
	AnonymousPerMin int
	RateLimitWait   time.Duration
	RejectInjection bool
	CacheTTL        time.Duration
	PromptVersion   string
}

// Infra wraps a Provider with the operational policy every caller needs.
type Infra struct {
	provider Provider
	limiter  *ratelimit.Limiter
	cache    *ResponseCache
	cfg      InfraConfig
	logger   *slog.Logger
}

// NewInfra builds the LLM infrastructure singleton. limiter and store
// may be nil (rate limiting and caching degrade to no-ops).
func NewInfra(provider Provider, limiter *ratelimit.Limiter, store *kv.Store, cfg InfraConfig, logger *slog.Logger) *Infra {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RateLimitWait <= 0 {
		cfg.RateLimitWait = 30 * time.Second
	}
	return &Infra{
		provider: provider,
		limiter:  limiter,
		cache:    NewResponseCache(store, cfg.PromptVersion, cfg.CacheTTL),
		cfg:      cfg,
		logger:   logger,
	}
}

// Cache exposes the response cache for callers that key by content hash
// (the extractor caches validated output under its own type names).
func (i *Infra) Cache() *ResponseCache { return i.cache }

// Shutdown releases resources. Present for lifecycle symmetry; the
// provider holds no connections that outlive requests.
func (i *Infra) Shutdown(context.Context) error { return nil }

// Generate runs a completion with pre-flight checks, rate limiting,
// retries, and overload fallback.
func (i *Infra) Generate(ctx context.Context, req Request) (Response, error) {
	if err := i.preflight(&req); err != nil {
		return Response{}, err
	}
	if err := i.waitLimit(ctx, req.UserID); err != nil {
		return Response{}, err
	}

	resp, err := i.generateWithRetry(ctx, req)
	if err != nil && i.cfg.FallbackModel != "" && isOverloaded(err) {
		i.logger.Warn("llm: primary model overloaded, trying fallback",
			"model", req.Model, "fallback", i.cfg.FallbackModel, "error", err)
		fbReq := req
		fbReq.Model = i.cfg.FallbackModel
		resp, err = i.generateWithRetry(ctx, fbReq)
	}
	if err != nil {
		return Response{}, err
	}

	i.logger.Debug("llm: generation complete",
		"model", resp.Model,
		"prompt_tokens", resp.Usage.PromptTokens,
		"completion_tokens", resp.Usage.CompletionTokens)
	return resp, nil
}

// GenerateStream runs a streaming completion. Chunks have <think>
// regions stripped across chunk boundaries.
func (i *Infra) GenerateStream(ctx context.Context, req Request) (<-chan string, <-chan error, error) {
	if err := i.preflight(&req); err != nil {
		return nil, nil, err
	}
	if err := i.waitLimit(ctx, req.UserID); err != nil {
		return nil, nil, err
	}

	raw, rawErrs, err := i.provider.GenerateStream(ctx, req)
	if err != nil {
		return nil, nil, err
	}

	out := make(chan string, 16)
	errs := make(chan error, 1)
	go func() {
		defer close(out)
		defer close(errs)
		stripper := NewThinkStripper()
		for chunk := range raw {
			if clean := stripper.Feed(chunk); clean != "" {
				select {
				case out <- clean:
				case <-ctx.Done():
					errs <- ctx.Err()
					return
				}
			}
		}
		if tail := stripper.Flush(); tail != "" {
			out <- tail
		}
		if err := <-rawErrs; err != nil {
			errs <- err
		}
	}()
	return out, errs, nil
}

func (i *Infra) preflight(req *Request) error {
	tokens := EstimateTokens(req.System) + EstimateTokens(req.Prompt)
	if i.cfg.MaxPromptTokens > 0 && tokens > i.cfg.MaxPromptTokens {
		return fmt.Errorf("%w: estimated %d tokens, cap %d", ErrPromptTooLarge, tokens, i.cfg.MaxPromptTokens)
	}

	sanitized, risk := Sanitize(req.Prompt)
	if risk >= RiskHigh {
		if i.cfg.RejectInjection {
			return fmt.Errorf("%w: risk %s", ErrInjectionRejected, risk)
		}
		i.logger.Warn("llm: prompt injection patterns sanitized", "risk", risk.String())
	}
	req.Prompt = sanitized
	return nil
}

func (i *Infra) waitLimit(ctx context.Context, userID string) error {
	if i.limiter == nil {
		return nil
	}
	rule := ratelimit.Rule{
		Prefix: "user",
		Limit:  i.cfg.RequestsPerMin,
		Window: time.Minute,
	}
	key := userID + ":nvidia_api"
	if userID == "" {
		// Anonymous callers share one stricter bucket.
		rule.Prefix = "anonymous"
		rule.Limit = i.cfg.AnonymousPerMin
		key = "nvidia_api"
	}
	return i.limiter.Wait(ctx, rule, key, i.cfg.RateLimitWait)
}

func (i *Infra) generateWithRetry(ctx context.Context, req Request) (Response, error) {
	var lastErr error
	for attempt := 0; attempt <= i.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			if err := sleepBackoff(ctx, attempt); err != nil {
				return Response{}, err
			}
			i.logger.Debug("llm: retrying", "attempt", attempt, "error", lastErr)
		}
		resp, err := i.provider.Generate(ctx, req)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if !isRetryable(err) {
			return Response{}, err
		}
	}
	return Response{}, fmt.Errorf("llm: %d retries exhausted: %w", i.cfg.MaxRetries, lastErr)
}
