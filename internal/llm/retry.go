package llm

import (
	"context"
	"errors"
	"math/rand"
	"net"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"
)

// isRetryable reports whether a provider error is transient: network
// failures, timeouts, rate limits, and server-side errors.
func isRetryable(err error) bool {
	if err == nil {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	if status, ok := httpStatus(err); ok {
		return status == 408 || status == 429 || status >= 500
	}
	msg := strings.ToLower(err.Error())
	for _, s := range []string{"connection refused", "connection reset", "timeout", "temporarily unavailable", "eof"} {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}

// isOverloaded reports whether the provider signalled capacity
// exhaustion, which warrants trying the fallback model rather than
// more retries against the same one.
func isOverloaded(err error) bool {
	if err == nil {
		return false
	}
	if status, ok := httpStatus(err); ok && (status == 503 || status == 529) {
		return true
	}
	return strings.Contains(strings.ToLower(err.Error()), "overloaded")
}

func httpStatus(err error) (int, bool) {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.HTTPStatusCode, true
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return reqErr.HTTPStatusCode, true
	}
	return 0, false
}

// sleepBackoff sleeps for an exponentially increasing, jittered delay:
// 1s, 2s, 4s, ... capped at 30s.
func sleepBackoff(ctx context.Context, attempt int) error {
	base := time.Second << (attempt - 1)
	if base > 30*time.Second {
		base = 30 * time.Second
	}
	jitter := time.Duration(rand.Int63n(int64(base) / 4))
	select {
	case <-time.After(base + jitter):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
