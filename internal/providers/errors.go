package providers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// Error taxonomy shared by the pool and the orchestrator.
var (
	// ErrProviderUnavailable means no instance could take the request: none
	// eligible, or the instance's breaker is open. The fallback walk moves on.
	ErrProviderUnavailable = errors.New("provider unavailable")

	// ErrRateLimited means the instance (or the upstream) is over its quota.
	ErrRateLimited = errors.New("provider rate limited")

	// ErrTimeout means the provider call exceeded its deadline.
	ErrTimeout = errors.New("provider timeout")
)

// StatusCoder is implemented by adapter errors that carry an upstream HTTP
// status.
type StatusCoder interface {
	HTTPStatus() int
}

// ProviderError is the structured error every SDK adapter returns for API
// failures.
type ProviderError struct {
	Provider   string
	StatusCode int
	Message    string
	Type       string
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("%s: %s (status=%d, type=%s)", e.Provider, e.Message, e.StatusCode, e.Type)
}

// HTTPStatus implements StatusCoder.
func (e *ProviderError) HTTPStatus() int { return e.StatusCode }

// Is lets errors.Is match upstream 429s against ErrRateLimited and upstream
// 408/504s against ErrTimeout.
func (e *ProviderError) Is(target error) bool {
	switch target {
	case ErrRateLimited:
		return e.StatusCode == http.StatusTooManyRequests
	case ErrTimeout:
		return e.StatusCode == http.StatusRequestTimeout || e.StatusCode == http.StatusGatewayTimeout
	}
	return false
}

// Classify converts an error into a short category used in log fields,
// metric labels and aggregated failure reports.
func Classify(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, context.Canceled):
		return "canceled"
	case errors.Is(err, ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, ErrRateLimited):
		return "rate_limited"
	case errors.Is(err, ErrProviderUnavailable):
		return "unavailable"
	}
	var sc StatusCoder
	if errors.As(err, &sc) {
		return fmt.Sprintf("http_%d", sc.HTTPStatus())
	}
	return "unknown"
}

// IsRetryable reports whether another provider may succeed where this one
// failed.
//
//   - 5xx, 429, timeouts, unavailability: retryable
//   - other 4xx: not retryable, the request itself is bad
//   - unknown errors: retryable
func IsRetryable(err error) bool {
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, ErrTimeout) || errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, ErrRateLimited) || errors.Is(err, ErrProviderUnavailable) {
		return true
	}
	var sc StatusCoder
	if errors.As(err, &sc) {
		status := sc.HTTPStatus()
		return status >= 500 || status == 0
	}
	return true
}
