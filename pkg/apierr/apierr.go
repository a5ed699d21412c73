// Package apierr writes the gateway's JSON error envelope and maps the error
// taxonomy to HTTP statuses.
package apierr

import (
	"context"
	"errors"

	"github.com/goccy/go-json"
	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/inference-gateway/internal/admission"
	"github.com/nulpointcorp/inference-gateway/internal/providers"
)

// ErrorType constants.
const (
	TypeProviderError  = "provider_error"
	TypeRateLimitError = "rate_limit_error"
	TypeInvalidRequest = "invalid_request_error"
	TypeOverloaded     = "overloaded_error"
	TypeServerError    = "server_error"
)

// Code constants.
const (
	CodeRateLimitExceeded = "rate_limit_exceeded"
	CodeQueueFull         = "queue_full"
	CodeInternalError     = "internal_error"
	CodeProviderError     = "provider_error"
	CodeProviderDown      = "provider_unavailable"
	CodeRequestTimeout    = "request_timeout"
	CodeRequestCanceled   = "request_canceled"
	CodeShuttingDown      = "shutting_down"
	CodeInvalidRequest    = "invalid_request"
)

// StatusClientClosed is the non-standard status logged when the caller went
// away before the response was ready.
const StatusClientClosed = 499

type (
	// APIError is the structured error returned to clients.
	APIError struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    string `json:"code"`
	}
	envelope struct {
		Error APIError `json:"error"`
	}
)

// Write writes the error as JSON with the given HTTP status.
func Write(ctx *fasthttp.RequestCtx, status int, message, errType, code string) {
	ctx.SetStatusCode(status)
	ctx.SetContentType("application/json")
	body, _ := json.Marshal(envelope{Error: APIError{
		Message: message,
		Type:    errType,
		Code:    code,
	}})
	ctx.SetBody(body)
}

// WriteProviderError maps an upstream HTTP status to the gateway status.
//
//	upstream 429  → 429 + Retry-After: 60
//	upstream 4xx  → 400, the request itself was rejected
//	upstream 5xx  → 502
func WriteProviderError(ctx *fasthttp.RequestCtx, providerStatus int, msg string) {
	switch {
	case providerStatus == fasthttp.StatusTooManyRequests:
		WriteRateLimit(ctx, msg)
	case providerStatus >= 400 && providerStatus < 500:
		Write(ctx, fasthttp.StatusBadRequest, msg, TypeInvalidRequest, CodeInvalidRequest)
	default:
		Write(ctx, fasthttp.StatusBadGateway, msg, TypeProviderError, CodeProviderError)
	}
}

// WriteTimeout writes a 504 timeout error.
func WriteTimeout(ctx *fasthttp.RequestCtx) {
	Write(ctx, fasthttp.StatusGatewayTimeout, "request timed out", TypeProviderError, CodeRequestTimeout)
}

// WriteRateLimit writes a 429 with a Retry-After hint.
func WriteRateLimit(ctx *fasthttp.RequestCtx, msg string) {
	ctx.Response.Header.Set("Retry-After", "60")
	Write(ctx, fasthttp.StatusTooManyRequests, msg, TypeRateLimitError, CodeRateLimitExceeded)
}

// WriteUnavailable writes a 503.
func WriteUnavailable(ctx *fasthttp.RequestCtx, msg, code string) {
	ctx.Response.Header.Set("Retry-After", "5")
	Write(ctx, fasthttp.StatusServiceUnavailable, msg, TypeOverloaded, code)
}

// WriteError maps err onto a response.
//
//	admission.ErrQueueFull          → 429 queue_full
//	deadline exceeded, ErrTimeout   → 504
//	context.Canceled                → 499
//	ErrProviderUnavailable          → 503
//	ErrRateLimited                  → 429
//	upstream status                 → see WriteProviderError
//	anything else                   → 502
func WriteError(ctx *fasthttp.RequestCtx, err error) {
	var sc providers.StatusCoder
	switch {
	case errors.Is(err, admission.ErrQueueFull):
		ctx.Response.Header.Set("Retry-After", "1")
		Write(ctx, fasthttp.StatusTooManyRequests, err.Error(), TypeOverloaded, CodeQueueFull)
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, providers.ErrTimeout):
		WriteTimeout(ctx)
	case errors.Is(err, context.Canceled):
		Write(ctx, StatusClientClosed, err.Error(), TypeInvalidRequest, CodeRequestCanceled)
	case errors.Is(err, providers.ErrProviderUnavailable):
		WriteUnavailable(ctx, err.Error(), CodeProviderDown)
	case errors.As(err, &sc):
		WriteProviderError(ctx, sc.HTTPStatus(), err.Error())
	case errors.Is(err, providers.ErrRateLimited):
		WriteRateLimit(ctx, err.Error())
	default:
		Write(ctx, fasthttp.StatusBadGateway, err.Error(), TypeProviderError, CodeProviderError)
	}
}
