package apierr

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/goccy/go-json"
	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/inference-gateway/internal/admission"
	"github.com/nulpointcorp/inference-gateway/internal/providers"
)

func decode(t *testing.T, ctx *fasthttp.RequestCtx) APIError {
	t.Helper()
	var env envelope
	if err := json.Unmarshal(ctx.Response.Body(), &env); err != nil {
		t.Fatalf("body is not an error envelope: %v (%s)", err, ctx.Response.Body())
	}
	return env.Error
}

func TestWrite(t *testing.T) {
	ctx := &fasthttp.RequestCtx{}
	Write(ctx, fasthttp.StatusBadRequest, "bad", TypeInvalidRequest, CodeInvalidRequest)

	if ctx.Response.StatusCode() != fasthttp.StatusBadRequest {
		t.Errorf("expected 400, got %d", ctx.Response.StatusCode())
	}
	if string(ctx.Response.Header.ContentType()) != "application/json" {
		t.Errorf("unexpected content type %s", ctx.Response.Header.ContentType())
	}
	if got := decode(t, ctx); got != (APIError{Message: "bad", Type: TypeInvalidRequest, Code: CodeInvalidRequest}) {
		t.Errorf("unexpected error %+v", got)
	}
}

func TestWriteError(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		status     int
		code       string
		retryAfter string
	}{
		{"queue full", admission.ErrQueueFull, fasthttp.StatusTooManyRequests, CodeQueueFull, "1"},
		{"deadline", fmt.Errorf("call: %w", context.DeadlineExceeded), fasthttp.StatusGatewayTimeout, CodeRequestTimeout, ""},
		{"provider timeout", providers.ErrTimeout, fasthttp.StatusGatewayTimeout, CodeRequestTimeout, ""},
		{"canceled", context.Canceled, StatusClientClosed, CodeRequestCanceled, ""},
		{"unavailable", fmt.Errorf("pool: %w", providers.ErrProviderUnavailable), fasthttp.StatusServiceUnavailable, CodeProviderDown, "5"},
		{"upstream 429", &providers.ProviderError{Provider: "openai", StatusCode: 429}, fasthttp.StatusTooManyRequests, CodeRateLimitExceeded, "60"},
		{"upstream 422", &providers.ProviderError{Provider: "openai", StatusCode: 422}, fasthttp.StatusBadRequest, CodeInvalidRequest, ""},
		{"upstream 500", &providers.ProviderError{Provider: "openai", StatusCode: 500}, fasthttp.StatusBadGateway, CodeProviderError, ""},
		{"rate limited", providers.ErrRateLimited, fasthttp.StatusTooManyRequests, CodeRateLimitExceeded, "60"},
		{"unknown", errors.New("boom"), fasthttp.StatusBadGateway, CodeProviderError, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := &fasthttp.RequestCtx{}
			WriteError(ctx, tt.err)

			if ctx.Response.StatusCode() != tt.status {
				t.Errorf("expected %d, got %d", tt.status, ctx.Response.StatusCode())
			}
			if got := decode(t, ctx); got.Code != tt.code || got.Message != tt.err.Error() && tt.code != CodeRequestTimeout {
				t.Errorf("unexpected error %+v", got)
			}
			if got := string(ctx.Response.Header.Peek("Retry-After")); got != tt.retryAfter {
				t.Errorf("Retry-After: expected %q, got %q", tt.retryAfter, got)
			}
		})
	}
}
