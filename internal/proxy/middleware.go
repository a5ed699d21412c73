package proxy

import (
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/fasthttp/router"
	"github.com/google/uuid"
	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/inference-gateway/internal/metrics"
	"github.com/nulpointcorp/inference-gateway/pkg/apierr"
)

// requestIDKey is the user value holding the request id.
const requestIDKey = "request_id"

type middleware = func(fasthttp.RequestHandler) fasthttp.RequestHandler

// recovery turns a handler panic into a 500 and logs it.
func recovery(log *slog.Logger) middleware {
	if log == nil {
		log = slog.Default()
	}
	return func(next fasthttp.RequestHandler) fasthttp.RequestHandler {
		return func(ctx *fasthttp.RequestCtx) {
			defer func() {
				if r := recover(); r != nil {
					id, _ := ctx.UserValue(requestIDKey).(string)
					log.Error("handler_panic",
						slog.Any("panic", r),
						slog.String("request_id", id),
						slog.String("path", string(ctx.Path())),
						slog.String("method", string(ctx.Method())),
					)
					ctx.ResetBody()
					apierr.Write(ctx, fasthttp.StatusInternalServerError,
						"internal server error", apierr.TypeServerError, apierr.CodeInternalError)
				}
			}()
			next(ctx)
		}
	}
}

// requestID takes X-Request-ID from the client or generates one, echoes it
// and stores it under requestIDKey.
func requestID(next fasthttp.RequestHandler) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		id := string(ctx.Request.Header.Peek("X-Request-ID"))
		if id == "" {
			id = uuid.NewString()
		}
		ctx.Response.Header.Set("X-Request-ID", id)
		ctx.SetUserValue(requestIDKey, id)
		next(ctx)
	}
}

// observe counts requests per matched route and status. Unmatched paths
// share one label.
func observe(m *metrics.Registry) middleware {
	return func(next fasthttp.RequestHandler) fasthttp.RequestHandler {
		if m == nil {
			return next
		}
		return func(ctx *fasthttp.RequestCtx) {
			next(ctx)
			route, _ := ctx.UserValue(router.MatchedRoutePathParam).(string)
			if route == "" {
				route = "unmatched"
			}
			m.ObserveHTTP(route, strconv.Itoa(ctx.Response.StatusCode()))
		}
	}
}

// timing sets X-Response-Time to the handler duration. For streams it only
// covers the time to first byte.
func timing(next fasthttp.RequestHandler) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		start := time.Now()
		next(ctx)
		ctx.Response.Header.Set("X-Response-Time", time.Since(start).String())
	}
}

// securityHeaders adds the API-only hardening headers.
func securityHeaders(next fasthttp.RequestHandler) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		next(ctx)
		h := &ctx.Response.Header
		h.Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("Content-Security-Policy", "default-src 'none'")
		h.Set("Referrer-Policy", "no-referrer")
	}
}

// corsHandler allows the given origins; nil or ["*"] allows any. Preflight
// requests are answered with 204.
func corsHandler(origins []string) middleware {
	origin := "*"
	if len(origins) > 0 && !(len(origins) == 1 && origins[0] == "*") {
		origin = strings.Join(origins, ", ")
	}
	return func(next fasthttp.RequestHandler) fasthttp.RequestHandler {
		return func(ctx *fasthttp.RequestCtx) {
			ctx.Response.Header.Set("Access-Control-Allow-Origin", origin)
			ctx.Response.Header.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			ctx.Response.Header.Set("Access-Control-Allow-Headers", "Content-Type, X-Request-ID, X-User-Tier")
			ctx.Response.Header.Set("Access-Control-Expose-Headers", "X-Request-ID, X-Cache")

			if string(ctx.Method()) == fasthttp.MethodOptions {
				ctx.SetStatusCode(fasthttp.StatusNoContent)
				return
			}
			next(ctx)
		}
	}
}

// applyMiddleware wraps h so the first middleware runs outermost:
//
//	applyMiddleware(h, mw1, mw2) → mw1(mw2(h))
func applyMiddleware(h fasthttp.RequestHandler, mws ...middleware) fasthttp.RequestHandler {
	for i := len(mws) - 1; i >= 0; i-- {
		h = mws[i](h)
	}
	return h
}
