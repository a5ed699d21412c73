package proxy

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/fasthttp/router"
	"github.com/goccy/go-json"
	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/inference-gateway/internal/cost"
	"github.com/nulpointcorp/inference-gateway/internal/providers"
	"github.com/nulpointcorp/inference-gateway/pkg/apierr"
)

const (
	xCacheHIT  = "HIT"
	xCacheMISS = "MISS"

	serverReadTimeout = 60 * time.Second
	maxBodySize       = 4 << 20
)

type (
	inboundRequest struct {
		Prompt        string  `json:"prompt"`
		System        string  `json:"system"`
		Agent         string  `json:"agent"`
		Tier          string  `json:"tier"`
		Complexity    string  `json:"complexity"`
		Stream        bool    `json:"stream"`
		FlowID        string  `json:"flow_id"`
		Realtime      bool    `json:"realtime"`
		BandwidthKbps float64 `json:"bandwidth_kbps"`
		MaxTokens     int     `json:"max_tokens"`
		Temperature   float64 `json:"temperature"`
	}

	outboundUsage struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	}

	outboundResponse struct {
		ID         string        `json:"id"`
		Content    string        `json:"content"`
		Provider   string        `json:"provider,omitempty"`
		Instance   string        `json:"instance,omitempty"`
		Model      string        `json:"model,omitempty"`
		Cached     bool          `json:"cached"`
		CacheMatch string        `json:"cache_match,omitempty"`
		Similarity float64       `json:"similarity,omitempty"`
		Usage      outboundUsage `json:"usage"`
		CostUSD    float64       `json:"cost_usd"`
		Attempts   int           `json:"attempts,omitempty"`
		Queued     bool          `json:"queued,omitempty"`
		LatencyMs  int64         `json:"latency_ms"`
	}

	streamEvent struct {
		ID       string  `json:"id"`
		Index    int     `json:"index"`
		Text     string  `json:"text"`
		Progress float64 `json:"progress"`
		Done     bool    `json:"done"`
	}
)

// Handler returns the gateway's HTTP handler with the middleware chain
// applied.
func (g *Gateway) Handler() fasthttp.RequestHandler {
	r := router.New()
	r.SaveMatchedRoutePath = true

	r.POST("/v1/inference", g.handleInference)
	r.GET("/health", g.handleHealth)
	r.GET("/stats", g.handleStats)
	if g.metrics != nil {
		r.GET("/metrics", g.metrics.Handler())
	}

	return applyMiddleware(r.Handler,
		recovery(g.log),
		requestID,
		observe(g.metrics),
		timing,
		corsHandler(g.corsOrigins),
		securityHeaders,
	)
}

// NewServer returns a fasthttp server for Handler. Write timeouts are left
// to the request timeout so long streams are not cut.
func (g *Gateway) NewServer() *fasthttp.Server {
	return &fasthttp.Server{
		Handler:            g.Handler(),
		Name:               "inference-gateway",
		ReadTimeout:        serverReadTimeout,
		MaxRequestBodySize: maxBodySize,
	}
}

func (g *Gateway) handleInference(ctx *fasthttp.RequestCtx) {
	var in inboundRequest
	if err := json.Unmarshal(ctx.PostBody(), &in); err != nil {
		apierr.Write(ctx, fasthttp.StatusBadRequest,
			fmt.Sprintf("invalid JSON: %s", err.Error()),
			apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}

	reqID, _ := ctx.UserValue(requestIDKey).(string)
	req := Request{
		ID:            reqID,
		Prompt:        in.Prompt,
		System:        in.System,
		Agent:         in.Agent,
		Tier:          in.Tier,
		Complexity:    cost.Complexity(in.Complexity),
		Stream:        in.Stream,
		FlowID:        in.FlowID,
		Realtime:      in.Realtime,
		BandwidthKbps: in.BandwidthKbps,
		MaxTokens:     in.MaxTokens,
		Temperature:   in.Temperature,
	}
	if req.Tier == "" {
		req.Tier = string(ctx.Request.Header.Peek("X-User-Tier"))
	}

	// The fasthttp ctx is recycled once a streaming handler returns, so the
	// request runs under its own context.
	rctx, cancel := context.WithCancel(context.Background())

	res, err := g.ProcessRequest(rctx, req)
	if err != nil {
		cancel()
		writeError(ctx, err)
		return
	}

	if res.Stream != nil {
		writeSSE(ctx, res, cancel)
		return
	}
	defer cancel()

	if res.Cached {
		ctx.Response.Header.Set("X-Cache", xCacheHIT)
	} else {
		ctx.Response.Header.Set("X-Cache", xCacheMISS)
	}
	writeJSON(ctx, fasthttp.StatusOK, outboundResponse{
		ID:         res.RequestID,
		Content:    res.Content,
		Provider:   string(res.Provider),
		Instance:   res.Instance,
		Model:      res.Model,
		Cached:     res.Cached,
		CacheMatch: string(res.CacheMatch),
		Similarity: res.Similarity,
		Usage:      outboundUsage{InputTokens: res.Usage.InputTokens, OutputTokens: res.Usage.OutputTokens},
		CostUSD:    res.CostUSD,
		Attempts:   res.Attempts,
		Queued:     res.Queued,
		LatencyMs:  res.Latency.Milliseconds(),
	})
}

// writeSSE relays the paced stream as Server-Sent Events. A failed write
// means the client left; cancel then aborts the upstream call.
func writeSSE(ctx *fasthttp.RequestCtx, res *Response, cancel context.CancelFunc) {
	ctx.SetContentType("text/event-stream")
	ctx.Response.Header.Set("Cache-Control", "no-cache")
	ctx.Response.Header.Set("Connection", "keep-alive")
	ctx.Response.Header.Set("X-Accel-Buffering", "no")
	if res.Cached {
		ctx.Response.Header.Set("X-Cache", xCacheHIT)
	} else {
		ctx.Response.Header.Set("X-Cache", xCacheMISS)
	}
	ctx.SetStatusCode(fasthttp.StatusOK)

	id := res.RequestID
	chunks := res.Stream
	ctx.SetBodyStreamWriter(func(w *bufio.Writer) {
		defer func() {
			// Drain so the relay goroutine can finish.
			for range chunks {
			}
		}()
		defer cancel()

		for c := range chunks {
			if c.Err != nil {
				data, _ := json.Marshal(apierrBody(c.Err))
				fmt.Fprintf(w, "event: error\ndata: %s\n\n", data)
				_ = w.Flush()
				return
			}
			data, _ := json.Marshal(streamEvent{ID: id, Index: c.Index, Text: c.Text, Progress: c.Progress, Done: c.Done})
			fmt.Fprintf(w, "data: %s\n\n", data)
			if err := w.Flush(); err != nil {
				return
			}
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
		_ = w.Flush()
	})
}

func apierrBody(err error) map[string]apierr.APIError {
	return map[string]apierr.APIError{"error": {
		Message: err.Error(),
		Type:    apierr.TypeProviderError,
		Code:    apierr.CodeProviderError,
	}}
}

// writeError maps orchestrator errors to HTTP. Exhaustion reports the
// aggregated attempts under the status of what went wrong.
func writeError(ctx *fasthttp.RequestCtx, err error) {
	var exhausted *ExhaustedError
	switch {
	case errors.Is(err, ErrInvalidRequest):
		apierr.Write(ctx, fasthttp.StatusBadRequest, err.Error(), apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
	case errors.Is(err, ErrShuttingDown):
		apierr.WriteUnavailable(ctx, err.Error(), apierr.CodeShuttingDown)
	case errors.As(err, &exhausted):
		var sc providers.StatusCoder
		last := exhausted.Last()
		switch {
		case last != nil && !providers.IsRetryable(last) && errors.As(last, &sc):
			apierr.WriteProviderError(ctx, sc.HTTPStatus(), err.Error())
		case allUnavailable(exhausted):
			apierr.WriteUnavailable(ctx, err.Error(), apierr.CodeProviderDown)
		case last != nil && isTimeout(last):
			apierr.Write(ctx, fasthttp.StatusGatewayTimeout, err.Error(), apierr.TypeProviderError, apierr.CodeRequestTimeout)
		default:
			apierr.Write(ctx, fasthttp.StatusBadGateway, err.Error(), apierr.TypeProviderError, apierr.CodeProviderError)
		}
	default:
		apierr.WriteError(ctx, err)
	}
}

func allUnavailable(e *ExhaustedError) bool {
	for _, a := range e.Attempts {
		if !errors.Is(a.Err, providers.ErrProviderUnavailable) {
			return false
		}
	}
	return true
}

func (g *Gateway) handleHealth(ctx *fasthttp.RequestCtx) {
	rep := g.HealthCheck(ctx)
	status := fasthttp.StatusOK
	if rep.Status == StatusDown {
		status = fasthttp.StatusServiceUnavailable
	}
	writeJSON(ctx, status, rep)
}

func (g *Gateway) handleStats(ctx *fasthttp.RequestCtx) {
	writeJSON(ctx, fasthttp.StatusOK, g.GetStatistics(ctx))
}

func writeJSON(ctx *fasthttp.RequestCtx, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		slog.Error("response_encode_failed", slog.String("error", err.Error()))
		apierr.Write(ctx, fasthttp.StatusInternalServerError,
			"failed to serialize response", apierr.TypeServerError, apierr.CodeInternalError)
		return
	}
	ctx.SetStatusCode(status)
	ctx.SetContentType("application/json")
	ctx.SetBody(data)
}
