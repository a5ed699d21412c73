// Package providertest serves fake upstream inference APIs so the SDK
// adapters can be exercised end to end without network access.
//
// Two wire dialects are supported: the OpenAI chat completions API (also
// spoken by local model servers) and the Anthropic messages API. Both stream
// over SSE when the request asks for it.
package providertest

import (
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"
)

// Dialect selects the wire format an Upstream speaks.
type Dialect string

const (
	OpenAI    Dialect = "openai"
	Anthropic Dialect = "anthropic"
)

// Usage reported for every completion.
const (
	InputTokens  = 12
	OutputTokens = 24
)

// Upstream is a fake provider API. The zero failure status means healthy.
type Upstream struct {
	dialect Dialect
	reply   string
	latency time.Duration

	status atomic.Int32
	calls  atomic.Int64
	srv    *httptest.Server
}

// Option configures an Upstream.
type Option func(*Upstream)

// WithLatency delays every completion by d.
func WithLatency(d time.Duration) Option {
	return func(u *Upstream) { u.latency = d }
}

// New builds an Upstream answering every completion with reply. It is not
// listening until Start is called; use Handler to mount it elsewhere.
func New(dialect Dialect, reply string, opts ...Option) *Upstream {
	u := &Upstream{dialect: dialect, reply: reply}
	for _, o := range opts {
		o(u)
	}
	return u
}

// Start serves the Upstream on a loopback port.
func Start(dialect Dialect, reply string, opts ...Option) *Upstream {
	u := New(dialect, reply, opts...)
	u.srv = httptest.NewServer(u.Handler())
	return u
}

// BaseURL is the value to configure as the instance base_url.
func (u *Upstream) BaseURL() string {
	if u.srv == nil {
		return ""
	}
	if u.dialect == OpenAI {
		return u.srv.URL + "/v1"
	}
	return u.srv.URL
}

// Close stops a started Upstream.
func (u *Upstream) Close() {
	if u.srv != nil {
		u.srv.Close()
	}
}

// FailWith makes every completion and model listing return status. Zero
// restores normal answers.
func (u *Upstream) FailWith(status int) { u.status.Store(int32(status)) }

// Calls counts completion requests received, failed ones included.
func (u *Upstream) Calls() int64 { return u.calls.Load() }

// Handler routes the dialect's completion and model listing endpoints.
func (u *Upstream) Handler() http.Handler {
	mux := http.NewServeMux()
	switch u.dialect {
	case Anthropic:
		mux.HandleFunc("POST /v1/messages", u.messages)
		mux.HandleFunc("GET /v1/models", u.models)
	default:
		mux.HandleFunc("POST /v1/chat/completions", u.chatCompletions)
		mux.HandleFunc("POST /v1/embeddings", u.embeddings)
		mux.HandleFunc("GET /v1/models", u.models)
	}
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		u.writeError(w, http.StatusNotFound, "unknown path "+r.URL.Path)
	})
	return mux
}

type completionRequest struct {
	Model  string `json:"model"`
	Stream bool   `json:"stream"`
}

// begin decodes the request and applies latency and failure injection. It
// reports false once a response has been written.
func (u *Upstream) begin(w http.ResponseWriter, r *http.Request) (completionRequest, bool) {
	u.calls.Add(1)
	var req completionRequest
	body, err := io.ReadAll(r.Body)
	if err == nil {
		err = json.Unmarshal(body, &req)
	}
	if err != nil {
		u.writeError(w, http.StatusBadRequest, "invalid request body")
		return req, false
	}

	if u.latency > 0 {
		select {
		case <-time.After(u.latency):
		case <-r.Context().Done():
			return req, false
		}
	}
	if status := int(u.status.Load()); status != 0 {
		u.writeError(w, status, fmt.Sprintf("injected failure %d", status))
		return req, false
	}
	return req, true
}

func (u *Upstream) chatCompletions(w http.ResponseWriter, r *http.Request) {
	req, ok := u.begin(w, r)
	if !ok {
		return
	}
	id := fmt.Sprintf("chatcmpl-%d", u.calls.Load())

	if req.Stream {
		out := newSSE(w)
		for _, word := range words(u.reply) {
			out.data(map[string]any{
				"id": id, "object": "chat.completion.chunk", "created": 0, "model": req.Model,
				"choices": []any{map[string]any{"index": 0, "delta": map[string]any{"content": word}, "finish_reason": nil}},
			})
		}
		out.data(map[string]any{
			"id": id, "object": "chat.completion.chunk", "created": 0, "model": req.Model,
			"choices": []any{map[string]any{"index": 0, "delta": map[string]any{}, "finish_reason": "stop"}},
		})
		out.raw("[DONE]")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"id": id, "object": "chat.completion", "created": 0, "model": req.Model,
		"choices": []any{map[string]any{
			"index":         0,
			"message":       map[string]any{"role": "assistant", "content": u.reply},
			"finish_reason": "stop",
		}},
		"usage": map[string]int{
			"prompt_tokens":     InputTokens,
			"completion_tokens": OutputTokens,
			"total_tokens":      InputTokens + OutputTokens,
		},
	})
}

func (u *Upstream) embeddings(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Model string `json:"model"`
		Input any    `json:"input"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		u.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	text := fmt.Sprint(req.Input)
	vec := make([]float64, 8)
	for i, b := range []byte(text) {
		vec[i%len(vec)] += float64(b) / 255
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"object": "list",
		"model":  req.Model,
		"data":   []any{map[string]any{"object": "embedding", "index": 0, "embedding": vec}},
		"usage":  map[string]int{"prompt_tokens": len(words(text)), "total_tokens": len(words(text))},
	})
}

func (u *Upstream) messages(w http.ResponseWriter, r *http.Request) {
	req, ok := u.begin(w, r)
	if !ok {
		return
	}
	id := fmt.Sprintf("msg_%d", u.calls.Load())

	if req.Stream {
		out := newSSE(w)
		out.event("message_start", map[string]any{
			"type": "message_start",
			"message": map[string]any{
				"id": id, "type": "message", "role": "assistant", "model": req.Model,
				"content": []any{}, "stop_reason": nil, "stop_sequence": nil,
				"usage": map[string]int{"input_tokens": InputTokens, "output_tokens": 0},
			},
		})
		out.event("content_block_start", map[string]any{
			"type": "content_block_start", "index": 0,
			"content_block": map[string]string{"type": "text", "text": ""},
		})
		for _, word := range words(u.reply) {
			out.event("content_block_delta", map[string]any{
				"type": "content_block_delta", "index": 0,
				"delta": map[string]string{"type": "text_delta", "text": word},
			})
		}
		out.event("content_block_stop", map[string]any{"type": "content_block_stop", "index": 0})
		out.event("message_delta", map[string]any{
			"type":  "message_delta",
			"delta": map[string]any{"stop_reason": "end_turn", "stop_sequence": nil},
			"usage": map[string]int{"output_tokens": OutputTokens},
		})
		out.event("message_stop", map[string]string{"type": "message_stop"})
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"id": id, "type": "message", "role": "assistant", "model": req.Model,
		"stop_reason": "end_turn", "stop_sequence": nil,
		"content": []any{map[string]string{"type": "text", "text": u.reply}},
		"usage":   map[string]int{"input_tokens": InputTokens, "output_tokens": OutputTokens},
	})
}

func (u *Upstream) models(w http.ResponseWriter, _ *http.Request) {
	if status := int(u.status.Load()); status != 0 {
		u.writeError(w, status, fmt.Sprintf("injected failure %d", status))
		return
	}
	if u.dialect == Anthropic {
		writeJSON(w, http.StatusOK, map[string]any{
			"data": []any{map[string]any{
				"id": "claude-test", "type": "model", "display_name": "Claude Test",
				"created_at": "2025-01-01T00:00:00Z",
			}},
			"has_more": false, "first_id": "claude-test", "last_id": "claude-test",
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"object": "list",
		"data":   []any{map[string]any{"id": "gpt-test", "object": "model", "created": 0, "owned_by": "test"}},
	})
}

func (u *Upstream) writeError(w http.ResponseWriter, status int, msg string) {
	if u.dialect == Anthropic {
		writeJSON(w, status, map[string]any{
			"type":  "error",
			"error": map[string]string{"type": errorType(status), "message": msg},
		})
		return
	}
	writeJSON(w, status, map[string]any{
		"error": map[string]any{"message": msg, "type": errorType(status), "code": nil},
	})
}

func errorType(status int) string {
	switch {
	case status == http.StatusTooManyRequests:
		return "rate_limit_error"
	case status >= 500:
		return "api_error"
	default:
		return "invalid_request_error"
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// words splits s into space-preserving tokens so the concatenated stream
// equals s.
func words(s string) []string {
	fields := strings.SplitAfter(s, " ")
	out := fields[:0]
	for _, f := range fields {
		if f != "" {
			out = append(out, f)
		}
	}
	return out
}

type sse struct {
	w http.ResponseWriter
	f http.Flusher
}

func newSSE(w http.ResponseWriter) *sse {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	f, _ := w.(http.Flusher)
	return &sse{w: w, f: f}
}

func (s *sse) event(name string, v any) {
	b, _ := json.Marshal(v)
	fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", name, b)
	s.flush()
}

func (s *sse) data(v any) {
	b, _ := json.Marshal(v)
	s.raw(string(b))
}

func (s *sse) raw(payload string) {
	fmt.Fprintf(s.w, "data: %s\n\n", payload)
	s.flush()
}

func (s *sse) flush() {
	if s.f != nil {
		s.f.Flush()
	}
}
