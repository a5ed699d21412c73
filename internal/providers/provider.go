// Package providers defines the common interfaces and types shared by every
// model backend the gateway can dispatch to (hosted LLM APIs and self-hosted
// OpenAI-compatible servers).
//
// Each backend family lives in its own sub-package and implements Client.
// Backends that can produce vector embeddings additionally implement Embedder,
// which the semantic cache can use as its embedding source.
package providers

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Type is the provider family an instance belongs to.
type Type string

const (
	TypeOpenAI    Type = "openai"
	TypeAnthropic Type = "anthropic"
	TypeGemini    Type = "gemini"
	// TypeLocal is a self-hosted model behind an OpenAI-compatible endpoint
	// (vLLM, Ollama, llama.cpp server, TGI).
	TypeLocal Type = "local"
)

// ParseType validates a provider family name.
func ParseType(s string) (Type, error) {
	switch t := Type(strings.ToLower(strings.TrimSpace(s))); t {
	case TypeOpenAI, TypeAnthropic, TypeGemini, TypeLocal:
		return t, nil
	default:
		return "", fmt.Errorf("providers: unknown provider type %q", s)
	}
}

type (
	// StreamChunk is a single piece of text delivered during a streaming
	// response. A chunk with FinishReason "error" carries the failure text
	// and is always the last one on the channel.
	StreamChunk struct {
		Content      string
		FinishReason string
	}

	// Message is a single conversation turn.
	Message struct {
		Role    string
		Content string
	}

	// Usage is token accounting reported by the backend.
	Usage struct {
		InputTokens  int
		OutputTokens int
	}

	// CompletionRequest is the normalized request sent to a backend.
	CompletionRequest struct {
		Model       string
		Messages    []Message
		Stream      bool
		Temperature float64
		MaxTokens   int
		RequestID   string
	}

	// CompletionResponse is the normalized backend response. For streaming
	// requests Content is empty and Stream is non-nil.
	CompletionResponse struct {
		ID      string
		Model   string
		Content string
		Usage   Usage
		Stream  <-chan StreamChunk
	}

	// EmbeddingRequest asks a backend to embed one or more texts.
	EmbeddingRequest struct {
		Input []string
		Model string
	}

	// EmbeddingResponse holds one vector per input, in input order.
	EmbeddingResponse struct {
		Model   string
		Vectors [][]float32
		Usage   Usage
	}
)

// FinishReasonError marks the terminal chunk of a stream that failed midway.
const FinishReasonError = "error"

// Client is a model backend.
type Client interface {
	Name() string
	Complete(ctx context.Context, req *CompletionRequest) (*CompletionResponse, error)
	Ping(ctx context.Context) error
}

// Embedder is implemented by clients whose backend exposes an embeddings API.
type Embedder interface {
	Embed(ctx context.Context, req *EmbeddingRequest) (*EmbeddingResponse, error)
}

// DefaultTimeout bounds a single backend HTTP call.
const DefaultTimeout = 30 * time.Second

// StreamBuffer is the channel capacity used by the SDK adapters.
const StreamBuffer = 64

// SendChunk delivers c on ch unless ctx is done first. Adapters use it so a
// cancelled consumer never leaves the producing goroutine blocked.
func SendChunk(ctx context.Context, ch chan<- StreamChunk, c StreamChunk) bool {
	select {
	case ch <- c:
		return true
	case <-ctx.Done():
		return false
	}
}

// ErrorChunk builds the terminal chunk for a stream that failed.
func ErrorChunk(err error) StreamChunk {
	return StreamChunk{Content: err.Error(), FinishReason: FinishReasonError}
}

// Text joins message contents, used for cache keys and token estimation.
func Text(msgs []Message) string {
	var sb strings.Builder
	for i, m := range msgs {
		if i > 0 {
			sb.WriteByte('\n')
		}
		sb.WriteString(m.Content)
	}
	return sb.String()
}
