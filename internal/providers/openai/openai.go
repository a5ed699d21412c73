// Package openai adapts the official openai-go SDK to providers.Client.
//
// The same adapter serves hosted OpenAI and any self-hosted server that
// speaks the OpenAI chat completions protocol (vLLM, Ollama, llama.cpp,
// TGI); the latter are registered under providers.TypeLocal with a custom
// base URL.
package openai

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	openaiSDK "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"

	"github.com/nulpointcorp/inference-gateway/internal/providers"
)

const defaultName = "openai"

// Client implements providers.Client and providers.Embedder.
type Client struct {
	name    string
	baseURL string
	timeout time.Duration
	sdk     openaiSDK.Client
}

// Option configures a Client.
type Option func(*Client)

// WithBaseURL points the client at a different endpoint, e.g. a self-hosted
// inference server or a test server.
func WithBaseURL(u string) Option {
	return func(c *Client) { c.baseURL = strings.TrimRight(u, "/") }
}

// WithName overrides the name used in logs and errors.
func WithName(name string) Option {
	return func(c *Client) { c.name = name }
}

// WithTimeout overrides the per-call HTTP timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.timeout = d }
}

// New creates a client. apiKey may be empty for self-hosted servers that do
// not authenticate.
func New(apiKey string, opts ...Option) *Client {
	c := &Client{name: defaultName, timeout: providers.DefaultTimeout}
	for _, o := range opts {
		o(c)
	}
	if apiKey == "" {
		// The SDK refuses to build requests without a key.
		apiKey = "unused"
	}

	sdkOpts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithHTTPClient(&http.Client{Timeout: c.timeout}),
		option.WithMaxRetries(0),
	}
	if c.baseURL != "" {
		sdkOpts = append(sdkOpts, option.WithBaseURL(c.baseURL+"/"))
	}
	c.sdk = openaiSDK.NewClient(sdkOpts...)
	return c
}

func (c *Client) Name() string { return c.name }

// Ping lists models, which checks both connectivity and credentials.
func (c *Client) Ping(ctx context.Context) error {
	if _, err := c.sdk.Models.List(ctx); err != nil {
		return fmt.Errorf("%s: ping: %w", c.name, c.toProviderError(err))
	}
	return nil
}

func (c *Client) Complete(ctx context.Context, req *providers.CompletionRequest) (*providers.CompletionResponse, error) {
	params := buildParams(req)
	if req.Stream {
		return c.stream(ctx, params), nil
	}

	resp, err := c.sdk.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, c.toProviderError(err)
	}

	out := &providers.CompletionResponse{
		ID:    resp.ID,
		Model: resp.Model,
		Usage: providers.Usage{
			InputTokens:  int(resp.Usage.PromptTokens),
			OutputTokens: int(resp.Usage.CompletionTokens),
		},
	}
	if len(resp.Choices) > 0 {
		out.Content = resp.Choices[0].Message.Content
	}
	return out, nil
}

func (c *Client) stream(ctx context.Context, params openaiSDK.ChatCompletionNewParams) *providers.CompletionResponse {
	ch := make(chan providers.StreamChunk, providers.StreamBuffer)
	s := c.sdk.Chat.Completions.NewStreaming(ctx, params)

	go func() {
		defer close(ch)
		defer s.Close()

		for s.Next() {
			chunk := s.Current()
			if len(chunk.Choices) == 0 {
				continue
			}
			choice := chunk.Choices[0]
			if choice.Delta.Content == "" && choice.FinishReason == "" {
				continue
			}
			if !providers.SendChunk(ctx, ch, providers.StreamChunk{
				Content:      choice.Delta.Content,
				FinishReason: choice.FinishReason,
			}) {
				return
			}
		}
		if err := s.Err(); err != nil {
			providers.SendChunk(ctx, ch, providers.ErrorChunk(c.toProviderError(err)))
		}
	}()

	return &providers.CompletionResponse{Model: params.Model, Stream: ch}
}

// Embed implements providers.Embedder.
func (c *Client) Embed(ctx context.Context, req *providers.EmbeddingRequest) (*providers.EmbeddingResponse, error) {
	resp, err := c.sdk.Embeddings.New(ctx, openaiSDK.EmbeddingNewParams{
		Model: openaiSDK.EmbeddingModel(req.Model),
		Input: openaiSDK.EmbeddingNewParamsInputUnion{OfArrayOfStrings: req.Input},
	})
	if err != nil {
		return nil, fmt.Errorf("%s: embed: %w", c.name, c.toProviderError(err))
	}

	vectors := make([][]float32, len(req.Input))
	for _, d := range resp.Data {
		if int(d.Index) >= len(vectors) {
			continue
		}
		v := make([]float32, len(d.Embedding))
		for i, f := range d.Embedding {
			v[i] = float32(f)
		}
		vectors[d.Index] = v
	}

	return &providers.EmbeddingResponse{
		Model:   resp.Model,
		Vectors: vectors,
		Usage:   providers.Usage{InputTokens: int(resp.Usage.PromptTokens)},
	}, nil
}

func buildParams(req *providers.CompletionRequest) openaiSDK.ChatCompletionNewParams {
	msgs := make([]openaiSDK.ChatCompletionMessageParamUnion, 0, len(req.Messages))
	for _, m := range req.Messages {
		msgs = append(msgs, toSDKMessage(m))
	}

	params := openaiSDK.ChatCompletionNewParams{
		Messages: msgs,
		Model:    req.Model,
	}
	if req.Temperature != 0 {
		params.Temperature = openaiSDK.Float(req.Temperature)
	}
	if req.MaxTokens > 0 {
		params.MaxCompletionTokens = openaiSDK.Int(int64(req.MaxTokens))
	}
	return params
}

func toSDKMessage(m providers.Message) openaiSDK.ChatCompletionMessageParamUnion {
	switch strings.ToLower(m.Role) {
	case "system":
		return openaiSDK.SystemMessage(m.Content)
	case "developer":
		return openaiSDK.DeveloperMessage(m.Content)
	case "assistant":
		return openaiSDK.AssistantMessage(m.Content)
	default:
		return openaiSDK.UserMessage(m.Content)
	}
}

func (c *Client) toProviderError(err error) error {
	var apiErr *openaiSDK.Error
	if errors.As(err, &apiErr) {
		return &providers.ProviderError{
			Provider:   c.name,
			StatusCode: apiErr.StatusCode,
			Message:    apiErr.Error(),
			Type:       "openai_error",
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w", c.name, providers.ErrTimeout)
	}
	return err
}
