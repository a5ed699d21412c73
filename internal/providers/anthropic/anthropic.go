// Package anthropic adapts the official Anthropic SDK to providers.Client.
package anthropic

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/nulpointcorp/inference-gateway/internal/providers"
)

const (
	defaultBaseURL   = "https://api.anthropic.com"
	providerName     = "anthropic"
	defaultMaxTokens = 4096
)

// Client implements providers.Client for the Messages API.
type Client struct {
	baseURL string
	timeout time.Duration
	sdk     anthropic.Client
}

// Option configures a Client.
type Option func(*Client)

// WithBaseURL overrides the API base URL (useful for testing).
func WithBaseURL(u string) Option {
	return func(c *Client) { c.baseURL = u }
}

// WithTimeout overrides the per-call HTTP timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.timeout = d }
}

// New creates an Anthropic client.
func New(apiKey string, opts ...Option) *Client {
	c := &Client{baseURL: defaultBaseURL, timeout: providers.DefaultTimeout}
	for _, o := range opts {
		o(c)
	}

	c.sdk = anthropic.NewClient(
		option.WithAPIKey(apiKey),
		option.WithBaseURL(c.baseURL),
		option.WithHTTPClient(&http.Client{Timeout: c.timeout}),
		option.WithMaxRetries(0),
	)
	return c
}

func (c *Client) Name() string { return providerName }

func (c *Client) Ping(ctx context.Context) error {
	_, err := c.sdk.Models.List(ctx, anthropic.ModelListParams{Limit: anthropic.Int(1)})
	if err != nil {
		return fmt.Errorf("anthropic: ping: %w", toProviderError(err))
	}
	return nil
}

func (c *Client) Complete(ctx context.Context, req *providers.CompletionRequest) (*providers.CompletionResponse, error) {
	params := buildParams(req)
	if req.Stream {
		return c.stream(ctx, params), nil
	}

	msg, err := c.sdk.Messages.New(ctx, params)
	if err != nil {
		return nil, toProviderError(err)
	}

	var sb strings.Builder
	for _, block := range msg.Content {
		if tb, ok := block.AsAny().(anthropic.TextBlock); ok {
			sb.WriteString(tb.Text)
		}
	}

	return &providers.CompletionResponse{
		ID:      msg.ID,
		Model:   string(msg.Model),
		Content: sb.String(),
		Usage: providers.Usage{
			InputTokens:  int(msg.Usage.InputTokens),
			OutputTokens: int(msg.Usage.OutputTokens),
		},
	}, nil
}

func (c *Client) stream(ctx context.Context, params anthropic.MessageNewParams) *providers.CompletionResponse {
	ch := make(chan providers.StreamChunk, providers.StreamBuffer)
	s := c.sdk.Messages.NewStreaming(ctx, params)

	go func() {
		defer close(ch)
		defer s.Close()

		for s.Next() {
			var out providers.StreamChunk
			switch ev := s.Current().AsAny().(type) {
			case anthropic.ContentBlockDeltaEvent:
				if d, ok := ev.Delta.AsAny().(anthropic.TextDelta); ok {
					out.Content = d.Text
				}
			case anthropic.MessageDeltaEvent:
				out.FinishReason = string(ev.Delta.StopReason)
			}
			if out.Content == "" && out.FinishReason == "" {
				continue
			}
			if !providers.SendChunk(ctx, ch, out) {
				return
			}
		}
		if err := s.Err(); err != nil {
			providers.SendChunk(ctx, ch, providers.ErrorChunk(toProviderError(err)))
		}
	}()

	return &providers.CompletionResponse{Model: string(params.Model), Stream: ch}
}

// buildParams lifts system turns into the top-level system prompt, which is
// where the Messages API expects them.
func buildParams(req *providers.CompletionRequest) anthropic.MessageNewParams {
	var system []string
	msgs := make([]anthropic.MessageParam, 0, len(req.Messages))

	for _, m := range req.Messages {
		switch strings.ToLower(m.Role) {
		case "system", "developer":
			system = append(system, m.Content)
		case "assistant":
			msgs = append(msgs, anthropic.NewAssistantMessage(anthropic.NewTextBlock(m.Content)))
		default:
			msgs = append(msgs, anthropic.NewUserMessage(anthropic.NewTextBlock(m.Content)))
		}
	}

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(req.Model),
		MaxTokens: int64(maxTokens),
		Messages:  msgs,
	}
	if len(system) > 0 {
		params.System = []anthropic.TextBlockParam{{Text: strings.Join(system, "\n")}}
	}
	if req.Temperature > 0 {
		params.Temperature = anthropic.Float(req.Temperature)
	}
	return params
}

func toProviderError(err error) error {
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		return &providers.ProviderError{
			Provider:   providerName,
			StatusCode: apiErr.StatusCode,
			Message:    apiErr.Error(),
			Type:       "anthropic_error",
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w", providerName, providers.ErrTimeout)
	}
	return err
}
