// Package gemini adapts the Google GenAI SDK to providers.Client.
//
// Two backends are supported by the same SDK: Google AI Studio (API key) and
// Vertex AI (project + location, credentials from Application Default
// Credentials). Pick Vertex with WithVertex.
package gemini

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"google.golang.org/genai"

	"github.com/nulpointcorp/inference-gateway/internal/providers"
)

const providerName = "gemini"

// Client implements providers.Client and providers.Embedder.
type Client struct {
	apiKey   string
	baseURL  string
	project  string
	location string
	timeout  time.Duration
	sdk      *genai.Client
}

// Option configures a Client.
type Option func(*Client)

// WithBaseURL overrides the API base URL (useful for testing). A trailing
// version segment such as /v1beta is split off into the SDK's APIVersion.
func WithBaseURL(u string) Option {
	return func(c *Client) { c.baseURL = u }
}

// WithVertex switches the client to the Vertex AI backend.
func WithVertex(project, location string) Option {
	return func(c *Client) {
		c.project = project
		c.location = location
	}
}

// WithTimeout overrides the per-call HTTP timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.timeout = d }
}

// New creates a Gemini client.
func New(ctx context.Context, apiKey string, opts ...Option) (*Client, error) {
	c := &Client{apiKey: apiKey, timeout: providers.DefaultTimeout}
	for _, o := range opts {
		o(c)
	}

	cfg := &genai.ClientConfig{
		HTTPClient: &http.Client{Timeout: c.timeout},
	}
	if c.project != "" {
		cfg.Backend = genai.BackendVertexAI
		cfg.Project = c.project
		cfg.Location = c.location
		if cfg.Location == "" {
			cfg.Location = "us-central1"
		}
	} else {
		if c.apiKey == "" {
			return nil, fmt.Errorf("gemini: api key or vertex project is required")
		}
		cfg.Backend = genai.BackendGeminiAPI
		cfg.APIKey = c.apiKey
	}
	if c.baseURL != "" {
		base, ver := splitBaseURLAndVersion(c.baseURL)
		cfg.HTTPOptions = genai.HTTPOptions{BaseURL: base, APIVersion: ver}
	}

	sdk, err := genai.NewClient(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("gemini: create client: %w", err)
	}
	c.sdk = sdk
	return c, nil
}

func (c *Client) Name() string { return providerName }

func (c *Client) Ping(ctx context.Context) error {
	if _, err := c.sdk.Models.List(ctx, &genai.ListModelsConfig{PageSize: 1}); err != nil {
		return fmt.Errorf("gemini: ping: %w", toProviderError(err))
	}
	return nil
}

func (c *Client) Complete(ctx context.Context, req *providers.CompletionRequest) (*providers.CompletionResponse, error) {
	contents, cfg := buildContents(req)
	if req.Stream {
		return c.stream(ctx, req.Model, contents, cfg), nil
	}

	resp, err := c.sdk.Models.GenerateContent(ctx, req.Model, contents, cfg)
	if err != nil {
		return nil, toProviderError(err)
	}

	out := &providers.CompletionResponse{ID: resp.ResponseID, Model: req.Model, Content: resp.Text()}
	if out.ID == "" {
		out.ID = req.RequestID
	}
	if resp.UsageMetadata != nil {
		out.Usage = providers.Usage{
			InputTokens:  int(resp.UsageMetadata.PromptTokenCount),
			OutputTokens: int(resp.UsageMetadata.CandidatesTokenCount),
		}
	}
	return out, nil
}

func (c *Client) stream(
	ctx context.Context,
	model string,
	contents []*genai.Content,
	cfg *genai.GenerateContentConfig,
) *providers.CompletionResponse {
	ch := make(chan providers.StreamChunk, providers.StreamBuffer)

	go func() {
		defer close(ch)

		for resp, err := range c.sdk.Models.GenerateContentStream(ctx, model, contents, cfg) {
			if err != nil {
				providers.SendChunk(ctx, ch, providers.ErrorChunk(toProviderError(err)))
				return
			}
			if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0] == nil {
				continue
			}
			cand := resp.Candidates[0]
			text := candidateText(cand)
			if text == "" && cand.FinishReason == "" {
				continue
			}
			if !providers.SendChunk(ctx, ch, providers.StreamChunk{
				Content:      text,
				FinishReason: string(cand.FinishReason),
			}) {
				return
			}
		}
	}()

	return &providers.CompletionResponse{Model: model, Stream: ch}
}

// Embed implements providers.Embedder. All inputs go out in one call.
func (c *Client) Embed(ctx context.Context, req *providers.EmbeddingRequest) (*providers.EmbeddingResponse, error) {
	contents := make([]*genai.Content, len(req.Input))
	for i, text := range req.Input {
		contents[i] = genai.NewContentFromText(text, genai.RoleUser)
	}

	resp, err := c.sdk.Models.EmbedContent(ctx, req.Model, contents, nil)
	if err != nil {
		return nil, fmt.Errorf("gemini: embed: %w", toProviderError(err))
	}
	if resp == nil || len(resp.Embeddings) != len(req.Input) {
		return nil, fmt.Errorf("gemini: embed: expected %d embeddings", len(req.Input))
	}

	vectors := make([][]float32, len(resp.Embeddings))
	for i, e := range resp.Embeddings {
		if e != nil {
			vectors[i] = e.Values
		}
	}
	return &providers.EmbeddingResponse{Model: req.Model, Vectors: vectors}, nil
}

func buildContents(req *providers.CompletionRequest) ([]*genai.Content, *genai.GenerateContentConfig) {
	var system []string
	contents := make([]*genai.Content, 0, len(req.Messages))

	for _, m := range req.Messages {
		switch strings.ToLower(m.Role) {
		case "system", "developer":
			system = append(system, m.Content)
		case "assistant", "model":
			contents = append(contents, genai.NewContentFromText(m.Content, genai.RoleModel))
		default:
			contents = append(contents, genai.NewContentFromText(m.Content, genai.RoleUser))
		}
	}

	if len(system) == 0 && req.Temperature <= 0 && req.MaxTokens <= 0 {
		return contents, nil
	}

	cfg := &genai.GenerateContentConfig{}
	if len(system) > 0 {
		cfg.SystemInstruction = genai.NewContentFromText(strings.Join(system, "\n"), genai.RoleUser)
	}
	if req.Temperature > 0 {
		cfg.Temperature = genai.Ptr(float32(req.Temperature))
	}
	if req.MaxTokens > 0 {
		cfg.MaxOutputTokens = int32(req.MaxTokens)
	}
	return contents, cfg
}

func candidateText(c *genai.Candidate) string {
	if c.Content == nil {
		return ""
	}
	var sb strings.Builder
	for _, p := range c.Content.Parts {
		if p != nil {
			sb.WriteString(p.Text)
		}
	}
	return sb.String()
}

// splitBaseURLAndVersion turns "http://host/v1beta" into
// ("http://host/", "v1beta").
func splitBaseURLAndVersion(raw string) (string, string) {
	u, err := url.Parse(raw)
	if err != nil {
		return raw, ""
	}

	parts := strings.Split(strings.Trim(u.Path, "/"), "/")
	version := ""
	if last := parts[len(parts)-1]; len(last) > 1 && last[0] == 'v' && last[1] >= '0' && last[1] <= '9' {
		version = last
		parts = parts[:len(parts)-1]
	}

	u.Path = strings.Join(parts, "/")
	base := strings.TrimRight(u.String(), "/") + "/"
	return base, version
}

func toProviderError(err error) error {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return &providers.ProviderError{
			Provider:   providerName,
			StatusCode: apiErr.Code,
			Message:    apiErr.Message,
			Type:       apiErr.Status,
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w", providerName, providers.ErrTimeout)
	}
	return err
}
