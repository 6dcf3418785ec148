package external

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"aisaas/internal/types"
)

const (
	defaultAIMaxTokens = 4096
	aiTemperature      = 0.7
	anthropicVersion   = "2023-06-01"
	defaultUserAgent        = "aisaas/1.0"
)

// providerModels maps each selectable model to the vendor model name.
var providerModels = map[types.AIModel]string{
	types.ModelGPT4:         "gpt-4-turbo-preview",
	types.ModelGPT35Turbo:   "gpt-3.5-turbo",
	types.ModelClaudeSonnet: "claude-3-5-sonnet-20241022",
	types.ModelClaudeHaiku:  "claude-3-5-haiku-20241022",
}

// Completion is the result of a single prompt.
type Completion struct {
	Text   string
	Tokens int
	Model  types.AIModel
}

// CompletionProvider generates a completion for one user prompt.
type CompletionProvider interface {
	Complete(ctx context.Context, model types.AIModel, prompt string) (*Completion, error)
}

// AIClientConfig configures an AI provider client.
type AIClientConfig struct {
	APIKey    string
	BaseURL   string
	MaxTokens int
	Logger    *slog.Logger
}

func (c *AIClientConfig) normalize(defaultURL string) {
	if c.BaseURL == "" {
		c.BaseURL = defaultURL
	}
	c.BaseURL = strings.TrimSuffix(c.BaseURL, "/")
	if c.MaxTokens <= 0 {
		c.MaxTokens = defaultAIMaxTokens
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// ---------------------------------------------------------------------------
// OpenAI
// ---------------------------------------------------------------------------

// OpenAIClient calls the OpenAI chat completions API.
type OpenAIClient struct {
	base *BaseClient
	cfg  AIClientConfig
}

// NewOpenAIClient creates an OpenAIClient. A nil base uses a default
// BaseClient named "openai".
func NewOpenAIClient(base *BaseClient, cfg AIClientConfig) *OpenAIClient {
	cfg.normalize("https://api.openai.com")
	if base == nil {
		base = NewBaseClient(nil, "openai", DefaultRetryPolicy(), defaultUserAgent,
			WithFailureCode(types.ErrCodeUpstreamAIProvider))
	}
	return &OpenAIClient{base: base, cfg: cfg}
}

type openAIChatRequest struct {
	Model       string          `json:"model"`
	Messages    []openAIMessage `json:"messages"`
	MaxTokens   int             `json:"max_tokens"`
	Temperature float64         `json:"temperature"`
}

type openAIMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openAIChatResponse struct {
	Choices []struct {
		Message openAIMessage `json:"message"`
	} `json:"choices"`
	Usage struct {
		TotalTokens int `json:"total_tokens"`
	} `json:"usage"`
}

// Complete implements CompletionProvider.
func (c *OpenAIClient) Complete(ctx context.Context, model types.AIModel, prompt string) (*Completion, error) {
	name, ok := providerModels[model]
	if !ok || model.Provider() != "openai" {
		return nil, unsupportedModel(model)
	}

	var out openAIChatResponse
	err := postJSON(ctx, c.base, c.cfg.BaseURL+"/v1/chat/completions", openAIChatRequest{
		Model:       name,
		Messages:    []openAIMessage{{Role: "user", Content: prompt}},
		MaxTokens:   c.cfg.MaxTokens,
		Temperature: aiTemperature,
	}, func(h http.Header) {
		h.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}, &out)
	if err != nil {
		c.cfg.Logger.WarnContext(ctx, "openai completion failed", "model", model, "error", err)
		return nil, err
	}

	text := ""
	if len(out.Choices) > 0 {
		text = out.Choices[0].Message.Content
	}
	return &Completion{Text: text, Tokens: out.Usage.TotalTokens, Model: model}, nil
}

// ---------------------------------------------------------------------------
// Anthropic
// ---------------------------------------------------------------------------

// AnthropicClient calls the Anthropic messages API.
type AnthropicClient struct {
	base *BaseClient
	cfg  AIClientConfig
}

// NewAnthropicClient creates an AnthropicClient. A nil base uses a default
// BaseClient named "anthropic".
func NewAnthropicClient(base *BaseClient, cfg AIClientConfig) *AnthropicClient {
	cfg.normalize("https://api.anthropic.com")
	if base == nil {
		base = NewBaseClient(nil, "anthropic", DefaultRetryPolicy(), defaultUserAgent,
			WithFailureCode(types.ErrCodeUpstreamAIProvider))
	}
	return &AnthropicClient{base: base, cfg: cfg}
}

type anthropicRequest struct {
	Model       string          `json:"model"`
	MaxTokens   int             `json:"max_tokens"`
	Temperature float64         `json:"temperature"`
	Messages    []openAIMessage `json:"messages"`
}

type anthropicResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	Usage struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

// Complete implements CompletionProvider.
func (c *AnthropicClient) Complete(ctx context.Context, model types.AIModel, prompt string) (*Completion, error) {
	name, ok := providerModels[model]
	if !ok || model.Provider() != "anthropic" {
		return nil, unsupportedModel(model)
	}

	var out anthropicResponse
	err := postJSON(ctx, c.base, c.cfg.BaseURL+"/v1/messages", anthropicRequest{
		Model:       name,
		MaxTokens:   c.cfg.MaxTokens,
		Temperature: aiTemperature,
		Messages:    []openAIMessage{{Role: "user", Content: prompt}},
	}, func(h http.Header) {
		h.Set("x-api-key", c.cfg.APIKey)
		h.Set("anthropic-version", anthropicVersion)
	}, &out)
	if err != nil {
		c.cfg.Logger.WarnContext(ctx, "anthropic completion failed", "model", model, "error", err)
		return nil, err
	}

	text := ""
	if len(out.Content) > 0 && out.Content[0].Type == "text" {
		text = out.Content[0].Text
	}
	return &Completion{
		Text:   text,
		Tokens: out.Usage.InputTokens + out.Usage.OutputTokens,
		Model:  model,
	}, nil
}

// ---------------------------------------------------------------------------
// Routing
// ---------------------------------------------------------------------------

// ModelRouter dispatches each model to its vendor's provider.
type ModelRouter struct {
	providers map[string]CompletionProvider
}

// NewModelRouter routes OpenAI models to openai and Claude models to
// anthropic. Either may be nil, in which case its models fail.
func NewModelRouter(openai, anthropic CompletionProvider) *ModelRouter {
	r := &ModelRouter{providers: make(map[string]CompletionProvider, 2)}
	if openai != nil {
		r.providers["openai"] = openai
	}
	if anthropic != nil {
		r.providers["anthropic"] = anthropic
	}
	return r
}

// Complete implements CompletionProvider.
func (r *ModelRouter) Complete(ctx context.Context, model types.AIModel, prompt string) (*Completion, error) {
	if !model.Valid() {
		return nil, unsupportedModel(model)
	}
	p, ok := r.providers[model.Provider()]
	if !ok {
		return nil, types.NewAppError(types.ErrCodeUpstreamAIProvider,
			fmt.Sprintf("no %s provider configured", model.Provider()), nil)
	}
	return p.Complete(ctx, model, prompt)
}

func unsupportedModel(model types.AIModel) error {
	return types.NewAppError(types.ErrCodeValidationInvalidModel,
		fmt.Sprintf("model %q is not supported by this provider", model), nil)
}

// postJSON sends in as JSON to url and decodes a 2xx body into out. Non-2xx
// responses that BaseClient returns are mapped with mapAIStatus.
func postJSON(ctx context.Context, base *BaseClient, url string, in any, headers func(http.Header), out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalUnexpected, "failed to marshal provider request", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalUnexpected, "failed to build provider request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	headers(req.Header)

	resp, err := base.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return mapAIStatus(resp.StatusCode, string(msg))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return types.NewAppError(types.ErrCodeUpstreamAIProvider, "failed to decode provider response", err)
	}
	return nil
}

func mapAIStatus(status int, body string) error {
	switch status {
	case http.StatusUnauthorized, http.StatusForbidden:
		return types.NewAppError(types.ErrCodeUpstreamAuth,
			fmt.Sprintf("provider rejected credentials (%d)", status), nil)
	case http.StatusTooManyRequests:
		return types.NewAppError(types.ErrCodeUpstreamRateLimited, "provider rate limit exceeded", nil)
	default:
		return types.NewAppError(types.ErrCodeUpstreamAIProvider,
			fmt.Sprintf("provider returned %d: %s", status, strings.TrimSpace(body)), nil)
	}
}
