package provider

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/pkg/errors"
)

// OpenAIConfig describes an OpenAI-style chat completions endpoint.
type OpenAIConfig struct {
	Name    string `toml:"name"`
	APIKey  string `toml:"api_key"`
	BaseURL string `toml:"base_url"`
	Model   string `toml:"model"`
}

// Validate checks HTTP provider configuration
func (c *OpenAIConfig) Validate() error {
	if c.Name == "" {
		return errors.New("name is required")
	}
	if c.Model == "" {
		return errors.New("model is required")
	}
	return nil
}

// OpenAIProvider speaks the OpenAI chat completions contract, which also
// covers local runtimes exposing a compatible endpoint.
type OpenAIProvider struct {
	logger *slog.Logger
	cfg    OpenAIConfig
	client openai.Client
}

// Ensure OpenAIProvider implements the Provider interface
var _ Provider = (*OpenAIProvider)(nil)

// NewOpenAIProvider creates an HTTP chat completions provider.
func NewOpenAIProvider(cfg OpenAIConfig) (*OpenAIProvider, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}

	return &OpenAIProvider{
		logger: slog.Default().With("module", "provider.openai", "name", cfg.Name),
		cfg:    cfg,
		client: openai.NewClient(opts...),
	}, nil
}

// Name returns the configured provider name.
func (p *OpenAIProvider) Name() string {
	return p.cfg.Name
}

// Generate issues one chat completion call.
func (p *OpenAIProvider) Generate(ctx context.Context, req *Request) (*Response, error) {
	model := req.Model
	if model == "" {
		model = p.cfg.Model
	}

	messages := make([]openai.ChatCompletionMessageParamUnion, 0, len(req.Messages)+1)
	if req.System != "" {
		messages = append(messages, openai.SystemMessage(req.System))
	}
	for _, m := range req.Messages {
		switch m.Role {
		case RoleAssistant:
			messages = append(messages, openai.AssistantMessage(m.Content))
		case RoleSystem:
			messages = append(messages, openai.SystemMessage(m.Content))
		default:
			messages = append(messages, openai.UserMessage(m.Content))
		}
	}

	completion, err := p.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(model),
		Messages: messages,
	})
	if err != nil {
		return nil, p.classify(err)
	}

	if len(completion.Choices) == 0 {
		return nil, Retryable(p.cfg.Name, errors.New("completion has no choices"))
	}

	return &Response{
		Content:   completion.Choices[0].Message.Content,
		Provider:  p.cfg.Name,
		Model:     model,
		TokensIn:  completion.Usage.PromptTokens,
		TokensOut: completion.Usage.CompletionTokens,
	}, nil
}

// classify maps transport failures to provider error kinds. Rate limits and
// server errors fail over; auth and malformed requests abort.
func (p *OpenAIProvider) classify(err error) error {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.StatusCode == http.StatusTooManyRequests:
			return Retryable(p.cfg.Name, err)
		case apiErr.StatusCode >= 500:
			return Retryable(p.cfg.Name, err)
		default:
			return Fatal(p.cfg.Name, err)
		}
	}
	// timeouts and connection failures
	return Retryable(p.cfg.Name, err)
}
