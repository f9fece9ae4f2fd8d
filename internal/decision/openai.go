package decision

import (
	"context"
	"encoding/base64"
	"fmt"

	openai "github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"github.com/vantico/deskpilot/internal/config"
)

// OpenAIProvider implements Provider on top of the OpenAI chat completions API.
type OpenAIProvider struct {
	client *openai.Client
	cfg    config.ProviderConfig
	logger *zap.Logger
}

var _ Provider = (*OpenAIProvider)(nil)

// NewOpenAIProvider initializes the client.
func NewOpenAIProvider(cfg config.ProviderConfig, logger *zap.Logger) (*OpenAIProvider, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("OpenAI API key is required")
	}

	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.Endpoint != "" {
		clientCfg.BaseURL = cfg.Endpoint
	}

	return &OpenAIProvider{
		client: openai.NewClientWithConfig(clientCfg),
		cfg:    cfg,
		logger: logger.Named("decision.openai"),
	}, nil
}

func (p *OpenAIProvider) Name() string { return "openai" }

// Generate performs a single chat completion call. Retries are left to the
// router, which treats any error here as grounds for failover.
func (p *OpenAIProvider) Generate(ctx context.Context, req GenerationRequest) (string, error) {
	userParts := []openai.ChatMessagePart{
		{Type: openai.ChatMessagePartTypeText, Text: req.UserPrompt},
	}
	if len(req.Image) > 0 {
		userParts = append(userParts, openai.ChatMessagePart{
			Type: openai.ChatMessagePartTypeImageURL,
			ImageURL: &openai.ChatMessageImageURL{
				URL:    "data:image/png;base64," + base64.StdEncoding.EncodeToString(req.Image),
				Detail: openai.ImageURLDetailHigh,
			},
		})
	}

	chatReq := openai.ChatCompletionRequest{
		Model: p.cfg.Model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: req.SystemPrompt},
			{Role: openai.ChatMessageRoleUser, MultiContent: userParts},
		},
		Temperature: req.Temperature,
		MaxTokens:   p.cfg.MaxTokens,
	}
	if req.ForceJSON {
		chatReq.ResponseFormat = &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		}
	}

	resp, err := p.client.CreateChatCompletion(ctx, chatReq)
	if err != nil {
		return "", fmt.Errorf("openai API error: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("openai API returned no choices")
	}

	p.logger.Info("Model generation complete (OpenAI)",
		zap.String("finish_reason", string(resp.Choices[0].FinishReason)),
		zap.Int("prompt_tokens", resp.Usage.PromptTokens),
		zap.Int("completion_tokens", resp.Usage.CompletionTokens),
	)

	return resp.Choices[0].Message.Content, nil
}
