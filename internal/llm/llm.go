package llm

import (
	"context"

	"github.com/comigor/voice-relay/internal/config"
	"github.com/sashabaranov/go-openai"
)

type openAIClient struct {
	c *openai.Client
}

// NewClient creates a streaming client for any OpenAI-compatible endpoint.
// The default base URL is Gemini's compatibility layer.
func NewClient(cfg config.LLMConfig) Client {
	config := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		config.BaseURL = cfg.BaseURL
	}

	return &openAIClient{c: openai.NewClientWithConfig(config)}
}

func (o *openAIClient) CreateChatCompletionStream(ctx context.Context, req openai.ChatCompletionRequest) (ChatStream, error) {
	stream, err := o.c.CreateChatCompletionStream(ctx, req)
	if err != nil {
		return nil, err
	}
	return stream, nil
}
