package llm

import (
	"context"

	"github.com/sashabaranov/go-openai"
)

// ChatStream is the receiving half of a streamed chat completion.
type ChatStream interface {
	Recv() (openai.ChatCompletionStreamResponse, error)
	Close() error
}

// Client is the minimal subset of openai.Client used by the relay; it is easy to mock in tests.
type Client interface {
	CreateChatCompletionStream(ctx context.Context, req openai.ChatCompletionRequest) (ChatStream, error)
}
