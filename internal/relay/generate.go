package relay

import (
	"context"
	"errors"
	"io"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"
	"golang.org/x/sync/semaphore"

	"github.com/comigor/voice-relay/internal/apperr"
	"github.com/comigor/voice-relay/internal/llm"
	"github.com/comigor/voice-relay/internal/logger"
	"github.com/comigor/voice-relay/internal/session"
)

// GeneratorConfig configures a Generator.
type GeneratorConfig struct {
	Model        string
	SystemPrompt string
	// Timeout bounds a whole generation, first byte to last fragment.
	Timeout time.Duration
	// MaxConcurrent caps in-flight generations across all sessions.
	MaxConcurrent int64
}

// Generator submits a session's history to the model and exposes the reply
// as a fragment stream.
type Generator struct {
	client llm.Client
	cfg    GeneratorConfig
	slots  *semaphore.Weighted
}

func NewGenerator(client llm.Client, cfg GeneratorConfig) *Generator {
	g := &Generator{client: client, cfg: cfg}
	if cfg.MaxConcurrent > 0 {
		g.slots = semaphore.NewWeighted(cfg.MaxConcurrent)
	}
	return g
}

// Reply is one message produced by the model, before normalization.
type Reply struct {
	Role    session.Role
	Content session.Content
}

// Generation is a single in-flight model call. Fragments are pulled with Next
// until it returns io.EOF; Replies is only valid after that.
type Generation struct {
	stream  llm.ChatStream
	cancel  context.CancelFunc
	release func()
	ctx     context.Context
	parent  context.Context

	text strings.Builder
	done bool
	err  error
}

// Start issues the streaming request for history, which must already end with
// the new user turn.
func (g *Generator) Start(ctx context.Context, history session.History) (*Generation, error) {
	release := func() {}
	if g.slots != nil {
		if err := g.slots.Acquire(ctx, 1); err != nil {
			return nil, err
		}
		release = func() { g.slots.Release(1) }
	}

	genCtx, cancel := ctx, context.CancelFunc(func() {})
	if g.cfg.Timeout > 0 {
		genCtx, cancel = context.WithTimeout(ctx, g.cfg.Timeout)
	}

	req := openai.ChatCompletionRequest{
		Model:    g.cfg.Model,
		Messages: g.messages(history),
		Stream:   true,
	}
	logger.From(ctx).Debug("starting generation", "model", g.cfg.Model, "messages", len(req.Messages))

	stream, err := g.client.CreateChatCompletionStream(genCtx, req)
	if err != nil {
		cancel()
		release()
		return nil, classify(ctx, genCtx, err, "model call failed")
	}
	return &Generation{
		stream:  stream,
		cancel:  cancel,
		release: release,
		ctx:     genCtx,
		parent:  ctx,
	}, nil
}

func (g *Generator) messages(history session.History) []openai.ChatCompletionMessage {
	msgs := make([]openai.ChatCompletionMessage, 0, len(history)+1)
	if g.cfg.SystemPrompt != "" {
		msgs = append(msgs, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: g.cfg.SystemPrompt,
		})
	}
	for _, turn := range history {
		if turn.Opening {
			continue
		}
		role := openai.ChatMessageRoleUser
		if turn.Role == session.RoleAssistant {
			role = openai.ChatMessageRoleAssistant
		}
		msgs = append(msgs, openai.ChatCompletionMessage{Role: role, Content: turn.Text()})
	}
	return msgs
}

// Next returns the next non-empty text fragment, io.EOF once the model is
// done, or a generation error. After an error or io.EOF it keeps returning
// the same result.
func (gen *Generation) Next() (string, error) {
	if gen.done {
		if gen.err != nil {
			return "", gen.err
		}
		return "", io.EOF
	}
	for {
		resp, err := gen.stream.Recv()
		if errors.Is(err, io.EOF) {
			gen.done = true
			if strings.TrimSpace(gen.text.String()) == "" {
				gen.err = apperr.WrapGeneration(nil, "model returned an empty response")
				return "", gen.err
			}
			return "", io.EOF
		}
		if err != nil {
			gen.done = true
			gen.err = classify(gen.parent, gen.ctx, err, "model stream failed")
			return "", gen.err
		}
		if len(resp.Choices) == 0 {
			continue
		}
		fragment := resp.Choices[0].Delta.Content
		if fragment == "" {
			continue
		}
		gen.text.WriteString(fragment)
		return fragment, nil
	}
}

// Replies returns the completed assistant messages. It is nil until Next has
// reported io.EOF.
func (gen *Generation) Replies() []Reply {
	if !gen.done || gen.err != nil {
		return nil
	}
	return []Reply{{Role: session.RoleAssistant, Content: session.Plain(gen.text.String())}}
}

// Close stops the stream and frees the generation slot. It is safe to call
// more than once.
func (gen *Generation) Close() {
	if gen.stream != nil {
		if err := gen.stream.Close(); err != nil {
			logger.From(gen.parent).Debug("closing model stream", "error", err)
		}
		gen.stream = nil
	}
	if gen.cancel != nil {
		gen.cancel()
		gen.cancel = nil
	}
	if gen.release != nil {
		gen.release()
		gen.release = nil
	}
}

// classify keeps caller cancellation distinct from model failures: a caller
// that went away gets its context error back, anything else (including our
// own timeout) becomes a generation error.
func classify(parent, genCtx context.Context, err error, msg string) error {
	if parent.Err() != nil {
		return parent.Err()
	}
	if errors.Is(genCtx.Err(), context.DeadlineExceeded) {
		return apperr.WrapGeneration(err, "generation timed out")
	}
	return apperr.WrapGeneration(err, msg)
}
