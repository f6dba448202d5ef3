package llm

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/openai/openai-go"

	"github.com/bull/ragsworth/internal/domain"
	"github.com/bull/ragsworth/internal/embedding"
)

// DefaultModel is the chat model used when none is configured.
const DefaultModel = "gpt-4o-mini"

// Request is the input to a generation: the question, the retrieved
// passages in rank order and the prior conversation.
type Request struct {
	Question string
	Context  []domain.SearchResult
	History  []domain.Turn
}

// Gateway produces an answer for a request. Failures wrap
// domain.ErrProvider plus one of domain.ErrRateLimited,
// domain.ErrUnavailable or domain.ErrInvalidRequest.
type Gateway interface {
	Generate(ctx context.Context, req Request) (string, error)
}

// Config holds generation settings.
type Config struct {
	Model        string
	SystemPrompt string
	Temperature  float64
	MaxTokens    int
	// ContextTokens bounds the retrieved context added to the prompt.
	ContextTokens int
}

// Generator is a Gateway backed by the OpenAI chat completions endpoint.
type Generator struct {
	client  *openai.Client
	cfg     Config
	counter TokenCounter
	retries uint64
	logger  *slog.Logger
}

var _ Gateway = (*Generator)(nil)

// Option configures a Generator.
type Option func(*Generator)

// WithTokenCounter sets the counter used for the context budget.
func WithTokenCounter(c TokenCounter) Option {
	return func(g *Generator) {
		if c != nil {
			g.counter = c
		}
	}
}

// WithRetries sets how many times rate limit and server errors are retried.
func WithRetries(n int) Option {
	return func(g *Generator) {
		if n >= 0 {
			g.retries = uint64(n)
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(g *Generator) {
		if logger != nil {
			g.logger = logger
		}
	}
}

// NewGenerator creates a chat generator with the given OpenAI client.
// Without WithTokenCounter it uses tiktoken for the model, or a 4
// characters per token estimate when the encoding cannot be loaded.
func NewGenerator(client *openai.Client, cfg Config, opts ...Option) *Generator {
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	g := &Generator{
		client:  client,
		cfg:     cfg,
		retries: 2,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(g)
	}

	if g.counter == nil {
		counter, err := NewTiktokenCounter(cfg.Model)
		if err != nil {
			g.logger.Warn("Falling back to approximate token counting", "model", cfg.Model, "error", err)
			g.counter = ApproxCounter{}
		} else {
			g.counter = counter
		}
	}
	return g
}

// Generate implements Gateway.
func (g *Generator) Generate(ctx context.Context, req Request) (string, error) {
	messages, included := BuildPrompt(g.cfg.SystemPrompt, req, g.counter, g.cfg.ContextTokens)
	if included < len(req.Context) {
		g.logger.Debug("Context truncated to token budget", "included", included, "retrieved", len(req.Context))
	}

	params := openai.ChatCompletionNewParams{
		Messages: toOpenAI(messages),
		Model:    openai.ChatModel(g.cfg.Model),
	}
	if g.cfg.Temperature > 0 {
		params.Temperature = openai.Float(g.cfg.Temperature)
	}
	if g.cfg.MaxTokens > 0 {
		params.MaxTokens = openai.Int(int64(g.cfg.MaxTokens))
	}

	var answer string
	operation := func() error {
		resp, err := g.client.Chat.Completions.New(ctx, params)
		if err != nil {
			if embedding.IsRetryable(err) {
				g.logger.Warn("Chat completion failed, retrying", "error", err)
				return err
			}
			return backoff.Permanent(err)
		}
		if len(resp.Choices) == 0 {
			return backoff.Permanent(fmt.Errorf("%w: empty completion", domain.ErrUnavailable))
		}
		answer = strings.TrimSpace(resp.Choices[0].Message.Content)
		return nil
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxInterval = 5 * time.Second
	b.MaxElapsedTime = 0

	err := backoff.Retry(operation, backoff.WithContext(backoff.WithMaxRetries(b, g.retries), ctx))
	if err != nil {
		return "", embedding.ClassifyError("chat completion", err)
	}
	return answer, nil
}

func toOpenAI(messages []Message) []openai.ChatCompletionMessageParamUnion {
	out := make([]openai.ChatCompletionMessageParamUnion, len(messages))
	for i, m := range messages {
		switch m.Role {
		case "system":
			out[i] = openai.SystemMessage(m.Content)
		case "assistant":
			out[i] = openai.AssistantMessage(m.Content)
		default:
			out[i] = openai.UserMessage(m.Content)
		}
	}
	return out
}
