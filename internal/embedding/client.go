package embedding

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/bull/ragsworth/internal/domain"
)

// DefaultBaseURL is the OpenAI API base URL. Any OpenAI-compatible server
// (Ollama, vLLM, Azure) can be used instead.
const DefaultBaseURL = "https://api.openai.com/v1/"

// ClientConfig configures the OpenAI client shared by the embedding and LLM
// gateways.
type ClientConfig struct {
	APIKey  string
	BaseURL string
	Timeout time.Duration
}

// Client wraps the OpenAI client.
type Client struct {
	client *openai.Client
}

// NewClient creates an OpenAI client. The SDK's own retries are disabled;
// gateways retry with their own backoff.
func NewClient(cfg ClientConfig) (*Client, error) {
	if cfg.APIKey == "" && cfg.BaseURL == "" {
		return nil, fmt.Errorf("%w: openai api key not set", domain.ErrConfiguration)
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}

	opts := []option.RequestOption{
		option.WithBaseURL(cfg.BaseURL),
		option.WithMaxRetries(0),
		option.WithRequestTimeout(cfg.Timeout),
	}
	// Local OpenAI-compatible servers usually run without a key.
	if cfg.APIKey != "" {
		opts = append(opts, option.WithAPIKey(cfg.APIKey))
	} else {
		opts = append(opts, option.WithAPIKey("unused"))
	}

	client := openai.NewClient(opts...)
	return &Client{client: &client}, nil
}

// Client returns the underlying OpenAI client for use in other packages (e.g., the LLM gateway).
func (c *Client) Client() *openai.Client {
	return c.client
}

// ClassifyError wraps an OpenAI call failure with domain.ErrProvider and the
// matching failure kind: rate limited, invalid request or unavailable.
// Context errors and already classified errors keep their identity.
func ClassifyError(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, domain.ErrDimensionMismatch) || errors.Is(err, domain.ErrInvalidRequest) {
		return fmt.Errorf("%w: %s: %w", domain.ErrProvider, op, err)
	}

	kind := domain.ErrUnavailable
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.StatusCode == http.StatusTooManyRequests:
			kind = domain.ErrRateLimited
		case apiErr.StatusCode >= 400 && apiErr.StatusCode < 500:
			kind = domain.ErrInvalidRequest
		}
	}
	return fmt.Errorf("%w: %w: %s: %v", domain.ErrProvider, kind, op, err)
}

// isRateLimitError checks if the error is a rate limit error (HTTP 429).
func isRateLimitError(err error) bool {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode == http.StatusTooManyRequests
	}
	return false
}

// IsRetryable reports rate limiting and server-side failures.
func IsRetryable(err error) bool {
	if isRateLimitError(err) {
		return true
	}
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode >= 500
	}
	return false
}
