package extract

import (
	"context"
	"fmt"
	"net/http"
	"time"
)

// Client generates text from a prompt. Implementations wrap one provider
// each and impose their own per-request timeout; a timed-out call surfaces
// as an error, never a hang.
type Client interface {
	Generate(ctx context.Context, prompt string) (string, error)
	Close()
}

// ClientOptions configures a provider client.
type ClientOptions struct {
	Model       string
	APIKey      string
	BaseURL     string
	Temperature float64
	MaxTokens   int
	Timeout     time.Duration
}

// NewClient returns the client for a provider name. Unknown providers are a
// configuration error, reported up front rather than at call time.
func NewClient(provider string, opts ClientOptions) (Client, error) {
	if opts.Timeout <= 0 {
		opts.Timeout = 60 * time.Second
	}
	if opts.MaxTokens <= 0 {
		opts.MaxTokens = 4000
	}
	switch provider {
	case "anthropic":
		return newAnthropicClient(opts), nil
	case "openai":
		return newOpenAIClient(opts), nil
	case "ollama":
		return newOllamaClient(opts), nil
	default:
		return nil, fmt.Errorf("unknown LLM provider: %s", provider)
	}
}

// RetryableError indicates a transient provider failure worth retrying.
type RetryableError struct {
	StatusCode int
	Message    string
}

func (e *RetryableError) Error() string {
	return fmt.Sprintf("retryable error (status %d): %s", e.StatusCode, truncate(e.Message, 200))
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

func newHTTPClient(timeout time.Duration) *http.Client {
	return &http.Client{Timeout: timeout}
}
