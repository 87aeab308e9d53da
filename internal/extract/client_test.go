package extract

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewClientProviders(t *testing.T) {
	for _, provider := range []string{"anthropic", "openai", "ollama"} {
		c, err := NewClient(provider, ClientOptions{Model: "m"})
		require.NoError(t, err, provider)
		require.NotNil(t, c)
		c.Close()
	}

	_, err := NewClient("mystery", ClientOptions{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown LLM provider")
}

func TestRetryableErrorMessage(t *testing.T) {
	err := &RetryableError{StatusCode: 429, Message: "slow down"}
	assert.Contains(t, err.Error(), "429")
	assert.Contains(t, err.Error(), "slow down")

	long := &RetryableError{StatusCode: 500, Message: string(make([]byte, 500))}
	assert.Less(t, len(long.Error()), 300)
}

func TestOllamaGenerate(t *testing.T) {
	var gotReq ollamaRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/generate", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotReq))
		json.NewEncoder(w).Encode(ollamaResponse{Response: `{"data": {}}`})
	}))
	defer srv.Close()

	c, err := NewClient("ollama", ClientOptions{Model: "llama3", BaseURL: srv.URL, Temperature: 0.3})
	require.NoError(t, err)
	defer c.Close()

	out, err := c.Generate(context.Background(), "extract this")
	require.NoError(t, err)
	assert.Equal(t, `{"data": {}}`, out)
	assert.Equal(t, "llama3", gotReq.Model)
	assert.Equal(t, "extract this", gotReq.Prompt)
	assert.False(t, gotReq.Stream)
}

func TestOllamaServerErrorIsRetryable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c, err := NewClient("ollama", ClientOptions{Model: "llama3", BaseURL: srv.URL})
	require.NoError(t, err)
	defer c.Close()

	_, err = c.Generate(context.Background(), "prompt")
	var re *RetryableError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, http.StatusServiceUnavailable, re.StatusCode)
}

func TestOllamaBadRequestNotRetryable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad model", http.StatusBadRequest)
	}))
	defer srv.Close()

	c, err := NewClient("ollama", ClientOptions{Model: "nope", BaseURL: srv.URL})
	require.NoError(t, err)
	defer c.Close()

	_, err = c.Generate(context.Background(), "prompt")
	require.Error(t, err)
	var re *RetryableError
	assert.False(t, errors.As(err, &re))
}

func TestOllamaBodyError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(ollamaResponse{Error: "model not loaded"})
	}))
	defer srv.Close()

	c, err := NewClient("ollama", ClientOptions{Model: "llama3", BaseURL: srv.URL})
	require.NoError(t, err)
	defer c.Close()

	_, err = c.Generate(context.Background(), "prompt")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "model not loaded")
}
