package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// BlobBackend selects where dataset files are read from.
type BlobBackend string

const (
	BlobLocal BlobBackend = "local"
	BlobHTTP  BlobBackend = "http"
)

type Config struct {
	Port string

	// Root of all on-disk state: cached markdown, schemas, progress DB.
	DataRoot string

	// Progress store. Defaults to a sqlite file under DataRoot.
	ProgressDBPath string

	// Blob backend
	BlobBackend BlobBackend
	BlobURL     string
	BlobAPIKey  string

	// LLM
	LLMProvider     string
	LLMModel        string
	LLMUseAPI       bool
	LLMTemperature  float64
	LLMMaxTokens    int
	LLMTimeout      time.Duration
	AnthropicAPIKey string
	OpenAIAPIKey    string
	OllamaURL       string

	// Pipeline
	MaxChunkChars     int
	MaxPDFConcurrency int
	PollInterval      time.Duration
	WorkerCount       int

	// PDF
	PDFFallbackPdftotext bool
}

func Load() Config {
	cfg := Config{
		Port: envOr("PORT", "8090"),

		DataRoot:       envOr("DATA_ROOT", "./data"),
		ProgressDBPath: os.Getenv("PROGRESS_DB_PATH"),

		BlobBackend: BlobBackend(envOr("BLOB_BACKEND", "local")),
		BlobURL:     envOr("BLOB_URL", "http://localhost:8080"),
		BlobAPIKey:  os.Getenv("BLOB_API_KEY"),

		LLMProvider:     envOr("LLM_PROVIDER", "anthropic"),
		LLMModel:        envOr("LLM_MODEL", "claude-sonnet-4-5-20250929"),
		LLMUseAPI:       envBool("LLM_USE_API", true),
		LLMTemperature:  envFloat("LLM_TEMPERATURE", 0.3),
		LLMMaxTokens:    envInt("LLM_MAX_TOKENS", 4000),
		LLMTimeout:      envDuration("LLM_TIMEOUT", 60*time.Second),
		AnthropicAPIKey: os.Getenv("ANTHROPIC_API_KEY"),
		OpenAIAPIKey:    os.Getenv("OPENAI_API_KEY"),
		OllamaURL:       envOr("OLLAMA_URL", "http://localhost:11434"),

		MaxChunkChars:     envInt("MAX_CHUNK_CHARS", 4000),
		MaxPDFConcurrency: envInt("MAX_PDF_CONCURRENCY", 10),
		PollInterval:      envDuration("POLL_INTERVAL", 60*time.Second),
		WorkerCount:       envInt("WORKER_COUNT", 4),

		PDFFallbackPdftotext: envBool("PDF_FALLBACK_PDFTOTEXT", true),
	}

	if cfg.ProgressDBPath == "" {
		cfg.ProgressDBPath = filepath.Join(cfg.DataRoot, "extraction.db")
	}
	if cfg.MaxChunkChars <= 0 {
		cfg.MaxChunkChars = 4000
	}
	if cfg.MaxPDFConcurrency <= 0 {
		cfg.MaxPDFConcurrency = 10
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 60 * time.Second
	}
	if cfg.WorkerCount <= 0 {
		cfg.WorkerCount = 4
	}
	if cfg.LLMMaxTokens <= 0 {
		cfg.LLMMaxTokens = 4000
	}
	if cfg.LLMTimeout <= 0 {
		cfg.LLMTimeout = 60 * time.Second
	}

	return cfg
}

// Validate checks backend selection and provider credentials up front, so a
// misconfigured job can never start. Local-mode providers need no key.
func (c Config) Validate() error {
	switch c.BlobBackend {
	case BlobLocal:
	case BlobHTTP:
		if c.BlobAPIKey == "" {
			return fmt.Errorf("BLOB_API_KEY is required for the http blob backend")
		}
	default:
		return fmt.Errorf("unknown blob backend: %s", c.BlobBackend)
	}

	if !c.LLMUseAPI {
		return nil
	}
	switch c.LLMProvider {
	case "anthropic":
		if c.AnthropicAPIKey == "" {
			return fmt.Errorf("ANTHROPIC_API_KEY is required for provider anthropic")
		}
	case "openai":
		if c.OpenAIAPIKey == "" {
			return fmt.Errorf("OPENAI_API_KEY is required for provider openai")
		}
	case "ollama":
	default:
		return fmt.Errorf("unknown LLM provider: %s", c.LLMProvider)
	}
	return nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
