package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dgallion1/docextract/internal/api"
	"github.com/dgallion1/docextract/internal/blob"
	"github.com/dgallion1/docextract/internal/config"
	"github.com/dgallion1/docextract/internal/extract"
	"github.com/dgallion1/docextract/internal/markdown"
	"github.com/dgallion1/docextract/internal/pipeline"
	"github.com/dgallion1/docextract/internal/progress"
	"github.com/dgallion1/docextract/internal/schemastore"
)

func main() {
	log := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		log.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := os.MkdirAll(cfg.DataRoot, 0o755); err != nil {
		log.Error("create data root", "error", err)
		os.Exit(1)
	}

	store, err := progress.Open(cfg.ProgressDBPath)
	if err != nil {
		log.Error("open progress store", "error", err)
		os.Exit(1)
	}
	defer store.Close()

	var blobs blob.Store
	var blobClient *blob.Client
	switch cfg.BlobBackend {
	case config.BlobHTTP:
		blobClient = blob.NewClient(cfg.BlobURL, cfg.BlobAPIKey)
		blobs = blobClient
	default:
		blobs = blob.NewLocal(cfg.DataRoot)
	}

	newClient := func(llm progress.LLMConfig) (extract.Client, error) {
		provider := llm.Provider
		if !llm.UseAPI {
			provider = "ollama"
		}
		opts := extract.ClientOptions{
			Model:       llm.Model,
			Temperature: llm.Temperature,
			MaxTokens:   cfg.LLMMaxTokens,
			Timeout:     cfg.LLMTimeout,
		}
		switch provider {
		case "anthropic":
			opts.APIKey = cfg.AnthropicAPIKey
		case "openai":
			opts.APIKey = cfg.OpenAIAPIKey
		case "ollama":
			opts.BaseURL = cfg.OllamaURL
		}
		return extract.NewClient(provider, opts)
	}

	cache := markdown.NewCache(cfg.DataRoot, blobs, log, cfg.PDFFallbackPdftotext)
	engine := pipeline.NewEngine(store, cache, newClient, log, cfg.MaxChunkChars, cfg.MaxPDFConcurrency)
	manager := pipeline.NewManager(store, engine, log, cfg.WorkerCount, 100)
	manager.Start(ctx)

	poller := pipeline.NewPoller(store, engine, log, cfg.PollInterval)
	go poller.Start(ctx)

	schemas := schemastore.New(cfg.DataRoot)
	srv := api.NewServer(manager, schemas, blobs, log, cfg)

	httpServer := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      srv,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 120 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Graceful shutdown.
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		log.Info("shutting down...")

		// Drain HTTP first so no new start requests race the worker pool.
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		httpServer.Shutdown(shutdownCtx)

		cancel()
		manager.Stop()

		if blobClient != nil {
			blobClient.Close()
		}
	}()

	log.Info("starting docextract", "port", cfg.Port, "data_root", cfg.DataRoot)
	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Error("server error", "error", err)
		os.Exit(1)
	}
}
