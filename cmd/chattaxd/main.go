package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/chattax/chattax/internal/config"
	"github.com/chattax/chattax/internal/embedder"
	"github.com/chattax/chattax/internal/index"
	"github.com/chattax/chattax/internal/llm"
	"github.com/chattax/chattax/internal/repository"
	"github.com/chattax/chattax/internal/repository/postgres"
	"github.com/chattax/chattax/internal/reranker"
	"github.com/chattax/chattax/internal/server"
	"github.com/chattax/chattax/internal/service"
)

func main() {
	// Set up structured logging
	logLevel := slog.LevelInfo
	if os.Getenv("LOG_LEVEL") == "debug" {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)

	if err := run(); err != nil {
		slog.Error("failed to run server", "error", err)
		os.Exit(1)
	}
}

func run() error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	slog.Info("starting ChatTax service",
		"http_port", cfg.HTTPPort,
		"environment", cfg.Environment,
	)

	// Load the knowledge base index. Missing or misaligned artifacts need
	// operator intervention (rebuild the index), so fail loudly here.
	store, err := index.Load(cfg.VectorsPath, cfg.MetadataPath)
	if err != nil {
		if errors.Is(err, index.ErrNotFound) || errors.Is(err, index.ErrInconsistent) {
			return fmt.Errorf("knowledge base unusable, rebuild the index: %w", err)
		}
		return fmt.Errorf("failed to load index: %w", err)
	}
	idx := index.NewHandle(store)
	stats := store.Stats()
	slog.Info("loaded knowledge base",
		"vectors", stats.VectorCount,
		"documents", stats.UniqueDocs,
		"dimension", stats.Dimension,
	)

	// Initialize Ollama embedder
	embed := embedder.NewOllamaEmbedder(embedder.OllamaConfig{
		BaseURL: cfg.OllamaURL,
		Model:   cfg.OllamaEmbeddingModel,
	})
	slog.Info("initialized embedder", "model", cfg.OllamaEmbeddingModel)

	// Initialize Ollama LLM
	llmClient := llm.NewOllamaClient(
		llm.WithBaseURL(cfg.OllamaURL),
		llm.WithModel(cfg.OllamaLLMModel),
	)
	slog.Info("initialized LLM", "model", cfg.OllamaLLMModel)

	// Assemble the query service
	opts := []service.RAGServiceOption{
		service.WithLogger(slog.Default()),
		service.WithLLMModel(cfg.OllamaLLMModel),
		service.WithModelConcurrency(cfg.ModelConcurrency),
		service.WithRetrievalDefaults(cfg.DefaultTopK, cfg.DefaultInitialCandidates),
		service.WithMaxChunkChars(cfg.MaxChunkChars),
		service.WithGenerateTimeout(cfg.GenerateTimeout),
	}

	if cfg.RerankerEnabled {
		opts = append(opts, service.WithReranker(
			reranker.NewLLMReranker(llmClient, reranker.WithModel(cfg.RerankerModel)),
		))
		slog.Info("initialized reranker", "model", cfg.RerankerModel)
	}

	// Optional PostgreSQL query log
	var db *postgres.DB
	if cfg.DatabaseURL != "" {
		db, err = postgres.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("failed to connect to database: %w", err)
		}
		defer db.Close()

		queryLog := postgres.NewQueryLogRepo(db)
		if err := queryLog.EnsureSchema(ctx); err != nil {
			return fmt.Errorf("failed to prepare query log schema: %w", err)
		}
		opts = append(opts, service.WithQueryLog(queryLog))
		slog.Info("query log enabled")
	}

	ragSvc := service.NewRAGService(idx, embed, llmClient, opts...)
	defer ragSvc.Close()

	// Create HTTP server
	httpServer := server.NewHTTPServer(server.HTTPServerConfig{
		Port:           cfg.HTTPPort,
		Logger:         slog.Default(),
		AllowedOrigins: []string{"*"}, // configure in production
	}, ragSvc)

	errCh := make(chan error, 1)
	go func() {
		if err := httpServer.Start(); err != nil {
			errCh <- err
		}
	}()

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-sigCh:
		slog.Info("received shutdown signal", "signal", sig)
	}

	// Graceful shutdown
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("failed to shutdown HTTP server", "error", err)
	}

	slog.Info("server stopped")
	return nil
}

// Ensure interfaces are satisfied at compile time
var (
	_ embedder.Embedder             = (*embedder.OllamaEmbedder)(nil)
	_ llm.LLM                       = (*llm.OllamaClient)(nil)
	_ reranker.Reranker             = (*reranker.LLMReranker)(nil)
	_ repository.QueryLogRepository = (*postgres.QueryLogRepo)(nil)
)
