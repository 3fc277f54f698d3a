// chattax-index builds the knowledge base artifacts from crawled pages.
//
// Input is a documents.jsonl produced by the crawler, one page per line.
// Output is the vectors.bin/chunks.jsonl pair served by chattaxd.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/chattax/chattax/internal/config"
	"github.com/chattax/chattax/internal/embedder"
	"github.com/chattax/chattax/internal/ingestion"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	if err := run(); err != nil {
		slog.Error("index build failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		documentsPath = flag.String("documents", "./data/crawl/documents.jsonl", "crawled pages, one JSON document per line")
		targetWords   = flag.Int("target-words", 120, "preferred chunk size in words")
		maxWords      = flag.Int("max-words", 240, "hard chunk size limit in words")
		overlapWords  = flag.Int("overlap-words", 20, "words of trailing context carried into the next chunk")
	)
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	docs, err := ingestion.ReadDocuments(*documentsPath)
	if err != nil {
		return err
	}
	if len(docs) == 0 {
		return fmt.Errorf("no documents found in %s", *documentsPath)
	}
	slog.Info("loaded crawled documents", "count", len(docs), "path", *documentsPath)

	emb := embedder.NewOllamaEmbedder(embedder.OllamaConfig{
		BaseURL: cfg.OllamaURL,
		Model:   cfg.OllamaEmbeddingModel,
	})
	slog.Info("embedding with", "model", cfg.OllamaEmbeddingModel)

	builder := ingestion.NewBuilder(emb,
		ingestion.WithChunker(ingestion.NewChunker(ingestion.ChunkerConfig{
			TargetWords:  *targetWords,
			MaxWords:     *maxWords,
			OverlapWords: *overlapWords,
		})),
		ingestion.WithLogger(slog.Default()),
	)

	stats, err := builder.Build(context.Background(), docs, cfg.VectorsPath, cfg.MetadataPath)
	if err != nil {
		return err
	}

	slog.Info("artifacts written",
		"vectors", cfg.VectorsPath,
		"metadata", cfg.MetadataPath,
		"chunks", stats.Chunks,
		"dimension", stats.Dimension,
	)
	return nil
}
