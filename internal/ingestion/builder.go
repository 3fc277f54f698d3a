package ingestion

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/chattax/chattax/internal/embedder"
	"github.com/chattax/chattax/internal/index"
)

// BuildStats summarizes one index build.
type BuildStats struct {
	Documents  int
	Chunks     int
	Dimension  int
	SkippedDoc int
	Elapsed    time.Duration
}

// Builder chunks documents, embeds every passage and writes the artifact
// pair the query service loads.
type Builder struct {
	embedder embedder.Embedder
	chunker  *Chunker
	logger   *slog.Logger
}

// BuilderOption is a functional option for configuring Builder.
type BuilderOption func(*Builder)

// WithChunker overrides the default chunker.
func WithChunker(c *Chunker) BuilderOption {
	return func(b *Builder) {
		b.chunker = c
	}
}

// WithLogger sets the build logger.
func WithLogger(logger *slog.Logger) BuilderOption {
	return func(b *Builder) {
		b.logger = logger
	}
}

// NewBuilder creates an index builder over an embedder.
func NewBuilder(emb embedder.Embedder, opts ...BuilderOption) *Builder {
	b := &Builder{
		embedder: emb,
		chunker:  NewChunker(ChunkerConfig{}),
		logger:   slog.Default(),
	}

	for _, opt := range opts {
		opt(b)
	}

	return b
}

// Build chunks and embeds docs, then writes the artifacts. The chunk order
// in chunks.jsonl matches the vector order in vectors.bin exactly; that
// alignment is what the query service's position-based lookup relies on.
func (b *Builder) Build(ctx context.Context, docs []Document, vectorsPath, metadataPath string) (BuildStats, error) {
	start := time.Now()
	stats := BuildStats{Documents: len(docs)}

	var rows []index.Chunk
	var vectors []float32
	dimension := 0

	for _, doc := range docs {
		if strings.TrimSpace(doc.Text) == "" || doc.DocID == "" {
			stats.SkippedDoc++
			b.logger.Warn("skipping document without id or text", "doc_id", doc.DocID)
			continue
		}

		chunks := b.chunker.Split(doc)
		for _, chunk := range chunks {
			vec, err := b.embedder.Embed(ctx, chunk.Text)
			if err != nil {
				return stats, fmt.Errorf("embedding chunk %s: %w", chunk.ChunkID, err)
			}
			if dimension == 0 {
				dimension = len(vec)
			} else if len(vec) != dimension {
				return stats, fmt.Errorf("chunk %s: embedding dimension %d differs from %d",
					chunk.ChunkID, len(vec), dimension)
			}
			vectors = append(vectors, vec...)
			rows = append(rows, chunk)
		}

		b.logger.Debug("chunked document", "doc_id", doc.DocID, "chunks", len(chunks))
	}

	if dimension == 0 {
		dimension = b.embedder.Dimension()
	}

	if err := index.Write(vectorsPath, metadataPath, dimension, vectors, rows); err != nil {
		return stats, fmt.Errorf("writing index artifacts: %w", err)
	}

	stats.Chunks = len(rows)
	stats.Dimension = dimension
	stats.Elapsed = time.Since(start)

	b.logger.Info("index build complete",
		"documents", stats.Documents,
		"chunks", stats.Chunks,
		"dimension", stats.Dimension,
		"elapsed", stats.Elapsed,
	)
	return stats, nil
}

// ReadDocuments loads a documents.jsonl file, one crawled page per line.
func ReadDocuments(path string) ([]Document, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening documents file: %w", err)
	}
	defer f.Close()

	var docs []Document
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			continue
		}
		var doc Document
		if err := json.Unmarshal([]byte(text), &doc); err != nil {
			return nil, fmt.Errorf("documents line %d: %w", line, err)
		}
		docs = append(docs, doc)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading documents: %w", err)
	}

	return docs, nil
}
