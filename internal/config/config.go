// Package config loads configuration from environment variables and .env files.
package config

import (
	"time"

	"github.com/caarlos0/env/v10"
	"github.com/joho/godotenv"
)

// Config holds all configuration for the ChatTax service
type Config struct {
	// Server
	HTTPPort    int    `env:"HTTP_PORT" envDefault:"8000"`
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
	LogLevel    string `env:"LOG_LEVEL" envDefault:"info"`

	// Knowledge base artifacts (produced by the offline ingestion pipeline)
	VectorsPath  string `env:"VECTORS_PATH" envDefault:"./data/index/vectors.bin"`
	MetadataPath string `env:"METADATA_PATH" envDefault:"./data/index/chunks.jsonl"`

	// PostgreSQL query log (disabled when empty)
	DatabaseURL string `env:"DATABASE_URL"`

	// Ollama
	OllamaURL            string `env:"OLLAMA_URL" envDefault:"http://localhost:11434"`
	OllamaEmbeddingModel string `env:"OLLAMA_EMBEDDING_MODEL" envDefault:"all-minilm"`
	OllamaLLMModel       string `env:"OLLAMA_LLM_MODEL" envDefault:"llama3.2"`
	RerankerModel        string `env:"RERANKER_MODEL" envDefault:"llama3.2"`
	RerankerEnabled      bool   `env:"RERANKER_ENABLED" envDefault:"true"`

	// Retrieval defaults
	DefaultTopK              int `env:"DEFAULT_TOP_K" envDefault:"5"`
	DefaultInitialCandidates int `env:"DEFAULT_INITIAL_CANDIDATES" envDefault:"20"`
	MaxChunkChars            int `env:"MAX_CHUNK_CHARS" envDefault:"500"`

	// Model call limits: concurrent in-flight calls per model, and the
	// per-query generation deadline.
	ModelConcurrency int           `env:"MODEL_CONCURRENCY" envDefault:"4"`
	GenerateTimeout  time.Duration `env:"GENERATE_TIMEOUT" envDefault:"2m"`
}

// Load loads configuration from .env file (if present) and environment variables
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not found)
	_ = godotenv.Load()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}
