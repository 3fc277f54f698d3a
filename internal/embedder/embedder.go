// Package embedder provides the query embedding contract.
//
// Queries must be embedded with the same model that built the knowledge base
// index; a dimension mismatch between the two is version skew and is treated
// as fatal by the retriever.
package embedder

import "context"

// Embedder defines the interface for text embedding services.
type Embedder interface {
	// Embed generates an embedding vector for a single text input.
	Embed(ctx context.Context, text string) ([]float32, error)

	// Dimension returns the dimensionality of the embedding vectors.
	Dimension() int

	// ModelName returns the name of the embedding model being used.
	ModelName() string
}

// KnownDimensions maps embedding model names to their vector dimensions.
var KnownDimensions = map[string]int{
	"all-minilm":        384,
	"nomic-embed-text":  768,
	"mxbai-embed-large": 1024,
}

// ModelDimension returns the dimension for a model, or def if unknown.
func ModelDimension(modelName string, def int) int {
	if d, ok := KnownDimensions[modelName]; ok {
		return d
	}
	return def
}
