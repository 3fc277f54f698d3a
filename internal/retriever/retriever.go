// Package retriever implements the bi-encoder retrieval stage: the query is
// embedded independently of the passages and scored against every indexed
// vector by cosine similarity.
//
// Score normalization: vectors are unit length (normalized at index load and
// again for the query), so similarity is the dot product in [-1, 1]. The
// relevance score is (cosine + 1) / 2, a fixed monotonic transform into
// [0, 1]. This is the only metric and the only transform used anywhere in
// the pipeline.
package retriever

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"

	"github.com/chattax/chattax/internal/embedder"
	"github.com/chattax/chattax/internal/index"
)

var (
	// ErrEmbedding indicates the query could not be embedded. Fatal for the
	// affected query; not retried (input-dependent).
	ErrEmbedding = errors.New("query embedding failed")

	// ErrDimensionMismatch indicates the embedding model and the index were
	// built with different dimensions. Version skew; fatal.
	ErrDimensionMismatch = errors.New("embedding dimension does not match index")
)

// Candidate is a retrieved chunk with its bi-encoder relevance score.
type Candidate struct {
	Chunk index.Chunk

	// Position is the chunk's row position in the index, used as the
	// deterministic tie-break.
	Position int

	// Relevance is the normalized cosine score in [0, 1].
	Relevance float32
}

// Retriever performs nearest-neighbor search over the current index snapshot.
type Retriever struct {
	embedder embedder.Embedder
	idx      *index.Handle
}

// New creates a Retriever over the given index handle.
func New(emb embedder.Embedder, idx *index.Handle) *Retriever {
	return &Retriever{embedder: emb, idx: idx}
}

// Retrieve returns up to n candidates ordered by decreasing relevance.
// Ties are broken by ascending index position. An empty index yields an
// empty list, not an error.
func (r *Retriever) Retrieve(ctx context.Context, query string, n int) ([]Candidate, error) {
	snap := r.idx.Snapshot()
	if snap.VectorCount() == 0 {
		return []Candidate{}, nil
	}

	vec, err := r.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEmbedding, err)
	}
	if len(vec) != snap.Dimension() {
		return nil, fmt.Errorf("%w: model %q produced %d dimensions, index has %d",
			ErrDimensionMismatch, r.embedder.ModelName(), len(vec), snap.Dimension())
	}

	normalizeQuery(vec)

	count := snap.VectorCount()
	candidates := make([]Candidate, count)
	for i := 0; i < count; i++ {
		cos := dot(vec, snap.Vector(i))
		score := (cos + 1) / 2
		// Guard against float drift outside the unit interval.
		if score < 0 {
			score = 0
		} else if score > 1 {
			score = 1
		}
		candidates[i] = Candidate{
			Position:  i,
			Relevance: score,
		}
	}

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].Relevance != candidates[j].Relevance {
			return candidates[i].Relevance > candidates[j].Relevance
		}
		return candidates[i].Position < candidates[j].Position
	})

	if n > count {
		n = count
	}
	if n < 0 {
		n = 0
	}
	candidates = candidates[:n]

	// Attach metadata only for the survivors.
	for i := range candidates {
		candidates[i].Chunk = snap.Row(candidates[i].Position)
	}

	return candidates, nil
}

func dot(a, b []float32) float32 {
	var sum float32
	for i := range a {
		sum += a[i] * b[i]
	}
	return sum
}

func normalizeQuery(v []float32) {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	if sum == 0 {
		return
	}
	inv := 1 / math.Sqrt(sum)
	for i := range v {
		v[i] = float32(float64(v[i]) * inv)
	}
}
