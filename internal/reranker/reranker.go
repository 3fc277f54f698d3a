// Package reranker implements the second retrieval stage: joint scoring of
// (query, passage) pairs to reorder the bi-encoder candidates.
//
// The joint stage sees query and passage together and is more precise than
// the independent-encoding stage, at the cost of one extra model call per
// query. It is optional: when disabled, or when the scoring model is
// unavailable, the pipeline degrades to passthrough ranking and the query
// still succeeds.
package reranker

import (
	"context"

	"github.com/chattax/chattax/internal/retriever"
)

// RankedResult is a retrieval candidate with an optional joint score.
// Ordering of a RankedResult slice is the authoritative citation order.
type RankedResult struct {
	retriever.Candidate

	// RerankScore is the joint-scoring relevance in [0, 1]. Only meaningful
	// when Scored is true.
	RerankScore float32

	// Scored reports whether RerankScore was produced by a joint-scoring
	// pass. Passthrough results leave it false.
	Scored bool
}

// Reranker reorders candidates by joint query-passage relevance.
// Implementations must be deterministic: identical (query, candidates, k)
// inputs yield identical output ordering.
type Reranker interface {
	// Rerank returns the top k results. On error the caller falls back to
	// passthrough ranking; a reranker error never fails the query.
	Rerank(ctx context.Context, query string, candidates []retriever.Candidate, k int) ([]RankedResult, error)
}

// Passthrough returns candidates[:k] unchanged, with no joint score.
type Passthrough struct{}

// Rerank implements Reranker without mutating scores or order.
func (Passthrough) Rerank(_ context.Context, _ string, candidates []retriever.Candidate, k int) ([]RankedResult, error) {
	if k > len(candidates) {
		k = len(candidates)
	}
	if k < 0 {
		k = 0
	}
	results := make([]RankedResult, k)
	for i := 0; i < k; i++ {
		results[i] = RankedResult{Candidate: candidates[i]}
	}
	return results, nil
}

// Ensure Passthrough implements Reranker interface.
var _ Reranker = Passthrough{}
