package service

import (
	"math"

	"github.com/chattax/chattax/internal/reranker"
)

// minConfidence is the floor for non-empty result sets. Zero confidence is
// reserved exclusively for the empty-result case.
const minConfidence = 0.001

// EstimateConfidence collapses the final result set's scores to one scalar
// in [0, 1].
//
// Formula: mean of the effective scores (joint score when present, else
// bi-encoder relevance), scaled by min(n/3, 1) so one- or two-source answers
// read as less trustworthy, then clamped to [minConfidence, 1]. Empty input
// yields exactly 0.
func EstimateConfidence(results []reranker.RankedResult) float64 {
	if len(results) == 0 {
		return 0
	}

	var sum float64
	for _, r := range results {
		sum += float64(effectiveScore(r))
	}
	mean := sum / float64(len(results))

	countFactor := math.Min(float64(len(results))/3, 1)

	confidence := mean * countFactor
	if confidence < minConfidence {
		confidence = minConfidence
	}
	if confidence > 1 {
		confidence = 1
	}

	return round3(confidence)
}

// effectiveScore prefers the joint score over the bi-encoder relevance.
func effectiveScore(r reranker.RankedResult) float32 {
	if r.Scored {
		return r.RerankScore
	}
	return r.Relevance
}

func round3(v float64) float64 {
	return math.Round(v*1000) / 1000
}
