package reranker

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/chattax/chattax/internal/llm"
	"github.com/chattax/chattax/internal/retriever"
)

// maxPassageChars bounds the passage text sent to the scoring model so the
// prompt stays inside the model's context window.
const maxPassageChars = 500

// LLMReranker scores each (query, passage) pair jointly through the LLM.
// Temperature is pinned to zero so identical inputs score identically.
type LLMReranker struct {
	llmClient llm.LLM
	model     string
}

// LLMRerankerOption is a functional option for configuring LLMReranker.
type LLMRerankerOption func(*LLMReranker)

// WithModel sets the model to use for scoring.
func WithModel(model string) LLMRerankerOption {
	return func(r *LLMReranker) {
		r.model = model
	}
}

// NewLLMReranker creates a new LLM-based reranker.
func NewLLMReranker(llmClient llm.LLM, opts ...LLMRerankerOption) *LLMReranker {
	r := &LLMReranker{
		llmClient: llmClient,
		model:     "llama3.2",
	}

	for _, opt := range opts {
		opt(r)
	}

	return r
}

// passageScore is one entry of the structured model output.
type passageScore struct {
	DocIndex int     `json:"doc_index"`
	Score    float32 `json:"score"`
}

type scoreResponse struct {
	Scores []passageScore `json:"scores"`
}

// Rerank scores every candidate against the query and returns the top k by
// joint score, descending. Ties keep the incoming bi-encoder order. Any
// model or parse failure is returned to the caller, which falls back to
// passthrough ranking.
func (r *LLMReranker) Rerank(ctx context.Context, query string, candidates []retriever.Candidate, k int) ([]RankedResult, error) {
	if len(candidates) == 0 {
		return []RankedResult{}, nil
	}
	if k > len(candidates) {
		k = len(candidates)
	}
	if k < 0 {
		k = 0
	}

	prompt := r.buildScoringPrompt(query, candidates)

	response, err := r.llmClient.Generate(ctx, prompt, llm.GenerateOptions{
		Model:       r.model,
		Temperature: 0.0,
		MaxTokens:   1024,
	})
	if err != nil {
		return nil, fmt.Errorf("joint scoring failed: %w", err)
	}

	scores, err := parseScoreResponse(response, len(candidates))
	if err != nil {
		return nil, fmt.Errorf("joint scoring failed: %w", err)
	}

	results := make([]RankedResult, len(candidates))
	for i, c := range candidates {
		results[i] = RankedResult{
			Candidate:   c,
			RerankScore: scores[i],
			Scored:      true,
		}
	}

	// Stable sort keeps the bi-encoder order for equal joint scores.
	sort.SliceStable(results, func(i, j int) bool {
		return results[i].RerankScore > results[j].RerankScore
	})

	return results[:k], nil
}

// buildScoringPrompt renders the query and numbered passages for scoring.
func (r *LLMReranker) buildScoringPrompt(query string, candidates []retriever.Candidate) string {
	var sb strings.Builder

	sb.WriteString("You are a relevance scoring system. Score each passage's relevance to the query.\n\n")
	sb.WriteString("Query: ")
	sb.WriteString(query)
	sb.WriteString("\n\n")

	sb.WriteString("Passages to score:\n")
	for i, c := range candidates {
		text := c.Chunk.Text
		if runes := []rune(text); len(runes) > maxPassageChars {
			text = string(runes[:maxPassageChars]) + "..."
		}
		sb.WriteString(fmt.Sprintf("[Doc %d]: %s\n\n", i, text))
	}

	sb.WriteString(`Score each passage from 0.0 to 1.0 based on relevance to the query.
Output ONLY valid JSON in this exact format:
{"scores": [{"doc_index": 0, "score": 0.9}, {"doc_index": 1, "score": 0.3}, ...]}

Be strict: irrelevant passages should score below 0.3, somewhat relevant 0.3-0.7, highly relevant above 0.7.
Output only JSON, no explanation:`)

	return sb.String()
}

// parseScoreResponse extracts per-passage scores from the model response.
// Missing entries default to 0.5; out-of-range scores are clamped.
func parseScoreResponse(response string, numCandidates int) ([]float32, error) {
	response = strings.TrimSpace(response)

	// Strip markdown code fences if present.
	if idx := strings.Index(response, "```json"); idx != -1 {
		start := idx + 7
		if end := strings.Index(response[start:], "```"); end != -1 {
			response = response[start : start+end]
		}
	} else if idx := strings.Index(response, "```"); idx != -1 {
		start := idx + 3
		if end := strings.Index(response[start:], "```"); end != -1 {
			response = response[start : start+end]
		}
	}

	response = strings.TrimSpace(response)

	var parsed scoreResponse
	if err := json.Unmarshal([]byte(response), &parsed); err != nil {
		return nil, fmt.Errorf("parsing score response: %w", err)
	}

	scores := make([]float32, numCandidates)
	for i := range scores {
		scores[i] = 0.5
	}

	for _, s := range parsed.Scores {
		if s.DocIndex < 0 || s.DocIndex >= numCandidates {
			continue
		}
		score := s.Score
		if score < 0 {
			score = 0
		}
		if score > 1 {
			score = 1
		}
		scores[s.DocIndex] = score
	}

	return scores, nil
}

// Ensure LLMReranker implements Reranker interface.
var _ Reranker = (*LLMReranker)(nil)
