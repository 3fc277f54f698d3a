// Package service orchestrates the query pipeline: embed, retrieve, rerank,
// assemble context, generate, score confidence.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/chattax/chattax/internal/embedder"
	"github.com/chattax/chattax/internal/index"
	"github.com/chattax/chattax/internal/llm"
	"github.com/chattax/chattax/internal/memory"
	"github.com/chattax/chattax/internal/repository"
	"github.com/chattax/chattax/internal/reranker"
	"github.com/chattax/chattax/internal/retriever"
)

// noAnswerText is returned when retrieval finds nothing relevant. A typed
// empty result, not an error.
const noAnswerText = "I don't have enough information in my knowledge base to answer this question accurately. Please consult with a tax professional."

// generateRetryBackoff is the wait before the single generation retry.
const generateRetryBackoff = 500 * time.Millisecond

// historyMessages is how many recent session messages feed the prompt.
const historyMessages = 10

// GenerationError is returned when answer generation failed after the retry.
// It carries the already-computed sources and confidence so the caller can
// still present retrieved evidence without generated prose.
type GenerationError struct {
	Sources    []Source
	Confidence float64
	Err        error
}

func (e *GenerationError) Error() string {
	return fmt.Sprintf("answer generation failed: %v", e.Err)
}

func (e *GenerationError) Unwrap() error {
	return e.Err
}

// RAGService answers questions over the loaded knowledge base. One instance
// serves all queries concurrently; per-query state lives on the stack.
type RAGService struct {
	idx       *index.Handle
	retriever *retriever.Retriever
	llmClient llm.LLM
	reranker  reranker.Reranker // optional joint-scoring stage
	memory    *memory.Store
	queryLog  repository.QueryLogRepository // optional, best-effort
	logger    *slog.Logger

	// One semaphore per model concern so a slow model call bounds only its
	// own stage, never the whole process.
	embedSem    *semaphore.Weighted
	rerankSem   *semaphore.Weighted
	generateSem *semaphore.Weighted

	llmModel                 string
	defaultTopK              int
	defaultInitialCandidates int
	maxChunkChars            int
	generateTimeout          time.Duration
}

// RAGServiceOption is a functional option for configuring RAGService.
type RAGServiceOption func(*RAGService)

// WithReranker sets the joint-scoring reranker.
func WithReranker(r reranker.Reranker) RAGServiceOption {
	return func(s *RAGService) {
		s.reranker = r
	}
}

// WithQueryLog enables best-effort persistence of answered queries.
func WithQueryLog(repo repository.QueryLogRepository) RAGServiceOption {
	return func(s *RAGService) {
		s.queryLog = repo
	}
}

// WithLogger sets the service logger.
func WithLogger(logger *slog.Logger) RAGServiceOption {
	return func(s *RAGService) {
		s.logger = logger
	}
}

// WithModelConcurrency bounds concurrent in-flight calls per model.
func WithModelConcurrency(n int) RAGServiceOption {
	return func(s *RAGService) {
		if n > 0 {
			s.embedSem = semaphore.NewWeighted(int64(n))
			s.rerankSem = semaphore.NewWeighted(int64(n))
			s.generateSem = semaphore.NewWeighted(int64(n))
		}
	}
}

// WithLLMModel sets the generation model name.
func WithLLMModel(model string) RAGServiceOption {
	return func(s *RAGService) {
		s.llmModel = model
	}
}

// WithRetrievalDefaults overrides the default top-k and candidate pool size.
func WithRetrievalDefaults(topK, initialCandidates int) RAGServiceOption {
	return func(s *RAGService) {
		if topK > 0 {
			s.defaultTopK = topK
		}
		if initialCandidates > 0 {
			s.defaultInitialCandidates = initialCandidates
		}
	}
}

// WithGenerateTimeout caps the total time spent on answer generation,
// including the retry.
func WithGenerateTimeout(d time.Duration) RAGServiceOption {
	return func(s *RAGService) {
		if d > 0 {
			s.generateTimeout = d
		}
	}
}

// WithMaxChunkChars sets the per-passage truncation length.
func WithMaxChunkChars(n int) RAGServiceOption {
	return func(s *RAGService) {
		if n > 0 {
			s.maxChunkChars = n
		}
	}
}

// NewRAGService creates the query service over an index handle, an embedder
// and a generation client.
func NewRAGService(idx *index.Handle, emb embedder.Embedder, llmClient llm.LLM, opts ...RAGServiceOption) *RAGService {
	s := &RAGService{
		idx:                      idx,
		retriever:                retriever.New(emb, idx),
		llmClient:                llmClient,
		memory:                   memory.DefaultStore(),
		logger:                   slog.Default(),
		embedSem:                 semaphore.NewWeighted(4),
		rerankSem:                semaphore.NewWeighted(4),
		generateSem:              semaphore.NewWeighted(4),
		defaultTopK:              5,
		defaultInitialCandidates: 20,
		maxChunkChars:            500,
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// Close releases background resources.
func (s *RAGService) Close() {
	s.memory.Close()
}

// AnswerQuery runs the full pipeline for one query.
//
// Failure semantics: embedding and retrieval errors are fatal for the query
// and propagated. A reranker error degrades to passthrough ranking and is
// only logged. Generation is retried once with backoff; on second failure a
// *GenerationError carrying the retrieved sources and confidence is
// returned.
func (s *RAGService) AnswerQuery(ctx context.Context, req QueryRequest) (*AnswerResult, error) {
	startTime := time.Now()

	req, err := s.resolveRequest(req)
	if err != nil {
		return nil, err
	}

	// Stage 1: bi-encoder retrieval. Pull the full candidate pool when the
	// joint stage will narrow it, otherwise exactly top-k.
	retrievalStart := time.Now()
	n := req.TopK
	if req.UseReranking {
		n = req.InitialCandidates
	}

	if err := s.embedSem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	candidates, err := s.retriever.Retrieve(ctx, req.Question, n)
	s.embedSem.Release(1)
	if err != nil {
		return nil, err
	}

	// Stage 2: joint scoring, degrading to passthrough on any failure.
	var (
		results        []reranker.RankedResult
		reranked       bool
		rerankFallback bool
	)
	if req.UseReranking && s.reranker != nil && len(candidates) > 0 {
		if err := s.rerankSem.Acquire(ctx, 1); err != nil {
			return nil, err
		}
		results, err = s.reranker.Rerank(ctx, req.Question, candidates, req.TopK)
		s.rerankSem.Release(1)
		if err != nil {
			s.logger.Warn("reranker unavailable, falling back to passthrough ranking",
				"error", err,
				"candidates", len(candidates),
			)
			rerankFallback = true
			results, _ = reranker.Passthrough{}.Rerank(ctx, req.Question, candidates, req.TopK)
		} else {
			reranked = true
		}
	} else {
		results, _ = reranker.Passthrough{}.Rerank(ctx, req.Question, candidates, req.TopK)
	}
	retrievalTime := time.Since(retrievalStart)

	// Stage 3: context assembly and confidence. Confidence is computed
	// before generation so a generation failure can still report it.
	contextText, sources := AssembleContext(results, s.maxChunkChars)
	confidence := EstimateConfidence(results)

	result := &AnswerResult{
		ID:         uuid.NewString(),
		Sources:    sources,
		Confidence: confidence,
		UserType:   req.UserType,
		Timestamp:  time.Now().UTC(),
		Metadata: QueryMetadata{
			CandidatesRetrieved: len(candidates),
			Reranked:            reranked,
			RerankFallback:      rerankFallback,
		},
	}

	if len(results) == 0 {
		result.Answer = noAnswerText
		result.Metadata.RetrievalTimeMs = retrievalTime.Milliseconds()
		result.Metadata.TotalTimeMs = time.Since(startTime).Milliseconds()
		s.recordQuery(req, result, false)
		return result, nil
	}

	// Stage 4: answer generation with one retry.
	var history []memory.Message
	if req.SessionID != "" {
		history = s.memory.RecentHistory(req.SessionID, historyMessages)
		s.memory.AddUserMessage(req.SessionID, req.Question)
	}

	prompt := buildAnswerPrompt(contextText, req.Question, history)
	genOpts := llm.GenerateOptions{
		Model:        s.llmModel,
		SystemPrompt: buildSystemPrompt(req.UserType),
		Temperature:  llm.DefaultTemperature,
		MaxTokens:    2048,
	}

	generationStart := time.Now()
	answer, err := s.generateWithRetry(ctx, prompt, genOpts)
	if err != nil {
		s.logger.Error("answer generation failed after retry", "error", err)
		return nil, &GenerationError{
			Sources:    sources,
			Confidence: confidence,
			Err:        err,
		}
	}

	result.Answer = answer
	result.Metadata.RetrievalTimeMs = retrievalTime.Milliseconds()
	result.Metadata.GenerationTimeMs = time.Since(generationStart).Milliseconds()
	result.Metadata.TotalTimeMs = time.Since(startTime).Milliseconds()

	if req.SessionID != "" {
		s.memory.AddAssistantMessage(req.SessionID, answer)
	}

	s.recordQuery(req, result, true)

	return result, nil
}

// Stats reports the loaded index's statistics.
func (s *RAGService) Stats() StatsResult {
	stats := s.idx.Snapshot().Stats()

	out := StatsResult{
		Status:        "indexed",
		VectorCount:   stats.VectorCount,
		MetadataCount: stats.MetadataCount,
		UniqueDocs:    stats.UniqueDocs,
	}
	if stats.VectorCount == 0 {
		out.Status = "empty"
	}
	out.CrawlDateRange.Earliest = stats.EarliestCrawl
	out.CrawlDateRange.Latest = stats.LatestCrawl
	return out
}

// resolveRequest validates the question and applies defaults and clamps.
func (s *RAGService) resolveRequest(req QueryRequest) (QueryRequest, error) {
	req.Question = strings.TrimSpace(req.Question)
	if req.Question == "" {
		return req, errors.New("question is required")
	}

	if req.UserType == "" {
		req.UserType = UserTypeIndividual
	}
	if !req.UserType.Valid() {
		return req, fmt.Errorf("invalid user type %q", req.UserType)
	}

	if req.TopK == 0 {
		req.TopK = s.defaultTopK
	}
	req.TopK = clamp(req.TopK, MinTopK, MaxTopK)

	if req.InitialCandidates == 0 {
		req.InitialCandidates = s.defaultInitialCandidates
	}
	req.InitialCandidates = clamp(req.InitialCandidates, MinInitialCandidates, MaxInitialCandidates)

	// The candidate pool must cover the requested top-k.
	if req.InitialCandidates < req.TopK {
		req.InitialCandidates = req.TopK
	}

	return req, nil
}

// generateWithRetry calls the generation model, retrying once with backoff.
func (s *RAGService) generateWithRetry(ctx context.Context, prompt string, opts llm.GenerateOptions) (string, error) {
	if s.generateTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.generateTimeout)
		defer cancel()
	}

	if err := s.generateSem.Acquire(ctx, 1); err != nil {
		return "", err
	}
	defer s.generateSem.Release(1)

	answer, err := s.llmClient.Generate(ctx, prompt, opts)
	if err == nil {
		return answer, nil
	}

	s.logger.Warn("answer generation failed, retrying", "error", err)

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case <-time.After(generateRetryBackoff):
	}

	return s.llmClient.Generate(ctx, prompt, opts)
}

// recordQuery appends to the query log when one is configured. Failures are
// logged, never propagated.
func (s *RAGService) recordQuery(req QueryRequest, result *AnswerResult, answered bool) {
	if s.queryLog == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	record := &repository.QueryRecord{
		ID:          uuid.MustParse(result.ID),
		Question:    req.Question,
		UserType:    string(req.UserType),
		Answered:    answered,
		Confidence:  result.Confidence,
		SourceCount: len(result.Sources),
		DurationMs:  result.Metadata.TotalTimeMs,
		CreatedAt:   result.Timestamp,
	}
	if err := s.queryLog.Create(ctx, record); err != nil {
		s.logger.Warn("failed to record query", "error", err)
	}
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
