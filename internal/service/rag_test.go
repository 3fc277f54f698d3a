package service

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/chattax/chattax/internal/index"
	"github.com/chattax/chattax/internal/llm"
	"github.com/chattax/chattax/internal/repository"
	"github.com/chattax/chattax/internal/reranker"
)

// fakeEmbedder returns a fixed query vector.
type fakeEmbedder struct {
	vector []float32
	err    error
}

func (f *fakeEmbedder) Embed(_ context.Context, _ string) ([]float32, error) {
	if f.err != nil {
		return nil, f.err
	}
	out := make([]float32, len(f.vector))
	copy(out, f.vector)
	return out, nil
}

func (f *fakeEmbedder) Dimension() int    { return len(f.vector) }
func (f *fakeEmbedder) ModelName() string { return "fake-embedder" }

// fakeGenLLM answers with a canned string after an optional number of
// failures, and counts calls.
type fakeGenLLM struct {
	mu       sync.Mutex
	answer   string
	failures int
	calls    int
}

func (f *fakeGenLLM) Generate(_ context.Context, _ string, _ llm.GenerateOptions) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.calls <= f.failures {
		return "", errors.New("generation backend offline")
	}
	return f.answer, nil
}

func (f *fakeGenLLM) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// scoringLLM plays the joint-scoring model: it counts the numbered passages
// in the prompt and scores them in ascending doc order, so the reranked
// order is the reverse of the incoming one.
type scoringLLM struct {
	err error
}

func (s *scoringLLM) Generate(_ context.Context, prompt string, _ llm.GenerateOptions) (string, error) {
	if s.err != nil {
		return "", s.err
	}
	n := strings.Count(prompt, "[Doc ")
	parts := make([]string, n)
	for i := 0; i < n; i++ {
		parts[i] = fmt.Sprintf(`{"doc_index": %d, "score": %.4f}`, i, float64(i+1)/float64(n))
	}
	return `{"scores": [` + strings.Join(parts, ", ") + `]}`, nil
}

// memoryQueryLog records query log writes in memory.
type memoryQueryLog struct {
	mu      sync.Mutex
	records []repository.QueryRecord
}

func (m *memoryQueryLog) Create(_ context.Context, record *repository.QueryRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, *record)
	return nil
}

// newTestIndex writes the artifact pair for the given vectors and loads it.
func newTestIndex(t *testing.T, vectors [][]float32) *index.Handle {
	t.Helper()
	dir := t.TempDir()

	vp := filepath.Join(dir, "vectors.bin")
	f, err := os.Create(vp)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.WriteString(index.Magic); err != nil {
		t.Fatal(err)
	}
	dim := 3
	header := struct {
		Dimension uint32
		Count     uint32
	}{uint32(dim), uint32(len(vectors))}
	if err := binary.Write(f, binary.LittleEndian, &header); err != nil {
		t.Fatal(err)
	}
	for _, v := range vectors {
		if err := binary.Write(f, binary.LittleEndian, v); err != nil {
			t.Fatal(err)
		}
	}
	if err := f.Close(); err != nil {
		t.Fatal(err)
	}

	mp := filepath.Join(dir, "chunks.jsonl")
	m, err := os.Create(mp)
	if err != nil {
		t.Fatal(err)
	}
	for i := range vectors {
		row := index.Chunk{
			ChunkID:        fmt.Sprintf("chunk_%05d", i),
			DocID:          fmt.Sprintf("doc_%d", i%50),
			SourceURL:      "https://www.ato.gov.au/test",
			SectionHeading: "Deductions",
			Text:           fmt.Sprintf("passage %d about work-related deductions", i),
			CrawlDate:      "2024-03-01",
		}
		line, err := json.Marshal(row)
		if err != nil {
			t.Fatal(err)
		}
		if _, err := m.Write(append(line, '\n')); err != nil {
			t.Fatal(err)
		}
	}
	if err := m.Close(); err != nil {
		t.Fatal(err)
	}

	store, err := index.Load(vp, mp)
	if err != nil {
		t.Fatalf("loading test index: %v", err)
	}
	return index.NewHandle(store)
}

// corpusVectors spreads n unit vectors over angles in (0, 89] degrees from
// the query axis, so every position has a distinct relevance.
func corpusVectors(n int) [][]float32 {
	out := make([][]float32, n)
	for i := range out {
		deg := 1 + 88*float64(i)/float64(n)
		rad := deg * math.Pi / 180
		out[i] = []float32{float32(math.Cos(rad)), float32(math.Sin(rad)), 0}
	}
	return out
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestService(t *testing.T, idx *index.Handle, gen llm.LLM, opts ...RAGServiceOption) *RAGService {
	t.Helper()
	opts = append([]RAGServiceOption{WithLogger(quietLogger())}, opts...)
	svc := NewRAGService(idx, &fakeEmbedder{vector: []float32{1, 0, 0}}, gen, opts...)
	t.Cleanup(svc.Close)
	return svc
}

func TestAnswerQuery_RerankedPipeline(t *testing.T) {
	idx := newTestIndex(t, corpusVectors(3246))
	gen := &fakeGenLLM{answer: "You can claim work-related deductions."}
	svc := newTestService(t, idx, gen,
		WithReranker(reranker.NewLLMReranker(&scoringLLM{})),
	)

	result, err := svc.AnswerQuery(context.Background(), QueryRequest{
		Question:     "What deductions can I claim?",
		TopK:         5,
		UseReranking: true,
	})
	if err != nil {
		t.Fatalf("AnswerQuery failed: %v", err)
	}

	if result.Answer != gen.answer {
		t.Errorf("unexpected answer: %q", result.Answer)
	}
	if len(result.Sources) != 5 {
		t.Fatalf("expected 5 sources, got %d", len(result.Sources))
	}
	if result.Metadata.CandidatesRetrieved != 20 {
		t.Errorf("expected 20 candidates retrieved, got %d", result.Metadata.CandidatesRetrieved)
	}
	if !result.Metadata.Reranked {
		t.Error("expected reranked metadata flag")
	}
	if result.Metadata.RerankFallback {
		t.Error("unexpected fallback flag")
	}

	for i, src := range result.Sources {
		if src.RerankScore == nil {
			t.Fatalf("source %d missing joint score", i)
		}
		if src.RelevanceScore < 0 || src.RelevanceScore > 1 {
			t.Errorf("source %d relevance %f outside [0, 1]", i, src.RelevanceScore)
		}
		if i > 0 && *result.Sources[i-1].RerankScore < *src.RerankScore {
			t.Errorf("source %d: joint scores increased", i)
		}
	}

	// The scoring model inverts the bi-encoder order, so the top source has
	// a lower bi-encoder relevance than the last one.
	if result.Sources[0].RelevanceScore >= result.Sources[4].RelevanceScore {
		t.Error("expected joint scoring to reorder the bi-encoder ranking")
	}

	if result.Confidence <= 0 || result.Confidence > 1 {
		t.Errorf("confidence %f outside (0, 1]", result.Confidence)
	}
	if result.UserType != UserTypeIndividual {
		t.Errorf("expected default user type individual, got %s", result.UserType)
	}
	if result.ID == "" {
		t.Error("expected a result id")
	}
}

func TestAnswerQuery_EmptyIndex(t *testing.T) {
	idx := newTestIndex(t, nil)
	gen := &fakeGenLLM{answer: "should never be called"}
	svc := newTestService(t, idx, gen,
		WithReranker(reranker.NewLLMReranker(&scoringLLM{})),
	)

	result, err := svc.AnswerQuery(context.Background(), QueryRequest{
		Question:     "What deductions can I claim?",
		UseReranking: true,
	})
	if err != nil {
		t.Fatalf("AnswerQuery failed: %v", err)
	}

	if len(result.Sources) != 0 {
		t.Errorf("expected no sources, got %d", len(result.Sources))
	}
	if result.Sources == nil {
		t.Error("sources must be an empty slice, not nil")
	}
	if result.Confidence != 0 {
		t.Errorf("expected confidence exactly 0, got %f", result.Confidence)
	}
	if !strings.Contains(result.Answer, "don't have enough information") {
		t.Errorf("expected the no-answer text, got %q", result.Answer)
	}
	if gen.callCount() != 0 {
		t.Errorf("generation model called %d times for an empty result", gen.callCount())
	}
}

func TestAnswerQuery_RerankingDisabled(t *testing.T) {
	idx := newTestIndex(t, corpusVectors(100))
	gen := &fakeGenLLM{answer: "answer"}
	svc := newTestService(t, idx, gen,
		WithReranker(reranker.NewLLMReranker(&scoringLLM{})),
	)

	result, err := svc.AnswerQuery(context.Background(), QueryRequest{
		Question:     "What deductions can I claim?",
		TopK:         3,
		UseReranking: false,
	})
	if err != nil {
		t.Fatalf("AnswerQuery failed: %v", err)
	}

	if len(result.Sources) != 3 {
		t.Fatalf("expected 3 sources, got %d", len(result.Sources))
	}
	// Only top-k is retrieved when the joint stage is off.
	if result.Metadata.CandidatesRetrieved != 3 {
		t.Errorf("expected 3 candidates retrieved, got %d", result.Metadata.CandidatesRetrieved)
	}
	if result.Metadata.Reranked {
		t.Error("reranked flag set with reranking disabled")
	}
	for i, src := range result.Sources {
		if src.RerankScore != nil {
			t.Errorf("source %d carries a joint score with reranking disabled", i)
		}
		if i > 0 && result.Sources[i-1].RelevanceScore < src.RelevanceScore {
			t.Errorf("source %d: relevance increased", i)
		}
	}
}

func TestAnswerQuery_RerankerFailureDegrades(t *testing.T) {
	idx := newTestIndex(t, corpusVectors(100))
	gen := &fakeGenLLM{answer: "answer"}
	svc := newTestService(t, idx, gen,
		WithReranker(reranker.NewLLMReranker(&scoringLLM{err: errors.New("scoring model offline")})),
	)

	result, err := svc.AnswerQuery(context.Background(), QueryRequest{
		Question:     "What deductions can I claim?",
		TopK:         3,
		UseReranking: true,
	})
	if err != nil {
		t.Fatalf("expected degraded success, got error: %v", err)
	}

	if len(result.Sources) != 3 {
		t.Fatalf("expected 3 sources, got %d", len(result.Sources))
	}
	if !result.Metadata.RerankFallback {
		t.Error("expected the fallback flag")
	}
	if result.Metadata.Reranked {
		t.Error("reranked flag set after fallback")
	}
	for i, src := range result.Sources {
		if src.RerankScore != nil {
			t.Errorf("source %d carries a joint score after fallback", i)
		}
		if i > 0 && result.Sources[i-1].RelevanceScore < src.RelevanceScore {
			t.Errorf("source %d: relevance increased", i)
		}
	}
}

func TestAnswerQuery_Deterministic(t *testing.T) {
	idx := newTestIndex(t, corpusVectors(500))
	svc := newTestService(t, idx, &fakeGenLLM{answer: "answer"},
		WithReranker(reranker.NewLLMReranker(&scoringLLM{})),
	)

	req := QueryRequest{Question: "What deductions can I claim?", TopK: 5, UseReranking: true}

	first, err := svc.AnswerQuery(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}
	for run := 0; run < 3; run++ {
		again, err := svc.AnswerQuery(context.Background(), req)
		if err != nil {
			t.Fatal(err)
		}
		if len(again.Sources) != len(first.Sources) {
			t.Fatalf("run %d: source count differed", run)
		}
		for i := range first.Sources {
			if again.Sources[i].ChunkID != first.Sources[i].ChunkID {
				t.Fatalf("run %d: source order differed at rank %d", run, i)
			}
			if again.Sources[i].RelevanceScore != first.Sources[i].RelevanceScore {
				t.Fatalf("run %d: relevance differed at rank %d", run, i)
			}
		}
		if again.Confidence != first.Confidence {
			t.Fatalf("run %d: confidence differed", run)
		}
	}
}

func TestAnswerQuery_GenerationFailureCarriesEvidence(t *testing.T) {
	idx := newTestIndex(t, corpusVectors(100))
	gen := &fakeGenLLM{answer: "never", failures: 100}
	svc := newTestService(t, idx, gen)

	_, err := svc.AnswerQuery(context.Background(), QueryRequest{
		Question: "What deductions can I claim?",
		TopK:     3,
	})
	if err == nil {
		t.Fatal("expected an error")
	}

	var genErr *GenerationError
	if !errors.As(err, &genErr) {
		t.Fatalf("expected *GenerationError, got %T", err)
	}
	if len(genErr.Sources) != 3 {
		t.Errorf("expected 3 sources on the error, got %d", len(genErr.Sources))
	}
	if genErr.Confidence <= 0 {
		t.Errorf("expected computed confidence on the error, got %f", genErr.Confidence)
	}
	// One initial attempt plus one retry.
	if gen.callCount() != 2 {
		t.Errorf("expected 2 generation attempts, got %d", gen.callCount())
	}
}

func TestAnswerQuery_GenerationRetrySucceeds(t *testing.T) {
	idx := newTestIndex(t, corpusVectors(100))
	gen := &fakeGenLLM{answer: "recovered answer", failures: 1}
	svc := newTestService(t, idx, gen)

	result, err := svc.AnswerQuery(context.Background(), QueryRequest{
		Question: "What deductions can I claim?",
		TopK:     3,
	})
	if err != nil {
		t.Fatalf("expected retry to recover, got %v", err)
	}
	if result.Answer != "recovered answer" {
		t.Errorf("unexpected answer: %q", result.Answer)
	}
	if gen.callCount() != 2 {
		t.Errorf("expected 2 generation attempts, got %d", gen.callCount())
	}
}

func TestAnswerQuery_ValidatesRequest(t *testing.T) {
	idx := newTestIndex(t, corpusVectors(10))
	svc := newTestService(t, idx, &fakeGenLLM{answer: "answer"})

	if _, err := svc.AnswerQuery(context.Background(), QueryRequest{Question: "   "}); err == nil {
		t.Error("expected an error for a blank question")
	}

	if _, err := svc.AnswerQuery(context.Background(), QueryRequest{
		Question: "q", UserType: "alien",
	}); err == nil {
		t.Error("expected an error for an unknown user type")
	}
}

func TestAnswerQuery_ClampsBounds(t *testing.T) {
	idx := newTestIndex(t, corpusVectors(100))
	svc := newTestService(t, idx, &fakeGenLLM{answer: "answer"})

	// TopK above the maximum is clamped to 10.
	result, err := svc.AnswerQuery(context.Background(), QueryRequest{
		Question: "What deductions can I claim?",
		TopK:     99,
	})
	if err != nil {
		t.Fatalf("AnswerQuery failed: %v", err)
	}
	if len(result.Sources) != MaxTopK {
		t.Errorf("expected %d sources after clamping, got %d", MaxTopK, len(result.Sources))
	}
}

func TestAnswerQuery_SessionHistory(t *testing.T) {
	idx := newTestIndex(t, corpusVectors(50))
	gen := &fakeGenLLM{answer: "the threshold is $18,200"}
	svc := newTestService(t, idx, gen)

	req := QueryRequest{
		Question:  "What is the tax-free threshold?",
		TopK:      3,
		SessionID: "session-1",
	}
	if _, err := svc.AnswerQuery(context.Background(), req); err != nil {
		t.Fatal(err)
	}

	history := svc.memory.RecentHistory("session-1", 10)
	if len(history) != 2 {
		t.Fatalf("expected question and answer in history, got %d messages", len(history))
	}
	if history[0].Role != "user" || history[1].Role != "assistant" {
		t.Errorf("unexpected history roles: %s, %s", history[0].Role, history[1].Role)
	}
}

func TestAnswerQuery_RecordsQueryLog(t *testing.T) {
	idx := newTestIndex(t, corpusVectors(50))
	log := &memoryQueryLog{}
	svc := newTestService(t, idx, &fakeGenLLM{answer: "answer"},
		WithQueryLog(log),
	)

	if _, err := svc.AnswerQuery(context.Background(), QueryRequest{
		Question: "What deductions can I claim?",
		TopK:     3,
	}); err != nil {
		t.Fatal(err)
	}

	log.mu.Lock()
	defer log.mu.Unlock()
	if len(log.records) != 1 {
		t.Fatalf("expected 1 query record, got %d", len(log.records))
	}
	rec := log.records[0]
	if !rec.Answered {
		t.Error("expected answered=true")
	}
	if rec.SourceCount != 3 {
		t.Errorf("expected 3 sources recorded, got %d", rec.SourceCount)
	}
	if rec.UserType != string(UserTypeIndividual) {
		t.Errorf("unexpected user type: %s", rec.UserType)
	}
}

func TestStats(t *testing.T) {
	idx := newTestIndex(t, corpusVectors(10))
	svc := newTestService(t, idx, &fakeGenLLM{answer: "answer"})

	stats := svc.Stats()
	if stats.Status != "indexed" {
		t.Errorf("expected status indexed, got %s", stats.Status)
	}
	if stats.VectorCount != 10 {
		t.Errorf("expected 10 vectors, got %d", stats.VectorCount)
	}
	if stats.CrawlDateRange.Earliest != "2024-03-01" {
		t.Errorf("unexpected crawl range: %+v", stats.CrawlDateRange)
	}
}

func TestStats_EmptyIndex(t *testing.T) {
	idx := newTestIndex(t, nil)
	svc := newTestService(t, idx, &fakeGenLLM{answer: "answer"})

	if got := svc.Stats().Status; got != "empty" {
		t.Errorf("expected status empty, got %s", got)
	}
}
