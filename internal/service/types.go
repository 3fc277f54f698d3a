package service

import (
	"time"
)

// UserType adjusts the answer register for different audiences.
type UserType string

const (
	UserTypeIndividual   UserType = "individual"
	UserTypeBusiness     UserType = "business"
	UserTypeProfessional UserType = "professional"
)

// Valid reports whether the user type is one of the known values.
func (u UserType) Valid() bool {
	switch u {
	case UserTypeIndividual, UserTypeBusiness, UserTypeProfessional:
		return true
	}
	return false
}

// Request bounds. Out-of-range values are clamped into these ranges.
const (
	MinTopK              = 1
	MaxTopK              = 10
	MinInitialCandidates = 5
	MaxInitialCandidates = 50
)

// QueryRequest is the in-process query contract. Created per call, never
// persisted.
type QueryRequest struct {
	// Question is the natural-language tax question.
	Question string

	// UserType selects the answer register; defaults to individual.
	UserType UserType

	// TopK is the number of sources to return (1-10, default 5).
	TopK int

	// UseReranking enables the joint-scoring stage.
	UseReranking bool

	// InitialCandidates is the bi-encoder candidate pool size when
	// reranking (5-50, default 20).
	InitialCandidates int

	// SessionID, when set, threads conversation history into the prompt.
	SessionID string
}

// Source is one caller-facing source record. Order within a result matches
// the [Source k] citation numbering in the generated answer.
type Source struct {
	ChunkID           string   `json:"chunk_id"`
	DocID             string   `json:"doc_id"`
	SourceURL         string   `json:"source_url"`
	SectionHeading    string   `json:"section_heading"`
	Text              string   `json:"text"`
	TokensEst         int      `json:"tokens_est"`
	IsTableSummary    bool     `json:"is_table_summary"`
	TableRef          string   `json:"table_ref,omitempty"`
	Provenance        string   `json:"provenance"`
	CrawlDate         string   `json:"crawl_date"`
	LastUpdatedOnPage string   `json:"last_updated_on_page,omitempty"`
	RelevanceScore    float64  `json:"relevance_score"`
	RerankScore       *float64 `json:"rerank_score,omitempty"`
}

// QueryMetadata carries per-query timings and degradation flags.
type QueryMetadata struct {
	RetrievalTimeMs     int64 `json:"retrieval_time_ms"`
	GenerationTimeMs    int64 `json:"generation_time_ms"`
	TotalTimeMs         int64 `json:"total_time_ms"`
	CandidatesRetrieved int   `json:"candidates_retrieved"`
	Reranked            bool  `json:"reranked"`

	// RerankFallback is set when joint scoring was requested but degraded
	// to passthrough ranking.
	RerankFallback bool `json:"rerank_fallback,omitempty"`
}

// AnswerResult is the outcome of one query.
type AnswerResult struct {
	ID         string        `json:"id"`
	Answer     string        `json:"answer"`
	Sources    []Source      `json:"sources"`
	Confidence float64       `json:"confidence"`
	UserType   UserType      `json:"user_type"`
	Timestamp  time.Time     `json:"timestamp"`
	Metadata   QueryMetadata `json:"metadata"`
}

// StatsResult is the read-only stats surface over the loaded index.
type StatsResult struct {
	Status        string `json:"status"`
	VectorCount   int    `json:"vector_count"`
	MetadataCount int    `json:"metadata_count"`
	UniqueDocs    int    `json:"unique_docs"`
	CrawlDateRange struct {
		Earliest string `json:"earliest"`
		Latest   string `json:"latest"`
	} `json:"crawl_date_range"`
}
