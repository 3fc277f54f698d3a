// Package repository defines persistence contracts for collaborators around
// the query pipeline. The retrieval core itself never reads persisted state;
// the query log is append-only operational history.
package repository

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// QueryRecord is one answered (or unanswerable) query.
type QueryRecord struct {
	ID          uuid.UUID
	Question    string
	UserType    string
	Answered    bool
	Confidence  float64
	SourceCount int
	DurationMs  int64
	CreatedAt   time.Time
}

// QueryLogRepository persists query records.
type QueryLogRepository interface {
	// Create appends a query record.
	Create(ctx context.Context, record *QueryRecord) error
}
