package postgres

import (
	"context"
	"fmt"

	"github.com/chattax/chattax/internal/repository"
)

// QueryLogRepo implements repository.QueryLogRepository
type QueryLogRepo struct {
	db *DB
}

// NewQueryLogRepo creates a new query log repository
func NewQueryLogRepo(db *DB) *QueryLogRepo {
	return &QueryLogRepo{db: db}
}

// EnsureSchema creates the query_log table if it does not exist.
func (r *QueryLogRepo) EnsureSchema(ctx context.Context) error {
	query := `
		CREATE TABLE IF NOT EXISTS query_log (
			id UUID PRIMARY KEY,
			question TEXT NOT NULL,
			user_type TEXT NOT NULL,
			answered BOOLEAN NOT NULL,
			confidence DOUBLE PRECISION NOT NULL,
			source_count INTEGER NOT NULL,
			duration_ms BIGINT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL
		)
	`
	if _, err := r.db.Pool.Exec(ctx, query); err != nil {
		return fmt.Errorf("failed to create query_log table: %w", err)
	}
	return nil
}

// Create appends a query record
func (r *QueryLogRepo) Create(ctx context.Context, record *repository.QueryRecord) error {
	query := `
		INSERT INTO query_log (id, question, user_type, answered, confidence, source_count, duration_ms, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`
	_, err := r.db.Pool.Exec(ctx, query,
		record.ID, record.Question, record.UserType, record.Answered,
		record.Confidence, record.SourceCount, record.DurationMs, record.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create query record: %w", err)
	}
	return nil
}

// Ensure QueryLogRepo implements the repository interface.
var _ repository.QueryLogRepository = (*QueryLogRepo)(nil)
