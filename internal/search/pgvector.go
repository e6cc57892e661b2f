package search

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/pgvector/pgvector-go"

	"github.com/kaiwa-ai/kaiwa/internal/storage"
)

// PgSearcher implements Searcher directly against the knowledge_chunks table
// using pgvector's cosine distance operator. It is the fallback when no
// Qdrant index is configured; same contract, smaller scale.
type PgSearcher struct {
	db *storage.DB
}

// NewPgSearcher creates a Postgres-backed searcher.
func NewPgSearcher(db *storage.DB) *PgSearcher {
	return &PgSearcher{db: db}
}

// Search ranks a tenant's chunks by cosine distance ascending.
func (s *PgSearcher) Search(ctx context.Context, tenantID uuid.UUID, embedding []float32, limit int) ([]Result, error) {
	rows, err := s.db.SearchChunksByEmbedding(ctx, tenantID, pgvector.NewVector(embedding), limit)
	if err != nil {
		return nil, fmt.Errorf("search: pgvector query: %w", err)
	}

	results := make([]Result, len(rows))
	for i, r := range rows {
		results[i] = Result{ChunkID: r.ChunkID, Distance: r.Distance}
	}
	return results, nil
}
