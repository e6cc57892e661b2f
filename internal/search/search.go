// Package search provides vector search over tenant knowledge chunks, with a
// Qdrant index as the primary backend and pgvector in Postgres as fallback.
//
// The Retriever builds on a Searcher: it embeds the query, filters hits by a
// similarity floor, and expands each seed hit with its same-source neighbor
// chunks so the action executor sees surrounding context, not isolated
// fragments.
package search

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

// ErrNoMatch is the explicit "nothing found" sentinel. Retrieval is advisory:
// provider failures and empty result sets both surface as ErrNoMatch so the
// caller can produce a graceful fallback instead of an error reply.
var ErrNoMatch = errors.New("search: no matching knowledge")

// Result holds a chunk ID and its cosine distance from the query embedding.
// Distance is in [0, 2]; lower is more similar.
type Result struct {
	ChunkID  uuid.UUID
	Distance float32
}

// Searcher is the interface for vector search indexes.
// Implementations must be safe for concurrent use and tenant-partitioned:
// results never cross tenant boundaries.
type Searcher interface {
	// Search returns chunk IDs ranked by cosine distance ascending.
	Search(ctx context.Context, tenantID uuid.UUID, embedding []float32, limit int) ([]Result, error)
}
