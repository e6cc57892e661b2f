package storage

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/pgvector/pgvector-go"

	"github.com/kaiwa-ai/kaiwa/internal/model"
)

// ChunkDistance pairs a chunk id with its cosine distance from a query vector.
type ChunkDistance struct {
	ChunkID  uuid.UUID
	Distance float32
}

// InsertChunks writes knowledge chunks with their embeddings in one batch.
// Chunks for a source are expected to carry consecutive chunk_index values.
func (db *DB) InsertChunks(ctx context.Context, chunks []model.KnowledgeChunk, embeddings []pgvector.Vector) error {
	if len(chunks) != len(embeddings) {
		return fmt.Errorf("storage: insert chunks: %d chunks but %d embeddings", len(chunks), len(embeddings))
	}

	batch := &pgx.Batch{}
	for i, c := range chunks {
		batch.Queue(
			`INSERT INTO knowledge_chunks (id, tenant_id, source_id, chunk_index, content, embedding)
			 VALUES ($1, $2, $3, $4, $5, $6)
			 ON CONFLICT (tenant_id, source_id, chunk_index)
			 DO UPDATE SET content = EXCLUDED.content, embedding = EXCLUDED.embedding`,
			c.ID, c.TenantID, c.SourceID, c.ChunkIndex, c.Content, embeddings[i],
		)
	}

	results := db.pool.SendBatch(ctx, batch)
	defer func() { _ = results.Close() }()
	for range chunks {
		if _, err := results.Exec(); err != nil {
			return fmt.Errorf("storage: insert chunk: %w", err)
		}
	}
	return nil
}

// GetChunksByIDs hydrates chunk content for the given ids within a tenant.
// Missing ids are silently absent from the result.
func (db *DB) GetChunksByIDs(ctx context.Context, tenantID uuid.UUID, ids []uuid.UUID) (map[uuid.UUID]model.KnowledgeChunk, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT id, tenant_id, source_id, chunk_index, content
		 FROM knowledge_chunks
		 WHERE tenant_id = $1 AND id = ANY($2)`,
		tenantID, ids,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: get chunks by ids: %w", err)
	}
	defer rows.Close()

	chunks := make(map[uuid.UUID]model.KnowledgeChunk, len(ids))
	for rows.Next() {
		var c model.KnowledgeChunk
		if err := rows.Scan(&c.ID, &c.TenantID, &c.SourceID, &c.ChunkIndex, &c.Content); err != nil {
			return nil, fmt.Errorf("storage: scan chunk: %w", err)
		}
		chunks[c.ID] = c
	}
	return chunks, rows.Err()
}

// GetNeighborChunks returns the chunks at the given (source_id, chunk_index)
// positions. Used by the retriever to expand seed hits with surrounding
// context. Positions that do not exist are simply absent.
func (db *DB) GetNeighborChunks(ctx context.Context, tenantID uuid.UUID, sourceID uuid.UUID, indexes []int) ([]model.KnowledgeChunk, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT id, tenant_id, source_id, chunk_index, content
		 FROM knowledge_chunks
		 WHERE tenant_id = $1 AND source_id = $2 AND chunk_index = ANY($3)
		 ORDER BY chunk_index ASC`,
		tenantID, sourceID, indexes,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: get neighbor chunks: %w", err)
	}
	defer rows.Close()

	var chunks []model.KnowledgeChunk
	for rows.Next() {
		var c model.KnowledgeChunk
		if err := rows.Scan(&c.ID, &c.TenantID, &c.SourceID, &c.ChunkIndex, &c.Content); err != nil {
			return nil, fmt.Errorf("storage: scan neighbor chunk: %w", err)
		}
		chunks = append(chunks, c)
	}
	return chunks, rows.Err()
}

// SearchChunksByEmbedding ranks a tenant's chunks by cosine distance to the
// query vector, ascending. This is the pgvector fallback path used when no
// Qdrant index is configured.
func (db *DB) SearchChunksByEmbedding(ctx context.Context, tenantID uuid.UUID, embedding pgvector.Vector, limit int) ([]ChunkDistance, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT id, embedding <=> $2 AS distance
		 FROM knowledge_chunks
		 WHERE tenant_id = $1 AND embedding IS NOT NULL
		 ORDER BY distance ASC
		 LIMIT $3`,
		tenantID, embedding, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: search chunks: %w", err)
	}
	defer rows.Close()

	var results []ChunkDistance
	for rows.Next() {
		var r ChunkDistance
		if err := rows.Scan(&r.ChunkID, &r.Distance); err != nil {
			return nil, fmt.Errorf("storage: scan chunk distance: %w", err)
		}
		results = append(results, r)
	}
	return results, rows.Err()
}
