package model

import "github.com/google/uuid"

// KnowledgeChunk is one indexed fragment of a tenant's knowledge document.
// Chunks from the same source carry consecutive ChunkIndex values, which the
// retriever uses to pull in surrounding context around a search hit.
type KnowledgeChunk struct {
	ID         uuid.UUID `json:"id"`
	TenantID   uuid.UUID `json:"tenant_id"`
	SourceID   uuid.UUID `json:"source_id"`
	ChunkIndex int       `json:"chunk_index"`
	Content    string    `json:"content"`
}
