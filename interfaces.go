package kaiwa

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
)

// EmbeddingProvider generates vector embeddings from text.
// When provided via WithEmbeddingProvider, replaces the auto-detected
// OpenAI/Gemini/Ollama provider. Uses []float32 (not pgvector.Vector) so
// external consumers are not forced onto the pgvector dependency; New()
// wraps it in an adapter for internal use.
type EmbeddingProvider interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Dimensions() int
}

// Generator produces agent text. When provided via WithGenerator, replaces
// the auto-detected OpenAI/Gemini provider. CompleteJSON must return output
// conforming to the given draft-07 style object schema.
type Generator interface {
	Complete(ctx context.Context, system, prompt string, temperature float32, maxTokens int) (string, error)
	CompleteJSON(ctx context.Context, system, prompt string, schema map[string]any) (json.RawMessage, error)
}

// Sender delivers outbound agent messages to the customer's channel. The
// real WhatsApp send API lives outside this module; production deployments
// provide an implementation via WithSender. Without one, outbound messages
// are captured in memory and served from the outbound poll endpoint.
type Sender interface {
	Send(ctx context.Context, threadID uuid.UUID, text string) error
}

// TenantResolver maps a WhatsApp business phone number ID to a tenant.
// Multi-tenant deployments provide one via WithTenantResolver; otherwise
// every inbound event lands on KAIWA_DEFAULT_TENANT_ID.
type TenantResolver interface {
	ResolveTenant(phoneNumberID string) (uuid.UUID, bool)
}

// SearchResult is one vector-search hit: a knowledge chunk and its cosine
// distance from the query embedding (lower is more similar).
type SearchResult struct {
	ChunkID  uuid.UUID
	Distance float32
}

// Searcher answers tenant-partitioned nearest-neighbor queries over indexed
// knowledge chunks. Provided via WithSearcher it replaces both the Qdrant
// index and the pgvector fallback; IngestKnowledge then only writes chunks
// to Postgres, and keeping the external index current is the integrator's
// concern.
type Searcher interface {
	Search(ctx context.Context, tenantID uuid.UUID, embedding []float32, limit int) ([]SearchResult, error)
}

// TurnResult summarizes one persisted dialogue turn.
type TurnResult struct {
	ThreadID          uuid.UUID
	OutboundText      string
	CheckpointVersion int64
	FollowUpArmed     bool
}

// TurnHook is called after every successfully persisted turn, webhook-driven
// and follow-up-driven alike. It runs on the turn's worker goroutine, so
// slow hooks delay that thread's next turn; offload anything heavy.
type TurnHook func(ctx context.Context, res TurnResult)
