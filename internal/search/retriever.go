package search

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/metric"

	"github.com/kaiwa-ai/kaiwa/internal/model"
	"github.com/kaiwa-ai/kaiwa/internal/service/embedding"
	"github.com/kaiwa-ai/kaiwa/internal/telemetry"
)

// ChunkStore hydrates chunk content and looks up positional neighbors.
// Implemented by storage.DB.
type ChunkStore interface {
	GetChunksByIDs(ctx context.Context, tenantID uuid.UUID, ids []uuid.UUID) (map[uuid.UUID]model.KnowledgeChunk, error)
	GetNeighborChunks(ctx context.Context, tenantID uuid.UUID, sourceID uuid.UUID, indexes []int) ([]model.KnowledgeChunk, error)
}

// RankedChunk is one chunk in a retrieval result. Rank is the 0-based rank of
// the best seed that referenced the chunk; neighbors inherit their seed's
// rank, and a chunk referenced by two seeds keeps the better one.
type RankedChunk struct {
	Chunk    model.KnowledgeChunk
	Rank     int
	Distance float32
	Seed     bool
}

// Context is the ordered knowledge handed to the action executor.
type Context struct {
	Chunks []RankedChunk
}

// Text renders the retrieved chunks as a single context string, in rank order.
func (c Context) Text() string {
	parts := make([]string, len(c.Chunks))
	for i, rc := range c.Chunks {
		parts[i] = rc.Chunk.Content
	}
	return strings.Join(parts, "\n\n")
}

// Retriever embeds queries and searches the tenant's knowledge index,
// expanding hits with surrounding chunks.
type Retriever struct {
	embedder embedding.Provider
	searcher Searcher
	store    ChunkStore
	logger   *slog.Logger

	duration metric.Float64Histogram
}

// NewRetriever creates a Retriever.
func NewRetriever(embedder embedding.Provider, searcher Searcher, store ChunkStore, logger *slog.Logger) *Retriever {
	meter := telemetry.Meter("kaiwa/search")
	dur, _ := meter.Float64Histogram("kaiwa.retrieval.duration",
		metric.WithDescription("Time to retrieve knowledge context (ms)"),
		metric.WithUnit("ms"),
	)
	return &Retriever{
		embedder: embedder,
		searcher: searcher,
		store:    store,
		logger:   logger,
		duration: dur,
	}
}

// Retrieve returns knowledge context for a query: the top limit hits under
// the distance floor, each expanded with its immediate same-source neighbors
// (chunk_index ± 1).
//
// Every failure path — embedding error, index error, no hit under the floor —
// returns ErrNoMatch. Retrieval is advisory and never fatal to a turn.
func (r *Retriever) Retrieve(ctx context.Context, tenantID uuid.UUID, query string, limit int, floor float32) (Context, error) {
	start := time.Now()
	defer func() {
		r.duration.Record(ctx, float64(time.Since(start).Milliseconds()))
	}()

	if limit <= 0 {
		limit = 3
	}

	vec, err := r.embedder.Embed(ctx, query)
	if err != nil {
		r.logger.Warn("retriever: embed query failed, degrading to no-match", "error", err)
		return Context{}, ErrNoMatch
	}

	// Over-fetch to absorb floor filtering.
	hits, err := r.searcher.Search(ctx, tenantID, vec.Slice(), limit*3)
	if err != nil {
		r.logger.Warn("retriever: index search failed, degrading to no-match", "error", err)
		return Context{}, ErrNoMatch
	}

	seeds := make([]Result, 0, limit)
	for _, h := range hits {
		if h.Distance > floor {
			continue
		}
		seeds = append(seeds, h)
		if len(seeds) == limit {
			break
		}
	}
	if len(seeds) == 0 {
		return Context{}, ErrNoMatch
	}

	seedIDs := make([]uuid.UUID, len(seeds))
	for i, s := range seeds {
		seedIDs[i] = s.ChunkID
	}
	seedChunks, err := r.store.GetChunksByIDs(ctx, tenantID, seedIDs)
	if err != nil {
		r.logger.Warn("retriever: hydrate seeds failed, degrading to no-match", "error", err)
		return Context{}, ErrNoMatch
	}

	// Combined result keyed by chunk ID. Seeds first, then neighbors which
	// inherit the rank of the best seed referencing them.
	combined := make(map[uuid.UUID]RankedChunk, len(seeds)*3)
	neighborWant := make(map[uuid.UUID]map[int]int) // source → index → best rank

	for rank, s := range seeds {
		chunk, ok := seedChunks[s.ChunkID]
		if !ok {
			// Deleted between index search and hydration.
			continue
		}
		if existing, ok := combined[chunk.ID]; !ok || rank < existing.Rank {
			combined[chunk.ID] = RankedChunk{Chunk: chunk, Rank: rank, Distance: s.Distance, Seed: true}
		}
		for _, idx := range []int{chunk.ChunkIndex - 1, chunk.ChunkIndex + 1} {
			if idx < 0 {
				continue
			}
			if neighborWant[chunk.SourceID] == nil {
				neighborWant[chunk.SourceID] = make(map[int]int)
			}
			if best, ok := neighborWant[chunk.SourceID][idx]; !ok || rank < best {
				neighborWant[chunk.SourceID][idx] = rank
			}
		}
	}

	for sourceID, indexes := range neighborWant {
		want := make([]int, 0, len(indexes))
		for idx := range indexes {
			want = append(want, idx)
		}
		neighbors, err := r.store.GetNeighborChunks(ctx, tenantID, sourceID, want)
		if err != nil {
			// Expansion is best-effort; seeds alone are still useful.
			r.logger.Warn("retriever: neighbor expansion failed", "source_id", sourceID, "error", err)
			continue
		}
		for _, n := range neighbors {
			rank := indexes[n.ChunkIndex]
			if existing, ok := combined[n.ID]; !ok || rank < existing.Rank {
				seed := false
				distance := float32(0)
				if ok {
					seed = existing.Seed
					distance = existing.Distance
				}
				combined[n.ID] = RankedChunk{Chunk: n, Rank: rank, Distance: distance, Seed: seed}
			}
		}
	}

	if len(combined) == 0 {
		return Context{}, ErrNoMatch
	}

	ordered := make([]RankedChunk, 0, len(combined))
	for _, rc := range combined {
		ordered = append(ordered, rc)
	}
	sort.Slice(ordered, func(i, j int) bool {
		if ordered[i].Rank != ordered[j].Rank {
			return ordered[i].Rank < ordered[j].Rank
		}
		if ordered[i].Chunk.SourceID != ordered[j].Chunk.SourceID {
			return ordered[i].Chunk.SourceID.String() < ordered[j].Chunk.SourceID.String()
		}
		return ordered[i].Chunk.ChunkIndex < ordered[j].Chunk.ChunkIndex
	})

	return Context{Chunks: ordered}, nil
}

// IsNoMatch reports whether err is the no-match sentinel.
func IsNoMatch(err error) bool {
	return errors.Is(err, ErrNoMatch)
}
