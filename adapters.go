package kaiwa

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
	"github.com/pgvector/pgvector-go"

	"github.com/kaiwa-ai/kaiwa/internal/model"
	"github.com/kaiwa-ai/kaiwa/internal/search"
	"github.com/kaiwa-ai/kaiwa/internal/service/generation"
)

// embeddingAdapter lifts a public EmbeddingProvider into the internal
// pgvector-typed interface.
type embeddingAdapter struct {
	p EmbeddingProvider
}

func (a *embeddingAdapter) Embed(ctx context.Context, text string) (pgvector.Vector, error) {
	vec, err := a.p.Embed(ctx, text)
	if err != nil {
		return pgvector.Vector{}, err
	}
	return pgvector.NewVector(vec), nil
}

func (a *embeddingAdapter) EmbedBatch(ctx context.Context, texts []string) ([]pgvector.Vector, error) {
	out := make([]pgvector.Vector, len(texts))
	for i, text := range texts {
		vec, err := a.p.Embed(ctx, text)
		if err != nil {
			return nil, err
		}
		out[i] = pgvector.NewVector(vec)
	}
	return out, nil
}

func (a *embeddingAdapter) Dimensions() int {
	return a.p.Dimensions()
}

// generatorAdapter lifts a public Generator into the internal generation
// provider interface.
type generatorAdapter struct {
	g Generator
}

func (a *generatorAdapter) Complete(ctx context.Context, req generation.CompletionRequest) (string, error) {
	return a.g.Complete(ctx, req.System, req.Prompt, req.Temperature, req.MaxTokens)
}

func (a *generatorAdapter) CompleteJSON(ctx context.Context, req generation.CompletionRequest, schema map[string]any) (json.RawMessage, error) {
	return a.g.CompleteJSON(ctx, req.System, req.Prompt, schema)
}

// senderAdapter lifts a public Sender into the transport-layer interface.
type senderAdapter struct {
	s Sender
}

func (a *senderAdapter) Send(ctx context.Context, threadID uuid.UUID, text string) error {
	return a.s.Send(ctx, threadID, text)
}

// searcherAdapter lifts a public Searcher into the internal search interface.
type searcherAdapter struct {
	s Searcher
}

func (a *searcherAdapter) Search(ctx context.Context, tenantID uuid.UUID, embedding []float32, limit int) ([]search.Result, error) {
	hits, err := a.s.Search(ctx, tenantID, embedding, limit)
	if err != nil {
		return nil, err
	}
	out := make([]search.Result, len(hits))
	for i, h := range hits {
		out[i] = search.Result{ChunkID: h.ChunkID, Distance: h.Distance}
	}
	return out, nil
}

// hookedProcessor calls the integrator's TurnHook after each persisted turn.
type hookedProcessor struct {
	inner interface {
		ProcessTurn(ctx context.Context, req model.TurnRequest) (model.TurnResult, error)
	}
	hook TurnHook
}

func (h *hookedProcessor) ProcessTurn(ctx context.Context, req model.TurnRequest) (model.TurnResult, error) {
	res, err := h.inner.ProcessTurn(ctx, req)
	if err == nil {
		h.hook(ctx, TurnResult{
			ThreadID:          res.ThreadID,
			OutboundText:      res.OutboundText,
			CheckpointVersion: res.CheckpointVersion,
			FollowUpArmed:     res.FollowUpArmed,
		})
	}
	return res, err
}
