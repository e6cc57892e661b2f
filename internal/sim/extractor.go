package sim

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/kaiwa-ai/kaiwa/internal/service/generation"
)

// Extractor pulls structured facts out of an agent reply using the
// generation provider's schema-constrained output.
type Extractor struct {
	provider generation.Provider
}

// NewExtractor creates a fact extractor.
func NewExtractor(provider generation.Provider) *Extractor {
	return &Extractor{provider: provider}
}

var extractSchema = map[string]any{
	"type":                 "object",
	"additionalProperties": false,
	"properties": map[string]any{
		"facts": map[string]any{
			"type": "array",
			"items": map[string]any{
				"type":                 "object",
				"additionalProperties": false,
				"properties": map[string]any{
					"entity":    map[string]any{"type": "string"},
					"attribute": map[string]any{"type": "string"},
					"value":     map[string]any{"type": "string"},
				},
				"required": []string{"entity", "attribute", "value"},
			},
		},
	},
	"required": []string{"facts"},
}

const extractSystem = `You extract factual information from a sales agent's reply.
Report only facts the reply explicitly states. Each fact is an (entity, attribute, value) triple.
Only report facts matching the requested keys. Do not infer or guess.`

// Extract returns the facts from reply that match one of the needed keys.
func (e *Extractor) Extract(ctx context.Context, reply string, needed []FactKey) ([]ExtractedFact, error) {
	var keys strings.Builder
	for _, k := range needed {
		fmt.Fprintf(&keys, "- entity %q, attribute %q\n", k.Entity, k.Attribute)
	}

	raw, err := e.provider.CompleteJSON(ctx, generation.CompletionRequest{
		System:      extractSystem,
		Prompt:      fmt.Sprintf("Requested keys:\n%s\nAgent reply:\n%s", keys.String(), reply),
		Temperature: 0.0,
		MaxTokens:   512,
	}, extractSchema)
	if err != nil {
		return nil, fmt.Errorf("sim: extract facts: %w", err)
	}

	var out struct {
		Facts []ExtractedFact `json:"facts"`
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("sim: parse extraction: %w", err)
	}

	// Keep only requested keys; the model occasionally volunteers extras.
	wanted := make(map[FactKey]bool, len(needed))
	for _, k := range needed {
		wanted[k] = true
	}
	facts := out.Facts[:0]
	for _, f := range out.Facts {
		if wanted[FactKey{Entity: f.Entity, Attribute: f.Attribute}] {
			facts = append(facts, f)
		}
	}
	return facts, nil
}
