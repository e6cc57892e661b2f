package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/kaiwa-ai/kaiwa/internal/model"
	"github.com/kaiwa-ai/kaiwa/internal/service/generation"
)

// Observation is what the reactive classifier extracted from the customer's
// latest message, interpreted in the context of the last agent action.
type Observation struct {
	Interruptions []model.Interruption
	Needs         []string
	PainPoints    []string
	// ObjectionResolved is set when the customer's reply indicates a
	// previously raised objection no longer stands.
	ObjectionResolved string
}

// Classifier detects objections, direct questions, corrections, and off-topic
// interruptions in customer input.
type Classifier struct {
	gen    generation.Provider
	logger *slog.Logger
}

// NewClassifier creates a reactive classifier.
func NewClassifier(gen generation.Provider, logger *slog.Logger) *Classifier {
	return &Classifier{gen: gen, logger: logger}
}

var classifySchema = map[string]any{
	"type": "object",
	"properties": map[string]any{
		"interruptions": map[string]any{
			"type": "array",
			"items": map[string]any{
				"type": "object",
				"properties": map[string]any{
					"kind": map[string]any{
						"type": "string",
						"enum": []string{"objection", "direct_question", "correction", "off_topic"},
					},
					"text": map[string]any{"type": "string"},
				},
				"required":             []string{"kind", "text"},
				"additionalProperties": false,
			},
		},
		"needs":              map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
		"pain_points":        map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
		"objection_resolved": map[string]any{"type": "string"},
	},
	"required":             []string{"interruptions", "needs", "pain_points", "objection_resolved"},
	"additionalProperties": false,
}

type classifyResult struct {
	Interruptions []struct {
		Kind string `json:"kind"`
		Text string `json:"text"`
	} `json:"interruptions"`
	Needs             []string `json:"needs"`
	PainPoints        []string `json:"pain_points"`
	ObjectionResolved string   `json:"objection_resolved"`
}

const classifySystem = `You analyze one customer message in a WhatsApp sales conversation.
Given the agent's current goal and its previous message, detect:
- objections (price, timing, trust, competitor),
- direct questions the customer wants answered,
- corrections of something the agent assumed,
- off-topic remarks.
Also extract newly stated needs and pain points. If the message clearly
withdraws an earlier objection, name it in objection_resolved, else use "".`

// Classify inspects the customer's latest input against the current goal and
// last agent action. Detection is advisory: on any provider or parse failure
// the method returns an empty observation and a non-nil error so the caller
// can log it — it must never fail the turn.
func (c *Classifier) Classify(ctx context.Context, state *model.ConversationState, userText string) (Observation, error) {
	prompt := buildClassifyPrompt(state, userText)

	raw, err := c.gen.CompleteJSON(ctx, generation.CompletionRequest{
		System:      classifySystem,
		Prompt:      prompt,
		Temperature: 0.1,
		MaxTokens:   512,
	}, classifySchema)
	if err != nil {
		return Observation{}, fmt.Errorf("engine: classify: %w", err)
	}

	var parsed classifyResult
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return Observation{}, fmt.Errorf("engine: classify: unparsable result: %w", err)
	}

	obs := Observation{
		Needs:             parsed.Needs,
		PainPoints:        parsed.PainPoints,
		ObjectionResolved: parsed.ObjectionResolved,
	}
	for _, item := range parsed.Interruptions {
		kind := model.InterruptionKind(item.Kind)
		if !model.ValidInterruptionKind(kind) {
			c.logger.Warn("classifier: dropping unknown interruption kind", "kind", item.Kind)
			continue
		}
		obs.Interruptions = append(obs.Interruptions, model.Interruption{
			Kind:         kind,
			Text:         item.Text,
			DetectedTurn: state.TurnNumber,
		})
	}
	return obs, nil
}

func buildClassifyPrompt(state *model.ConversationState, userText string) string {
	lastAction := "none"
	lastText := ""
	if state.LastAction != nil {
		lastAction = string(state.LastAction.Type)
		lastText = state.LastAction.GenerationText
	}
	return fmt.Sprintf(
		"Current goal: %s\nAgent's last action: %s\nAgent's last message: %q\nCustomer message: %q",
		state.Goals.Active.Type, lastAction, lastText, userText,
	)
}
