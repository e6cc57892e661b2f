package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/kaiwa-ai/kaiwa/internal/model"
	"github.com/kaiwa-ai/kaiwa/internal/service/generation"
)

// ErrNoAction is returned when the decider cannot produce a usable action.
// It is retryable and never escalated to a turn failure: the orchestrator
// substitutes a default, low-risk action.
var ErrNoAction = errors.New("engine: decider produced no action")

// Decision is the proactive decider's output.
type Decision struct {
	Action model.ActionType
	Params map[string]any
}

// Decider chooses the next best action under the current sales-stage goal
// when no reactive trigger dominates.
type Decider struct {
	gen    generation.Provider
	logger *slog.Logger
}

// NewDecider creates a proactive step decider.
func NewDecider(gen generation.Provider, logger *slog.Logger) *Decider {
	return &Decider{gen: gen, logger: logger}
}

var decideSchema = map[string]any{
	"type": "object",
	"properties": map[string]any{
		"action": map[string]any{
			"type": "string",
			"enum": []string{
				"ask_staged_question", "request_missing_fact", "answer_question",
				"handle_objection", "propose_next_step", "close",
			},
		},
		"parameters": map[string]any{
			"type": "object",
			"properties": map[string]any{
				"fact":   map[string]any{"type": "string"},
				"reason": map[string]any{"type": "string"},
			},
			"additionalProperties": false,
		},
	},
	"required":             []string{"action", "parameters"},
	"additionalProperties": false,
}

type decideResult struct {
	Action     string         `json:"action"`
	Parameters map[string]any `json:"parameters"`
}

const decideSystem = `You are the planning step of a WhatsApp sales agent.
Given the current sales goal, what is known about the customer, and a short
history summary, choose exactly one next action from the allowed set. Prefer
advancing the staged questioning sequence during discovery; request a missing
required fact when qualification is incomplete; propose a concrete next step
once needs are understood; close only after a proposal landed well.`

// Decide returns the next action under the current goal. A provider failure
// or an out-of-vocabulary result yields ErrNoAction — callers fall back to a
// default action and the turn proceeds.
func (d *Decider) Decide(ctx context.Context, state *model.ConversationState) (Decision, error) {
	raw, err := d.gen.CompleteJSON(ctx, generation.CompletionRequest{
		System:      decideSystem,
		Prompt:      buildDecidePrompt(state),
		Temperature: 0.2,
		MaxTokens:   256,
	}, decideSchema)
	if err != nil {
		d.logger.Warn("decider: generation failed", "error", err)
		return Decision{}, fmt.Errorf("%w: %v", ErrNoAction, err)
	}

	var parsed decideResult
	if err := json.Unmarshal(raw, &parsed); err != nil {
		d.logger.Warn("decider: unparsable result", "error", err)
		return Decision{}, fmt.Errorf("%w: unparsable result: %v", ErrNoAction, err)
	}

	action := model.ActionType(parsed.Action)
	if !model.ValidActionType(action) {
		d.logger.Warn("decider: action outside vocabulary", "action", parsed.Action)
		return Decision{}, fmt.Errorf("%w: unknown action %q", ErrNoAction, parsed.Action)
	}

	return Decision{Action: action, Params: parsed.Parameters}, nil
}

func buildDecidePrompt(state *model.ConversationState) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Goal: %s\n", state.Goals.Active.Type)
	fmt.Fprintf(&b, "Closing state: %s\n", state.Closing.State)
	fmt.Fprintf(&b, "Known needs: %s\n", strings.Join(state.Profile.Needs, "; "))
	fmt.Fprintf(&b, "Known pain points: %s\n", strings.Join(state.Profile.PainPoints, "; "))
	fmt.Fprintf(&b, "Open objections: %s\n", strings.Join(state.Profile.Objections, "; "))

	missing := missingFacts(state)
	fmt.Fprintf(&b, "Missing required facts: %s\n", strings.Join(missing, "; "))
	fmt.Fprintf(&b, "Staged questions remaining: %d\n", len(state.Agent.StagedQuestions)-state.NextStagedQuestion)
	fmt.Fprintf(&b, "History summary:\n%s", historySummary(state, 6))
	return b.String()
}

// missingFacts lists required facts with no certainty recorded yet.
func missingFacts(state *model.ConversationState) []string {
	var missing []string
	for _, fact := range state.Agent.RequiredFacts {
		if _, ok := state.Profile.Certainty[fact]; !ok {
			missing = append(missing, fact)
		}
	}
	return missing
}

// historySummary renders the last n history entries, oldest first.
func historySummary(state *model.ConversationState, n int) string {
	start := len(state.History) - n
	if start < 0 {
		start = 0
	}
	var b strings.Builder
	for _, m := range state.History[start:] {
		fmt.Fprintf(&b, "[%s] %s\n", m.Role, m.Text)
	}
	return b.String()
}
