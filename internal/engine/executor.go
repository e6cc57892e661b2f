package engine

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/kaiwa-ai/kaiwa/internal/model"
	"github.com/kaiwa-ai/kaiwa/internal/service/generation"
)

// Executor turns a decided action plus retrieved knowledge into a single
// outbound message and records the action taken on the state.
type Executor struct {
	gen    generation.Provider
	logger *slog.Logger
}

// NewExecutor creates an action executor.
func NewExecutor(gen generation.Provider, logger *slog.Logger) *Executor {
	return &Executor{gen: gen, logger: logger}
}

// Execute produces the outbound text for the action and records it as the
// state's last action. Text is channel-safe (WhatsApp formatting applied).
// A generation failure is returned to the caller; the orchestrator owns the
// fallback behavior.
func (e *Executor) Execute(ctx context.Context, state *model.ConversationState, decision Decision, knowledge string) (string, error) {
	var text string
	var err error

	switch decision.Action {
	case model.ActionAskStagedQuestion:
		text, err = e.stagedQuestion(ctx, state)
	case model.ActionAskRephrase:
		text = state.Agent.FallbackMessage
		if text == "" {
			text = "Sorry, I didn't quite catch that — could you say it another way?"
		}
	case model.ActionEscalate:
		text = "Let me bring in a colleague who can help with that. We'll get back to you shortly."
	default:
		text, err = e.generate(ctx, state, decision, knowledge)
	}
	if err != nil {
		return "", err
	}

	text = FormatForWhatsApp(text)

	attempts := 1
	if state.LastAction != nil && state.LastAction.Type == decision.Action {
		attempts = state.LastAction.Attempts + 1
	}
	state.LastAction = &model.AgentAction{
		Type:           decision.Action,
		Details:        decision.Params,
		GenerationText: text,
		Attempts:       attempts,
	}
	return text, nil
}

// stagedQuestion advances the configured discovery sequence. The question
// wording comes from config, not generation — staged questions are the one
// part of the flow tenants author verbatim.
func (e *Executor) stagedQuestion(_ context.Context, state *model.ConversationState) (string, error) {
	questions := state.Agent.StagedQuestions
	if state.NextStagedQuestion >= len(questions) {
		return "", fmt.Errorf("engine: staged questions exhausted (%d asked)", state.NextStagedQuestion)
	}
	q := questions[state.NextStagedQuestion]
	state.NextStagedQuestion++
	return q, nil
}

func (e *Executor) generate(ctx context.Context, state *model.ConversationState, decision Decision, knowledge string) (string, error) {
	system := fmt.Sprintf(
		`You write one WhatsApp message for %s, a sales assistant for %s (%s).
Tone: %s. Keep it short and conversational — one message, no sign-off.`,
		state.Agent.Name, state.Company.Name, state.Company.Description, state.Company.Tone,
	)

	var b strings.Builder
	fmt.Fprintf(&b, "Action to perform: %s\n", decision.Action)
	for k, v := range decision.Params {
		fmt.Fprintf(&b, "  %s: %v\n", k, v)
	}
	if knowledge != "" {
		fmt.Fprintf(&b, "\nSupporting knowledge (ground your answer in this; do not invent):\n%s\n", knowledge)
	} else if needsKnowledge(decision.Action) {
		b.WriteString("\nNo supporting knowledge was found. Say so honestly and offer to check.\n")
	}
	fmt.Fprintf(&b, "\nConversation so far:\n%s", historySummary(state, 8))

	text, err := e.gen.Complete(ctx, generation.CompletionRequest{
		System:      system,
		Prompt:      b.String(),
		Temperature: 0.7,
		MaxTokens:   512,
	})
	if err != nil {
		return "", fmt.Errorf("engine: execute %s: %w", decision.Action, err)
	}
	if strings.TrimSpace(text) == "" {
		return "", fmt.Errorf("engine: execute %s: empty generation", decision.Action)
	}
	return text, nil
}

// needsKnowledge reports whether an action requires supporting facts from
// the knowledge retriever.
func needsKnowledge(action model.ActionType) bool {
	return action == model.ActionAnswerQuestion || action == model.ActionHandleObjection
}
