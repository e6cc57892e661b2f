package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/kaiwa-ai/kaiwa/internal/model"
	"github.com/kaiwa-ai/kaiwa/internal/search"
	"github.com/kaiwa-ai/kaiwa/internal/storage"
	"github.com/kaiwa-ai/kaiwa/internal/telemetry"
)

// CheckpointStore is the persistence contract the orchestrator depends on:
// get-latest and atomic put-next-version per thread.
type CheckpointStore interface {
	GetLatestCheckpoint(ctx context.Context, threadID uuid.UUID) (model.ConversationState, int64, error)
	PutCheckpoint(ctx context.Context, threadID uuid.UUID, expectedVersion int64, state model.ConversationState) (int64, error)
}

// ConfigStore loads agent configurations for new conversations.
type ConfigStore interface {
	GetAgentConfig(ctx context.Context, tenantID, id uuid.UUID) (model.AgentConfig, error)
	GetDefaultAgentConfig(ctx context.Context, tenantID uuid.UUID) (model.AgentConfig, error)
}

// KnowledgeRetriever supplies supporting context for fact-bearing actions.
type KnowledgeRetriever interface {
	Retrieve(ctx context.Context, tenantID uuid.UUID, query string, limit int, floor float32) (search.Context, error)
}

// FollowUpArmer enqueues a deferred re-entry job after the state carrying the
// scheduling flags has been persisted.
type FollowUpArmer interface {
	Arm(ctx context.Context, state model.ConversationState, attempt int) error
}

// Options tunes orchestrator behavior.
type Options struct {
	Priorities     PriorityTable
	RetrievalLimit int
	RetrievalFloor float32
	// MaxPutRetries bounds reload-and-recompute cycles after losing a
	// checkpoint version race.
	MaxPutRetries       int
	FollowUpMaxAttempts int
}

// Orchestrator is the top-level turn state machine. It sequences the reactive
// classifier, proactive decider, knowledge retriever, and action executor,
// and persists each turn's successor state as a new checkpoint version.
type Orchestrator struct {
	checkpoints CheckpointStore
	configs     ConfigStore
	classifier  *Classifier
	decider     *Decider
	executor    *Executor
	retriever   KnowledgeRetriever
	armer       FollowUpArmer // nil disables follow-up scheduling
	opts        Options
	logger      *slog.Logger

	now func() time.Time

	tracer       trace.Tracer
	turnDuration metric.Float64Histogram
}

// NewOrchestrator wires a turn orchestrator.
func NewOrchestrator(
	checkpoints CheckpointStore,
	configs ConfigStore,
	classifier *Classifier,
	decider *Decider,
	executor *Executor,
	retriever KnowledgeRetriever,
	armer FollowUpArmer,
	opts Options,
	logger *slog.Logger,
) *Orchestrator {
	if opts.Priorities == nil {
		opts.Priorities = DefaultPriorityTable()
	}
	if opts.RetrievalLimit <= 0 {
		opts.RetrievalLimit = 3
	}
	if opts.RetrievalFloor <= 0 {
		opts.RetrievalFloor = 0.75
	}
	if opts.MaxPutRetries <= 0 {
		opts.MaxPutRetries = 3
	}
	if opts.FollowUpMaxAttempts <= 0 {
		opts.FollowUpMaxAttempts = 3
	}
	meter := telemetry.Meter("kaiwa/engine")
	dur, _ := meter.Float64Histogram("kaiwa.turn.duration",
		metric.WithDescription("Time to process one dialogue turn (ms)"),
		metric.WithUnit("ms"),
	)
	return &Orchestrator{
		checkpoints:  checkpoints,
		configs:      configs,
		classifier:   classifier,
		decider:      decider,
		executor:     executor,
		retriever:    retriever,
		armer:        armer,
		opts:         opts,
		logger:       logger,
		now:          time.Now,
		tracer:       telemetry.Tracer("kaiwa/engine"),
		turnDuration: dur,
	}
}

// ProcessTurn runs one turn: load latest checkpoint, compute the successor
// state and outbound message, persist, optionally arm a follow-up.
//
// Concurrency: losing the version race on put means another turn committed
// first; the loop reloads the latest checkpoint and recomputes from it —
// read-latest, write-next, never merging divergent successors. Store
// failures are fatal to the turn; everything else degrades to a fallback
// reply inside the pipeline.
func (o *Orchestrator) ProcessTurn(ctx context.Context, req model.TurnRequest) (model.TurnResult, error) {
	start := o.now()
	defer func() {
		o.turnDuration.Record(ctx, float64(time.Since(start).Milliseconds()))
	}()

	ctx, span := o.tracer.Start(ctx, "engine.process_turn")
	defer span.End()
	span.SetAttributes(
		attribute.String("kaiwa.thread_id", req.ThreadID.String()),
		attribute.String("kaiwa.event", string(req.Event)),
	)

	for attempt := 0; ; attempt++ {
		state, version, err := o.loadOrInit(ctx, req)
		if err != nil {
			return model.TurnResult{}, err
		}

		outbound := o.runPipeline(ctx, &state, req)

		newVersion, err := o.checkpoints.PutCheckpoint(ctx, req.ThreadID, version, state)
		if errors.Is(err, storage.ErrVersionConflict) {
			if attempt >= o.opts.MaxPutRetries {
				return model.TurnResult{}, fmt.Errorf("engine: thread %s: version conflict after %d retries: %w", req.ThreadID, attempt, err)
			}
			o.logger.Warn("orchestrator: lost version race, recomputing from latest",
				"thread_id", req.ThreadID, "attempt", attempt+1)
			continue
		}
		if err != nil {
			return model.TurnResult{}, fmt.Errorf("engine: persist turn: %w", err)
		}

		if state.FollowUpScheduled && o.armer != nil {
			if err := o.armer.Arm(ctx, state, state.FollowUpAttempts); err != nil {
				// The flag is persisted but no job exists; the next turn
				// rearms. Losing one follow-up beats failing the turn.
				o.logger.Error("orchestrator: arm follow-up failed", "thread_id", req.ThreadID, "error", err)
			}
		}

		return model.TurnResult{
			ThreadID:          req.ThreadID,
			OutboundText:      outbound,
			CheckpointVersion: newVersion,
			FollowUpArmed:     state.FollowUpScheduled,
		}, nil
	}
}

// loadOrInit fetches the latest checkpoint or initializes a fresh state for
// a new conversation thread.
func (o *Orchestrator) loadOrInit(ctx context.Context, req model.TurnRequest) (model.ConversationState, int64, error) {
	state, version, err := o.checkpoints.GetLatestCheckpoint(ctx, req.ThreadID)
	if err == nil {
		return state, version, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return model.ConversationState{}, 0, fmt.Errorf("engine: load checkpoint: %w", err)
	}

	var agentCfg model.AgentConfig
	if req.AgentConfigID != nil {
		agentCfg, err = o.configs.GetAgentConfig(ctx, req.TenantID, *req.AgentConfigID)
	} else {
		agentCfg, err = o.configs.GetDefaultAgentConfig(ctx, req.TenantID)
	}
	if err != nil {
		return model.ConversationState{}, 0, fmt.Errorf("engine: load agent config: %w", err)
	}

	return model.ConversationState{
		TenantID:       req.TenantID,
		ConversationID: req.ThreadID,
		AgentConfigID:  req.AgentConfigID,
		Company:        agentCfg.Company,
		Agent:          agentCfg,
		TurnNumber:     0, // first turn increments to 1
		Goals:          model.GoalSlot{Active: model.Goal{Type: model.GoalDiscovery}},
		Closing:        model.Closing{State: model.ClosingNotStarted},
		Profile:        model.CustomerProfile{Certainty: map[string]model.CertaintyLevel{}},
	}, 0, nil
}

// runPipeline computes the successor state and outbound text. It never fails:
// any component error or panic lands in the fallback path, which still
// advances the turn with a safe reply and records last_processing_error.
func (o *Orchestrator) runPipeline(ctx context.Context, state *model.ConversationState, req model.TurnRequest) (outbound string) {
	defer func() {
		if r := recover(); r != nil {
			o.logger.Error("orchestrator: pipeline panic", "thread_id", req.ThreadID, "panic", r)
			outbound = o.fallback(state, fmt.Errorf("pipeline panic: %v", r))
		}
	}()

	now := o.now()

	// Turn boundary: exactly one increment per ProcessTurn call, transient
	// fields cleared.
	state.TurnNumber++
	state.RetrievedKnowledge = ""
	state.LastProcessingError = nil

	var decision Decision
	switch req.Event {
	case model.EventUserMessage:
		state.AppendMessage(model.RoleCustomer, req.UserText, now)
		// The customer replied: any pending follow-up is now stale.
		state.FollowUpScheduled = false
		state.FollowUpAttempts = 0
		o.observe(ctx, state, req.UserText)
		decision = o.selectAction(ctx, state)

	case model.EventFollowUpTimeout:
		state.FollowUpAttempts = req.AttemptCount
		if state.Goals.Active.Type != model.GoalReEngagement {
			state.Goals.Interrupt(model.Goal{Type: model.GoalReEngagement})
		}
		decision = Decision{Action: model.ActionFollowUpPing}

	case model.EventIntegrationTrigger:
		decision = Decision{Action: model.ActionProposeNextStep, Params: map[string]any{"reason": "integration trigger"}}
		if state.TurnNumber == 1 && state.Agent.Greeting != "" {
			text := FormatForWhatsApp(state.Agent.Greeting)
			state.LastAction = &model.AgentAction{Type: model.ActionProposeNextStep, GenerationText: text, Attempts: 1}
			state.AppendMessage(model.RoleAgent, text, now)
			state.LastAgentMessageAt = now
			o.armForReply(state)
			return text
		}

	default:
		return o.fallback(state, fmt.Errorf("unknown event type %q", req.Event))
	}

	knowledge := o.retrieveIfNeeded(ctx, state, decision)

	text, err := o.executor.Execute(ctx, state, decision, knowledge)
	if err != nil {
		return o.fallback(state, err)
	}

	state.AppendMessage(model.RoleAgent, text, now)
	state.LastAgentMessageAt = now
	o.advanceClosing(state, decision)

	// An interrupting goal is discharged by the action that addressed it;
	// the suspended sales goal resumes for the next turn.
	if (decision.Action == model.ActionAnswerQuestion || decision.Action == model.ActionHandleObjection || decision.Action == model.ActionFollowUpPing) &&
		state.Goals.Suspended != nil {
		state.Goals.Resume()
	}

	o.armForEvent(state, req)
	return text
}

// observe runs the reactive classifier and merges its findings into the
// state. Classification is advisory: failures are logged and the turn
// proceeds proactively.
func (o *Orchestrator) observe(ctx context.Context, state *model.ConversationState, userText string) {
	obs, err := o.classifier.Classify(ctx, state, userText)
	if err != nil {
		o.logger.Warn("orchestrator: classification failed, continuing proactively",
			"thread_id", state.ConversationID, "error", err)
		return
	}

	for _, need := range obs.Needs {
		state.Profile.AddNeed(need)
	}
	for _, pain := range obs.PainPoints {
		state.Profile.AddPainPoint(pain)
	}
	if obs.ObjectionResolved != "" {
		if state.Profile.ResolveObjection(obs.ObjectionResolved) &&
			state.Closing.State == model.ClosingObjectionOpen {
			state.Closing.State = model.ClosingProposed
		}
	}
	state.Interruptions = append(state.Interruptions, obs.Interruptions...)
}

// selectAction applies the priority table: a preempting interruption becomes
// the active goal (suspending the sales goal); otherwise the proactive
// decider chooses, with a deterministic default when it cannot.
func (o *Orchestrator) selectAction(ctx context.Context, state *model.ConversationState) Decision {
	// Corrections never preempt; merge all of them into the profile first.
	remaining := state.Interruptions[:0]
	for _, item := range state.Interruptions {
		if item.Kind == model.InterruptionCorrection && !o.opts.Priorities.Preempts(item.Kind) {
			state.Profile.SetCertainty(item.Text, model.CertaintyConfirmed)
			continue
		}
		remaining = append(remaining, item)
	}
	state.Interruptions = remaining

	if item, ok := o.opts.Priorities.Dequeue(&state.Interruptions); ok {
		switch {
		case item.Kind == model.InterruptionObjection && o.opts.Priorities.Preempts(item.Kind):
			state.Profile.AddObjection(item.Text)
			state.Closing.LastObjectionTurn = state.TurnNumber
			if state.Closing.State == model.ClosingProposed {
				state.Closing.State = model.ClosingObjectionOpen
			}
			state.Goals.Interrupt(model.Goal{Type: model.GoalObjectionHandling, Details: map[string]any{"objection": item.Text}})
			return Decision{Action: model.ActionHandleObjection, Params: map[string]any{"query": item.Text}}

		case item.Kind == model.InterruptionDirectQuestion && o.opts.Priorities.Preempts(item.Kind):
			state.Goals.Interrupt(model.Goal{Type: model.GoalAnswerQuestion, Details: map[string]any{"question": item.Text}})
			return Decision{Action: model.ActionAnswerQuestion, Params: map[string]any{"query": item.Text}}

		case item.Kind == model.InterruptionOffTopic:
			// Acknowledge without abandoning the sales goal.
			return Decision{Action: model.ActionAnswerQuestion, Params: map[string]any{"query": item.Text, "steer_back": true}}

		default:
			// A kind configured as non-preempting beyond the cases above:
			// treat like a question but keep the goal.
			return Decision{Action: model.ActionAnswerQuestion, Params: map[string]any{"query": item.Text}}
		}
	}

	dec, err := o.decider.Decide(ctx, state)
	if err != nil {
		// Retryable: recorded on the state, never fatal to the turn.
		msg := err.Error()
		state.LastProcessingError = &msg
		return o.defaultDecision(state)
	}
	return dec
}

// defaultDecision is the low-risk action used when the decider cannot choose:
// advance the staged sequence, else request a missing required fact, else
// propose a next step.
func (o *Orchestrator) defaultDecision(state *model.ConversationState) Decision {
	if state.NextStagedQuestion < len(state.Agent.StagedQuestions) {
		return Decision{Action: model.ActionAskStagedQuestion}
	}
	if missing := missingFacts(state); len(missing) > 0 {
		return Decision{Action: model.ActionRequestMissingFact, Params: map[string]any{"fact": missing[0]}}
	}
	return Decision{Action: model.ActionProposeNextStep}
}

// retrieveIfNeeded supplies knowledge context for fact-bearing actions.
// Retrieval is advisory: no-match and provider failures leave the knowledge
// empty and the executor degrades gracefully.
func (o *Orchestrator) retrieveIfNeeded(ctx context.Context, state *model.ConversationState, decision Decision) string {
	if !needsKnowledge(decision.Action) {
		return ""
	}

	query, _ := decision.Params["query"].(string)
	if query == "" {
		if last := state.LastCustomerMessage(); last != nil {
			query = last.Text
		}
	}
	if query == "" {
		return ""
	}

	kctx, err := o.retriever.Retrieve(ctx, state.TenantID, query, o.opts.RetrievalLimit, o.opts.RetrievalFloor)
	if err != nil {
		if !search.IsNoMatch(err) {
			o.logger.Warn("orchestrator: retrieval failed", "thread_id", state.ConversationID, "error", err)
		}
		return ""
	}
	state.RetrievedKnowledge = kctx.Text()
	return state.RetrievedKnowledge
}

// advanceClosing moves the proposal state machine along legal transitions.
func (o *Orchestrator) advanceClosing(state *model.ConversationState, decision Decision) {
	switch decision.Action {
	case model.ActionProposeNextStep, model.ActionClose:
		if state.Closing.State.CanTransition(model.ClosingProposed) {
			state.Closing.State = model.ClosingProposed
		}
	case model.ActionHandleObjection:
		state.Closing.LastObjectionTurn = state.TurnNumber
	}
}

// armForEvent decides whether this turn ends awaiting a customer reply and
// should schedule a deferred check.
func (o *Orchestrator) armForEvent(state *model.ConversationState, req model.TurnRequest) {
	switch req.Event {
	case model.EventUserMessage, model.EventIntegrationTrigger:
		o.armForReply(state)
	case model.EventFollowUpTimeout:
		next := req.AttemptCount + 1
		if next > o.opts.FollowUpMaxAttempts {
			state.FollowUpScheduled = false
			reason := "unresponsive after follow-ups"
			state.DisengagementReason = &reason
			if state.Closing.State.CanTransition(model.ClosingAbandoned) {
				state.Closing.State = model.ClosingAbandoned
			}
			return
		}
		state.FollowUpScheduled = true
		state.FollowUpAttempts = next
	}
}

func (o *Orchestrator) armForReply(state *model.ConversationState) {
	if state.Closing.State == model.ClosingAccepted || state.Closing.State == model.ClosingAbandoned {
		state.FollowUpScheduled = false
		return
	}
	state.FollowUpScheduled = true
	state.FollowUpAttempts = 1
}

// fallback is the recovery path for any pipeline failure: record the error,
// take the safe ask-rephrase action, and keep the turn moving. The customer
// always gets a reply.
func (o *Orchestrator) fallback(state *model.ConversationState, cause error) string {
	msg := cause.Error()
	state.LastProcessingError = &msg

	text := state.Agent.FallbackMessage
	if text == "" {
		text = "Sorry, I didn't quite catch that — could you say it another way?"
	}
	text = FormatForWhatsApp(text)

	state.LastAction = &model.AgentAction{
		Type:           model.ActionAskRephrase,
		GenerationText: text,
		Attempts:       1,
	}
	state.AppendMessage(model.RoleAgent, text, o.now())
	state.LastAgentMessageAt = o.now()
	return text
}
