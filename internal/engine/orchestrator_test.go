package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kaiwa-ai/kaiwa/internal/model"
	"github.com/kaiwa-ai/kaiwa/internal/search"
	"github.com/kaiwa-ai/kaiwa/internal/service/generation"
	"github.com/kaiwa-ai/kaiwa/internal/storage"
	"github.com/kaiwa-ai/kaiwa/internal/testutil"
)

// memCheckpoints is an in-memory CheckpointStore with the same read-latest,
// write-next version semantics as the Postgres implementation.
type memCheckpoints struct {
	state   model.ConversationState
	version int64

	// forceConflicts makes the next n puts lose the version race.
	forceConflicts int
	loads          int
	puts           int
}

func (m *memCheckpoints) GetLatestCheckpoint(_ context.Context, _ uuid.UUID) (model.ConversationState, int64, error) {
	m.loads++
	if m.version == 0 {
		return model.ConversationState{}, 0, storage.ErrNotFound
	}
	return m.state, m.version, nil
}

func (m *memCheckpoints) PutCheckpoint(_ context.Context, _ uuid.UUID, expectedVersion int64, state model.ConversationState) (int64, error) {
	m.puts++
	if m.forceConflicts > 0 {
		m.forceConflicts--
		return 0, storage.ErrVersionConflict
	}
	if expectedVersion != m.version {
		return 0, storage.ErrVersionConflict
	}
	m.state = state
	m.version++
	return m.version, nil
}

type memConfigs struct {
	cfg model.AgentConfig
}

func (m *memConfigs) GetAgentConfig(_ context.Context, _, _ uuid.UUID) (model.AgentConfig, error) {
	return m.cfg, nil
}

func (m *memConfigs) GetDefaultAgentConfig(_ context.Context, _ uuid.UUID) (model.AgentConfig, error) {
	return m.cfg, nil
}

// scriptedGen routes classifier and decider calls by their system prompt and
// serves executor completions from a fixed reply.
type scriptedGen struct {
	classifyJSON string
	decideJSON   string
	reply        string
	completeErr  error
	completes    int
}

func (g *scriptedGen) Complete(_ context.Context, _ generation.CompletionRequest) (string, error) {
	g.completes++
	if g.completeErr != nil {
		return "", g.completeErr
	}
	return g.reply, nil
}

func (g *scriptedGen) CompleteJSON(_ context.Context, req generation.CompletionRequest, _ map[string]any) (json.RawMessage, error) {
	switch req.System {
	case classifySystem:
		if g.classifyJSON == "" {
			return nil, errors.New("no classification scripted")
		}
		return json.RawMessage(g.classifyJSON), nil
	case decideSystem:
		if g.decideJSON == "" {
			return nil, errors.New("no decision scripted")
		}
		return json.RawMessage(g.decideJSON), nil
	default:
		return nil, fmt.Errorf("unexpected system prompt %q", req.System)
	}
}

type memRetriever struct {
	chunks  []string
	queries []string
}

func (m *memRetriever) Retrieve(_ context.Context, _ uuid.UUID, query string, _ int, _ float32) (search.Context, error) {
	m.queries = append(m.queries, query)
	if len(m.chunks) == 0 {
		return search.Context{}, search.ErrNoMatch
	}
	ranked := make([]search.RankedChunk, len(m.chunks))
	for i, c := range m.chunks {
		ranked[i] = search.RankedChunk{Chunk: model.KnowledgeChunk{Content: c}, Rank: i, Seed: true}
	}
	return search.Context{Chunks: ranked}, nil
}

type memArmer struct {
	attempts []int
}

func (m *memArmer) Arm(_ context.Context, _ model.ConversationState, attempt int) error {
	m.attempts = append(m.attempts, attempt)
	return nil
}

const emptyClassify = `{"interruptions":[],"needs":[],"pain_points":[],"objection_resolved":""}`

func testAgentConfig() model.AgentConfig {
	return model.AgentConfig{
		ID:       uuid.New(),
		TenantID: uuid.New(),
		Name:     "Mika",
		Company: model.CompanyProfile{
			Name:        "Aurora Bikes",
			Description: "electric bikes",
			Tone:        "friendly",
		},
		StagedQuestions: []string{"What will you mostly use the bike for?", "What is your budget range?"},
		RequiredFacts:   []string{"budget"},
		FallbackMessage: "Sorry, could you rephrase that?",
	}
}

func newTestOrchestrator(t *testing.T, cp *memCheckpoints, gen *scriptedGen, ret KnowledgeRetriever, armer FollowUpArmer) *Orchestrator {
	t.Helper()
	logger := testutil.TestLogger()
	o := NewOrchestrator(
		cp,
		&memConfigs{cfg: testAgentConfig()},
		NewClassifier(gen, logger),
		NewDecider(gen, logger),
		NewExecutor(gen, logger),
		ret,
		armer,
		Options{MaxPutRetries: 2, FollowUpMaxAttempts: 3},
		logger,
	)
	o.now = func() time.Time { return time.Date(2026, 3, 10, 14, 0, 0, 0, time.UTC) }
	return o
}

func TestProcessTurnFirstMessage(t *testing.T) {
	cp := &memCheckpoints{}
	gen := &scriptedGen{
		classifyJSON: emptyClassify,
		decideJSON:   `{"action":"ask_staged_question","parameters":{}}`,
	}
	armer := &memArmer{}
	o := newTestOrchestrator(t, cp, gen, &memRetriever{}, armer)

	req := model.TurnRequest{
		ThreadID: uuid.New(),
		TenantID: uuid.New(),
		Event:    model.EventUserMessage,
		UserText: "Hi, I saw your ad",
	}
	res, err := o.ProcessTurn(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, "What will you mostly use the bike for?", res.OutboundText)
	assert.Equal(t, int64(1), res.CheckpointVersion)
	assert.True(t, res.FollowUpArmed)
	assert.Equal(t, []int{1}, armer.attempts)

	assert.Equal(t, 1, cp.state.TurnNumber)
	assert.Equal(t, 1, cp.state.NextStagedQuestion)
	assert.Equal(t, model.GoalDiscovery, cp.state.Goals.Active.Type)
	require.Len(t, cp.state.History, 2)
	assert.Equal(t, model.RoleCustomer, cp.state.History[0].Role)
	assert.Equal(t, model.RoleAgent, cp.state.History[1].Role)
}

func TestProcessTurnVersionConflictRecomputes(t *testing.T) {
	cp := &memCheckpoints{forceConflicts: 1}
	gen := &scriptedGen{
		classifyJSON: emptyClassify,
		decideJSON:   `{"action":"ask_staged_question","parameters":{}}`,
	}
	o := newTestOrchestrator(t, cp, gen, &memRetriever{}, nil)

	res, err := o.ProcessTurn(context.Background(), model.TurnRequest{
		ThreadID: uuid.New(),
		TenantID: uuid.New(),
		Event:    model.EventUserMessage,
		UserText: "hello",
	})
	require.NoError(t, err)

	// One conflict means one reload-and-recompute: exactly two loads, two
	// puts, and the committed state carries a single turn increment.
	assert.Equal(t, 2, cp.loads)
	assert.Equal(t, 2, cp.puts)
	assert.Equal(t, 1, cp.state.TurnNumber)
	assert.Equal(t, int64(1), res.CheckpointVersion)
}

func TestProcessTurnVersionConflictExhausted(t *testing.T) {
	cp := &memCheckpoints{forceConflicts: 10}
	gen := &scriptedGen{
		classifyJSON: emptyClassify,
		decideJSON:   `{"action":"ask_staged_question","parameters":{}}`,
	}
	o := newTestOrchestrator(t, cp, gen, &memRetriever{}, nil)

	_, err := o.ProcessTurn(context.Background(), model.TurnRequest{
		ThreadID: uuid.New(),
		TenantID: uuid.New(),
		Event:    model.EventUserMessage,
		UserText: "hello",
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, storage.ErrVersionConflict)
	assert.Equal(t, 3, cp.puts) // initial attempt + MaxPutRetries
}

func TestProcessTurnFallbackOnExecutorError(t *testing.T) {
	cp := &memCheckpoints{}
	gen := &scriptedGen{
		classifyJSON: emptyClassify,
		decideJSON:   `{"action":"propose_next_step","parameters":{}}`,
		completeErr:  errors.New("provider unavailable"),
	}
	o := newTestOrchestrator(t, cp, gen, &memRetriever{}, nil)

	res, err := o.ProcessTurn(context.Background(), model.TurnRequest{
		ThreadID: uuid.New(),
		TenantID: uuid.New(),
		Event:    model.EventUserMessage,
		UserText: "tell me more",
	})
	require.NoError(t, err, "generation failure degrades, it never fails the turn")

	assert.Equal(t, "Sorry, could you rephrase that?", res.OutboundText)
	require.NotNil(t, cp.state.LastProcessingError)
	assert.Contains(t, *cp.state.LastProcessingError, "provider unavailable")
	require.NotNil(t, cp.state.LastAction)
	assert.Equal(t, model.ActionAskRephrase, cp.state.LastAction.Type)
	// The turn still advanced and was persisted.
	assert.Equal(t, 1, cp.state.TurnNumber)
	assert.Equal(t, int64(1), res.CheckpointVersion)
}

func TestProcessTurnDeciderFailureUsesDefault(t *testing.T) {
	cp := &memCheckpoints{}
	gen := &scriptedGen{
		classifyJSON: emptyClassify,
		decideJSON:   "", // decider errors; default action takes over
	}
	o := newTestOrchestrator(t, cp, gen, &memRetriever{}, nil)

	res, err := o.ProcessTurn(context.Background(), model.TurnRequest{
		ThreadID: uuid.New(),
		TenantID: uuid.New(),
		Event:    model.EventUserMessage,
		UserText: "ok",
	})
	require.NoError(t, err)

	// Default decision advances the staged sequence without generation.
	assert.Equal(t, "What will you mostly use the bike for?", res.OutboundText)
	require.NotNil(t, cp.state.LastProcessingError)
	assert.Equal(t, 0, gen.completes)
}

func TestProcessTurnObjectionPreempts(t *testing.T) {
	agentCfg := testAgentConfig()
	threadID := uuid.New()
	cp := &memCheckpoints{
		version: 3,
		state: model.ConversationState{
			TenantID:       agentCfg.TenantID,
			ConversationID: threadID,
			Agent:          agentCfg,
			Company:        agentCfg.Company,
			TurnNumber:     3,
			Goals:          model.GoalSlot{Active: model.Goal{Type: model.GoalDiscovery}},
			Closing:        model.Closing{State: model.ClosingProposed},
			Profile:        model.CustomerProfile{Certainty: map[string]model.CertaintyLevel{}},
		},
	}
	gen := &scriptedGen{
		classifyJSON: `{"interruptions":[{"kind":"objection","text":"too expensive"}],"needs":[],"pain_points":[],"objection_resolved":""}`,
		reply:        "I hear you on price — the X2 pays for itself in commute savings within a year.",
	}
	ret := &memRetriever{chunks: []string{"The Aurora X2 costs 1,800 EUR and finances at 75 EUR/month."}}
	o := newTestOrchestrator(t, cp, gen, ret, nil)

	res, err := o.ProcessTurn(context.Background(), model.TurnRequest{
		ThreadID: threadID,
		TenantID: agentCfg.TenantID,
		Event:    model.EventUserMessage,
		UserText: "that's way too expensive for me",
	})
	require.NoError(t, err)
	assert.NotEmpty(t, res.OutboundText)

	// The objection query drove retrieval, not the raw message.
	assert.Equal(t, []string{"too expensive"}, ret.queries)
	assert.Contains(t, cp.state.RetrievedKnowledge, "1,800 EUR")

	assert.Equal(t, []string{"too expensive"}, cp.state.Profile.Objections)
	assert.Equal(t, model.ClosingObjectionOpen, cp.state.Closing.State)
	assert.Equal(t, 4, cp.state.Closing.LastObjectionTurn)

	// The interrupting goal was discharged this turn; the sales goal resumed.
	assert.Equal(t, model.GoalDiscovery, cp.state.Goals.Active.Type)
	assert.Nil(t, cp.state.Goals.Suspended)
}

func TestProcessTurnFollowUpExhaustion(t *testing.T) {
	agentCfg := testAgentConfig()
	threadID := uuid.New()
	cp := &memCheckpoints{
		version: 5,
		state: model.ConversationState{
			TenantID:          agentCfg.TenantID,
			ConversationID:    threadID,
			Agent:             agentCfg,
			TurnNumber:        5,
			Goals:             model.GoalSlot{Active: model.Goal{Type: model.GoalDiscovery}},
			Closing:           model.Closing{State: model.ClosingNotStarted},
			FollowUpScheduled: true,
			FollowUpAttempts:  3,
		},
	}
	gen := &scriptedGen{reply: "Just checking in — still thinking it over?"}
	armer := &memArmer{}
	o := newTestOrchestrator(t, cp, gen, &memRetriever{}, armer)

	res, err := o.ProcessTurn(context.Background(), model.TurnRequest{
		ThreadID:     threadID,
		TenantID:     agentCfg.TenantID,
		Event:        model.EventFollowUpTimeout,
		AttemptCount: 3,
	})
	require.NoError(t, err)

	// Final attempt still sends a ping, but nothing further is armed and the
	// conversation is marked disengaged.
	assert.NotEmpty(t, res.OutboundText)
	assert.False(t, res.FollowUpArmed)
	assert.Empty(t, armer.attempts)
	require.NotNil(t, cp.state.DisengagementReason)
	assert.Equal(t, model.ClosingAbandoned, cp.state.Closing.State)
}

func TestProcessTurnFollowUpReschedules(t *testing.T) {
	agentCfg := testAgentConfig()
	threadID := uuid.New()
	cp := &memCheckpoints{
		version: 2,
		state: model.ConversationState{
			TenantID:          agentCfg.TenantID,
			ConversationID:    threadID,
			Agent:             agentCfg,
			TurnNumber:        2,
			Goals:             model.GoalSlot{Active: model.Goal{Type: model.GoalDiscovery}},
			Closing:           model.Closing{State: model.ClosingNotStarted},
			FollowUpScheduled: true,
			FollowUpAttempts:  1,
		},
	}
	gen := &scriptedGen{reply: "Did you get a chance to look at the options?"}
	armer := &memArmer{}
	o := newTestOrchestrator(t, cp, gen, &memRetriever{}, armer)

	res, err := o.ProcessTurn(context.Background(), model.TurnRequest{
		ThreadID:     threadID,
		TenantID:     agentCfg.TenantID,
		Event:        model.EventFollowUpTimeout,
		AttemptCount: 1,
	})
	require.NoError(t, err)

	assert.True(t, res.FollowUpArmed)
	assert.Equal(t, []int{2}, armer.attempts)
	assert.Equal(t, 2, cp.state.FollowUpAttempts)
	assert.Equal(t, model.GoalDiscovery, cp.state.Goals.Active.Type, "re-engagement goal resumed after the ping")
}

func TestProcessTurnGreetingShortCircuit(t *testing.T) {
	agentCfg := testAgentConfig()
	agentCfg.Greeting = "Hi! I'm **Mika** from Aurora Bikes. How can I help?"

	cp := &memCheckpoints{}
	gen := &scriptedGen{}
	o := NewOrchestrator(
		cp,
		&memConfigs{cfg: agentCfg},
		NewClassifier(gen, testutil.TestLogger()),
		NewDecider(gen, testutil.TestLogger()),
		NewExecutor(gen, testutil.TestLogger()),
		&memRetriever{},
		nil,
		Options{},
		testutil.TestLogger(),
	)

	res, err := o.ProcessTurn(context.Background(), model.TurnRequest{
		ThreadID: uuid.New(),
		TenantID: agentCfg.TenantID,
		Event:    model.EventIntegrationTrigger,
	})
	require.NoError(t, err)

	// Configured greeting goes out verbatim (WhatsApp-formatted), no
	// generation involved.
	assert.Equal(t, "Hi! I'm *Mika* from Aurora Bikes. How can I help?", res.OutboundText)
	assert.Equal(t, 0, gen.completes)
	assert.True(t, res.FollowUpArmed)
	assert.Equal(t, 1, cp.state.TurnNumber)
}

func TestProcessTurnCorrectionMergesWithoutPreempt(t *testing.T) {
	cp := &memCheckpoints{}
	gen := &scriptedGen{
		classifyJSON: `{"interruptions":[{"kind":"correction","text":"budget"}],"needs":[],"pain_points":[],"objection_resolved":""}`,
		decideJSON:   `{"action":"ask_staged_question","parameters":{}}`,
	}
	o := newTestOrchestrator(t, cp, gen, &memRetriever{}, nil)

	res, err := o.ProcessTurn(context.Background(), model.TurnRequest{
		ThreadID: uuid.New(),
		TenantID: uuid.New(),
		Event:    model.EventUserMessage,
		UserText: "actually my budget is 2000, not 1000",
	})
	require.NoError(t, err)

	// Correction lands in the profile; the decider still ran and the goal
	// never changed hands.
	assert.Equal(t, model.CertaintyConfirmed, cp.state.Profile.Certainty["budget"])
	assert.Empty(t, cp.state.Interruptions)
	assert.Equal(t, model.GoalDiscovery, cp.state.Goals.Active.Type)
	assert.Equal(t, "What will you mostly use the bike for?", res.OutboundText)
}
