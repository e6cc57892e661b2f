package storage_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/pgvector/pgvector-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kaiwa-ai/kaiwa/internal/model"
	"github.com/kaiwa-ai/kaiwa/internal/storage"
	"github.com/kaiwa-ai/kaiwa/internal/testutil"
)

// testDB is shared by all tests in this package.
var testDB *storage.DB

func TestMain(m *testing.M) {
	tc := testutil.MustStartPostgres()
	defer tc.Terminate()

	var err error
	testDB, err = tc.NewTestDB(context.Background(), testutil.TestLogger())
	if err != nil {
		tc.Terminate()
		panic(err)
	}

	code := m.Run()
	testDB.Close()
	tc.Terminate()
	os.Exit(code)
}

func newState(tenantID, threadID uuid.UUID, turn int) model.ConversationState {
	return model.ConversationState{
		TenantID:       tenantID,
		ConversationID: threadID,
		TurnNumber:     turn,
		Goals:          model.GoalSlot{Active: model.Goal{Type: model.GoalDiscovery}},
		Closing:        model.Closing{State: model.ClosingNotStarted},
	}
}

func TestCheckpointNotFound(t *testing.T) {
	_, _, err := testDB.GetLatestCheckpoint(context.Background(), uuid.New())
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestCheckpointPutGetRoundTrip(t *testing.T) {
	ctx := context.Background()
	tenantID, threadID := uuid.New(), uuid.New()

	v1, err := testDB.PutCheckpoint(ctx, threadID, 0, newState(tenantID, threadID, 1))
	require.NoError(t, err)
	assert.Equal(t, int64(1), v1)

	v2, err := testDB.PutCheckpoint(ctx, threadID, v1, newState(tenantID, threadID, 2))
	require.NoError(t, err)
	assert.Equal(t, int64(2), v2)

	state, version, err := testDB.GetLatestCheckpoint(ctx, threadID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), version)
	assert.Equal(t, 2, state.TurnNumber)
	assert.Equal(t, tenantID, state.TenantID)
	assert.Equal(t, model.GoalDiscovery, state.Goals.Active.Type)
}

func TestCheckpointVersionConflict(t *testing.T) {
	ctx := context.Background()
	tenantID, threadID := uuid.New(), uuid.New()

	_, err := testDB.PutCheckpoint(ctx, threadID, 0, newState(tenantID, threadID, 1))
	require.NoError(t, err)

	// A second writer that also read version 0 must lose.
	_, err = testDB.PutCheckpoint(ctx, threadID, 0, newState(tenantID, threadID, 1))
	assert.ErrorIs(t, err, storage.ErrVersionConflict)

	// The committed state is the first writer's.
	state, version, err := testDB.GetLatestCheckpoint(ctx, threadID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), version)
	assert.Equal(t, 1, state.TurnNumber)
}

func TestListThreadsByTenant(t *testing.T) {
	ctx := context.Background()
	tenantID := uuid.New()
	a, b := uuid.New(), uuid.New()

	_, err := testDB.PutCheckpoint(ctx, a, 0, newState(tenantID, a, 1))
	require.NoError(t, err)
	_, err = testDB.PutCheckpoint(ctx, b, 0, newState(tenantID, b, 1))
	require.NoError(t, err)

	threads, err := testDB.ListThreadsByTenant(ctx, tenantID, 10)
	require.NoError(t, err)
	assert.ElementsMatch(t, []uuid.UUID{a, b}, threads)
}

func TestFollowUpQueueLifecycle(t *testing.T) {
	ctx := context.Background()
	tenantID, threadID := uuid.New(), uuid.New()
	armedAt := time.Now().UTC().Truncate(time.Microsecond)

	require.NoError(t, testDB.EnqueueFollowUp(ctx, storage.FollowUpJob{
		TenantID:       tenantID,
		ThreadID:       threadID,
		RunAt:          time.Now().Add(-time.Minute),
		Attempt:        1,
		AgentMessageAt: armedAt,
	}))

	jobs, err := testDB.DueFollowUps(ctx, time.Now(), 10)
	require.NoError(t, err)
	var job storage.FollowUpJob
	for _, j := range jobs {
		if j.ThreadID == threadID {
			job = j
		}
	}
	require.NotZero(t, job.ID, "enqueued job should be due")
	assert.Equal(t, 1, job.Attempt)
	assert.True(t, job.AgentMessageAt.Equal(armedAt))

	// The claimed job is locked: a second poll within the lock window must
	// not hand it out again.
	jobs, err = testDB.DueFollowUps(ctx, time.Now(), 10)
	require.NoError(t, err)
	for _, j := range jobs {
		assert.NotEqual(t, job.ID, j.ID, "locked job re-claimed")
	}

	require.NoError(t, testDB.CompleteFollowUp(ctx, job.ID))

	// Completed jobs are gone for good, even past the lock window.
	jobs, err = testDB.DueFollowUps(ctx, time.Now().Add(time.Hour), 100)
	require.NoError(t, err)
	for _, j := range jobs {
		assert.NotEqual(t, job.ID, j.ID)
	}

	_, err = testDB.PendingFollowUps(ctx)
	assert.NoError(t, err)
}

func TestFollowUpFailBacksOff(t *testing.T) {
	ctx := context.Background()
	threadID := uuid.New()

	require.NoError(t, testDB.EnqueueFollowUp(ctx, storage.FollowUpJob{
		TenantID: uuid.New(),
		ThreadID: threadID,
		RunAt:    time.Now().Add(-time.Minute),
		Attempt:  1,
	}))

	jobs, err := testDB.DueFollowUps(ctx, time.Now(), 100)
	require.NoError(t, err)
	var job storage.FollowUpJob
	for _, j := range jobs {
		if j.ThreadID == threadID {
			job = j
		}
	}
	require.NotZero(t, job.ID)

	require.NoError(t, testDB.FailFollowUp(ctx, job.ID, "send failed"))

	// Backed-off job stays locked out of the next poll.
	jobs, err = testDB.DueFollowUps(ctx, time.Now(), 100)
	require.NoError(t, err)
	for _, j := range jobs {
		assert.NotEqual(t, job.ID, j.ID)
	}
}

func TestCancelFollowUps(t *testing.T) {
	ctx := context.Background()
	threadID := uuid.New()

	for attempt := 1; attempt <= 2; attempt++ {
		require.NoError(t, testDB.EnqueueFollowUp(ctx, storage.FollowUpJob{
			TenantID: uuid.New(),
			ThreadID: threadID,
			RunAt:    time.Now().Add(-time.Minute),
			Attempt:  attempt,
		}))
	}
	require.NoError(t, testDB.CancelFollowUps(ctx, threadID))

	jobs, err := testDB.DueFollowUps(ctx, time.Now(), 100)
	require.NoError(t, err)
	for _, j := range jobs {
		assert.NotEqual(t, threadID, j.ThreadID)
	}
}

func TestAgentConfigUpsertAndDefault(t *testing.T) {
	ctx := context.Background()
	tenantID := uuid.New()

	cfg := model.AgentConfig{
		ID:              uuid.New(),
		TenantID:        tenantID,
		Name:            "Mika",
		StagedQuestions: []string{"What brings you here today?"},
		RequiredFacts:   []string{"budget"},
	}
	require.NoError(t, testDB.UpsertAgentConfig(ctx, cfg, true))

	got, err := testDB.GetAgentConfig(ctx, tenantID, cfg.ID)
	require.NoError(t, err)
	assert.Equal(t, cfg.Name, got.Name)
	assert.Equal(t, cfg.StagedQuestions, got.StagedQuestions)

	def, err := testDB.GetDefaultAgentConfig(ctx, tenantID)
	require.NoError(t, err)
	assert.Equal(t, cfg.ID, def.ID)

	_, err = testDB.GetAgentConfig(ctx, tenantID, uuid.New())
	assert.ErrorIs(t, err, storage.ErrNotFound)

	_, err = testDB.GetDefaultAgentConfig(ctx, uuid.New())
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestChunksInsertSearchAndNeighbors(t *testing.T) {
	ctx := context.Background()
	tenantID, sourceID := uuid.New(), uuid.New()

	chunks := make([]model.KnowledgeChunk, 3)
	embeddings := make([]pgvector.Vector, 3)
	for i := range chunks {
		chunks[i] = model.KnowledgeChunk{
			ID:         uuid.New(),
			TenantID:   tenantID,
			SourceID:   sourceID,
			ChunkIndex: i,
			Content:    []string{"pricing", "warranty", "delivery"}[i],
		}
		vec := []float32{0, 0, 0}
		vec[i] = 1
		embeddings[i] = pgvector.NewVector(vec)
	}
	require.NoError(t, testDB.InsertChunks(ctx, chunks, embeddings))

	// Closest to the second chunk's embedding is the second chunk.
	results, err := testDB.SearchChunksByEmbedding(ctx, tenantID, pgvector.NewVector([]float32{0, 1, 0}), 2)
	require.NoError(t, err)
	require.NotEmpty(t, results)
	assert.Equal(t, chunks[1].ID, results[0].ChunkID)
	assert.InDelta(t, 0.0, results[0].Distance, 1e-6)

	hydrated, err := testDB.GetChunksByIDs(ctx, tenantID, []uuid.UUID{chunks[1].ID, uuid.New()})
	require.NoError(t, err)
	require.Len(t, hydrated, 1)
	assert.Equal(t, "warranty", hydrated[chunks[1].ID].Content)

	neighbors, err := testDB.GetNeighborChunks(ctx, tenantID, sourceID, []int{0, 2, 9})
	require.NoError(t, err)
	require.Len(t, neighbors, 2)
	assert.Equal(t, "pricing", neighbors[0].Content)
	assert.Equal(t, "delivery", neighbors[1].Content)

	// Re-inserting the same positions overwrites rather than duplicating.
	chunks[0].Content = "pricing v2"
	require.NoError(t, testDB.InsertChunks(ctx, chunks[:1], embeddings[:1]))
	hydrated, err = testDB.GetChunksByIDs(ctx, tenantID, []uuid.UUID{chunks[0].ID})
	require.NoError(t, err)
	assert.Equal(t, "pricing v2", hydrated[chunks[0].ID].Content)
}

func TestChunksEmbeddingCountMismatch(t *testing.T) {
	err := testDB.InsertChunks(context.Background(), make([]model.KnowledgeChunk, 2), make([]pgvector.Vector, 1))
	assert.Error(t, err)
}
