package followup

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/kaiwa-ai/kaiwa/internal/model"
	"github.com/kaiwa-ai/kaiwa/internal/storage"
)

// JobQueue is the persistence contract the scheduler and worker share.
type JobQueue interface {
	EnqueueFollowUp(ctx context.Context, job storage.FollowUpJob) error
	DueFollowUps(ctx context.Context, now time.Time, limit int) ([]storage.FollowUpJob, error)
	CompleteFollowUp(ctx context.Context, id int64) error
	FailFollowUp(ctx context.Context, id int64, errMsg string) error
	CancelFollowUps(ctx context.Context, threadID uuid.UUID) error
}

// Scheduler arms follow-up jobs for turns that end awaiting a reply.
// It captures the state's last-agent-message timestamp into the job so the
// worker can detect, at fire time, whether the conversation moved on.
type Scheduler struct {
	queue  JobQueue
	policy DelayPolicy
	logger *slog.Logger

	now func() time.Time
}

// NewScheduler builds a scheduler with the given delay policy.
func NewScheduler(queue JobQueue, policy DelayPolicy, logger *slog.Logger) *Scheduler {
	return &Scheduler{queue: queue, policy: policy, logger: logger, now: time.Now}
}

// Arm enqueues one follow-up job for the conversation. Any earlier pending
// jobs for the thread are superseded: they would fail the staleness check at
// fire time, but cancelling up front keeps the queue from accumulating.
func (s *Scheduler) Arm(ctx context.Context, state model.ConversationState, attempt int) error {
	if attempt < 1 {
		attempt = 1
	}
	if err := s.queue.CancelFollowUps(ctx, state.ConversationID); err != nil {
		return fmt.Errorf("followup: cancel superseded jobs: %w", err)
	}

	runAt := s.policy.RunAt(s.now(), attempt)
	job := storage.FollowUpJob{
		TenantID:       state.TenantID,
		ThreadID:       state.ConversationID,
		RunAt:          runAt,
		Attempt:        attempt,
		AgentMessageAt: state.LastAgentMessageAt,
	}
	if err := s.queue.EnqueueFollowUp(ctx, job); err != nil {
		return fmt.Errorf("followup: enqueue: %w", err)
	}

	s.logger.Debug("followup: armed",
		"thread_id", state.ConversationID,
		"attempt", attempt,
		"run_at", runAt,
	)
	return nil
}
