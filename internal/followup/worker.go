package followup

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/metric"

	"github.com/kaiwa-ai/kaiwa/internal/model"
	"github.com/kaiwa-ai/kaiwa/internal/storage"
	"github.com/kaiwa-ai/kaiwa/internal/telemetry"
)

// TurnProcessor runs one dialogue turn. Implemented by the engine
// orchestrator.
type TurnProcessor interface {
	ProcessTurn(ctx context.Context, req model.TurnRequest) (model.TurnResult, error)
}

// CheckpointReader loads the latest conversation state for the staleness
// check.
type CheckpointReader interface {
	GetLatestCheckpoint(ctx context.Context, threadID uuid.UUID) (model.ConversationState, int64, error)
}

// Sender delivers an outbound message to the customer's channel.
type Sender interface {
	Send(ctx context.Context, threadID uuid.UUID, text string) error
}

// Worker polls the follow-up queue and fires due jobs as follow_up_timeout
// turns. Before firing it reloads the thread's latest checkpoint: a job is
// live only if the state still awaits a reply and the agent has not spoken
// since the job was armed. Stale jobs are completed silently — a customer
// who already replied must never receive a pointless nudge.
type Worker struct {
	queue       JobQueue
	checkpoints CheckpointReader
	processor   TurnProcessor
	sender      Sender
	logger      *slog.Logger

	pollInterval time.Duration
	batchSize    int

	started    atomic.Bool
	cancelLoop context.CancelFunc
	done       chan struct{}
	once       sync.Once
	drainCh    chan context.Context // carries the drain context to pollLoop for the final poll

	now func() time.Time
}

// NewWorker creates a follow-up worker.
func NewWorker(
	queue JobQueue,
	checkpoints CheckpointReader,
	processor TurnProcessor,
	sender Sender,
	logger *slog.Logger,
	pollInterval time.Duration,
	batchSize int,
) *Worker {
	return &Worker{
		queue:        queue,
		checkpoints:  checkpoints,
		processor:    processor,
		sender:       sender,
		logger:       logger,
		pollInterval: pollInterval,
		batchSize:    batchSize,
		done:         make(chan struct{}),
		drainCh:      make(chan context.Context, 1),
		now:          time.Now,
	}
}

// Start begins the background poll loop. Safe to call only once; subsequent
// calls are no-ops and log a warning.
func (w *Worker) Start(ctx context.Context) {
	if !w.started.CompareAndSwap(false, true) {
		w.logger.Warn("followup worker: Start called more than once, ignoring")
		return
	}
	w.registerMetrics()
	loopCtx, cancel := context.WithCancel(ctx)
	w.cancelLoop = cancel
	go w.pollLoop(loopCtx)
}

// Drain signals the poll loop to stop, fires remaining due jobs, and blocks
// until done or the context expires.
func (w *Worker) Drain(ctx context.Context) {
	select {
	case w.drainCh <- ctx:
	default:
	}
	if w.cancelLoop != nil {
		w.cancelLoop()
	}
	select {
	case <-w.done:
	case <-ctx.Done():
		w.logger.Warn("followup worker: drain timed out")
	}
}

func (w *Worker) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			var drainCtx context.Context
			select {
			case drainCtx = <-w.drainCh:
			default:
			}
			if drainCtx != nil {
				w.processBatch(drainCtx)
			} else {
				fallbackCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				w.processBatch(fallbackCtx)
				cancel()
			}
			w.once.Do(func() { close(w.done) })
			return
		case <-ticker.C:
			batchCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
			w.processBatch(batchCtx)
			cancel()
		}
	}
}

func (w *Worker) processBatch(ctx context.Context) {
	jobs, err := w.queue.DueFollowUps(ctx, w.now(), w.batchSize)
	if err != nil {
		w.logger.Error("followup worker: select due jobs", "error", err)
		return
	}
	for _, job := range jobs {
		w.fire(ctx, job)
	}
}

// fire fires one claimed job. Errors push the job back with backoff; success
// and staleness both complete it.
func (w *Worker) fire(ctx context.Context, job storage.FollowUpJob) {
	state, _, err := w.checkpoints.GetLatestCheckpoint(ctx, job.ThreadID)
	if err != nil {
		w.logger.Error("followup worker: load checkpoint", "thread_id", job.ThreadID, "error", err)
		if ferr := w.queue.FailFollowUp(ctx, job.ID, err.Error()); ferr != nil {
			w.logger.Error("followup worker: record failure", "job_id", job.ID, "error", ferr)
		}
		return
	}

	if !w.live(state, job) {
		w.logger.Debug("followup worker: stale job, skipping",
			"thread_id", job.ThreadID, "job_id", job.ID)
		if err := w.queue.CompleteFollowUp(ctx, job.ID); err != nil {
			w.logger.Error("followup worker: complete stale job", "job_id", job.ID, "error", err)
		}
		return
	}

	result, err := w.processor.ProcessTurn(ctx, model.TurnRequest{
		ThreadID:     job.ThreadID,
		TenantID:     job.TenantID,
		Event:        model.EventFollowUpTimeout,
		AttemptCount: job.Attempt,
	})
	if err != nil {
		w.logger.Error("followup worker: process turn", "thread_id", job.ThreadID, "error", err)
		if ferr := w.queue.FailFollowUp(ctx, job.ID, err.Error()); ferr != nil {
			w.logger.Error("followup worker: record failure", "job_id", job.ID, "error", ferr)
		}
		return
	}

	if result.OutboundText != "" && w.sender != nil {
		if err := w.sender.Send(ctx, job.ThreadID, result.OutboundText); err != nil {
			// The turn already committed; retrying the job would double the
			// turn. Log and move on, delivery retries belong to the sender.
			w.logger.Error("followup worker: send", "thread_id", job.ThreadID, "error", err)
		}
	}

	if err := w.queue.CompleteFollowUp(ctx, job.ID); err != nil {
		w.logger.Error("followup worker: complete job", "job_id", job.ID, "error", err)
	}
	w.logger.Info("followup worker: fired",
		"thread_id", job.ThreadID, "attempt", job.Attempt, "follow_up_armed", result.FollowUpArmed)
}

// live reports whether the job still applies to the conversation: the state
// must still await a reply and the agent's last message must be the one the
// job was armed against. Any customer reply or concurrent turn moves
// LastAgentMessageAt forward and invalidates the job.
func (w *Worker) live(state model.ConversationState, job storage.FollowUpJob) bool {
	if !state.FollowUpScheduled {
		return false
	}
	return state.LastAgentMessageAt.Equal(job.AgentMessageAt)
}

// pendingCounter exposes queue depth when the backing store supports it.
type pendingCounter interface {
	PendingFollowUps(ctx context.Context) (int64, error)
}

func (w *Worker) registerMetrics() {
	pc, ok := w.queue.(pendingCounter)
	if !ok {
		return
	}
	meter := telemetry.Meter("kaiwa/followup")
	_, _ = meter.Int64ObservableGauge("kaiwa.followup.depth",
		metric.WithDescription("Number of pending follow-up jobs"),
		metric.WithInt64Callback(func(ctx context.Context, o metric.Int64Observer) error {
			count, err := pc.PendingFollowUps(ctx)
			if err != nil {
				return nil // Non-fatal: just skip this observation.
			}
			o.Observe(count)
			return nil
		}),
	)
}
