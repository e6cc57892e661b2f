package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// FollowUpJob is one deferred re-entry row in the follow-up queue.
// AgentMessageAt is the last-agent-message timestamp captured at scheduling
// time; the worker replays it verbatim into the staleness check.
type FollowUpJob struct {
	ID             int64
	TenantID       uuid.UUID
	ThreadID       uuid.UUID
	RunAt          time.Time
	Attempt        int // Follow-up attempt number (1-based), drives backoff.
	AgentMessageAt time.Time
	DeliveryTries  int // Times the worker has tried to fire this job.
}

// EnqueueFollowUp inserts a deferred follow-up job.
func (db *DB) EnqueueFollowUp(ctx context.Context, job FollowUpJob) error {
	_, err := db.pool.Exec(ctx,
		`INSERT INTO followup_jobs (tenant_id, thread_id, run_at, attempt, agent_message_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		job.TenantID, job.ThreadID, job.RunAt, job.Attempt, job.AgentMessageAt,
	)
	if err != nil {
		return fmt.Errorf("storage: enqueue follow-up: %w", err)
	}
	return nil
}

const maxFollowUpDeliveryTries = 5

// DueFollowUps selects and locks follow-up jobs whose run_at has passed.
// Locked rows are invisible to concurrent workers for the lock window, so a
// job fires at most once even with multiple workers polling. The claim
// transaction can deadlock against a concurrent CancelFollowUps, so it is
// replayed on transient failures.
func (db *DB) DueFollowUps(ctx context.Context, now time.Time, limit int) ([]FollowUpJob, error) {
	var jobs []FollowUpJob
	err := WithRetry(ctx, 2, 50*time.Millisecond, func() error {
		var err error
		jobs, err = db.claimDueFollowUps(ctx, now, limit)
		return err
	})
	return jobs, err
}

func (db *DB) claimDueFollowUps(ctx context.Context, now time.Time, limit int) ([]FollowUpJob, error) {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("storage: due follow-ups: begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	rows, err := tx.Query(ctx,
		`SELECT id, tenant_id, thread_id, run_at, attempt, agent_message_at, delivery_tries
		 FROM followup_jobs
		 WHERE run_at <= $1
		   AND (locked_until IS NULL OR locked_until < now())
		   AND delivery_tries < $2
		 ORDER BY run_at ASC
		 LIMIT $3
		 FOR UPDATE SKIP LOCKED`,
		now, maxFollowUpDeliveryTries, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: due follow-ups: select: %w", err)
	}

	jobs, err := scanFollowUps(rows)
	if err != nil {
		return nil, err
	}
	if len(jobs) == 0 {
		return nil, tx.Commit(ctx)
	}

	ids := make([]int64, len(jobs))
	for i, j := range jobs {
		ids[i] = j.ID
	}
	if _, err := tx.Exec(ctx,
		`UPDATE followup_jobs SET locked_until = now() + interval '60 seconds' WHERE id = ANY($1)`,
		ids,
	); err != nil {
		return nil, fmt.Errorf("storage: due follow-ups: lock: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("storage: due follow-ups: commit: %w", err)
	}
	return jobs, nil
}

// CompleteFollowUp removes a fired (or stale) job.
func (db *DB) CompleteFollowUp(ctx context.Context, id int64) error {
	if _, err := db.pool.Exec(ctx, `DELETE FROM followup_jobs WHERE id = $1`, id); err != nil {
		return fmt.Errorf("storage: complete follow-up %d: %w", id, err)
	}
	return nil
}

// FailFollowUp records a delivery failure and pushes the job back with
// exponential backoff, capped at five minutes.
func (db *DB) FailFollowUp(ctx context.Context, id int64, errMsg string) error {
	if _, err := db.pool.Exec(ctx,
		`UPDATE followup_jobs
		 SET delivery_tries = delivery_tries + 1,
		     last_error = $1,
		     locked_until = now() + LEAST(POWER(2, delivery_tries + 1), 300) * interval '1 second'
		 WHERE id = $2`,
		errMsg, id,
	); err != nil {
		return fmt.Errorf("storage: fail follow-up %d: %w", id, err)
	}
	return nil
}

// CancelFollowUps removes all pending jobs for a thread. Called when the
// customer replies before a follow-up fires; firing would be a stale no-op
// anyway, this just keeps the queue small.
func (db *DB) CancelFollowUps(ctx context.Context, threadID uuid.UUID) error {
	if _, err := db.pool.Exec(ctx,
		`DELETE FROM followup_jobs WHERE thread_id = $1`, threadID,
	); err != nil {
		return fmt.Errorf("storage: cancel follow-ups for %s: %w", threadID, err)
	}
	return nil
}

// PendingFollowUps counts jobs still eligible for delivery. Feeds the queue
// depth gauge.
func (db *DB) PendingFollowUps(ctx context.Context) (int64, error) {
	var count int64
	err := db.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM followup_jobs WHERE delivery_tries < $1`, maxFollowUpDeliveryTries,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("storage: count pending follow-ups: %w", err)
	}
	return count, nil
}

func scanFollowUps(rows pgx.Rows) ([]FollowUpJob, error) {
	defer rows.Close()
	var jobs []FollowUpJob
	for rows.Next() {
		var j FollowUpJob
		if err := rows.Scan(&j.ID, &j.TenantID, &j.ThreadID, &j.RunAt, &j.Attempt, &j.AgentMessageAt, &j.DeliveryTries); err != nil {
			return nil, fmt.Errorf("storage: scan follow-up job: %w", err)
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}
