package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/kaiwa-ai/kaiwa/internal/model"
)

// GetLatestCheckpoint returns the highest-version conversation state for a
// thread along with its version number. Returns ErrNotFound when the thread
// has no checkpoint yet.
func (db *DB) GetLatestCheckpoint(ctx context.Context, threadID uuid.UUID) (model.ConversationState, int64, error) {
	var (
		version int64
		raw     []byte
	)
	err := db.pool.QueryRow(ctx,
		`SELECT version, state
		 FROM conversation_checkpoints
		 WHERE thread_id = $1
		 ORDER BY version DESC
		 LIMIT 1`,
		threadID,
	).Scan(&version, &raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.ConversationState{}, 0, ErrNotFound
	}
	if err != nil {
		return model.ConversationState{}, 0, fmt.Errorf("storage: get latest checkpoint: %w", err)
	}

	var state model.ConversationState
	if err := json.Unmarshal(raw, &state); err != nil {
		return model.ConversationState{}, 0, fmt.Errorf("storage: decode checkpoint %s v%d: %w", threadID, version, err)
	}
	return state, version, nil
}

// PutCheckpoint persists state as version expectedVersion+1 for the thread.
// The UNIQUE (thread_id, version) constraint turns a lost write race into
// ErrVersionConflict: at most one in-flight turn per thread commits a
// successor, and versions form a total order with no gaps.
//
// The write is a single INSERT — all-or-nothing. No partial state is ever
// visible to readers.
func (db *DB) PutCheckpoint(ctx context.Context, threadID uuid.UUID, expectedVersion int64, state model.ConversationState) (int64, error) {
	raw, err := json.Marshal(state)
	if err != nil {
		return 0, fmt.Errorf("storage: encode checkpoint: %w", err)
	}

	newVersion := expectedVersion + 1
	_, err = db.pool.Exec(ctx,
		`INSERT INTO conversation_checkpoints (thread_id, tenant_id, version, state)
		 VALUES ($1, $2, $3, $4)`,
		threadID, state.TenantID, newVersion, raw,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" { // unique_violation
			return 0, ErrVersionConflict
		}
		return 0, fmt.Errorf("storage: put checkpoint %s v%d: %w", threadID, newVersion, err)
	}
	return newVersion, nil
}

// ListThreadsByTenant returns the thread ids with at least one checkpoint
// for a tenant, most recently updated first.
func (db *DB) ListThreadsByTenant(ctx context.Context, tenantID uuid.UUID, limit int) ([]uuid.UUID, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT thread_id
		 FROM conversation_checkpoints
		 WHERE tenant_id = $1
		 GROUP BY thread_id
		 ORDER BY MAX(created_at) DESC
		 LIMIT $2`,
		tenantID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list threads: %w", err)
	}
	defer rows.Close()

	var threads []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("storage: scan thread id: %w", err)
		}
		threads = append(threads, id)
	}
	return threads, rows.Err()
}
