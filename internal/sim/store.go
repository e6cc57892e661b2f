package sim

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// Store persists simulation run records in a local sqlite file. Runs are
// developer artifacts, not production data, so a zero-dependency local file
// beats a Postgres table here.
type Store struct {
	db *sql.DB
}

const storeSchema = `
CREATE TABLE IF NOT EXISTS sim_runs (
	run_id      TEXT PRIMARY KEY,
	persona     TEXT NOT NULL,
	thread_id   TEXT NOT NULL,
	status      TEXT NOT NULL,
	reason      TEXT NOT NULL,
	turns       INTEGER NOT NULL,
	transcript  TEXT NOT NULL,
	facts       TEXT NOT NULL,
	started_at  TEXT NOT NULL,
	finished_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_sim_runs_persona ON sim_runs (persona, started_at);
`

// OpenStore opens (creating if needed) the run-record database at path.
func OpenStore(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("sim: open store %s: %w", path, err)
	}
	if _, err := db.Exec(storeSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("sim: init store schema: %w", err)
	}
	return &Store{db: db}, nil
}

// SaveRun persists one finished run.
func (s *Store) SaveRun(ctx context.Context, result RunResult) error {
	transcript, err := json.Marshal(result.Transcript)
	if err != nil {
		return fmt.Errorf("sim: marshal transcript: %w", err)
	}
	facts, err := json.Marshal(result.Facts)
	if err != nil {
		return fmt.Errorf("sim: marshal facts: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO sim_runs (run_id, persona, thread_id, status, reason, turns, transcript, facts, started_at, finished_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		result.RunID.String(), result.Persona, result.ThreadID.String(),
		string(result.Status), result.Reason, result.Turns,
		string(transcript), string(facts),
		result.StartedAt.UTC().Format(time.RFC3339Nano),
		result.FinishedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("sim: save run %s: %w", result.RunID, err)
	}
	return nil
}

// RunSummary is one row of ListRuns output.
type RunSummary struct {
	RunID     string
	Persona   string
	Status    Status
	Reason    string
	Turns     int
	StartedAt time.Time
}

// ListRuns returns the most recent runs, newest first.
func (s *Store) ListRuns(ctx context.Context, limit int) ([]RunSummary, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT run_id, persona, status, reason, turns, started_at
		 FROM sim_runs ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("sim: list runs: %w", err)
	}
	defer rows.Close()

	var out []RunSummary
	for rows.Next() {
		var r RunSummary
		var started string
		if err := rows.Scan(&r.RunID, &r.Persona, &r.Status, &r.Reason, &r.Turns, &started); err != nil {
			return nil, fmt.Errorf("sim: scan run: %w", err)
		}
		r.StartedAt, _ = time.Parse(time.RFC3339Nano, started)
		out = append(out, r)
	}
	return out, rows.Err()
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}
