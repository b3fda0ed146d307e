// Package persistence provides SQLite-based storage of training run history:
// one row per run, one row per completed training iteration.
package persistence

import (
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // pure-Go sqlite driver

	"trainer/pkg/logx"
)

const schema = `
CREATE TABLE IF NOT EXISTS runs (
	id          TEXT PRIMARY KEY,
	started_at  TIMESTAMP NOT NULL,
	ended_at    TIMESTAMP,
	workers     INTEGER NOT NULL,
	script_dir  TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS iterations (
	run_id      TEXT NOT NULL REFERENCES runs(id),
	seq         INTEGER NOT NULL,
	batch_file  TEXT NOT NULL,
	duration_ms INTEGER NOT NULL,
	loss        REAL,
	recorded_at TIMESTAMP NOT NULL,
	PRIMARY KEY (run_id, seq)
);

CREATE INDEX IF NOT EXISTS idx_iterations_run ON iterations(run_id);
`

// Run is one orchestrator lifetime against one script folder.
type Run struct {
	ID        string
	StartedAt time.Time
	EndedAt   *time.Time
	Workers   int
	ScriptDir string
}

// Iteration is one completed training iteration within a run.
type Iteration struct {
	RunID      string
	Seq        int
	BatchFile  string
	Duration   time.Duration
	Loss       *float64
	RecordedAt time.Time
}

// Store wraps the run-history database. SQLite supports a single writer, so
// the connection pool is pinned to one connection.
type Store struct {
	db     *sql.DB
	logger *logx.Logger
}

// Open opens (creating if needed) the history database at dbPath.
func Open(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", fmt.Sprintf(
		"file:%s?_foreign_keys=ON&_journal_mode=WAL&_busy_timeout=5000",
		dbPath,
	))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	logger := logx.NewLogger("persistence")
	logger.Info("run history database opened: %s", dbPath)
	return &Store{db: db, logger: logger}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	return nil
}

// CreateRun records the start of a run.
func (s *Store) CreateRun(id string, workers int, scriptDir string) error {
	_, err := s.db.Exec(
		`INSERT INTO runs (id, started_at, workers, script_dir) VALUES (?, ?, ?, ?)`,
		id, time.Now().UTC(), workers, scriptDir,
	)
	if err != nil {
		return fmt.Errorf("failed to create run %s: %w", id, err)
	}
	return nil
}

// FinishRun stamps the run's end time.
func (s *Store) FinishRun(id string) error {
	res, err := s.db.Exec(`UPDATE runs SET ended_at = ? WHERE id = ?`, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to finish run %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("run %s not found", id)
	}
	return nil
}

// GetRun loads one run.
func (s *Store) GetRun(id string) (*Run, error) {
	row := s.db.QueryRow(
		`SELECT id, started_at, ended_at, workers, script_dir FROM runs WHERE id = ?`, id,
	)

	var run Run
	var ended sql.NullTime
	if err := row.Scan(&run.ID, &run.StartedAt, &ended, &run.Workers, &run.ScriptDir); err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("run %s not found", id)
		}
		return nil, fmt.Errorf("failed to load run %s: %w", id, err)
	}
	if ended.Valid {
		run.EndedAt = &ended.Time
	}
	return &run, nil
}

// RecordIteration appends one completed iteration to a run. Seq is assigned
// from the current iteration count.
func (s *Store) RecordIteration(runID, batchFile string, duration time.Duration, loss *float64) error {
	var next int
	row := s.db.QueryRow(`SELECT COALESCE(MAX(seq), 0) + 1 FROM iterations WHERE run_id = ?`, runID)
	if err := row.Scan(&next); err != nil {
		return fmt.Errorf("failed to sequence iteration for run %s: %w", runID, err)
	}

	_, err := s.db.Exec(
		`INSERT INTO iterations (run_id, seq, batch_file, duration_ms, loss, recorded_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		runID, next, batchFile, duration.Milliseconds(), loss, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to record iteration for run %s: %w", runID, err)
	}
	return nil
}

// RunIterations returns a run's iterations in sequence order.
func (s *Store) RunIterations(runID string) ([]Iteration, error) {
	rows, err := s.db.Query(
		`SELECT run_id, seq, batch_file, duration_ms, loss, recorded_at
		 FROM iterations WHERE run_id = ? ORDER BY seq`, runID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query iterations for run %s: %w", runID, err)
	}
	defer rows.Close() //nolint:errcheck // Read-only rows

	var iterations []Iteration
	for rows.Next() {
		var it Iteration
		var durationMs int64
		var loss sql.NullFloat64
		if err := rows.Scan(&it.RunID, &it.Seq, &it.BatchFile, &durationMs, &loss, &it.RecordedAt); err != nil {
			return nil, fmt.Errorf("failed to scan iteration: %w", err)
		}
		it.Duration = time.Duration(durationMs) * time.Millisecond
		if loss.Valid {
			it.Loss = &loss.Float64
		}
		iterations = append(iterations, it)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate rows: %w", err)
	}
	return iterations, nil
}
