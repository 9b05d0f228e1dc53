// Package persistence is the daemon's run-history store: one sqlite
// database per project recording task runs, stage results, validator
// results, and QA iterations. The plan files stay authoritative for live
// state; this store answers "what happened" after the fact.
package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const (
	schemaVersionLatest  = 1
	schemaChecksumLatest = "fm-v1-2026-08-run-history"
)

// TaskRun is one daemon-supervised execution of a task.
type TaskRun struct {
	RunID       string     `json:"run_id"`
	SpecID      string     `json:"spec_id"`
	Kind        string     `json:"kind"`
	Pipeline    string     `json:"pipeline"`
	PID         int        `json:"pid"`
	Outcome     string     `json:"outcome"` // running, done, human_review, error, stuck
	Recovery    int        `json:"recovery"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// StageResult is one stage execution inside a run.
type StageResult struct {
	ID         int64     `json:"id"`
	RunID      string    `json:"run_id"`
	Stage      string    `json:"stage"`
	Attempt    int       `json:"attempt"`
	OK         bool      `json:"ok"`
	Error      string    `json:"error,omitempty"`
	DurationMs int64     `json:"duration_ms"`
	CreatedAt  time.Time `json:"created_at"`
}

// ValidatorRecord is one validator result inside a QA iteration.
type ValidatorRecord struct {
	ID         int64  `json:"id"`
	RunID      string `json:"run_id"`
	Iteration  int    `json:"iteration"`
	Name       string `json:"name"`
	Passed     bool   `json:"passed"`
	Skipped    bool   `json:"skipped"`
	Severity   string `json:"severity,omitempty"`
	Summary    string `json:"summary"`
	DurationMs int64  `json:"duration_ms"`
}

// QAIteration is one review/fix cycle.
type QAIteration struct {
	ID        int64     `json:"id"`
	RunID     string    `json:"run_id"`
	Iteration int       `json:"iteration"`
	Verdict   string    `json:"verdict"` // approved, rejected, needs_attention
	Issues    string    `json:"issues"`  // JSON list
	CreatedAt time.Time `json:"created_at"`
}

// Store wraps the sqlite database.
type Store struct {
	db *sql.DB
}

// Open creates or upgrades the run-history database.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}
	dsn := fmt.Sprintf("%s?_busy_timeout=5000&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite3: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &Store{db: db}
	if err := s.configurePragmas(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := s.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) configurePragmas(ctx context.Context) error {
	for _, q := range []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=FULL;",
	} {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("set pragma %q: %w", q, err)
		}
	}
	return nil
}

func (s *Store) initSchema(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			checksum TEXT NOT NULL,
			applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
	`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	var maxVersion int
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations;`).Scan(&maxVersion); err != nil {
		return fmt.Errorf("read migration max version: %w", err)
	}
	if maxVersion > schemaVersionLatest {
		return fmt.Errorf("db schema version %d is newer than supported %d", maxVersion, schemaVersionLatest)
	}
	if maxVersion == schemaVersionLatest {
		var checksum string
		if err := tx.QueryRowContext(ctx, `SELECT checksum FROM schema_migrations WHERE version = ?;`, schemaVersionLatest).Scan(&checksum); err != nil {
			return fmt.Errorf("read schema checksum: %w", err)
		}
		if checksum != schemaChecksumLatest {
			return fmt.Errorf("schema checksum mismatch for version %d: got %q want %q", schemaVersionLatest, checksum, schemaChecksumLatest)
		}
		return tx.Commit()
	}

	statements := []string{
		`CREATE TABLE IF NOT EXISTS task_runs (
			run_id TEXT PRIMARY KEY,
			spec_id TEXT NOT NULL,
			kind TEXT NOT NULL,
			pipeline TEXT NOT NULL,
			pid INTEGER NOT NULL DEFAULT 0,
			outcome TEXT NOT NULL CHECK(outcome IN ('running', 'done', 'human_review', 'error', 'stuck', 'cancelled')),
			recovery INTEGER NOT NULL DEFAULT 0,
			started_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			completed_at DATETIME
		);`,
		`CREATE TABLE IF NOT EXISTS stage_results (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id TEXT NOT NULL REFERENCES task_runs(run_id) ON DELETE CASCADE,
			stage TEXT NOT NULL,
			attempt INTEGER NOT NULL DEFAULT 1,
			ok INTEGER NOT NULL,
			error TEXT,
			duration_ms INTEGER NOT NULL DEFAULT 0,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS validator_results (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id TEXT NOT NULL REFERENCES task_runs(run_id) ON DELETE CASCADE,
			iteration INTEGER NOT NULL,
			name TEXT NOT NULL,
			passed INTEGER NOT NULL,
			skipped INTEGER NOT NULL DEFAULT 0,
			severity TEXT,
			summary TEXT NOT NULL DEFAULT '',
			duration_ms INTEGER NOT NULL DEFAULT 0
		);`,
		`CREATE TABLE IF NOT EXISTS qa_iterations (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id TEXT NOT NULL REFERENCES task_runs(run_id) ON DELETE CASCADE,
			iteration INTEGER NOT NULL,
			verdict TEXT NOT NULL CHECK(verdict IN ('approved', 'rejected', 'needs_attention')),
			issues TEXT NOT NULL DEFAULT '[]',
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE INDEX IF NOT EXISTS idx_task_runs_spec ON task_runs(spec_id, started_at DESC);`,
		`CREATE INDEX IF NOT EXISTS idx_stage_results_run ON stage_results(run_id, id);`,
		`CREATE INDEX IF NOT EXISTS idx_validator_results_run ON validator_results(run_id, iteration);`,
		`CREATE INDEX IF NOT EXISTS idx_qa_iterations_run ON qa_iterations(run_id, iteration);`,
	}
	for _, stmt := range statements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("exec migration: %w", err)
		}
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT OR REPLACE INTO schema_migrations (version, checksum) VALUES (?, ?);
	`, schemaVersionLatest, schemaChecksumLatest); err != nil {
		return fmt.Errorf("insert schema migration ledger: %w", err)
	}
	return tx.Commit()
}

// retryOnBusy retries f on SQLite BUSY/LOCKED with jittered backoff.
func retryOnBusy(ctx context.Context, maxRetries int, f func() error) error {
	const baseDelay = 50 * time.Millisecond
	const maxDelay = 500 * time.Millisecond

	var err error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err = f()
		if err == nil || !isSQLiteBusy(err) || attempt == maxRetries {
			return err
		}
		delay := baseDelay << uint(attempt)
		if delay > maxDelay {
			delay = maxDelay
		}
		jitter := time.Duration(rand.IntN(int(delay / 2)))
		delay = delay - delay/4 + jitter
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return err
}

func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "(5)") ||
		strings.Contains(msg, "(6)")
}

// BeginRun records the start of a supervised execution.
func (s *Store) BeginRun(ctx context.Context, run TaskRun) error {
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO task_runs (run_id, spec_id, kind, pipeline, pid, outcome, recovery, started_at)
			VALUES (?, ?, ?, ?, ?, 'running', ?, CURRENT_TIMESTAMP);
		`, run.RunID, run.SpecID, run.Kind, run.Pipeline, run.PID, run.Recovery)
		if err != nil {
			return fmt.Errorf("insert task run: %w", err)
		}
		return nil
	})
}

// FinishRun stamps the terminal outcome.
func (s *Store) FinishRun(ctx context.Context, runID, outcome string) error {
	return retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE task_runs SET outcome = ?, completed_at = CURRENT_TIMESTAMP
			WHERE run_id = ? AND outcome = 'running';
		`, outcome, runID)
		if err != nil {
			return fmt.Errorf("finish task run: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if affected != 1 {
			return fmt.Errorf("run %s not running", runID)
		}
		return nil
	})
}

// RecordStage appends one stage execution result.
func (s *Store) RecordStage(ctx context.Context, r StageResult) error {
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO stage_results (run_id, stage, attempt, ok, error, duration_ms)
			VALUES (?, ?, ?, ?, NULLIF(?, ''), ?);
		`, r.RunID, r.Stage, r.Attempt, boolInt(r.OK), r.Error, r.DurationMs)
		if err != nil {
			return fmt.Errorf("insert stage result: %w", err)
		}
		return nil
	})
}

// RecordValidator appends one validator result.
func (s *Store) RecordValidator(ctx context.Context, r ValidatorRecord) error {
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO validator_results (run_id, iteration, name, passed, skipped, severity, summary, duration_ms)
			VALUES (?, ?, ?, ?, ?, NULLIF(?, ''), ?, ?);
		`, r.RunID, r.Iteration, r.Name, boolInt(r.Passed), boolInt(r.Skipped), r.Severity, r.Summary, r.DurationMs)
		if err != nil {
			return fmt.Errorf("insert validator result: %w", err)
		}
		return nil
	})
}

// RecordQAIteration appends one review verdict.
func (s *Store) RecordQAIteration(ctx context.Context, r QAIteration) error {
	if r.Issues == "" {
		r.Issues = "[]"
	}
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO qa_iterations (run_id, iteration, verdict, issues)
			VALUES (?, ?, ?, ?);
		`, r.RunID, r.Iteration, r.Verdict, r.Issues)
		if err != nil {
			return fmt.Errorf("insert qa iteration: %w", err)
		}
		return nil
	})
}

// RunsForSpec lists runs newest-first.
func (s *Store) RunsForSpec(ctx context.Context, specID string, limit int) ([]TaskRun, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT run_id, spec_id, kind, pipeline, pid, outcome, recovery, started_at, completed_at
		FROM task_runs
		WHERE spec_id = ?
		ORDER BY started_at DESC
		LIMIT ?;
	`, specID, limit)
	if err != nil {
		return nil, fmt.Errorf("query task runs: %w", err)
	}
	defer rows.Close()

	var out []TaskRun
	for rows.Next() {
		var run TaskRun
		var completed sql.NullTime
		if err := rows.Scan(&run.RunID, &run.SpecID, &run.Kind, &run.Pipeline, &run.PID, &run.Outcome, &run.Recovery, &run.StartedAt, &completed); err != nil {
			return nil, fmt.Errorf("scan task run: %w", err)
		}
		if completed.Valid {
			t := completed.Time
			run.CompletedAt = &t
		}
		out = append(out, run)
	}
	return out, rows.Err()
}

// StagesForRun lists stage results in execution order.
func (s *Store) StagesForRun(ctx context.Context, runID string) ([]StageResult, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, run_id, stage, attempt, ok, COALESCE(error, ''), duration_ms, created_at
		FROM stage_results
		WHERE run_id = ?
		ORDER BY id ASC;
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("query stage results: %w", err)
	}
	defer rows.Close()

	var out []StageResult
	for rows.Next() {
		var r StageResult
		var ok int
		if err := rows.Scan(&r.ID, &r.RunID, &r.Stage, &r.Attempt, &ok, &r.Error, &r.DurationMs, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan stage result: %w", err)
		}
		r.OK = ok != 0
		out = append(out, r)
	}
	return out, rows.Err()
}

// CompletedCount reports terminal-success runs, feeding the status stats.
func (s *Store) CompletedCount(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(1) FROM task_runs WHERE outcome IN ('done', 'human_review');
	`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("completed count: %w", err)
	}
	return n, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
