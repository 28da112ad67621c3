package store

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/snapcap/pkg/logger"
)

const schema = `
CREATE TABLE IF NOT EXISTS jobs (
	id             TEXT PRIMARY KEY,
	source_path    TEXT NOT NULL UNIQUE,
	kind           TEXT NOT NULL,
	state          TEXT NOT NULL DEFAULT 'pending',
	position       INTEGER NOT NULL,
	attempts       INTEGER NOT NULL DEFAULT 0,
	last_error     TEXT NOT NULL DEFAULT '',
	result_path    TEXT NOT NULL DEFAULT '',
	model          TEXT NOT NULL DEFAULT '',
	prompt_version TEXT NOT NULL DEFAULT '',
	created_at     DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	claimed_at     DATETIME,
	finished_at    DATETIME
);
CREATE INDEX IF NOT EXISTS idx_jobs_state_position ON jobs(state, position);
`

// Store is the durable job queue. All state transitions go through its
// methods; a single connection serializes writers so claims stay exclusive.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the queue database at path and recovers any jobs
// interrupted by a previous crash: in_progress rows are reset to pending.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open queue db: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate queue db: %w", err)
	}

	s := &Store{db: db}
	if err := s.recover(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// recover resets interrupted jobs. A job found in_progress at load time was
// never completed, so it must run again.
func (s *Store) recover() error {
	res, err := s.db.Exec(`
		UPDATE jobs SET state = 'pending', claimed_at = NULL
		WHERE state = 'in_progress'
	`)
	if err != nil {
		return fmt.Errorf("recover interrupted jobs: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		logger.Infof("♻️  Recovered %d interrupted job(s) back to pending", n)
	}
	return nil
}

// Populate inserts jobs keyed by their stable ID, preserving the given
// order. Jobs already present are left untouched, so a done job never
// regresses to pending on re-scan. Returns the number of newly added rows.
func (s *Store) Populate(jobs []Job) (int, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("begin populate: %w", err)
	}
	defer tx.Rollback()

	var next int
	if err := tx.QueryRow(`SELECT COALESCE(MAX(position), -1) + 1 FROM jobs`).Scan(&next); err != nil {
		return 0, fmt.Errorf("next position: %w", err)
	}

	added := 0
	for _, job := range jobs {
		state := job.State
		if state == "" {
			state = StatePending
		}
		res, err := tx.Exec(`
			INSERT OR IGNORE INTO jobs (id, source_path, kind, state, position, result_path)
			VALUES (?, ?, ?, ?, ?, ?)
		`, job.ID, job.SourcePath, job.Kind, state, next, job.ResultPath)
		if err != nil {
			return 0, fmt.Errorf("insert job %s: %w", job.ID, err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			added++
			next++
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit populate: %w", err)
	}
	return added, nil
}

// ClaimNext atomically transitions the oldest pending job to in_progress
// and returns it. Returns nil when no pending job remains. No two callers
// can receive the same job.
func (s *Store) ClaimNext() (*Job, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("begin claim: %w", err)
	}
	defer tx.Rollback()

	job, err := scanJob(tx.QueryRow(`
		SELECT `+jobColumns+` FROM jobs
		WHERE state = 'pending'
		ORDER BY position ASC
		LIMIT 1
	`))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("select pending job: %w", err)
	}

	now := time.Now()
	if _, err := tx.Exec(`
		UPDATE jobs SET state = 'in_progress', claimed_at = ? WHERE id = ?
	`, now, job.ID); err != nil {
		return nil, fmt.Errorf("claim job %s: %w", job.ID, err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit claim: %w", err)
	}

	job.State = StateInProgress
	job.ClaimedAt = &now
	return job, nil
}

// Complete marks a job done with its caption result. Re-applying the same
// result to an already-done job is a no-op; a conflicting result is an error.
func (s *Store) Complete(id string, result Result) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin complete: %w", err)
	}
	defer tx.Rollback()

	var state State
	var resultPath string
	err = tx.QueryRow(`SELECT state, result_path FROM jobs WHERE id = ?`, id).Scan(&state, &resultPath)
	if err == sql.ErrNoRows {
		return fmt.Errorf("complete: job not found: %s", id)
	}
	if err != nil {
		return fmt.Errorf("complete: query job %s: %w", id, err)
	}

	if state == StateDone {
		if resultPath == result.Path {
			return nil
		}
		return fmt.Errorf("complete: job %s already done with different result %s", id, resultPath)
	}

	if _, err := tx.Exec(`
		UPDATE jobs
		SET state = 'done', result_path = ?, model = ?, prompt_version = ?,
		    attempts = ?, last_error = '', finished_at = ?
		WHERE id = ?
	`, result.Path, result.Model, result.PromptVersion, result.Attempts, time.Now(), id); err != nil {
		return fmt.Errorf("complete job %s: %w", id, err)
	}

	return tx.Commit()
}

// Fail marks a job failed with its last error. Re-applying the same failure
// to an already-failed job is a no-op.
func (s *Store) Fail(id string, lastErr string, attempts int) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin fail: %w", err)
	}
	defer tx.Rollback()

	var state State
	var prevErr string
	err = tx.QueryRow(`SELECT state, last_error FROM jobs WHERE id = ?`, id).Scan(&state, &prevErr)
	if err == sql.ErrNoRows {
		return fmt.Errorf("fail: job not found: %s", id)
	}
	if err != nil {
		return fmt.Errorf("fail: query job %s: %w", id, err)
	}

	if state == StateDone {
		return fmt.Errorf("fail: job %s already done", id)
	}
	if state == StateFailed && prevErr == lastErr {
		return nil
	}

	if _, err := tx.Exec(`
		UPDATE jobs SET state = 'failed', last_error = ?, attempts = ?, finished_at = ?
		WHERE id = ?
	`, lastErr, attempts, time.Now(), id); err != nil {
		return fmt.Errorf("fail job %s: %w", id, err)
	}

	return tx.Commit()
}

// Release returns a claimed job to pending without recording an attempt.
// Used when a run is cancelled after the claim but before a terminal
// outcome, so the job stays eligible for a future resume.
func (s *Store) Release(id string) error {
	_, err := s.db.Exec(`
		UPDATE jobs SET state = 'pending', claimed_at = NULL
		WHERE id = ? AND state = 'in_progress'
	`, id)
	if err != nil {
		return fmt.Errorf("release job %s: %w", id, err)
	}
	return nil
}

// RequeueFailed moves every failed job back to pending and returns how many
// were reset.
func (s *Store) RequeueFailed() (int, error) {
	res, err := s.db.Exec(`
		UPDATE jobs
		SET state = 'pending', last_error = '', attempts = 0,
		    claimed_at = NULL, finished_at = NULL
		WHERE state = 'failed'
	`)
	if err != nil {
		return 0, fmt.Errorf("requeue failed jobs: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// Recaption resets a single job to pending regardless of its current state.
// This is the only path by which a done job goes back to pending.
func (s *Store) Recaption(id string) error {
	res, err := s.db.Exec(`
		UPDATE jobs
		SET state = 'pending', last_error = '', attempts = 0, result_path = '',
		    claimed_at = NULL, finished_at = NULL
		WHERE id = ?
	`, id)
	if err != nil {
		return fmt.Errorf("recaption job %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("recaption: job not found: %s", id)
	}
	return nil
}

// Get returns one job by ID.
func (s *Store) Get(id string) (*Job, error) {
	job, err := scanJob(s.db.QueryRow(`SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("job not found: %s", id)
	}
	if err != nil {
		return nil, fmt.Errorf("query job %s: %w", id, err)
	}
	return job, nil
}

// List returns all jobs in queue order.
func (s *Store) List() ([]Job, error) {
	rows, err := s.db.Query(`SELECT ` + jobColumns + ` FROM jobs ORDER BY position ASC`)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, *job)
	}
	return jobs, rows.Err()
}

// ListByState returns jobs in the given state, in queue order.
func (s *Store) ListByState(state State) ([]Job, error) {
	rows, err := s.db.Query(`
		SELECT `+jobColumns+` FROM jobs WHERE state = ? ORDER BY position ASC
	`, state)
	if err != nil {
		return nil, fmt.Errorf("list %s jobs: %w", state, err)
	}
	defer rows.Close()

	var jobs []Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, *job)
	}
	return jobs, rows.Err()
}

// Stats returns queue composition by state.
func (s *Store) Stats() (Stats, error) {
	var stats Stats
	rows, err := s.db.Query(`SELECT state, COUNT(*) FROM jobs GROUP BY state`)
	if err != nil {
		return stats, fmt.Errorf("queue stats: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var state string
		var count int
		if err := rows.Scan(&state, &count); err != nil {
			return stats, fmt.Errorf("scan stats: %w", err)
		}
		stats.Total += count
		switch State(state) {
		case StatePending:
			stats.Pending = count
		case StateInProgress:
			stats.InProgress = count
		case StateDone:
			stats.Done = count
		case StateFailed:
			stats.Failed = count
		}
	}
	return stats, rows.Err()
}

const jobColumns = `id, source_path, kind, state, position, attempts, last_error,
	result_path, model, prompt_version, created_at, claimed_at, finished_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*Job, error) {
	var job Job
	var claimedAt, finishedAt sql.NullTime
	err := row.Scan(
		&job.ID, &job.SourcePath, &job.Kind, &job.State, &job.Position,
		&job.Attempts, &job.LastError, &job.ResultPath, &job.Model,
		&job.PromptVersion, &job.CreatedAt, &claimedAt, &finishedAt,
	)
	if err != nil {
		return nil, err
	}
	if claimedAt.Valid {
		job.ClaimedAt = &claimedAt.Time
	}
	if finishedAt.Valid {
		job.FinishedAt = &finishedAt.Time
	}
	return &job, nil
}
