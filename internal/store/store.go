package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"insight-queue/internal/models"

	sqlite3 "github.com/mattn/go-sqlite3"
)

// Sentinel errors surfaced to callers. Wrapped errors from the driver
// mean the backing store itself is in trouble.
var (
	ErrDuplicateID       = errors.New("job id already exists")
	ErrNotFound          = errors.New("job not found")
	ErrInvalidTransition = errors.New("invalid state transition")
)

// DuplicateError reports which existing job owns the colliding id or
// idempotency key. Matches ErrDuplicateID under errors.Is.
type DuplicateError struct {
	ExistingID string
}

func (e *DuplicateError) Error() string {
	return fmt.Sprintf("job id already exists: %s", e.ExistingID)
}

func (e *DuplicateError) Is(target error) bool {
	return target == ErrDuplicateID
}

// DB wraps the SQL database with helper methods
type DB struct {
	*sql.DB
}

// New opens the job store at path. The DSN enables WAL journaling, a
// busy timeout and immediate transactions so that concurrent claim
// transactions from many workers serialize instead of failing.
func New(path string) (*DB, error) {
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_txlock=immediate", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, err
	}
	return &DB{db}, nil
}

// InitSchema initializes the database schema
func (db *DB) InitSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS jobs (
		id TEXT PRIMARY KEY,
		handler TEXT NOT NULL,
		payload TEXT NOT NULL,
		state TEXT NOT NULL,
		idempotency_key TEXT,
		progress_step TEXT NOT NULL DEFAULT '',
		progress_current INTEGER NOT NULL DEFAULT 0,
		progress_total INTEGER NOT NULL DEFAULT 0,
		progress_message TEXT NOT NULL DEFAULT '',
		result TEXT,
		error_message TEXT,
		attempts INTEGER NOT NULL DEFAULT 0,
		max_attempts INTEGER NOT NULL DEFAULT 4,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL,
		started_at DATETIME,
		finished_at DATETIME,
		not_before DATETIME,
		lease_until DATETIME
	);

	CREATE INDEX IF NOT EXISTS idx_state ON jobs(state);
	CREATE INDEX IF NOT EXISTS idx_created ON jobs(created_at);
	CREATE INDEX IF NOT EXISTS idx_idempotency ON jobs(idempotency_key) WHERE idempotency_key IS NOT NULL;
	CREATE INDEX IF NOT EXISTS idx_not_before ON jobs(not_before) WHERE not_before IS NOT NULL;
	CREATE INDEX IF NOT EXISTS idx_lease ON jobs(lease_until) WHERE lease_until IS NOT NULL;
	`

	_, err := db.Exec(schema)
	return err
}

const jobColumns = `id, handler, payload, state, idempotency_key,
	progress_step, progress_current, progress_total, progress_message,
	result, error_message, attempts, max_attempts,
	created_at, updated_at, started_at, finished_at, not_before, lease_until`

// Put inserts a new job. It fails with ErrDuplicateID when the id is
// taken, or when the idempotency key is already held by a non-terminal
// job.
func (db *DB) Put(job *models.Job) error {
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if job.IdempotencyKey != "" {
		var existingID string
		err := tx.QueryRow(`
			SELECT id FROM jobs
			WHERE idempotency_key = ? AND state NOT IN (?, ?)
			LIMIT 1
		`, job.IdempotencyKey, models.StateCompleted, models.StateFailed).Scan(&existingID)
		if err == nil {
			return &DuplicateError{ExistingID: existingID}
		}
		if err != sql.ErrNoRows {
			return err
		}
	}

	_, err = tx.Exec(`
		INSERT INTO jobs (id, handler, payload, state, idempotency_key,
		                  attempts, max_attempts, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, 0, ?, ?, ?)
	`, job.ID, job.Handler, string(job.Payload), job.State,
		nullString(job.IdempotencyKey), job.MaxAttempts, job.CreatedAt, job.UpdatedAt)
	if err != nil {
		var sqliteErr sqlite3.Error
		if errors.As(err, &sqliteErr) && sqliteErr.Code == sqlite3.ErrConstraint {
			return &DuplicateError{ExistingID: job.ID}
		}
		return err
	}

	return tx.Commit()
}

// Get retrieves a job by its id.
func (db *DB) Get(id string) (*models.Job, error) {
	row := db.QueryRow(`SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	job, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return job, err
}

// List retrieves jobs with optional state filtering, newest first.
func (db *DB) List(state string, limit, offset int) ([]models.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE 1=1`
	args := []interface{}{}

	if state != "" {
		query += " AND state = ?"
		args = append(args, state)
	}

	query += " ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?"
	args = append(args, limit, offset)

	rows, err := db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanJobs(rows)
}

// Counts returns the number of jobs in each state.
func (db *DB) Counts() (models.Counts, error) {
	var counts models.Counts
	rows, err := db.Query("SELECT state, COUNT(*) FROM jobs GROUP BY state")
	if err != nil {
		return counts, err
	}
	defer rows.Close()

	for rows.Next() {
		var state string
		var n int64
		if err := rows.Scan(&state, &n); err != nil {
			return counts, err
		}
		switch state {
		case models.StateQueued:
			counts.Queued = n
		case models.StateActive:
			counts.Active = n
		case models.StateCompleted:
			counts.Completed = n
		case models.StateFailed:
			counts.Failed = n
		}
	}
	return counts, rows.Err()
}

// Metrics retrieves system metrics
func (db *DB) Metrics() (*models.Metrics, error) {
	counts, err := db.Counts()
	if err != nil {
		return nil, err
	}
	metrics := &models.Metrics{
		QueuedJobs:    counts.Queued,
		ActiveJobs:    counts.Active,
		CompletedJobs: counts.Completed,
		FailedJobs:    counts.Failed,
	}
	metrics.TotalJobs = counts.Queued + counts.Active + counts.Completed + counts.Failed
	if err := db.QueryRow("SELECT COALESCE(SUM(attempts), 0) FROM jobs").Scan(&metrics.TotalAttempts); err != nil {
		return nil, err
	}
	return metrics, nil
}

// Remove deletes a job record. Removing an absent job is not an error;
// the returned flag tells the caller whether anything was deleted.
// Active jobs cannot be removed while a worker holds their claim.
func (db *DB) Remove(id string) (bool, error) {
	tx, err := db.Begin()
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	var state string
	err = tx.QueryRow("SELECT state FROM jobs WHERE id = ?", id).Scan(&state)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if state == models.StateActive {
		return false, fmt.Errorf("%w: cannot remove an active job", ErrInvalidTransition)
	}

	if _, err := tx.Exec("DELETE FROM jobs WHERE id = ?", id); err != nil {
		return false, err
	}
	return true, tx.Commit()
}

// Claim atomically leases the oldest claimable job: queued, with any
// backoff delay elapsed. The winning worker gets the job flipped to
// active with attempts incremented; concurrent callers never both win
// the same job. Returns (nil, nil) when nothing is claimable.
func (db *DB) Claim(now, leaseUntil time.Time) (*models.Job, error) {
	tx, err := db.Begin()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	row := tx.QueryRow(`
		SELECT `+jobColumns+`
		FROM jobs
		WHERE state = ? AND (not_before IS NULL OR not_before <= ?)
		ORDER BY created_at ASC, id ASC
		LIMIT 1
	`, models.StateQueued, now)

	job, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	// Progress belongs to a single attempt; a fresh claim starts clean.
	_, err = tx.Exec(`
		UPDATE jobs
		SET state = ?, attempts = attempts + 1, lease_until = ?, not_before = NULL,
		    started_at = COALESCE(started_at, ?), updated_at = ?,
		    progress_step = '', progress_current = 0, progress_total = 0, progress_message = ''
		WHERE id = ?
	`, models.StateActive, leaseUntil, now, now, job.ID)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}

	job.State = models.StateActive
	job.Attempts++
	job.Progress = models.Progress{}
	job.NotBefore = nil
	job.LeaseUntil = &leaseUntil
	if job.StartedAt == nil {
		started := now
		job.StartedAt = &started
	}
	job.UpdatedAt = now
	return job, nil
}

// MarkCompleted transitions an active job to completed with its result.
// The attempt argument fences the write: a worker whose claim was
// reclaimed in the meantime cannot clobber a newer attempt.
func (db *DB) MarkCompleted(id string, attempt int, result json.RawMessage, now time.Time) error {
	return db.finish(id, attempt, models.StateCompleted, string(result), "", now)
}

// MarkFailed transitions an active job to failed with its error message.
func (db *DB) MarkFailed(id string, attempt int, errMsg string, now time.Time) error {
	return db.finish(id, attempt, models.StateFailed, "", errMsg, now)
}

func (db *DB) finish(id string, attempt int, state, result, errMsg string, now time.Time) error {
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	cur, curAttempts, err := currentState(tx, id)
	if err != nil {
		return err
	}
	if !models.CanTransition(cur, state) || curAttempts != attempt {
		return fmt.Errorf("%w: %s -> %s (attempt %d)", ErrInvalidTransition, cur, state, attempt)
	}

	_, err = tx.Exec(`
		UPDATE jobs
		SET state = ?, result = ?, error_message = ?, finished_at = ?, updated_at = ?, lease_until = NULL
		WHERE id = ?
	`, state, nullString(result), nullString(errMsg), now, now, id)
	if err != nil {
		return err
	}
	return tx.Commit()
}

// Requeue cycles an active job back to queued for re-delivery no earlier
// than notBefore. The failure that caused it stays off the record: a
// retryable error is invisible to pollers until retries exhaust.
func (db *DB) Requeue(id string, attempt int, notBefore, now time.Time) error {
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	cur, curAttempts, err := currentState(tx, id)
	if err != nil {
		return err
	}
	if !models.CanTransition(cur, models.StateQueued) || curAttempts != attempt {
		return fmt.Errorf("%w: %s -> %s (attempt %d)", ErrInvalidTransition, cur, models.StateQueued, attempt)
	}

	_, err = tx.Exec(`
		UPDATE jobs
		SET state = ?, error_message = NULL, not_before = ?, updated_at = ?, lease_until = NULL
		WHERE id = ?
	`, models.StateQueued, notBefore, now, id)
	if err != nil {
		return err
	}
	return tx.Commit()
}

// UpdateProgress records the handler's latest progress report and
// extends the claim lease. The total is fixed once set for an attempt,
// and current may never exceed it.
func (db *DB) UpdateProgress(id string, attempt int, p models.Progress, leaseUntil, now time.Time) error {
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var cur string
	var curAttempts, prevTotal int
	err = tx.QueryRow("SELECT state, attempts, progress_total FROM jobs WHERE id = ?", id).
		Scan(&cur, &curAttempts, &prevTotal)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	if cur != models.StateActive || curAttempts != attempt {
		return fmt.Errorf("%w: progress on %s job (attempt %d)", ErrInvalidTransition, cur, attempt)
	}
	if prevTotal > 0 && p.Total != prevTotal {
		return fmt.Errorf("%w: progress total changed from %d to %d", ErrInvalidTransition, prevTotal, p.Total)
	}
	if p.Total > 0 && p.Current > p.Total {
		return fmt.Errorf("%w: progress %d/%d", ErrInvalidTransition, p.Current, p.Total)
	}

	_, err = tx.Exec(`
		UPDATE jobs
		SET progress_step = ?, progress_current = ?, progress_total = ?, progress_message = ?,
		    lease_until = ?, updated_at = ?
		WHERE id = ?
	`, p.Step, p.Current, p.Total, p.Message, leaseUntil, now, id)
	if err != nil {
		return err
	}
	return tx.Commit()
}

// Heartbeat extends the lease on an active job without touching progress.
func (db *DB) Heartbeat(id string, attempt int, leaseUntil time.Time) error {
	res, err := db.Exec(`
		UPDATE jobs SET lease_until = ?
		WHERE id = ? AND state = ? AND attempts = ?
	`, leaseUntil, id, models.StateActive, attempt)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: heartbeat on unclaimed job", ErrInvalidTransition)
	}
	return nil
}

// FindStalled returns active jobs whose lease expired without a
// heartbeat, oldest lease first.
func (db *DB) FindStalled(now time.Time) ([]models.Job, error) {
	rows, err := db.Query(`
		SELECT `+jobColumns+`
		FROM jobs
		WHERE state = ? AND lease_until IS NOT NULL AND lease_until < ?
		ORDER BY lease_until ASC
	`, models.StateActive, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanJobs(rows)
}

// PruneTerminal enforces the retention policy over completed and failed
// jobs: everything finished before the age cutoff goes, and at most
// maxCount terminal records are kept (newest first). Zero disables a
// bound. Returns the number of deleted records.
func (db *DB) PruneTerminal(maxAge time.Duration, maxCount int, now time.Time) (int64, error) {
	var pruned int64

	if maxAge > 0 {
		cutoff := now.Add(-maxAge)
		res, err := db.Exec(`
			DELETE FROM jobs
			WHERE state IN (?, ?) AND finished_at < ?
		`, models.StateCompleted, models.StateFailed, cutoff)
		if err != nil {
			return pruned, err
		}
		n, _ := res.RowsAffected()
		pruned += n
	}

	if maxCount > 0 {
		res, err := db.Exec(`
			DELETE FROM jobs
			WHERE state IN (?, ?) AND id NOT IN (
				SELECT id FROM jobs
				WHERE state IN (?, ?)
				ORDER BY finished_at DESC
				LIMIT ?
			)
		`, models.StateCompleted, models.StateFailed,
			models.StateCompleted, models.StateFailed, maxCount)
		if err != nil {
			return pruned, err
		}
		n, _ := res.RowsAffected()
		pruned += n
	}

	return pruned, nil
}

// Helper functions

func currentState(tx *sql.Tx, id string) (string, int, error) {
	var state string
	var attempts int
	err := tx.QueryRow("SELECT state, attempts FROM jobs WHERE id = ?", id).Scan(&state, &attempts)
	if err == sql.ErrNoRows {
		return "", 0, ErrNotFound
	}
	return state, attempts, err
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanJob(row rowScanner) (*models.Job, error) {
	var job models.Job
	var idempotencyKey, result, errorMessage sql.NullString
	var startedAt, finishedAt, notBefore, leaseUntil sql.NullTime
	var payload string

	err := row.Scan(&job.ID, &job.Handler, &payload, &job.State, &idempotencyKey,
		&job.Progress.Step, &job.Progress.Current, &job.Progress.Total, &job.Progress.Message,
		&result, &errorMessage, &job.Attempts, &job.MaxAttempts,
		&job.CreatedAt, &job.UpdatedAt, &startedAt, &finishedAt, &notBefore, &leaseUntil)
	if err != nil {
		return nil, err
	}

	job.Payload = json.RawMessage(payload)
	if idempotencyKey.Valid {
		job.IdempotencyKey = idempotencyKey.String
	}
	if result.Valid {
		job.Result = json.RawMessage(result.String)
	}
	if errorMessage.Valid {
		job.ErrorMessage = errorMessage.String
	}
	if startedAt.Valid {
		t := startedAt.Time
		job.StartedAt = &t
	}
	if finishedAt.Valid {
		t := finishedAt.Time
		job.FinishedAt = &t
	}
	if notBefore.Valid {
		t := notBefore.Time
		job.NotBefore = &t
	}
	if leaseUntil.Valid {
		t := leaseUntil.Time
		job.LeaseUntil = &t
	}

	return &job, nil
}

func scanJobs(rows *sql.Rows) ([]models.Job, error) {
	jobs := []models.Job{}
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, *job)
	}
	return jobs, rows.Err()
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{Valid: false}
	}
	return sql.NullString{String: s, Valid: true}
}
