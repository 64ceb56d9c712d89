package async

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/teranos/studioos/errors"
)

// Store persists jobs. Every state change is a compare-and-set on
// (state, attempts) so concurrent writers cannot both win.
type Store struct {
	db *sql.DB
}

// NewStore creates a job store over a migrated database
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

const defaultListLimit = 50

// JobFilter narrows ListJobs. Zero values mean "any".
type JobFilter struct {
	State     JobState
	Type      string
	ProjectID string
	Since     time.Time
	Until     time.Time
	Limit     int
	Offset    int
}

const insertJobSQL = `
	INSERT INTO jobs (
		id, type, priority, state, project_id, asset_ids, parameters, outputs,
		progress_phase, progress_percent, progress_message, attempts, max_attempts,
		error, error_code, rerun_of, run_after, attempt_started_at,
		created_at, started_at, completed_at, updated_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

func insertJob(ctx context.Context, ex execer, job *Job) error {
	assets, err := marshalStrings(job.AssetIDs)
	if err != nil {
		return errors.Wrap(err, "failed to marshal asset ids")
	}
	outputs, err := marshalStrings(job.Outputs)
	if err != nil {
		return errors.Wrap(err, "failed to marshal outputs")
	}

	_, err = ex.ExecContext(ctx, insertJobSQL,
		job.ID,
		job.Type,
		int(job.Priority),
		string(job.State),
		nullString(job.ProjectID),
		assets,
		parametersColumn(job.Parameters),
		outputs,
		job.Progress.Phase,
		job.Progress.Percent,
		job.Progress.Message,
		job.Attempts,
		job.MaxAttempts,
		nullString(job.Error),
		nullString(string(job.ErrorCode)),
		nullString(job.RerunOf),
		nullTime(job.RunAfter),
		nullTime(job.AttemptStartedAt),
		job.CreatedAt.UTC(),
		nullTime(job.StartedAt),
		nullTime(job.CompletedAt),
		job.UpdatedAt.UTC(),
	)
	if err != nil {
		return errors.Wrapf(err, "failed to create job %s", job.ID)
	}
	return nil
}

// CreateJob inserts a new job
func (s *Store) CreateJob(ctx context.Context, job *Job) error {
	return insertJob(ctx, s.db, job)
}

// CreateJobBounded inserts a job unless capacity jobs are already queued.
// The count and insert share one transaction, so the bound holds across
// processes sharing the database.
func (s *Store) CreateJobBounded(ctx context.Context, job *Job, capacity int) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "failed to begin submit transaction")
	}
	defer tx.Rollback()

	if capacity > 0 {
		var queued int
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM jobs WHERE state = ?`, string(StateQueued)).Scan(&queued); err != nil {
			return errors.Wrap(err, "failed to count queued jobs")
		}
		if queued >= capacity {
			return errors.WithHintf(
				errors.Wrapf(errors.ErrCapacity, "%d jobs already queued", queued),
				"queue capacity is %d; retry later or raise engine.queue_capacity", capacity)
		}
	}

	if err := insertJob(ctx, tx, job); err != nil {
		return err
	}
	return errors.Wrap(tx.Commit(), "failed to commit submit transaction")
}

// GetJob retrieves a job by ID
func (s *Store) GetJob(ctx context.Context, id string) (*Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.Wrapf(errors.ErrNotFound, "job %s", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to get job")
	}
	return job, nil
}

// Transition persists job (already mutated to its new state) only if the
// stored row is still in state `from` with `fromAttempts` attempts, and sets
// job.Revision to the stored revision. A lost race returns ErrConflict.
func (s *Store) Transition(ctx context.Context, job *Job, from JobState, fromAttempts int) error {
	if !CanTransition(from, job.State) {
		return errors.WithDetail(
			errors.Wrapf(errors.ErrConflict, "illegal transition %s -> %s", from, job.State),
			fmt.Sprintf("Job ID: %s", job.ID))
	}
	if job.Attempts > job.MaxAttempts {
		return errors.AssertionFailedf("job %s attempts %d exceed max %d", job.ID, job.Attempts, job.MaxAttempts)
	}

	outputs, err := marshalStrings(job.Outputs)
	if err != nil {
		return errors.Wrap(err, "failed to marshal outputs")
	}

	row := s.db.QueryRowContext(ctx, `
		UPDATE jobs
		SET state = ?,
		    outputs = ?,
		    progress_phase = ?,
		    progress_percent = ?,
		    progress_message = ?,
		    attempts = ?,
		    error = ?,
		    error_code = ?,
		    run_after = ?,
		    attempt_started_at = ?,
		    started_at = ?,
		    completed_at = ?,
		    updated_at = ?,
		    revision = revision + 1
		WHERE id = ? AND state = ? AND attempts = ?
		RETURNING revision`,
		string(job.State),
		outputs,
		job.Progress.Phase,
		job.Progress.Percent,
		job.Progress.Message,
		job.Attempts,
		nullString(job.Error),
		nullString(string(job.ErrorCode)),
		nullTime(job.RunAfter),
		nullTime(job.AttemptStartedAt),
		nullTime(job.StartedAt),
		nullTime(job.CompletedAt),
		job.UpdatedAt.UTC(),
		job.ID,
		string(from),
		fromAttempts,
	)

	var revision int64
	err = row.Scan(&revision)
	if errors.Is(err, sql.ErrNoRows) {
		return errors.WithDetail(
			errors.Wrapf(errors.ErrConflict, "job %s is no longer %s (attempt %d)", job.ID, from, fromAttempts),
			fmt.Sprintf("Job ID: %s", job.ID))
	}
	if err != nil {
		return errors.Wrapf(err, "failed to transition job %s", job.ID)
	}
	job.Revision = revision
	return nil
}

// UpdateProgress records progress for the running attempt and returns the
// stored progress and revision. It refuses to lower the percent and fails
// with ErrConflict once the attempt is no longer running (cancelled, timed
// out, or superseded).
func (s *Store) UpdateProgress(ctx context.Context, id string, attempt int, p Progress, now time.Time) (Progress, int64, error) {
	row := s.db.QueryRowContext(ctx, `
		UPDATE jobs
		SET progress_phase = ?, progress_percent = MAX(progress_percent, ?), progress_message = ?,
		    updated_at = ?, revision = revision + 1
		WHERE id = ? AND state = ? AND attempts = ?
		RETURNING progress_percent, revision`,
		p.Phase, p.Percent, p.Message, now.UTC(),
		id, string(StateRunning), attempt,
	)
	var revision int64
	err := row.Scan(&p.Percent, &revision)
	if errors.Is(err, sql.ErrNoRows) {
		return Progress{}, 0, errors.Wrapf(errors.ErrConflict, "job %s attempt %d is not running", id, attempt)
	}
	if err != nil {
		return Progress{}, 0, errors.Wrapf(err, "failed to update progress for job %s", id)
	}
	return p, revision, nil
}

// ListJobs returns a page of jobs (newest first) and the total matching count
func (s *Store) ListJobs(ctx context.Context, f JobFilter) ([]*Job, int, error) {
	var where []string
	var args []interface{}

	if f.State != "" {
		where = append(where, "state = ?")
		args = append(args, string(f.State))
	}
	if f.Type != "" {
		where = append(where, "type = ?")
		args = append(args, f.Type)
	}
	if f.ProjectID != "" {
		where = append(where, "project_id = ?")
		args = append(args, f.ProjectID)
	}
	if !f.Since.IsZero() {
		where = append(where, "created_at >= ?")
		args = append(args, f.Since.UTC())
	}
	if !f.Until.IsZero() {
		where = append(where, "created_at < ?")
		args = append(args, f.Until.UTC())
	}

	clause := ""
	if len(where) > 0 {
		clause = " WHERE " + strings.Join(where, " AND ")
	}

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM jobs`+clause, args...).Scan(&total); err != nil {
		return nil, 0, errors.Wrap(err, "failed to count jobs")
	}

	limit := f.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	pageArgs := append(append([]interface{}{}, args...), limit, f.Offset)
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+jobColumns+` FROM jobs`+clause+` ORDER BY created_at DESC, rowid DESC LIMIT ? OFFSET ?`,
		pageArgs...)
	if err != nil {
		return nil, 0, errors.Wrap(err, "failed to list jobs")
	}
	defer rows.Close()

	jobs, err := scanJobs(rows, "jobs")
	if err != nil {
		return nil, 0, err
	}
	return jobs, total, nil
}

// ListByState returns jobs in a state, oldest first
func (s *Store) ListByState(ctx context.Context, state JobState, limit int) ([]*Job, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE state = ? ORDER BY created_at ASC, rowid ASC LIMIT ?`,
		string(state), limit)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to list %s jobs", state)
	}
	defer rows.Close()
	return scanJobs(rows, string(state)+" jobs")
}

// ListQueued returns queued jobs in dispatch order
func (s *Store) ListQueued(ctx context.Context, limit int) ([]*Job, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE state = ? ORDER BY priority ASC, created_at ASC, rowid ASC LIMIT ?`,
		string(StateQueued), limit)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list queued jobs")
	}
	defer rows.Close()
	return scanJobs(rows, "queued jobs")
}

// ListDueRetries returns retrying jobs whose backoff has elapsed
func (s *Store) ListDueRetries(ctx context.Context, now time.Time, limit int) ([]*Job, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+jobColumns+` FROM jobs
		 WHERE state = ? AND (run_after IS NULL OR run_after <= ?)
		 ORDER BY run_after ASC, rowid ASC LIMIT ?`,
		string(StateRetrying), now.UTC(), limit)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list due retries")
	}
	defer rows.Close()
	return scanJobs(rows, "due retries")
}

// ListStuck returns running jobs whose current attempt started before cutoff
func (s *Store) ListStuck(ctx context.Context, cutoff time.Time, limit int) ([]*Job, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+jobColumns+` FROM jobs
		 WHERE state = ? AND attempt_started_at IS NOT NULL AND attempt_started_at < ?
		 ORDER BY attempt_started_at ASC LIMIT ?`,
		string(StateRunning), cutoff.UTC(), limit)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list stuck jobs")
	}
	defer rows.Close()
	return scanJobs(rows, "stuck jobs")
}

// CountByState returns the number of jobs in each state
func (s *Store) CountByState(ctx context.Context) (map[JobState]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT state, COUNT(*) FROM jobs GROUP BY state`)
	if err != nil {
		return nil, errors.Wrap(err, "failed to count jobs by state")
	}
	defer rows.Close()

	counts := make(map[JobState]int)
	for rows.Next() {
		var state string
		var n int
		if err := rows.Scan(&state, &n); err != nil {
			return nil, errors.Wrap(err, "failed to scan job count")
		}
		counts[JobState(state)] = n
	}
	return counts, rows.Err()
}

// CleanupOldJobs deletes terminal jobs completed before cutoff
func (s *Store) CleanupOldJobs(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM jobs WHERE state IN (?, ?, ?) AND completed_at < ?`,
		string(StateCompleted), string(StateFailed), string(StateCancelled), cutoff.UTC())
	if err != nil {
		return 0, errors.Wrap(err, "failed to clean up old jobs")
	}
	return res.RowsAffected()
}
