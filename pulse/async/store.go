package async

import (
	"context"
	"database/sql"
	"time"

	"github.com/teranos/nebular/errors"
)

// Store handles persistence of pull jobs and their runs
type Store struct {
	db *sql.DB
}

// NewStore creates a new job store
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// UpsertJob inserts a job or updates the mutable fields of an existing one.
// cancel_requested only ever goes from 0 to 1.
func (s *Store) UpsertJob(ctx context.Context, job *Job) error {
	query := `
		INSERT INTO pull_jobs (
			id, source_id, status, attempt_count, max_attempts,
			next_attempt_at, cancel_requested, last_error,
			created_at, updated_at, finished_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			attempt_count = excluded.attempt_count,
			max_attempts = excluded.max_attempts,
			next_attempt_at = excluded.next_attempt_at,
			cancel_requested = MAX(pull_jobs.cancel_requested, excluded.cancel_requested),
			last_error = excluded.last_error,
			updated_at = excluded.updated_at,
			finished_at = excluded.finished_at
	`

	_, err := s.db.ExecContext(ctx, query,
		job.ID,
		job.SourceID,
		job.Status,
		job.AttemptCount,
		job.MaxAttempts,
		nullTime(job.NextAttemptAt),
		boolInt(job.CancelRequested),
		nullString(job.LastError),
		job.CreatedAt.UTC(),
		job.UpdatedAt.UTC(),
		nullTime(job.FinishedAt),
	)
	if err != nil {
		return errors.Wrapf(err, "failed to upsert job %s", job.ID)
	}
	return nil
}

// GetJob retrieves a job by ID
func (s *Store) GetJob(ctx context.Context, id string) (*Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobSelectColumns+` FROM pull_jobs WHERE id = ?`, id)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.NewNotFoundError("job not found: %s", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to get job")
	}
	return job, nil
}

// FindOpenJobForSource returns the pending or running job of a source, or nil
func (s *Store) FindOpenJobForSource(ctx context.Context, sourceID string) (*Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobSelectColumns+`
		FROM pull_jobs
		WHERE source_id = ? AND status IN ('pending', 'running')
		LIMIT 1`, sourceID)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to find open job for source %s", sourceID)
	}
	return job, nil
}

// StartJob moves a pending job to running. Returns false when the job is no
// longer pending (for example cancelled while waiting).
func (s *Store) StartJob(ctx context.Context, job *Job, now time.Time) (bool, error) {
	now = now.UTC()
	res, err := s.db.ExecContext(ctx, `
		UPDATE pull_jobs SET status = 'running', updated_at = ?
		WHERE id = ? AND status = 'pending'`, now, job.ID)
	if err != nil {
		return false, errors.Wrapf(err, "failed to start job %s", job.ID)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, errors.Wrap(err, "failed to read affected rows")
	}
	if n == 0 {
		return false, nil
	}
	job.Status = JobStatusRunning
	job.UpdatedAt = now
	return true, nil
}

// ReleaseJob puts a running job back to pending after an attempt that could
// not be recorded, or finishes it as cancelled when cancellation was
// requested meanwhile. A job that is no longer running is left alone.
func (s *Store) ReleaseJob(ctx context.Context, id string, now time.Time) error {
	now = now.UTC()
	_, err := s.db.ExecContext(ctx, `
		UPDATE pull_jobs SET
			status = CASE WHEN cancel_requested = 1 THEN 'cancelled' ELSE 'pending' END,
			finished_at = CASE WHEN cancel_requested = 1 THEN ? ELSE finished_at END,
			updated_at = ?
		WHERE id = ? AND status = 'running'`, now, now, id)
	if err != nil {
		return errors.Wrapf(err, "failed to release job %s", id)
	}
	return nil
}

// RequestCancel asks for a job to stop.
// A pending job is cancelled immediately; a running job gets the flag and is
// cancelled by the retry policy once its attempt is recorded.
func (s *Store) RequestCancel(ctx context.Context, id string, now time.Time) (*Job, error) {
	now = now.UTC()
	res, err := s.db.ExecContext(ctx, `
		UPDATE pull_jobs
		SET status = 'cancelled', cancel_requested = 1, updated_at = ?, finished_at = ?
		WHERE id = ? AND status = 'pending'`, now, now, id)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to cancel job %s", id)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		res, err = s.db.ExecContext(ctx, `
			UPDATE pull_jobs SET cancel_requested = 1, updated_at = ?
			WHERE id = ? AND status = 'running'`, now, id)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to flag job %s for cancellation", id)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			job, err := s.GetJob(ctx, id)
			if err != nil {
				return nil, err
			}
			return nil, errors.NewInvalidRequestError("job %s is %s and cannot be cancelled", id, job.Status)
		}
	}
	return s.GetJob(ctx, id)
}

// InsertJobRun appends an attempt record. Attempt numbers are unique per job.
func (s *Store) InsertJobRun(ctx context.Context, run *JobRun) error {
	query := `
		INSERT INTO pull_job_runs (` + runSelectColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := s.db.ExecContext(ctx, query,
		run.ID,
		run.JobID,
		run.Attempt,
		run.Status,
		run.Provider,
		run.Model,
		run.DurationMS,
		nullString(run.Error),
		nullString(string(run.ErrorClass)),
		run.ItemsFetched,
		run.StartedAt.UTC(),
		nullTime(run.FinishedAt),
	)
	if err != nil {
		return errors.Wrapf(err, "failed to insert run %d for job %s", run.Attempt, run.JobID)
	}
	return nil
}

// CountJobRuns returns how many attempts have been recorded for a job
func (s *Store) CountJobRuns(ctx context.Context, jobID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM pull_job_runs WHERE job_id = ?`, jobID).Scan(&n)
	if err != nil {
		return 0, errors.Wrapf(err, "failed to count runs for job %s", jobID)
	}
	return n, nil
}

// ListJobRuns returns a job's runs, most recent first
func (s *Store) ListJobRuns(ctx context.Context, jobID string, limit int) ([]*JobRun, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+runSelectColumns+`
		FROM pull_job_runs
		WHERE job_id = ?
		ORDER BY started_at DESC, attempt DESC
		LIMIT ?`, jobID, limit)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list job runs")
	}
	defer rows.Close()

	var runs []*JobRun
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan job run")
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "error iterating job runs")
	}
	return runs, nil
}

// ListJobs returns jobs matching filter, most recently updated first
func (s *Store) ListJobs(ctx context.Context, filter JobFilter, limit int) ([]*Job, error) {
	query := `SELECT ` + jobSelectColumns + ` FROM pull_jobs WHERE 1 = 1`
	var args []interface{}
	if filter.Status != nil {
		query += ` AND status = ?`
		args = append(args, *filter.Status)
	}
	if filter.SourceID != "" {
		query += ` AND source_id = ?`
		args = append(args, filter.SourceID)
	}
	query += ` ORDER BY updated_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list jobs")
	}
	defer rows.Close()

	var jobs []*Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan job")
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "error iterating jobs")
	}
	return jobs, nil
}

// GetJobCounts aggregates jobs by status
func (s *Store) GetJobCounts(ctx context.Context) (JobCounts, error) {
	var counts JobCounts
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM pull_jobs GROUP BY status`)
	if err != nil {
		return counts, errors.Wrap(err, "failed to count jobs")
	}
	defer rows.Close()

	for rows.Next() {
		var status JobStatus
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return counts, errors.Wrap(err, "failed to scan job count")
		}
		switch status {
		case JobStatusPending:
			counts.Pending = n
		case JobStatusRunning:
			counts.Running = n
		case JobStatusFailed:
			counts.Failed = n
		case JobStatusDone:
			counts.Done = n
		case JobStatusCancelled:
			counts.Cancelled = n
		}
	}
	if err := rows.Err(); err != nil {
		return counts, errors.Wrap(err, "error iterating job counts")
	}
	return counts, nil
}

// RecoverOrphanedJobs returns jobs left running by a previous process to
// pending, or finishes them as cancelled when cancellation was already
// requested. Only call when no pull is active.
func (s *Store) RecoverOrphanedJobs(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE pull_jobs SET
			status = CASE WHEN cancel_requested = 1 THEN 'cancelled' ELSE 'pending' END,
			finished_at = CASE WHEN cancel_requested = 1 THEN ? ELSE finished_at END,
			updated_at = ?
		WHERE status = 'running'`, now.UTC(), now.UTC())
	if err != nil {
		return 0, errors.Wrap(err, "failed to recover orphaned jobs")
	}
	return res.RowsAffected()
}

// CleanupOldJobs deletes finished jobs (and, by cascade, their runs) last
// updated before cutoff
func (s *Store) CleanupOldJobs(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM pull_jobs
		WHERE status IN ('done', 'failed', 'cancelled')
		AND julianday(updated_at) < julianday(?)`, cutoff.UTC())
	if err != nil {
		return 0, errors.Wrap(err, "failed to clean up old jobs")
	}
	return res.RowsAffected()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
