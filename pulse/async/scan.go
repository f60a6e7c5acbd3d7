package async

import (
	"database/sql"
	"time"
)

// jobSelectColumns is the column list matched by jobScanTargets
const jobSelectColumns = `id, source_id, status, attempt_count, max_attempts,
	next_attempt_at, cancel_requested, last_error,
	created_at, updated_at, finished_at`

// runSelectColumns is the column list matched by runScanTargets
const runSelectColumns = `id, job_id, attempt, status, provider, model,
	duration_ms, error, error_class, items_fetched, started_at, finished_at`

// jobScanArgs holds the nullable columns of a job row
type jobScanArgs struct {
	NextAttemptAt   sql.NullTime
	CancelRequested int
	LastError       sql.NullString
	FinishedAt      sql.NullTime
}

func jobScanTargets(job *Job, args *jobScanArgs) []interface{} {
	return []interface{}{
		&job.ID,
		&job.SourceID,
		&job.Status,
		&job.AttemptCount,
		&job.MaxAttempts,
		&args.NextAttemptAt,
		&args.CancelRequested,
		&args.LastError,
		&job.CreatedAt,
		&job.UpdatedAt,
		&args.FinishedAt,
	}
}

func (a *jobScanArgs) apply(job *Job) {
	job.NextAttemptAt = nullTimePtr(a.NextAttemptAt)
	job.CancelRequested = a.CancelRequested != 0
	if a.LastError.Valid {
		job.LastError = a.LastError.String
	}
	job.FinishedAt = nullTimePtr(a.FinishedAt)
}

// runScanArgs holds the nullable columns of a job run row
type runScanArgs struct {
	Error      sql.NullString
	ErrorClass sql.NullString
	FinishedAt sql.NullTime
}

func runScanTargets(run *JobRun, args *runScanArgs) []interface{} {
	return []interface{}{
		&run.ID,
		&run.JobID,
		&run.Attempt,
		&run.Status,
		&run.Provider,
		&run.Model,
		&run.DurationMS,
		&args.Error,
		&args.ErrorClass,
		&run.ItemsFetched,
		&run.StartedAt,
		&args.FinishedAt,
	}
}

func (a *runScanArgs) apply(run *JobRun) {
	if a.Error.Valid {
		run.Error = a.Error.String
	}
	if a.ErrorClass.Valid {
		run.ErrorClass = ErrorClass(a.ErrorClass.String)
	}
	run.FinishedAt = nullTimePtr(a.FinishedAt)
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanJob(row rowScanner) (*Job, error) {
	var job Job
	var args jobScanArgs
	if err := row.Scan(jobScanTargets(&job, &args)...); err != nil {
		return nil, err
	}
	args.apply(&job)
	return &job, nil
}

func scanRun(row rowScanner) (*JobRun, error) {
	var run JobRun
	var args runScanArgs
	if err := row.Scan(runScanTargets(&run, &args)...); err != nil {
		return nil, err
	}
	args.apply(&run)
	return &run, nil
}

func nullTimePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
