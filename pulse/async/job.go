// Package async provides pull job bookkeeping: jobs, their execution
// attempts, the retry policy and the persistent store behind them.
package async

import (
	"time"

	"github.com/google/uuid"
)

// JobStatus represents the current state of a job
type JobStatus string

const (
	JobStatusPending   JobStatus = "pending"
	JobStatusRunning   JobStatus = "running"
	JobStatusFailed    JobStatus = "failed"
	JobStatusDone      JobStatus = "done"
	JobStatusCancelled JobStatus = "cancelled"
)

// DefaultMaxAttempts bounds attempts per job when config does not say otherwise
const DefaultMaxAttempts = 3

// IsValidStatus returns true if the status string is a valid JobStatus
func IsValidStatus(s string) bool {
	switch JobStatus(s) {
	case JobStatusPending, JobStatusRunning, JobStatusFailed,
		JobStatusDone, JobStatusCancelled:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether no further transition is allowed.
// failed is not terminal: a requeue moves it back to pending.
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusDone || s == JobStatusCancelled
}

// IsOpen reports whether the job still occupies its source
func (s JobStatus) IsOpen() bool {
	return s == JobStatusPending || s == JobStatusRunning
}

// Job is the unit of work "pull one feed source".
//
// Transitions: pending → running → {done | failed | cancelled};
// failed → pending via a requeue decision; pending → cancelled for a job
// that never started.
type Job struct {
	ID              string     `json:"id"`
	SourceID        string     `json:"source_id"`
	Status          JobStatus  `json:"status"`
	AttemptCount    int        `json:"attempt_count"`
	MaxAttempts     int        `json:"max_attempts"`
	NextAttemptAt   *time.Time `json:"next_attempt_at,omitempty"` // backoff: not eligible before this
	CancelRequested bool       `json:"cancel_requested,omitempty"`
	LastError       string     `json:"last_error,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
	FinishedAt      *time.Time `json:"finished_at,omitempty"`
}

// NewJob creates a pending job for sourceID
func NewJob(sourceID string, maxAttempts int, now time.Time) *Job {
	if maxAttempts < 1 {
		maxAttempts = DefaultMaxAttempts
	}
	now = now.UTC()
	return &Job{
		ID:          uuid.NewString(),
		SourceID:    sourceID,
		Status:      JobStatusPending,
		MaxAttempts: maxAttempts,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// RunStatus is the outcome of one attempt
type RunStatus string

const (
	RunStatusDone   RunStatus = "done"
	RunStatusFailed RunStatus = "failed"
)

// JobRun is the immutable record of one execution attempt
type JobRun struct {
	ID           string     `json:"id"`
	JobID        string     `json:"job_id"`
	Attempt      int        `json:"attempt"` // 1-based, strictly increasing per job
	Status       RunStatus  `json:"status"`
	Provider     string     `json:"provider"`
	Model        string     `json:"model"`
	DurationMS   int64      `json:"duration_ms"`
	Error        string     `json:"error,omitempty"`
	ErrorClass   ErrorClass `json:"error_class,omitempty"`
	ItemsFetched int        `json:"items_fetched"`
	StartedAt    time.Time  `json:"started_at"`
	FinishedAt   *time.Time `json:"finished_at,omitempty"`
}

// JobCounts aggregates jobs by status
type JobCounts struct {
	Pending   int `json:"pending"`
	Running   int `json:"running"`
	Failed    int `json:"failed"`
	Done      int `json:"done"`
	Cancelled int `json:"cancelled"`
}

// Total returns the number of jobs across all statuses
func (c JobCounts) Total() int {
	return c.Pending + c.Running + c.Failed + c.Done + c.Cancelled
}

// JobFilter narrows ListJobs
type JobFilter struct {
	Status   *JobStatus
	SourceID string
}
