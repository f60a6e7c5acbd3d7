package async

import (
	"fmt"
	"time"
)

// Action is the retry policy's verdict on a job after an attempt
type Action string

const (
	ActionRequeue    Action = "requeue"
	ActionMarkFailed Action = "mark_failed"
	ActionMarkDone   Action = "mark_done"
	ActionCancel     Action = "cancel"
)

// Decision is what to do next with a job. NextAttemptAt is set only for requeues.
type Decision struct {
	Action        Action     `json:"action"`
	NextAttemptAt *time.Time `json:"next_attempt_at,omitempty"`
	Reason        string     `json:"reason"`
}

// Default backoff bounds
const (
	DefaultBackoffBase = 30 * time.Second
	DefaultBackoffMax  = time.Hour
)

// Policy decides retries. It holds no state and never sleeps: backoff is
// expressed as a timestamp on the job.
type Policy struct {
	BackoffBase time.Duration
	BackoffMax  time.Duration
}

// DefaultPolicy returns the policy with default backoff bounds
func DefaultPolicy() Policy {
	return Policy{BackoffBase: DefaultBackoffBase, BackoffMax: DefaultBackoffMax}
}

// Backoff returns the delay before attempt+1: base * 2^(attempt-1), capped
func (p Policy) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := p.BackoffBase
	for i := 1; i < attempt; i++ {
		d *= 2
		if p.BackoffMax > 0 && d >= p.BackoffMax {
			return p.BackoffMax
		}
	}
	if p.BackoffMax > 0 && d > p.BackoffMax {
		return p.BackoffMax
	}
	return d
}

// Decide picks the next action for job given its latest run.
//
// Requeue iff the run failed, the failure is transient and the job has
// attempts left. A cancellation request overrides every outcome.
func (p Policy) Decide(job *Job, run *JobRun, now time.Time) Decision {
	if job.CancelRequested {
		return Decision{Action: ActionCancel, Reason: "cancellation requested"}
	}

	if run.Status == RunStatusDone {
		return Decision{Action: ActionMarkDone, Reason: fmt.Sprintf("attempt %d succeeded", run.Attempt)}
	}

	class := run.ErrorClass
	if class == "" {
		class = ErrorClassTransient
	}

	switch {
	case class == ErrorClassPermanent:
		return Decision{Action: ActionMarkFailed, Reason: "permanent failure: " + run.Error}
	case job.AttemptCount >= job.MaxAttempts:
		return Decision{
			Action: ActionMarkFailed,
			Reason: fmt.Sprintf("attempts exhausted (%d/%d): %s", job.AttemptCount, job.MaxAttempts, run.Error),
		}
	}

	next := now.UTC().Add(p.Backoff(job.AttemptCount))
	return Decision{
		Action:        ActionRequeue,
		NextAttemptAt: &next,
		Reason:        fmt.Sprintf("transient failure, attempt %d/%d: %s", job.AttemptCount, job.MaxAttempts, run.Error),
	}
}

// ApplyTo moves job to the state the decision calls for
func (d Decision) ApplyTo(job *Job, now time.Time) {
	now = now.UTC()
	job.UpdatedAt = now

	switch d.Action {
	case ActionRequeue:
		job.Status = JobStatusPending
		job.NextAttemptAt = d.NextAttemptAt
		job.FinishedAt = nil
	case ActionMarkDone:
		job.Status = JobStatusDone
		job.NextAttemptAt = nil
		job.FinishedAt = &now
	case ActionMarkFailed:
		job.Status = JobStatusFailed
		job.NextAttemptAt = nil
		job.FinishedAt = &now
	case ActionCancel:
		job.Status = JobStatusCancelled
		job.NextAttemptAt = nil
		job.FinishedAt = &now
	}
}
