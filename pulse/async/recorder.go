package async

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/teranos/nebular/errors"
	"github.com/teranos/nebular/logger"
	"github.com/teranos/nebular/pulse/events"
)

// Outcome describes one finished attempt as observed by the caller
type Outcome struct {
	StartedAt    time.Time
	FinishedAt   time.Time
	Err          error // nil on success
	Provider     string
	Model        string
	ItemsFetched int
}

// Recorder turns attempt outcomes into job runs and keeps the parent job in step
type Recorder struct {
	store   *Store
	bus     events.Publisher
	timeNow func() time.Time
	logger  *zap.SugaredLogger
}

// RecorderOption configures a Recorder
type RecorderOption func(*Recorder)

// WithRecorderClock injects the time source stamped on counts events
func WithRecorderClock(now func() time.Time) RecorderOption {
	return func(r *Recorder) {
		if now != nil {
			r.timeNow = now
		}
	}
}

// NewRecorder creates a recorder publishing job counts to bus
func NewRecorder(store *Store, bus events.Publisher, log *zap.SugaredLogger, opts ...RecorderOption) *Recorder {
	if bus == nil {
		bus = events.Discard
	}
	r := &Recorder{
		store:   store,
		bus:     bus,
		timeNow: time.Now,
		logger:  logger.AddPulseSymbol(logger.OrNop(log).Named("pulse")),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Record appends the run for one attempt of job and updates job in place.
//
// The attempt number is 1 + the runs already stored, so numbers are never
// reused. The job is reloaded first so a cancellation requested during the
// attempt is visible to the retry policy; in that case the job stays running
// and the policy's Cancel decision finishes it.
func (r *Recorder) Record(ctx context.Context, job *Job, outcome Outcome) (*JobRun, error) {
	current, err := r.store.GetJob(ctx, job.ID)
	if err != nil {
		return nil, errors.Wrap(err, "reload job before recording")
	}
	*job = *current

	prior, err := r.store.CountJobRuns(ctx, job.ID)
	if err != nil {
		return nil, err
	}

	started := outcome.StartedAt.UTC()
	finished := outcome.FinishedAt.UTC()
	if finished.Before(started) {
		finished = started
	}

	run := &JobRun{
		ID:           uuid.NewString(),
		JobID:        job.ID,
		Attempt:      prior + 1,
		Provider:     outcome.Provider,
		Model:        outcome.Model,
		DurationMS:   finished.Sub(started).Milliseconds(),
		ItemsFetched: outcome.ItemsFetched,
		StartedAt:    started,
		FinishedAt:   &finished,
	}
	if outcome.Err == nil {
		run.Status = RunStatusDone
	} else {
		run.Status = RunStatusFailed
		run.Error = outcome.Err.Error()
		run.ErrorClass = ClassifyError(outcome.Err)
	}

	if err := r.store.InsertJobRun(ctx, run); err != nil {
		return nil, err
	}

	job.AttemptCount = run.Attempt
	job.UpdatedAt = finished
	if run.Status == RunStatusDone {
		job.LastError = ""
	} else {
		job.LastError = run.Error
	}
	if !job.CancelRequested {
		if run.Status == RunStatusDone {
			job.Status = JobStatusDone
		} else {
			job.Status = JobStatusFailed
		}
	}
	if err := r.store.UpsertJob(ctx, job); err != nil {
		return nil, err
	}

	r.logger.Debugw("Attempt recorded",
		logger.FieldJobID, job.ID,
		logger.FieldSourceID, job.SourceID,
		logger.FieldAttempt, run.Attempt,
		logger.FieldStatus, run.Status,
		logger.FieldDurationMS, run.DurationMS,
	)

	r.PublishCounts(ctx)
	return run, nil
}

// PublishCounts emits the current job aggregate. Failures are logged, not returned:
// a missed counts event is repaired by the next one.
func (r *Recorder) PublishCounts(ctx context.Context) {
	counts, err := r.store.GetJobCounts(ctx)
	if err != nil {
		r.logger.Warnw("Failed to read job counts", logger.FieldError, err)
		return
	}
	r.bus.Publish(events.NewJobCounts(events.JobCounts{
		Pending:   counts.Pending,
		Running:   counts.Running,
		Failed:    counts.Failed,
		Done:      counts.Done,
		Cancelled: counts.Cancelled,
	}, r.timeNow().UTC()))
}
