package async

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/nebular/errors"
	nebtest "github.com/teranos/nebular/internal/testing"
	"github.com/teranos/nebular/pulse/events"
)

type capture struct {
	mu     sync.Mutex
	events []events.Event
}

func (c *capture) Publish(e events.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, e)
}

func (c *capture) last() events.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.events[len(c.events)-1]
}

func newRecorderFixture(t *testing.T) (*Store, *Recorder, *capture, *Job) {
	t.Helper()
	db := nebtest.CreateTestDB(t)
	nebtest.SeedSource(t, db, "src-1", t0)
	store := NewStore(db)
	bus := &capture{}
	rec := NewRecorder(store, bus, nil)

	job := NewJob("src-1", 3, t0)
	require.NoError(t, store.UpsertJob(context.Background(), job))
	_, err := store.StartJob(context.Background(), job, t0)
	require.NoError(t, err)
	return store, rec, bus, job
}

func TestRecorder_CountsEventUsesInjectedClock(t *testing.T) {
	db := nebtest.CreateTestDB(t)
	nebtest.SeedSource(t, db, "src-1", t0)
	store := NewStore(db)
	bus := &capture{}
	stamp := t0.Add(42 * time.Second)
	rec := NewRecorder(store, bus, nil, WithRecorderClock(func() time.Time { return stamp }))

	require.NoError(t, store.UpsertJob(context.Background(), NewJob("src-1", 3, t0)))
	rec.PublishCounts(context.Background())

	e := bus.last()
	assert.Equal(t, events.KindJobCounts, e.Kind)
	assert.True(t, e.Timestamp.Equal(stamp))
	require.NotNil(t, e.JobCounts)
	assert.Equal(t, 1, e.JobCounts.Pending)
}

func TestRecorder_Success(t *testing.T) {
	store, rec, bus, job := newRecorderFixture(t)
	ctx := context.Background()

	run, err := rec.Record(ctx, job, Outcome{
		StartedAt:    t0,
		FinishedAt:   t0.Add(1500 * time.Millisecond),
		Provider:     "feeds.example.com",
		Model:        "rss",
		ItemsFetched: 12,
	})
	require.NoError(t, err)

	assert.Equal(t, 1, run.Attempt)
	assert.Equal(t, RunStatusDone, run.Status)
	assert.Empty(t, run.Error)
	assert.Empty(t, run.ErrorClass)
	assert.EqualValues(t, 1500, run.DurationMS)
	assert.Equal(t, JobStatusDone, job.Status)
	assert.Equal(t, 1, job.AttemptCount)

	stored, err := store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, JobStatusDone, stored.Status)

	e := bus.last()
	require.Equal(t, events.KindJobCounts, e.Kind)
	assert.Equal(t, 1, e.JobCounts.Done)
}

func TestRecorder_FailureCarriesClass(t *testing.T) {
	_, rec, _, job := newRecorderFixture(t)

	run, err := rec.Record(context.Background(), job, Outcome{
		StartedAt:  t0,
		FinishedAt: t0.Add(time.Second),
		Err:        errors.Mark(errors.New("HTTP 410 Gone"), errors.ErrPermanentFetch),
	})
	require.NoError(t, err)

	assert.Equal(t, RunStatusFailed, run.Status)
	assert.Equal(t, "HTTP 410 Gone", run.Error)
	assert.Equal(t, ErrorClassPermanent, run.ErrorClass)
	assert.Equal(t, JobStatusFailed, job.Status)
	assert.Equal(t, "HTTP 410 Gone", job.LastError)
}

// Attempt numbers are 1, 2, 3... with no gaps or reuse, across failures
func TestRecorder_AttemptsStrictlyIncrease(t *testing.T) {
	store, rec, _, job := newRecorderFixture(t)
	ctx := context.Background()
	policy := DefaultPolicy()

	for i := 1; i <= 5; i++ {
		var outcomeErr error
		if i%2 == 1 {
			outcomeErr = errors.New("timeout")
		}
		run, err := rec.Record(ctx, job, Outcome{StartedAt: t0.Add(time.Duration(i) * time.Minute), FinishedAt: t0.Add(time.Duration(i) * time.Minute), Err: outcomeErr})
		require.NoError(t, err)
		assert.Equal(t, i, run.Attempt)

		// Keep the job open so the next attempt is legal
		policy.Decide(job, run, t0).ApplyTo(job, t0)
		job.Status = JobStatusPending
		job.MaxAttempts = 10
		require.NoError(t, store.UpsertJob(ctx, job))
		_, err = store.StartJob(ctx, job, t0)
		require.NoError(t, err)
	}

	runs, err := store.ListJobRuns(ctx, job.ID, 10)
	require.NoError(t, err)
	require.Len(t, runs, 5)
	for i, run := range runs {
		assert.Equal(t, 5-i, run.Attempt)
	}
}

func TestRecorder_SeesCancelRequestedDuringAttempt(t *testing.T) {
	store, rec, _, job := newRecorderFixture(t)
	ctx := context.Background()

	_, err := store.RequestCancel(ctx, job.ID, t0)
	require.NoError(t, err)
	assert.False(t, job.CancelRequested, "caller's copy is stale")

	run, err := rec.Record(ctx, job, Outcome{StartedAt: t0, FinishedAt: t0})
	require.NoError(t, err)

	assert.True(t, job.CancelRequested)
	assert.Equal(t, JobStatusRunning, job.Status, "left for the policy to cancel")

	d := DefaultPolicy().Decide(job, run, t0)
	assert.Equal(t, ActionCancel, d.Action)
}
