package schedule

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/nebular/errors"
	"github.com/teranos/nebular/pulse/pull"
)

type fakePuller struct {
	calls atomic.Int32
	err   error
}

func (p *fakePuller) RunScheduledPull(ctx context.Context) (*pull.Stats, error) {
	p.calls.Add(1)
	if p.err != nil {
		return nil, p.err
	}
	return &pull.Stats{RunID: "run-1", Actor: pull.ActorScheduler}, nil
}

type fakeWatchdog struct{ calls atomic.Int32 }

func (w *fakeWatchdog) Check(context.Context) bool {
	w.calls.Add(1)
	return false
}

type fakeCleaner struct {
	mu     sync.Mutex
	cutoff time.Time
	calls  int
}

func (c *fakeCleaner) CleanupOldJobs(ctx context.Context, cutoff time.Time) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cutoff = cutoff
	c.calls++
	return 2, nil
}

func TestNew_RejectsInvalidSpec(t *testing.T) {
	_, err := New(Config{PullSpec: "whenever"}, &fakePuller{}, nil, nil, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid pull schedule")
}

func TestNew_SkipsDisabledEntries(t *testing.T) {
	s, err := New(Config{PullSpec: "", WatchdogSpec: DefaultWatchdogSpec, CleanupSpec: DefaultCleanupSpec}, &fakePuller{}, nil, &fakeCleaner{}, nil)
	require.NoError(t, err)
	assert.Empty(t, s.cron.Entries(), "no pull spec, no watchdog, no retention")

	s, err = New(Config{PullSpec: "@every 5m", WatchdogSpec: DefaultWatchdogSpec, CleanupSpec: DefaultCleanupSpec, Retention: time.Hour},
		&fakePuller{}, &fakeWatchdog{}, &fakeCleaner{}, nil)
	require.NoError(t, err)
	assert.Len(t, s.cron.Entries(), 3)
}

func TestRunPull_CountsSkips(t *testing.T) {
	p := &fakePuller{}
	s, err := New(Config{}, p, nil, nil, nil)
	require.NoError(t, err)

	s.RunPull(context.Background())
	p.err = errors.WithDetail(errors.ErrAlreadyInProgress, "requested by scheduler")
	s.RunPull(context.Background())
	p.err = errors.MarkStoreUnavailable(errors.New("disk I/O error"), "list due sources")
	s.RunPull(context.Background())

	ran, skipped := s.PullCounts()
	assert.EqualValues(t, 2, ran)
	assert.EqualValues(t, 1, skipped)
	assert.EqualValues(t, 3, p.calls.Load())
}

func TestRunCleanup_UsesRetention(t *testing.T) {
	c := &fakeCleaner{}
	s, err := New(Config{Retention: 30 * 24 * time.Hour}, nil, nil, c, nil)
	require.NoError(t, err)
	now := time.Date(2025, 3, 31, 0, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }

	s.RunCleanup(context.Background())

	assert.Equal(t, 1, c.calls)
	assert.True(t, c.cutoff.Equal(time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)))
}

func TestScheduler_StartStop(t *testing.T) {
	p := &fakePuller{}
	w := &fakeWatchdog{}
	s, err := New(Config{PullSpec: "@every 1s", WatchdogSpec: "@every 1s"}, p, w, nil, nil)
	require.NoError(t, err)

	s.Start()
	require.Eventually(t, func() bool {
		return p.calls.Load() > 0 && w.calls.Load() > 0
	}, 5*time.Second, 50*time.Millisecond)
	s.Stop()

	after := p.calls.Load()
	time.Sleep(1500 * time.Millisecond)
	assert.Equal(t, after, p.calls.Load(), "no runs after Stop")
}
