package events

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/nebular/flags"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
	return c.now
}

func newTestBus(t *testing.T, f flags.Flags) (*Bus, *fakeClock) {
	t.Helper()
	clock := newFakeClock()
	return NewBus(flags.Static(f), nil, WithClock(clock.Now), WithThrottle(250*time.Millisecond)), clock
}

func drain(sub *Subscription) []Event {
	var out []Event
	for {
		select {
		case e := <-sub.C():
			out = append(out, e)
		default:
			return out
		}
	}
}

func counts(pending int) Event {
	return NewJobCounts(JobCounts{Pending: pending}, time.Time{})
}

func TestBus_SinglePublishIsNotThrottled(t *testing.T) {
	bus, clock := newTestBus(t, flags.Defaults())
	sub := bus.Subscribe(context.Background())
	defer sub.Close()

	bus.Publish(counts(1))

	assert.Empty(t, bus.Flush(clock.Advance(100*time.Millisecond)), "window still open")
	assert.Empty(t, drain(sub))

	delivered := bus.Flush(clock.Advance(150 * time.Millisecond))
	require.Len(t, delivered, 1)

	got := drain(sub)
	require.Len(t, got, 1)
	assert.False(t, got[0].Throttled)
	assert.Equal(t, 1, got[0].JobCounts.Pending)
}

func TestBus_BurstCoalescesToLatest(t *testing.T) {
	bus, clock := newTestBus(t, flags.Defaults())
	sub := bus.Subscribe(context.Background())
	defer sub.Close()

	const k = 7
	for i := 1; i <= k; i++ {
		bus.Publish(counts(i))
		clock.Advance(10 * time.Millisecond)
	}

	bus.Flush(clock.Advance(250 * time.Millisecond))

	got := drain(sub)
	require.Len(t, got, 1, "K publishes in one window yield exactly one delivery")
	assert.True(t, got[0].Throttled)
	assert.Equal(t, k, got[0].JobCounts.Pending, "latest payload wins")
}

func TestBus_KindsAreIndependent(t *testing.T) {
	bus, clock := newTestBus(t, flags.Defaults())
	sub := bus.Subscribe(context.Background())
	defer sub.Close()

	bus.Publish(counts(1))
	bus.Publish(counts(2))
	bus.Publish(NewPullStatus(PullStatus{RunID: "r1", InProgress: true}, time.Time{}))
	bus.Publish(NewArticleMutated(ArticleMutated{ArticleID: "a1", Fields: []string{"title"}}, time.Time{}))

	bus.Flush(clock.Advance(250 * time.Millisecond))

	got := drain(sub)
	require.Len(t, got, 3)
	byKind := make(map[Kind]Event)
	for _, e := range got {
		byKind[e.Kind] = e
	}
	assert.True(t, byKind[KindJobCounts].Throttled)
	assert.False(t, byKind[KindPullStatus].Throttled)
	assert.False(t, byKind[KindArticleMutated].Throttled)
	assert.Equal(t, "r1", byKind[KindPullStatus].PullStatus.RunID)
}

func TestBus_SameKindOrderAcrossWindows(t *testing.T) {
	bus, clock := newTestBus(t, flags.Defaults())
	sub := bus.Subscribe(context.Background())
	defer sub.Close()

	for i := 1; i <= 3; i++ {
		bus.Publish(counts(i))
		bus.Flush(clock.Advance(250 * time.Millisecond))
	}

	got := drain(sub)
	require.Len(t, got, 3)
	for i, e := range got {
		assert.Equal(t, i+1, e.JobCounts.Pending)
		assert.False(t, e.Throttled)
	}
}

func TestBus_EventsV2OffSuppressesDelivery(t *testing.T) {
	bus, clock := newTestBus(t, flags.Flags{EventsV2: false, JobBatchV2: true})
	sub := bus.Subscribe(context.Background())
	defer sub.Close()

	bus.Publish(counts(1))
	delivered := bus.Flush(clock.Advance(time.Second))

	assert.Len(t, delivered, 1, "publish is accepted and coalesced")
	assert.Empty(t, drain(sub), "but nothing reaches subscribers")
}

func TestBus_FlagReadAtFlushTime(t *testing.T) {
	clock := newFakeClock()
	provider := &toggle{on: true}
	bus := NewBus(provider, nil, WithClock(clock.Now))
	sub := bus.Subscribe(context.Background())
	defer sub.Close()

	bus.Publish(counts(1))
	provider.set(false)
	bus.Flush(clock.Advance(time.Second))
	assert.Empty(t, drain(sub))

	provider.set(true)
	bus.Publish(counts(2))
	bus.Flush(clock.Advance(time.Second))
	assert.Len(t, drain(sub), 1)
}

func TestBus_SlowSubscriberDropsOldest(t *testing.T) {
	clock := newFakeClock()
	bus := NewBus(nil, nil, WithClock(clock.Now), WithSubscriberBuffer(2))
	slow := bus.Subscribe(context.Background())
	fast := bus.Subscribe(context.Background())
	defer slow.Close()
	defer fast.Close()

	var fastGot []Event
	for i := 1; i <= 4; i++ {
		bus.Publish(counts(i))
		bus.Flush(clock.Advance(time.Second))
		fastGot = append(fastGot, drain(fast)...)
	}

	assert.Len(t, fastGot, 4, "a stalled subscriber does not block others")

	got := drain(slow)
	require.Len(t, got, 2)
	assert.Equal(t, 3, got[0].JobCounts.Pending)
	assert.Equal(t, 4, got[1].JobCounts.Pending)
	assert.Equal(t, 2, slow.Dropped())
}

func TestBus_ClosedSubscribersArePrunedLazily(t *testing.T) {
	bus, clock := newTestBus(t, flags.Defaults())
	ctx, cancel := context.WithCancel(context.Background())
	sub := bus.Subscribe(ctx)
	keep := bus.Subscribe(context.Background())
	defer keep.Close()

	cancel()
	<-sub.Done()
	assert.Equal(t, 2, bus.SubscriberCount(), "not pruned until next delivery")

	bus.Publish(counts(1))
	bus.Flush(clock.Advance(time.Second))

	assert.Equal(t, 1, bus.SubscriberCount())
	_, open := <-sub.C()
	assert.False(t, open, "pruned subscription channel is closed")
	assert.Len(t, drain(keep), 1)
}

func TestBus_ConcurrentPublish(t *testing.T) {
	bus, clock := newTestBus(t, flags.Defaults())
	sub := bus.Subscribe(context.Background())
	defer sub.Close()

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				bus.Publish(counts(i))
			}
		}()
	}
	wg.Wait()

	bus.Flush(clock.Advance(time.Second))
	got := drain(sub)
	require.Len(t, got, 1)
	assert.True(t, got[0].Throttled)
}

func TestBus_RunDeliversAndClosesOnShutdown(t *testing.T) {
	bus := NewBus(nil, nil, WithThrottle(20*time.Millisecond))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		bus.Run(ctx)
		close(done)
	}()

	sub := bus.Subscribe(context.Background())
	bus.Publish(counts(5))

	select {
	case e := <-sub.C():
		assert.Equal(t, 5, e.JobCounts.Pending)
	case <-time.After(2 * time.Second):
		t.Fatal("event not delivered by Run")
	}

	cancel()
	<-done
	_, open := <-sub.C()
	assert.False(t, open)
}

type toggle struct {
	mu sync.Mutex
	on bool
}

func (t *toggle) set(on bool) {
	t.mu.Lock()
	t.on = on
	t.mu.Unlock()
}

func (t *toggle) Snapshot() flags.Flags {
	t.mu.Lock()
	defer t.mu.Unlock()
	f := flags.Defaults()
	f.EventsV2 = t.on
	return f
}
