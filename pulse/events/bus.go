package events

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/nebular/flags"
	"github.com/teranos/nebular/logger"
)

const (
	// DefaultThrottleWindow is the minimum interval between deliveries of one kind
	DefaultThrottleWindow = 250 * time.Millisecond

	// DefaultSubscriberBuffer is the per-subscriber queue depth
	DefaultSubscriberBuffer = 64
)

// window is the coalescing state of one kind.
// Opened by the first publish, closed by the flush that delivers it.
type window struct {
	openedAt time.Time
	latest   Event
	count    int
}

// Bus coalesces published events per kind and fans them out to subscribers.
//
// Trailing-edge throttle: the first publish of a kind opens a window; when it
// elapses the latest payload is delivered once, with Throttled set if more
// than one publish landed in the window.
type Bus struct {
	mu      sync.Mutex
	windows map[Kind]*window
	subs    map[*Subscription]struct{}

	// deliverMu serializes fan-out so same-kind order holds across flushes
	deliverMu sync.Mutex

	throttle time.Duration
	buffer   int
	flags    flags.Provider
	timeNow  func() time.Time
	logger   *zap.SugaredLogger
}

// BusOption configures a Bus
type BusOption func(*Bus)

// WithThrottle sets the per-kind throttle window
func WithThrottle(d time.Duration) BusOption {
	return func(b *Bus) {
		if d > 0 {
			b.throttle = d
		}
	}
}

// WithSubscriberBuffer sets the per-subscriber queue depth
func WithSubscriberBuffer(n int) BusOption {
	return func(b *Bus) {
		if n > 0 {
			b.buffer = n
		}
	}
}

// WithClock injects the time source used by Publish and Run
func WithClock(now func() time.Time) BusOption {
	return func(b *Bus) { b.timeNow = now }
}

// NewBus creates an event bus. Delivery is gated by the EventsV2 flag of
// provider, read on every flush.
func NewBus(provider flags.Provider, log *zap.SugaredLogger, opts ...BusOption) *Bus {
	if provider == nil {
		provider = flags.Static(flags.Defaults())
	}
	b := &Bus{
		windows:  make(map[Kind]*window),
		subs:     make(map[*Subscription]struct{}),
		throttle: DefaultThrottleWindow,
		buffer:   DefaultSubscriberBuffer,
		flags:    provider,
		timeNow:  time.Now,
		logger:   logger.AddEventSymbol(logger.OrNop(log).Named("events")),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Throttle returns the configured window
func (b *Bus) Throttle() time.Duration { return b.throttle }

// Publish records an event for delivery at the end of its kind's window.
// Safe for concurrent use; never blocks on subscribers.
func (b *Bus) Publish(e Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = b.timeNow()
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	w, ok := b.windows[e.Kind]
	if !ok {
		w = &window{openedAt: b.timeNow()}
		b.windows[e.Kind] = w
	}
	w.latest = e
	w.count++
}

// Flush delivers every window that has elapsed at now and returns the
// delivered events. Windows still open are left untouched.
func (b *Bus) Flush(now time.Time) []Event {
	b.deliverMu.Lock()
	defer b.deliverMu.Unlock()

	b.mu.Lock()
	var due []*window
	for kind, w := range b.windows {
		if now.Sub(w.openedAt) >= b.throttle {
			due = append(due, w)
			delete(b.windows, kind)
		}
	}
	b.mu.Unlock()

	if len(due) == 0 {
		return nil
	}

	// Oldest window first; kinds may interleave but delivery stays deterministic
	sort.Slice(due, func(i, j int) bool {
		if due[i].openedAt.Equal(due[j].openedAt) {
			return due[i].latest.Kind < due[j].latest.Kind
		}
		return due[i].openedAt.Before(due[j].openedAt)
	})

	out := make([]Event, 0, len(due))
	for _, w := range due {
		e := w.latest
		e.Throttled = w.count > 1
		out = append(out, e)
	}

	if !b.flags.Snapshot().IsEventsV2Enabled() {
		// Accepted and coalesced, but not fanned out
		b.pruneClosed()
		return out
	}

	b.fanOut(out)
	return out
}

// fanOut hands events to every live subscriber. Caller holds deliverMu.
func (b *Bus) fanOut(evts []Event) {
	for _, sub := range b.liveSubscribers() {
		for _, e := range evts {
			if sub.offer(e) {
				b.logger.Debugw("Subscriber buffer full, dropped oldest event",
					logger.FieldKind, e.Kind)
			}
		}
	}
}

// liveSubscribers returns open subscribers, pruning closed ones
func (b *Bus) liveSubscribers() []*Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	live := make([]*Subscription, 0, len(b.subs))
	for sub := range b.subs {
		if sub.isClosed() {
			delete(b.subs, sub)
			close(sub.ch)
			continue
		}
		live = append(live, sub)
	}
	return live
}

func (b *Bus) pruneClosed() {
	b.liveSubscribers()
}

// Subscribe opens a subscription that lives until ctx is done or Close is called
func (b *Bus) Subscribe(ctx context.Context) *Subscription {
	sub := &Subscription{
		ch:   make(chan Event, b.buffer),
		done: make(chan struct{}),
	}

	b.mu.Lock()
	b.subs[sub] = struct{}{}
	count := len(b.subs)
	b.mu.Unlock()

	b.logger.Debugw("Subscriber added", logger.FieldSubscribers, count)

	go func() {
		select {
		case <-ctx.Done():
			sub.Close()
		case <-sub.done:
		}
	}()

	return sub
}

// SubscriberCount returns the number of registered subscriptions, including
// closed ones not yet pruned
func (b *Bus) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Run flushes elapsed windows until ctx is done, then closes every subscription
func (b *Bus) Run(ctx context.Context) {
	tick := b.throttle / 5
	if tick < 5*time.Millisecond {
		tick = 5 * time.Millisecond
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	b.logger.Infow("Event bus started", "throttle_ms", b.throttle.Milliseconds())

	for {
		select {
		case <-ctx.Done():
			b.shutdown()
			return
		case <-ticker.C:
			b.Flush(b.timeNow())
		}
	}
}

func (b *Bus) shutdown() {
	b.deliverMu.Lock()
	defer b.deliverMu.Unlock()

	b.mu.Lock()
	defer b.mu.Unlock()
	for sub := range b.subs {
		sub.Close()
		delete(b.subs, sub)
		close(sub.ch)
	}
	b.logger.Infow("Event bus stopped")
}

// Subscription is one consumer's view of the bus.
// The channel is closed once the bus prunes the subscription; consumers
// that need to stop promptly should also watch Done.
type Subscription struct {
	ch        chan Event
	done      chan struct{}
	closeOnce sync.Once
	dropped   int
	dropMu    sync.Mutex
}

// C returns the delivery channel
func (s *Subscription) C() <-chan Event { return s.ch }

// Done is closed when the subscription is closed
func (s *Subscription) Done() <-chan struct{} { return s.done }

// Close marks the subscription closed; the bus prunes it at the next delivery
func (s *Subscription) Close() {
	s.closeOnce.Do(func() { close(s.done) })
}

// Dropped returns how many events were discarded because the buffer was full
func (s *Subscription) Dropped() int {
	s.dropMu.Lock()
	defer s.dropMu.Unlock()
	return s.dropped
}

func (s *Subscription) isClosed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// offer enqueues e, evicting the oldest queued event when full.
// Only the bus sends on ch, under deliverMu. Reports whether an event was dropped.
func (s *Subscription) offer(e Event) bool {
	select {
	case s.ch <- e:
		return false
	default:
	}

	select {
	case <-s.ch:
	default:
	}
	s.dropMu.Lock()
	s.dropped++
	s.dropMu.Unlock()

	select {
	case s.ch <- e:
	default:
	}
	return true
}
