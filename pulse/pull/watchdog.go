package pull

import (
	"context"
	"fmt"
	"time"

	"github.com/teranos/nebular/audit"
	"github.com/teranos/nebular/logger"
)

// Watchdog frees the guard when a pull holds it longer than MaxAge
type Watchdog struct {
	o      *Orchestrator
	MaxAge time.Duration
}

// NewWatchdog creates a watchdog for o. A zero maxAge disables it.
func NewWatchdog(o *Orchestrator, maxAge time.Duration) *Watchdog {
	return &Watchdog{o: o, MaxAge: maxAge}
}

// Check force-releases a stuck guard. The stuck pull is told to stop
// starting sources and the state records the failure. Returns true when a
// token was released.
func (w *Watchdog) Check(ctx context.Context) bool {
	if w.MaxAge <= 0 {
		return false
	}
	o := w.o
	now := o.Clock()

	tok, ok := o.Guard.ForceRelease(w.MaxAge, now)
	if !ok {
		return false
	}

	if r := o.active.Load(); r != nil && r.token == tok {
		r.cancelled.Store(true)
	}

	held := now.Sub(tok.AcquiredAt)
	reason := fmt.Sprintf("guard held for %s (max %s)", held.Round(time.Second), w.MaxAge)
	if s, updated := o.state.update(tok.RunID, func(s *State) {
		completed := now.UTC()
		s.InProgress = false
		s.CompletedAt = &completed
		s.LastRunStatus = RunStatusFailed
		s.LastError = "force-released by watchdog: " + reason
	}); updated {
		o.Bus.Publish(s.Event(now))
	}

	o.logger.Errorw("Watchdog force-released pull guard",
		logger.FieldRunID, tok.RunID,
		logger.FieldActor, tok.Actor,
		logger.FieldDurationMS, held.Milliseconds(),
	)
	o.record(ctx, audit.Entry{
		Actor:  "watchdog",
		Action: audit.ActionGuardForceFreed,
		Target: tok.RunID,
		Detail: reason,
	})
	return true
}
