// Package pull runs manual and scheduled pulls of due feed sources.
//
// At most one pull runs per process. The Guard enforces this with a single
// compare-and-swap on a one-slot holder; the Orchestrator drives the cycles
// and the Watchdog frees a guard whose holder has been running too long.
package pull

import (
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/teranos/nebular/errors"
	"github.com/teranos/nebular/logger"
)

// ErrTokenForceReleased is returned by End for a token the watchdog already freed
var ErrTokenForceReleased = errors.New("pull token was force-released by the watchdog")

// Token identifies the current holder of the guard
type Token struct {
	RunID      string    `json:"run_id"`
	Actor      string    `json:"actor"`
	AcquiredAt time.Time `json:"acquired_at"`
}

// Guard admits one pull at a time
type Guard struct {
	holder atomic.Pointer[Token]
	freed  atomic.Pointer[Token] // last token taken by ForceRelease
	strict bool
	logger *zap.SugaredLogger
}

// NewGuard creates a guard. In strict mode releasing a token that is not
// the current holder panics instead of returning an error.
func NewGuard(strict bool, log *zap.SugaredLogger) *Guard {
	return &Guard{
		strict: strict,
		logger: logger.AddPulseSymbol(logger.OrNop(log).Named("pulse")),
	}
}

// Begin takes the guard for actor or fails with ErrAlreadyInProgress
func (g *Guard) Begin(actor string, now time.Time) (*Token, error) {
	tok := &Token{RunID: uuid.NewString(), Actor: actor, AcquiredAt: now.UTC()}
	if !g.holder.CompareAndSwap(nil, tok) {
		return nil, errors.WithDetailf(errors.ErrAlreadyInProgress, "requested by %s", actor)
	}
	return tok, nil
}

// End releases the guard held by tok
func (g *Guard) End(tok *Token) error {
	if tok != nil && g.holder.CompareAndSwap(tok, nil) {
		return nil
	}
	if tok != nil && g.freed.Load() == tok {
		g.logger.Warnw("Pull ended after its guard was force-released", logger.FieldRunID, tok.RunID)
		return ErrTokenForceReleased
	}

	holder := "none"
	if cur := g.holder.Load(); cur != nil {
		holder = cur.RunID
	}
	runID := "<nil>"
	if tok != nil {
		runID = tok.RunID
	}
	err := errors.AssertionFailedf("pull guard released with stale token %s (holder %s)", runID, holder)
	g.logger.Errorw("Pull guard misuse", logger.FieldRunID, runID, logger.FieldError, err)
	if g.strict {
		panic(err)
	}
	return err
}

// Holder returns a copy of the current token, or nil when the guard is free
func (g *Guard) Holder() *Token {
	cur := g.holder.Load()
	if cur == nil {
		return nil
	}
	cp := *cur
	return &cp
}

// ForceRelease frees the guard if its token is older than maxAge and returns
// the freed token. Only the watchdog calls this.
func (g *Guard) ForceRelease(maxAge time.Duration, now time.Time) (*Token, bool) {
	cur := g.holder.Load()
	if cur == nil || now.Sub(cur.AcquiredAt) < maxAge {
		return nil, false
	}
	if !g.holder.CompareAndSwap(cur, nil) {
		return nil, false
	}
	g.freed.Store(cur)
	return cur, true
}
