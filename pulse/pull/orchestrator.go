package pull

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/teranos/nebular/am"
	"github.com/teranos/nebular/audit"
	"github.com/teranos/nebular/db"
	"github.com/teranos/nebular/errors"
	"github.com/teranos/nebular/feeds"
	"github.com/teranos/nebular/flags"
	"github.com/teranos/nebular/logger"
	"github.com/teranos/nebular/pulse/async"
	"github.com/teranos/nebular/pulse/events"
	"github.com/teranos/nebular/sym"
)

// ActorScheduler is the actor recorded for cron-triggered pulls
const ActorScheduler = "scheduler"

// Fetcher fetches one feed source
type Fetcher interface {
	Fetch(ctx context.Context, src *feeds.Source) (*feeds.Result, error)
}

// Config holds the orchestrator's tunables
type Config struct {
	Workers            int
	MaxSourcesPerCycle int
	MaxAttempts        int
	ScheduledCycles    int
	AttemptTimeout     time.Duration
	Policy             async.Policy
}

// ConfigFrom builds a Config from the pull section of am
func ConfigFrom(c am.PullConfig) Config {
	return Config{
		Workers:            c.Workers,
		MaxSourcesPerCycle: c.MaxSourcesPerCycle,
		MaxAttempts:        c.MaxAttempts,
		ScheduledCycles:    c.ScheduledCycles,
		AttemptTimeout:     c.AttemptTimeout(),
		Policy:             async.Policy{BackoffBase: c.BackoffBase(), BackoffMax: c.BackoffMax()},
	}
}

// Deps are the collaborators of an Orchestrator. Bus, Flags, Audit, Logger
// and Clock are optional.
type Deps struct {
	Guard    *Guard
	Jobs     *async.Store
	Recorder *async.Recorder
	Sources  *feeds.SourceStore
	Articles *feeds.ArticleStore
	Fetcher  Fetcher
	Bus      events.Publisher
	Flags    flags.Provider
	Audit    audit.Recorder
	Logger   *zap.SugaredLogger
	Clock    func() time.Time
}

// activeRun is the pull currently holding the guard. interrupted is set once
// a cycle or source was actually given up because the pull was stopping.
type activeRun struct {
	token       *Token
	cancelled   atomic.Bool
	interrupted atomic.Bool
}

// Orchestrator runs pulls: cycles over due sources, one attempt per source
type Orchestrator struct {
	cfg Config
	Deps
	logger *zap.SugaredLogger

	state  stateHolder
	active atomic.Pointer[activeRun]
}

// NewOrchestrator creates an orchestrator
func NewOrchestrator(cfg Config, deps Deps) *Orchestrator {
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.MaxSourcesPerCycle < 1 {
		cfg.MaxSourcesPerCycle = 100
	}
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = async.DefaultMaxAttempts
	}
	if cfg.ScheduledCycles < 1 {
		cfg.ScheduledCycles = 1
	}
	if cfg.Policy.BackoffBase <= 0 {
		cfg.Policy = async.DefaultPolicy()
	}
	if deps.Guard == nil {
		deps.Guard = NewGuard(false, deps.Logger)
	}
	if deps.Bus == nil {
		deps.Bus = events.Discard
	}
	if deps.Flags == nil {
		deps.Flags = flags.Static(flags.Defaults())
	}
	if deps.Audit == nil {
		deps.Audit = audit.Discard
	}
	if deps.Clock == nil {
		deps.Clock = time.Now
	}
	return &Orchestrator{
		cfg:    cfg,
		Deps:   deps,
		logger: logger.AddPulseSymbol(logger.OrNop(deps.Logger).Named("pulse")),
	}
}

// Status returns a copy of the pull cycle state
func (o *Orchestrator) Status() State {
	return o.state.get()
}

// Cancel asks the active pull to stop starting sources. In-flight attempts
// finish and are recorded. Returns false when no pull is running.
func (o *Orchestrator) Cancel() bool {
	r := o.active.Load()
	if r == nil {
		return false
	}
	if r.cancelled.CompareAndSwap(false, true) {
		o.logger.Infow("Pull cancellation requested", logger.FieldRunID, r.token.RunID)
	}
	return true
}

// RunScheduledPull runs the configured number of scheduled cycles as the scheduler
func (o *Orchestrator) RunScheduledPull(ctx context.Context) (*Stats, error) {
	return o.RunManualPull(ctx, ActorScheduler, o.cfg.ScheduledCycles)
}

// RunManualPull runs cycles pulls for actor. cycles is clamped to [1,10].
//
// Fails with ErrAlreadyInProgress when another pull holds the guard and with
// ErrStoreUnavailable when the store fails; individual source failures are
// recorded and never returned.
func (o *Orchestrator) RunManualPull(ctx context.Context, actor string, cycles int) (*Stats, error) {
	cycles = ClampCycles(cycles)
	if actor == "" {
		actor = "anonymous"
	}

	tok, err := o.Guard.Begin(actor, o.Clock())
	if err != nil {
		o.logger.Debugw("Pull rejected, another pull is running", logger.FieldActor, actor)
		o.record(ctx, audit.Entry{
			Actor:  actor,
			Action: audit.ActionPullRejected,
			Detail: fmt.Sprintf("cycles=%d", cycles),
		})
		return nil, err
	}

	return o.run(ctx, tok, cycles)
}

func (o *Orchestrator) run(ctx context.Context, tok *Token, cycles int) (stats *Stats, err error) {
	r := &activeRun{token: tok}
	o.active.Store(r)

	started := tok.AcquiredAt
	stats = &Stats{RunID: tok.RunID, Actor: tok.Actor, StartedAt: started}

	o.state.set(State{
		RunID:         tok.RunID,
		InProgress:    true,
		StartedAt:     &started,
		LastRunStatus: RunStatusRunning,
		TotalCycles:   cycles,
		Actor:         tok.Actor,
	})
	o.publishState()

	o.logger.Infow(sym.PulseOpen+" Pull started",
		logger.FieldRunID, tok.RunID,
		logger.FieldActor, tok.Actor,
		logger.FieldCycles, cycles,
	)
	o.record(ctx, audit.Entry{
		Actor:  tok.Actor,
		Action: audit.ActionPullAccepted,
		Target: tok.RunID,
		Detail: fmt.Sprintf("cycles=%d", cycles),
	})

	defer func() {
		o.finish(ctx, r, stats, err)
		o.active.CompareAndSwap(r, nil)
		if endErr := o.Guard.End(tok); endErr != nil && !errors.Is(endErr, ErrTokenForceReleased) {
			o.logger.Errorw("Failed to release pull guard", logger.FieldRunID, tok.RunID, logger.FieldError, endErr)
		}
	}()

	for c := 1; c <= cycles; c++ {
		if o.stopping(ctx, r) {
			r.interrupted.Store(true)
			break
		}
		if s, ok := o.state.update(tok.RunID, func(s *State) { s.Cycle = c }); ok {
			o.Bus.Publish(s.Event(o.Clock()))
		}

		cs, cycleErr := o.runCycle(ctx, r, c)
		stats.addCycle(cs)
		if cycleErr != nil {
			return stats, cycleErr
		}
	}
	return stats, nil
}

func (o *Orchestrator) stopping(ctx context.Context, r *activeRun) bool {
	return r.cancelled.Load() || ctx.Err() != nil
}

// finish settles the state, audit trail and log line of a pull
func (o *Orchestrator) finish(ctx context.Context, r *activeRun, stats *Stats, err error) {
	now := o.Clock().UTC()
	stats.CompletedAt = now
	stats.Cancelled = err == nil && r.interrupted.Load()

	status := RunStatusCompleted
	action := audit.ActionPullCompleted
	switch {
	case err != nil:
		status = RunStatusFailed
		action = audit.ActionPullFailed
	case stats.Cancelled:
		status = RunStatusCancelled
		action = audit.ActionPullCancelled
	}

	if s, ok := o.state.update(r.token.RunID, func(s *State) {
		s.InProgress = false
		s.CompletedAt = &now
		s.LastRunStatus = status
		if err != nil {
			s.LastError = err.Error()
		}
	}); ok {
		o.Bus.Publish(s.Event(now))
	}

	detail := fmt.Sprintf("cycles=%d attempted=%d succeeded=%d failed=%d requeued=%d",
		len(stats.Cycles), stats.Attempted, stats.Succeeded, stats.Failed, stats.Requeued)
	if err != nil {
		detail += " error=" + err.Error()
	}
	o.record(ctx, audit.Entry{Actor: r.token.Actor, Action: action, Target: r.token.RunID, Detail: detail})

	fields := []interface{}{
		logger.FieldRunID, r.token.RunID,
		logger.FieldStatus, status,
		logger.FieldCount, stats.Attempted,
		logger.FieldDurationMS, now.Sub(stats.StartedAt).Milliseconds(),
	}
	if err != nil {
		o.logger.Errorw(sym.PulseClose+" Pull failed", append(fields, logger.FieldError, err)...)
		return
	}
	o.logger.Infow(sym.PulseClose+" Pull finished", fields...)
}

// runCycle processes every due source once through a bounded worker pool.
// The first store error stops new sources from starting and is returned once
// in-flight work has drained.
func (o *Orchestrator) runCycle(ctx context.Context, r *activeRun, cycle int) (CycleStats, error) {
	fl := o.Flags.Snapshot()
	cs := CycleStats{Cycle: cycle, StartedAt: o.Clock().UTC()}
	storeCtx := context.WithoutCancel(ctx)

	due, err := o.Sources.ListDue(storeCtx, o.Clock(), o.cfg.MaxSourcesPerCycle)
	if err != nil {
		cs.CompletedAt = o.Clock().UTC()
		return cs, errors.MarkStoreUnavailable(err, "list due sources")
	}
	cs.Due = len(due)

	limit := 1
	if fl.IsJobBatchV2Enabled() {
		limit = o.cfg.Workers
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)

	var mu sync.Mutex
	for _, src := range due {
		if o.stopping(gctx, r) {
			r.interrupted.Store(true)
			break
		}
		g.Go(func() error {
			if o.stopping(gctx, r) {
				r.interrupted.Store(true)
				mu.Lock()
				cs.Skipped++
				mu.Unlock()
				return nil
			}
			res, err := o.processSource(storeCtx, r, src, fl)
			mu.Lock()
			cs.add(res)
			mu.Unlock()
			return err
		})
	}
	err = g.Wait()
	cs.CompletedAt = o.Clock().UTC()

	o.logger.Debugw("Cycle finished",
		logger.FieldRunID, r.token.RunID,
		logger.FieldCycle, cycle,
		"due", cs.Due,
		"attempted", cs.Attempted,
		"failed", cs.Failed,
	)
	return cs, err
}

// processSource runs one attempt for src. Only store failures are returned.
func (o *Orchestrator) processSource(ctx context.Context, r *activeRun, src *feeds.Source, fl flags.Flags) (sourceResult, error) {
	skip := sourceResult{skipped: true}
	now := o.Clock()

	job, err := o.Jobs.FindOpenJobForSource(ctx, src.ID)
	if err != nil {
		return skip, errors.MarkStoreUnavailable(err, "find open job")
	}
	if job == nil {
		job = async.NewJob(src.ID, o.cfg.MaxAttempts, now)
		if err := o.Jobs.UpsertJob(ctx, job); err != nil {
			return skip, errors.MarkStoreUnavailable(err, "create job")
		}
	}
	if job.NextAttemptAt != nil && job.NextAttemptAt.After(now) {
		return skip, nil
	}
	started, err := o.Jobs.StartJob(ctx, job, now)
	if err != nil {
		return skip, errors.MarkStoreUnavailable(err, "start job")
	}
	if !started {
		return skip, nil
	}

	outcome, mutations, err := o.attempt(ctx, src, fl)
	if err != nil {
		return skip, o.release(ctx, job, err)
	}

	run, err := o.Recorder.Record(ctx, job, outcome)
	if err != nil {
		return skip, o.release(ctx, job, errors.MarkStoreUnavailable(err, "record attempt"))
	}

	decision := o.cfg.Policy.Decide(job, run, outcome.FinishedAt)
	decision.ApplyTo(job, outcome.FinishedAt)
	if err := o.Jobs.UpsertJob(ctx, job); err != nil {
		return skip, o.release(ctx, job, errors.MarkStoreUnavailable(err, "apply retry decision"))
	}

	next := outcome.FinishedAt.Add(src.PollInterval)
	if decision.Action == async.ActionRequeue && decision.NextAttemptAt != nil {
		next = *decision.NextAttemptAt
	}
	if err := o.Sources.Reschedule(ctx, src.ID, outcome.FinishedAt, next, run.Error); err != nil {
		return skip, errors.MarkStoreUnavailable(err, "reschedule source")
	}

	// A permanent failure will not heal by polling again
	if decision.Action == async.ActionMarkFailed && run.ErrorClass == async.ErrorClassPermanent {
		if err := o.Sources.SetDisabled(ctx, src.ID, true, outcome.FinishedAt); err != nil {
			return skip, errors.MarkStoreUnavailable(err, "disable source")
		}
		o.logger.Warnw("Source disabled after permanent failure",
			logger.FieldSourceID, src.ID,
			logger.FieldURL, src.URL,
			logger.FieldError, run.Error,
		)
		o.record(ctx, audit.Entry{
			Actor:     r.token.Actor,
			Action:    audit.ActionSourceDisabled,
			Target:    src.ID,
			Detail:    run.Error,
			Timestamp: outcome.FinishedAt,
		})
	}

	o.Recorder.PublishCounts(ctx)
	o.record(ctx, audit.Entry{
		Actor:     r.token.Actor,
		Action:    transitionAction(decision.Action),
		Target:    job.ID,
		Detail:    decision.Reason,
		Timestamp: outcome.FinishedAt,
	})

	if !fl.OptimisticMutations && run.Status == async.RunStatusDone {
		for _, m := range mutations {
			o.publishMutation(m)
		}
	}

	o.logger.Infow("Source attempted",
		logger.FieldRunID, r.token.RunID,
		logger.FieldSourceID, src.ID,
		logger.FieldJobID, job.ID,
		logger.FieldAttempt, run.Attempt,
		logger.FieldStatus, run.Status,
		logger.FieldAction, decision.Action,
		logger.FieldDurationMS, run.DurationMS,
	)

	return sourceResult{
		runStatus:       run.Status,
		action:          decision.Action,
		articlesChanged: len(mutations),
	}, nil
}

// release returns a started job to the queue when its attempt could not be
// settled, so a later pull tries it again. cause is returned unchanged.
func (o *Orchestrator) release(ctx context.Context, job *async.Job, cause error) error {
	if err := o.Jobs.ReleaseJob(ctx, job.ID, o.Clock()); err != nil {
		o.logger.Warnw("Failed to release job",
			logger.FieldJobID, job.ID,
			logger.FieldError, err,
		)
	}
	return cause
}

// attempt fetches src and stores its items. The returned error is a store
// failure; fetch failures travel in the outcome.
func (o *Orchestrator) attempt(ctx context.Context, src *feeds.Source, fl flags.Flags) (async.Outcome, []feeds.Mutation, error) {
	attemptCtx := ctx
	cancel := func() {}
	if o.cfg.AttemptTimeout > 0 {
		attemptCtx, cancel = context.WithTimeout(ctx, o.cfg.AttemptTimeout)
	}
	defer cancel()

	outcome := async.Outcome{StartedAt: o.Clock(), Provider: hostOf(src.URL)}
	res, fetchErr := o.Fetcher.Fetch(attemptCtx, src)
	if fetchErr != nil && errors.Is(attemptCtx.Err(), context.DeadlineExceeded) {
		fetchErr = errors.Mark(
			errors.Newf("attempt exceeded %s: %s", o.cfg.AttemptTimeout, fetchErr.Error()),
			errors.ErrTransientFetch)
	}

	var mutations []feeds.Mutation
	if fetchErr == nil {
		outcome.Model = res.FeedType
		outcome.ItemsFetched = len(res.Items)
		if res.Host != "" {
			outcome.Provider = res.Host
		}
		for _, item := range res.Items {
			m, changed, err := o.Articles.Upsert(ctx, src.ID, item, o.Clock())
			if errors.Is(err, errors.ErrInvalidRequest) {
				continue
			}
			if err != nil {
				return outcome, nil, errors.MarkStoreUnavailable(err, "store article")
			}
			if !changed {
				continue
			}
			mutations = append(mutations, m)
			if fl.OptimisticMutations {
				o.publishMutation(m)
			}
		}
	}

	outcome.Err = fetchErr
	outcome.FinishedAt = o.Clock()
	return outcome, mutations, nil
}

func (o *Orchestrator) publishMutation(m feeds.Mutation) {
	o.Bus.Publish(events.NewArticleMutated(events.ArticleMutated{
		ArticleID: m.ArticleID,
		Fields:    m.Fields,
		MutatedAt: m.MutatedAt,
	}, m.MutatedAt))
}

func (o *Orchestrator) publishState() {
	o.Bus.Publish(o.state.get().Event(o.Clock()))
}

// record writes an audit entry; audit failures never fail a pull
func (o *Orchestrator) record(ctx context.Context, e audit.Entry) {
	if err := o.Audit.Record(context.WithoutCancel(ctx), e); err != nil {
		if db.IsDatabaseClosed(err) {
			o.logger.Debugw("Audit entry dropped, database closed", logger.FieldAction, e.Action)
			return
		}
		o.logger.Warnw("Failed to write audit entry", logger.FieldAction, e.Action, logger.FieldError, err)
	}
}

func transitionAction(a async.Action) audit.Action {
	switch a {
	case async.ActionRequeue:
		return audit.ActionJobRequeued
	case async.ActionMarkFailed:
		return audit.ActionJobFailed
	case async.ActionCancel:
		return audit.ActionJobCancelled
	default:
		return audit.ActionJobDone
	}
}

func hostOf(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return u.Hostname()
}
