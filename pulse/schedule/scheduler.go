// Package schedule triggers pulls, the guard watchdog and job cleanup on cron schedules.
package schedule

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/teranos/nebular/errors"
	"github.com/teranos/nebular/logger"
	"github.com/teranos/nebular/pulse/pull"
)

// Default specs for the housekeeping entries
const (
	DefaultWatchdogSpec = "@every 1m"
	DefaultCleanupSpec  = "@every 1h"
)

// Puller runs a scheduled pull
type Puller interface {
	RunScheduledPull(ctx context.Context) (*pull.Stats, error)
}

// Watchdog frees a stuck pull guard
type Watchdog interface {
	Check(ctx context.Context) bool
}

// Cleaner deletes terminal jobs older than a cutoff
type Cleaner interface {
	CleanupOldJobs(ctx context.Context, cutoff time.Time) (int64, error)
}

// Config holds cron specs. An empty spec disables that entry.
type Config struct {
	PullSpec     string
	WatchdogSpec string
	CleanupSpec  string
	Retention    time.Duration // 0 disables cleanup
}

// Scheduler owns a cron runner with up to three entries
type Scheduler struct {
	cron     *cron.Cron
	puller   Puller
	watchdog Watchdog
	cleaner  Cleaner
	cfg      Config
	now      func() time.Time

	ctx    context.Context
	cancel context.CancelFunc

	logger   *zap.SugaredLogger
	pulseLog *zap.SugaredLogger

	mu           sync.Mutex
	pullsRun     int64
	pullsSkipped int64
}

// New creates a scheduler. watchdog and cleaner may be nil.
func New(cfg Config, puller Puller, watchdog Watchdog, cleaner Cleaner, log *zap.SugaredLogger) (*Scheduler, error) {
	log = logger.OrNop(log).Named("schedule")
	ctx, cancel := context.WithCancel(context.Background())

	s := &Scheduler{
		puller:   puller,
		watchdog: watchdog,
		cleaner:  cleaner,
		cfg:      cfg,
		now:      time.Now,
		ctx:      ctx,
		cancel:   cancel,
		logger:   log,
		pulseLog: logger.AddPulseSymbol(log),
	}

	cl := cronLogger{log}
	s.cron = cron.New(cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)), cron.WithLogger(cl))

	entries := []struct {
		name string
		spec string
		run  func()
		on   bool
	}{
		{"pull", cfg.PullSpec, func() { s.RunPull(s.ctx) }, puller != nil},
		{"watchdog", cfg.WatchdogSpec, func() { s.RunWatchdog(s.ctx) }, watchdog != nil},
		{"cleanup", cfg.CleanupSpec, func() { s.RunCleanup(s.ctx) }, cleaner != nil && cfg.Retention > 0},
	}
	for _, e := range entries {
		if e.spec == "" || !e.on {
			continue
		}
		if _, err := s.cron.AddFunc(e.spec, e.run); err != nil {
			cancel()
			return nil, errors.Wrapf(err, "invalid %s schedule %q", e.name, e.spec)
		}
	}
	return s, nil
}

// Start begins running entries in the background
func (s *Scheduler) Start() {
	s.cron.Start()
	s.pulseLog.Infow("Scheduler started",
		"pull", s.cfg.PullSpec,
		"watchdog", s.cfg.WatchdogSpec,
		"cleanup", s.cfg.CleanupSpec,
		"entries", len(s.cron.Entries()),
	)
}

// Stop cancels running entries and waits for them to return
func (s *Scheduler) Stop() {
	s.cancel()
	<-s.cron.Stop().Done()
	s.pulseLog.Infow("Scheduler stopped")
}

// RunPull triggers one scheduled pull. A pull already in progress is skipped.
func (s *Scheduler) RunPull(ctx context.Context) {
	stats, err := s.puller.RunScheduledPull(ctx)

	s.mu.Lock()
	if errors.IsAlreadyInProgress(err) {
		s.pullsSkipped++
	} else {
		s.pullsRun++
	}
	s.mu.Unlock()

	switch {
	case errors.IsAlreadyInProgress(err):
		s.pulseLog.Debugw("Scheduled pull skipped, another pull is running")
	case err != nil:
		s.pulseLog.Warnw("Scheduled pull failed", logger.FieldError, err)
	default:
		s.pulseLog.Debugw("Scheduled pull finished",
			logger.FieldRunID, stats.RunID,
			logger.FieldCount, stats.Attempted,
		)
	}
}

// RunWatchdog runs one watchdog check
func (s *Scheduler) RunWatchdog(ctx context.Context) {
	if s.watchdog.Check(ctx) {
		s.pulseLog.Warnw("Watchdog released a stuck pull")
	}
}

// RunCleanup deletes terminal jobs older than the retention period
func (s *Scheduler) RunCleanup(ctx context.Context) {
	cutoff := s.now().Add(-s.cfg.Retention)
	n, err := s.cleaner.CleanupOldJobs(ctx, cutoff)
	if err != nil {
		s.pulseLog.Warnw("Job cleanup failed", logger.FieldError, err)
		return
	}
	if n > 0 {
		s.pulseLog.Infow("Cleaned up old jobs", logger.FieldCount, n, "cutoff", cutoff)
	}
}

// PullCounts returns how many scheduled pulls ran and how many were skipped
func (s *Scheduler) PullCounts() (run, skipped int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pullsRun, s.pullsSkipped
}

// cronLogger adapts zap to cron.Logger
type cronLogger struct {
	l *zap.SugaredLogger
}

func (c cronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.l.Debugw(msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	c.l.Errorw(msg, append(keysAndValues, logger.FieldError, err)...)
}
