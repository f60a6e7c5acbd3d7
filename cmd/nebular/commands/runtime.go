package commands

import (
	"context"
	"database/sql"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/nebular/am"
	"github.com/teranos/nebular/audit"
	"github.com/teranos/nebular/db"
	"github.com/teranos/nebular/errors"
	"github.com/teranos/nebular/feeds"
	"github.com/teranos/nebular/flags"
	"github.com/teranos/nebular/logger"
	"github.com/teranos/nebular/pulse/async"
	"github.com/teranos/nebular/pulse/events"
	"github.com/teranos/nebular/pulse/pull"
)

// openDatabase opens and migrates a database. An empty dbPath falls back to am config.
func openDatabase(dbPath string) (*sql.DB, error) {
	if dbPath == "" {
		path, err := am.GetDatabasePath()
		if err != nil {
			return nil, errors.Wrap(err, "failed to get database path")
		}
		dbPath = path
	}
	if dbPath == "" {
		dbPath = "nebular.db"
	}

	database, err := db.OpenWithMigrations(dbPath, logger.Logger)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open database at %s", dbPath)
	}
	return database, nil
}

// runtime is the wired pull stack shared by the server and one-shot commands
type runtime struct {
	cfg      *am.Config
	db       *sql.DB
	flags    *flags.ConfigProvider
	bus      *events.Bus
	jobs     *async.Store
	recorder *async.Recorder
	sources  *feeds.SourceStore
	articles *feeds.ArticleStore
	audit    *audit.Log
	guard    *pull.Guard
	puller   *pull.Orchestrator
}

// buildRuntime wires stores, fetcher, bus and orchestrator from cfg
func buildRuntime(cfg *am.Config, database *sql.DB, log *zap.SugaredLogger) (*runtime, error) {
	classifier, err := feeds.LoadClassifier(cfg.Fetch.ClassificationFile)
	if err != nil {
		return nil, err
	}

	fetchTimeout := time.Duration(cfg.Fetch.TimeoutSeconds) * time.Second
	fetcher := feeds.NewFetcher(feeds.FetcherOptions{
		UserAgent:         cfg.Fetch.UserAgent,
		Timeout:           fetchTimeout,
		RequestsPerMinute: cfg.Fetch.RequestsPerMinute,
		AllowPrivateHosts: cfg.Fetch.AllowPrivateHosts,
		Classifier:        classifier,
	}, log)

	rt := &runtime{
		cfg:      cfg,
		db:       database,
		flags:    flags.NewConfigProvider(cfg.Flags),
		jobs:     async.NewStore(database),
		sources:  feeds.NewSourceStore(database),
		articles: feeds.NewArticleStore(database),
		audit:    audit.NewLog(database, log),
		guard:    pull.NewGuard(cfg.Pull.StrictGuard, log),
	}

	busOpts := []events.BusOption{events.WithThrottle(cfg.Events.Throttle())}
	if cfg.Events.SubscriberBuffer > 0 {
		busOpts = append(busOpts, events.WithSubscriberBuffer(cfg.Events.SubscriberBuffer))
	}
	rt.bus = events.NewBus(rt.flags, log, busOpts...)
	rt.recorder = async.NewRecorder(rt.jobs, rt.bus, log)

	rt.puller = pull.NewOrchestrator(pull.ConfigFrom(cfg.Pull), pull.Deps{
		Guard:    rt.guard,
		Jobs:     rt.jobs,
		Recorder: rt.recorder,
		Sources:  rt.sources,
		Articles: rt.articles,
		Fetcher:  fetcher,
		Bus:      rt.bus,
		Flags:    rt.flags,
		Audit:    rt.audit,
		Logger:   log,
	})
	return rt, nil
}

// applySeed upserts the configured seed file, if any
func (rt *runtime) applySeed(ctx context.Context, log *zap.SugaredLogger) error {
	path := rt.cfg.Feeds.SeedFile
	if path == "" {
		return nil
	}
	entries, err := feeds.LoadSeed(path)
	if err != nil {
		return err
	}
	interval := time.Duration(rt.cfg.Feeds.DefaultPollIntervalSeconds) * time.Second
	n, err := feeds.ApplySeed(ctx, rt.sources, entries, interval, time.Now())
	if err != nil {
		return err
	}
	logger.AddFeedSymbol(log).Infow("Seeded feed sources", logger.FieldCount, n, "file", path)
	return nil
}
