package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/nebular/am"
	"github.com/teranos/nebular/errors"
	"github.com/teranos/nebular/logger"
	"github.com/teranos/nebular/pulse/pull"
	"github.com/teranos/nebular/pulse/schedule"
	"github.com/teranos/nebular/server"
	"github.com/teranos/nebular/sym"
)

// ServerCmd starts the pull API, the event stream and the scheduler
var ServerCmd = &cobra.Command{
	Use:     "server",
	Aliases: []string{"serve"},
	Short:   sym.Pulse + " Start the pull scheduler server",
	Long: sym.Pulse + ` server — run the pull scheduler

Serves the pull API and the /ws/events stream, runs scheduled pulls,
the guard watchdog and job cleanup. Config file changes to [flags]
take effect without a restart.`,
	RunE: runServer,
}

var (
	serverDBPath string
	serverPort   int
)

func init() {
	ServerCmd.Flags().StringVar(&serverDBPath, "db-path", "", "Custom database path (overrides config)")
	ServerCmd.Flags().IntVar(&serverPort, "port", 0, "Listen port (overrides config)")
}

func runServer(cmd *cobra.Command, args []string) error {
	cfg, err := am.Load()
	if err != nil {
		return errors.Wrap(err, "failed to load configuration")
	}
	if err := cfg.Validate(); err != nil {
		return errors.Wrap(err, "invalid configuration")
	}
	log := logger.Logger

	database, err := openDatabase(serverDBPath)
	if err != nil {
		return err
	}
	defer database.Close()

	rt, err := buildRuntime(cfg, database, log)
	if err != nil {
		return err
	}
	if err := rt.applySeed(cmd.Context(), log); err != nil {
		return errors.Wrap(err, "failed to seed feed sources")
	}

	// Hot-reload feature flags from the active config file
	if path := am.ActiveConfigFile(); path != "" {
		cw, err := am.NewConfigWatcher(path, log)
		if err != nil {
			log.Warnw("Config watcher unavailable, flags are fixed for this run", logger.FieldError, err)
		} else {
			rt.flags.Watch(cw)
			cw.Start()
			defer cw.Stop()
		}
	}

	var services []server.BackgroundService
	if cfg.Pull.Schedule != "" {
		sched, err := schedule.New(schedule.Config{
			PullSpec:  cfg.Pull.Schedule,
			Retention: cfg.Pull.Retention(),
		}, rt.puller, pull.NewWatchdog(rt.puller, cfg.Pull.WatchdogMax()), rt.jobs, log)
		if err != nil {
			return err
		}
		services = append(services, sched)
	}

	srv := server.New(server.Deps{
		Puller:   rt.puller,
		Jobs:     rt.jobs,
		Recorder: rt.recorder,
		Audit:    rt.audit,
		Bus:      rt.bus,
		Services: services,
	}, server.Options{
		AllowedOrigins: cfg.GetServerAllowedOrigins(),
		DefaultCycles:  cfg.Pull.DefaultCycles,
	}, log)

	port := cfg.GetServerPort()
	if serverPort > 0 {
		port = serverPort
	}
	addr := fmt.Sprintf(":%d", port)
	printStartupBanner(cfg, addr)

	errChan := make(chan error, 1)
	go func() {
		errChan <- srv.Start(addr)
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	select {
	case err := <-errChan:
		return errors.Wrap(err, "server stopped")
	case <-ctx.Done():
		stop() // a second Ctrl+C now kills the process
		pterm.Info.Println("Shutting down gracefully (press Ctrl+C again to force)...")
		if err := srv.Stop(); err != nil {
			return err
		}
		pterm.Success.Println("Server stopped")
		return nil
	}
}
