package commands

import (
	"bytes"
	"cmp"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/nebular/am"
	"github.com/teranos/nebular/errors"
	"github.com/teranos/nebular/logger"
	"github.com/teranos/nebular/pulse/pull"
	"github.com/teranos/nebular/sym"
)

// PullCmd runs a manual pull
var PullCmd = &cobra.Command{
	Use:   "pull",
	Short: sym.PulseOpen + " Run a manual pull",
	Long: sym.PulseOpen + ` pull — fetch every due feed source now

Runs 1 to 10 cycles (out-of-range values are clamped). By default the
pull runs in this process against the configured database; with
--remote it is requested from a running server, which answers 409 when
a pull is already in progress.

Examples:
  nebular pull                           # one cycle in-process
  nebular pull --cycles 3                # three cycles
  nebular pull --remote http://localhost:7070 --actor alice`,
	RunE: runPull,
}

var (
	pullCycles int
	pullActor  string
	pullRemote string
	pullDBPath string
	pullJSON   bool
)

func init() {
	PullCmd.Flags().IntVarP(&pullCycles, "cycles", "c", 0, "Number of cycles (default from pull.default_cycles)")
	PullCmd.Flags().StringVar(&pullActor, "actor", "", "Actor recorded in the audit log (default $USER)")
	PullCmd.Flags().StringVar(&pullRemote, "remote", "", "Base URL of a running server to trigger instead")
	PullCmd.Flags().StringVar(&pullDBPath, "db-path", "", "Custom database path (overrides config)")
	PullCmd.Flags().BoolVar(&pullJSON, "json", false, "Print stats as JSON")
}

func runPull(cmd *cobra.Command, args []string) error {
	cfg, err := am.Load()
	if err != nil {
		return errors.Wrap(err, "failed to load configuration")
	}
	cycles := pullCycles
	if cycles == 0 {
		cycles = cfg.Pull.DefaultCycles
	}
	actor := pullActor
	if actor == "" {
		actor = cmp.Or(os.Getenv("USER"), "cli")
	}

	var stats *pull.Stats
	if pullRemote != "" {
		stats, err = remotePull(cmd.Context(), pullRemote, actor, cycles)
	} else {
		stats, err = localPull(cfg, actor, cycles)
	}
	if err != nil {
		if errors.IsAlreadyInProgress(err) {
			pterm.Warning.Println("A pull is already running; try again when it finishes")
		}
		return err
	}

	if pullJSON {
		out, err := json.MarshalIndent(stats, "", "  ")
		if err != nil {
			return errors.Wrap(err, "failed to marshal stats")
		}
		fmt.Println(string(out))
		return nil
	}
	printStats(stats)
	return nil
}

func localPull(cfg *am.Config, actor string, cycles int) (*pull.Stats, error) {
	database, err := openDatabase(pullDBPath)
	if err != nil {
		return nil, err
	}
	defer database.Close()

	rt, err := buildRuntime(cfg, database, logger.Logger)
	if err != nil {
		return nil, err
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if _, err := rt.jobs.RecoverOrphanedJobs(ctx, time.Now()); err != nil {
		return nil, err
	}
	if err := rt.applySeed(ctx, logger.Logger); err != nil {
		return nil, err
	}

	spinner, _ := pterm.DefaultSpinner.Start(fmt.Sprintf("Pulling (%d cycle(s))...", pull.ClampCycles(cycles)))
	stats, err := rt.puller.RunManualPull(ctx, actor, cycles)
	if spinner != nil {
		if err != nil {
			spinner.Fail("Pull failed")
		} else {
			spinner.Success("Pull finished")
		}
	}
	return stats, err
}

// remoteError is the JSON error body returned by the server
type remoteError struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func remotePull(ctx context.Context, baseURL, actor string, cycles int) (*pull.Stats, error) {
	body, _ := json.Marshal(map[string]int{"cycles": cycles})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(baseURL, "/")+"/api/pull", bytes.NewReader(body))
	if err != nil {
		return nil, errors.Wrap(err, "invalid remote URL")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Actor", actor)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "pull request failed")
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read pull response")
	}

	if resp.StatusCode != http.StatusOK {
		var re remoteError
		_ = json.Unmarshal(data, &re)
		switch re.Code {
		case "already_in_progress":
			return nil, errors.WithDetail(errors.ErrAlreadyInProgress, re.Error)
		case "store_unavailable":
			return nil, errors.Mark(errors.Newf("remote: %s", re.Error), errors.ErrStoreUnavailable)
		}
		return nil, errors.Newf("remote pull failed: HTTP %d %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}

	var stats pull.Stats
	if err := json.Unmarshal(data, &stats); err != nil {
		return nil, errors.Wrap(err, "failed to decode pull stats")
	}
	return &stats, nil
}

func printStats(s *pull.Stats) {
	status := "completed"
	if s.Cancelled {
		status = "cancelled"
	}
	pterm.Info.Printf("Run %s by %s: %s in %s\n", shortID(s.RunID), s.Actor, status,
		s.CompletedAt.Sub(s.StartedAt).Round(time.Millisecond))

	rows := [][]string{{"Cycle", "Due", "Attempted", "Succeeded", "Failed", "Requeued", "Cancelled", "Skipped", "Articles"}}
	for _, c := range s.Cycles {
		rows = append(rows, []string{
			fmt.Sprint(c.Cycle), fmt.Sprint(c.Due), fmt.Sprint(c.Attempted), fmt.Sprint(c.Succeeded),
			fmt.Sprint(c.Failed), fmt.Sprint(c.Requeued), fmt.Sprint(c.JobsCancelled), fmt.Sprint(c.Skipped),
			fmt.Sprint(c.ArticlesChanged),
		})
	}
	rows = append(rows, []string{
		"total", "", fmt.Sprint(s.Attempted), fmt.Sprint(s.Succeeded), fmt.Sprint(s.Failed),
		fmt.Sprint(s.Requeued), fmt.Sprint(s.JobsCancelled), "", fmt.Sprint(s.ArticlesChanged),
	})
	_ = pterm.DefaultTable.WithHasHeader().WithData(rows).Render()
}

func shortID(id string) string {
	if len(id) >= 8 {
		return id[:8]
	}
	return id
}
