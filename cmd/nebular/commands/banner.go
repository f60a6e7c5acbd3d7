package commands

import (
	"fmt"

	"github.com/pterm/pterm"

	"github.com/teranos/nebular/am"
	"github.com/teranos/nebular/sym"
	"github.com/teranos/nebular/version"
)

// printStartupBanner prints the server summary before it starts listening
func printStartupBanner(cfg *am.Config, addr string) {
	info := version.Get()

	pterm.DefaultHeader.WithFullWidth().Printf("%s nebular %s", sym.Pulse, info.Version)

	schedule := cfg.Pull.Schedule
	if schedule == "" {
		schedule = "manual only"
	}
	rows := [][]string{
		{"Version", fmt.Sprintf("%s (commit %s)", info.Version, info.Short())},
		{"Listen", addr},
		{"Database", cfg.GetDatabasePath()},
		{"Schedule", schedule},
		{"Workers", fmt.Sprintf("%d", cfg.Pull.Workers)},
		{"Flags", fmt.Sprintf("events_v2=%t job_batch_v2=%t optimistic_mutations=%t",
			cfg.Flags.EventsV2, cfg.Flags.JobBatchV2, cfg.Flags.OptimisticMutations)},
	}
	if path := am.ActiveConfigFile(); path != "" {
		rows = append(rows, []string{"Config", path})
	}
	_ = pterm.DefaultTable.WithData(rows).Render()
	pterm.Println()
	pterm.Info.Println("Press Ctrl+C to stop")
}
