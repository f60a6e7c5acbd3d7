package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/teranos/nebular/cmd/nebular/commands"
	"github.com/teranos/nebular/errors"
	"github.com/teranos/nebular/logger"
)

var rootCmd = &cobra.Command{
	Use:   "nebular",
	Short: "nebular - feed pull scheduler",
	Long: `nebular - single-flight pull scheduler for RSS/Atom feed sources.

Available commands:
  server  - Start the pull API, event stream and scheduler
  pull    - Run a manual pull
  jobs    - Inspect pull jobs and attempts
  db      - Manage the database
  am      - Manage configuration ("I am")
  version - Show version information

Examples:
  nebular server                 # Serve on the configured port
  nebular pull --cycles 3        # Three pull cycles now
  nebular jobs ls --status failed
  nebular am show`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// am show output must stay machine-readable
		if cmd.Name() == "show" {
			return nil
		}
		if verbose, _ := cmd.Flags().GetCount("verbose"); verbose > 0 && os.Getenv("NEBULAR_LOG_LEVEL") == "" {
			os.Setenv("NEBULAR_LOG_LEVEL", "debug")
		}
		jsonLogs, _ := cmd.Flags().GetBool("log-json")
		if err := logger.Initialize(jsonLogs); err != nil {
			return errors.Wrap(err, "failed to initialize logger")
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		logger.Cleanup()
	},
}

func init() {
	rootCmd.PersistentFlags().CountP("verbose", "v", "Increase output verbosity (-v enables debug logs)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Emit structured JSON logs")

	rootCmd.AddCommand(commands.ServerCmd)
	rootCmd.AddCommand(commands.PullCmd)
	rootCmd.AddCommand(commands.JobsCmd)
	rootCmd.AddCommand(commands.DbCmd)
	rootCmd.AddCommand(commands.AmCmd)
	rootCmd.AddCommand(commands.VersionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
