package commands

import (
	"fmt"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/nebular/db"
	"github.com/teranos/nebular/errors"
	"github.com/teranos/nebular/sym"
)

// DbCmd represents the db (database) command
var DbCmd = &cobra.Command{
	Use:   "db",
	Short: sym.DB + " Manage the nebular database",
	Long: sym.DB + ` db — Manage the nebular database

Examples:
  nebular db migrate              # Apply pending migrations
  nebular db stats                # Row counts per table`,
}

var dbMigrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending migrations",
	RunE:  runDbMigrate,
}

var dbStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show database statistics",
	RunE:  runDbStats,
}

var dbPathFlag string

func init() {
	DbCmd.PersistentFlags().StringVar(&dbPathFlag, "db-path", "", "Custom database path (overrides config)")
	DbCmd.AddCommand(dbMigrateCmd)
	DbCmd.AddCommand(dbStatsCmd)
}

func runDbMigrate(cmd *cobra.Command, args []string) error {
	// openDatabase migrates on open
	database, err := openDatabase(dbPathFlag)
	if err != nil {
		return err
	}
	defer database.Close()

	version, err := db.SchemaVersion(cmd.Context(), database)
	if err != nil {
		return err
	}
	pterm.Success.Printf("%s Database is at schema version %s\n", sym.DB, version)
	return nil
}

var statsTables = []string{"feed_sources", "articles", "pull_jobs", "pull_job_runs", "audit_log"}

func runDbStats(cmd *cobra.Command, args []string) error {
	database, err := openDatabase(dbPathFlag)
	if err != nil {
		return err
	}
	defer database.Close()

	rows := [][]string{{"Table", "Rows"}}
	for _, table := range statsTables {
		var n int
		// table names come from the fixed list above
		if err := database.QueryRow("SELECT COUNT(*) FROM " + table).Scan(&n); err != nil {
			return errors.Wrapf(err, "failed to count %s", table)
		}
		rows = append(rows, []string{table, fmt.Sprint(n)})
	}

	pterm.DefaultSection.Printf("%s Database Statistics", sym.DB)
	return pterm.DefaultTable.WithHasHeader().WithData(rows).Render()
}
