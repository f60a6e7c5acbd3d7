package commands

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/nebular/audit"
	"github.com/teranos/nebular/errors"
	"github.com/teranos/nebular/internal/util"
	"github.com/teranos/nebular/logger"
	"github.com/teranos/nebular/pulse/async"
	"github.com/teranos/nebular/sym"
)

// JobsCmd inspects pull jobs and their attempt history
var JobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: sym.Pulse + " Inspect pull jobs",
	Long: sym.Pulse + ` jobs — inspect pull jobs

Examples:
  nebular jobs ls                      # most recently updated jobs
  nebular jobs ls --status failed      # only failed jobs
  nebular jobs runs <job-id>           # attempt history, newest first
  nebular jobs cancel <job-id>         # request cancellation
  nebular jobs counts                  # totals by status`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

var jobsLsCmd = &cobra.Command{
	Use:   "ls",
	Short: "List jobs",
	RunE:  runJobsLs,
}

var jobsRunsCmd = &cobra.Command{
	Use:   "runs <job-id>",
	Short: "Show the attempt history of a job",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobsRuns,
}

var jobsCancelCmd = &cobra.Command{
	Use:   "cancel <job-id>",
	Short: "Request cancellation of a job",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobsCancel,
}

var jobsCountsCmd = &cobra.Command{
	Use:   "counts",
	Short: "Show job totals by status",
	RunE:  runJobsCounts,
}

var (
	jobsStatus string
	jobsSource string
	jobsLimit  int
	runsLimit  int
	jobsDBPath string
)

func init() {
	jobsLsCmd.Flags().StringVar(&jobsStatus, "status", "", "Filter by status (pending, running, failed, done, cancelled)")
	jobsLsCmd.Flags().StringVar(&jobsSource, "source", "", "Filter by source ID")
	jobsLsCmd.Flags().IntVar(&jobsLimit, "limit", 50, "Maximum rows")
	jobsRunsCmd.Flags().IntVar(&runsLimit, "limit", 20, "Maximum rows")
	JobsCmd.PersistentFlags().StringVar(&jobsDBPath, "db-path", "", "Custom database path (overrides config)")

	JobsCmd.AddCommand(jobsLsCmd)
	JobsCmd.AddCommand(jobsRunsCmd)
	JobsCmd.AddCommand(jobsCancelCmd)
	JobsCmd.AddCommand(jobsCountsCmd)
}

func withJobStore(fn func(ctx context.Context, store *async.Store, env *jobsEnv) error) error {
	database, err := openDatabase(jobsDBPath)
	if err != nil {
		return err
	}
	defer database.Close()
	return fn(context.Background(), async.NewStore(database), &jobsEnv{audit: audit.NewLog(database, logger.Logger)})
}

// jobsEnv carries what job commands need besides the store
type jobsEnv struct {
	audit *audit.Log
}

func runJobsLs(cmd *cobra.Command, args []string) error {
	var filter async.JobFilter
	if jobsStatus != "" {
		if !async.IsValidStatus(jobsStatus) {
			return errors.Newf("unknown job status %q", jobsStatus)
		}
		filter.Status = util.Ptr(async.JobStatus(jobsStatus))
	}
	filter.SourceID = jobsSource

	return withJobStore(func(ctx context.Context, store *async.Store, _ *jobsEnv) error {
		jobs, err := store.ListJobs(ctx, filter, jobsLimit)
		if err != nil {
			return err
		}
		if len(jobs) == 0 {
			pterm.Info.Println("No jobs")
			return nil
		}

		rows := [][]string{{"ID", "Source", "Status", "Attempts", "Next attempt", "Updated", "Last error"}}
		for _, j := range jobs {
			next := "-"
			if j.NextAttemptAt != nil {
				next = j.NextAttemptAt.Local().Format(time.DateTime)
			}
			rows = append(rows, []string{
				shortID(j.ID),
				shortID(j.SourceID),
				statusLabel(j.Status, j.CancelRequested),
				fmt.Sprintf("%d/%d", j.AttemptCount, j.MaxAttempts),
				next,
				j.UpdatedAt.Local().Format(time.DateTime),
				truncate(j.LastError, 60),
			})
		}
		return pterm.DefaultTable.WithHasHeader().WithData(rows).Render()
	})
}

func runJobsRuns(cmd *cobra.Command, args []string) error {
	return withJobStore(func(ctx context.Context, store *async.Store, _ *jobsEnv) error {
		job, err := store.GetJob(ctx, args[0])
		if err != nil {
			return err
		}
		runs, err := store.ListJobRuns(ctx, job.ID, runsLimit)
		if err != nil {
			return err
		}

		pterm.Info.Printf("Job %s (source %s): %s, %d/%d attempts\n",
			job.ID, job.SourceID, job.Status, job.AttemptCount, job.MaxAttempts)
		if len(runs) == 0 {
			pterm.Println("No attempts yet")
			return nil
		}

		rows := [][]string{{"Attempt", "Status", "Class", "Host", "Format", "Duration", "Items", "Started", "Error"}}
		for _, r := range runs {
			rows = append(rows, []string{
				fmt.Sprint(r.Attempt),
				string(r.Status),
				string(r.ErrorClass),
				r.Provider,
				r.Model,
				(time.Duration(r.DurationMS) * time.Millisecond).String(),
				fmt.Sprint(r.ItemsFetched),
				r.StartedAt.Local().Format(time.DateTime),
				truncate(r.Error, 60),
			})
		}
		return pterm.DefaultTable.WithHasHeader().WithData(rows).Render()
	})
}

func runJobsCancel(cmd *cobra.Command, args []string) error {
	return withJobStore(func(ctx context.Context, store *async.Store, env *jobsEnv) error {
		job, err := store.RequestCancel(ctx, args[0], time.Now())
		if err != nil {
			return err
		}
		actor := os.Getenv("USER")
		if actor == "" {
			actor = "cli"
		}
		if err := env.audit.Record(ctx, audit.Entry{
			Actor:  actor,
			Action: audit.ActionJobCancelAsked,
			Target: job.ID,
			Detail: "status " + string(job.Status),
		}); err != nil {
			logger.Logger.Warnw("Failed to audit job cancel", logger.FieldJobID, job.ID, logger.FieldError, err)
		}

		if job.Status == async.JobStatusCancelled {
			pterm.Success.Printf("Job %s cancelled\n", job.ID)
		} else {
			pterm.Info.Printf("Cancellation requested; job %s stops after its current attempt\n", job.ID)
		}
		return nil
	})
}

func runJobsCounts(cmd *cobra.Command, args []string) error {
	return withJobStore(func(ctx context.Context, store *async.Store, _ *jobsEnv) error {
		c, err := store.GetJobCounts(ctx)
		if err != nil {
			return err
		}
		return pterm.DefaultTable.WithHasHeader().WithData([][]string{
			{"Pending", "Running", "Failed", "Done", "Cancelled", "Total"},
			{fmt.Sprint(c.Pending), fmt.Sprint(c.Running), fmt.Sprint(c.Failed),
				fmt.Sprint(c.Done), fmt.Sprint(c.Cancelled), fmt.Sprint(c.Total())},
		}).Render()
	})
}

func statusLabel(s async.JobStatus, cancelRequested bool) string {
	label := string(s)
	switch s {
	case async.JobStatusDone:
		label = pterm.Green(label)
	case async.JobStatusFailed:
		label = pterm.Red(label)
	case async.JobStatusRunning:
		label = pterm.Cyan(label)
	}
	if cancelRequested && !s.IsTerminal() {
		label += " (cancelling)"
	}
	return label
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-1] + "…"
}
