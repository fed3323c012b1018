package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/anstrom/portsim/internal/errors"
	"github.com/anstrom/portsim/internal/scheduler"
)

var jobsFormat string

// jobsCmd represents the jobs command
var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "List scheduled scan jobs from the configuration",
	Long: `List the scheduled scan jobs defined under scheduler.jobs in the
configuration, with their resolved port counts and next run times.`,
	Example: `  portsim jobs
  portsim jobs run nightly-web`,
	Args: cobra.NoArgs,
	RunE: runJobsList,
}

var jobsRunCmd = &cobra.Command{
	Use:   "run <name>",
	Short: "Run a scheduled job once, right now",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobsRun,
}

func init() {
	rootCmd.AddCommand(jobsCmd)
	jobsCmd.AddCommand(jobsRunCmd)
	jobsCmd.Flags().StringVarP(&jobsFormat, "format", "f", formatTable, "output format: table or json")
}

func runJobsList(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := initLogging(cfg)

	// Listing never runs a scan, so the scheduler gets no runner.
	sched := scheduler.New(nil, cfg.Scanning, scheduler.WithLogger(logger.WithComponent("scheduler")))
	if err := sched.LoadJobs(cfg.Scheduler); err != nil {
		return err
	}

	jobs := sched.Jobs()
	if jobsFormat == formatJSON {
		return writeIndentedJSON(cmd.OutOrStdout(), jobs)
	}
	if len(jobs) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No scheduled jobs configured")
		return nil
	}
	return writeJobTable(cmd.OutOrStdout(), jobs)
}

func runJobsRun(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := initLogging(cfg)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	svc := newServices(ctx, cfg, logger)
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		svc.Close(closeCtx)
	}()

	sched := scheduler.New(svc.engine, cfg.Scanning,
		scheduler.WithLogger(logger.WithComponent("scheduler")),
		scheduler.WithMetrics(svc.metrics))
	if err := sched.LoadJobs(cfg.Scheduler); err != nil {
		return err
	}

	// Ctrl-C stops the running scan; RunNow then returns with a stopped outcome.
	go func() {
		<-ctx.Done()
		svc.engine.Stop()
	}()

	outcome, err := sched.RunNow(args[0])
	if err != nil {
		return err
	}
	if outcome == "" {
		return errors.NewScanError(errors.CodeValidation, "job is disabled").WithContext("job", args[0])
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Job %s: %s\n", args[0], outcome)
	if last := svc.engine.Last(); last != nil {
		fmt.Fprintf(cmd.OutOrStdout(), "Session %s: %d open of %d scanned\n",
			last.ID(), last.OpenCount(), last.Scanned())
	}
	return nil
}

func writeJobTable(w io.Writer, jobs []scheduler.JobStatus) error {
	table := tablewriter.NewWriter(w)
	table.Header("Name", "Schedule", "Target", "Ports", "Method", "Enabled", "Next Run")
	for _, j := range jobs {
		next := "-"
		if j.Enabled && !j.NextRun.IsZero() {
			next = j.NextRun.Format(time.RFC3339)
		}
		_ = table.Append([]string{
			j.Name, j.Schedule, j.Target, strconv.Itoa(j.Ports), j.Method,
			strconv.FormatBool(j.Enabled), next,
		})
	}
	return table.Render()
}
