package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"mercator-hq/themis/pkg/cli"
	"mercator-hq/themis/pkg/config"
	"mercator-hq/themis/pkg/retention"
)

var jobsFlags struct {
	status string
	tenant string
	limit  int
	output string
}

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "List retention jobs",
	Long: `List retention jobs, newest first.

Examples:
  # All recent jobs
  themis jobs

  # Failed jobs for one tenant
  themis jobs --status FAILED --tenant acme

  # Machine-readable output
  themis jobs --output json`,
	RunE: runJobs,
}

func init() {
	rootCmd.AddCommand(jobsCmd)

	jobsCmd.Flags().StringVar(&jobsFlags.status, "status", "", "filter by job status")
	jobsCmd.Flags().StringVar(&jobsFlags.tenant, "tenant", "", "filter by tenant ID")
	jobsCmd.Flags().IntVar(&jobsFlags.limit, "limit", 50, "maximum number of jobs to list")
	jobsCmd.Flags().StringVarP(&jobsFlags.output, "output", "o", "text", "output format (text, json)")
}

func runJobs(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfigWithEnvOverrides(cfgFile)
	if err != nil {
		return cli.NewConfigError("", fmt.Sprintf("failed to load config: %v", err))
	}
	setupLogging(&cfg.Telemetry.Logging)

	store, closeStore, err := openStore(cfg)
	if err != nil {
		return cli.NewCommandError("jobs", err)
	}
	defer closeStore()

	filter := &retention.JobFilter{
		TenantID: jobsFlags.tenant,
		Limit:    jobsFlags.limit,
	}
	if jobsFlags.status != "" {
		filter.Statuses = []retention.JobStatus{retention.JobStatus(jobsFlags.status)}
	}

	jobs, err := store.Jobs().List(context.Background(), filter)
	if err != nil {
		return cli.NewCommandError("jobs", err)
	}

	if jobsFlags.output == "json" {
		formatter := cli.NewFormatter(cli.FormatJSON)
		return formatter.FormatTo(os.Stdout, jobs)
	}

	if len(jobs) == 0 {
		fmt.Println("No jobs found")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "JOB ID\tTENANT\tRECORD\tMETHOD\tSTATUS\tATTEMPTS\tUPDATED\tLAST ERROR")
	for _, job := range jobs {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%d/%d\t%s\t%s\n",
			job.JobID,
			job.TenantID,
			job.RecordKey(),
			job.DisposalMethod,
			job.Status,
			job.Attempts,
			job.MaxAttempts,
			job.UpdatedAt.Format("2006-01-02 15:04:05"),
			job.LastError,
		)
	}
	return w.Flush()
}
