package cli

import (
	"fmt"
	"strings"
	"time"

	"github.com/raphaelgruber/embedctl/internal/models"
	"github.com/spf13/cobra"
)

var (
	historyLimit  int
	historyStatus string
)

var jobsCmd = &cobra.Command{
	Use:   "jobs <job-id>",
	Short: "Inspect or delete embedding jobs",
	Long: `Show the progress of a job by local or remote ID.

The job is looked up locally first, then on the embedding service, then in
job history.

Examples:
  embedctl jobs a1b2c3d4          # Show progress of job a1b2c3d4
  embedctl jobs delete a1b2c3d4   # Stop and delete job a1b2c3d4`,
	Args: cobra.ExactArgs(1),
	RunE: runJobs,
}

var jobsDeleteCmd = &cobra.Command{
	Use:   "delete <job-id>",
	Short: "Delete a job on the service and in history",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := deps.Commands.DeleteJob(cmd.Context(), args[0]); err != nil {
			return fmt.Errorf("delete job: %w", err)
		}
		fmt.Printf("Deleted job %s\n", args[0])
		return nil
	},
}

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "List recent jobs, newest first",
	Long: `List recent embedding jobs from job history.

Without SURREALDB_URL only jobs of the current process are known, so the
list is empty.

Examples:
  embedctl history
  embedctl history --status failed --limit 10`,
	Args: cobra.NoArgs,
	RunE: runHistory,
}

func init() {
	jobsCmd.AddCommand(jobsDeleteCmd)

	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 20, "maximum number of jobs")
	historyCmd.Flags().StringVar(&historyStatus, "status", "", "only jobs with this status (running, completed, failed)")
}

func runJobs(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	id := args[0]

	snap, err := deps.Commands.GetJobStatus(ctx, id)
	if err != nil {
		return fmt.Errorf("get job: %w", err)
	}

	fmt.Printf("Job: %s\n", snap.JobID)
	fmt.Printf("  Status: %s\n", snap.Status)
	fmt.Printf("  Progress: %d/%d (%.0f%%)\n", snap.Completed+snap.Failed, snap.Total, snap.Fraction()*100)
	fmt.Printf("  Completed: %d\n", snap.Completed)
	fmt.Printf("  Failed: %d\n", snap.Failed)
	fmt.Printf("  Pending: %d\n", snap.Pending)

	rec, err := deps.Commands.Jobs().Lookup(ctx, id)
	if err != nil || rec == nil {
		return nil
	}
	printRecordDetails(*rec)
	return nil
}

func printRecordDetails(rec models.JobRecord) {
	if rec.RemoteID != "" {
		fmt.Printf("  Remote job: %s\n", rec.RemoteID)
	}
	if len(rec.BatchIDs) > 0 {
		fmt.Printf("  Batches: %s\n", strings.Join(rec.BatchIDs, ", "))
	}
	fmt.Printf("  Started: %s\n", rec.StartedAt.Format(time.RFC3339))
	if rec.CompletedAt != nil {
		fmt.Printf("  Finished: %s\n", rec.CompletedAt.Format(time.RFC3339))
		fmt.Printf("  Duration: %s\n", rec.CompletedAt.Sub(rec.StartedAt).Round(time.Millisecond))
	}
	if rec.Error != "" {
		fmt.Printf("  Error: %s\n", rec.Error)
	}
	if m := rec.Metrics; m != nil {
		fmt.Println("\nMetrics:")
		fmt.Printf("  Success rate: %.1f%%\n", m.SuccessRate)
		fmt.Printf("  Timeouts: %d\n", m.TimeoutCount)
		fmt.Printf("  Throughput: %.2f chunks/s\n", m.Throughput)
		fmt.Printf("  Avg task wait: %s\n", m.AvgTaskWait.Round(time.Millisecond))
		fmt.Printf("  Source: %s\n", m.Source)
	}
}

func runHistory(cmd *cobra.Command, args []string) error {
	status := models.JobStatus(strings.ToLower(historyStatus))
	switch status {
	case "", models.JobRunning, models.JobCompleted, models.JobFailed:
	default:
		return fmt.Errorf("invalid status %q", historyStatus)
	}

	records, err := deps.Commands.Jobs().History(cmd.Context(), historyLimit)
	if err != nil {
		return fmt.Errorf("list jobs: %w", err)
	}

	if status != "" {
		filtered := records[:0]
		for _, r := range records {
			if r.Status == status {
				filtered = append(filtered, r)
			}
		}
		records = filtered
	}

	if len(records) == 0 {
		fmt.Println("No jobs found")
		return nil
	}

	fmt.Printf("%-10s %-12s %-10s %-8s %s\n", "ID", "STATUS", "PROGRESS", "FAILED", "STARTED")
	fmt.Println("------------------------------------------------------------------")
	for _, r := range records {
		progress := fmt.Sprintf("%d/%d", r.CompletedChunks, r.TotalChunks)
		started := r.StartedAt.Local().Format("2006-01-02 15:04:05")
		fmt.Printf("%-10s %-12s %-10s %-8d %s\n", r.ID, r.Status, progress, r.FailedChunks, started)
	}
	return nil
}
