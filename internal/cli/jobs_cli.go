package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Inspect and manage queued jobs",
}

var jobsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List jobs, newest first",
	RunE:  runJobsList,
}

var jobsGetCmd = &cobra.Command{
	Use:   "get <job-id>",
	Short: "Show every record of a job, including retries",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobsGet,
}

var jobsRetryCmd = &cobra.Command{
	Use:   "retry <job-id>",
	Short: "Revive a parked failed job for immediate retry",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobsRetry,
}

var jobsCancelCmd = &cobra.Command{
	Use:   "cancel <job-id>",
	Short: "Cancel a pending job",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobsCancel,
}

var jobsStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show queue depth by status",
	RunE:  runJobsStats,
}

func init() {
	jobsCmd.PersistentFlags().String("admin-token", "", "Admin token (or set COMPMEM_ADMIN_TOKEN)")
	jobsCmd.PersistentFlags().String("url", "", "Server URL (default http://127.0.0.1:8090)")

	jobsListCmd.Flags().String("status", "", "Filter by status (pending, in_progress, completed, failed, dead_letter, cancelled)")
	jobsListCmd.Flags().String("type", "", "Filter by job type")
	jobsListCmd.Flags().Int("limit", 50, "Maximum results")

	jobsCmd.AddCommand(jobsListCmd)
	jobsCmd.AddCommand(jobsGetCmd)
	jobsCmd.AddCommand(jobsRetryCmd)
	jobsCmd.AddCommand(jobsCancelCmd)
	jobsCmd.AddCommand(jobsStatsCmd)
}

func runJobsList(cmd *cobra.Command, _ []string) error {
	outFmt := outputFormat(cmd)
	status, _ := cmd.Flags().GetString("status")
	jobType, _ := cmd.Flags().GetString("type")
	limit, _ := cmd.Flags().GetInt("limit")

	path := "/api/admin/jobs?"
	if status != "" {
		path += "status=" + status + "&"
	}
	if jobType != "" {
		path += "type=" + jobType + "&"
	}
	if limit > 0 {
		path += fmt.Sprintf("limit=%d&", limit)
	}

	resp, body, err := adminRequest(cmd, "GET", path, nil)
	if err != nil {
		return err
	}
	if resp.StatusCode != 200 {
		return fmt.Errorf("server error: %s", string(body))
	}

	var result struct {
		Items []map[string]any `json:"items"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return fmt.Errorf("parsing response: %w", err)
	}

	if outFmt == "json" {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(result.Items)
	}

	if len(result.Items) == 0 {
		fmt.Println("No jobs found.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tTYPE\tSTATUS\tATTEMPTS\tSCHEDULED")
	for _, j := range result.Items {
		id, _ := j["id"].(string)
		typ, _ := j["type"].(string)
		status, _ := j["status"].(string)
		attempts, _ := j["attempts"].(float64)
		scheduled, _ := j["scheduledFor"].(string)
		if len(scheduled) > 19 {
			scheduled = scheduled[:19]
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%.0f\t%s\n", id, typ, status, attempts, scheduled)
	}
	return w.Flush()
}

func runJobsGet(cmd *cobra.Command, args []string) error {
	outFmt := outputFormat(cmd)
	resp, body, err := adminRequest(cmd, "GET", "/api/admin/jobs/"+args[0], nil)
	if err != nil {
		return err
	}
	if resp.StatusCode != 200 {
		return fmt.Errorf("server error: %s", string(body))
	}

	var result struct {
		Records []map[string]any `json:"records"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return fmt.Errorf("parsing response: %w", err)
	}

	if outFmt == "json" {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(result.Records)
	}

	// A job has one record per attempt chain link, oldest first.
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "STATUS\tATTEMPTS\tSCHEDULED\tWORKER\tERROR")
	for _, r := range result.Records {
		status, _ := r["status"].(string)
		attempts, _ := r["attempts"].(float64)
		scheduled, _ := r["scheduledFor"].(string)
		if len(scheduled) > 19 {
			scheduled = scheduled[:19]
		}
		lockedBy, _ := r["lockedBy"].(string)
		lastError, _ := r["lastError"].(string)
		fmt.Fprintf(w, "%s\t%.0f\t%s\t%s\t%s\n", status, attempts, scheduled, lockedBy, lastError)
	}
	return w.Flush()
}

func runJobsRetry(cmd *cobra.Command, args []string) error {
	jobID := args[0]
	resp, body, err := adminRequest(cmd, "POST", "/api/admin/jobs/"+jobID+"/retry", nil)
	if err != nil {
		return err
	}
	if resp.StatusCode != 200 {
		return fmt.Errorf("retry failed: %s", string(body))
	}

	var job map[string]any
	if err := json.Unmarshal(body, &job); err != nil {
		return fmt.Errorf("parsing response: %w", err)
	}
	fmt.Printf("Job %s requeued as %s\n", job["id"], job["status"])
	return nil
}

func runJobsCancel(cmd *cobra.Command, args []string) error {
	jobID := args[0]
	resp, body, err := adminRequest(cmd, "POST", "/api/admin/jobs/"+jobID+"/cancel", nil)
	if err != nil {
		return err
	}
	if resp.StatusCode != 200 {
		return fmt.Errorf("cancel failed: %s", string(body))
	}

	var job map[string]any
	if err := json.Unmarshal(body, &job); err != nil {
		return fmt.Errorf("parsing response: %w", err)
	}
	fmt.Printf("Job %s cancelled\n", job["id"])
	return nil
}

func runJobsStats(cmd *cobra.Command, _ []string) error {
	outFmt := outputFormat(cmd)
	resp, body, err := adminRequest(cmd, "GET", "/api/admin/jobs/stats", nil)
	if err != nil {
		return err
	}
	if resp.StatusCode != 200 {
		return fmt.Errorf("server error: %s", string(body))
	}

	if outFmt == "json" {
		var stats map[string]any
		if err := json.Unmarshal(body, &stats); err != nil {
			return fmt.Errorf("parsing response: %w", err)
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(stats)
	}

	var stats struct {
		Pending    int      `json:"pending"`
		InProgress int      `json:"inProgress"`
		Completed  int      `json:"completed"`
		Failed     int      `json:"failed"`
		DeadLetter int      `json:"deadLetter"`
		Cancelled  int      `json:"cancelled"`
		OldestAge  *float64 `json:"oldestDueAgeSec"`
	}
	if err := json.Unmarshal(body, &stats); err != nil {
		return fmt.Errorf("parsing response: %w", err)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "STATUS\tCOUNT")
	fmt.Fprintf(w, "pending\t%d\n", stats.Pending)
	fmt.Fprintf(w, "in_progress\t%d\n", stats.InProgress)
	fmt.Fprintf(w, "completed\t%d\n", stats.Completed)
	fmt.Fprintf(w, "failed\t%d\n", stats.Failed)
	fmt.Fprintf(w, "dead_letter\t%d\n", stats.DeadLetter)
	fmt.Fprintf(w, "cancelled\t%d\n", stats.Cancelled)
	if err := w.Flush(); err != nil {
		return err
	}
	if stats.OldestAge != nil {
		fmt.Printf("\nOldest due job is %.0fs past due.\n", *stats.OldestAge)
	}
	return nil
}
