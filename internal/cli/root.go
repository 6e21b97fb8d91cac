// Package cli implements the compmem command tree: the three long-running
// process commands (scheduler, job-worker, web) and the admin commands that
// talk to a running server over HTTP.
package cli

import (
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"
)

// cliHTTPClient is the shared HTTP client for all CLI commands.
// It has a 30-second timeout to prevent hanging on unresponsive servers.
var cliHTTPClient = &http.Client{Timeout: 30 * time.Second}

var (
	buildVersion = "dev"
	buildCommit  = "none"
	buildDate    = "unknown"
)

// SetVersion is called from main to inject build-time version info.
func SetVersion(version, commit, date string) {
	buildVersion = version
	buildCommit = commit
	buildDate = date
}

var rootCmd = &cobra.Command{
	Use:   "compmem",
	Short: "Companion Memory — a scheduled personal assistant backend",
	Long: `Companion Memory ingests short activity logs, summarizes them with a
language model on a schedule, and pushes results back to the user. All
background work flows through a distributed job queue over one shared table,
so any number of stateless processes can share the load.

Run the whole backend in one process:
  compmem scheduler

Or split it:
  compmem web           # HTTP API only
  compmem job-worker    # job execution only`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().Bool("json", false, "Output in JSON format (shorthand for --output json)")
	rootCmd.PersistentFlags().String("output", "table", "Output format: table or json")

	rootCmd.AddCommand(schedulerCmd)
	rootCmd.AddCommand(workerCmd)
	rootCmd.AddCommand(webCmd)
	rootCmd.AddCommand(jobsCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(versionCmd)
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

// outputFormat returns the resolved output format from flags.
// --json is a shorthand for --output json.
func outputFormat(cmd *cobra.Command) string {
	jsonFlag, _ := cmd.Flags().GetBool("json")
	if jsonFlag {
		return "json"
	}
	out, _ := cmd.Flags().GetString("output")
	if out == "" {
		return "table"
	}
	return out
}

// serverURL returns the base URL of the server admin commands talk to.
func serverURL() string {
	if v := os.Getenv("COMPMEM_URL"); v != "" {
		return v
	}
	return "http://127.0.0.1:8090"
}

// adminToken returns the admin token from the COMPMEM_ADMIN_TOKEN environment
// variable. An empty token is sent as no Authorization header, which works
// against servers with no token configured.
func adminToken() string {
	return os.Getenv("COMPMEM_ADMIN_TOKEN")
}

// adminRequest makes an authenticated admin HTTP request to a running server.
// The token comes from --admin-token or COMPMEM_ADMIN_TOKEN; the URL from
// --url or COMPMEM_URL, defaulting to localhost.
func adminRequest(cmd *cobra.Command, method, path string, body io.Reader) (*http.Response, []byte, error) {
	token, _ := cmd.Flags().GetString("admin-token")
	baseURL, _ := cmd.Flags().GetString("url")

	if token == "" {
		token = adminToken()
	}
	if baseURL == "" {
		baseURL = serverURL()
	}

	req, err := http.NewRequest(method, baseURL+path, body)
	if err != nil {
		return nil, nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := cliHTTPClient.Do(req)
	if err != nil {
		return nil, nil, fmt.Errorf("connecting to server: %w", err)
	}
	defer resp.Body.Close()
	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, fmt.Errorf("reading response: %w", err)
	}
	return resp, respBody, nil
}
