package cli

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/companionmemory/compmem/internal/cli/ui"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print Companion Memory version",
	Run: func(cmd *cobra.Command, args []string) {
		if outputFormat(cmd) == "json" {
			json.NewEncoder(os.Stdout).Encode(map[string]any{
				"version": buildVersion,
				"commit":  buildCommit,
				"date":    buildDate,
			})
			return
		}
		fmt.Printf("%s compmem %s (commit: %s, built: %s)\n", ui.BrandEmoji, buildVersion, buildCommit, buildDate)
	},
}
