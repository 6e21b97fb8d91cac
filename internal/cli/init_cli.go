package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/companionmemory/compmem/internal/config"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a commented default compmem.toml",
	Long: `Write a default configuration file with every setting commented.
Refuses to overwrite an existing file.`,
	RunE: runInit,
}

func init() {
	initCmd.Flags().String("config", "", "Path to write (default compmem.toml)")
}

func runInit(cmd *cobra.Command, args []string) error {
	path, _ := cmd.Flags().GetString("config")
	if path == "" {
		path = "compmem.toml"
	}

	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("%s already exists; remove it first or pass --config", path)
	}

	if err := config.GenerateDefault(path); err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}

	fmt.Printf("Wrote %s\n", path)
	fmt.Printf("\nNext steps:\n")
	fmt.Printf("  compmem scheduler          # run the full backend\n")
	fmt.Printf("  compmem status             # check it\n")
	fmt.Printf("  compmem config set server.admin_token <token>\n")
	return nil
}
