package cli

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/calder/mnemo/pkg/ledger"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

var clearYes bool

var clearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Remove all ledger entries and payload artifacts",
	Long: `Remove every operation record and staged payload artifact for the
workspace. Running operations are not stopped; use this only when the
bridge is not running.`,
	RunE: runClear,
}

func init() {
	clearCmd.Flags().BoolVar(&clearYes, "yes", false, "skip the confirmation prompt")
	rootCmd.AddCommand(clearCmd)
}

func runClear(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.WorkspacePath == "" {
		return fmt.Errorf("workspace is not set (use --workspace or workspace_path in the config)")
	}

	if !clearYes {
		fmt.Printf("Clear all operation records for %s? [y/N] ", cfg.WorkspacePath)
		reader := bufio.NewReader(os.Stdin)
		answer, _ := reader.ReadString('\n')
		if strings.TrimSpace(strings.ToLower(answer)) != "y" {
			fmt.Println("Aborted")
			return nil
		}
	}

	store, err := ledger.Open(cfg.WorkspacePath, nopLogger())
	if err != nil {
		return err
	}
	defer store.Close()

	removed, err := store.Clear()
	if err != nil {
		return err
	}
	fmt.Printf("Removed %d operation(s)\n", removed)
	return nil
}

// nopLogger keeps read-only CLI commands from emitting structured logs
func nopLogger() zerolog.Logger {
	return zerolog.Nop()
}
