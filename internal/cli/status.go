package cli

import (
	"fmt"

	"github.com/calder/mnemo/pkg/ledger"
	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status [operation-id]",
	Short: "Show operation status from the workspace ledger",
	Long: `Show the ledger entry for one operation, or a per-status summary of
the whole workspace ledger when no operation ID is given. Reads the
ledger directly; the bridge does not need to be running.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.WorkspacePath == "" {
		return fmt.Errorf("workspace is not set (use --workspace or workspace_path in the config)")
	}

	store, err := ledger.Open(cfg.WorkspacePath, nopLogger())
	if err != nil {
		return err
	}
	defer store.Close()

	if len(args) == 1 {
		return printEntry(store, args[0])
	}
	return printSummary(store)
}

func printEntry(store *ledger.Store, operationID string) error {
	e, err := store.Get(operationID)
	if err != nil {
		return err
	}

	fmt.Printf("Operation: %s\n", e.OperationID)
	fmt.Printf("Dataset:   %s\n", e.DatasetPath)
	fmt.Printf("Status:    %s\n", e.Status)
	if e.QueueIndex != nil {
		fmt.Printf("Queue:     position %d\n", *e.QueueIndex)
	}
	if e.PID != nil {
		fmt.Printf("PID:       %d\n", *e.PID)
	}
	fmt.Printf("Started:   %s\n", e.StartTime.Local().Format("2006-01-02 15:04:05"))
	if e.DurationMs != nil {
		fmt.Printf("Duration:  %dms\n", *e.DurationMs)
	}
	if e.RetryCount > 0 {
		fmt.Printf("Retries:   %d\n", e.RetryCount)
	}
	if e.Error != "" {
		fmt.Printf("Error:     %s\n", e.Error)
	}
	return nil
}

func printSummary(store *ledger.Store) error {
	entries, err := store.List()
	if err != nil {
		return err
	}

	counts := make(map[ledger.Status]int)
	for _, e := range entries {
		counts[e.Status]++
	}

	fmt.Printf("Operations: %d\n", len(entries))
	for _, status := range []ledger.Status{
		ledger.StatusRunning, ledger.StatusPending,
		ledger.StatusCompleted, ledger.StatusFailed, ledger.StatusTerminated,
	} {
		if counts[status] > 0 {
			fmt.Printf("  %-10s %d\n", status, counts[status])
		}
	}
	return nil
}
