package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/calder/mnemo/internal/tracing"
	"github.com/spf13/cobra"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Run the bridge in the foreground",
	Long: `Run the bridge in the foreground: connect the worker daemon when
enabled, resume queued operations from the ledger, and run the cleanup
sweeper until interrupted.`,
	RunE: runStart,
}

func init() {
	rootCmd.AddCommand(startCmd)
}

func runStart(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := tracing.Init(tracing.Config{
		ServiceName: "mnemo",
		Workspace:   cfg.WorkspacePath,
	}); err != nil {
		return fmt.Errorf("failed to initialize tracing: %w", err)
	}

	b, log, err := buildBridge(true)
	if err != nil {
		return err
	}
	defer log.Close()

	ctx := context.Background()
	if err := b.Start(ctx); err != nil {
		return err
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	fmt.Printf("Received %s, shutting down...\n", sig)

	stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := b.Stop(stopCtx); err != nil {
		return err
	}
	return tracing.Shutdown(stopCtx)
}
