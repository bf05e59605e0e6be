package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"
)

var (
	submitDataset string
	submitPayload string
	submitWait    bool
)

var submitCmd = &cobra.Command{
	Use:   "submit",
	Short: "Submit a background ingest operation",
	Long: `Submit a background ingest operation and print its operation ID.
The payload is a JSON document read from a file, or from stdin when the
path is "-". With --wait the command blocks until the operation reaches
a terminal state.`,
	RunE: runSubmit,
}

func init() {
	submitCmd.Flags().StringVar(&submitDataset, "dataset", "", "dataset path the payload belongs to")
	submitCmd.Flags().StringVar(&submitPayload, "payload", "-", "payload file, or - for stdin")
	submitCmd.Flags().BoolVar(&submitWait, "wait", false, "block until the operation finishes")
	submitCmd.MarkFlagRequired("dataset")
	rootCmd.AddCommand(submitCmd)
}

func runSubmit(cmd *cobra.Command, args []string) error {
	payload, err := readPayload(submitPayload)
	if err != nil {
		return err
	}

	b, log, err := buildBridge(false)
	if err != nil {
		return err
	}
	defer log.Close()

	ctx := context.Background()
	if err := b.Start(ctx); err != nil {
		return err
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := b.Stop(stopCtx); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: shutdown failed: %v\n", err)
		}
	}()

	id, err := b.Ingest(ctx, submitDataset, payload)
	if err != nil {
		return err
	}
	fmt.Println(id)

	if !submitWait {
		return nil
	}

	for {
		e, err := b.Status(id)
		if err != nil {
			return err
		}
		if e.Status.Terminal() {
			fmt.Printf("Status: %s\n", e.Status)
			if e.Error != "" {
				fmt.Printf("Error: %s\n", e.Error)
			}
			return nil
		}
		time.Sleep(200 * time.Millisecond)
	}
}

func readPayload(path string) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(os.Stdin)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read payload: %w", err)
	}
	return data, nil
}
