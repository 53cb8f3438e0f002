package cmd

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
)

var recordCmd = &cobra.Command{
	Use:   "record [text-id]",
	Short: "Record a take of a practice text",
	Long: `Record a spoken take of a practice text from the default input device.
Press Ctrl+C to stop; the take is saved with its duration and the text's
practice count is incremented.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		textID := args[0]
		slog.Info("Record command started", "text_id", textID)

		svc, err := openService()
		if err != nil {
			return err
		}
		defer svc.Close()

		svc.OnProgress(func(elapsed time.Duration) {
			fmt.Fprintf(os.Stderr, "\rRecording... %5.1fs", elapsed.Seconds())
		})

		// Handle interruption
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
		defer signal.Stop(sigChan)

		stop := make(chan struct{})
		go func() {
			<-sigChan
			close(stop)
		}()

		slog.Info("Recording - Press Ctrl+C to stop")
		take, err := svc.RecordTake(cmd.Context(), textID, stop)
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return fmt.Errorf("recording failed: %w", err)
		}

		fmt.Printf("Saved take %s (%.1fs)\n", take.ID, take.DurationSeconds)
		return nil
	},
}
