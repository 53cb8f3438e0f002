package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/audiolibrelab/rehearse/internal/session"

	"github.com/spf13/cobra"
)

var playCmd = &cobra.Command{
	Use:   "play [text-id]",
	Short: "Play the latest take of a practice text",
	Long: `Play the most recent take recorded for a practice text.
Press Ctrl+C to stop playback early.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, err := openService()
		if err != nil {
			return err
		}
		defer svc.Close()

		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
		defer signal.Stop(sigChan)
		go func() {
			<-sigChan
			svc.StopPlayback()
		}()

		take, err := svc.PlayLatest(cmd.Context(), args[0])
		if session.IsCancelled(err) {
			fmt.Println("Playback stopped")
			return nil
		}
		if err != nil {
			return fmt.Errorf("playback failed: %w", err)
		}

		fmt.Printf("Played take %s (%.1fs)\n", take.ID, take.DurationSeconds)
		return nil
	},
}
