package cmd

import (
	"fmt"

	"github.com/audiolibrelab/rehearse/internal/store"

	"github.com/spf13/cobra"
)

var takesCmd = &cobra.Command{
	Use:   "takes",
	Short: "Manage recorded takes",
}

var takesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recorded takes, most recent first",
	RunE: func(cmd *cobra.Command, args []string) error {
		textID, _ := cmd.Flags().GetString("text")
		ascending, _ := cmd.Flags().GetBool("asc")

		svc, err := openService()
		if err != nil {
			return err
		}
		defer svc.Close()

		takes, err := svc.ListTakes(cmd.Context(), store.TakeQuery{TextID: textID, Ascending: ascending})
		if err != nil {
			return err
		}
		if len(takes) == 0 {
			fmt.Println("No takes found")
			return nil
		}

		for _, t := range takes {
			fmt.Printf("%s  %s  %6.1fs  text %s  %s\n",
				t.ID, t.CreatedAt.Format("2006-01-02 15:04:05"), t.DurationSeconds, t.TextID, t.FileRef)
		}
		return nil
	},
}

var takesDeleteCmd = &cobra.Command{
	Use:   "delete [take-id]",
	Short: "Delete a take and its audio file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, err := openService()
		if err != nil {
			return err
		}
		defer svc.Close()

		if err := svc.DeleteTake(cmd.Context(), args[0]); err != nil {
			return err
		}
		fmt.Printf("Deleted take %s\n", args[0])
		return nil
	},
}

func init() {
	takesListCmd.Flags().String("text", "", "only list takes of this text")
	takesListCmd.Flags().Bool("asc", false, "oldest first")

	takesCmd.AddCommand(takesListCmd)
	takesCmd.AddCommand(takesDeleteCmd)
}
