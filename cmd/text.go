package cmd

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

var textCmd = &cobra.Command{
	Use:   "text",
	Short: "Manage practice texts",
}

var textAddCmd = &cobra.Command{
	Use:   "add [title]",
	Short: "Add a practice text",
	Long: `Add a practice text. The content is taken from --content, from --file,
or read from standard input.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		content, _ := cmd.Flags().GetString("content")
		file, _ := cmd.Flags().GetString("file")

		switch {
		case content != "":
		case file != "":
			data, err := os.ReadFile(file)
			if err != nil {
				return fmt.Errorf("failed to read %s: %w", file, err)
			}
			content = string(data)
		default:
			data, err := io.ReadAll(cmd.InOrStdin())
			if err != nil {
				return fmt.Errorf("failed to read standard input: %w", err)
			}
			content = string(data)
		}

		svc, err := openService()
		if err != nil {
			return err
		}
		defer svc.Close()

		text, err := svc.AddText(cmd.Context(), args[0], strings.TrimSpace(content))
		if err != nil {
			return err
		}
		fmt.Printf("Added text %s\n", text.ID)
		return nil
	},
}

var textListCmd = &cobra.Command{
	Use:   "list",
	Short: "List practice texts",
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, err := openService()
		if err != nil {
			return err
		}
		defer svc.Close()

		texts, err := svc.ListTexts(cmd.Context())
		if err != nil {
			return err
		}
		if len(texts) == 0 {
			fmt.Println("No practice texts yet - add one with 'rehearse text add'")
			return nil
		}

		for _, t := range texts {
			last := "never"
			if t.LastPracticedAt != nil {
				last = t.LastPracticedAt.Format("2006-01-02 15:04")
			}
			fmt.Printf("%s  %-30s  practiced %3d times, last %s\n", t.ID, t.Title, t.PracticeCount, last)
		}
		return nil
	},
}

var textDeleteCmd = &cobra.Command{
	Use:   "delete [text-id]",
	Short: "Delete a practice text and all its takes",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, err := openService()
		if err != nil {
			return err
		}
		defer svc.Close()

		if err := svc.DeleteText(cmd.Context(), args[0]); err != nil {
			return err
		}
		fmt.Printf("Deleted text %s\n", args[0])
		return nil
	},
}

func init() {
	textAddCmd.Flags().StringP("content", "c", "", "text content")
	textAddCmd.Flags().StringP("file", "f", "", "read text content from file")

	textCmd.AddCommand(textAddCmd)
	textCmd.AddCommand(textListCmd)
	textCmd.AddCommand(textDeleteCmd)
}
