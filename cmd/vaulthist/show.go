package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var showCmd = &cobra.Command{
	Use:   "show <note-id> <edit-id>",
	Short: "Print a version's content",
	Long: `Show reconstructs and prints one version's content. When no
branch is given, all branches are searched for the edit.`,
	Example: `  vaulthist show note-123 8f14e45f-...
  vaulthist show note-123 8f14e45f-... --branch drafts`,
	Args: cobra.ExactArgs(2),
	RunE: runShow,
}

var showBranch string

func init() {
	rootCmd.AddCommand(showCmd)

	showCmd.Flags().StringVarP(&showBranch, "branch", "b", "",
		"Branch holding the edit")
}

func runShow(cmd *cobra.Command, args []string) error {
	noteID, editID := args[0], args[1]

	data, err := engine.History.GetEditContent(context.Background(), noteID, editID, showBranch)
	if err != nil {
		return err
	}
	if data == nil {
		return fmt.Errorf("edit %s not found for note %s", editID, noteID)
	}

	_, err = os.Stdout.Write(data)
	return err
}
