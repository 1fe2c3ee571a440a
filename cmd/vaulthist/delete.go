package main

import (
	"context"

	"github.com/spf13/cobra"
)

var deleteCmd = &cobra.Command{
	Use:   "delete",
	Short: "Remove versions, branches, or whole histories",
}

var deleteVersionCmd = &cobra.Command{
	Use:     "version <note-id> <edit-id>",
	Short:   "Delete one version",
	Example: `  vaulthist delete version note-123 8f14e45f-...`,
	Args:    cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := engine.History.DeleteEditEntry(context.Background(), args[0], args[1]); err != nil {
			return err
		}
		printSuccess("Deleted version %s", args[1])
		return nil
	},
}

var deleteBranchCmd = &cobra.Command{
	Use:     "branch <note-id> <name>",
	Short:   "Delete a branch and its archive directory",
	Example: `  vaulthist delete branch note-123 drafts`,
	Args:    cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := engine.History.DeleteBranch(context.Background(), args[0], args[1]); err != nil {
			return err
		}
		printSuccess("Deleted branch %s", args[1])
		return nil
	},
}

var deleteNoteCmd = &cobra.Command{
	Use:     "note <note-id>",
	Short:   "Delete a note's entire history",
	Example: `  vaulthist delete note note-123`,
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := engine.History.DeleteNoteHistory(context.Background(), args[0]); err != nil {
			return err
		}
		printSuccess("Deleted history for note %s", args[0])
		return nil
	},
}

func init() {
	rootCmd.AddCommand(deleteCmd)
	deleteCmd.AddCommand(deleteVersionCmd)
	deleteCmd.AddCommand(deleteBranchCmd)
	deleteCmd.AddCommand(deleteNoteCmd)
}
