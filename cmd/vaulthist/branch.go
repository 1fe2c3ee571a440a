package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var branchCmd = &cobra.Command{
	Use:   "branch",
	Short: "Manage a note's branches",
}

var branchListCmd = &cobra.Command{
	Use:     "list <note-id>",
	Short:   "List branches",
	Example: `  vaulthist branch list note-123`,
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		names, current, err := engine.History.ListBranches(args[0])
		if err != nil {
			return err
		}
		if jsonOutput {
			printJSON(map[string]interface{}{"branches": names, "current": current})
			return nil
		}
		for _, name := range names {
			marker := "  "
			if name == current {
				marker = "* "
			}
			fmt.Println(marker + name)
		}
		return nil
	},
}

var branchCreateCmd = &cobra.Command{
	Use:     "create <note-id> <name>",
	Short:   "Create an empty branch",
	Example: `  vaulthist branch create note-123 drafts`,
	Args:    cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := engine.History.CreateBranch(context.Background(), args[0], args[1], nil); err != nil {
			return err
		}
		printSuccess("Created branch %s", args[1])
		return nil
	},
}

var branchSwitchCmd = &cobra.Command{
	Use:     "switch <note-id> <name>",
	Short:   "Change a note's current branch",
	Example: `  vaulthist branch switch note-123 drafts`,
	Args:    cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := engine.History.SwitchBranch(context.Background(), args[0], args[1]); err != nil {
			return err
		}
		printSuccess("Switched to branch %s", args[1])
		return nil
	},
}

func init() {
	rootCmd.AddCommand(branchCmd)
	branchCmd.AddCommand(branchListCmd)
	branchCmd.AddCommand(branchCreateCmd)
	branchCmd.AddCommand(branchSwitchCmd)
}
