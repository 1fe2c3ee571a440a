package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var historyCmd = &cobra.Command{
	Use:     "history <note-id>",
	Short:   "List a note's versions on its current branch",
	Example: `  vaulthist history note-123`,
	Args:    cobra.ExactArgs(1),
	RunE:    runHistory,
}

func init() {
	rootCmd.AddCommand(historyCmd)
}

func runHistory(cmd *cobra.Command, args []string) error {
	entries, err := engine.History.GetEditHistory(args[0])
	if err != nil {
		return err
	}

	if jsonOutput {
		printJSON(entries)
		return nil
	}

	if len(entries) == 0 {
		printWarning("No versions recorded")
		return nil
	}

	fmt.Printf("%-6s %-36s %-20s %8s  %s\n", "VER", "EDIT ID", "TIMESTAMP", "SIZE", "NAME")
	for _, e := range entries {
		fmt.Printf("%-6d %-36s %-20s %8s  %s\n",
			e.VersionNumber,
			e.EditID,
			e.Timestamp.Format(time.RFC3339),
			formatBytes(e.Size),
			e.Name,
		)
	}
	return nil
}

func formatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(n)/float64(div), "KMGTPE"[exp])
}
