package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
)

var saveCmd = &cobra.Command{
	Use:   "save <note-id> <file>",
	Short: "Record a new version of a note",
	Long: `Save reads the file and records its content as a new version.
Saving content identical to the branch head is a no-op.`,
	Example: `  vaulthist save note-123 ./notes/daily.md
  vaulthist save note-123 ./notes/daily.md --branch drafts`,
	Args: cobra.ExactArgs(2),
	RunE: runSave,
}

var (
	saveBranch      string
	saveMaxVersions int
)

func init() {
	rootCmd.AddCommand(saveCmd)

	saveCmd.Flags().StringVarP(&saveBranch, "branch", "b", "",
		"Branch to record on (default: note's current branch)")
	saveCmd.Flags().IntVar(&saveMaxVersions, "max-versions", 0,
		"Retention cap override for this save")
}

func runSave(cmd *cobra.Command, args []string) error {
	noteID, file := args[0], args[1]

	data, err := os.ReadFile(file)
	if err != nil {
		return fmt.Errorf("read note file: %w", err)
	}
	notePath := filepath.ToSlash(file)

	result, err := engine.History.CreateEdit(context.Background(), noteID, saveBranch, data, notePath, saveMaxVersions)
	if err != nil {
		return err
	}

	if jsonOutput {
		printJSON(map[string]interface{}{
			"created": result != nil,
			"result":  result,
		})
		return nil
	}

	if result == nil {
		printWarning("Content unchanged; no version recorded")
		return nil
	}
	printSuccess("Recorded version %d (%s)", result.Entry.VersionNumber, result.Entry.EditID)
	if len(result.DeletedIDs) > 0 {
		printWarning("Evicted %d old version(s) by retention policy", len(result.DeletedIDs))
	}
	return nil
}
