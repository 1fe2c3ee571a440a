package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var cleanupCmd = &cobra.Command{
	Use:   "cleanup [note-id]",
	Short: "Run retention cleanup or an orphan scan",
	Long: `Cleanup applies the retention policy to one note, or with
--orphans scans the whole vault: histories whose notes moved are
re-linked, histories whose notes are gone are removed.`,
	Example: `  vaulthist cleanup note-123
  vaulthist cleanup --orphans`,
	Args: cobra.MaximumNArgs(1),
	RunE: runCleanup,
}

var cleanupOrphans bool

func init() {
	rootCmd.AddCommand(cleanupCmd)

	cleanupCmd.Flags().BoolVar(&cleanupOrphans, "orphans", false,
		"Scan for orphaned histories instead of per-note retention")
}

func runCleanup(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	if cleanupOrphans {
		if err := engine.Cleanup.ScanForOrphans(ctx); err != nil {
			return err
		}
		printSuccess("Orphan scan complete")
		return nil
	}

	if len(args) != 1 {
		return fmt.Errorf("note-id required unless --orphans is set")
	}
	if err := engine.Cleanup.CleanupNote(ctx, args[0]); err != nil {
		return err
	}
	printSuccess("Retention pass complete for %s", args[0])
	return nil
}
