package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Watch the vault and heal orphaned histories as files move",
	Long: `Watch observes the vault for renames and deletions, triggering
orphan scans: moved notes keep their history under the new path,
deleted notes have their history removed.`,
	RunE: runWatch,
}

func init() {
	rootCmd.AddCommand(watchCmd)
}

func runWatch(cmd *cobra.Command, args []string) error {
	if err := engine.StartWatcher(); err != nil {
		return err
	}
	printSuccess("Watching %s (Ctrl-C to stop)", cfg.Storage.VaultDir)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	printWarning("\nStopping watcher...")
	return nil
}
