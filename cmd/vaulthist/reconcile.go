package main

import (
	"context"
	"os"
	"os/signal"

	"github.com/spf13/cobra"
)

var reconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Reconcile the database against on-disk archives",
	Long: `Reconcile compares every branch's database state with its on-disk
archive and lets the newer side win: newer archives are imported,
newer database state is re-exported. Branches already in sync are
left alone.`,
	RunE: runReconcile,
}

func init() {
	rootCmd.AddCommand(reconcileCmd)
}

func runReconcile(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt)
	go func() {
		<-sigChan
		printWarning("\nReconciliation interrupted, cancelling...")
		cancel()
	}()

	if err := engine.ReconcileAll(ctx); err != nil {
		return err
	}
	printSuccess("Reconciliation complete")
	return nil
}
