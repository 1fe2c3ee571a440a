package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var verifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Check manifest and diff-chain integrity for every note",
	RunE:  runVerify,
}

func init() {
	rootCmd.AddCommand(verifyCmd)
}

func runVerify(cmd *cobra.Command, args []string) error {
	report, err := engine.History.Verify(context.Background())
	if err != nil {
		return err
	}

	if jsonOutput {
		printJSON(report)
	} else {
		fmt.Printf("Checked %d note(s), %d branch(es)\n", report.NotesChecked, report.BranchesChecked)
		for _, p := range report.Problems {
			printWarning("  %s", p)
		}
	}

	if !report.OK() {
		return fmt.Errorf("%d integrity problem(s) found", len(report.Problems))
	}
	printSuccess("All histories intact")
	return nil
}
