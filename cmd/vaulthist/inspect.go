package main

import (
	"fmt"
	"sort"
	"time"

	"github.com/spf13/cobra"
)

var inspectCmd = &cobra.Command{
	Use:   "inspect <note-id>",
	Short: "Show a note's branches and storage statistics",
	Long: `Inspect summarizes a note's history: branches, version counts,
raw and stored byte totals, and how much the diff-chain and
compression encoding saved.`,
	Example: `  vaulthist inspect note-123`,
	Args:    cobra.ExactArgs(1),
	RunE:    runInspect,
}

func init() {
	rootCmd.AddCommand(inspectCmd)
}

type branchStats struct {
	Name       string `json:"name"`
	Versions   int    `json:"versions"`
	RawBytes   int64  `json:"raw_bytes"`
	StoredBytes int64  `json:"stored_bytes"`
}

func runInspect(cmd *cobra.Command, args []string) error {
	m, err := engine.History.GetManifest(args[0])
	if err != nil {
		return err
	}

	names := make([]string, 0, len(m.Branches))
	for name := range m.Branches {
		names = append(names, name)
	}
	sort.Strings(names)

	var stats []branchStats
	var totalRaw, totalStored int64
	for _, name := range names {
		b := m.Branches[name]
		bs := branchStats{Name: name, Versions: len(b.Versions)}
		for _, v := range b.Versions {
			bs.RawBytes += v.Size
			stored := v.CompressedSize
			if stored == 0 {
				stored = v.UncompressedSize
			}
			if stored == 0 {
				stored = v.Size
			}
			bs.StoredBytes += stored
		}
		totalRaw += bs.RawBytes
		totalStored += bs.StoredBytes
		stats = append(stats, bs)
	}

	if jsonOutput {
		printJSON(map[string]interface{}{
			"note_id":        m.NoteID,
			"note_path":      m.NotePath,
			"current_branch": m.CurrentBranch,
			"last_modified":  m.LastModified,
			"branches":       stats,
			"raw_bytes":      totalRaw,
			"stored_bytes":   totalStored,
		})
		return nil
	}

	fmt.Printf("Note:     %s\n", m.NoteID)
	fmt.Printf("Path:     %s\n", m.NotePath)
	fmt.Printf("Modified: %s\n", m.LastModified.Format(time.RFC3339))
	fmt.Printf("\n%-20s %8s %10s %10s\n", "BRANCH", "VERSIONS", "RAW", "STORED")
	for _, bs := range stats {
		marker := bs.Name
		if bs.Name == m.CurrentBranch {
			marker = bs.Name + " *"
		}
		fmt.Printf("%-20s %8d %10s %10s\n",
			marker, bs.Versions, formatBytes(bs.RawBytes), formatBytes(bs.StoredBytes))
	}
	if totalRaw > 0 {
		saved := totalRaw - totalStored
		fmt.Printf("\nStorage saved: %s (%.1f%%)\n",
			formatBytes(saved), 100*float64(saved)/float64(totalRaw))
	}
	return nil
}
