package history

import (
	"context"
	"fmt"
)

// VerifyReport summarizes an integrity pass over the whole store.
type VerifyReport struct {
	NotesChecked    int
	BranchesChecked int
	Problems        []string
}

// OK reports whether the pass found no problems.
func (r *VerifyReport) OK() bool {
	return len(r.Problems) == 0
}

// Verify walks every note, validating manifest invariants and diff
// chains. Problems are collected, not fatal: a broken note does not
// stop the pass.
func (s *Service) Verify(ctx context.Context) (*VerifyReport, error) {
	ids, err := s.db.ListNoteIDs()
	if err != nil {
		return nil, fmt.Errorf("list notes: %w", err)
	}

	report := &VerifyReport{}
	for _, noteID := range ids {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		report.NotesChecked++

		man, err := s.db.LoadNoteManifest(noteID)
		if err != nil {
			report.Problems = append(report.Problems, fmt.Sprintf("note %s: %v", noteID, err))
			continue
		}
		if err := man.Validate(); err != nil {
			report.Problems = append(report.Problems, fmt.Sprintf("note %s: %v", noteID, err))
		}

		for _, branch := range sortedBranchNames(man) {
			report.BranchesChecked++
			ok, err := s.content.ValidateChainIntegrity(ctx, noteID, branch)
			if err != nil {
				report.Problems = append(report.Problems,
					fmt.Sprintf("note %s branch %s: %v", noteID, branch, err))
				continue
			}
			if !ok {
				report.Problems = append(report.Problems,
					fmt.Sprintf("note %s branch %s: diff chain broken", noteID, branch))
			}
		}
	}
	return report, nil
}
