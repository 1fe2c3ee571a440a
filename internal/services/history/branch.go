package history

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/TheMichaelB/vaulthist/internal/config"
	"github.com/TheMichaelB/vaulthist/internal/models"
	"github.com/TheMichaelB/vaulthist/internal/queue"
)

// CreateBranch adds an empty branch to a note, optionally with
// retention overrides. Creating an existing branch fails.
func (s *Service) CreateBranch(ctx context.Context, noteID, name string, settings *config.BranchSettings) error {
	return s.queue.Add(ctx, []string{noteKey(noteID)}, queue.Normal, func(ctx context.Context) error {
		man, err := s.loadManifest(noteID)
		if err != nil {
			return err
		}
		if man.Branch(name) != nil {
			return fmt.Errorf("branch %s already exists: %w", name, models.ErrInvalidState)
		}

		man = man.Clone()
		b := man.EnsureBranch(name)
		b.Settings = settings
		return s.saveManifest(man)
	})
}

// SwitchBranch changes a note's current branch.
func (s *Service) SwitchBranch(ctx context.Context, noteID, name string) error {
	return s.queue.Add(ctx, []string{noteKey(noteID)}, queue.Normal, func(ctx context.Context) error {
		man, err := s.loadManifest(noteID)
		if err != nil {
			return err
		}
		if man.Branch(name) == nil {
			return fmt.Errorf("branch %s: %w", name, models.ErrBranchNotFound)
		}
		if man.CurrentBranch == name {
			return nil
		}

		man = man.Clone()
		man.CurrentBranch = name
		return s.saveManifest(man)
	})
}

// ListBranches returns a note's branch names alphabetically plus the
// current branch.
func (s *Service) ListBranches(noteID string) ([]string, string, error) {
	man, err := s.loadManifest(noteID)
	if err != nil {
		return nil, "", err
	}
	return sortedBranchNames(man), man.CurrentBranch, nil
}

// SaveEditorState stores an opaque editor snapshot on a branch. The
// engine round-trips it without inspecting it. No event fires.
func (s *Service) SaveEditorState(ctx context.Context, noteID, branch string, state json.RawMessage) error {
	return s.queue.Add(ctx, []string{noteKey(noteID)}, queue.Normal, func(ctx context.Context) error {
		man, err := s.loadManifest(noteID)
		if err != nil {
			return err
		}
		b := man.Branch(branch)
		if b == nil {
			return fmt.Errorf("branch %s: %w", branch, models.ErrBranchNotFound)
		}

		man = man.Clone()
		man.Branch(branch).State = append(json.RawMessage(nil), state...)
		if err := s.saveManifest(man); err != nil {
			return err
		}
		s.schedulePersist(man, branch)
		return nil
	})
}
