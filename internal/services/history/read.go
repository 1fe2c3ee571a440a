package history

import (
	"context"
	"errors"
	"fmt"

	"github.com/TheMichaelB/vaulthist/internal/models"
	"github.com/TheMichaelB/vaulthist/internal/store"
)

// GetEditContent reconstructs one version's content. When branch is
// empty every branch is scanned for the edit. A missing note, branch,
// or edit is a lookup miss, not a fault: the result is nil, nil.
func (s *Service) GetEditContent(ctx context.Context, noteID, editID, branch string) ([]byte, error) {
	man, err := s.db.LoadNoteManifest(noteID)
	if errors.Is(err, store.ErrManifestNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load manifest: %w", err)
	}

	if branch == "" {
		var ok bool
		branch, ok = man.BranchContaining(editID)
		if !ok {
			return nil, nil
		}
	} else {
		b := man.Branch(branch)
		if b == nil {
			return nil, nil
		}
		if _, ok := b.Versions[editID]; !ok {
			return nil, nil
		}
	}

	data, err := s.content.GetContent(ctx, noteID, branch, editID)
	if errors.Is(err, store.ErrEditNotFound) {
		return nil, nil
	}
	return data, err
}

// GetEditHistory lists the current branch's versions, newest first.
// A missing note or branch yields an empty slice, never nil.
func (s *Service) GetEditHistory(noteID string) ([]models.VersionHistoryEntry, error) {
	man, err := s.db.LoadNoteManifest(noteID)
	if errors.Is(err, store.ErrManifestNotFound) {
		return []models.VersionHistoryEntry{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load manifest: %w", err)
	}
	return man.SortedVersions(man.CurrentBranch), nil
}

// GetManifest returns a defensive copy of a note's manifest.
func (s *Service) GetManifest(noteID string) (*models.NoteManifest, error) {
	man, err := s.loadManifest(noteID)
	if err != nil {
		return nil, err
	}
	return man.Clone(), nil
}
