package history

import (
	"context"
	"fmt"

	"github.com/TheMichaelB/vaulthist/internal/events"
	"github.com/TheMichaelB/vaulthist/internal/models"
	"github.com/TheMichaelB/vaulthist/internal/queue"
	"github.com/TheMichaelB/vaulthist/internal/store"
)

// MetadataUpdate carries optional version metadata changes. Nil fields
// are left untouched.
type MetadataUpdate struct {
	Name        *string
	Description *string
}

// UpdateEditMetadata changes a version's name or description. An
// update that changes nothing writes nothing and emits no event.
func (s *Service) UpdateEditMetadata(ctx context.Context, noteID, editID string, update MetadataUpdate) error {
	return s.queue.Add(ctx, []string{noteKey(noteID)}, queue.Normal, func(ctx context.Context) error {
		man, err := s.loadManifest(noteID)
		if err != nil {
			return err
		}
		branch, ok := man.BranchContaining(editID)
		if !ok {
			return fmt.Errorf("edit %s: %w", editID, store.ErrEditNotFound)
		}

		man = man.Clone()
		b := man.Branch(branch)
		meta := b.Versions[editID]

		changed := false
		if update.Name != nil && meta.Name != *update.Name {
			meta.Name = *update.Name
			changed = true
		}
		if update.Description != nil && meta.Description != *update.Description {
			meta.Description = *update.Description
			changed = true
		}
		if !changed {
			return nil
		}

		b.Versions[editID] = meta
		if err := s.saveManifest(man); err != nil {
			return err
		}
		s.schedulePersist(man, branch)
		s.bus.Trigger(events.EventVersionUpdated, noteID, editID, update)
		return nil
	})
}

// RenameEdit sets a version's display name.
func (s *Service) RenameEdit(ctx context.Context, noteID, editID, name string) error {
	return s.UpdateEditMetadata(ctx, noteID, editID, MetadataUpdate{Name: &name})
}

// UpdateNotePath records a new vault path for a note, enforcing path
// uniqueness in the central manifest.
func (s *Service) UpdateNotePath(ctx context.Context, noteID, newPath string) error {
	return s.queue.Add(ctx, []string{noteKey(noteID), centralKey}, queue.Normal, func(ctx context.Context) error {
		man, err := s.loadManifest(noteID)
		if err != nil {
			return err
		}
		if man.NotePath == newPath {
			return nil
		}

		central, err := s.db.LoadCentral()
		if err != nil {
			return fmt.Errorf("load central manifest: %w", err)
		}
		central = central.Clone()
		entry := central.Notes[noteID]
		entry.NotePath = newPath
		entry.LastModified = s.now()
		if err := central.Register(noteID, entry); err != nil {
			return err
		}

		man = man.Clone()
		man.NotePath = newPath
		if err := s.saveManifest(man); err != nil {
			return err
		}
		if err := s.db.SaveCentral(central); err != nil {
			return fmt.Errorf("save central manifest: %w", err)
		}

		s.schedulePersist(man, man.CurrentBranch)
		return nil
	})
}

// RenameNote moves a note's entire history under a new note ID. Both
// note keys are locked in sorted order so two opposite-direction
// renames cannot deadlock.
func (s *Service) RenameNote(ctx context.Context, oldID, newID, newPath string) error {
	if oldID == newID {
		return s.UpdateNotePath(ctx, oldID, newPath)
	}

	keys := []string{noteKey(oldID), noteKey(newID), centralKey}
	return s.queue.Add(ctx, keys, queue.Normal, func(ctx context.Context) error {
		man, err := s.loadManifest(oldID)
		if err != nil {
			return err
		}

		central, err := s.db.LoadCentral()
		if err != nil {
			return fmt.Errorf("load central manifest: %w", err)
		}
		if _, taken := central.Notes[newID]; taken {
			return &models.HistoryError{
				Code:   models.ErrCodeConcurrency,
				Op:     "rename note",
				NoteID: newID,
				Err:    fmt.Errorf("target note id already registered: %w", models.ErrInvalidState),
			}
		}

		// A write firing after the rename would resurrect the old tree.
		s.persist.CancelNote(oldID)

		now := s.now()
		renamed := man.Clone()
		renamed.NoteID = newID
		if newPath != "" {
			renamed.NotePath = newPath
		}
		renamed.LastModified = now
		renamed.Normalize()

		if err := s.db.RenameNote(oldID, renamed); err != nil {
			return fmt.Errorf("rename note: %w", err)
		}

		central = central.Clone()
		oldEntry := central.Notes[oldID]
		delete(central.Notes, oldID)
		if err := central.Register(newID, models.NoteEntry{
			NotePath:     renamed.NotePath,
			ManifestPath: newID,
			CreatedAt:    oldEntry.CreatedAt,
			LastModified: now,
		}); err != nil {
			return err
		}
		if err := s.db.SaveCentral(central); err != nil {
			return fmt.Errorf("save central manifest: %w", err)
		}

		if err := s.persist.MoveNoteDir(oldID, newID); err != nil {
			s.logger.WithError(err).WithField("note_id", oldID).Warn("Failed to move archive directory")
		}

		s.schedulePersist(renamed, renamed.CurrentBranch)
		return nil
	})
}

// SaveEditManifest validates and persists a caller-assembled manifest.
func (s *Service) SaveEditManifest(ctx context.Context, m *models.NoteManifest) error {
	return s.queue.Add(ctx, []string{noteKey(m.NoteID)}, queue.Normal, func(ctx context.Context) error {
		clone := m.Clone()
		clone.Normalize()
		if err := clone.Validate(); err != nil {
			return err
		}
		if err := s.saveManifest(clone); err != nil {
			return err
		}
		s.schedulePersist(clone, clone.CurrentBranch)
		return nil
	})
}
