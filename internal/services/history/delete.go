package history

import (
	"context"
	"errors"
	"fmt"

	"github.com/TheMichaelB/vaulthist/internal/events"
	"github.com/TheMichaelB/vaulthist/internal/models"
	"github.com/TheMichaelB/vaulthist/internal/queue"
	"github.com/TheMichaelB/vaulthist/internal/store"
)

// DeleteEditEntry removes one version: the manifest entry first, as
// the commit point, then the blob asynchronously. The event fires once
// the logical deletion is durable.
func (s *Service) DeleteEditEntry(ctx context.Context, noteID, editID string) error {
	return s.queue.Add(ctx, []string{noteKey(noteID)}, queue.High, func(ctx context.Context) error {
		man, err := s.loadManifest(noteID)
		if err != nil {
			return err
		}
		branch, ok := man.BranchContaining(editID)
		if !ok {
			return fmt.Errorf("edit %s: %w", editID, store.ErrEditNotFound)
		}

		man = man.Clone()
		delete(man.Branch(branch).Versions, editID)
		if err := s.saveManifest(man); err != nil {
			return err
		}

		go func() {
			if err := s.content.RemoveEdits(context.Background(), noteID, branch, []string{editID}); err != nil {
				s.logger.WithError(err).WithFields(map[string]interface{}{
					"note_id": noteID,
					"edit_id": editID,
				}).Warn("Blob cleanup failed after version delete")
			}
		}()

		s.schedulePersist(man, branch)
		s.bus.Trigger(events.EventVersionDeleted, noteID)
		return nil
	})
}

// DeleteEdit removes blobs directly, re-basing any surviving diff
// entries that depended on them. The manifest is not touched.
func (s *Service) DeleteEdit(ctx context.Context, noteID, branch string, editIDs ...string) error {
	return s.queue.Add(ctx, []string{noteKey(noteID)}, queue.High, func(ctx context.Context) error {
		return s.content.RemoveEdits(ctx, noteID, branch, editIDs)
	})
}

// DeleteBranch removes a branch's versions, blobs, and archive
// directory. Pending disk writes are cancelled before anything is
// deleted so a late write cannot resurrect the branch.
func (s *Service) DeleteBranch(ctx context.Context, noteID, branch string) error {
	return s.queue.Add(ctx, []string{noteKey(noteID)}, queue.High, func(ctx context.Context) error {
		man, err := s.loadManifest(noteID)
		if err != nil {
			return err
		}
		if man.Branch(branch) == nil {
			return fmt.Errorf("branch %s: %w", branch, models.ErrBranchNotFound)
		}

		s.persist.Cancel(noteID, branch)

		man = man.Clone()
		delete(man.Branches, branch)
		if man.CurrentBranch == branch {
			man.CurrentBranch = models.DefaultBranch
			if man.Branch(models.DefaultBranch) == nil {
				names := sortedBranchNames(man)
				if len(names) > 0 {
					man.CurrentBranch = names[0]
				} else {
					man.EnsureBranch(models.DefaultBranch)
				}
			}
		}

		if err := s.db.DeleteBranch(noteID, branch); err != nil {
			return fmt.Errorf("delete branch edits: %w", err)
		}
		if err := s.saveManifest(man); err != nil {
			return err
		}

		if err := s.persist.RemoveBranchDir(noteID, branch); err != nil {
			s.logger.WithError(err).WithFields(map[string]interface{}{
				"note_id": noteID,
				"branch":  branch,
			}).Warn("Failed to remove archive directory")
		}

		s.bus.Trigger(events.EventVersionDeleted, noteID)
		return nil
	})
}

// DeleteNoteHistory removes every trace of a note: all branches,
// blobs, the central manifest entry, and the on-disk archive tree.
// Runs at critical priority so teardown preempts queued writes.
func (s *Service) DeleteNoteHistory(ctx context.Context, noteID string) error {
	return s.queue.Add(ctx, []string{noteKey(noteID), centralKey}, queue.Critical, func(ctx context.Context) error {
		s.persist.CancelNote(noteID)

		if err := s.db.DeleteNote(noteID); err != nil && !errors.Is(err, store.ErrManifestNotFound) {
			return fmt.Errorf("delete note: %w", err)
		}

		central, err := s.db.LoadCentral()
		if err != nil {
			return fmt.Errorf("load central manifest: %w", err)
		}
		if _, ok := central.Notes[noteID]; ok {
			central = central.Clone()
			delete(central.Notes, noteID)
			if err := s.db.SaveCentral(central); err != nil {
				return fmt.Errorf("save central manifest: %w", err)
			}
		}

		if err := s.persist.RemoveNoteDir(noteID); err != nil {
			s.logger.WithError(err).WithField("note_id", noteID).Warn("Failed to remove archive tree")
		}

		s.bus.Trigger(events.EventHistoryDeleted, noteID)
		s.logger.WithField("note_id", noteID).Info("Deleted note history")
		return nil
	})
}
