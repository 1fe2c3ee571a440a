package history

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/TheMichaelB/vaulthist/internal/events"
	"github.com/TheMichaelB/vaulthist/internal/models"
	"github.com/TheMichaelB/vaulthist/internal/queue"
	"github.com/TheMichaelB/vaulthist/internal/store"
)

// CreateResult is the outcome of a successful CreateEdit.
type CreateResult struct {
	Entry      models.VersionHistoryEntry
	DeletedIDs []string
}

// CreateEdit records a new version of a note's content. Saving content
// identical to the branch head is a no-op and returns a nil result:
// no version is created, no blob written, no event emitted.
//
// maxVersions overrides the configured retention cap for this call
// when positive. Evicted versions are removed from the manifest in the
// same commit as the new version; their blobs are cleaned up
// asynchronously and cleanup failures never reach the caller.
func (s *Service) CreateEdit(ctx context.Context, noteID, branch string, plain []byte, filePath string, maxVersions int) (*CreateResult, error) {
	var result *CreateResult
	err := s.queue.Add(ctx, []string{noteKey(noteID), centralKey}, queue.Normal, func(ctx context.Context) error {
		var err error
		result, err = s.createEdit(ctx, noteID, branch, plain, filePath, maxVersions)
		return err
	})
	return result, err
}

func (s *Service) createEdit(ctx context.Context, noteID, branch string, plain []byte, filePath string, maxVersions int) (*CreateResult, error) {
	opID := s.newID()
	key := noteKey(noteID)
	s.coord.Begin(key, opID)
	defer s.coord.Complete(key, opID)

	now := s.now()

	// Freshest manifest, never a cached copy.
	man, err := s.db.LoadNoteManifest(noteID)
	isNew := errors.Is(err, store.ErrManifestNotFound)
	if isNew {
		man = models.NewNoteManifest(noteID, filePath, now)
	} else if err != nil {
		return nil, fmt.Errorf("load manifest: %w", err)
	} else {
		man = man.Clone()
	}

	if branch == "" {
		branch = man.CurrentBranch
	}
	if branch == "" {
		branch = models.DefaultBranch
	}
	if filePath != "" {
		man.NotePath = filePath
	}
	b := man.EnsureBranch(branch)

	// Path uniqueness is checked before anything is written.
	prior, err := s.db.LoadCentral()
	if err != nil {
		return nil, fmt.Errorf("load central manifest: %w", err)
	}
	central := prior.Clone()
	entry, known := central.Notes[noteID]
	if !known {
		entry = models.NoteEntry{CreatedAt: now}
	}
	entry.NotePath = man.NotePath
	entry.ManifestPath = noteID
	entry.LastModified = now
	if err := central.Register(noteID, entry); err != nil {
		return nil, err
	}

	hash, err := s.content.Hash(ctx, plain)
	if err != nil {
		return nil, err
	}

	// Idempotency: identical content to the branch head is a no-op.
	headID, head := man.Head(branch)
	if head != nil {
		if head.ContentHash != "" {
			if head.ContentHash == hash {
				return nil, nil
			}
		} else {
			// Head predates hash tracking; compare full content.
			prev, err := s.content.GetContent(ctx, noteID, branch, headID)
			if err != nil && !errors.Is(err, store.ErrEditNotFound) {
				return nil, err
			}
			if err == nil && bytes.Equal(prev, plain) {
				return nil, nil
			}
		}
	}

	editID := s.newID()
	stats := models.ComputeStats(plain)
	b.Versions[editID] = models.VersionMetadata{
		VersionNumber: man.NextVersionNumber(branch),
		Timestamp:     now,
		Size:          int64(len(plain)),
		ContentHash:   hash,
		WordCount:     stats.WordCount,
		CharCount:     stats.CharCount,
		LineCount:     stats.LineCount,
	}

	// Retention is enforced on the clone before the commit, so the
	// eviction and the new version land atomically.
	resolved := s.resolvedSettings(b)
	limit := resolved.MaxVersionsPerNote
	if maxVersions > 0 {
		limit = maxVersions
	}
	evicted := evictOldest(b, limit, editID)

	man.LastModified = now
	man.Normalize()

	// The registration lands first; a failed content commit rolls the
	// central manifest back so no path stays claimed without data.
	if err := s.db.SaveCentral(central); err != nil {
		return nil, fmt.Errorf("save central manifest: %w", err)
	}

	if _, err := s.content.CommitVersion(ctx, man, branch, editID, headID, plain, hash, now); err != nil {
		if rbErr := s.db.SaveCentral(prior); rbErr != nil {
			s.logger.WithError(rbErr).WithField("note_id", noteID).Warn("Failed to roll back central manifest")
		}
		return nil, err
	}

	if len(evicted) > 0 {
		go func() {
			if err := s.content.RemoveEdits(context.Background(), noteID, branch, evicted); err != nil {
				s.logger.WithError(err).WithField("note_id", noteID).Warn("Evicted blob cleanup failed")
			}
		}()
	}

	s.schedulePersist(man, branch)
	s.bus.Trigger(events.EventVersionSaved, noteID)

	s.logger.WithFields(map[string]interface{}{
		"note_id": noteID,
		"branch":  branch,
		"edit_id": editID,
		"version": b.Versions[editID].VersionNumber,
		"evicted": len(evicted),
	}).Debug("Created version")

	return &CreateResult{
		Entry:      models.VersionHistoryEntry{EditID: editID, VersionMetadata: b.Versions[editID]},
		DeletedIDs: evicted,
	}, nil
}

// evictOldest removes excess versions, oldest version number first,
// until the branch fits within max. keepID is never evicted.
func evictOldest(b *models.Branch, max int, keepID string) []string {
	if max <= 0 || len(b.Versions) <= max {
		return nil
	}

	type rec struct {
		id string
		n  int
	}
	ordered := make([]rec, 0, len(b.Versions))
	for id, v := range b.Versions {
		ordered = append(ordered, rec{id, v.VersionNumber})
	}
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].n < ordered[j].n })

	var evicted []string
	for _, r := range ordered {
		if len(b.Versions) <= max {
			break
		}
		if r.id == keepID {
			continue
		}
		delete(b.Versions, r.id)
		evicted = append(evicted, r.id)
	}
	return evicted
}
