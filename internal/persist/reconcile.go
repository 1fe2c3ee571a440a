package persist

import (
	"context"
	"errors"
	"fmt"
	"path"
	"time"

	"github.com/TheMichaelB/vaulthist/internal/archive"
	"github.com/TheMichaelB/vaulthist/internal/models"
	"github.com/TheMichaelB/vaulthist/internal/store"
)

// diskCandidate is one readable archive file found in a branch
// directory during reconciliation.
type diskCandidate struct {
	path       string
	exportedAt time.Time
	data       []byte
}

// LoadBranchFromDisk reconciles a branch between the database and its
// on-disk archive. Whichever side carries the newer timestamp wins;
// differences inside the skew tolerance are treated as synchronized.
// When several archive files exist (a crash between write and
// cleanup), the one with the newest embedded export time wins and the
// rest are deleted. Corrupt files are moved aside, never silently
// destroyed.
func (s *Service) LoadBranchFromDisk(ctx context.Context, noteID, branch string) (Outcome, error) {
	// A pending debounced write would race the comparison below.
	if err := s.Flush(ctx, noteID, branch); err != nil {
		return OutcomeNoop, err
	}

	diskKey := "disk:" + writeKey(noteID, branch)
	var outcome Outcome
	err := s.locks.RunSerialized(ctx, diskKey, func(ctx context.Context) error {
		var err error
		outcome, err = s.reconcileLocked(ctx, noteID, branch)
		return err
	})
	return outcome, err
}

func (s *Service) reconcileLocked(ctx context.Context, noteID, branch string) (Outcome, error) {
	man, err := s.db.LoadNoteManifest(noteID)
	if errors.Is(err, store.ErrManifestNotFound) {
		man = nil
	} else if err != nil {
		return OutcomeNoop, fmt.Errorf("load manifest: %w", err)
	}

	winner, sawFiles, err := s.pickNewestArchive(noteID, branch)
	if err != nil {
		return OutcomeNoop, err
	}

	if winner == nil {
		if man == nil || man.Branch(branch) == nil {
			return OutcomeNoop, nil
		}
		if !sawFiles {
			// DB has a branch the disk never saw.
			if err := s.exportLocked(ctx, noteID, branch, 0); err != nil {
				return OutcomeNoop, err
			}
			return OutcomeExported, nil
		}
		// Every file was corrupt; the DB copy is all that is left.
		s.logger.WithFields(map[string]interface{}{
			"note_id": noteID,
			"branch":  branch,
		}).Warn("All disk archives were corrupt; rewriting from database")
		if err := s.exportLocked(ctx, noteID, branch, 0); err != nil {
			return OutcomeNoop, err
		}
		return OutcomeRecovered, nil
	}

	if man == nil || man.Branch(branch) == nil {
		// Disk-only branch: the database never saw it, import unconditionally.
		if err := s.importArchive(ctx, man, winner); err != nil {
			return OutcomeNoop, err
		}
		return OutcomeImported, nil
	}

	dbTime := man.LastModified
	if b := man.Branch(branch); b != nil {
		if _, head := man.Head(branch); head != nil && head.Timestamp.After(dbTime) {
			dbTime = head.Timestamp
		}
	}

	switch {
	case winner.exportedAt.Sub(dbTime) > s.cfg.SkewTolerance:
		if err := s.importArchive(ctx, man, winner); err != nil {
			return OutcomeNoop, err
		}
		return OutcomeImported, nil

	case dbTime.Sub(winner.exportedAt) > s.cfg.SkewTolerance:
		if err := s.exportLocked(ctx, noteID, branch, 0); err != nil {
			return OutcomeNoop, err
		}
		return OutcomeExported, nil

	default:
		return OutcomeNoop, nil
	}
}

// pickNewestArchive scans a branch directory, keeps the archive with
// the newest embedded export time, deletes the losers, and moves
// unreadable files aside. sawFiles reports whether any archive files
// existed at all, readable or not.
func (s *Service) pickNewestArchive(noteID, branch string) (*diskCandidate, bool, error) {
	dir := s.branchDir(noteID, branch)
	entries, err := s.blobs.List(dir)
	if err != nil {
		return nil, false, fmt.Errorf("list branch directory: %w", err)
	}

	var winner *diskCandidate
	sawFiles := false
	for _, fi := range entries {
		if fi.IsDir || !archive.IsArchiveFile(path.Base(fi.Path)) {
			continue
		}
		sawFiles = true

		data, err := s.blobs.Read(fi.Path)
		if err != nil {
			s.logger.WithError(err).WithField("path", fi.Path).Warn("Unreadable archive file")
			s.quarantine(fi.Path)
			continue
		}
		m, err := archive.ReadManifest(data)
		if err != nil {
			s.logger.WithError(err).WithField("path", fi.Path).Warn("Corrupt archive file")
			s.quarantine(fi.Path)
			continue
		}

		cand := &diskCandidate{path: fi.Path, exportedAt: m.ExportedAt, data: data}
		if winner == nil {
			winner = cand
			continue
		}
		loser := cand
		if cand.exportedAt.After(winner.exportedAt) {
			loser, winner = winner, cand
		}
		if err := s.blobs.Remove(loser.path); err != nil {
			s.logger.WithError(err).WithField("path", loser.path).Warn("Failed to remove stale archive")
		}
	}
	return winner, sawFiles, nil
}

// quarantine renames a corrupt file to a .corrupt sibling for later
// inspection.
func (s *Service) quarantine(filePath string) {
	dst := fmt.Sprintf("%s.corrupt.%d", filePath, time.Now().UnixMilli())
	if err := s.blobs.Move(filePath, dst); err != nil {
		s.logger.WithError(err).WithField("path", filePath).Warn("Failed to quarantine corrupt archive")
	}
}

// importArchive replaces the branch in the database with the archive's
// contents. man may be nil when the database has no manifest yet.
func (s *Service) importArchive(ctx context.Context, man *models.NoteManifest, cand *diskCandidate) error {
	ex, err := s.pool.Unpack(ctx, cand.data, s.limits())
	if err != nil {
		return &models.HistoryError{
			Code: models.ErrCodeDiskReadFailed,
			Op:   "import archive",
			Path: cand.path,
			Err:  err,
		}
	}
	edits, err := ex.StoredEdits()
	if err != nil {
		return fmt.Errorf("decode archive edits: %w", err)
	}
	for _, e := range edits {
		e.NoteID = ex.Manifest.NoteID
		e.BranchName = ex.Manifest.BranchName
	}

	if man == nil {
		man = &models.NoteManifest{
			NoteID:        ex.Manifest.NoteID,
			NotePath:      ex.Manifest.NotePath,
			CurrentBranch: ex.Manifest.BranchName,
			Branches:      make(map[string]*models.Branch),
			CreatedAt:     ex.Manifest.ExportedAt,
		}
	} else {
		man = man.Clone()
	}
	man.Branches[ex.Manifest.BranchName] = ex.Manifest.Branch
	man.LastModified = ex.Manifest.ExportedAt
	man.Normalize()

	if err := s.db.ReplaceBranch(man, ex.Manifest.BranchName, edits); err != nil {
		return fmt.Errorf("replace branch: %w", err)
	}

	s.logger.WithFields(map[string]interface{}{
		"note_id": ex.Manifest.NoteID,
		"branch":  ex.Manifest.BranchName,
		"edits":   len(edits),
		"file":    path.Base(cand.path),
	}).Info("Imported branch from disk")
	return nil
}
