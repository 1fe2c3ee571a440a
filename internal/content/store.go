// Package content is the branch-scoped content store. Version blobs
// are addressed by (note ID, branch, edit ID) and stored either as
// full snapshots or as diff-chain entries reconstructed by replaying
// deltas from the nearest full snapshot.
package content

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/TheMichaelB/vaulthist/internal/config"
	"github.com/TheMichaelB/vaulthist/internal/events"
	"github.com/TheMichaelB/vaulthist/internal/models"
	"github.com/TheMichaelB/vaulthist/internal/store"
	"github.com/TheMichaelB/vaulthist/internal/worker"
)

// Store encodes, persists, and reconstructs version content.
type Store struct {
	db     store.Store
	pool   *worker.Pool
	cfg    config.ContentConfig
	logger *events.Logger

	// Concurrent reads of the same edit reconstruct once.
	reads singleflight.Group
}

// NewStore creates a content store.
func NewStore(db store.Store, pool *worker.Pool, cfg config.ContentConfig, logger *events.Logger) *Store {
	return &Store{
		db:     db,
		pool:   pool,
		cfg:    cfg,
		logger: logger.WithField("component", "content_store"),
	}
}

// Hash computes the content-addressing digest on the worker pool.
func (s *Store) Hash(ctx context.Context, data []byte) (string, error) {
	return s.pool.Hash(ctx, data)
}

// CommitVersion encodes content for a new version and commits the
// blob together with the updated manifest as one atomic write. The
// manifest must already contain the new version's metadata; its size
// fields are filled in here. prevEditID names the branch head the
// version supersedes, or "" for the first version.
func (s *Store) CommitVersion(ctx context.Context, m *models.NoteManifest, branch, editID, prevEditID string, plain []byte, contentHash string, now time.Time) (*models.StoredEdit, error) {
	edit := &models.StoredEdit{
		EditID:      editID,
		NoteID:      m.NoteID,
		BranchName:  branch,
		StorageType: models.StorageFull,
		ContentHash: contentHash,
		CreatedAt:   now,
	}

	payload := plain

	// Diff-encode against the previous head when the chain allows it.
	// Binary content is always stored full.
	if prevEditID != "" && !models.IsBinary(m.NotePath, plain) {
		prev, err := s.db.LoadEdit(m.NoteID, branch, prevEditID)
		switch {
		case errors.Is(err, store.ErrEditNotFound):
			// Head blob already gone; fall through to a full snapshot.
		case err != nil:
			return nil, fmt.Errorf("load previous edit: %w", err)
		case prev.ChainLength < s.cfg.MaxChainLength:
			encoded, ok, err := s.tryDelta(ctx, prev, plain)
			if err != nil {
				return nil, err
			}
			if ok {
				payload = encoded
				edit.StorageType = models.StorageDiff
				edit.PreviousEditID = prev.EditID
				edit.ChainLength = prev.ChainLength + 1
				if prev.StorageType == models.StorageFull {
					edit.BaseEditID = prev.EditID
				} else {
					edit.BaseEditID = prev.BaseEditID
				}
			}
		}
	}

	// Compress when it pays off.
	if len(payload) >= s.cfg.CompressThreshold {
		compressed, err := s.pool.Compress(ctx, payload)
		if err != nil {
			return nil, fmt.Errorf("compress edit: %w", err)
		}
		if len(compressed) < len(payload) {
			payload = compressed
			edit.Compressed = true
		}
	}
	edit.Content = payload

	// Record size accounting on the version metadata.
	if b := m.Branch(branch); b != nil {
		if meta, ok := b.Versions[editID]; ok {
			meta.UncompressedSize = int64(len(plain))
			if edit.Compressed {
				meta.CompressedSize = int64(len(payload))
			}
			b.Versions[editID] = meta
		}
	}

	if err := s.db.CommitEdit(m, edit); err != nil {
		return nil, fmt.Errorf("commit version: %w", err)
	}
	return edit, nil
}

// tryDelta encodes plain as a delta over prev's content. ok is false
// when the delta would not be smaller than the full snapshot.
func (s *Store) tryDelta(ctx context.Context, prev *models.StoredEdit, plain []byte) ([]byte, bool, error) {
	prevContent, err := s.materialize(ctx, prev)
	if err != nil {
		return nil, false, fmt.Errorf("reconstruct previous content: %w", err)
	}

	delta, err := s.pool.ComputeDelta(ctx, prevContent, plain)
	if err != nil {
		return nil, false, err
	}
	encoded, err := delta.Encode()
	if err != nil {
		return nil, false, err
	}
	if len(encoded) >= len(plain) {
		return nil, false, nil
	}
	return encoded, true, nil
}

// GetContent reconstructs an edit's plain content. A missing edit
// yields store.ErrEditNotFound.
func (s *Store) GetContent(ctx context.Context, noteID, branch, editID string) ([]byte, error) {
	key := noteID + "\x00" + branch + "\x00" + editID
	v, err, _ := s.reads.Do(key, func() (interface{}, error) {
		edit, err := s.db.LoadEdit(noteID, branch, editID)
		if err != nil {
			return nil, err
		}
		return s.materialize(ctx, edit)
	})
	if err != nil {
		return nil, err
	}
	return v.([]byte), nil
}

// materialize resolves an edit to plain content, walking diff links
// back to a full snapshot and replaying deltas in order.
func (s *Store) materialize(ctx context.Context, edit *models.StoredEdit) ([]byte, error) {
	// Collect the chain newest-first, guarding against cycles.
	chain := []*models.StoredEdit{edit}
	visited := map[string]bool{edit.EditID: true}

	cur := edit
	for cur.StorageType == models.StorageDiff {
		if cur.PreviousEditID == "" {
			return nil, s.chainError(cur, fmt.Errorf("diff edit has no predecessor"))
		}
		prev, err := s.db.LoadEdit(cur.NoteID, cur.BranchName, cur.PreviousEditID)
		if errors.Is(err, store.ErrEditNotFound) {
			return nil, s.chainError(cur, fmt.Errorf("predecessor %s unresolvable", cur.PreviousEditID))
		}
		if err != nil {
			return nil, fmt.Errorf("load chain edit: %w", err)
		}
		if visited[prev.EditID] {
			return nil, s.chainError(cur, fmt.Errorf("cycle through edit %s", prev.EditID))
		}
		visited[prev.EditID] = true
		chain = append(chain, prev)
		cur = prev
	}

	// chain[len-1] is the full snapshot; replay forward from it.
	plain, err := s.payload(ctx, chain[len(chain)-1])
	if err != nil {
		return nil, err
	}
	for i := len(chain) - 2; i >= 0; i-- {
		encoded, err := s.payload(ctx, chain[i])
		if err != nil {
			return nil, err
		}
		plain, err = s.pool.ApplyDelta(ctx, plain, encoded)
		if err != nil {
			return nil, fmt.Errorf("apply delta for edit %s: %w", chain[i].EditID, err)
		}
	}
	return plain, nil
}

// payload returns an edit's stored payload, decompressed.
func (s *Store) payload(ctx context.Context, edit *models.StoredEdit) ([]byte, error) {
	if !edit.Compressed {
		return edit.Content, nil
	}
	data, err := s.pool.Decompress(ctx, edit.Content)
	if err != nil {
		return nil, fmt.Errorf("decompress edit %s: %w", edit.EditID, err)
	}
	return data, nil
}

func (s *Store) chainError(edit *models.StoredEdit, cause error) error {
	return &models.HistoryError{
		Code:   models.ErrCodeInvalidState,
		Op:     "reconstruct",
		NoteID: edit.NoteID,
		Err:    fmt.Errorf("edit %s: %v: %w", edit.EditID, cause, models.ErrInvalidState),
	}
}

// ValidateChainIntegrity checks that every diff entry in a branch has
// a resolvable predecessor and that no chain cycles. It returns true
// for any branch produced purely through the documented operations.
func (s *Store) ValidateChainIntegrity(ctx context.Context, noteID, branch string) (bool, error) {
	edits, err := s.db.ListEdits(noteID, branch)
	if err != nil {
		return false, fmt.Errorf("list edits: %w", err)
	}

	byID := make(map[string]*models.StoredEdit, len(edits))
	for _, e := range edits {
		byID[e.EditID] = e
	}

	for _, e := range edits {
		if err := e.Validate(); err != nil {
			return false, err
		}
		if e.StorageType != models.StorageDiff {
			continue
		}

		visited := map[string]bool{e.EditID: true}
		cur := e
		for cur.StorageType == models.StorageDiff {
			prev, ok := byID[cur.PreviousEditID]
			if !ok {
				return false, s.chainError(cur, fmt.Errorf("predecessor %s unresolvable", cur.PreviousEditID))
			}
			if visited[prev.EditID] {
				return false, s.chainError(cur, fmt.Errorf("cycle through edit %s", prev.EditID))
			}
			visited[prev.EditID] = true
			cur = prev
		}
	}
	return true, nil
}

// RemoveEdits physically deletes blobs. Surviving diff entries whose
// predecessor is being removed are first re-materialized as full
// snapshots so their chains stay resolvable. Individual blob deletion
// failures are logged and skipped; the manifest was already updated
// and remains the source of truth.
func (s *Store) RemoveEdits(ctx context.Context, noteID, branch string, ids []string) error {
	if len(ids) == 0 {
		return nil
	}

	edits, err := s.db.ListEdits(noteID, branch)
	if err != nil {
		return fmt.Errorf("list edits: %w", err)
	}

	doomed := make(map[string]bool, len(ids))
	for _, id := range ids {
		doomed[id] = true
	}

	// Rebase boundary edits before anything is deleted.
	for _, e := range edits {
		if doomed[e.EditID] || e.StorageType != models.StorageDiff || !doomed[e.PreviousEditID] {
			continue
		}
		plain, err := s.materialize(ctx, e)
		if err != nil {
			return fmt.Errorf("materialize boundary edit %s: %w", e.EditID, err)
		}

		payload := plain
		compressed := false
		if len(payload) >= s.cfg.CompressThreshold {
			z, err := s.pool.Compress(ctx, payload)
			if err != nil {
				return fmt.Errorf("compress boundary edit: %w", err)
			}
			if len(z) < len(payload) {
				payload = z
				compressed = true
			}
		}

		full := *e
		full.StorageType = models.StorageFull
		full.PreviousEditID = ""
		full.BaseEditID = ""
		full.ChainLength = 0
		full.Content = payload
		full.Compressed = compressed

		if err := s.db.ReplaceEdit(&full); err != nil {
			return fmt.Errorf("rebase boundary edit %s: %w", e.EditID, err)
		}
		s.logger.WithFields(map[string]interface{}{
			"note_id": noteID,
			"branch":  branch,
			"edit_id": e.EditID,
		}).Debug("Re-materialized chain boundary as full snapshot")
	}

	for _, id := range ids {
		if err := s.db.DeleteEdit(noteID, branch, id); err != nil {
			s.logger.WithError(err).WithFields(map[string]interface{}{
				"note_id": noteID,
				"branch":  branch,
				"edit_id": id,
			}).Warn("Failed to delete edit blob")
		}
	}
	return nil
}
