package models

import (
	"fmt"
	"time"
)

// StorageType discriminates full snapshots from diff-chain entries.
type StorageType string

const (
	// StorageFull is a complete content snapshot.
	StorageFull StorageType = "full"

	// StorageDiff is a delta against a previous edit. Reconstruction
	// walks PreviousEditID links back to a full entry and replays
	// deltas in order.
	StorageDiff StorageType = "diff"
)

// StoredEdit is one content blob in the branch-scoped content store,
// addressed by (note ID, branch name, edit ID).
type StoredEdit struct {
	EditID     string `json:"edit_id"`
	NoteID     string `json:"note_id"`
	BranchName string `json:"branch_name"`

	// Content is the stored payload: the (optionally compressed)
	// snapshot for full entries, or an encoded delta for diff entries.
	Content    []byte `json:"content"`
	Compressed bool   `json:"compressed"`

	StorageType    StorageType `json:"storage_type"`
	PreviousEditID string      `json:"previous_edit_id,omitempty"`
	BaseEditID     string      `json:"base_edit_id,omitempty"`
	ChainLength    int         `json:"chain_length"`

	// ContentHash addresses the plain (reconstructed) content.
	ContentHash string    `json:"content_hash"`
	CreatedAt   time.Time `json:"created_at"`
}

// Validate checks the storage-type invariants.
func (e *StoredEdit) Validate() error {
	switch e.StorageType {
	case StorageFull:
		if e.ChainLength != 0 {
			return fmt.Errorf("full edit %s has chain length %d: %w",
				e.EditID, e.ChainLength, ErrInvalidState)
		}
	case StorageDiff:
		if e.PreviousEditID == "" {
			return fmt.Errorf("diff edit %s has no previous edit: %w",
				e.EditID, ErrInvalidState)
		}
		if e.ChainLength < 1 {
			return fmt.Errorf("diff edit %s has chain length %d: %w",
				e.EditID, e.ChainLength, ErrInvalidState)
		}
	default:
		return fmt.Errorf("edit %s has unknown storage type %q: %w",
			e.EditID, e.StorageType, ErrInvalidState)
	}
	return nil
}
