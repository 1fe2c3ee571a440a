// Package store is the indexed database boundary: manifests and edit
// blobs live here, committed together. It is one of the two sources of
// truth the persistence layer reconciles (the other being on-disk
// archives).
package store

import (
	"errors"

	"github.com/TheMichaelB/vaulthist/internal/models"
)

// Store persists manifests and edit rows. Implementations must make
// CommitEdit atomic: either the manifest and the blob are both
// committed, or neither is visible.
type Store interface {
	// LoadCentral retrieves the central manifest, or an empty one if
	// none has been saved yet.
	LoadCentral() (*models.CentralManifest, error)

	// SaveCentral persists the central manifest.
	SaveCentral(m *models.CentralManifest) error

	// LoadNoteManifest retrieves a note manifest. Legacy flat
	// manifests are migrated in place and persisted back.
	LoadNoteManifest(noteID string) (*models.NoteManifest, error)

	// SaveNoteManifest persists a note manifest.
	SaveNoteManifest(m *models.NoteManifest) error

	// CommitEdit persists an updated manifest and a new edit blob as
	// one atomic commit.
	CommitEdit(m *models.NoteManifest, edit *models.StoredEdit) error

	// LoadEdit retrieves one edit blob.
	LoadEdit(noteID, branch, editID string) (*models.StoredEdit, error)

	// ListEdits retrieves all edit blobs for a branch.
	ListEdits(noteID, branch string) ([]*models.StoredEdit, error)

	// ReplaceEdit overwrites an existing edit row (used when a diff
	// entry is re-materialized as a full snapshot).
	ReplaceEdit(edit *models.StoredEdit) error

	// DeleteEdit removes one edit blob. Missing blobs are not errors.
	DeleteEdit(noteID, branch, editID string) error

	// DeleteBranch removes a branch's edit blobs.
	DeleteBranch(noteID, branch string) error

	// DeleteNote removes a note's manifest and all its edit blobs.
	DeleteNote(noteID string) error

	// RenameNote moves a note's manifest and edits under a new ID.
	// m carries the new ID and updated paths.
	RenameNote(oldID string, m *models.NoteManifest) error

	// ReplaceBranch atomically swaps a branch's full edit set and
	// manifest (archive import).
	ReplaceBranch(m *models.NoteManifest, branch string, edits []*models.StoredEdit) error

	// ListNoteIDs returns all note IDs with stored manifests.
	ListNoteIDs() ([]string, error)

	// Close releases resources.
	Close() error
}

// Errors
var (
	ErrManifestNotFound = errors.New("manifest not found")
	ErrEditNotFound     = errors.New("edit not found")
	ErrManifestCorrupt  = errors.New("manifest is corrupt")
)
