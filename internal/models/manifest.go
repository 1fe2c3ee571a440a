package models

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/TheMichaelB/vaulthist/internal/config"
)

// ManifestVersion is the current central manifest schema version.
const ManifestVersion = "2"

// DefaultBranch is used when a note has no explicit branch.
const DefaultBranch = "main"

// CentralManifest indexes every tracked note by ID.
type CentralManifest struct {
	Version string               `json:"version"`
	Notes   map[string]NoteEntry `json:"notes"`
}

// NoteEntry records where a note and its manifest live.
type NoteEntry struct {
	NotePath     string    `json:"note_path"`
	ManifestPath string    `json:"manifest_path"`
	CreatedAt    time.Time `json:"created_at"`
	LastModified time.Time `json:"last_modified"`
}

// NewCentralManifest creates an empty central manifest.
func NewCentralManifest() *CentralManifest {
	return &CentralManifest{
		Version: ManifestVersion,
		Notes:   make(map[string]NoteEntry),
	}
}

// Clone returns a deep copy of the manifest.
func (m *CentralManifest) Clone() *CentralManifest {
	out := &CentralManifest{
		Version: m.Version,
		Notes:   make(map[string]NoteEntry, len(m.Notes)),
	}
	for id, entry := range m.Notes {
		out.Notes[id] = entry
	}
	return out
}

// NoteIDForPath returns the note ID registered at path, if any.
func (m *CentralManifest) NoteIDForPath(path string) (string, bool) {
	for id, entry := range m.Notes {
		if entry.NotePath == path {
			return id, true
		}
	}
	return "", false
}

// Register adds or updates a note entry, enforcing path uniqueness.
// Registering a path already claimed by a different note ID fails with
// ErrPathConflict and leaves the manifest unchanged.
func (m *CentralManifest) Register(noteID string, entry NoteEntry) error {
	if other, ok := m.NoteIDForPath(entry.NotePath); ok && other != noteID {
		return &HistoryError{
			Code:   ErrCodePathConflict,
			Op:     "register",
			NoteID: noteID,
			Path:   entry.NotePath,
			Err:    fmt.Errorf("path claimed by note %s: %w", other, ErrPathConflict),
		}
	}
	m.Notes[noteID] = entry
	return nil
}

// NoteManifest describes all branches and versions of one note.
type NoteManifest struct {
	NoteID        string             `json:"note_id"`
	NotePath      string             `json:"note_path"`
	CurrentBranch string             `json:"current_branch"`
	Branches      map[string]*Branch `json:"branches"`
	CreatedAt     time.Time          `json:"created_at"`
	LastModified  time.Time          `json:"last_modified"`
}

// Branch is one named line of versions.
type Branch struct {
	Versions      map[string]VersionMetadata `json:"versions"`
	TotalVersions int                        `json:"total_versions"`
	Settings      *config.BranchSettings     `json:"settings,omitempty"`
	State         json.RawMessage            `json:"state,omitempty"` // Opaque editor state snapshot
}

// VersionMetadata describes one recorded version, keyed by edit ID in
// the branch version map.
type VersionMetadata struct {
	VersionNumber    int       `json:"version_number"`
	Timestamp        time.Time `json:"timestamp"`
	Name             string    `json:"name,omitempty"`
	Description      string    `json:"description,omitempty"`
	Size             int64     `json:"size"`
	CompressedSize   int64     `json:"compressed_size,omitempty"`
	UncompressedSize int64     `json:"uncompressed_size,omitempty"`
	ContentHash      string    `json:"content_hash,omitempty"`
	WordCount        int       `json:"word_count"`
	CharCount        int       `json:"char_count"`
	LineCount        int       `json:"line_count"`
}

// VersionHistoryEntry pairs an edit ID with its metadata for callers.
type VersionHistoryEntry struct {
	EditID string `json:"edit_id"`
	VersionMetadata
}

// NewNoteManifest creates a manifest with one empty default branch.
func NewNoteManifest(noteID, notePath string, now time.Time) *NoteManifest {
	return &NoteManifest{
		NoteID:        noteID,
		NotePath:      notePath,
		CurrentBranch: DefaultBranch,
		Branches: map[string]*Branch{
			DefaultBranch: {Versions: make(map[string]VersionMetadata)},
		},
		CreatedAt:    now,
		LastModified: now,
	}
}

// Clone returns a deep copy. Mutating operations work on a clone so a
// manifest reference held by a concurrent reader never changes.
func (m *NoteManifest) Clone() *NoteManifest {
	out := &NoteManifest{
		NoteID:        m.NoteID,
		NotePath:      m.NotePath,
		CurrentBranch: m.CurrentBranch,
		Branches:      make(map[string]*Branch, len(m.Branches)),
		CreatedAt:     m.CreatedAt,
		LastModified:  m.LastModified,
	}
	for name, b := range m.Branches {
		nb := &Branch{
			Versions:      make(map[string]VersionMetadata, len(b.Versions)),
			TotalVersions: b.TotalVersions,
		}
		for id, v := range b.Versions {
			nb.Versions[id] = v
		}
		if b.Settings != nil {
			s := *b.Settings
			nb.Settings = &s
		}
		if b.State != nil {
			nb.State = append(json.RawMessage(nil), b.State...)
		}
		out.Branches[name] = nb
	}
	return out
}

// Branch returns the named branch, or nil.
func (m *NoteManifest) Branch(name string) *Branch {
	if m.Branches == nil {
		return nil
	}
	return m.Branches[name]
}

// EnsureBranch returns the named branch, creating it if absent.
func (m *NoteManifest) EnsureBranch(name string) *Branch {
	if m.Branches == nil {
		m.Branches = make(map[string]*Branch)
	}
	b, ok := m.Branches[name]
	if !ok {
		b = &Branch{Versions: make(map[string]VersionMetadata)}
		m.Branches[name] = b
	}
	return b
}

// Head returns the edit ID and metadata of the branch head: the entry
// with the highest version number, latest timestamp breaking ties.
func (m *NoteManifest) Head(branch string) (string, *VersionMetadata) {
	b := m.Branch(branch)
	if b == nil || len(b.Versions) == 0 {
		return "", nil
	}
	var headID string
	var head VersionMetadata
	for id, v := range b.Versions {
		if headID == "" ||
			v.VersionNumber > head.VersionNumber ||
			(v.VersionNumber == head.VersionNumber && v.Timestamp.After(head.Timestamp)) {
			headID, head = id, v
		}
	}
	return headID, &head
}

// NextVersionNumber allocates the next monotonic version number for a
// branch. Numbers are increasing but not required to be gapless.
func (m *NoteManifest) NextVersionNumber(branch string) int {
	max := 0
	if b := m.Branch(branch); b != nil {
		for _, v := range b.Versions {
			if v.VersionNumber > max {
				max = v.VersionNumber
			}
		}
	}
	return max + 1
}

// BranchContaining finds the branch holding an edit ID, if any.
func (m *NoteManifest) BranchContaining(editID string) (string, bool) {
	names := make([]string, 0, len(m.Branches))
	for name := range m.Branches {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if _, ok := m.Branches[name].Versions[editID]; ok {
			return name, true
		}
	}
	return "", false
}

// SortedVersions returns a branch's versions newest-first by version
// number. Absent branches yield an empty slice, never nil errors.
func (m *NoteManifest) SortedVersions(branch string) []VersionHistoryEntry {
	b := m.Branch(branch)
	if b == nil {
		return []VersionHistoryEntry{}
	}
	out := make([]VersionHistoryEntry, 0, len(b.Versions))
	for id, v := range b.Versions {
		out = append(out, VersionHistoryEntry{EditID: id, VersionMetadata: v})
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].VersionNumber > out[j].VersionNumber
	})
	return out
}

// Normalize recomputes every branch's TotalVersions from its version
// map. TotalVersions is derived state and is never trusted as set.
func (m *NoteManifest) Normalize() {
	for _, b := range m.Branches {
		b.TotalVersions = len(b.Versions)
	}
}

// Validate checks manifest invariants.
func (m *NoteManifest) Validate() error {
	if m.NoteID == "" {
		return fmt.Errorf("note manifest missing note_id: %w", ErrInvalidState)
	}
	for name, b := range m.Branches {
		if b.TotalVersions != len(b.Versions) {
			return fmt.Errorf("branch %s total_versions %d != %d versions: %w",
				name, b.TotalVersions, len(b.Versions), ErrInvalidState)
		}
		seen := make(map[int]string, len(b.Versions))
		for id, v := range b.Versions {
			if prev, dup := seen[v.VersionNumber]; dup {
				return fmt.Errorf("branch %s version number %d shared by %s and %s: %w",
					name, v.VersionNumber, prev, id, ErrInvalidState)
			}
			seen[v.VersionNumber] = id
		}
	}
	return nil
}

// legacyNoteManifest matches the pre-branch schema with a flat
// top-level version map.
type legacyNoteManifest struct {
	NoteID       string                     `json:"note_id"`
	NotePath     string                     `json:"note_path"`
	Versions     map[string]VersionMetadata `json:"versions"`
	CreatedAt    time.Time                  `json:"created_at"`
	LastModified time.Time                  `json:"last_modified"`
}

// DecodeNoteManifest parses manifest JSON, migrating legacy flat
// manifests into a single default branch. migrated reports whether the
// caller should persist the upgraded form back.
func DecodeNoteManifest(data []byte) (m *NoteManifest, migrated bool, err error) {
	var probe struct {
		Branches map[string]json.RawMessage `json:"branches"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, false, fmt.Errorf("parse note manifest: %w", err)
	}

	if probe.Branches == nil {
		var legacy legacyNoteManifest
		if err := json.Unmarshal(data, &legacy); err != nil {
			return nil, false, fmt.Errorf("parse legacy note manifest: %w", err)
		}
		m := &NoteManifest{
			NoteID:        legacy.NoteID,
			NotePath:      legacy.NotePath,
			CurrentBranch: DefaultBranch,
			Branches: map[string]*Branch{
				DefaultBranch: {Versions: legacy.Versions},
			},
			CreatedAt:    legacy.CreatedAt,
			LastModified: legacy.LastModified,
		}
		if m.Branches[DefaultBranch].Versions == nil {
			m.Branches[DefaultBranch].Versions = make(map[string]VersionMetadata)
		}
		m.Normalize()
		return m, true, nil
	}

	var manifest NoteManifest
	if err := json.Unmarshal(data, &manifest); err != nil {
		return nil, false, fmt.Errorf("parse note manifest: %w", err)
	}
	if manifest.CurrentBranch == "" {
		manifest.CurrentBranch = DefaultBranch
	}
	manifest.Normalize()
	return &manifest, false, nil
}
