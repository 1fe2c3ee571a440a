package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/TheMichaelB/vaulthist/internal/events"
	"github.com/TheMichaelB/vaulthist/internal/models"
)

// FileStore implements JSON-file-backed manifest and blob storage.
// Layout under baseDir:
//
//	central.json
//	notes/<noteID>/manifest.json
//	notes/<noteID>/edits/<branch>/<editID>.json
//
// All writes are atomic (temp file + rename). Corrupt files are backed
// up to a .corrupt.<timestamp> sibling before being replaced.
type FileStore struct {
	baseDir string
	logger  *events.Logger
	mu      sync.RWMutex
}

// NewFileStore creates a file-based store.
func NewFileStore(baseDir string, logger *events.Logger) (*FileStore, error) {
	if err := os.MkdirAll(baseDir, 0700); err != nil {
		return nil, fmt.Errorf("create store directory: %w", err)
	}
	return &FileStore{
		baseDir: baseDir,
		logger:  logger.WithField("component", "file_store"),
	}, nil
}

func (s *FileStore) centralPath() string {
	return filepath.Join(s.baseDir, "central.json")
}

func (s *FileStore) manifestPath(noteID string) string {
	return filepath.Join(s.baseDir, "notes", noteID, "manifest.json")
}

func (s *FileStore) editPath(noteID, branch, editID string) string {
	return filepath.Join(s.baseDir, "notes", noteID, "edits", branch, editID+".json")
}

// writeAtomic writes data via temp file + rename.
func (s *FileStore) writeAtomic(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("create parent directory: %w", err)
	}

	tempPath := fmt.Sprintf("%s.tmp.%d", path, time.Now().UnixNano())
	if err := os.WriteFile(tempPath, data, 0600); err != nil {
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := os.Rename(tempPath, path); err != nil {
		_ = os.Remove(tempPath)
		return fmt.Errorf("rename temp file: %w", err)
	}
	return nil
}

// backupCorrupt moves a damaged file aside so it is never silently
// discarded.
func (s *FileStore) backupCorrupt(path string) {
	backup := fmt.Sprintf("%s.corrupt.%d", path, time.Now().UnixMilli())
	if err := os.Rename(path, backup); err != nil {
		s.logger.WithError(err).WithField("path", path).Error("Failed to back up corrupt file")
		return
	}
	s.logger.WithFields(map[string]interface{}{
		"path":   path,
		"backup": backup,
	}).Error("Backed up corrupt store file")
}

// LoadCentral retrieves the central manifest. A corrupt file is backed
// up and replaced with an empty manifest.
func (s *FileStore) LoadCentral() (*models.CentralManifest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	data, err := os.ReadFile(s.centralPath())
	if os.IsNotExist(err) {
		return models.NewCentralManifest(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("read central manifest: %w", err)
	}

	var m models.CentralManifest
	if err := json.Unmarshal(data, &m); err != nil {
		s.backupCorrupt(s.centralPath())
		return models.NewCentralManifest(), nil
	}
	if m.Notes == nil {
		m.Notes = make(map[string]models.NoteEntry)
	}
	return &m, nil
}

// SaveCentral persists the central manifest.
func (s *FileStore) SaveCentral(m *models.CentralManifest) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal central manifest: %w", err)
	}
	return s.writeAtomic(s.centralPath(), data)
}

// LoadNoteManifest retrieves a note manifest, migrating legacy forms.
func (s *FileStore) LoadNoteManifest(noteID string) (*models.NoteManifest, error) {
	s.mu.RLock()
	data, err := os.ReadFile(s.manifestPath(noteID))
	s.mu.RUnlock()

	if os.IsNotExist(err) {
		return nil, ErrManifestNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read note manifest: %w", err)
	}

	m, migrated, err := models.DecodeNoteManifest(data)
	if err != nil {
		s.mu.Lock()
		s.backupCorrupt(s.manifestPath(noteID))
		s.mu.Unlock()
		return nil, fmt.Errorf("note %s: %w", noteID, ErrManifestCorrupt)
	}
	if migrated {
		s.logger.WithField("note_id", noteID).Info("Migrated legacy note manifest")
		if err := s.SaveNoteManifest(m); err != nil {
			return nil, fmt.Errorf("persist migrated manifest: %w", err)
		}
	}
	return m, nil
}

// SaveNoteManifest persists a note manifest.
func (s *FileStore) SaveNoteManifest(m *models.NoteManifest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saveNoteManifestLocked(m)
}

func (s *FileStore) saveNoteManifestLocked(m *models.NoteManifest) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal note manifest: %w", err)
	}
	return s.writeAtomic(s.manifestPath(m.NoteID), data)
}

// CommitEdit writes the blob first and the manifest last; the manifest
// write is the commit point. A blob without a manifest reference is an
// orphan cleaned up by integrity passes, never visible state.
func (s *FileStore) CommitEdit(m *models.NoteManifest, edit *models.StoredEdit) error {
	if err := edit.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.writeEditLocked(edit); err != nil {
		return err
	}
	if err := s.saveNoteManifestLocked(m); err != nil {
		_ = os.Remove(s.editPath(edit.NoteID, edit.BranchName, edit.EditID))
		return err
	}
	return nil
}

func (s *FileStore) writeEditLocked(edit *models.StoredEdit) error {
	data, err := json.Marshal(edit)
	if err != nil {
		return fmt.Errorf("marshal edit: %w", err)
	}
	return s.writeAtomic(s.editPath(edit.NoteID, edit.BranchName, edit.EditID), data)
}

// LoadEdit retrieves one edit blob.
func (s *FileStore) LoadEdit(noteID, branch, editID string) (*models.StoredEdit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	data, err := os.ReadFile(s.editPath(noteID, branch, editID))
	if os.IsNotExist(err) {
		return nil, ErrEditNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read edit: %w", err)
	}

	var edit models.StoredEdit
	if err := json.Unmarshal(data, &edit); err != nil {
		return nil, fmt.Errorf("parse edit %s: %w", editID, err)
	}
	return &edit, nil
}

// ListEdits retrieves a branch's edit blobs ordered by creation time.
func (s *FileStore) ListEdits(noteID, branch string) ([]*models.StoredEdit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	dir := filepath.Join(s.baseDir, "notes", noteID, "edits", branch)
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read edits directory: %w", err)
	}

	var edits []*models.StoredEdit
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("read edit %s: %w", entry.Name(), err)
		}
		var edit models.StoredEdit
		if err := json.Unmarshal(data, &edit); err != nil {
			return nil, fmt.Errorf("parse edit %s: %w", entry.Name(), err)
		}
		edits = append(edits, &edit)
	}

	sort.Slice(edits, func(i, j int) bool {
		if edits[i].CreatedAt.Equal(edits[j].CreatedAt) {
			return edits[i].EditID < edits[j].EditID
		}
		return edits[i].CreatedAt.Before(edits[j].CreatedAt)
	})
	return edits, nil
}

// ReplaceEdit overwrites an existing edit blob.
func (s *FileStore) ReplaceEdit(edit *models.StoredEdit) error {
	if err := edit.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writeEditLocked(edit)
}

// DeleteEdit removes one edit blob.
func (s *FileStore) DeleteEdit(noteID, branch, editID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.Remove(s.editPath(noteID, branch, editID)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete edit: %w", err)
	}
	return nil
}

// DeleteBranch removes a branch's edit blobs.
func (s *FileStore) DeleteBranch(noteID, branch string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	dir := filepath.Join(s.baseDir, "notes", noteID, "edits", branch)
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("delete branch edits: %w", err)
	}
	return nil
}

// DeleteNote removes a note's manifest and all edits.
func (s *FileStore) DeleteNote(noteID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	dir := filepath.Join(s.baseDir, "notes", noteID)
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("delete note: %w", err)
	}
	return nil
}

// RenameNote moves a note's directory under a new ID and stamps the
// new ID into every edit file, matching the SQLite UPDATE. Diff-chain
// reconstruction follows an edit's own NoteID, so a stale owner breaks
// every chain under the renamed note.
func (s *FileStore) RenameNote(oldID string, m *models.NoteManifest) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	oldDir := filepath.Join(s.baseDir, "notes", oldID)
	newDir := filepath.Join(s.baseDir, "notes", m.NoteID)

	if _, err := os.Stat(oldDir); err == nil {
		if err := os.MkdirAll(filepath.Dir(newDir), 0700); err != nil {
			return fmt.Errorf("create notes directory: %w", err)
		}
		if err := os.Rename(oldDir, newDir); err != nil {
			return fmt.Errorf("rename note directory: %w", err)
		}
		if err := s.rewriteEditOwnerLocked(m.NoteID); err != nil {
			return err
		}
	}
	return s.saveNoteManifestLocked(m)
}

// rewriteEditOwnerLocked rewrites the NoteID of every edit file under
// a note's edits tree.
func (s *FileStore) rewriteEditOwnerLocked(noteID string) error {
	editsDir := filepath.Join(s.baseDir, "notes", noteID, "edits")
	branches, err := os.ReadDir(editsDir)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read edits directory: %w", err)
	}

	for _, b := range branches {
		if !b.IsDir() {
			continue
		}
		dir := filepath.Join(editsDir, b.Name())
		files, err := os.ReadDir(dir)
		if err != nil {
			return fmt.Errorf("read branch directory: %w", err)
		}
		for _, f := range files {
			if f.IsDir() || !strings.HasSuffix(f.Name(), ".json") {
				continue
			}
			data, err := os.ReadFile(filepath.Join(dir, f.Name()))
			if err != nil {
				return fmt.Errorf("read edit %s: %w", f.Name(), err)
			}
			var edit models.StoredEdit
			if err := json.Unmarshal(data, &edit); err != nil {
				return fmt.Errorf("parse edit %s: %w", f.Name(), err)
			}
			if edit.NoteID == noteID {
				continue
			}
			edit.NoteID = noteID
			if err := s.writeEditLocked(&edit); err != nil {
				return err
			}
		}
	}
	return nil
}

// ReplaceBranch swaps a branch's edit set and manifest. The edit files
// are replaced first; the manifest write is the commit point.
func (s *FileStore) ReplaceBranch(m *models.NoteManifest, branch string, edits []*models.StoredEdit) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	dir := filepath.Join(s.baseDir, "notes", m.NoteID, "edits", branch)
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("clear branch edits: %w", err)
	}
	for _, edit := range edits {
		if err := s.writeEditLocked(edit); err != nil {
			return err
		}
	}
	return s.saveNoteManifestLocked(m)
}

// ListNoteIDs returns all stored note IDs.
func (s *FileStore) ListNoteIDs() ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries, err := os.ReadDir(filepath.Join(s.baseDir, "notes"))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read notes directory: %w", err)
	}

	var ids []string
	for _, entry := range entries {
		if entry.IsDir() {
			ids = append(ids, entry.Name())
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// Close is a no-op for the file store.
func (s *FileStore) Close() error {
	return nil
}
