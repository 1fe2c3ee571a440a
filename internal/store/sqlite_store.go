package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/TheMichaelB/vaulthist/internal/events"
	"github.com/TheMichaelB/vaulthist/internal/models"
)

// SQLiteStore implements SQLite-backed manifest and blob storage.
type SQLiteStore struct {
	db     *sql.DB
	logger *events.Logger
}

// NewSQLiteStore creates a SQLite store.
func NewSQLiteStore(dbPath string, logger *events.Logger) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal=WAL&_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	store := &SQLiteStore{
		db:     db,
		logger: logger.WithField("component", "sqlite_store"),
	}

	if err := store.initialize(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize database: %w", err)
	}

	return store, nil
}

// initialize creates tables and indexes.
func (s *SQLiteStore) initialize() error {
	schema := `
    CREATE TABLE IF NOT EXISTS central_manifest (
        id INTEGER PRIMARY KEY CHECK (id = 1),
        data TEXT NOT NULL,
        updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
    );

    CREATE TABLE IF NOT EXISTS note_manifests (
        note_id TEXT PRIMARY KEY,
        note_path TEXT NOT NULL,
        data TEXT NOT NULL,
        updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
    );

    CREATE TABLE IF NOT EXISTS edits (
        note_id TEXT NOT NULL,
        branch TEXT NOT NULL,
        edit_id TEXT NOT NULL,
        storage_type TEXT NOT NULL,
        previous_edit_id TEXT NOT NULL DEFAULT '',
        base_edit_id TEXT NOT NULL DEFAULT '',
        chain_length INTEGER NOT NULL DEFAULT 0,
        content_hash TEXT NOT NULL DEFAULT '',
        compressed INTEGER NOT NULL DEFAULT 0,
        content BLOB NOT NULL,
        created_at TIMESTAMP NOT NULL,
        PRIMARY KEY (note_id, branch, edit_id)
    );

    CREATE INDEX IF NOT EXISTS idx_edits_note_branch ON edits(note_id, branch);
    `

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// LoadCentral retrieves the central manifest, or a fresh empty one.
func (s *SQLiteStore) LoadCentral() (*models.CentralManifest, error) {
	var data string
	err := s.db.QueryRow(`SELECT data FROM central_manifest WHERE id = 1`).Scan(&data)
	if err == sql.ErrNoRows {
		return models.NewCentralManifest(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("query central manifest: %w", err)
	}

	var m models.CentralManifest
	if err := json.Unmarshal([]byte(data), &m); err != nil {
		return nil, fmt.Errorf("parse central manifest: %w: %v", ErrManifestCorrupt, err)
	}
	if m.Notes == nil {
		m.Notes = make(map[string]models.NoteEntry)
	}
	return &m, nil
}

// SaveCentral persists the central manifest.
func (s *SQLiteStore) SaveCentral(m *models.CentralManifest) error {
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("marshal central manifest: %w", err)
	}

	_, err = s.db.Exec(`
        INSERT INTO central_manifest (id, data, updated_at) VALUES (1, ?, CURRENT_TIMESTAMP)
        ON CONFLICT(id) DO UPDATE SET data = excluded.data, updated_at = CURRENT_TIMESTAMP
    `, string(data))
	if err != nil {
		return fmt.Errorf("upsert central manifest: %w", err)
	}
	return nil
}

// LoadNoteManifest retrieves a note manifest, migrating legacy forms.
func (s *SQLiteStore) LoadNoteManifest(noteID string) (*models.NoteManifest, error) {
	var data string
	err := s.db.QueryRow(`SELECT data FROM note_manifests WHERE note_id = ?`, noteID).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, ErrManifestNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query note manifest: %w", err)
	}

	m, migrated, err := models.DecodeNoteManifest([]byte(data))
	if err != nil {
		return nil, fmt.Errorf("note %s: %w: %v", noteID, ErrManifestCorrupt, err)
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
func (s *SQLiteStore) SaveNoteManifest(m *models.NoteManifest) error {
	return s.saveNoteManifestTx(nil, m)
}

func (s *SQLiteStore) saveNoteManifestTx(tx *sql.Tx, m *models.NoteManifest) error {
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("marshal note manifest: %w", err)
	}

	query := `
        INSERT INTO note_manifests (note_id, note_path, data, updated_at)
        VALUES (?, ?, ?, CURRENT_TIMESTAMP)
        ON CONFLICT(note_id) DO UPDATE SET
            note_path = excluded.note_path,
            data = excluded.data,
            updated_at = CURRENT_TIMESTAMP
    `
	if tx != nil {
		_, err = tx.Exec(query, m.NoteID, m.NotePath, string(data))
	} else {
		_, err = s.db.Exec(query, m.NoteID, m.NotePath, string(data))
	}
	if err != nil {
		return fmt.Errorf("upsert note manifest: %w", err)
	}
	return nil
}

// CommitEdit persists manifest and blob in one transaction.
func (s *SQLiteStore) CommitEdit(m *models.NoteManifest, edit *models.StoredEdit) error {
	if err := edit.Validate(); err != nil {
		return err
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := s.saveNoteManifestTx(tx, m); err != nil {
		return err
	}
	if err := insertEdit(tx, edit); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit edit: %w", err)
	}

	s.logger.WithFields(map[string]interface{}{
		"note_id": edit.NoteID,
		"branch":  edit.BranchName,
		"edit_id": edit.EditID,
		"type":    string(edit.StorageType),
	}).Debug("Committed edit")
	return nil
}

type execer interface {
	Exec(query string, args ...interface{}) (sql.Result, error)
}

func insertEdit(e execer, edit *models.StoredEdit) error {
	_, err := e.Exec(`
        INSERT OR REPLACE INTO edits
            (note_id, branch, edit_id, storage_type, previous_edit_id,
             base_edit_id, chain_length, content_hash, compressed, content, created_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
    `, edit.NoteID, edit.BranchName, edit.EditID, string(edit.StorageType),
		edit.PreviousEditID, edit.BaseEditID, edit.ChainLength,
		edit.ContentHash, boolToInt(edit.Compressed), edit.Content, edit.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert edit %s: %w", edit.EditID, err)
	}
	return nil
}

// LoadEdit retrieves one edit blob.
func (s *SQLiteStore) LoadEdit(noteID, branch, editID string) (*models.StoredEdit, error) {
	row := s.db.QueryRow(`
        SELECT storage_type, previous_edit_id, base_edit_id, chain_length,
               content_hash, compressed, content, created_at
        FROM edits WHERE note_id = ? AND branch = ? AND edit_id = ?
    `, noteID, branch, editID)

	edit := &models.StoredEdit{NoteID: noteID, BranchName: branch, EditID: editID}
	var storageType string
	var compressed int
	var createdAt time.Time

	err := row.Scan(&storageType, &edit.PreviousEditID, &edit.BaseEditID,
		&edit.ChainLength, &edit.ContentHash, &compressed, &edit.Content, &createdAt)
	if err == sql.ErrNoRows {
		return nil, ErrEditNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query edit: %w", err)
	}

	edit.StorageType = models.StorageType(storageType)
	edit.Compressed = compressed != 0
	edit.CreatedAt = createdAt
	return edit, nil
}

// ListEdits retrieves a branch's edit blobs ordered by creation time.
func (s *SQLiteStore) ListEdits(noteID, branch string) ([]*models.StoredEdit, error) {
	rows, err := s.db.Query(`
        SELECT edit_id, storage_type, previous_edit_id, base_edit_id, chain_length,
               content_hash, compressed, content, created_at
        FROM edits WHERE note_id = ? AND branch = ?
        ORDER BY created_at ASC, edit_id ASC
    `, noteID, branch)
	if err != nil {
		return nil, fmt.Errorf("query edits: %w", err)
	}
	defer rows.Close()

	var edits []*models.StoredEdit
	for rows.Next() {
		edit := &models.StoredEdit{NoteID: noteID, BranchName: branch}
		var storageType string
		var compressed int
		if err := rows.Scan(&edit.EditID, &storageType, &edit.PreviousEditID,
			&edit.BaseEditID, &edit.ChainLength, &edit.ContentHash,
			&compressed, &edit.Content, &edit.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan edit row: %w", err)
		}
		edit.StorageType = models.StorageType(storageType)
		edit.Compressed = compressed != 0
		edits = append(edits, edit)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate edits: %w", err)
	}
	return edits, nil
}

// ReplaceEdit overwrites an existing edit row.
func (s *SQLiteStore) ReplaceEdit(edit *models.StoredEdit) error {
	if err := edit.Validate(); err != nil {
		return err
	}
	return insertEdit(s.db, edit)
}

// DeleteEdit removes one edit blob.
func (s *SQLiteStore) DeleteEdit(noteID, branch, editID string) error {
	_, err := s.db.Exec(`DELETE FROM edits WHERE note_id = ? AND branch = ? AND edit_id = ?`,
		noteID, branch, editID)
	if err != nil {
		return fmt.Errorf("delete edit: %w", err)
	}
	return nil
}

// DeleteBranch removes a branch's edit blobs.
func (s *SQLiteStore) DeleteBranch(noteID, branch string) error {
	_, err := s.db.Exec(`DELETE FROM edits WHERE note_id = ? AND branch = ?`, noteID, branch)
	if err != nil {
		return fmt.Errorf("delete branch edits: %w", err)
	}
	return nil
}

// DeleteNote removes a note's manifest and edits in one transaction.
func (s *SQLiteStore) DeleteNote(noteID string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`DELETE FROM edits WHERE note_id = ?`, noteID); err != nil {
		return fmt.Errorf("delete note edits: %w", err)
	}
	if _, err := tx.Exec(`DELETE FROM note_manifests WHERE note_id = ?`, noteID); err != nil {
		return fmt.Errorf("delete note manifest: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit note deletion: %w", err)
	}
	return nil
}

// RenameNote moves a note's rows under a new ID.
func (s *SQLiteStore) RenameNote(oldID string, m *models.NoteManifest) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`DELETE FROM note_manifests WHERE note_id = ?`, oldID); err != nil {
		return fmt.Errorf("delete old manifest: %w", err)
	}
	if _, err := tx.Exec(`UPDATE edits SET note_id = ? WHERE note_id = ?`, m.NoteID, oldID); err != nil {
		return fmt.Errorf("reassign edits: %w", err)
	}
	if err := s.saveNoteManifestTx(tx, m); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit rename: %w", err)
	}
	return nil
}

// ReplaceBranch swaps a branch's edit set and manifest atomically.
func (s *SQLiteStore) ReplaceBranch(m *models.NoteManifest, branch string, edits []*models.StoredEdit) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`DELETE FROM edits WHERE note_id = ? AND branch = ?`, m.NoteID, branch); err != nil {
		return fmt.Errorf("clear branch edits: %w", err)
	}
	for _, edit := range edits {
		if err := insertEdit(tx, edit); err != nil {
			return err
		}
	}
	if err := s.saveNoteManifestTx(tx, m); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit branch replace: %w", err)
	}
	return nil
}

// ListNoteIDs returns all stored note IDs.
func (s *SQLiteStore) ListNoteIDs() ([]string, error) {
	rows, err := s.db.Query(`SELECT note_id FROM note_manifests ORDER BY note_id`)
	if err != nil {
		return nil, fmt.Errorf("query note ids: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan note id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Close releases the database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
