// Package archive packs a branch's full edit set into a single .vctrl
// container: a zip holding manifest.json (branch metadata + export
// timestamp + counts), data.json (per-edit metadata without content),
// and blobs/<editID>.bin per content blob.
package archive

import (
	"archive/zip"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"path"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/TheMichaelB/vaulthist/internal/models"
)

// FileExt is the on-disk archive extension.
const FileExt = ".vctrl"

// FormatVersion of the container layout.
const FormatVersion = 1

// Default hard limits bounding worst-case memory use.
const (
	DefaultMaxBytes = 100 * 1024 * 1024
	DefaultMaxFiles = 10000
)

// Limits caps archive size. Zero values fall back to defaults.
type Limits struct {
	MaxBytes int64
	MaxFiles int
}

func (l Limits) maxBytes() int64 {
	if l.MaxBytes <= 0 {
		return DefaultMaxBytes
	}
	return l.MaxBytes
}

func (l Limits) maxFiles() int {
	if l.MaxFiles <= 0 {
		return DefaultMaxFiles
	}
	return l.MaxFiles
}

// Manifest is the embedded branch metadata (manifest.json).
type Manifest struct {
	FormatVersion int            `json:"format_version"`
	NoteID        string         `json:"note_id"`
	NotePath      string         `json:"note_path"`
	BranchName    string         `json:"branch_name"`
	ExportedAt    time.Time      `json:"exported_at"`
	EditCount     int            `json:"edit_count"`
	TotalBytes    int64          `json:"total_bytes"`
	Branch        *models.Branch `json:"branch"`
}

// EditRecord is one data.json row: StoredEdit metadata minus content.
type EditRecord struct {
	EditID         string             `json:"edit_id"`
	StorageType    models.StorageType `json:"storage_type"`
	PreviousEditID string             `json:"previous_edit_id,omitempty"`
	BaseEditID     string             `json:"base_edit_id,omitempty"`
	ChainLength    int                `json:"chain_length"`
	ContentHash    string             `json:"content_hash"`
	Compressed     bool               `json:"compressed"`
	Size           int64              `json:"size"`
	CreatedAt      time.Time          `json:"created_at"`
}

// Export is the in-memory form of one branch archive.
type Export struct {
	Manifest Manifest
	Edits    []EditRecord
	Blobs    map[string][]byte
}

// BuildExport assembles an Export from a note manifest and its edits.
func BuildExport(manifest *models.NoteManifest, branch string, edits []*models.StoredEdit, now time.Time) (*Export, error) {
	b := manifest.Branch(branch)
	if b == nil {
		return nil, fmt.Errorf("branch %s: %w", branch, models.ErrBranchNotFound)
	}

	ex := &Export{
		Manifest: Manifest{
			FormatVersion: FormatVersion,
			NoteID:        manifest.NoteID,
			NotePath:      manifest.NotePath,
			BranchName:    branch,
			ExportedAt:    now,
			EditCount:     len(edits),
			Branch:        b,
		},
		Edits: make([]EditRecord, 0, len(edits)),
		Blobs: make(map[string][]byte, len(edits)),
	}

	for _, e := range edits {
		ex.Edits = append(ex.Edits, EditRecord{
			EditID:         e.EditID,
			StorageType:    e.StorageType,
			PreviousEditID: e.PreviousEditID,
			BaseEditID:     e.BaseEditID,
			ChainLength:    e.ChainLength,
			ContentHash:    e.ContentHash,
			Compressed:     e.Compressed,
			Size:           int64(len(e.Content)),
			CreatedAt:      e.CreatedAt,
		})
		ex.Blobs[e.EditID] = e.Content
		ex.Manifest.TotalBytes += int64(len(e.Content))
	}

	sort.Slice(ex.Edits, func(i, j int) bool { return ex.Edits[i].CreatedAt.Before(ex.Edits[j].CreatedAt) })
	return ex, nil
}

// StoredEdits converts an Export back into store rows.
func (ex *Export) StoredEdits() ([]*models.StoredEdit, error) {
	out := make([]*models.StoredEdit, 0, len(ex.Edits))
	for _, rec := range ex.Edits {
		blob, ok := ex.Blobs[rec.EditID]
		if !ok {
			return nil, fmt.Errorf("archive missing blob for edit %s: %w",
				rec.EditID, models.ErrInvalidState)
		}
		out = append(out, &models.StoredEdit{
			EditID:         rec.EditID,
			NoteID:         ex.Manifest.NoteID,
			BranchName:     ex.Manifest.BranchName,
			Content:        blob,
			Compressed:     rec.Compressed,
			StorageType:    rec.StorageType,
			PreviousEditID: rec.PreviousEditID,
			BaseEditID:     rec.BaseEditID,
			ChainLength:    rec.ChainLength,
			ContentHash:    rec.ContentHash,
			CreatedAt:      rec.CreatedAt,
		})
	}
	return out, nil
}

// Pack serializes an Export into zip container bytes.
func Pack(ex *Export, limits Limits) ([]byte, error) {
	if len(ex.Blobs) > limits.maxFiles() {
		return nil, &models.HistoryError{
			Code:   models.ErrCodeCapacity,
			Op:     "archive pack",
			NoteID: ex.Manifest.NoteID,
			Err: fmt.Errorf("%d blobs exceeds cap %d: %w",
				len(ex.Blobs), limits.maxFiles(), models.ErrCapacityExceeded),
		}
	}
	if ex.Manifest.TotalBytes > limits.maxBytes() {
		return nil, &models.HistoryError{
			Code:   models.ErrCodeCapacity,
			Op:     "archive pack",
			NoteID: ex.Manifest.NoteID,
			Err: fmt.Errorf("%d bytes exceeds cap %d: %w",
				ex.Manifest.TotalBytes, limits.maxBytes(), models.ErrCapacityExceeded),
		}
	}

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)

	writeEntry := func(name string, data []byte) error {
		w, err := zw.Create(name)
		if err != nil {
			return fmt.Errorf("create archive entry %s: %w", name, err)
		}
		if _, err := w.Write(data); err != nil {
			return fmt.Errorf("write archive entry %s: %w", name, err)
		}
		return nil
	}

	manifestJSON, err := json.Marshal(ex.Manifest)
	if err != nil {
		return nil, fmt.Errorf("marshal archive manifest: %w", err)
	}
	if err := writeEntry("manifest.json", manifestJSON); err != nil {
		return nil, err
	}

	dataJSON, err := json.Marshal(ex.Edits)
	if err != nil {
		return nil, fmt.Errorf("marshal archive data: %w", err)
	}
	if err := writeEntry("data.json", dataJSON); err != nil {
		return nil, err
	}

	for id, blob := range ex.Blobs {
		if err := writeEntry(path.Join("blobs", id+".bin"), blob); err != nil {
			return nil, err
		}
	}

	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("finalize archive: %w", err)
	}
	return buf.Bytes(), nil
}

// Unpack parses container bytes back into an Export.
func Unpack(data []byte, limits Limits) (*Export, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("open archive: %w", err)
	}
	if len(zr.File) > limits.maxFiles()+2 {
		return nil, fmt.Errorf("archive has %d entries: %w", len(zr.File), models.ErrCapacityExceeded)
	}

	ex := &Export{Blobs: make(map[string][]byte)}
	var total int64

	for _, f := range zr.File {
		contents, err := readEntry(f, limits.maxBytes())
		if err != nil {
			return nil, err
		}

		switch {
		case f.Name == "manifest.json":
			if err := json.Unmarshal(contents, &ex.Manifest); err != nil {
				return nil, fmt.Errorf("parse archive manifest: %w", err)
			}
		case f.Name == "data.json":
			if err := json.Unmarshal(contents, &ex.Edits); err != nil {
				return nil, fmt.Errorf("parse archive data: %w", err)
			}
		case strings.HasPrefix(f.Name, "blobs/") && strings.HasSuffix(f.Name, ".bin"):
			id := strings.TrimSuffix(path.Base(f.Name), ".bin")
			ex.Blobs[id] = contents
			total += int64(len(contents))
			if total > limits.maxBytes() {
				return nil, fmt.Errorf("archive blobs exceed %d bytes: %w",
					limits.maxBytes(), models.ErrCapacityExceeded)
			}
		default:
			// Unknown entries are ignored for forward compatibility.
		}
	}

	if ex.Manifest.FormatVersion == 0 || ex.Manifest.Branch == nil {
		return nil, fmt.Errorf("archive missing manifest.json: %w", models.ErrInvalidState)
	}
	return ex, nil
}

// ReadManifest extracts only manifest.json, for cheap timestamp
// comparison during reconciliation.
func ReadManifest(data []byte) (*Manifest, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("open archive: %w", err)
	}
	for _, f := range zr.File {
		if f.Name != "manifest.json" {
			continue
		}
		contents, err := readEntry(f, DefaultMaxBytes)
		if err != nil {
			return nil, err
		}
		var m Manifest
		if err := json.Unmarshal(contents, &m); err != nil {
			return nil, fmt.Errorf("parse archive manifest: %w", err)
		}
		return &m, nil
	}
	return nil, fmt.Errorf("archive missing manifest.json: %w", models.ErrInvalidState)
}

func readEntry(f *zip.File, maxBytes int64) ([]byte, error) {
	rc, err := f.Open()
	if err != nil {
		return nil, fmt.Errorf("open archive entry %s: %w", f.Name, err)
	}
	defer rc.Close()

	contents, err := io.ReadAll(io.LimitReader(rc, maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read archive entry %s: %w", f.Name, err)
	}
	if int64(len(contents)) > maxBytes {
		return nil, fmt.Errorf("archive entry %s exceeds %d bytes: %w",
			f.Name, maxBytes, models.ErrCapacityExceeded)
	}
	return contents, nil
}

// FileName builds the archive filename convention
// <unix-millis>_<sequence>.vctrl.
func FileName(ts time.Time, seq uint64) string {
	return fmt.Sprintf("%d_%06d%s", ts.UnixMilli(), seq, FileExt)
}

// IsArchiveFile reports whether a filename looks like an archive.
func IsArchiveFile(name string) bool {
	if !strings.HasSuffix(name, FileExt) {
		return false
	}
	stem := strings.TrimSuffix(path.Base(name), FileExt)
	parts := strings.SplitN(stem, "_", 2)
	if len(parts) != 2 {
		return false
	}
	_, err := strconv.ParseInt(parts[0], 10, 64)
	return err == nil
}
