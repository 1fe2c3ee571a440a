package persist_test

import (
	"bytes"
	"context"
	"path"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TheMichaelB/vaulthist/internal/archive"
	"github.com/TheMichaelB/vaulthist/internal/checksum"
	"github.com/TheMichaelB/vaulthist/internal/config"
	"github.com/TheMichaelB/vaulthist/internal/events"
	"github.com/TheMichaelB/vaulthist/internal/lock"
	"github.com/TheMichaelB/vaulthist/internal/models"
	"github.com/TheMichaelB/vaulthist/internal/persist"
	"github.com/TheMichaelB/vaulthist/internal/storage"
	"github.com/TheMichaelB/vaulthist/internal/store"
	"github.com/TheMichaelB/vaulthist/internal/worker"
)

const historyRoot = "history"

type fixture struct {
	svc   *persist.Service
	db    store.Store
	blobs *storage.MockStore
}

func newFixture(t *testing.T, cfg config.PersistConfig) *fixture {
	t.Helper()

	var buf bytes.Buffer
	logger := events.NewTestLogger(events.DebugLevel, "json", &buf)

	db, err := store.NewFileStore(t.TempDir(), logger)
	require.NoError(t, err)

	pool := worker.NewPool(2, 6, logger)
	t.Cleanup(pool.Close)

	blobs := storage.NewMockStore()
	svc := persist.NewService(db, blobs, pool, lock.NewManager(), historyRoot, cfg, logger)
	t.Cleanup(svc.Close)

	return &fixture{svc: svc, db: db, blobs: blobs}
}

func testCfg() config.PersistConfig {
	return config.PersistConfig{
		DebounceInterval: time.Hour, // Tests flush explicitly unless stated otherwise.
		MaxRetries:       3,
		RetryBaseDelay:   time.Millisecond,
		SkewTolerance:    time.Minute,
	}
}

// seedNote writes a manifest with one full edit into the database.
func seedNote(t *testing.T, db store.Store, noteID string, ts time.Time) *models.NoteManifest {
	t.Helper()
	content := []byte("# " + noteID + "\n\nbody\n")
	m := models.NewNoteManifest(noteID, "notes/"+noteID+".md", ts)
	m.Branches[models.DefaultBranch].Versions["e1"] = models.VersionMetadata{
		VersionNumber: 1,
		Timestamp:     ts,
		Size:          int64(len(content)),
		ContentHash:   checksum.Sum(content),
	}
	m.Branches[models.DefaultBranch].TotalVersions = 1
	m.LastModified = ts

	edit := &models.StoredEdit{
		EditID:      "e1",
		NoteID:      noteID,
		BranchName:  models.DefaultBranch,
		Content:     content,
		StorageType: models.StorageFull,
		ContentHash: checksum.Sum(content),
		CreatedAt:   ts,
	}
	require.NoError(t, db.CommitEdit(m, edit))
	return m
}

// writeArchive packs an export by hand and drops it into the branch
// directory, simulating a file written by another device.
func writeArchive(t *testing.T, blobs *storage.MockStore, m *models.NoteManifest, branch string, edits []*models.StoredEdit, exportedAt time.Time, seq uint64) string {
	t.Helper()
	ex, err := archive.BuildExport(m, branch, edits, exportedAt)
	require.NoError(t, err)
	data, err := archive.Pack(ex, archive.Limits{})
	require.NoError(t, err)

	p := path.Join(historyRoot, m.NoteID, branch, archive.FileName(exportedAt, seq))
	require.NoError(t, blobs.Write(p, data))
	return p
}

// archiveFiles lists the .vctrl files in a branch directory.
func archiveFiles(t *testing.T, blobs *storage.MockStore, noteID, branch string) []string {
	t.Helper()
	entries, err := blobs.List(path.Join(historyRoot, noteID, branch))
	require.NoError(t, err)
	var out []string
	for _, fi := range entries {
		if !fi.IsDir && archive.IsArchiveFile(path.Base(fi.Path)) {
			out = append(out, fi.Path)
		}
	}
	return out
}

func TestScheduleCoalesces(t *testing.T) {
	f := newFixture(t, testCfg())
	seedNote(t, f.db, "note-1", time.Now().UTC())

	f.svc.Schedule("note-1", models.DefaultBranch)
	f.svc.Schedule("note-1", models.DefaultBranch)
	f.svc.Schedule("note-1", models.DefaultBranch)

	seq, pending := f.svc.Pending("note-1", models.DefaultBranch)
	assert.True(t, pending)
	assert.Equal(t, uint64(3), seq)

	f.svc.Cancel("note-1", models.DefaultBranch)
	_, pending = f.svc.Pending("note-1", models.DefaultBranch)
	assert.False(t, pending)
}

func TestCancelNoteDropsAllBranches(t *testing.T) {
	f := newFixture(t, testCfg())
	seedNote(t, f.db, "note-1", time.Now().UTC())

	f.svc.Schedule("note-1", "main")
	f.svc.Schedule("note-1", "draft")
	f.svc.CancelNote("note-1")

	_, pending := f.svc.Pending("note-1", "main")
	assert.False(t, pending)
	_, pending = f.svc.Pending("note-1", "draft")
	assert.False(t, pending)
}

func TestCancelWaitsForRunningExport(t *testing.T) {
	cfg := testCfg()
	cfg.DebounceInterval = 5 * time.Millisecond
	f := newFixture(t, cfg)
	seedNote(t, f.db, "note-1", time.Now().UTC())

	gate := make(chan struct{})
	started := make(chan struct{}, 1)
	f.blobs.BeforeWrite = func(p string) {
		if !archive.IsArchiveFile(path.Base(p)) {
			return
		}
		select {
		case started <- struct{}{}:
		default:
		}
		<-gate
	}

	f.svc.Schedule("note-1", models.DefaultBranch)
	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("export never started writing")
	}

	cancelled := make(chan struct{})
	go func() {
		f.svc.Cancel("note-1", models.DefaultBranch)
		close(cancelled)
	}()

	select {
	case <-cancelled:
		t.Fatal("Cancel returned while an export was still writing")
	case <-time.After(50 * time.Millisecond):
	}

	close(gate)
	select {
	case <-cancelled:
	case <-time.After(2 * time.Second):
		t.Fatal("Cancel did not return after the export finished")
	}

	// Deletion after Cancel cannot be undone by a late write.
	require.NoError(t, f.svc.RemoveBranchDir("note-1", models.DefaultBranch))
	assert.Empty(t, archiveFiles(t, f.blobs, "note-1", models.DefaultBranch))
	_, pending := f.svc.Pending("note-1", models.DefaultBranch)
	assert.False(t, pending)
}

func TestDebouncedWriteLandsOnDisk(t *testing.T) {
	cfg := testCfg()
	cfg.DebounceInterval = 10 * time.Millisecond
	f := newFixture(t, cfg)
	seedNote(t, f.db, "note-1", time.Now().UTC())

	f.svc.Schedule("note-1", models.DefaultBranch)

	require.Eventually(t, func() bool {
		_, pending := f.svc.Pending("note-1", models.DefaultBranch)
		return !pending && len(archiveFiles(t, f.blobs, "note-1", models.DefaultBranch)) == 1
	}, 2*time.Second, 5*time.Millisecond)
}

func TestFlushExecutesPendingWrite(t *testing.T) {
	f := newFixture(t, testCfg())
	seedNote(t, f.db, "note-1", time.Now().UTC())

	f.svc.Schedule("note-1", models.DefaultBranch)
	require.NoError(t, f.svc.Flush(context.Background(), "note-1", models.DefaultBranch))

	files := archiveFiles(t, f.blobs, "note-1", models.DefaultBranch)
	require.Len(t, files, 1)

	data, err := f.blobs.Read(files[0])
	require.NoError(t, err)
	m, err := archive.ReadManifest(data)
	require.NoError(t, err)
	assert.Equal(t, "note-1", m.NoteID)
	assert.Equal(t, 1, m.EditCount)

	_, pending := f.svc.Pending("note-1", models.DefaultBranch)
	assert.False(t, pending)
}

func TestFlushWithNothingScheduledIsNoop(t *testing.T) {
	f := newFixture(t, testCfg())
	assert.NoError(t, f.svc.Flush(context.Background(), "note-1", models.DefaultBranch))
}

func TestWriteRetriesTransientFailures(t *testing.T) {
	f := newFixture(t, testCfg())
	seedNote(t, f.db, "note-1", time.Now().UTC())
	f.blobs.FailWrites = 2

	f.svc.Schedule("note-1", models.DefaultBranch)
	require.NoError(t, f.svc.Flush(context.Background(), "note-1", models.DefaultBranch))

	assert.Len(t, archiveFiles(t, f.blobs, "note-1", models.DefaultBranch), 1)
}

func TestWriteFailsAfterExhaustingRetries(t *testing.T) {
	cfg := testCfg()
	cfg.MaxRetries = 2
	f := newFixture(t, cfg)
	seedNote(t, f.db, "note-1", time.Now().UTC())
	f.blobs.FailWrites = 10

	f.svc.Schedule("note-1", models.DefaultBranch)
	err := f.svc.Flush(context.Background(), "note-1", models.DefaultBranch)

	var herr *models.HistoryError
	require.ErrorAs(t, err, &herr)
	assert.Equal(t, models.ErrCodeDiskWriteFailed, herr.Code)
	assert.Empty(t, archiveFiles(t, f.blobs, "note-1", models.DefaultBranch))
}

func TestExportRemovesStaleSiblings(t *testing.T) {
	f := newFixture(t, testCfg())
	seedNote(t, f.db, "note-1", time.Now().UTC())

	stale := path.Join(historyRoot, "note-1", models.DefaultBranch, "1000_000001.vctrl")
	require.NoError(t, f.blobs.Write(stale, []byte("old archive")))

	f.svc.Schedule("note-1", models.DefaultBranch)
	require.NoError(t, f.svc.Flush(context.Background(), "note-1", models.DefaultBranch))

	files := archiveFiles(t, f.blobs, "note-1", models.DefaultBranch)
	require.Len(t, files, 1)
	assert.NotEqual(t, stale, files[0])
}

func TestExportSkipsDeletedNote(t *testing.T) {
	f := newFixture(t, testCfg())

	f.svc.Schedule("ghost", models.DefaultBranch)
	require.NoError(t, f.svc.Flush(context.Background(), "ghost", models.DefaultBranch))

	assert.Empty(t, archiveFiles(t, f.blobs, "ghost", models.DefaultBranch))
}

func TestReconcileNoopWhenBothSidesAbsent(t *testing.T) {
	f := newFixture(t, testCfg())

	outcome, err := f.svc.LoadBranchFromDisk(context.Background(), "note-1", models.DefaultBranch)
	require.NoError(t, err)
	assert.Equal(t, persist.OutcomeNoop, outcome)
}

func TestReconcileExportsDatabaseOnlyBranch(t *testing.T) {
	f := newFixture(t, testCfg())
	seedNote(t, f.db, "note-1", time.Now().UTC())

	outcome, err := f.svc.LoadBranchFromDisk(context.Background(), "note-1", models.DefaultBranch)
	require.NoError(t, err)
	assert.Equal(t, persist.OutcomeExported, outcome)
	assert.Len(t, archiveFiles(t, f.blobs, "note-1", models.DefaultBranch), 1)
}

func TestReconcileNoopWhenSynchronized(t *testing.T) {
	f := newFixture(t, testCfg())
	seedNote(t, f.db, "note-1", time.Now().UTC())

	f.svc.Schedule("note-1", models.DefaultBranch)
	require.NoError(t, f.svc.Flush(context.Background(), "note-1", models.DefaultBranch))

	outcome, err := f.svc.LoadBranchFromDisk(context.Background(), "note-1", models.DefaultBranch)
	require.NoError(t, err)
	assert.Equal(t, persist.OutcomeNoop, outcome)
}

func TestReconcileImportsNewerDisk(t *testing.T) {
	f := newFixture(t, testCfg())
	past := time.Now().UTC().Add(-time.Hour)
	seedNote(t, f.db, "note-1", past)

	// Another device recorded a second version after our last write.
	now := time.Now().UTC()
	newer := models.NewNoteManifest("note-1", "notes/note-1.md", past)
	b := newer.Branches[models.DefaultBranch]
	b.Versions["e1"] = models.VersionMetadata{VersionNumber: 1, Timestamp: past}
	b.Versions["e2"] = models.VersionMetadata{VersionNumber: 2, Timestamp: now}
	b.TotalVersions = 2
	edits := []*models.StoredEdit{
		{EditID: "e1", NoteID: "note-1", BranchName: models.DefaultBranch, Content: []byte("v1"), StorageType: models.StorageFull, ContentHash: checksum.Sum([]byte("v1")), CreatedAt: past},
		{EditID: "e2", NoteID: "note-1", BranchName: models.DefaultBranch, Content: []byte("v2"), StorageType: models.StorageFull, ContentHash: checksum.Sum([]byte("v2")), CreatedAt: now},
	}
	writeArchive(t, f.blobs, newer, models.DefaultBranch, edits, now, 1)

	outcome, err := f.svc.LoadBranchFromDisk(context.Background(), "note-1", models.DefaultBranch)
	require.NoError(t, err)
	assert.Equal(t, persist.OutcomeImported, outcome)

	listed, err := f.db.ListEdits("note-1", models.DefaultBranch)
	require.NoError(t, err)
	assert.Len(t, listed, 2)

	m, err := f.db.LoadNoteManifest("note-1")
	require.NoError(t, err)
	assert.Equal(t, 2, m.Branch(models.DefaultBranch).TotalVersions)
	assert.WithinDuration(t, now, m.LastModified, time.Second)
}

func TestReconcileReexportsNewerDatabase(t *testing.T) {
	f := newFixture(t, testCfg())
	now := time.Now().UTC()
	m := seedNote(t, f.db, "note-1", now)

	// Stale archive from an hour ago.
	past := now.Add(-time.Hour)
	edits, err := f.db.ListEdits("note-1", models.DefaultBranch)
	require.NoError(t, err)
	stale := writeArchive(t, f.blobs, m, models.DefaultBranch, edits, past, 1)

	outcome, err := f.svc.LoadBranchFromDisk(context.Background(), "note-1", models.DefaultBranch)
	require.NoError(t, err)
	assert.Equal(t, persist.OutcomeExported, outcome)

	files := archiveFiles(t, f.blobs, "note-1", models.DefaultBranch)
	require.Len(t, files, 1)
	assert.NotEqual(t, stale, files[0])

	data, err := f.blobs.Read(files[0])
	require.NoError(t, err)
	am, err := archive.ReadManifest(data)
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now(), am.ExportedAt, time.Minute)
}

func TestReconcileRecoversFromCorruptArchive(t *testing.T) {
	f := newFixture(t, testCfg())
	seedNote(t, f.db, "note-1", time.Now().UTC())

	dir := path.Join(historyRoot, "note-1", models.DefaultBranch)
	corrupt := path.Join(dir, "2000_000001.vctrl")
	require.NoError(t, f.blobs.Write(corrupt, []byte("not a zip archive")))

	outcome, err := f.svc.LoadBranchFromDisk(context.Background(), "note-1", models.DefaultBranch)
	require.NoError(t, err)
	assert.Equal(t, persist.OutcomeRecovered, outcome)

	// Corrupt file was quarantined, not destroyed; a fresh export exists.
	entries, err := f.blobs.List(dir)
	require.NoError(t, err)
	var quarantined bool
	for _, fi := range entries {
		if strings.Contains(path.Base(fi.Path), ".corrupt.") {
			quarantined = true
		}
	}
	assert.True(t, quarantined)
	assert.Len(t, archiveFiles(t, f.blobs, "note-1", models.DefaultBranch), 1)
}

func TestReconcileKeepsNewestOfMultipleArchives(t *testing.T) {
	f := newFixture(t, testCfg())
	now := time.Now().UTC()
	past := now.Add(-2 * time.Hour)

	m := models.NewNoteManifest("note-1", "notes/note-1.md", past)
	m.Branches[models.DefaultBranch].Versions["e1"] = models.VersionMetadata{VersionNumber: 1, Timestamp: past}
	m.Branches[models.DefaultBranch].TotalVersions = 1
	oldEdits := []*models.StoredEdit{
		{EditID: "e1", NoteID: "note-1", BranchName: models.DefaultBranch, Content: []byte("old"), StorageType: models.StorageFull, ContentHash: checksum.Sum([]byte("old")), CreatedAt: past},
	}
	writeArchive(t, f.blobs, m, models.DefaultBranch, oldEdits, past, 1)

	m2 := m.Clone()
	m2.Branches[models.DefaultBranch].Versions["e2"] = models.VersionMetadata{VersionNumber: 2, Timestamp: now}
	m2.Branches[models.DefaultBranch].TotalVersions = 2
	newEdits := append(oldEdits, &models.StoredEdit{
		EditID: "e2", NoteID: "note-1", BranchName: models.DefaultBranch,
		Content: []byte("new"), StorageType: models.StorageFull,
		ContentHash: checksum.Sum([]byte("new")), CreatedAt: now,
	})
	newest := writeArchive(t, f.blobs, m2, models.DefaultBranch, newEdits, now, 2)

	outcome, err := f.svc.LoadBranchFromDisk(context.Background(), "note-1", models.DefaultBranch)
	require.NoError(t, err)
	assert.Equal(t, persist.OutcomeImported, outcome)

	files := archiveFiles(t, f.blobs, "note-1", models.DefaultBranch)
	require.Len(t, files, 1)
	assert.Equal(t, newest, files[0])

	listed, err := f.db.ListEdits("note-1", models.DefaultBranch)
	require.NoError(t, err)
	assert.Len(t, listed, 2)
}

func TestReconcileImportsDiskOnlyBranch(t *testing.T) {
	f := newFixture(t, testCfg())
	now := time.Now().UTC()

	m := models.NewNoteManifest("note-9", "notes/found.md", now)
	m.Branches[models.DefaultBranch].Versions["e1"] = models.VersionMetadata{VersionNumber: 1, Timestamp: now}
	m.Branches[models.DefaultBranch].TotalVersions = 1
	edits := []*models.StoredEdit{
		{EditID: "e1", NoteID: "note-9", BranchName: models.DefaultBranch, Content: []byte("hello"), StorageType: models.StorageFull, ContentHash: checksum.Sum([]byte("hello")), CreatedAt: now},
	}
	writeArchive(t, f.blobs, m, models.DefaultBranch, edits, now, 1)

	outcome, err := f.svc.LoadBranchFromDisk(context.Background(), "note-9", models.DefaultBranch)
	require.NoError(t, err)
	assert.Equal(t, persist.OutcomeImported, outcome)

	got, err := f.db.LoadNoteManifest("note-9")
	require.NoError(t, err)
	assert.Equal(t, "notes/found.md", got.NotePath)
	require.NotNil(t, got.Branch(models.DefaultBranch))

	edit, err := f.db.LoadEdit("note-9", models.DefaultBranch, "e1")
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), edit.Content)
}

func TestMoveNoteDirMissingSourceIsNoop(t *testing.T) {
	f := newFixture(t, testCfg())
	assert.NoError(t, f.svc.MoveNoteDir("never-exported", "elsewhere"))
}
