package models_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TheMichaelB/vaulthist/internal/models"
)

func TestCentralManifestRegister(t *testing.T) {
	central := models.NewCentralManifest()
	now := time.Now()

	require.NoError(t, central.Register("note-1", models.NoteEntry{NotePath: "a.md", CreatedAt: now}))

	t.Run("same note may re-register its path", func(t *testing.T) {
		assert.NoError(t, central.Register("note-1", models.NoteEntry{NotePath: "a.md"}))
	})

	t.Run("different note at same path fails", func(t *testing.T) {
		err := central.Register("note-2", models.NoteEntry{NotePath: "a.md"})
		require.Error(t, err)
		assert.ErrorIs(t, err, models.ErrPathConflict)
		assert.Equal(t, models.ErrCodePathConflict, models.ErrCode(err))

		// The manifest is unchanged.
		_, ok := central.Notes["note-2"]
		assert.False(t, ok)
	})

	t.Run("lookup by path", func(t *testing.T) {
		id, ok := central.NoteIDForPath("a.md")
		require.True(t, ok)
		assert.Equal(t, "note-1", id)
	})
}

func TestNoteManifestHead(t *testing.T) {
	now := time.Now()
	m := models.NewNoteManifest("note-1", "a.md", now)
	b := m.Branch(models.DefaultBranch)

	t.Run("empty branch has no head", func(t *testing.T) {
		id, head := m.Head(models.DefaultBranch)
		assert.Empty(t, id)
		assert.Nil(t, head)
	})

	b.Versions["e1"] = models.VersionMetadata{VersionNumber: 1, Timestamp: now}
	b.Versions["e2"] = models.VersionMetadata{VersionNumber: 2, Timestamp: now}

	t.Run("highest version number wins", func(t *testing.T) {
		id, head := m.Head(models.DefaultBranch)
		assert.Equal(t, "e2", id)
		assert.Equal(t, 2, head.VersionNumber)
	})

	t.Run("timestamp breaks version ties", func(t *testing.T) {
		b.Versions["e3"] = models.VersionMetadata{VersionNumber: 2, Timestamp: now.Add(time.Minute)}
		id, _ := m.Head(models.DefaultBranch)
		assert.Equal(t, "e3", id)
	})

	t.Run("next version number is monotonic", func(t *testing.T) {
		assert.Equal(t, 3, m.NextVersionNumber(models.DefaultBranch))
		assert.Equal(t, 1, m.NextVersionNumber("missing-branch"))
	})
}

func TestNoteManifestCloneIsolation(t *testing.T) {
	now := time.Now()
	m := models.NewNoteManifest("note-1", "a.md", now)
	m.Branch(models.DefaultBranch).Versions["e1"] = models.VersionMetadata{VersionNumber: 1}
	m.Normalize()

	clone := m.Clone()
	clone.Branch(models.DefaultBranch).Versions["e2"] = models.VersionMetadata{VersionNumber: 2}
	clone.NotePath = "b.md"

	assert.Len(t, m.Branch(models.DefaultBranch).Versions, 1)
	assert.Equal(t, "a.md", m.NotePath)
}

func TestNoteManifestSortedVersions(t *testing.T) {
	now := time.Now()
	m := models.NewNoteManifest("note-1", "a.md", now)
	b := m.Branch(models.DefaultBranch)
	b.Versions["e1"] = models.VersionMetadata{VersionNumber: 1}
	b.Versions["e3"] = models.VersionMetadata{VersionNumber: 3}
	b.Versions["e2"] = models.VersionMetadata{VersionNumber: 2}

	out := m.SortedVersions(models.DefaultBranch)
	require.Len(t, out, 3)
	assert.Equal(t, "e3", out[0].EditID)
	assert.Equal(t, "e1", out[2].EditID)

	t.Run("absent branch yields empty slice", func(t *testing.T) {
		out := m.SortedVersions("nope")
		assert.NotNil(t, out)
		assert.Empty(t, out)
	})
}

func TestNoteManifestValidate(t *testing.T) {
	now := time.Now()
	m := models.NewNoteManifest("note-1", "a.md", now)
	b := m.Branch(models.DefaultBranch)
	b.Versions["e1"] = models.VersionMetadata{VersionNumber: 1}
	b.Versions["e2"] = models.VersionMetadata{VersionNumber: 1}
	m.Normalize()

	err := m.Validate()
	require.Error(t, err)
	assert.ErrorIs(t, err, models.ErrInvalidState)

	delete(b.Versions, "e2")
	m.Normalize()
	assert.NoError(t, m.Validate())
}

func TestDecodeNoteManifestMigration(t *testing.T) {
	t.Run("legacy flat manifest migrates to main branch", func(t *testing.T) {
		data := []byte(`{
			"note_id": "note-1",
			"note_path": "a.md",
			"versions": {"e1": {"version_number": 1, "size": 12}}
		}`)

		m, migrated, err := models.DecodeNoteManifest(data)
		require.NoError(t, err)
		assert.True(t, migrated)
		assert.Equal(t, models.DefaultBranch, m.CurrentBranch)
		require.NotNil(t, m.Branch(models.DefaultBranch))
		assert.Equal(t, 1, m.Branch(models.DefaultBranch).TotalVersions)
	})

	t.Run("current schema passes through", func(t *testing.T) {
		data := []byte(`{
			"note_id": "note-1",
			"note_path": "a.md",
			"current_branch": "drafts",
			"branches": {"drafts": {"versions": {}, "total_versions": 0}}
		}`)

		m, migrated, err := models.DecodeNoteManifest(data)
		require.NoError(t, err)
		assert.False(t, migrated)
		assert.Equal(t, "drafts", m.CurrentBranch)
	})

	t.Run("garbage is an error", func(t *testing.T) {
		_, _, err := models.DecodeNoteManifest([]byte("not json"))
		assert.Error(t, err)
	})
}

func TestStoredEditValidate(t *testing.T) {
	now := time.Now()

	full := &models.StoredEdit{
		EditID: "e1", NoteID: "n", BranchName: "main",
		StorageType: models.StorageFull, CreatedAt: now,
	}
	assert.NoError(t, full.Validate())

	t.Run("full with chain length fails", func(t *testing.T) {
		bad := *full
		bad.ChainLength = 1
		assert.Error(t, bad.Validate())
	})

	t.Run("diff requires previous edit", func(t *testing.T) {
		bad := *full
		bad.StorageType = models.StorageDiff
		bad.ChainLength = 1
		assert.Error(t, bad.Validate())

		bad.PreviousEditID = "e0"
		assert.NoError(t, bad.Validate())
	})
}

func TestComputeStats(t *testing.T) {
	stats := models.ComputeStats([]byte("hello world\nsecond line"))
	assert.Equal(t, 4, stats.WordCount)
	assert.Equal(t, 2, stats.LineCount)
	assert.Equal(t, 23, stats.CharCount)

	t.Run("empty content", func(t *testing.T) {
		assert.Equal(t, models.TextStats{}, models.ComputeStats(nil))
	})

	t.Run("composed and decomposed forms count the same", func(t *testing.T) {
		composed := models.ComputeStats([]byte("café"))
		decomposed := models.ComputeStats([]byte("café"))
		assert.Equal(t, composed.CharCount, decomposed.CharCount)
	})
}

func TestIsBinary(t *testing.T) {
	assert.False(t, models.IsBinary("note.md", []byte("# heading\ntext")))
	assert.False(t, models.IsBinary("drawing.svg", []byte("<svg/>")))
	assert.True(t, models.IsBinary("image.png", []byte{0x89, 0x50, 0x4e, 0x47}))
	assert.True(t, models.IsBinary("blob.bin", []byte{0x00, 0x01, 0x02, 0x00}))
}
