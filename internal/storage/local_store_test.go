package storage_test

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TheMichaelB/vaulthist/internal/events"
	"github.com/TheMichaelB/vaulthist/internal/storage"
)

func newLocalStore(t *testing.T) (*storage.LocalStore, string) {
	t.Helper()
	var buf bytes.Buffer
	logger := events.NewTestLogger(events.DebugLevel, "json", &buf)
	dir := t.TempDir()
	s, err := storage.NewLocalStore(dir, logger)
	require.NoError(t, err)
	return s, dir
}

func TestLocalStoreWriteRead(t *testing.T) {
	s, _ := newLocalStore(t)

	require.NoError(t, s.Write("notes/a/deep.bin", []byte("payload")))

	data, err := s.Read("notes/a/deep.bin")
	require.NoError(t, err)
	assert.Equal(t, []byte("payload"), data)

	_, err = s.Read("notes/missing.bin")
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestLocalStoreWriteLeavesNoTempFiles(t *testing.T) {
	s, dir := newLocalStore(t)

	require.NoError(t, s.Write("file.bin", []byte("x")))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	for _, e := range entries {
		assert.NotContains(t, e.Name(), ".tmp.")
	}
}

func TestLocalStoreRejectsPathEscape(t *testing.T) {
	s, _ := newLocalStore(t)

	assert.Error(t, s.Write("../outside.bin", []byte("x")))
	_, err := s.Read("a/../../outside.bin")
	assert.Error(t, err)
}

func TestLocalStoreMaxFileSize(t *testing.T) {
	s, _ := newLocalStore(t)
	s.SetMaxFileSize(4)

	assert.Error(t, s.Write("big.bin", []byte("too large")))
	assert.NoError(t, s.Write("ok.bin", []byte("ok")))
}

func TestLocalStoreRemoveMissingIsNoop(t *testing.T) {
	s, _ := newLocalStore(t)
	assert.NoError(t, s.Remove("never/existed.bin"))
}

func TestLocalStoreExistsAndStat(t *testing.T) {
	s, _ := newLocalStore(t)
	require.NoError(t, s.Write("f.bin", []byte("abc")))

	ok, err := s.Exists("f.bin")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.Exists("g.bin")
	require.NoError(t, err)
	assert.False(t, ok)

	fi, err := s.Stat("f.bin")
	require.NoError(t, err)
	assert.Equal(t, int64(3), fi.Size)
	assert.False(t, fi.IsDir)
}

func TestLocalStoreListMissingDirIsEmpty(t *testing.T) {
	s, _ := newLocalStore(t)

	files, err := s.List("no/such/dir")
	require.NoError(t, err)
	assert.Empty(t, files)
}

func TestLocalStoreList(t *testing.T) {
	s, _ := newLocalStore(t)
	require.NoError(t, s.Write("dir/a.bin", []byte("a")))
	require.NoError(t, s.Write("dir/b.bin", []byte("b")))
	require.NoError(t, s.EnsureDir("dir/sub"))

	files, err := s.List("dir")
	require.NoError(t, err)
	require.Len(t, files, 3)

	var dirs, plain int
	for _, fi := range files {
		assert.True(t, strings.HasPrefix(fi.Path, "dir"))
		if fi.IsDir {
			dirs++
		} else {
			plain++
		}
	}
	assert.Equal(t, 1, dirs)
	assert.Equal(t, 2, plain)
}

func TestLocalStoreMove(t *testing.T) {
	s, _ := newLocalStore(t)
	require.NoError(t, s.Write("old/f.bin", []byte("content")))

	require.NoError(t, s.Move("old/f.bin", "new/nested/f.bin"))

	_, err := s.Read("old/f.bin")
	assert.ErrorIs(t, err, os.ErrNotExist)
	data, err := s.Read("new/nested/f.bin")
	require.NoError(t, err)
	assert.Equal(t, []byte("content"), data)
}

func TestLocalStoreMoveDirectory(t *testing.T) {
	s, _ := newLocalStore(t)
	require.NoError(t, s.Write("tree/x/f.bin", []byte("1")))

	require.NoError(t, s.Move("tree", "moved"))

	data, err := s.Read("moved/x/f.bin")
	require.NoError(t, err)
	assert.Equal(t, []byte("1"), data)
}

func TestLocalStoreRemoveDir(t *testing.T) {
	s, _ := newLocalStore(t)
	require.NoError(t, s.Write("gone/a/f.bin", []byte("1")))

	// Non-recursive removal refuses a populated directory.
	assert.Error(t, s.RemoveDir("gone", false))

	require.NoError(t, s.RemoveDir("gone", true))
	ok, err := s.Exists("gone")
	require.NoError(t, err)
	assert.False(t, ok)

	assert.NoError(t, s.RemoveDir("gone", true))
}

func TestLocalStoreAbsolutePathStaysInRoot(t *testing.T) {
	s, dir := newLocalStore(t)

	require.NoError(t, s.Write("/rooted.bin", []byte("x")))

	_, err := os.Stat(filepath.Join(dir, "rooted.bin"))
	assert.NoError(t, err)
}
