package worker_test

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TheMichaelB/vaulthist/internal/archive"
	"github.com/TheMichaelB/vaulthist/internal/checksum"
	"github.com/TheMichaelB/vaulthist/internal/events"
	"github.com/TheMichaelB/vaulthist/internal/models"
	"github.com/TheMichaelB/vaulthist/internal/worker"
)

func newPool(t *testing.T) *worker.Pool {
	t.Helper()
	p := worker.NewPool(2, 6, events.Discard())
	t.Cleanup(p.Close)
	return p
}

func TestHash(t *testing.T) {
	p := newPool(t)
	ctx := context.Background()

	h1, err := p.Hash(ctx, []byte("content"))
	require.NoError(t, err)
	assert.Equal(t, checksum.Sum([]byte("content")), h1)

	h2, err := p.Hash(ctx, []byte("different"))
	require.NoError(t, err)
	assert.NotEqual(t, h1, h2)
}

func TestCompressRoundTrip(t *testing.T) {
	p := newPool(t)
	ctx := context.Background()

	plain := bytes.Repeat([]byte("compressible text "), 200)

	packed, err := p.Compress(ctx, plain)
	require.NoError(t, err)
	assert.Less(t, len(packed), len(plain))

	back, err := p.Decompress(ctx, packed)
	require.NoError(t, err)
	assert.Equal(t, plain, back)
}

func TestDeltaRoundTrip(t *testing.T) {
	p := newPool(t)
	ctx := context.Background()

	base := []byte("line one\nline two\nline three\n")
	target := []byte("line one\nline 2\nline three\nline four\n")

	delta, err := p.ComputeDelta(ctx, base, target)
	require.NoError(t, err)
	encoded, err := delta.Encode()
	require.NoError(t, err)

	got, err := p.ApplyDelta(ctx, base, encoded)
	require.NoError(t, err)
	assert.Equal(t, target, got)
}

func TestPackUnpack(t *testing.T) {
	p := newPool(t)
	ctx := context.Background()
	now := time.Now()

	man := models.NewNoteManifest("n1", "a.md", now)
	man.Branch(models.DefaultBranch).Versions["e1"] = models.VersionMetadata{VersionNumber: 1, Timestamp: now}
	man.Normalize()
	edits := []*models.StoredEdit{{
		EditID: "e1", NoteID: "n1", BranchName: models.DefaultBranch,
		Content: []byte("v1"), StorageType: models.StorageFull, CreatedAt: now,
	}}

	ex, err := archive.BuildExport(man, models.DefaultBranch, edits, now)
	require.NoError(t, err)

	data, err := p.Pack(ctx, ex, archive.Limits{})
	require.NoError(t, err)

	back, err := p.Unpack(ctx, data, archive.Limits{})
	require.NoError(t, err)
	assert.Equal(t, "n1", back.Manifest.NoteID)
}

func TestClosedPool(t *testing.T) {
	p := worker.NewPool(1, 6, events.Discard())
	p.Close()

	_, err := p.Hash(context.Background(), []byte("x"))
	require.Error(t, err)
	assert.Equal(t, models.ErrCodeWorkerUnavailable, models.ErrCode(err))
	assert.ErrorIs(t, err, models.ErrWorkerUnavailable)
}

func TestSubmitHonorsContext(t *testing.T) {
	p := newPool(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := p.Hash(ctx, []byte("x"))
	assert.ErrorIs(t, err, context.Canceled)
}
