package snapshot

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/meshadmin/revertit/internal/domain"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	return New(zap.NewNop(), t.TempDir(), false, 3, 0)
}

func TestCreateAndRestoreRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sshd_config")
	require.NoError(t, os.WriteFile(path, []byte("PermitRootLogin no\n"), 0644))

	store := newTestStore(t)
	ctx := context.Background()

	id, err := store.Create(ctx, []string{path}, domain.OriginAuto, "pre-change")
	require.NoError(t, err)
	require.NotEmpty(t, id)

	require.NoError(t, os.WriteFile(path, []byte("PermitRootLogin yes\n"), 0644))

	plan, err := store.Restore(ctx, id, []string{path})
	require.NoError(t, err)
	require.Len(t, plan.Steps, 1)
	assert.False(t, plan.Steps[0].Tombstone)
	assert.Equal(t, path, plan.Steps[0].Path)
	assert.NotEmpty(t, plan.Steps[0].BlobPath)
}

func TestCreateRecordsTombstoneForMissingPath(t *testing.T) {
	dir := t.TempDir()
	missing := filepath.Join(dir, "does-not-exist")

	store := newTestStore(t)
	id, err := store.Create(context.Background(), []string{missing}, domain.OriginManual, "")
	require.NoError(t, err)

	meta, err := store.Get(context.Background(), id)
	require.NoError(t, err)
	require.Len(t, meta.Entries, 1)
	assert.True(t, meta.Entries[0].Tombstone)
}

func TestVerifyDetectsCorruption(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rules.v4")
	require.NoError(t, os.WriteFile(path, []byte("-A INPUT -j ACCEPT\n"), 0644))

	store := newTestStore(t)
	ctx := context.Background()
	id, err := store.Create(ctx, []string{path}, domain.OriginAuto, "")
	require.NoError(t, err)
	require.NoError(t, store.Verify(ctx, id))

	meta, err := store.Get(ctx, id)
	require.NoError(t, err)
	blobPath := filepath.Join(store.location, id, "blobs", meta.Entries[0].Blob)
	require.NoError(t, os.WriteFile(blobPath, []byte("corrupted"), 0644))

	err = store.Verify(ctx, id)
	assert.ErrorIs(t, err, domain.ErrSnapshotCorrupt)
}

func TestPruneKeepsManualAndNewestAuto(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	var autoIDs []string
	for i := 0; i < 5; i++ {
		id, err := store.Create(ctx, nil, domain.OriginAuto, "")
		require.NoError(t, err)
		autoIDs = append(autoIDs, id)
		// force distinct CreatedAtWall ordering
		time.Sleep(time.Millisecond)
	}
	manualID, err := store.Create(ctx, nil, domain.OriginManual, "keep me")
	require.NoError(t, err)

	removed, err := store.Prune(ctx)
	require.NoError(t, err)
	assert.Len(t, removed, 2)
	assert.NotContains(t, removed, manualID)

	remaining, err := store.List(ctx)
	require.NoError(t, err)
	assert.Len(t, remaining, 4)
}
