package checkpoint

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dataferry/ferry/pkg/position"
)

func TestFileStoreRoundTrip(t *testing.T) {
	store, err := NewFileStore(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	_, found, err := store.Load(ctx, "users")
	require.NoError(t, err)
	assert.False(t, found)

	pos := position.Log{File: "bin.000003", Offset: 4242}
	require.NoError(t, store.Save(ctx, Checkpoint{SubStream: "users", Position: pos.Encode()}))

	loaded, found, err := store.Load(ctx, "users")
	require.NoError(t, err)
	require.True(t, found)
	cmp, ok := loaded.Compare(pos)
	require.True(t, ok)
	assert.Equal(t, 0, cmp)
}

func TestFileStoreOverwriteKeepsOneFile(t *testing.T) {
	dir := t.TempDir()
	store, err := NewFileStore(dir)
	require.NoError(t, err)
	ctx := context.Background()

	for i := uint64(1); i <= 5; i++ {
		pos := position.LSN{Value: i}
		require.NoError(t, store.Save(ctx, Checkpoint{SubStream: "s", Position: pos.Encode()}))
	}

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1, "temp files must not survive a save")

	loaded, found, err := store.Load(ctx, "s")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "lsn:5", loaded.Encode())
}

func TestFileStoreIgnoresTornWrite(t *testing.T) {
	dir := t.TempDir()
	store, err := NewFileStore(dir)
	require.NoError(t, err)
	ctx := context.Background()

	pos := position.LSN{Value: 7}
	require.NoError(t, store.Save(ctx, Checkpoint{SubStream: "s", Position: pos.Encode()}))

	// A crash mid-save leaves only a temp file behind; it must not
	// shadow the committed checkpoint.
	require.NoError(t, os.WriteFile(filepath.Join(dir, "s.tmp-crashed"), []byte("{gar"), 0o644))

	loaded, found, err := store.Load(ctx, "s")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "lsn:7", loaded.Encode())
}

func TestFileStoreDelete(t *testing.T) {
	store, err := NewFileStore(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, store.Save(ctx, Checkpoint{SubStream: "s", Position: position.LSN{Value: 1}.Encode()}))
	require.NoError(t, store.Delete(ctx, "s"))
	require.NoError(t, store.Delete(ctx, "s"), "deleting a missing checkpoint is not an error")

	_, found, err := store.Load(ctx, "s")
	require.NoError(t, err)
	assert.False(t, found)
}
