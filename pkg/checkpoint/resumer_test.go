package checkpoint

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	ferrors "github.com/dataferry/ferry/pkg/errors"
	"github.com/dataferry/ferry/pkg/position"
)

func newTestResumer(t *testing.T) *Resumer {
	t.Helper()
	store, err := NewFileStore(t.TempDir())
	require.NoError(t, err)
	return NewResumer("task", store, position.LSN{Value: 100}, zap.NewNop())
}

func TestResumeFallsBackToStart(t *testing.T) {
	r := newTestResumer(t)
	pos, err := r.Resume(context.Background(), "s")
	require.NoError(t, err)
	assert.Equal(t, "lsn:100", pos.Encode())
}

func TestResumePrefersStoredCheckpoint(t *testing.T) {
	r := newTestResumer(t)
	ctx := context.Background()

	require.NoError(t, r.Commit(ctx, "s", position.LSN{Value: 250}))

	pos, err := r.Resume(ctx, "s")
	require.NoError(t, err)
	assert.Equal(t, "lsn:250", pos.Encode())
}

func TestCommitMonotonicity(t *testing.T) {
	r := newTestResumer(t)
	ctx := context.Background()

	require.NoError(t, r.Commit(ctx, "s", position.LSN{Value: 10}))
	require.NoError(t, r.Commit(ctx, "s", position.LSN{Value: 10}), "equal position is a no-op")
	require.NoError(t, r.Commit(ctx, "s", position.LSN{Value: 20}))

	err := r.Commit(ctx, "s", position.LSN{Value: 15})
	require.Error(t, err)
	assert.True(t, ferrors.IsType(err, ferrors.ErrorTypeConflict))

	assert.Equal(t, "lsn:20", r.Committed("s").Encode())
}

func TestCommitNonePositionIsNoOp(t *testing.T) {
	r := newTestResumer(t)
	require.NoError(t, r.Commit(context.Background(), "s", position.None))
	assert.Equal(t, position.None, r.Committed("s"))
}

func TestResetAllowsReplay(t *testing.T) {
	r := newTestResumer(t)
	ctx := context.Background()

	require.NoError(t, r.Commit(ctx, "s", position.LSN{Value: 50}))
	require.NoError(t, r.Reset(ctx, "s", position.LSN{Value: 5}))

	// After a reset, committing an earlier position is legal again.
	require.NoError(t, r.Commit(ctx, "s", position.LSN{Value: 7}))

	pos, err := r.Resume(ctx, "s")
	require.NoError(t, err)
	assert.Equal(t, "lsn:7", pos.Encode())
}

func TestSubStreamsAreIndependent(t *testing.T) {
	r := newTestResumer(t)
	ctx := context.Background()

	require.NoError(t, r.Commit(ctx, "a", position.LSN{Value: 30}))
	require.NoError(t, r.Commit(ctx, "b", position.LSN{Value: 3}))

	assert.Equal(t, "lsn:30", r.Committed("a").Encode())
	assert.Equal(t, "lsn:3", r.Committed("b").Encode())
}
