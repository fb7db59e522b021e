// Package checkpoint makes pipeline progress durable and restartable.
// A checkpoint records the last safely-applied position of one
// sub-stream; the pipeline is its only writer and the resume path at
// task start is its only reader. Persistence is crash-atomic: a torn
// write can never surface as a valid, newer-than-actual position.
package checkpoint

import (
	"context"
	"os"
	"path/filepath"
	"time"

	ferrors "github.com/dataferry/ferry/pkg/errors"
	"github.com/dataferry/ferry/pkg/jsonx"
	"github.com/dataferry/ferry/pkg/position"
)

// Checkpoint is the persisted progress of one sub-stream.
type Checkpoint struct {
	SubStream   string    `json:"sub_stream"`
	Position    string    `json:"position"`
	CommittedAt time.Time `json:"committed_at"`
}

// Store persists checkpoints per sub-stream.
type Store interface {
	// Load returns the stored position for the sub-stream; ok is false
	// when no checkpoint exists yet.
	Load(ctx context.Context, subStream string) (pos position.Position, ok bool, err error)
	// Save durably persists the checkpoint. A failure here is fatal to
	// the task: progress must never be claimed without durability.
	Save(ctx context.Context, cp Checkpoint) error
	// Delete removes the checkpoint for a sub-stream, used by explicit
	// operator resets.
	Delete(ctx context.Context, subStream string) error
	Close() error
}

// FileStore keeps one JSON file per sub-stream under a directory.
// Saves go through a temp file, fsync and rename, so readers observe
// either the previous checkpoint or the new one, never a torn write.
type FileStore struct {
	dir string
}

// NewFileStore creates the directory if needed and returns the store.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, ferrors.Wrap(err, ferrors.ErrorTypeCheckpoint, "create checkpoint dir")
	}
	return &FileStore{dir: dir}, nil
}

func (s *FileStore) path(subStream string) string {
	return filepath.Join(s.dir, subStream+".json")
}

// Load implements Store.
func (s *FileStore) Load(_ context.Context, subStream string) (position.Position, bool, error) {
	data, err := os.ReadFile(s.path(subStream))
	if os.IsNotExist(err) {
		return position.None, false, nil
	}
	if err != nil {
		return nil, false, ferrors.Wrap(err, ferrors.ErrorTypeCheckpoint, "read checkpoint")
	}

	var cp Checkpoint
	if err := jsonx.Unmarshal(data, &cp); err != nil {
		return nil, false, ferrors.Wrap(err, ferrors.ErrorTypeCheckpoint, "decode checkpoint")
	}
	pos, err := position.Decode(cp.Position)
	if err != nil {
		return nil, false, ferrors.Wrap(err, ferrors.ErrorTypeCheckpoint, "decode checkpoint position")
	}
	return pos, true, nil
}

// Save implements Store.
func (s *FileStore) Save(_ context.Context, cp Checkpoint) error {
	data, err := jsonx.MarshalIndent(cp, "", "  ")
	if err != nil {
		return ferrors.Wrap(err, ferrors.ErrorTypeCheckpoint, "encode checkpoint")
	}

	tmp, err := os.CreateTemp(s.dir, cp.SubStream+".tmp-*")
	if err != nil {
		return ferrors.Wrap(err, ferrors.ErrorTypeCheckpoint, "create temp checkpoint")
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return ferrors.Wrap(err, ferrors.ErrorTypeCheckpoint, "write temp checkpoint")
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return ferrors.Wrap(err, ferrors.ErrorTypeCheckpoint, "sync temp checkpoint")
	}
	if err := tmp.Close(); err != nil {
		return ferrors.Wrap(err, ferrors.ErrorTypeCheckpoint, "close temp checkpoint")
	}

	if err := os.Rename(tmpName, s.path(cp.SubStream)); err != nil {
		return ferrors.Wrap(err, ferrors.ErrorTypeCheckpoint, "rename checkpoint")
	}
	return nil
}

// Delete implements Store.
func (s *FileStore) Delete(_ context.Context, subStream string) error {
	err := os.Remove(s.path(subStream))
	if err != nil && !os.IsNotExist(err) {
		return ferrors.Wrap(err, ferrors.ErrorTypeCheckpoint, "delete checkpoint")
	}
	return nil
}

// Close implements Store.
func (s *FileStore) Close() error { return nil }
