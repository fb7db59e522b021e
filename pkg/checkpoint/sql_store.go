package checkpoint

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	// Embedded sqlite backend, used when no external database is
	// available for checkpoint storage.
	_ "github.com/glebarez/go-sqlite"

	ferrors "github.com/dataferry/ferry/pkg/errors"
	"github.com/dataferry/ferry/pkg/position"
)

const createTableStmt = `
CREATE TABLE IF NOT EXISTS ferry_checkpoints (
	sub_stream   VARCHAR(255) NOT NULL PRIMARY KEY,
	position     TEXT NOT NULL,
	committed_at TIMESTAMP NOT NULL
)`

// SQLStore keeps checkpoints in a single-row-per-sub-stream table.
// The upsert replaces the row in one statement, so a crash mid-save
// leaves the previous checkpoint intact. Works with the embedded
// sqlite driver or a mysql DSN.
type SQLStore struct {
	db     *sql.DB
	driver string
}

// NewSQLStore opens the database and ensures the checkpoint table
// exists. driver is "sqlite" or "mysql".
func NewSQLStore(driver, dsn string) (*SQLStore, error) {
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, ferrors.Wrap(err, ferrors.ErrorTypeCheckpoint, "open checkpoint database")
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(createTableStmt); err != nil {
		db.Close()
		return nil, ferrors.Wrap(err, ferrors.ErrorTypeCheckpoint, "create checkpoint table")
	}
	return &SQLStore{db: db, driver: driver}, nil
}

// NewSQLStoreFromDB wraps an existing handle, used by tests.
func NewSQLStoreFromDB(db *sql.DB, driver string) *SQLStore {
	return &SQLStore{db: db, driver: driver}
}

// Load implements Store.
func (s *SQLStore) Load(ctx context.Context, subStream string) (position.Position, bool, error) {
	var encoded string
	err := s.db.QueryRowContext(ctx,
		"SELECT position FROM ferry_checkpoints WHERE sub_stream = ?", subStream,
	).Scan(&encoded)
	if err == sql.ErrNoRows {
		return position.None, false, nil
	}
	if err != nil {
		return nil, false, ferrors.Wrap(err, ferrors.ErrorTypeCheckpoint, "query checkpoint")
	}

	pos, err := position.Decode(encoded)
	if err != nil {
		return nil, false, ferrors.Wrap(err, ferrors.ErrorTypeCheckpoint, "decode checkpoint position")
	}
	return pos, true, nil
}

// Save implements Store.
func (s *SQLStore) Save(ctx context.Context, cp Checkpoint) error {
	var stmt string
	switch s.driver {
	case "mysql":
		stmt = `INSERT INTO ferry_checkpoints (sub_stream, position, committed_at)
			VALUES (?, ?, ?)
			ON DUPLICATE KEY UPDATE position = VALUES(position), committed_at = VALUES(committed_at)`
	default:
		stmt = `INSERT INTO ferry_checkpoints (sub_stream, position, committed_at)
			VALUES (?, ?, ?)
			ON CONFLICT(sub_stream) DO UPDATE SET position = excluded.position, committed_at = excluded.committed_at`
	}

	committedAt := cp.CommittedAt
	if committedAt.IsZero() {
		committedAt = time.Now().UTC()
	}

	if _, err := s.db.ExecContext(ctx, stmt, cp.SubStream, cp.Position, committedAt); err != nil {
		return ferrors.Wrap(err, ferrors.ErrorTypeCheckpoint,
			fmt.Sprintf("save checkpoint for %s", cp.SubStream))
	}
	return nil
}

// Delete implements Store.
func (s *SQLStore) Delete(ctx context.Context, subStream string) error {
	if _, err := s.db.ExecContext(ctx,
		"DELETE FROM ferry_checkpoints WHERE sub_stream = ?", subStream); err != nil {
		return ferrors.Wrap(err, ferrors.ErrorTypeCheckpoint, "delete checkpoint")
	}
	return nil
}

// Close implements Store.
func (s *SQLStore) Close() error {
	return s.db.Close()
}
