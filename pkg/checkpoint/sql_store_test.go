package checkpoint

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dataferry/ferry/pkg/position"
)

func TestSQLStoreSqliteRoundTrip(t *testing.T) {
	dsn := filepath.Join(t.TempDir(), "ckpt.db")
	store, err := NewSQLStore("sqlite", dsn)
	require.NoError(t, err)
	defer store.Close()
	ctx := context.Background()

	_, found, err := store.Load(ctx, "users")
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, store.Save(ctx, Checkpoint{
		SubStream: "users",
		Position:  position.KeyRange{Table: "users", Cursor: "500"}.Encode(),
	}))
	require.NoError(t, store.Save(ctx, Checkpoint{
		SubStream: "users",
		Position:  position.KeyRange{Table: "users", Done: true}.Encode(),
	}))

	loaded, found, err := store.Load(ctx, "users")
	require.NoError(t, err)
	require.True(t, found)
	kr, ok := loaded.(position.KeyRange)
	require.True(t, ok)
	assert.True(t, kr.Done)

	require.NoError(t, store.Delete(ctx, "users"))
	_, found, err = store.Load(ctx, "users")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestSQLStoreMysqlUpsert(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	store := NewSQLStoreFromDB(db, "mysql")
	defer store.Close()
	ctx := context.Background()

	mock.ExpectExec("ON DUPLICATE KEY UPDATE").
		WithArgs("users", "lsn:42", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, store.Save(ctx, Checkpoint{
		SubStream: "users",
		Position:  position.LSN{Value: 42}.Encode(),
	}))

	mock.ExpectQuery("SELECT position FROM ferry_checkpoints").
		WithArgs("users").
		WillReturnRows(sqlmock.NewRows([]string{"position"}).AddRow("lsn:42"))

	pos, found, err := store.Load(ctx, "users")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "lsn:42", pos.Encode())

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLStoreLoadRejectsCorruptPosition(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	store := NewSQLStoreFromDB(db, "mysql")
	defer store.Close()

	mock.ExpectQuery("SELECT position FROM ferry_checkpoints").
		WithArgs("users").
		WillReturnRows(sqlmock.NewRows([]string{"position"}).AddRow("not-a-position"))

	_, _, err = store.Load(context.Background(), "users")
	assert.Error(t, err)
}
