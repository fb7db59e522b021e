package mysql

import (
	"context"
	"database/sql/driver"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	gomysql "github.com/go-sql-driver/mysql"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/dataferry/ferry/pkg/position"
	"github.com/dataferry/ferry/pkg/record"
	"github.com/dataferry/ferry/pkg/sink"
	"github.com/dataferry/ferry/pkg/testutil"
)

func newMockSink(t *testing.T) (*Sink, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherEqual))
	require.NoError(t, err)
	return NewFromDB(db, zap.NewNop()), mock
}

func TestApplyUpsertsInserts(t *testing.T) {
	s, mock := newMockSink(t)
	defer s.Close()

	mock.ExpectExec("INSERT INTO `test`.`users` (`id`, `val`) VALUES (?, ?) " +
		"ON DUPLICATE KEY UPDATE `id` = VALUES(`id`), `val` = VALUES(`val`)").
		WithArgs(1, "a").
		WillReturnResult(sqlmock.NewResult(1, 1))

	results, err := s.Apply(context.Background(),
		[]*record.Record{testutil.Insert("users", 1, "a", position.LSN{Value: 1})})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, sink.StatusApplied, results[0].Status)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestApplyDeletesByKey(t *testing.T) {
	s, mock := newMockSink(t)
	defer s.Close()

	mock.ExpectExec("DELETE FROM `test`.`users` WHERE `id` = ?").
		WithArgs(2).
		WillReturnResult(sqlmock.NewResult(0, 1))

	results, err := s.Apply(context.Background(),
		[]*record.Record{testutil.Delete("users", 2, position.LSN{Value: 2})})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, sink.StatusApplied, results[0].Status)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestApplySkipsDdlAndBarriers(t *testing.T) {
	s, mock := newMockSink(t)
	defer s.Close()

	results, err := s.Apply(context.Background(), []*record.Record{
		record.NewDdl("ALTER TABLE t ADD c INT", position.LSN{Value: 1}),
		record.NewBarrier(record.BarrierHeartbeat, position.LSN{Value: 2}),
	})
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, sink.StatusSkipped, results[0].Status)
	assert.Equal(t, sink.StatusSkipped, results[1].Status)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestApplyReportsDataErrorsPerRecord(t *testing.T) {
	s, mock := newMockSink(t)
	defer s.Close()

	mock.ExpectExec("INSERT INTO `test`.`users` (`id`, `val`) VALUES (?, ?) " +
		"ON DUPLICATE KEY UPDATE `id` = VALUES(`id`), `val` = VALUES(`val`)").
		WithArgs(1, "a").
		WillReturnError(&gomysql.MySQLError{Number: 1406, Message: "data too long"})
	mock.ExpectExec("INSERT INTO `test`.`users` (`id`, `val`) VALUES (?, ?) " +
		"ON DUPLICATE KEY UPDATE `id` = VALUES(`id`), `val` = VALUES(`val`)").
		WithArgs(2, "b").
		WillReturnResult(sqlmock.NewResult(1, 1))

	results, err := s.Apply(context.Background(), []*record.Record{
		testutil.Insert("users", 1, "a", position.LSN{Value: 1}),
		testutil.Insert("users", 2, "b", position.LSN{Value: 2}),
	})
	require.NoError(t, err, "a data error fails the record, not the call")
	require.Len(t, results, 2)
	assert.Equal(t, sink.StatusFailed, results[0].Status)
	assert.Error(t, results[0].Err)
	assert.Equal(t, sink.StatusApplied, results[1].Status)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestApplyReturnsTransientErrorOnDeadlock(t *testing.T) {
	s, mock := newMockSink(t)
	defer s.Close()

	mock.ExpectExec("INSERT INTO `test`.`users` (`id`, `val`) VALUES (?, ?) " +
		"ON DUPLICATE KEY UPDATE `id` = VALUES(`id`), `val` = VALUES(`val`)").
		WithArgs(1, "a").
		WillReturnError(&gomysql.MySQLError{Number: 1213, Message: "deadlock"})

	_, err := s.Apply(context.Background(),
		[]*record.Record{testutil.Insert("users", 1, "a", position.LSN{Value: 1})})
	require.Error(t, err, "a deadlock fails the whole call for retry")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestFetchRows(t *testing.T) {
	s, mock := newMockSink(t)
	defer s.Close()

	rows := []*record.Record{
		testutil.Insert("users", 1, "a", position.LSN{Value: 1}),
		testutil.Insert("users", 2, "b", position.LSN{Value: 2}),
	}
	mock.ExpectQuery("SELECT * FROM `test`.`users` WHERE (`id` = ?) OR (`id` = ?)").
		WithArgs(1, 2).
		WillReturnRows(sqlmock.NewRows([]string{"id", "val"}).
			AddRow(int64(1), "a"))

	fetched, err := s.FetchRows(context.Background(), "test", "users", rows)
	require.NoError(t, err)
	require.Len(t, fetched, 1, "only the present row comes back")

	img, ok := fetched["test.users/1"]
	require.True(t, ok)
	assert.Equal(t, "a", img["val"])
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRetryableClassification(t *testing.T) {
	assert.True(t, retryable(driver.ErrBadConn))
	assert.True(t, retryable(&gomysql.MySQLError{Number: 1205}))
	assert.True(t, retryable(&gomysql.MySQLError{Number: 1213}))
	assert.False(t, retryable(&gomysql.MySQLError{Number: 1406}))
	assert.False(t, retryable(errors.New("plain failure")))
}
