package outbox

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenSQLiteRequiresPath(t *testing.T) {
	_, err := OpenSQLite("  ")
	assert.Error(t, err)
}

func TestSQLiteStoreSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "outbox.db")

	s, err := OpenSQLite(path)
	require.NoError(t, err)
	require.NoError(t, s.Put(ctx, textEntry("tmp-1", testRoomID, "Hello", testEpoch)))
	require.NoError(t, s.Close())

	reopened, err := OpenSQLite(path)
	require.NoError(t, err)
	defer reopened.Close()

	pending, err := reopened.ListByRoomStatus(ctx, testRoomID, StatusPending)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "Hello", pending[0].Payload.Text)
}

func TestSQLiteStoreQuarantinesCorruptPayload(t *testing.T) {
	ctx := context.Background()
	s, err := OpenSQLite(MemoryPath)
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.Put(ctx, textEntry("tmp-good", testRoomID, "fine", testEpoch)))
	require.NoError(t, s.Put(ctx, textEntry("tmp-bad", testRoomID, "tampered", testEpoch)))

	_, err = s.sqlDB.ExecContext(ctx, `UPDATE outbox_entries SET payload = X'A1016378797A' WHERE temp_id = 'tmp-bad'`)
	require.NoError(t, err)

	_, err = s.Get(ctx, "tmp-bad")
	assert.ErrorIs(t, err, ErrCorruptEntry)

	pending, err := s.ListByRoomStatus(ctx, testRoomID, StatusPending)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "tmp-good", pending[0].TempID)

	failed, err := s.CountByRoomStatus(ctx, testRoomID, StatusFailed)
	require.NoError(t, err)
	assert.Equal(t, 1, failed)
}

func newMockStore(t *testing.T) (*SQLiteStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewSQLiteStore(db), mock
}

func TestSQLiteStorePutMapsUniqueViolation(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectExec("INSERT INTO outbox_entries").
		WillReturnError(errors.New("constraint failed: UNIQUE constraint failed: outbox_entries.temp_id (2067)"))

	err := s.Put(context.Background(), textEntry("tmp-1", testRoomID, "x", testEpoch))
	assert.ErrorIs(t, err, ErrDuplicateEntry)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLiteStorePutWrapsDriverError(t *testing.T) {
	s, mock := newMockStore(t)
	driverErr := errors.New("disk I/O error")
	mock.ExpectExec("INSERT INTO outbox_entries").WillReturnError(driverErr)

	err := s.Put(context.Background(), textEntry("tmp-1", testRoomID, "x", testEpoch))
	assert.ErrorIs(t, err, driverErr)
	assert.NotErrorIs(t, err, ErrDuplicateEntry)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLiteStoreUpdateMissingRow(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectExec("UPDATE outbox_entries SET").WillReturnResult(sqlmock.NewResult(0, 0))

	err := s.Update(context.Background(), textEntry("tmp-1", testRoomID, "x", testEpoch))
	assert.ErrorIs(t, err, ErrEntryNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLiteStoreGetNoRows(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectQuery("SELECT").WithArgs("tmp-1").WillReturnRows(sqlmock.NewRows([]string{"seq"}))

	_, err := s.Get(context.Background(), "tmp-1")
	assert.ErrorIs(t, err, ErrEntryNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLiteStoreCountError(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectQuery("SELECT COUNT").WillReturnError(errors.New("database is locked"))

	_, err := s.CountByRoomStatus(context.Background(), testRoomID, StatusPending)
	assert.Error(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLiteStorePurgeReportsRowsAffected(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectExec("DELETE FROM outbox_entries WHERE created_at").WillReturnResult(sqlmock.NewResult(0, 4))

	n, err := s.DeleteOlderThan(context.Background(), testEpoch)
	require.NoError(t, err)
	assert.Equal(t, 4, n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLiteStoreNotConfigured(t *testing.T) {
	var s *SQLiteStore
	assert.Error(t, s.Put(context.Background(), textEntry("tmp-1", testRoomID, "x", testEpoch)))
	assert.NoError(t, s.Close())
}
