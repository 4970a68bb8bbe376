package outbox

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"

	"github.com/jenniferdsbaumgart/Texlink-sub001/messaging"
)

//go:embed schema.sql
var schemaSQL string

// MemoryPath opens a SQLite outbox that lives only as long as the store.
const MemoryPath = ":memory:"

// SQLiteStore provides SQLite-backed outbox persistence.
type SQLiteStore struct {
	sqlDB *sql.DB
}

// OpenSQLite opens an outbox SQLite store at path and applies the schema.
func OpenSQLite(path string) (*SQLiteStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	dsn := MemoryPath
	if path != MemoryPath {
		dsn = filepath.Clean(path) + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"
	}
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// One connection serializes writers and keeps a :memory: database alive.
	sqlDB.SetMaxOpenConns(1)
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}

	store := NewSQLiteStore(sqlDB)
	if err := store.migrate(context.Background()); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	logrus.WithFields(logrus.Fields{
		"function": "OpenSQLite",
		"path":     path,
	}).Info("Outbox store opened")
	return store, nil
}

// NewSQLiteStore wraps an already-open database whose schema is managed by
// the caller.
func NewSQLiteStore(sqlDB *sql.DB) *SQLiteStore {
	return &SQLiteStore{sqlDB: sqlDB}
}

func (s *SQLiteStore) migrate(ctx context.Context) error {
	if _, err := s.sqlDB.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("apply outbox schema: %w", err)
	}
	return nil
}

// Close releases the SQLite connection.
func (s *SQLiteStore) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

// Put inserts a new entry.
func (s *SQLiteStore) Put(ctx context.Context, e Entry) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	if strings.TrimSpace(e.TempID) == "" {
		return fmt.Errorf("%w: temp id is required", ErrInvalidEntry)
	}
	if strings.TrimSpace(e.RoomID) == "" {
		return fmt.Errorf("%w: room id is required", ErrInvalidEntry)
	}
	payload, sum, err := encodePayload(e.Payload)
	if err != nil {
		return err
	}

	_, err = s.sqlDB.ExecContext(ctx, `
INSERT INTO outbox_entries (
	temp_id,
	room_id,
	kind,
	payload,
	checksum,
	status,
	retry_count,
	last_error,
	server_id,
	created_at,
	last_attempt_at
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
`,
		e.TempID,
		e.RoomID,
		string(e.Kind),
		payload,
		sum,
		string(e.Status),
		e.RetryCount,
		e.LastError,
		e.ServerID,
		toUnix(e.CreatedAt),
		toUnix(e.LastAttemptAt),
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return fmt.Errorf("%w: %s", ErrDuplicateEntry, e.TempID)
		}
		return fmt.Errorf("put outbox entry: %w", err)
	}
	return nil
}

// Get returns the entry for tempID.
func (s *SQLiteStore) Get(ctx context.Context, tempID string) (Entry, error) {
	if err := s.ready(ctx); err != nil {
		return Entry{}, err
	}

	row := s.sqlDB.QueryRowContext(ctx, selectColumns+`
WHERE temp_id = ?
`, tempID)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, fmt.Errorf("%w: %s", ErrEntryNotFound, tempID)
	}
	if err != nil {
		return e, fmt.Errorf("get outbox entry %s: %w", tempID, err)
	}
	return e, nil
}

// Update replaces an existing entry.
func (s *SQLiteStore) Update(ctx context.Context, e Entry) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	payload, sum, err := encodePayload(e.Payload)
	if err != nil {
		return err
	}

	res, err := s.sqlDB.ExecContext(ctx, `
UPDATE outbox_entries SET
	room_id = ?,
	kind = ?,
	payload = ?,
	checksum = ?,
	status = ?,
	retry_count = ?,
	last_error = ?,
	server_id = ?,
	created_at = ?,
	last_attempt_at = ?
WHERE temp_id = ?
`,
		e.RoomID,
		string(e.Kind),
		payload,
		sum,
		string(e.Status),
		e.RetryCount,
		e.LastError,
		e.ServerID,
		toUnix(e.CreatedAt),
		toUnix(e.LastAttemptAt),
		e.TempID,
	)
	if err != nil {
		return fmt.Errorf("update outbox entry: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update outbox entry: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrEntryNotFound, e.TempID)
	}
	return nil
}

// Delete removes an entry.
func (s *SQLiteStore) Delete(ctx context.Context, tempID string) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	if _, err := s.sqlDB.ExecContext(ctx, `DELETE FROM outbox_entries WHERE temp_id = ?`, tempID); err != nil {
		return fmt.Errorf("delete outbox entry: %w", err)
	}
	return nil
}

// ListByRoomStatus returns a room's entries in status, oldest first. Rows
// whose payload fails the integrity check are moved to failed and left out.
func (s *SQLiteStore) ListByRoomStatus(ctx context.Context, roomID string, status Status) ([]Entry, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}

	rows, err := s.sqlDB.QueryContext(ctx, selectColumns+`
WHERE room_id = ? AND status = ?
ORDER BY created_at ASC, seq ASC
`, roomID, string(status))
	if err != nil {
		return nil, fmt.Errorf("list outbox entries: %w", err)
	}

	entries := make([]Entry, 0)
	var corrupt []string
	for rows.Next() {
		e, err := scanEntry(rows)
		if errors.Is(err, ErrCorruptEntry) {
			corrupt = append(corrupt, e.TempID)
			continue
		}
		if err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("scan outbox entry: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, fmt.Errorf("iterate outbox entries: %w", err)
	}
	_ = rows.Close()

	for _, tempID := range corrupt {
		s.quarantine(ctx, tempID)
	}
	return entries, nil
}

// CountByRoomStatus counts a room's entries in status.
func (s *SQLiteStore) CountByRoomStatus(ctx context.Context, roomID string, status Status) (int, error) {
	if err := s.ready(ctx); err != nil {
		return 0, err
	}

	var n int
	err := s.sqlDB.QueryRowContext(ctx, `
SELECT COUNT(*) FROM outbox_entries WHERE room_id = ? AND status = ?
`, roomID, string(status)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count outbox entries: %w", err)
	}
	return n, nil
}

// DeleteOlderThan removes every entry created before cutoff.
func (s *SQLiteStore) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	if err := s.ready(ctx); err != nil {
		return 0, err
	}

	res, err := s.sqlDB.ExecContext(ctx, `DELETE FROM outbox_entries WHERE created_at < ?`, toUnix(cutoff))
	if err != nil {
		return 0, fmt.Errorf("purge outbox entries: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("purge outbox entries: %w", err)
	}
	return int(n), nil
}

// quarantine marks a corrupt row failed so it stops blocking drains and stays
// visible until purged.
func (s *SQLiteStore) quarantine(ctx context.Context, tempID string) {
	_, err := s.sqlDB.ExecContext(ctx, `
UPDATE outbox_entries SET status = ?, last_error = ? WHERE temp_id = ?
`, string(StatusFailed), ErrCorruptEntry.Error(), tempID)

	fields := logrus.Fields{
		"function": "quarantine",
		"temp_id":  tempID,
	}
	if err != nil {
		logrus.WithFields(fields).WithError(err).Error("Failed to quarantine corrupt outbox entry")
		return
	}
	logrus.WithFields(fields).Error("Quarantined corrupt outbox entry")
}

func (s *SQLiteStore) ready(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	return nil
}

const selectColumns = `
SELECT
	seq,
	temp_id,
	room_id,
	kind,
	payload,
	checksum,
	status,
	retry_count,
	last_error,
	server_id,
	created_at,
	last_attempt_at
FROM outbox_entries
`

type rowScanner interface {
	Scan(dest ...any) error
}

// scanEntry decodes one row. On ErrCorruptEntry the returned entry still
// carries its identifying columns.
func scanEntry(row rowScanner) (Entry, error) {
	var (
		e             Entry
		kind, status  string
		payload, sum  []byte
		createdAt     int64
		lastAttemptAt int64
	)
	if err := row.Scan(
		&e.Seq,
		&e.TempID,
		&e.RoomID,
		&kind,
		&payload,
		&sum,
		&status,
		&e.RetryCount,
		&e.LastError,
		&e.ServerID,
		&createdAt,
		&lastAttemptAt,
	); err != nil {
		return Entry{}, err
	}
	e.Kind = messaging.Kind(kind)
	e.Status = Status(status)
	e.CreatedAt = fromUnix(createdAt)
	e.LastAttemptAt = fromUnix(lastAttemptAt)

	p, err := decodePayload(payload, sum)
	if err != nil {
		return e, err
	}
	e.Payload = p
	return e, nil
}

func toUnix(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UTC().UnixNano()
}

func fromUnix(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}

var _ Store = (*SQLiteStore)(nil)
