package outbox

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

var (
	// ErrEntryNotFound indicates no entry exists for the temporary id.
	ErrEntryNotFound = errors.New("outbox entry not found")
	// ErrDuplicateEntry indicates an entry with the same temporary id exists.
	ErrDuplicateEntry = errors.New("outbox entry already exists")
	// ErrInvalidEntry indicates an entry that cannot be persisted.
	ErrInvalidEntry = errors.New("invalid outbox entry")
	// ErrNotRetryable indicates a manual retry of an entry that has not failed.
	ErrNotRetryable = errors.New("outbox entry is not failed")
	// ErrCorruptEntry indicates a stored payload failed its integrity check.
	ErrCorruptEntry = errors.New("outbox entry payload is corrupt")
)

// Store is durable, keyed storage of outbox entries, with lookup by
// (room, status) and by creation time.
type Store interface {
	// Put inserts a new entry.
	Put(ctx context.Context, e Entry) error
	// Get returns the entry for tempID.
	Get(ctx context.Context, tempID string) (Entry, error)
	// Update replaces an existing entry.
	Update(ctx context.Context, e Entry) error
	// Delete removes an entry. Deleting a missing entry is not an error.
	Delete(ctx context.Context, tempID string) error
	// ListByRoomStatus returns a room's entries in status, oldest first.
	ListByRoomStatus(ctx context.Context, roomID string, status Status) ([]Entry, error)
	// CountByRoomStatus counts a room's entries in status.
	CountByRoomStatus(ctx context.Context, roomID string, status Status) (int, error)
	// DeleteOlderThan removes every entry created before cutoff, regardless
	// of room or status, and returns how many were removed.
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int, error)
	// Close releases the store.
	Close() error
}

// MemoryStore is a process-local Store. Entries do not survive a restart, so
// it is used for tests and for clients without a writable data directory.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]Entry
	seq     int64
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]Entry)}
}

// Put inserts a new entry.
func (s *MemoryStore) Put(ctx context.Context, e Entry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if e.TempID == "" {
		return fmt.Errorf("%w: temp id is required", ErrInvalidEntry)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.entries[e.TempID]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateEntry, e.TempID)
	}
	s.seq++
	e.Seq = s.seq
	s.entries[e.TempID] = e
	return nil
}

// Get returns the entry for tempID.
func (s *MemoryStore) Get(ctx context.Context, tempID string) (Entry, error) {
	if err := ctx.Err(); err != nil {
		return Entry{}, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[tempID]
	if !ok {
		return Entry{}, fmt.Errorf("%w: %s", ErrEntryNotFound, tempID)
	}
	return e, nil
}

// Update replaces an existing entry.
func (s *MemoryStore) Update(ctx context.Context, e Entry) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.entries[e.TempID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrEntryNotFound, e.TempID)
	}
	e.Seq = current.Seq
	s.entries[e.TempID] = e
	return nil
}

// Delete removes an entry.
func (s *MemoryStore) Delete(ctx context.Context, tempID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	delete(s.entries, tempID)
	s.mu.Unlock()
	return nil
}

// ListByRoomStatus returns a room's entries in status, oldest first.
func (s *MemoryStore) ListByRoomStatus(ctx context.Context, roomID string, status Status) ([]Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	out := make([]Entry, 0)
	for _, e := range s.entries {
		if e.RoomID == roomID && e.Status == status {
			out = append(out, e)
		}
	}
	s.mu.RUnlock()

	sortEntries(out)
	return out, nil
}

// CountByRoomStatus counts a room's entries in status.
func (s *MemoryStore) CountByRoomStatus(ctx context.Context, roomID string, status Status) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, e := range s.entries {
		if e.RoomID == roomID && e.Status == status {
			n++
		}
	}
	return n, nil
}

// DeleteOlderThan removes every entry created before cutoff.
func (s *MemoryStore) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, e := range s.entries {
		if e.CreatedAt.Before(cutoff) {
			delete(s.entries, id)
			n++
		}
	}
	return n, nil
}

// Close is a no-op for the in-memory store.
func (s *MemoryStore) Close() error {
	return nil
}

// sortEntries orders entries by creation time, then insertion sequence.
func sortEntries(entries []Entry) {
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].CreatedAt.Equal(entries[j].CreatedAt) {
			return entries[i].Seq < entries[j].Seq
		}
		return entries[i].CreatedAt.Before(entries[j].CreatedAt)
	})
}

var _ Store = (*MemoryStore)(nil)
