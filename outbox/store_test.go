package outbox

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jenniferdsbaumgart/Texlink-sub001/messaging"
	"github.com/jenniferdsbaumgart/Texlink-sub001/proposal"
)

const testRoomID = "order-42"

var testEpoch = time.Date(2026, 10, 1, 9, 0, 0, 0, time.UTC)

func textEntry(tempID, roomID, text string, createdAt time.Time) Entry {
	return Entry{
		TempID:    tempID,
		RoomID:    roomID,
		Kind:      messaging.KindText,
		Payload:   Payload{Text: text},
		Status:    StatusPending,
		CreatedAt: createdAt,
	}
}

func testTerms() (proposal.Terms, proposal.Terms) {
	original := proposal.Terms{PricePerUnit: 12.5, Quantity: 500, DeliveryDeadline: testEpoch.AddDate(0, 1, 0)}
	proposed := proposal.Terms{PricePerUnit: 11.75, Quantity: 650, DeliveryDeadline: testEpoch.AddDate(0, 1, 10)}
	return original, proposed
}

// storeFactories lets every Store implementation run the same contract tests.
func storeFactories(t *testing.T) map[string]func() Store {
	t.Helper()
	return map[string]func() Store{
		"memory": func() Store { return NewMemoryStore() },
		"sqlite": func() Store {
			s, err := OpenSQLite(MemoryPath)
			require.NoError(t, err)
			return s
		},
	}
}

func TestStorePutGet(t *testing.T) {
	for name, newStore := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := newStore()
			defer s.Close()

			original, proposed := testTerms()
			e := Entry{
				TempID:    "tmp-1",
				RoomID:    testRoomID,
				Kind:      messaging.KindProposal,
				Payload:   Payload{Original: &original, Proposed: &proposed},
				Status:    StatusPending,
				CreatedAt: testEpoch,
			}
			require.NoError(t, s.Put(ctx, e))

			got, err := s.Get(ctx, "tmp-1")
			require.NoError(t, err)
			assert.Equal(t, e.TempID, got.TempID)
			assert.Equal(t, e.RoomID, got.RoomID)
			assert.Equal(t, messaging.KindProposal, got.Kind)
			assert.Equal(t, StatusPending, got.Status)
			assert.True(t, got.CreatedAt.Equal(testEpoch))
			assert.True(t, got.LastAttemptAt.IsZero())
			require.NotNil(t, got.Payload.Proposed)
			assert.Equal(t, proposed.Quantity, got.Payload.Proposed.Quantity)
			assert.InDelta(t, proposed.PricePerUnit, got.Payload.Proposed.PricePerUnit, 1e-9)
			assert.True(t, got.Payload.Proposed.DeliveryDeadline.Equal(proposed.DeliveryDeadline))
			assert.Positive(t, got.Seq)
		})
	}
}

func TestStoreErrors(t *testing.T) {
	for name, newStore := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := newStore()
			defer s.Close()

			e := textEntry("tmp-1", testRoomID, "hello", testEpoch)
			require.NoError(t, s.Put(ctx, e))
			assert.ErrorIs(t, s.Put(ctx, e), ErrDuplicateEntry)

			_, err := s.Get(ctx, "tmp-missing")
			assert.ErrorIs(t, err, ErrEntryNotFound)

			missing := textEntry("tmp-missing", testRoomID, "x", testEpoch)
			assert.ErrorIs(t, s.Update(ctx, missing), ErrEntryNotFound)

			assert.ErrorIs(t, s.Put(ctx, textEntry("", testRoomID, "x", testEpoch)), ErrInvalidEntry)

			// Delete is idempotent.
			require.NoError(t, s.Delete(ctx, "tmp-1"))
			require.NoError(t, s.Delete(ctx, "tmp-1"))
			_, err = s.Get(ctx, "tmp-1")
			assert.ErrorIs(t, err, ErrEntryNotFound)
		})
	}
}

func TestStoreListByRoomStatus(t *testing.T) {
	for name, newStore := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := newStore()
			defer s.Close()

			// Inserted out of creation order; two share a timestamp.
			require.NoError(t, s.Put(ctx, textEntry("tmp-c", testRoomID, "third", testEpoch.Add(2*time.Second))))
			require.NoError(t, s.Put(ctx, textEntry("tmp-a", testRoomID, "first", testEpoch)))
			require.NoError(t, s.Put(ctx, textEntry("tmp-b", testRoomID, "second", testEpoch)))
			require.NoError(t, s.Put(ctx, textEntry("tmp-other", "order-7", "elsewhere", testEpoch)))

			failed := textEntry("tmp-f", testRoomID, "failed", testEpoch)
			failed.Status = StatusFailed
			require.NoError(t, s.Put(ctx, failed))

			pending, err := s.ListByRoomStatus(ctx, testRoomID, StatusPending)
			require.NoError(t, err)
			require.Len(t, pending, 3)
			assert.Equal(t, "tmp-a", pending[0].TempID)
			assert.Equal(t, "tmp-b", pending[1].TempID)
			assert.Equal(t, "tmp-c", pending[2].TempID)

			n, err := s.CountByRoomStatus(ctx, testRoomID, StatusFailed)
			require.NoError(t, err)
			assert.Equal(t, 1, n)

			n, err = s.CountByRoomStatus(ctx, "order-7", StatusPending)
			require.NoError(t, err)
			assert.Equal(t, 1, n)

			empty, err := s.ListByRoomStatus(ctx, "order-unknown", StatusPending)
			require.NoError(t, err)
			assert.Empty(t, empty)
		})
	}
}

func TestStoreUpdatePreservesSeq(t *testing.T) {
	for name, newStore := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := newStore()
			defer s.Close()

			require.NoError(t, s.Put(ctx, textEntry("tmp-a", testRoomID, "a", testEpoch)))
			require.NoError(t, s.Put(ctx, textEntry("tmp-b", testRoomID, "b", testEpoch)))

			a, err := s.Get(ctx, "tmp-a")
			require.NoError(t, err)
			a.Status = StatusSending
			a.Seq = 0
			require.NoError(t, s.Update(ctx, a))
			a.Status = StatusPending
			a.RetryCount = 1
			a.LastError = "timeout"
			a.LastAttemptAt = testEpoch.Add(time.Second)
			require.NoError(t, s.Update(ctx, a))

			pending, err := s.ListByRoomStatus(ctx, testRoomID, StatusPending)
			require.NoError(t, err)
			require.Len(t, pending, 2)
			assert.Equal(t, "tmp-a", pending[0].TempID)
			assert.Equal(t, 1, pending[0].RetryCount)
			assert.Equal(t, "timeout", pending[0].LastError)
			assert.True(t, pending[0].LastAttemptAt.Equal(testEpoch.Add(time.Second)))
		})
	}
}

func TestStoreDeleteOlderThan(t *testing.T) {
	for name, newStore := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := newStore()
			defer s.Close()

			old := textEntry("tmp-old", testRoomID, "old", testEpoch.AddDate(0, 0, -8))
			old.Status = StatusFailed
			require.NoError(t, s.Put(ctx, old))
			require.NoError(t, s.Put(ctx, textEntry("tmp-old-pending", "order-7", "old", testEpoch.AddDate(0, 0, -10))))
			require.NoError(t, s.Put(ctx, textEntry("tmp-new", testRoomID, "new", testEpoch.AddDate(0, 0, -1))))

			n, err := s.DeleteOlderThan(ctx, testEpoch.AddDate(0, 0, -7))
			require.NoError(t, err)
			assert.Equal(t, 2, n)

			_, err = s.Get(ctx, "tmp-new")
			assert.NoError(t, err)
			_, err = s.Get(ctx, "tmp-old")
			assert.ErrorIs(t, err, ErrEntryNotFound)
		})
	}
}

func TestStoreCancelledContext(t *testing.T) {
	for name, newStore := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			s := newStore()
			defer s.Close()

			ctx, cancel := context.WithCancel(context.Background())
			cancel()
			assert.ErrorIs(t, s.Put(ctx, textEntry("tmp-1", testRoomID, "x", testEpoch)), context.Canceled)
			_, err := s.ListByRoomStatus(ctx, testRoomID, StatusPending)
			assert.ErrorIs(t, err, context.Canceled)
		})
	}
}
