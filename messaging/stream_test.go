package messaging

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jenniferdsbaumgart/Texlink-sub001/proposal"
)

const testRoomID = "order-42"

var testEpoch = time.Date(2026, 10, 1, 9, 0, 0, 0, time.UTC)

func testMessage(i int, sender string) *Message {
	return &Message{
		ID:        fmt.Sprintf("m%03d", i),
		RoomID:    testRoomID,
		SenderID:  sender,
		Kind:      KindText,
		Content:   fmt.Sprintf("message %d", i),
		CreatedAt: testEpoch.Add(time.Duration(i) * time.Minute),
	}
}

func testProposalMessage(i int, sender string) *Message {
	m := testMessage(i, sender)
	m.Kind = KindProposal
	m.Content = ""
	m.Proposal = &proposal.Proposal{
		Original: proposal.Terms{PricePerUnit: 10.00, Quantity: 100, DeliveryDeadline: testEpoch.AddDate(0, 1, 0)},
		Proposed: proposal.Terms{PricePerUnit: 9.50, Quantity: 120, DeliveryDeadline: testEpoch.AddDate(0, 1, 14)},
		Status:   proposal.StatusPending,
	}
	return m
}

// fakeHistory serves pages out of a fixed, oldest-first history.
type fakeHistory struct {
	mu       sync.Mutex
	history  []*Message
	requests []HistoryRequest
	err      error
	gate     chan struct{}
}

func newFakeHistory(n int) *fakeHistory {
	h := &fakeHistory{}
	for i := 1; i <= n; i++ {
		sender := "buyer-1"
		if i%2 == 0 {
			sender = "supplier-1"
		}
		h.history = append(h.history, testMessage(i, sender))
	}
	return h
}

func (h *fakeHistory) History(ctx context.Context, req HistoryRequest) (HistoryPage, error) {
	h.mu.Lock()
	h.requests = append(h.requests, req)
	gate := h.gate
	h.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return HistoryPage{}, ctx.Err()
		}
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.err != nil {
		return HistoryPage{}, h.err
	}

	if req.Direction == DirectionAfter {
		return h.pageAfter(req)
	}

	end := len(h.history)
	if req.Cursor != "" {
		end = -1
		for i, m := range h.history {
			if m.ID == req.Cursor {
				end = i
				break
			}
		}
		if end < 0 {
			return HistoryPage{}, errors.New("unknown cursor")
		}
	}
	start := end - req.Limit
	if start < 0 {
		start = 0
	}
	page := make([]*Message, 0, end-start)
	// Newest first, the way many servers page backwards.
	for i := end - 1; i >= start; i-- {
		page = append(page, h.history[i].Clone())
	}
	return HistoryPage{Messages: page, HasMore: start > 0}, nil
}

// pageAfter serves up to req.Limit messages strictly newer than the cursor,
// oldest first. Callers hold h.mu.
func (h *fakeHistory) pageAfter(req HistoryRequest) (HistoryPage, error) {
	start := -1
	for i, m := range h.history {
		if m.ID == req.Cursor {
			start = i + 1
			break
		}
	}
	if start < 0 {
		return HistoryPage{}, errors.New("unknown cursor")
	}
	end := start + req.Limit
	if end > len(h.history) {
		end = len(h.history)
	}
	page := make([]*Message, 0, end-start)
	for _, m := range h.history[start:end] {
		page = append(page, m.Clone())
	}
	return HistoryPage{Messages: page, HasMore: end < len(h.history)}, nil
}

func (h *fakeHistory) setGate(gate chan struct{}) {
	h.mu.Lock()
	h.gate = gate
	h.mu.Unlock()
}

func (h *fakeHistory) openGate() {
	h.mu.Lock()
	close(h.gate)
	h.mu.Unlock()
}

func (h *fakeHistory) requestCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.requests)
}

func ids(messages []*Message) []string {
	out := make([]string, len(messages))
	for i, m := range messages {
		out[i] = m.ID
	}
	return out
}

func TestLoadInitial(t *testing.T) {
	ctx := context.Background()

	t.Run("loads most recent page oldest first", func(t *testing.T) {
		s := NewStream(testRoomID, newFakeHistory(10))
		require.NoError(t, s.LoadInitial(ctx, 4))

		assert.Equal(t, []string{"m007", "m008", "m009", "m010"}, ids(s.Messages()))
		assert.Equal(t, "m007", s.Cursor())
		assert.True(t, s.HasMore())
		assert.False(t, s.Loading())
	})

	t.Run("short history has no more", func(t *testing.T) {
		s := NewStream(testRoomID, newFakeHistory(3))
		require.NoError(t, s.LoadInitial(ctx, 10))

		assert.Equal(t, 3, s.Len())
		assert.False(t, s.HasMore())
	})

	t.Run("failure clears loading", func(t *testing.T) {
		h := newFakeHistory(3)
		h.err = errors.New("server unavailable")
		s := NewStream(testRoomID, h)

		err := s.LoadInitial(ctx, 10)
		require.Error(t, err)
		assert.ErrorIs(t, err, h.err)
		assert.False(t, s.Loading())
		assert.Equal(t, 0, s.Len())
	})

	t.Run("keeps pushes that arrived during the load", func(t *testing.T) {
		h := newFakeHistory(5)
		h.setGate(make(chan struct{}))
		s := NewStream(testRoomID, h)

		done := make(chan error, 1)
		go func() { done <- s.LoadInitial(ctx, 10) }()
		require.Eventually(t, func() bool { return h.requestCount() == 1 }, time.Second, time.Millisecond)

		assert.True(t, s.Append(testMessage(6, "buyer-1")))
		h.openGate()
		require.NoError(t, <-done)

		assert.Equal(t, []string{"m001", "m002", "m003", "m004", "m005", "m006"}, ids(s.Messages()))
	})
}

func TestLoadMore(t *testing.T) {
	ctx := context.Background()

	t.Run("prepends older pages and advances cursor", func(t *testing.T) {
		h := newFakeHistory(10)
		s := NewStream(testRoomID, h)
		require.NoError(t, s.LoadInitial(ctx, 4))

		added, err := s.LoadMore(ctx, 4)
		require.NoError(t, err)
		assert.Equal(t, 4, added)
		assert.Equal(t, "m003", s.Cursor())
		assert.Equal(t, DirectionBefore, h.requests[1].Direction)
		assert.Equal(t, "m007", h.requests[1].Cursor)

		added, err = s.LoadMore(ctx, 4)
		require.NoError(t, err)
		assert.Equal(t, 2, added)
		assert.False(t, s.HasMore())
		assert.Equal(t, "m001", s.Cursor())
		assert.Len(t, s.Messages(), 10)
	})

	t.Run("no-op once history is exhausted", func(t *testing.T) {
		h := newFakeHistory(3)
		s := NewStream(testRoomID, h)
		require.NoError(t, s.LoadInitial(ctx, 10))

		added, err := s.LoadMore(ctx, 10)
		require.NoError(t, err)
		assert.Zero(t, added)
		assert.Equal(t, 1, h.requestCount())
	})

	t.Run("no-op without cursor", func(t *testing.T) {
		h := newFakeHistory(3)
		s := NewStream(testRoomID, h)

		added, err := s.LoadMore(ctx, 10)
		require.NoError(t, err)
		assert.Zero(t, added)
		assert.Zero(t, h.requestCount())
	})

	t.Run("no-op while loading", func(t *testing.T) {
		h := newFakeHistory(10)
		s := NewStream(testRoomID, h)
		require.NoError(t, s.LoadInitial(ctx, 2))

		h.setGate(make(chan struct{}))
		done := make(chan struct{})
		go func() {
			defer close(done)
			_, _ = s.LoadMore(ctx, 2)
		}()
		require.Eventually(t, s.Loading, time.Second, time.Millisecond)

		added, err := s.LoadMore(ctx, 2)
		require.NoError(t, err)
		assert.Zero(t, added)

		h.openGate()
		<-done
		assert.Equal(t, 2, h.requestCount())
	})

	t.Run("stale response after reset is discarded", func(t *testing.T) {
		h := newFakeHistory(10)
		s := NewStream(testRoomID, h)
		require.NoError(t, s.LoadInitial(ctx, 2))

		h.setGate(make(chan struct{}))
		done := make(chan error, 1)
		go func() {
			_, err := s.LoadMore(ctx, 2)
			done <- err
		}()
		require.Eventually(t, s.Loading, time.Second, time.Millisecond)

		s.Reset("order-43")
		h.openGate()

		assert.ErrorIs(t, <-done, ErrStaleResponse)
		assert.Zero(t, s.Len())
		assert.Equal(t, "order-43", s.RoomID())
	})
}

func TestAppend(t *testing.T) {
	t.Run("duplicate id is ignored", func(t *testing.T) {
		s := NewStream(testRoomID, newFakeHistory(0))
		m := testMessage(1, "buyer-1")

		assert.True(t, s.Append(m))
		assert.False(t, s.Append(m))
		assert.Equal(t, 1, s.Len())
	})

	t.Run("late push is inserted by creation time", func(t *testing.T) {
		s := NewStream(testRoomID, newFakeHistory(0))
		s.Append(testMessage(1, "buyer-1"))
		s.Append(testMessage(3, "buyer-1"))
		s.Append(testMessage(2, "supplier-1"))

		assert.Equal(t, []string{"m001", "m002", "m003"}, ids(s.Messages()))
	})

	t.Run("other room is ignored", func(t *testing.T) {
		s := NewStream(testRoomID, newFakeHistory(0))
		m := testMessage(1, "buyer-1")
		m.RoomID = "order-99"

		assert.False(t, s.Append(m))
	})

	t.Run("caller mutation does not leak into stream", func(t *testing.T) {
		s := NewStream(testRoomID, newFakeHistory(0))
		m := testMessage(1, "buyer-1")
		s.Append(m)
		m.Content = "changed"

		got, ok := s.Get("m001")
		require.True(t, ok)
		assert.Equal(t, "message 1", got.Content)
	})

	t.Run("change callback fires only for new messages", func(t *testing.T) {
		s := NewStream(testRoomID, newFakeHistory(0))
		calls := 0
		s.OnChange(func() { calls++ })

		s.Append(testMessage(1, "buyer-1"))
		s.Append(testMessage(1, "buyer-1"))
		assert.Equal(t, 1, calls)
	})
}

func TestApplyProposalStatus(t *testing.T) {
	s := NewStream(testRoomID, newFakeHistory(0))
	s.Append(testProposalMessage(1, "buyer-1"))
	s.Append(testMessage(2, "supplier-1"))

	t.Run("unknown id is a silent no-op", func(t *testing.T) {
		assert.False(t, s.ApplyProposalStatus("not-loaded", proposal.StatusRejected))
	})

	t.Run("text message is a silent no-op", func(t *testing.T) {
		assert.False(t, s.ApplyProposalStatus("m002", proposal.StatusRejected))
	})

	t.Run("rejection keeps terms", func(t *testing.T) {
		before, _ := s.Get("m001")

		assert.True(t, s.ApplyProposalStatus("m001", proposal.StatusRejected))

		after, _ := s.Get("m001")
		assert.Equal(t, proposal.StatusRejected, after.Proposal.Status)
		assert.Equal(t, before.Proposal.Original, after.Proposal.Original)
		assert.Equal(t, before.Proposal.Proposed, after.Proposal.Proposed)
	})

	t.Run("late duplicate and conflicting pushes are no-ops", func(t *testing.T) {
		assert.False(t, s.ApplyProposalStatus("m001", proposal.StatusRejected))
		assert.False(t, s.ApplyProposalStatus("m001", proposal.StatusAccepted))

		status, ok := s.ProposalStatus("m001")
		require.True(t, ok)
		assert.Equal(t, proposal.StatusRejected, status)
	})
}

func TestMarkRead(t *testing.T) {
	s := NewStream(testRoomID, newFakeHistory(0))
	for i := 1; i <= 4; i++ {
		sender := "buyer-1"
		if i%2 == 0 {
			sender = "supplier-1"
		}
		s.Append(testMessage(i, sender))
	}

	assert.Equal(t, 2, s.UnreadCount("buyer-1"))
	assert.Equal(t, 2, s.MarkRead("buyer-1"))
	assert.Zero(t, s.UnreadCount("buyer-1"))

	for _, m := range s.Messages() {
		assert.Equal(t, m.SenderID != "buyer-1", m.Read, m.ID)
	}
}

func TestRefresh(t *testing.T) {
	ctx := context.Background()
	h := newFakeHistory(6)
	s := NewStream(testRoomID, h)
	require.NoError(t, s.LoadInitial(ctx, 3))
	_, err := s.LoadMore(ctx, 3)
	require.NoError(t, err)

	h.mu.Lock()
	h.history = append(h.history, testMessage(7, "supplier-1"), testMessage(8, "buyer-1"))
	h.mu.Unlock()

	added, err := s.Refresh(ctx, 3)
	require.NoError(t, err)
	assert.Equal(t, 2, added)
	assert.Equal(t, "m001", s.Cursor())
	assert.Len(t, s.Messages(), 8)
}

func TestRefreshPagesForwardAcrossGap(t *testing.T) {
	ctx := context.Background()
	h := newFakeHistory(10)
	s := NewStream(testRoomID, h)
	require.NoError(t, s.LoadInitial(ctx, 5))
	_, err := s.LoadMore(ctx, 5)
	require.NoError(t, err)
	require.False(t, s.HasMore())

	h.mu.Lock()
	for i := 11; i <= 30; i++ {
		h.history = append(h.history, testMessage(i, "supplier-1"))
	}
	before := len(h.requests)
	h.mu.Unlock()

	added, err := s.Refresh(ctx, 5)
	require.NoError(t, err)
	assert.Equal(t, 20, added)

	msgs := s.Messages()
	require.Len(t, msgs, 30)
	for i, m := range msgs {
		assert.Equal(t, fmt.Sprintf("m%03d", i+1), m.ID)
	}
	assert.Equal(t, "m001", s.Cursor())
	assert.False(t, s.HasMore())

	h.mu.Lock()
	refreshes := h.requests[before:]
	h.mu.Unlock()
	require.Len(t, refreshes, 4)
	assert.Equal(t, "m010", refreshes[0].Cursor)
	assert.Equal(t, "m025", refreshes[3].Cursor)
	for _, req := range refreshes {
		assert.Equal(t, DirectionAfter, req.Direction)
	}
}

func TestRefreshEmptyStreamLoadsLatest(t *testing.T) {
	ctx := context.Background()
	h := newFakeHistory(8)
	s := NewStream(testRoomID, h)

	added, err := s.Refresh(ctx, 5)
	require.NoError(t, err)
	assert.Equal(t, 5, added)
	assert.Equal(t, "m004", s.Cursor())
	assert.True(t, s.HasMore())
	assert.Equal(t, 1, h.requestCount())
}
