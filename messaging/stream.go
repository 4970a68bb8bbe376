package messaging

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/jenniferdsbaumgart/Texlink-sub001/limits"
	"github.com/jenniferdsbaumgart/Texlink-sub001/proposal"
)

// ErrStaleResponse indicates a history response arrived after the stream was
// reset for another room or torn down. The response has been discarded.
var ErrStaleResponse = errors.New("stale history response")

// Direction selects which side of the cursor a history request reads.
type Direction string

const (
	// DirectionBefore reads messages strictly older than the cursor.
	DirectionBefore Direction = "before"
	// DirectionAfter reads messages strictly newer than the cursor.
	DirectionAfter Direction = "after"
)

// HistoryRequest asks for one page of room history. An empty Cursor means the
// most recent messages.
type HistoryRequest struct {
	RoomID    string    `json:"roomId"`
	Limit     int       `json:"limit"`
	Cursor    string    `json:"cursor,omitempty"`
	Direction Direction `json:"direction,omitempty"`
}

// HistoryPage is one page of history, in any order.
type HistoryPage struct {
	Messages []*Message `json:"messages"`
	HasMore  bool       `json:"hasMore"`
}

// HistorySource fetches history pages from the remote authority.
type HistorySource interface {
	History(ctx context.Context, req HistoryRequest) (HistoryPage, error)
}

// Stream is the ordered, deduplicated view of confirmed messages for one room.
// It is safe for concurrent use; change callbacks run outside the lock.
type Stream struct {
	mu       sync.Mutex
	roomID   string
	source   HistorySource
	messages []*Message
	byID     map[string]*Message
	cursor   string
	hasMore  bool
	loading  bool
	epoch    uint64
	onChange func()
}

// NewStream creates an empty stream for roomID.
func NewStream(roomID string, source HistorySource) *Stream {
	return &Stream{
		roomID: roomID,
		source: source,
		byID:   make(map[string]*Message),
	}
}

// OnChange sets a callback invoked after every visible mutation.
func (s *Stream) OnChange(fn func()) {
	s.mu.Lock()
	s.onChange = fn
	s.mu.Unlock()
}

// RoomID returns the room the stream currently holds.
func (s *Stream) RoomID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.roomID
}

// Reset empties the stream and rebinds it to roomID. In-flight loads started
// before the reset are discarded when they complete.
func (s *Stream) Reset(roomID string) {
	s.mu.Lock()
	s.roomID = roomID
	s.messages = nil
	s.byID = make(map[string]*Message)
	s.cursor = ""
	s.hasMore = false
	s.loading = false
	s.epoch++
	cb := s.onChange
	s.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function": "Reset",
		"room_id":  roomID,
	}).Debug("Message stream reset")

	if cb != nil {
		cb()
	}
}

// LoadInitial replaces the stream with the most recent limit messages. Live
// pushes appended while the request was in flight are kept when they are newer
// than the loaded page. Loading state is always cleared on return.
func (s *Stream) LoadInitial(ctx context.Context, limit int) error {
	limit = limits.ClampPageSize(limit)

	s.mu.Lock()
	epoch := s.beginLoadLocked()
	roomID := s.roomID
	s.mu.Unlock()

	page, err := s.source.History(ctx, HistoryRequest{RoomID: roomID, Limit: limit})

	s.mu.Lock()
	if epoch != s.epoch {
		s.mu.Unlock()
		logrus.WithFields(logrus.Fields{
			"function": "LoadInitial",
			"room_id":  roomID,
		}).Warn("Discarding history response for a stream that was reset")
		return ErrStaleResponse
	}
	s.loading = false
	if err != nil {
		s.mu.Unlock()
		logrus.WithFields(logrus.Fields{
			"function": "LoadInitial",
			"room_id":  roomID,
			"error":    err.Error(),
		}).Warn("Initial history load failed")
		return fmt.Errorf("load initial history: %w", err)
	}

	live := s.messages
	s.messages = nil
	s.byID = make(map[string]*Message)
	for _, m := range sortedPage(page.Messages) {
		s.insertLocked(m)
	}
	var newest *Message
	if n := len(s.messages); n > 0 {
		newest = s.messages[n-1]
	}
	for _, m := range live {
		if newest == nil || !m.CreatedAt.Before(newest.CreatedAt) {
			s.insertLocked(m)
		}
	}
	s.hasMore = page.HasMore
	s.syncCursorLocked()
	count, cursor, hasMore := len(s.messages), s.cursor, s.hasMore
	cb := s.onChange
	s.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function": "LoadInitial",
		"room_id":  roomID,
		"count":    count,
		"cursor":   cursor,
		"has_more": hasMore,
	}).Info("Initial history loaded")

	if cb != nil {
		cb()
	}
	return nil
}

// LoadMore prepends up to limit messages strictly older than the cursor and
// returns how many were added. It is a no-op while another load is running,
// before the initial load, or once the server reported no more history.
func (s *Stream) LoadMore(ctx context.Context, limit int) (int, error) {
	limit = limits.ClampPageSize(limit)

	s.mu.Lock()
	if s.loading || s.cursor == "" || !s.hasMore {
		s.mu.Unlock()
		return 0, nil
	}
	epoch := s.beginLoadLocked()
	req := HistoryRequest{RoomID: s.roomID, Limit: limit, Cursor: s.cursor, Direction: DirectionBefore}
	s.mu.Unlock()

	page, err := s.source.History(ctx, req)

	s.mu.Lock()
	if epoch != s.epoch {
		s.mu.Unlock()
		logrus.WithFields(logrus.Fields{
			"function": "LoadMore",
			"room_id":  req.RoomID,
			"cursor":   req.Cursor,
		}).Warn("Discarding history response for a stream that was reset")
		return 0, ErrStaleResponse
	}
	s.loading = false
	if err != nil {
		s.mu.Unlock()
		return 0, fmt.Errorf("load history before %s: %w", req.Cursor, err)
	}

	added := 0
	for _, m := range sortedPage(page.Messages) {
		if s.insertLocked(m) {
			added++
		}
	}
	// A page that contributed nothing new cannot advance the cursor; stop
	// paginating rather than requesting the same page forever.
	s.hasMore = page.HasMore && added > 0
	s.syncCursorLocked()
	cursor, hasMore := s.cursor, s.hasMore
	cb := s.onChange
	s.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function": "LoadMore",
		"room_id":  req.RoomID,
		"added":    added,
		"cursor":   cursor,
		"has_more": hasMore,
	}).Debug("Older history prepended")

	if cb != nil && added > 0 {
		cb()
	}
	return added, nil
}

// maxRefreshPages bounds one catch-up so a server that keeps reporting more
// cannot hold a reconnect forever.
const maxRefreshPages = 50

// Refresh catches the stream up after a reconnect and returns how many
// messages were added. An empty stream loads the latest page. Otherwise
// Refresh pages forward from the newest loaded message until the server
// reports nothing newer, so messages missed while offline leave no gap
// however many arrived. Older loaded history is kept.
func (s *Stream) Refresh(ctx context.Context, limit int) (int, error) {
	limit = limits.ClampPageSize(limit)

	s.mu.Lock()
	epoch := s.epoch
	roomID := s.roomID
	newest := s.newestIDLocked()
	s.mu.Unlock()

	fields := logrus.Fields{
		"function": "Refresh",
		"room_id":  roomID,
	}

	total := 0
	for pages := 0; pages < maxRefreshPages; pages++ {
		req := HistoryRequest{RoomID: roomID, Limit: limit}
		if newest != "" {
			req.Cursor = newest
			req.Direction = DirectionAfter
		}
		page, err := s.source.History(ctx, req)
		if err != nil {
			return total, fmt.Errorf("refresh history after %q: %w", req.Cursor, err)
		}

		s.mu.Lock()
		if epoch != s.epoch {
			s.mu.Unlock()
			return total, ErrStaleResponse
		}
		added := 0
		for _, m := range sortedPage(page.Messages) {
			if s.insertLocked(m) {
				added++
			}
		}
		if req.Cursor == "" {
			// First page of an empty stream; older history pages backwards.
			s.hasMore = page.HasMore
		}
		s.syncCursorLocked()
		next := s.newestIDLocked()
		cb := s.onChange
		s.mu.Unlock()

		total += added
		if cb != nil && added > 0 {
			cb()
		}
		if req.Cursor == "" || !page.HasMore || added == 0 || next == newest {
			break
		}
		newest = next
	}

	logrus.WithFields(fields).WithField("added", total).Debug("History caught up")
	return total, nil
}

// Append inserts a live message and reports whether it was new. A message
// whose id is already present is ignored, so a push racing the send
// acknowledgment converges to one entry.
func (s *Stream) Append(m *Message) bool {
	if m == nil || m.ID == "" {
		return false
	}

	s.mu.Lock()
	if m.RoomID != "" && s.roomID != "" && m.RoomID != s.roomID {
		s.mu.Unlock()
		logrus.WithFields(logrus.Fields{
			"function":   "Append",
			"room_id":    s.roomID,
			"message_id": m.ID,
			"other_room": m.RoomID,
		}).Debug("Ignoring message for another room")
		return false
	}
	added := s.insertLocked(m.Clone())
	if added {
		s.syncCursorLocked()
	}
	cb := s.onChange
	s.mu.Unlock()

	if added && cb != nil {
		cb()
	}
	return added
}

// ApplyProposalStatus overwrites the proposal status of messageID. Unknown
// ids, non-proposal messages and disallowed transitions are silent no-ops.
func (s *Stream) ApplyProposalStatus(messageID string, status proposal.Status) bool {
	s.mu.Lock()
	m, ok := s.byID[messageID]
	changed := ok && m.IsProposal() && m.Proposal.Apply(status)
	cb := s.onChange
	s.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function":   "ApplyProposalStatus",
		"message_id": messageID,
		"status":     status,
		"found":      ok,
		"changed":    changed,
	}).Debug("Applied proposal status")

	if changed && cb != nil {
		cb()
	}
	return changed
}

// ProposalStatus returns the current status of the proposal in messageID.
func (s *Stream) ProposalStatus(messageID string) (proposal.Status, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.byID[messageID]
	if !ok || !m.IsProposal() {
		return "", false
	}
	return m.Proposal.Status, true
}

// MarkRead sets Read on every message not authored by exceptSenderID and
// returns how many changed.
func (s *Stream) MarkRead(exceptSenderID string) int {
	s.mu.Lock()
	changed := 0
	for _, m := range s.messages {
		if m.SenderID != exceptSenderID && !m.Read {
			m.Read = true
			changed++
		}
	}
	cb := s.onChange
	s.mu.Unlock()

	if changed > 0 && cb != nil {
		cb()
	}
	return changed
}

// Messages returns a copy of the stream, oldest first.
func (s *Stream) Messages() []*Message {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*Message, len(s.messages))
	for i, m := range s.messages {
		out[i] = m.Clone()
	}
	return out
}

// Get returns a copy of the message with the given id.
func (s *Stream) Get(messageID string) (*Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.byID[messageID]
	return m.Clone(), ok
}

// Len returns the number of loaded messages.
func (s *Stream) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.messages)
}

// Cursor returns the id of the oldest loaded message.
func (s *Stream) Cursor() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cursor
}

// HasMore reports whether older history remains on the server.
func (s *Stream) HasMore() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hasMore
}

// Loading reports whether a history request is in flight.
func (s *Stream) Loading() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loading
}

// UnreadCount returns how many loaded messages from other senders are unread.
func (s *Stream) UnreadCount(selfID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, m := range s.messages {
		if m.SenderID != selfID && !m.Read {
			n++
		}
	}
	return n
}

func (s *Stream) beginLoadLocked() uint64 {
	s.loading = true
	return s.epoch
}

// insertLocked places m by CreatedAt, after any message with an equal
// timestamp, and reports whether it was new.
func (s *Stream) insertLocked(m *Message) bool {
	if m == nil || m.ID == "" {
		return false
	}
	if _, exists := s.byID[m.ID]; exists {
		return false
	}
	s.byID[m.ID] = m

	n := len(s.messages)
	if n == 0 || !m.CreatedAt.Before(s.messages[n-1].CreatedAt) {
		s.messages = append(s.messages, m)
		return true
	}
	i := sort.Search(n, func(i int) bool {
		return s.messages[i].CreatedAt.After(m.CreatedAt)
	})
	s.messages = append(s.messages, nil)
	copy(s.messages[i+1:], s.messages[i:])
	s.messages[i] = m
	return true
}

func (s *Stream) newestIDLocked() string {
	if n := len(s.messages); n > 0 {
		return s.messages[n-1].ID
	}
	return ""
}

func (s *Stream) syncCursorLocked() {
	if len(s.messages) == 0 {
		s.cursor = ""
		return
	}
	s.cursor = s.messages[0].ID
}

// sortedPage returns copies of the page ordered oldest first, dropping nil
// entries.
func sortedPage(page []*Message) []*Message {
	out := make([]*Message, 0, len(page))
	for _, m := range page {
		if m != nil {
			out = append(out, m.Clone())
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}
