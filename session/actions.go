package session

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/jenniferdsbaumgart/Texlink-sub001/channel"
	"github.com/jenniferdsbaumgart/Texlink-sub001/messaging"
	"github.com/jenniferdsbaumgart/Texlink-sub001/outbox"
	"github.com/jenniferdsbaumgart/Texlink-sub001/proposal"
	"github.com/jenniferdsbaumgart/Texlink-sub001/typing"
)

type roomBinding struct {
	roomID    string
	self      string
	processor *outbox.Processor
	signaler  *typing.Signaler
}

func (m *Manager) binding() (roomBinding, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return roomBinding{}, ErrClosed
	}
	// The room stays bound across a disconnect so sends keep queueing.
	if m.processor == nil {
		return roomBinding{}, ErrNotJoined
	}
	return roomBinding{
		roomID:    m.roomID,
		self:      m.identity.UserID,
		processor: m.processor,
		signaler:  m.signaler,
	}, nil
}

// SendText queues a text message and returns its temporary id. The message
// is delivered by the outbox, never sent directly.
func (m *Manager) SendText(ctx context.Context, text string) (string, error) {
	b, err := m.binding()
	if err != nil {
		return "", err
	}
	tempID, err := b.processor.Enqueue(ctx, messaging.KindText, outbox.Payload{Text: text})
	if err != nil {
		return "", err
	}
	b.signaler.Done()
	return tempID, nil
}

// SendProposal queues a proposal of new terms against the order's original
// terms and returns its temporary id.
func (m *Manager) SendProposal(ctx context.Context, original, proposed proposal.Terms) (string, error) {
	b, err := m.binding()
	if err != nil {
		return "", err
	}
	return b.processor.Enqueue(ctx, messaging.KindProposal, outbox.Payload{
		Original: &original,
		Proposed: &proposed,
	})
}

// Flush drains the open room's outbox now. It refuses to drain while
// offline or while the server has not accepted the room's re-join, so that
// failed attempts do not consume retries.
func (m *Manager) Flush(ctx context.Context) (outbox.DrainResult, error) {
	b, err := m.binding()
	if err != nil {
		return outbox.DrainResult{}, err
	}
	if !m.Connected() {
		return outbox.DrainResult{}, channel.ErrNotConnected
	}
	if !m.ready() {
		return outbox.DrainResult{}, ErrNotJoined
	}
	return b.processor.Drain(ctx, m.remote.Send)
}

// RetryFailed makes a failed entry eligible for delivery again.
func (m *Manager) RetryFailed(ctx context.Context, tempID string) error {
	b, err := m.binding()
	if err != nil {
		return err
	}
	return b.processor.Retry(ctx, tempID)
}

// PendingCount returns how many of the open room's messages await delivery.
func (m *Manager) PendingCount(ctx context.Context) (int, error) {
	b, err := m.binding()
	if err != nil {
		return 0, err
	}
	return b.processor.PendingCount(ctx)
}

// PendingEntries returns the open room's undelivered messages, oldest first,
// for rendering alongside the confirmed stream.
func (m *Manager) PendingEntries(ctx context.Context) ([]outbox.Entry, error) {
	b, err := m.binding()
	if err != nil {
		return nil, err
	}
	return b.processor.Entries(ctx)
}

// FailedEntries returns the open room's messages that reached the retry
// ceiling.
func (m *Manager) FailedEntries(ctx context.Context) ([]outbox.Entry, error) {
	b, err := m.binding()
	if err != nil {
		return nil, err
	}
	return b.processor.FailedEntries(ctx)
}

// Keystroke signals local typing activity.
func (m *Manager) Keystroke() error {
	b, err := m.binding()
	if err != nil {
		return err
	}
	b.signaler.Keystroke()
	return nil
}

// StopTyping ends local typing presence immediately.
func (m *Manager) StopTyping() error {
	b, err := m.binding()
	if err != nil {
		return err
	}
	b.signaler.Done()
	return nil
}

// MarkRead marks every message from other participants read and notifies
// the server.
func (m *Manager) MarkRead(ctx context.Context) error {
	b, err := m.binding()
	if err != nil {
		return err
	}
	changed := m.stream.MarkRead(b.self)
	if err := m.ch.Emit(ctx, channel.EventMarkRead, channel.RoomRequest{RoomID: b.roomID}); err != nil {
		return fmt.Errorf("mark read: %w", err)
	}

	logrus.WithFields(logrus.Fields{
		"function": "MarkRead",
		"room_id":  b.roomID,
		"changed":  changed,
	}).Debug("Room marked read")
	return nil
}

// Accept accepts the proposal carried by messageID.
func (m *Manager) Accept(ctx context.Context, messageID string) error {
	b, err := m.binding()
	if err != nil {
		return err
	}
	return m.negotiator.Accept(ctx, b.roomID, messageID)
}

// Reject rejects the proposal carried by messageID.
func (m *Manager) Reject(ctx context.Context, messageID string) error {
	b, err := m.binding()
	if err != nil {
		return err
	}
	return m.negotiator.Reject(ctx, b.roomID, messageID)
}

// LoadMore requests the page of history older than the oldest loaded
// message and returns how many messages were added.
func (m *Manager) LoadMore(ctx context.Context) (int, error) {
	if _, err := m.binding(); err != nil {
		return 0, err
	}
	return m.stream.LoadMore(ctx, m.opts.HistoryPageSize)
}

// Refresh fetches the latest page of history and merges it into the stream.
// It also recovers from a failed initial load.
func (m *Manager) Refresh(ctx context.Context) (int, error) {
	if _, err := m.binding(); err != nil {
		return 0, err
	}
	return m.stream.Refresh(ctx, m.opts.HistoryPageSize)
}

// HasMore reports whether older history remains on the server.
func (m *Manager) HasMore() bool {
	return m.stream.HasMore()
}

// Messages returns the confirmed messages of the open room, oldest first.
func (m *Manager) Messages() []*messaging.Message {
	return m.stream.Messages()
}

// UnreadCount returns how many loaded messages from others are unread.
func (m *Manager) UnreadCount() int {
	return m.stream.UnreadCount(m.selfID())
}

// TypingPeers returns the participants currently typing in the open room.
func (m *Manager) TypingPeers() []typing.Peer {
	return m.tracker.Peers()
}
