package session

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/jenniferdsbaumgart/Texlink-sub001/channel"
	"github.com/jenniferdsbaumgart/Texlink-sub001/messaging"
	"github.com/jenniferdsbaumgart/Texlink-sub001/proposal"
)

// attach subscribes the room's push handlers. Each handler is a no-op once
// epoch is superseded, and detach removes them all.
func (m *Manager) attach(epoch uint64) {
	handlers := map[channel.EventType]func(channel.Frame){
		channel.EventNewMessage:     m.handleNewMessage,
		channel.EventMessagesRead:   m.handleReadReceipt,
		channel.EventUserTyping:     m.handleTyping,
		channel.EventProposalStatus: m.handleProposalStatus,
		channel.EventAuthenticated:  m.handleAuthenticated,
		channel.EventDisconnect:     m.handleDisconnect,
		channel.EventConnectError:   m.handleConnectError,
		channel.EventReconnected: func(channel.Frame) {
			m.resync(epoch)
		},
	}

	unsubs := make([]func(), 0, len(handlers))
	for event, h := range handlers {
		h := h
		unsubs = append(unsubs, m.ch.Subscribe(event, func(f channel.Frame) {
			if !m.isCurrent(epoch) {
				return
			}
			h(f)
		}))
	}

	m.mu.Lock()
	if m.epoch != epoch {
		m.mu.Unlock()
		for _, unsub := range unsubs {
			unsub()
		}
		return
	}
	m.unsubs = append(m.unsubs, unsubs...)
	m.mu.Unlock()
}

// decode unmarshals a push payload, logging and discarding malformed ones.
func decode(f channel.Frame, out any) bool {
	if err := f.Decode(out); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "decode",
			"event":    f.Type,
			"error":    err.Error(),
		}).Warn("Discarding malformed push")
		return false
	}
	return true
}

// inRoom reports whether a push addressed to roomID concerns the open room.
// Pushes without a room id are assumed to.
func (m *Manager) inRoom(roomID string) bool {
	if roomID == "" {
		return true
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.roomID == roomID
}

func (m *Manager) selfID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.identity.UserID
}

func (m *Manager) handleNewMessage(f channel.Frame) {
	var ev channel.NewMessageEvent
	if !decode(f, &ev) || ev.Message == nil {
		return
	}
	msg := ev.Message
	if !m.inRoom(msg.RoomID) {
		return
	}
	added := m.stream.Append(msg)
	if msg.SenderID != m.selfID() {
		// A peer that just sent has stopped typing.
		m.tracker.Stop(msg.SenderID)
	}

	logrus.WithFields(logrus.Fields{
		"function":   "handleNewMessage",
		"room_id":    msg.RoomID,
		"message_id": msg.ID,
		"added":      added,
	}).Debug("Message pushed")
}

func (m *Manager) handleReadReceipt(f channel.Frame) {
	var ev channel.ReadReceiptEvent
	if !decode(f, &ev) || !m.inRoom(ev.RoomID) {
		return
	}
	m.stream.MarkRead(ev.UserID)
}

func (m *Manager) handleTyping(f channel.Frame) {
	var ev channel.TypingEvent
	if !decode(f, &ev) || !m.inRoom(ev.RoomID) || ev.UserID == "" {
		return
	}
	if ev.UserID == m.selfID() {
		return
	}
	m.tracker.Set(ev.UserID, ev.UserName, ev.IsTyping)
}

func (m *Manager) handleProposalStatus(f channel.Frame) {
	var ev channel.ProposalStatusEvent
	if !decode(f, &ev) || !m.inRoom(ev.RoomID) {
		return
	}
	fields := logrus.Fields{
		"function":   "handleProposalStatus",
		"message_id": ev.MessageID,
		"status":     ev.Status,
	}
	status, err := proposal.ParseStatus(string(ev.Status))
	if err != nil {
		logrus.WithFields(fields).WithError(err).Warn("Discarding proposal status push")
		return
	}
	// A push for a message not loaded yet is expected during pagination.
	changed := m.stream.ApplyProposalStatus(ev.MessageID, status)
	logrus.WithFields(fields).WithField("changed", changed).Debug("Proposal status pushed")
}

func (m *Manager) handleAuthenticated(f channel.Frame) {
	var ev channel.AuthenticatedEvent
	if !decode(f, &ev) || ev.UserID == "" {
		return
	}
	m.mu.Lock()
	m.identity = Identity{UserID: ev.UserID, Name: ev.UserName, Role: ev.Role}
	m.mu.Unlock()
	m.setState(StateAuthenticated)
}

func (m *Manager) handleDisconnect(f channel.Frame) {
	var ev channel.DisconnectEvent
	_ = f.Decode(&ev)

	logrus.WithFields(logrus.Fields{
		"function": "handleDisconnect",
		"reason":   ev.Reason,
	}).Warn("Session disconnected")

	m.mu.Lock()
	m.joined = false
	m.mu.Unlock()
	m.setState(StateDisconnected)
	m.tracker.Clear()
	if ev.Reason == channel.ReasonReconnectExhausted {
		m.reportError(ErrReconnectExhausted)
	}
}

func (m *Manager) handleConnectError(f channel.Frame) {
	var ev channel.ConnectErrorEvent
	_ = f.Decode(&ev)

	logrus.WithFields(logrus.Fields{
		"function": "handleConnectError",
		"attempt":  ev.Attempt,
		"error":    ev.Message,
	}).Warn("Connection attempt failed")
	// The initial attempt's error is returned by Open itself.
	if ev.Attempt > 0 {
		m.reportError(fmt.Errorf("%w: %s", ErrConnect, ev.Message))
	}
}

// resync restores the session after the channel reconnected: it
// re-authenticates, re-joins the room, catches the stream up on messages
// missed while offline and drains the outbox. The room counts as joined
// again only once the server accepted the re-join.
func (m *Manager) resync(epoch uint64) {
	ctx, cancel := context.WithTimeout(context.Background(), m.opts.ResyncTimeout)
	defer cancel()

	fields := logrus.Fields{
		"function": "resync",
	}
	report := func(stage string, err error) {
		if errors.Is(err, ErrSuperseded) || errors.Is(err, messaging.ErrStaleResponse) || !m.isCurrent(epoch) {
			return
		}
		logrus.WithFields(fields).WithField("stage", stage).WithError(err).Error("Resync failed")
		m.reportError(err)
	}

	m.setState(StateConnected)
	if _, err := m.authenticate(ctx, epoch); err != nil {
		report("authenticate", err)
		return
	}

	m.mu.Lock()
	roomID, proc := m.roomID, m.processor
	m.mu.Unlock()
	if proc == nil {
		return
	}
	fields["room_id"] = roomID

	if _, err := m.join(ctx, epoch, roomID); err != nil {
		m.refuseJoin(epoch)
		report("join", err)
		return
	}
	if !m.markJoined(epoch) {
		return
	}
	added, err := m.stream.Refresh(ctx, m.opts.HistoryPageSize)
	if err != nil {
		report("history", err)
	}
	res, err := proc.Drain(ctx, m.remote.Send)
	if err != nil {
		report("drain", err)
		return
	}

	logrus.WithFields(fields).WithFields(logrus.Fields{
		"caught_up": added,
		"delivered": res.Delivered,
	}).Info("Session resynchronized")
}
