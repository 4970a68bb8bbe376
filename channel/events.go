// Package channel is the transport boundary of the negotiation client: a
// bidirectional, event-named message channel with request/acknowledgment
// semantics and server pushes.
//
// Every frame is a JSON envelope carrying an event type, an optional request
// id and a payload. A request frame is answered by exactly one ack frame with
// the same request id; every other inbound frame is a push dispatched to the
// handlers subscribed to its event type.
package channel

import (
	"encoding/json"
	"fmt"

	"github.com/jenniferdsbaumgart/Texlink-sub001/messaging"
	"github.com/jenniferdsbaumgart/Texlink-sub001/proposal"
)

// EventType names a frame on the channel.
type EventType string

// Client requests.
const (
	EventAuthenticate   EventType = "authenticate"
	EventJoinRoom       EventType = "join_room"
	EventLeaveRoom      EventType = "leave_room"
	EventGetMessages    EventType = "get_messages"
	EventSendMessage    EventType = "send_message"
	EventMarkRead       EventType = "mark_read"
	EventTypingStart    EventType = "typing_start"
	EventTypingStop     EventType = "typing_stop"
	EventAcceptProposal EventType = "accept_proposal"
	EventRejectProposal EventType = "reject_proposal"
)

// Server pushes and local lifecycle events.
const (
	EventConnected      EventType = "connect"
	EventAuthenticated  EventType = "authenticated"
	EventNewMessage     EventType = "new_message"
	EventMessagesRead   EventType = "messages_read"
	EventUserTyping     EventType = "user_typing"
	EventProposalStatus EventType = "proposal_status_changed"
	EventDisconnect     EventType = "disconnect"
	EventConnectError   EventType = "connect_error"
	EventReconnected    EventType = "reconnected"

	// EventAck answers a request frame.
	EventAck EventType = "ack"
)

// Disconnect reasons.
const (
	ReasonTransportError     = "transport_error"
	ReasonServerClose        = "server_close"
	ReasonReconnectExhausted = "reconnect_exhausted"
)

// Frame is the envelope of every message on the channel.
type Frame struct {
	Type      EventType       `json:"type"`
	RequestID string          `json:"requestId,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Error     *RemoteError    `json:"error,omitempty"`
}

// Decode unmarshals the frame payload into out.
func (f Frame) Decode(out any) error {
	if len(f.Payload) == 0 {
		return fmt.Errorf("decode %s: empty payload", f.Type)
	}
	if err := json.Unmarshal(f.Payload, out); err != nil {
		return fmt.Errorf("decode %s: %w", f.Type, err)
	}
	return nil
}

// RemoteError is an error reported by the server in an ack.
type RemoteError struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable,omitempty"`
}

func (e *RemoteError) Error() string {
	if e.Code == "" {
		return "remote: " + e.Message
	}
	return fmt.Sprintf("remote %s: %s", e.Code, e.Message)
}

// AuthenticateRequest presents the caller's credential after connecting.
type AuthenticateRequest struct {
	Token string `json:"token"`
}

// AuthenticatedEvent identifies the authenticated user. It is both the ack
// payload of authenticate and a push after a server-side re-authentication.
type AuthenticatedEvent struct {
	UserID   string         `json:"userId"`
	UserName string         `json:"userName"`
	Role     messaging.Role `json:"role"`
}

// RoomRequest names the room of join, leave, mark-read and typing frames.
type RoomRequest struct {
	RoomID string `json:"roomId"`
}

// JoinAck answers join_room.
type JoinAck struct {
	RoomID      string `json:"roomId"`
	UnreadCount int    `json:"unreadCount"`
}

// HistoryRequest asks for one page of a room's history.
type HistoryRequest struct {
	RoomID    string              `json:"roomId"`
	Limit     int                 `json:"limit"`
	Cursor    string              `json:"cursor,omitempty"`
	Direction messaging.Direction `json:"direction,omitempty"`
}

// HistoryAck answers get_messages with messages newest first.
type HistoryAck struct {
	Messages []*messaging.Message `json:"messages"`
	HasMore  bool                 `json:"hasMore"`
}

// SendRequest submits one user-authored message.
type SendRequest struct {
	RoomID       string          `json:"roomId"`
	ClientTempID string          `json:"clientTempId"`
	Kind         messaging.Kind  `json:"kind"`
	Content      string          `json:"content,omitempty"`
	Original     *proposal.Terms `json:"original,omitempty"`
	Proposed     *proposal.Terms `json:"proposed,omitempty"`
}

// SendAck answers send_message. Servers may acknowledge with success alone
// and deliver the confirmed message through the new_message push.
type SendAck struct {
	Success *bool              `json:"success,omitempty"`
	Message *messaging.Message `json:"message,omitempty"`
}

// Refused reports an acknowledgment that explicitly declined the send.
func (a SendAck) Refused() bool {
	return a.Success != nil && !*a.Success
}

// ProposalDecisionRequest accepts or rejects the proposal in a message.
type ProposalDecisionRequest struct {
	RoomID    string `json:"roomId"`
	MessageID string `json:"messageId"`
}

// NewMessageEvent pushes a confirmed message to every room member.
type NewMessageEvent struct {
	Message *messaging.Message `json:"message"`
}

// ReadReceiptEvent reports that UserID has read the room.
type ReadReceiptEvent struct {
	RoomID string `json:"roomId"`
	UserID string `json:"userId"`
}

// TypingEvent reports a peer's typing state.
type TypingEvent struct {
	RoomID   string `json:"roomId"`
	UserID   string `json:"userId"`
	UserName string `json:"userName"`
	IsTyping bool   `json:"isTyping"`
}

// ProposalStatusEvent reports a decided proposal.
type ProposalStatusEvent struct {
	RoomID    string          `json:"roomId"`
	MessageID string          `json:"messageId"`
	Status    proposal.Status `json:"status"`
}

// DisconnectEvent reports a lost connection.
type DisconnectEvent struct {
	Reason string `json:"reason"`
}

// ConnectErrorEvent reports a failed connection or reconnection attempt.
type ConnectErrorEvent struct {
	Message string `json:"message"`
	Attempt int    `json:"attempt,omitempty"`
}
