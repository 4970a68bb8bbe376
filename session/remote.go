package session

import (
	"context"
	"fmt"

	"github.com/jenniferdsbaumgart/Texlink-sub001/channel"
	"github.com/jenniferdsbaumgart/Texlink-sub001/messaging"
	"github.com/jenniferdsbaumgart/Texlink-sub001/outbox"
)

// channelRemote adapts the channel's request/ack events to the interfaces
// the stream, the negotiator and the outbox consume.
type channelRemote struct {
	ch channel.Channel
}

// History implements messaging.HistorySource.
func (r channelRemote) History(ctx context.Context, req messaging.HistoryRequest) (messaging.HistoryPage, error) {
	var ack channel.HistoryAck
	err := r.ch.Request(ctx, channel.EventGetMessages, channel.HistoryRequest{
		RoomID:    req.RoomID,
		Limit:     req.Limit,
		Cursor:    req.Cursor,
		Direction: req.Direction,
	}, &ack)
	if err != nil {
		return messaging.HistoryPage{}, err
	}
	return messaging.HistoryPage{Messages: ack.Messages, HasMore: ack.HasMore}, nil
}

// AcceptProposal implements proposal.Remote.
func (r channelRemote) AcceptProposal(ctx context.Context, roomID, messageID string) error {
	return r.ch.Request(ctx, channel.EventAcceptProposal, channel.ProposalDecisionRequest{
		RoomID:    roomID,
		MessageID: messageID,
	}, nil)
}

// RejectProposal implements proposal.Remote.
func (r channelRemote) RejectProposal(ctx context.Context, roomID, messageID string) error {
	return r.ch.Request(ctx, channel.EventRejectProposal, channel.ProposalDecisionRequest{
		RoomID:    roomID,
		MessageID: messageID,
	}, nil)
}

// Send delivers one outbox entry and is used as the outbox SendFunc. An
// acknowledgment without an error is a delivery; when it carries no message
// the new_message push reconciles the stream by client temp id.
func (r channelRemote) Send(ctx context.Context, e outbox.Entry) (outbox.SendReceipt, error) {
	var ack channel.SendAck
	err := r.ch.Request(ctx, channel.EventSendMessage, channel.SendRequest{
		RoomID:       e.RoomID,
		ClientTempID: e.TempID,
		Kind:         e.Kind,
		Content:      e.Payload.Text,
		Original:     e.Payload.Original,
		Proposed:     e.Payload.Proposed,
	}, &ack)
	if err != nil {
		return outbox.SendReceipt{}, err
	}
	if ack.Refused() {
		return outbox.SendReceipt{}, fmt.Errorf("send %s: %w", e.TempID, ErrSendRefused)
	}
	if ack.Message == nil || ack.Message.ID == "" {
		return outbox.SendReceipt{}, nil
	}
	if ack.Message.ClientTempID == "" {
		ack.Message.ClientTempID = e.TempID
	}
	return outbox.SendReceipt{ServerID: ack.Message.ID, Message: ack.Message}, nil
}
