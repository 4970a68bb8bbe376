package proposal

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"
)

// Remote is the authority that decides proposal transitions.
type Remote interface {
	AcceptProposal(ctx context.Context, roomID, messageID string) error
	RejectProposal(ctx context.Context, roomID, messageID string) error
}

// StatusApplier holds the local copy of proposals, normally the message stream.
type StatusApplier interface {
	ProposalStatus(messageID string) (Status, bool)
	ApplyProposalStatus(messageID string, status Status) bool
}

// Negotiator requests proposal decisions from the remote authority and applies
// acknowledged outcomes locally.
type Negotiator struct {
	remote  Remote
	applier StatusApplier
}

// NewNegotiator creates a negotiator bound to one remote and one local view.
func NewNegotiator(remote Remote, applier StatusApplier) *Negotiator {
	return &Negotiator{remote: remote, applier: applier}
}

// Accept asks the remote authority to accept the proposal in messageID.
func (n *Negotiator) Accept(ctx context.Context, roomID, messageID string) error {
	return n.decide(ctx, roomID, messageID, StatusAccepted)
}

// Reject asks the remote authority to reject the proposal in messageID.
func (n *Negotiator) Reject(ctx context.Context, roomID, messageID string) error {
	return n.decide(ctx, roomID, messageID, StatusRejected)
}

func (n *Negotiator) decide(ctx context.Context, roomID, messageID string, next Status) error {
	fields := logrus.Fields{
		"function":   "decide",
		"room_id":    roomID,
		"message_id": messageID,
		"requested":  next,
	}

	current, ok := n.applier.ProposalStatus(messageID)
	if ok && current.IsTerminal() {
		logrus.WithFields(fields).WithField("current", current).Debug("Proposal already decided, skipping remote call")
		return fmt.Errorf("%w: %s is %s", ErrAlreadyTerminal, messageID, current)
	}

	var err error
	if next == StatusAccepted {
		err = n.remote.AcceptProposal(ctx, roomID, messageID)
	} else {
		err = n.remote.RejectProposal(ctx, roomID, messageID)
	}
	if err != nil {
		logrus.WithFields(fields).WithError(err).Warn("Proposal decision refused")
		return fmt.Errorf("request %s for proposal %s: %w", next, messageID, err)
	}

	changed := n.applier.ApplyProposalStatus(messageID, next)
	logrus.WithFields(fields).WithField("changed", changed).Info("Proposal decision acknowledged")
	return nil
}
