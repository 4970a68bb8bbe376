package messaging

import (
	"time"

	"github.com/jenniferdsbaumgart/Texlink-sub001/proposal"
)

// Kind represents the type of message.
type Kind string

const (
	// KindText is a plain text message.
	KindText Kind = "TEXT"
	// KindProposal carries a price/quantity/deadline counter-offer.
	KindProposal Kind = "PROPOSAL"
)

// Role identifies which side of the order authored a message.
type Role string

const (
	// RoleBuyer is the party placing the order.
	RoleBuyer Role = "BUYER"
	// RoleSupplier is the party fulfilling the order.
	RoleSupplier Role = "SUPPLIER"
)

// Message is a server-confirmed message. Only Read and the embedded proposal
// status change after it enters a stream.
type Message struct {
	ID           string             `json:"id"`
	RoomID       string             `json:"roomId"`
	SenderID     string             `json:"senderId"`
	SenderName   string             `json:"senderName,omitempty"`
	SenderRole   Role               `json:"senderRole,omitempty"`
	Kind         Kind               `json:"kind"`
	Content      string             `json:"content,omitempty"`
	Proposal     *proposal.Proposal `json:"proposal,omitempty"`
	Read         bool               `json:"read"`
	CreatedAt    time.Time          `json:"createdAt"`
	ClientTempID string             `json:"clientTempId,omitempty"`
}

// IsProposal reports whether the message carries proposal data.
func (m *Message) IsProposal() bool {
	return m.Kind == KindProposal && m.Proposal != nil
}

// Clone returns a deep copy, so callers never alias stream state.
func (m *Message) Clone() *Message {
	if m == nil {
		return nil
	}
	c := *m
	c.Proposal = m.Proposal.Clone()
	return &c
}
