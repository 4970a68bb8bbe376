// Package proposal implements the accept/reject negotiation embedded in
// proposal messages.
//
// A proposal carries the order's original terms, the newly proposed terms and
// a status. The status moves from PENDING to exactly one of ACCEPTED or
// REJECTED and never changes afterwards.
package proposal

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jenniferdsbaumgart/Texlink-sub001/limits"
)

// Status is the negotiation outcome of a proposal.
type Status string

const (
	// StatusPending means neither party has decided yet.
	StatusPending Status = "PENDING"
	// StatusAccepted is terminal: the counterparty accepted the new terms.
	StatusAccepted Status = "ACCEPTED"
	// StatusRejected is terminal: the counterparty rejected the new terms.
	StatusRejected Status = "REJECTED"
)

var (
	// ErrUnknownStatus indicates a status string outside the defined set.
	ErrUnknownStatus = errors.New("unknown proposal status")
	// ErrAlreadyTerminal indicates a transition was requested from ACCEPTED or REJECTED.
	ErrAlreadyTerminal = errors.New("proposal already decided")
	// ErrNotProposal indicates the referenced message carries no proposal.
	ErrNotProposal = errors.New("message is not a proposal")
)

// ParseStatus parses a wire status, case-insensitively.
func ParseStatus(s string) (Status, error) {
	switch Status(strings.ToUpper(strings.TrimSpace(s))) {
	case StatusPending:
		return StatusPending, nil
	case StatusAccepted:
		return StatusAccepted, nil
	case StatusRejected:
		return StatusRejected, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownStatus, s)
	}
}

// String returns the wire representation of the status.
func (s Status) String() string {
	return string(s)
}

// IsTerminal reports whether no further transition is defined out of s.
func (s Status) IsTerminal() bool {
	return s == StatusAccepted || s == StatusRejected
}

// CanTransition reports whether moving from s to next is allowed.
func (s Status) CanTransition(next Status) bool {
	return s == StatusPending && next.IsTerminal()
}

// Terms is one set of negotiable order values.
type Terms struct {
	PricePerUnit     float64   `json:"pricePerUnit" cbor:"1,keyasint"`
	Quantity         int       `json:"quantity" cbor:"2,keyasint"`
	DeliveryDeadline time.Time `json:"deliveryDeadline" cbor:"3,keyasint"`
}

// Validate checks the terms against the shared payload limits.
func (t Terms) Validate() error {
	return limits.ValidateProposalTerms(t.PricePerUnit, t.Quantity, t.DeliveryDeadline)
}

// Total returns price times quantity.
func (t Terms) Total() float64 {
	return t.PricePerUnit * float64(t.Quantity)
}

// Proposal is the structured counter-offer embedded in a PROPOSAL message.
type Proposal struct {
	Original Terms  `json:"original"`
	Proposed Terms  `json:"proposed"`
	Status   Status `json:"status"`
}

// New returns a pending proposal after validating both sets of terms.
func New(original, proposed Terms) (*Proposal, error) {
	if err := original.Validate(); err != nil {
		return nil, fmt.Errorf("original terms: %w", err)
	}
	if err := proposed.Validate(); err != nil {
		return nil, fmt.Errorf("proposed terms: %w", err)
	}
	return &Proposal{Original: original, Proposed: proposed, Status: StatusPending}, nil
}

// Apply moves the proposal to next if the transition is allowed and reports
// whether the status changed. Replaying the current status, or any status after
// a terminal one, is a no-op. Only the status is touched; terms never change.
func (p *Proposal) Apply(next Status) bool {
	if p == nil || p.Status == next {
		return false
	}
	current := p.Status
	if current == "" {
		current = StatusPending
	}
	if !current.CanTransition(next) {
		return false
	}
	p.Status = next
	return true
}

// Delta summarizes how the proposed terms differ from the original ones.
type Delta struct {
	PricePerUnit  float64
	Quantity      int
	DeadlineShift time.Duration
	TotalChange   float64
}

// Delta reports proposed minus original for each negotiable value.
func (p *Proposal) Delta() Delta {
	return Delta{
		PricePerUnit:  p.Proposed.PricePerUnit - p.Original.PricePerUnit,
		Quantity:      p.Proposed.Quantity - p.Original.Quantity,
		DeadlineShift: p.Proposed.DeliveryDeadline.Sub(p.Original.DeliveryDeadline),
		TotalChange:   p.Proposed.Total() - p.Original.Total(),
	}
}

// Clone returns a copy safe to hand to callers.
func (p *Proposal) Clone() *Proposal {
	if p == nil {
		return nil
	}
	c := *p
	return &c
}
