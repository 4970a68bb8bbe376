// Package limits provides centralized payload constants and validation functions
// for the negotiation client. Every component that accepts user input validates
// it here so the outbox never persists a message the server would refuse.
//
// # Text Messages
//
// Text bodies are limited to MaxTextRunes runes. Whitespace-only bodies are
// rejected as empty:
//
//	if err := limits.ValidateText(body); err != nil {
//	    // ErrMessageEmpty or ErrMessageTooLarge
//	}
//
// # History Pages
//
// ClampPageSize maps any requested page size into [1, MaxPageSize], using
// DefaultPageSize for non-positive requests.
//
// # Proposals
//
// ValidateProposalTerms checks one set of price/quantity/deadline terms.
// Prices must be finite and positive, quantities positive, and the deadline
// set. All failures wrap ErrInvalidProposal.
package limits
