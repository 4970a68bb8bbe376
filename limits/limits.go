// Package limits provides centralized payload limits for negotiation messages.
// This ensures consistent validation across the outbox, the message stream and
// proposal handling.
package limits

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"time"
	"unicode/utf8"
)

const (
	// MaxTextRunes is the longest text message body accepted by the server.
	MaxTextRunes = 2000

	// MaxRoomIDLength bounds room identifiers (order ids) accepted by the client.
	MaxRoomIDLength = 128

	// DefaultPageSize is the history page size used when none is configured.
	DefaultPageSize = 50

	// MaxPageSize is the largest history page the server will return.
	MaxPageSize = 100

	// MaxPricePerUnit bounds proposed unit prices.
	MaxPricePerUnit = 1_000_000_000.0

	// MaxQuantity bounds proposed quantities.
	MaxQuantity = 100_000_000
)

var (
	// ErrMessageEmpty indicates an empty message was provided
	ErrMessageEmpty = errors.New("empty message")

	// ErrMessageTooLarge indicates message exceeds maximum size
	ErrMessageTooLarge = errors.New("message too large")

	// ErrInvalidRoomID indicates a missing or oversized room id
	ErrInvalidRoomID = errors.New("invalid room id")

	// ErrInvalidProposal indicates proposal terms outside the accepted ranges
	ErrInvalidProposal = errors.New("invalid proposal terms")
)

// ValidateText validates a text message body against MaxTextRunes.
// Whitespace-only bodies count as empty.
func ValidateText(text string) error {
	if strings.TrimSpace(text) == "" {
		return ErrMessageEmpty
	}
	if n := utf8.RuneCountInString(text); n > MaxTextRunes {
		return fmt.Errorf("%w: %d runes exceeds limit %d", ErrMessageTooLarge, n, MaxTextRunes)
	}
	return nil
}

// ValidateRoomID validates a room identifier.
func ValidateRoomID(roomID string) error {
	if strings.TrimSpace(roomID) == "" {
		return fmt.Errorf("%w: empty", ErrInvalidRoomID)
	}
	if len(roomID) > MaxRoomIDLength {
		return fmt.Errorf("%w: length %d exceeds limit %d", ErrInvalidRoomID, len(roomID), MaxRoomIDLength)
	}
	return nil
}

// ClampPageSize maps a requested history page size into [1, MaxPageSize].
// Non-positive sizes select DefaultPageSize.
func ClampPageSize(limit int) int {
	switch {
	case limit <= 0:
		return DefaultPageSize
	case limit > MaxPageSize:
		return MaxPageSize
	default:
		return limit
	}
}

// ValidateProposalTerms validates one set of proposal terms. The deadline must
// be set; it may be in the past for original terms, so callers that create new
// proposals check it against the clock themselves.
func ValidateProposalTerms(pricePerUnit float64, quantity int, deadline time.Time) error {
	if math.IsNaN(pricePerUnit) || math.IsInf(pricePerUnit, 0) || pricePerUnit <= 0 {
		return fmt.Errorf("%w: price per unit %v must be positive", ErrInvalidProposal, pricePerUnit)
	}
	if pricePerUnit > MaxPricePerUnit {
		return fmt.Errorf("%w: price per unit %v exceeds limit %v", ErrInvalidProposal, pricePerUnit, MaxPricePerUnit)
	}
	if quantity <= 0 {
		return fmt.Errorf("%w: quantity %d must be positive", ErrInvalidProposal, quantity)
	}
	if quantity > MaxQuantity {
		return fmt.Errorf("%w: quantity %d exceeds limit %d", ErrInvalidProposal, quantity, MaxQuantity)
	}
	if deadline.IsZero() {
		return fmt.Errorf("%w: delivery deadline is required", ErrInvalidProposal)
	}
	return nil
}
