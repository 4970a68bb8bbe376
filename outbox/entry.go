// Package outbox implements the durable send outbox of the negotiation client.
//
// Every user-authored message is persisted as an Entry keyed by a client
// temporary id before any network attempt. A per-room Processor drains the
// pending entries one at a time, in creation order, retrying transient
// failures up to a ceiling and retaining terminal failures until the user
// retries them or they age out of the retention window.
package outbox

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/jenniferdsbaumgart/Texlink-sub001/limits"
	"github.com/jenniferdsbaumgart/Texlink-sub001/messaging"
	"github.com/jenniferdsbaumgart/Texlink-sub001/proposal"
)

// Status represents the delivery state of an outbox entry.
type Status string

const (
	// StatusPending means the entry is waiting for the next drain.
	StatusPending Status = "pending"
	// StatusSending means a send attempt is in flight.
	StatusSending Status = "sending"
	// StatusFailed means the retry ceiling was reached; only a manual retry
	// makes the entry eligible again.
	StatusFailed Status = "failed"
	// StatusSent means the server confirmed the send. Sent entries are
	// deleted from the store; the status is only observed by callbacks.
	StatusSent Status = "sent"
)

// Payload is the user-authored content of an entry.
type Payload struct {
	Text     string          `cbor:"1,keyasint,omitempty" json:"text,omitempty"`
	Original *proposal.Terms `cbor:"2,keyasint,omitempty" json:"original,omitempty"`
	Proposed *proposal.Terms `cbor:"3,keyasint,omitempty" json:"proposed,omitempty"`
}

// Entry is one not-yet-confirmed outgoing message. Seq is assigned by the
// store on insert and orders entries created in the same instant.
type Entry struct {
	Seq           int64
	TempID        string
	RoomID        string
	Kind          messaging.Kind
	Payload       Payload
	Status        Status
	RetryCount    int
	LastError     string
	CreatedAt     time.Time
	LastAttemptAt time.Time
	ServerID      string
}

// NewTempID returns a client-generated temporary id. It stays stable until
// the server id from the send acknowledgment supersedes it.
func NewTempID() string {
	return "tmp-" + uuid.NewString()
}

// IsTempID reports whether id was produced by NewTempID.
func IsTempID(id string) bool {
	return strings.HasPrefix(id, "tmp-")
}

// validatePayload checks that kind and payload agree and respect the limits.
func validatePayload(kind messaging.Kind, p Payload) error {
	switch kind {
	case messaging.KindText:
		if p.Proposed != nil || p.Original != nil {
			return fmt.Errorf("%w: text entry carries proposal terms", ErrInvalidEntry)
		}
		return limits.ValidateText(p.Text)
	case messaging.KindProposal:
		if p.Original == nil || p.Proposed == nil {
			return fmt.Errorf("%w: proposal entry requires original and proposed terms", ErrInvalidEntry)
		}
		if _, err := proposal.New(*p.Original, *p.Proposed); err != nil {
			return err
		}
		return nil
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidEntry, kind)
	}
}
