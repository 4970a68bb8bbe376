package channel

import (
	"context"
	"errors"
)

var (
	// ErrNotConnected indicates a send on a channel without a live connection.
	ErrNotConnected = errors.New("channel not connected")
	// ErrClosed indicates use of a channel after Close.
	ErrClosed = errors.New("channel closed")
	// ErrTimeout indicates a request whose ack did not arrive in time.
	ErrTimeout = errors.New("request timed out")
)

// Handler receives one inbound frame. Handlers run on the channel's receive
// path and must not block on requests to the same channel.
type Handler func(Frame)

// Channel is a bidirectional event channel with request/ack semantics.
type Channel interface {
	// Connect establishes the connection. Calling Connect on a connected
	// channel is a no-op.
	Connect(ctx context.Context) error
	// Request sends event with payload and waits for its ack, decoding the
	// ack payload into out when out is non-nil.
	Request(ctx context.Context, event EventType, payload, out any) error
	// Emit sends event with payload without waiting for an ack.
	Emit(ctx context.Context, event EventType, payload any) error
	// Subscribe registers h for event and returns its deregistration.
	Subscribe(event EventType, h Handler) (unsubscribe func())
	// Connected reports whether the connection is currently live.
	Connected() bool
	// Close tears the channel down for good.
	Close() error
}
