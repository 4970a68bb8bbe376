package session

import "fmt"

// State is the connection state of a session.
type State int

const (
	// StateDisconnected means no connection is live.
	StateDisconnected State = iota
	// StateConnecting means a connection attempt is in progress.
	StateConnecting
	// StateConnected means the transport is up but the caller is not yet
	// authenticated. A failed authentication or join leaves the session here.
	StateConnected
	// StateAuthenticated means the server accepted the caller's credential.
	StateAuthenticated
)

// String returns the state name used in logs.
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected-unauthenticated"
	case StateAuthenticated:
		return "authenticated"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}
