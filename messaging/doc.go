// Package messaging provides the confirmed-message model and the per-room
// message stream of the negotiation client.
//
// # Overview
//
// A [Stream] is the authoritative, in-memory, ordered view of server-confirmed
// messages for the active room. Messages enter it three ways:
//
//   - [Stream.LoadInitial]: the most recent page, replacing the stream.
//   - [Stream.LoadMore]: an older page, strictly before the cursor.
//   - [Stream.Append]: a live push or a send acknowledgment.
//
// # Invariants
//
// Message ids are unique within a stream. Appending an id that is already
// present is a no-op, which lets an optimistic send acknowledgment and the
// authoritative push race harmlessly.
//
// The cursor always equals the id of the oldest loaded message, so pagination
// never re-fetches or duplicates a loaded message. Once the server reports no
// more history, LoadMore is a no-op.
//
// # Proposal Outcomes and Read Receipts
//
// [Stream.ApplyProposalStatus] overwrites only the status of an embedded
// proposal. Unknown ids and non-proposal messages are ignored because a status
// push can legitimately arrive before the page holding its message is loaded.
// Terminal statuses are never overwritten.
//
// [Stream.MarkRead] marks every message not authored by the given sender.
//
// # Teardown
//
// [Stream.Reset] increments an epoch. A history response that completes after
// a reset is discarded with [ErrStaleResponse] instead of mutating the stream
// of a room the caller has left.
package messaging
