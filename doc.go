// Package texlink is the client runtime for order negotiation chat between a
// buyer and a supplier.
//
// Each order has one chat room. A participant opens the room, reads its
// history page by page, exchanges text messages and price/quantity/deadline
// proposals, and accepts or rejects the other party's proposals. Messages
// written while offline are kept in a durable outbox and delivered in order
// once the connection returns.
//
// # Getting Started
//
//	cfg, err := config.Load("client.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	client, err := texlink.New(cfg, nil) // token from NEGOTIATE_TOKEN
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Close()
//
//	client.OnMessagesChanged(func() {
//	    for _, m := range client.Messages() {
//	        fmt.Println(m.SenderRole, m.Content)
//	    }
//	})
//
//	if _, err := client.Open(ctx, "order-42"); err != nil {
//	    log.Fatal(err)
//	}
//	tempID, err := client.SendText(ctx, "Can you deliver by the 20th?")
//
// # Core Types
//
//   - [Client]: a session bound to the channel and outbox store it owns
//   - session.Manager: room lifecycle, push routing and the caller API
//   - messaging.Stream: the ordered, deduplicated message list of a room
//   - outbox.Processor: ordered, retried delivery of queued messages
//   - typing.Tracker and typing.Signaler: remote and local typing presence
//   - proposal.Negotiator: the proposal accept/reject state machine
//
// # Delivery
//
// SendText and SendProposal never write to the connection. They enqueue the
// message and return its temporary id; the outbox delivers it while the
// session is authenticated and joined, retrying up to three times before the
// entry is marked failed. Failed entries are retried only on request with
// RetryFailed.
//
// # Simulation
//
// With config.Simulation set the client runs on an in-memory channel whose
// server side is scripted with channel.Memory.Handle and channel.Memory.Push.
package texlink
