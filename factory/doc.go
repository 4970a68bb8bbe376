// Package factory builds the transport and storage a negotiation session runs
// on, from a client configuration.
//
// The factory abstracts the choice between a live WebSocket channel and an
// in-memory simulation channel, and between a persistent SQLite outbox and a
// process-local one, so that consuming code never names a concrete
// implementation.
//
// # Usage
//
//	cfg, err := config.Load("client.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	f := factory.NewClientFactory(cfg)
//
//	ch, err := f.CreateChannel()
//	if err != nil {
//	    log.Fatal(err)
//	}
//	store, err := f.CreateStore()
//	if err != nil {
//	    log.Fatal(err)
//	}
//
// # Mode Switching
//
// The factory supports runtime mode switching for integration testing:
//
//	f.SwitchToSimulation() // subsequent channels are in-memory
//	f.SwitchToReal()       // back to WebSocket
//
// A simulation channel answers no requests until handlers are registered on
// it with channel.Memory.Handle.
package factory
