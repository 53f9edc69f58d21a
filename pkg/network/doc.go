// Package network implements the relay side of the protocol: the
// per-connection state machine with request/response correlation, the
// one-shot authentication handshake, the live device directory, and
// at-least-once forwarding to federated peer relays.
//
// Concurrency model: each connection processes its inbound frames in
// arrival order on its transport's delivery goroutine; the directory,
// store and forwarder are the only state shared between connections.
// Message pushes and peer forwarding run on their own goroutines so a
// slow recipient or a dead peer never stalls the connection that
// produced the message.
package network
