// Package protocol implements the Veilchat wire protocol.
//
// The protocol package defines the envelope, its payload variants, and
// the codec used between clients and relay nodes in the Veilchat
// sealed-sender messaging system.
//
// # Protocol Overview
//
// Veilchat frames every exchange as an Envelope: a fixed 16-byte binary
// header followed by a CBOR-encoded payload. Exactly one payload
// variant is present per envelope; the header's Type field names it.
//
// # Header Format
//
// Every envelope starts with a 16-byte header (big-endian):
//   - Magic (4 bytes): Protocol identifier (0x5645494C = "VEIL")
//   - Version (2 bytes): Protocol version (0x0100 = v1.0)
//   - Type (2 bytes): Payload type
//   - Sequence (4 bytes): Per-connection, per-direction counter
//   - Length (4 bytes): Payload length
//
// # Correlation
//
// A connection's originated messages each consume one sequence number.
// Responses (Ack, Error, Pong, PreKeys) reuse the sequence of the
// request they answer; that is the only correlation mechanism.
//
// # Payload Types
//
// Generic (0x00xx):
//   - Ack/Error: request outcomes
//   - Ping/Pong: keep-alive
//
// Authentication (0x01xx):
//   - AuthChallenge: server nonce, sent once per eligible connection
//   - AuthResponse: signed Login binding an address to the connection
//
// Registration (0x02xx):
//   - Register/Unregister: prekey material lifecycle
//
// PreKey distribution (0x03xx):
//   - RequestPreKeys/PreKeys: snapshot of a user's devices
//   - PreKeysLow: server push asking for more one-time prekeys
//
// Message relay (0x04xx):
//   - OutboundMessage: sealed-sender message toward a recipient
//   - InboundMessage: delivery push, acked by the recipient
//
// # Security Considerations
//
// Message contents are end-to-end encrypted before they reach this
// layer; relay nodes never see plaintext or sender identity. The only
// cryptographic operation the protocol itself performs is Ed25519
// verification of the AuthResponse signature against the public key
// embedded in the login address.
package protocol
