// Package storage persists registration records and the forwarding
// retry queue. Backends: SQLite for single-node deployments, Redis for
// shared multi-node registration state, and an in-memory store for
// tests.
package storage

import (
	"errors"
	"time"

	"github.com/veilchat/veilchat-node/pkg/protocol"
)

var (
	ErrNotFound = errors.New("not found")
)

// Registration is the persisted prekey record for one address.
type Registration struct {
	RegistrationID uint32
	SignedPreKey   []byte
	OneTimePreKeys [][]byte
}

// Store holds registration records keyed by address. Implementations
// must be safe for concurrent use by many connections.
//
// MergeRegistration applies the merge rule: a Register with the same
// registrationID and signedPreKey as the record on file appends its
// oneTimePreKeys; any mismatch replaces the whole record.
type Store interface {
	MergeRegistration(addr protocol.Address, reg *Registration) error

	// Registration returns the record for addr, or ErrNotFound.
	Registration(addr protocol.Address) (*Registration, error)

	DeleteRegistration(addr protocol.Address) error

	// DevicesForUser lists the registered device addresses of a user,
	// ordered by deviceID.
	DevicesForUser(userID []byte) ([]protocol.Address, error)

	// HasUser reports whether any device of the user is registered.
	HasUser(userID []byte) (bool, error)

	// TakeOneTimePreKey atomically pops the oldest unused one-time
	// prekey for addr. key is nil when the pool is empty; remaining is
	// the pool size after the pop. Returns ErrNotFound when addr has no
	// registration at all.
	TakeOneTimePreKey(addr protocol.Address) (key []byte, remaining int, err error)

	Close() error
}

// ForwardedMessage is a relay-bound message that failed at least one
// delivery attempt. FirstFailed is immutable after creation; LastFailed
// moves on every failed retry.
type ForwardedMessage struct {
	ID          int64
	PeerURL     string
	Message     []byte // encoded OutboundMessage envelope payload
	FirstFailed time.Time
	LastFailed  time.Time
}

// ForwardQueue persists ForwardedMessage records between retries.
type ForwardQueue interface {
	// Add inserts a record and returns its ID.
	Add(fm *ForwardedMessage) (int64, error)

	// Touch updates LastFailed after a failed retry attempt.
	Touch(id int64, lastFailed time.Time) error

	// Remove deletes a record on delivery or abandonment.
	Remove(id int64) error

	// Pending lists records for one destination, oldest first.
	Pending(peerURL string) ([]*ForwardedMessage, error)

	// Destinations lists peer URLs that have pending records.
	Destinations() ([]string, error)

	// Count returns the total number of pending records.
	Count() (int, error)
}
