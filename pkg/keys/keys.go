// Package keys generates and verifies the client-side key material
// published through registration: an Ed25519 identity (whose public key
// is embedded in the userID), an X25519 signed prekey attested by the
// identity key, and disposable X25519 one-time prekeys.
package keys

import (
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"

	"golang.org/x/crypto/curve25519"

	"github.com/veilchat/veilchat-node/pkg/protocol"
)

// SignedPreKeySize is the encoded size: X25519 public key (32) followed
// by an Ed25519 signature over it (64).
const SignedPreKeySize = 32 + ed25519.SignatureSize

var (
	ErrBadSignedPreKey = errors.New("malformed signed prekey")
	ErrBadSignature    = errors.New("signed prekey signature verification failed")
)

// Identity is a long-term Ed25519 identity key pair. The public key,
// prefixed with the key type tag, is the userID.
type Identity struct {
	PublicKey  ed25519.PublicKey
	PrivateKey ed25519.PrivateKey
}

// GenerateIdentity creates a new identity key pair.
func GenerateIdentity() (*Identity, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate identity key: %w", err)
	}
	return &Identity{PublicKey: pub, PrivateKey: priv}, nil
}

// UserID returns the 33-byte user identifier: key type tag plus the
// public identity key.
func (id *Identity) UserID() []byte {
	userID := make([]byte, protocol.UserIDSize)
	userID[0] = protocol.KeyTypeEd25519
	copy(userID[1:], id.PublicKey)
	return userID
}

// Address returns the identity's address for one device.
func (id *Identity) Address(deviceID uint32) protocol.Address {
	return protocol.Address{UserID: id.UserID(), DeviceID: deviceID}
}

// Sign signs msg with the identity key.
func (id *Identity) Sign(msg []byte) []byte {
	return ed25519.Sign(id.PrivateKey, msg)
}

// PreKey is an X25519 key pair. The private half never leaves the
// client; only Public is published.
type PreKey struct {
	Public  [32]byte
	Private [32]byte
}

// GeneratePreKey creates one X25519 key pair.
func GeneratePreKey() (*PreKey, error) {
	pk := &PreKey{}
	if _, err := rand.Read(pk.Private[:]); err != nil {
		return nil, fmt.Errorf("generate prekey: %w", err)
	}

	pub, err := curve25519.X25519(pk.Private[:], curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("derive prekey public: %w", err)
	}
	copy(pk.Public[:], pub)

	return pk, nil
}

// GenerateOneTimePreKeys creates n disposable prekeys.
func GenerateOneTimePreKeys(n int) ([]*PreKey, error) {
	out := make([]*PreKey, 0, n)
	for i := 0; i < n; i++ {
		pk, err := GeneratePreKey()
		if err != nil {
			return nil, err
		}
		out = append(out, pk)
	}
	return out, nil
}

// SignedPreKey is a medium-term prekey attested by the identity key.
type SignedPreKey struct {
	PreKey
	Signature [ed25519.SignatureSize]byte
}

// NewSignedPreKey generates a prekey and signs its public half.
func NewSignedPreKey(id *Identity) (*SignedPreKey, error) {
	pk, err := GeneratePreKey()
	if err != nil {
		return nil, err
	}

	spk := &SignedPreKey{PreKey: *pk}
	copy(spk.Signature[:], id.Sign(pk.Public[:]))
	return spk, nil
}

// Encode serializes the public part for the Register payload.
func (s *SignedPreKey) Encode() []byte {
	out := make([]byte, SignedPreKeySize)
	copy(out[:32], s.Public[:])
	copy(out[32:], s.Signature[:])
	return out
}

// VerifySignedPreKey checks an encoded signed prekey against the
// identity key embedded in userID.
func VerifySignedPreKey(userID []byte, encoded []byte) error {
	if len(encoded) != SignedPreKeySize {
		return fmt.Errorf("%w: %d bytes, want %d", ErrBadSignedPreKey, len(encoded), SignedPreKeySize)
	}

	addr := protocol.Address{UserID: userID}
	identityKey, err := addr.IdentityKey()
	if err != nil {
		return err
	}

	if !ed25519.Verify(identityKey, encoded[:32], encoded[32:]) {
		return ErrBadSignature
	}
	return nil
}
