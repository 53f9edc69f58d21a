package protocol

import (
	"bytes"
	"crypto/ed25519"
	"encoding/hex"
	"fmt"
)

// Protocol constants
const (
	// Magic number for the Veilchat wire protocol ('VEIL')
	ProtocolMagic = 0x5645494C

	// Protocol version
	ProtocolVersion = 0x0100 // v1.0

	// Header size
	HeaderSize = 16

	// UserID is a 1-byte key type tag followed by a 32-byte public key
	UserIDSize = 33

	// Maximum payload size accepted by the codec
	MaxPayloadSize = 1 << 20
)

// Key type tags carried in the first byte of a userID
const (
	KeyTypeEd25519 uint8 = 0x05
)

// Payload types
const (
	// Generic responses (0x00xx)
	MsgTypeAck   uint16 = 0x0001
	MsgTypeError uint16 = 0x0002
	MsgTypePing  uint16 = 0x0003
	MsgTypePong  uint16 = 0x0004

	// Authentication (0x01xx)
	MsgTypeAuthChallenge uint16 = 0x0100
	MsgTypeAuthResponse  uint16 = 0x0101

	// Registration (0x02xx)
	MsgTypeRegister   uint16 = 0x0200
	MsgTypeUnregister uint16 = 0x0201

	// PreKey distribution (0x03xx)
	MsgTypeRequestPreKeys uint16 = 0x0300
	MsgTypePreKeys        uint16 = 0x0301
	MsgTypePreKeysLow     uint16 = 0x0302

	// Message relay (0x04xx)
	MsgTypeOutboundMessage uint16 = 0x0400
	MsgTypeInboundMessage  uint16 = 0x0401
)

// Address identifies one device of one user. The userID embeds the
// user's public identity key, so possession of the matching private key
// is what proves ownership of the address.
type Address struct {
	UserID   []byte `cbor:"1,keyasint"`
	DeviceID uint32 `cbor:"2,keyasint"`
}

// Validate checks the userID length and key type tag.
func (a Address) Validate() error {
	if len(a.UserID) != UserIDSize {
		return fmt.Errorf("%w: userID is %d bytes, want %d", ErrInvalidAddress, len(a.UserID), UserIDSize)
	}
	if a.UserID[0] != KeyTypeEd25519 {
		return fmt.Errorf("%w: unknown key type 0x%02x", ErrInvalidAddress, a.UserID[0])
	}
	return nil
}

// IdentityKey extracts the public identity key embedded in the userID.
func (a Address) IdentityKey() (ed25519.PublicKey, error) {
	if err := a.Validate(); err != nil {
		return nil, err
	}
	return ed25519.PublicKey(a.UserID[1:]), nil
}

// Equal reports whether two addresses name the same (userID, deviceID).
func (a Address) Equal(b Address) bool {
	return a.DeviceID == b.DeviceID && bytes.Equal(a.UserID, b.UserID)
}

// Key returns a stable map key for the address.
func (a Address) Key() string {
	return fmt.Sprintf("%x:%d", a.UserID, a.DeviceID)
}

// String returns a short human-readable form for logging.
func (a Address) String() string {
	if len(a.UserID) < 5 {
		return fmt.Sprintf("?:%d", a.DeviceID)
	}
	return fmt.Sprintf("%s:%d", hex.EncodeToString(a.UserID[1:5]), a.DeviceID)
}
