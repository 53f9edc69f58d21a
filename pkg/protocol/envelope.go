package protocol

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// Payload is one of the envelope's typed payload variants. The concrete
// type decides the header's Type field, so exactly one variant is ever
// present in an encoded envelope.
type Payload interface {
	MsgType() uint16
	validate() error
}

// Envelope is the unit of exchange on a connection. Sequence is a
// per-connection, per-direction counter: responses reuse the sequence
// of the request they answer.
type Envelope struct {
	Sequence uint32
	Payload  Payload
}

// ===== PAYLOAD VARIANTS =====

// Ack acknowledges a request that produces no typed response.
type Ack struct{}

// Error reports a request failure. Name is a stable machine-readable
// identifier; Description is for humans.
type Error struct {
	Name        string `cbor:"1,keyasint"`
	Description string `cbor:"2,keyasint,omitempty"`
}

// Ping is a keepalive request, answered with Pong.
type Ping struct{}

// Pong answers a Ping.
type Pong struct{}

// AuthChallenge carries a server-generated nonce, sent exactly once
// immediately after an authenticated-endpoint connection opens.
type AuthChallenge struct {
	Nonce []byte `cbor:"1,keyasint"`
}

// Login binds an address to a challenge nonce. It never travels on the
// wire directly; it is serialized into AuthResponse.Login and signed.
type Login struct {
	Address Address `cbor:"1,keyasint"`
	Nonce   []byte  `cbor:"2,keyasint"`
}

// AuthResponse answers an AuthChallenge. Signature covers the exact
// Login bytes and verifies against the public key embedded in
// Login.Address.UserID.
type AuthResponse struct {
	Login     []byte `cbor:"1,keyasint"`
	Signature []byte `cbor:"2,keyasint"`
}

// Register publishes prekey material for the connection's bound address.
type Register struct {
	RegistrationID uint32   `cbor:"1,keyasint"`
	SignedPreKey   []byte   `cbor:"2,keyasint"`
	OneTimePreKeys [][]byte `cbor:"3,keyasint,omitempty"`
}

// Unregister removes the registration for the connection's bound address.
type Unregister struct{}

// RequestPreKeys asks for prekey snapshots of every registered device
// of a user, excluding devices the requester already has keys for.
type RequestPreKeys struct {
	UserID         []byte   `cbor:"1,keyasint"`
	KnownDeviceIDs []uint32 `cbor:"2,keyasint,omitempty"`
}

// PreKey is a snapshot of one device's registration, with at most one
// one-time prekey consumed. OneTimePreKey is empty when the pool is
// exhausted.
type PreKey struct {
	Address        Address `cbor:"1,keyasint"`
	RegistrationID uint32  `cbor:"2,keyasint"`
	SignedPreKey   []byte  `cbor:"3,keyasint"`
	OneTimePreKey  []byte  `cbor:"4,keyasint,omitempty"`
}

// PreKeys answers a RequestPreKeys.
type PreKeys struct {
	PreKeys []PreKey `cbor:"1,keyasint,omitempty"`
}

// PreKeysLow tells a device its one-time prekey pool is running out and
// how many keys to upload. It requires no response.
type PreKeysLow struct {
	KeysRequested uint32 `cbor:"1,keyasint"`
}

// OutboundMessage carries a sealed-sender message toward a recipient.
type OutboundMessage struct {
	To                        Address `cbor:"1,keyasint"`
	UnidentifiedSenderMessage []byte  `cbor:"2,keyasint"`
}

// InboundMessage delivers a sealed-sender message to its recipient. The
// recipient must Ack it.
type InboundMessage struct {
	Message []byte `cbor:"1,keyasint"`
}

func (*Ack) MsgType() uint16             { return MsgTypeAck }
func (*Error) MsgType() uint16           { return MsgTypeError }
func (*Ping) MsgType() uint16            { return MsgTypePing }
func (*Pong) MsgType() uint16            { return MsgTypePong }
func (*AuthChallenge) MsgType() uint16   { return MsgTypeAuthChallenge }
func (*AuthResponse) MsgType() uint16    { return MsgTypeAuthResponse }
func (*Register) MsgType() uint16        { return MsgTypeRegister }
func (*Unregister) MsgType() uint16      { return MsgTypeUnregister }
func (*RequestPreKeys) MsgType() uint16  { return MsgTypeRequestPreKeys }
func (*PreKeys) MsgType() uint16         { return MsgTypePreKeys }
func (*PreKeysLow) MsgType() uint16      { return MsgTypePreKeysLow }
func (*OutboundMessage) MsgType() uint16 { return MsgTypeOutboundMessage }
func (*InboundMessage) MsgType() uint16  { return MsgTypeInboundMessage }

func (*Ack) validate() error           { return nil }
func (*Error) validate() error         { return nil }
func (*Ping) validate() error          { return nil }
func (*Pong) validate() error          { return nil }
func (*AuthChallenge) validate() error { return nil }
func (*Unregister) validate() error    { return nil }
func (*PreKeysLow) validate() error    { return nil }

func (p *AuthResponse) validate() error {
	if len(p.Login) == 0 {
		return fmt.Errorf("%w: empty login", ErrMalformed)
	}
	return nil
}

func (p *Register) validate() error {
	if len(p.SignedPreKey) == 0 {
		return fmt.Errorf("%w: empty signedPreKey", ErrMalformed)
	}
	return nil
}

func (p *RequestPreKeys) validate() error {
	if len(p.UserID) != UserIDSize {
		return fmt.Errorf("%w: userID is %d bytes, want %d", ErrInvalidAddress, len(p.UserID), UserIDSize)
	}
	return nil
}

func (p *PreKeys) validate() error {
	for i := range p.PreKeys {
		if err := p.PreKeys[i].Address.Validate(); err != nil {
			return err
		}
	}
	return nil
}

func (p *OutboundMessage) validate() error {
	return p.To.Validate()
}

func (p *InboundMessage) validate() error {
	if len(p.Message) == 0 {
		return fmt.Errorf("%w: empty message", ErrMalformed)
	}
	return nil
}

// ===== CODEC =====

// emptyPayload marks variants that encode to zero payload bytes.
func emptyPayload(t uint16) bool {
	switch t {
	case MsgTypeAck, MsgTypePing, MsgTypePong, MsgTypeUnregister:
		return true
	}
	return false
}

// Encode serializes the envelope: fixed header followed by the CBOR
// encoding of the payload variant.
func (e *Envelope) Encode() ([]byte, error) {
	if e.Payload == nil {
		return nil, fmt.Errorf("%w: no payload", ErrMalformed)
	}
	if err := e.Payload.validate(); err != nil {
		return nil, err
	}

	var body []byte
	if !emptyPayload(e.Payload.MsgType()) {
		var err error
		body, err = cbor.Marshal(e.Payload)
		if err != nil {
			return nil, fmt.Errorf("encode payload: %w", err)
		}
	}

	header := &Header{
		Magic:    ProtocolMagic,
		Version:  ProtocolVersion,
		Type:     e.Payload.MsgType(),
		Sequence: e.Sequence,
		Length:   uint32(len(body)),
	}

	return append(header.Encode(), body...), nil
}

// Decode parses an envelope from bytes, rejecting truncated input,
// unknown payload types and invalid addresses.
func Decode(data []byte) (*Envelope, error) {
	header := &Header{}
	if err := header.Decode(data); err != nil {
		return nil, err
	}
	if err := header.Validate(); err != nil {
		return nil, err
	}

	body := data[HeaderSize:]
	if uint32(len(body)) != header.Length {
		return nil, fmt.Errorf("%w: have %d payload bytes, header says %d",
			ErrTruncated, len(body), header.Length)
	}

	payload, err := newPayload(header.Type)
	if err != nil {
		return nil, err
	}

	if len(body) > 0 {
		if err := cbor.Unmarshal(body, payload); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
	}

	if err := payload.validate(); err != nil {
		return nil, err
	}

	return &Envelope{Sequence: header.Sequence, Payload: payload}, nil
}

func newPayload(t uint16) (Payload, error) {
	switch t {
	case MsgTypeAck:
		return &Ack{}, nil
	case MsgTypeError:
		return &Error{}, nil
	case MsgTypePing:
		return &Ping{}, nil
	case MsgTypePong:
		return &Pong{}, nil
	case MsgTypeAuthChallenge:
		return &AuthChallenge{}, nil
	case MsgTypeAuthResponse:
		return &AuthResponse{}, nil
	case MsgTypeRegister:
		return &Register{}, nil
	case MsgTypeUnregister:
		return &Unregister{}, nil
	case MsgTypeRequestPreKeys:
		return &RequestPreKeys{}, nil
	case MsgTypePreKeys:
		return &PreKeys{}, nil
	case MsgTypePreKeysLow:
		return &PreKeysLow{}, nil
	case MsgTypeOutboundMessage:
		return &OutboundMessage{}, nil
	case MsgTypeInboundMessage:
		return &InboundMessage{}, nil
	default:
		return nil, fmt.Errorf("%w: 0x%04x", ErrUnknownPayload, t)
	}
}

// IsResponse reports whether a payload type answers a request rather
// than initiating one. Responses are correlated against the pending
// map; they never allocate a new sequence number.
func IsResponse(t uint16) bool {
	switch t {
	case MsgTypeAck, MsgTypeError, MsgTypePong, MsgTypePreKeys:
		return true
	}
	return false
}

// IsOneWay reports whether a payload type expects no reply at all.
func IsOneWay(t uint16) bool {
	switch t {
	case MsgTypeAuthChallenge, MsgTypePreKeysLow:
		return true
	}
	return false
}

// EncodeLogin serializes a Login for embedding in AuthResponse. The
// signature must cover these exact bytes.
func EncodeLogin(l *Login) ([]byte, error) {
	if err := l.Address.Validate(); err != nil {
		return nil, err
	}
	return cbor.Marshal(l)
}

// DecodeLogin parses the Login embedded in an AuthResponse.
func DecodeLogin(data []byte) (*Login, error) {
	l := &Login{}
	if err := cbor.Unmarshal(data, l); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if err := l.Address.Validate(); err != nil {
		return nil, err
	}
	return l, nil
}

// EncodeOutboundMessage serializes an OutboundMessage standalone, for
// persisting queued forwards outside an envelope.
func EncodeOutboundMessage(p *OutboundMessage) ([]byte, error) {
	if err := p.validate(); err != nil {
		return nil, err
	}
	return cbor.Marshal(p)
}

// DecodeOutboundMessage parses a message persisted with
// EncodeOutboundMessage.
func DecodeOutboundMessage(data []byte) (*OutboundMessage, error) {
	p := &OutboundMessage{}
	if err := cbor.Unmarshal(data, p); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if err := p.validate(); err != nil {
		return nil, err
	}
	return p, nil
}
