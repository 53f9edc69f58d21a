package protocol

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"reflect"
	"testing"
)

func testUserID(t *testing.T) []byte {
	t.Helper()
	pub, _, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	userID := make([]byte, UserIDSize)
	userID[0] = KeyTypeEd25519
	copy(userID[1:], pub)
	return userID
}

// TestEnvelopeRoundTrip covers every payload variant the codec knows.
func TestEnvelopeRoundTrip(t *testing.T) {
	userID := testUserID(t)

	tests := []struct {
		name    string
		payload Payload
	}{
		{"ack", &Ack{}},
		{"error", &Error{Name: ErrorNameUnknownUser, Description: "no such user"}},
		{"ping", &Ping{}},
		{"pong", &Pong{}},
		{"auth challenge", &AuthChallenge{Nonce: bytes.Repeat([]byte{0xAB}, 32)}},
		{"auth response", &AuthResponse{
			Login:     []byte("serialized login"),
			Signature: bytes.Repeat([]byte{0xEE}, 64),
		}},
		{"register", &Register{
			RegistrationID: 42,
			SignedPreKey:   bytes.Repeat([]byte{1}, 96),
			OneTimePreKeys: [][]byte{bytes.Repeat([]byte{2}, 32), bytes.Repeat([]byte{3}, 32)},
		}},
		{"unregister", &Unregister{}},
		{"request prekeys", &RequestPreKeys{
			UserID:         userID,
			KnownDeviceIDs: []uint32{1, 3},
		}},
		{"prekeys", &PreKeys{PreKeys: []PreKey{{
			Address:        Address{UserID: userID, DeviceID: 1},
			RegistrationID: 7,
			SignedPreKey:   bytes.Repeat([]byte{4}, 96),
			OneTimePreKey:  bytes.Repeat([]byte{5}, 32),
		}}}},
		{"prekeys low", &PreKeysLow{KeysRequested: 90}},
		{"outbound message", &OutboundMessage{
			To:                        Address{UserID: userID, DeviceID: 2},
			UnidentifiedSenderMessage: []byte("sealed"),
		}},
		{"inbound message", &InboundMessage{Message: []byte("delivered")}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := &Envelope{Sequence: 17, Payload: tt.payload}
			data, err := env.Encode()
			if err != nil {
				t.Fatalf("Encode() error = %v", err)
			}

			decoded, err := Decode(data)
			if err != nil {
				t.Fatalf("Decode() error = %v", err)
			}
			if decoded.Sequence != 17 {
				t.Errorf("Sequence = %d, want 17", decoded.Sequence)
			}
			if !reflect.DeepEqual(decoded.Payload, tt.payload) {
				t.Errorf("payload = %+v, want %+v", decoded.Payload, tt.payload)
			}
		})
	}
}

func TestEnvelopeRoundTripFields(t *testing.T) {
	userID := testUserID(t)
	env := &Envelope{
		Sequence: 3,
		Payload: &OutboundMessage{
			To:                        Address{UserID: userID, DeviceID: 9},
			UnidentifiedSenderMessage: []byte("opaque ciphertext"),
		},
	}

	data, err := env.Encode()
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	decoded, err := Decode(data)
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}

	msg, ok := decoded.Payload.(*OutboundMessage)
	if !ok {
		t.Fatalf("payload type = %T, want *OutboundMessage", decoded.Payload)
	}
	if !msg.To.Equal(Address{UserID: userID, DeviceID: 9}) {
		t.Errorf("To = %v, want original address", msg.To)
	}
	if !bytes.Equal(msg.UnidentifiedSenderMessage, []byte("opaque ciphertext")) {
		t.Errorf("message bytes changed in round trip")
	}
}

func TestDecodeRejectsMalformed(t *testing.T) {
	userID := testUserID(t)
	valid, err := (&Envelope{Sequence: 1, Payload: &OutboundMessage{
		To:                        Address{UserID: userID, DeviceID: 1},
		UnidentifiedSenderMessage: []byte("x"),
	}}).Encode()
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name    string
		data    []byte
		wantErr error
	}{
		{"empty", nil, ErrTruncated},
		{"header only prefix", valid[:HeaderSize-2], ErrTruncated},
		{"truncated body", valid[:len(valid)-1], ErrTruncated},
		{"bad magic", append([]byte{0, 0, 0, 0}, valid[4:]...), ErrInvalidMagic},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Decode(tt.data); !errors.Is(err, tt.wantErr) {
				t.Errorf("Decode() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestDecodeRejectsUnknownType(t *testing.T) {
	h := Header{Magic: ProtocolMagic, Version: ProtocolVersion, Type: 0x7777, Sequence: 1, Length: 0}
	if _, err := Decode(h.Encode()); !errors.Is(err, ErrUnknownPayload) {
		t.Errorf("Decode() error = %v, want %v", err, ErrUnknownPayload)
	}
}

func TestDecodeRejectsInvalidAddress(t *testing.T) {
	env := &Envelope{Sequence: 1, Payload: &RequestPreKeys{UserID: []byte("short")}}
	if _, err := env.Encode(); !errors.Is(err, ErrInvalidAddress) {
		t.Errorf("Encode() error = %v, want %v", err, ErrInvalidAddress)
	}

	raw, err := (&Envelope{Sequence: 1, Payload: &RequestPreKeys{UserID: testUserID(t)}}).Encode()
	if err != nil {
		t.Fatal(err)
	}
	if _, err := Decode(raw); err != nil {
		t.Errorf("Decode(valid) error = %v", err)
	}
}

func TestPayloadClassification(t *testing.T) {
	responses := []uint16{MsgTypeAck, MsgTypeError, MsgTypePong, MsgTypePreKeys}
	oneWay := []uint16{MsgTypeAuthChallenge, MsgTypePreKeysLow}
	requests := []uint16{
		MsgTypePing, MsgTypeAuthResponse, MsgTypeRegister, MsgTypeUnregister,
		MsgTypeRequestPreKeys, MsgTypeOutboundMessage, MsgTypeInboundMessage,
	}

	for _, typ := range responses {
		if !IsResponse(typ) || IsOneWay(typ) {
			t.Errorf("0x%04x should classify as response", typ)
		}
	}
	for _, typ := range oneWay {
		if !IsOneWay(typ) || IsResponse(typ) {
			t.Errorf("0x%04x should classify as one-way", typ)
		}
	}
	for _, typ := range requests {
		if IsResponse(typ) || IsOneWay(typ) {
			t.Errorf("0x%04x should classify as request", typ)
		}
	}
}

func TestLoginRoundTrip(t *testing.T) {
	userID := testUserID(t)
	login := &Login{
		Address: Address{UserID: userID, DeviceID: 4},
		Nonce:   bytes.Repeat([]byte{0xCC}, 32),
	}

	data, err := EncodeLogin(login)
	if err != nil {
		t.Fatalf("EncodeLogin() error = %v", err)
	}
	decoded, err := DecodeLogin(data)
	if err != nil {
		t.Fatalf("DecodeLogin() error = %v", err)
	}
	if !decoded.Address.Equal(login.Address) {
		t.Errorf("Address = %v, want %v", decoded.Address, login.Address)
	}
	if !bytes.Equal(decoded.Nonce, login.Nonce) {
		t.Errorf("Nonce changed in round trip")
	}

	if _, err := DecodeLogin([]byte("not cbor at all")); err == nil {
		t.Error("DecodeLogin(garbage) should fail")
	}
}

func TestOutboundMessagePersistence(t *testing.T) {
	userID := testUserID(t)
	msg := &OutboundMessage{
		To:                        Address{UserID: userID, DeviceID: 1},
		UnidentifiedSenderMessage: []byte("queued for later"),
	}

	data, err := EncodeOutboundMessage(msg)
	if err != nil {
		t.Fatalf("EncodeOutboundMessage() error = %v", err)
	}
	decoded, err := DecodeOutboundMessage(data)
	if err != nil {
		t.Fatalf("DecodeOutboundMessage() error = %v", err)
	}
	if !decoded.To.Equal(msg.To) || !bytes.Equal(decoded.UnidentifiedSenderMessage, msg.UnidentifiedSenderMessage) {
		t.Errorf("persisted message changed in round trip")
	}
}

func TestAddressValidate(t *testing.T) {
	userID := testUserID(t)

	tests := []struct {
		name    string
		addr    Address
		wantErr bool
	}{
		{"valid", Address{UserID: userID, DeviceID: 1}, false},
		{"short user id", Address{UserID: userID[:16], DeviceID: 1}, true},
		{"unknown key type", Address{UserID: append([]byte{0xFF}, userID[1:]...), DeviceID: 1}, true},
		{"empty", Address{}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.addr.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
