package protocol

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Header is the fixed-size prefix of every envelope.
//
// Layout (big-endian):
//
//	[magic (4)][version (2)][type (2)][sequence (4)][length (4)]
type Header struct {
	Magic    uint32 // Magic number (0x5645494C)
	Version  uint16 // Protocol version
	Type     uint16 // Payload type
	Sequence uint32 // Per-connection, per-direction counter
	Length   uint32 // Payload length
}

// Encode encodes the header to bytes.
func (h *Header) Encode() []byte {
	buf := make([]byte, HeaderSize)

	binary.BigEndian.PutUint32(buf[0:4], h.Magic)
	binary.BigEndian.PutUint16(buf[4:6], h.Version)
	binary.BigEndian.PutUint16(buf[6:8], h.Type)
	binary.BigEndian.PutUint32(buf[8:12], h.Sequence)
	binary.BigEndian.PutUint32(buf[12:16], h.Length)

	return buf
}

// Decode decodes the header from bytes.
func (h *Header) Decode(buf []byte) error {
	if len(buf) < HeaderSize {
		return ErrTruncated
	}

	h.Magic = binary.BigEndian.Uint32(buf[0:4])
	h.Version = binary.BigEndian.Uint16(buf[4:6])
	h.Type = binary.BigEndian.Uint16(buf[6:8])
	h.Sequence = binary.BigEndian.Uint32(buf[8:12])
	h.Length = binary.BigEndian.Uint32(buf[12:16])

	return nil
}

// Validate validates the header.
func (h *Header) Validate() error {
	if h.Magic != ProtocolMagic {
		return fmt.Errorf("%w: 0x%08x", ErrInvalidMagic, h.Magic)
	}
	if h.Version != ProtocolVersion {
		return fmt.Errorf("%w: 0x%04x", ErrInvalidVersion, h.Version)
	}
	if h.Length > MaxPayloadSize {
		return fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge, h.Length)
	}
	return nil
}

// ReadHeader reads and validates a header from an io.Reader.
func ReadHeader(r io.Reader) (*Header, error) {
	buf := make([]byte, HeaderSize)

	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}

	header := &Header{}
	if err := header.Decode(buf); err != nil {
		return nil, err
	}

	if err := header.Validate(); err != nil {
		return nil, err
	}

	return header, nil
}
