package websocket

import (
	"encoding/binary"
	"fmt"
)

// Opcode is the RFC 6455 frame opcode.
type Opcode byte

// Opcodes.
const (
	OpcodeContinuation Opcode = 0x0
	OpcodeText         Opcode = 0x1
	OpcodeBinary       Opcode = 0x2
	OpcodeClose        Opcode = 0x8
	OpcodePing         Opcode = 0x9
	OpcodePong         Opcode = 0xA
)

// IsControl reports whether the opcode is a control opcode.
func (o Opcode) IsControl() bool {
	return o&0x8 != 0
}

func (o Opcode) valid() bool {
	switch o {
	case OpcodeContinuation, OpcodeText, OpcodeBinary, OpcodeClose, OpcodePing, OpcodePong:
		return true
	}
	return false
}

// String returns the opcode name.
func (o Opcode) String() string {
	switch o {
	case OpcodeContinuation:
		return "CONTINUATION"
	case OpcodeText:
		return "TEXT"
	case OpcodeBinary:
		return "BINARY"
	case OpcodeClose:
		return "CLOSE"
	case OpcodePing:
		return "PING"
	case OpcodePong:
		return "PONG"
	default:
		return fmt.Sprintf("OPCODE(0x%x)", byte(o))
	}
}

const (
	finBit   = 0x80
	rsvBits  = 0x70
	maskBit  = 0x80
	len7Mask = 0x7F

	len16Marker = 126
	len64Marker = 127

	// MaxControlPayload is the RFC 6455 limit for control frame payloads.
	MaxControlPayload = 125

	// MaxHeaderLen is the longest possible frame header: 2 fixed bytes,
	// 8 extended length bytes and a 4 byte mask key.
	MaxHeaderLen = 14
)

// AppendFrameHeader appends a frame header to b. A nil maskKey writes an
// unmasked header.
func AppendFrameHeader(b []byte, op Opcode, fin bool, length uint64, maskKey *[4]byte) []byte {
	b0 := byte(op) & 0x0F
	if fin {
		b0 |= finBit
	}
	var b1 byte
	if maskKey != nil {
		b1 = maskBit
	}

	switch {
	case length <= MaxControlPayload:
		b = append(b, b0, b1|byte(length))
	case length <= 0xFFFF:
		b = append(b, b0, b1|len16Marker)
		b = binary.BigEndian.AppendUint16(b, uint16(length))
	default:
		b = append(b, b0, b1|len64Marker)
		b = binary.BigEndian.AppendUint64(b, length)
	}

	if maskKey != nil {
		b = append(b, maskKey[:]...)
	}
	return b
}

// Mask XORs p in place with key, starting at payload position offset. Masking
// a payload in consecutive chunks with the matching offsets equals masking it
// at once; masking twice restores the input.
func Mask(p []byte, key [4]byte, offset uint64) {
	k := int(offset & 3)
	for i := range p {
		p[i] ^= key[k]
		k = (k + 1) & 3
	}
}

// frameHeader is a parsed frame header.
type frameHeader struct {
	fin     bool
	opcode  Opcode
	masked  bool
	maskKey [4]byte
	length  uint64
}

// headerReader accumulates a frame header across partial reads.
type headerReader struct {
	buf [MaxHeaderLen]byte
	n   int
}

// want returns the header size known so far: 2 until the second byte is in,
// then the full size.
func (h *headerReader) want() int {
	if h.n < 2 {
		return 2
	}
	size := 2
	switch h.buf[1] & len7Mask {
	case len16Marker:
		size += 2
	case len64Marker:
		size += 8
	}
	if h.buf[1]&maskBit != 0 {
		size += 4
	}
	return size
}

// missing returns the slice the next read should fill.
func (h *headerReader) missing() []byte {
	return h.buf[h.n:h.want()]
}

func (h *headerReader) complete() bool {
	return h.n >= 2 && h.n == h.want()
}

func (h *headerReader) partial() bool {
	return h.n > 0
}

func (h *headerReader) reset() {
	h.n = 0
}

// parse decodes a complete header.
func (h *headerReader) parse() (frameHeader, error) {
	b := h.buf[:h.n]
	hdr := frameHeader{
		fin:    b[0]&finBit != 0,
		opcode: Opcode(b[0] & 0x0F),
		masked: b[1]&maskBit != 0,
	}

	if b[0]&rsvBits != 0 {
		return hdr, fmt.Errorf("%w: reserved bits set (0x%02x)", ErrProtocol, b[0]&rsvBits)
	}
	if !hdr.opcode.valid() {
		return hdr, fmt.Errorf("%w: unknown opcode 0x%x", ErrProtocol, byte(hdr.opcode))
	}
	if hdr.opcode.IsControl() && !hdr.fin {
		return hdr, fmt.Errorf("%w: fragmented %s frame", ErrProtocol, hdr.opcode)
	}

	pos := 2
	switch l := b[1] & len7Mask; l {
	case len16Marker:
		hdr.length = uint64(binary.BigEndian.Uint16(b[pos:]))
		pos += 2
	case len64Marker:
		hdr.length = binary.BigEndian.Uint64(b[pos:])
		if hdr.length>>63 != 0 {
			return hdr, fmt.Errorf("%w: payload length has the most significant bit set", ErrProtocol)
		}
		pos += 8
	default:
		hdr.length = uint64(l)
	}

	if hdr.masked {
		copy(hdr.maskKey[:], b[pos:pos+4])
	}
	return hdr, nil
}
