package websocket

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAppendFrameHeader(t *testing.T) {
	key := [4]byte{1, 2, 3, 4}
	tests := []struct {
		name   string
		op     Opcode
		fin    bool
		length uint64
		key    *[4]byte
		want   []byte
	}{
		{"empty binary", OpcodeBinary, true, 0, nil, []byte{0x82, 0x00}},
		{"7-bit max", OpcodeText, true, 125, nil, []byte{0x81, 0x7D}},
		{"16-bit min", OpcodeBinary, true, 126, nil, []byte{0x82, 0x7E, 0x00, 0x7E}},
		{"16-bit max", OpcodeBinary, true, 65535, nil, []byte{0x82, 0x7E, 0xFF, 0xFF}},
		{"64-bit min", OpcodeBinary, true, 65536, nil, []byte{0x82, 0x7F, 0, 0, 0, 0, 0, 1, 0, 0}},
		{"continuation without fin", OpcodeContinuation, false, 3, nil, []byte{0x00, 0x03}},
		{"masked ping", OpcodePing, true, 0, &key, []byte{0x89, 0x80, 1, 2, 3, 4}},
		{"masked 16-bit", OpcodeBinary, true, 300, &key, []byte{0x82, 0xFE, 0x01, 0x2C, 1, 2, 3, 4}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := AppendFrameHeader(nil, tt.op, tt.fin, tt.length, tt.key)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestMask(t *testing.T) {
	key := [4]byte{0x37, 0xfa, 0x21, 0x3d}
	payload := []byte("Hello, chunked masking across frame reads")

	whole := bytes.Clone(payload)
	Mask(whole, key, 0)
	assert.NotEqual(t, payload, whole)

	t.Run("chunks with offsets match a single pass", func(t *testing.T) {
		for _, size := range []int{1, 3, 5, 7} {
			chunked := bytes.Clone(payload)
			for off := 0; off < len(chunked); off += size {
				end := min(off+size, len(chunked))
				Mask(chunked[off:end], key, uint64(off))
			}
			assert.Equal(t, whole, chunked, "chunk size %d", size)
		}
	})

	t.Run("masking twice restores the input", func(t *testing.T) {
		again := bytes.Clone(whole)
		Mask(again, key, 0)
		assert.Equal(t, payload, again)
	})

	t.Run("RFC 6455 example", func(t *testing.T) {
		p := []byte{0x7f, 0x9f, 0x4d, 0x51, 0x58}
		Mask(p, key, 0)
		assert.Equal(t, "Hello", string(p))
	})
}

func parseHeader(t *testing.T, b []byte) (frameHeader, error) {
	t.Helper()
	var h headerReader
	for !h.complete() {
		m := h.missing()
		require.LessOrEqual(t, h.n+len(m), len(b), "header needs more bytes")
		h.n += copy(m, b[h.n:])
	}
	return h.parse()
}

func TestHeaderReaderParse(t *testing.T) {
	key := [4]byte{9, 8, 7, 6}
	b := AppendFrameHeader(nil, OpcodeText, false, 70000, &key)

	var h headerReader
	assert.Equal(t, 2, h.want())
	h.n = copy(h.buf[:], b[:2])
	assert.Equal(t, MaxHeaderLen, h.want())
	assert.False(t, h.complete())
	assert.True(t, h.partial())

	hdr, err := parseHeader(t, b)
	require.NoError(t, err)
	assert.False(t, hdr.fin)
	assert.Equal(t, OpcodeText, hdr.opcode)
	assert.True(t, hdr.masked)
	assert.Equal(t, key, hdr.maskKey)
	assert.Equal(t, uint64(70000), hdr.length)
}

func TestHeaderReaderErrors(t *testing.T) {
	tests := []struct {
		name   string
		header []byte
	}{
		{"reserved bit", []byte{0x82 | 0x40, 0x00}},
		{"unknown opcode", []byte{0x83, 0x00}},
		{"fragmented ping", []byte{0x09, 0x00}},
		{"fragmented close", []byte{0x08, 0x00}},
		{"64-bit length with MSB", []byte{0x82, 0x7F, 0x80, 0, 0, 0, 0, 0, 0, 0}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := parseHeader(t, tt.header)
			assert.ErrorIs(t, err, ErrProtocol)
		})
	}
}

func TestHeaderReaderLargestLength(t *testing.T) {
	hdr, err := parseHeader(t, []byte{0x82, 0x7F, 0x7F, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF})
	require.NoError(t, err)
	assert.Equal(t, uint64(1<<63-1), hdr.length)
}

func TestOpcodeString(t *testing.T) {
	assert.Equal(t, "PING", OpcodePing.String())
	assert.Equal(t, "OPCODE(0x3)", Opcode(3).String())
	assert.True(t, OpcodeClose.IsControl())
	assert.False(t, OpcodeBinary.IsControl())
}
