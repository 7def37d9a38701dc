// Package websocket implements a pure RFC 6455 frame codec plus the handshake
// helpers needed to complete a WebSocket upgrade over HTTP/3. The codec
// operates on byte buffers only; it has no transport dependencies.
package websocket

import (
	"encoding/binary"
)

// Opcode identifies the frame type per RFC 6455 section 5.2.
type Opcode byte

const (
	OpcodeContinuation Opcode = 0x0
	OpcodeText         Opcode = 0x1
	OpcodeBinary       Opcode = 0x2
	OpcodeClose        Opcode = 0x8
	OpcodePing         Opcode = 0x9
	OpcodePong         Opcode = 0xA
)

// IsControl reports whether the opcode is a control frame. Control frames
// carry at most 125 payload bytes and may not be fragmented.
func (op Opcode) IsControl() bool {
	return op >= OpcodeClose
}

func (op Opcode) String() string {
	switch op {
	case OpcodeContinuation:
		return "continuation"
	case OpcodeText:
		return "text"
	case OpcodeBinary:
		return "binary"
	case OpcodeClose:
		return "close"
	case OpcodePing:
		return "ping"
	case OpcodePong:
		return "pong"
	default:
		return "reserved"
	}
}

const maxControlPayload = 125

// Frame is one WebSocket frame. MaskKey is only meaningful when Masked is
// set; server-originated frames are sent unmasked.
type Frame struct {
	Fin     bool
	Opcode  Opcode
	Masked  bool
	MaskKey [4]byte
	Payload []byte
}

// Encode produces the canonical byte sequence for the frame. When Masked is
// set the payload bytes are XORed with MaskKey; the input slice is not
// modified. Control-frame payloads are truncated to 125 bytes.
func (f *Frame) Encode() []byte {
	payload := f.Payload
	if f.Opcode.IsControl() && len(payload) > maxControlPayload {
		payload = payload[:maxControlPayload]
	}

	b0 := byte(f.Opcode) & 0x0F
	if f.Fin {
		b0 |= 0x80
	}
	var b1 byte
	if f.Masked {
		b1 = 0x80
	}

	var header []byte
	switch n := len(payload); {
	case n < 126:
		header = []byte{b0, b1 | byte(n)}
	case n <= 0xFFFF:
		header = make([]byte, 4)
		header[0], header[1] = b0, b1|126
		binary.BigEndian.PutUint16(header[2:], uint16(n))
	default:
		header = make([]byte, 10)
		header[0], header[1] = b0, b1|127
		binary.BigEndian.PutUint64(header[2:], uint64(n))
	}

	out := make([]byte, 0, len(header)+4+len(payload))
	out = append(out, header...)
	if f.Masked {
		out = append(out, f.MaskKey[:]...)
		for i, b := range payload {
			out = append(out, b^f.MaskKey[i%4])
		}
		return out
	}
	return append(out, payload...)
}

// Parse decodes the first frame in buf. It returns (nil, 0, nil) when buf
// holds only a partial frame; callers should read more bytes and retry. The
// payload is unmasked when the mask bit is set. Parse never panics on
// truncated input.
func Parse(buf []byte) (*Frame, int, error) {
	if len(buf) < 2 {
		return nil, 0, nil
	}

	f := &Frame{
		Fin:    buf[0]&0x80 != 0,
		Opcode: Opcode(buf[0] & 0x0F),
		Masked: buf[1]&0x80 != 0,
	}
	off := 2

	length := uint64(buf[1] & 0x7F)
	switch length {
	case 126:
		if len(buf) < off+2 {
			return nil, 0, nil
		}
		length = uint64(binary.BigEndian.Uint16(buf[off:]))
		off += 2
	case 127:
		if len(buf) < off+8 {
			return nil, 0, nil
		}
		length = binary.BigEndian.Uint64(buf[off:])
		off += 8
	}

	if f.Masked {
		if len(buf) < off+4 {
			return nil, 0, nil
		}
		copy(f.MaskKey[:], buf[off:])
		off += 4
	}

	if uint64(len(buf)-off) < length {
		return nil, 0, nil
	}

	f.Payload = make([]byte, length)
	copy(f.Payload, buf[off:off+int(length)])
	off += int(length)

	if f.Masked {
		for i := range f.Payload {
			f.Payload[i] ^= f.MaskKey[i%4]
		}
	}
	return f, off, nil
}

// CloseFrame builds an unmasked Close frame whose payload carries the
// big-endian status code followed by the UTF-8 reason.
func CloseFrame(code uint16, reason string) *Frame {
	payload := make([]byte, 2+len(reason))
	binary.BigEndian.PutUint16(payload, code)
	copy(payload[2:], reason)
	if len(payload) > maxControlPayload {
		payload = payload[:maxControlPayload]
	}
	return &Frame{Fin: true, Opcode: OpcodeClose, Payload: payload}
}

// ParseClose splits a Close payload into its status code and reason. An
// empty payload means 1000 with no reason.
func ParseClose(payload []byte) (uint16, string) {
	if len(payload) < 2 {
		return 1000, ""
	}
	return binary.BigEndian.Uint16(payload), string(payload[2:])
}
