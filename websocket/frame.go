// Package websocket implements the RFC 6455 frame format and handshake key
// derivation, plus a Codec that receives frames incrementally from a
// connection.
package websocket

import (
	"encoding/binary"
	"errors"
	"unicode/utf8"

	"github.com/luma/beacon/buffer"
)

var (
	ErrShortHeader         = errors.New("not enough bytes for a frame header")
	ErrInvalidOpcode       = errors.New("invalid opcode")
	ErrReservedBits        = errors.New("reserved bits set without a negotiated extension")
	ErrInvalidControlFrame = errors.New("control frames must be final and carry at most 125 bytes")
	ErrInvalidLength       = errors.New("payload length has the most significant bit set")
	ErrUnmaskedFrame       = errors.New("client frames must be masked")
	ErrInvalidClosePayload = errors.New("invalid close frame payload")
)

type Opcode uint8

const (
	OpContinuation Opcode = 0x0
	OpText         Opcode = 0x1
	OpBinary       Opcode = 0x2
	OpClose        Opcode = 0x8
	OpPing         Opcode = 0x9
	OpPong         Opcode = 0xA
)

func (op Opcode) IsControl() bool { return op&0x8 != 0 }

func (op Opcode) valid() bool {
	switch op {
	case OpContinuation, OpText, OpBinary, OpClose, OpPing, OpPong:
		return true
	}

	return false
}

func (op Opcode) String() string {
	switch op {
	case OpContinuation:
		return "continuation"
	case OpText:
		return "text"
	case OpBinary:
		return "binary"
	case OpClose:
		return "close"
	case OpPing:
		return "ping"
	case OpPong:
		return "pong"
	default:
		return "reserved"
	}
}

const (
	CloseNormalClosure   uint16 = 1000
	CloseGoingAway       uint16 = 1001
	CloseProtocolError   uint16 = 1002
	CloseUnsupportedData uint16 = 1003
	CloseNoStatus        uint16 = 1005
	CloseInvalidPayload  uint16 = 1007
	ClosePolicyViolation uint16 = 1008
	CloseMessageTooBig   uint16 = 1009
	CloseMandatoryExt    uint16 = 1010
	CloseInternalError   uint16 = 1011
)

const (
	// MaxHeaderSize is the largest possible frame header: 2 bytes, 8 bytes of
	// extended length and a 4 byte masking key.
	MaxHeaderSize = 14

	MaxControlPayload = 125
)

// Header is a decoded frame header. Length is always held as 64 bits
// whatever width it had on the wire.
type Header struct {
	Fin    bool
	Rsv    byte
	Opcode Opcode
	Masked bool
	Mask   [4]byte
	Length uint64
}

// Frame is a header plus its payload. The payload buffer may be reused
// across frames.
type Frame struct {
	Header
	Payload *buffer.Buffer
}

func NewFrame(op Opcode, fin bool, payload []byte) *Frame {
	buf := buffer.New(len(payload))
	buf.Write(payload)

	return &Frame{
		Header:  Header{Fin: fin, Opcode: op, Length: uint64(len(payload))},
		Payload: buf,
	}
}

// Data returns the payload bytes.
func (f *Frame) Data() []byte {
	if f.Payload == nil {
		return nil
	}

	return f.Payload.Bytes()
}

// ParseHeader decodes a frame header from the start of b and returns its
// encoded size. ErrShortHeader means b does not yet hold the whole header.
func ParseHeader(b []byte) (Header, int, error) {
	var h Header

	if len(b) < 2 {
		return h, 0, ErrShortHeader
	}

	h.Fin = b[0]&0x80 != 0
	h.Rsv = (b[0] >> 4) & 0x7
	h.Opcode = Opcode(b[0] & 0x0f)
	h.Masked = b[1]&0x80 != 0

	if h.Rsv != 0 {
		return h, 0, ErrReservedBits
	}
	if !h.Opcode.valid() {
		return h, 0, ErrInvalidOpcode
	}

	n := 2
	switch length := b[1] & 0x7f; length {
	case 126:
		if len(b) < n+2 {
			return h, 0, ErrShortHeader
		}
		h.Length = uint64(binary.BigEndian.Uint16(b[n:]))
		n += 2
	case 127:
		if len(b) < n+8 {
			return h, 0, ErrShortHeader
		}
		h.Length = binary.BigEndian.Uint64(b[n:])
		if h.Length>>63 != 0 {
			return h, 0, ErrInvalidLength
		}
		n += 8
	default:
		h.Length = uint64(length)
	}

	if h.Opcode.IsControl() && (!h.Fin || h.Length > MaxControlPayload) {
		return h, 0, ErrInvalidControlFrame
	}

	if h.Masked {
		if len(b) < n+4 {
			return h, 0, ErrShortHeader
		}
		copy(h.Mask[:], b[n:n+4])
		n += 4
	}

	return h, n, nil
}

// AppendHeader encodes h onto dst using the shortest length encoding.
func AppendHeader(dst []byte, h Header) []byte {
	b0 := byte(h.Opcode&0x0f) | (h.Rsv&0x7)<<4
	if h.Fin {
		b0 |= 0x80
	}

	var b1 byte
	if h.Masked {
		b1 = 0x80
	}

	switch {
	case h.Length < 126:
		dst = append(dst, b0, b1|byte(h.Length))
	case h.Length <= 0xffff:
		dst = append(dst, b0, b1|126)
		dst = binary.BigEndian.AppendUint16(dst, uint16(h.Length))
	default:
		dst = append(dst, b0, b1|127)
		dst = binary.BigEndian.AppendUint64(dst, h.Length)
	}

	if h.Masked {
		dst = append(dst, h.Mask[:]...)
	}

	return dst
}

// Mask XORs b with key starting at key position pos, in place, and returns
// the position to continue from.
func Mask(b []byte, key [4]byte, pos int) int {
	for i := range b {
		b[i] ^= key[(pos+i)&3]
	}

	return (pos + len(b)) & 3
}

// ClosePayload builds the body of a close frame.
func ClosePayload(code uint16, reason string) []byte {
	if code == 0 || code == CloseNoStatus {
		return nil
	}

	b := make([]byte, 2, 2+len(reason))
	binary.BigEndian.PutUint16(b, code)

	return append(b, reason...)
}

// ParseClosePayload splits a close frame body. An empty body yields
// CloseNoStatus.
func ParseClosePayload(p []byte) (uint16, string, error) {
	switch {
	case len(p) == 0:
		return CloseNoStatus, "", nil
	case len(p) == 1:
		return 0, "", ErrInvalidClosePayload
	}

	code := binary.BigEndian.Uint16(p)
	if !validCloseCode(code) || !utf8.Valid(p[2:]) {
		return 0, "", ErrInvalidClosePayload
	}

	return code, string(p[2:]), nil
}

func validCloseCode(code uint16) bool {
	switch {
	case code >= 3000 && code <= 4999:
		return true
	case code >= CloseNormalClosure && code <= CloseInternalError:
		return code != 1004 && code != CloseNoStatus && code != 1006
	}

	return false
}
