package websocket

import (
	"errors"
	"net"
	"sync"
	"time"

	"github.com/luma/beacon/buffer"
	"github.com/luma/beacon/stream"
)

const DefaultMaxPayloadLength = 16 << 20

type CodecOptions struct {
	// MaxPayloadLength bounds a single frame's payload.
	MaxPayloadLength uint64

	// RequireMask rejects unmasked frames. Servers set it.
	RequireMask bool

	// BufferSize sizes the receive buffer when none is handed over.
	BufferSize int
}

// Codec reads and writes frames on a connection.
//
// Frame headers are accumulated in an internal buffer and parsed again each
// time more bytes arrive; payloads are read straight into the frame's
// buffer. A RecvFrame that fails with a ConnectionError can be retried with
// the same Frame and continues the same frame.
type Codec struct {
	nc          net.Conn
	buf         *buffer.Buffer
	maxPayload  uint64
	requireMask bool

	wmu sync.Mutex

	header      Header
	haveHeader  bool
	payloadFrom int
	payloadHave uint64
}

// NewCodec wraps nc. buf may carry bytes already read from nc, such as those
// following a handshake request; nil allocates a fresh buffer.
func NewCodec(nc net.Conn, buf *buffer.Buffer, opts CodecOptions) *Codec {
	maxPayload := opts.MaxPayloadLength
	if maxPayload == 0 {
		maxPayload = DefaultMaxPayloadLength
	}

	if buf == nil {
		size := opts.BufferSize
		if size < MaxHeaderSize {
			size = stream.DefaultBufferSize
		}
		buf = buffer.New(size)
	}

	return &Codec{
		nc:          nc,
		buf:         buf,
		maxPayload:  maxPayload,
		requireMask: opts.RequireMask,
	}
}

// RecvFrame reads the next frame into f, reusing f.Payload when set. The
// payload is unmasked in place.
func (c *Codec) RecvFrame(f *Frame, timeout time.Duration) error {
	unlock, err := c.buf.Lock()
	if err != nil {
		return err
	}
	defer unlock()

	if err := c.nc.SetReadDeadline(deadline(timeout)); err != nil {
		return &stream.ConnectionError{Op: "recv", Err: err}
	}

	if !c.haveHeader {
		if err := c.recvHeader(); err != nil {
			return err
		}

		if f.Payload == nil {
			f.Payload = buffer.New(int(c.header.Length))
		}
		if err := f.Payload.Grow(int(c.header.Length)); err != nil {
			return err
		}

		c.haveHeader = true
		c.payloadFrom = f.Payload.Len()
		c.payloadHave = 0

		if buffered := c.buf.Len(); buffered > 0 {
			n := c.header.Length
			if uint64(buffered) < n {
				n = uint64(buffered)
			}

			f.Payload.Write(c.buf.Bytes()[:n])
			c.buf.Consume(int(n))
			c.payloadHave = n
		}
	}

	for c.payloadHave < c.header.Length {
		remaining := c.header.Length - c.payloadHave
		if f.Payload.Writable() < int(remaining) {
			if err := f.Payload.Grow(int(remaining)); err != nil {
				return err
			}
		}

		n, err := f.Payload.ReadAtMost(c.nc, int(remaining))
		c.payloadHave += uint64(n)

		if n == 0 && err != nil {
			return &stream.ConnectionError{Op: "recv", Err: err}
		}
	}

	f.Header = c.header
	if f.Masked {
		Mask(f.Payload.Bytes()[c.payloadFrom:], f.Mask, 0)
	}

	c.haveHeader = false

	return nil
}

func (c *Codec) recvHeader() error {
	for {
		h, n, err := ParseHeader(c.buf.Bytes())
		if err == nil {
			if c.requireMask && !h.Masked {
				return &stream.ProtocolError{Reason: "unmasked frame", Err: ErrUnmaskedFrame}
			}
			if h.Length > c.maxPayload {
				return stream.ErrMessageTooLarge
			}

			c.buf.Consume(n)
			c.header = h

			return nil
		}

		if !errors.Is(err, ErrShortHeader) {
			return &stream.ProtocolError{Reason: "malformed frame header", Err: err}
		}

		if c.buf.Writable() == 0 {
			if err := c.buf.Grow(MaxHeaderSize); err != nil {
				return err
			}
		}

		n, err = c.buf.ReadFrom(c.nc)
		if n == 0 && err != nil {
			return &stream.ConnectionError{Op: "recv", Err: err}
		}
	}
}

// SendFrame writes f as one scattered write. Length is taken from the
// payload, and a masked frame is masked on a copy so f stays intact.
func (c *Codec) SendFrame(f *Frame, timeout time.Duration) error {
	payload := f.Data()

	h := f.Header
	h.Length = uint64(len(payload))

	if h.Opcode.IsControl() && (!h.Fin || h.Length > MaxControlPayload) {
		return ErrInvalidControlFrame
	}

	if h.Masked {
		masked := make([]byte, len(payload))
		copy(masked, payload)
		Mask(masked, h.Mask, 0)
		payload = masked
	}

	header := AppendHeader(make([]byte, 0, MaxHeaderSize), h)

	c.wmu.Lock()
	defer c.wmu.Unlock()

	if err := c.nc.SetWriteDeadline(deadline(timeout)); err != nil {
		return &stream.ConnectionError{Op: "send", Err: err}
	}

	vec := net.Buffers{header, payload}
	if _, err := vec.WriteTo(c.nc); err != nil {
		return &stream.ConnectionError{Op: "send", Err: err}
	}

	return nil
}

// Buffered returns the number of received bytes not yet consumed by a frame.
func (c *Codec) Buffered() int { return c.buf.Len() }

func deadline(timeout time.Duration) time.Time {
	if timeout <= 0 {
		return time.Time{}
	}

	return time.Now().Add(timeout)
}
