// Package stream reconstructs discrete messages from a duplex byte stream.
//
// Two framings are provided. Delimiter terminates every message with a
// delimiter (`\r\n` by default) and Length prefixes every message with its
// size. Both receive into a caller supplied buffer.Buffer, bound the memory a
// single message may take, and survive partial reads and timeouts: when a
// receive fails with a ConnectionError the bytes already read stay with the
// stream and the next receive continues the same message.
package stream

import (
	"net"
	"sync"
	"time"

	"github.com/luma/beacon/buffer"
)

// Infinite disables the deadline of a single call.
const Infinite time.Duration = -1

const (
	DefaultMaxMessageLength = 1 << 20
	DefaultBufferSize       = 8192
)

// MessageStream is what the line protocol is served over. Both Delimiter and
// Length implement it.
type MessageStream interface {
	RecvMessage(out *buffer.Buffer, timeout time.Duration) (int, error)
	SendMessage(p []byte, timeout time.Duration) error
	Conn() net.Conn
	Close() error
}

type conn struct {
	nc  net.Conn
	wmu sync.Mutex
}

func (c *conn) Conn() net.Conn { return c.nc }

func (c *conn) Close() error { return c.nc.Close() }

func (c *conn) readDeadline(timeout time.Duration) error {
	return c.nc.SetReadDeadline(deadline(timeout))
}

func (c *conn) writev(timeout time.Duration, bufs ...[]byte) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()

	if err := c.nc.SetWriteDeadline(deadline(timeout)); err != nil {
		return connError("send", err)
	}

	vec := net.Buffers(bufs)
	if _, err := vec.WriteTo(c.nc); err != nil {
		return connError("send", err)
	}

	return nil
}

// fill does a single read into buf. Bytes returned together with an error
// are kept; the error is reported by the next read.
func (c *conn) fill(buf *buffer.Buffer, max int) error {
	n, err := buf.ReadAtMost(c.nc, max)
	if n == 0 && err != nil {
		return connError("recv", err)
	}

	return nil
}

func deadline(timeout time.Duration) time.Time {
	if timeout <= 0 {
		return time.Time{}
	}

	return time.Now().Add(timeout)
}
