// Package web serves HTTP/1.1 and, after an upgrade, WebSocket on a single
// connection.
//
// A Conn moves through
//
//	awaiting request -> processing -> awaiting request | upgraded | closed
//
// RecvHTTPRequest is called once per request until keep-alive is off or the
// connection is upgraded. Upgrading is one-way: from then on only RecvFrame
// and SendFrame are valid.
package web

import (
	"errors"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/luma/beacon/buffer"
	"github.com/luma/beacon/internal/httpparse"
	"github.com/luma/beacon/stream"
	"github.com/luma/beacon/websocket"
)

var (
	ErrUpgraded      = errors.New("connection has been upgraded to websocket")
	ErrNotUpgraded   = errors.New("connection has not been upgraded to websocket")
	ErrKeepAliveDone = errors.New("connection is not kept alive for another request")
	ErrClosed        = errors.New("connection is closed")
)

const (
	DefaultMaxHeaderLength  = 8192
	DefaultMaxContentLength = 8 << 20
	DefaultBufferSize       = 4096
)

type Protocol uint32

const (
	ProtocolHTTP Protocol = iota
	ProtocolWebSocket
)

func (p Protocol) String() string {
	if p == ProtocolWebSocket {
		return "websocket"
	}

	return "http"
}

// KeepAlive is tri-state: until a request or the application decides, the
// Connection header is left out of responses.
type KeepAlive uint8

const (
	KeepAliveUnspecified KeepAlive = iota
	KeepAliveTrue
	KeepAliveFalse
)

func (k KeepAlive) String() string {
	switch k {
	case KeepAliveTrue:
		return "keep-alive"
	case KeepAliveFalse:
		return "close"
	default:
		return "unspecified"
	}
}

// Registry is notified once when a Conn closes.
type Registry interface {
	Offline(id uint64)
}

type Options struct {
	ID       uint64
	Registry Registry

	MaxHeaderLength  int
	MaxContentLength int64
	MaxFrameLength   uint64
	BufferSize       int

	// ReadTimeout bounds a single RecvHTTPRequest, WriteTimeout every write.
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	// FrameTimeout bounds a single RecvFrame. Zero waits forever.
	FrameTimeout time.Duration
}

type Conn struct {
	id       uint64
	nc       net.Conn
	registry Registry

	// buf is the single receive buffer. After an upgrade it is handed to the
	// frame codec together with whatever followed the handshake request.
	buf *buffer.Buffer

	protocol  uint32
	keepAlive KeepAlive

	parser   *httpparse.Parser
	builder  *requestBuilder
	inflight bool

	codec          *websocket.Codec
	maxFrameLength uint64

	readTimeout  time.Duration
	writeTimeout time.Duration
	frameTimeout time.Duration

	wmu       sync.Mutex
	closed    int32
	closeOnce sync.Once
	closeErr  error
}

func NewConn(nc net.Conn, opts Options) *Conn {
	if opts.MaxHeaderLength <= 0 {
		opts.MaxHeaderLength = DefaultMaxHeaderLength
	}
	if opts.MaxContentLength <= 0 {
		opts.MaxContentLength = DefaultMaxContentLength
	}
	if opts.BufferSize <= 0 {
		opts.BufferSize = DefaultBufferSize
	}

	builder := &requestBuilder{maxContentLength: opts.MaxContentLength}
	parser := httpparse.New(builder)
	parser.MaxHeadLength = opts.MaxHeaderLength

	return &Conn{
		id:             opts.ID,
		nc:             nc,
		registry:       opts.Registry,
		buf:            buffer.New(opts.BufferSize),
		parser:         parser,
		builder:        builder,
		maxFrameLength: opts.MaxFrameLength,
		readTimeout:    opts.ReadTimeout,
		writeTimeout:   opts.WriteTimeout,
		frameTimeout:   opts.FrameTimeout,
	}
}

func (c *Conn) ID() uint64 { return c.id }

func (c *Conn) RemoteAddr() net.Addr { return c.nc.RemoteAddr() }

func (c *Conn) Protocol() Protocol { return Protocol(atomic.LoadUint32(&c.protocol)) }

func (c *Conn) KeepAlive() KeepAlive { return c.keepAlive }

// SetKeepAlive overrides what the last request asked for.
func (c *Conn) SetKeepAlive(k KeepAlive) { c.keepAlive = k }

func (c *Conn) Closed() bool { return atomic.LoadInt32(&c.closed) == 1 }

// RecvHTTPRequest reads the next request. Bytes of a pipelined request that
// follows stay buffered for the next call. A ConnectionError leaves the
// partially parsed request in place so the call can be retried.
func (c *Conn) RecvHTTPRequest() (*Request, error) {
	switch {
	case c.Closed():
		return nil, ErrClosed
	case c.Protocol() == ProtocolWebSocket:
		return nil, ErrUpgraded
	case c.keepAlive == KeepAliveFalse:
		return nil, ErrKeepAliveDone
	}

	unlock, err := c.buf.Lock()
	if err != nil {
		return nil, err
	}
	defer unlock()

	if !c.inflight {
		c.parser.Reset()
		c.builder.reset()
		c.inflight = true
	}

	if err := c.nc.SetReadDeadline(deadline(c.readTimeout)); err != nil {
		return nil, &stream.ConnectionError{Op: "recv", Err: err}
	}

	for {
		if c.buf.Len() > 0 {
			n, err := c.parser.Execute(c.buf.Bytes())
			c.buf.Consume(n)

			if err != nil {
				c.inflight = false
				return nil, parseError(err)
			}

			if c.parser.Done() {
				c.inflight = false
				req := c.builder.take()

				if req.KeepAlive {
					c.keepAlive = KeepAliveTrue
				} else {
					c.keepAlive = KeepAliveFalse
				}

				return req, nil
			}
		}

		if c.buf.Writable() == 0 {
			if err := c.buf.Grow(c.buf.Cap()); err != nil {
				return nil, err
			}
		}

		n, err := c.buf.ReadFrom(c.nc)
		if n == 0 && err != nil {
			return nil, &stream.ConnectionError{Op: "recv", Err: err}
		}
	}
}

// Started reports whether part of a request has been received. An idle
// keep-alive connection timing out is not an error worth answering.
func (c *Conn) Started() bool {
	return c.inflight && c.parser != nil && c.parser.Started()
}

func parseError(err error) error {
	var protoErr *stream.ProtocolError
	if errors.As(err, &protoErr) {
		return err
	}

	status := http.StatusBadRequest
	switch {
	case errors.Is(err, httpparse.ErrTargetTooLong):
		status = http.StatusRequestURITooLong
	case errors.Is(err, httpparse.ErrHeadTooLarge):
		status = http.StatusRequestHeaderFieldsTooLarge
	case errors.Is(err, httpparse.ErrUnsupportedVersion):
		status = http.StatusHTTPVersionNotSupported
	}

	return &stream.ProtocolError{Status: status, Reason: http.StatusText(status), Err: err}
}

// Respond writes a complete response. Content-Length is computed from body
// and the Connection header follows the keep-alive state: omitted while
// unspecified, "keep-alive" or "close" otherwise. Status line, headers and
// body go out in one scattered write.
func (c *Conn) Respond(status int, header *Header, body []byte) error {
	if c.Protocol() == ProtocolWebSocket {
		return ErrUpgraded
	}

	head := make([]byte, 0, 256)
	head = appendStatusLine(head, status)

	if header != nil {
		for _, f := range header.Fields() {
			switch fold(f.Name) {
			case "content-length", "connection":
				continue
			}
			head = appendField(head, f.Name, f.Value)
		}
	}

	head = appendField(head, "Content-Length", strconv.Itoa(len(body)))

	switch c.keepAlive {
	case KeepAliveTrue:
		head = appendField(head, "Connection", "keep-alive")
	case KeepAliveFalse:
		head = appendField(head, "Connection", "close")
	}

	head = append(head, "\r\n"...)

	return c.writev(head, body)
}

// Error responds with a plain text body naming the status.
func (c *Conn) Error(status int) error {
	var header Header
	header.Add("Content-Type", "text/plain; charset=utf-8")

	return c.Respond(status, &header, []byte(http.StatusText(status)+"\n"))
}

// UpgradeToWebSocket completes the opening handshake for req and switches
// the connection to WebSocket. An invalid handshake fails with a 400
// ProtocolError and leaves the connection in HTTP mode.
func (c *Conn) UpgradeToWebSocket(req *Request) error {
	if c.Protocol() == ProtocolWebSocket {
		return ErrUpgraded
	}

	if !req.Header.HasToken("Upgrade", "websocket") {
		return stream.NewProtocolError(http.StatusBadRequest, "missing Upgrade: websocket")
	}

	key := strings.TrimSpace(req.Header.Get("Sec-WebSocket-Key"))
	if !websocket.ValidKey(key) {
		return stream.NewProtocolError(http.StatusBadRequest, "invalid Sec-WebSocket-Key")
	}

	if v := strings.TrimSpace(req.Header.Get("Sec-WebSocket-Version")); v != "" && v != "13" {
		return stream.NewProtocolError(http.StatusBadRequest, "unsupported Sec-WebSocket-Version")
	}

	head := make([]byte, 0, 160)
	head = appendStatusLine(head, http.StatusSwitchingProtocols)
	head = appendField(head, "Upgrade", "websocket")
	head = appendField(head, "Connection", "Upgrade")
	head = appendField(head, "Sec-WebSocket-Accept", websocket.AcceptKey(key))
	head = append(head, "\r\n"...)

	if err := c.writev(head); err != nil {
		return err
	}

	c.codec = websocket.NewCodec(c.nc, c.buf, websocket.CodecOptions{
		MaxPayloadLength: c.maxFrameLength,
		RequireMask:      true,
	})
	c.parser = nil
	c.builder = nil
	c.inflight = false
	atomic.StoreUint32(&c.protocol, uint32(ProtocolWebSocket))

	return nil
}

// RecvFrame reads the next WebSocket frame into f.
func (c *Conn) RecvFrame(f *websocket.Frame) error {
	if c.Protocol() != ProtocolWebSocket {
		return ErrNotUpgraded
	}

	return c.codec.RecvFrame(f, c.frameTimeout)
}

// SendFrame writes f. It is safe to call concurrently with RecvFrame.
func (c *Conn) SendFrame(f *websocket.Frame) error {
	if c.Protocol() != ProtocolWebSocket {
		return ErrNotUpgraded
	}
	if c.Closed() {
		return ErrClosed
	}

	return c.codec.SendFrame(f, c.writeTimeout)
}

// Deliver sends p as a text frame. It is how broadcasts reach the conn.
func (c *Conn) Deliver(p []byte) error {
	return c.SendFrame(websocket.NewFrame(websocket.OpText, true, p))
}

// CloseWebSocket sends a close frame, best effort, then closes.
func (c *Conn) CloseWebSocket(code uint16, reason string) error {
	if c.Protocol() == ProtocolWebSocket && !c.Closed() {
		c.SendFrame(websocket.NewFrame(websocket.OpClose, true, websocket.ClosePayload(code, reason)))
	}

	return c.Close()
}

// Close deregisters the conn and then releases the socket. Only the first
// call does anything; later and concurrent calls return the same result.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		atomic.StoreInt32(&c.closed, 1)

		if c.registry != nil {
			c.registry.Offline(c.id)
		}

		c.closeErr = c.nc.Close()
	})

	return c.closeErr
}

func (c *Conn) writev(bufs ...[]byte) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()

	if err := c.nc.SetWriteDeadline(deadline(c.writeTimeout)); err != nil {
		return &stream.ConnectionError{Op: "send", Err: err}
	}

	vec := net.Buffers(bufs)
	if _, err := vec.WriteTo(c.nc); err != nil {
		return &stream.ConnectionError{Op: "send", Err: err}
	}

	return nil
}

// IsPeerClosed reports whether err is the peer going away between requests.
func IsPeerClosed(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed)
}

func appendStatusLine(b []byte, status int) []byte {
	b = append(b, "HTTP/1.1 "...)
	b = strconv.AppendInt(b, int64(status), 10)
	b = append(b, ' ')
	b = append(b, http.StatusText(status)...)

	return append(b, "\r\n"...)
}

func appendField(b []byte, name, value string) []byte {
	b = append(b, name...)
	b = append(b, ": "...)
	b = append(b, value...)

	return append(b, "\r\n"...)
}

func deadline(timeout time.Duration) time.Time {
	if timeout <= 0 {
		return time.Time{}
	}

	return time.Now().Add(timeout)
}
