package client

import (
	"context"
	"errors"
	"math"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/luma/beacon/buffer"
	"github.com/luma/beacon/protocol"
	"github.com/luma/beacon/stream"
)

var (
	ErrNotConnected     = errors.New("client is not connected")
	ErrUnexpectedReply  = errors.New("unexpected reply")
	ErrAlreadyConnected = errors.New("client is already connected")
)

const UpdateBufferSize = 255

type Update struct {
	Key   string
	Value []byte
}

type Options struct {
	// Stream must match the server's framing.
	Stream stream.Config

	WriteTimeout time.Duration
}

// Conn is a line protocol client. Replies are matched to requests by request
// ID; updates pushed by the server arrive on UpdateChan.
type Conn struct {
	ctx    context.Context
	cancel context.CancelFunc

	ms   stream.MessageStream
	in   *buffer.Buffer
	opts Options

	sendMu sync.Mutex

	updateChan chan *Update
	loopDone   chan struct{}

	respMu    sync.RWMutex
	respChans map[protocol.RequestID]chan *protocol.Response

	idMu      sync.Mutex
	requestId uint32

	log *zap.Logger
}

func New(opts Options, log *zap.Logger) *Conn {
	if log == nil {
		log = zap.NewNop()
	}

	return &Conn{
		opts:       opts,
		log:        log,
		in:         buffer.New(stream.DefaultBufferSize),
		updateChan: make(chan *Update, UpdateBufferSize),
		respChans:  make(map[protocol.RequestID]chan *protocol.Response),
	}
}

func (c *Conn) Connect(ctx context.Context, addr string) error {
	if c.ms != nil {
		return ErrAlreadyConnected
	}

	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return err
	}

	ms, err := stream.Open(conn, c.opts.Stream)
	if err != nil {
		conn.Close()
		return err
	}

	c.ms = ms
	c.ctx, c.cancel = context.WithCancel(ctx)
	c.loopDone = make(chan struct{})

	go c.readLoop()

	return nil
}

// Disconnect closes the connection and waits for the read loop to exit.
func (c *Conn) Disconnect() error {
	if c.ms == nil {
		return ErrNotConnected
	}

	c.cancel()
	err := c.ms.Close()
	<-c.loopDone

	return err
}

// Done is closed once the server has closed the connection or Disconnect
// was called.
func (c *Conn) Done() <-chan struct{} {
	return c.loopDone
}

func (c *Conn) UpdateChan() <-chan *Update {
	return c.updateChan
}

func (c *Conn) Quit(ctx context.Context) error {
	_, err := c.do(ctx, protocol.RespOk, func(id protocol.RequestID) protocol.Request {
		return protocol.NewQuitRequest(id)
	})
	return err
}

func (c *Conn) Ping(ctx context.Context) error {
	_, err := c.do(ctx, protocol.RespPong, func(id protocol.RequestID) protocol.Request {
		return protocol.NewPingRequest(id)
	})
	return err
}

func (c *Conn) Set(ctx context.Context, key string, value []byte) error {
	_, err := c.do(ctx, protocol.RespOk, func(id protocol.RequestID) protocol.Request {
		return protocol.NewSetRequest(id, []byte(key), value)
	})
	return err
}

func (c *Conn) Get(ctx context.Context, key string) ([]byte, error) {
	resp, err := c.do(ctx, protocol.RespGet, func(id protocol.RequestID) protocol.Request {
		return protocol.NewGetRequest(id, []byte(key))
	})
	if err != nil {
		return nil, err
	}

	return resp.Value, nil
}

func (c *Conn) do(ctx context.Context, want protocol.ResponseType, build func(protocol.RequestID) protocol.Request) (*protocol.Response, error) {
	if c.ms == nil {
		return nil, ErrNotConnected
	}

	reqID, respChan := c.createResponseChan()
	defer c.destroyResponseChan(reqID)

	if err := c.Send(build(reqID).Messages()...); err != nil {
		return nil, err
	}

	select {
	case resp, ok := <-respChan:
		if !ok {
			return nil, ErrNotConnected
		}
		if err := resp.ErrorOrNil(); err != nil {
			return nil, err
		}
		if resp.Type != want {
			return nil, ErrUnexpectedReply
		}

		return resp, nil

	case <-c.loopDone:
		return nil, ErrNotConnected

	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Send implements protocol.Sender.
func (c *Conn) Send(msgs ...[]byte) error {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	for _, msg := range msgs {
		if err := c.ms.SendMessage(msg, c.opts.WriteTimeout); err != nil {
			return err
		}
	}

	return nil
}

// ReadMessage implements protocol.MessageReader.
func (c *Conn) ReadMessage() ([]byte, error) {
	c.in.Reset()

	if _, err := c.ms.RecvMessage(c.in, stream.Infinite); err != nil {
		return nil, err
	}

	return c.in.Bytes(), nil
}

func (c *Conn) readLoop() {
	log := c.log.Named("readLoop")

	defer close(c.loopDone)
	defer close(c.updateChan)

	for {
		resp, err := protocol.ReadResponse(c)
		if err != nil {
			var connErr *stream.ConnectionError
			if errors.As(err, &connErr) || c.ctx.Err() != nil {
				log.Debug("Connection closed, exiting...", zap.Error(err))
				return
			}

			log.Warn("Failed to read server response", zap.Error(err))
			continue
		}

		if update := resp.Update(); update != nil {
			// Handle responses that indicate keys were updated
			select {
			case c.updateChan <- &Update{Key: string(update.Key), Value: update.Value}:
			case <-c.ctx.Done():
				return
			}
			continue
		}

		// Handle responses to our requests
		c.sendToResponseChan(resp.RequestID, resp)
	}
}

func (c *Conn) createResponseChan() (protocol.RequestID, <-chan *protocol.Response) {
	reqID := c.getNextRequestID()
	respChan := make(chan *protocol.Response, 1)

	c.respMu.Lock()
	c.respChans[reqID] = respChan
	c.respMu.Unlock()

	return reqID, respChan
}

func (c *Conn) sendToResponseChan(reqID protocol.RequestID, resp *protocol.Response) {
	c.respMu.RLock()
	respChan, ok := c.respChans[reqID]
	c.respMu.RUnlock()

	if !ok {
		return
	}

	select {
	case respChan <- resp:
	default:
	}
}

func (c *Conn) destroyResponseChan(reqID protocol.RequestID) {
	c.respMu.Lock()
	delete(c.respChans, reqID)
	c.respMu.Unlock()
}

func (c *Conn) getNextRequestID() protocol.RequestID {
	c.idMu.Lock()
	defer c.idMu.Unlock()

	if c.requestId < math.MaxUint32-1 {
		c.requestId += 1
	} else {
		// Wrap around instead of overflowing
		c.requestId = 0
	}

	return protocol.MakeRequestID(c.requestId)
}
