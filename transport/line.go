package transport

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/luma/beacon/buffer"
	"github.com/luma/beacon/protocol"
	"github.com/luma/beacon/storage"
	"github.com/luma/beacon/stream"
)

const DefaultRequestTimeout = 3 * time.Second

type LineOptions struct {
	Stream stream.Config

	// ReadTimeout bounds a single receive. A receive that times out is
	// resumed, so it only sets how often cancellation is noticed while a
	// client is idle.
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	// RequestTimeout bounds store operations.
	RequestTimeout time.Duration
}

// LineHandler serves the Beacon line protocol. Every connection is a
// session of the Manager and receives key updates.
type LineHandler struct {
	store   storage.Store
	manager *Manager
	opts    LineOptions
	log     *zap.Logger
}

func NewLineHandler(store storage.Store, manager *Manager, opts LineOptions, log *zap.Logger) *LineHandler {
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = DefaultRequestTimeout
	}
	if log == nil {
		log = zap.NewNop()
	}

	return &LineHandler{
		store:   store,
		manager: manager,
		opts:    opts,
		log:     log,
	}
}

func (h *LineHandler) Serve(ctx context.Context, nc net.Conn) {
	ms, err := stream.Open(nc, h.opts.Stream)
	if err != nil {
		h.log.Error("Failed to open message stream", zap.Error(err))
		nc.Close()
		return
	}

	session := newLineSession(ctx, nextSessionID(), ms, h.manager, h.opts)
	log := h.log.With(zap.Uint64("conn", session.ID()), zap.String("remote", nc.RemoteAddr().String()))

	if err := h.manager.Online(session); err != nil {
		log.Error("Failed to register session", zap.Error(err))
		ms.Close()
		return
	}

	defer session.Close()
	defer closeOnCancel(ctx, session)()

	log.Debug("Line session started")

	for {
		req, err := protocol.ReadRequest(session)
		if err != nil {
			if !h.handleReadError(session, err, log) {
				return
			}
			continue
		}

		if quit := h.dispatch(ctx, session, req, log); quit {
			log.Debug("Client QUIT, exiting...")
			return
		}
	}
}

// handleReadError reports whether the session can carry on.
func (h *LineHandler) handleReadError(s *lineSession, err error, log *zap.Logger) bool {
	var connErr *stream.ConnectionError

	switch {
	case errors.Is(err, stream.ErrMessageTooLarge):
		// The rest of the message is still on the wire, framing is lost.
		log.Warn("Client sent an oversized message", zap.Error(err))
		protocol.WriteError(s, protocol.RequestID{}, "message too large")
		return false

	case errors.As(err, &connErr), errors.Is(err, context.Canceled):
		log.Debug("Line session ended", zap.Error(err))
		return false

	case errors.Is(err, protocol.ErrRequestTooShort),
		errors.Is(err, protocol.ErrUnknownCommand),
		errors.Is(err, protocol.ErrRequestMissingSetSpace),
		errors.Is(err, protocol.ErrRequestMissingKey):
		// The message was framed fine, only its content is wrong.
		log.Warn("Failed to parse client request", zap.Error(err))
		if werr := protocol.WriteError(s, s.lastRequestID(), err.Error()); werr != nil {
			return false
		}
		return true

	default:
		log.Warn("Failed to read client request", zap.Error(err))
		return false
	}
}

// dispatch answers req and reports whether the client quit.
func (h *LineHandler) dispatch(ctx context.Context, s *lineSession, req protocol.Request, log *zap.Logger) bool {
	var err error

	switch c := req.(type) {
	case *protocol.PingRequest:
		err = protocol.WriteString(s, req.GetRequestID(), string(protocol.PrefixPong))

	case *protocol.QuitRequest:
		if err = protocol.WriteOk(s, req.GetRequestID()); err != nil {
			log.Warn("Failed to acknowledge QUIT", zap.Error(err))
		}

		return true

	case *protocol.SetRequest:
		reqCtx, cancel := context.WithTimeout(ctx, h.opts.RequestTimeout)
		serr := storage.SetValue(reqCtx, h.store, c.Key, c.Value)
		cancel()

		if serr != nil {
			log.Warn("Failed to set", zap.ByteString("key", c.Key), zap.Error(serr))
			err = protocol.WriteError(s, req.GetRequestID(), serr.Error())
		} else {
			err = protocol.WriteOk(s, req.GetRequestID())
		}

	case *protocol.GetRequest:
		reqCtx, cancel := context.WithTimeout(ctx, h.opts.RequestTimeout)
		value, gerr := h.store.Get(reqCtx, c.Key)
		cancel()

		if gerr != nil {
			err = protocol.WriteError(s, req.GetRequestID(), gerr.Error())
		} else {
			err = protocol.WriteLines(s, req.GetRequestID(), protocol.PrefixGet, value)
		}
	}

	if err != nil {
		log.Warn("Failed to reply",
			zap.String("command", string(req.GetCommand())),
			zap.Error(err))
	}

	return false
}

// lineSession is a line protocol connection. It reads messages for the
// protocol parser and sends replies and updates without interleaving them.
type lineSession struct {
	id      uint64
	ctx     context.Context
	ms      stream.MessageStream
	manager *Manager

	in     *buffer.Buffer
	resume bool
	lastID protocol.RequestID

	readTimeout  time.Duration
	writeTimeout time.Duration

	sendMu sync.Mutex

	closeOnce sync.Once
	closeErr  error
}

func newLineSession(ctx context.Context, id uint64, ms stream.MessageStream, manager *Manager, opts LineOptions) *lineSession {
	size := opts.Stream.BufferSize
	if size <= 0 {
		size = stream.DefaultBufferSize
	}

	return &lineSession{
		id:           id,
		ctx:          ctx,
		ms:           ms,
		manager:      manager,
		in:           buffer.New(size),
		readTimeout:  opts.ReadTimeout,
		writeTimeout: opts.WriteTimeout,
	}
}

func (s *lineSession) ID() uint64 { return s.id }

// ReadMessage implements protocol.MessageReader. A timed out receive is
// retried with the same buffer until the context is cancelled.
func (s *lineSession) ReadMessage() ([]byte, error) {
	if !s.resume {
		s.in.Reset()
	}

	for {
		_, err := s.ms.RecvMessage(s.in, s.readTimeout)
		if err == nil {
			s.resume = false
			msg := s.in.Bytes()
			if len(msg) >= len(s.lastID) {
				copy(s.lastID[:], msg)
			}

			return msg, nil
		}

		if stream.IsTimeout(err) {
			if s.ctx.Err() != nil {
				return nil, s.ctx.Err()
			}

			s.resume = true
			continue
		}

		s.resume = false

		return nil, err
	}
}

func (s *lineSession) lastRequestID() protocol.RequestID { return s.lastID }

// Send implements protocol.Sender.
func (s *lineSession) Send(msgs ...[]byte) error {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()

	for _, msg := range msgs {
		if err := s.ms.SendMessage(msg, s.writeTimeout); err != nil {
			return err
		}
	}

	return nil
}

func (s *lineSession) Deliver(p []byte) error { return s.Send(p) }

func (s *lineSession) Close() error {
	s.closeOnce.Do(func() {
		s.manager.Offline(s.id)
		s.closeErr = s.ms.Close()
	})

	return s.closeErr
}

var _ Session = (*lineSession)(nil)
var _ protocol.MessageReader = (*lineSession)(nil)
var _ protocol.Sender = (*lineSession)(nil)
