package transport

import (
	"bytes"
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/luma/beacon/buffer"
	"github.com/luma/beacon/protocol"
	"github.com/luma/beacon/storage"
	"github.com/luma/beacon/stream"
	"github.com/luma/beacon/web"
	"github.com/luma/beacon/websocket"
)

const keysPrefix = "/keys/"

type WebOptions struct {
	MaxHeaderLength  int
	MaxContentLength int64
	MaxFrameLength   uint64
	BufferSize       int

	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	// FrameTimeout bounds a single frame receive. As for line sessions a
	// timed out receive is resumed.
	FrameTimeout time.Duration

	// MessageRate limits inbound WebSocket messages per second, with bursts
	// of MessageBurst. Zero disables the limit.
	MessageRate  float64
	MessageBurst int

	RequestTimeout time.Duration
}

// WebHandler serves HTTP and, on /ws, WebSocket sessions that receive key
// updates.
type WebHandler struct {
	store   storage.Store
	manager *Manager
	opts    WebOptions
	log     *zap.Logger
}

func NewWebHandler(store storage.Store, manager *Manager, opts WebOptions, log *zap.Logger) *WebHandler {
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = DefaultRequestTimeout
	}
	if opts.MessageRate > 0 && opts.MessageBurst < 1 {
		opts.MessageBurst = 1
	}
	if log == nil {
		log = zap.NewNop()
	}

	return &WebHandler{
		store:   store,
		manager: manager,
		opts:    opts,
		log:     log,
	}
}

func (h *WebHandler) Serve(ctx context.Context, nc net.Conn) {
	conn := web.NewConn(nc, web.Options{
		ID:               nextSessionID(),
		Registry:         h.manager,
		MaxHeaderLength:  h.opts.MaxHeaderLength,
		MaxContentLength: h.opts.MaxContentLength,
		MaxFrameLength:   h.opts.MaxFrameLength,
		BufferSize:       h.opts.BufferSize,
		ReadTimeout:      h.opts.ReadTimeout,
		WriteTimeout:     h.opts.WriteTimeout,
		FrameTimeout:     h.opts.FrameTimeout,
	})
	log := h.log.With(zap.Uint64("conn", conn.ID()), zap.String("remote", nc.RemoteAddr().String()))

	if err := h.manager.Online(conn); err != nil {
		log.Error("Failed to register connection", zap.Error(err))
		nc.Close()
		return
	}

	defer conn.Close()
	defer closeOnCancel(ctx, conn)()

	for {
		req, err := conn.RecvHTTPRequest()
		if err != nil {
			h.handleRecvError(conn, err, log)
			return
		}

		log.Debug("Request",
			zap.String("method", req.Method),
			zap.String("target", req.Target),
			zap.String("proto", req.Proto()))

		if err := h.route(ctx, conn, req); err != nil {
			var protoErr *stream.ProtocolError
			if errors.As(err, &protoErr) && protoErr.Status != 0 {
				conn.SetKeepAlive(web.KeepAliveFalse)
				conn.Error(protoErr.Status)
			}

			log.Debug("Closing connection", zap.Error(err))
			return
		}

		if conn.Protocol() == web.ProtocolWebSocket {
			h.serveWebSocket(ctx, conn, log.With(zap.String("protocol", "websocket")))
			return
		}
	}
}

func (h *WebHandler) handleRecvError(conn *web.Conn, err error, log *zap.Logger) {
	var protoErr *stream.ProtocolError

	switch {
	case errors.Is(err, web.ErrKeepAliveDone), errors.Is(err, web.ErrClosed):

	case errors.As(err, &protoErr):
		log.Info("Rejecting malformed request", zap.Error(err))
		conn.SetKeepAlive(web.KeepAliveFalse)
		conn.Error(protoErr.Status)

	case stream.IsTimeout(err):
		// An idle keep-alive connection just goes away.
		if conn.Started() {
			conn.SetKeepAlive(web.KeepAliveFalse)
			conn.Error(http.StatusRequestTimeout)
		}

	case web.IsPeerClosed(err):

	default:
		log.Warn("Failed to read request", zap.Error(err))
	}
}

// route answers req. A non-nil error ends the connection.
func (h *WebHandler) route(ctx context.Context, conn *web.Conn, req *web.Request) error {
	path := req.Path()

	switch {
	case path == "/ping":
		if req.Method != http.MethodGet {
			return methodNotAllowed(conn, "GET")
		}

		return respondText(conn, http.StatusOK, "pong")

	case path == "/ws":
		if req.Method != http.MethodGet {
			return methodNotAllowed(conn, "GET")
		}

		if !req.Upgrade {
			var header web.Header
			header.Add("Upgrade", "websocket")
			return conn.Respond(http.StatusUpgradeRequired, &header, nil)
		}

		return conn.UpgradeToWebSocket(req)

	case strings.HasPrefix(path, keysPrefix) && len(path) > len(keysPrefix):
		key := []byte(path[len(keysPrefix):])

		switch req.Method {
		case http.MethodGet:
			reqCtx, cancel := context.WithTimeout(ctx, h.opts.RequestTimeout)
			value, err := h.store.Get(reqCtx, key)
			cancel()

			if errors.Is(err, storage.ErrKeyNotFound) {
				return respondText(conn, http.StatusNotFound, err.Error())
			}
			if err != nil {
				return respondText(conn, http.StatusInternalServerError, err.Error())
			}

			return respondJSON(conn, http.StatusOK, value)

		case http.MethodPut:
			reqCtx, cancel := context.WithTimeout(ctx, h.opts.RequestTimeout)
			err := storage.SetValue(reqCtx, h.store, key, bytes.TrimSpace(req.Body))
			cancel()

			if err != nil {
				return respondText(conn, http.StatusBadRequest, err.Error())
			}

			return respondText(conn, http.StatusOK, "OK")

		default:
			return methodNotAllowed(conn, "GET, PUT")
		}

	default:
		return respondText(conn, http.StatusNotFound, http.StatusText(http.StatusNotFound))
	}
}

func respondText(conn *web.Conn, status int, body string) error {
	var header web.Header
	header.Add("Content-Type", "text/plain; charset=utf-8")

	return conn.Respond(status, &header, []byte(body+"\n"))
}

func respondJSON(conn *web.Conn, status int, body []byte) error {
	var header web.Header
	header.Add("Content-Type", "application/json")

	return conn.Respond(status, &header, body)
}

func methodNotAllowed(conn *web.Conn, allow string) error {
	var header web.Header
	header.Add("Allow", allow)
	header.Add("Content-Type", "text/plain; charset=utf-8")

	return conn.Respond(http.StatusMethodNotAllowed, &header, []byte(http.StatusText(http.StatusMethodNotAllowed)+"\n"))
}

func (h *WebHandler) serveWebSocket(ctx context.Context, conn *web.Conn, log *zap.Logger) {
	var limiter *rate.Limiter
	if h.opts.MessageRate > 0 {
		limiter = rate.NewLimiter(rate.Limit(h.opts.MessageRate), h.opts.MessageBurst)
	}

	var (
		frame   = &websocket.Frame{Payload: buffer.New(512)}
		message []byte
		msgOp   websocket.Opcode
		resume  bool
	)

	maxMessage := h.opts.MaxFrameLength
	if maxMessage == 0 {
		maxMessage = websocket.DefaultMaxPayloadLength
	}

	for {
		if !resume {
			frame.Payload.Reset()
		}

		err := conn.RecvFrame(frame)
		if err != nil {
			if stream.IsTimeout(err) && ctx.Err() == nil {
				resume = true
				continue
			}

			h.closeWebSocketOnError(conn, err, log)
			return
		}
		resume = false

		switch frame.Opcode {
		case websocket.OpPing:
			pong := websocket.NewFrame(websocket.OpPong, true, frame.Data())
			if err := conn.SendFrame(pong); err != nil {
				log.Debug("Failed to send pong", zap.Error(err))
				return
			}
			continue

		case websocket.OpPong:
			continue

		case websocket.OpClose:
			code, _, err := websocket.ParseClosePayload(frame.Data())
			if err != nil {
				conn.CloseWebSocket(websocket.CloseProtocolError, "invalid close payload")
				return
			}
			if code == websocket.CloseNoStatus {
				code = websocket.CloseNormalClosure
			}

			conn.CloseWebSocket(code, "")
			return

		case websocket.OpContinuation:
			if message == nil {
				conn.CloseWebSocket(websocket.CloseProtocolError, "unexpected continuation frame")
				return
			}

		default:
			if message != nil {
				conn.CloseWebSocket(websocket.CloseProtocolError, "expected continuation frame")
				return
			}

			msgOp = frame.Opcode
			message = make([]byte, 0, len(frame.Data()))
		}

		if uint64(len(message)+len(frame.Data())) > maxMessage {
			conn.CloseWebSocket(websocket.CloseMessageTooBig, "")
			return
		}

		message = append(message, frame.Data()...)
		if !frame.Fin {
			continue
		}

		if limiter != nil && !limiter.Allow() {
			log.Info("Rate limit hit")
			conn.CloseWebSocket(websocket.ClosePolicyViolation, "rate limit exceeded")
			return
		}

		if msgOp == websocket.OpText && !utf8.Valid(message) {
			conn.CloseWebSocket(websocket.CloseInvalidPayload, "")
			return
		}

		reply, quit := h.command(ctx, message)
		message = nil

		if err := conn.SendFrame(websocket.NewFrame(websocket.OpText, true, reply)); err != nil {
			log.Debug("Failed to reply", zap.Error(err))
			return
		}

		if quit {
			conn.CloseWebSocket(websocket.CloseNormalClosure, "")
			return
		}
	}
}

func (h *WebHandler) closeWebSocketOnError(conn *web.Conn, err error, log *zap.Logger) {
	var (
		protoErr *stream.ProtocolError
		connErr  *stream.ConnectionError
	)

	switch {
	case errors.Is(err, stream.ErrMessageTooLarge):
		conn.CloseWebSocket(websocket.CloseMessageTooBig, "")

	case errors.As(err, &protoErr):
		log.Info("WebSocket protocol violation", zap.Error(err))
		conn.CloseWebSocket(websocket.CloseProtocolError, protoErr.Reason)

	case errors.As(err, &connErr):
		log.Debug("WebSocket connection ended", zap.Error(err))

	default:
		log.Warn("Failed to read frame", zap.Error(err))
		conn.CloseWebSocket(websocket.CloseInternalError, "")
	}
}

// command runs a text command sent over WebSocket: `PING`, `QUIT`,
// `GET <key>` or `SET <key> <value>`. quit asks for a normal closure after
// the reply.
func (h *WebHandler) command(ctx context.Context, msg []byte) (reply []byte, quit bool) {
	cmd, rest, ok := protocol.ParseCommand(bytes.TrimSpace(msg))
	if !ok {
		return errorReply(protocol.ErrUnknownCommand), false
	}

	reqCtx, cancel := context.WithTimeout(ctx, h.opts.RequestTimeout)
	defer cancel()

	var key, value []byte
	if cmd.TakesKey() {
		if len(rest) > 0 && rest[0] != ' ' {
			return errorReply(protocol.ErrUnknownCommand), false
		}

		key, value = splitWord(bytes.TrimSpace(rest))
		if len(key) == 0 {
			return errorReply(protocol.ErrRequestMissingKey), false
		}
	}

	switch cmd {
	case protocol.PING:
		return protocol.PrefixPong, false

	case protocol.QUIT:
		return protocol.PrefixOk, true

	case protocol.GET:
		value, err := h.store.Get(reqCtx, key)
		if err != nil {
			return errorReply(err), false
		}

		return value, false

	default:
		if err := storage.SetValue(reqCtx, h.store, key, value); err != nil {
			return errorReply(err), false
		}

		return protocol.PrefixOk, false
	}
}

func errorReply(err error) []byte {
	return append(append([]byte(nil), protocol.PrefixErr...), " "+err.Error()...)
}

func splitWord(b []byte) ([]byte, []byte) {
	if i := bytes.IndexByte(b, ' '); i >= 0 {
		return b[:i], bytes.TrimSpace(b[i+1:])
	}

	return b, nil
}
