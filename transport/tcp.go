package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"runtime"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	reuseport "github.com/kavu/go_reuseport"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// Handler serves one connection until it is done with it or ctx is
// cancelled. It owns nc and must close it before returning.
type Handler interface {
	Serve(ctx context.Context, nc net.Conn)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, nc net.Conn)

func (f HandlerFunc) Serve(ctx context.Context, nc net.Conn) { f(ctx, nc) }

var sessionIDs uint64

// nextSessionID hands out ids unique across every handler in the process.
func nextSessionID() uint64 {
	return atomic.AddUint64(&sessionIDs, 1)
}

type TCP struct {
	cancel     context.CancelFunc
	stopWaiter sync.WaitGroup

	addr string

	numListeners int
	reuseport    bool
	listeners    []*TCPListener

	options Options

	mu      sync.Mutex
	started bool
	closed  bool

	log *zap.Logger
}

func NewTCP(options Options) *TCP {
	numListeners := options.NumListeners

	if numListeners < 1 {
		numListeners = runtime.NumCPU()
	}
	if !options.Reuseport {
		numListeners = 1
	}

	log := options.Log
	if log == nil {
		log = zap.NewNop()
	}

	return &TCP{
		addr:         net.JoinHostPort(options.Host, strconv.Itoa(options.Port)),
		numListeners: numListeners,
		reuseport:    options.Reuseport,
		listeners:    make([]*TCPListener, 0, numListeners),
		options:      options,
		log:          log,
	}
}

// Start binds every listener before returning, so clients can connect as
// soon as it succeeds.
func (w *TCP) Start(parentCtx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.started {
		return errors.New("tcp server already started")
	}
	w.started = true

	ctx, cancel := context.WithCancel(parentCtx)
	w.cancel = cancel

	w.log.Info("Starting tcp listeners", zap.Int("count", w.numListeners))

	addr := w.addr
	for i := 0; i < w.numListeners; i++ {
		listener, err := w.listen(ctx, addr, i)
		if err != nil {
			cancel()
			w.stopWaiter.Wait()

			return fmt.Errorf("failed to listen on %s: %w", addr, err)
		}

		// With port 0 the remaining listeners share the first one's port.
		addr = listener.Addr().String()
	}

	return nil
}

func (w *TCP) listen(ctx context.Context, addr string, index int) (*TCPListener, error) {
	var (
		ln  net.Listener
		err error
	)

	if w.reuseport {
		ln, err = reuseport.Listen("tcp", addr)
	} else {
		ln, err = net.Listen("tcp", addr)
	}
	if err != nil {
		return nil, err
	}

	listener := NewTCPListener(ctx, ln, w.options, w.log.Named("listener").With(zap.Int("listener", index)))
	w.listeners = append(w.listeners, listener)

	w.stopWaiter.Add(1)
	go func() {
		defer w.stopWaiter.Done()

		if err := listener.Listen(); err != nil {
			// As any of the listeners can fail we don't treat this as fatal,
			// you can end up with fewer listeners running than asked for.
			w.log.Error("Listener stopped accepting", zap.Error(err))
		}
	}()

	return listener, nil
}

// Addr is the bound address of the first listener.
func (w *TCP) Addr() net.Addr {
	w.mu.Lock()
	defer w.mu.Unlock()

	if len(w.listeners) == 0 {
		return nil
	}

	return w.listeners[0].Addr()
}

// Close stops accepting, cancels every connection's context and waits for
// the handlers to return.
func (w *TCP) Close() (err error) {
	w.mu.Lock()
	if w.closed || !w.started {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	listeners := w.listeners
	w.mu.Unlock()

	w.log.Info("Stopping TCP server")
	w.cancel()

	for _, listener := range listeners {
		err = multierr.Append(err, listener.Close())
	}

	w.stopWaiter.Wait()
	w.log.Info("TCP server stopped")

	return err
}

type TCPListener struct {
	ctx context.Context

	listener net.Listener
	handler  Handler
	log      *zap.Logger

	closeOnce sync.Once
	closeErr  error

	maxConns  int
	keepAlive time.Duration

	mu          sync.Mutex
	activeConns map[net.Conn]struct{}
}

func NewTCPListener(
	ctx context.Context,
	listener net.Listener,
	options Options,
	log *zap.Logger,
) *TCPListener {
	return &TCPListener{
		ctx:         ctx,
		listener:    listener,
		handler:     options.Handler,
		maxConns:    options.MaxConns,
		keepAlive:   options.KeepAlivePeriod,
		activeConns: make(map[net.Conn]struct{}),
		log:         log,
	}
}

func (t *TCPListener) Addr() net.Addr { return t.listener.Addr() }

// Close stops accepting. Active connections are left to their handlers,
// which stop once the context is cancelled.
func (t *TCPListener) Close() error {
	t.closeOnce.Do(func() {
		t.closeErr = t.listener.Close()
		if errors.Is(t.closeErr, net.ErrClosed) {
			t.closeErr = nil
		}
	})

	return t.closeErr
}

// ActiveConns is the number of connections being served.
func (t *TCPListener) ActiveConns() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	return len(t.activeConns)
}

func (t *TCPListener) Listen() error {
	var loopWaiter sync.WaitGroup

	defer func() {
		t.log.Info("Waiting for connections to drain")
		loopWaiter.Wait()
		t.log.Info("Listener stopped")
	}()

	go func() {
		<-t.ctx.Done()

		if err := t.Close(); err != nil {
			t.log.Warn("TCP Listener did not close cleanly", zap.Error(err))
		}
	}()

	var backoff time.Duration

	for {
		conn, err := t.listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) || t.ctx.Err() != nil {
				// The listener was closed while we were waiting for new
				// connections, that's fine.
				return nil
			}

			if !retryableAccept(err) {
				return err
			}

			backoff = nextBackoff(backoff)
			t.log.Warn("Accept failed, retrying", zap.Error(err), zap.Duration("backoff", backoff))

			select {
			case <-time.After(backoff):
			case <-t.ctx.Done():
				return nil
			}
			continue
		}
		backoff = 0

		if t.maxConns > 0 && t.ActiveConns() >= t.maxConns {
			t.log.Warn("Too many connections, rejecting",
				zap.String("remote", conn.RemoteAddr().String()),
				zap.Int("max", t.maxConns))
			conn.Close()
			continue
		}

		if tc, ok := conn.(*net.TCPConn); ok && t.keepAlive > 0 {
			tc.SetKeepAlive(true)
			tc.SetKeepAlivePeriod(t.keepAlive)
		}

		t.addConn(conn)
		loopWaiter.Add(1)

		go func() {
			defer loopWaiter.Done()
			defer t.removeConn(conn)

			t.serve(conn)
		}()
	}
}

// serve runs the handler with a recover so a panic takes down only its own
// connection.
func (t *TCPListener) serve(conn net.Conn) {
	defer func() {
		if r := recover(); r != nil {
			t.log.Error("Connection handler panicked",
				zap.String("remote", conn.RemoteAddr().String()),
				zap.Any("panic", r),
				zap.Stack("stack"))

			conn.Close()
		}
	}()

	t.handler.Serve(t.ctx, conn)
}

func (t *TCPListener) addConn(conn net.Conn) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.activeConns[conn] = struct{}{}
}

func (t *TCPListener) removeConn(conn net.Conn) {
	t.mu.Lock()
	defer t.mu.Unlock()

	delete(t.activeConns, conn)
}

// retryableAccept reports whether Accept failed for a reason that may pass,
// like running out of file descriptors.
func retryableAccept(err error) bool {
	return errors.Is(err, unix.EMFILE) ||
		errors.Is(err, unix.ENFILE) ||
		errors.Is(err, unix.ENOBUFS) ||
		errors.Is(err, unix.ENOMEM) ||
		errors.Is(err, unix.ECONNABORTED)
}

func nextBackoff(d time.Duration) time.Duration {
	const max = time.Second

	if d == 0 {
		return 5 * time.Millisecond
	}
	if d *= 2; d > max {
		d = max
	}

	return d
}

// closeOnCancel closes c when ctx is cancelled before stop is called.
func closeOnCancel(ctx context.Context, c interface{ Close() error }) (stop func()) {
	done := make(chan struct{})

	go func() {
		select {
		case <-ctx.Done():
			c.Close()
		case <-done:
		}
	}()

	return func() { close(done) }
}
