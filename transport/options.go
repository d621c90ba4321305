package transport

import (
	"time"

	"go.uber.org/zap"
)

type Options struct {
	// Host to listen on
	Host string

	// Port to listen on. Zero picks a free port, see TCP.Addr.
	Port int

	// Reuseport controls setting SO_REUSEPORT. Without it only a single
	// listener is started.
	Reuseport bool

	NumListeners int

	// MaxConns caps the connections served per listener. Extra connections
	// are closed as soon as they are accepted. Zero means no cap.
	MaxConns int

	// KeepAlivePeriod turns on TCP keep-alives for accepted connections.
	KeepAlivePeriod time.Duration

	// Handler serves every accepted connection.
	Handler Handler

	Log *zap.Logger
}
