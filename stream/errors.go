package stream

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
)

var (
	// ErrMessageTooLarge is returned as soon as a message is known to exceed
	// the configured bound, before the memory for it is allocated.
	ErrMessageTooLarge = errors.New("message exceeds the maximum length")

	ErrDelimiterInMessage = errors.New("message contains the delimiter")
	ErrRecvInProgress     = errors.New("another receive variant is in the middle of a message")
	ErrInvalidDelimiter   = errors.New("delimiter must not be empty")
	ErrBufferTooSmall     = errors.New("buffer size must be at least twice the delimiter length")
	ErrInvalidFormatSize  = errors.New("length format size must be 1, 2, 4 or 8")
)

// ConnectionError reports a failure of the underlying stream: closed, reset
// or timed out. Receive state is kept across a ConnectionError so a retried
// call resumes where the failed one stopped.
type ConnectionError struct {
	Op  string
	Err error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// Timeout reports whether the operation failed because its deadline passed.
func (e *ConnectionError) Timeout() bool {
	if errors.Is(e.Err, os.ErrDeadlineExceeded) {
		return true
	}

	var netErr net.Error
	return errors.As(e.Err, &netErr) && netErr.Timeout()
}

// ProtocolError reports malformed input. Status carries the HTTP status code
// to answer with for HTTP-layer errors, and is 0 for WebSocket-layer ones.
type ProtocolError struct {
	Status int
	Reason string
	Err    error
}

func NewProtocolError(status int, reason string) *ProtocolError {
	return &ProtocolError{Status: status, Reason: reason}
}

func (e *ProtocolError) Error() string {
	msg := e.Reason
	if msg == "" && e.Status != 0 {
		msg = http.StatusText(e.Status)
	}

	if e.Status != 0 {
		msg = fmt.Sprintf("%d %s", e.Status, msg)
	}

	if e.Err != nil {
		return fmt.Sprintf("protocol error: %s: %v", msg, e.Err)
	}

	return "protocol error: " + msg
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// IsTimeout reports whether err is a ConnectionError caused by a deadline.
func IsTimeout(err error) bool {
	var connErr *ConnectionError
	return errors.As(err, &connErr) && connErr.Timeout()
}

func connError(op string, err error) error {
	if err == nil {
		return nil
	}

	var connErr *ConnectionError
	if errors.As(err, &connErr) {
		return err
	}

	return &ConnectionError{Op: op, Err: err}
}
