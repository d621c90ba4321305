package stream

import (
	"bytes"
	"net"
	"time"

	"github.com/luma/beacon/buffer"
)

type DelimiterOptions struct {
	// Delimiter terminates every message. Defaults to "\r\n".
	Delimiter []byte

	// MaxMessageLength bounds a message, delimiter excluded.
	MaxMessageLength int

	// BufferSize is the size of the carry buffer and the largest single read.
	BufferSize int
}

type recvMode uint8

const (
	modeIdle recvMode = iota
	modeBuffered
	modeFast
)

// Delimiter frames messages by a terminating delimiter.
//
// Bytes read past the end of a message are carried over to the next call.
// A Delimiter is not safe for concurrent receives, though one goroutine may
// receive while another sends.
type Delimiter struct {
	conn

	delim     []byte
	maxLength int
	readSize  int
	carry     *buffer.Buffer

	// State of the message currently being received. It survives a failed
	// call so that the retry continues scanning where this one stopped.
	mode     recvMode
	scanFrom int
	flushed  int
	msgStart int
}

func NewDelimiter(nc net.Conn, opts DelimiterOptions) (*Delimiter, error) {
	delim := opts.Delimiter
	if delim == nil {
		delim = []byte("\r\n")
	}
	if len(delim) == 0 {
		return nil, ErrInvalidDelimiter
	}

	maxLength := opts.MaxMessageLength
	if maxLength <= 0 {
		maxLength = DefaultMaxMessageLength
	}

	size := opts.BufferSize
	if size <= 0 {
		size = DefaultBufferSize
	}
	if size < 2*len(delim) {
		return nil, ErrBufferTooSmall
	}

	return &Delimiter{
		conn:      conn{nc: nc},
		delim:     append([]byte(nil), delim...),
		maxLength: maxLength,
		readSize:  size,
		carry:     buffer.New(size),
	}, nil
}

// Buffered returns the number of bytes read from the connection but not yet
// returned as part of a message.
func (s *Delimiter) Buffered() int { return s.carry.Len() }

// RecvMessage appends the next message, without its delimiter, to out and
// returns its length.
//
// Memory use is bounded by the carry buffer: when it fills up without a
// delimiter the part that cannot hold the start of one is flushed into out.
// If the call fails with a ConnectionError, bytes already flushed stay in
// out and the retry must pass the same buffer.
func (s *Delimiter) RecvMessage(out *buffer.Buffer, timeout time.Duration) (int, error) {
	unlock, err := out.Lock()
	if err != nil {
		return 0, err
	}
	defer unlock()

	switch s.mode {
	case modeFast:
		return 0, ErrRecvInProgress
	case modeIdle:
		s.mode = modeBuffered
	}

	if err := s.readDeadline(timeout); err != nil {
		return 0, connError("recv", err)
	}

	for {
		data := s.carry.Bytes()

		if i := bytes.Index(data[s.scanFrom:], s.delim); i >= 0 {
			i += s.scanFrom
			total := s.flushed + i

			if total > s.maxLength {
				s.carry.Consume(i + len(s.delim))
				s.finish()
				return 0, ErrMessageTooLarge
			}

			if _, err := out.Write(data[:i]); err != nil {
				return 0, err
			}

			s.carry.Consume(i + len(s.delim))
			s.finish()

			return total, nil
		}

		// Nothing before safe can be the start of a delimiter.
		safe := s.safePrefix(len(data))
		s.scanFrom = safe

		if s.flushed+safe > s.maxLength {
			s.carry.Consume(safe)
			s.finish()
			return 0, ErrMessageTooLarge
		}

		if s.carry.Writable() == 0 {
			s.carry.Compact()
		}

		if s.carry.Writable() == 0 {
			if _, err := out.Write(s.carry.Bytes()[:safe]); err != nil {
				return 0, err
			}

			s.carry.Consume(safe)
			s.flushed += safe
			s.scanFrom = 0
			s.carry.Compact()
		}

		if err := s.fill(s.carry, s.readSize); err != nil {
			return 0, err
		}
	}
}

// RecvMessageFast behaves like RecvMessage but reads straight into out and
// scans there, skipping the copy out of the carry buffer. A large message is
// held entirely in out while it is scanned, so peak memory is higher.
func (s *Delimiter) RecvMessageFast(out *buffer.Buffer, timeout time.Duration) (int, error) {
	unlock, err := out.Lock()
	if err != nil {
		return 0, err
	}
	defer unlock()

	switch s.mode {
	case modeBuffered:
		return 0, ErrRecvInProgress
	case modeIdle:
		s.mode = modeFast
		s.msgStart = out.Len()

		if s.carry.Len() > 0 {
			if _, err := out.Write(s.carry.Bytes()); err != nil {
				s.finish()
				return 0, err
			}
			s.carry.Reset()
		}
	}

	if err := s.readDeadline(timeout); err != nil {
		return 0, connError("recv", err)
	}

	for {
		data := out.Bytes()[s.msgStart:]

		if i := bytes.Index(data[s.scanFrom:], s.delim); i >= 0 {
			i += s.scanFrom

			s.carry.Reset()
			if _, err := s.carry.Write(data[i+len(s.delim):]); err != nil {
				return 0, err
			}

			end := s.msgStart + i
			if i > s.maxLength {
				end = s.msgStart
			}

			if err := out.Truncate(end); err != nil {
				return 0, err
			}

			s.finish()
			if i > s.maxLength {
				return 0, ErrMessageTooLarge
			}

			return i, nil
		}

		safe := s.safePrefix(len(data))
		s.scanFrom = safe

		if safe > s.maxLength {
			out.Truncate(s.msgStart)
			s.finish()
			return 0, ErrMessageTooLarge
		}

		if out.Writable() == 0 {
			if err := out.Grow(s.readSize); err != nil {
				return 0, err
			}
		}

		if err := s.fill(out, s.readSize); err != nil {
			return 0, err
		}
	}
}

// SendMessage writes p followed by the delimiter in a single scattered write.
func (s *Delimiter) SendMessage(p []byte, timeout time.Duration) error {
	if len(p) > s.maxLength {
		return ErrMessageTooLarge
	}
	if bytes.Contains(p, s.delim) {
		return ErrDelimiterInMessage
	}

	return s.writev(timeout, p, s.delim)
}

func (s *Delimiter) safePrefix(n int) int {
	safe := n - (len(s.delim) - 1)
	if safe < 0 {
		return 0
	}

	return safe
}

func (s *Delimiter) finish() {
	s.mode = modeIdle
	s.scanFrom = 0
	s.flushed = 0
	s.msgStart = 0
}

var _ MessageStream = (*Delimiter)(nil)
