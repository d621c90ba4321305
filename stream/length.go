package stream

import (
	"encoding/binary"
	"net"
	"time"

	"github.com/luma/beacon/buffer"
)

type LengthOptions struct {
	// FormatSize is the width of the length prefix in bytes: 1, 2, 4 or 8.
	// Defaults to 4.
	FormatSize int

	// ByteOrder of the prefix. Defaults to big endian.
	ByteOrder binary.ByteOrder

	MaxMessageLength int
}

// Length frames messages as [length][payload].
type Length struct {
	conn

	size      int
	order     binary.ByteOrder
	maxLength int

	header   [8]byte
	have     int
	inBody   bool
	bodyLen  int
	bodyHave int
}

func NewLength(nc net.Conn, opts LengthOptions) (*Length, error) {
	size := opts.FormatSize
	if size == 0 {
		size = 4
	}

	switch size {
	case 1, 2, 4, 8:
	default:
		return nil, ErrInvalidFormatSize
	}

	order := opts.ByteOrder
	if order == nil {
		order = binary.BigEndian
	}

	maxLength := opts.MaxMessageLength
	if maxLength <= 0 {
		maxLength = DefaultMaxMessageLength
	}

	return &Length{
		conn:      conn{nc: nc},
		size:      size,
		order:     order,
		maxLength: maxLength,
	}, nil
}

// RecvMessage appends the next message to out and returns its length.
//
// The prefix is checked against the maximum length as soon as it is
// decoded; an oversized message fails with ErrMessageTooLarge without any
// of its body being read.
func (s *Length) RecvMessage(out *buffer.Buffer, timeout time.Duration) (int, error) {
	unlock, err := out.Lock()
	if err != nil {
		return 0, err
	}
	defer unlock()

	if err := s.readDeadline(timeout); err != nil {
		return 0, connError("recv", err)
	}

	for s.have < s.size {
		n, err := s.nc.Read(s.header[s.have:s.size])
		s.have += n

		if n == 0 && err != nil {
			return 0, connError("recv", err)
		}
	}

	if !s.inBody {
		length := s.decode()
		if length > uint64(s.maxLength) {
			s.reset()
			return 0, ErrMessageTooLarge
		}

		s.inBody = true
		s.bodyLen = int(length)
	}

	for s.bodyHave < s.bodyLen {
		remaining := s.bodyLen - s.bodyHave
		if out.Writable() < remaining {
			if err := out.Grow(remaining); err != nil {
				return 0, err
			}
		}

		n, err := out.ReadAtMost(s.nc, remaining)
		s.bodyHave += n

		if n == 0 && err != nil {
			return 0, connError("recv", err)
		}
	}

	n := s.bodyLen
	s.reset()

	return n, nil
}

// SendMessage writes the prefix and p in one scattered write.
func (s *Length) SendMessage(p []byte, timeout time.Duration) error {
	if len(p) > s.maxLength || uint64(len(p)) > s.maxEncodable() {
		return ErrMessageTooLarge
	}

	var header [8]byte
	s.encode(header[:s.size], uint64(len(p)))

	return s.writev(timeout, header[:s.size], p)
}

func (s *Length) decode() uint64 {
	h := s.header[:s.size]

	switch s.size {
	case 1:
		return uint64(h[0])
	case 2:
		return uint64(s.order.Uint16(h))
	case 4:
		return uint64(s.order.Uint32(h))
	default:
		return s.order.Uint64(h)
	}
}

func (s *Length) encode(h []byte, n uint64) {
	switch s.size {
	case 1:
		h[0] = byte(n)
	case 2:
		s.order.PutUint16(h, uint16(n))
	case 4:
		s.order.PutUint32(h, uint32(n))
	default:
		s.order.PutUint64(h, n)
	}
}

func (s *Length) maxEncodable() uint64 {
	if s.size == 8 {
		return ^uint64(0)
	}

	return 1<<(8*uint(s.size)) - 1
}

func (s *Length) reset() {
	s.have = 0
	s.inBody = false
	s.bodyLen = 0
	s.bodyHave = 0
}

var _ MessageStream = (*Length)(nil)
