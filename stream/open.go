package stream

import (
	"encoding/binary"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/luma/beacon/buffer"
)

const (
	FramingDelimiter = "line"
	FramingLength    = "length"
)

// Config selects and configures a framing for Open.
type Config struct {
	// Framing is FramingDelimiter or FramingLength. Empty means delimiter.
	Framing string

	Delimiter  []byte
	BufferSize int

	// Fast makes a delimiter stream receive with RecvMessageFast.
	Fast bool

	LengthFormat int
	// LengthOrder is "big" or "little".
	LengthOrder string

	MaxMessageLength int
}

// Open wraps nc in the framing cfg describes.
func Open(nc net.Conn, cfg Config) (MessageStream, error) {
	switch strings.ToLower(cfg.Framing) {
	case "", FramingDelimiter:
		s, err := NewDelimiter(nc, DelimiterOptions{
			Delimiter:        cfg.Delimiter,
			MaxMessageLength: cfg.MaxMessageLength,
			BufferSize:       cfg.BufferSize,
		})
		if err != nil {
			return nil, err
		}

		if cfg.Fast {
			return fastDelimiter{s}, nil
		}

		return s, nil

	case FramingLength:
		order, err := ParseByteOrder(cfg.LengthOrder)
		if err != nil {
			return nil, err
		}

		s, err := NewLength(nc, LengthOptions{
			FormatSize:       cfg.LengthFormat,
			ByteOrder:        order,
			MaxMessageLength: cfg.MaxMessageLength,
		})
		if err != nil {
			return nil, err
		}

		return s, nil

	default:
		return nil, fmt.Errorf("unknown framing %q", cfg.Framing)
	}
}

func ParseByteOrder(name string) (binary.ByteOrder, error) {
	switch strings.ToLower(name) {
	case "", "big":
		return binary.BigEndian, nil
	case "little":
		return binary.LittleEndian, nil
	default:
		return nil, fmt.Errorf("unknown byte order %q", name)
	}
}

type fastDelimiter struct {
	*Delimiter
}

func (s fastDelimiter) RecvMessage(out *buffer.Buffer, timeout time.Duration) (int, error) {
	return s.RecvMessageFast(out, timeout)
}
