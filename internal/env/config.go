package env

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/sethvargo/go-envconfig"

	"github.com/luma/beacon/stream"
	"github.com/luma/beacon/transport"
)

type Config struct {
	Region    string `env:"BEACON_REGION"`
	DebugHTTP bool   `env:"BEACON_DEBUG_HTTP"`

	// Framing of the line protocol, "line" or "length".
	Framing string `env:"BEACON_FRAMING,default=line"`

	// Delimiter accepts Go escapes, so `\r\n` means CRLF.
	Delimiter    string `env:"BEACON_DELIMITER,default=\\r\\n"`
	FastScan     bool   `env:"BEACON_FAST_SCAN"`
	LengthFormat int    `env:"BEACON_LENGTH_FORMAT,default=4"`
	LengthOrder  string `env:"BEACON_LENGTH_ORDER,default=big"`

	BufferSize       int   `env:"BEACON_BUFFER_SIZE,default=4096"`
	MaxMessageLength int   `env:"BEACON_MAX_MESSAGE_LENGTH,default=1048576"`
	MaxHeaderLength  int   `env:"BEACON_MAX_HEADER_LENGTH,default=8192"`
	MaxContentLength int64 `env:"BEACON_MAX_CONTENT_LENGTH,default=8388608"`
	MaxFrameLength   int64 `env:"BEACON_MAX_FRAME_LENGTH,default=1048576"`

	ReadTimeout    time.Duration `env:"BEACON_READ_TIMEOUT,default=30s"`
	WriteTimeout   time.Duration `env:"BEACON_WRITE_TIMEOUT,default=10s"`
	RequestTimeout time.Duration `env:"BEACON_REQUEST_TIMEOUT,default=3s"`

	// MaxConns caps connections per listener, zero for no cap.
	MaxConns     int           `env:"BEACON_MAX_CONNS"`
	TCPKeepAlive time.Duration `env:"BEACON_TCP_KEEPALIVE,default=3m"`

	WSRate  float64 `env:"BEACON_WS_RATE,default=100"`
	WSBurst int     `env:"BEACON_WS_BURST,default=200"`
}

func LoadConfig(ctx context.Context) (*Config, error) {
	config := Config{}

	if err := godotenv.Load(".env.local"); err != nil {
		if !os.IsNotExist(err) {
			panic(err)
		}
	}

	if err := envconfig.Process(ctx, &config); err != nil {
		return nil, err
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return &config, nil
}

// Validate catches settings the servers would otherwise only reject once a
// client connects.
func (c *Config) Validate() error {
	if _, err := c.delimiter(); err != nil {
		return err
	}

	if _, err := stream.ParseByteOrder(c.LengthOrder); err != nil {
		return err
	}

	switch strings.ToLower(c.Framing) {
	case stream.FramingDelimiter, stream.FramingLength:
	default:
		return fmt.Errorf("BEACON_FRAMING: unknown framing %q", c.Framing)
	}

	switch c.LengthFormat {
	case 1, 2, 4, 8:
	default:
		return fmt.Errorf("BEACON_LENGTH_FORMAT: must be 1, 2, 4 or 8, got %d", c.LengthFormat)
	}

	if c.MaxMessageLength < 0 || c.MaxHeaderLength < 0 || c.MaxContentLength < 0 || c.MaxFrameLength < 0 {
		return fmt.Errorf("length limits must not be negative")
	}

	return nil
}

func (c *Config) delimiter() ([]byte, error) {
	d, err := strconv.Unquote(`"` + c.Delimiter + `"`)
	if err != nil {
		return nil, fmt.Errorf("BEACON_DELIMITER: %w", err)
	}
	if d == "" {
		return nil, fmt.Errorf("BEACON_DELIMITER: must not be empty")
	}

	return []byte(d), nil
}

// Stream is the framing shared by the line server and its clients.
func (c *Config) Stream() stream.Config {
	delim, _ := c.delimiter()

	return stream.Config{
		Framing:          c.Framing,
		Delimiter:        delim,
		BufferSize:       c.BufferSize,
		Fast:             c.FastScan,
		LengthFormat:     c.LengthFormat,
		LengthOrder:      c.LengthOrder,
		MaxMessageLength: c.MaxMessageLength,
	}
}

func (c *Config) LineOptions() transport.LineOptions {
	return transport.LineOptions{
		Stream:         c.Stream(),
		ReadTimeout:    c.ReadTimeout,
		WriteTimeout:   c.WriteTimeout,
		RequestTimeout: c.RequestTimeout,
	}
}

func (c *Config) WebOptions() transport.WebOptions {
	return transport.WebOptions{
		MaxHeaderLength:  c.MaxHeaderLength,
		MaxContentLength: c.MaxContentLength,
		MaxFrameLength:   uint64(c.MaxFrameLength),
		BufferSize:       c.BufferSize,
		ReadTimeout:      c.ReadTimeout,
		WriteTimeout:     c.WriteTimeout,
		FrameTimeout:     c.ReadTimeout,
		MessageRate:      c.WSRate,
		MessageBurst:     c.WSBurst,
		RequestTimeout:   c.RequestTimeout,
	}
}
