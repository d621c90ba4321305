// Package httpparse is an incremental HTTP/1.x request parser.
//
// The parser holds no request data itself. It scans whatever bytes it is
// given and reports spans of the request to a Handler, so a token split
// across two reads arrives as two OnSpan calls followed by one OnTokenEnd.
// Execute stops at the end of a request and leaves any pipelined bytes
// unconsumed.
package httpparse

import (
	"errors"
)

var (
	ErrInvalidMethod      = errors.New("invalid request method")
	ErrInvalidTarget      = errors.New("invalid request target")
	ErrInvalidVersion     = errors.New("invalid HTTP version")
	ErrUnsupportedVersion = errors.New("unsupported HTTP version")
	ErrInvalidHeader      = errors.New("invalid header field")
	ErrInvalidLineEnding  = errors.New("invalid line ending")
	ErrTargetTooLong      = errors.New("request target exceeds the head limit")
	ErrHeadTooLarge       = errors.New("request head exceeds the head limit")
	ErrNegativeLength     = errors.New("negative content length")
	ErrMessageComplete    = errors.New("request already complete, parser must be reset")
)

type Event uint8

const (
	EventMethod Event = iota + 1
	EventTarget
	EventHeaderField
	EventHeaderValue
	EventBody
)

func (e Event) String() string {
	switch e {
	case EventMethod:
		return "method"
	case EventTarget:
		return "target"
	case EventHeaderField:
		return "header field"
	case EventHeaderValue:
		return "header value"
	case EventBody:
		return "body"
	default:
		return "unknown"
	}
}

// Handler receives the parse events of one request.
type Handler interface {
	// OnSpan delivers part of a token. A token may span several calls.
	OnSpan(ev Event, b []byte) error

	// OnTokenEnd marks the end of the method, target, a header field or a
	// header value.
	OnTokenEnd(ev Event) error

	// OnHeadersComplete is called after the empty line ending the head. The
	// handler decides how many body bytes follow.
	OnHeadersComplete(major, minor int) (contentLength int64, err error)

	OnMessageComplete() error
}

type state uint8

const (
	sMethod state = iota
	sTarget
	sVersion
	sVersionLF
	sHeaderStart
	sHeaderField
	sHeaderValueOWS
	sHeaderValue
	sHeaderValueLF
	sHeadEndLF
	sBody
	sDone
	sError
)

type Parser struct {
	// MaxHeadLength bounds the request line plus header block. Zero means no
	// bound.
	MaxHeadLength int

	handler Handler

	state    state
	err      error
	tokenLen int
	headLen  int

	version    [8]byte
	versionLen int
	major      int
	minor      int

	remaining int64
}

func New(handler Handler) *Parser {
	return &Parser{handler: handler}
}

// Reset prepares the parser for the next request on the same connection.
func (p *Parser) Reset() {
	p.state = sMethod
	p.err = nil
	p.tokenLen = 0
	p.headLen = 0
	p.versionLen = 0
	p.major, p.minor = 0, 0
	p.remaining = 0
}

// Done reports whether a full request has been parsed.
func (p *Parser) Done() bool { return p.state == sDone }

// HeadersComplete reports whether the head has been parsed.
func (p *Parser) HeadersComplete() bool { return p.state >= sBody && p.state != sError }

// Started reports whether any byte of the current request has been seen.
func (p *Parser) Started() bool { return p.headLen > 0 }

// HeadLength is the number of head bytes consumed so far.
func (p *Parser) HeadLength() int { return p.headLen }

// Execute parses as much of data as belongs to the current request and
// returns the number of bytes consumed.
func (p *Parser) Execute(data []byte) (int, error) {
	switch p.state {
	case sError:
		return 0, p.err
	case sDone:
		return 0, ErrMessageComplete
	}

	n, err := p.execute(data)
	if err != nil {
		p.state = sError
		p.err = err
	}

	return n, err
}

func (p *Parser) execute(data []byte) (int, error) {
	i := 0

	for i < len(data) {
		if p.state < sBody {
			if err := p.checkHeadLength(); err != nil {
				return i, err
			}
		}

		switch p.state {
		case sMethod:
			// RFC 9112 section 2.2: ignore empty lines ahead of the request-line.
			if p.headLen == 0 && (data[i] == '\r' || data[i] == '\n') {
				i++
				continue
			}

			start := i
			for i < len(data) && data[i] != ' ' {
				if !isTokenChar(data[i]) {
					return i, ErrInvalidMethod
				}
				i++
			}

			if err := p.span(EventMethod, data[start:i]); err != nil {
				return i, err
			}

			if i < len(data) {
				if p.tokenLen == 0 {
					return i, ErrInvalidMethod
				}
				if err := p.endToken(EventMethod, sTarget); err != nil {
					return i, err
				}
				i++
				p.headLen++
			}

		case sTarget:
			start := i
			for i < len(data) && data[i] != ' ' {
				if data[i] <= ' ' || data[i] == 0x7f {
					return i, ErrInvalidTarget
				}
				i++
			}

			if err := p.span(EventTarget, data[start:i]); err != nil {
				return i, err
			}

			if i < len(data) {
				if p.tokenLen == 0 {
					return i, ErrInvalidTarget
				}
				if err := p.endToken(EventTarget, sVersion); err != nil {
					return i, err
				}
				i++
				p.headLen++
			}

		case sVersion:
			c := data[i]
			switch c {
			case '\r', '\n':
				if err := p.parseVersion(); err != nil {
					return i, err
				}
				p.state = sHeaderStart
				if c == '\r' {
					p.state = sVersionLF
				}
			default:
				if p.versionLen == len(p.version) {
					return i, ErrInvalidVersion
				}
				p.version[p.versionLen] = c
				p.versionLen++
			}
			i++
			p.headLen++

		case sVersionLF, sHeaderValueLF:
			if data[i] != '\n' {
				return i, ErrInvalidLineEnding
			}
			p.state = sHeaderStart
			i++
			p.headLen++

		case sHeaderStart:
			switch c := data[i]; {
			case c == '\r':
				p.state = sHeadEndLF
				i++
				p.headLen++
			case c == '\n':
				i++
				p.headLen++
				done, err := p.headersComplete()
				if err != nil || done {
					return i, err
				}
			case isTokenChar(c):
				p.state = sHeaderField
			default:
				// Covers obsolete line folding as well.
				return i, ErrInvalidHeader
			}

		case sHeaderField:
			start := i
			for i < len(data) && data[i] != ':' {
				if !isTokenChar(data[i]) {
					return i, ErrInvalidHeader
				}
				i++
			}

			if err := p.span(EventHeaderField, data[start:i]); err != nil {
				return i, err
			}

			if i < len(data) {
				if err := p.endToken(EventHeaderField, sHeaderValueOWS); err != nil {
					return i, err
				}
				i++
				p.headLen++
			}

		case sHeaderValueOWS:
			switch data[i] {
			case ' ', '\t':
				i++
				p.headLen++
			default:
				p.state = sHeaderValue
			}

		case sHeaderValue:
			start := i
			for i < len(data) && data[i] != '\r' && data[i] != '\n' {
				if c := data[i]; (c < ' ' && c != '\t') || c == 0x7f {
					return i, ErrInvalidHeader
				}
				i++
			}

			if err := p.span(EventHeaderValue, data[start:i]); err != nil {
				return i, err
			}

			if i < len(data) {
				next := sHeaderStart
				if data[i] == '\r' {
					next = sHeaderValueLF
				}
				if err := p.endToken(EventHeaderValue, next); err != nil {
					return i, err
				}
				i++
				p.headLen++
			}

		case sHeadEndLF:
			if data[i] != '\n' {
				return i, ErrInvalidLineEnding
			}
			i++
			p.headLen++

			done, err := p.headersComplete()
			if err != nil || done {
				return i, err
			}

		case sBody:
			n := int64(len(data) - i)
			if n > p.remaining {
				n = p.remaining
			}

			if err := p.handler.OnSpan(EventBody, data[i:i+int(n)]); err != nil {
				return i, err
			}
			i += int(n)
			p.remaining -= n

			if p.remaining == 0 {
				return i, p.complete()
			}

		case sDone:
			return i, nil
		}
	}

	if p.state < sBody {
		return i, p.checkHeadLength()
	}

	return i, nil
}

func (p *Parser) span(ev Event, b []byte) error {
	if len(b) == 0 {
		return nil
	}

	p.tokenLen += len(b)
	p.headLen += len(b)

	return p.handler.OnSpan(ev, b)
}

func (p *Parser) endToken(ev Event, next state) error {
	p.tokenLen = 0
	p.state = next

	return p.handler.OnTokenEnd(ev)
}

func (p *Parser) checkHeadLength() error {
	if p.MaxHeadLength <= 0 || p.headLen <= p.MaxHeadLength {
		return nil
	}

	if p.state <= sTarget {
		return ErrTargetTooLong
	}

	return ErrHeadTooLarge
}

func (p *Parser) parseVersion() error {
	v := p.version[:p.versionLen]

	if len(v) != 8 || string(v[:5]) != "HTTP/" || v[6] != '.' || !isDigit(v[5]) || !isDigit(v[7]) {
		return ErrInvalidVersion
	}

	p.major = int(v[5] - '0')
	p.minor = int(v[7] - '0')

	if p.major != 1 {
		return ErrUnsupportedVersion
	}

	return nil
}

// headersComplete reports whether the request ended with its head.
func (p *Parser) headersComplete() (bool, error) {
	if err := p.checkHeadLength(); err != nil {
		return false, err
	}

	length, err := p.handler.OnHeadersComplete(p.major, p.minor)
	if err != nil {
		return false, err
	}
	if length < 0 {
		return false, ErrNegativeLength
	}

	p.remaining = length
	if length == 0 {
		return true, p.complete()
	}

	p.state = sBody

	return false, nil
}

func (p *Parser) complete() error {
	p.state = sDone
	return p.handler.OnMessageComplete()
}

func isDigit(c byte) bool { return c >= '0' && c <= '9' }

// isTokenChar reports whether c is a tchar per RFC 9110 section 5.6.2.
func isTokenChar(c byte) bool {
	switch {
	case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', isDigit(c):
		return true
	}

	switch c {
	case '!', '#', '$', '%', '&', '\'', '*', '+', '-', '.', '^', '_', '`', '|', '~':
		return true
	}

	return false
}
