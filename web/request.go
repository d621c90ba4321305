package web

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/luma/beacon/internal/httpparse"
	"github.com/luma/beacon/stream"
)

// Request is one HTTP request received on a Conn.
type Request struct {
	Method string
	Target string
	Major  int
	Minor  int
	Header Header

	ContentLength int64
	KeepAlive     bool
	Upgrade       bool

	Body []byte
}

// Path is the request target without its query.
func (r *Request) Path() string {
	if i := strings.IndexByte(r.Target, '?'); i >= 0 {
		return r.Target[:i]
	}

	return r.Target
}

// Query is the part of the target after '?'.
func (r *Request) Query() string {
	if i := strings.IndexByte(r.Target, '?'); i >= 0 {
		return r.Target[i+1:]
	}

	return ""
}

func (r *Request) Proto() string {
	return "HTTP/" + strconv.Itoa(r.Major) + "." + strconv.Itoa(r.Minor)
}

// requestBuilder assembles a Request from parser events.
type requestBuilder struct {
	maxContentLength int64

	req   *Request
	token []byte
	field string
}

func (b *requestBuilder) reset() {
	b.req = &Request{}
	b.token = b.token[:0]
	b.field = ""
}

func (b *requestBuilder) take() *Request {
	req := b.req
	b.req = nil

	return req
}

func (b *requestBuilder) OnSpan(ev httpparse.Event, p []byte) error {
	if ev == httpparse.EventBody {
		b.req.Body = append(b.req.Body, p...)
		return nil
	}

	b.token = append(b.token, p...)
	return nil
}

func (b *requestBuilder) OnTokenEnd(ev httpparse.Event) error {
	token := string(b.token)
	b.token = b.token[:0]

	switch ev {
	case httpparse.EventMethod:
		b.req.Method = token
	case httpparse.EventTarget:
		b.req.Target = token
	case httpparse.EventHeaderField:
		b.field = token
	case httpparse.EventHeaderValue:
		b.req.Header.Add(b.field, strings.TrimRight(token, " \t"))
	}

	return nil
}

func (b *requestBuilder) OnHeadersComplete(major, minor int) (int64, error) {
	req := b.req
	req.Major, req.Minor = major, minor

	if req.Header.Has("Transfer-Encoding") {
		return 0, stream.NewProtocolError(http.StatusNotImplemented, "transfer codings are not supported")
	}

	length, err := contentLength(&req.Header)
	if err != nil {
		return 0, err
	}
	if length > b.maxContentLength {
		return 0, stream.NewProtocolError(http.StatusRequestEntityTooLarge, "content length exceeds the limit")
	}

	req.ContentLength = length
	if length > 0 {
		req.Body = make([]byte, 0, length)
	}

	switch {
	case req.Header.HasToken("Connection", "close"):
		req.KeepAlive = false
	case minor == 0:
		req.KeepAlive = req.Header.HasToken("Connection", "keep-alive")
	default:
		req.KeepAlive = true
	}

	req.Upgrade = req.Header.HasToken("Connection", "upgrade") && req.Header.Has("Upgrade")

	return length, nil
}

func (b *requestBuilder) OnMessageComplete() error { return nil }

func contentLength(h *Header) (int64, error) {
	values := h.Values("Content-Length")
	if len(values) == 0 {
		return 0, nil
	}

	length, err := strconv.ParseInt(strings.TrimSpace(values[0]), 10, 64)
	if err != nil || length < 0 {
		return 0, stream.NewProtocolError(http.StatusBadRequest, "invalid Content-Length")
	}

	for _, v := range values[1:] {
		if strings.TrimSpace(v) != strings.TrimSpace(values[0]) {
			return 0, stream.NewProtocolError(http.StatusBadRequest, "conflicting Content-Length")
		}
	}

	return length, nil
}

var _ httpparse.Handler = (*requestBuilder)(nil)
