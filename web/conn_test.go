package web_test

import (
	"bufio"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	"github.com/luma/beacon/stream"
	"github.com/luma/beacon/web"
	"github.com/luma/beacon/websocket"
)

type countingRegistry struct {
	mu  sync.Mutex
	ids []uint64
}

func (r *countingRegistry) Offline(id uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.ids = append(r.ids, id)
}

func (r *countingRegistry) offline() []uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()

	return append([]uint64(nil), r.ids...)
}

func send(conn net.Conn, chunks ...string) <-chan error {
	done := make(chan error, 1)

	go func() {
		defer GinkgoRecover()

		for _, chunk := range chunks {
			if _, err := conn.Write([]byte(chunk)); err != nil {
				done <- err
				return
			}
		}

		done <- nil
	}()

	return done
}

func async(fn func() error) <-chan error {
	done := make(chan error, 1)

	go func() {
		defer GinkgoRecover()
		done <- fn()
	}()

	return done
}

func expectStatus(err error, status int) {
	var protoErr *stream.ProtocolError
	ExpectWithOffset(1, errors.As(err, &protoErr)).To(BeTrue(), "got %v", err)
	ExpectWithOffset(1, protoErr.Status).To(Equal(status))
}

var _ = Describe("Conn", func() {
	var (
		local, remote net.Conn
		reader        *bufio.Reader
		registry      *countingRegistry
		conn          *web.Conn
		opts          web.Options
	)

	BeforeEach(func() {
		local, remote = net.Pipe()
		reader = bufio.NewReader(remote)
		registry = &countingRegistry{}
		opts = web.Options{ID: 7, Registry: registry, ReadTimeout: time.Second, WriteTimeout: time.Second}
	})

	JustBeforeEach(func() {
		conn = web.NewConn(local, opts)
	})

	AfterEach(func() {
		conn.Close()
		remote.Close()
	})

	respond := func(status int, body string) *http.Response {
		done := async(func() error { return conn.Respond(status, nil, []byte(body)) })

		resp, err := http.ReadResponse(reader, nil)
		Expect(err).NotTo(HaveOccurred())
		_, err = io.ReadAll(resp.Body)
		Expect(err).NotTo(HaveOccurred())
		Expect(<-done).To(Succeed())

		return resp
	}

	Describe("RecvHTTPRequest", func() {
		It("parses a request delivered in pieces", func() {
			done := send(remote, "POST /keys/a?x=1 HT", "TP/1.1\r\nHost: h\r\nContent-", "Length: 5\r\n\r\nhel", "lo")

			req, err := conn.RecvHTTPRequest()
			Expect(err).NotTo(HaveOccurred())
			Expect(<-done).To(Succeed())

			Expect(req.Method).To(Equal("POST"))
			Expect(req.Path()).To(Equal("/keys/a"))
			Expect(req.Query()).To(Equal("x=1"))
			Expect(req.Proto()).To(Equal("HTTP/1.1"))
			Expect(req.Header.Get("host")).To(Equal("h"))
			Expect(req.ContentLength).To(Equal(int64(5)))
			Expect(string(req.Body)).To(Equal("hello"))
			Expect(req.KeepAlive).To(BeTrue())
			Expect(conn.KeepAlive()).To(Equal(web.KeepAliveTrue))
		})

		It("keeps a pipelined request for the next call", func() {
			done := send(remote, "GET /a HTTP/1.1\r\n\r\nGET /b HTTP/1.1\r\n\r\n")

			first, err := conn.RecvHTTPRequest()
			Expect(err).NotTo(HaveOccurred())
			Expect(<-done).To(Succeed())

			second, err := conn.RecvHTTPRequest()
			Expect(err).NotTo(HaveOccurred())

			Expect(first.Target).To(Equal("/a"))
			Expect(second.Target).To(Equal("/b"))
		})

		It("resumes the same request after a timeout", func() {
			conn = web.NewConn(local, web.Options{ReadTimeout: 50 * time.Millisecond})

			first := send(remote, "GET /slow HT")

			_, err := conn.RecvHTTPRequest()
			Expect(stream.IsTimeout(err)).To(BeTrue())
			Expect(<-first).To(Succeed())
			Expect(conn.Started()).To(BeTrue())

			done := send(remote, "TP/1.1\r\n\r\n")
			req, err := conn.RecvHTTPRequest()
			Expect(err).NotTo(HaveOccurred())
			Expect(<-done).To(Succeed())
			Expect(req.Target).To(Equal("/slow"))
		})

		It("surfaces a closed peer as a ConnectionError", func() {
			remote.Close()

			_, err := conn.RecvHTTPRequest()
			var connErr *stream.ConnectionError
			Expect(errors.As(err, &connErr)).To(BeTrue())
			Expect(web.IsPeerClosed(err)).To(BeTrue())
		})

		Context("with a small head limit", func() {
			BeforeEach(func() {
				opts.MaxHeaderLength = 64
				opts.MaxContentLength = 4
			})

			It("answers an over-long target with 414", func() {
				send(remote, "GET /"+strings.Repeat("a", 100)+" HTTP/1.1\r\n\r\n")

				_, err := conn.RecvHTTPRequest()
				expectStatus(err, http.StatusRequestURITooLong)
			})

			It("answers an over-large head with 431", func() {
				send(remote, "GET / HTTP/1.1\r\nX-Padding: "+strings.Repeat("a", 100)+"\r\n\r\n")

				_, err := conn.RecvHTTPRequest()
				expectStatus(err, http.StatusRequestHeaderFieldsTooLarge)
			})

			It("answers an over-large body with 413", func() {
				send(remote, "PUT / HTTP/1.1\r\nContent-Length: 10\r\n\r\n")

				_, err := conn.RecvHTTPRequest()
				expectStatus(err, http.StatusRequestEntityTooLarge)
			})
		})

		It("answers a chunked request with 501", func() {
			send(remote, "PUT / HTTP/1.1\r\nTransfer-Encoding: chunked\r\n\r\n")

			_, err := conn.RecvHTTPRequest()
			expectStatus(err, http.StatusNotImplemented)
		})

		It("answers an unknown major version with 505", func() {
			send(remote, "GET / HTTP/2.0\r\n\r\n")

			_, err := conn.RecvHTTPRequest()
			expectStatus(err, http.StatusHTTPVersionNotSupported)
		})

		It("answers garbage with 400", func() {
			send(remote, "G(T / HTTP/1.1\r\n\r\n")

			_, err := conn.RecvHTTPRequest()
			expectStatus(err, http.StatusBadRequest)
		})
	})

	Describe("keep-alive", func() {
		It("leaves the Connection header out while unspecified", func() {
			resp := respond(http.StatusOK, "ok")

			Expect(resp.Header.Get("Connection")).To(BeEmpty())
			Expect(resp.ContentLength).To(Equal(int64(2)))
		})

		It("keeps an HTTP/1.1 connection open by default", func() {
			send(remote, "GET / HTTP/1.1\r\n\r\n")
			_, err := conn.RecvHTTPRequest()
			Expect(err).NotTo(HaveOccurred())

			resp := respond(http.StatusOK, "ok")
			Expect(resp.Header.Get("Connection")).To(Equal("keep-alive"))
		})

		It("closes an HTTP/1.0 connection unless asked to keep it", func() {
			send(remote, "GET / HTTP/1.0\r\n\r\n")
			_, err := conn.RecvHTTPRequest()
			Expect(err).NotTo(HaveOccurred())
			Expect(conn.KeepAlive()).To(Equal(web.KeepAliveFalse))

			resp := respond(http.StatusOK, "ok")
			Expect(resp.Header.Get("Connection")).To(Equal("close"))

			_, err = conn.RecvHTTPRequest()
			Expect(err).To(MatchError(web.ErrKeepAliveDone))
		})

		It("honours Connection: keep-alive on HTTP/1.0", func() {
			send(remote, "GET / HTTP/1.0\r\nConnection: keep-alive\r\n\r\n")
			_, err := conn.RecvHTTPRequest()
			Expect(err).NotTo(HaveOccurred())
			Expect(conn.KeepAlive()).To(Equal(web.KeepAliveTrue))
		})

		It("lets the application override the request", func() {
			send(remote, "GET / HTTP/1.1\r\n\r\n")
			_, err := conn.RecvHTTPRequest()
			Expect(err).NotTo(HaveOccurred())

			conn.SetKeepAlive(web.KeepAliveFalse)

			resp := respond(http.StatusOK, "bye")
			Expect(resp.Header.Get("Connection")).To(Equal("close"))
		})

		It("computes Content-Length itself", func() {
			header := &web.Header{}
			header.Add("Content-Length", "999")
			header.Add("X-Key", "a")

			done := async(func() error { return conn.Respond(http.StatusOK, header, []byte("abc")) })

			resp, err := http.ReadResponse(reader, nil)
			Expect(err).NotTo(HaveOccurred())
			body, err := io.ReadAll(resp.Body)
			Expect(err).NotTo(HaveOccurred())
			Expect(<-done).To(Succeed())
			Expect(string(body)).To(Equal("abc"))
			Expect(resp.ContentLength).To(Equal(int64(3)))
			Expect(resp.Header.Get("X-Key")).To(Equal("a"))
		})
	})

	Describe("UpgradeToWebSocket", func() {
		const handshake = "GET /ws HTTP/1.1\r\n" +
			"Host: server.example.com\r\n" +
			"Upgrade: websocket\r\n" +
			"Connection: Upgrade\r\n" +
			"Sec-WebSocket-Key: dGhlIHNhbXBsZSBub25jZQ==\r\n" +
			"Sec-WebSocket-Version: 13\r\n\r\n"

		maskedText := func(payload string) string {
			h := websocket.Header{Fin: true, Opcode: websocket.OpText, Masked: true, Mask: [4]byte{1, 2, 3, 4}, Length: uint64(len(payload))}
			data := []byte(payload)
			websocket.Mask(data, h.Mask, 0)

			return string(append(websocket.AppendHeader(nil, h), data...))
		}

		upgrade := func() *http.Response {
			req, err := conn.RecvHTTPRequest()
			Expect(err).NotTo(HaveOccurred())
			Expect(req.Upgrade).To(BeTrue())

			done := async(func() error { return conn.UpgradeToWebSocket(req) })

			resp, err := http.ReadResponse(reader, nil)
			Expect(err).NotTo(HaveOccurred())
			Expect(<-done).To(Succeed())

			return resp
		}

		It("answers with the derived accept key and switches protocol", func() {
			send(remote, handshake)

			resp := upgrade()
			Expect(resp.StatusCode).To(Equal(http.StatusSwitchingProtocols))
			Expect(resp.Header.Get("Sec-WebSocket-Accept")).To(Equal("s3pPLMBiTxaQ9kYGzzhZRbK+xOo="))
			Expect(resp.Header.Get("Upgrade")).To(Equal("websocket"))
			Expect(conn.Protocol()).To(Equal(web.ProtocolWebSocket))

			_, err := conn.RecvHTTPRequest()
			Expect(err).To(MatchError(web.ErrUpgraded))
			Expect(conn.Respond(http.StatusOK, nil, nil)).To(MatchError(web.ErrUpgraded))
		})

		It("hands bytes following the handshake to the frame codec", func() {
			done := send(remote, handshake+maskedText("early"))
			upgrade()
			Expect(<-done).To(Succeed())

			frame := &websocket.Frame{}
			Expect(conn.RecvFrame(frame)).To(Succeed())
			Expect(string(frame.Data())).To(Equal("early"))
		})

		It("delivers text frames to the peer", func() {
			send(remote, handshake)
			upgrade()

			done := async(func() error { return conn.Deliver([]byte("news")) })

			wire := make([]byte, 6)
			_, err := io.ReadFull(reader, wire)
			Expect(err).NotTo(HaveOccurred())
			Expect(<-done).To(Succeed())

			h, n, err := websocket.ParseHeader(wire)
			Expect(err).NotTo(HaveOccurred())
			Expect(h.Opcode).To(Equal(websocket.OpText))
			Expect(h.Masked).To(BeFalse())
			Expect(string(wire[n:])).To(Equal("news"))
		})

		It("rejects an invalid key without switching", func() {
			send(remote, "GET /ws HTTP/1.1\r\nUpgrade: websocket\r\nConnection: Upgrade\r\nSec-WebSocket-Key: short\r\n\r\n")

			req, err := conn.RecvHTTPRequest()
			Expect(err).NotTo(HaveOccurred())

			err = conn.UpgradeToWebSocket(req)
			expectStatus(err, http.StatusBadRequest)
			Expect(conn.Protocol()).To(Equal(web.ProtocolHTTP))

			resp := respond(http.StatusBadRequest, "bad")
			Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
		})

		It("refuses frames before the upgrade", func() {
			Expect(conn.RecvFrame(&websocket.Frame{})).To(MatchError(web.ErrNotUpgraded))
			Expect(conn.Deliver([]byte("x"))).To(MatchError(web.ErrNotUpgraded))
		})
	})

	Describe("Close", func() {
		It("deregisters once however often it is called", func() {
			var wg sync.WaitGroup
			for i := 0; i < 8; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					conn.Close()
				}()
			}
			wg.Wait()

			Expect(registry.offline()).To(Equal([]uint64{7}))
			Expect(conn.Closed()).To(BeTrue())

			_, err := conn.RecvHTTPRequest()
			Expect(err).To(MatchError(web.ErrClosed))
		})
	})
})
