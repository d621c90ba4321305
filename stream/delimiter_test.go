package stream_test

import (
	"bytes"
	"errors"
	"io"
	"net"
	"time"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	"github.com/luma/beacon/buffer"
	"github.com/luma/beacon/stream"
)

type recvFunc func(s *stream.Delimiter, out *buffer.Buffer, timeout time.Duration) (int, error)

var (
	buffered recvFunc = (*stream.Delimiter).RecvMessage
	fast     recvFunc = (*stream.Delimiter).RecvMessageFast
)

var _ = Describe("Delimiter", func() {
	var (
		local, remote net.Conn
	)

	BeforeEach(func() {
		local, remote = net.Pipe()
	})

	AfterEach(func() {
		local.Close()
		remote.Close()
	})

	newStream := func(opts stream.DelimiterOptions) *stream.Delimiter {
		s, err := stream.NewDelimiter(local, opts)
		Expect(err).To(Succeed())
		return s
	}

	It("rejects an empty delimiter", func() {
		_, err := stream.NewDelimiter(local, stream.DelimiterOptions{Delimiter: []byte{}})
		Expect(err).To(MatchError(stream.ErrInvalidDelimiter))
	})

	It("rejects a carry buffer that cannot hold two delimiters", func() {
		_, err := stream.NewDelimiter(local, stream.DelimiterOptions{Delimiter: []byte("----"), BufferSize: 7})
		Expect(err).To(MatchError(stream.ErrBufferTooSmall))
	})

	for name, recv := range map[string]recvFunc{"RecvMessage()": buffered, "RecvMessageFast()": fast} {
		recv := recv

		Describe(name, func() {
			payload := []byte("the quick brown fox jumps over the lazy dog")

			It("round trips a payload across every split point", func() {
				s := newStream(stream.DelimiterOptions{BufferSize: 8, MaxMessageLength: 1024})

				for k := 0; k <= len(payload); k++ {
					tail := append(append([]byte{}, payload[k:]...), '\r', '\n')
					done := writeChunks(remote, payload[:k], tail)

					out := buffer.New(4)
					n, err := recv(s, out, time.Second)
					Expect(err).To(Succeed())
					Expect(n).To(Equal(len(payload)))
					Expect(out.Bytes()).To(Equal(payload), "split at %d", k)
					Expect(<-done).To(Succeed())
				}
			})

			It("splits a multi-byte delimiter across reads", func() {
				s := newStream(stream.DelimiterOptions{Delimiter: []byte("<END>"), BufferSize: 16})
				done := writeChunks(remote, []byte("abc<E"), []byte("N"), []byte("D>def<END>"))

				out := buffer.New(16)
				n, err := recv(s, out, time.Second)
				Expect(err).To(Succeed())
				Expect(string(out.Bytes()[:n])).To(Equal("abc"))

				out.Reset()
				n, err = recv(s, out, time.Second)
				Expect(err).To(Succeed())
				Expect(string(out.Bytes()[:n])).To(Equal("def"))
				Expect(<-done).To(Succeed())
			})

			It("keeps the next message's head for the following call", func() {
				s := newStream(stream.DelimiterOptions{})
				done := writeChunks(remote, []byte("one\r\ntwo\r\nthr"), []byte("ee\r\n"))

				for _, want := range []string{"one", "two", "three"} {
					out := buffer.New(8)
					_, err := recv(s, out, time.Second)
					Expect(err).To(Succeed())
					Expect(out.String()).To(Equal(want))
				}

				Expect(<-done).To(Succeed())
			})

			It("returns empty messages", func() {
				s := newStream(stream.DelimiterOptions{})
				done := writeChunks(remote, []byte("\r\n"))

				out := buffer.New(8)
				n, err := recv(s, out, time.Second)
				Expect(err).To(Succeed())
				Expect(n).To(BeZero())
				Expect(<-done).To(Succeed())
			})

			It("fails with ErrMessageTooLarge before buffering the whole message", func() {
				s := newStream(stream.DelimiterOptions{BufferSize: 8, MaxMessageLength: 10})
				writeChunks(remote, bytes.Repeat([]byte("x"), 4096), []byte("\r\n"))

				out := buffer.New(4)
				_, err := recv(s, out, time.Second)
				Expect(err).To(MatchError(stream.ErrMessageTooLarge))
				Expect(out.Cap()).To(BeNumerically("<", 4096))
			})

			It("accepts a message of exactly the maximum length", func() {
				s := newStream(stream.DelimiterOptions{BufferSize: 8, MaxMessageLength: 10})
				done := writeChunks(remote, []byte("0123456789\r\n"))

				out := buffer.New(4)
				n, err := recv(s, out, time.Second)
				Expect(err).To(Succeed())
				Expect(n).To(Equal(10))
				Expect(<-done).To(Succeed())
			})

			It("resumes the same message after a timeout", func() {
				s := newStream(stream.DelimiterOptions{BufferSize: 8})
				first := writeChunks(remote, []byte("hello wo"))

				out := buffer.New(4)
				_, err := recv(s, out, 50*time.Millisecond)
				Expect(stream.IsTimeout(err)).To(BeTrue())
				Expect(<-first).To(Succeed())

				done := writeChunks(remote, []byte("rld\r\n"))
				n, err := recv(s, out, time.Second)
				Expect(err).To(Succeed())
				Expect(out.String()).To(Equal("hello world"))
				Expect(n).To(Equal(11))
				Expect(<-done).To(Succeed())
			})

			It("surfaces a closed peer as a ConnectionError", func() {
				s := newStream(stream.DelimiterOptions{})
				remote.Close()

				_, err := recv(s, buffer.New(8), time.Second)

				var connErr *stream.ConnectionError
				Expect(errors.As(err, &connErr)).To(BeTrue())
				Expect(errors.Is(err, io.EOF)).To(BeTrue())
			})

			It("refuses a buffer held by another operation", func() {
				s := newStream(stream.DelimiterOptions{})
				out := buffer.New(8)

				unlock, err := out.Lock()
				Expect(err).To(Succeed())
				defer unlock()

				_, err = recv(s, out, time.Second)
				Expect(err).To(MatchError(buffer.ErrLocked))
			})
		})
	}

	It("refuses to switch receive variants in the middle of a message", func() {
		s := newStream(stream.DelimiterOptions{})
		done := writeChunks(remote, []byte("partial"))

		_, err := s.RecvMessage(buffer.New(8), 50*time.Millisecond)
		Expect(stream.IsTimeout(err)).To(BeTrue())
		Expect(<-done).To(Succeed())

		_, err = s.RecvMessageFast(buffer.New(8), 20*time.Millisecond)
		Expect(err).To(MatchError(stream.ErrRecvInProgress))
	})

	Describe("SendMessage()", func() {
		It("terminates the message with the delimiter", func() {
			s := newStream(stream.DelimiterOptions{Delimiter: []byte("\n")})

			received := make(chan []byte, 1)
			go func() {
				defer GinkgoRecover()
				b := make([]byte, 6)
				_, err := io.ReadFull(remote, b)
				Expect(err).To(Succeed())
				received <- b
			}()

			Expect(s.SendMessage([]byte("hello"), time.Second)).To(Succeed())
			Eventually(received).Should(Receive(Equal([]byte("hello\n"))))
		})

		It("rejects messages containing the delimiter", func() {
			s := newStream(stream.DelimiterOptions{})
			Expect(s.SendMessage([]byte("a\r\nb"), time.Second)).To(MatchError(stream.ErrDelimiterInMessage))
		})

		It("rejects messages over the maximum length", func() {
			s := newStream(stream.DelimiterOptions{MaxMessageLength: 2})
			Expect(s.SendMessage([]byte("abc"), time.Second)).To(MatchError(stream.ErrMessageTooLarge))
		})
	})
})
