package websocket_test

import (
	"errors"
	"net"
	"time"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	"github.com/luma/beacon/buffer"
	"github.com/luma/beacon/stream"
	"github.com/luma/beacon/websocket"
)

func encodeFrame(op websocket.Opcode, masked bool, payload []byte) []byte {
	h := websocket.Header{Fin: true, Opcode: op, Masked: masked, Length: uint64(len(payload))}
	if masked {
		h.Mask = [4]byte{0x37, 0xfa, 0x21, 0x3d}
	}

	data := append([]byte{}, payload...)
	if masked {
		websocket.Mask(data, h.Mask, 0)
	}

	return append(websocket.AppendHeader(nil, h), data...)
}

func writeAll(conn net.Conn, chunks ...[]byte) <-chan error {
	done := make(chan error, 1)

	go func() {
		defer GinkgoRecover()

		for _, chunk := range chunks {
			if len(chunk) == 0 {
				continue
			}
			if _, err := conn.Write(chunk); err != nil {
				done <- err
				return
			}
		}

		done <- nil
	}()

	return done
}

var _ = Describe("Codec", func() {
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

	It("receives a masked frame split at every point", func() {
		codec := websocket.NewCodec(local, buffer.New(4), websocket.CodecOptions{RequireMask: true})
		wire := encodeFrame(websocket.OpText, true, []byte("Hello"))

		for k := 0; k <= len(wire); k++ {
			done := writeAll(remote, wire[:k], wire[k:])

			frame := &websocket.Frame{}
			Expect(codec.RecvFrame(frame, time.Second)).To(Succeed())
			Expect(frame.Opcode).To(Equal(websocket.OpText))
			Expect(frame.Length).To(Equal(uint64(5)))
			Expect(string(frame.Data())).To(Equal("Hello"), "split at %d", k)
			Expect(<-done).To(Succeed())
		}
	})

	It("receives 16 and 64 bit payload lengths", func() {
		codec := websocket.NewCodec(local, nil, websocket.CodecOptions{})

		for _, size := range []int{300, 70000} {
			payload := make([]byte, size)
			for i := range payload {
				payload[i] = byte(i)
			}
			done := writeAll(remote, encodeFrame(websocket.OpBinary, false, payload))

			frame := &websocket.Frame{}
			Expect(codec.RecvFrame(frame, time.Second)).To(Succeed())
			Expect(frame.Length).To(Equal(uint64(size)))
			Expect(frame.Data()).To(Equal(payload))
			Expect(<-done).To(Succeed())
		}
	})

	It("uses bytes handed over with the buffer before reading the socket", func() {
		buf := buffer.New(64)
		wire := encodeFrame(websocket.OpText, true, []byte("buffered"))
		buf.Write(wire[:6])

		codec := websocket.NewCodec(local, buf, websocket.CodecOptions{})
		done := writeAll(remote, wire[6:])

		frame := &websocket.Frame{}
		Expect(codec.RecvFrame(frame, time.Second)).To(Succeed())
		Expect(string(frame.Data())).To(Equal("buffered"))
		Expect(<-done).To(Succeed())
	})

	It("reuses the caller's payload buffer", func() {
		codec := websocket.NewCodec(local, nil, websocket.CodecOptions{})
		done := writeAll(remote, encodeFrame(websocket.OpText, false, []byte("one")), encodeFrame(websocket.OpText, false, []byte("two")))

		payload := buffer.New(16)
		frame := &websocket.Frame{Payload: payload}
		Expect(codec.RecvFrame(frame, time.Second)).To(Succeed())
		Expect(string(frame.Data())).To(Equal("one"))

		payload.Reset()
		Expect(codec.RecvFrame(frame, time.Second)).To(Succeed())
		Expect(frame.Payload).To(BeIdenticalTo(payload))
		Expect(string(frame.Data())).To(Equal("two"))
		Expect(<-done).To(Succeed())
	})

	It("resumes a frame after a timeout", func() {
		codec := websocket.NewCodec(local, nil, websocket.CodecOptions{})
		wire := encodeFrame(websocket.OpText, true, []byte("resumable"))
		first := writeAll(remote, wire[:9])

		frame := &websocket.Frame{}
		err := codec.RecvFrame(frame, 50*time.Millisecond)
		Expect(stream.IsTimeout(err)).To(BeTrue())
		Expect(<-first).To(Succeed())

		done := writeAll(remote, wire[9:])
		Expect(codec.RecvFrame(frame, time.Second)).To(Succeed())
		Expect(string(frame.Data())).To(Equal("resumable"))
		Expect(<-done).To(Succeed())
	})

	It("rejects payloads over the limit before allocating them", func() {
		codec := websocket.NewCodec(local, nil, websocket.CodecOptions{MaxPayloadLength: 16})
		h := websocket.AppendHeader(nil, websocket.Header{Fin: true, Opcode: websocket.OpBinary, Length: 1 << 40})
		writeAll(remote, h)

		frame := &websocket.Frame{}
		Expect(codec.RecvFrame(frame, time.Second)).To(MatchError(stream.ErrMessageTooLarge))
		Expect(frame.Payload).To(BeNil())
	})

	It("rejects unmasked frames when masking is required", func() {
		codec := websocket.NewCodec(local, nil, websocket.CodecOptions{RequireMask: true})
		writeAll(remote, encodeFrame(websocket.OpText, false, []byte("x")))

		err := codec.RecvFrame(&websocket.Frame{}, time.Second)

		var protoErr *stream.ProtocolError
		Expect(errors.As(err, &protoErr)).To(BeTrue())
		Expect(errors.Is(err, websocket.ErrUnmaskedFrame)).To(BeTrue())
	})

	Describe("SendFrame()", func() {
		It("masks on a copy and round trips", func() {
			sender := websocket.NewCodec(remote, nil, websocket.CodecOptions{})
			receiver := websocket.NewCodec(local, nil, websocket.CodecOptions{RequireMask: true})

			out := websocket.NewFrame(websocket.OpBinary, true, []byte("payload"))
			out.Masked = true
			out.Mask = [4]byte{9, 8, 7, 6}

			go func() {
				defer GinkgoRecover()
				Expect(sender.SendFrame(out, time.Second)).To(Succeed())
			}()

			in := &websocket.Frame{}
			Expect(receiver.RecvFrame(in, time.Second)).To(Succeed())
			Expect(string(in.Data())).To(Equal("payload"))
			Eventually(func() string { return string(out.Data()) }).Should(Equal("payload"))
		})

		It("refuses oversized control frames", func() {
			codec := websocket.NewCodec(local, nil, websocket.CodecOptions{})
			ping := websocket.NewFrame(websocket.OpPing, true, make([]byte, 126))

			Expect(codec.SendFrame(ping, time.Second)).To(MatchError(websocket.ErrInvalidControlFrame))
		})
	})
})
