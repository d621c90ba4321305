package protocol_test

import (
	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	"github.com/luma/beacon/protocol"
)

var _ = Describe("Parsing/ Writer", func() {
	var (
		reqID protocol.RequestID
		s     *sent
	)
	copy(reqID[:], []byte("1234"))

	BeforeEach(func() {
		s = &sent{}
	})

	Describe("WriteOk", func() {
		It("sends OK prefixed with the request ID", func() {
			Expect(protocol.WriteOk(s, reqID)).To(Succeed())
			Expect(s.calls).To(Equal([][]string{{"1234OK"}}))
		})
	})

	Describe("WriteString", func() {
		It("sends the string prefixed with the request ID", func() {
			Expect(protocol.WriteString(s, reqID, "resp")).To(Succeed())
			Expect(s.calls).To(Equal([][]string{{"1234resp"}}))
		})
	})

	Describe("WriteLines", func() {
		It("sends every line as a message in one call", func() {
			Expect(protocol.WriteLines(s, reqID, []byte("key"), []byte("value"))).To(Succeed())
			Expect(s.calls).To(Equal([][]string{{"1234key", "value"}}))
		})

		It("sends nothing without lines", func() {
			Expect(protocol.WriteLines(s, reqID)).To(Succeed())
			Expect(s.calls).To(BeEmpty())
		})
	})

	Describe("WriteError", func() {
		It("include the ERR response code and the error string", func() {
			Expect(protocol.WriteError(s, reqID, "errMessage")).To(Succeed())
			Expect(s.calls).To(Equal([][]string{{"1234ERR errMessage"}}))
		})
	})

	It("does not modify the request ID when prepending", func() {
		id := protocol.MakeRequestID(1)
		a := protocol.PrependRequestID([]byte("A"), id)
		b := protocol.PrependRequestID([]byte("B"), id)

		Expect(a[4:]).To(Equal([]byte("A")))
		Expect(b[4:]).To(Equal([]byte("B")))
	})
})

var _ = Describe("MakeRequestID", func() {
	It("encodes counters as alphanumeric ids", func() {
		Expect(protocol.MakeRequestID(0).String()).To(Equal("0000"))
		Expect(protocol.MakeRequestID(61).String()).To(Equal("000z"))
		Expect(protocol.MakeRequestID(62).String()).To(Equal("0010"))
		Expect(protocol.MakeRequestID(42).String()).NotTo(HavePrefix("*"))
	})
})
