package cmd

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"

	"github.com/luma/beacon/transport"
)

type recorder struct {
	id   uint64
	fail bool
	got  []string
}

func (r *recorder) ID() uint64 { return r.id }

func (r *recorder) Deliver(p []byte) error {
	if r.fail {
		return errors.New("gone")
	}
	r.got = append(r.got, string(p))

	return nil
}

func (r *recorder) Close() error { return nil }

var _ = Describe("admin API", func() {
	var (
		manager *transport.Manager
		handler http.Handler
	)

	BeforeEach(func() {
		manager = transport.NewManager()

		router := setupRouter(false, zap.NewNop())
		adminRoutes(router, manager)
		handler = router
	})

	serve := func(method, target, body string) *httptest.ResponseRecorder {
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, httptest.NewRequest(method, target, strings.NewReader(body)))

		return w
	}

	It("answers pings", func() {
		w := serve(http.MethodGet, "/ping", "")

		Expect(w.Code).To(Equal(http.StatusOK))
		Expect(w.Body.String()).To(Equal("pong"))
	})

	It("lists the online sessions", func() {
		Expect(manager.Online(&recorder{id: 7})).To(Succeed())
		Expect(manager.Online(&recorder{id: 3})).To(Succeed())

		w := serve(http.MethodGet, "/sessions", "")
		Expect(w.Code).To(Equal(http.StatusOK))

		var body struct {
			Count    int      `json:"count"`
			Sessions []uint64 `json:"sessions"`
		}
		Expect(json.Unmarshal(w.Body.Bytes(), &body)).To(Succeed())
		Expect(body.Count).To(Equal(2))
		Expect(body.Sessions).To(Equal([]uint64{3, 7}))
	})

	It("broadcasts to every subscriber and reports failures", func() {
		ok, failing := &recorder{id: 1}, &recorder{id: 2, fail: true}
		Expect(manager.Online(ok)).To(Succeed())
		Expect(manager.Online(failing)).To(Succeed())

		w := serve(http.MethodPost, "/broadcast", "hello")
		Expect(w.Code).To(Equal(http.StatusOK))

		var resp broadcastResponse
		Expect(json.Unmarshal(w.Body.Bytes(), &resp)).To(Succeed())
		Expect(resp.Total).To(Equal(2))
		Expect(resp.Success).To(Equal(1))
		Expect(resp.Failure).To(Equal(1))
		Expect(resp.Errors).To(HaveKeyWithValue("2", "gone"))
		Expect(ok.got).To(Equal([]string{"hello"}))
	})

	It("broadcasts to the listed sessions only", func() {
		one, two := &recorder{id: 1}, &recorder{id: 2}
		Expect(manager.Online(one)).To(Succeed())
		Expect(manager.Online(two)).To(Succeed())

		w := serve(http.MethodPost, "/broadcast?ids=2,9", "hi")
		Expect(w.Code).To(Equal(http.StatusOK))

		var resp broadcastResponse
		Expect(json.Unmarshal(w.Body.Bytes(), &resp)).To(Succeed())
		Expect(resp.Total).To(Equal(2))
		Expect(resp.Failure).To(Equal(1))
		Expect(resp.Errors).To(HaveKey("9"))
		Expect(one.got).To(BeEmpty())
		Expect(two.got).To(Equal([]string{"hi"}))
	})

	It("rejects bad broadcasts", func() {
		Expect(serve(http.MethodPost, "/broadcast", "").Code).To(Equal(http.StatusBadRequest))
		Expect(serve(http.MethodPost, "/broadcast?ids=x", "hi").Code).To(Equal(http.StatusBadRequest))
	})
})
