package service_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"rwsplit-proxy/internal/client"
	"rwsplit-proxy/internal/config"
	"rwsplit-proxy/internal/metrics"
	"rwsplit-proxy/internal/model"
	"rwsplit-proxy/internal/service"
)

// fakeUpstream answers every request with a fixed status and body and
// records what it received.
type fakeUpstream struct {
	srv   *httptest.Server
	calls atomic.Int32

	mu        sync.Mutex
	lastBody  string
	lastQuery string
	lastHost  string
}

func newFakeUpstream(status int, body string) *fakeUpstream {
	f := &fakeUpstream{}
	f.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		f.mu.Lock()
		f.lastBody = string(b)
		f.lastQuery = r.URL.RawQuery
		f.lastHost = r.Host
		f.mu.Unlock()
		f.calls.Add(1)

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	return f
}

func (f *fakeUpstream) URL() string { return f.srv.URL }
func (f *fakeUpstream) Calls() int  { return int(f.calls.Load()) }
func (f *fakeUpstream) Close()      { f.srv.Close() }

func (f *fakeUpstream) Last() (body, query, host string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastBody, f.lastQuery, f.lastHost
}

// deadURL returns the address of a server that has already been shut down.
func deadURL() string {
	srv := httptest.NewServer(http.NotFoundHandler())
	u := srv.URL
	srv.Close()
	return u
}

func newRouter(write string, reads []string, m *metrics.Metrics) *service.Router {
	cfg := &config.Config{
		Upstream: config.UpstreamConfig{TimeoutSeconds: 5, IdleConnections: 10},
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	topo, err := model.NewTopology(write, reads)
	Expect(err).NotTo(HaveOccurred())
	fwd := service.NewForwarder(client.NewUpstreamClient(cfg, logger, m), cfg, logger)
	return service.NewRouter(topo, fwd, logger, m)
}

func request(method, path, rawQuery, body string) *model.ProxyRequest {
	return &model.ProxyRequest{
		Ctx:      context.Background(),
		Method:   method,
		Path:     path,
		RawQuery: rawQuery,
		Header:   http.Header{"Host": {"proxy.local:3000"}, "Content-Type": {"application/json"}},
		Body:     []byte(body),
	}
}

var _ = Describe("Router", func() {
	var (
		w, r1, r2 *fakeUpstream
		router    *service.Router
	)

	AfterEach(func() {
		for _, f := range []*fakeUpstream{w, r1, r2} {
			if f != nil {
				f.Close()
			}
		}
		w, r1, r2 = nil, nil, nil
	})

	Describe("write routing", func() {
		BeforeEach(func() {
			w = newFakeUpstream(http.StatusOK, `{"from":"write"}`)
			r1 = newFakeUpstream(http.StatusOK, `{"from":"r1"}`)
			r2 = newFakeUpstream(http.StatusOK, `{"from":"r2"}`)
			router = newRouter(w.URL(), []string{r1.URL(), r2.URL()}, nil)
		})

		It("sends POST only to the write endpoint with its body", func() {
			resp, err := router.Route(request(http.MethodPost, "/foo", "", `{"a":1}`))
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			Expect(string(resp.Body)).To(Equal(`{"from":"write"}`))

			body, _, _ := w.Last()
			Expect(body).To(Equal(`{"a":1}`))
			Expect(w.Calls()).To(Equal(1))
			Expect(r1.Calls()).To(BeZero())
			Expect(r2.Calls()).To(BeZero())
		})

		DescribeTable("sends administrative GETs to the write endpoint",
			func(path string) {
				resp, err := router.Route(request(http.MethodGet, path, "", ""))
				Expect(err).NotTo(HaveOccurred())
				Expect(string(resp.Body)).To(Equal(`{"from":"write"}`))
				Expect(w.Calls()).To(Equal(1))
				Expect(r1.Calls()).To(BeZero())
				Expect(r2.Calls()).To(BeZero())
			},
			Entry("health", "/_health"),
			Entry("export", "/export"),
		)

		DescribeTable("sends other methods to the write endpoint",
			func(method string) {
				_, err := router.Route(request(method, "/foo", "", `{"a":1}`))
				Expect(err).NotTo(HaveOccurred())
				Expect(w.Calls()).To(Equal(1))
				Expect(r1.Calls()).To(BeZero())
			},
			Entry("PUT", http.MethodPut),
			Entry("DELETE", http.MethodDelete),
			Entry("PATCH", http.MethodPatch),
			Entry("HEAD", http.MethodHead),
		)

		It("never forwards the inbound Host", func() {
			_, err := router.Route(request(http.MethodPost, "/foo", "", "{}"))
			Expect(err).NotTo(HaveOccurred())
			_, _, host := w.Last()
			Expect(host).NotTo(Equal("proxy.local:3000"))
			Expect(w.URL()).To(HaveSuffix(host))
		})
	})

	Describe("write endpoint errors", func() {
		It("relays a non-2xx write response without failover", func() {
			w = newFakeUpstream(http.StatusConflict, `{"error":"conflict"}`)
			r1 = newFakeUpstream(http.StatusOK, `{}`)
			router = newRouter(w.URL(), []string{r1.URL()}, nil)

			resp, err := router.Route(request(http.MethodPost, "/foo", "", "{}"))
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.StatusCode).To(Equal(http.StatusConflict))
			Expect(string(resp.Body)).To(Equal(`{"error":"conflict"}`))
			Expect(r1.Calls()).To(BeZero())
		})

		It("returns a transport error when the write endpoint is unreachable", func() {
			r1 = newFakeUpstream(http.StatusOK, `{}`)
			router = newRouter(deadURL(), []string{r1.URL()}, nil)

			_, err := router.Route(request(http.MethodPost, "/foo", "", "{}"))
			Expect(errors.Is(err, client.ErrTransport)).To(BeTrue())
			Expect(r1.Calls()).To(BeZero())
		})
	})

	Describe("read failover", func() {
		It("short-circuits on the first 2xx", func() {
			w = newFakeUpstream(http.StatusOK, `{}`)
			r1 = newFakeUpstream(http.StatusOK, `{"from":"r1"}`)
			r2 = newFakeUpstream(http.StatusOK, `{"from":"r2"}`)
			router = newRouter(w.URL(), []string{r1.URL(), r2.URL()}, nil)

			resp, err := router.Route(request(http.MethodGet, "/foo", "", ""))
			Expect(err).NotTo(HaveOccurred())
			Expect(string(resp.Body)).To(Equal(`{"from":"r1"}`))
			Expect(r1.Calls()).To(Equal(1))
			Expect(r2.Calls()).To(BeZero())
			Expect(w.Calls()).To(BeZero())
		})

		It("moves past a 404 and relays the next 200", func() {
			w = newFakeUpstream(http.StatusOK, `{}`)
			r1 = newFakeUpstream(http.StatusNotFound, `{"error":"missing"}`)
			r2 = newFakeUpstream(http.StatusOK, `{"a":1}`)
			router = newRouter(w.URL(), []string{r1.URL(), r2.URL()}, nil)

			resp, err := router.Route(request(http.MethodGet, "/foo", "x=1", ""))
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			Expect(string(resp.Body)).To(Equal(`{"a":1}`))
			Expect(r1.Calls()).To(Equal(1))
			Expect(r2.Calls()).To(Equal(1))
			Expect(w.Calls()).To(BeZero())

			_, q1, _ := r1.Last()
			_, q2, _ := r2.Last()
			Expect(q1).To(Equal("x=1"))
			Expect(q2).To(Equal("x=1"))
		})

		It("reports the last status when every read endpoint fails", func() {
			w = newFakeUpstream(http.StatusOK, `{}`)
			r1 = newFakeUpstream(http.StatusNotFound, ``)
			r2 = newFakeUpstream(http.StatusInternalServerError, ``)
			router = newRouter(w.URL(), []string{r1.URL(), r2.URL()}, nil)

			_, err := router.Route(request(http.MethodGet, "/foo", "", ""))
			var exhausted *service.ExhaustedError
			Expect(errors.As(err, &exhausted)).To(BeTrue())
			Expect(exhausted.LastStatus).To(Equal(http.StatusInternalServerError))
			Expect(exhausted.Attempts).To(Equal(2))
			Expect(w.Calls()).To(BeZero())
		})

		It("keeps the last answered status when a later endpoint is unreachable", func() {
			w = newFakeUpstream(http.StatusOK, `{}`)
			r1 = newFakeUpstream(http.StatusServiceUnavailable, ``)
			router = newRouter(w.URL(), []string{r1.URL(), deadURL()}, nil)

			_, err := router.Route(request(http.MethodGet, "/foo", "", ""))
			var exhausted *service.ExhaustedError
			Expect(errors.As(err, &exhausted)).To(BeTrue())
			Expect(exhausted.LastStatus).To(Equal(http.StatusServiceUnavailable))
		})

		It("reports no status when every read endpoint is unreachable", func() {
			w = newFakeUpstream(http.StatusOK, `{}`)
			router = newRouter(w.URL(), []string{deadURL(), deadURL()}, nil)

			_, err := router.Route(request(http.MethodGet, "/foo", "", ""))
			var exhausted *service.ExhaustedError
			Expect(errors.As(err, &exhausted)).To(BeTrue())
			Expect(exhausted.LastStatus).To(BeZero())
			Expect(exhausted.Attempts).To(Equal(2))
			Expect(w.Calls()).To(BeZero())
		})

		It("treats a redirect as a failed read", func() {
			w = newFakeUpstream(http.StatusOK, `{}`)
			r1 = newFakeUpstream(http.StatusFound, ``)
			r2 = newFakeUpstream(http.StatusOK, `{"from":"r2"}`)
			router = newRouter(w.URL(), []string{r1.URL(), r2.URL()}, nil)

			resp, err := router.Route(request(http.MethodGet, "/foo", "", ""))
			Expect(err).NotTo(HaveOccurred())
			Expect(string(resp.Body)).To(Equal(`{"from":"r2"}`))
		})

		It("stops trying read endpoints once the caller has gone", func() {
			w = newFakeUpstream(http.StatusOK, `{}`)
			r1 = newFakeUpstream(http.StatusOK, `{}`)
			router = newRouter(w.URL(), []string{r1.URL()}, nil)

			pr := request(http.MethodGet, "/foo", "", "")
			ctx, cancel := context.WithCancel(context.Background())
			cancel()
			pr.Ctx = ctx

			_, err := router.Route(pr)
			Expect(errors.Is(err, context.Canceled)).To(BeTrue())
			Expect(r1.Calls()).To(BeZero())
		})
	})

	Describe("metrics", func() {
		It("counts attempts, failovers and exhausted reads", func() {
			m := metrics.New()
			w = newFakeUpstream(http.StatusOK, `{}`)
			r1 = newFakeUpstream(http.StatusNotFound, ``)
			r2 = newFakeUpstream(http.StatusNotFound, ``)
			router = newRouter(w.URL(), []string{r1.URL(), r2.URL()}, m)

			_, err := router.Route(request(http.MethodGet, "/foo", "", ""))
			Expect(err).To(HaveOccurred())

			families, err := m.Registry.Gather()
			Expect(err).NotTo(HaveOccurred())

			values := map[string]float64{}
			for _, f := range families {
				for _, metric := range f.GetMetric() {
					if metric.GetCounter() != nil {
						values[f.GetName()] += metric.GetCounter().GetValue()
					}
				}
			}
			Expect(values).To(HaveKeyWithValue("rwsplit_proxy_upstream_attempts_total", 2.0))
			Expect(values).To(HaveKeyWithValue("rwsplit_proxy_read_failovers_total", 1.0))
			Expect(values).To(HaveKeyWithValue("rwsplit_proxy_reads_exhausted_total", 1.0))
		})
	})

	It("exposes its topology", func() {
		router = newRouter("http://w:1", []string{"http://r1:1", "http://r2:1"}, nil)
		Expect(router.Topology().Reads).To(HaveLen(2))
		Expect(router.Topology().Write.String()).To(Equal("http://w:1"))
	})
})
