package proxy_test

import (
	"bufio"
	"io"
	"log"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"time"

	"debugproxy/config"
	"debugproxy/metrics"
	"debugproxy/proxy"
	"debugproxy/supervisor"
	"debugproxy/transaction"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
)

// serveOnce accepts a single raw HTTP/1.1 connection and responds with the
// given status/body, emulating a minimal upstream without pulling in
// net/http server machinery (which would re-introduce hop-by-hop handling
// we're trying to test past).
func serveOnce(t *net.TCPListener, status string, body string, delay time.Duration) {
	conn, err := t.Accept()
	if err != nil {
		return
	}
	defer conn.Close()

	reader := bufio.NewReader(conn)
	req, err := http.ReadRequest(reader)
	if err == nil && req.Body != nil {
		io.Copy(io.Discard, req.Body)
	}

	if delay > 0 {
		time.Sleep(delay)
	}

	resp := "HTTP/1.1 " + status + "\r\nContent-Length: " + itoa(len(body)) + "\r\n\r\n" + body
	conn.Write([]byte(resp))
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	digits := []byte{}
	for n > 0 {
		digits = append([]byte{byte('0' + n%10)}, digits...)
		n /= 10
	}
	return string(digits)
}

func newEngine(upstream string, clientTimeout, upstreamTimeout time.Duration) *proxy.Engine {
	cfgStore := config.NewStore(&config.Config{
		UpstreamHostPort: upstream,
		PoolSize:         4,
		ClientTimeout:    clientTimeout,
		UpstreamTimeout:  upstreamTimeout,
		MaxHistorySize:   10,
		MaxBodySize:      1 << 20,
		TruncateBodyAt:   1024,
	})
	store := transaction.NewStore(10)
	sup := supervisor.New(nil, "", log.New(os.Stderr, "", 0), nil)
	return proxy.NewEngine(cfgStore, store, sup, metrics.New(), log.New(os.Stderr, "", 0), nil)
}

var _ = Describe("Engine", func() {
	It("forwards a request and records a completed transaction", func() {
		listener, err := net.Listen("tcp", "127.0.0.1:0")
		Expect(err).NotTo(HaveOccurred())
		defer listener.Close()
		go serveOnce(listener.(*net.TCPListener), "200 OK", "hello", 0)

		engine := newEngine(listener.Addr().String(), time.Second, time.Second)

		req := httptest.NewRequest("GET", "/x", nil)
		rec := httptest.NewRecorder()
		engine.ServeHTTP(rec, req)

		Expect(rec.Code).To(Equal(200))
		Expect(rec.Body.String()).To(Equal("hello"))
		Expect(engine.Store.Len()).To(Equal(1))
		Expect(engine.Store.Snapshot()[0].Response.Status).To(Equal(200))
	})

	It("returns 504 when the upstream never responds", func() {
		listener, err := net.Listen("tcp", "127.0.0.1:0")
		Expect(err).NotTo(HaveOccurred())
		defer listener.Close()
		go serveOnce(listener.(*net.TCPListener), "200 OK", "late", 300*time.Millisecond)

		engine := newEngine(listener.Addr().String(), time.Second, 50*time.Millisecond)

		req := httptest.NewRequest("GET", "/slow", nil)
		rec := httptest.NewRecorder()
		engine.ServeHTTP(rec, req)

		Expect(rec.Code).To(Equal(504))
		Expect(engine.Store.Snapshot()[0].Error).To(Equal("upstream_timeout"))
	})

	It("fails fast with upstream_unavailable once the upstream timeout elapses rather than waiting out the client timeout", func() {
		// Nothing listens on this address, so the supervisor never becomes
		// ready; the engine must give up once cfg.UpstreamTimeout elapses,
		// not cfg.ClientTimeout, which is set far longer here.
		cfgStore := config.NewStore(&config.Config{
			UpstreamHostPort: "127.0.0.1:1",
			PoolSize:         4,
			ClientTimeout:    5 * time.Second,
			UpstreamTimeout:  50 * time.Millisecond,
			MaxHistorySize:   10,
			MaxBodySize:      1 << 20,
			TruncateBodyAt:   1024,
		})
		store := transaction.NewStore(10)
		sup := supervisor.New([]string{"sleep", "5"}, "127.0.0.1:1", log.New(os.Stderr, "", 0), nil)
		go sup.Run()
		defer sup.Stop()

		engine := proxy.NewEngine(cfgStore, store, sup, metrics.New(), log.New(os.Stderr, "", 0), nil)

		req := httptest.NewRequest("GET", "/x", nil)
		rec := httptest.NewRecorder()

		start := time.Now()
		engine.ServeHTTP(rec, req)
		elapsed := time.Since(start)

		Expect(rec.Code).To(Equal(502))
		Expect(elapsed).To(BeNumerically("<", time.Second))
		Expect(store.Snapshot()[0].Error).To(Equal("upstream_unavailable"))
	})

	It("routes admin-prefixed requests without recording a transaction", func() {
		engine := newEngine("127.0.0.1:1", time.Second, time.Second)
		engine.Admin = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		})

		req := httptest.NewRequest("GET", "/_proxy/api/logs", nil)
		rec := httptest.NewRecorder()
		engine.ServeHTTP(rec, req)

		Expect(rec.Code).To(Equal(200))
		Expect(engine.Store.Len()).To(Equal(0))
	})
})
