// Package proxy implements the DebugProxy request-forwarding engine: it
// accepts client connections via a standard net/http server, forwards each
// request to the (possibly supervised) upstream over a pooled raw
// connection, streams both bodies through the capture package, and records
// the outcome in the transaction store.
package proxy

import (
	"bufio"
	"context"
	"errors"
	"log"
	"net"
	"net/http"
	"strings"
	"time"

	"debugproxy/capture"
	"debugproxy/config"
	"debugproxy/metrics"
	"debugproxy/supervisor"
	"debugproxy/transaction"
)

// AdminPrefix is the reserved request-target prefix routed to the admin
// surface rather than forwarded upstream.
const AdminPrefix = "/_proxy"

// Engine is the http.Handler installed on DebugProxy's single listener. It
// dispatches admin requests to Admin and forwards everything else.
type Engine struct {
	Config     *config.Store
	Store      *transaction.Store
	Supervisor *supervisor.Supervisor
	Metrics    *metrics.Metrics
	Logger     *log.Logger
	Admin      http.Handler

	// Notify, if set, is called with the terminal state of every forwarded
	// transaction (never for admin requests), letting the admin surface's
	// live log stream tail traffic without polling the store.
	Notify func(transaction.Transaction)

	pool *pool
}

// NewEngine wires an Engine around its collaborators. cfg is read once, at
// construction, for the settings that are immutable after startup
// (upstream address, pool size); everything else is read fresh from
// cfgStore on every request.
func NewEngine(
	cfgStore *config.Store,
	store *transaction.Store,
	sup *supervisor.Supervisor,
	m *metrics.Metrics,
	logger *log.Logger,
	admin http.Handler,
) *Engine {
	cfg := cfgStore.Load()
	return &Engine{
		Config:     cfgStore,
		Store:      store,
		Supervisor: sup,
		Metrics:    m,
		Logger:     logger,
		Admin:      admin,
		pool:       newPool(cfg.UpstreamHostPort, cfg.PoolSize, cfg.UpstreamTimeout, m),
	}
}

// ServeHTTP implements http.Handler.
func (e *Engine) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if strings.HasPrefix(r.URL.Path, AdminPrefix) {
		if e.Admin != nil {
			e.Admin.ServeHTTP(w, r)
			return
		}
		http.NotFound(w, r)
		return
	}
	e.forward(w, r)
}

func (e *Engine) forward(w http.ResponseWriter, r *http.Request) {
	cfg := e.Config.Load()
	ctx, cancel := context.WithTimeout(r.Context(), cfg.ClientTimeout)
	defer cancel()

	start := time.Now()
	reqRecord := transaction.RequestRecord{
		Timestamp:  start,
		Method:     r.Method,
		Path:       r.URL.RequestURI(),
		Version:    r.Proto,
		Headers:    toHeaderList(r.Header),
		ClientAddr: r.RemoteAddr,
	}
	handle := e.Store.Begin(reqRecord)

	upstreamCtx, upstreamCancel := context.WithTimeout(ctx, cfg.UpstreamTimeout)
	defer upstreamCancel()

	if !e.Supervisor.AwaitReady(upstreamCtx) {
		e.fail(w, handle, reqRecord, ErrorUpstreamUnavailable, nil)
		return
	}

	conn, err := e.pool.acquire(upstreamCtx)
	if err != nil {
		e.fail(w, handle, reqRecord, ErrorUpstreamUnavailable, err)
		return
	}

	reusable := false
	defer func() { e.pool.release(conn, reusable) }()

	headers := buildUpstreamHeaders(r)
	_ = conn.SetWriteDeadline(time.Now().Add(cfg.UpstreamTimeout))
	if err := writeUpstreamRequestHead(conn, r, headers); err != nil {
		e.fail(w, handle, reqRecord, ErrorUpstreamIO, err)
		return
	}

	if r.Body != nil {
		contentType := r.Header.Get("Content-Type")
		_, _, err := capture.Tee(conn, r.Body, contentType, cfg.TruncateBodyAt, cfg.MaxBodySize)
		if err != nil {
			if errors.Is(err, capture.ErrBodyTooLarge) {
				e.fail(w, handle, reqRecord, ErrorBodyTooLarge, err)
			} else {
				e.fail(w, handle, reqRecord, ErrorClientIO, err)
			}
			return
		}
	}

	_ = conn.SetReadDeadline(time.Now().Add(cfg.UpstreamTimeout))
	resp, err := http.ReadResponse(bufio.NewReader(conn), r)
	if err != nil {
		if isTimeout(err) {
			e.fail(w, handle, reqRecord, ErrorUpstreamTimeout, err)
		} else {
			e.fail(w, handle, reqRecord, ErrorUpstreamIO, err)
		}
		return
	}
	defer resp.Body.Close()

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetReadDeadline(deadline)
	} else {
		_ = conn.SetReadDeadline(time.Time{})
	}

	writeClientResponseHead(w, resp)

	respContentType := resp.Header.Get("Content-Type")
	_, respSummary, err := capture.Tee(w, resp.Body, respContentType, cfg.TruncateBodyAt, cfg.MaxBodySize)
	duration := time.Since(start)

	if err != nil {
		// Headers are already on the wire; the best we can do is sever the
		// connection and record the failure.
		kind := ErrorClientIO
		switch {
		case errors.Is(err, capture.ErrBodyTooLarge):
			kind = ErrorBodyTooLarge
		case isTimeout(err):
			kind = ErrorClientTimeout
		}
		e.Logger.Printf("proxy: %s after headers sent: %s", kind, err)
		e.Store.Fail(handle, kind)
		if e.Metrics != nil {
			e.Metrics.TransactionsTotal.WithLabelValues(kind).Inc()
		}
		e.notify(reqRecord, nil, kind)
		return
	}

	reusable = !resp.Close && !r.Close && resp.ProtoAtLeast(1, 1)

	respRecord := transaction.ResponseRecord{
		Timestamp: start.Add(duration),
		Status:    resp.StatusCode,
		Version:   resp.Proto,
		Headers:   toHeaderList(resp.Header),
		Body:      respSummary,
		Duration:  duration,
	}
	e.Store.Complete(handle, respRecord)
	if e.Metrics != nil {
		e.Metrics.TransactionsTotal.WithLabelValues("ok").Inc()
		e.Metrics.TransactionDuration.Observe(duration.Seconds())
	}
	e.notify(reqRecord, &respRecord, "")
}

// fail records kind against handle and, since it is only ever called before
// any response bytes reach the client, writes the matching error response.
func (e *Engine) fail(w http.ResponseWriter, handle transaction.Handle, reqRecord transaction.RequestRecord, kind string, err error) {
	e.Store.Fail(handle, kind)
	if e.Metrics != nil {
		e.Metrics.TransactionsTotal.WithLabelValues(kind).Inc()
	}
	if err != nil {
		e.Logger.Printf("proxy: %s: %s", kind, err)
	}
	if status, ok := statusForError[kind]; ok {
		writeErrorResponse(w, status)
	}
	e.notify(reqRecord, nil, kind)
}

// notify forwards the terminal transaction state to Notify, if configured.
func (e *Engine) notify(req transaction.RequestRecord, resp *transaction.ResponseRecord, errKind string) {
	if e.Notify == nil {
		return
	}
	e.Notify(transaction.Transaction{Request: req, Response: resp, Error: errKind})
}

func toHeaderList(h http.Header) []transaction.Header {
	out := make([]transaction.Header, 0, len(h))
	for name, values := range h {
		for _, v := range values {
			out = append(out, transaction.Header{Name: name, Value: v})
		}
	}
	return out
}

func isTimeout(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}
	return false
}
