// Package admin implements the token-authenticated surface exposed under
// the /_proxy prefix: reading and clearing transaction history, reading
// and updating live configuration, a live log tail over WebSocket, and the
// Prometheus exposition endpoint.
package admin

import (
	"crypto/subtle"
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"debugproxy/config"
	"debugproxy/transaction"
)

// Handler serves every route under proxy.AdminPrefix.
type Handler struct {
	Config *config.Store
	Store  *transaction.Store
	Logger *log.Logger

	mux      *http.ServeMux
	upgrader websocket.Upgrader
	tail     *tailBroker
}

// New builds an admin Handler and registers its routes.
func New(cfgStore *config.Store, store *transaction.Store, logger *log.Logger, registry http.Handler) *Handler {
	h := &Handler{
		Config: cfgStore,
		Store:  store,
		Logger: logger,
		mux:    http.NewServeMux(),
		tail:   newTailBroker(),
	}

	h.mux.HandleFunc("/_proxy/api/config", h.authenticated(h.handleConfig))
	h.mux.HandleFunc("/_proxy/api/logs", h.authenticated(h.handleLogs))
	h.mux.HandleFunc("/_proxy/api/logs/stream", h.authenticated(h.handleLogsStream))
	if registry != nil {
		h.mux.Handle("/_proxy/metrics", h.authenticated(registry.ServeHTTP))
	}
	h.mux.HandleFunc("/_proxy/", h.authenticated(h.handleStaticPlaceholder))

	return h
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

// Notify pushes txn to any connected log-stream clients. It is safe to call
// from the proxy engine's goroutine.
func (h *Handler) Notify(txn transaction.Transaction) {
	h.tail.publish(txn)
}

func (h *Handler) authenticated(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := r.URL.Query().Get("token")
		expected := h.Config.Load().AdminToken
		if subtle.ConstantTimeCompare([]byte(token), []byte(expected)) != 1 {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next(w, r)
	}
}

type configView struct {
	ClientTimeoutMs   int64 `json:"client_timeout_ms"`
	UpstreamTimeoutMs int64 `json:"upstream_timeout_ms"`
	MaxHistorySize    int   `json:"max_history_size"`
	MaxBodySize       int64 `json:"max_body_size"`
	TruncateBodyAt    int64 `json:"truncate_body_at"`
}

func viewOf(c *config.Config) configView {
	return configView{
		ClientTimeoutMs:   int64(c.ClientTimeout / time.Millisecond),
		UpstreamTimeoutMs: int64(c.UpstreamTimeout / time.Millisecond),
		MaxHistorySize:    c.MaxHistorySize,
		MaxBodySize:       c.MaxBodySize,
		TruncateBodyAt:    c.TruncateBodyAt,
	}
}

func (h *Handler) handleConfig(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, viewOf(h.Config.Load()))
	case http.MethodPost:
		h.handleConfigUpdate(w, r)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (h *Handler) handleConfigUpdate(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ClientTimeoutMs   *int64 `json:"client_timeout_ms"`
		UpstreamTimeoutMs *int64 `json:"upstream_timeout_ms"`
		MaxHistorySize    *int   `json:"max_history_size"`
		MaxBodySize       *int64 `json:"max_body_size"`
		TruncateBodyAt    *int64 `json:"truncate_body_at"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "invalid JSON body", http.StatusBadRequest)
		return
	}

	patch := &config.Patch{
		ClientTimeoutMs:   body.ClientTimeoutMs,
		UpstreamTimeoutMs: body.UpstreamTimeoutMs,
		MaxHistorySize:    body.MaxHistorySize,
		MaxBodySize:       body.MaxBodySize,
		TruncateBodyAt:    body.TruncateBodyAt,
	}

	next, err := h.Config.Update(patch)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if body.MaxHistorySize != nil {
		h.Store.Resize(*body.MaxHistorySize)
	}

	writeJSON(w, http.StatusOK, viewOf(next))
}

type headerPair [2]string

type bodyView struct {
	ContentType string `json:"content_type"`
	IsBinary    bool   `json:"is_binary"`
	Size        int64  `json:"size"`
	Preview     string `json:"preview"`
}

type requestView struct {
	ID         string      `json:"id"`
	Timestamp  int64       `json:"timestamp"`
	Method     string      `json:"method"`
	Path       string      `json:"path"`
	Version    string      `json:"version"`
	Headers    []headerPair `json:"headers"`
	Body       bodyView    `json:"body"`
	ClientAddr string      `json:"client_addr"`
}

type responseView struct {
	ID         string       `json:"id"`
	Timestamp  int64        `json:"timestamp"`
	Status     int          `json:"status"`
	Version    string       `json:"version"`
	Headers    []headerPair `json:"headers"`
	Body       bodyView     `json:"body"`
	DurationMs int64        `json:"duration_ms"`
}

type transactionView struct {
	Request  requestView   `json:"request"`
	Response *responseView `json:"response"`
	Error    *string       `json:"error"`
}

func bodySummaryView(b transaction.BodySummary) bodyView {
	return bodyView{
		ContentType: b.ContentType,
		IsBinary:    b.IsBinary,
		Size:        b.Size,
		Preview:     decodePreview(b),
	}
}

// decodePreview renders the retained preview bytes as a string and leaves
// binary bodies empty. Invalid UTF-8 is not replaced here; encoding/json
// replaces it with U+FFFD when the view is serialized.
func decodePreview(b transaction.BodySummary) string {
	if b.IsBinary {
		return ""
	}
	return string(b.Preview)
}

func headerPairs(hs []transaction.Header) []headerPair {
	out := make([]headerPair, len(hs))
	for i, h := range hs {
		out[i] = headerPair{h.Name, h.Value}
	}
	return out
}

func transactionViewOf(t transaction.Transaction) transactionView {
	v := transactionView{
		Request: requestView{
			ID:         t.Request.ID,
			Timestamp:  t.Request.Timestamp.UnixMilli(),
			Method:     t.Request.Method,
			Path:       t.Request.Path,
			Version:    t.Request.Version,
			Headers:    headerPairs(t.Request.Headers),
			Body:       bodySummaryView(t.Request.Body),
			ClientAddr: t.Request.ClientAddr,
		},
	}
	if t.Response != nil {
		v.Response = &responseView{
			ID:         t.Response.ID,
			Timestamp:  t.Response.Timestamp.UnixMilli(),
			Status:     t.Response.Status,
			Version:    t.Response.Version,
			Headers:    headerPairs(t.Response.Headers),
			Body:       bodySummaryView(t.Response.Body),
			DurationMs: t.Response.Duration.Milliseconds(),
		}
	}
	if t.Error != "" {
		v.Error = &t.Error
	}
	return v
}

func (h *Handler) handleLogs(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		snap := h.Store.Snapshot()
		views := make([]transactionView, len(snap))
		for i, t := range snap {
			views[i] = transactionViewOf(t)
		}
		writeJSON(w, http.StatusOK, views)
	case http.MethodDelete:
		removed := h.Store.Clear()
		writeJSON(w, http.StatusOK, struct {
			Cleared int `json:"cleared"`
		}{removed})
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (h *Handler) handleLogsStream(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.Logger.Printf("admin: websocket upgrade failed: %s", err)
		return
	}
	defer conn.Close()

	ch, cancel := h.tail.subscribe()
	defer cancel()

	for txn := range ch {
		if err := conn.WriteJSON(transactionViewOf(txn)); err != nil {
			return
		}
	}
}

func (h *Handler) handleStaticPlaceholder(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("<!doctype html><title>DebugProxy</title><p>DebugProxy admin UI.</p>"))
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
