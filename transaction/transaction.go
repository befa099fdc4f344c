// Package transaction records the request/response pairs observed by the
// proxy in a bounded, concurrency-safe history.
package transaction

import "time"

// Header is a single name/value pair, kept in the order it was received so
// that duplicates and casing survive round-tripping to the admin surface.
type Header struct {
	Name  string
	Value string
}

// BodySummary describes a request or response body as captured by the
// capture package, without retaining the full body.
type BodySummary struct {
	ContentType string
	IsBinary    bool
	Size        int64
	Preview     []byte
}

// RequestRecord is the client-observable part of an HTTP request.
type RequestRecord struct {
	ID         string
	Timestamp  time.Time
	Method     string
	Path       string
	Version    string
	Headers    []Header
	Body       BodySummary
	ClientAddr string
}

// ResponseRecord is the client-observable part of an HTTP response.
type ResponseRecord struct {
	ID        string
	Timestamp time.Time
	Status    int
	Version   string
	Headers   []Header
	Body      BodySummary
	Duration  time.Duration
}

// Transaction pairs a request with, eventually, either a response or an
// error. Exactly one of Response and Error is set once the transaction is
// terminal; both are empty while it is in flight.
type Transaction struct {
	Request  RequestRecord
	Response *ResponseRecord
	Error    string
}

// InFlight reports whether the transaction has neither a response nor an
// error recorded yet.
func (t *Transaction) InFlight() bool {
	return t.Response == nil && t.Error == ""
}
