package proxy

import (
	"net"
	"net/http"
	"strings"
)

// staticHopByHopHeaders lists the headers that are always scoped to a
// single transport hop and must never be forwarded.
var staticHopByHopHeaders = map[string]bool{
	"Connection":          true,
	"Keep-Alive":          true,
	"Proxy-Authenticate":  true,
	"Proxy-Authorization": true,
	"Te":                  true,
	"Trailers":            true,
	"Transfer-Encoding":   true,
	"Upgrade":             true,
}

// connectionTokens returns the set of canonicalized header names listed in
// h's Connection header(s), which must also be stripped in addition to the
// static hop-by-hop set.
func connectionTokens(h http.Header) map[string]bool {
	tokens := map[string]bool{}
	for _, value := range h.Values("Connection") {
		for _, tok := range strings.Split(value, ",") {
			tok = strings.TrimSpace(tok)
			if tok != "" {
				tokens[http.CanonicalHeaderKey(tok)] = true
			}
		}
	}
	return tokens
}

// copyForwardableHeaders copies every header from src to dst except the
// hop-by-hop set (static plus whatever src's own Connection header names).
func copyForwardableHeaders(dst, src http.Header) {
	dynamic := connectionTokens(src)
	for name, values := range src {
		canonical := http.CanonicalHeaderKey(name)
		if staticHopByHopHeaders[canonical] || dynamic[canonical] {
			continue
		}
		dst[canonical] = values
	}
}

// appendForwardedFor returns the value the X-Forwarded-For header should
// carry upstream: the existing chain (if any) with clientAddr appended.
func appendForwardedFor(existing http.Header, clientAddr string) string {
	ip := clientAddr
	if host, _, err := net.SplitHostPort(clientAddr); err == nil {
		ip = host
	}
	if chain := existing.Get("X-Forwarded-For"); chain != "" {
		return chain + ", " + ip
	}
	return ip
}

// buildUpstreamHeaders constructs the header set to send to the upstream
// for request, stripping hop-by-hop headers and appending to
// X-Forwarded-For.
func buildUpstreamHeaders(request *http.Request) http.Header {
	headers := http.Header{}
	copyForwardableHeaders(headers, request.Header)
	headers.Set("Host", request.Host)
	headers.Set("X-Forwarded-For", appendForwardedFor(request.Header, request.RemoteAddr))
	return headers
}
