package proxy

import (
	"fmt"
	"io"
	"net/http"
)

// writeUpstreamRequestHead writes the request line and headers for request
// to writer, using headers in place of request.Header so that hop-by-hop
// stripping and X-Forwarded-For injection can be applied beforehand.
func writeUpstreamRequestHead(writer io.Writer, request *http.Request, headers http.Header) error {
	if _, err := fmt.Fprintf(
		writer,
		"%s %s HTTP/1.1\r\n",
		request.Method,
		request.URL.RequestURI(),
	); err != nil {
		return err
	}

	if err := headers.Write(writer); err != nil {
		return err
	}

	_, err := io.WriteString(writer, "\r\n")
	return err
}

// writeClientResponseHead forwards response's status and headers to writer,
// stripping hop-by-hop headers.
func writeClientResponseHead(writer http.ResponseWriter, response *http.Response) {
	dst := writer.Header()
	copyForwardableHeaders(dst, response.Header)
	writer.WriteHeader(response.StatusCode)
}
