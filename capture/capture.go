// Package capture implements the streaming body tee used by the proxy
// engine: bytes are forwarded to their destination unchanged while a
// bounded preview is retained for the transaction history.
package capture

import (
	"errors"
	"io"
	"mime"
	"strings"

	"debugproxy/transaction"
)

// ErrBodyTooLarge is returned once the number of bytes read from the
// source exceeds the configured maximum, in either direction.
var ErrBodyTooLarge = errors.New("body_too_large")

// textualSubtypes lists MIME subtypes, beyond the text/* tree, that are
// treated as textual for preview purposes.
var textualSubtypes = map[string]bool{
	"application/json":                  true,
	"application/xml":                   true,
	"application/x-www-form-urlencoded": true,
	"application/javascript":            true,
	"application/ld+json":                true,
}

// IsTextual reports whether contentType should be treated as textual (and
// therefore worth decoding as UTF-8 for the preview) rather than opaque
// binary.
func IsTextual(contentType string) bool {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		mediaType = strings.ToLower(strings.TrimSpace(strings.SplitN(contentType, ";", 2)[0]))
	}
	if mediaType == "" {
		return false
	}
	if strings.HasPrefix(mediaType, "text/") {
		return true
	}
	if strings.HasSuffix(mediaType, "+json") || strings.HasSuffix(mediaType, "+xml") {
		return true
	}
	return textualSubtypes[mediaType]
}

// normalizeContentType reduces contentType to its bare, lowercased media
// type with any charset or other parameter stripped, per the recorded
// transaction's content_type contract. An unparsable value is not
// discarded: it is cut at its first ';', trimmed and lowercased.
func normalizeContentType(contentType string) string {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return strings.ToLower(strings.TrimSpace(strings.SplitN(contentType, ";", 2)[0]))
	}
	return mediaType
}

// Tee streams bytes from src to dst, retaining up to truncateAt bytes of
// preview and aborting once more than maxSize bytes have been read from
// src. contentType determines whether the retained preview is later
// reported as textual or binary.
//
// Tee returns the total number of bytes read from src, and a non-nil error
// if the copy was aborted (ErrBodyTooLarge, or whatever src/dst returned).
func Tee(dst io.Writer, src io.Reader, contentType string, truncateAt, maxSize int64) (int64, transaction.BodySummary, error) {
	summary := transaction.BodySummary{
		ContentType: normalizeContentType(contentType),
		IsBinary:    !IsTextual(contentType),
	}

	if truncateAt < 0 {
		truncateAt = 0
	}

	buf := make([]byte, 32*1024)
	var total int64
	var preview []byte

	for {
		n, rerr := src.Read(buf)
		if n > 0 {
			total += int64(n)
			if maxSize > 0 && total > maxSize {
				summary.Size = total
				summary.Preview = preview
				return total, summary, ErrBodyTooLarge
			}

			if remaining := truncateAt - int64(len(preview)); remaining > 0 {
				take := int64(n)
				if take > remaining {
					take = remaining
				}
				preview = append(preview, buf[:take]...)
			}

			if _, werr := dst.Write(buf[:n]); werr != nil {
				summary.Size = total
				summary.Preview = preview
				return total, summary, werr
			}
		}

		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			summary.Size = total
			summary.Preview = preview
			return total, summary, rerr
		}
	}

	summary.Size = total
	summary.Preview = preview
	return total, summary, nil
}
