// Package wire implements the HTTP/1.1 request encoder and response parser
// that sit directly on top of the bounded buffer: no blocking I/O, no
// allocation per body chunk, everything driven by feeding bytes in and
// reading events out.
package wire

import (
	"strconv"
	"strings"

	"github.com/ashgrove-dev/pipehttp/pkg/constants"
	"github.com/ashgrove-dev/pipehttp/pkg/errors"
	"github.com/ashgrove-dev/pipehttp/pkg/header"
)

// Framing names how a message body is delimited on the wire.
type Framing int

const (
	// FramingNone means the message has no body at all.
	FramingNone Framing = iota
	// FramingFixed means the body is exactly Length bytes, per Content-Length.
	FramingFixed
	// FramingChunked means the body is chunked transfer-encoded.
	FramingChunked
	// FramingUntilClose means the body runs until the connection closes.
	FramingUntilClose
)

// DetermineResponseFraming applies RFC 7230 §3.3.3 in order: method/status
// exclusions first, then Transfer-Encoding, then Content-Length, then
// close-delimited when Connection: close is present; a response with none
// of these is UnsupportedResponse. method is the request method that
// produced this response (needed for the HEAD exclusion).
func DetermineResponseFraming(method string, statusCode int, h *header.Map) (Framing, int64, error) {
	if method == "HEAD" ||
		(statusCode >= 100 && statusCode < 200) ||
		statusCode == 204 ||
		statusCode == 304 {
		return FramingNone, 0, nil
	}

	if te, ok := h.Get("Transfer-Encoding"); ok {
		if strings.Contains(strings.ToLower(te), "chunked") {
			return FramingChunked, 0, nil
		}
		return FramingUntilClose, 0, nil
	}

	if cl, ok := h.Get("Content-Length"); ok {
		length, err := strconv.ParseInt(strings.TrimSpace(cl), 10, 64)
		if err != nil {
			return 0, 0, errors.NewInvalidResponse("invalid Content-Length", err)
		}
		if length < 0 {
			return 0, 0, errors.NewInvalidResponse("negative Content-Length", nil)
		}
		if length > constants.MaxContentLength {
			return 0, 0, errors.NewUnsupportedResponse("Content-Length exceeds supported maximum")
		}
		return FramingFixed, length, nil
	}

	if conn, ok := h.Get("Connection"); ok && strings.Contains(strings.ToLower(conn), "close") {
		return FramingUntilClose, 0, nil
	}

	return 0, 0, errors.NewUnsupportedResponse("response has no Content-Length, chunked encoding, or Connection: close")
}
