package wire

import "github.com/ashgrove-dev/pipehttp/pkg/header"

// Response holds one parsed status-line plus header block. The body itself
// is never buffered here — the parser hands body bytes to the caller as
// they arrive via BodyData events, and the caller decides where they go.
// Chunked trailers, once parsed, are appended to Headers rather than kept
// in a separate map (spec.md §4.5: "Trailers are appended to the response
// header multimap").
type Response struct {
	ProtoMajor int
	ProtoMinor int
	StatusCode int
	Reason     string
	Headers    *header.Map
}

// IsInformational reports whether this is a 1xx response, which the
// pipeline treats as an intermediate message (e.g. 100 Continue) rather
// than the final response to a request.
func (r *Response) IsInformational() bool {
	return r.StatusCode >= 100 && r.StatusCode < 200
}
