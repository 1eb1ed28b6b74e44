package wire

import (
	"crypto/md5"
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"

	"github.com/ashgrove-dev/pipehttp/pkg/errors"
	"github.com/ashgrove-dev/pipehttp/pkg/header"
)

// BodyKind names how a request body is supplied to the encoder.
type BodyKind int

const (
	// BodyNone means the request carries no body.
	BodyNone BodyKind = iota
	// BodyInline means the full body is already in memory; the encoder
	// computes Content-Length from its length.
	BodyInline
	// BodyFollowing means the caller promises exactly Length body bytes
	// will arrive through later write calls.
	BodyFollowing
	// BodyChunked means the body is streamed as chunks; the encoder sets
	// Transfer-Encoding: chunked and drops any Content-Length the caller
	// supplied.
	BodyChunked
)

// Request is what the encoder turns into wire bytes.
type Request struct {
	Method  string
	Target  string
	Headers *header.Map

	Body       BodyKind
	InlineBody []byte
	Length     int64 // meaningful for BodyFollowing

	Expect100 bool
	// ComputeContentMD5, if true, adds a Content-MD5 header for an inline
	// body. Never computed unless the caller opts in.
	ComputeContentMD5 bool
}

// EncodeHead validates req and serializes its request line and header
// block (including the trailing blank line) in one coalesced byte slice.
// host is used to synthesize a Host header when the caller did not supply
// one. The emitted header block comes from a copy of req.Headers with
// Content-Length/Transfer-Encoding/Expect/Host adjusted as needed —
// req.Headers itself is left untouched.
func EncodeHead(req *Request, host string) ([]byte, error) {
	if err := validateMethod(req.Method); err != nil {
		return nil, err
	}
	if err := validateTarget(req.Target); err != nil {
		return nil, err
	}

	h := header.New()
	for _, it := range req.Headers.Items() {
		if err := h.Add(it.Key, it.Value); err != nil {
			return nil, err
		}
	}

	if !h.Has("Host") {
		if err := h.Add("Host", host); err != nil {
			return nil, err
		}
	}

	switch req.Body {
	case BodyInline:
		h.Del("Transfer-Encoding")
		if err := h.Set("Content-Length", strconv.Itoa(len(req.InlineBody))); err != nil {
			return nil, err
		}
		if req.ComputeContentMD5 && len(req.InlineBody) > 0 {
			sum := md5.Sum(req.InlineBody)
			if err := h.Set("Content-MD5", base64.StdEncoding.EncodeToString(sum[:])); err != nil {
				return nil, err
			}
		}
	case BodyFollowing:
		h.Del("Transfer-Encoding")
		if err := h.Set("Content-Length", strconv.FormatInt(req.Length, 10)); err != nil {
			return nil, err
		}
	case BodyChunked:
		h.Del("Content-Length")
		if err := h.Set("Transfer-Encoding", "chunked"); err != nil {
			return nil, err
		}
	case BodyNone:
		h.Del("Content-Length")
		h.Del("Transfer-Encoding")
	}

	if req.Expect100 {
		if err := h.Set("Expect", "100-continue"); err != nil {
			return nil, err
		}
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%s %s HTTP/1.1\r\n", req.Method, req.Target)
	for _, it := range h.Items() {
		fmt.Fprintf(&b, "%s: %s\r\n", it.Key, it.Value)
	}
	b.WriteString("\r\n")
	return []byte(b.String()), nil
}

// EncodeChunk frames one chunked-transfer-encoding data chunk.
func EncodeChunk(data []byte) []byte {
	if len(data) == 0 {
		return EncodeLastChunk()
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%x\r\n", len(data))
	b.Write(data)
	b.WriteString("\r\n")
	return []byte(b.String())
}

// EncodeLastChunk frames the terminating zero-length chunk with no
// trailers. Callers that need trailers should use EncodeLastChunkWithTrailers.
func EncodeLastChunk() []byte {
	return []byte("0\r\n\r\n")
}

// EncodeLastChunkWithTrailers frames the terminating zero-length chunk
// followed by a trailer header block.
func EncodeLastChunkWithTrailers(trailers *header.Map) []byte {
	var b strings.Builder
	b.WriteString("0\r\n")
	for _, it := range trailers.Items() {
		fmt.Fprintf(&b, "%s: %s\r\n", it.Key, it.Value)
	}
	b.WriteString("\r\n")
	return []byte(b.String())
}

func validateMethod(method string) error {
	if method == "" {
		return errors.NewValidationError("method cannot be empty")
	}
	for i := 0; i < len(method); i++ {
		c := method[i]
		switch {
		case c >= 'A' && c <= 'Z', c >= 'a' && c <= 'z', c >= '0' && c <= '9':
		case strings.IndexByte("!#$%&'*+-.^_`|~", c) >= 0:
		default:
			return errors.NewValidationError("method is not a valid token: " + method)
		}
	}
	return nil
}

func validateTarget(target string) error {
	if target == "" {
		return errors.NewValidationError("target path cannot be empty")
	}
	if target[0] != '/' && !strings.Contains(target, "://") {
		return errors.NewValidationError("target must start with / or be an absolute-form URL: " + target)
	}
	return nil
}
