package wire

import (
	"strings"
	"testing"

	"github.com/ashgrove-dev/pipehttp/pkg/header"
)

func TestEncodeHeadInjectsHostAndContentLength(t *testing.T) {
	req := &Request{
		Method:     "POST",
		Target:     "/submit",
		Headers:    header.New(),
		Body:       BodyInline,
		InlineBody: []byte("payload"),
	}
	out, err := EncodeHead(req, "example.com")
	if err != nil {
		t.Fatalf("EncodeHead failed: %v", err)
	}
	s := string(out)
	if !strings.HasPrefix(s, "POST /submit HTTP/1.1\r\n") {
		t.Fatalf("unexpected request line: %q", s)
	}
	if !strings.Contains(s, "Host: example.com\r\n") {
		t.Fatalf("expected a synthesized Host header, got %q", s)
	}
	if !strings.Contains(s, "Content-Length: 7\r\n") {
		t.Fatalf("expected Content-Length: 7, got %q", s)
	}
	if !strings.HasSuffix(s, "\r\n\r\n") {
		t.Fatalf("expected a trailing blank line, got %q", s)
	}
}

func TestEncodeHeadDoesNotOverrideExplicitHost(t *testing.T) {
	h := header.New()
	h.Add("Host", "override.example")
	req := &Request{Method: "GET", Target: "/", Headers: h, Body: BodyNone}

	out, err := EncodeHead(req, "example.com")
	if err != nil {
		t.Fatalf("EncodeHead failed: %v", err)
	}
	if !strings.Contains(string(out), "Host: override.example\r\n") {
		t.Fatalf("expected the caller-supplied Host to win, got %q", out)
	}
}

func TestEncodeHeadChunkedSetsTransferEncoding(t *testing.T) {
	req := &Request{Method: "PUT", Target: "/upload", Headers: header.New(), Body: BodyChunked}
	out, err := EncodeHead(req, "example.com")
	if err != nil {
		t.Fatalf("EncodeHead failed: %v", err)
	}
	s := string(out)
	if !strings.Contains(s, "Transfer-Encoding: chunked\r\n") {
		t.Fatalf("expected chunked Transfer-Encoding, got %q", s)
	}
	if strings.Contains(s, "Content-Length") {
		t.Fatalf("chunked body must not also declare Content-Length, got %q", s)
	}
}

func TestEncodeHeadExpect100(t *testing.T) {
	req := &Request{Method: "POST", Target: "/", Headers: header.New(), Body: BodyFollowing, Length: 10, Expect100: true}
	out, err := EncodeHead(req, "example.com")
	if err != nil {
		t.Fatalf("EncodeHead failed: %v", err)
	}
	if !strings.Contains(string(out), "Expect: 100-continue\r\n") {
		t.Fatalf("expected Expect: 100-continue, got %q", out)
	}
}

func TestEncodeHeadRejectsEmptyMethod(t *testing.T) {
	req := &Request{Method: "", Target: "/", Headers: header.New(), Body: BodyNone}
	if _, err := EncodeHead(req, "example.com"); err == nil {
		t.Fatalf("expected an empty method to be rejected")
	}
}

func TestEncodeHeadRejectsBadTarget(t *testing.T) {
	req := &Request{Method: "GET", Target: "no-leading-slash", Headers: header.New(), Body: BodyNone}
	if _, err := EncodeHead(req, "example.com"); err == nil {
		t.Fatalf("expected a target without a leading slash to be rejected")
	}
}

func TestEncodeChunkFraming(t *testing.T) {
	out := EncodeChunk([]byte("hello"))
	if string(out) != "5\r\nhello\r\n" {
		t.Fatalf("unexpected chunk framing: %q", out)
	}
}

func TestEncodeChunkEmptyIsLastChunk(t *testing.T) {
	out := EncodeChunk(nil)
	if string(out) != "0\r\n\r\n" {
		t.Fatalf("expected an empty chunk to encode as the terminator, got %q", out)
	}
}

func TestEncodeLastChunkWithTrailers(t *testing.T) {
	tr := header.New()
	tr.Add("X-Checksum", "abc123")
	out := EncodeLastChunkWithTrailers(tr)
	if string(out) != "0\r\nX-Checksum: abc123\r\n\r\n" {
		t.Fatalf("unexpected trailer framing: %q", out)
	}
}
