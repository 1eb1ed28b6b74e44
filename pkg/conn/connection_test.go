package conn

import (
	"io"
	"net"
	"testing"
	"time"

	"github.com/ashgrove-dev/pipehttp/pkg/errors"
	"github.com/ashgrove-dev/pipehttp/pkg/header"
	"github.com/ashgrove-dev/pipehttp/pkg/transport"
	"github.com/ashgrove-dev/pipehttp/pkg/wire"
)

// loopback starts a TCP listener on 127.0.0.1, hands the accepted server-side
// net.Conn to serve in its own goroutine, and returns a client-side
// Connection dialed against it.
func loopback(t *testing.T, serve func(net.Conn)) *Connection {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen failed: %v", err)
	}
	t.Cleanup(func() { ln.Close() })

	go func() {
		c, err := ln.Accept()
		if err != nil {
			return
		}
		serve(c)
	}()

	raw, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	t.Cleanup(func() { raw.Close() })

	adapter, err := transport.New(raw)
	if err != nil {
		t.Fatalf("transport.New failed: %v", err)
	}
	return New(adapter, &transport.Metadata{}, Options{Host: "example.com"})
}

func deadline() time.Time { return time.Now().Add(5 * time.Second) }

func sendRequest(t *testing.T, c *Connection, req *wire.Request) {
	t.Helper()
	s := c.Send()
	for {
		done, poll, err := s.SendRequest(req)
		if err != nil {
			t.Fatalf("SendRequest failed: %v", err)
		}
		if done {
			return
		}
		if poll != nil {
			if err := poll.Wait(deadline()); err != nil {
				t.Fatalf("poll wait failed: %v", err)
			}
		}
	}
}

func readResponse(t *testing.T, c *Connection) *wire.Response {
	t.Helper()
	r := c.Receive()
	for {
		resp, poll, err := r.ReadResponse()
		if err != nil {
			t.Fatalf("ReadResponse failed: %v", err)
		}
		if resp != nil {
			return resp
		}
		if poll != nil {
			if err := poll.Wait(deadline()); err != nil {
				t.Fatalf("poll wait failed: %v", err)
			}
		}
	}
}

func readBody(t *testing.T, c *Connection) []byte {
	t.Helper()
	r := c.Receive()
	var out []byte
	buf := make([]byte, 256)
	for {
		n, poll, err := r.Read(buf)
		if err != nil {
			t.Fatalf("Read failed: %v", err)
		}
		if n == 0 && poll == nil {
			return out
		}
		out = append(out, buf[:n]...)
		if poll != nil {
			if err := poll.Wait(deadline()); err != nil {
				t.Fatalf("poll wait failed: %v", err)
			}
		}
	}
}

func TestSendAndReceiveFixedLengthResponse(t *testing.T) {
	c := loopback(t, func(conn net.Conn) {
		defer conn.Close()
		buf := make([]byte, 4096)
		n, _ := conn.Read(buf)
		_ = n
		conn.Write([]byte("HTTP/1.1 200 OK\r\nContent-Length: 5\r\n\r\nhowdy"))
	})

	sendRequest(t, c, &wire.Request{Method: "GET", Target: "/", Headers: header.New(), Body: wire.BodyNone})
	resp := readResponse(t, c)
	if resp.StatusCode != 200 {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	body := readBody(t, c)
	if string(body) != "howdy" {
		t.Fatalf("expected body \"howdy\", got %q", body)
	}
}

func TestPipelinedResponsesArriveInOrder(t *testing.T) {
	c := loopback(t, func(conn net.Conn) {
		defer conn.Close()
		buf := make([]byte, 8192)
		_, _ = io.ReadFull(conn, buf[:0]) // no-op, request lines read below
		total := 0
		for total < len("GET /a HTTP/1.1\r\nHost: example.com\r\n\r\n")+
			len("GET /b HTTP/1.1\r\nHost: example.com\r\n\r\n")+
			len("GET /c HTTP/1.1\r\nHost: example.com\r\n\r\n") {
			n, err := conn.Read(buf[total:])
			if err != nil {
				return
			}
			total += n
		}
		conn.Write([]byte(
			"HTTP/1.1 200 OK\r\nContent-Length: 1\r\n\r\nA" +
				"HTTP/1.1 200 OK\r\nContent-Length: 1\r\n\r\nB" +
				"HTTP/1.1 200 OK\r\nContent-Length: 1\r\n\r\nC",
		))
	})

	for _, target := range []string{"/a", "/b", "/c"} {
		sendRequest(t, c, &wire.Request{Method: "GET", Target: target, Headers: header.New(), Body: wire.BodyNone})
	}

	var got []byte
	for i := 0; i < 3; i++ {
		readResponse(t, c)
		got = append(got, readBody(t, c)...)
	}
	if string(got) != "ABC" {
		t.Fatalf("expected pipelined bodies in order \"ABC\", got %q", got)
	}
}

func TestExpect100ContinueRendezvous(t *testing.T) {
	c := loopback(t, func(conn net.Conn) {
		defer conn.Close()
		buf := make([]byte, 4096)
		n, _ := conn.Read(buf) // header block including Expect: 100-continue
		_ = n
		conn.Write([]byte("HTTP/1.1 100 Continue\r\n\r\n"))

		n2, _ := conn.Read(buf) // the body, sent only after 100-continue
		if string(buf[:n2]) != "bodydata" {
			conn.Write([]byte("HTTP/1.1 500 Internal Server Error\r\nContent-Length: 0\r\n\r\n"))
			return
		}
		conn.Write([]byte("HTTP/1.1 200 OK\r\nContent-Length: 0\r\n\r\n"))
	})

	h := header.New()
	sendRequest(t, c, &wire.Request{
		Method: "POST", Target: "/upload", Headers: h,
		Body: wire.BodyFollowing, Length: 8, Expect100: true,
	})

	// Read the 100-continue interim response, which ReadResponse returns to
	// the caller before the final response.
	r := c.Receive()
	for {
		resp, poll, err := r.ReadResponse()
		if err != nil {
			t.Fatalf("ReadResponse failed: %v", err)
		}
		if resp != nil && resp.StatusCode == 100 {
			break
		}
		if poll != nil {
			poll.Wait(deadline())
		}
	}

	s := c.Send()
	data := []byte("bodydata")
	for written := 0; written < len(data); {
		n, poll, err := s.Write(data[written:])
		if err != nil {
			t.Fatalf("Write failed: %v", err)
		}
		written += n
		if poll != nil {
			poll.Wait(deadline())
		}
	}

	resp := readResponse(t, c)
	if resp.StatusCode != 200 {
		t.Fatalf("expected 200 after the continue rendezvous, got %d", resp.StatusCode)
	}
}

func TestChunkedResponseBodyConcatenates(t *testing.T) {
	c := loopback(t, func(conn net.Conn) {
		defer conn.Close()
		buf := make([]byte, 4096)
		conn.Read(buf)
		conn.Write([]byte("HTTP/1.1 200 OK\r\nTransfer-Encoding: chunked\r\n\r\n5\r\nhello\r\n0\r\n\r\n"))
	})

	sendRequest(t, c, &wire.Request{Method: "GET", Target: "/", Headers: header.New(), Body: wire.BodyNone})
	readResponse(t, c)
	body := readBody(t, c)
	if string(body) != "hello" {
		t.Fatalf("expected \"hello\", got %q", body)
	}
}

func TestMidBodyTruncationIsConnectionClosed(t *testing.T) {
	c := loopback(t, func(conn net.Conn) {
		buf := make([]byte, 4096)
		conn.Read(buf)
		conn.Write([]byte("HTTP/1.1 200 OK\r\nContent-Length: 10\r\n\r\nabc"))
		conn.Close()
	})

	sendRequest(t, c, &wire.Request{Method: "GET", Target: "/", Headers: header.New(), Body: wire.BodyNone})
	readResponse(t, c)

	r := c.Receive()
	buf := make([]byte, 64)
	var gotErr error
	for i := 0; i < 50; i++ {
		_, poll, err := r.Read(buf)
		if err != nil {
			gotErr = err
			break
		}
		if poll != nil {
			if werr := poll.Wait(time.Now().Add(2 * time.Second)); werr != nil {
				gotErr = werr
				break
			}
		}
	}
	if gotErr == nil || errors.GetKind(gotErr) != errors.KindConnectionClosed {
		t.Fatalf("expected a ConnectionClosed failure for a truncated body, got %v", gotErr)
	}
}

func TestMalformedFramingIsUnsupportedResponse(t *testing.T) {
	c := loopback(t, func(conn net.Conn) {
		defer conn.Close()
		buf := make([]byte, 4096)
		conn.Read(buf)
		conn.Write([]byte("HTTP/1.1 200 OK\r\nX-Foo: bar\r\n\r\n"))
	})

	sendRequest(t, c, &wire.Request{Method: "GET", Target: "/", Headers: header.New(), Body: wire.BodyNone})

	r := c.Receive()
	var gotErr error
	for i := 0; i < 50; i++ {
		_, poll, err := r.ReadResponse()
		if err != nil {
			gotErr = err
			break
		}
		if poll != nil {
			if werr := poll.Wait(time.Now().Add(2 * time.Second)); werr != nil {
				gotErr = werr
				break
			}
		}
	}
	if gotErr == nil || errors.GetKind(gotErr) != errors.KindUnsupportedResponse {
		t.Fatalf("expected an UnsupportedResponse failure, got %v", gotErr)
	}
}

func TestChunkedRequestBodyStreams(t *testing.T) {
	c := loopback(t, func(conn net.Conn) {
		defer conn.Close()
		buf := make([]byte, 4096)
		total := 0
		for {
			n, err := conn.Read(buf[total:])
			if err != nil {
				return
			}
			total += n
			if total >= len("PUT /upload HTTP/1.1\r\nHost: example.com\r\nTransfer-Encoding: chunked\r\n\r\n5\r\nhello\r\n0\r\n\r\n") {
				break
			}
		}
		if string(buf[total-len("5\r\nhello\r\n0\r\n\r\n"):total]) != "5\r\nhello\r\n0\r\n\r\n" {
			conn.Write([]byte("HTTP/1.1 400 Bad Request\r\nContent-Length: 0\r\n\r\n"))
			return
		}
		conn.Write([]byte("HTTP/1.1 200 OK\r\nContent-Length: 0\r\n\r\n"))
	})

	req := &wire.Request{Method: "PUT", Target: "/upload", Headers: header.New(), Body: wire.BodyChunked}
	sendRequest(t, c, req)

	s := c.Send()
	for {
		poll, err := s.WriteChunk([]byte("hello"))
		if err != nil {
			t.Fatalf("WriteChunk failed: %v", err)
		}
		if poll == nil {
			break
		}
		poll.Wait(deadline())
	}
	for {
		poll, err := s.EndChunks(nil)
		if err != nil {
			t.Fatalf("EndChunks failed: %v", err)
		}
		if poll == nil {
			break
		}
		poll.Wait(deadline())
	}

	resp := readResponse(t, c)
	if resp.StatusCode != 200 {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
}

func TestWriteBeyondDeclaredLengthReturnsExcessBodyData(t *testing.T) {
	c := loopback(t, func(conn net.Conn) {
		defer conn.Close()
		buf := make([]byte, 4096)
		conn.Read(buf) // header block
		body := make([]byte, 4)
		if _, err := io.ReadFull(conn, body); err != nil {
			return
		}
		if string(body) != "tool" {
			conn.Write([]byte("HTTP/1.1 400 Bad Request\r\nContent-Length: 0\r\n\r\n"))
			return
		}
		conn.Write([]byte("HTTP/1.1 200 OK\r\nContent-Length: 0\r\n\r\n"))
	})

	req := &wire.Request{Method: "PUT", Target: "/upload", Headers: header.New(), Body: wire.BodyFollowing, Length: 4}
	sendRequest(t, c, req)

	s := c.Send()
	var gotErr error
	var written int
	for {
		n, poll, err := s.Write([]byte("toolongbody"))
		written += n
		if err != nil {
			gotErr = err
			break
		}
		if poll == nil {
			break
		}
		if werr := poll.Wait(deadline()); werr != nil {
			t.Fatalf("poll wait failed: %v", werr)
		}
	}
	if gotErr == nil || errors.GetKind(gotErr) != errors.KindExcessBodyData {
		t.Fatalf("expected ExcessBodyData, got %v", gotErr)
	}
	if written != 4 {
		t.Fatalf("expected exactly the declared 4 bytes to reach the wire, got %d", written)
	}

	// The body is truncated at the declared length and treated as fully
	// sent (spec.md §4.6): the request is still readable as a normal
	// response even though Write reported ExcessBodyData.
	resp := readResponse(t, c)
	if resp.StatusCode != 200 {
		t.Fatalf("expected 200 (server saw exactly the declared body), got %d", resp.StatusCode)
	}
}

// TestMidBodySendFailureLeavesReceiveSideUsable drives markSendDead directly
// rather than racing a real socket teardown: forcing the exact failure by
// hand is the only way to assert its effect deterministically, since a real
// mid-body TCP break may or may not surface as a Write error before the
// small test payload is fully queued.
func TestMidBodySendFailureLeavesReceiveSideUsable(t *testing.T) {
	c := loopback(t, func(conn net.Conn) {
		buf := make([]byte, 4096)
		conn.Read(buf) // header block (Content-Length: 8 body follows)
		// Respond before reading the body, then close — simulating a server
		// that rejects a request mid-upload without reading the rest.
		conn.Write([]byte("HTTP/1.1 413 Payload Too Large\r\nContent-Length: 0\r\n\r\n"))
		conn.Close()
	})

	req := &wire.Request{Method: "PUT", Target: "/upload", Headers: header.New(), Body: wire.BodyFollowing, Length: 8}
	sendRequest(t, c, req)

	// Simulate the transport failure SendSide.Write would observe partway
	// through streaming the body (spec.md §4.6): this must poison only the
	// send side, not the whole connection.
	c.markSendDead(errors.NewConnectionClosed("write", nil))

	if _, _, err := c.Send().Write([]byte("more")); err == nil {
		t.Fatalf("expected the send side to stay poisoned after a mid-body failure")
	}

	// The receive side must still be able to read the 413 the peer already
	// sent before the break, rather than failing with the send-side error.
	resp := readResponse(t, c)
	if resp == nil || resp.StatusCode != 413 {
		t.Fatalf("expected read_response to still surface the buffered 413 after a send-side-only failure, got resp=%v", resp)
	}
}
