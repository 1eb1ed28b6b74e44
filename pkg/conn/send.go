package conn

import (
	"github.com/ashgrove-dev/pipehttp/pkg/errors"
	"github.com/ashgrove-dev/pipehttp/pkg/header"
	"github.com/ashgrove-dev/pipehttp/pkg/transport"
	"github.com/ashgrove-dev/pipehttp/pkg/wire"
)

// SendSide is the view of a Connection used to drive the send-side state
// machine: Idle -> WritingHeaders -> (AwaitingContinue if expect100) ->
// WritingBody -> Idle. Only one goroutine should ever call through a given
// SendSide at a time.
type SendSide struct{ c *Connection }

// SendRequest begins sending req. It is a cooperative step: a non-nil
// PollNeeded means the transport would have blocked and the caller should
// wait on it (or register it with an event loop) and call SendRequest
// again with the same req to resume. done is true once the request's head
// — and, for an inline body with no Expect100, its body too — has been
// fully written and the pending-response record enqueued.
//
// It is a state-misuse failure to call SendRequest while the send side is
// not Idle.
func (s *SendSide) SendRequest(req *wire.Request) (done bool, poll *transport.PollNeeded, err error) {
	c := s.c
	if err := c.sendCheckError(); err != nil {
		return false, nil, err
	}

	if c.sendState == sendIdle {
		host := c.host
		if v, ok := req.Headers.Get("Host"); ok {
			host = v
		}
		head, err := wire.EncodeHead(req, host)
		if err != nil {
			return false, nil, err
		}
		c.head = newCursor(head)
		c.sendState = sendWritingHeaders
		c.bodyKind = req.Body
		c.curMethod = req.Method
		c.curExpect = req.Expect100
		if req.Body == wire.BodyFollowing {
			c.bodyLimit = req.Length
		}
		if req.Body == wire.BodyInline {
			c.body = newCursor(req.InlineBody)
		}
	}

	if c.sendState == sendWritingHeaders {
		poll, err := c.head.step(c.adapter)
		if err != nil {
			// A transport failure here only poisons the send side: any
			// earlier pipelined requests already have pending responses the
			// receive side must still be able to read (spec.md §4.6).
			c.markSendDead(err)
			return false, nil, err
		}
		if poll != nil {
			return false, poll, nil
		}
		c.pending.push(PendingResponse{Method: c.curMethod, Expect100: c.curExpect})

		if c.curExpect {
			c.sendState = sendAwaitingContinue
			return true, nil, nil
		}
		switch c.bodyKind {
		case wire.BodyNone:
			c.sendState = sendIdle
			return true, nil, nil
		case wire.BodyFollowing, wire.BodyChunked:
			c.sendState = sendWritingBody
			c.bodySent = 0
			return true, nil, nil
		case wire.BodyInline:
			c.sendState = sendWritingBody
		}
	}

	if c.sendState == sendWritingBody && c.bodyKind == wire.BodyInline {
		poll, err := c.body.step(c.adapter)
		if err != nil {
			// Mid-body failure: send-side only (see above).
			c.markSendDead(err)
			return false, nil, err
		}
		if poll != nil {
			return false, poll, nil
		}
		c.sendState = sendIdle
		return true, nil, nil
	}

	return false, nil, errors.NewStateError("send_request", "send side is not idle")
}

// continueReceived is called by the receive side once a 100-continue
// interim response has been observed, unblocking AwaitingContinue.
func (c *Connection) continueReceived() {
	if c.sendState == sendAwaitingContinue {
		c.sendState = sendWritingBody
		c.bodySent = 0
	}
}

// Write feeds bytes of an in-progress BodyFollowing request body through
// the transport. It refuses with a state error if no body is currently
// being streamed via write, and with an ExcessBodyData error if p would
// push the total past the declared length — in that case the excess is
// dropped and only the bytes up to the declared length are written.
func (s *SendSide) Write(p []byte) (n int, poll *transport.PollNeeded, err error) {
	c := s.c
	if err := c.sendCheckError(); err != nil {
		return 0, nil, err
	}
	if c.sendState != sendWritingBody || c.bodyKind != wire.BodyFollowing {
		return 0, nil, errors.NewStateError("write", "no request body is currently being streamed")
	}

	allowed := c.bodyLimit - c.bodySent
	toWrite := p
	excess := false
	if int64(len(p)) > allowed {
		toWrite = p[:allowed]
		excess = true
	}

	if c.body == nil || c.body.done() {
		c.body = newCursor(toWrite)
	}
	before := c.body.off
	stepPoll, err := c.body.step(c.adapter)
	if err != nil {
		// The body is treated as if fully sent (spec.md §4.6): only the
		// send side is poisoned, so the receive side can still read
		// whatever response the peer already sent before the break.
		c.markSendDead(err)
		return c.body.off - before, nil, err
	}
	written := c.body.off - before
	c.bodySent += int64(written)
	if stepPoll != nil {
		return written, stepPoll, nil
	}

	if c.bodySent >= c.bodyLimit {
		c.sendState = sendIdle
	}
	if excess {
		return written, nil, errors.NewExcessBodyData(c.bodyLimit, c.bodySent+int64(len(p)-len(toWrite)))
	}
	return written, nil, nil
}

// WriteChunk frames p as one chunked-transfer-encoding data chunk and
// streams it. It is a state-misuse failure unless the request was encoded
// with BodyChunked and a chunk (or nothing yet) is currently being sent.
// An empty p is a no-op; use EndChunks to terminate the body.
func (s *SendSide) WriteChunk(p []byte) (poll *transport.PollNeeded, err error) {
	c := s.c
	if err := c.sendCheckError(); err != nil {
		return nil, err
	}
	if c.sendState != sendWritingBody || c.bodyKind != wire.BodyChunked {
		return nil, errors.NewStateError("write_chunk", "no chunked request body is currently being streamed")
	}
	if len(p) == 0 {
		return nil, nil
	}
	if c.body == nil || c.body.done() {
		c.body = newCursor(wire.EncodeChunk(p))
	}
	poll, err = c.body.step(c.adapter)
	if err != nil {
		c.markSendDead(err)
		return nil, err
	}
	return poll, nil
}

// EndChunks frames and streams the terminating zero-length chunk, with
// trailers if any are given, and returns the send side to Idle once fully
// flushed.
func (s *SendSide) EndChunks(trailers *header.Map) (poll *transport.PollNeeded, err error) {
	c := s.c
	if err := c.sendCheckError(); err != nil {
		return nil, err
	}
	if c.sendState != sendWritingBody || c.bodyKind != wire.BodyChunked {
		return nil, errors.NewStateError("end_chunks", "no chunked request body is currently being streamed")
	}
	if c.body == nil || c.body.done() {
		if trailers != nil && trailers.Len() > 0 {
			c.body = newCursor(wire.EncodeLastChunkWithTrailers(trailers))
		} else {
			c.body = newCursor(wire.EncodeLastChunk())
		}
	}
	poll, err = c.body.step(c.adapter)
	if err != nil {
		c.markSendDead(err)
		return nil, err
	}
	if poll != nil {
		return poll, nil
	}
	c.sendState = sendIdle
	return nil, nil
}
