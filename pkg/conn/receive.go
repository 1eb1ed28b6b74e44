package conn

import (
	stderrors "errors"
	"io"

	"github.com/ashgrove-dev/pipehttp/pkg/errors"
	"github.com/ashgrove-dev/pipehttp/pkg/transport"
	"github.com/ashgrove-dev/pipehttp/pkg/wire"
)

// ReceiveSide is the view of a Connection used to drive the receive-side
// state machine: Idle -> ReadingStatus -> ReadingHeaders -> ReadingBody ->
// Idle. Only one goroutine should ever call through a given ReceiveSide at
// a time.
type ReceiveSide struct{ c *Connection }

// ReadResponse drives the parser through the status line and header block
// of the next pending response. For a request that set Expect100, the
// interim 100 Continue is returned to the caller without popping the
// pending record, and the next ReadResponse call reads the final response.
// A 1xx the request did not arrange for is itself the final response. It is a state-misuse failure to call ReadResponse with
// nothing pending or while a previous response body has not been fully
// consumed.
func (r *ReceiveSide) ReadResponse() (resp *wire.Response, poll *transport.PollNeeded, err error) {
	c := r.c
	if err := c.deadError(); err != nil {
		return nil, nil, err
	}
	if c.recvState != recvIdle {
		return nil, nil, errors.NewStateError("read_response", "previous response body not fully consumed")
	}
	pr, ok := c.pending.front()
	if !ok {
		// Plain caller misuse (nothing sent yet to read a response for)
		// leaves the connection usable. But if the peer already pushed
		// bytes into the receive buffer with no pending record to match
		// them against, that is an actual unsolicited extra response
		// (spec.md's Open Question, §9): the engine cannot resynchronize
		// pipeline framing after that, so the connection is unusable.
		if c.recvBuf.Len() > 0 {
			err := errors.NewInvalidResponse("response received with no pending request", nil)
			c.markDead(err)
			return nil, nil, err
		}
		return nil, nil, errors.NewStateError("read_response", "no response is pending")
	}

	if c.parser == nil {
		c.parser = wire.NewParser(pr.Method, c.opts.MaxLineSize)
		c.recvState = recvReadingStatus
	}

	for {
		if c.parser.InStatusLinePhase() {
			c.recvState = recvReadingStatus
		} else {
			c.recvState = recvReadingHeaders
		}
		ev, _, err := c.parser.Next(c.recvBuf)
		if err != nil {
			c.markDead(err)
			return nil, nil, err
		}
		if ev == wire.EventHeaders {
			resp := c.parser.Response()
			if resp.IsInformational() {
				if resp.StatusCode == 100 && pr.Expect100 && !pr.ContinueSeen {
					pr.ContinueSeen = true
					c.pending.updateFront(pr)
					c.continueReceived()
					c.parser = nil
					c.recvState = recvIdle
					return resp, nil, nil
				}
				// An interim response the caller did not arrange for is
				// itself treated as the final response (see DESIGN.md).
			}
			c.recvState = recvReadingBody
			return resp, nil, nil
		}
		if ev == wire.EventNeedMore {
			n, poll, closed, rerr := fill(c)
			if rerr != nil {
				c.markDead(rerr)
				return nil, nil, rerr
			}
			if poll != nil {
				return nil, poll, nil
			}
			if closed {
				c.markDead(errors.NewConnectionClosed("read_response", nil))
				return nil, nil, c.deadError()
			}
			_ = n
			continue
		}
	}
}

// Read yields up to len(p) bytes of the current response body, applying
// chunk/fixed/until-close framing. A zero-length result with a nil poll and
// a nil error means the body is complete and the pending record has been
// popped.
func (r *ReceiveSide) Read(p []byte) (n int, poll *transport.PollNeeded, err error) {
	c := r.c
	if err := c.deadError(); err != nil {
		return 0, nil, err
	}
	if c.recvState != recvReadingBody {
		return 0, nil, errors.NewStateError("read", "no response body is being read")
	}

	if c.leftoverOff < len(c.leftover) {
		n := copy(p, c.leftover[c.leftoverOff:])
		c.leftoverOff += n
		if c.leftoverOff >= len(c.leftover) {
			c.leftover = nil
		}
		return n, nil, nil
	}

	for {
		ev, data, perr := c.parser.Next(c.recvBuf)
		if perr != nil {
			c.markDead(perr)
			return 0, nil, perr
		}
		switch ev {
		case wire.EventBodyData:
			n := copy(p, data)
			if n < len(data) {
				c.leftover = data
				c.leftoverOff = n
			}
			return n, nil, nil
		case wire.EventBodyComplete:
			c.finishResponse()
			return 0, nil, nil
		case wire.EventNeedMore:
			n, poll, closed, rerr := fill(c)
			if rerr != nil {
				c.markDead(rerr)
				return 0, nil, rerr
			}
			if poll != nil {
				return 0, poll, nil
			}
			if closed {
				ev2, cerr := c.parser.NotifyClosed()
				if cerr != nil {
					c.markDead(cerr)
					return 0, nil, cerr
				}
				if ev2 == wire.EventBodyComplete {
					c.finishResponse()
					return 0, nil, nil
				}
			}
			_ = n
			continue
		}
	}
}

// ReadRaw is like Read but bypasses chunked decoding, handing back on-wire
// bytes including chunk-size lines and CRLFs. It is implemented by reading
// directly from the receive buffer without going through the parser, and
// is only meaningful once a response's body phase has started.
func (r *ReceiveSide) ReadRaw(p []byte) (n int, poll *transport.PollNeeded, err error) {
	c := r.c
	if err := c.deadError(); err != nil {
		return 0, nil, err
	}
	if c.recvState != recvReadingBody {
		return 0, nil, errors.NewStateError("read_raw", "no response body is being read")
	}
	if c.recvBuf.Len() == 0 {
		n, poll, closed, rerr := fill(c)
		if rerr != nil {
			c.markDead(rerr)
			return 0, nil, rerr
		}
		if poll != nil {
			return 0, poll, nil
		}
		if closed {
			c.finishResponse()
			return 0, nil, nil
		}
		_ = n
	}
	data, _ := c.recvBuf.Consume(min(len(p), c.recvBuf.Len()))
	return copy(p, data), nil, nil
}

func (c *Connection) finishResponse() {
	c.parser = nil
	c.leftover = nil
	c.leftoverOff = 0
	c.recvState = recvIdle
	c.pending.pop()
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}

// fill attempts one non-blocking read into the receive buffer's tail.
// closed reports a clean EOF (as opposed to a hard transport error, which
// is returned via err).
func fill(c *Connection) (n int, poll *transport.PollNeeded, closed bool, err error) {
	tail, ok := c.recvBuf.Tail()
	if !ok {
		return 0, nil, false, errors.NewInvalidResponse("response exceeds maximum buffered size", nil)
	}
	n, poll, err = c.adapter.TryRead(tail)
	if err != nil {
		if errors.GetKind(err) == errors.KindConnectionClosed && stderrors.Is(err, io.EOF) {
			return 0, nil, true, nil
		}
		return 0, nil, false, err
	}
	if poll != nil {
		return 0, poll, false, nil
	}
	c.recvBuf.Commit(n)
	return n, nil, false, nil
}
