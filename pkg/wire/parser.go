package wire

import (
	"strconv"
	"strings"

	"github.com/ashgrove-dev/pipehttp/pkg/buffer"
	"github.com/ashgrove-dev/pipehttp/pkg/errors"
	"github.com/ashgrove-dev/pipehttp/pkg/header"
)

// Event names what a Parser.Next call produced.
type Event int

const (
	// EventNeedMore means buf did not hold enough bytes to make progress;
	// the caller must read more from the transport and call Next again.
	EventNeedMore Event = iota
	// EventHeaders means the status line and header block are complete;
	// Parser.Response() now returns the parsed response.
	EventHeaders
	// EventBodyData carries a slice of body bytes. The slice aliases buf's
	// backing array and is only valid until the next Buffer mutation — the
	// caller must copy or forward it before calling Next again.
	EventBodyData
	// EventBodyComplete means the body (if any) finished, trailers (if any)
	// were parsed, and the message is done.
	EventBodyComplete
)

type parserState int

const (
	stateStatusLine parserState = iota
	stateHeaders
	stateBodyNone
	stateChunkSize
	stateChunkData
	stateChunkCRLF
	stateTrailers
	stateFixedBody
	stateUntilClose
	stateDone
)

// Parser incrementally parses one HTTP/1.1 response (status line, headers,
// and body) from bytes fed through a buffer.Buffer. It never blocks: every
// step either makes progress and returns an event, or reports EventNeedMore
// so the caller can go fetch more bytes and call Next again. A Parser
// handles exactly one message — the 100-continue handshake and any
// pipelined response both use one Parser per message.
type Parser struct {
	method  string
	maxLine int

	state    parserState
	resp     *Response
	framing  Framing
	remain   int64
	lastKey  string
	inHeader bool
}

// NewParser returns a Parser for the response to a request made with the
// given method, needed to apply the HEAD/1xx/204/304 body exclusions.
func NewParser(method string, maxLine int) *Parser {
	if maxLine <= 0 {
		maxLine = 64 * 1024
	}
	return &Parser{method: method, maxLine: maxLine, resp: &Response{Headers: header.New()}}
}

// Response returns the response parsed so far. It is fully populated once
// Next has returned EventHeaders.
func (p *Parser) Response() *Response { return p.resp }

// InStatusLinePhase reports whether the parser has not yet consumed the
// status line — used by callers that want to distinguish the status-line
// phase from the header-block phase in their own state tracking.
func (p *Parser) InStatusLinePhase() bool { return p.state == stateStatusLine }

// Next consumes as much of buf as it can and returns the next event. It
// must be called in a loop until it returns EventNeedMore or
// EventBodyComplete.
func (p *Parser) Next(buf *buffer.Buffer) (Event, []byte, error) {
	switch p.state {
	case stateStatusLine:
		return p.stepStatusLine(buf)
	case stateHeaders:
		return p.stepHeaders(buf)
	case stateBodyNone:
		p.state = stateDone
		return EventBodyComplete, nil, nil
	case stateChunkSize:
		return p.stepChunkSize(buf)
	case stateChunkData:
		return p.stepChunkData(buf)
	case stateChunkCRLF:
		return p.stepChunkCRLF(buf)
	case stateTrailers:
		return p.stepTrailers(buf)
	case stateFixedBody:
		return p.stepFixedBody(buf)
	case stateUntilClose:
		return p.stepUntilClose(buf)
	default:
		return EventBodyComplete, nil, nil
	}
}

// NotifyClosed tells the parser the transport reached a clean EOF. For a
// close-delimited body this is the normal end of message. For any other
// in-progress state it means the message was truncated.
func (p *Parser) NotifyClosed() (Event, error) {
	if p.state == stateUntilClose {
		p.state = stateDone
		return EventBodyComplete, nil
	}
	if p.state == stateDone {
		return EventBodyComplete, nil
	}
	return EventNeedMore, errors.NewConnectionClosed("parse", nil)
}

func (p *Parser) stepStatusLine(buf *buffer.Buffer) (Event, []byte, error) {
	line, ok, err := buf.ConsumeLine(p.maxLine)
	if err != nil {
		return EventNeedMore, nil, err
	}
	if !ok {
		return EventNeedMore, nil, nil
	}
	if err := parseStatusLine(string(line), p.resp); err != nil {
		return EventNeedMore, nil, err
	}
	p.state = stateHeaders
	return p.stepHeaders(buf)
}

func parseStatusLine(line string, resp *Response) error {
	parts := strings.SplitN(line, " ", 3)
	if len(parts) < 2 {
		return errors.NewInvalidResponse("malformed status line: "+line, nil)
	}
	proto := parts[0]
	major, minor, err := parseHTTPVersion(proto)
	if err != nil {
		return err
	}
	code, err := strconv.Atoi(parts[1])
	if err != nil || code < 100 || code > 599 {
		return errors.NewInvalidResponse("malformed status code in: "+line, nil)
	}
	resp.ProtoMajor, resp.ProtoMinor = major, minor
	resp.StatusCode = code
	if len(parts) == 3 {
		resp.Reason = parts[2]
	}
	return nil
}

// parseHTTPVersion requires exactly HTTP/1.1 — HTTP/1.0 and HTTP/0.9 are
// not supported by this pipelining engine and are rejected outright.
func parseHTTPVersion(proto string) (int, int, error) {
	if proto != "HTTP/1.1" {
		return 0, 0, errors.NewUnsupportedResponse("unsupported protocol version: " + proto)
	}
	return 1, 1, nil
}

func (p *Parser) stepHeaders(buf *buffer.Buffer) (Event, []byte, error) {
	for {
		line, ok, err := buf.ConsumeLine(p.maxLine)
		if err != nil {
			return EventNeedMore, nil, err
		}
		if !ok {
			return EventNeedMore, nil, nil
		}
		if len(line) == 0 {
			break
		}
		if err := p.addHeaderLine(p.resp.Headers, string(line)); err != nil {
			return EventNeedMore, nil, err
		}
	}

	framing, remain, err := DetermineResponseFraming(p.method, p.resp.StatusCode, p.resp.Headers)
	if err != nil {
		return EventNeedMore, nil, err
	}
	p.framing, p.remain = framing, remain
	switch framing {
	case FramingNone:
		p.state = stateBodyNone
	case FramingChunked:
		p.state = stateChunkSize
	case FramingFixed:
		if remain == 0 {
			p.state = stateDone
			return EventHeaders, nil, nil
		}
		p.state = stateFixedBody
	case FramingUntilClose:
		p.state = stateUntilClose
	}
	return EventHeaders, nil, nil
}

// addHeaderLine folds RFC 7230 §3.2.4 continuation lines (leading SP/HTAB)
// into the previous header's value and otherwise splits "Key: Value".
func (p *Parser) addHeaderLine(h *header.Map, line string) error {
	if len(line) > 0 && (line[0] == ' ' || line[0] == '\t') {
		if p.lastKey == "" {
			return nil
		}
		existing, _ := h.Get(p.lastKey)
		return h.Set(p.lastKey, existing+" "+strings.TrimSpace(line))
	}
	idx := strings.IndexByte(line, ':')
	if idx < 0 {
		return errors.NewInvalidResponse("malformed header line: "+line, nil)
	}
	key := strings.TrimSpace(line[:idx])
	value := strings.TrimSpace(line[idx+1:])
	if err := h.Add(key, value); err != nil {
		return err
	}
	p.lastKey = key
	return nil
}

func (p *Parser) stepChunkSize(buf *buffer.Buffer) (Event, []byte, error) {
	line, ok, err := buf.ConsumeLine(p.maxLine)
	if err != nil {
		return EventNeedMore, nil, err
	}
	if !ok {
		return EventNeedMore, nil, nil
	}
	sizeField := strings.SplitN(string(line), ";", 2)[0]
	size, err := strconv.ParseInt(strings.TrimSpace(sizeField), 16, 64)
	if err != nil || size < 0 {
		return EventNeedMore, nil, errors.NewInvalidResponse("invalid chunk size", err)
	}
	if size == 0 {
		p.state = stateTrailers
		return p.stepTrailers(buf)
	}
	p.remain = size
	p.state = stateChunkData
	return p.stepChunkData(buf)
}

func (p *Parser) stepChunkData(buf *buffer.Buffer) (Event, []byte, error) {
	if buf.Len() == 0 {
		return EventNeedMore, nil, nil
	}
	n := buf.Len()
	if int64(n) > p.remain {
		n = int(p.remain)
	}
	data, _ := buf.Consume(n)
	p.remain -= int64(n)
	if p.remain == 0 {
		p.state = stateChunkCRLF
	}
	return EventBodyData, data, nil
}

func (p *Parser) stepChunkCRLF(buf *buffer.Buffer) (Event, []byte, error) {
	crlf, ok := buf.Consume(2)
	if !ok {
		return EventNeedMore, nil, nil
	}
	if crlf[0] != '\r' || crlf[1] != '\n' {
		return EventNeedMore, nil, errors.NewInvalidResponse("chunk not terminated by CRLF", nil)
	}
	p.state = stateChunkSize
	return p.Next(buf)
}

// stepTrailers parses the optional trailer header block that follows the
// zero-length chunk and appends each field directly to the response's
// header multimap (spec.md §4.5), the same map the status-line headers
// live in — there is no separate trailer map for a caller to miss.
func (p *Parser) stepTrailers(buf *buffer.Buffer) (Event, []byte, error) {
	for {
		line, ok, err := buf.ConsumeLine(p.maxLine)
		if err != nil {
			return EventNeedMore, nil, err
		}
		if !ok {
			return EventNeedMore, nil, nil
		}
		if len(line) == 0 {
			p.state = stateDone
			return EventBodyComplete, nil, nil
		}
		idx := strings.IndexByte(string(line), ':')
		if idx < 0 {
			continue
		}
		key := strings.TrimSpace(string(line)[:idx])
		value := strings.TrimSpace(string(line)[idx+1:])
		_ = p.resp.Headers.Add(key, value)
	}
}

func (p *Parser) stepFixedBody(buf *buffer.Buffer) (Event, []byte, error) {
	if buf.Len() == 0 {
		return EventNeedMore, nil, nil
	}
	n := buf.Len()
	if int64(n) > p.remain {
		n = int(p.remain)
	}
	data, _ := buf.Consume(n)
	p.remain -= int64(n)
	if p.remain == 0 {
		p.state = stateDone
	}
	return EventBodyData, data, nil
}

func (p *Parser) stepUntilClose(buf *buffer.Buffer) (Event, []byte, error) {
	if buf.Len() == 0 {
		return EventNeedMore, nil, nil
	}
	data, _ := buf.Consume(buf.Len())
	return EventBodyData, data, nil
}
