// Package buffer provides the bounded contiguous receive buffer that sits
// between the transport adapter and the response parser.
package buffer

import (
	"bytes"

	"github.com/ashgrove-dev/pipehttp/pkg/errors"
)

// DefaultMax is the default upper bound on the buffer, large enough to
// comfortably hold any legal header block.
const DefaultMax = 64 * 1024

// Buffer is a single contiguous region with a read cursor and a write
// cursor. Unread bytes are compacted to the front whenever more room is
// needed at the tail. It never allocates per body chunk: callers read
// body data as slices directly into the backing array.
type Buffer struct {
	buf []byte
	r   int
	w   int
	max int
}

// New returns a Buffer bounded at max bytes (DefaultMax if max <= 0).
func New(max int) *Buffer {
	if max <= 0 {
		max = DefaultMax
	}
	initial := 4096
	if initial > max {
		initial = max
	}
	return &Buffer{buf: make([]byte, initial), max: max}
}

// Len returns the number of unread, buffered bytes.
func (b *Buffer) Len() int { return b.w - b.r }

// Unread returns a view over the buffered-but-not-yet-consumed bytes.
// The slice is only valid until the next call to Tail or Reset.
func (b *Buffer) Unread() []byte { return b.buf[b.r:b.w] }

// Reset discards all buffered data and rewinds both cursors.
func (b *Buffer) Reset() {
	b.r, b.w = 0, 0
}

// Advance moves the read cursor forward by n bytes. n must not exceed Len().
func (b *Buffer) Advance(n int) {
	b.r += n
}

// Tail returns the writable free region at the end of the buffer, compacting
// unread data to the front and growing the backing array first if needed.
// ok is false when the buffer is already at its configured maximum with no
// room left — the caller (the response parser) treats that as a protocol
// error rather than growing unboundedly.
func (b *Buffer) Tail() (tail []byte, ok bool) {
	if b.r > 0 {
		copy(b.buf, b.buf[b.r:b.w])
		b.w -= b.r
		b.r = 0
	}
	if b.w == len(b.buf) {
		if len(b.buf) >= b.max {
			return nil, false
		}
		grown := len(b.buf) * 2
		if grown > b.max {
			grown = b.max
		}
		next := make([]byte, grown)
		copy(next, b.buf[:b.w])
		b.buf = next
	}
	return b.buf[b.w:], true
}

// Commit advances the write cursor after the caller has filled n bytes into
// the slice previously returned by Tail.
func (b *Buffer) Commit(n int) {
	b.w += n
}

// Consume returns a view over exactly n unread bytes and advances the read
// cursor past them. ok is false if fewer than n bytes are currently buffered.
func (b *Buffer) Consume(n int) (out []byte, ok bool) {
	if b.Len() < n {
		return nil, false
	}
	out = b.buf[b.r : b.r+n]
	b.Advance(n)
	return out, true
}

// ConsumeLine extracts one CRLF-terminated line (CRLF excluded) from the
// unread region, advancing the read cursor past it including the CRLF.
// ok is false if no full line is buffered yet. Bare LF without a preceding
// CR is rejected, matching the wire protocol's strict CRLF requirement.
func (b *Buffer) ConsumeLine(maxLine int) (line []byte, ok bool, err error) {
	data := b.Unread()
	idx := bytes.IndexByte(data, '\n')
	if idx < 0 {
		if len(data) > maxLine {
			return nil, false, errors.NewInvalidResponse("line exceeds maximum size", nil)
		}
		return nil, false, nil
	}
	if idx > maxLine {
		return nil, false, errors.NewInvalidResponse("line exceeds maximum size", nil)
	}
	if idx == 0 || data[idx-1] != '\r' {
		return nil, false, errors.NewInvalidResponse("line not terminated by CRLF", nil)
	}
	line = data[:idx-1]
	b.Advance(idx + 1)
	return line, true, nil
}
