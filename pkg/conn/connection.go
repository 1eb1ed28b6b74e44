// Package conn implements the pipeline state machine: the controller that
// owns the send cursor, the receive cursor, and the FIFO of pending
// responses tying the two together over a single transport.
package conn

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"sync/atomic"
	"time"

	"github.com/ashgrove-dev/pipehttp/pkg/buffer"
	"github.com/ashgrove-dev/pipehttp/pkg/constants"
	"github.com/ashgrove-dev/pipehttp/pkg/errors"
	"github.com/ashgrove-dev/pipehttp/pkg/timing"
	"github.com/ashgrove-dev/pipehttp/pkg/transport"
	"github.com/ashgrove-dev/pipehttp/pkg/wire"
)

// Options configures the line/header bounds and the initial soft deadline
// reported by Connection.Timeout. No operation in this package applies that
// deadline: the send and receive steps never wait, they return PollNeeded.
type Options struct {
	MaxLineSize   int
	MaxHeaderSize int
	Timeout       time.Duration
	// Host, if set, is used to synthesize a request's Host header when the
	// caller supplies none. Dial fills this in from the dialed config;
	// callers using New directly with a non-hostname-shaped target should
	// set it explicitly.
	Host string
}

func (o Options) withDefaults() Options {
	if o.MaxLineSize <= 0 {
		o.MaxLineSize = constants.DefaultMaxLineSize
	}
	if o.MaxHeaderSize <= 0 {
		o.MaxHeaderSize = constants.DefaultMaxHeaderSize
	}
	if o.Timeout <= 0 {
		o.Timeout = constants.DefaultTimeout
	}
	return o
}

// Connection owns one transport, one receive buffer, one pending-response
// queue, the send-side state, the receive-side state, a timeout, and a TLS
// peer-certificate snapshot if applicable. It does not own in-flight
// request or response bodies — only the framing state for whichever
// request is currently being written and whichever response is currently
// being read.
type Connection struct {
	adapter *transport.Adapter
	meta    *transport.Metadata
	host    string
	recvBuf *buffer.Buffer
	pending *pendingQueue
	opts    Options

	sendState sendState
	head      *cursor
	body      *cursor
	bodyKind  wire.BodyKind
	bodyLimit int64
	bodySent  int64
	curMethod string
	curExpect bool

	recvState   recvState
	parser      *wire.Parser
	leftover    []byte
	leftoverOff int
	peerCert    *x509.Certificate

	timeout int64 // atomic nanoseconds, Timeout get/set is the one op both sides may call

	// deadErr poisons the whole connection: both sides refuse further
	// operations once set. sendDeadErr poisons only the send side — a
	// mid-body write failure (spec.md §4.6) must not block the receive
	// side from reading a response the peer already sent before closing.
	deadErr     atomic.Value
	sendDeadErr atomic.Value
	closed      atomic.Bool
}

type sendState int

const (
	sendIdle sendState = iota
	sendWritingHeaders
	sendAwaitingContinue
	sendWritingBody
)

type recvState int

const (
	recvIdle recvState = iota
	recvReadingStatus
	recvReadingHeaders
	recvReadingBody
)

// Dial establishes a transport per cfg and wraps it as a Connection ready
// to send requests to host. This is a blocking, synchronous step — unlike
// the per-request send/receive operations, establishing the connection
// itself is not part of the cooperative suspension protocol (see DESIGN.md).
func Dial(ctx context.Context, cfg transport.Config, opts Options) (*Connection, error) {
	rawConn, meta, err := transport.Dial(ctx, cfg)
	if err != nil {
		return nil, err
	}
	adapter, err := transport.New(rawConn)
	if err != nil {
		rawConn.Close()
		return nil, err
	}
	c := New(adapter, meta, opts)
	c.host = cfg.Host
	if tc, ok := rawConn.(*tls.Conn); ok {
		certs := tc.ConnectionState().PeerCertificates
		if len(certs) > 0 {
			c.peerCert = certs[0]
		}
	}
	return c, nil
}

// New wraps an already-established transport.Adapter as a fresh Connection.
func New(adapter *transport.Adapter, meta *transport.Metadata, opts Options) *Connection {
	opts = opts.withDefaults()
	c := &Connection{
		adapter: adapter,
		meta:    meta,
		host:    opts.Host,
		recvBuf: buffer.New(opts.MaxHeaderSize),
		pending: &pendingQueue{},
		opts:    opts,
	}
	c.timeout = int64(opts.Timeout)
	return c
}

// ConnectMetrics returns the DNS/TCP/TLS connect-phase timings recorded
// while this connection was established by Dial (zero value if the
// connection was constructed directly with New).
func (c *Connection) ConnectMetrics() timing.Metrics {
	if c.meta == nil {
		return timing.Metrics{}
	}
	return c.meta.ConnectTiming
}

// Metadata returns the transport-level metadata captured by Dial (nil if
// the connection was constructed directly with New).
func (c *Connection) Metadata() *transport.Metadata { return c.meta }

// PeerCertificate returns the leaf certificate the server presented during
// the TLS handshake, or nil for a plain-HTTP connection.
func (c *Connection) PeerCertificate() *x509.Certificate { return c.peerCert }

// ResponsePending reports whether any request's response has not yet been
// fully read.
func (c *Connection) ResponsePending() bool { return c.pending.len() > 0 }

// Timeout returns the current soft deadline. The connection only stores it;
// none of its operations enforce it.
func (c *Connection) Timeout() time.Duration {
	return time.Duration(atomic.LoadInt64(&c.timeout))
}

// SetTimeout updates the soft deadline returned by Timeout. Safe to call
// from either side.
func (c *Connection) SetTimeout(d time.Duration) {
	atomic.StoreInt64(&c.timeout, int64(d))
}

// Disconnect tears down the transport and marks the connection dead. The
// underlying adapter is closed exactly once, on the first Disconnect call,
// whether or not an earlier internal failure path already marked the
// connection dead: internal failure paths never close the adapter
// themselves, so the fd is released on every exit path (spec.md §5) that
// ends in Disconnect. Idempotent: calling it more than once is a no-op
// after the first call's Close.
func (c *Connection) Disconnect() error {
	if !c.isDead() {
		c.markDead(errors.NewStateError("disconnect", "connection closed"))
	}
	if c.closed.Swap(true) {
		return nil
	}
	return c.adapter.Close()
}

// markDead records the sticky failure that makes every subsequent
// operation on either side (other than Disconnect) fail the same way.
func (c *Connection) markDead(err error) {
	c.deadErr.Store(err)
}

func (c *Connection) isDead() bool {
	return c.deadErr.Load() != nil
}

func (c *Connection) deadError() error {
	v := c.deadErr.Load()
	if v == nil {
		return nil
	}
	return v.(error)
}

// markSendDead records a send-side-only failure (e.g. a mid-body write
// error): it stops further sending but leaves the receive side free to read
// whatever response the peer already sent before the connection broke
// (spec.md §4.6's "succeed with that error response, or raise again").
func (c *Connection) markSendDead(err error) {
	c.sendDeadErr.Store(err)
}

func (c *Connection) sendDeadError() error {
	v := c.sendDeadErr.Load()
	if v == nil {
		return nil
	}
	return v.(error)
}

// sendCheckError is the guard every SendSide entry point runs first: a
// whole-connection failure or a prior send-side-only failure both refuse
// further sending.
func (c *Connection) sendCheckError() error {
	if err := c.deadError(); err != nil {
		return err
	}
	return c.sendDeadError()
}

// Send returns the view object a caller uses to drive the send-side state
// machine: send_request and write.
func (c *Connection) Send() *SendSide { return &SendSide{c: c} }

// Receive returns the view object a caller uses to drive the receive-side
// state machine: read_response, read, and read_raw.
func (c *Connection) Receive() *ReceiveSide { return &ReceiveSide{c: c} }

// cursor tracks how much of a fixed byte slice has been pushed through the
// transport so far, so a partial write can resume exactly where it left off.
type cursor struct {
	data []byte
	off  int
}

func newCursor(data []byte) *cursor { return &cursor{data: data} }

func (w *cursor) done() bool { return w.off >= len(w.data) }

// step pushes as much of the remaining data through a as it can without
// blocking, looping across partial writes. It returns a PollNeeded only
// when the transport itself would block.
func (w *cursor) step(a *transport.Adapter) (*transport.PollNeeded, error) {
	for !w.done() {
		n, poll, err := a.TryWrite(w.data[w.off:])
		if err != nil {
			return nil, err
		}
		if poll != nil {
			return poll, nil
		}
		w.off += n
	}
	return nil, nil
}
