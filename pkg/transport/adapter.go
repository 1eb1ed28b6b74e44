package transport

import (
	"crypto/tls"
	"errors"
	"net"
	"os"
	"syscall"
	"time"

	pipeerrors "github.com/ashgrove-dev/pipehttp/pkg/errors"
)

// Adapter turns a net.Conn (plain or TLS) into the cooperative, non-blocking
// step primitive the pipeline state machine drives: TryRead/TryWrite either
// make progress or return a PollNeeded describing exactly what the transport
// is waiting for. Go exposes no portable non-blocking socket mode, so the
// adapter fakes one with an immediately-expired deadline: if the syscall
// would have blocked, SetDeadline(now) makes it return a timeout error
// instead, which TryRead/TryWrite translate back into PollNeeded.
type Adapter struct {
	conn net.Conn
	fd   uintptr
	dir  *directionRecorder
}

// New wraps conn. Dial always places a *directionRecorder beneath any TLS
// session to the target, so the adapter can unwrap down to it regardless of
// whether conn is the plain connection or a *tls.Conn layered on top. For an
// "https" proxy the recorder itself wraps the TLS session to the proxy,
// which is unwrapped as well to reach the socket's file descriptor.
func New(conn net.Conn) (*Adapter, error) {
	fdSource := conn
	a := &Adapter{conn: conn}
	if tc, ok := conn.(*tls.Conn); ok {
		fdSource = tc.NetConn()
	}
	if dr, ok := fdSource.(*directionRecorder); ok {
		a.dir = dr
		fdSource = dr.Conn
	}
	if tc, ok := fdSource.(*tls.Conn); ok {
		fdSource = tc.NetConn()
	}
	fd, err := extractFD(fdSource)
	if err != nil {
		return nil, err
	}
	a.fd = fd
	return a, nil
}

// Conn returns the wrapped connection.
func (a *Adapter) Conn() net.Conn { return a.conn }

// Close closes the underlying connection.
func (a *Adapter) Close() error { return a.conn.Close() }

// TryRead attempts to fill p. n is the number of bytes actually read; when
// n > 0, poll and err are both nil (an error from the same call surfaces on
// the next call). poll is non-nil when the operation
// needs to be retried after the descriptor becomes ready in the returned
// direction; err is non-nil for any other failure, including clean EOF,
// which is reported as a ConnectionClosed error.
func (a *Adapter) TryRead(p []byte) (n int, poll *PollNeeded, err error) {
	if a.dir != nil {
		a.dir.reset()
	}
	_ = a.conn.SetReadDeadline(time.Now())
	n, err = a.conn.Read(p)
	if err == nil {
		return n, nil, nil
	}
	if n > 0 {
		return n, nil, nil
	}
	if errors.Is(err, os.ErrDeadlineExceeded) || isTimeout(err) {
		return 0, &PollNeeded{FD: a.fd, Interest: a.readInterest()}, nil
	}
	return 0, nil, pipeerrors.NewConnectionClosed("read", err)
}

// TryWrite attempts to write p. n is the number of bytes accepted this
// call (the caller advances past n bytes and retries the remainder);
// poll is non-nil when the socket buffer is full and the write needs to be
// retried after readiness in the returned direction.
func (a *Adapter) TryWrite(p []byte) (n int, poll *PollNeeded, err error) {
	if a.dir != nil {
		a.dir.reset()
	}
	_ = a.conn.SetWriteDeadline(time.Now())
	n, err = a.conn.Write(p)
	if err == nil {
		return n, nil, nil
	}
	if n > 0 {
		return n, nil, nil
	}
	if errors.Is(err, os.ErrDeadlineExceeded) || isTimeout(err) {
		return 0, &PollNeeded{FD: a.fd, Interest: a.writeInterest()}, nil
	}
	return 0, nil, pipeerrors.NewConnectionClosed("write", err)
}

// readInterest reports what a blocked Read is actually waiting for. Over
// plain TCP this is always Readable; over TLS a read can legitimately need
// the socket to become writable first (renegotiation, or a deferred close
// alert), which is why the adapter tracks TLS's actual underlying calls.
func (a *Adapter) readInterest() Interest {
	if a.dir != nil && a.dir.lastWrite {
		return Writable
	}
	return Readable
}

// writeInterest mirrors readInterest for a blocked Write.
func (a *Adapter) writeInterest() Interest {
	if a.dir != nil && a.dir.lastRead {
		return Readable
	}
	return Writable
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// directionRecorder sits beneath a *tls.Conn and records which direction
// the TLS stack actually used on the last call, so the adapter can report
// the transport's real need instead of the caller's logical operation.
type directionRecorder struct {
	net.Conn
	lastRead  bool
	lastWrite bool
}

func (d *directionRecorder) reset() {
	d.lastRead, d.lastWrite = false, false
}

func (d *directionRecorder) Read(p []byte) (int, error) {
	d.lastRead = true
	return d.Conn.Read(p)
}

func (d *directionRecorder) Write(p []byte) (int, error) {
	d.lastWrite = true
	return d.Conn.Write(p)
}

// syscallConner is satisfied by net.TCPConn, net.UnixConn, and any net.Conn
// that exposes its underlying file descriptor via syscall.RawConn.
type syscallConner interface {
	SyscallConn() (syscall.RawConn, error)
}

// extractFD obtains the raw file descriptor backing conn, needed to
// populate PollNeeded.FD for callers that drive their own event loop.
func extractFD(conn net.Conn) (uintptr, error) {
	c, ok := conn.(syscallConner)
	if !ok {
		return 0, pipeerrors.NewStateError("extract_fd", "connection does not expose a raw file descriptor")
	}
	rc, err := c.SyscallConn()
	if err != nil {
		return 0, pipeerrors.NewConnectionClosed("extract_fd", err)
	}
	var fd uintptr
	if err := rc.Control(func(f uintptr) { fd = f }); err != nil {
		return 0, pipeerrors.NewConnectionClosed("extract_fd", err)
	}
	return fd, nil
}
