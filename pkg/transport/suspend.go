package transport

import (
	"time"

	"golang.org/x/sys/unix"

	"github.com/ashgrove-dev/pipehttp/pkg/errors"
)

// Interest is the readiness a suspended operation is waiting for.
type Interest uint8

const (
	// Readable means the transport needs the descriptor to become readable.
	Readable Interest = 1 << iota
	// Writable means the transport needs the descriptor to become writable.
	Writable
)

// PollNeeded is returned by a cooperative step that would otherwise block. It
// is a pure data value — the engine never owns an event loop or schedules a
// wakeup itself. A caller driving the connection directly can call Wait; a
// caller embedded in its own event loop registers (FD, Interest) instead.
type PollNeeded struct {
	FD       uintptr
	Interest Interest
}

// Wait blocks until the readiness described by p holds, or deadline passes
// (zero deadline means wait forever). It is the "convenience operation" named
// in the suspension protocol design — a thin wrapper around poll(2) that
// does not suffer from the file-descriptor-number limits of select(2).
func (p PollNeeded) Wait(deadline time.Time) error {
	var events int16
	if p.Interest&Readable != 0 {
		events |= unix.POLLIN
	}
	if p.Interest&Writable != 0 {
		events |= unix.POLLOUT
	}

	timeoutMS := -1
	if !deadline.IsZero() {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return errors.NewTimeout("poll", 0)
		}
		timeoutMS = int(remaining / time.Millisecond)
		if timeoutMS == 0 {
			timeoutMS = 1
		}
	}

	fds := []unix.PollFd{{Fd: int32(p.FD), Events: events}}
	for {
		n, err := unix.Poll(fds, timeoutMS)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return errors.NewConnectionClosed("poll", err)
		}
		if n == 0 {
			return errors.NewTimeout("poll", time.Duration(timeoutMS)*time.Millisecond)
		}
		return nil
	}
}
