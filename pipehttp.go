// Package pipehttp is a single-connection HTTP/1.1 pipelining engine: one
// TCP or TLS connection, an independent send cursor and receive cursor, and
// a cooperative suspension protocol in place of blocking I/O. Callers drive
// it directly (pkg/conn) or through the convenience wrappers here.
package pipehttp

import (
	"context"
	"time"

	"github.com/ashgrove-dev/pipehttp/pkg/conn"
	"github.com/ashgrove-dev/pipehttp/pkg/errors"
	"github.com/ashgrove-dev/pipehttp/pkg/timing"
	"github.com/ashgrove-dev/pipehttp/pkg/transport"
	"github.com/ashgrove-dev/pipehttp/pkg/wire"
)

// Re-export the engine's public types so a caller only needs this package
// for the common path; pkg/conn, pkg/wire, and pkg/transport remain usable
// directly for anything not re-exported here.
type (
	// Connection is one pipelined HTTP/1.1 connection.
	Connection = conn.Connection

	// Options configures line/header bounds and the default soft deadline.
	Options = conn.Options

	// Config describes a dial target: scheme, host, port, TLS posture, proxy.
	Config = transport.Config

	// ProxyConfig describes an upstream proxy to dial through.
	ProxyConfig = transport.ProxyConfig

	// Metadata describes the transport Dial produced.
	Metadata = transport.Metadata

	// Metrics captures DNS/TCP/TLS connect-phase durations.
	Metrics = timing.Metrics

	// PollNeeded is returned by any operation that would otherwise block;
	// the caller waits on it (or registers it with its own event loop) and
	// retries the same operation.
	PollNeeded = transport.PollNeeded

	// Request is what the engine's encoder turns into wire bytes.
	Request = wire.Request

	// Response is a parsed status line, headers, and (once read) trailers.
	Response = wire.Response

	// Error is the engine's structured error type.
	Error = errors.Error
)

// Re-export body kinds for building a Request.
const (
	BodyNone      = wire.BodyNone
	BodyInline    = wire.BodyInline
	BodyFollowing = wire.BodyFollowing
	BodyChunked   = wire.BodyChunked
)

// Re-export poll interests.
const (
	Readable = transport.Readable
	Writable = transport.Writable
)

// Dial establishes a connection's transport (DNS, TCP/proxy connect, TLS
// upgrade) and returns it ready for Send/Receive. This is a blocking,
// synchronous step, not part of the cooperative suspension protocol: by the
// time a Connection exists, the handshake is already done.
func Dial(ctx context.Context, cfg Config, opts Options) (*Connection, error) {
	return conn.Dial(ctx, cfg, opts)
}

// DefaultOptions returns the engine's documented defaults: 64KiB line and
// header caps (applied by the connection when left zero) and a 30s soft
// deadline, which the connection stores for Connection.Timeout and does
// not enforce itself.
func DefaultOptions() Options {
	return Options{Timeout: 30 * time.Second}
}

// ParseProxyURL parses "scheme://[user[:pass]@]host[:port]" (http, https,
// socks4, socks5) into a ProxyConfig, applying the scheme's conventional
// default port when none is given.
func ParseProxyURL(proxyURL string) (*ProxyConfig, error) {
	return transport.ParseProxyURL(proxyURL)
}

// IsTimeout reports whether err is a connection-timed-out failure.
func IsTimeout(err error) bool { return errors.IsTimeout(err) }

// IsTemporary is the advisory "temporarily networky" predicate: timeouts,
// DNS unavailability, and connection resets. It never claims authority over
// caller retry policy.
func IsTemporary(err error) bool { return errors.IsTemporary(err) }

// ErrorKind returns err's structured Kind, or "" if err is not an *Error.
func ErrorKind(err error) errors.Kind { return errors.GetKind(err) }
