// Package timing measures the connect-phase latency of establishing a
// transport: DNS resolution, TCP handshake, and TLS handshake.
package timing

import (
	"fmt"
	"time"
)

// Metrics captures the three connect-phase durations. A zero duration means
// that phase did not happen (e.g. TLSHandshake for a plain-HTTP dial).
type Metrics struct {
	DNSLookup    time.Duration
	TCPConnect   time.Duration
	TLSHandshake time.Duration
}

// Timer accumulates phase start/end marks as a dial progresses.
type Timer struct {
	dnsStart, dnsEnd time.Time
	tcpStart, tcpEnd time.Time
	tlsStart, tlsEnd time.Time
}

// NewTimer returns a Timer ready to record a dial's phases.
func NewTimer() *Timer { return &Timer{} }

func (t *Timer) StartDNS() { t.dnsStart = time.Now() }
func (t *Timer) EndDNS()   { t.dnsEnd = time.Now() }
func (t *Timer) StartTCP() { t.tcpStart = time.Now() }
func (t *Timer) EndTCP()   { t.tcpEnd = time.Now() }
func (t *Timer) StartTLS() { t.tlsStart = time.Now() }
func (t *Timer) EndTLS()   { t.tlsEnd = time.Now() }

// Metrics returns the elapsed duration of each phase that was marked.
func (t *Timer) Metrics() Metrics {
	var m Metrics
	if !t.dnsStart.IsZero() && !t.dnsEnd.IsZero() {
		m.DNSLookup = t.dnsEnd.Sub(t.dnsStart)
	}
	if !t.tcpStart.IsZero() && !t.tcpEnd.IsZero() {
		m.TCPConnect = t.tcpEnd.Sub(t.tcpStart)
	}
	if !t.tlsStart.IsZero() && !t.tlsEnd.IsZero() {
		m.TLSHandshake = t.tlsEnd.Sub(t.tlsStart)
	}
	return m
}

// Connect returns the total connect-phase time: DNS + TCP + TLS.
func (m Metrics) Connect() time.Duration {
	return m.DNSLookup + m.TCPConnect + m.TLSHandshake
}

func (m Metrics) String() string {
	return fmt.Sprintf("dns=%v tcp=%v tls=%v", m.DNSLookup, m.TCPConnect, m.TLSHandshake)
}
