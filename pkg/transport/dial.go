package transport

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	stderrors "errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ashgrove-dev/pipehttp/pkg/constants"
	"github.com/ashgrove-dev/pipehttp/pkg/errors"
	"github.com/ashgrove-dev/pipehttp/pkg/timing"
	"github.com/ashgrove-dev/pipehttp/pkg/tlsconfig"
)

// ProxyConfig describes an upstream proxy to dial through before reaching
// the target host. ParseProxyURL builds one from a proxy URL string; Dial
// only dials an already-built configuration.
type ProxyConfig struct {
	Type        string // "http", "https", "socks4", "socks5"
	Host        string
	Port        int
	Username    string
	Password    string
	ConnTimeout time.Duration
	Headers     map[string]string
	TLSConfig   *tls.Config
}

// Config describes one connect operation: target, TLS posture, and an
// optional upstream proxy. A Config is single-use — Dial produces one
// net.Conn owned by exactly one Connection, never a pool entry.
type Config struct {
	Scheme string
	Host   string
	Port   int

	SNI        string
	DisableSNI bool

	InsecureTLS      bool
	TLSConfig        *tls.Config
	CustomCACerts    [][]byte
	ClientCertPEM    []byte
	ClientKeyPEM     []byte
	ClientCertFile   string
	ClientKeyFile    string
	MinTLSVersion    uint16
	MaxTLSVersion    uint16
	CipherSuites     []uint16
	TLSRenegotiation tls.RenegotiationSupport
	// TLSProfile, if set and MinTLSVersion/MaxTLSVersion/CipherSuites are
	// not, selects a named version/cipher-suite combination in one step.
	TLSProfile *tlsconfig.VersionProfile

	ConnTimeout time.Duration
	DNSTimeout  time.Duration

	Proxy *ProxyConfig
}

// Metadata describes the connection Dial produced: where it actually
// landed, whether TLS and/or a proxy were involved, and what was
// negotiated. It is supplemental — spec.md's core engine never inspects
// it, but callers building tooling on top of the engine want it.
type Metadata struct {
	ConnectedIP   string
	ConnectedPort int
	LocalAddr     string
	RemoteAddr    string

	ConnectTiming timing.Metrics

	NegotiatedProtocol string
	TLSVersion         string
	TLSCipherSuite     string
	TLSServerName      string
	TLSResumed         bool

	ProxyUsed bool
	ProxyType string
	ProxyAddr string
}

// Dial establishes the transport for one Connection: DNS resolution (unless
// bypassed by an upstream proxy that resolves on its behalf), a TCP or
// proxy-tunneled connect, and a TLS upgrade for "https". The returned
// net.Conn is plain, blocking Go I/O — Adapter layers the suspension
// protocol on top of it afterward.
func Dial(ctx context.Context, cfg Config) (net.Conn, *Metadata, error) {
	if err := validateConfig(cfg); err != nil {
		return nil, nil, err
	}
	timer := timing.NewTimer()
	meta := &Metadata{}

	connTimeout := cfg.ConnTimeout
	if connTimeout <= 0 {
		connTimeout = constants.DefaultConnTimeout
	}

	var conn net.Conn
	var err error

	if cfg.Proxy != nil {
		conn, err = connectViaProxy(ctx, cfg, connTimeout, timer, meta)
	} else {
		targetAddr, err2 := resolveAddress(ctx, cfg, timer)
		if err2 != nil {
			return nil, nil, err2
		}
		conn, err = connectTCP(ctx, targetAddr, connTimeout, timer)
	}
	if err != nil {
		return nil, nil, err
	}

	if conn.LocalAddr() != nil {
		meta.LocalAddr = conn.LocalAddr().String()
	}
	if conn.RemoteAddr() != nil {
		meta.RemoteAddr = conn.RemoteAddr().String()
	}
	if host, portStr, splitErr := net.SplitHostPort(meta.RemoteAddr); splitErr == nil {
		meta.ConnectedIP = host
		if p, convErr := strconv.Atoi(portStr); convErr == nil {
			meta.ConnectedPort = p
		}
	}

	if strings.EqualFold(cfg.Scheme, "https") {
		conn, err = upgradeTLS(ctx, conn, cfg, timer, meta)
		if err != nil {
			return nil, nil, err
		}
	} else {
		meta.NegotiatedProtocol = "HTTP/1.1"
	}

	meta.ConnectTiming = timer.Metrics()
	return conn, meta, nil
}

func validateConfig(cfg Config) error {
	if cfg.Host == "" {
		return errors.NewValidationError("host cannot be empty")
	}
	if cfg.Port <= 0 || cfg.Port > 65535 {
		return errors.NewValidationError("port must be between 1 and 65535")
	}
	if !strings.EqualFold(cfg.Scheme, "http") && !strings.EqualFold(cfg.Scheme, "https") {
		return errors.NewValidationError("scheme must be http or https")
	}
	if cfg.DisableSNI && cfg.SNI != "" {
		return errors.NewValidationError("cannot set both DisableSNI and SNI")
	}
	return nil
}

func resolveAddress(ctx context.Context, cfg Config, timer *timing.Timer) (string, error) {
	timer.StartDNS()
	defer timer.EndDNS()

	dnsTimeout := cfg.DNSTimeout
	if dnsTimeout <= 0 {
		dnsTimeout = constants.DefaultDNSTimeout
	}
	lookupCtx, cancel := context.WithTimeout(ctx, dnsTimeout)
	defer cancel()

	addrs, err := net.DefaultResolver.LookupIPAddr(lookupCtx, cfg.Host)
	if err != nil {
		var dnsErr *net.DNSError
		if stderrors.As(err, &dnsErr) && dnsErr.IsNotFound {
			return "", errors.NewHostnameNotResolvable(cfg.Host, err)
		}
		return "", errors.NewDNSUnavailable(cfg.Host, err)
	}
	if len(addrs) == 0 {
		return "", errors.NewHostnameNotResolvable(cfg.Host, nil)
	}
	return net.JoinHostPort(addrs[0].IP.String(), strconv.Itoa(cfg.Port)), nil
}

func connectTCP(ctx context.Context, addr string, timeout time.Duration, timer *timing.Timer) (net.Conn, error) {
	timer.StartTCP()
	defer timer.EndTCP()

	dialer := &net.Dialer{Timeout: timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, errors.NewConnectionClosed("dial", err)
	}
	return &directionRecorder{Conn: conn}, nil
}

func upgradeTLS(ctx context.Context, conn net.Conn, cfg Config, timer *timing.Timer, meta *Metadata) (net.Conn, error) {
	timer.StartTLS()
	defer timer.EndTLS()

	handshakeTimeout := cfg.ConnTimeout
	if handshakeTimeout <= 0 {
		handshakeTimeout = constants.DefaultConnTimeout
	}
	tlsCtx, cancel := context.WithTimeout(ctx, handshakeTimeout)
	defer cancel()

	tlsConfig, err := buildTLSConfig(cfg, meta)
	if err != nil {
		return nil, errors.NewTLSError(cfg.Host, cfg.Port, err)
	}

	tlsConn := tls.Client(conn, tlsConfig)
	if err := tlsConn.HandshakeContext(tlsCtx); err != nil {
		conn.Close()
		return nil, errors.NewTLSError(cfg.Host, cfg.Port, err)
	}

	state := tlsConn.ConnectionState()
	meta.TLSVersion = tlsconfig.GetVersionName(state.Version)
	meta.TLSCipherSuite = tls.CipherSuiteName(state.CipherSuite)
	meta.TLSResumed = state.DidResume
	meta.NegotiatedProtocol = state.NegotiatedProtocol
	if meta.NegotiatedProtocol == "" {
		meta.NegotiatedProtocol = "HTTP/1.1"
	}
	return tlsConn, nil
}

func buildTLSConfig(cfg Config, meta *Metadata) (*tls.Config, error) {
	var tlsConfig *tls.Config
	if cfg.TLSConfig != nil {
		tlsConfig = cfg.TLSConfig.Clone()
		if cfg.InsecureTLS {
			tlsConfig.InsecureSkipVerify = true
		}
		tlsConfig.NextProtos = []string{"http/1.1"}
	} else {
		tlsConfig = &tls.Config{
			MinVersion:         tls.VersionTLS12,
			InsecureSkipVerify: cfg.InsecureTLS,
			NextProtos:         []string{"http/1.1"},
		}
		if len(cfg.CustomCACerts) > 0 {
			pool := x509.NewCertPool()
			for i, ca := range cfg.CustomCACerts {
				if !pool.AppendCertsFromPEM(ca) {
					return nil, fmt.Errorf("failed to parse CA certificate at index %d", i)
				}
			}
			tlsConfig.RootCAs = pool
		}
		configureSNI(tlsConfig, cfg.SNI, cfg.DisableSNI, cfg.Host)
	}

	if cfg.TLSProfile != nil {
		tlsconfig.ApplyVersionProfile(tlsConfig, *cfg.TLSProfile)
		tlsconfig.ApplyCipherSuites(tlsConfig, tlsConfig.MinVersion)
	}
	if cfg.MinTLSVersion > 0 && tlsConfig.MinVersion == 0 {
		tlsConfig.MinVersion = cfg.MinTLSVersion
	}
	if cfg.MaxTLSVersion > 0 && tlsConfig.MaxVersion == 0 {
		tlsConfig.MaxVersion = cfg.MaxTLSVersion
	}
	if len(cfg.CipherSuites) > 0 && len(tlsConfig.CipherSuites) == 0 {
		tlsConfig.CipherSuites = cfg.CipherSuites
	}
	if cfg.TLSRenegotiation != 0 {
		tlsConfig.Renegotiation = cfg.TLSRenegotiation
	}

	cert, err := loadClientCertificate(cfg)
	if err != nil {
		return nil, err
	}
	if cert != nil {
		tlsConfig.Certificates = append(tlsConfig.Certificates, *cert)
	}

	if tlsConfig.ServerName != "" {
		meta.TLSServerName = tlsConfig.ServerName
	} else if !cfg.DisableSNI {
		meta.TLSServerName = cfg.Host
	}
	return tlsConfig, nil
}

func loadClientCertificate(cfg Config) (*tls.Certificate, error) {
	hasPEM := len(cfg.ClientCertPEM) > 0 && len(cfg.ClientKeyPEM) > 0
	hasFile := cfg.ClientCertFile != "" && cfg.ClientKeyFile != ""
	if !hasPEM && !hasFile {
		return nil, nil
	}

	certPEM, keyPEM := cfg.ClientCertPEM, cfg.ClientKeyPEM
	if !hasPEM {
		var err error
		certPEM, err = os.ReadFile(cfg.ClientCertFile)
		if err != nil {
			return nil, fmt.Errorf("read client cert file: %w", err)
		}
		keyPEM, err = os.ReadFile(cfg.ClientKeyFile)
		if err != nil {
			return nil, fmt.Errorf("read client key file: %w", err)
		}
	}
	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, fmt.Errorf("parse client certificate/key: %w", err)
	}
	return &cert, nil
}

// configureSNI sets tlsConfig.ServerName following priority: an already-set
// ServerName wins, then DisableSNI leaves it empty, then customSNI, then
// fallbackHost.
func configureSNI(tlsConfig *tls.Config, customSNI string, disableSNI bool, fallbackHost string) {
	if tlsConfig.ServerName != "" || disableSNI {
		return
	}
	if customSNI != "" {
		tlsConfig.ServerName = customSNI
		return
	}
	tlsConfig.ServerName = fallbackHost
}

