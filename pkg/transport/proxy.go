package transport

import (
	"bufio"
	"context"
	"crypto/tls"
	"encoding/base64"
	"fmt"
	"io"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/ashgrove-dev/pipehttp/pkg/constants"
	"github.com/ashgrove-dev/pipehttp/pkg/errors"
	"github.com/ashgrove-dev/pipehttp/pkg/timing"
	netproxy "golang.org/x/net/proxy"
)

// ParseProxyURL parses a proxy URL string into a ProxyConfig: http://,
// https://, socks4://, or socks5://, with optional user:pass@ credentials.
// Ports default to 8080 (http), 443 (https), and 1080 (socks4/socks5) when
// not given explicitly.
func ParseProxyURL(proxyURL string) (*ProxyConfig, error) {
	if proxyURL == "" {
		return nil, errors.NewValidationError("proxy URL cannot be empty")
	}
	u, err := url.Parse(proxyURL)
	if err != nil {
		return nil, errors.NewValidationError("invalid proxy URL: " + err.Error())
	}

	scheme := u.Scheme
	switch scheme {
	case "http", "https", "socks4", "socks5":
	case "":
		return nil, errors.NewValidationError("proxy URL must include a scheme (http, https, socks4, socks5)")
	default:
		return nil, errors.NewValidationError("unsupported proxy scheme: " + scheme)
	}

	host := u.Hostname()
	if host == "" {
		return nil, errors.NewValidationError("proxy URL must include a host")
	}

	var port int
	if portStr := u.Port(); portStr != "" {
		port, err = strconv.Atoi(portStr)
		if err != nil || port < 1 || port > 65535 {
			return nil, errors.NewValidationError("invalid proxy port: " + portStr)
		}
	} else {
		switch scheme {
		case "http":
			port = 8080
		case "https":
			port = 443
		default:
			port = 1080
		}
	}

	var username, password string
	if u.User != nil {
		username = u.User.Username()
		password, _ = u.User.Password()
	}

	return &ProxyConfig{
		Type:     scheme,
		Host:     host,
		Port:     port,
		Username: username,
		Password: password,
	}, nil
}

func connectViaProxy(ctx context.Context, cfg Config, timeout time.Duration, timer *timing.Timer, meta *Metadata) (net.Conn, error) {
	proxy := cfg.Proxy
	if proxy.Host == "" {
		return nil, errors.NewValidationError("proxy host cannot be empty")
	}

	proxyPort := proxy.Port
	if proxyPort == 0 {
		switch proxy.Type {
		case "http":
			proxyPort = constants.DefaultHTTPProxyPort
		case "https":
			proxyPort = constants.DefaultHTTPSProxyPort
		case "socks4", "socks5":
			proxyPort = constants.DefaultSOCKSProxyPort
		default:
			return nil, errors.NewValidationError("unsupported proxy type: " + proxy.Type)
		}
	}
	proxyAddr := net.JoinHostPort(proxy.Host, strconv.Itoa(proxyPort))
	targetAddr := net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port))

	proxyTimeout := proxy.ConnTimeout
	if proxyTimeout <= 0 {
		proxyTimeout = timeout
	}

	meta.ProxyUsed = true
	meta.ProxyType = proxy.Type
	meta.ProxyAddr = proxyAddr

	timer.StartTCP()
	defer timer.EndTCP()

	var conn net.Conn
	var err error
	switch proxy.Type {
	case "http", "https":
		conn, err = connectViaHTTPProxy(ctx, proxy, proxyAddr, cfg, targetAddr, proxyTimeout)
	case "socks4":
		conn, err = connectViaSOCKS4Proxy(ctx, proxy, proxyAddr, targetAddr, proxyTimeout)
	case "socks5":
		conn, err = connectViaSOCKS5Proxy(proxy, proxyAddr, targetAddr, proxyTimeout)
	default:
		return nil, errors.NewValidationError("unsupported proxy type: " + proxy.Type)
	}
	if err != nil {
		return nil, errors.NewProxyError(proxy.Type, "connect", err)
	}
	return &directionRecorder{Conn: conn}, nil
}

// connectViaHTTPProxy tunnels to targetAddr through an HTTP(S) CONNECT proxy:
// dial the proxy (optionally over TLS for an "https" proxy), send
// "CONNECT target HTTP/1.1", and require a 200 status before handing the
// raw, now-tunneled connection back to the caller.
func connectViaHTTPProxy(ctx context.Context, proxy *ProxyConfig, proxyAddr string, cfg Config, targetAddr string, timeout time.Duration) (net.Conn, error) {
	dialer := &net.Dialer{Timeout: timeout}
	conn, err := dialer.DialContext(ctx, "tcp", proxyAddr)
	if err != nil {
		return nil, fmt.Errorf("connect to proxy: %w", err)
	}

	if proxy.Type == "https" {
		tlsConfig := proxy.TLSConfig
		if tlsConfig == nil {
			tlsConfig = &tls.Config{ServerName: proxy.Host, InsecureSkipVerify: cfg.InsecureTLS}
		} else {
			tlsConfig = tlsConfig.Clone()
			if cfg.InsecureTLS {
				tlsConfig.InsecureSkipVerify = true
			}
			if tlsConfig.ServerName == "" {
				tlsConfig.ServerName = proxy.Host
			}
		}
		tlsConn := tls.Client(conn, tlsConfig)
		if err := tlsConn.Handshake(); err != nil {
			conn.Close()
			return nil, fmt.Errorf("TLS handshake to proxy: %w", err)
		}
		conn = tlsConn
	}

	var req strings.Builder
	fmt.Fprintf(&req, "CONNECT %s HTTP/1.1\r\nHost: %s\r\n", targetAddr, cfg.Host)
	for key, value := range proxy.Headers {
		fmt.Fprintf(&req, "%s: %s\r\n", key, value)
	}
	if proxy.Username != "" {
		auth := base64.StdEncoding.EncodeToString([]byte(proxy.Username + ":" + proxy.Password))
		fmt.Fprintf(&req, "Proxy-Authorization: Basic %s\r\n", auth)
	}
	req.WriteString("\r\n")

	if _, err := conn.Write([]byte(req.String())); err != nil {
		conn.Close()
		return nil, fmt.Errorf("send CONNECT request: %w", err)
	}

	reader := bufio.NewReader(conn)
	statusLine, err := reader.ReadString('\n')
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("read CONNECT response: %w", err)
	}
	if !strings.Contains(statusLine, " 200") {
		conn.Close()
		return nil, fmt.Errorf("proxy CONNECT failed: %s", strings.TrimSpace(statusLine))
	}
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			conn.Close()
			return nil, fmt.Errorf("read CONNECT response headers: %w", err)
		}
		if line == "\r\n" || line == "\n" {
			break
		}
	}
	return conn, nil
}

// connectViaSOCKS4Proxy dials targetAddr through a SOCKS4 proxy. SOCKS4 is
// IPv4-only and resolves the target hostname locally before sending the
// CONNECT request (SOCKS4a-style hostname forwarding is not implemented).
func connectViaSOCKS4Proxy(ctx context.Context, proxy *ProxyConfig, proxyAddr, targetAddr string, timeout time.Duration) (net.Conn, error) {
	host, portStr, err := net.SplitHostPort(targetAddr)
	if err != nil {
		return nil, fmt.Errorf("invalid target address: %w", err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, fmt.Errorf("invalid port: %w", err)
	}

	ips, err := net.DefaultResolver.LookupIPAddr(ctx, host)
	if err != nil {
		return nil, fmt.Errorf("resolve target for SOCKS4: %w", err)
	}
	var targetIP net.IP
	for _, ip := range ips {
		if ip4 := ip.IP.To4(); ip4 != nil {
			targetIP = ip4
			break
		}
	}
	if targetIP == nil {
		return nil, fmt.Errorf("no IPv4 address for %s (SOCKS4 requires IPv4)", host)
	}

	dialer := &net.Dialer{Timeout: timeout}
	conn, err := dialer.DialContext(ctx, "tcp", proxyAddr)
	if err != nil {
		return nil, fmt.Errorf("connect to SOCKS4 proxy: %w", err)
	}

	req := []byte{0x04, 0x01, byte(port >> 8), byte(port & 0xFF)}
	req = append(req, targetIP...)
	if proxy.Username != "" {
		req = append(req, []byte(proxy.Username)...)
	}
	req = append(req, 0x00)

	if _, err := conn.Write(req); err != nil {
		conn.Close()
		return nil, fmt.Errorf("send SOCKS4 request: %w", err)
	}
	resp := make([]byte, 8)
	if _, err := io.ReadFull(conn, resp); err != nil {
		conn.Close()
		return nil, fmt.Errorf("read SOCKS4 response: %w", err)
	}
	switch resp[1] {
	case 0x5A:
		return conn, nil
	case 0x5B:
		conn.Close()
		return nil, fmt.Errorf("SOCKS4 request rejected")
	case 0x5C, 0x5D:
		conn.Close()
		return nil, fmt.Errorf("SOCKS4 identd authentication failed")
	default:
		conn.Close()
		return nil, fmt.Errorf("SOCKS4 unknown status 0x%02x", resp[1])
	}
}

// connectViaSOCKS5Proxy uses golang.org/x/net/proxy rather than a hand
// rolled negotiation, since the library already handles the full RFC 1928
// handshake including optional username/password auth.
func connectViaSOCKS5Proxy(proxy *ProxyConfig, proxyAddr, targetAddr string, timeout time.Duration) (net.Conn, error) {
	var auth *netproxy.Auth
	if proxy.Username != "" {
		auth = &netproxy.Auth{User: proxy.Username, Password: proxy.Password}
	}
	dialer, err := netproxy.SOCKS5("tcp", proxyAddr, auth, &net.Dialer{Timeout: timeout})
	if err != nil {
		return nil, fmt.Errorf("create SOCKS5 dialer: %w", err)
	}
	conn, err := dialer.Dial("tcp", targetAddr)
	if err != nil {
		return nil, fmt.Errorf("SOCKS5 connect: %w", err)
	}
	return conn, nil
}
