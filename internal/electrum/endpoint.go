package electrum

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"strconv"
	"strings"
)

// Default Electrum ports.
const (
	DefaultTCPPort = "50001"
	DefaultTLSPort = "50002"
)

// Endpoint is one Electrum server.
type Endpoint struct {
	Host string
	Port string
	TLS  bool
}

// ParseEndpoint accepts "ssl://host:port", "tls://host:port",
// "tcp://host:port", the server-list form "host:port:s" or "host:port:t",
// and a bare "host[:port]" which defaults to TLS.
func ParseEndpoint(s string) (Endpoint, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Endpoint{}, fmt.Errorf("empty endpoint")
	}

	ep := Endpoint{TLS: true}
	if scheme, rest, ok := strings.Cut(s, "://"); ok {
		switch strings.ToLower(scheme) {
		case "ssl", "tls":
		case "tcp":
			ep.TLS = false
		default:
			return Endpoint{}, fmt.Errorf("endpoint %q: unknown scheme %q", s, scheme)
		}
		s = rest
	} else if i := strings.LastIndex(s, ":"); i > 0 && (s[i+1:] == "s" || s[i+1:] == "t") {
		ep.TLS = s[i+1:] == "s"
		s = s[:i]
	}

	host, port, err := net.SplitHostPort(s)
	if err != nil {
		// No port given.
		host, port = strings.Trim(s, "[]"), ""
	}
	if host == "" {
		return Endpoint{}, fmt.Errorf("endpoint %q: missing host", s)
	}
	if port == "" {
		port = DefaultTCPPort
		if ep.TLS {
			port = DefaultTLSPort
		}
	}
	if n, err := strconv.Atoi(port); err != nil || n < 1 || n > 65535 {
		return Endpoint{}, fmt.Errorf("endpoint %q: invalid port %q", s, port)
	}
	ep.Host, ep.Port = host, port
	return ep, nil
}

// ParseEndpoints parses a priority-ordered list.
func ParseEndpoints(list []string) ([]Endpoint, error) {
	eps := make([]Endpoint, 0, len(list))
	for _, s := range list {
		ep, err := ParseEndpoint(s)
		if err != nil {
			return nil, err
		}
		eps = append(eps, ep)
	}
	return eps, nil
}

// Address returns host:port.
func (e Endpoint) Address() string {
	return net.JoinHostPort(e.Host, e.Port)
}

func (e Endpoint) String() string {
	if e.TLS {
		return "ssl://" + e.Address()
	}
	return "tcp://" + e.Address()
}

func (e Endpoint) dial(ctx context.Context, tlsConfig *tls.Config) (net.Conn, error) {
	if !e.TLS {
		var d net.Dialer
		return d.DialContext(ctx, "tcp", e.Address())
	}
	cfg := &tls.Config{MinVersion: tls.VersionTLS12}
	if tlsConfig != nil {
		cfg = tlsConfig.Clone()
	}
	if cfg.ServerName == "" {
		cfg.ServerName = e.Host
	}
	d := tls.Dialer{Config: cfg}
	return d.DialContext(ctx, "tcp", e.Address())
}
