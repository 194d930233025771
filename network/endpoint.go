package network

import (
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
)

// Transport selects the wire protocol spoken to an endpoint.
type Transport int

const (
	// TransportElectrum is line-delimited JSON-RPC 2.0 over TCP or TLS.
	TransportElectrum Transport = iota
	// TransportRPC is a node's JSON-RPC 1.0 interface over HTTP.
	TransportRPC
)

func (t Transport) String() string {
	switch t {
	case TransportElectrum:
		return "electrum"
	case TransportRPC:
		return "rpc"
	default:
		return fmt.Sprintf("Transport(%d)", int(t))
	}
}

// Endpoint is a parsed server address. Port 0 means the port is resolved
// through DNS SRV or the network default.
type Endpoint struct {
	Host      string
	Port      uint16
	TLS       bool
	Transport Transport

	// Path is the URL path for RPC endpoints.
	Path string
}

// ParseEndpoint parses a server address. Accepted forms:
//
//	tcp://host:port            Electrum over TCP
//	ssl://host:port            Electrum over TLS (also tls://)
//	host:port:t, host:port:s   Electrum shorthand for TCP and TLS
//	host[:port]                Electrum over TCP
//	http://host:port/path      node JSON-RPC (also https://)
func ParseEndpoint(s string) (Endpoint, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Endpoint{}, fmt.Errorf("%w: empty address", ErrInvalidEndpoint)
	}

	if strings.Contains(s, "://") {
		return parseEndpointURL(s)
	}

	ep := Endpoint{Transport: TransportElectrum}
	switch {
	case strings.HasSuffix(s, ":s"):
		ep.TLS = true
		s = strings.TrimSuffix(s, ":s")
	case strings.HasSuffix(s, ":t"):
		s = strings.TrimSuffix(s, ":t")
	}

	host, port, err := splitHostPort(s)
	if err != nil {
		return Endpoint{}, err
	}
	ep.Host = host
	ep.Port = port
	return ep, nil
}

func parseEndpointURL(s string) (Endpoint, error) {
	u, err := url.Parse(s)
	if err != nil {
		return Endpoint{}, fmt.Errorf("%w: %q: %w", ErrInvalidEndpoint, s, err)
	}

	var ep Endpoint
	switch strings.ToLower(u.Scheme) {
	case "tcp":
		ep.Transport = TransportElectrum
	case "ssl", "tls":
		ep.Transport = TransportElectrum
		ep.TLS = true
	case "http":
		ep.Transport = TransportRPC
	case "https":
		ep.Transport = TransportRPC
		ep.TLS = true
	default:
		return Endpoint{}, fmt.Errorf("%w: unsupported scheme %q", ErrInvalidEndpoint, u.Scheme)
	}

	ep.Host = u.Hostname()
	if ep.Host == "" {
		return Endpoint{}, fmt.Errorf("%w: %q has no host", ErrInvalidEndpoint, s)
	}
	if p := u.Port(); p != "" {
		port, err := parsePort(p)
		if err != nil {
			return Endpoint{}, err
		}
		ep.Port = port
	}
	if ep.Transport == TransportRPC {
		ep.Path = u.Path
	}
	return ep, nil
}

func splitHostPort(s string) (string, uint16, error) {
	// A bare host, including a bracketless IPv6 literal, has no port.
	if !strings.Contains(s, ":") || (strings.Count(s, ":") > 1 && !strings.HasPrefix(s, "[")) {
		if s == "" {
			return "", 0, fmt.Errorf("%w: empty host", ErrInvalidEndpoint)
		}
		return s, 0, nil
	}
	host, p, err := net.SplitHostPort(s)
	if err != nil {
		return "", 0, fmt.Errorf("%w: %q: %w", ErrInvalidEndpoint, s, err)
	}
	if host == "" {
		return "", 0, fmt.Errorf("%w: %q has no host", ErrInvalidEndpoint, s)
	}
	port, err := parsePort(p)
	if err != nil {
		return "", 0, err
	}
	return host, port, nil
}

func parsePort(p string) (uint16, error) {
	n, err := strconv.ParseUint(p, 10, 16)
	if err != nil || n == 0 {
		return 0, fmt.Errorf("%w: bad port %q", ErrInvalidEndpoint, p)
	}
	return uint16(n), nil
}

// Address returns host:port for dialing.
func (e Endpoint) Address() string {
	return net.JoinHostPort(e.Host, strconv.Itoa(int(e.Port)))
}

// URL returns the HTTP URL of an RPC endpoint.
func (e Endpoint) URL() string {
	u := url.URL{Scheme: "http", Host: e.Host, Path: e.Path}
	if e.TLS {
		u.Scheme = "https"
	}
	if e.Port != 0 {
		u.Host = e.Address()
	} else if strings.Contains(e.Host, ":") {
		u.Host = "[" + e.Host + "]"
	}
	return u.String()
}

// String returns the endpoint in URL form.
func (e Endpoint) String() string {
	if e.Transport == TransportRPC {
		return e.URL()
	}
	scheme := "tcp"
	if e.TLS {
		scheme = "ssl"
	}
	host := e.Host
	if e.Port != 0 {
		host = e.Address()
	}
	return scheme + "://" + host
}
