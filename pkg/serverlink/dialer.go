package serverlink

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"time"

	"golang.org/x/net/proxy"
)

const (
	// DefaultConnectionTimeout is the timeout for establishing connections
	DefaultConnectionTimeout = 90 * time.Second

	// DefaultKeepAlive is the keep-alive interval for connections
	DefaultKeepAlive = 30 * time.Second

	// ProxyProbeTimeout is the timeout for probing proxy availability
	ProxyProbeTimeout = 2 * time.Second
)

// DefaultProxyAddresses are the Tor SOCKS5 proxy addresses tried in order
var DefaultProxyAddresses = []string{
	"socks5://127.0.0.1:9050", // Standard Tor daemon
	"socks5://127.0.0.1:9150", // Tor Browser
}

// Dialer connects to Links, going through SOCKS5 for Tor links.
type Dialer struct {
	ProxyAddresses []string
	Timeout        time.Duration
	KeepAlive      time.Duration
}

// NewDialer creates a new dialer with default settings.
func NewDialer() *Dialer {
	return &Dialer{
		ProxyAddresses: DefaultProxyAddresses,
		Timeout:        DefaultConnectionTimeout,
		KeepAlive:      DefaultKeepAlive,
	}
}

func (d *Dialer) base() *net.Dialer {
	return &net.Dialer{
		Timeout:   d.Timeout,
		KeepAlive: d.KeepAlive,
	}
}

// DialContext connects to link.
func (d *Dialer) DialContext(ctx context.Context, link Link) (net.Conn, error) {
	if err := link.Validate(); err != nil {
		return nil, err
	}

	switch link.Protocol {
	case TCP:
		return d.base().DialContext(ctx, "tcp", link.Address())
	case Tor:
		return d.dialTor(ctx, link.Address())
	default:
		return nil, fmt.Errorf("unsupported protocol %v", link.Protocol)
	}
}

// dialTor tries each proxy and returns the first successful connection.
func (d *Dialer) dialTor(ctx context.Context, addr string) (net.Conn, error) {
	proxies := d.ProxyAddresses
	if len(proxies) == 0 {
		return nil, fmt.Errorf("no proxy addresses configured")
	}

	var lastErr error
	for _, proxyURL := range proxies {
		u, err := url.Parse(proxyURL)
		if err != nil {
			lastErr = err
			continue
		}

		dialer, err := proxy.FromURL(u, d.base())
		if err != nil {
			lastErr = err
			continue
		}

		var conn net.Conn
		if cd, ok := dialer.(proxy.ContextDialer); ok {
			conn, err = cd.DialContext(ctx, "tcp", addr)
		} else {
			conn, err = dialer.Dial("tcp", addr)
		}
		if err != nil {
			lastErr = fmt.Errorf("connection via %s failed: %w", proxyURL, err)
			continue
		}

		return conn, nil
	}

	return nil, fmt.Errorf("all Tor proxy attempts failed: %w", lastErr)
}

// ProbeProxy tests if a SOCKS5 proxy accepts TCP connections.
func ProbeProxy(proxyAddr string) error {
	u, err := url.Parse(proxyAddr)
	if err != nil {
		return fmt.Errorf("invalid proxy URL: %w", err)
	}

	host := u.Host
	if host == "" {
		host = "127.0.0.1:9050"
	}

	conn, err := net.DialTimeout("tcp", host, ProxyProbeTimeout)
	if err != nil {
		return fmt.Errorf("proxy not responding: %w", err)
	}
	conn.Close()

	return nil
}

// IsAvailable checks if at least one proxy is available.
func (d *Dialer) IsAvailable() bool {
	for _, addr := range d.ProxyAddresses {
		if err := ProbeProxy(addr); err == nil {
			return true
		}
	}
	return false
}
