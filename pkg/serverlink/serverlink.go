// Package serverlink describes how a client reaches a relay: a protocol
// variant plus a validated address, and a dialer for each variant.
package serverlink

import (
	"fmt"
	"net"
	"regexp"
	"strconv"
	"strings"
)

// DefaultPort is used when a link omits its port.
const DefaultPort = 9999

// Protocol selects how a Link is dialed.
type Protocol int

const (
	// TCP dials the host directly.
	TCP Protocol = iota + 1
	// Tor dials a v3 hidden service through a SOCKS5 proxy.
	Tor
)

func (p Protocol) String() string {
	switch p {
	case TCP:
		return "tcp"
	case Tor:
		return "tor"
	default:
		return "unknown"
	}
}

var (
	// domainRegex accepts DNS names made of 1-63 character labels.
	domainRegex = regexp.MustCompile(`^(?:[a-zA-Z0-9](?:[a-zA-Z0-9-]{0,61}[a-zA-Z0-9])?\.)*[a-zA-Z0-9](?:[a-zA-Z0-9-]{0,61}[a-zA-Z0-9])?(?:\.[a-zA-Z]{2,})?$`)

	// onionRegex validates v3 .onion hosts
	onionRegex = regexp.MustCompile(`^[a-z2-7]{56}\.onion$`)
)

// Link is a validated relay address. The zero value is not usable; build
// one with Parse.
type Link struct {
	Protocol Protocol
	Host     string
	Port     int
}

// Parse validates raw and returns the Link it names. Accepted forms:
//
//	tcp://host[:port]   domain name, IPv4 or IPv6 (bracketed when a port follows)
//	tor://<56 chars>.onion[:port]
//	host[:port]         tcp, or tor when host ends in .onion
func Parse(raw string) (Link, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Link{}, fmt.Errorf("address cannot be empty")
	}

	var proto Protocol
	rest := raw
	if scheme, after, ok := strings.Cut(raw, "://"); ok {
		switch strings.ToLower(scheme) {
		case "tcp":
			proto = TCP
		case "tor":
			proto = Tor
		default:
			return Link{}, fmt.Errorf("unsupported protocol %q", scheme)
		}
		rest = after
	}

	if strings.Contains(rest, "/") {
		return Link{}, fmt.Errorf("address %q must not contain a path", raw)
	}

	host, port, err := splitHostPort(rest)
	if err != nil {
		return Link{}, err
	}

	if proto == 0 {
		proto = TCP
		if strings.HasSuffix(host, ".onion") {
			proto = Tor
		}
	}

	link := Link{Protocol: proto, Host: host, Port: port}
	if err := link.Validate(); err != nil {
		return Link{}, err
	}
	return link, nil
}

func splitHostPort(s string) (string, int, error) {
	if ip := net.ParseIP(s); ip != nil {
		return s, DefaultPort, nil
	}
	if !strings.Contains(s, ":") {
		return s, DefaultPort, nil
	}

	host, portStr, err := net.SplitHostPort(s)
	if err != nil {
		return "", 0, fmt.Errorf("invalid address %q: %w", s, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port < 1 || port > 65535 {
		return "", 0, fmt.Errorf("invalid port %q", portStr)
	}
	return host, port, nil
}

// Validate checks the host against the rules of the link's protocol.
func (l Link) Validate() error {
	if l.Port < 1 || l.Port > 65535 {
		return fmt.Errorf("invalid port %d", l.Port)
	}

	switch l.Protocol {
	case TCP:
		if l.Host == "" {
			return fmt.Errorf("address cannot be empty")
		}
		if net.ParseIP(l.Host) != nil {
			return nil
		}
		if domainRegex.MatchString(l.Host) && strings.Trim(l.Host, "0123456789.") != "" {
			return nil
		}
		return fmt.Errorf("%q is not a valid domain name, IPv4, or IPv6 address", l.Host)
	case Tor:
		if !onionRegex.MatchString(l.Host) {
			return fmt.Errorf("invalid .onion address format (must be v3: 56 chars + .onion)")
		}
		return nil
	default:
		return fmt.Errorf("unsupported protocol %v", l.Protocol)
	}
}

// Address returns host:port suitable for net.Dial.
func (l Link) Address() string {
	return net.JoinHostPort(l.Host, strconv.Itoa(l.Port))
}

func (l Link) String() string {
	return l.Protocol.String() + "://" + l.Address()
}
