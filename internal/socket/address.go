// Package socket wraps non-blocking TCP descriptors for the reactor.
//
// Nothing here blocks: connect reports status.ErrAgain while the handshake
// is in flight, receive and send report status.ErrAgain when the kernel has
// nothing to give or no room to take, and a clean peer close surfaces as
// status.ErrClosed rather than a zero-length read.
package socket

import (
	"errors"
	"fmt"
	"net/netip"
	"strings"
)

// Transport selects what rides on top of TCP. Addresses with different
// transports never share pooled connections.
type Transport uint8

const (
	TCP Transport = iota
	TLS
)

func (t Transport) String() string {
	switch t {
	case TCP:
		return "tcp"
	case TLS:
		return "tls"
	default:
		return "unknown"
	}
}

// Address is a peer or local endpoint. It is comparable and serves as the
// connection pool key.
type Address struct {
	AddrPort  netip.AddrPort
	Transport Transport
}

func AddressFrom(ap netip.AddrPort, t Transport) Address {
	return Address{AddrPort: ap, Transport: t}
}

func (a Address) IsValid() bool { return a.AddrPort.IsValid() }

func (a Address) String() string {
	if a.Transport == TLS {
		return "tls://" + a.AddrPort.String()
	}
	return a.AddrPort.String()
}

var ErrBadAddress = errors.New("socket: invalid address")

// ParseAddress accepts "ip:port" or "tls://ip:port". Host names are not
// resolved.
func ParseAddress(s string) (Address, error) {
	t := TCP
	switch {
	case strings.HasPrefix(s, "tls://"):
		t, s = TLS, strings.TrimPrefix(s, "tls://")
	case strings.HasPrefix(s, "tcp://"):
		s = strings.TrimPrefix(s, "tcp://")
	}
	ap, err := netip.ParseAddrPort(s)
	if err != nil {
		return Address{}, fmt.Errorf("%w %q: %v", ErrBadAddress, s, err)
	}
	return Address{AddrPort: ap, Transport: t}, nil
}
