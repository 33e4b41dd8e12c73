//go:build linux

package socket

import (
	"errors"
	"fmt"
	"net/netip"

	"golang.org/x/sys/unix"

	"github.com/duderino/everscale-sub002/internal/status"
)

// Conn is the transport a client or server socket drives. TCPConn is the
// production implementation; tests substitute scripted ones.
type Conn interface {
	Fd() int
	Peer() Address
	Connected() bool
	// Connect starts a non-blocking connect. It returns nil if the
	// connection completed at once and status.ErrAgain while in flight.
	Connect() error
	// FinishConnect collects the outcome of an in-flight connect once the
	// descriptor turns writable.
	FinishConnect() error
	Receive(p []byte) (int, error)
	Send(p []byte) (int, error)
	Close() error
}

var ErrUnsupportedTransport = errors.New("socket: transport not supported")

// TCPConn is a non-blocking TCP descriptor.
type TCPConn struct {
	fd        int
	peer      Address
	connected bool
}

// NewConn returns an unconnected conn to peer. No descriptor exists until
// Connect.
func NewConn(peer Address) *TCPConn {
	return &TCPConn{fd: -1, peer: peer}
}

func (c *TCPConn) Fd() int         { return c.fd }
func (c *TCPConn) Peer() Address   { return c.peer }
func (c *TCPConn) Connected() bool { return c.connected }
func (c *TCPConn) String() string  { return fmt.Sprintf("fd=%d peer=%s", c.fd, c.peer) }
func (c *TCPConn) isOpen() bool    { return c.fd >= 0 }
func (c *TCPConn) markConnected()  { c.connected = true }

func (c *TCPConn) Connect() error {
	if c.connected {
		return nil
	}
	if c.peer.Transport != TCP {
		return fmt.Errorf("%w: %s", ErrUnsupportedTransport, c.peer.Transport)
	}
	if !c.isOpen() {
		sa, family := sockaddr(c.peer.AddrPort)
		fd, err := unix.Socket(family, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
		if err != nil {
			return fmt.Errorf("socket: create for %s: %w", c.peer, err)
		}
		_ = unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_NODELAY, 1)
		c.fd = fd
		err = unix.Connect(fd, sa)
		switch {
		case err == nil:
			c.markConnected()
			return nil
		case errors.Is(err, unix.EINPROGRESS), errors.Is(err, unix.EINTR):
			return status.ErrAgain
		default:
			c.Close()
			return fmt.Errorf("socket: connect %s: %w", c.peer, err)
		}
	}
	return status.ErrAgain
}

func (c *TCPConn) FinishConnect() error {
	if c.connected {
		return nil
	}
	if !c.isOpen() {
		return fmt.Errorf("socket: connect %s: %w", c.peer, unix.EBADF)
	}
	errno, err := unix.GetsockoptInt(c.fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil {
		return fmt.Errorf("socket: connect %s: %w", c.peer, err)
	}
	switch unix.Errno(errno) {
	case 0:
		c.markConnected()
		return nil
	case unix.EINPROGRESS, unix.EALREADY:
		return status.ErrAgain
	default:
		return fmt.Errorf("socket: connect %s: %w", c.peer, unix.Errno(errno))
	}
}

func (c *TCPConn) Receive(p []byte) (int, error) {
	for {
		n, err := unix.Read(c.fd, p)
		switch {
		case err == nil && n == 0 && len(p) > 0:
			return 0, status.ErrClosed
		case err == nil:
			return n, nil
		case errors.Is(err, unix.EINTR):
			continue
		case errors.Is(err, unix.EAGAIN):
			return 0, status.ErrAgain
		default:
			return 0, fmt.Errorf("socket: receive from %s: %w", c.peer, err)
		}
	}
}

func (c *TCPConn) Send(p []byte) (int, error) {
	for {
		n, err := unix.SendmsgN(c.fd, p, nil, nil, unix.MSG_NOSIGNAL)
		switch {
		case err == nil:
			return n, nil
		case errors.Is(err, unix.EINTR):
			continue
		case errors.Is(err, unix.EAGAIN):
			return 0, status.ErrAgain
		default:
			return 0, fmt.Errorf("socket: send to %s: %w", c.peer, err)
		}
	}
}

func (c *TCPConn) Close() error {
	c.connected = false
	if !c.isOpen() {
		return nil
	}
	fd := c.fd
	c.fd = -1
	return unix.Close(fd)
}

func sockaddr(ap netip.AddrPort) (unix.Sockaddr, int) {
	ip := ap.Addr().Unmap()
	if ip.Is4() {
		return &unix.SockaddrInet4{Port: int(ap.Port()), Addr: ip.As4()}, unix.AF_INET
	}
	return &unix.SockaddrInet6{Port: int(ap.Port()), Addr: ip.As16()}, unix.AF_INET6
}

func fromSockaddr(sa unix.Sockaddr) netip.AddrPort {
	switch v := sa.(type) {
	case *unix.SockaddrInet4:
		return netip.AddrPortFrom(netip.AddrFrom4(v.Addr), uint16(v.Port))
	case *unix.SockaddrInet6:
		return netip.AddrPortFrom(netip.AddrFrom16(v.Addr), uint16(v.Port))
	default:
		return netip.AddrPort{}
	}
}
