//go:build linux

package socket

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/duderino/everscale-sub002/internal/status"
)

// Listener is a non-blocking listening descriptor. Each reactor gets its own
// Dup so accepts spread across reactors.
type Listener struct {
	fd   int
	addr Address
}

// Listen binds addr. Port zero picks an ephemeral port; Addr reports it.
func Listen(addr Address, backlog int) (*Listener, error) {
	sa, family := sockaddr(addr.AddrPort)
	fd, err := unix.Socket(family, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("socket: listen %s: %w", addr, err)
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("socket: listen %s: %w", addr, err)
	}
	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("socket: bind %s: %w", addr, err)
	}
	if err := unix.Listen(fd, backlog); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("socket: listen %s: %w", addr, err)
	}
	l := &Listener{fd: fd, addr: addr}
	if local, err := unix.Getsockname(fd); err == nil {
		l.addr.AddrPort = fromSockaddr(local)
	}
	return l, nil
}

func (l *Listener) Fd() int       { return l.fd }
func (l *Listener) Addr() Address { return l.addr }

// Accept returns the next pending connection or status.ErrAgain.
func (l *Listener) Accept() (*TCPConn, error) {
	for {
		fd, sa, err := unix.Accept4(l.fd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
		switch {
		case err == nil:
			_ = unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_NODELAY, 1)
			c := &TCPConn{fd: fd, peer: Address{AddrPort: fromSockaddr(sa), Transport: l.addr.Transport}}
			c.markConnected()
			return c, nil
		case errors.Is(err, unix.EINTR), errors.Is(err, unix.ECONNABORTED):
			continue
		case errors.Is(err, unix.EAGAIN):
			return nil, status.ErrAgain
		default:
			return nil, fmt.Errorf("socket: accept on %s: %w", l.addr, err)
		}
	}
}

// Dup returns a second descriptor for the same listening socket.
func (l *Listener) Dup() (*Listener, error) {
	fd, err := unix.Dup(l.fd)
	if err != nil {
		return nil, fmt.Errorf("socket: dup %s: %w", l.addr, err)
	}
	unix.CloseOnExec(fd)
	return &Listener{fd: fd, addr: l.addr}, nil
}

func (l *Listener) Close() error {
	if l.fd < 0 {
		return nil
	}
	fd := l.fd
	l.fd = -1
	return unix.Close(fd)
}
