//go:build linux

package socket

import (
	"errors"
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/duderino/everscale-sub002/internal/status"
)

func TestParseAddress(t *testing.T) {
	a, err := ParseAddress("127.0.0.1:8080")
	require.NoError(t, err)
	assert.Equal(t, TCP, a.Transport)
	assert.Equal(t, "127.0.0.1:8080", a.String())

	b, err := ParseAddress("tls://[::1]:443")
	require.NoError(t, err)
	assert.Equal(t, TLS, b.Transport)
	assert.Equal(t, "tls://[::1]:443", b.String())

	_, err = ParseAddress("localhost:80")
	assert.ErrorIs(t, err, ErrBadAddress)
}

func TestAddress_TransportIsPartOfIdentity(t *testing.T) {
	ap := netip.MustParseAddrPort("10.0.0.1:443")
	assert.NotEqual(t, AddressFrom(ap, TCP), AddressFrom(ap, TLS))
	assert.Equal(t, AddressFrom(ap, TLS), AddressFrom(ap, TLS))
}

func acceptOne(t *testing.T, l *Listener) *TCPConn {
	t.Helper()
	var c *TCPConn
	var err error
	require.Eventually(t, func() bool {
		c, err = l.Accept()
		return !errors.Is(err, status.ErrAgain)
	}, 2*time.Second, time.Millisecond)
	require.NoError(t, err)
	return c
}

func receiveSome(t *testing.T, c *TCPConn, p []byte) int {
	t.Helper()
	var n int
	var err error
	require.Eventually(t, func() bool {
		n, err = c.Receive(p)
		return !errors.Is(err, status.ErrAgain)
	}, 2*time.Second, time.Millisecond)
	require.NoError(t, err)
	return n
}

func TestConn_LoopbackExchange(t *testing.T) {
	l, err := Listen(AddressFrom(netip.MustParseAddrPort("127.0.0.1:0"), TCP), 16)
	require.NoError(t, err)
	defer l.Close()
	require.NotZero(t, l.Addr().AddrPort.Port())

	_, err = l.Accept()
	require.ErrorIs(t, err, status.ErrAgain)

	c := NewConn(l.Addr())
	defer c.Close()
	err = c.Connect()
	if err != nil {
		require.ErrorIs(t, err, status.ErrAgain)
		require.Eventually(t, func() bool { return c.FinishConnect() == nil }, 2*time.Second, time.Millisecond)
	}
	require.True(t, c.Connected())

	s := acceptOne(t, l)
	defer s.Close()
	assert.True(t, s.Connected())

	n, err := c.Send([]byte("ping"))
	require.NoError(t, err)
	require.Equal(t, 4, n)

	p := make([]byte, 16)
	n = receiveSome(t, s, p)
	assert.Equal(t, "ping", string(p[:n]))

	_, err = s.Receive(p)
	assert.ErrorIs(t, err, status.ErrAgain)

	require.NoError(t, c.Close())
	require.Eventually(t, func() bool {
		_, err := s.Receive(p)
		return errors.Is(err, status.ErrClosed)
	}, 2*time.Second, time.Millisecond)
}

func TestConn_TLSIsNotDialed(t *testing.T) {
	c := NewConn(AddressFrom(netip.MustParseAddrPort("127.0.0.1:443"), TLS))
	assert.ErrorIs(t, c.Connect(), ErrUnsupportedTransport)
	assert.Equal(t, -1, c.Fd())
}

func TestListener_DupSharesQueue(t *testing.T) {
	l, err := Listen(AddressFrom(netip.MustParseAddrPort("127.0.0.1:0"), TCP), 16)
	require.NoError(t, err)
	defer l.Close()
	d, err := l.Dup()
	require.NoError(t, err)
	defer d.Close()
	assert.NotEqual(t, l.Fd(), d.Fd())
	assert.Equal(t, l.Addr(), d.Addr())

	c := NewConn(l.Addr())
	defer c.Close()
	_ = c.Connect()
	s := acceptOne(t, d)
	s.Close()
}
