package httpx

import (
	"errors"

	"github.com/duderino/everscale-sub002/internal/mux"
	"github.com/duderino/everscale-sub002/internal/obs"
	"github.com/duderino/everscale-sub002/internal/socket"
)

// listenerSocket accepts connections for one reactor. Every reactor gets
// its own duplicate of the listening descriptor.
type listenerSocket struct {
	m    *Multiplexer
	ln   *socket.Listener
	name string
}

func newListenerSocket(m *Multiplexer, ln *socket.Listener) *listenerSocket {
	return &listenerSocket{m: m, ln: ln, name: "listener " + ln.Addr().String()}
}

func (l *listenerSocket) Fd() int           { return l.ln.Fd() }
func (l *listenerSocket) Name() string      { return l.name }
func (l *listenerSocket) WantAccept() bool  { return true }
func (l *listenerSocket) WantConnect() bool { return false }
func (l *listenerSocket) WantRead() bool    { return false }
func (l *listenerSocket) WantWrite() bool   { return false }
func (l *listenerSocket) Permanent() bool   { return true }

// HandleAccept takes one pending connection. Failures to serve a single
// connection never take the listener down.
func (l *listenerSocket) HandleAccept() error {
	conn, err := l.ln.Accept()
	if errors.Is(err, ErrAgain) {
		return nil
	}
	if err != nil {
		l.m.logger.Logf(obs.Warn, "%s: accept: %v", l.name, err)
		return nil
	}
	if err := l.m.accept(conn); err != nil {
		l.m.logger.Logf(obs.Debug, "%s: refused %s: %v", l.name, conn.Peer(), err)
	}
	return ErrAgain
}

func (l *listenerSocket) HandleConnect() error  { return ErrInvalidState }
func (l *listenerSocket) HandleReadable() error { return ErrInvalidState }
func (l *listenerSocket) HandleWritable() error { return ErrInvalidState }

func (l *listenerSocket) HandleError(err error) {
	l.m.logger.Logf(obs.Warn, "%s: %v", l.name, err)
}

func (l *listenerSocket) HandleRemoteClose() {}
func (l *listenerSocket) HandleIdle()        {}

func (l *listenerSocket) HandleRemove() {
	if err := l.ln.Close(); err != nil {
		l.m.logger.Logf(obs.Debug, "%s: close: %v", l.name, err)
	}
}

func (l *listenerSocket) CleanupHandler() mux.CleanupHandler { return nil }
