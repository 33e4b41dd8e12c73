// Package mux runs epoll reactors that drive many non-blocking sockets each,
// and a Dispatcher that spreads sockets across reactors.
//
// A socket is registered with exactly one reactor for its whole life and its
// callbacks only ever run on that reactor's goroutine, which is locked to an
// OS thread. Callbacks report what they want next through their error
// return: status.ErrAgain or status.ErrPause keep the socket registered,
// anything else (nil included) removes it.
package mux

import "errors"

// Socket is everything a reactor needs from a registered descriptor.
type Socket interface {
	Fd() int
	Name() string

	WantAccept() bool
	WantConnect() bool
	WantRead() bool
	WantWrite() bool
	// Permanent sockets are exempt from idle detection.
	Permanent() bool

	// HandleAccept returns status.ErrAgain to be called again for the next
	// pending connection and nil once the backlog is drained.
	HandleAccept() error
	HandleConnect() error
	HandleReadable() error
	HandleWritable() error
	HandleError(err error)
	HandleRemoteClose()
	HandleIdle()
	// HandleRemove runs exactly once, after the descriptor has left epoll.
	HandleRemove()

	// CleanupHandler may be nil.
	CleanupHandler() CleanupHandler
}

// CleanupHandler releases a removed socket. It runs on the reactor goroutine
// after the current batch of events, so no stale event can reach the
// socket afterwards.
type CleanupHandler interface {
	Destroy(s Socket)
}

// CleanupFunc adapts a function to CleanupHandler.
type CleanupFunc func(s Socket)

func (f CleanupFunc) Destroy(s Socket) { f(s) }

// Resumer is implemented by sockets that can make progress from data they
// already buffered. Reactor.Resume schedules HandleResume for the next loop
// pass even if the kernel reports nothing new.
type Resumer interface {
	HandleResume() error
}

// Registrar is the reactor surface a socket uses to manage itself. Add and
// Execute are safe from any goroutine; the rest must run on the reactor.
type Registrar interface {
	Index() int
	Add(s Socket) error
	Update(s Socket) error
	Remove(s Socket) error
	Resume(s Socket)
	Execute(f func()) error
	Running() bool
}

var (
	ErrNotRegistered     = errors.New("mux: socket not registered")
	ErrAlreadyRegistered = errors.New("mux: socket already registered")
	ErrOutOfBounds       = errors.New("mux: reactor index out of bounds")
	ErrNoReactors        = errors.New("mux: no reactor could be started")
)
