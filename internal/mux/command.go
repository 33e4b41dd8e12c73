//go:build linux

package mux

import (
	"encoding/binary"
	"fmt"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/duderino/everscale-sub002/internal/status"
)

// commandSocket marshals closures from any goroutine onto the reactor. Push
// appends under a lock and bumps an eventfd; the reactor wakes, reads the
// counter and runs the queue.
type commandSocket struct {
	fd     int
	name   string
	mu     sync.Mutex
	queue  []func()
	closed bool
}

func newCommandSocket(name string) (*commandSocket, error) {
	fd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("mux: eventfd: %w", err)
	}
	return &commandSocket{fd: fd, name: name + "-commands"}, nil
}

func (c *commandSocket) Push(f func()) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return status.ErrShutdown
	}
	c.queue = append(c.queue, f)
	return c.wakeLocked()
}

// Wake interrupts the reactor's wait without queueing anything.
func (c *commandSocket) Wake() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return status.ErrShutdown
	}
	return c.wakeLocked()
}

// wakeLocked writes the eventfd while holding mu so the descriptor cannot be
// closed and reused underneath it.
func (c *commandSocket) wakeLocked() error {
	var one [8]byte
	binary.NativeEndian.PutUint64(one[:], 1)
	for {
		_, err := unix.Write(c.fd, one[:])
		switch err {
		case nil, unix.EAGAIN:
			// EAGAIN means the counter is saturated; the reactor is
			// already due to wake.
			return nil
		case unix.EINTR:
			continue
		default:
			return fmt.Errorf("mux: wake %s: %w", c.name, err)
		}
	}
}

func (c *commandSocket) Fd() int           { return c.fd }
func (c *commandSocket) Name() string      { return c.name }
func (c *commandSocket) WantAccept() bool  { return false }
func (c *commandSocket) WantConnect() bool { return false }
func (c *commandSocket) WantRead() bool    { return true }
func (c *commandSocket) WantWrite() bool   { return false }
func (c *commandSocket) Permanent() bool   { return true }

func (c *commandSocket) HandleAccept() error  { return status.ErrAgain }
func (c *commandSocket) HandleConnect() error { return status.ErrAgain }
func (c *commandSocket) HandleWritable() error {
	return status.ErrAgain
}

func (c *commandSocket) HandleReadable() error {
	var counter [8]byte
	for {
		_, err := unix.Read(c.fd, counter[:])
		if err == unix.EINTR {
			continue
		}
		break
	}
	c.mu.Lock()
	queue := c.queue
	c.queue = nil
	c.mu.Unlock()
	for _, f := range queue {
		f()
	}
	return status.ErrAgain
}

func (c *commandSocket) HandleError(error)  {}
func (c *commandSocket) HandleRemoteClose() {}
func (c *commandSocket) HandleIdle()        {}

// HandleRemove drops queued commands; nothing will run them now.
func (c *commandSocket) HandleRemove() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	c.queue = nil
	unix.Close(c.fd)
}

func (c *commandSocket) CleanupHandler() CleanupHandler { return nil }
