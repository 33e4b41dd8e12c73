package httpx

import (
	"errors"
	"fmt"

	"github.com/duderino/everscale-sub002/httpx/internal/http1"
	"github.com/duderino/everscale-sub002/internal/buffer"
	"github.com/duderino/everscale-sub002/internal/obs"
	"github.com/duderino/everscale-sub002/internal/socket"
	"github.com/duderino/everscale-sub002/internal/status"
)

// advanceFlags tell advance which directions it may work on.
type advanceFlags uint8

const (
	// fillRecv receives once before the first step.
	fillRecv advanceFlags = 1 << iota
	// drainSend flushes once before the first step.
	drainSend
	advanceRecv
	advanceSend
	// proactive marks a call made from outside the socket's own reactor
	// callbacks. Such calls never remove the socket by returning.
	proactive
)

var errBufferFull = fmt.Errorf("httpx: receive buffer full: %w", status.ErrOverflow)

// streamIO is the connection, buffers and codec shared by client and server
// sockets.
type streamIO struct {
	m         *Multiplexer
	conn      socket.Conn
	recv      *buffer.Buffer
	send      *buffer.Buffer
	parser    http1.Parser
	formatter http1.Formatter
	name      string
	// epoch changes on every pause or resume so advance can tell whether a
	// callback already chose a direction to park.
	epoch uint32
}

func (s *streamIO) recvBuffer() *buffer.Buffer {
	if s.recv == nil {
		s.recv = s.m.buffers.Acquire()
	}
	return s.recv
}

func (s *streamIO) sendBuffer() *buffer.Buffer {
	if s.send == nil {
		s.send = s.m.buffers.Acquire()
	}
	return s.send
}

// fill receives once into the free tail of the receive buffer, compacting
// first if the tail is gone.
func (s *streamIO) fill() (int, error) {
	b := s.recvBuffer()
	if !b.IsWritable() && !b.Compact() {
		return 0, errBufferFull
	}
	n, err := s.conn.Receive(b.Free())
	if err != nil {
		return 0, err
	}
	b.SkipWrite(n)
	return n, nil
}

// flush sends until the send buffer is empty. Partial progress compacts the
// buffer and counts as success so the producer can refill the tail.
// Callers loop until the buffer is empty when they need it drained.
func (s *streamIO) flush() (int, error) {
	b := s.send
	if b == nil {
		return 0, nil
	}
	sent := 0
	for b.IsReadable() {
		n, err := s.conn.Send(b.Unread())
		if errors.Is(err, status.ErrAgain) {
			if sent == 0 {
				return 0, status.ErrAgain
			}
			b.Compact()
			return sent, nil
		}
		if err != nil {
			return sent, err
		}
		b.SkipRead(n)
		sent += n
	}
	b.Clear()
	return sent, nil
}

// releaseIdleBuffers returns buffers that hold nothing between requests.
func (s *streamIO) releaseIdleBuffers() {
	if s.recv != nil && !s.recv.IsReadable() {
		s.m.buffers.Release(s.recv)
		s.recv = nil
	}
	if s.send != nil && !s.send.IsReadable() {
		s.m.buffers.Release(s.send)
		s.send = nil
	}
}

func (s *streamIO) releaseBuffers() {
	if s.recv != nil {
		s.m.buffers.Release(s.recv)
		s.recv = nil
	}
	if s.send != nil {
		s.m.buffers.Release(s.send)
		s.send = nil
	}
}

func (s *streamIO) logf(level obs.Level, format string, args ...interface{}) {
	s.m.logger.Logf(level, "%s: "+format, append([]interface{}{s.name}, args...)...)
}
