package httpx

import (
	"time"

	"github.com/duderino/everscale-sub002/internal/socket"
)

// ClientTransaction is one outbound request and its response. Build it with
// NewClientTransaction or by hand, then pass it to ExecuteClientTransaction.
// After EndTransaction it may be Reset and executed again.
type ClientTransaction struct {
	Request  Request
	Response Response
	Peer     socket.Address
	// Hostname is only used for TLS peers.
	Hostname string
	Start    time.Time

	BytesSent     int64
	BytesReceived int64

	ctx   any
	owner *clientSocket
}

// NewClientTransaction builds an HTTP/1.1 request for peer.
func NewClientTransaction(peer socket.Address, method, uri string) *ClientTransaction {
	t := &ClientTransaction{Peer: peer}
	t.Request.Reset()
	t.Response.Reset()
	t.Request.Method, t.Request.URI = method, uri
	return t
}

func (t *ClientTransaction) Context() any     { return t.ctx }
func (t *ClientTransaction) SetContext(v any) { t.ctx = v }

// Executing reports whether a socket currently owns the transaction.
func (t *ClientTransaction) Executing() bool { return t.owner != nil }

// Reset clears the response and counters. The request, peer and context
// stay so the same request can be sent again.
func (t *ClientTransaction) Reset() {
	t.Response.Reset()
	t.Start = time.Time{}
	t.BytesSent, t.BytesReceived = 0, 0
}

// ServerTransaction is one inbound request and the response to it. It is
// owned by its server socket and reset between requests on a connection.
type ServerTransaction struct {
	Request  Request
	Response Response
	Peer     socket.Address
	Start    time.Time

	BytesSent     int64
	BytesReceived int64

	ctx any
}

func (t *ServerTransaction) Context() any     { return t.ctx }
func (t *ServerTransaction) SetContext(v any) { t.ctx = v }

func (t *ServerTransaction) Reset() {
	t.Request.Reset()
	t.Response.Reset()
	t.Start = time.Time{}
	t.BytesSent, t.BytesReceived = 0, 0
	t.ctx = nil
}
