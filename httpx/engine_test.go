package httpx

import (
	"bytes"
	"io"
	"net/http/httputil"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/duderino/everscale-sub002/internal/mux"
	"github.com/duderino/everscale-sub002/internal/socket"
	"github.com/duderino/everscale-sub002/internal/status"
)

// fakeConn hands out queued fragments one Receive at a time.
type fakeConn struct {
	peer      socket.Address
	connected bool
	closed    bool
	in        [][]byte
	eof       bool
	out       bytes.Buffer
}

func newFakeConn(peer socket.Address) *fakeConn { return &fakeConn{peer: peer} }

func (c *fakeConn) push(s string)        { c.in = append(c.in, []byte(s)) }
func (c *fakeConn) Fd() int              { return 42 }
func (c *fakeConn) Peer() socket.Address { return c.peer }
func (c *fakeConn) Connected() bool      { return c.connected }
func (c *fakeConn) FinishConnect() error { return nil }

func (c *fakeConn) Connect() error {
	c.connected = true
	return nil
}

func (c *fakeConn) Receive(p []byte) (int, error) {
	if len(c.in) == 0 {
		if c.eof {
			return 0, status.ErrClosed
		}
		return 0, status.ErrAgain
	}
	n := copy(p, c.in[0])
	if c.in[0] = c.in[0][n:]; len(c.in[0]) == 0 {
		c.in = c.in[1:]
	}
	return n, nil
}

func (c *fakeConn) Send(p []byte) (int, error) {
	if c.closed {
		return 0, status.ErrClosed
	}
	return c.out.Write(p)
}

func (c *fakeConn) Close() error {
	c.closed, c.connected = true, false
	return nil
}

// fakeRegistrar removes sockets the way a reactor does: HandleRemove at
// once, cleanup after the current callback returns.
type fakeRegistrar struct {
	sockets  map[mux.Socket]bool
	last     mux.Socket
	resumed  []mux.Socket
	cleanups []mux.Socket
}

func newFakeRegistrar() *fakeRegistrar {
	return &fakeRegistrar{sockets: make(map[mux.Socket]bool)}
}

func (r *fakeRegistrar) Index() int                   { return 0 }
func (r *fakeRegistrar) Update(mux.Socket) error      { return nil }
func (r *fakeRegistrar) Resume(s mux.Socket)          { r.resumed = append(r.resumed, s) }
func (r *fakeRegistrar) Execute(f func()) error       { f(); return nil }
func (r *fakeRegistrar) Running() bool                { return true }
func (r *fakeRegistrar) registered(s mux.Socket) bool { return r.sockets[s] }

func (r *fakeRegistrar) Add(s mux.Socket) error {
	r.sockets[s] = true
	r.last = s
	return nil
}

func (r *fakeRegistrar) Remove(s mux.Socket) error {
	if !r.sockets[s] {
		return mux.ErrNotRegistered
	}
	delete(r.sockets, s)
	s.HandleRemove()
	r.cleanups = append(r.cleanups, s)
	return nil
}

// dispatch applies the reactor's reading of a callback result.
func (r *fakeRegistrar) dispatch(s mux.Socket, err error) {
	if !status.Keep(err) && r.sockets[s] {
		_ = r.Remove(s)
	}
	for _, c := range r.cleanups {
		if h := c.CleanupHandler(); h != nil {
			h.Destroy(c)
		}
	}
	r.cleanups = nil
}

func testPeer(t *testing.T) socket.Address {
	t.Helper()
	peer, err := socket.ParseAddress("10.1.2.3:80")
	require.NoError(t, err)
	return peer
}

type engine struct {
	reg   *fakeRegistrar
	m     *Multiplexer
	conns []*fakeConn
}

func newEngine(t *testing.T, cfg Config, server ServerHandler) *engine {
	t.Helper()
	e := &engine{reg: newFakeRegistrar()}
	e.m = NewMultiplexer(e.reg, MultiplexerOptions{
		Config: cfg,
		Server: server,
		Dial: func(peer socket.Address) socket.Conn {
			c := newFakeConn(peer)
			e.conns = append(e.conns, c)
			return c
		},
	})
	return e
}

func engineConfig() Config {
	cfg := DefaultConfig()
	cfg.Reactors = 1
	cfg.BufferSize = 256
	return cfg
}

// clientRecorder sends body and records every callback.
type clientRecorder struct {
	BaseClientHandler
	body      []byte
	sent      int
	heads     int
	consumed  []string
	ends      []ClientPhase
	pauseOnce bool
	paused    bool
	onHeaders func(s ClientStream) error
}

func (h *clientRecorder) OfferRequestBody(ClientStream) (int, error) {
	return len(h.body) - h.sent, nil
}

func (h *clientRecorder) ProduceRequestBody(_ ClientStream, p []byte) error {
	h.sent += copy(p, h.body[h.sent:])
	return nil
}

func (h *clientRecorder) ReceiveResponseHeaders(s ClientStream) error {
	h.heads++
	if h.onHeaders != nil {
		return h.onHeaders(s)
	}
	return nil
}

func (h *clientRecorder) ConsumeResponseBody(_ ClientStream, p []byte) (int, error) {
	if h.pauseOnce && !h.paused && len(p) > 0 {
		h.paused = true
		return 0, ErrPause
	}
	h.consumed = append(h.consumed, string(p))
	return len(p), nil
}

func (h *clientRecorder) EndTransaction(_ ClientStream, phase ClientPhase) {
	h.ends = append(h.ends, phase)
}

// start executes a GET and sends the request head.
func (e *engine) start(t *testing.T, h ClientHandler) (*clientSocket, *fakeConn) {
	t.Helper()
	tx := NewClientTransaction(testPeer(t), "GET", "/")
	tx.Request.Header.Set("Host", "example.com")
	require.NoError(t, e.m.ExecuteClientTransaction(tx, h))
	s := e.reg.last.(*clientSocket)
	conn := s.conn.(*fakeConn)
	e.reg.dispatch(s, s.HandleWritable())
	require.True(t, e.reg.registered(s))
	require.True(t, strings.HasPrefix(conn.out.String(), "GET / HTTP/1.1\r\n"), conn.out.String())
	return s, conn
}

func TestClientChunkedResponseInFragments(t *testing.T) {
	e := newEngine(t, engineConfig(), nil)
	h := &clientRecorder{}
	s, conn := e.start(t, h)

	conn.push("HTTP/1.1 200 OK\r\nTransfer-Encoding: chunked\r\n\r\n4\r\nabcd\r\n")
	e.reg.dispatch(s, s.HandleReadable())
	assert.Equal(t, 1, h.heads)
	assert.Equal(t, []string{"abcd"}, h.consumed)

	conn.push("4\r\nefgh\r\n")
	e.reg.dispatch(s, s.HandleReadable())
	conn.push("2\r\nij\r\n0\r\n\r\n")
	e.reg.dispatch(s, s.HandleReadable())

	assert.Equal(t, []string{"abcd", "efgh", "ij", ""}, h.consumed)
	assert.Equal(t, []ClientPhase{ClientEnd}, h.ends)
	assert.False(t, e.reg.registered(s))
	assert.Equal(t, int64(1), e.m.PoolStats().Idle)
	assert.False(t, conn.closed)
}

func TestClientPoolReuse(t *testing.T) {
	e := newEngine(t, engineConfig(), nil)
	first := &clientRecorder{}
	s, conn := e.start(t, first)
	conn.push("HTTP/1.1 200 OK\r\nContent-Length: 2\r\n\r\nok")
	e.reg.dispatch(s, s.HandleReadable())
	require.Equal(t, []ClientPhase{ClientEnd}, first.ends)

	second := &clientRecorder{}
	tx := NewClientTransaction(testPeer(t), "GET", "/")
	tx.Request.Header.Set("Host", "example.com")
	require.NoError(t, e.m.ExecuteClientTransaction(tx, second))
	s2 := e.reg.last.(*clientSocket)
	assert.True(t, s2.Reused())
	assert.Same(t, conn, s2.conn.(*fakeConn))
	assert.Len(t, e.conns, 1)
	assert.Equal(t, int64(1), e.m.PoolStats().Hits)
}

func TestClientNoReuse(t *testing.T) {
	cfg := engineConfig()
	cfg.ReuseConnections = false
	e := newEngine(t, cfg, nil)
	h := &clientRecorder{}
	s, conn := e.start(t, h)
	assert.Contains(t, conn.out.String(), "Connection: close\r\n")

	conn.push("HTTP/1.1 200 OK\r\nContent-Length: 2\r\n\r\nok")
	e.reg.dispatch(s, s.HandleReadable())
	assert.Equal(t, []ClientPhase{ClientEnd}, h.ends)
	assert.True(t, conn.closed)
	assert.Zero(t, e.m.PoolStats().Idle)
}

func TestClientEndsOnceOnFailure(t *testing.T) {
	tests := []struct {
		name  string
		input []string
		eof   bool
		want  ClientPhase
	}{
		{"bad status line", []string{"HTTP/1.1 abc\r\n\r\n"}, false, ClientRecvHeaders},
		{"bad chunk size", []string{"HTTP/1.1 200 OK\r\nTransfer-Encoding: chunked\r\n\r\n", "zz\r\n"}, false, ClientRecvBody},
		{"close mid body", []string{"HTTP/1.1 200 OK\r\nContent-Length: 10\r\n\r\n", "abcd"}, true, ClientRecvBody},
		{"close before head", nil, true, ClientRecvHeaders},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newEngine(t, engineConfig(), nil)
			h := &clientRecorder{}
			s, conn := e.start(t, h)
			for _, frag := range tt.input {
				conn.push(frag)
				if e.reg.registered(s) {
					e.reg.dispatch(s, s.HandleReadable())
				}
			}
			if tt.eof && e.reg.registered(s) {
				conn.eof = true
				e.reg.dispatch(s, s.HandleReadable())
			}
			assert.Equal(t, []ClientPhase{tt.want}, h.ends)
			assert.True(t, conn.closed)
			assert.Zero(t, e.m.PoolStats().Idle)
		})
	}
}

func TestClientAbortFromCallback(t *testing.T) {
	e := newEngine(t, engineConfig(), nil)
	h := &clientRecorder{onHeaders: func(s ClientStream) error { return s.Abort() }}
	s, conn := e.start(t, h)

	conn.push("HTTP/1.1 200 OK\r\nContent-Length: 2\r\n\r\nok")
	e.reg.dispatch(s, s.HandleReadable())
	assert.Equal(t, []ClientPhase{ClientRecvBody}, h.ends)
	assert.Empty(t, h.consumed)
	assert.True(t, conn.closed)
}

func TestClientPauseKeepsBytes(t *testing.T) {
	e := newEngine(t, engineConfig(), nil)
	h := &clientRecorder{pauseOnce: true}
	s, conn := e.start(t, h)

	conn.push("HTTP/1.1 200 OK\r\nContent-Length: 5\r\n\r\nhello")
	e.reg.dispatch(s, s.HandleReadable())
	require.True(t, h.paused)
	assert.Empty(t, h.consumed)
	assert.False(t, s.WantRead())

	require.NoError(t, s.ResumeRecv())
	require.Contains(t, e.reg.resumed, mux.Socket(s))
	e.reg.dispatch(s, s.HandleResume())
	assert.Equal(t, []string{"hello", ""}, h.consumed)
	assert.Equal(t, []ClientPhase{ClientEnd}, h.ends)
}

func TestClientRequestBody(t *testing.T) {
	e := newEngine(t, engineConfig(), nil)
	body := strings.Repeat("x", 600)
	h := &clientRecorder{body: []byte(body)}
	tx := NewClientTransaction(testPeer(t), "POST", "/upload")
	tx.Request.Header.Set("Host", "example.com")
	tx.Request.Header.Set("Content-Length", "600")
	require.NoError(t, e.m.ExecuteClientTransaction(tx, h))
	s := e.reg.last.(*clientSocket)
	conn := s.conn.(*fakeConn)
	e.reg.dispatch(s, s.HandleWritable())

	out := conn.out.String()
	require.True(t, strings.HasSuffix(out, "\r\n\r\n"+body), out)
	assert.Equal(t, 600, h.sent)
	assert.Equal(t, int64(len(out)), tx.BytesSent)
}

// serverRecorder answers every request with "ok".
type serverRecorder struct {
	BaseServerHandler
	begins    int
	heads     int
	sent      int
	consumed  []string
	ends      []ServerPhase
	pauseOnce bool
	paused    bool
}

func (h *serverRecorder) BeginTransaction(ServerStream) error {
	h.begins++
	h.sent = 0
	return nil
}

func (h *serverRecorder) ReceiveRequestHeaders(s ServerStream) error {
	h.heads++
	s.Response().Header.Set("Content-Length", "2")
	return nil
}

func (h *serverRecorder) ConsumeRequestBody(_ ServerStream, p []byte) (int, error) {
	if h.pauseOnce && !h.paused && len(p) > 0 {
		h.paused = true
		return 0, ErrPause
	}
	h.consumed = append(h.consumed, string(p))
	return len(p), nil
}

func (h *serverRecorder) OfferResponseBody(ServerStream) (int, error) {
	return 2 - h.sent, nil
}

func (h *serverRecorder) ProduceResponseBody(_ ServerStream, p []byte) error {
	h.sent += copy(p, "ok"[h.sent:])
	return nil
}

func (h *serverRecorder) EndTransaction(_ ServerStream, phase ServerPhase) {
	h.ends = append(h.ends, phase)
}

func (e *engine) accept(t *testing.T) (*serverSocket, *fakeConn) {
	t.Helper()
	conn := newFakeConn(testPeer(t))
	conn.connected = true
	require.NoError(t, e.m.accept(conn))
	return e.reg.last.(*serverSocket), conn
}

func TestServerRequestInThreeFragments(t *testing.T) {
	h := &serverRecorder{}
	e := newEngine(t, engineConfig(), h)
	s, conn := e.accept(t)

	conn.push("GET /index.html HTTP/1.1\r\nHo")
	e.reg.dispatch(s, s.HandleReadable())
	conn.push("st: example.com\r\nAccept: */*")
	e.reg.dispatch(s, s.HandleReadable())
	assert.Equal(t, 1, h.begins)
	assert.Zero(t, h.heads)
	assert.Zero(t, conn.out.Len())

	conn.push("\r\n\r\n")
	e.reg.dispatch(s, s.HandleReadable())
	assert.Equal(t, 1, h.heads)
	assert.Equal(t, []ServerPhase{ServerEnd}, h.ends)
	out := conn.out.String()
	assert.True(t, strings.HasPrefix(out, "HTTP/1.1 200 OK\r\n"), out)
	assert.True(t, strings.HasSuffix(out, "\r\n\r\nok"), out)
	assert.True(t, e.reg.registered(s), "keep-alive connection stays")

	// A client closing between requests ends nothing.
	conn.eof = true
	e.reg.dispatch(s, s.HandleReadable())
	assert.False(t, e.reg.registered(s))
	assert.Equal(t, []ServerPhase{ServerEnd}, h.ends)
}

func TestServerPipelinedRequests(t *testing.T) {
	h := &serverRecorder{}
	e := newEngine(t, engineConfig(), h)
	s, conn := e.accept(t)

	conn.push("GET /a HTTP/1.1\r\nHost: x\r\n\r\nGET /b HTTP/1.1\r\nHost: x\r\n\r\n")
	e.reg.dispatch(s, s.HandleReadable())
	assert.Equal(t, []ServerPhase{ServerEnd, ServerEnd}, h.ends)
	assert.Equal(t, 2, strings.Count(conn.out.String(), "HTTP/1.1 200 OK\r\n"))
}

func TestServerEndsOnceOnFailure(t *testing.T) {
	h := &serverRecorder{}
	e := newEngine(t, engineConfig(), h)
	s, conn := e.accept(t)

	conn.push("POST /up HTTP/1.1\r\nHost: x\r\nContent-Length: 10\r\n\r\nabcd")
	e.reg.dispatch(s, s.HandleReadable())
	assert.Equal(t, []string{"abcd"}, h.consumed)
	conn.eof = true
	e.reg.dispatch(s, s.HandleReadable())
	assert.Equal(t, []ServerPhase{ServerRecvBody}, h.ends)
	assert.True(t, conn.closed)
}

func TestServerMalformedRequestGets400(t *testing.T) {
	h := &serverRecorder{}
	e := newEngine(t, engineConfig(), h)
	s, conn := e.accept(t)

	conn.push("NOT A REQUEST\r\n\r\n")
	e.reg.dispatch(s, s.HandleReadable())
	assert.True(t, strings.HasPrefix(conn.out.String(), "HTTP/1.1 400 "), conn.out.String())
	assert.Contains(t, conn.out.String(), "Connection: close\r\n")
	assert.Zero(t, h.heads)
	assert.Len(t, h.ends, 1)
	assert.False(t, e.reg.registered(s))
}

func TestServerPauseKeepsBytes(t *testing.T) {
	h := &serverRecorder{pauseOnce: true}
	e := newEngine(t, engineConfig(), h)
	s, conn := e.accept(t)

	conn.push("PUT /x HTTP/1.1\r\nHost: x\r\nContent-Length: 5\r\n\r\nhello")
	e.reg.dispatch(s, s.HandleReadable())
	require.True(t, h.paused)
	assert.Empty(t, h.consumed)
	assert.False(t, s.WantRead())

	require.NoError(t, s.ResumeRecv())
	e.reg.dispatch(s, s.HandleResume())
	assert.Equal(t, []string{"hello", ""}, h.consumed)
	assert.Equal(t, []ServerPhase{ServerEnd}, h.ends)
}

func TestServerAbortFromCallback(t *testing.T) {
	h := &serverRecorder{}
	e := newEngine(t, engineConfig(), h)
	s, conn := e.accept(t)

	conn.push("GET / HTTP/1.1\r\nHost: x\r\n")
	e.reg.dispatch(s, s.HandleReadable())
	require.NoError(t, s.Abort())
	e.reg.dispatch(s, ErrPause)
	assert.Equal(t, []ServerPhase{ServerRecvHeaders}, h.ends)
	assert.True(t, conn.closed)
	assert.Error(t, s.Abort())
}

func TestClientRetriesStalePooledConnection(t *testing.T) {
	e := newEngine(t, engineConfig(), nil)
	first := &clientRecorder{}
	s, stale := e.start(t, first)
	stale.push("HTTP/1.1 200 OK\r\nContent-Length: 2\r\n\r\nok")
	e.reg.dispatch(s, s.HandleReadable())
	require.Equal(t, []ClientPhase{ClientEnd}, first.ends)
	require.Equal(t, int64(1), e.m.PoolStats().Idle)

	// The pooled conn turns out to be closed before any response byte.
	second := &clientRecorder{}
	s2, conn := e.start(t, second)
	require.Same(t, stale, conn)
	require.True(t, s2.Reused())
	stale.eof = true
	e.reg.dispatch(s2, s2.HandleReadable())
	assert.Empty(t, second.ends)
	assert.True(t, stale.closed)
	require.Len(t, e.conns, 2)

	s3 := e.reg.last.(*clientSocket)
	assert.False(t, s3.Reused())
	fresh := e.conns[1]
	e.reg.dispatch(s3, s3.HandleWritable())
	require.True(t, strings.HasPrefix(fresh.out.String(), "GET / HTTP/1.1\r\n"), fresh.out.String())
	fresh.push("HTTP/1.1 200 OK\r\nContent-Length: 2\r\n\r\nok")
	e.reg.dispatch(s3, s3.HandleReadable())
	assert.Equal(t, []ClientPhase{ClientEnd}, second.ends)
	assert.Equal(t, []string{"ok", ""}, second.consumed)
}

// stallingProducer offers body in small blocks and stops once with stopAt
// from OfferRequestBody and once with againAt from ProduceRequestBody.
type stallingProducer struct {
	clientRecorder
	block   int
	stopAt  int
	againAt int
	stops   int
}

func (h *stallingProducer) OfferRequestBody(ClientStream) (int, error) {
	if h.stopAt > 0 && h.sent >= h.stopAt {
		h.stopAt = 0
		h.stops++
		return 0, ErrPause
	}
	return min(h.block, len(h.body)-h.sent), nil
}

func (h *stallingProducer) ProduceRequestBody(s ClientStream, p []byte) error {
	if h.againAt > 0 && h.sent >= h.againAt {
		h.againAt = 0
		h.stops++
		return ErrAgain
	}
	return h.clientRecorder.ProduceRequestBody(s, p)
}

func letters(n int) string {
	b := make([]byte, n)
	for i := range b {
		b[i] = 'a' + byte(i%26)
	}
	return string(b)
}

func TestClientProducerPauseKeepsBytes(t *testing.T) {
	tests := []struct {
		name    string
		chunked bool
	}{
		{"content-length", false},
		{"chunked", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newEngine(t, engineConfig(), nil)
			body := letters(600)
			h := &stallingProducer{block: 70, stopAt: 200, againAt: 400}
			h.body = []byte(body)
			tx := NewClientTransaction(testPeer(t), "POST", "/upload")
			tx.Request.Header.Set("Host", "example.com")
			if tt.chunked {
				tx.Request.Header.Set("Transfer-Encoding", "chunked")
			} else {
				tx.Request.Header.Set("Content-Length", "600")
			}
			require.NoError(t, e.m.ExecuteClientTransaction(tx, h))
			s := e.reg.last.(*clientSocket)
			conn := s.conn.(*fakeConn)

			e.reg.dispatch(s, s.HandleWritable())
			require.Equal(t, 1, h.stops)
			assert.Less(t, h.sent, 400)
			assert.False(t, s.WantWrite())
			assert.True(t, e.reg.registered(s))

			require.NoError(t, s.ResumeSend())
			e.reg.dispatch(s, s.HandleResume())
			require.Equal(t, 2, h.stops)
			assert.Less(t, h.sent, 600)
			assert.False(t, s.WantWrite())

			require.NoError(t, s.ResumeSend())
			e.reg.dispatch(s, s.HandleResume())
			require.Equal(t, 600, h.sent)

			out := conn.out.String()
			head, wire, ok := strings.Cut(out, "\r\n\r\n")
			require.True(t, ok, out)
			if tt.chunked {
				assert.Contains(t, head, "Transfer-Encoding: chunked")
				decoded, err := io.ReadAll(httputil.NewChunkedReader(strings.NewReader(wire)))
				require.NoError(t, err)
				wire = string(decoded)
			}
			assert.Equal(t, body, wire)

			conn.push("HTTP/1.1 200 OK\r\nContent-Length: 0\r\n\r\n")
			e.reg.dispatch(s, s.HandleReadable())
			assert.Equal(t, []ClientPhase{ClientEnd}, h.ends)
		})
	}
}

// shortCircuit answers POSTs without reading their bodies, deciding either
// on the head or on the first body bytes.
type shortCircuit struct {
	serverRecorder
	decision Decision
	inBody   bool
}

func (h *shortCircuit) ReceiveRequestHeaders(s ServerStream) error {
	if err := h.serverRecorder.ReceiveRequestHeaders(s); err != nil {
		return err
	}
	if s.Request().Method == "POST" && !h.inBody {
		return SendResponse(h.decision)
	}
	return nil
}

func (h *shortCircuit) ConsumeRequestBody(s ServerStream, p []byte) (int, error) {
	if s.Request().Method == "POST" && h.inBody && len(p) > 0 {
		return 0, SendResponse(h.decision)
	}
	return h.serverRecorder.ConsumeRequestBody(s, p)
}

func TestServerDrainRequest(t *testing.T) {
	for _, inBody := range []bool{false, true} {
		name := "from headers"
		if inBody {
			name = "from body"
		}
		t.Run(name, func(t *testing.T) {
			h := &shortCircuit{decision: DrainRequest, inBody: inBody}
			e := newEngine(t, engineConfig(), h)
			s, conn := e.accept(t)

			conn.push("POST /a HTTP/1.1\r\nHost: x\r\nTransfer-Encoding: chunked\r\n\r\n5\r\nhello\r\n0\r\nX-Tra")
			e.reg.dispatch(s, s.HandleReadable())
			assert.Zero(t, conn.out.Len(), "response waits for the rest of the request")
			assert.Empty(t, h.ends)

			conn.push("iler: y\r\n\r\nGET /b HTTP/1.1\r\nHost: x\r\n\r\n")
			e.reg.dispatch(s, s.HandleReadable())
			out := conn.out.String()
			assert.Equal(t, []ServerPhase{ServerEnd, ServerEnd}, h.ends)
			assert.Equal(t, 2, strings.Count(out, "HTTP/1.1 200 OK\r\n"), out)
			assert.NotContains(t, out, "Connection: close")
			assert.Equal(t, 2, h.heads)
			assert.Equal(t, []string{""}, h.consumed, "only the GET reaches the consumer")
			assert.True(t, e.reg.registered(s))
			assert.False(t, conn.closed)
		})
	}
}

func TestServerCloseConnection(t *testing.T) {
	for _, inBody := range []bool{false, true} {
		name := "from headers"
		if inBody {
			name = "from body"
		}
		t.Run(name, func(t *testing.T) {
			h := &shortCircuit{decision: CloseConnection, inBody: inBody}
			e := newEngine(t, engineConfig(), h)
			s, conn := e.accept(t)

			conn.push("POST /a HTTP/1.1\r\nHost: x\r\nContent-Length: 10\r\n\r\nabcd")
			e.reg.dispatch(s, s.HandleReadable())
			out := conn.out.String()
			assert.True(t, strings.HasPrefix(out, "HTTP/1.1 200 OK\r\n"), out)
			assert.Equal(t, 1, strings.Count(out, "HTTP/1.1 "), out)
			assert.Contains(t, out, "Connection: close\r\n")
			assert.True(t, strings.HasSuffix(out, "\r\n\r\nok"), out)
			assert.Equal(t, []ServerPhase{ServerEnd}, h.ends)
			assert.Empty(t, h.consumed)
			assert.False(t, e.reg.registered(s))
			assert.True(t, conn.closed)
		})
	}
}
