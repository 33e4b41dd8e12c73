package httpx

import (
	"errors"

	"github.com/duderino/everscale-sub002/httpx/internal/http1"
	"github.com/duderino/everscale-sub002/internal/mux"
	"github.com/duderino/everscale-sub002/internal/obs"
	"github.com/duderino/everscale-sub002/internal/socket"
	"github.com/duderino/everscale-sub002/internal/status"
)

type serverState uint8

const (
	serverInactive serverState = iota
	serverBegin
	serverParsingHeaders
	serverParsingBody
	serverSkippingTrailer
	serverFormattingHeaders
	serverFormattingBody
	serverFlushingBody
	serverEnd
)

func (st serverState) receiving() bool {
	return st >= serverBegin && st <= serverSkippingTrailer
}

func (st serverState) sending() bool {
	return st >= serverFormattingHeaders && st <= serverFlushingBody
}

func (st serverState) phase() ServerPhase {
	switch st {
	case serverParsingBody, serverSkippingTrailer:
		return ServerRecvBody
	case serverFormattingHeaders:
		return ServerSendHeaders
	case serverFormattingBody, serverFlushingBody:
		return ServerSendBody
	case serverEnd:
		return ServerEnd
	default:
		return ServerRecvHeaders
	}
}

type serverFlags uint16

const (
	serverRecvPaused serverFlags = 1 << iota
	serverSendPaused
	serverAborted
	// serverCannotReuse holds until the whole request has been read.
	serverCannotReuse
	// serverBegun means BeginTransaction ran and EndTransaction is owed.
	serverBegun
	// serverDiscard drains the rest of the request without callbacks.
	serverDiscard
	// serverSelfResponse marks a bodiless response the engine or
	// SendEmptyResponse built.
	serverSelfResponse
	serverPrepared
	serverCloseAfter
)

// serverSocket serves a sequence of transactions on one accepted
// connection.
type serverSocket struct {
	streamIO
	state   serverState
	flags   serverFlags
	txn     ServerTransaction
	handler ServerHandler
	peer    socket.Address
}

func (s *serverSocket) init(m *Multiplexer, conn socket.Conn) {
	s.m, s.conn, s.handler, s.peer = m, conn, m.server, conn.Peer()
	s.parser.MaxHeaderBytes = m.cfg.MaxHeaderBytes
	s.name = m.socketName("server", s.peer)
	s.txn.Reset()
	s.txn.Peer = s.peer
	s.state = serverBegin
}

func (s *serverSocket) Fd() int           { return s.conn.Fd() }
func (s *serverSocket) Name() string      { return s.name }
func (s *serverSocket) Permanent() bool   { return false }
func (s *serverSocket) WantAccept() bool  { return false }
func (s *serverSocket) WantConnect() bool { return false }

func (s *serverSocket) WantRead() bool {
	if s.flags&(serverRecvPaused|serverAborted) != 0 {
		return false
	}
	return s.state.receiving()
}

func (s *serverSocket) WantWrite() bool {
	if s.flags&(serverSendPaused|serverAborted) != 0 {
		return false
	}
	return s.state.sending()
}

func (s *serverSocket) HandleAccept() error  { return ErrInvalidState }
func (s *serverSocket) HandleConnect() error { return ErrInvalidState }

func (s *serverSocket) HandleReadable() error {
	return s.advance(s.handler, fillRecv|advanceRecv|advanceSend)
}

func (s *serverSocket) HandleWritable() error {
	return s.advance(s.handler, drainSend|advanceRecv|advanceSend)
}

func (s *serverSocket) HandleResume() error {
	return s.advance(s.handler, advanceRecv|advanceSend)
}

func (s *serverSocket) HandleError(err error) {
	s.logf(obs.Debug, "socket error in %s: %v", s.state.phase(), err)
}

func (s *serverSocket) HandleRemoteClose() {
	s.logf(obs.Debug, "client closed connection in %s", s.state.phase())
}

func (s *serverSocket) HandleIdle() {
	s.logf(obs.Debug, "idle in %s", s.state.phase())
	s.flags |= serverAborted
}

// HandleRemove closes the connection and ends a begun transaction with the
// phase it reached.
func (s *serverSocket) HandleRemove() {
	st := s.state
	s.conn.Close()
	s.state = serverInactive
	if s.flags&serverBegun != 0 {
		s.flags &^= serverBegun
		s.endTransaction(st.phase())
	}
}

func (s *serverSocket) CleanupHandler() mux.CleanupHandler { return s.m.serverCleanup }

func (s *serverSocket) endTransaction(phase ServerPhase) {
	s.m.counters.serverEnded(&s.txn, phase, s.m.now())
	s.handler.EndTransaction(s, phase)
}

// advance runs the state machine until it blocks, pauses or closes. h
// receives the body callbacks; the rest go to the server handler.
func (s *serverSocket) advance(h ServerHandler, flags advanceFlags) error {
	for s.m.reactor.Running() {
		st := s.state
		switch {
		case st == serverInactive:
			return ErrClosed
		case st == serverEnd && flags&proactive != 0:
			s.m.reactor.Resume(s)
			return nil
		case st.receiving() && !s.may(flags, advanceRecv, serverRecvPaused):
			return idle(flags)
		case st.sending() && !s.may(flags, advanceSend, serverSendPaused):
			return idle(flags)
		}

		if flags&fillRecv != 0 {
			flags &^= fillRecv
			if err := s.fill(); err != nil {
				if errors.Is(err, ErrAgain) {
					return idle(flags)
				}
				return err
			}
		}

		err := s.step(h)
		switch {
		case err == nil:
		case errors.Is(err, errBreak):
			return nil
		case errors.Is(err, ErrAgain):
			if st == serverFlushingBody {
				return idle(flags)
			}
			if st.receiving() {
				flags |= fillRecv
			}
			if st.sending() {
				flags |= drainSend
			}
		default:
			return err
		}

		if flags&drainSend != 0 {
			flags &^= drainSend
			if err := s.flush(); err != nil {
				if errors.Is(err, ErrAgain) {
					return idle(flags)
				}
				return err
			}
		}
	}
	return ErrShutdown
}

func (s *serverSocket) may(flags, dir advanceFlags, paused serverFlags) bool {
	if flags&dir == 0 {
		return false
	}
	return flags&proactive != 0 || s.flags&paused == 0
}

func (s *serverSocket) fill() error {
	n, err := s.streamIO.fill()
	if err != nil {
		if errors.Is(err, ErrAgain) && s.state == serverBegin {
			s.releaseIdleBuffers()
		}
		return err
	}
	s.txn.BytesReceived += int64(n)
	return nil
}

func (s *serverSocket) flush() error {
	n, err := s.streamIO.flush()
	s.txn.BytesSent += int64(n)
	return err
}

func (s *serverSocket) step(h ServerHandler) error {
	switch s.state {
	case serverBegin:
		return s.begin()
	case serverParsingHeaders:
		return s.parseHeaders()
	case serverParsingBody:
		return s.parseBody(h)
	case serverSkippingTrailer:
		return s.skipTrailer()
	case serverFormattingHeaders:
		return s.formatHeaders()
	case serverFormattingBody:
		return s.formatBody(h)
	case serverFlushingBody:
		return s.flushBody()
	case serverEnd:
		return s.end()
	default:
		return ErrInvalidState
	}
}

// settle turns a handler result into the machine's next move, parking the
// socket in its current direction on again or pause.
func (s *serverSocket) settle(err error, epoch uint32) error {
	if s.state == serverInactive {
		return ErrClosed
	}
	if !status.Keep(err) {
		return err
	}
	if s.epoch == epoch {
		if s.state.receiving() {
			s.flags |= serverRecvPaused
		} else {
			s.flags |= serverSendPaused
		}
		s.epoch++
		_ = s.m.reactor.Update(s)
	}
	return ErrPause
}

// decide is settle plus the send-response short circuit the request-side
// callbacks may return.
func (s *serverSocket) decide(err error, epoch uint32) error {
	if s.state == serverInactive {
		return ErrClosed
	}
	d, ok := sendResponseDecision(err)
	if !ok {
		return s.settle(err, epoch)
	}
	if d == CloseConnection {
		s.closeNow()
	} else {
		s.flags |= serverDiscard
	}
	return nil
}

// closeNow abandons the rest of the request and moves on to the response.
func (s *serverSocket) closeNow() {
	s.flags |= serverCannotReuse
	s.state = serverFormattingHeaders
}

func (s *serverSocket) respondSelf(code int) {
	resp := &s.txn.Response
	resp.Reset()
	resp.StatusCode = code
	resp.Header.Set("Content-Length", "0")
	s.flags |= serverSelfResponse
}

func (s *serverSocket) begin() error {
	if s.recv == nil || !s.recv.IsReadable() {
		return ErrAgain
	}
	s.flags |= serverCannotReuse | serverBegun
	s.txn.Peer = s.peer
	s.txn.Start = s.m.now()
	s.state = serverParsingHeaders
	epoch := s.epoch
	return s.decide(s.handler.BeginTransaction(s), epoch)
}

func (s *serverSocket) parseHeaders() error {
	req := &s.txn.Request
	if err := s.parser.ParseRequest(s.recvBuffer(), req); err != nil {
		if errors.Is(err, ErrAgain) {
			return err
		}
		s.logf(obs.Debug, "bad request: %v", err)
		code := 500
		if IsProtocolError(err) {
			code = 400
		}
		s.respondSelf(code)
		s.closeNow()
		return nil
	}
	s.state = serverParsingBody
	if s.parser.ExpectContinue() && s.parser.HasBody() && http1.WriteContinue(s.sendBuffer()) {
		if err := s.flush(); err != nil && !errors.Is(err, ErrAgain) {
			return err
		}
	}
	if s.flags&serverDiscard != 0 {
		return nil
	}
	epoch := s.epoch
	return s.decide(s.handler.ReceiveRequestHeaders(s), epoch)
}

func (s *serverSocket) parseBody(h ServerHandler) error {
	b := s.recvBuffer()
	for {
		n, err := s.parser.ParseBody(b)
		if err != nil {
			return err
		}
		if n == 0 {
			s.state = serverSkippingTrailer
			if s.flags&serverDiscard != 0 {
				return nil
			}
			epoch := s.epoch
			_, err := h.ConsumeRequestBody(s, nil)
			return s.decide(err, epoch)
		}
		if s.flags&serverDiscard != 0 {
			s.parser.ConsumeBody(b, n)
			continue
		}

		epoch := s.epoch
		used, err := h.ConsumeRequestBody(s, b.Unread()[:n])
		if s.state == serverInactive {
			return ErrClosed
		}
		if used > 0 {
			s.parser.ConsumeBody(b, min(used, n))
		}
		if err != nil {
			return s.decide(err, epoch)
		}
		if used == 0 {
			return s.settle(ErrPause, epoch)
		}
	}
}

func (s *serverSocket) skipTrailer() error {
	if err := s.parser.SkipTrailer(s.recvBuffer()); err != nil {
		return err
	}
	s.flags &^= serverCannotReuse
	s.state = serverFormattingHeaders
	return nil
}

// prepare settles framing and persistence once the response head is final.
func (s *serverSocket) prepare() {
	req, resp := &s.txn.Request, &s.txn.Response
	if resp.StatusCode == 0 {
		resp.StatusCode = 200
	}
	resp.Major, resp.Minor = 1, 1
	if http1.BodyAllowed(resp.StatusCode, req.Method) &&
		!resp.Header.Has("Content-Length") && !resp.Header.Has("Transfer-Encoding") {
		if req.Major == 1 && req.Minor >= 1 {
			resp.Header.Set("Transfer-Encoding", "chunked")
		} else {
			s.flags |= serverCannotReuse
		}
	}
	if s.flags&serverCannotReuse != 0 ||
		(resp.StatusCode >= 300 && s.m.cfg.CloseAfterErrorResponse) ||
		!s.m.cfg.ReuseConnections ||
		!s.parser.Reusable() {
		s.flags |= serverCloseAfter
		resp.Header.Set("Connection", "close")
	}
	s.flags |= serverPrepared
}

func (s *serverSocket) formatHeaders() error {
	if s.flags&serverPrepared == 0 {
		s.prepare()
	}
	if err := s.formatter.FormatResponse(s.sendBuffer(), &s.txn.Response, s.txn.Request.Method); err != nil {
		return err
	}
	s.state = serverFormattingBody
	return nil
}

func (s *serverSocket) formatBody(h ServerHandler) error {
	b := s.sendBuffer()
	for {
		offered := 0
		if s.formatter.HasBody() && s.flags&serverSelfResponse == 0 {
			epoch := s.epoch
			n, err := h.OfferResponseBody(s)
			if err != nil || s.state == serverInactive {
				return s.settle(err, epoch)
			}
			offered = n
		}
		if offered <= 0 {
			if err := s.formatter.EndBody(b); err != nil {
				return err
			}
			s.state = serverFlushingBody
			return nil
		}

		b.WriteMark()
		room, err := s.formatter.BeginBlock(b, offered)
		if err != nil {
			b.WriteReset()
			return err
		}
		epoch := s.epoch
		err = h.ProduceResponseBody(s, b.Free()[:room])
		if err != nil || s.state == serverInactive {
			if s.state != serverInactive {
				b.WriteReset()
			}
			return s.settle(err, epoch)
		}
		b.SkipWrite(room)
		_ = s.formatter.EndBlock(b)
	}
}

func (s *serverSocket) flushBody() error {
	for s.send != nil && s.send.IsReadable() {
		if err := s.flush(); err != nil {
			return err
		}
	}
	s.state = serverEnd
	return nil
}

// end finishes a transaction and either closes the connection or gets
// ready for the next request, which may already be buffered.
func (s *serverSocket) end() error {
	if s.flags&serverBegun != 0 {
		s.flags &^= serverBegun
		s.endTransaction(ServerEnd)
		if s.state == serverInactive {
			return ErrClosed
		}
	}
	if s.flags&serverCloseAfter != 0 {
		return ErrClosed
	}
	s.txn.Reset()
	s.txn.Peer = s.peer
	s.parser.Reset()
	s.formatter.Reset()
	s.flags &= serverAborted
	s.releaseIdleBuffers()
	s.state = serverBegin
	return nil
}

// proactively advances on behalf of a stream call and re-arms interests.
func (s *serverSocket) proactively(h ServerHandler, dir advanceFlags) error {
	err := s.advance(h, dir|proactive)
	if err != nil && !status.Keep(err) {
		if s.state != serverInactive {
			s.logf(obs.Debug, "%v", err)
			_ = s.m.reactor.Remove(s)
		}
		return err
	}
	return s.m.reactor.Update(s)
}

func (s *serverSocket) Peer() socket.Address            { return s.peer }
func (s *serverSocket) Context() any                    { return s.txn.ctx }
func (s *serverSocket) SetContext(v any)                { s.txn.ctx = v }
func (s *serverSocket) Multiplexer() *Multiplexer       { return s.m }
func (s *serverSocket) Transaction() *ServerTransaction { return &s.txn }
func (s *serverSocket) Request() *Request               { return &s.txn.Request }
func (s *serverSocket) Response() *Response             { return &s.txn.Response }

func (s *serverSocket) usable() bool {
	return s.state != serverInactive && s.flags&serverAborted == 0
}

func (s *serverSocket) PauseRecv() error  { return s.pause(serverRecvPaused) }
func (s *serverSocket) PauseSend() error  { return s.pause(serverSendPaused) }
func (s *serverSocket) ResumeRecv() error { return s.resume(serverRecvPaused) }
func (s *serverSocket) ResumeSend() error { return s.resume(serverSendPaused) }

func (s *serverSocket) pause(f serverFlags) error {
	if !s.usable() {
		return ErrInvalidState
	}
	s.epoch++
	if s.flags&f == 0 {
		s.flags |= f
		return s.m.reactor.Update(s)
	}
	return nil
}

func (s *serverSocket) resume(f serverFlags) error {
	if !s.usable() {
		return ErrInvalidState
	}
	s.epoch++
	if s.flags&f != 0 {
		s.flags &^= f
		s.m.reactor.Resume(s)
		return s.m.reactor.Update(s)
	}
	return nil
}

func (s *serverSocket) Abort() error {
	if !s.usable() {
		return ErrInvalidState
	}
	s.flags |= serverAborted
	return s.m.reactor.Remove(s)
}

// responding reports whether the response head can still be replaced.
func (s *serverSocket) responding() bool {
	return s.usable() && s.flags&(serverBegun|serverPrepared) == serverBegun && s.state <= serverFormattingHeaders
}

func (s *serverSocket) SendEmptyResponse(statusCode int, reason string) error {
	if !s.responding() {
		return ErrInvalidState
	}
	s.respondSelf(statusCode)
	s.txn.Response.Reason = reason
	if statusCode >= 300 && s.m.cfg.CloseAfterErrorResponse {
		return SendResponse(CloseConnection)
	}
	return SendResponse(DrainRequest)
}

// SendResponse sets the response head from outside the request callbacks,
// typically once an upstream answered. A request that is still being read
// is abandoned and the connection closes after the response.
func (s *serverSocket) SendResponse(resp *Response) error {
	if !s.responding() {
		return ErrInvalidState
	}
	if resp != &s.txn.Response {
		s.txn.Response.CopyFrom(resp)
	}
	switch s.state {
	case serverBegin, serverParsingHeaders, serverParsingBody:
		s.closeNow()
	case serverSkippingTrailer:
		s.flags &^= serverRecvPaused
	}
	s.flags &^= serverSendPaused
	s.epoch++
	s.m.reactor.Resume(s)
	return s.m.reactor.Update(s)
}

func (s *serverSocket) SendResponseBody(p []byte) (int, error) {
	if s.usable() && s.state == serverSkippingTrailer && s.flags&serverBegun != 0 {
		return 0, ErrAgain
	}
	if !s.usable() || (s.state != serverFormattingHeaders && s.state != serverFormattingBody) {
		return 0, ErrInvalidState
	}
	a := responseBodyProducer{producer: producer{p: p}}
	if err := s.proactively(&a, advanceSend); err != nil {
		return a.n, err
	}
	if a.n == 0 && (len(p) > 0 || s.state == serverFormattingHeaders || s.state == serverFormattingBody) {
		return 0, ErrAgain
	}
	return a.n, nil
}

// requestBodyDone finishes the trailer on the reactor once the body has been
// read through the stream API.
func (s *serverSocket) requestBodyDone() (int, error) {
	if s.state == serverSkippingTrailer {
		s.flags &^= serverRecvPaused
		s.epoch++
		s.m.reactor.Resume(s)
		if err := s.m.reactor.Update(s); err != nil {
			return 0, err
		}
	}
	return 0, nil
}

func (s *serverSocket) RequestBodyAvailable() (int, error) {
	switch {
	case !s.usable() || s.flags&serverDiscard != 0:
		return 0, ErrInvalidState
	case s.state > serverParsingBody:
		return s.requestBodyDone()
	case s.state != serverParsingBody:
		return 0, ErrInvalidState
	}
	a := requestBodyConsumer{}
	if err := s.proactively(&a, advanceRecv); err != nil {
		return 0, err
	}
	if s.state != serverParsingBody {
		return s.requestBodyDone()
	}
	if a.offered == 0 {
		return 0, ErrAgain
	}
	return a.offered, nil
}

func (s *serverSocket) ReadRequestBody(p []byte) (int, error) {
	switch {
	case !s.usable() || s.flags&serverDiscard != 0:
		return 0, ErrInvalidState
	case s.state > serverParsingBody:
		return s.requestBodyDone()
	case s.state != serverParsingBody:
		return 0, ErrInvalidState
	}
	a := requestBodyConsumer{consumer: consumer{p: p}}
	if err := s.proactively(&a, advanceRecv); err != nil {
		return a.n, err
	}
	if a.n == 0 && len(p) > 0 {
		if s.state != serverParsingBody {
			return s.requestBodyDone()
		}
		return 0, ErrAgain
	}
	return a.n, nil
}
