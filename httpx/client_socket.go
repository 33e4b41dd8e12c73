package httpx

import (
	"errors"

	"github.com/duderino/everscale-sub002/httpx/internal/http1"
	"github.com/duderino/everscale-sub002/internal/mux"
	"github.com/duderino/everscale-sub002/internal/obs"
	"github.com/duderino/everscale-sub002/internal/socket"
	"github.com/duderino/everscale-sub002/internal/status"
)

type clientState uint8

const (
	clientInactive clientState = iota
	clientBegin
	clientConnecting
	clientFormattingHeaders
	clientFormattingBody
	clientFlushingBody
	clientParsingHeaders
	clientParsingBody
	clientEnd
)

func (st clientState) receiving() bool {
	return st == clientParsingHeaders || st == clientParsingBody
}

func (st clientState) sending() bool {
	return st == clientFormattingHeaders || st == clientFormattingBody || st == clientFlushingBody
}

func (st clientState) phase() ClientPhase {
	switch st {
	case clientConnecting:
		return ClientConnect
	case clientFormattingHeaders:
		return ClientSendHeaders
	case clientFormattingBody, clientFlushingBody:
		return ClientSendBody
	case clientParsingHeaders:
		return ClientRecvHeaders
	case clientParsingBody:
		return ClientRecvBody
	case clientEnd:
		return ClientEnd
	default:
		return ClientBegin
	}
}

type clientFlags uint8

const (
	clientRecvPaused clientFlags = 1 << iota
	clientSendPaused
	clientAborted
	// clientFirstUse is set on a pooled conn until the first response byte
	// arrives. A pooled conn the server already closed fails before that.
	clientFirstUse
	clientLastChunk
)

// clientSocket runs one client transaction over one connection.
type clientSocket struct {
	streamIO
	state    clientState
	flags    clientFlags
	txn      *ClientTransaction
	handler  ClientHandler
	reused   bool
	produced int64
}

func (s *clientSocket) init(m *Multiplexer, t *ClientTransaction, h ClientHandler, conn socket.Conn, reused bool) {
	s.m, s.txn, s.handler, s.conn, s.reused = m, t, h, conn, reused
	s.parser.MaxHeaderBytes = m.cfg.MaxHeaderBytes
	s.name = m.socketName("client", t.Peer)
	s.state = clientBegin
	if reused {
		s.flags |= clientFirstUse
	}
	t.owner = s
	t.Start = m.now()
}

// Fd stays valid for the reactor only while the socket is registered.
func (s *clientSocket) Fd() int {
	if s.conn == nil {
		return -1
	}
	return s.conn.Fd()
}

func (s *clientSocket) Name() string     { return s.name }
func (s *clientSocket) Permanent() bool  { return false }
func (s *clientSocket) WantAccept() bool { return false }

func (s *clientSocket) WantConnect() bool { return s.state == clientConnecting }

func (s *clientSocket) WantRead() bool {
	if s.flags&(clientRecvPaused|clientAborted) != 0 {
		return false
	}
	return s.state.receiving()
}

func (s *clientSocket) WantWrite() bool {
	if s.flags&(clientSendPaused|clientAborted) != 0 {
		return false
	}
	return s.state == clientBegin || s.state.sending()
}

func (s *clientSocket) HandleAccept() error { return ErrInvalidState }

func (s *clientSocket) HandleConnect() error {
	if err := s.conn.FinishConnect(); err != nil {
		if errors.Is(err, ErrAgain) {
			return ErrAgain
		}
		s.logf(obs.Debug, "connect: %v", err)
		return err
	}
	s.state = clientBegin
	return s.advance(s.handler, advanceRecv|advanceSend)
}

func (s *clientSocket) HandleReadable() error {
	return s.advance(s.handler, fillRecv|advanceRecv|advanceSend)
}

func (s *clientSocket) HandleWritable() error {
	return s.advance(s.handler, drainSend|advanceRecv|advanceSend)
}

func (s *clientSocket) HandleResume() error {
	return s.advance(s.handler, advanceRecv|advanceSend)
}

func (s *clientSocket) HandleError(err error) {
	s.logf(obs.Debug, "socket error in %s: %v", s.state.phase(), err)
}

func (s *clientSocket) HandleRemoteClose() {
	s.logf(obs.Debug, "server closed connection in %s", s.state.phase())
}

func (s *clientSocket) HandleIdle() {
	s.logf(obs.Debug, "idle in %s", s.state.phase())
	s.flags |= clientAborted
}

// HandleRemove ends the transaction. A pooled conn that died before
// answering is replaced by a fresh one and the transaction runs again.
func (s *clientSocket) HandleRemove() {
	t, h, st := s.txn, s.handler, s.state
	if s.flags&(clientFirstUse|clientAborted) == clientFirstUse && s.produced == 0 && st != clientEnd {
		s.logf(obs.Debug, "stale pooled connection in %s, retrying", st.phase())
		s.conn.Close()
		s.conn = nil
		s.state = clientInactive
		t.owner = nil
		t.Reset()
		if err := s.m.ExecuteClientTransaction(t, h); err != nil {
			s.logf(obs.Debug, "retry: %v", err)
			s.m.counters.clientEnded(t, ClientBegin, s.m.now())
			h.EndTransaction(s, ClientBegin)
		}
		return
	}

	phase := st.phase()
	keep := phase == ClientEnd &&
		s.m.cfg.ReuseConnections &&
		s.flags&clientAborted == 0 &&
		s.parser.Reusable() &&
		!t.Request.Header.HasToken("Connection", "close") &&
		(s.recv == nil || !s.recv.IsReadable())
	// The conn goes back to the pool before EndTransaction so a transaction
	// executed from there can pick it up again.
	if keep {
		s.m.pool.Release(s.conn)
	} else {
		s.conn.Close()
	}
	s.conn = nil
	s.state = clientInactive
	if t.owner == s {
		t.owner = nil
	}
	s.m.counters.clientEnded(t, phase, s.m.now())
	h.EndTransaction(s, phase)
}

func (s *clientSocket) CleanupHandler() mux.CleanupHandler { return s.m.clientCleanup }

// advance runs the state machine until it blocks, pauses or ends. h
// receives the body callbacks; every other callback goes to the
// transaction's handler.
func (s *clientSocket) advance(h ClientHandler, flags advanceFlags) error {
	for s.m.reactor.Running() {
		st := s.state
		switch {
		case st == clientInactive:
			return ErrClosed
		case st == clientEnd:
			// The reactor removes the socket when a callback returns nil.
			if flags&proactive != 0 {
				s.m.reactor.Resume(s)
			}
			return nil
		case st.receiving() && !s.may(flags, advanceRecv, clientRecvPaused):
			return idle(flags)
		case st.sending() && !s.may(flags, advanceSend, clientSendPaused):
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
			if s.state == clientEnd {
				s.m.reactor.Resume(s)
			}
			return nil
		case errors.Is(err, ErrAgain):
			if st == clientFlushingBody {
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

// may reports whether advance is allowed to work in a direction. Calls made
// through the stream API ignore the pause flags.
func (s *clientSocket) may(flags, dir advanceFlags, paused clientFlags) bool {
	if flags&dir == 0 {
		return false
	}
	return flags&proactive != 0 || s.flags&paused == 0
}

func idle(flags advanceFlags) error {
	if flags&proactive != 0 {
		return nil
	}
	return ErrAgain
}

func (s *clientSocket) fill() error {
	n, err := s.streamIO.fill()
	switch {
	case err == nil:
		s.txn.BytesReceived += int64(n)
		s.flags &^= clientFirstUse
		return nil
	case errors.Is(err, ErrClosed) && s.state == clientParsingBody && s.parser.UntilClose():
		s.parser.MarkEOF()
		return nil
	default:
		return err
	}
}

func (s *clientSocket) flush() error {
	n, err := s.streamIO.flush()
	s.txn.BytesSent += int64(n)
	return err
}

func (s *clientSocket) step(h ClientHandler) error {
	switch s.state {
	case clientBegin:
		return s.begin()
	case clientFormattingHeaders:
		return s.formatHeaders()
	case clientFormattingBody:
		return s.formatBody(h)
	case clientFlushingBody:
		return s.flushBody()
	case clientParsingHeaders:
		return s.parseHeaders()
	case clientParsingBody:
		return s.parseBody(h)
	default:
		return ErrInvalidState
	}
}

// settle turns a handler result into the machine's next move. Again and
// pause park the socket in the direction of its state unless the handler
// already paused or resumed something itself.
func (s *clientSocket) settle(err error, epoch uint32) error {
	if s.state == clientInactive {
		return ErrClosed
	}
	if !status.Keep(err) {
		return err
	}
	if s.epoch == epoch {
		if s.state.receiving() {
			s.flags |= clientRecvPaused
		} else {
			s.flags |= clientSendPaused
		}
		s.epoch++
		_ = s.m.reactor.Update(s)
	}
	return ErrPause
}

func (s *clientSocket) begin() error {
	req := &s.txn.Request
	if !s.m.cfg.ReuseConnections {
		req.Header.Set("Connection", "close")
	}
	s.parser.SetRequestMethod(req.Method)
	epoch := s.epoch
	err := s.handler.BeginTransaction(s)
	if s.state == clientInactive {
		return ErrClosed
	}
	if err != nil && !status.Keep(err) {
		return err
	}
	s.state = clientFormattingHeaders
	if err != nil {
		return s.settle(err, epoch)
	}
	return nil
}

func (s *clientSocket) formatHeaders() error {
	if err := s.formatter.FormatRequest(s.sendBuffer(), &s.txn.Request); err != nil {
		return err
	}
	s.state = clientFormattingBody
	return nil
}

func (s *clientSocket) formatBody(h ClientHandler) error {
	b := s.sendBuffer()
	for {
		offered := 0
		if s.formatter.HasBody() {
			epoch := s.epoch
			n, err := h.OfferRequestBody(s)
			if err != nil || s.state == clientInactive {
				return s.settle(err, epoch)
			}
			offered = n
		}
		if offered <= 0 {
			if err := s.formatter.EndBody(b); err != nil {
				return err
			}
			s.state = clientFlushingBody
			return nil
		}

		b.WriteMark()
		room, err := s.formatter.BeginBlock(b, offered)
		if err != nil {
			b.WriteReset()
			return err
		}
		epoch := s.epoch
		err = h.ProduceRequestBody(s, b.Free()[:room])
		if err != nil || s.state == clientInactive {
			if s.state != clientInactive {
				b.WriteReset()
			}
			return s.settle(err, epoch)
		}
		b.SkipWrite(room)
		_ = s.formatter.EndBlock(b)
		s.produced += int64(room)
	}
}

func (s *clientSocket) flushBody() error {
	for s.send != nil && s.send.IsReadable() {
		if err := s.flush(); err != nil {
			return err
		}
	}
	if s.send != nil {
		s.m.buffers.Release(s.send)
		s.send = nil
	}
	s.state = clientParsingHeaders
	epoch := s.epoch
	return s.settle(s.handler.EndRequest(s), epoch)
}

func (s *clientSocket) parseHeaders() error {
	b, resp := s.recvBuffer(), &s.txn.Response
	for {
		if err := s.parser.ParseResponse(b, resp); err != nil {
			return err
		}
		if !http1.Interim(resp.StatusCode) {
			break
		}
		s.parser.Reset()
		s.parser.SetRequestMethod(s.txn.Request.Method)
		resp.Reset()
	}
	s.state = clientParsingBody
	epoch := s.epoch
	return s.settle(s.handler.ReceiveResponseHeaders(s), epoch)
}

func (s *clientSocket) parseBody(h ClientHandler) error {
	b := s.recvBuffer()
	for {
		n, err := s.parser.ParseBody(b)
		if err != nil {
			return err
		}
		if n == 0 {
			s.flags |= clientLastChunk
			if err := s.parser.SkipTrailer(b); err != nil {
				return err
			}
			s.state = clientEnd
			_, err := h.ConsumeResponseBody(s, nil)
			switch {
			case s.state == clientInactive:
				return ErrClosed
			case err == nil, status.Keep(err):
				return nil
			default:
				return err
			}
		}

		epoch := s.epoch
		used, err := h.ConsumeResponseBody(s, b.Unread()[:n])
		if s.state == clientInactive {
			return ErrClosed
		}
		if used > 0 {
			s.parser.ConsumeBody(b, min(used, n))
		}
		if err != nil {
			return s.settle(err, epoch)
		}
		if used == 0 {
			return s.settle(ErrPause, epoch)
		}
	}
}

// proactively advances on behalf of a stream call. Interests may have
// changed outside a reactor callback, so they are re-armed here. Errors the
// caller cannot hand back to the reactor remove the socket.
func (s *clientSocket) proactively(h ClientHandler, dir advanceFlags) error {
	err := s.advance(h, dir|proactive)
	if err != nil && !status.Keep(err) {
		if s.state != clientInactive {
			s.logf(obs.Debug, "%v", err)
			_ = s.m.reactor.Remove(s)
		}
		return err
	}
	return s.m.reactor.Update(s)
}

func (s *clientSocket) Peer() socket.Address            { return s.txn.Peer }
func (s *clientSocket) Context() any                    { return s.txn.ctx }
func (s *clientSocket) SetContext(v any)                { s.txn.ctx = v }
func (s *clientSocket) Multiplexer() *Multiplexer       { return s.m }
func (s *clientSocket) Transaction() *ClientTransaction { return s.txn }
func (s *clientSocket) Request() *Request               { return &s.txn.Request }
func (s *clientSocket) Response() *Response             { return &s.txn.Response }
func (s *clientSocket) Reused() bool                    { return s.reused }

func (s *clientSocket) usable() bool {
	return s.state != clientInactive && s.flags&clientAborted == 0
}

func (s *clientSocket) PauseRecv() error  { return s.pause(clientRecvPaused) }
func (s *clientSocket) PauseSend() error  { return s.pause(clientSendPaused) }
func (s *clientSocket) ResumeRecv() error { return s.resume(clientRecvPaused) }
func (s *clientSocket) ResumeSend() error { return s.resume(clientSendPaused) }

func (s *clientSocket) pause(f clientFlags) error {
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

func (s *clientSocket) resume(f clientFlags) error {
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

func (s *clientSocket) Abort() error {
	if !s.usable() {
		return ErrInvalidState
	}
	s.flags |= clientAborted
	return s.m.reactor.Remove(s)
}

func (s *clientSocket) SendRequestBody(p []byte) (int, error) {
	if !s.usable() || (s.state != clientFormattingHeaders && s.state != clientFormattingBody) {
		return 0, ErrInvalidState
	}
	a := requestBodyProducer{producer: producer{p: p}}
	if err := s.proactively(&a, advanceSend); err != nil {
		return a.n, err
	}
	if a.n == 0 && (len(p) > 0 || s.state == clientFormattingHeaders || s.state == clientFormattingBody) {
		return 0, ErrAgain
	}
	return a.n, nil
}

func (s *clientSocket) ResponseBodyAvailable() (int, error) {
	switch {
	case s.state == clientEnd:
		return 0, nil
	case !s.usable() || s.state != clientParsingBody:
		return 0, ErrInvalidState
	}
	a := responseBodyConsumer{}
	if err := s.proactively(&a, advanceRecv); err != nil {
		return 0, err
	}
	if a.offered == 0 && s.state != clientEnd {
		return 0, ErrAgain
	}
	return a.offered, nil
}

func (s *clientSocket) ReadResponseBody(p []byte) (int, error) {
	switch {
	case s.state == clientEnd:
		return 0, nil
	case !s.usable() || s.state != clientParsingBody:
		return 0, ErrInvalidState
	}
	a := responseBodyConsumer{consumer: consumer{p: p}}
	if err := s.proactively(&a, advanceRecv); err != nil {
		return a.n, err
	}
	if a.n == 0 && len(p) > 0 && s.state != clientEnd {
		return 0, ErrAgain
	}
	return a.n, nil
}
