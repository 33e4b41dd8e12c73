package httpx

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"sync"

	"github.com/sony/gobreaker"

	"github.com/duderino/everscale-sub002/internal/obs"
	"github.com/duderino/everscale-sub002/internal/socket"
)

// viaName is the pseudonym the proxy adds to Via.
const viaName = "everscale"

// Proxy is a routing forward proxy: every request is routed to a
// destination and relayed through a client transaction on the same reactor.
type Proxy struct {
	Addr   string
	Router Router
	Config Config
	// Breaker guards each destination. The zero value disables breaking.
	Breaker BreakerConfig
	Logger  obs.Logger
	Meter   obs.Meter
	Dial    func(peer socket.Address) socket.Conn

	mu      sync.Mutex
	stack   *Stack
	handler *ProxyHandler
}

func (p *Proxy) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stack != nil {
		return ErrInvalidState
	}
	if p.Router == nil {
		return errors.New("httpx: proxy without a router")
	}
	logger := p.Logger
	if logger == nil {
		logger = obs.NopLogger{}
	}
	addr := p.Addr
	if addr == "" {
		addr = "0.0.0.0:8080"
	}
	h := NewProxyHandler(p.Router, p.Breaker, obs.Named(logger, "proxy"))
	st, err := NewStack(StackOptions{
		Name:   "proxy",
		Config: p.Config,
		Listen: addr,
		Server: h,
		Logger: logger,
		Meter:  p.Meter,
		Dial:   p.Dial,
	})
	if err != nil {
		return err
	}
	if err := st.Start(ctx); err != nil {
		return err
	}
	p.stack, p.handler = st, h
	return nil
}

// ListenAndServe proxies until ctx is done.
func (p *Proxy) ListenAndServe(ctx context.Context) error {
	if err := p.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	return p.Stop()
}

func (p *Proxy) Stop() error {
	p.mu.Lock()
	st := p.stack
	p.stack = nil
	p.mu.Unlock()
	if st == nil {
		return ErrNotStarted
	}
	return st.Stop()
}

func (p *Proxy) ListenAddr() socket.Address {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stack == nil {
		return socket.Address{}
	}
	return p.stack.Addr()
}

func (p *Proxy) Stack() *Stack {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stack
}

// Handler is the proxy's server handler once started.
func (p *Proxy) Handler() *ProxyHandler {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.handler
}

// ProxyHandler pairs each inbound server transaction with an outbound
// client transaction. Request bodies are pulled by the outbound side.
// Response bodies are pushed while the inbound side keeps up and pulled
// once it has fallen behind. Whichever side blocks resumes the other.
type ProxyHandler struct {
	router   Router
	breakers *breakers
	logger   obs.Logger
	client   proxyClient
}

func NewProxyHandler(router Router, breaker BreakerConfig, logger obs.Logger) *ProxyHandler {
	if logger == nil {
		logger = obs.NopLogger{}
	}
	h := &ProxyHandler{
		router:   router,
		breakers: newBreakers(breaker, logger),
		logger:   logger,
	}
	h.client.h = h
	return h
}

// BreakerOpen reports whether requests to dest are currently rejected.
func (h *ProxyHandler) BreakerOpen(dest socket.Address) bool {
	return h.breakers.state(dest) == gobreaker.StateOpen
}

func (h *ProxyHandler) logf(level obs.Level, s Stream, format string, args ...any) {
	h.logger.Logf(level, "%s: "+format, append([]any{s.Name()}, args...)...)
}

// proxyExchange links one server stream to the client transaction that
// relays it. Both transactions carry it as their context.
type proxyExchange struct {
	server ServerStream
	out    ClientTransaction
	resp   Response
	done   func(ok bool)
	// received is set once the response head arrived.
	received bool
	// finished is set once the whole response body was handed over.
	finished bool
}

func exchangeOf(s Stream) *proxyExchange {
	ex, _ := s.Context().(*proxyExchange)
	return ex
}

// client is the outbound stream, nil before it is executing or after it
// ended.
func (ex *proxyExchange) client() ClientStream {
	if c := ex.out.owner; c != nil {
		return c
	}
	return nil
}

func (ex *proxyExchange) report(ok bool) {
	if ex.done != nil {
		ex.done(ok)
		ex.done = nil
	}
}

func (h *ProxyHandler) AcceptConnection(socket.Address) error { return nil }
func (h *ProxyHandler) BeginTransaction(ServerStream) error   { return nil }

func (h *ProxyHandler) ReceiveRequestHeaders(s ServerStream) error {
	req := s.Request()
	dest, err := h.router.Route(s)
	switch {
	case err == nil:
	case errors.Is(err, ErrNoRoute):
		h.logf(obs.Debug, s, "no route for %s", req.URI)
		return s.SendEmptyResponse(404, "Not Found")
	case errors.Is(err, ErrForbidden):
		h.logf(obs.Debug, s, "forbidden: %s", req.URI)
		return s.SendEmptyResponse(403, "Forbidden")
	default:
		h.logf(obs.Warn, s, "cannot route %s: %v", req.URI, err)
		return s.SendEmptyResponse(500, "Internal Server Error")
	}

	done, err := h.breakers.allow(dest)
	if err != nil {
		h.logf(obs.Debug, s, "%s: %v", dest, err)
		return s.SendEmptyResponse(503, "Service Unavailable")
	}

	ex := &proxyExchange{server: s, done: done}
	ex.out.Peer = dest
	outboundRequest(&ex.out.Request, req)
	ex.out.SetContext(ex)
	s.SetContext(ex)
	if err := s.Multiplexer().ExecuteClientTransaction(&ex.out, &h.client); err != nil {
		h.logf(obs.Warn, s, "cannot execute client transaction to %s: %v", dest, err)
		ex.report(false)
		s.SetContext(nil)
		return s.SendEmptyResponse(502, "Bad Gateway")
	}

	// Nothing is sent until the outbound response arrives, and the body is
	// only read when the outbound side asks for it.
	if err := s.PauseSend(); err != nil {
		return err
	}
	if !requestHasBody(&req.Header) {
		return nil
	}
	if err := s.PauseRecv(); err != nil {
		return err
	}
	return ErrPause
}

// ConsumeRequestBody runs when inbound body bytes arrive while the
// outbound side waits for them.
func (h *ProxyHandler) ConsumeRequestBody(s ServerStream, p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	ex := exchangeOf(s)
	if ex == nil {
		return 0, ErrInvalidState
	}
	c := ex.client()
	if c == nil {
		return 0, ErrInvalidState
	}
	if err := c.ResumeSend(); err != nil {
		return 0, err
	}
	if err := s.PauseRecv(); err != nil {
		return 0, err
	}
	return 0, ErrPause
}

func (h *ProxyHandler) OfferResponseBody(s ServerStream) (int, error) {
	ex := exchangeOf(s)
	if ex == nil {
		return 0, ErrInvalidState
	}
	if ex.finished {
		return 0, nil
	}
	c := ex.client()
	if c == nil {
		return 0, ErrInvalidState
	}
	n, err := c.ResponseBodyAvailable()
	switch {
	case err == nil:
		if n == 0 {
			ex.finished = true
		}
		return n, nil
	case errors.Is(err, ErrAgain):
		if err := c.ResumeRecv(); err != nil {
			return 0, err
		}
		if err := s.PauseSend(); err != nil {
			return 0, err
		}
		return 0, ErrPause
	default:
		return 0, err
	}
}

func (h *ProxyHandler) ProduceResponseBody(s ServerStream, p []byte) error {
	ex := exchangeOf(s)
	if ex == nil {
		return ErrInvalidState
	}
	c := ex.client()
	if c == nil {
		return ErrInvalidState
	}
	n, err := c.ReadResponseBody(p)
	if err != nil {
		return err
	}
	if n != len(p) {
		return ErrInvalidState
	}
	return nil
}

func (h *ProxyHandler) EndTransaction(s ServerStream, phase ServerPhase) {
	ex := exchangeOf(s)
	if ex == nil {
		return
	}
	s.SetContext(nil)
	ex.server = nil
	if phase == ServerEnd {
		return
	}
	h.logf(obs.Debug, s, "server transaction failed in %s", phase)
	if c := ex.client(); c != nil {
		h.logf(obs.Debug, s, "aborting %s", c.Name())
		_ = c.Abort()
	}
}

// proxyClient is the outbound half of ProxyHandler.
type proxyClient struct {
	h *ProxyHandler
}

func (pc *proxyClient) server(c ClientStream) (*proxyExchange, ServerStream) {
	ex := exchangeOf(c)
	if ex == nil {
		return nil, nil
	}
	return ex, ex.server
}

func (pc *proxyClient) BeginTransaction(c ClientStream) error {
	_, s := pc.server(c)
	if s == nil {
		return ErrInvalidState
	}
	pc.h.logf(obs.Debug, s, "paired with %s", c.Name())
	return nil
}

func (pc *proxyClient) OfferRequestBody(c ClientStream) (int, error) {
	_, s := pc.server(c)
	if s == nil {
		return 0, ErrInvalidState
	}
	n, err := s.RequestBodyAvailable()
	switch {
	case err == nil:
		return n, nil
	case errors.Is(err, ErrAgain):
		if err := s.ResumeRecv(); err != nil {
			return 0, err
		}
		if err := c.PauseSend(); err != nil {
			return 0, err
		}
		return 0, ErrPause
	default:
		return 0, err
	}
}

func (pc *proxyClient) ProduceRequestBody(c ClientStream, p []byte) error {
	_, s := pc.server(c)
	if s == nil {
		return ErrInvalidState
	}
	n, err := s.ReadRequestBody(p)
	if err != nil {
		return err
	}
	if n != len(p) {
		return ErrInvalidState
	}
	return nil
}

func (pc *proxyClient) EndRequest(ClientStream) error { return nil }

func (pc *proxyClient) ReceiveResponseHeaders(c ClientStream) error {
	ex, s := pc.server(c)
	if s == nil {
		return ErrInvalidState
	}
	ex.received = true
	resp := &ex.resp
	resp.CopyFrom(c.Response())
	stripHopByHop(&resp.Header)
	resp.Header.Add("Via", via(resp.Major, resp.Minor))
	pc.h.logf(obs.Debug, c, "received %d", resp.StatusCode)
	return s.SendResponse(resp)
}

// ConsumeResponseBody pushes upstream body bytes into the server stream
// until it stops taking them.
func (pc *proxyClient) ConsumeResponseBody(c ClientStream, p []byte) (int, error) {
	ex, s := pc.server(c)
	if s == nil {
		return 0, ErrInvalidState
	}
	if len(p) == 0 {
		ex.finished = true
		if _, err := s.SendResponseBody(nil); err != nil && !errors.Is(err, ErrAgain) {
			return 0, err
		}
		_ = s.ResumeSend()
		return 0, nil
	}
	n, err := s.SendResponseBody(p)
	switch {
	case n > 0:
		_ = s.ResumeSend()
		if err != nil && !errors.Is(err, ErrAgain) {
			return n, err
		}
		return n, nil
	case err == nil, errors.Is(err, ErrAgain):
		if err := s.ResumeSend(); err != nil {
			return 0, err
		}
		if err := c.PauseRecv(); err != nil {
			return 0, err
		}
		return 0, ErrPause
	default:
		return 0, err
	}
}

func (pc *proxyClient) EndTransaction(c ClientStream, phase ClientPhase) {
	ex := exchangeOf(c)
	if ex == nil {
		return
	}
	c.SetContext(nil)
	ex.report(phase == ClientEnd && c.Response().StatusCode < 500)
	if phase == ClientEnd {
		ex.finished = true
		return
	}
	s := ex.server
	if s == nil {
		return
	}
	pc.h.logf(obs.Debug, c, "client transaction failed in %s", phase)
	if !ex.received {
		ex.finished = true
		resp := &ex.resp
		resp.Reset()
		resp.StatusCode = 502
		resp.Header.Set("Content-Length", "0")
		resp.Header.Add("Via", via(1, 1))
		if err := s.SendResponse(resp); err == nil {
			return
		}
	}
	ex.server = nil
	pc.h.logf(obs.Debug, c, "aborting %s", s.Name())
	_ = s.Abort()
}

// outboundRequest builds the relayed request head from the inbound one.
func outboundRequest(dst, src *Request) {
	dst.CopyFrom(src)
	dst.Major, dst.Minor = 1, 1
	if host, path, ok := splitAbsolute(src.URI); ok {
		dst.URI = path
		if !dst.Header.Has("Host") {
			dst.Header.Set("Host", host)
		}
	}
	chunked := src.Header.HasToken("Transfer-Encoding", "chunked")
	stripHopByHop(&dst.Header)
	dst.Header.Del("Expect")
	if chunked {
		dst.Header.Set("Transfer-Encoding", "chunked")
	}
	dst.Header.Add("Via", via(src.Major, src.Minor))
	if dst.Header.Get("X-Request-Id") == "" {
		dst.Header.Set("X-Request-Id", newRequestID())
	}
	propagateTrace(&dst.Header)
}

func via(major, minor int) string {
	return strconv.Itoa(major) + "." + strconv.Itoa(minor) + " " + viaName
}

// splitAbsolute splits an absolute-form target into authority and
// origin-form target.
func splitAbsolute(uri string) (host, path string, ok bool) {
	i := strings.Index(uri, "://")
	if i < 0 {
		return "", "", false
	}
	rest := uri[i+3:]
	j := strings.IndexAny(rest, "/?")
	if j < 0 {
		return rest, "/", true
	}
	path = rest[j:]
	if path[0] == '?' {
		path = "/" + path
	}
	return rest[:j], path, true
}

func requestHasBody(h *Header) bool {
	if h.HasToken("Transfer-Encoding", "chunked") {
		return true
	}
	cl := strings.TrimSpace(h.Get("Content-Length"))
	return cl != "" && cl != "0"
}
