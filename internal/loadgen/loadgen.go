// Package loadgen keeps a fixed number of client transactions in flight on
// every reactor until a total number of iterations has run.
package loadgen

import (
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/duderino/everscale-sub002/httpx"
	"github.com/duderino/everscale-sub002/internal/obs"
	"github.com/duderino/everscale-sub002/internal/origin"
	"github.com/duderino/everscale-sub002/internal/socket"
)

// Fault modes for injected failures.
const (
	FaultNone  = ""
	FaultClose = "close"
	FaultStall = "stall"
)

type Config struct {
	// Destination is the "ip:port" every request goes to.
	Destination string `config:"destination"`
	// Connections is the number of transactions in flight per reactor.
	Connections int    `config:"connections"`
	Iterations  int64  `config:"iterations"`
	Method      string `config:"method"`
	Path        string `config:"path"`
	Host        string `config:"host"`
	RequestSize int    `config:"request_size"`
	// ResponseSize, when positive, is the body size every response must
	// have.
	ResponseSize int  `config:"response_size"`
	Chunked      bool `config:"chunked"`
	// FaultPhase names the client phase to fail in: begin, send_body,
	// recv_headers or recv_body. FaultMode is close or stall.
	FaultPhase string `config:"fault_phase"`
	FaultMode  string `config:"fault_mode"`
}

func DefaultConfig() Config {
	return Config{
		Destination: "127.0.0.1:8080",
		Connections: 10,
		Iterations:  1000,
		Method:      "GET",
		Path:        "/",
		Host:        "localhost",
	}
}

var errInjected = errors.New("loadgen: injected failure")

// Result summarizes a finished run.
type Result struct {
	Succeeded int64
	Failed    int64
	BadBodies int64
}

// Generator implements httpx.ClientHandler. Each transaction re-executes
// itself from EndTransaction until the iterations are used up.
type Generator struct {
	cfg    Config
	dest   socket.Address
	fault  httpx.ClientPhase
	logger obs.Logger

	remaining atomic.Int64
	inflight  atomic.Int64
	succeeded atomic.Int64
	failed    atomic.Int64
	badBodies atomic.Int64

	doneOnce sync.Once
	done     chan struct{}
}

func New(cfg Config, logger obs.Logger) (*Generator, error) {
	if logger == nil {
		logger = obs.NopLogger{}
	}
	dest, err := socket.ParseAddress(cfg.Destination)
	if err != nil {
		return nil, fmt.Errorf("loadgen: destination %q: %w", cfg.Destination, err)
	}
	if cfg.Connections <= 0 {
		cfg.Connections = 1
	}
	if cfg.Method == "" {
		cfg.Method = "GET"
	}
	if cfg.Path == "" {
		cfg.Path = "/"
	}
	g := &Generator{cfg: cfg, dest: dest, logger: logger, done: make(chan struct{})}
	if cfg.FaultMode != FaultNone {
		if cfg.FaultMode != FaultClose && cfg.FaultMode != FaultStall {
			return nil, fmt.Errorf("loadgen: unknown fault mode %q", cfg.FaultMode)
		}
		if g.fault, err = parseFaultPhase(cfg.FaultPhase); err != nil {
			return nil, err
		}
	}
	g.remaining.Store(cfg.Iterations)
	if cfg.Iterations <= 0 {
		g.finish()
	}
	return g, nil
}

func parseFaultPhase(s string) (httpx.ClientPhase, error) {
	for _, p := range []httpx.ClientPhase{httpx.ClientBegin, httpx.ClientSendBody, httpx.ClientRecvHeaders, httpx.ClientRecvBody} {
		if p.String() == s {
			return p, nil
		}
	}
	return 0, fmt.Errorf("loadgen: cannot inject faults in phase %q", s)
}

// Done is closed once every iteration has ended.
func (g *Generator) Done() <-chan struct{} { return g.done }

func (g *Generator) Result() Result {
	return Result{
		Succeeded: g.succeeded.Load(),
		Failed:    g.failed.Load(),
		BadBodies: g.badBodies.Load(),
	}
}

func (g *Generator) finish() { g.doneOnce.Do(func() { close(g.done) }) }

// Seed starts the configured number of transactions on m. Run it on every
// reactor through httpx.Client.Each.
func (g *Generator) Seed(m *httpx.Multiplexer) {
	for i := 0; i < g.cfg.Connections; i++ {
		if !g.claim() {
			return
		}
		if err := m.ExecuteClientTransaction(g.newTransaction(), g); err != nil {
			g.logger.Logf(obs.Warn, "loadgen: reactor %d: %v", m.Index(), err)
			g.failed.Add(1)
			g.release()
		}
	}
}

// claim reserves one iteration.
func (g *Generator) claim() bool {
	if g.remaining.Add(-1) < 0 {
		g.remaining.Add(1)
		return false
	}
	g.inflight.Add(1)
	return true
}

func (g *Generator) release() {
	if g.inflight.Add(-1) == 0 && g.remaining.Load() <= 0 {
		g.finish()
	}
}

func (g *Generator) newTransaction() *httpx.ClientTransaction {
	t := httpx.NewClientTransaction(g.dest, g.cfg.Method, g.cfg.Path)
	if g.cfg.Host != "" {
		t.Request.Header.Set("Host", g.cfg.Host)
	}
	if g.cfg.RequestSize > 0 {
		if g.cfg.Chunked {
			t.Request.Header.Set("Transfer-Encoding", "chunked")
		} else {
			t.Request.Header.Set("Content-Length", strconv.Itoa(g.cfg.RequestSize))
		}
	}
	t.SetContext(&exchange{})
	return t
}

// exchange tracks body offsets for one transaction and survives Reset.
type exchange struct {
	sent     int
	received int
	bad      bool
}

func exchangeOf(s httpx.ClientStream) *exchange {
	ex, _ := s.Context().(*exchange)
	return ex
}

// inject fails the transaction when faults target phase.
func (g *Generator) inject(phase httpx.ClientPhase) error {
	if g.cfg.FaultMode == FaultNone || g.fault != phase {
		return nil
	}
	if g.cfg.FaultMode == FaultStall {
		return httpx.ErrPause
	}
	return errInjected
}

func (g *Generator) BeginTransaction(s httpx.ClientStream) error {
	ex := exchangeOf(s)
	if ex == nil {
		return httpx.ErrInvalidState
	}
	*ex = exchange{}
	return g.inject(httpx.ClientBegin)
}

func (g *Generator) OfferRequestBody(s httpx.ClientStream) (int, error) {
	ex := exchangeOf(s)
	if ex == nil {
		return 0, httpx.ErrInvalidState
	}
	if err := g.inject(httpx.ClientSendBody); err != nil {
		return 0, err
	}
	return g.cfg.RequestSize - ex.sent, nil
}

func (g *Generator) ProduceRequestBody(s httpx.ClientStream, p []byte) error {
	ex := exchangeOf(s)
	if ex == nil {
		return httpx.ErrInvalidState
	}
	for i := range p {
		p[i] = origin.RequestByte(ex.sent + i)
	}
	ex.sent += len(p)
	return nil
}

func (g *Generator) EndRequest(httpx.ClientStream) error {
	return g.inject(httpx.ClientRecvHeaders)
}

func (g *Generator) ReceiveResponseHeaders(httpx.ClientStream) error {
	return g.inject(httpx.ClientRecvBody)
}

func (g *Generator) ConsumeResponseBody(s httpx.ClientStream, p []byte) (int, error) {
	ex := exchangeOf(s)
	if ex == nil {
		return 0, httpx.ErrInvalidState
	}
	if len(p) == 0 {
		if g.cfg.ResponseSize > 0 && ex.received != g.cfg.ResponseSize {
			ex.bad = true
		}
		return 0, nil
	}
	if !ex.bad {
		for i, c := range p {
			if c != origin.ResponseByte(ex.received+i) {
				ex.bad = true
				break
			}
		}
	}
	ex.received += len(p)
	return len(p), nil
}

func (g *Generator) EndTransaction(s httpx.ClientStream, phase httpx.ClientPhase) {
	ex := exchangeOf(s)
	code := s.Response().StatusCode
	switch {
	case phase != httpx.ClientEnd || code < 200 || code >= 300:
		g.failed.Add(1)
		g.logger.Logf(obs.Debug, "%s: failed in %s with status %d", s.Name(), phase, code)
	case ex != nil && ex.bad:
		g.badBodies.Add(1)
		g.failed.Add(1)
		g.logger.Logf(obs.Warn, "%s: response body does not match the pattern", s.Name())
	default:
		g.succeeded.Add(1)
	}

	if !g.claim() {
		g.release()
		return
	}
	// The claim replaces this transaction's own inflight slot.
	g.inflight.Add(-1)
	t := s.Transaction()
	t.Reset()
	if err := s.Multiplexer().ExecuteClientTransaction(t, g); err != nil {
		g.logger.Logf(obs.Debug, "%s: re-execute: %v", s.Name(), err)
		g.failed.Add(1)
		g.release()
	}
}
