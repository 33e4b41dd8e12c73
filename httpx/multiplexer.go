package httpx

import (
	"errors"
	"fmt"
	"time"

	"github.com/duderino/everscale-sub002/internal/buffer"
	"github.com/duderino/everscale-sub002/internal/mux"
	"github.com/duderino/everscale-sub002/internal/obs"
	"github.com/duderino/everscale-sub002/internal/pool"
	"github.com/duderino/everscale-sub002/internal/slab"
	"github.com/duderino/everscale-sub002/internal/socket"
)

// MultiplexerOptions configures one Multiplexer.
type MultiplexerOptions struct {
	Config Config
	// Server handles connections accepted on this reactor. It may be nil
	// for client-only stacks.
	Server   ServerHandler
	Counters *Counters
	Logger   obs.Logger
	Meter    obs.Meter
	// Dial builds unconnected client conns. Defaults to socket.NewConn.
	Dial func(peer socket.Address) socket.Conn
}

// Multiplexer is the HTTP engine bound to one reactor: its connection pool,
// buffer pool, socket free lists and handlers. Apart from Execute, its
// methods must be called on the reactor goroutine, which is where every
// handler callback already runs.
type Multiplexer struct {
	reactor  mux.Registrar
	cfg      Config
	pool     *pool.Pool
	buffers  *buffer.Pool
	clients  *slab.Slab[clientSocket]
	servers  *slab.Slab[serverSocket]
	server   ServerHandler
	counters *Counters
	logger   obs.Logger
	ids      uint64
	now      func() time.Time

	clientCleanup mux.CleanupHandler
	serverCleanup mux.CleanupHandler
}

func NewMultiplexer(r mux.Registrar, opts MultiplexerOptions) *Multiplexer {
	cfg := opts.Config.withDefaults()
	if opts.Logger == nil {
		opts.Logger = obs.NopLogger{}
	}
	if opts.Meter == nil {
		opts.Meter = obs.NopMeter{}
	}
	if opts.Counters == nil {
		opts.Counters = NewCounters(opts.Meter)
	}
	m := &Multiplexer{
		reactor: r,
		cfg:     cfg,
		pool: pool.New(pool.Config{
			Reuse:          cfg.ReuseConnections,
			MaxIdlePerPeer: cfg.MaxIdlePerPeer,
			IdleTimeout:    cfg.IdleTimeout,
			Logger:         opts.Logger,
			Meter:          opts.Meter,
			Dial:           opts.Dial,
		}),
		buffers:  buffer.NewPool(cfg.BufferSize),
		clients:  slab.New(func() *clientSocket { return &clientSocket{} }, func(s *clientSocket) { *s = clientSocket{} }),
		servers:  slab.New(func() *serverSocket { return &serverSocket{} }, func(s *serverSocket) { *s = serverSocket{} }),
		server:   opts.Server,
		counters: opts.Counters,
		logger:   opts.Logger,
		now:      time.Now,
	}
	m.clientCleanup = mux.CleanupFunc(func(ms mux.Socket) {
		s := ms.(*clientSocket)
		s.releaseBuffers()
		m.clients.Release(s)
	})
	m.serverCleanup = mux.CleanupFunc(func(ms mux.Socket) {
		s := ms.(*serverSocket)
		s.releaseBuffers()
		m.servers.Release(s)
	})
	return m
}

// Index is the index of the reactor the multiplexer runs on.
func (m *Multiplexer) Index() int            { return m.reactor.Index() }
func (m *Multiplexer) Config() Config        { return m.cfg }
func (m *Multiplexer) Counters() *Counters   { return m.counters }
func (m *Multiplexer) PoolStats() pool.Stats { return m.pool.Stats() }

// Execute runs f on the multiplexer's reactor. It is safe from any
// goroutine.
func (m *Multiplexer) Execute(f func(m *Multiplexer)) error {
	return m.reactor.Execute(func() { f(m) })
}

// ExecuteClientTransaction starts t on this reactor. The connection comes
// from the pool when one to t.Peer is idle. Errors returned here are not
// reported through h.EndTransaction.
func (m *Multiplexer) ExecuteClientTransaction(t *ClientTransaction, h ClientHandler) error {
	if t == nil || h == nil || t.owner != nil {
		return ErrInvalidState
	}
	if !m.reactor.Running() {
		return ErrShutdown
	}
	conn, reused, err := m.pool.Acquire(t.Peer, t.Hostname)
	if err != nil {
		return err
	}
	s := m.clients.Acquire()
	s.init(m, t, h, conn, reused)
	if !reused {
		switch err := conn.Connect(); {
		case err == nil:
		case errors.Is(err, ErrAgain):
			s.state = clientConnecting
		default:
			m.abandon(s)
			return err
		}
	}
	if err := m.reactor.Add(s); err != nil {
		m.abandon(s)
		return err
	}
	return nil
}

// abandon undoes a client socket that never reached the reactor.
func (m *Multiplexer) abandon(s *clientSocket) {
	s.conn.Close()
	s.txn.owner = nil
	s.releaseBuffers()
	m.clients.Release(s)
}

// accept starts serving an accepted connection.
func (m *Multiplexer) accept(conn socket.Conn) error {
	if m.server == nil {
		conn.Close()
		return fmt.Errorf("httpx: no server handler on reactor %d", m.Index())
	}
	if err := m.server.AcceptConnection(conn.Peer()); err != nil {
		conn.Close()
		return err
	}
	s := m.servers.Acquire()
	s.init(m, conn)
	if err := m.reactor.Add(s); err != nil {
		conn.Close()
		m.servers.Release(s)
		return err
	}
	return nil
}

// prune closes pooled conns idle longer than the idle timeout.
func (m *Multiplexer) prune(now time.Time) {
	if n := m.pool.Prune(now); n > 0 {
		m.logger.Logf(obs.Debug, "reactor %d: pruned %d idle connections", m.Index(), n)
	}
}

func (m *Multiplexer) close() { m.pool.Close() }

func (m *Multiplexer) socketName(kind string, peer socket.Address) string {
	m.ids++
	return fmt.Sprintf("%s-%d.%d %s", kind, m.Index(), m.ids, peer)
}
