// Package pool keeps idle, connected client conns keyed by peer address so a
// later transaction to the same peer can skip the handshake.
//
// A pool belongs to one reactor and is only touched from that reactor's
// goroutine, so the idle map needs no lock. Counters are atomic because
// Stats may be read from anywhere.
package pool

import (
	"errors"
	"sync/atomic"
	"time"

	"github.com/duderino/everscale-sub002/internal/obs"
	"github.com/duderino/everscale-sub002/internal/socket"
)

var ErrCannotParsePeer = errors.New("pool: TLS peer requires a hostname")

type Config struct {
	// Reuse disables pooling entirely when false: every Acquire dials and
	// every Release closes.
	Reuse          bool
	MaxIdlePerPeer int
	IdleTimeout    time.Duration
	Logger         obs.Logger
	Meter          obs.Meter
	// Dial builds an unconnected conn. Defaults to socket.NewConn.
	Dial func(peer socket.Address) socket.Conn
}

type idleConn struct {
	conn    socket.Conn
	lastUse time.Time
}

type Pool struct {
	cfg    Config
	idle   map[socket.Address][]idleConn
	count  atomic.Int64
	hits   atomic.Int64
	misses atomic.Int64
	now    func() time.Time
}

func New(cfg Config) *Pool {
	if cfg.Dial == nil {
		cfg.Dial = func(peer socket.Address) socket.Conn { return socket.NewConn(peer) }
	}
	return &Pool{cfg: cfg, idle: make(map[socket.Address][]idleConn), now: time.Now}
}

// Acquire returns an idle conn to peer when one exists (reused is true) or a
// fresh unconnected one. TLS peers need a hostname for SNI even though the
// pool never looks at it otherwise.
func (p *Pool) Acquire(peer socket.Address, hostname string) (socket.Conn, bool, error) {
	if peer.Transport == socket.TLS && hostname == "" {
		return nil, false, ErrCannotParsePeer
	}
	if list := p.idle[peer]; len(list) > 0 {
		ic := list[len(list)-1]
		list[len(list)-1] = idleConn{}
		if len(list) == 1 {
			delete(p.idle, peer)
		} else {
			p.idle[peer] = list[:len(list)-1]
		}
		p.count.Add(-1)
		p.hits.Add(1)
		p.metricCounter("everscale_pool_hits_total", 1)
		return ic.conn, true, nil
	}
	p.misses.Add(1)
	p.metricCounter("everscale_pool_misses_total", 1)
	return p.cfg.Dial(peer), false, nil
}

// Release takes ownership of conn back. Connected conns are kept for reuse
// when pooling is on and the peer is under its idle limit; the rest are
// closed.
func (p *Pool) Release(conn socket.Conn) {
	if conn == nil {
		return
	}
	if !p.cfg.Reuse || !conn.Connected() {
		conn.Close()
		return
	}
	peer := conn.Peer()
	if limit := p.cfg.MaxIdlePerPeer; limit > 0 && len(p.idle[peer]) >= limit {
		p.logf(obs.Debug, "pool: %s at idle limit %d, closing", peer, limit)
		conn.Close()
		return
	}
	p.idle[peer] = append(p.idle[peer], idleConn{conn: conn, lastUse: p.now()})
	p.count.Add(1)
}

// Prune closes conns idle longer than the configured timeout.
func (p *Pool) Prune(now time.Time) int {
	if p.cfg.IdleTimeout <= 0 {
		return 0
	}
	closed := 0
	for peer, list := range p.idle {
		kept := list[:0]
		for _, ic := range list {
			if now.Sub(ic.lastUse) > p.cfg.IdleTimeout {
				ic.conn.Close()
				closed++
				continue
			}
			kept = append(kept, ic)
		}
		clear(list[len(kept):])
		if len(kept) == 0 {
			delete(p.idle, peer)
		} else {
			p.idle[peer] = kept
		}
	}
	p.count.Add(-int64(closed))
	if closed > 0 {
		p.metricCounter("everscale_pool_idle_closed_total", float64(closed))
	}
	return closed
}

// Close closes every idle conn.
func (p *Pool) Close() {
	for peer, list := range p.idle {
		for _, ic := range list {
			ic.conn.Close()
		}
		delete(p.idle, peer)
	}
	p.count.Store(0)
}

type Stats struct {
	Hits   int64
	Misses int64
	Idle   int64
}

func (p *Pool) Stats() Stats {
	return Stats{Hits: p.hits.Load(), Misses: p.misses.Load(), Idle: p.count.Load()}
}

func (p *Pool) logf(level obs.Level, format string, args ...interface{}) {
	lg := p.cfg.Logger
	if lg == nil {
		lg = obs.NopLogger{}
	}
	lg.Logf(level, format, args...)
}

func (p *Pool) metricCounter(name string, value float64, labels ...obs.Label) {
	if p.cfg.Meter != nil {
		p.cfg.Meter.Counter(name, value, labels...)
	}
}
