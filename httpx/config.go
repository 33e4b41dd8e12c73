package httpx

import (
	"runtime"
	"time"
)

// Config tunes a Stack. Field tags are the keys internal/config decodes.
type Config struct {
	// Reactors is the number of epoll loops. Zero means one per CPU.
	Reactors int `config:"reactors"`
	// MaxSockets bounds sockets across all reactors. Zero is unbounded.
	MaxSockets  int           `config:"max_sockets"`
	IdleTimeout time.Duration `config:"idle_timeout"`
	// BufferSize is the capacity of every send and receive buffer. A
	// request or response head must fit in one.
	BufferSize     int `config:"buffer_size"`
	MaxHeaderBytes int `config:"max_header_bytes"`
	// ReuseConnections keeps client connections in a per-reactor pool and
	// lets server connections carry more than one request.
	ReuseConnections bool `config:"reuse_connections"`
	MaxIdlePerPeer   int  `config:"max_idle_per_peer"`
	// CloseAfterErrorResponse closes server connections after any response
	// with status 300 or above.
	CloseAfterErrorResponse bool `config:"close_after_error_response"`
	Backlog                 int  `config:"backlog"`
}

func DefaultConfig() Config {
	return Config{
		Reactors:                runtime.NumCPU(),
		IdleTimeout:             30 * time.Second,
		BufferSize:              8192,
		MaxHeaderBytes:          8192,
		ReuseConnections:        true,
		MaxIdlePerPeer:          64,
		CloseAfterErrorResponse: true,
		Backlog:                 1024,
	}
}

// withDefaults fills zero sizes. Booleans are taken as given.
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Reactors <= 0 {
		c.Reactors = d.Reactors
	}
	if c.BufferSize <= 0 {
		c.BufferSize = d.BufferSize
	}
	if c.MaxHeaderBytes <= 0 {
		c.MaxHeaderBytes = c.BufferSize
	}
	if c.Backlog <= 0 {
		c.Backlog = d.Backlog
	}
	return c
}
