package httpx

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/duderino/everscale-sub002/internal/mux"
	"github.com/duderino/everscale-sub002/internal/obs"
	"github.com/duderino/everscale-sub002/internal/socket"
)

// StackOptions configures a Stack.
type StackOptions struct {
	Name   string
	Config Config
	// Listen is the address to serve on, "ip:port". Empty runs a
	// client-only stack.
	Listen string
	Server ServerHandler
	Logger obs.Logger
	Meter  obs.Meter
	Dial   func(peer socket.Address) socket.Conn
}

// Stack is a dispatcher of reactors with one Multiplexer each and,
// optionally, a listener on every reactor.
type Stack struct {
	opts     StackOptions
	cfg      Config
	listen   socket.Address
	counters *Counters
	logger   obs.Logger

	mu         sync.Mutex
	dispatcher *mux.Dispatcher
	muxes      []*Multiplexer
	addr       socket.Address
}

func NewStack(opts StackOptions) (*Stack, error) {
	if opts.Logger == nil {
		opts.Logger = obs.NopLogger{}
	}
	if opts.Meter == nil {
		opts.Meter = obs.NopMeter{}
	}
	if opts.Name == "" {
		opts.Name = "everscale"
	}
	s := &Stack{
		opts:     opts,
		cfg:      opts.Config.withDefaults(),
		counters: NewCounters(opts.Meter),
		logger:   opts.Logger,
	}
	if opts.Listen != "" {
		if opts.Server == nil {
			return nil, errors.New("httpx: listen address without a server handler")
		}
		addr, err := socket.ParseAddress(opts.Listen)
		if err != nil {
			return nil, fmt.Errorf("httpx: listen address %q: %w", opts.Listen, err)
		}
		s.listen = addr
	}
	return s, nil
}

// Start runs the reactors and, for serving stacks, starts accepting. It
// returns once every reactor is looping.
func (s *Stack) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dispatcher != nil {
		return ErrInvalidState
	}
	var ln *socket.Listener
	if s.listen.IsValid() {
		var err error
		if ln, err = socket.Listen(s.listen, s.cfg.Backlog); err != nil {
			return err
		}
		defer ln.Close()
		s.addr = ln.Addr()
	}

	d := mux.NewDispatcher(mux.DispatcherConfig{
		Name:        s.opts.Name,
		Reactors:    s.cfg.Reactors,
		MaxSockets:  s.cfg.MaxSockets,
		IdleTimeout: s.cfg.IdleTimeout,
		Logger:      obs.Named(s.logger, "mux"),
		Meter:       s.opts.Meter,
	})
	if err := d.Start(ctx); err != nil {
		return err
	}
	muxes := make([]*Multiplexer, d.Len())
	for i := range muxes {
		r, err := d.Reactor(i)
		if err != nil {
			_ = d.Stop()
			return err
		}
		m := NewMultiplexer(r, MultiplexerOptions{
			Config:   s.cfg,
			Server:   s.opts.Server,
			Counters: s.counters,
			Logger:   obs.Named(s.logger, "httpx"),
			Meter:    s.opts.Meter,
			Dial:     s.opts.Dial,
		})
		r.OnTick(m.prune)
		muxes[i] = m
	}
	if ln != nil {
		for i, m := range muxes {
			dup, err := ln.Dup()
			if err == nil {
				_, err = d.AddAt(i, newListenerSocket(m, dup))
				if err != nil {
					dup.Close()
				}
			}
			if err != nil {
				_ = d.Stop()
				return fmt.Errorf("httpx: listen on reactor %d: %w", i, err)
			}
		}
		s.logger.Logf(obs.Info, "%s: listening on %s with %d reactors", s.opts.Name, s.addr, len(muxes))
	}
	s.dispatcher, s.muxes = d, muxes
	return nil
}

// Stop stops every reactor, which ends all in-flight transactions, then
// closes the pooled connections.
func (s *Stack) Stop() error {
	s.mu.Lock()
	d, muxes := s.dispatcher, s.muxes
	s.dispatcher, s.muxes = nil, nil
	s.mu.Unlock()
	if d == nil {
		return ErrNotStarted
	}
	err := d.Stop()
	for _, m := range muxes {
		m.close()
	}
	return err
}

// Run starts the stack and stops it once ctx is done.
func (s *Stack) Run(ctx context.Context) error {
	if err := s.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	return s.Stop()
}

// Addr is the bound listen address, valid after Start.
func (s *Stack) Addr() socket.Address {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

func (s *Stack) Counters() *Counters { return s.counters }

func (s *Stack) multiplexers() ([]*Multiplexer, *mux.Dispatcher, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dispatcher == nil {
		return nil, nil, ErrNotStarted
	}
	return s.muxes, s.dispatcher, nil
}

// Execute runs f on every reactor's Multiplexer.
func (s *Stack) Execute(f func(m *Multiplexer)) error {
	muxes, _, err := s.multiplexers()
	if err != nil {
		return err
	}
	var errs []error
	for _, m := range muxes {
		if err := m.Execute(f); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// ExecuteClientTransaction starts t on the least loaded reactor and waits
// for it to be registered. It must not be called from a reactor goroutine;
// handlers use their stream's Multiplexer instead.
func (s *Stack) ExecuteClientTransaction(ctx context.Context, t *ClientTransaction, h ClientHandler) error {
	muxes, d, err := s.multiplexers()
	if err != nil {
		return err
	}
	r := d.LeastLoaded()
	if r == nil {
		return mux.ErrNoReactors
	}
	m := muxes[r.Index()]
	done := make(chan error, 1)
	if err := m.Execute(func(m *Multiplexer) { done <- m.ExecuteClientTransaction(t, h) }); err != nil {
		return err
	}
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
