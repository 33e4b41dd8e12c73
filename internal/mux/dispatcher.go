//go:build linux

package mux

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/duderino/everscale-sub002/internal/obs"
)

type DispatcherConfig struct {
	Name string
	// Reactors defaults to the number of CPUs.
	Reactors int
	// MaxSockets is split evenly across reactors. Zero means unbounded.
	MaxSockets  int
	IdleTimeout time.Duration
	Logger      obs.Logger
	Meter       obs.Meter
}

// Dispatcher owns a fixed set of reactors and places new sockets on the
// least loaded one.
type Dispatcher struct {
	cfg      DispatcherConfig
	mu       sync.Mutex
	addMu    sync.Mutex
	reactors []*Reactor
	group    *errgroup.Group
	cancel   context.CancelFunc
}

func NewDispatcher(cfg DispatcherConfig) *Dispatcher {
	if cfg.Reactors <= 0 {
		cfg.Reactors = runtime.NumCPU()
	}
	if cfg.Name == "" {
		cfg.Name = "dispatcher"
	}
	if cfg.Logger == nil {
		cfg.Logger = obs.NopLogger{}
	}
	if cfg.Meter == nil {
		cfg.Meter = obs.NopMeter{}
	}
	return &Dispatcher{cfg: cfg}
}

// Start creates and runs the reactors and returns once every one of them is
// looping. Reactors that fail to initialize are skipped; Start fails only if
// none could be created.
func (d *Dispatcher) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.group != nil {
		return errors.New("mux: dispatcher already started")
	}
	share := 0
	if d.cfg.MaxSockets > 0 {
		share = max(d.cfg.MaxSockets/d.cfg.Reactors, 1)
	}
	var errs []error
	for i := 0; i < d.cfg.Reactors; i++ {
		name := fmt.Sprintf("%s-%d", d.cfg.Name, i)
		r, err := NewReactor(ReactorConfig{
			Name:        name,
			Index:       len(d.reactors),
			MaxSockets:  share,
			IdleTimeout: d.cfg.IdleTimeout,
			Logger:      d.cfg.Logger,
			Meter:       d.cfg.Meter,
		})
		if err != nil {
			d.cfg.Logger.Logf(obs.Error, "%s: cannot create reactor: %v", name, err)
			errs = append(errs, err)
			continue
		}
		d.reactors = append(d.reactors, r)
	}
	if len(d.reactors) == 0 {
		return errors.Join(append([]error{ErrNoReactors}, errs...)...)
	}

	ctx, d.cancel = context.WithCancel(ctx)
	g, ctx := errgroup.WithContext(ctx)
	d.group = g
	for _, r := range d.reactors {
		r := r
		g.Go(func() error { return r.Run(ctx) })
	}
	for _, r := range d.reactors {
		<-r.Started()
	}
	d.cfg.Logger.Logf(obs.Info, "%s: started %d reactors", d.cfg.Name, len(d.reactors))
	return nil
}

// Stop stops every reactor and waits for their loops to exit.
func (d *Dispatcher) Stop() error {
	d.mu.Lock()
	g, cancel := d.group, d.cancel
	reactors := d.reactors
	d.mu.Unlock()
	if g == nil {
		return nil
	}
	for _, r := range reactors {
		r.Stop()
	}
	cancel()
	return g.Wait()
}

// Add registers s with the least loaded reactor and returns that reactor.
// The choice and the registration happen under one lock so concurrent adds
// spread evenly.
func (d *Dispatcher) Add(s Socket) (*Reactor, error) {
	d.addMu.Lock()
	defer d.addMu.Unlock()
	r := d.LeastLoaded()
	if r == nil {
		return nil, ErrNoReactors
	}
	return r, r.Add(s)
}

// AddAt registers s with reactor i.
func (d *Dispatcher) AddAt(i int, s Socket) (*Reactor, error) {
	r, err := d.Reactor(i)
	if err != nil {
		return nil, err
	}
	return r, r.Add(s)
}

// LeastLoaded returns the reactor with the fewest sockets, preferring the
// lowest index on ties.
func (d *Dispatcher) LeastLoaded() *Reactor {
	d.mu.Lock()
	defer d.mu.Unlock()
	var best *Reactor
	for _, r := range d.reactors {
		if best == nil || r.CurrentSockets() < best.CurrentSockets() {
			best = r
		}
	}
	return best
}

func (d *Dispatcher) Reactor(i int) (*Reactor, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if i < 0 || i >= len(d.reactors) {
		return nil, fmt.Errorf("mux: reactor %d of %d: %w", i, len(d.reactors), ErrOutOfBounds)
	}
	return d.reactors[i], nil
}

func (d *Dispatcher) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.reactors)
}

// Execute runs f on every reactor.
func (d *Dispatcher) Execute(f func(r *Reactor)) error {
	d.mu.Lock()
	reactors := d.reactors
	d.mu.Unlock()
	var errs []error
	for _, r := range reactors {
		r := r
		if err := r.Execute(func() { f(r) }); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (d *Dispatcher) CurrentSockets() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, r := range d.reactors {
		n += r.CurrentSockets()
	}
	return n
}

func (d *Dispatcher) MaximumSockets() int { return d.cfg.MaxSockets }
