//go:build linux

package mux

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/duderino/everscale-sub002/internal/status"
)

// eventSocket is readable whenever its eventfd counter is non-zero.
type eventSocket struct {
	fd        int
	permanent bool
	onRead    func() error
	onResume  func() error

	reads    atomic.Int32
	idles    atomic.Int32
	removes  atomic.Int32
	destroys atomic.Int32
	wantRead atomic.Bool
}

func newEventSocket(t *testing.T) *eventSocket {
	t.Helper()
	fd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	require.NoError(t, err)
	s := &eventSocket{fd: fd}
	s.wantRead.Store(true)
	return s
}

func (s *eventSocket) signal(t *testing.T) {
	var one [8]byte
	one[0] = 1
	_, err := unix.Write(s.fd, one[:])
	require.NoError(t, err)
}

func (s *eventSocket) drain() {
	var b [8]byte
	_, _ = unix.Read(s.fd, b[:])
}

func (s *eventSocket) Fd() int           { return s.fd }
func (s *eventSocket) Name() string      { return "event" }
func (s *eventSocket) WantAccept() bool  { return false }
func (s *eventSocket) WantConnect() bool { return false }
func (s *eventSocket) WantRead() bool    { return s.wantRead.Load() }
func (s *eventSocket) WantWrite() bool   { return false }
func (s *eventSocket) Permanent() bool   { return s.permanent }

func (s *eventSocket) HandleAccept() error   { return status.ErrAgain }
func (s *eventSocket) HandleConnect() error  { return status.ErrAgain }
func (s *eventSocket) HandleWritable() error { return status.ErrAgain }
func (s *eventSocket) HandleReadable() error {
	s.reads.Add(1)
	s.drain()
	if s.onRead != nil {
		return s.onRead()
	}
	return status.ErrAgain
}
func (s *eventSocket) HandleResume() error {
	if s.onResume != nil {
		return s.onResume()
	}
	return status.ErrAgain
}
func (s *eventSocket) HandleError(error)  {}
func (s *eventSocket) HandleRemoteClose() {}
func (s *eventSocket) HandleIdle()        { s.idles.Add(1) }
func (s *eventSocket) HandleRemove() {
	s.removes.Add(1)
	unix.Close(s.fd)
}
func (s *eventSocket) CleanupHandler() CleanupHandler {
	return CleanupFunc(func(Socket) { s.destroys.Add(1) })
}

func runReactor(t *testing.T, cfg ReactorConfig) (*Reactor, chan error) {
	t.Helper()
	r, err := NewReactor(cfg)
	require.NoError(t, err)
	done := make(chan error, 1)
	go func() { done <- r.Run(context.Background()) }()
	<-r.Started()
	t.Cleanup(func() {
		r.Stop()
		<-done
	})
	return r, done
}

func onReactor(t *testing.T, r *Reactor, f func()) {
	t.Helper()
	ran := make(chan struct{})
	require.NoError(t, r.Execute(func() {
		f()
		close(ran)
	}))
	select {
	case <-ran:
	case <-time.After(5 * time.Second):
		t.Fatal("command did not run")
	}
}

func TestReactor_ExecuteRunsOnLoop(t *testing.T) {
	r, _ := runReactor(t, ReactorConfig{})
	var hits atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = r.Execute(func() { hits.Add(1) })
		}()
	}
	wg.Wait()
	onReactor(t, r, func() {})
	assert.Equal(t, int32(10), hits.Load())
}

func TestReactor_RemovesOnTerminalStatus(t *testing.T) {
	r, _ := runReactor(t, ReactorConfig{})
	s := newEventSocket(t)
	s.onRead = func() error { return nil }
	require.NoError(t, r.Add(s))
	assert.Equal(t, 1, r.CurrentSockets())

	s.signal(t)
	assert.Eventually(t, func() bool { return s.destroys.Load() == 1 }, 5*time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(1), s.reads.Load())
	assert.Equal(t, int32(1), s.removes.Load())
	assert.Equal(t, 0, r.CurrentSockets())
}

func TestReactor_KeepsOnAgain(t *testing.T) {
	r, _ := runReactor(t, ReactorConfig{})
	s := newEventSocket(t)
	require.NoError(t, r.Add(s))

	s.signal(t)
	assert.Eventually(t, func() bool { return s.reads.Load() == 1 }, 5*time.Second, 5*time.Millisecond)
	s.signal(t)
	assert.Eventually(t, func() bool { return s.reads.Load() == 2 }, 5*time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(0), s.removes.Load())
}

func TestReactor_IdleTimeout(t *testing.T) {
	r, _ := runReactor(t, ReactorConfig{IdleTimeout: 20 * time.Millisecond})
	idle := newEventSocket(t)
	permanent := newEventSocket(t)
	permanent.permanent = true
	require.NoError(t, r.Add(idle))
	require.NoError(t, r.Add(permanent))

	assert.Eventually(t, func() bool { return idle.destroys.Load() == 1 }, 5*time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(1), idle.idles.Load())
	assert.Equal(t, int32(0), permanent.idles.Load())
	assert.Equal(t, 1, r.CurrentSockets())
}

func TestReactor_ResumeRunsWithoutEvents(t *testing.T) {
	r, _ := runReactor(t, ReactorConfig{})
	s := newEventSocket(t)
	resumed := make(chan struct{}, 1)
	s.onResume = func() error {
		resumed <- struct{}{}
		return nil
	}
	require.NoError(t, r.Add(s))

	onReactor(t, r, func() { r.Resume(s) })
	select {
	case <-resumed:
	case <-time.After(5 * time.Second):
		t.Fatal("socket was not resumed")
	}
	assert.Eventually(t, func() bool { return s.destroys.Load() == 1 }, 5*time.Second, 5*time.Millisecond)
}

func TestReactor_PausedSocketIgnoresData(t *testing.T) {
	r, _ := runReactor(t, ReactorConfig{})
	s := newEventSocket(t)
	s.wantRead.Store(false)
	require.NoError(t, r.Add(s))

	s.signal(t)
	onReactor(t, r, func() {})
	onReactor(t, r, func() {})
	assert.Equal(t, int32(0), s.reads.Load())

	var uerr error
	onReactor(t, r, func() {
		s.wantRead.Store(true)
		uerr = r.Update(s)
	})
	require.NoError(t, uerr)
	assert.Eventually(t, func() bool { return s.reads.Load() == 1 }, 5*time.Second, 5*time.Millisecond)
}

func TestReactor_Overflow(t *testing.T) {
	r, _ := runReactor(t, ReactorConfig{MaxSockets: 1})
	require.NoError(t, r.Add(newEventSocket(t)))
	extra := newEventSocket(t)
	defer unix.Close(extra.fd)
	err := r.Add(extra)
	assert.True(t, errors.Is(err, status.ErrOverflow))
}

func TestReactor_AddTwice(t *testing.T) {
	r, _ := runReactor(t, ReactorConfig{})
	s := newEventSocket(t)
	require.NoError(t, r.Add(s))
	assert.ErrorIs(t, r.Add(s), ErrAlreadyRegistered)
}

func TestReactor_StopRemovesEverything(t *testing.T) {
	r, err := NewReactor(ReactorConfig{})
	require.NoError(t, err)
	done := make(chan error, 1)
	go func() { done <- r.Run(context.Background()) }()
	<-r.Started()

	sockets := []*eventSocket{newEventSocket(t), newEventSocket(t), newEventSocket(t)}
	for _, s := range sockets {
		require.NoError(t, r.Add(s))
	}
	r.Stop()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("reactor did not stop")
	}
	for _, s := range sockets {
		assert.Equal(t, int32(1), s.removes.Load())
		assert.Equal(t, int32(1), s.destroys.Load())
	}
	assert.False(t, r.Running())
	assert.ErrorIs(t, r.Execute(func() {}), status.ErrShutdown)
	assert.ErrorIs(t, r.Add(newEventSocket(t)), status.ErrShutdown)
}

func TestReactor_ContextCancelStops(t *testing.T) {
	r, err := NewReactor(ReactorConfig{})
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()
	<-r.Started()
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("reactor ignored cancellation")
	}
}

func TestDispatcher_BalancesSockets(t *testing.T) {
	d := NewDispatcher(DispatcherConfig{Reactors: 3})
	require.NoError(t, d.Start(context.Background()))
	defer d.Stop()

	for i := 0; i < 10; i++ {
		_, err := d.Add(newEventSocket(t))
		require.NoError(t, err)
	}
	assert.Equal(t, 10, d.CurrentSockets())
	lo, hi := 1<<30, 0
	for i := 0; i < d.Len(); i++ {
		r, err := d.Reactor(i)
		require.NoError(t, err)
		lo = min(lo, r.CurrentSockets())
		hi = max(hi, r.CurrentSockets())
	}
	assert.LessOrEqual(t, hi-lo, 1)
}

func TestDispatcher_ConcurrentAddsStayBalanced(t *testing.T) {
	d := NewDispatcher(DispatcherConfig{Reactors: 3})
	require.NoError(t, d.Start(context.Background()))
	defer d.Stop()

	socks := make([]*eventSocket, 30)
	for i := range socks {
		socks[i] = newEventSocket(t)
	}
	var wg sync.WaitGroup
	errs := make(chan error, len(socks))
	for _, s := range socks {
		wg.Add(1)
		go func(s *eventSocket) {
			defer wg.Done()
			if _, err := d.Add(s); err != nil {
				errs <- err
			}
		}(s)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatal(err)
	}

	counts := make([]int, d.Len())
	for i := range counts {
		r, err := d.Reactor(i)
		require.NoError(t, err)
		counts[i] = r.CurrentSockets()
	}
	assert.Equal(t, []int{10, 10, 10}, counts)
}

func TestDispatcher_AddAt(t *testing.T) {
	d := NewDispatcher(DispatcherConfig{Reactors: 2})
	require.NoError(t, d.Start(context.Background()))
	defer d.Stop()

	r, err := d.AddAt(1, newEventSocket(t))
	require.NoError(t, err)
	assert.Equal(t, 1, r.Index())
	assert.Equal(t, 1, r.CurrentSockets())

	extra := newEventSocket(t)
	defer unix.Close(extra.fd)
	_, err = d.AddAt(2, extra)
	assert.ErrorIs(t, err, ErrOutOfBounds)
}

func TestDispatcher_ExecuteReachesEveryReactor(t *testing.T) {
	d := NewDispatcher(DispatcherConfig{Reactors: 4})
	require.NoError(t, d.Start(context.Background()))
	defer d.Stop()

	var mu sync.Mutex
	seen := map[int]bool{}
	require.NoError(t, d.Execute(func(r *Reactor) {
		mu.Lock()
		seen[r.Index()] = true
		mu.Unlock()
	}))
	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 4
	}, 5*time.Second, 5*time.Millisecond)
}
