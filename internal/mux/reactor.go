//go:build linux

package mux

import (
	"container/list"
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"

	"github.com/duderino/everscale-sub002/internal/obs"
	"github.com/duderino/everscale-sub002/internal/status"
)

const (
	minIdleTimeout  = 10 * time.Millisecond
	maxIdleTimeout  = 30 * time.Minute
	maxWait         = time.Second
	maxWaitErrors   = 10
	maxAcceptsPerOp = 64
	eventBatch      = 256
)

type ReactorConfig struct {
	Name  string
	Index int
	// MaxSockets bounds registrations. Zero means unbounded.
	MaxSockets int
	// IdleTimeout removes sockets with no activity for this long. Zero
	// disables idle detection; other values clamp to [10ms, 30m].
	IdleTimeout time.Duration
	Logger      obs.Logger
	Meter       obs.Meter
}

type entry struct {
	s          Socket
	fd         int
	gen        uint32
	interests  uint32
	lastActive time.Time
	elem       *list.Element
	dead       bool
	resume     bool
	internal   bool
}

// Reactor is one epoll loop. Sockets are level-triggered: a socket that
// stops wanting a direction simply drops the interest, and resuming it
// re-reports whatever the kernel still holds.
type Reactor struct {
	cfg      ReactorConfig
	epfd     int
	commands *commandSocket

	mu       sync.Mutex
	byFd     map[int]*entry
	bySocket map[Socket]*entry
	idle     *list.List
	dead     []*entry
	resumes  []*entry
	ticks    []func(time.Time)
	gen      uint32

	count    atomic.Int64
	running  atomic.Bool
	stopping atomic.Bool
	started  chan struct{}
	now      time.Time
}

// NewReactor creates the epoll instance and its command socket. Nothing runs
// until Run.
func NewReactor(cfg ReactorConfig) (*Reactor, error) {
	if cfg.Logger == nil {
		cfg.Logger = obs.NopLogger{}
	}
	if cfg.Meter == nil {
		cfg.Meter = obs.NopMeter{}
	}
	if cfg.Name == "" {
		cfg.Name = fmt.Sprintf("reactor-%d", cfg.Index)
	}
	if cfg.IdleTimeout > 0 {
		cfg.IdleTimeout = min(max(cfg.IdleTimeout, minIdleTimeout), maxIdleTimeout)
	}
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("mux: %s: epoll_create: %w", cfg.Name, err)
	}
	r := &Reactor{
		cfg:      cfg,
		epfd:     epfd,
		byFd:     make(map[int]*entry),
		bySocket: make(map[Socket]*entry),
		idle:     list.New(),
		started:  make(chan struct{}),
		now:      time.Now(),
	}
	r.commands, err = newCommandSocket(cfg.Name)
	if err != nil {
		unix.Close(epfd)
		return nil, err
	}
	if err := r.add(r.commands, true); err != nil {
		r.commands.HandleRemove()
		unix.Close(epfd)
		return nil, err
	}
	return r, nil
}

func (r *Reactor) Index() int   { return r.cfg.Index }
func (r *Reactor) Name() string { return r.cfg.Name }

// CurrentSockets counts application sockets, not the internal command queue.
func (r *Reactor) CurrentSockets() int { return int(r.count.Load()) }
func (r *Reactor) MaximumSockets() int { return r.cfg.MaxSockets }

func (r *Reactor) Running() bool { return r.running.Load() && !r.stopping.Load() }

// Started is closed once the loop goroutine is running.
func (r *Reactor) Started() <-chan struct{} { return r.started }

func (r *Reactor) Add(s Socket) error { return r.add(s, false) }

func (r *Reactor) add(s Socket, internal bool) error {
	if r.stopping.Load() {
		return status.ErrShutdown
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if !internal && r.cfg.MaxSockets > 0 && int(r.count.Load()) >= r.cfg.MaxSockets {
		return fmt.Errorf("mux: %s: %d sockets: %w", r.cfg.Name, r.cfg.MaxSockets, status.ErrOverflow)
	}
	if _, ok := r.bySocket[s]; ok {
		return ErrAlreadyRegistered
	}
	r.gen++
	e := &entry{s: s, fd: s.Fd(), gen: r.gen, interests: interestsOf(s), internal: internal}
	ev := unix.EpollEvent{Events: e.interests, Fd: int32(e.fd), Pad: int32(e.gen)}
	if err := unix.EpollCtl(r.epfd, unix.EPOLL_CTL_ADD, e.fd, &ev); err != nil {
		return fmt.Errorf("mux: %s: add %s: %w", r.cfg.Name, s.Name(), err)
	}
	r.byFd[e.fd] = e
	r.bySocket[s] = e
	if !internal {
		r.count.Add(1)
	}
	if !s.Permanent() && r.cfg.IdleTimeout > 0 {
		e.lastActive = time.Now()
		e.elem = r.idle.PushBack(e)
	}
	return nil
}

func interestsOf(s Socket) uint32 {
	ev := uint32(unix.EPOLLERR)
	switch {
	case s.WantAccept():
		ev |= unix.EPOLLIN
	case s.WantConnect():
		ev |= unix.EPOLLIN | unix.EPOLLOUT
	default:
		if s.WantRead() {
			ev |= unix.EPOLLIN
		}
		if s.WantWrite() {
			ev |= unix.EPOLLOUT
		}
	}
	return ev
}

// Update re-reads the socket's interests and re-arms epoll if they changed.
// It also counts as activity for idle detection, since sockets driven from
// another socket's callbacks never see their own events. Unregistered
// sockets are ignored.
func (r *Reactor) Update(s Socket) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.bySocket[s]
	if !ok || e.dead {
		return nil
	}
	if e.elem != nil {
		e.lastActive = r.now
		r.idle.MoveToBack(e.elem)
	}
	return r.updateLocked(e)
}

func (r *Reactor) updateLocked(e *entry) error {
	interests := interestsOf(e.s)
	if interests == e.interests {
		return nil
	}
	ev := unix.EpollEvent{Events: interests, Fd: int32(e.fd), Pad: int32(e.gen)}
	if err := unix.EpollCtl(r.epfd, unix.EPOLL_CTL_MOD, e.fd, &ev); err != nil {
		return fmt.Errorf("mux: %s: update %s: %w", r.cfg.Name, e.s.Name(), err)
	}
	e.interests = interests
	return nil
}

// Remove unregisters s and runs its HandleRemove. Its CleanupHandler runs
// later in the loop pass.
func (r *Reactor) Remove(s Socket) error {
	r.mu.Lock()
	e, ok := r.bySocket[s]
	r.mu.Unlock()
	if !ok {
		return ErrNotRegistered
	}
	r.remove(e)
	return nil
}

func (r *Reactor) remove(e *entry) {
	r.mu.Lock()
	if e.dead {
		r.mu.Unlock()
		return
	}
	if err := unix.EpollCtl(r.epfd, unix.EPOLL_CTL_DEL, e.fd, nil); err != nil {
		r.cfg.Logger.Logf(obs.Debug, "%s: epoll del %s: %v", r.cfg.Name, e.s.Name(), err)
	}
	if r.byFd[e.fd] == e {
		delete(r.byFd, e.fd)
	}
	delete(r.bySocket, e.s)
	if e.elem != nil {
		r.idle.Remove(e.elem)
		e.elem = nil
	}
	if !e.internal {
		r.count.Add(-1)
	}
	r.dead = append(r.dead, e)
	e.dead = true
	r.mu.Unlock()
	e.s.HandleRemove()
}

// Resume schedules HandleResume for s on the next loop pass. Sockets that do
// not implement Resumer are only re-armed.
func (r *Reactor) Resume(s Socket) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.bySocket[s]
	if !ok || e.dead || e.resume {
		return
	}
	e.resume = true
	r.resumes = append(r.resumes, e)
}

// Execute runs f on the reactor goroutine.
func (r *Reactor) Execute(f func()) error {
	return r.commands.Push(f)
}

// OnTick registers f to run on the reactor about once a second.
func (r *Reactor) OnTick(f func(now time.Time)) {
	r.mu.Lock()
	r.ticks = append(r.ticks, f)
	r.mu.Unlock()
}

// Stop asks the loop to exit. Run then removes every socket.
func (r *Reactor) Stop() {
	if r.stopping.CompareAndSwap(false, true) {
		_ = r.commands.Wake()
	}
}

// Run drives the loop on the calling goroutine, locked to its OS thread,
// until Stop, ctx cancellation or repeated wait failures.
func (r *Reactor) Run(ctx context.Context) error {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	stop := context.AfterFunc(ctx, r.Stop)
	defer stop()

	r.running.Store(true)
	close(r.started)
	defer r.destroy()

	r.cfg.Logger.Logf(obs.Info, "%s: running", r.cfg.Name)
	events := make([]unix.EpollEvent, eventBatch)
	lastTick := time.Now()
	waitErrors := 0
	for !r.stopping.Load() {
		r.now = time.Now()
		r.checkIdle()
		if r.now.Sub(lastTick) >= maxWait {
			lastTick = r.now
			r.runTicks()
		}
		n, err := unix.EpollWait(r.epfd, events, r.waitMillis())
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			waitErrors++
			r.cfg.Logger.Logf(obs.Warn, "%s: epoll_wait: %v", r.cfg.Name, err)
			if waitErrors >= maxWaitErrors {
				return fmt.Errorf("mux: %s: epoll_wait failed %d times: %w", r.cfg.Name, waitErrors, err)
			}
			continue
		}
		waitErrors = 0
		r.now = time.Now()
		for i := 0; i < n; i++ {
			r.dispatch(events[i])
		}
		r.runResumes()
		r.reap()
	}
	return nil
}

func (r *Reactor) waitMillis() int {
	r.mu.Lock()
	pending := len(r.resumes) > 0
	r.mu.Unlock()
	if pending {
		return 0
	}
	wait := maxWait
	if r.cfg.IdleTimeout > 0 {
		wait = min(wait, r.cfg.IdleTimeout)
	}
	return int(wait / time.Millisecond)
}

func (r *Reactor) lookup(ev unix.EpollEvent) *entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.byFd[int(ev.Fd)]
	if !ok || e.dead || e.gen != uint32(ev.Pad) {
		return nil
	}
	return e
}

func (r *Reactor) dispatch(ev unix.EpollEvent) {
	e := r.lookup(ev)
	if e == nil {
		return
	}
	s, events := e.s, ev.Events
	var err error
	switch {
	case s.WantAccept():
		err = r.dispatchAccept(e, events)
	case s.WantConnect():
		switch {
		case events&unix.EPOLLERR != 0:
			s.HandleError(socketError(e.fd))
			err = status.ErrClosed
		case events&unix.EPOLLHUP != 0:
			s.HandleRemoteClose()
			err = status.ErrClosed
		default:
			err = s.HandleConnect()
		}
	default:
		err = r.dispatchIO(e, events)
	}
	r.settle(e, err, true)
}

func (r *Reactor) dispatchAccept(e *entry, events uint32) error {
	if events&unix.EPOLLERR != 0 {
		e.s.HandleError(socketError(e.fd))
		return status.ErrClosed
	}
	for i := 0; i < maxAcceptsPerOp && !r.isDead(e); i++ {
		err := e.s.HandleAccept()
		switch {
		case errors.Is(err, status.ErrAgain):
			continue
		case err == nil:
			return status.ErrAgain
		default:
			return err
		}
	}
	return status.ErrAgain
}

func (r *Reactor) dispatchIO(e *entry, events uint32) error {
	s := e.s
	readable := events&unix.EPOLLIN != 0
	if events&unix.EPOLLERR != 0 {
		s.HandleError(socketError(e.fd))
		return status.ErrClosed
	}
	if events&unix.EPOLLHUP != 0 && !(readable && s.WantRead()) {
		s.HandleRemoteClose()
		return status.ErrClosed
	}
	err := status.ErrAgain
	if readable && s.WantRead() {
		err = s.HandleReadable()
	}
	if status.Keep(err) && !r.isDead(e) && events&unix.EPOLLOUT != 0 && s.WantWrite() {
		err = s.HandleWritable()
	}
	return err
}

// settle applies a callback's verdict: remove, or re-arm and refresh the
// idle deadline.
func (r *Reactor) settle(e *entry, err error, touch bool) {
	if r.isDead(e) {
		return
	}
	if !status.Keep(err) {
		if err != nil && !errors.Is(err, status.ErrClosed) {
			r.cfg.Logger.Logf(obs.Debug, "%s: removing %s: %v", r.cfg.Name, e.s.Name(), err)
		}
		r.remove(e)
		return
	}
	r.mu.Lock()
	uerr := r.updateLocked(e)
	if touch && e.elem != nil {
		e.lastActive = r.now
		r.idle.MoveToBack(e.elem)
	}
	r.mu.Unlock()
	if uerr != nil {
		r.cfg.Logger.Logf(obs.Warn, "%v", uerr)
		e.s.HandleIdle()
		r.remove(e)
	}
}

func (r *Reactor) isDead(e *entry) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return e.dead
}

func (r *Reactor) runResumes() {
	r.mu.Lock()
	pending := r.resumes
	r.resumes = nil
	r.mu.Unlock()
	for _, e := range pending {
		r.mu.Lock()
		e.resume = false
		dead := e.dead
		r.mu.Unlock()
		if dead {
			continue
		}
		rs, ok := e.s.(Resumer)
		if !ok {
			r.settle(e, status.ErrAgain, false)
			continue
		}
		r.settle(e, rs.HandleResume(), true)
	}
}

func (r *Reactor) checkIdle() {
	if r.cfg.IdleTimeout <= 0 {
		return
	}
	var expired []*entry
	r.mu.Lock()
	for el := r.idle.Front(); el != nil; el = el.Next() {
		e := el.Value.(*entry)
		if r.now.Sub(e.lastActive) < r.cfg.IdleTimeout {
			break
		}
		expired = append(expired, e)
	}
	r.mu.Unlock()
	for _, e := range expired {
		if r.isDead(e) {
			continue
		}
		r.cfg.Logger.Logf(obs.Debug, "%s: %s idle for %s", r.cfg.Name, e.s.Name(), r.cfg.IdleTimeout)
		r.cfg.Meter.Counter("everscale_reactor_idle_removed_total", 1)
		e.s.HandleIdle()
		r.remove(e)
	}
}

func (r *Reactor) runTicks() {
	r.mu.Lock()
	ticks := append([]func(time.Time){}, r.ticks...)
	r.mu.Unlock()
	for _, f := range ticks {
		f(r.now)
	}
}

func (r *Reactor) reap() {
	r.mu.Lock()
	dead := r.dead
	r.dead = nil
	r.mu.Unlock()
	for _, e := range dead {
		if ch := e.s.CleanupHandler(); ch != nil {
			ch.Destroy(e.s)
		}
	}
}

// destroy removes every socket, application sockets first so their final
// callbacks can still use the command queue's reactor.
func (r *Reactor) destroy() {
	r.stopping.Store(true)
	for {
		r.mu.Lock()
		var victims []*entry
		for _, e := range r.bySocket {
			if !e.internal {
				victims = append(victims, e)
			}
		}
		r.mu.Unlock()
		if len(victims) == 0 {
			break
		}
		for _, e := range victims {
			r.remove(e)
		}
		r.reap()
	}
	r.remove(r.bySocketEntry(r.commands))
	r.reap()
	unix.Close(r.epfd)
	r.running.Store(false)
	r.cfg.Logger.Logf(obs.Info, "%s: stopped", r.cfg.Name)
}

func (r *Reactor) bySocketEntry(s Socket) *entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.bySocket[s]; ok {
		return e
	}
	return &entry{s: s, dead: true}
}

func socketError(fd int) error {
	errno, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil {
		return err
	}
	if errno == 0 {
		return status.ErrClosed
	}
	return unix.Errno(errno)
}
