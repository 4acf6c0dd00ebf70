// Package ioman extends the scheduler with an epoll-based I/O reactor and
// the timer manager. Fd readiness and timer expirations are converted into
// scheduled tasks; the per-worker idle fiber is the reactor loop, blocking
// in epoll_wait while the task queue is empty.
//
// All fds are registered edge-triggered; consumers drain until EAGAIN.
// Registrations are one-shot from the caller's point of view: once an event
// fires, observing the next edge requires a new AddEvent.
package ioman

import (
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/kaze-rt/kaze/internal/fiber"
	"github.com/kaze-rt/kaze/internal/logx"
	"github.com/kaze-rt/kaze/internal/sched"
	"github.com/kaze-rt/kaze/internal/timer"
)

// Event is an fd interest. The values coincide with the epoll event bits so
// translation to and from the kernel is the identity.
type Event uint32

const (
	// None is the empty interest set.
	None Event = 0
	// Read maps to EPOLLIN.
	Read Event = unix.EPOLLIN
	// Write maps to EPOLLOUT.
	Write Event = unix.EPOLLOUT
)

func (e Event) String() string {
	switch e {
	case Read:
		return "Read"
	case Write:
		return "Write"
	case Read | Write:
		return "Read|Write"
	default:
		return fmt.Sprintf("Event(%#x)", uint32(e))
	}
}

// maxEvents is the epoll_wait batch size.
const maxEvents = 256

// maxTimeoutMS caps the epoll_wait timeout so the reactor re-examines the
// world at least every five seconds.
const maxTimeoutMS = 5000

// eventContext binds one fd event to the scheduler that must run its
// handler and to exactly one of a fiber or a callback.
type eventContext struct {
	scheduler *sched.Scheduler
	fiber     *fiber.Fiber
	cb        func()
}

func (c *eventContext) empty() bool {
	return c.scheduler == nil && c.fiber == nil && c.cb == nil
}

func (c *eventContext) reset() {
	c.scheduler = nil
	c.fiber = nil
	c.cb = nil
}

// fdContext is the per-fd record: registered interests plus the read and
// write event contexts. Mutated under its own mutex.
type fdContext struct {
	mu     sync.Mutex
	fd     int
	events Event
	read   eventContext
	write  eventContext
}

func (c *fdContext) ctx(e Event) *eventContext {
	switch e {
	case Read:
		return &c.read
	case Write:
		return &c.write
	default:
		panic(fmt.Sprintf("ioman: fd %d: no context for %v", c.fd, e))
	}
}

// trigger schedules the handler bound to e and clears the interest. The
// caller holds c.mu. Events are one-shot: the interest bit is consumed and
// the event context reset; re-arming requires a new AddEvent.
func (c *fdContext) trigger(e Event) {
	if c.events&e == 0 {
		panic(fmt.Sprintf("ioman: fd %d: trigger of unregistered %v", c.fd, e))
	}
	c.events &^= e
	ctx := c.ctx(e)
	if ctx.cb != nil {
		ctx.scheduler.Schedule(ctx.cb, sched.AnyWorker)
	} else {
		ctx.scheduler.Schedule(ctx.fiber, sched.AnyWorker)
	}
	ctx.reset()
}

// IOManager is the scheduler extended with the epoll reactor and the timer
// manager.
type IOManager struct {
	*sched.Scheduler
	*timer.Manager

	epfd      int
	tickleFds [2]int // 0: read end, 1: write end

	pending atomic.Int64

	mu         sync.RWMutex
	fdContexts []*fdContext
}

// New creates an I/O manager and starts its workers immediately.
func New(workers int, useCaller bool, name string) *IOManager {
	io := &IOManager{Scheduler: sched.New(workers, useCaller, name)}
	io.Manager = timer.NewManager(io.onFrontTimer)

	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		fatalf("epoll_create1: %v", err)
	}
	io.epfd = epfd

	if err := unix.Pipe2(io.tickleFds[:], unix.O_NONBLOCK|unix.O_CLOEXEC); err != nil {
		fatalf("pipe2: %v", err)
	}
	ev := unix.EpollEvent{
		Events: unix.EPOLLIN | unix.EPOLLET,
		Fd:     int32(io.tickleFds[0]),
	}
	if err := unix.EpollCtl(io.epfd, unix.EPOLL_CTL_ADD, io.tickleFds[0], &ev); err != nil {
		fatalf("epoll_ctl add wake pipe: %v", err)
	}

	io.resizeContexts(32)

	io.Scheduler.SetHooks(io)
	io.Scheduler.AttachOwner(io)
	io.Scheduler.Start()
	logx.Logger().Info("iomanager started", zap.String("name", io.Name()), zap.Int("workers", io.Workers()))
	return io
}

// Current returns the I/O manager driving the calling context, or nil.
func Current() *IOManager {
	s := sched.Current()
	if s == nil {
		return nil
	}
	io, _ := s.Owner().(*IOManager)
	return io
}

// Pending returns the number of registered fd events that have not fired.
func (io *IOManager) Pending() int64 { return io.pending.Load() }

// SetNonblocking puts fd into non-blocking mode.
func SetNonblocking(fd int) error { return unix.SetNonblock(fd, true) }

// resizeContexts grows the fd context table to at least size entries.
// Callers must hold no lock; the table lock is taken internally.
func (io *IOManager) resizeContexts(size int) {
	io.mu.Lock()
	defer io.mu.Unlock()
	io.growLocked(size)
}

func (io *IOManager) growLocked(size int) {
	if size <= len(io.fdContexts) {
		return
	}
	grown := make([]*fdContext, size)
	copy(grown, io.fdContexts)
	for i := range grown {
		if grown[i] == nil {
			grown[i] = &fdContext{fd: i}
		}
	}
	io.fdContexts = grown
}

// fdContextFor returns the context record for fd, growing the table by x1.5
// when fd has not been seen before.
func (io *IOManager) fdContextFor(fd int) *fdContext {
	io.mu.RLock()
	if fd < len(io.fdContexts) {
		c := io.fdContexts[fd]
		io.mu.RUnlock()
		return c
	}
	io.mu.RUnlock()

	io.mu.Lock()
	io.growLocked(fd + fd/2 + 1)
	c := io.fdContexts[fd]
	io.mu.Unlock()
	return c
}

// lookup returns the context record for fd without growing, or nil.
func (io *IOManager) lookup(fd int) *fdContext {
	io.mu.RLock()
	defer io.mu.RUnlock()
	if fd < 0 || fd >= len(io.fdContexts) {
		return nil
	}
	return io.fdContexts[fd]
}

// AddEvent registers interest in event on fd. The handler is cb when given,
// otherwise the currently running fiber, and runs on the scheduler current
// at registration time. The fd is switched to non-blocking. Registering an
// event already present on the fd is a caller bug and fatal.
func (io *IOManager) AddEvent(fd int, event Event, cb func()) error {
	if event != Read && event != Write {
		fatalf("add event: fd %d: invalid event %v", fd, event)
	}
	c := io.fdContextFor(fd)

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.events&event != 0 {
		fatalf("add event: fd %d: %v already registered (have %v)", fd, event, c.events)
	}

	op := unix.EPOLL_CTL_ADD
	if c.events != None {
		op = unix.EPOLL_CTL_MOD
	}
	ev := unix.EpollEvent{
		Events: unix.EPOLLET | uint32(c.events) | uint32(event),
		Fd:     int32(fd),
	}
	if err := unix.EpollCtl(io.epfd, op, fd, &ev); err != nil {
		logx.Logger().Error("epoll_ctl add failed",
			zap.Int("fd", fd), zap.Stringer("event", event), zap.Error(err))
		return fmt.Errorf("ioman: add event fd %d %v: %w", fd, event, err)
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		logx.Logger().Warn("set nonblocking failed", zap.Int("fd", fd), zap.Error(err))
	}

	io.pending.Add(1)
	c.events |= event
	ctx := c.ctx(event)
	if !ctx.empty() {
		fatalf("add event: fd %d: dirty context for %v", fd, event)
	}
	ctx.scheduler = sched.Current()
	if ctx.scheduler == nil {
		// Registration from outside any dispatch context binds to this
		// manager's own scheduler.
		ctx.scheduler = io.Scheduler
	}
	if cb != nil {
		ctx.cb = cb
	} else {
		ctx.fiber = fiber.Current()
		if ctx.fiber == nil || ctx.fiber.State() != fiber.Running {
			fatalf("add event: fd %d: no running fiber to bind", fd)
		}
	}
	return nil
}

// DelEvent removes interest in event on fd without invoking its handler.
func (io *IOManager) DelEvent(fd int, event Event) bool {
	c := io.lookup(fd)
	if c == nil {
		return false
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.events&event == 0 {
		return false
	}

	left := c.events &^ event
	if err := io.reregister(fd, left); err != nil {
		logx.Logger().Error("epoll_ctl del failed",
			zap.Int("fd", fd), zap.Stringer("event", event), zap.Error(err))
		return false
	}

	io.pending.Add(-1)
	c.events = left
	c.ctx(event).reset()
	return true
}

// CancelEvent removes interest in event on fd and triggers its handler
// once.
func (io *IOManager) CancelEvent(fd int, event Event) bool {
	c := io.lookup(fd)
	if c == nil {
		return false
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.events&event == 0 {
		return false
	}

	left := c.events &^ event
	if err := io.reregister(fd, left); err != nil {
		logx.Logger().Error("epoll_ctl cancel failed",
			zap.Int("fd", fd), zap.Stringer("event", event), zap.Error(err))
		return false
	}

	c.trigger(event)
	io.pending.Add(-1)
	return true
}

// CancelAll removes the fd from the epoll set and triggers every registered
// event, Read before Write.
func (io *IOManager) CancelAll(fd int) bool {
	c := io.lookup(fd)
	if c == nil {
		return false
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.events == None {
		return false
	}

	if err := unix.EpollCtl(io.epfd, unix.EPOLL_CTL_DEL, fd, nil); err != nil {
		logx.Logger().Error("epoll_ctl del-all failed", zap.Int("fd", fd), zap.Error(err))
	}
	if c.events&Read != 0 {
		c.trigger(Read)
		io.pending.Add(-1)
	}
	if c.events&Write != 0 {
		c.trigger(Write)
		io.pending.Add(-1)
	}
	if c.events != None {
		fatalf("cancel all: fd %d: interests remain after triggering (%v)", fd, c.events)
	}
	return true
}

// reregister modifies or removes the epoll registration of fd so it matches
// the remaining interest set.
func (io *IOManager) reregister(fd int, left Event) error {
	if left == None {
		return unix.EpollCtl(io.epfd, unix.EPOLL_CTL_DEL, fd, nil)
	}
	ev := unix.EpollEvent{Events: unix.EPOLLET | uint32(left), Fd: int32(fd)}
	return unix.EpollCtl(io.epfd, unix.EPOLL_CTL_MOD, fd, &ev)
}

// onFrontTimer runs when a timer is inserted before every existing one: the
// reactor must wake so the wait timeout is recomputed.
func (io *IOManager) onFrontTimer() { io.Tickle() }

// Tickle wakes one blocked reactor by writing a byte into the wake pipe.
// With no idle worker it is a no-op: busy workers observe new tasks on
// their next dispatch pass.
func (io *IOManager) Tickle() {
	if !io.HasIdleWorkers() {
		return
	}
	if _, err := unix.Write(io.tickleFds[1], []byte{'T'}); err != nil && err != unix.EAGAIN {
		logx.Logger().Error("wake pipe write failed", zap.Error(err))
	}
}

// Stopping requires the scheduler's stopping condition plus no registered
// fd events.
func (io *IOManager) Stopping() bool {
	return io.pending.Load() == 0 && io.Scheduler.Stopping()
}

// Stop shuts down the scheduler, then closes the epoll instance and the
// wake pipe.
func (io *IOManager) Stop() {
	io.Scheduler.Stop()
	_ = unix.Close(io.epfd)
	_ = unix.Close(io.tickleFds[0])
	_ = unix.Close(io.tickleFds[1])
	logx.Logger().Info("iomanager stopped", zap.String("name", io.Name()))
}

// Idle is the reactor loop, run as each worker's idle fiber. It blocks in
// epoll_wait bounded by the earliest timer deadline, converts readiness and
// expirations into scheduled tasks, and yields so the dispatcher picks them
// up.
func (io *IOManager) Idle() {
	events := make([]unix.EpollEvent, maxEvents)
	for {
		next := io.NextTimerMS()
		if next == timer.NoTimer && io.Stopping() {
			logx.Logger().Debug("reactor exit", zap.String("name", io.Name()))
			return
		}

		timeout := maxTimeoutMS
		if next != timer.NoTimer && next < maxTimeoutMS {
			timeout = int(next)
		}

		n, err := unix.EpollWait(io.epfd, events, timeout)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			logx.Logger().Error("epoll_wait failed", zap.Error(err))
			n = 0
		}

		for _, cb := range io.ListExpired() {
			io.Schedule(cb, sched.AnyWorker)
		}

		for i := 0; i < n; i++ {
			ev := &events[i]
			if int(ev.Fd) == io.tickleFds[0] {
				io.drainWakePipe()
				continue
			}
			io.handleReady(ev)
		}

		fiber.Current().Yield()
	}
}

// drainWakePipe empties the edge-triggered wake pipe.
func (io *IOManager) drainWakePipe() {
	var buf [256]byte
	for {
		n, err := unix.Read(io.tickleFds[0], buf[:])
		if n <= 0 || err != nil {
			return
		}
	}
}

// handleReady converts one epoll notification into triggers. EPOLLERR and
// EPOLLHUP fire both directions intersected with the registered interests,
// otherwise a registration could never be observed again.
func (io *IOManager) handleReady(ev *unix.EpollEvent) {
	c := io.lookup(int(ev.Fd))
	if c == nil {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	bits := ev.Events
	if bits&(unix.EPOLLERR|unix.EPOLLHUP) != 0 {
		bits |= (unix.EPOLLIN | unix.EPOLLOUT) & uint32(c.events)
	}
	var fired Event
	if bits&unix.EPOLLIN != 0 {
		fired |= Read
	}
	if bits&unix.EPOLLOUT != 0 {
		fired |= Write
	}
	fired &= c.events
	if fired == None {
		return
	}

	left := c.events &^ fired
	if err := io.reregister(c.fd, left); err != nil {
		logx.Logger().Error("epoll_ctl rearm failed", zap.Int("fd", c.fd), zap.Error(err))
		return
	}

	if fired&Read != 0 {
		c.trigger(Read)
		io.pending.Add(-1)
	}
	if fired&Write != 0 {
		c.trigger(Write)
		io.pending.Add(-1)
	}
}

func fatalf(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	logx.Logger().Error(msg)
	panic("ioman: " + msg)
}
