// Package fiber implements the stackful coroutine primitive of the runtime.
//
// A Fiber is a user-space execution context with explicit Resume/Yield
// transfer of control. Each fiber owns a dedicated goroutine; Resume unparks
// that goroutine and blocks the resumer until the fiber yields or terminates,
// Yield parks the fiber goroutine and unparks the resumer. The goroutine is
// the fiber's stack: it is spawned lazily on first Resume and exits when the
// entry function returns, which also drops the runtime's last reference to
// the running context.
//
// Exactly one fiber is "current" on any goroutine at a time. Goroutines that
// drive fibers (scheduler workers, the main goroutine) are represented by a
// primordial fiber adopted via Adopt; it has no entry function and is always
// Running.
package fiber

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/petermattis/goid"

	"github.com/kaze-rt/kaze/internal/logx"
)

// State is the lifecycle state of a fiber.
type State int32

const (
	// Ready means the fiber can be resumed.
	Ready State = iota
	// Running means the fiber is the current fiber of some goroutine.
	Running
	// Terminated means the entry function has returned. The fiber cannot be
	// resumed again unless Reset installs a new entry function.
	Terminated
)

func (s State) String() string {
	switch s {
	case Ready:
		return "Ready"
	case Running:
		return "Running"
	case Terminated:
		return "Terminated"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

var (
	nextID    atomic.Uint64
	liveCount atomic.Int64

	// current fiber per driving goroutine, keyed by goroutine id.
	current sync.Map // map[int64]*Fiber
)

// Fiber is a stackful coroutine.
type Fiber struct {
	id    uint64
	state atomic.Int32

	entry func()

	// runInScheduler marks fibers that participate in scheduler dispatch.
	// Dispatcher fibers created by a caller-thread scheduler carry false so
	// that their yield returns control to the adopting goroutine rather than
	// to a dispatch loop.
	runInScheduler bool

	// primordial fibers represent an adopted goroutine. They have no entry
	// function, are permanently Running, and cannot be resumed or yielded.
	primordial bool

	// resumeCh hands the fiber goroutine the resumer's completion channel.
	// Each Resume waits on its own channel: a racing second resumer (the
	// add-event-then-immediate-fire case the dispatcher skip rule exists
	// for) cannot steal the completion signal of the first.
	resumeCh chan chan struct{}
	doneCh   chan struct{}
	started  bool
}

// Option configures a fiber at construction time.
type Option func(*Fiber)

// Detached marks the fiber as not participating in scheduler dispatch. Used
// for caller-thread dispatcher fibers whose yield target is the adopting
// goroutine.
func Detached() Option {
	return func(f *Fiber) { f.runInScheduler = false }
}

// New creates a fiber that will run entry when first resumed. The fiber
// participates in scheduler dispatch unless the Detached option is given.
func New(entry func(), opts ...Option) *Fiber {
	if entry == nil {
		panic("fiber: nil entry function")
	}
	f := &Fiber{
		id:             nextID.Add(1),
		entry:          entry,
		runInScheduler: true,
		resumeCh:       make(chan chan struct{}),
	}
	for _, opt := range opts {
		opt(f)
	}
	f.state.Store(int32(Ready))
	liveCount.Add(1)
	return f
}

// Adopt returns the current fiber of the calling goroutine, creating a
// primordial fiber for it on first use. Scheduler workers call this once on
// entry; application goroutines that drive fibers directly may call it too.
func Adopt() *Fiber {
	gid := goid.Get()
	if v, ok := current.Load(gid); ok {
		return v.(*Fiber)
	}
	f := &Fiber{
		id:         nextID.Add(1),
		primordial: true,
	}
	f.state.Store(int32(Running))
	liveCount.Add(1)
	current.Store(gid, f)
	return f
}

// Current returns the fiber currently running on the calling goroutine, or
// nil if the goroutine has neither been adopted nor is executing a fiber
// entry function.
func Current() *Fiber {
	if v, ok := current.Load(goid.Get()); ok {
		return v.(*Fiber)
	}
	return nil
}

// CurrentID returns the id of the current fiber, or 0 if there is none.
func CurrentID() uint64 {
	if f := Current(); f != nil {
		return f.id
	}
	return 0
}

// TotalCount returns the number of live fibers, adopted ones included.
func TotalCount() int64 { return liveCount.Load() }

// ID returns the fiber's process-wide id.
func (f *Fiber) ID() uint64 { return f.id }

// State returns the fiber's lifecycle state.
func (f *Fiber) State() State { return State(f.state.Load()) }

// RunInScheduler reports whether the fiber participates in scheduler
// dispatch.
func (f *Fiber) RunInScheduler() bool { return f.runInScheduler }

// Resume transfers control to the fiber. The caller blocks until the fiber
// yields or terminates. The fiber must be Ready.
func (f *Fiber) Resume() {
	if f.primordial {
		fatalf("fiber %d: resume on primordial fiber", f.id)
	}
	if !f.state.CompareAndSwap(int32(Ready), int32(Running)) {
		fatalf("fiber %d: resume from state %v, want Ready", f.id, f.State())
	}
	done := make(chan struct{})
	if !f.started {
		f.started = true
		f.doneCh = done
		go f.trampoline()
	} else {
		f.resumeCh <- done
	}
	<-done
}

// Yield suspends the fiber and returns control to its resumer. Must be
// called from within the fiber's entry function. The fiber re-enters the
// Ready state and Yield returns when the fiber is next resumed.
func (f *Fiber) Yield() {
	if f.primordial {
		fatalf("fiber %d: yield on primordial fiber", f.id)
	}
	st := State(f.state.Load())
	if st != Running {
		fatalf("fiber %d: yield from state %v, want Running", f.id, st)
	}
	gid := goid.Get()
	current.Delete(gid)
	done := f.doneCh
	f.state.Store(int32(Ready))
	done <- struct{}{}
	f.doneCh = <-f.resumeCh
	current.Store(gid, f)
}

// Reset installs a new entry function on a terminated fiber, making it Ready
// again. The fiber object and its handshake channels are reused; a fresh
// goroutine is spawned on the next Resume.
func (f *Fiber) Reset(entry func()) {
	if f.primordial {
		fatalf("fiber %d: reset on primordial fiber", f.id)
	}
	if entry == nil {
		fatalf("fiber %d: reset with nil entry", f.id)
	}
	if State(f.state.Load()) != Terminated {
		fatalf("fiber %d: reset from state %v, want Terminated", f.id, f.State())
	}
	f.entry = entry
	f.started = false
	f.state.Store(int32(Ready))
	liveCount.Add(1)
}

// trampoline runs on the fiber's goroutine. It executes the entry function,
// marks the fiber Terminated, performs the final yield, and returns, letting
// the goroutine exit. The goroutine exit releases the running context; no
// reference to the fiber survives on this side of the handshake.
func (f *Fiber) trampoline() {
	gid := goid.Get()
	current.Store(gid, f)
	f.entry()
	f.entry = nil
	current.Delete(gid)
	liveCount.Add(-1)
	done := f.doneCh
	f.state.Store(int32(Terminated))
	done <- struct{}{}
}

// fatalf reports an invariant violation. Precondition violations indicate
// runtime corruption and are not recoverable.
func fatalf(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	logx.Logger().Error(msg)
	panic(msg)
}
