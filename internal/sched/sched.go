// Package sched implements the hybrid N:M task scheduler. Tasks (fibers or
// plain callbacks) are multiplexed over a fixed pool of worker goroutines,
// each running the dispatcher loop. The calling goroutine can contribute one
// worker slot via the useCaller mode, in which case draining happens inside
// Stop through a detached dispatcher fiber.
package sched

import (
	"sync"
	"sync/atomic"

	"github.com/petermattis/goid"
	"go.uber.org/zap"

	"github.com/kaze-rt/kaze/internal/fiber"
	"github.com/kaze-rt/kaze/internal/logx"
)

// AnyWorker schedules a task without worker affinity.
const AnyWorker = -1

// Task is a unit of scheduling: exactly one of fiber or fn is set. worker
// pins the task to a specific worker id, AnyWorker means any.
type task struct {
	fiber  *fiber.Fiber
	fn     func()
	worker int
}

// Hooks are the scheduler operations an extension (the I/O manager)
// overrides. The plain scheduler is its own default implementation: a no-op
// tickle, a busy idle that yields immediately, and the base stopping
// condition.
type Hooks interface {
	// Tickle wakes workers so they re-examine the task queue.
	Tickle()
	// Idle runs inside a worker's idle fiber while the queue is empty. It
	// must yield regularly and return once Stopping holds.
	Idle()
	// Stopping reports whether the dispatcher loops may exit.
	Stopping() bool
}

var (
	schedByGoid      sync.Map // goid  -> *Scheduler
	schedByFiber     sync.Map // *fiber.Fiber -> *Scheduler
	dispatcherByGoid sync.Map // goid  -> *fiber.Fiber
	workerByGoid     sync.Map // goid  -> int
	workerByFiber    sync.Map // *fiber.Fiber -> int
)

// Scheduler multiplexes tasks over worker goroutines.
type Scheduler struct {
	name string

	mu    sync.Mutex
	tasks []task
	stop  bool

	workerCount int // total worker slots, caller included
	spawnCount  int // goroutines spawned by Start
	useCaller   bool
	callerGoid  int64
	rootFiber   *fiber.Fiber // caller dispatcher, useCaller only

	started bool
	wg      sync.WaitGroup

	active      atomic.Int64
	idleWorkers atomic.Int64

	hooks Hooks
	owner any
}

// New creates a scheduler with the given number of worker slots. When
// useCaller is true the calling goroutine contributes worker 0 and Stop
// drains remaining tasks on it; one fewer goroutine is spawned by Start.
func New(workers int, useCaller bool, name string) *Scheduler {
	if workers < 1 {
		panic("sched: worker count must be >= 1")
	}
	s := &Scheduler{
		name:        name,
		workerCount: workers,
		spawnCount:  workers,
		useCaller:   useCaller,
	}
	s.hooks = s

	if useCaller {
		s.spawnCount--
		fiber.Adopt()
		gid := goid.Get()
		if _, exists := schedByGoid.Load(gid); exists {
			fatalf(s, "caller goroutine already drives a scheduler")
		}
		schedByGoid.Store(gid, s)
		s.callerGoid = gid
		// The caller dispatcher is detached: its yield returns control to
		// the adopting goroutine, not to a dispatch loop.
		s.rootFiber = fiber.New(func() { s.run(0) }, fiber.Detached())
	}
	return s
}

// SetHooks overrides the tickle/idle/stopping operations. Must be called
// before Start.
func (s *Scheduler) SetHooks(h Hooks) {
	if s.started {
		fatalf(s, "SetHooks after Start")
	}
	s.hooks = h
}

// AttachOwner records the extension object (the I/O manager) that owns this
// scheduler, retrievable through Owner from dispatch context.
func (s *Scheduler) AttachOwner(o any) { s.owner = o }

// Owner returns the attached extension object, or nil.
func (s *Scheduler) Owner() any { return s.owner }

// Name returns the scheduler's name.
func (s *Scheduler) Name() string { return s.name }

// Workers returns the number of worker slots. Worker ids range over
// [0, Workers); with useCaller, worker 0 is the caller.
func (s *Scheduler) Workers() int { return s.workerCount }

// Current returns the scheduler driving the calling context: the one bound
// to the currently running fiber if any, else the one bound to the calling
// goroutine (a worker or the caller goroutine of a useCaller scheduler).
func Current() *Scheduler {
	if f := fiber.Current(); f != nil {
		if v, ok := schedByFiber.Load(f); ok {
			return v.(*Scheduler)
		}
	}
	if v, ok := schedByGoid.Load(goid.Get()); ok {
		return v.(*Scheduler)
	}
	return nil
}

// Dispatcher returns the dispatcher fiber of the calling worker goroutine,
// or nil when called off a worker.
func Dispatcher() *fiber.Fiber {
	if v, ok := dispatcherByGoid.Load(goid.Get()); ok {
		return v.(*fiber.Fiber)
	}
	return nil
}

// CurrentWorker returns the id of the worker executing the calling context,
// or AnyWorker when called off a worker.
func CurrentWorker() int {
	if f := fiber.Current(); f != nil {
		if v, ok := workerByFiber.Load(f); ok {
			return v.(int)
		}
	}
	if v, ok := workerByGoid.Load(goid.Get()); ok {
		return v.(int)
	}
	return AnyWorker
}

// Schedule appends a task to the queue. v must be a *fiber.Fiber or a
// func(); worker pins it to a worker id, AnyWorker means any. If the queue
// was empty the workers are tickled. Safe from any goroutine, including from
// within a running fiber.
func (s *Scheduler) Schedule(v any, worker int) {
	t := task{worker: worker}
	switch x := v.(type) {
	case *fiber.Fiber:
		t.fiber = x
		schedByFiber.Store(x, s)
	case func():
		t.fn = x
	default:
		fatalf(s, "schedule: unsupported task type %T", v)
	}

	s.mu.Lock()
	needTickle := len(s.tasks) == 0
	s.tasks = append(s.tasks, t)
	s.mu.Unlock()

	if needTickle {
		s.hooks.Tickle()
	}
}

// Start spawns the worker goroutines.
func (s *Scheduler) Start() {
	s.mu.Lock()
	if s.stop {
		logx.Logger().Error("scheduler start after stop", zap.String("name", s.name))
		s.mu.Unlock()
		return
	}
	if s.started {
		fatalf(s, "start called twice")
	}
	s.started = true
	s.mu.Unlock()

	logx.Logger().Info("scheduler start", zap.String("name", s.name), zap.Int("workers", s.workerCount))
	first := 0
	if s.useCaller {
		first = 1 // worker 0 is the caller dispatcher
	}
	for i := 0; i < s.spawnCount; i++ {
		id := first + i
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.run(id)
		}()
	}
}

// Stop requests termination, wakes every worker, drains remaining tasks on
// the caller dispatcher when useCaller is set, and joins the workers. It
// returns only once every dequeued task has run to completion or to a yield
// that leaves no further scheduling.
func (s *Scheduler) Stop() {
	if s.hooks.Stopping() {
		return
	}
	s.mu.Lock()
	s.stop = true
	s.mu.Unlock()

	// A useCaller scheduler may only be stopped from its caller goroutine;
	// anything else indicates a lifetime bug.
	if s.useCaller {
		if Current() != s {
			fatalf(s, "stop of a useCaller scheduler from a foreign goroutine")
		}
	} else if Current() == s {
		fatalf(s, "stop from inside the scheduler's own worker")
	}

	for i := 0; i < s.spawnCount; i++ {
		s.hooks.Tickle()
	}
	if s.rootFiber != nil {
		s.hooks.Tickle()
		s.rootFiber.Resume()
		logx.Logger().Debug("caller dispatcher drained", zap.String("name", s.name))
	}
	s.wg.Wait()
	if s.useCaller {
		schedByGoid.Delete(s.callerGoid)
	}
	logx.Logger().Info("scheduler stopped", zap.String("name", s.name))
}

// Stopping is the base termination condition: stop requested, queue empty,
// no task mid-dispatch. It doubles as the default Hooks implementation.
func (s *Scheduler) Stopping() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stop && len(s.tasks) == 0 && s.active.Load() == 0
}

// Tickle is the default wake-up: a no-op. The plain scheduler's idle fiber
// busy-yields, so workers notice new tasks on their next pass.
func (s *Scheduler) Tickle() {
	logx.Logger().Debug("tickle", zap.String("name", s.name))
}

// Idle is the default idle fiber body: yield immediately until stopping.
func (s *Scheduler) Idle() {
	for !s.hooks.Stopping() {
		fiber.Current().Yield()
	}
}

// HasIdleWorkers reports whether any worker is parked in its idle fiber.
func (s *Scheduler) HasIdleWorkers() bool { return s.idleWorkers.Load() > 0 }

// take removes the first dispatchable task for worker wid. It reports
// whether other workers should be tickled: either a task pinned elsewhere
// was skipped, or tasks remain after the removal.
func (s *Scheduler) take(wid int) (t task, found, tickleMe bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := 0; i < len(s.tasks); i++ {
		c := s.tasks[i]
		if c.worker != AnyWorker && c.worker != wid {
			tickleMe = true
			continue
		}
		// A fiber that re-scheduled itself before finishing its yield (the
		// add-event-then-immediate-fire race) is skipped this pass rather
		// than asserted on.
		if c.fiber != nil && c.fiber.State() == fiber.Running {
			continue
		}
		copy(s.tasks[i:], s.tasks[i+1:])
		s.tasks = s.tasks[:len(s.tasks)-1]
		s.active.Add(1)
		found = true
		t = c
		break
	}
	tickleMe = tickleMe || (found && len(s.tasks) > 0)
	return t, found, tickleMe
}

// run is the dispatcher loop bound to worker wid. It executes on a spawned
// worker goroutine, or on the caller dispatcher fiber for worker 0 of a
// useCaller scheduler.
func (s *Scheduler) run(wid int) {
	gid := goid.Get()
	schedByGoid.Store(gid, s)
	defer schedByGoid.Delete(gid)
	workerByGoid.Store(gid, wid)
	defer workerByGoid.Delete(gid)

	self := fiber.Current()
	if self == nil {
		self = fiber.Adopt()
	}
	dispatcherByGoid.Store(gid, self)
	defer dispatcherByGoid.Delete(gid)

	idleFiber := fiber.New(s.hooks.Idle)
	schedByFiber.Store(idleFiber, s)
	var cbFiber *fiber.Fiber

	logx.Logger().Debug("dispatcher enter", zap.String("name", s.name), zap.Int("worker", wid))
	for {
		t, found, tickleMe := s.take(wid)
		if tickleMe {
			s.hooks.Tickle()
		}

		switch {
		case found && t.fiber != nil:
			workerByFiber.Store(t.fiber, wid)
			t.fiber.Resume()
			s.active.Add(-1)
			if t.fiber.State() == fiber.Terminated {
				schedByFiber.Delete(t.fiber)
				workerByFiber.Delete(t.fiber)
			}
		case found && t.fn != nil:
			// Reuse the callback fiber only once terminated. A callback that
			// yielded mid-run lives on as a fiber task somewhere in the
			// queue; abandon it and start a fresh one.
			if cbFiber != nil && cbFiber.State() == fiber.Terminated {
				cbFiber.Reset(t.fn)
			} else {
				cbFiber = fiber.New(t.fn)
				schedByFiber.Store(cbFiber, s)
			}
			workerByFiber.Store(cbFiber, wid)
			cbFiber.Resume()
			s.active.Add(-1)
			if cbFiber.State() == fiber.Terminated {
				workerByFiber.Delete(cbFiber)
			}
		default:
			if idleFiber.State() == fiber.Terminated {
				logx.Logger().Debug("dispatcher exit", zap.String("name", s.name), zap.Int("worker", wid))
				schedByFiber.Delete(idleFiber)
				if cbFiber != nil && cbFiber.State() == fiber.Terminated {
					schedByFiber.Delete(cbFiber)
				}
				return
			}
			s.idleWorkers.Add(1)
			idleFiber.Resume()
			s.idleWorkers.Add(-1)
		}
	}
}

func fatalf(s *Scheduler, format string, args ...any) {
	logx.Logger().Sugar().Errorf("scheduler %s: "+format, append([]any{s.name}, args...)...)
	panic("sched: " + s.name + ": invariant violation")
}
