// Package timer implements the monotonic timer manager: a min-heap of
// pending timers keyed by (deadline, insertion sequence), supporting
// one-shot, recurring, and condition-gated timers.
//
// The clock is CLOCK_MONOTONIC_RAW. Rollover handling is defensive only; on
// detection every pending timer is treated as expired so nothing can stall
// indefinitely.
package timer

import (
	"container/heap"
	"sync"
	"weak"

	"golang.org/x/sys/unix"
)

// NoTimer is the NextTimerMS sentinel for an empty manager.
const NoTimer = ^uint64(0)

// rolloverThresholdMS is the hour-scale backward jump past which the clock
// is considered to have rolled over.
const rolloverThresholdMS = 60 * 60 * 1000

// nowMS returns milliseconds on the raw monotonic clock.
func nowMS() uint64 {
	var ts unix.Timespec
	if err := unix.ClockGettime(unix.CLOCK_MONOTONIC_RAW, &ts); err != nil {
		return 0
	}
	return uint64(ts.Sec)*1000 + uint64(ts.Nsec)/1000000
}

// Timer is a pending callback registered with a Manager. It is shared
// between the user (who may cancel, refresh, or reset it) and the manager
// holding it in the heap.
type Timer struct {
	mgr       *Manager
	periodMS  uint64
	deadline  uint64
	seq       uint64
	cb        func()
	recurring bool
	index     int // position in the heap, -1 when detached
}

// Manager owns the ordered set of pending timers.
type Manager struct {
	mu      sync.Mutex
	heap    timerHeap
	seq     uint64
	tickled bool
	prevMS  uint64

	// notifyFront fires when a new timer becomes the earliest deadline and
	// the tickled flag was clear. The I/O manager uses it to interrupt
	// epoll_wait so the wait timeout is recomputed.
	notifyFront func()
}

// NewManager creates a timer manager. notifyFront may be nil.
func NewManager(notifyFront func()) *Manager {
	return &Manager{prevMS: nowMS(), notifyFront: notifyFront}
}

// AddTimer registers cb to run periodMS milliseconds from now, re-armed
// after each firing when recurring is set.
func (m *Manager) AddTimer(periodMS uint64, cb func(), recurring bool) *Timer {
	t := &Timer{
		mgr:       m,
		periodMS:  periodMS,
		deadline:  nowMS() + periodMS,
		cb:        cb,
		recurring: recurring,
		index:     -1,
	}
	m.mu.Lock()
	atFront := m.insertLocked(t)
	m.mu.Unlock()
	if atFront && m.notifyFront != nil {
		m.notifyFront()
	}
	return t
}

// AddConditionTimer registers a timer whose callback runs only if the weak
// reference can still be upgraded at fire time; otherwise the firing is
// dropped silently. This is how a callback's lifetime is tied to the object
// it works on.
func AddConditionTimer[T any](m *Manager, periodMS uint64, cb func(), cond weak.Pointer[T], recurring bool) *Timer {
	return m.AddTimer(periodMS, func() {
		if cond.Value() != nil {
			cb()
		}
	}, recurring)
}

// NextTimerMS returns milliseconds until the earliest deadline, 0 if one is
// already due, or NoTimer when the manager is empty. It clears the tickled
// flag so the next front insertion notifies again.
func (m *Manager) NextTimerMS() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tickled = false
	if len(m.heap) == 0 {
		return NoTimer
	}
	now := nowMS()
	next := m.heap[0].deadline
	if now >= next {
		return 0
	}
	return next - now
}

// ListExpired moves the callbacks of every due timer out of the manager.
// Recurring timers are re-queued with a refreshed deadline; one-shots drop
// their callback reference. On clock rollover every timer is expired.
func (m *Manager) ListExpired() []func() {
	now := nowMS()

	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.heap) == 0 {
		return nil
	}

	rollover := m.detectRolloverLocked(now)
	if !rollover && m.heap[0].deadline > now {
		return nil
	}

	// Pop every due timer first; re-queueing recurring ones inside the pop
	// loop would make them due again (period 0, or rollover) and never end.
	var expired []*Timer
	for len(m.heap) > 0 && (rollover || m.heap[0].deadline <= now) {
		expired = append(expired, heap.Pop(&m.heap).(*Timer))
	}
	var cbs []func()
	for _, t := range expired {
		cbs = append(cbs, t.cb)
		if t.recurring {
			t.deadline = now + t.periodMS
			t.seq = m.seq
			m.seq++
			heap.Push(&m.heap, t)
		} else {
			t.cb = nil
		}
	}
	return cbs
}

// HasTimer reports whether any timer is pending.
func (m *Manager) HasTimer() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.heap) > 0
}

// insertLocked pushes t and reports whether it became the new minimum while
// the tickled flag was clear; redundant front notifications are collapsed
// until NextTimerMS clears the flag.
func (m *Manager) insertLocked(t *Timer) bool {
	t.seq = m.seq
	m.seq++
	heap.Push(&m.heap, t)
	atFront := t.index == 0 && !m.tickled
	if atFront {
		m.tickled = true
	}
	return atFront
}

func (m *Manager) detectRolloverLocked(now uint64) bool {
	rollover := now < m.prevMS && now < m.prevMS-rolloverThresholdMS
	m.prevMS = now
	return rollover
}

// Cancel removes the timer from its manager if still pending and clears its
// callback. It reports false when the timer has already fired or been
// cancelled.
func (t *Timer) Cancel() bool {
	m := t.mgr
	m.mu.Lock()
	defer m.mu.Unlock()
	if t.cb == nil {
		return false
	}
	t.cb = nil
	if t.index >= 0 {
		heap.Remove(&m.heap, t.index)
	}
	return true
}

// Refresh pushes the timer's deadline to one full period from now. It
// reports false when the timer is no longer pending.
func (t *Timer) Refresh() bool {
	m := t.mgr
	m.mu.Lock()
	defer m.mu.Unlock()
	if t.cb == nil || t.index < 0 {
		return false
	}
	heap.Remove(&m.heap, t.index)
	t.deadline = nowMS() + t.periodMS
	t.seq = m.seq
	m.seq++
	heap.Push(&m.heap, t)
	return true
}

// Reset changes the timer's period. With fromNow false and an unchanged
// period it is a no-op; otherwise the deadline is recomputed from now or
// from the timer's prior origin.
func (t *Timer) Reset(periodMS uint64, fromNow bool) bool {
	if periodMS == t.periodMS && !fromNow {
		return true
	}
	m := t.mgr
	m.mu.Lock()
	if t.cb == nil || t.index < 0 {
		m.mu.Unlock()
		return false
	}
	heap.Remove(&m.heap, t.index)
	var start uint64
	if fromNow {
		start = nowMS()
	} else {
		start = t.deadline - t.periodMS
	}
	t.periodMS = periodMS
	t.deadline = start + periodMS
	atFront := m.insertLocked(t)
	m.mu.Unlock()
	if atFront && m.notifyFront != nil {
		m.notifyFront()
	}
	return true
}

// timerHeap orders by (deadline, seq) so same-deadline timers fire in
// insertion order.
type timerHeap []*Timer

func (h timerHeap) Len() int { return len(h) }

func (h timerHeap) Less(i, j int) bool {
	if h[i].deadline != h[j].deadline {
		return h[i].deadline < h[j].deadline
	}
	return h[i].seq < h[j].seq
}

func (h timerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *timerHeap) Push(x any) {
	t := x.(*Timer)
	t.index = len(*h)
	*h = append(*h, t)
}

func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.index = -1
	*h = old[:n-1]
	return t
}
