// Package fdman tracks per-fd metadata consulted by the cooperative I/O
// wrappers: whether the fd is a socket, its blocking mode, and its send and
// receive timeouts.
package fdman

import (
	"sync"

	"golang.org/x/sys/unix"
)

// NoTimeout marks an unset timeout.
const NoTimeout = ^uint64(0)

// FdCtx is the metadata record of one file descriptor.
type FdCtx struct {
	mu sync.Mutex

	fd       int
	isInit   bool
	isSocket bool
	closed   bool

	// sysNonblock is set when the runtime switched the fd to non-blocking
	// for event registration; userNonblock when the application asked for
	// it explicitly.
	sysNonblock  bool
	userNonblock bool

	recvTimeoutMS uint64
	sendTimeoutMS uint64
}

func newFdCtx(fd int) *FdCtx {
	c := &FdCtx{fd: fd, recvTimeoutMS: NoTimeout, sendTimeoutMS: NoTimeout}
	var st unix.Stat_t
	if err := unix.Fstat(fd, &st); err == nil {
		c.isInit = true
		c.isSocket = st.Mode&unix.S_IFMT == unix.S_IFSOCK
	}
	return c
}

// Fd returns the descriptor value.
func (c *FdCtx) Fd() int { return c.fd }

// IsSocket reports whether the fd refers to a socket.
func (c *FdCtx) IsSocket() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.isSocket
}

// IsClosed reports whether Close was recorded for the fd.
func (c *FdCtx) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// SetClosed records that the fd has been closed.
func (c *FdCtx) SetClosed() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
}

// SetSysNonblock records runtime-driven non-blocking mode.
func (c *FdCtx) SetSysNonblock(v bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sysNonblock = v
}

// SysNonblock reports runtime-driven non-blocking mode.
func (c *FdCtx) SysNonblock() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sysNonblock
}

// SetUserNonblock records application-requested non-blocking mode.
func (c *FdCtx) SetUserNonblock(v bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.userNonblock = v
}

// UserNonblock reports application-requested non-blocking mode.
func (c *FdCtx) UserNonblock() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.userNonblock
}

// SetTimeout stores the timeout for kind, which is unix.SO_RCVTIMEO or
// unix.SO_SNDTIMEO.
func (c *FdCtx) SetTimeout(kind int, ms uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if kind == unix.SO_RCVTIMEO {
		c.recvTimeoutMS = ms
	} else {
		c.sendTimeoutMS = ms
	}
}

// Timeout returns the timeout for kind, NoTimeout when unset.
func (c *FdCtx) Timeout(kind int) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if kind == unix.SO_RCVTIMEO {
		return c.recvTimeoutMS
	}
	return c.sendTimeoutMS
}

// Manager is the fd-indexed metadata table, grown on demand.
type Manager struct {
	mu   sync.RWMutex
	data []*FdCtx
}

// NewManager creates an fd metadata table.
func NewManager() *Manager {
	return &Manager{data: make([]*FdCtx, 64)}
}

// Get returns the record for fd, creating it when autoCreate is set.
func (m *Manager) Get(fd int, autoCreate bool) *FdCtx {
	if fd < 0 {
		return nil
	}
	m.mu.RLock()
	if fd < len(m.data) {
		if c := m.data[fd]; c != nil || !autoCreate {
			m.mu.RUnlock()
			return c
		}
	} else if !autoCreate {
		m.mu.RUnlock()
		return nil
	}
	m.mu.RUnlock()

	m.mu.Lock()
	defer m.mu.Unlock()
	if fd >= len(m.data) {
		grown := make([]*FdCtx, fd+fd/2+1)
		copy(grown, m.data)
		m.data = grown
	}
	if m.data[fd] == nil {
		m.data[fd] = newFdCtx(fd)
	}
	return m.data[fd]
}

// Del drops the record for fd.
func (m *Manager) Del(fd int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if fd >= 0 && fd < len(m.data) {
		m.data[fd] = nil
	}
}

// std is the process-wide table used by the cooperative I/O wrappers.
var std = NewManager()

// Get returns the record for fd from the process-wide table.
func Get(fd int, autoCreate bool) *FdCtx { return std.Get(fd, autoCreate) }

// Del drops fd from the process-wide table.
func Del(fd int) { std.Del(fd) }
