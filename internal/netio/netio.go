// Package netio provides the socket wrapper and the cooperative I/O
// primitives built on the reactor: an operation that would block registers
// an fd event bound to the current fiber, arms a condition timer from the
// fd's configured timeout, and yields; readiness or timeout resumes it.
package netio

import (
	"errors"
	"fmt"
	"sync/atomic"
	"weak"

	"golang.org/x/sys/unix"

	"github.com/kaze-rt/kaze/internal/fdman"
	"github.com/kaze-rt/kaze/internal/fiber"
	"github.com/kaze-rt/kaze/internal/ioman"
	"github.com/kaze-rt/kaze/internal/netaddr"
	"github.com/kaze-rt/kaze/internal/timer"
)

// ErrTimedOut is returned when an operation exceeds the fd's configured
// send or receive timeout.
var ErrTimedOut = errors.New("netio: operation timed out")

// ErrClosed is returned for operations on a closed socket.
var ErrClosed = errors.New("netio: socket closed")

// timeoutInfo tracks whether the condition timer cancelled the wait. The
// timer holds it weakly: once the waiting call has returned and dropped it,
// a late firing upgrades to nothing and is discarded.
type timeoutInfo struct {
	cancelled atomic.Bool
}

// doIO runs op, and when it would block, parks the current fiber on an fd
// event until readiness or timeout. Non-socket and user-nonblocking fds get
// the raw syscall behavior.
func doIO(fd int, event ioman.Event, timeoutKind int, op func() (int, error)) (int, error) {
	ctx := fdman.Get(fd, true)
	if ctx.IsClosed() {
		return -1, ErrClosed
	}
	bypass := !ctx.IsSocket() || ctx.UserNonblock()
	if !bypass && !ctx.SysNonblock() {
		// A would-block op must surface EAGAIN rather than block the worker.
		if err := unix.SetNonblock(fd, true); err != nil {
			return -1, err
		}
		ctx.SetSysNonblock(true)
	}
	timeoutMS := ctx.Timeout(timeoutKind)

	for {
		n, err := op()
		for err == unix.EINTR {
			n, err = op()
		}
		if err != unix.EAGAIN || bypass {
			return n, err
		}

		io := ioman.Current()
		if io == nil || fiber.Current() == nil {
			// Off the runtime there is nothing to park; surface EAGAIN.
			return n, err
		}

		info := &timeoutInfo{}
		var tm *timer.Timer
		if timeoutMS != fdman.NoTimeout {
			wp := weak.Make(info)
			tm = timer.AddConditionTimer(io.Manager, timeoutMS, func() {
				if i := wp.Value(); i == nil || i.cancelled.Swap(true) {
					return
				}
				io.CancelEvent(fd, event)
			}, wp, false)
		}

		if addErr := io.AddEvent(fd, event, nil); addErr != nil {
			if tm != nil {
				tm.Cancel()
			}
			return -1, addErr
		}
		fiber.Current().Yield()

		if tm != nil {
			tm.Cancel()
		}
		if info.cancelled.Load() {
			return -1, ErrTimedOut
		}
		if ctx.IsClosed() {
			// Closed while parked (server shutdown cancelling the wait).
			return -1, ErrClosed
		}
		// Readiness: retry the operation, draining until EAGAIN again.
	}
}

// Socket is a thin wrapper over an IPv4 TCP socket fd.
type Socket struct {
	fd int
}

// NewTCP creates a TCP socket.
func NewTCP() (*Socket, error) {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("netio: socket: %w", err)
	}
	fdman.Get(fd, true)
	return &Socket{fd: fd}, nil
}

// FromFd wraps an already-open fd, registering its metadata.
func FromFd(fd int) *Socket {
	fdman.Get(fd, true)
	return &Socket{fd: fd}
}

// Fd returns the raw descriptor.
func (s *Socket) Fd() int { return s.fd }

// SetReuseAddr enables SO_REUSEADDR.
func (s *Socket) SetReuseAddr() error {
	return unix.SetsockoptInt(s.fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
}

// SetRecvTimeout sets the receive timeout consulted by cooperative reads.
func (s *Socket) SetRecvTimeout(ms uint64) {
	fdman.Get(s.fd, true).SetTimeout(unix.SO_RCVTIMEO, ms)
}

// SetSendTimeout sets the send timeout consulted by cooperative writes.
func (s *Socket) SetSendTimeout(ms uint64) {
	fdman.Get(s.fd, true).SetTimeout(unix.SO_SNDTIMEO, ms)
}

// Bind binds the socket to addr.
func (s *Socket) Bind(addr *netaddr.IPv4) error {
	if err := unix.Bind(s.fd, addr.Sockaddr()); err != nil {
		return fmt.Errorf("netio: bind %s: %w", addr, err)
	}
	return nil
}

// Listen switches the socket to listening mode.
func (s *Socket) Listen(backlog int) error {
	if backlog <= 0 {
		backlog = unix.SOMAXCONN
	}
	if err := unix.Listen(s.fd, backlog); err != nil {
		return fmt.Errorf("netio: listen: %w", err)
	}
	return nil
}

// LocalAddr returns the bound endpoint.
func (s *Socket) LocalAddr() *netaddr.IPv4 {
	sa, err := unix.Getsockname(s.fd)
	if err != nil {
		return nil
	}
	return netaddr.FromSockaddr(sa)
}

// Accept waits cooperatively for an incoming connection. It must run inside
// a fiber on the I/O manager.
func (s *Socket) Accept() (*Socket, *netaddr.IPv4, error) {
	var sa unix.Sockaddr
	nfd, err := doIO(s.fd, ioman.Read, unix.SO_RCVTIMEO, func() (int, error) {
		fd, a, e := unix.Accept4(s.fd, unix.SOCK_CLOEXEC)
		sa = a
		return fd, e
	})
	if err != nil {
		return nil, nil, err
	}
	return FromFd(nfd), netaddr.FromSockaddr(sa), nil
}

// Connect establishes a connection, waiting cooperatively for completion.
// timeoutMS of 0 waits indefinitely.
func (s *Socket) Connect(addr *netaddr.IPv4, timeoutMS uint64) error {
	if err := unix.SetNonblock(s.fd, true); err != nil {
		return fmt.Errorf("netio: set nonblock: %w", err)
	}
	err := unix.Connect(s.fd, addr.Sockaddr())
	if err == nil {
		return nil
	}
	if err != unix.EINPROGRESS {
		return fmt.Errorf("netio: connect %s: %w", addr, err)
	}

	io := ioman.Current()
	if io == nil || fiber.Current() == nil {
		return fmt.Errorf("netio: connect %s: %w", addr, unix.EINPROGRESS)
	}

	info := &timeoutInfo{}
	var tm *timer.Timer
	if timeoutMS > 0 {
		wp := weak.Make(info)
		tm = timer.AddConditionTimer(io.Manager, timeoutMS, func() {
			if i := wp.Value(); i == nil || i.cancelled.Swap(true) {
				return
			}
			io.CancelEvent(s.fd, ioman.Write)
		}, wp, false)
	}
	if addErr := io.AddEvent(s.fd, ioman.Write, nil); addErr != nil {
		if tm != nil {
			tm.Cancel()
		}
		return addErr
	}
	fiber.Current().Yield()
	if tm != nil {
		tm.Cancel()
	}
	if info.cancelled.Load() {
		return ErrTimedOut
	}

	soerr, getErr := unix.GetsockoptInt(s.fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if getErr != nil {
		return fmt.Errorf("netio: connect %s: %w", addr, getErr)
	}
	if soerr != 0 {
		return fmt.Errorf("netio: connect %s: %w", addr, unix.Errno(soerr))
	}
	return nil
}

// Read fills p, parking the fiber until data is available or the receive
// timeout expires. n == 0 with a nil error means the peer closed.
func (s *Socket) Read(p []byte) (int, error) {
	return doIO(s.fd, ioman.Read, unix.SO_RCVTIMEO, func() (int, error) {
		return unix.Read(s.fd, p)
	})
}

// Write sends p, parking the fiber until the kernel accepts bytes or the
// send timeout expires. Short writes are the caller's to handle.
func (s *Socket) Write(p []byte) (int, error) {
	return doIO(s.fd, ioman.Write, unix.SO_SNDTIMEO, func() (int, error) {
		return unix.Write(s.fd, p)
	})
}

// ReadBuf pulls whatever is available into b with a scatter read.
func (s *Socket) ReadBuf(b interface{ ReadFd(int) (int, error) }) (int, error) {
	return doIO(s.fd, ioman.Read, unix.SO_RCVTIMEO, func() (int, error) {
		return b.ReadFd(s.fd)
	})
}

// WriteBuf drains b into the socket.
func (s *Socket) WriteBuf(b interface{ WriteFd(int) (int, error) }) (int, error) {
	return doIO(s.fd, ioman.Write, unix.SO_SNDTIMEO, func() (int, error) {
		return b.WriteFd(s.fd)
	})
}

// Close cancels any pending events on the fd, drops its metadata, and
// closes it.
func (s *Socket) Close() error {
	ctx := fdman.Get(s.fd, false)
	if ctx != nil && ctx.IsClosed() {
		return nil
	}
	if io := ioman.Current(); io != nil {
		io.CancelAll(s.fd)
	}
	if ctx != nil {
		ctx.SetClosed()
	}
	fdman.Del(s.fd)
	return unix.Close(s.fd)
}
